// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ffutop/modbus-slave/internal/config"
	"github.com/ffutop/modbus-slave/internal/persistence"
	"github.com/ffutop/modbus-slave/modbus"
	"github.com/ffutop/modbus-slave/slave"
	"github.com/ffutop/modbus-slave/transport/rtu"
)

// syncInterval paces deferred region persistence for file-backed stores.
const syncInterval = 5 * time.Second

func main() {
	configFile := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Load Configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	slog.Info("Starting Modbus RTU slave...")

	// Storage first: a previously saved device config overrides the file.
	storage, err := persistence.New(cfg.Persistence, cfg.Regions)
	if err != nil {
		slog.Error("Failed to create storage", "err", err)
		os.Exit(1)
	}
	data, saved, err := storage.Load()
	if err != nil {
		slog.Error("Failed to load storage", "err", err)
		os.Exit(1)
	}
	defer storage.Close()

	address := cfg.Slave.Address
	baudRate := cfg.Serial.BaudRate
	if saved.Valid {
		slog.Info("Restored device config", "address", saved.Address, "baud_rate", saved.BaudRate)
		address = saved.Address
		baudRate = int(saved.BaudRate)
	}
	cfg.Serial.BaudRate = baudRate

	guard, err := buildWriteGuard(cfg.WriteProtect)
	if err != nil {
		slog.Error("Invalid write_protect config", "err", err)
		os.Exit(1)
	}

	port, err := rtu.Open(cfg.Serial)
	if err != nil {
		slog.Error("Failed to open serial port", "err", err)
		os.Exit(1)
	}
	defer port.Close()

	// Device-config requests apply to the running instance and hand the
	// accepted values off the response path; the saver goroutine below
	// makes them durable.
	var inst *slave.Instance
	saveCh := make(chan persistence.SavedConfig, 4)
	pending := persistence.SavedConfig{Address: address, BaudRate: uint32(baudRate), Valid: true}
	onApply := func(paramAddr, paramValue uint16) bool {
		next := pending
		switch paramAddr {
		case modbus.ConfigParamSlaveAddress:
			next.Address = uint8(paramValue)
		case modbus.ConfigParamBaudRate:
			// The physical link keeps its rate until the next start; only
			// the persisted value changes now.
			rate, ok := slave.BaudRateForIndex(paramValue)
			if !ok {
				return false
			}
			next.BaudRate = rate
		}
		select {
		case saveCh <- next:
		default:
			slog.Warn("Config save queue full, rejecting device-config request")
			return false
		}
		pending = next
		if paramAddr == modbus.ConfigParamSlaveAddress {
			inst.SetAddress(next.Address)
		}
		return true
	}

	inst, err = slave.New(&slave.Config{
		Address:       address,
		BaudRate:      uint32(baudRate),
		BufferSize:    cfg.Slave.BufferSize,
		Data:          data,
		Port:          port,
		AsyncTransmit: cfg.Slave.AsyncTransmit,
		UseCRCTable:   cfg.Slave.CRCTable,
		OnApplyConfig: onApply,
		WriteGuard:    guard,
	})
	if err != nil {
		slog.Error("Failed to create slave instance", "err", err)
		os.Exit(1)
	}
	port.CompleteHandler = inst.OnTransmitComplete

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := port.Run(ctx, inst); err != nil {
			slog.Error("Receive pump stopped with error", "err", err)
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-port.Ready():
				inst.Process()
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case sc := <-saveCh:
				if err := storage.SaveConfig(sc); err != nil {
					slog.Error("Failed to persist device config", "err", err)
					continue
				}
				slog.Info("Device config persisted", "address", sc.Address, "baud_rate", sc.BaudRate)
			}
		}
	}()

	if cfg.Persistence.Type != "memory" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(syncInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := storage.Sync(); err != nil {
						slog.Error("Failed to sync storage", "err", err)
					}
				}
			}
		}()
	}

	// Wait for Signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
	cancel()
	port.Close()
	wg.Wait()
	if err := storage.Sync(); err != nil {
		slog.Error("Final storage sync failed", "err", err)
	}
	slog.Info("Goodbye.")
}

// buildWriteGuard turns the write-protect spans into the engine's guard
// callback. An empty configuration yields no guard at all.
func buildWriteGuard(wp config.WriteProtectConfig) (slave.WriteGuard, error) {
	coils, err := config.ParseRanges(wp.Coils)
	if err != nil {
		return nil, fmt.Errorf("write_protect.coils: %w", err)
	}
	holding, err := config.ParseRanges(wp.HoldingRegisters)
	if err != nil {
		return nil, fmt.Errorf("write_protect.holding_registers: %w", err)
	}
	if len(coils) == 0 && len(holding) == 0 {
		return nil, nil
	}

	return func(function byte, startAddr, quantity uint16) bool {
		var protected map[uint16]struct{}
		switch function {
		case modbus.FuncCodeWriteSingleCoil, modbus.FuncCodeWriteMultipleCoils:
			protected = coils
		case modbus.FuncCodeWriteSingleRegister, modbus.FuncCodeWriteMultipleRegisters:
			protected = holding
		default:
			return true
		}
		for n := uint16(0); n < quantity; n++ {
			if _, ok := protected[startAddr+n]; ok {
				return false
			}
		}
		return true
	}, nil
}

func setupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stdout: %v\n", err)
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
