// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package rtu drives a Modbus RTU slave engine over a serial device. It
// owns the port, detects frame boundaries by inter-character idle time and
// implements the engine's transmitter contract on top of the device.
package rtu

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grid-x/serial"

	"github.com/ffutop/modbus-slave/internal/config"
	"github.com/ffutop/modbus-slave/slave"
)

// Port adapts a serial device to the slave engine: its Run loop is the
// receive pump and the Transmit methods satisfy slave.Transmitter.
type Port struct {
	cfg config.SerialConfig

	mu   sync.Mutex
	port io.ReadWriteCloser

	closed atomic.Bool

	// txDeadline is the wall-clock instant (unix nanoseconds) at which the
	// last written byte has physically left the wire.
	txDeadline atomic.Int64

	// CompleteHandler is invoked after an asynchronous send has fully left
	// the wire, typically wired to Instance.OnTransmitComplete. Must be set
	// before the first TransmitAsync.
	CompleteHandler func()

	ready chan struct{}
}

// Open opens the serial device described by cfg. The device read timeout is
// set to the RTU inter-frame gap, so a timed-out read marks a frame boundary.
func Open(cfg config.SerialConfig) (*Port, error) {
	sp, err := serial.Open(&serial.Config{
		Address:  cfg.Device,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  frameIdle(cfg.BaudRate),
		RS485: serial.RS485Config{
			Enabled:           cfg.RS485,
			RtsHighDuringSend: cfg.RtsHighDuringSend,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", cfg.Device, err)
	}
	return &Port{
		cfg:   cfg,
		port:  sp,
		ready: make(chan struct{}, 1),
	}, nil
}

// frameIdle returns the 3.5-character silent interval that separates RTU
// frames. Above 19200 baud the specification fixes it at 1750us.
func frameIdle(baudRate int) time.Duration {
	if baudRate <= 0 || baudRate > 19200 {
		return 1750 * time.Microsecond
	}
	return time.Duration(35000000/baudRate) * time.Microsecond
}

// wireTime returns how long n bytes occupy the wire at the configured baud
// rate, at 10 bit times per byte.
func (p *Port) wireTime(n int) time.Duration {
	return time.Duration(n) * 10 * time.Second / time.Duration(p.cfg.BaudRate)
}

// Ready signals one pending frame per receive completion; the channel holds
// at most one signal, matching the engine's single-pending-frame model.
func (p *Port) Ready() <-chan struct{} {
	return p.ready
}

func (p *Port) signal() {
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

// Run is the receive pump: it accumulates bytes into the engine's armed
// buffer and reports a completed frame when the line goes idle. It returns
// after Close or context cancellation.
func (p *Port) Run(ctx context.Context, inst *slave.Instance) error {
	slog.Info("RTU slave listening", "device", p.cfg.Device, "baud_rate", p.cfg.BaudRate)

	go func() {
		<-ctx.Done()
		p.Close()
	}()

	buf := inst.ReceiveBuffer()
	n := 0
	for {
		if p.closed.Load() || ctx.Err() != nil {
			return nil
		}

		m, err := p.port.Read(buf[n:])
		if m > 0 {
			n += m
			if n == len(buf) {
				// Buffer full counts as a boundary; anything longer is
				// oversized anyway and will fail validation.
				buf = inst.OnReceiveComplete(n)
				n = 0
				p.signal()
			}
			continue
		}

		// A read that returns no bytes is the inter-frame gap (device read
		// timeout) or a dying port; either way a pending frame is complete.
		if n > 0 {
			buf = inst.OnReceiveComplete(n)
			n = 0
			p.signal()
		}
		if err != nil && p.closed.Load() {
			return nil
		}
	}
}

// Transmit writes the frame and records when it will have left the wire.
// The serial layer buffers writes, so the bound is on the write call itself;
// WaitIdle covers the drain.
func (p *Port) Transmit(frame []byte, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	deadline := time.Now().Add(timeout)
	if _, err := p.port.Write(frame); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	sent := time.Now().Add(p.wireTime(len(frame)))
	if sent.After(deadline) {
		sent = deadline
	}
	p.txDeadline.Store(sent.UnixNano())
	return nil
}

// TransmitAsync copies the frame and performs the send on its own goroutine,
// invoking CompleteHandler once the bytes have left the wire.
func (p *Port) TransmitAsync(frame []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("serial port %s is closed", p.cfg.Device)
	}
	out := make([]byte, len(frame))
	copy(out, frame)

	go func() {
		if err := p.Transmit(out, p.wireTime(len(out))+time.Second); err != nil {
			slog.Error("async transmit failed", "device", p.cfg.Device, "err", err)
		}
		if p.CompleteHandler != nil {
			p.CompleteHandler()
		}
	}()
	return nil
}

// WaitIdle blocks until the last written byte has left the wire.
func (p *Port) WaitIdle() {
	deadline := time.Unix(0, p.txDeadline.Load())
	if d := time.Until(deadline); d > 0 {
		time.Sleep(d)
	}
}

// Close closes the serial device, unblocking the Run loop.
func (p *Port) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port.Close()
}
