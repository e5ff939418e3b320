// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package persistence stores the slave's data regions and its device
// configuration (bus address and baud-rate) across restarts.
package persistence

import (
	"fmt"

	"github.com/ffutop/modbus-slave/internal/config"
	"github.com/ffutop/modbus-slave/slave"
)

// SavedConfig is the persisted device configuration. Valid reports whether
// the backing store carried the magic marker, i.e. whether Address and
// BaudRate were ever written by a device-config request.
type SavedConfig struct {
	Address  uint8
	BaudRate uint32
	Valid    bool
}

// Storage defines the interface for persisting the slave's state.
type Storage interface {
	// Load maps the four data regions onto the backing store and reads any
	// previously saved device configuration. Region contents survive
	// restarts for file-backed stores; writes through the returned DataMap
	// land in the store and are made durable by Sync.
	Load() (slave.DataMap, SavedConfig, error)

	// SaveConfig records the device configuration and makes it durable.
	SaveConfig(sc SavedConfig) error

	// Sync flushes outstanding region writes to the backing store.
	Sync() error

	// Close releases the backing store.
	Close() error
}

// New builds the storage selected by the persistence configuration.
func New(cfg config.PersistenceConfig, regions config.RegionsConfig) (Storage, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStorage(regions), nil
	case "file":
		return NewFileStorage(cfg.Path, regions), nil
	case "mmap":
		return NewMmapStorage(cfg.Path, regions), nil
	default:
		return nil, fmt.Errorf("unknown persistence type: %s", cfg.Type)
	}
}
