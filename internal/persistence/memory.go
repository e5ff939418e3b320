// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"github.com/ffutop/modbus-slave/internal/config"
	"github.com/ffutop/modbus-slave/slave"
)

// MemoryStorage is a volatile storage: regions start zeroed on every run and
// a saved device configuration survives only for the process lifetime.
type MemoryStorage struct {
	layout layout
	saved  SavedConfig
}

func NewMemoryStorage(regions config.RegionsConfig) *MemoryStorage {
	return &MemoryStorage{layout: newLayout(regions)}
}

func (ms *MemoryStorage) Load() (slave.DataMap, SavedConfig, error) {
	data := make([]byte, ms.layout.total)
	return ms.layout.mapBytes(data), ms.saved, nil
}

func (ms *MemoryStorage) SaveConfig(sc SavedConfig) error {
	ms.saved = sc
	return nil
}

func (ms *MemoryStorage) Sync() error { return nil }

func (ms *MemoryStorage) Close() error { return nil }
