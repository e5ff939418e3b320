// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/ffutop/modbus-slave/internal/config"
	"github.com/ffutop/modbus-slave/slave"
)

// MmapStorage maps the state file into memory, so every region write lands
// in the page cache directly; Sync forces it to disk.
type MmapStorage struct {
	path   string
	layout layout
	file   *os.File
	data   mmap.MMap
}

// NewMmapStorage creates a new MmapStorage.
func NewMmapStorage(path string, regions config.RegionsConfig) *MmapStorage {
	return &MmapStorage{
		path:   path,
		layout: newLayout(regions),
	}
}

// Load memory-maps the state file, resizing it if the region layout changed.
func (ms *MmapStorage) Load() (slave.DataMap, SavedConfig, error) {
	f, err := os.OpenFile(ms.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return slave.DataMap{}, SavedConfig{}, fmt.Errorf("failed to open state file: %w", err)
	}
	ms.file = f

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return slave.DataMap{}, SavedConfig{}, err
	}

	if fi.Size() != int64(ms.layout.total) {
		if err := f.Truncate(0); err != nil {
			f.Close()
			return slave.DataMap{}, SavedConfig{}, fmt.Errorf("failed to reset state file: %w", err)
		}
		if err := f.Truncate(int64(ms.layout.total)); err != nil {
			f.Close()
			return slave.DataMap{}, SavedConfig{}, fmt.Errorf("failed to resize state file: %w", err)
		}
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return slave.DataMap{}, SavedConfig{}, fmt.Errorf("mmap failed: %w", err)
	}
	ms.data = data

	return ms.layout.mapBytes(data), readHeader(data), nil
}

// SaveConfig stamps the header and flushes.
func (ms *MmapStorage) SaveConfig(sc SavedConfig) error {
	if ms.data == nil {
		return fmt.Errorf("storage not loaded")
	}
	writeHeader(ms.data, sc)
	return ms.data.Flush()
}

// Sync flushes the mapping to disk.
func (ms *MmapStorage) Sync() error {
	if ms.data == nil {
		return nil
	}
	return ms.data.Flush()
}

// Close unmaps and closes the state file.
func (ms *MmapStorage) Close() error {
	var err error
	if ms.data != nil {
		if e := ms.data.Unmap(); e != nil {
			err = e
		}
		ms.data = nil
	}
	if ms.file != nil {
		if e := ms.file.Close(); e != nil {
			err = e
		}
		ms.file = nil
	}
	return err
}
