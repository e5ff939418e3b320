// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"fmt"
	"io"
	"os"

	"github.com/ffutop/modbus-slave/internal/config"
	"github.com/ffutop/modbus-slave/slave"
)

// FileStorage keeps the regions in an in-process buffer read from a state
// file; Sync and SaveConfig write the buffer back and fsync. The buffer is
// the regions' live backing store, so writes become durable at the next
// Sync rather than immediately.
type FileStorage struct {
	path   string
	layout layout
	file   *os.File
	data   []byte
}

// NewFileStorage creates a new FileStorage.
func NewFileStorage(path string, regions config.RegionsConfig) *FileStorage {
	return &FileStorage{
		path:   path,
		layout: newLayout(regions),
	}
}

// Load reads the state file, resizing it if the region layout changed. A
// resize discards saved contents: the file carries no region sizing of its
// own, so a layout change invalidates every offset in it.
func (fs *FileStorage) Load() (slave.DataMap, SavedConfig, error) {
	f, err := os.OpenFile(fs.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return slave.DataMap{}, SavedConfig{}, fmt.Errorf("failed to open state file: %w", err)
	}
	fs.file = f

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return slave.DataMap{}, SavedConfig{}, err
	}

	if fi.Size() != int64(fs.layout.total) {
		if err := f.Truncate(0); err != nil {
			f.Close()
			return slave.DataMap{}, SavedConfig{}, fmt.Errorf("failed to reset state file: %w", err)
		}
		if err := f.Truncate(int64(fs.layout.total)); err != nil {
			f.Close()
			return slave.DataMap{}, SavedConfig{}, fmt.Errorf("failed to resize state file: %w", err)
		}
	}

	data, err := io.ReadAll(f)
	if err != nil {
		f.Close()
		return slave.DataMap{}, SavedConfig{}, fmt.Errorf("failed to read state file: %w", err)
	}
	fs.data = data

	return fs.layout.mapBytes(data), readHeader(data), nil
}

// SaveConfig stamps the header and makes the whole buffer durable.
func (fs *FileStorage) SaveConfig(sc SavedConfig) error {
	if fs.data == nil {
		return fmt.Errorf("storage not loaded")
	}
	writeHeader(fs.data, sc)
	return fs.Sync()
}

// Sync writes the buffer back to the state file.
func (fs *FileStorage) Sync() error {
	if fs.data == nil || fs.file == nil {
		return nil
	}
	if _, err := fs.file.WriteAt(fs.data, 0); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := fs.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync state file to disk: %w", err)
	}
	return nil
}

// Close flushes and closes the state file.
func (fs *FileStorage) Close() error {
	if fs.file == nil {
		return nil
	}
	err := fs.Sync()
	if e := fs.file.Close(); err == nil {
		err = e
	}
	fs.file = nil
	return err
}
