// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"encoding/binary"
	"unsafe"

	"github.com/ffutop/modbus-slave/internal/config"
	"github.com/ffutop/modbus-slave/slave"
)

// configMagic marks a store whose header carries a saved device
// configuration.
const configMagic = 0xDEADBEEF

// Header layout (little-endian):
// - Magic: 4 bytes (Offset 0)
// - Address: 1 byte (Offset 4)
// - Padding: 3 bytes (Offset 5)
// - BaudRate: 4 bytes (Offset 8)
const headerSize = 12

// layout computes the byte offsets of the regions within the backing store.
// Bit regions are packed 8 per byte; register regions are 2 bytes per entry
// and kept 2-byte aligned so they can be mapped as []uint16.
type layout struct {
	sizeCoils    int
	sizeDiscrete int
	sizeHolding  int
	sizeInput    int

	offsetCoils    int
	offsetDiscrete int
	offsetHolding  int
	offsetInput    int

	total int

	regions config.RegionsConfig
}

func newLayout(regions config.RegionsConfig) layout {
	l := layout{regions: regions}
	l.sizeCoils = (regions.Coils + 7) / 8
	l.sizeDiscrete = (regions.DiscreteInputs + 7) / 8
	l.sizeHolding = regions.HoldingRegisters * 2
	l.sizeInput = regions.InputRegisters * 2

	l.offsetCoils = headerSize
	l.offsetDiscrete = l.offsetCoils + l.sizeCoils
	l.offsetHolding = align2(l.offsetDiscrete + l.sizeDiscrete)
	l.offsetInput = l.offsetHolding + l.sizeHolding
	l.total = l.offsetInput + l.sizeInput
	return l
}

func align2(n int) int {
	return (n + 1) &^ 1
}

// mapBytes constructs a DataMap backed by the provided store slice.
// Warning: This function uses unsafe pointers to cast byte slices to uint16
// slices. The resulting DataMap relies on the host's endianness for
// multi-byte values. This provides zero-copy access but sacrifices
// portability across architectures with different endianness.
func (l layout) mapBytes(data []byte) slave.DataMap {
	var m slave.DataMap

	if l.regions.Coils > 0 {
		m.Coils = data[l.offsetCoils : l.offsetCoils+l.sizeCoils]
		m.CoilCount = uint16(l.regions.Coils)
	}
	if l.regions.DiscreteInputs > 0 {
		m.DiscreteInputs = data[l.offsetDiscrete : l.offsetDiscrete+l.sizeDiscrete]
		m.DiscreteCount = uint16(l.regions.DiscreteInputs)
	}
	if l.regions.HoldingRegisters > 0 {
		holdingBytes := data[l.offsetHolding : l.offsetHolding+l.sizeHolding]
		m.HoldingRegisters = unsafe.Slice((*uint16)(unsafe.Pointer(&holdingBytes[0])), l.sizeHolding/2)
	}
	if l.regions.InputRegisters > 0 {
		inputBytes := data[l.offsetInput : l.offsetInput+l.sizeInput]
		m.InputRegisters = unsafe.Slice((*uint16)(unsafe.Pointer(&inputBytes[0])), l.sizeInput/2)
	}
	return m
}

func readHeader(data []byte) SavedConfig {
	if binary.LittleEndian.Uint32(data[0:4]) != configMagic {
		return SavedConfig{}
	}
	return SavedConfig{
		Address:  data[4],
		BaudRate: binary.LittleEndian.Uint32(data[8:12]),
		Valid:    true,
	}
}

func writeHeader(data []byte, sc SavedConfig) {
	binary.LittleEndian.PutUint32(data[0:4], configMagic)
	data[4] = sc.Address
	data[5], data[6], data[7] = 0, 0, 0
	binary.LittleEndian.PutUint32(data[8:12], sc.BaudRate)
}
