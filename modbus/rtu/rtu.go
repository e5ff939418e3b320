// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package rtu provides frame-level helpers for the Modbus RTU wire format:
//
//	Slave Address   : 1 byte
//	Function        : 1 byte
//	Data            : 0 up to 252 bytes
//	CRC             : 2 bytes, low byte first
package rtu

import (
	"fmt"

	"github.com/ffutop/modbus-slave/modbus/crc"
)

const (
	MinSize = 4
	MaxSize = 256

	ExceptionSize = 5
)

// Build assembles an RTU frame from address, function code and payload,
// appending the CRC low byte first.
func Build(address, function byte, payload []byte) ([]byte, error) {
	length := len(payload) + 4
	if length > MaxSize {
		return nil, fmt.Errorf("modbus: frame length '%v' must not be bigger than '%v'", length, MaxSize)
	}
	raw := make([]byte, length)

	raw[0] = address
	raw[1] = function
	copy(raw[2:], payload)

	checksum := crc.Checksum(raw[:length-2])
	raw[length-2] = byte(checksum)
	raw[length-1] = byte(checksum >> 8)
	return raw, nil
}

// Verify checks the minimum length and the trailing checksum of a frame.
func Verify(raw []byte) error {
	length := len(raw)
	if length < MinSize {
		return fmt.Errorf("modbus: frame length '%v' does not meet minimum '%v'", length, MinSize)
	}

	checksum := uint16(raw[length-1])<<8 | uint16(raw[length-2])
	if expected := crc.Checksum(raw[:length-2]); checksum != expected {
		return fmt.Errorf("modbus: frame crc '%v' does not match expected '%v'", checksum, expected)
	}
	return nil
}

// Payload returns the data bytes of a frame, excluding address, function
// code and CRC. The frame must already be verified.
func Payload(raw []byte) []byte {
	return raw[2 : len(raw)-2]
}
