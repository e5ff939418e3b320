// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package slave

import (
	"encoding/binary"

	"github.com/ffutop/modbus-slave/modbus"
)

// The handlers below parse the validated frame payload and compose the
// response directly into the transmit buffer. None of them may block, and
// none retains the request buffer past the call.

// guardWrite consults the registered write guard, if any.
func (i *Instance) guardWrite(function byte, startAddr, quantity uint16) bool {
	if i.writeGuard == nil {
		return true
	}
	return i.writeGuard(function, startAddr, quantity)
}

// readBits serves Read Coils (0x01) and Read Discrete Inputs (0x02).
func (i *Instance) readBits(function byte, payload, region []byte, count uint16, supported bool) {
	if !supported {
		i.exception(function, modbus.ExceptionCodeIllegalFunction)
		return
	}
	if len(payload) != 4 {
		i.exception(function, modbus.ExceptionCodeIllegalDataValue)
		return
	}
	start := binary.BigEndian.Uint16(payload[0:2])
	quantity := binary.BigEndian.Uint16(payload[2:4])

	if quantity < 1 || quantity > modbus.MaxBitsPerRead {
		i.exception(function, modbus.ExceptionCodeIllegalDataValue)
		return
	}
	if uint32(start)+uint32(quantity) > uint32(count) {
		i.exception(function, modbus.ExceptionCodeIllegalDataAddress)
		return
	}

	byteCount := int(quantity+7) / 8
	i.tx[2] = byte(byteCount)
	for b := 0; b < byteCount; b++ {
		i.tx[3+b] = 0
	}
	// Bit i of the request maps to response byte i/8, bit i%8 (LSB first).
	for bit := uint16(0); bit < quantity; bit++ {
		if bitGet(region, start+bit) {
			i.tx[3+int(bit)/8] |= 1 << (bit % 8)
		}
	}
	i.respond(3 + byteCount)
}

// readRegisters serves Read Holding Registers (0x03) and Read Input
// Registers (0x04).
func (i *Instance) readRegisters(function byte, payload []byte, region []uint16, supported bool) {
	if !supported {
		i.exception(function, modbus.ExceptionCodeIllegalFunction)
		return
	}
	if len(payload) != 4 {
		i.exception(function, modbus.ExceptionCodeIllegalDataValue)
		return
	}
	start := binary.BigEndian.Uint16(payload[0:2])
	quantity := binary.BigEndian.Uint16(payload[2:4])

	if quantity < 1 || quantity > modbus.MaxRegistersPerRead {
		i.exception(function, modbus.ExceptionCodeIllegalDataValue)
		return
	}
	if uint32(start)+uint32(quantity) > uint32(len(region)) {
		i.exception(function, modbus.ExceptionCodeIllegalDataAddress)
		return
	}

	i.tx[2] = byte(quantity * 2)
	for n := uint16(0); n < quantity; n++ {
		binary.BigEndian.PutUint16(i.tx[3+int(n)*2:], region[start+n])
	}
	i.respond(3 + int(quantity)*2)
}

// writeSingleCoil serves Write Single Coil (0x05).
func (i *Instance) writeSingleCoil(function byte, payload []byte) {
	if !i.data.coilsSupported() {
		i.exception(function, modbus.ExceptionCodeIllegalFunction)
		return
	}
	if len(payload) != 4 {
		i.exception(function, modbus.ExceptionCodeIllegalDataValue)
		return
	}
	addr := binary.BigEndian.Uint16(payload[0:2])
	value := binary.BigEndian.Uint16(payload[2:4])

	if addr >= i.data.CoilCount {
		i.exception(function, modbus.ExceptionCodeIllegalDataAddress)
		return
	}
	if !i.guardWrite(function, addr, 1) {
		i.exception(function, modbus.ExceptionCodeSlaveDeviceFailure)
		return
	}

	// 0xFF00 sets, 0x0000 clears; any other value is accepted without
	// effect, matching conventional Modbus leniency.
	switch value {
	case 0xFF00:
		bitSet(i.data.Coils, addr, true)
	case 0x0000:
		bitSet(i.data.Coils, addr, false)
	}

	i.echo(payload)
}

// writeSingleRegister serves Write Single Register (0x06).
func (i *Instance) writeSingleRegister(function byte, payload []byte) {
	if !i.data.holdingSupported() {
		i.exception(function, modbus.ExceptionCodeIllegalFunction)
		return
	}
	if len(payload) != 4 {
		i.exception(function, modbus.ExceptionCodeIllegalDataValue)
		return
	}
	addr := binary.BigEndian.Uint16(payload[0:2])
	value := binary.BigEndian.Uint16(payload[2:4])

	if int(addr) >= len(i.data.HoldingRegisters) {
		i.exception(function, modbus.ExceptionCodeIllegalDataAddress)
		return
	}
	if !i.guardWrite(function, addr, 1) {
		i.exception(function, modbus.ExceptionCodeSlaveDeviceFailure)
		return
	}

	i.data.HoldingRegisters[addr] = value
	i.echo(payload)
}

// writeMultipleCoils serves Write Multiple Coils (0x0F). The declared byte
// count must agree with both the quantity and the received frame length; a
// mismatch is rejected before anything is written.
func (i *Instance) writeMultipleCoils(function byte, payload []byte) {
	if !i.data.coilsSupported() {
		i.exception(function, modbus.ExceptionCodeIllegalFunction)
		return
	}
	if len(payload) < 5 {
		i.exception(function, modbus.ExceptionCodeIllegalDataValue)
		return
	}
	start := binary.BigEndian.Uint16(payload[0:2])
	quantity := binary.BigEndian.Uint16(payload[2:4])
	byteCount := int(payload[4])

	if quantity < 1 || quantity > modbus.MaxBitsPerWrite {
		i.exception(function, modbus.ExceptionCodeIllegalDataValue)
		return
	}
	if byteCount != int(quantity+7)/8 || len(payload) != 5+byteCount {
		i.exception(function, modbus.ExceptionCodeIllegalDataValue)
		return
	}
	if uint32(start)+uint32(quantity) > uint32(i.data.CoilCount) {
		i.exception(function, modbus.ExceptionCodeIllegalDataAddress)
		return
	}
	if !i.guardWrite(function, start, quantity) {
		i.exception(function, modbus.ExceptionCodeSlaveDeviceFailure)
		return
	}

	bits := payload[5:]
	for n := uint16(0); n < quantity; n++ {
		on := bits[n/8]&(1<<(n%8)) != 0
		bitSet(i.data.Coils, start+n, on)
	}

	// Reply echoes start address and quantity.
	copy(i.tx[2:6], payload[0:4])
	i.respond(6)
}

// writeMultipleRegisters serves Write Multiple Registers (0x10), with the
// same byte-count cross-checks as 0x0F.
func (i *Instance) writeMultipleRegisters(function byte, payload []byte) {
	if !i.data.holdingSupported() {
		i.exception(function, modbus.ExceptionCodeIllegalFunction)
		return
	}
	if len(payload) < 5 {
		i.exception(function, modbus.ExceptionCodeIllegalDataValue)
		return
	}
	start := binary.BigEndian.Uint16(payload[0:2])
	quantity := binary.BigEndian.Uint16(payload[2:4])
	byteCount := int(payload[4])

	if quantity < 1 || quantity > modbus.MaxRegistersPerWrite {
		i.exception(function, modbus.ExceptionCodeIllegalDataValue)
		return
	}
	if byteCount != int(quantity)*2 || len(payload) != 5+byteCount {
		i.exception(function, modbus.ExceptionCodeIllegalDataValue)
		return
	}
	if uint32(start)+uint32(quantity) > uint32(len(i.data.HoldingRegisters)) {
		i.exception(function, modbus.ExceptionCodeIllegalDataAddress)
		return
	}
	if !i.guardWrite(function, start, quantity) {
		i.exception(function, modbus.ExceptionCodeSlaveDeviceFailure)
		return
	}

	values := payload[5:]
	for n := uint16(0); n < quantity; n++ {
		i.data.HoldingRegisters[start+n] = binary.BigEndian.Uint16(values[int(n)*2:])
	}

	copy(i.tx[2:6], payload[0:4])
	i.respond(6)
}

// deviceConfig serves the vendor extension 0x64. The frame is fixed at 8
// bytes, mirroring Write Single Register: a parameter address selects what
// to change (0x0000 bus address, 0x0001 baud-rate index) and the engine
// validates the value range before delegating to the registered callback.
// Persistence and any restart are the callback's concern; the engine only
// echoes or raises an exception based on its boolean result.
func (i *Instance) deviceConfig(function byte, payload []byte) {
	if len(payload) != 4 {
		i.exception(function, modbus.ExceptionCodeIllegalDataValue)
		return
	}
	paramAddr := binary.BigEndian.Uint16(payload[0:2])
	paramValue := binary.BigEndian.Uint16(payload[2:4])

	switch paramAddr {
	case modbus.ConfigParamSlaveAddress:
		if paramValue < modbus.SlaveAddressMin || paramValue > modbus.SlaveAddressMax {
			i.exception(function, modbus.ExceptionCodeIllegalDataValue)
			return
		}
	case modbus.ConfigParamBaudRate:
		if _, ok := BaudRateForIndex(paramValue); !ok {
			i.exception(function, modbus.ExceptionCodeIllegalDataValue)
			return
		}
	default:
		i.exception(function, modbus.ExceptionCodeIllegalDataAddress)
		return
	}

	if i.applyConfig == nil {
		i.exception(function, modbus.ExceptionCodeIllegalFunction)
		return
	}
	if !i.applyConfig(paramAddr, paramValue) {
		i.exception(function, modbus.ExceptionCodeIllegalDataValue)
		return
	}

	i.echo(payload)
}

// echo replies with the request's own payload, the confirmation form used
// by the single-write and device-config functions. The address byte has
// already been set to the instance's real address.
func (i *Instance) echo(payload []byte) {
	copy(i.tx[2:6], payload[0:4])
	i.respond(6)
}
