// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package modbus holds the protocol constants shared by the slave engine,
// the transports and the tests.
package modbus

import "fmt"

// Function Codes
const (
	FuncCodeReadCoils              = 0x01
	FuncCodeReadDiscreteInputs     = 0x02
	FuncCodeReadHoldingRegisters   = 0x03
	FuncCodeReadInputRegisters     = 0x04
	FuncCodeWriteSingleCoil        = 0x05
	FuncCodeWriteSingleRegister    = 0x06
	FuncCodeWriteMultipleCoils     = 0x0F
	FuncCodeWriteMultipleRegisters = 0x10

	// FuncCodeDeviceConfig is the vendor extension used to change the
	// slave address or baud-rate index at runtime.
	FuncCodeDeviceConfig = 0x64
)

// ExceptionCode is the error code carried by an exception response.
type ExceptionCode byte

const (
	ExceptionCodeIllegalFunction    ExceptionCode = 0x01
	ExceptionCodeIllegalDataAddress ExceptionCode = 0x02
	ExceptionCodeIllegalDataValue   ExceptionCode = 0x03
	ExceptionCodeSlaveDeviceFailure ExceptionCode = 0x04
)

func (e ExceptionCode) String() string {
	switch e {
	case ExceptionCodeIllegalFunction:
		return "illegal function"
	case ExceptionCodeIllegalDataAddress:
		return "illegal data address"
	case ExceptionCodeIllegalDataValue:
		return "illegal data value"
	case ExceptionCodeSlaveDeviceFailure:
		return "slave device failure"
	}
	return fmt.Sprintf("exception 0x%02X", byte(e))
}

// Addressing
const (
	// BroadcastAddress is answered by this implementation, deviating from
	// strict Modbus RTU (which defines broadcast as no-reply), so that
	// recovery and discovery tooling can reach a slave whose configured
	// address is unknown.
	BroadcastAddress = 0xFF

	SlaveAddressMin = 1
	SlaveAddressMax = 247
)

// Quantity limits per function code family.
const (
	MaxBitsPerRead       = 2000
	MaxRegistersPerRead  = 125
	MaxBitsPerWrite      = 1968
	MaxRegistersPerWrite = 123
)

// ExceptionFlag marks a function code as an exception response.
const ExceptionFlag = 0x80

// Device-config (0x64) parameter addresses.
const (
	ConfigParamSlaveAddress = 0x0000
	ConfigParamBaudRate     = 0x0001
)
