// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package slave implements the slave side of the Modbus RTU protocol:
// frame validation and dispatch, the four classic data regions, a vendor
// extension (0x64) for online address/baud reconfiguration, and the
// half-duplex timing discipline for the response path.
//
// The engine is split across two execution contexts. The transport's
// receive context calls OnReceiveComplete whenever a complete frame has
// been delivered (frame boundaries are the transport's job, typically an
// inter-character idle timeout). A cooperatively scheduled loop calls
// Process, which consumes at most one pending frame per call. The ping-pong
// buffer pair in between is the only shared mutable state crossing that
// boundary; see frameSync for the drop-on-overrun trade-off.
//
// After New, the hot path performs no allocation: requests are parsed in
// place and responses are composed into the instance's transmit buffer.
//
// Several Instances may run concurrently, one per serial link, and may
// point into the same DataMap storage; see DataMap for the synchronization
// requirements that sharing imposes on the application.
package slave

import (
	"errors"
	"fmt"
	"time"

	"sync/atomic"

	"github.com/ffutop/modbus-slave/modbus"
	"github.com/ffutop/modbus-slave/modbus/crc"
	"github.com/ffutop/modbus-slave/modbus/rtu"
)

// Transmitter sends a fully framed response on the wire. Implementations
// wrap a serial port (see transport/serial) or, on targets with direct UART
// access, the hardware send primitives.
type Transmitter interface {
	// Transmit performs a blocking send bounded by timeout. There is no
	// cancellation: an in-flight send runs to its timeout or completion.
	Transmit(frame []byte, timeout time.Duration) error

	// TransmitAsync hands the frame to a non-blocking send and returns
	// immediately. The owner of the transmitter must arrange for
	// Instance.OnTransmitComplete to be called once the frame has been
	// sent, so the half-duplex direction can be restored.
	TransmitAsync(frame []byte) error

	// WaitIdle blocks until the last byte has physically left the
	// transmitter, not merely been accepted into a buffer. Switching the
	// line direction before this point truncates the final byte on the
	// wire.
	WaitIdle()
}

// HalfDuplex configures the direction control of a half-duplex link.
type HalfDuplex struct {
	Enabled bool

	// SetDirection drives the driver-enable output. The asserted polarity
	// is the implementation's concern; see LevelControl.
	SetDirection func(transmit bool)
}

// LevelControl adapts a raw level output to a direction-control function.
// activeHigh selects whether a high level means transmit, which is a wiring
// property of the transceiver, not part of the protocol.
func LevelControl(write func(high bool), activeHigh bool) func(transmit bool) {
	return func(transmit bool) {
		write(transmit == activeHigh)
	}
}

// WriteGuard is consulted before any write handler mutates a region. A
// false result aborts the write and answers with a slave-device-failure
// exception. The guard runs on the frame-processing path and must return
// promptly.
type WriteGuard func(function byte, startAddr, quantity uint16) bool

// ApplyConfig handles an accepted device-config (0x64) request. The engine
// has already validated the parameter address and value range; the callback
// decides whether to accept, typically updating the instance through
// SetAddress/SetBaudRate and scheduling persistence. It must not block:
// non-volatile writes belong on a flag or queue serviced outside the
// response path.
type ApplyConfig func(paramAddr, paramValue uint16) bool

// Config carries everything needed to initialize an Instance.
type Config struct {
	// Address is the slave's bus address, 1 to 247.
	Address uint8

	// BaudRate is used for transmit timeout math only; it does not
	// reconfigure the physical link.
	BaudRate uint32

	// BufferSize sizes the two receive buffers and the transmit buffer.
	// Zero selects the RTU maximum of 256 bytes.
	BufferSize int

	Data DataMap

	Port Transmitter

	HalfDuplex HalfDuplex

	// AsyncTransmit selects the non-blocking send path; the transport
	// must then deliver transmit-complete notifications via
	// OnTransmitComplete.
	AsyncTransmit bool

	// UseCRCTable selects the table-driven CRC strategy over the
	// bit-serial one. Purely a code-size/speed trade-off.
	UseCRCTable bool

	OnApplyConfig ApplyConfig
	WriteGuard    WriteGuard
}

// Instance is one slave endpoint. It is created once by New and lives for
// the process lifetime; there is no teardown.
type Instance struct {
	address atomic.Uint32
	baud    atomic.Uint32

	rx frameSync
	tx []byte

	data       DataMap
	port       Transmitter
	halfDuplex HalfDuplex

	asyncTransmit bool
	crcTable      bool

	applyConfig ApplyConfig
	writeGuard  WriteGuard
}

var (
	errNoPort = errors.New("slave: config has no transmitter")
)

// New validates the configuration and initializes an Instance, allocating
// its three buffers. The hot path allocates nothing after this point.
func New(cfg *Config) (*Instance, error) {
	if cfg == nil {
		return nil, errors.New("slave: nil config")
	}
	if cfg.Port == nil {
		return nil, errNoPort
	}
	if cfg.Address < modbus.SlaveAddressMin || cfg.Address > modbus.SlaveAddressMax {
		return nil, fmt.Errorf("slave: address %d outside 1..247", cfg.Address)
	}
	if cfg.BaudRate == 0 {
		return nil, errors.New("slave: baud rate must be positive")
	}

	size := cfg.BufferSize
	if size == 0 {
		size = rtu.MaxSize
	}
	if size < 8 || size > rtu.MaxSize {
		return nil, fmt.Errorf("slave: buffer size %d outside 8..%d", size, rtu.MaxSize)
	}

	if err := validateRegions(&cfg.Data); err != nil {
		return nil, err
	}

	inst := &Instance{
		tx:            make([]byte, size),
		data:          cfg.Data,
		port:          cfg.Port,
		halfDuplex:    cfg.HalfDuplex,
		asyncTransmit: cfg.AsyncTransmit,
		crcTable:      cfg.UseCRCTable,
		applyConfig:   cfg.OnApplyConfig,
		writeGuard:    cfg.WriteGuard,
	}
	inst.rx.init(size)
	inst.address.Store(uint32(cfg.Address))
	inst.baud.Store(cfg.BaudRate)

	// A half-duplex link idles in receive mode.
	if inst.halfDuplex.Enabled && inst.halfDuplex.SetDirection != nil {
		inst.halfDuplex.SetDirection(false)
	}
	return inst, nil
}

func validateRegions(m *DataMap) error {
	if m.CoilCount > 0 && int(m.CoilCount) > len(m.Coils)*8 {
		return fmt.Errorf("slave: coil count %d exceeds %d bits of storage", m.CoilCount, len(m.Coils)*8)
	}
	if m.DiscreteCount > 0 && int(m.DiscreteCount) > len(m.DiscreteInputs)*8 {
		return fmt.Errorf("slave: discrete count %d exceeds %d bits of storage", m.DiscreteCount, len(m.DiscreteInputs)*8)
	}
	if len(m.HoldingRegisters) > 65536 || len(m.InputRegisters) > 65536 {
		return errors.New("slave: register region exceeds the 65536-entry address space")
	}
	return nil
}

// ReceiveBuffer returns the buffer currently armed for reception. The
// transport fills it and reports completion through OnReceiveComplete.
func (i *Instance) ReceiveBuffer() []byte {
	return i.rx.activeBuffer()
}

// OnReceiveComplete is the receive-completion notification: a complete
// frame of n bytes has been delivered into the active buffer. It swaps the
// buffer roles and returns the new active buffer, which the caller must
// re-arm immediately — the window before re-arming is the only time
// incoming bytes can be lost.
//
// Safe to call concurrently with Process, but only from one producer.
func (i *Instance) OnReceiveComplete(n int) []byte {
	if n <= 0 {
		return i.rx.activeBuffer()
	}
	if max := len(i.rx.activeBuffer()); n > max {
		n = max
	}
	return i.rx.complete(n)
}

// Process is the polled entry point. It consumes at most one pending frame:
// validates it, dispatches to the function-code handler and sends the
// response. Frames that are too short, addressed elsewhere or fail the CRC
// are dropped without a response; the master recovers by timeout and retry.
func (i *Instance) Process() {
	frame, n, ok := i.rx.take()
	if !ok {
		return
	}

	if n < rtu.MinSize {
		return
	}

	own := i.Address()
	if reqAddr := frame[0]; reqAddr != own && reqAddr != modbus.BroadcastAddress {
		return
	}

	received := uint16(frame[n-1])<<8 | uint16(frame[n-2])
	if received != i.checksum(frame[:n-2]) {
		return
	}

	// The reply always carries the real address, never the broadcast
	// value, so discovery tooling can identify the responder.
	function := frame[1]
	i.tx[0] = own
	i.tx[1] = function

	payload := frame[2 : n-2]

	switch function {
	case modbus.FuncCodeReadCoils:
		i.readBits(function, payload, i.data.Coils, i.data.CoilCount, i.data.coilsSupported())
	case modbus.FuncCodeReadDiscreteInputs:
		i.readBits(function, payload, i.data.DiscreteInputs, i.data.DiscreteCount, i.data.discreteSupported())
	case modbus.FuncCodeReadHoldingRegisters:
		i.readRegisters(function, payload, i.data.HoldingRegisters, i.data.holdingSupported())
	case modbus.FuncCodeReadInputRegisters:
		i.readRegisters(function, payload, i.data.InputRegisters, i.data.inputSupported())
	case modbus.FuncCodeWriteSingleCoil:
		i.writeSingleCoil(function, payload)
	case modbus.FuncCodeWriteSingleRegister:
		i.writeSingleRegister(function, payload)
	case modbus.FuncCodeWriteMultipleCoils:
		i.writeMultipleCoils(function, payload)
	case modbus.FuncCodeWriteMultipleRegisters:
		i.writeMultipleRegisters(function, payload)
	case modbus.FuncCodeDeviceConfig:
		i.deviceConfig(function, payload)
	default:
		i.exception(function, modbus.ExceptionCodeIllegalFunction)
	}
}

func (i *Instance) checksum(bs []byte) uint16 {
	if i.crcTable {
		return crc.ChecksumTable(bs)
	}
	return crc.Checksum(bs)
}

// Address returns the current bus address.
func (i *Instance) Address() uint8 {
	return uint8(i.address.Load())
}

// SetAddress updates the runtime bus address. Out-of-range values are
// ignored. Persistence is the application's responsibility, typically from
// the ApplyConfig callback.
func (i *Instance) SetAddress(addr uint8) {
	if addr >= modbus.SlaveAddressMin && addr <= modbus.SlaveAddressMax {
		i.address.Store(uint32(addr))
	}
}

// BaudRate returns the baud rate used for timeout calculations.
func (i *Instance) BaudRate() uint32 {
	return uint32(i.baud.Load())
}

// SetBaudRate updates the baud rate used for timeout calculations. It does
// not reconfigure the physical link.
func (i *Instance) SetBaudRate(baud uint32) {
	if baud > 0 {
		i.baud.Store(baud)
	}
}

// baudRateTable maps device-config baud indexes 1..8 to baud rates.
var baudRateTable = [...]uint32{
	0, // 0: invalid
	1200,
	2400,
	4800,
	9600,
	19200,
	38400,
	57600,
	115200,
}

// BaudRateForIndex resolves a device-config baud-rate index (1..8) to its
// baud rate.
func BaudRateForIndex(idx uint16) (uint32, bool) {
	if idx < 1 || int(idx) >= len(baudRateTable) {
		return 0, false
	}
	return baudRateTable[idx], true
}
