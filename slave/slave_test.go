// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package slave

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/ffutop/modbus-slave/modbus/rtu"
)

// mockPort records every frame handed to it, optionally into a shared event
// log so direction-control ordering can be asserted alongside the sends.
type mockPort struct {
	log      *[]string
	frames   [][]byte
	timeouts []time.Duration
	asyncErr error
}

func (p *mockPort) Transmit(frame []byte, timeout time.Duration) error {
	p.frames = append(p.frames, append([]byte(nil), frame...))
	p.timeouts = append(p.timeouts, timeout)
	p.record("transmit")
	return nil
}

func (p *mockPort) TransmitAsync(frame []byte) error {
	if p.asyncErr != nil {
		return p.asyncErr
	}
	p.frames = append(p.frames, append([]byte(nil), frame...))
	p.record("transmit-async")
	return nil
}

func (p *mockPort) WaitIdle() { p.record("idle") }

func (p *mockPort) record(ev string) {
	if p.log != nil {
		*p.log = append(*p.log, ev)
	}
}

// testConfig builds a slave at address 0x11 with all four regions populated:
// coil 0 on, discrete inputs 0 and 2 on, input register 0 = 0x0142, and 100
// zeroed holding registers.
func testConfig(port Transmitter) *Config {
	coils := make([]byte, 16)
	coils[0] = 0x01
	return &Config{
		Address:  0x11,
		BaudRate: 9600,
		Data: DataMap{
			Coils:            coils,
			CoilCount:        100,
			DiscreteInputs:   []byte{0x05, 0x00},
			DiscreteCount:    16,
			HoldingRegisters: make([]uint16, 100),
			InputRegisters:   []uint16{0x0142, 0, 0, 0},
		},
		Port: port,
	}
}

func newTestSlave(t *testing.T, cfg *Config) *Instance {
	t.Helper()
	inst, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return inst
}

// deliver plays the transport's part: fills the armed receive buffer,
// reports completion and runs one processing-loop iteration.
func deliver(inst *Instance, frame []byte) {
	copy(inst.ReceiveBuffer(), frame)
	inst.OnReceiveComplete(len(frame))
	inst.Process()
}

func wantResponse(t *testing.T, port *mockPort, want []byte) {
	t.Helper()
	if len(port.frames) != 1 {
		t.Fatalf("got %d responses, want 1", len(port.frames))
	}
	if !bytes.Equal(port.frames[0], want) {
		t.Fatalf("response = % X, want % X", port.frames[0], want)
	}
}

func wantNoResponse(t *testing.T, port *mockPort) {
	t.Helper()
	if len(port.frames) != 0 {
		t.Fatalf("got response % X, want none", port.frames[0])
	}
}

func TestReadHoldingRegisters(t *testing.T) {
	port := &mockPort{}
	inst := newTestSlave(t, testConfig(port))

	deliver(inst, []byte{0x11, 0x03, 0x00, 0x00, 0x00, 0x02, 0xC6, 0x9B})
	wantResponse(t, port, []byte{0x11, 0x03, 0x04, 0x00, 0x00, 0x00, 0x00, 0xEB, 0xF2})
}

func TestReadCoils(t *testing.T) {
	port := &mockPort{}
	inst := newTestSlave(t, testConfig(port))

	deliver(inst, []byte{0x11, 0x01, 0x00, 0x00, 0x00, 0x01, 0xFF, 0x5A})
	wantResponse(t, port, []byte{0x11, 0x01, 0x01, 0x01, 0x94, 0x88})
}

func TestReadDiscreteInputs(t *testing.T) {
	port := &mockPort{}
	inst := newTestSlave(t, testConfig(port))

	deliver(inst, []byte{0x11, 0x02, 0x00, 0x00, 0x00, 0x03, 0x3A, 0x9B})
	wantResponse(t, port, []byte{0x11, 0x02, 0x01, 0x05, 0x65, 0x4B})
}

func TestReadInputRegisters(t *testing.T) {
	port := &mockPort{}
	inst := newTestSlave(t, testConfig(port))

	deliver(inst, []byte{0x11, 0x04, 0x00, 0x00, 0x00, 0x01, 0x33, 0x5A})
	wantResponse(t, port, []byte{0x11, 0x04, 0x02, 0x01, 0x42, 0xF9, 0x52})
}

func TestWriteSingleCoil(t *testing.T) {
	port := &mockPort{}
	cfg := testConfig(port)
	inst := newTestSlave(t, cfg)

	deliver(inst, []byte{0x11, 0x05, 0x00, 0x02, 0xFF, 0x00, 0x2F, 0x6A})
	wantResponse(t, port, []byte{0x11, 0x05, 0x00, 0x02, 0xFF, 0x00, 0x2F, 0x6A})

	if !bitGet(cfg.Data.Coils, 2) {
		t.Error("coil 2 not set")
	}

	// Clearing uses 0x0000; any other value is a no-op echo.
	port.frames = nil
	deliver(inst, []byte{0x11, 0x05, 0x00, 0x00, 0x00, 0x00, 0xCF, 0x5A})
	if !bytes.Equal(port.frames[0][:6], []byte{0x11, 0x05, 0x00, 0x00, 0x00, 0x00}) {
		t.Fatalf("clear response = % X", port.frames[0])
	}
	if bitGet(cfg.Data.Coils, 0) {
		t.Error("coil 0 not cleared")
	}
}

func TestWriteSingleRegister(t *testing.T) {
	port := &mockPort{}
	cfg := testConfig(port)
	inst := newTestSlave(t, cfg)

	deliver(inst, []byte{0x11, 0x06, 0x00, 0x01, 0x00, 0x2A, 0x5B, 0x45})
	wantResponse(t, port, []byte{0x11, 0x06, 0x00, 0x01, 0x00, 0x2A, 0x5B, 0x45})

	if got := cfg.Data.HoldingRegisters[1]; got != 0x2A {
		t.Errorf("holding register 1 = %#x, want 0x2a", got)
	}

	// Read it back over the bus.
	port.frames = nil
	deliver(inst, []byte{0x11, 0x03, 0x00, 0x01, 0x00, 0x01, 0xD7, 0x5A})
	wantResponse(t, port, []byte{0x11, 0x03, 0x02, 0x00, 0x2A, 0xF8, 0x58})
}

func TestWriteMultipleCoils(t *testing.T) {
	port := &mockPort{}
	cfg := testConfig(port)
	inst := newTestSlave(t, cfg)

	// 10 coils from 0, pattern 0xCD 0x01.
	deliver(inst, []byte{0x11, 0x0F, 0x00, 0x00, 0x00, 0x0A, 0x02, 0xCD, 0x01, 0xBD, 0xA8})
	wantResponse(t, port, []byte{0x11, 0x0F, 0x00, 0x00, 0x00, 0x0A, 0xD7, 0x5C})

	if got := cfg.Data.Coils[0]; got != 0xCD {
		t.Errorf("coils[0] = %#x, want 0xcd", got)
	}
	if got := cfg.Data.Coils[1] & 0x03; got != 0x01 {
		t.Errorf("coils[1] low bits = %#x, want 0x01", got)
	}
}

func TestWriteMultipleCoilsByteCountMismatch(t *testing.T) {
	port := &mockPort{}
	cfg := testConfig(port)
	cfg.Data.Coils[0] = 0
	inst := newTestSlave(t, cfg)

	// Declared byte count 3 disagrees with quantity 10 (needs 2).
	deliver(inst, []byte{0x11, 0x0F, 0x00, 0x00, 0x00, 0x0A, 0x03, 0xCD, 0x01, 0x00, 0x69, 0x8D})
	wantResponse(t, port, []byte{0x11, 0x8F, 0x03, 0x05, 0xF4})

	if cfg.Data.Coils[0] != 0 {
		t.Error("rejected request must not modify coils")
	}
}

func TestWriteMultipleRegisters(t *testing.T) {
	port := &mockPort{}
	cfg := testConfig(port)
	inst := newTestSlave(t, cfg)

	deliver(inst, []byte{0x11, 0x10, 0x00, 0x00, 0x00, 0x02, 0x04, 0x00, 0x0A, 0x01, 0x02, 0x07, 0x3C})
	wantResponse(t, port, []byte{0x11, 0x10, 0x00, 0x00, 0x00, 0x02, 0x43, 0x58})

	if cfg.Data.HoldingRegisters[0] != 0x000A || cfg.Data.HoldingRegisters[1] != 0x0102 {
		t.Errorf("holding registers = %#x %#x, want 0xa 0x102",
			cfg.Data.HoldingRegisters[0], cfg.Data.HoldingRegisters[1])
	}
}

func TestWriteMultipleRegistersByteCountMismatch(t *testing.T) {
	port := &mockPort{}
	cfg := testConfig(port)
	inst := newTestSlave(t, cfg)

	// Declared byte count 3 disagrees with quantity 2 (needs 4).
	deliver(inst, []byte{0x11, 0x10, 0x00, 0x00, 0x00, 0x02, 0x03, 0x00, 0x0A, 0x01, 0x53, 0x73})
	wantResponse(t, port, []byte{0x11, 0x90, 0x03, 0x0D, 0xC4})

	if cfg.Data.HoldingRegisters[0] != 0 {
		t.Error("rejected request must not modify registers")
	}
}

func TestReadMaximumQuantityAtRegionEnd(t *testing.T) {
	port := &mockPort{}
	cfg := testConfig(port)
	cfg.Data.HoldingRegisters = make([]uint16, 200)
	inst := newTestSlave(t, cfg)

	// 125 registers from start 75 ends exactly at register 200.
	deliver(inst, []byte{0x11, 0x03, 0x00, 0x4B, 0x00, 0x7D, 0xF7, 0x6D})

	if len(port.frames) != 1 {
		t.Fatalf("got %d responses, want 1", len(port.frames))
	}
	resp := port.frames[0]
	if len(resp) != 3+250+2 {
		t.Fatalf("response length = %d, want 255", len(resp))
	}
	if resp[1] != 0x03 || resp[2] != 250 {
		t.Fatalf("response header = % X", resp[:3])
	}
	if err := rtu.Verify(resp); err != nil {
		t.Fatalf("response failed verification: %v", err)
	}
}

func TestWriteCoilThenReadBack(t *testing.T) {
	port := &mockPort{}
	cfg := testConfig(port)
	cfg.Data.Coils[0] = 0
	inst := newTestSlave(t, cfg)

	deliver(inst, []byte{0x11, 0x05, 0x00, 0x00, 0xFF, 0x00, 0x8E, 0xAA})

	port.frames = nil
	deliver(inst, []byte{0x11, 0x01, 0x00, 0x00, 0x00, 0x01, 0xFF, 0x5A})
	wantResponse(t, port, []byte{0x11, 0x01, 0x01, 0x01, 0x94, 0x88})
}

func TestReadIsIdempotent(t *testing.T) {
	port := &mockPort{}
	inst := newTestSlave(t, testConfig(port))

	deliver(inst, []byte{0x11, 0x03, 0x00, 0x00, 0x00, 0x02, 0xC6, 0x9B})
	deliver(inst, []byte{0x11, 0x03, 0x00, 0x00, 0x00, 0x02, 0xC6, 0x9B})

	if len(port.frames) != 2 || !bytes.Equal(port.frames[0], port.frames[1]) {
		t.Fatal("identical reads must yield byte-identical responses")
	}
}

func TestReadQuantityOutOfBounds(t *testing.T) {
	port := &mockPort{}
	inst := newTestSlave(t, testConfig(port))

	// 126 registers exceeds the single-response maximum of 125.
	deliver(inst, []byte{0x11, 0x03, 0x00, 0x00, 0x00, 0x7E, 0xC7, 0x7A})
	wantResponse(t, port, []byte{0x11, 0x83, 0x03, 0x00, 0xF4})
}

func TestReadPastEndOfRegion(t *testing.T) {
	port := &mockPort{}
	inst := newTestSlave(t, testConfig(port))

	// Start 99, quantity 2 runs off a 100-register map.
	deliver(inst, []byte{0x11, 0x03, 0x00, 0x63, 0x00, 0x02, 0x36, 0x85})
	wantResponse(t, port, []byte{0x11, 0x83, 0x02, 0xC1, 0x34})
}

func TestUnsupportedFunction(t *testing.T) {
	port := &mockPort{}
	inst := newTestSlave(t, testConfig(port))

	deliver(inst, []byte{0x11, 0x2B, 0x00, 0x00, 0x75, 0x10})
	wantResponse(t, port, []byte{0x11, 0xAB, 0x01, 0x9F, 0x35})
}

func TestUnsupportedRegion(t *testing.T) {
	port := &mockPort{}
	cfg := testConfig(port)
	cfg.Data.Coils = nil
	cfg.Data.CoilCount = 0
	inst := newTestSlave(t, cfg)

	deliver(inst, []byte{0x11, 0x01, 0x00, 0x00, 0x00, 0x01, 0xFF, 0x5A})

	if len(port.frames) != 1 {
		t.Fatalf("got %d responses, want 1", len(port.frames))
	}
	resp := port.frames[0]
	if resp[1] != 0x81 || resp[2] != 0x01 {
		t.Fatalf("response = % X, want illegal-function exception", resp)
	}
}

func TestBroadcastAnswered(t *testing.T) {
	port := &mockPort{}
	inst := newTestSlave(t, testConfig(port))

	// A request to 0xFF is served, and the reply carries the real address.
	deliver(inst, []byte{0xFF, 0x03, 0x00, 0x00, 0x00, 0x01, 0x91, 0xD4})
	wantResponse(t, port, []byte{0x11, 0x03, 0x02, 0x00, 0x00, 0x79, 0x87})
}

func TestWrongAddressDropped(t *testing.T) {
	port := &mockPort{}
	inst := newTestSlave(t, testConfig(port))

	deliver(inst, []byte{0x22, 0x03, 0x00, 0x00, 0x00, 0x01, 0x83, 0x59})
	wantNoResponse(t, port)
}

func TestBadCRCDropped(t *testing.T) {
	port := &mockPort{}
	inst := newTestSlave(t, testConfig(port))

	deliver(inst, []byte{0x11, 0x03, 0x00, 0x00, 0x00, 0x02, 0xC6, 0x9C})
	wantNoResponse(t, port)
}

func TestRuntFrameDropped(t *testing.T) {
	port := &mockPort{}
	inst := newTestSlave(t, testConfig(port))

	deliver(inst, []byte{0x11, 0x03, 0xC6})
	wantNoResponse(t, port)
}

func TestWriteGuardRefusal(t *testing.T) {
	port := &mockPort{}
	cfg := testConfig(port)
	cfg.WriteGuard = func(function byte, startAddr, quantity uint16) bool {
		return startAddr < 0x60
	}
	inst := newTestSlave(t, cfg)

	deliver(inst, []byte{0x11, 0x05, 0x00, 0x63, 0xFF, 0x00, 0x7E, 0xB4})
	wantResponse(t, port, []byte{0x11, 0x85, 0x04, 0x42, 0x96})

	if bitGet(cfg.Data.Coils, 0x63) {
		t.Error("guarded coil was written")
	}
}

func TestDeviceConfigAddressChange(t *testing.T) {
	port := &mockPort{}
	cfg := testConfig(port)
	var gotAddr, gotVal uint16
	var inst *Instance
	cfg.OnApplyConfig = func(paramAddr, paramValue uint16) bool {
		gotAddr, gotVal = paramAddr, paramValue
		inst.SetAddress(uint8(paramValue))
		return true
	}
	inst = newTestSlave(t, cfg)

	deliver(inst, []byte{0x11, 0x64, 0x00, 0x00, 0x00, 0x22, 0xF2, 0x8B})
	wantResponse(t, port, []byte{0x11, 0x64, 0x00, 0x00, 0x00, 0x22, 0xF2, 0x8B})

	if gotAddr != 0 || gotVal != 0x22 {
		t.Errorf("callback got (%d, %#x), want (0, 0x22)", gotAddr, gotVal)
	}
	if inst.Address() != 0x22 {
		t.Errorf("Address() = %#x, want 0x22", inst.Address())
	}

	// The old address no longer answers, the new one does.
	port.frames = nil
	deliver(inst, []byte{0x11, 0x03, 0x00, 0x00, 0x00, 0x02, 0xC6, 0x9B})
	wantNoResponse(t, port)
	deliver(inst, []byte{0xFF, 0x03, 0x00, 0x00, 0x00, 0x01, 0x91, 0xD4})
	if len(port.frames) != 1 || port.frames[0][0] != 0x22 {
		t.Fatal("new address does not answer broadcast with its own address")
	}
}

func TestDeviceConfigBaudRate(t *testing.T) {
	port := &mockPort{}
	cfg := testConfig(port)
	var gotAddr, gotVal uint16
	cfg.OnApplyConfig = func(paramAddr, paramValue uint16) bool {
		gotAddr, gotVal = paramAddr, paramValue
		return true
	}
	inst := newTestSlave(t, cfg)

	deliver(inst, []byte{0x11, 0x64, 0x00, 0x01, 0x00, 0x04, 0x22, 0x91})
	wantResponse(t, port, []byte{0x11, 0x64, 0x00, 0x01, 0x00, 0x04, 0x22, 0x91})

	if gotAddr != 1 || gotVal != 4 {
		t.Errorf("callback got (%d, %d), want (1, 4)", gotAddr, gotVal)
	}
	if baud, ok := BaudRateForIndex(gotVal); !ok || baud != 9600 {
		t.Errorf("BaudRateForIndex(4) = %d, %v, want 9600, true", baud, ok)
	}
}

func TestDeviceConfigValueOutOfRange(t *testing.T) {
	port := &mockPort{}
	cfg := testConfig(port)
	called := false
	cfg.OnApplyConfig = func(paramAddr, paramValue uint16) bool {
		called = true
		return true
	}
	inst := newTestSlave(t, cfg)

	// Address 0x0100 exceeds 247; the callback must not see it.
	deliver(inst, []byte{0x11, 0x64, 0x00, 0x00, 0x01, 0x00, 0x73, 0x02})
	wantResponse(t, port, []byte{0x11, 0xE4, 0x03, 0x2A, 0xC4})

	if called {
		t.Error("callback invoked for an out-of-range value")
	}
}

func TestDeviceConfigUnknownParameter(t *testing.T) {
	port := &mockPort{}
	cfg := testConfig(port)
	called := false
	cfg.OnApplyConfig = func(paramAddr, paramValue uint16) bool {
		called = true
		return true
	}
	inst := newTestSlave(t, cfg)

	deliver(inst, []byte{0x11, 0x64, 0x00, 0x02, 0x00, 0x01, 0x12, 0x92})
	wantResponse(t, port, []byte{0x11, 0xE4, 0x02, 0xEB, 0x04})

	if called {
		t.Error("callback invoked for an unknown parameter")
	}
}

func TestDeviceConfigWithoutCallback(t *testing.T) {
	port := &mockPort{}
	inst := newTestSlave(t, testConfig(port))

	deliver(inst, []byte{0x11, 0x64, 0x00, 0x00, 0x00, 0x22, 0xF2, 0x8B})

	if len(port.frames) != 1 {
		t.Fatalf("got %d responses, want 1", len(port.frames))
	}
	resp := port.frames[0]
	if resp[1] != 0xE4 || resp[2] != 0x01 {
		t.Fatalf("response = % X, want illegal-function exception", resp)
	}
}

func TestDeviceConfigCallbackRefusal(t *testing.T) {
	port := &mockPort{}
	cfg := testConfig(port)
	cfg.OnApplyConfig = func(paramAddr, paramValue uint16) bool { return false }
	inst := newTestSlave(t, cfg)

	deliver(inst, []byte{0x11, 0x64, 0x00, 0x00, 0x00, 0x22, 0xF2, 0x8B})

	if len(port.frames) != 1 {
		t.Fatalf("got %d responses, want 1", len(port.frames))
	}
	resp := port.frames[0]
	if resp[1] != 0xE4 || resp[2] != 0x03 {
		t.Fatalf("response = % X, want illegal-data-value exception", resp)
	}
}

func TestNewValidation(t *testing.T) {
	port := &mockPort{}
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"NilPort", func(c *Config) { c.Port = nil }},
		{"AddressZero", func(c *Config) { c.Address = 0 }},
		{"AddressHigh", func(c *Config) { c.Address = 248 }},
		{"BaudZero", func(c *Config) { c.BaudRate = 0 }},
		{"BufferTiny", func(c *Config) { c.BufferSize = 4 }},
		{"BufferHuge", func(c *Config) { c.BufferSize = 512 }},
		{"CoilCountOverStorage", func(c *Config) { c.Data.CoilCount = 129 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(port)
			tt.mutate(cfg)
			if _, err := New(cfg); err == nil {
				t.Error("New() accepted an invalid config")
			}
		})
	}
}

func TestTableCRCStrategy(t *testing.T) {
	port := &mockPort{}
	cfg := testConfig(port)
	cfg.UseCRCTable = true
	inst := newTestSlave(t, cfg)

	deliver(inst, []byte{0x11, 0x03, 0x00, 0x00, 0x00, 0x02, 0xC6, 0x9B})
	wantResponse(t, port, []byte{0x11, 0x03, 0x04, 0x00, 0x00, 0x00, 0x00, 0xEB, 0xF2})
}

func TestAsyncTransmitError(t *testing.T) {
	var events []string
	port := &mockPort{log: &events, asyncErr: errors.New("port gone")}
	cfg := testConfig(port)
	cfg.AsyncTransmit = true
	cfg.HalfDuplex = HalfDuplex{
		Enabled: true,
		SetDirection: func(transmit bool) {
			if transmit {
				events = append(events, "dir=tx")
			} else {
				events = append(events, "dir=rx")
			}
		},
	}
	inst := newTestSlave(t, cfg)

	events = nil
	deliver(inst, []byte{0x11, 0x03, 0x00, 0x00, 0x00, 0x02, 0xC6, 0x9B})

	// A failed async send must not leave the line in transmit.
	if len(events) == 0 || events[len(events)-1] != "dir=rx" {
		t.Fatalf("events = %v, want trailing dir=rx", events)
	}
}
