// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package slave

// DataMap binds the four Modbus data regions to storage owned by the
// embedding application. Every region is optional: a nil slice or a zero
// count marks it unsupported and every request against it is answered with
// an illegal-function exception.
//
// The engine never copies or reallocates region storage, so the same
// backing slices may be shared by several Instances (one per serial link).
// The engine performs no locking over shared regions: batch reads and
// writes are not atomic across the range, and concurrent mutation from
// another Instance or from the application requires external
// synchronization unless every access is a single aligned element.
type DataMap struct {
	// Coils (0xxxx), read/write, bit-packed LSB first.
	Coils     []byte
	CoilCount uint16

	// Discrete inputs (1xxxx), read-only from the bus, bit-packed.
	DiscreteInputs []byte
	DiscreteCount  uint16

	// Holding registers (4xxxx), read/write. Count is len().
	HoldingRegisters []uint16

	// Input registers (3xxxx), read-only from the bus. Count is len().
	InputRegisters []uint16
}

func (m *DataMap) coilsSupported() bool {
	return m.Coils != nil && m.CoilCount > 0
}

func (m *DataMap) discreteSupported() bool {
	return m.DiscreteInputs != nil && m.DiscreteCount > 0
}

func (m *DataMap) holdingSupported() bool {
	return len(m.HoldingRegisters) > 0
}

func (m *DataMap) inputSupported() bool {
	return len(m.InputRegisters) > 0
}

// bitGet reads bit idx of a bit-packed region.
func bitGet(region []byte, idx uint16) bool {
	return region[idx/8]&(1<<(idx%8)) != 0
}

// bitSet writes bit idx of a bit-packed region.
func bitSet(region []byte, idx uint16, on bool) {
	if on {
		region[idx/8] |= 1 << (idx % 8)
	} else {
		region[idx/8] &^= 1 << (idx % 8)
	}
}
