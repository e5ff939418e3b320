// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package slave

import (
	"time"

	"github.com/ffutop/modbus-slave/modbus"
)

// respond finalizes the n response bytes already composed in the transmit
// buffer: appends the CRC (low byte first, per RTU) and sends the frame with
// the half-duplex direction discipline. A response that would not fit the
// transmit buffer is abandoned without sending; the master recovers by
// timeout, the same way it does for a dropped request.
func (i *Instance) respond(n int) {
	if n+2 > len(i.tx) {
		return
	}

	sum := i.checksum(i.tx[:n])
	i.tx[n] = byte(sum)
	i.tx[n+1] = byte(sum >> 8)
	frame := i.tx[:n+2]

	if i.halfDuplex.Enabled && i.halfDuplex.SetDirection != nil {
		i.halfDuplex.SetDirection(true)
	}

	if i.asyncTransmit {
		// Direction is restored by OnTransmitComplete once the transport
		// reports the frame sent.
		if err := i.port.TransmitAsync(frame); err != nil {
			i.restoreDirection()
		}
		return
	}

	i.port.Transmit(frame, i.transmitTimeout(len(frame)))
	// The send call may return once the frame is buffered; the line must
	// not be turned around until the last byte has left the wire.
	i.port.WaitIdle()
	i.restoreDirection()
}

// exception overwrites the response under construction with the exception
// form: the request's function code with the high bit set, followed by the
// exception code.
func (i *Instance) exception(function byte, code modbus.ExceptionCode) {
	i.tx[0] = i.Address()
	i.tx[1] = function | modbus.ExceptionFlag
	i.tx[2] = byte(code)
	i.respond(3)
}

// OnTransmitComplete is the transmit-completion notification for the
// non-blocking send path. The transport must call it from its completion
// context once the last byte has been sent, so the half-duplex line can be
// turned back to receive. It is a no-op on the blocking path, where respond
// performs the turnaround itself.
func (i *Instance) OnTransmitComplete() {
	if !i.asyncTransmit {
		return
	}
	i.port.WaitIdle()
	i.restoreDirection()
}

func (i *Instance) restoreDirection() {
	if i.halfDuplex.Enabled && i.halfDuplex.SetDirection != nil {
		i.halfDuplex.SetDirection(false)
	}
}

// transmitTimeout bounds a blocking send of total bytes: the wire time at
// the current baud rate (10 bit times per byte: start, 8 data, stop) plus a
// 10% margin, with a 50ms margin floor and a 100ms overall floor so slow OS
// scheduling never causes a spurious timeout on short frames.
func (i *Instance) transmitTimeout(total int) time.Duration {
	baud := uint64(i.BaudRate())
	bits := uint64(total) * 10
	ms := (bits*1000 + baud - 1) / baud

	margin := ms / 10
	if margin < 50 {
		margin = 50
	}
	ms += margin
	if ms < 100 {
		ms = 100
	}
	return time.Duration(ms) * time.Millisecond
}
