// Package receivebuf implements the DF1 streaming receive buffer: it
// accumulates inbound bytes and yields well-formed frames in arrival
// order, tolerant of leading noise and partial reads (spec.md §4.1).
package receivebuf

import (
	"bytes"
	"errors"

	"github.com/fieldlink/df1gateway/pkg/df1proto/symbol"
)

// MaxSize is the accumulation cap; Extend fails once appending would
// exceed it, signalling that the caller isn't draining frames fast
// enough relative to the inbound rate.
const MaxSize = 4096

// ErrOverflow is returned by Extend when appending would exceed MaxSize.
var ErrOverflow = errors.New("receivebuf: buffer overflow")

// systemTokens are the two-byte sequences that always mark a new frame
// boundary: a fresh STX frame or one of the three short replies.
var systemTokens = [][2]byte{symbol.DleStx, symbol.DleAck, symbol.DleEnq, symbol.DleNak}

// ReceiveBuffer accumulates inbound bytes for a single transport session
// and extracts complete frames. It is single-writer, single-reader by
// convention (the transport worker extends it, the engine drains it) and
// holds no lock of its own — callers serialize access.
type ReceiveBuffer struct {
	buf []byte
}

// New returns an empty ReceiveBuffer.
func New() *ReceiveBuffer {
	return &ReceiveBuffer{buf: make([]byte, 0, 256)}
}

// Len reports the number of bytes currently buffered.
func (r *ReceiveBuffer) Len() int { return len(r.buf) }

// Extend appends freshly received bytes.
func (r *ReceiveBuffer) Extend(b []byte) error {
	if len(r.buf)+len(b) > MaxSize {
		return ErrOverflow
	}
	r.buf = append(r.buf, b...)
	return nil
}

// Reset discards all buffered bytes, used on reconnect.
func (r *ReceiveBuffer) Reset() {
	r.buf = r.buf[:0]
}

// PopFrames drains and returns every complete frame currently sitting at
// the head of the buffer, in arrival order. Each returned slice is the
// frame's still-escaped (stuffed) wire bytes, exactly as extracted from
// the stream — unstuffing is FrameCodec's job.
func (r *ReceiveBuffer) PopFrames() [][]byte {
	var frames [][]byte
	for {
		r.clean()
		start, end, ok := r.fullFramePosition()
		if !ok {
			return frames
		}
		frame := make([]byte, end-start)
		copy(frame, r.buf[start:end])
		r.buf = append(r.buf[:start], r.buf[end:]...)
		frames = append(frames, frame)
	}
}

// clean repeatedly trims leading noise and abandons truncated STX frames
// that a newer system boundary has superseded, per spec.md §4.1 steps 1-2.
func (r *ReceiveBuffer) clean() {
	for {
		r.cleanStart()
		if len(r.buf) >= 2 && r.buf[0] == symbol.DleStx[0] && r.buf[1] == symbol.DleStx[1] {
			nextSystem := r.findNextSystemDLE(true)
			nextEtx := r.findEtx()
			if nextSystem >= 0 && (nextEtx < 0 || nextSystem < nextEtx) {
				r.buf = r.buf[nextSystem:]
				continue
			}
		}
		return
	}
}

// cleanStart drops bytes up to the first system-DLE boundary when the
// buffer doesn't already begin with one.
func (r *ReceiveBuffer) cleanStart() {
	if len(r.buf) == 0 {
		return
	}
	if len(r.buf) == 1 && r.buf[0] == symbol.DLE {
		// A lone trailing DLE might be the start of a boundary we haven't
		// fully received yet; leave it for the next Extend.
		return
	}
	if r.buf[0] == symbol.DLE && r.hasKnownFollower() {
		return
	}
	idx := r.findNextSystemDLE(false)
	if idx < 0 {
		// Keep a trailing DLE: its follower may arrive with the next Extend.
		if r.buf[len(r.buf)-1] == symbol.DLE {
			r.buf = r.buf[len(r.buf)-1:]
			return
		}
		r.buf = r.buf[:0]
		return
	}
	r.buf = r.buf[idx:]
}

func (r *ReceiveBuffer) hasKnownFollower() bool {
	if len(r.buf) < 2 {
		return false
	}
	for _, tok := range systemTokens {
		if r.buf[0] == tok[0] && r.buf[1] == tok[1] {
			return true
		}
	}
	return false
}

// findNextSystemDLE returns the index of the nearest system-DLE token.
// When afterInitialSTX is true, the search starts at offset 2 (skipping
// the frame's own leading DLE STX) and treats an embedded DLE DLE as a
// stuffed byte to skip over rather than a token to match, per spec.md
// §4.1 step 2.
func (r *ReceiveBuffer) findNextSystemDLE(afterInitialSTX bool) int {
	if afterInitialSTX {
		return r.findEscaped()
	}
	best := -1
	for _, tok := range systemTokens {
		if idx := bytes.Index(r.buf, tok[:]); idx >= 0 && (best < 0 || idx < best) {
			best = idx
		}
	}
	return best
}

func (r *ReceiveBuffer) findEscaped() int {
	i := 2
	for i < len(r.buf) {
		if i+1 < len(r.buf) && r.buf[i] == symbol.DLE && r.buf[i+1] == symbol.DLE {
			i += 2
			continue
		}
		for _, tok := range systemTokens {
			if i+1 < len(r.buf) && r.buf[i] == tok[0] && r.buf[i+1] == tok[1] {
				return i
			}
		}
		i++
	}
	return -1
}

// fullFramePosition returns the [start,end) span of the complete frame
// sitting at the head of the buffer, if any. clean has already trimmed
// the head to a system-DLE token, so frames come out in arrival order.
func (r *ReceiveBuffer) fullFramePosition() (start, end int, ok bool) {
	if len(r.buf) < 2 || r.buf[0] != symbol.DLE {
		return 0, 0, false
	}
	switch r.buf[1] {
	case symbol.ACK, symbol.ENQ, symbol.NAK:
		return 0, 2, true
	case symbol.STX:
		return r.stxEtxFramePosition()
	}
	return 0, 0, false
}

func (r *ReceiveBuffer) stxEtxFramePosition() (start, end int, ok bool) {
	etxIdx := r.findEtx()
	if etxIdx < 0 {
		return 0, 0, false
	}
	end = etxIdx + 4 // DLE ETX + 2 CRC bytes
	if len(r.buf) < end {
		return 0, 0, false
	}
	return 0, end, true
}

// findEtx returns the index of the first DLE ETX after the head DLE STX,
// skipping stuffed DLE DLE pairs, or -1 if none has arrived yet.
func (r *ReceiveBuffer) findEtx() int {
	for i := 2; i+1 < len(r.buf); i++ {
		if r.buf[i] == symbol.DLE && r.buf[i+1] == symbol.DLE {
			i++
			continue
		}
		if r.buf[i] == symbol.DLE && r.buf[i+1] == symbol.ETX {
			return i
		}
	}
	return -1
}
