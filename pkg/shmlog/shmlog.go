// Package shmlog is a lock-free multi-writer append log laid out inside a
// fixed byte arena, typically one shared page.
//
// Each record is a 4-byte header, (writer<<16)|length, followed by length
// payload bytes, padded so the next header is 4-byte aligned. A zero header
// ends the log. Writers claim a slot by compare-and-swapping a zero header
// to their own and then copy the payload; a writer that loses a race skips
// the winner's record and tries the next slot. A writer that runs out of
// room gives up silently.
//
// Because the claim and the copy are separate steps, Records must only be
// called once every writer has finished.
package shmlog

import (
	"fmt"

	internalshm "github.com/srediag/kernel-shm/internal/shm"
)

const (
	HeaderSize = 4
	MaxPayload = 0xFFFF
)

// EncodeHeader packs a record header: writer id in the high half, payload
// length in the low half.
func EncodeHeader(writer, length uint16) uint32 {
	return uint32(writer)<<16 | uint32(length)
}

// DecodeHeader is the inverse of EncodeHeader.
func DecodeHeader(h uint32) (writer, length uint16) {
	return uint16(h >> 16), uint16(h)
}

func align(n int) int {
	return (n + HeaderSize - 1) &^ (HeaderSize - 1)
}

// Log appends records to an arena it does not own.
type Log struct {
	arena []byte
}

// New wraps arena, which must start 4-byte aligned and should be zeroed
// before the first Append.
func New(arena []byte) (*Log, error) {
	if !internalshm.Aligned(arena) {
		return nil, fmt.Errorf("shmlog: arena is not %d-byte aligned", HeaderSize)
	}
	return &Log{arena: arena}, nil
}

// Cap is the arena size in bytes.
func (l *Log) Cap() int {
	return len(l.arena)
}

// Append writes one record for writer and returns its offset. ok is false
// when the payload is empty or too long, or when the arena has no room
// left for it.
func (l *Log) Append(writer uint16, payload []byte) (offset int, ok bool) {
	if len(payload) == 0 || len(payload) > MaxPayload {
		return 0, false
	}
	h := EncodeHeader(writer, uint16(len(payload)))
	for off := 0; ; {
		if off+HeaderSize+len(payload) > len(l.arena) {
			return 0, false
		}
		old := internalshm.AtomicCompareAndSwapUint32(l.arena, off, 0, h)
		if old == 0 {
			copy(l.arena[off+HeaderSize:], payload)
			return off, true
		}
		_, n := DecodeHeader(old)
		off = align(off + HeaderSize + int(n))
	}
}

// Record is one decoded entry.
type Record struct {
	Offset  int
	Writer  uint16
	Payload []byte
}

func (r Record) String() string {
	return fmt.Sprintf("[Child %d] %s", r.Writer, r.Payload)
}

// Records decodes the log from the start. Payloads are copies.
func (l *Log) Records() []Record {
	var out []Record
	for off := 0; off+HeaderSize <= len(l.arena); {
		h := internalshm.AtomicLoadUint32(l.arena, off)
		if h == 0 {
			break
		}
		w, n := DecodeHeader(h)
		end := off + HeaderSize + int(n)
		if end > len(l.arena) {
			break
		}
		payload := make([]byte, n)
		copy(payload, l.arena[off+HeaderSize:end])
		out = append(out, Record{Offset: off, Writer: w, Payload: payload})
		off = align(end)
	}
	return out
}

// Used is the number of arena bytes consumed by readable records, padding
// included.
func (l *Log) Used() int {
	recs := l.Records()
	if len(recs) == 0 {
		return 0
	}
	last := recs[len(recs)-1]
	return align(last.Offset + HeaderSize + len(last.Payload))
}
