// Package buffer implements the append-only byte accumulator used for
// buffered response bodies and as carry-over space while scanning streams.
package buffer

import (
	"fmt"

	"github.com/Paranoid-AF/excess"
)

// MinCapacity is the capacity allocated on first growth.
const MinCapacity = 8 * 1024

// Buffer is an append-only byte region with amortized doubling growth and
// an optional hard capacity. The zero value is an empty, unbounded buffer.
// A Buffer is owned by one goroutine; it does no locking.
type Buffer struct {
	data []byte
	// Max is the largest length the buffer may reach. Zero means unbounded.
	Max int
}

// New returns an empty buffer limited to max bytes (0 for no limit).
func New(max int) *Buffer {
	return &Buffer{Max: max}
}

// Append stores all of p or none of it. When the result would exceed Max
// the buffer is left unchanged and an error matching
// excess.ErrCapacityExceeded is returned.
func (b *Buffer) Append(p []byte) error {
	need := len(b.data) + len(p)
	if b.Max > 0 && need > b.Max {
		return &excess.Error{
			Kind: excess.KindCapacityExceeded,
			Err:  fmt.Errorf("need %d bytes, limit is %d", need, b.Max),
		}
	}
	if need > cap(b.data) {
		b.grow(need)
	}
	b.data = append(b.data, p...)
	return nil
}

// grow reallocates so that at least need bytes fit. Capacity starts at
// MinCapacity and doubles, possibly several times, clamped to Max.
func (b *Buffer) grow(need int) {
	newCap := cap(b.data)
	if newCap < MinCapacity {
		newCap = MinCapacity
	}
	for newCap < need {
		newCap *= 2
	}
	if b.Max > 0 && newCap > b.Max {
		newCap = b.Max
	}
	data := make([]byte, len(b.data), newCap)
	copy(data, b.data)
	b.data = data
}

// Write implements io.Writer on top of Append.
func (b *Buffer) Write(p []byte) (int, error) {
	if err := b.Append(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Bytes returns the stored bytes. The slice aliases the buffer and is
// invalidated by the next mutating call.
func (b *Buffer) Bytes() []byte { return b.data }

// String returns a copy of the stored bytes as a string.
func (b *Buffer) String() string { return string(b.data) }

// Len returns the number of stored bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Cap returns the number of allocated bytes.
func (b *Buffer) Cap() int { return cap(b.data) }

// Truncate empties the buffer but keeps its storage for reuse.
func (b *Buffer) Truncate() {
	b.data = b.data[:0]
}

// Reset releases the storage. The buffer stays usable.
func (b *Buffer) Reset() {
	b.data = nil
}
