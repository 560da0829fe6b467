package torrent

import (
	"fmt"
	"math/bits"
	"sync"
)

// Bitfield represents which pieces a peer has. Bit i lives in byte i/8,
// most significant bit first.
type Bitfield struct {
	bits []byte
	len  int
	mu   sync.RWMutex
}

// NewBitfield creates a new bitfield of the given length.
func NewBitfield(numPieces int) *Bitfield {
	numBytes := (numPieces + 7) / 8
	return &Bitfield{
		bits: make([]byte, numBytes),
		len:  numPieces,
	}
}

// NewBitfieldFromBytes creates a bitfield from raw wire bytes. Short
// input is zero extended; bytes and spare bits past numPieces are
// ignored.
func NewBitfieldFromBytes(data []byte, numPieces int) *Bitfield {
	bf := NewBitfield(numPieces)
	bf.load(data)

	return bf
}

func (bf *Bitfield) load(data []byte) {
	clear(bf.bits)
	copy(bf.bits, data)

	// clear spare bits in the last byte
	if rem := bf.len % 8; rem != 0 && len(bf.bits) > 0 {
		bf.bits[len(bf.bits)-1] &= byte(0xFF << (8 - rem))
	}
}

// Replace overwrites the whole bitfield with data, with the same
// leniency as NewBitfieldFromBytes.
func (bf *Bitfield) Replace(data []byte) {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	bf.load(data)
}

// SetPiece marks a piece as available.
func (bf *Bitfield) SetPiece(index int) error {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	if index < 0 || index >= bf.len {
		return fmt.Errorf("piece index %d out of range [0, %d)", index, bf.len)
	}

	bf.bits[index/8] |= 1 << (7 - uint(index%8))

	return nil
}

// HasPiece checks if a piece is available.
func (bf *Bitfield) HasPiece(index int) bool {
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	return bf.has(index)
}

func (bf *Bitfield) has(index int) bool {
	if index < 0 || index >= bf.len {
		return false
	}

	return bf.bits[index/8]&(1<<(7-uint(index%8))) != 0
}

// Bytes returns a copy of the raw bitfield bytes.
func (bf *Bitfield) Bytes() []byte {
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	result := make([]byte, len(bf.bits))
	copy(result, bf.bits)

	return result
}

// Len returns the number of pieces the bitfield covers.
func (bf *Bitfield) Len() int {
	return bf.len
}

// Count returns the number of pieces marked as available.
func (bf *Bitfield) Count() int {
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	count := 0
	for _, b := range bf.bits {
		count += bits.OnesCount8(b)
	}

	return count
}

// IsComplete returns true if all pieces are available.
func (bf *Bitfield) IsComplete() bool {
	return bf.Count() == bf.len
}

// LacksAnyOf reports whether other has at least one piece bf does not.
func (bf *Bitfield) LacksAnyOf(other *Bitfield) bool {
	theirs := other.Bytes()

	bf.mu.RLock()
	defer bf.mu.RUnlock()

	for i := range bf.bits {
		if i >= len(theirs) {
			break
		}

		if theirs[i]&^bf.bits[i] != 0 {
			return true
		}
	}

	return false
}
