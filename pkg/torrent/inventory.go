package torrent

import (
	"fmt"
	"sync"
)

// Layout describes how the shared file is cut into pieces.
type Layout struct {
	FileSize  int64
	PieceSize int64
}

// NumPieces returns ceil(FileSize / PieceSize).
func (l Layout) NumPieces() int {
	if l.PieceSize <= 0 || l.FileSize <= 0 {
		return 0
	}

	return int((l.FileSize + l.PieceSize - 1) / l.PieceSize)
}

// PieceLen returns the length of piece index. Every piece is PieceSize
// long except possibly the last one.
func (l Layout) PieceLen(index int) int64 {
	n := l.NumPieces()
	if index < 0 || index >= n {
		return 0
	}

	if index == n-1 {
		return l.FileSize - l.PieceSize*int64(n-1)
	}

	return l.PieceSize
}

// Validate checks that the layout describes at least one piece.
func (l Layout) Validate() error {
	if l.FileSize <= 0 {
		return fmt.Errorf("%w: file size %d", ErrInvalidLayout, l.FileSize)
	}

	if l.PieceSize <= 0 {
		return fmt.Errorf("%w: piece size %d", ErrInvalidLayout, l.PieceSize)
	}

	return nil
}

// Inventory is the local record of owned pieces and their bytes. A
// single lock guards the bitfield and the buffers together so they are
// never observed out of step.
type Inventory struct {
	layout  Layout
	mu      sync.RWMutex
	have    *Bitfield
	pieces  [][]byte
	count   int
	onSetMu sync.RWMutex
	onSet   func(index int)
}

// NewInventory creates an empty inventory.
func NewInventory(layout Layout) (*Inventory, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	n := layout.NumPieces()

	return &Inventory{
		layout: layout,
		have:   NewBitfield(n),
		pieces: make([][]byte, n),
	}, nil
}

// NewInventoryFromFile creates an inventory owning every piece of data.
func NewInventoryFromFile(layout Layout, data []byte) (*Inventory, error) {
	inv, err := NewInventory(layout)
	if err != nil {
		return nil, err
	}

	if int64(len(data)) != layout.FileSize {
		return nil, fmt.Errorf("%w: got %d bytes, expected %d", ErrPieceLength, len(data), layout.FileSize)
	}

	var off int64
	for i := range inv.pieces {
		l := layout.PieceLen(i)
		buf := make([]byte, l)
		copy(buf, data[off:off+l])
		off += l

		inv.pieces[i] = buf
		inv.have.SetPiece(i)
	}

	inv.count = len(inv.pieces)

	return inv, nil
}

// Layout returns the piece layout.
func (inv *Inventory) Layout() Layout {
	return inv.layout
}

// NumPieces returns the total number of pieces.
func (inv *Inventory) NumPieces() int {
	return len(inv.pieces)
}

// OnSet registers fn to be called after every successful Set, outside
// the inventory lock.
func (inv *Inventory) OnSet(fn func(index int)) {
	inv.onSetMu.Lock()
	defer inv.onSetMu.Unlock()

	inv.onSet = fn
}

// Get returns the bytes of piece index, or false when it is not owned.
func (inv *Inventory) Get(index int) ([]byte, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	if index < 0 || index >= len(inv.pieces) || inv.pieces[index] == nil {
		return nil, false
	}

	return inv.pieces[index], true
}

// Has reports whether piece index is owned.
func (inv *Inventory) Has(index int) bool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	return inv.have.HasPiece(index)
}

// Set stores data for piece index and marks it owned. A piece is set at
// most once: setting an owned index returns false and changes nothing.
func (inv *Inventory) Set(index int, data []byte) (bool, error) {
	if index < 0 || index >= len(inv.pieces) {
		return false, fmt.Errorf("%w: %d not in [0, %d)", ErrPieceIndex, index, len(inv.pieces))
	}

	if want := inv.layout.PieceLen(index); int64(len(data)) != want {
		return false, fmt.Errorf("%w: piece %d has %d bytes, expected %d", ErrPieceLength, index, len(data), want)
	}

	inv.mu.Lock()

	if inv.pieces[index] != nil {
		inv.mu.Unlock()
		return false, nil
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	inv.pieces[index] = buf
	inv.have.SetPiece(index)
	inv.count++
	inv.mu.Unlock()

	inv.onSetMu.RLock()
	fn := inv.onSet
	inv.onSetMu.RUnlock()

	if fn != nil {
		fn(index)
	}

	return true, nil
}

// Count returns the number of owned pieces.
func (inv *Inventory) Count() int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	return inv.count
}

// MissingCount returns the number of pieces not yet owned.
func (inv *Inventory) MissingCount() int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	return len(inv.pieces) - inv.count
}

// IsComplete reports whether every piece is owned.
func (inv *Inventory) IsComplete() bool {
	return inv.MissingCount() == 0
}

// Missing returns the indices not yet owned, in ascending order.
func (inv *Inventory) Missing() []int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	var missing []int
	for i, p := range inv.pieces {
		if p == nil {
			missing = append(missing, i)
		}
	}

	return missing
}

// BitfieldBytes returns the wire form of the owned bitfield.
func (inv *Inventory) BitfieldBytes() []byte {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	return inv.have.Bytes()
}

// WantsFrom reports whether remote offers a piece we do not own.
func (inv *Inventory) WantsFrom(remote *Bitfield) bool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	return inv.have.LacksAnyOf(remote)
}

// Pieces returns the piece buffers in index order. Missing pieces are
// nil.
func (inv *Inventory) Pieces() [][]byte {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	out := make([][]byte, len(inv.pieces))
	copy(out, inv.pieces)

	return out
}
