package torrent_test

import (
	"bytes"
	"sync"
	"testing"

	"github.com/NamanBalaji/swarmshare/pkg/torrent"
)

func TestNewBitfield(t *testing.T) {
	tests := []struct {
		name        string
		numPieces   int
		expectedLen int // in bytes
	}{
		{"Zero pieces", 0, 0},
		{"1 piece", 1, 1},
		{"7 pieces", 7, 1},
		{"8 pieces", 8, 1},
		{"9 pieces", 9, 2},
		{"16 pieces", 16, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bf := torrent.NewBitfield(tt.numPieces)
			if len(bf.Bytes()) != tt.expectedLen {
				t.Errorf("expected byte slice length %d, got %d", tt.expectedLen, len(bf.Bytes()))
			}
			if bf.Len() != tt.numPieces {
				t.Errorf("expected Len %d, got %d", tt.numPieces, bf.Len())
			}
		})
	}
}

func TestBitfield_HasSetPiece(t *testing.T) {
	numPieces := 17
	bf := torrent.NewBitfield(numPieces)

	tests := []struct {
		name      string
		index     int
		shouldErr bool
	}{
		{"Set piece 0", 0, false},
		{"Set piece 8", 8, false},
		{"Set piece 16 (last)", 16, false},
		{"Set piece 5", 5, false},
		{"Index out of range (negative)", -1, true},
		{"Index out of range (too large)", numPieces, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.shouldErr && bf.HasPiece(tt.index) {
				t.Errorf("initially has piece %d, should not", tt.index)
			}

			err := bf.SetPiece(tt.index)
			hasErr := err != nil
			if hasErr != tt.shouldErr {
				t.Errorf("SetPiece() error = %v, wantErr %v", err, tt.shouldErr)
			}

			if !tt.shouldErr && !bf.HasPiece(tt.index) {
				t.Errorf("expected to have piece %d after setting, but did not", tt.index)
			}
		})
	}

	if got := bf.Count(); got != 4 {
		t.Errorf("Count() = %d, want 4", got)
	}
}

func TestBitfield_WireOrder(t *testing.T) {
	bf := torrent.NewBitfield(10)
	bf.SetPiece(0)
	bf.SetPiece(7)
	bf.SetPiece(9)

	want := []byte{0x81, 0x40}
	if got := bf.Bytes(); !bytes.Equal(got, want) {
		t.Errorf("Bytes() = %08b, want %08b", got, want)
	}
}

func TestNewBitfieldFromBytes(t *testing.T) {
	tests := []struct {
		name      string
		data      []byte
		numPieces int
		want      []byte
		count     int
	}{
		{"exact", []byte{0xC0}, 2, []byte{0xC0}, 2},
		{"spare bits cleared", []byte{0xFF}, 3, []byte{0xE0}, 3},
		{"short input zero extended", []byte{0xFF}, 12, []byte{0xFF, 0x00}, 8},
		{"long input truncated", []byte{0x80, 0xFF, 0xFF}, 8, []byte{0x80}, 1},
		{"empty input", nil, 4, []byte{0x00}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bf := torrent.NewBitfieldFromBytes(tt.data, tt.numPieces)
			if got := bf.Bytes(); !bytes.Equal(got, tt.want) {
				t.Errorf("Bytes() = %08b, want %08b", got, tt.want)
			}
			if got := bf.Count(); got != tt.count {
				t.Errorf("Count() = %d, want %d", got, tt.count)
			}
		})
	}
}

func TestBitfield_Replace(t *testing.T) {
	bf := torrent.NewBitfield(8)
	bf.SetPiece(0)

	bf.Replace([]byte{0x01})

	if bf.HasPiece(0) {
		t.Errorf("Replace should drop earlier bits")
	}
	if !bf.HasPiece(7) {
		t.Errorf("Replace should load new bits")
	}
}

func TestBitfield_IsComplete(t *testing.T) {
	bf := torrent.NewBitfield(9)
	for i := range 8 {
		bf.SetPiece(i)
	}

	if bf.IsComplete() {
		t.Errorf("IsComplete() true with one piece missing")
	}

	bf.SetPiece(8)

	if !bf.IsComplete() {
		t.Errorf("IsComplete() false with every piece set")
	}

	if !torrent.NewBitfield(0).IsComplete() {
		t.Errorf("empty bitfield should be complete")
	}
}

func TestBitfield_LacksAnyOf(t *testing.T) {
	tests := []struct {
		name   string
		ours   []byte
		theirs []byte
		want   bool
	}{
		{"both empty", []byte{0x00}, []byte{0x00}, false},
		{"they have one we lack", []byte{0x80}, []byte{0xC0}, true},
		{"we have everything they have", []byte{0xF0}, []byte{0x50}, false},
		{"disjoint", []byte{0x0F}, []byte{0xF0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ours := torrent.NewBitfieldFromBytes(tt.ours, 8)
			theirs := torrent.NewBitfieldFromBytes(tt.theirs, 8)
			if got := ours.LacksAnyOf(theirs); got != tt.want {
				t.Errorf("LacksAnyOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBitfield_Concurrency(t *testing.T) {
	bf := torrent.NewBitfield(100)

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			bf.SetPiece(i)
		}(i)
		go func(i int) {
			defer wg.Done()
			bf.HasPiece(i)
			bf.Count()
		}(i)
	}
	wg.Wait()

	if !bf.IsComplete() {
		t.Errorf("expected complete bitfield, count %d", bf.Count())
	}
}
