package torrent_test

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NamanBalaji/swarmshare/pkg/torrent"
)

func TestLayout(t *testing.T) {
	tests := []struct {
		name      string
		layout    torrent.Layout
		numPieces int
		lastLen   int64
		wantErr   bool
	}{
		{"exact multiple", torrent.Layout{FileSize: 8, PieceSize: 4}, 2, 4, false},
		{"short last piece", torrent.Layout{FileSize: 10, PieceSize: 4}, 3, 2, false},
		{"single small piece", torrent.Layout{FileSize: 3, PieceSize: 16}, 1, 3, false},
		{"zero file", torrent.Layout{FileSize: 0, PieceSize: 4}, 0, 0, true},
		{"zero piece", torrent.Layout{FileSize: 8, PieceSize: 0}, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.layout.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				assert.ErrorIs(t, err, torrent.ErrInvalidLayout)
				return
			}

			assert.Equal(t, tt.numPieces, tt.layout.NumPieces())
			assert.Equal(t, tt.lastLen, tt.layout.PieceLen(tt.numPieces-1))
			assert.Equal(t, int64(0), tt.layout.PieceLen(tt.numPieces))
		})
	}
}

func TestInventory_SetIsMonotonic(t *testing.T) {
	inv, err := torrent.NewInventory(torrent.Layout{FileSize: 10, PieceSize: 4})
	require.NoError(t, err)

	assert.Equal(t, 3, inv.MissingCount())
	assert.Equal(t, []int{0, 1, 2}, inv.Missing())

	stored, err := inv.Set(1, []byte("efgh"))
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = inv.Set(1, []byte("XXXX"))
	require.NoError(t, err)
	assert.False(t, stored, "second set of an owned piece must be ignored")

	data, ok := inv.Get(1)
	require.True(t, ok)
	assert.Equal(t, []byte("efgh"), data)

	assert.True(t, inv.Has(1))
	assert.Equal(t, 1, inv.Count())
	assert.Equal(t, 2, inv.MissingCount())
	assert.Equal(t, []int{0, 2}, inv.Missing())
	assert.False(t, inv.IsComplete())
}

func TestInventory_SetValidates(t *testing.T) {
	inv, err := torrent.NewInventory(torrent.Layout{FileSize: 10, PieceSize: 4})
	require.NoError(t, err)

	_, err = inv.Set(3, []byte("ab"))
	assert.ErrorIs(t, err, torrent.ErrPieceIndex)

	_, err = inv.Set(-1, []byte("abcd"))
	assert.ErrorIs(t, err, torrent.ErrPieceIndex)

	_, err = inv.Set(0, []byte("abc"))
	assert.ErrorIs(t, err, torrent.ErrPieceLength)

	_, err = inv.Set(2, []byte("abcd"))
	assert.ErrorIs(t, err, torrent.ErrPieceLength, "last piece is two bytes")

	assert.Equal(t, 0, inv.Count())
}

func TestInventory_SetCopiesData(t *testing.T) {
	inv, err := torrent.NewInventory(torrent.Layout{FileSize: 4, PieceSize: 4})
	require.NoError(t, err)

	buf := []byte("abcd")
	_, err = inv.Set(0, buf)
	require.NoError(t, err)

	buf[0] = 'X'

	data, _ := inv.Get(0)
	assert.Equal(t, []byte("abcd"), data)
}

func TestInventory_FromFile(t *testing.T) {
	layout := torrent.Layout{FileSize: 10, PieceSize: 4}

	inv, err := torrent.NewInventoryFromFile(layout, []byte("abcdefghij"))
	require.NoError(t, err)

	assert.True(t, inv.IsComplete())
	assert.Equal(t, 0, inv.MissingCount())
	assert.Empty(t, inv.Missing())
	assert.Equal(t, [][]byte{[]byte("abcd"), []byte("efgh"), []byte("ij")}, inv.Pieces())
	assert.Equal(t, []byte{0xE0}, inv.BitfieldBytes())

	_, err = torrent.NewInventoryFromFile(layout, []byte("short"))
	assert.ErrorIs(t, err, torrent.ErrPieceLength)

	_, err = torrent.NewInventoryFromFile(torrent.Layout{}, nil)
	assert.ErrorIs(t, err, torrent.ErrInvalidLayout)
}

func TestInventory_OnSet(t *testing.T) {
	inv, err := torrent.NewInventory(torrent.Layout{FileSize: 8, PieceSize: 4})
	require.NoError(t, err)

	var got []int
	inv.OnSet(func(i int) {
		// the hook runs outside the lock
		assert.True(t, inv.Has(i))
		got = append(got, i)
	})

	inv.Set(1, []byte("efgh"))
	inv.Set(1, []byte("efgh"))
	inv.Set(0, []byte("abcd"))

	assert.Equal(t, []int{1, 0}, got)
}

func TestInventory_WantsFrom(t *testing.T) {
	inv, err := torrent.NewInventory(torrent.Layout{FileSize: 8, PieceSize: 4})
	require.NoError(t, err)

	inv.Set(0, []byte("abcd"))

	assert.False(t, inv.WantsFrom(torrent.NewBitfieldFromBytes([]byte{0x80}, 2)))
	assert.True(t, inv.WantsFrom(torrent.NewBitfieldFromBytes([]byte{0x40}, 2)))
	assert.False(t, inv.WantsFrom(torrent.NewBitfield(2)))
}

func TestInventory_ConcurrentSet(t *testing.T) {
	const n = 64
	inv, err := torrent.NewInventory(torrent.Layout{FileSize: n, PieceSize: 1})
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		stored int
		wg     sync.WaitGroup
	)

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n; i++ {
				ok, err := inv.Set(i, []byte{byte(i)})
				if err != nil {
					t.Errorf("Set(%d): %v", i, err)
					return
				}
				if ok {
					mu.Lock()
					stored++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, n, stored, "each piece must be stored exactly once")
	assert.True(t, inv.IsComplete())

	for i, p := range inv.Pieces() {
		if !bytes.Equal(p, []byte{byte(i)}) {
			t.Errorf("piece %d = %v", i, p)
		}
	}
}
