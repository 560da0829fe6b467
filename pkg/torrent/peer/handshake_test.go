package peer_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/NamanBalaji/swarmshare/pkg/torrent/peer"
)

func TestHandshake_MarshalUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		id   uint32
	}{
		{"zero id", 0},
		{"typical id", 1001},
		{"max id", 0xFFFFFFFF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := peer.HandshakeMsg{PeerID: tt.id}.Marshal()
			if len(data) != peer.HandshakeLen {
				t.Fatalf("Marshal() length = %d, want %d", len(data), peer.HandshakeLen)
			}

			got, err := peer.Unmarshal(data)
			if err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if got.PeerID != tt.id {
				t.Errorf("PeerID = %d, want %d", got.PeerID, tt.id)
			}
		})
	}
}

func TestHandshake_Layout(t *testing.T) {
	data := peer.HandshakeMsg{PeerID: 1002}.Marshal()

	if peer.HandshakeLen != 32 {
		t.Errorf("HandshakeLen = %d, want 32", peer.HandshakeLen)
	}
	if !bytes.Equal(data[:18], []byte("P2PFILESHARINGPROJ")) {
		t.Errorf("header = %q", data[:18])
	}
	if !bytes.Equal(data[18:28], make([]byte, 10)) {
		t.Errorf("padding not zero: %x", data[18:28])
	}
	if !bytes.Equal(data[28:], []byte{0x00, 0x00, 0x03, 0xEA}) {
		t.Errorf("peer id bytes = %x", data[28:])
	}
}

func TestUnmarshalHandshake_Invalid(t *testing.T) {
	badHeader := peer.HandshakeMsg{PeerID: 1}.Marshal()
	badHeader[0] = 'X'

	nonZeroPadding := peer.HandshakeMsg{PeerID: 5}.Marshal()
	nonZeroPadding[20] = 0xFF

	tests := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{"too short by 1 byte", make([]byte, peer.HandshakeLen-1), peer.ErrInvalidHandshake},
		{"too long by 1 byte", make([]byte, peer.HandshakeLen+1), peer.ErrInvalidHandshake},
		{"empty slice", nil, peer.ErrInvalidHandshake},
		{"wrong header", badHeader, peer.ErrBadHeader},
		{"all zeros", make([]byte, peer.HandshakeLen), peer.ErrBadHeader},
		{"padding is not validated", nonZeroPadding, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := peer.Unmarshal(tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Unmarshal() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
