package peer

// The handshake is a fixed 32-byte message both sides send as soon as
// the TCP connection is up: an ASCII header, ten zero bytes and the
// sender's numeric peer id.

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderString is the literal every handshake starts with.
	HeaderString = "P2PFILESHARINGPROJ"
	// PaddingLen is the number of zero bytes after the header.
	PaddingLen = 10
	// HandshakeLen is the fixed length of a handshake message.
	HandshakeLen = len(HeaderString) + PaddingLen + 4
)

var (
	headerBytes = []byte(HeaderString)
	// ErrInvalidHandshake indicates a handshake message of incorrect length.
	ErrInvalidHandshake = errors.New("invalid handshake length")
	// ErrBadHeader indicates a mismatch in the handshake header.
	ErrBadHeader = errors.New("wrong handshake header")
)

// HandshakeMsg is the decoded form of the handshake message.
type HandshakeMsg struct {
	PeerID uint32
}

// Marshal encodes the handshake into HandshakeLen bytes.
func (h HandshakeMsg) Marshal() []byte {
	b := make([]byte, HandshakeLen)
	copy(b, headerBytes)
	// padding is already zero
	binary.BigEndian.PutUint32(b[len(headerBytes)+PaddingLen:], h.PeerID)

	return b
}

// Unmarshal decodes a handshake. The padding bytes are skipped without
// validation; the header must match exactly.
func Unmarshal(b []byte) (HandshakeMsg, error) {
	if len(b) != HandshakeLen {
		return HandshakeMsg{}, ErrInvalidHandshake
	}

	if !bytes.Equal(b[:len(headerBytes)], headerBytes) {
		return HandshakeMsg{}, fmt.Errorf("%w: got %q", ErrBadHeader, b[:len(headerBytes)])
	}

	return HandshakeMsg{
		PeerID: binary.BigEndian.Uint32(b[len(headerBytes)+PaddingLen:]),
	}, nil
}
