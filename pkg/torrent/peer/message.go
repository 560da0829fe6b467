package peer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Type tags as they appear on the wire.
const (
	MsgChoke byte = iota
	MsgUnchoke
	MsgInterested
	MsgNotInterested
	MsgHave
	MsgBitfield
	MsgRequest
	MsgPiece
)

// MaxPayloadLen is the largest payload a Reader accepts. A frame that
// declares more than this is treated as corrupt.
const MaxPayloadLen = 64 << 20 // 64 MiB

// headerLen is the 4-byte payload length plus the 1-byte type tag.
const headerLen = 5

var (
	// ErrMsgTooBig indicates a frame declaring a payload above MaxPayloadLen.
	ErrMsgTooBig = errors.New("message larger than 64 MiB")
	// ErrMsgShort indicates a payload that is too short to decode the
	// expected fields.
	ErrMsgShort = errors.New("message body too short")
	// ErrMsgLength indicates a fixed-size payload with trailing bytes.
	ErrMsgLength = errors.New("message body too long")
	// ErrUnknownType indicates a type tag outside the known range.
	ErrUnknownType = errors.New("unknown message type")
)

// Packet is one protocol message. The concrete types below are the
// only implementations.
type Packet interface {
	// Type returns the wire tag.
	Type() byte
	payload() []byte
}

type (
	Choke         struct{}
	Unchoke       struct{}
	Interested    struct{}
	NotInterested struct{}

	// Have announces that the sender now owns Index.
	Have struct{ Index uint32 }

	// Bitfield carries the sender's complete ownership vector.
	Bitfield struct{ Bits []byte }

	// Request asks for the whole piece at Index.
	Request struct{ Index uint32 }

	// Piece carries the bytes of the piece at Index.
	Piece struct {
		Index uint32
		Data  []byte
	}
)

func (Choke) Type() byte         { return MsgChoke }
func (Unchoke) Type() byte       { return MsgUnchoke }
func (Interested) Type() byte    { return MsgInterested }
func (NotInterested) Type() byte { return MsgNotInterested }
func (Have) Type() byte          { return MsgHave }
func (Bitfield) Type() byte      { return MsgBitfield }
func (Request) Type() byte       { return MsgRequest }
func (Piece) Type() byte         { return MsgPiece }

func (Choke) payload() []byte         { return nil }
func (Unchoke) payload() []byte       { return nil }
func (Interested) payload() []byte    { return nil }
func (NotInterested) payload() []byte { return nil }
func (h Have) payload() []byte        { return binary.BigEndian.AppendUint32(nil, h.Index) }
func (b Bitfield) payload() []byte    { return b.Bits }
func (r Request) payload() []byte     { return binary.BigEndian.AppendUint32(nil, r.Index) }

func (p Piece) payload() []byte {
	buf := make([]byte, 4+len(p.Data))
	binary.BigEndian.PutUint32(buf[0:4], p.Index)
	copy(buf[4:], p.Data)

	return buf
}

// TypeName returns a readable name for a wire tag.
func TypeName(typ byte) string {
	switch typ {
	case MsgChoke:
		return "choke"
	case MsgUnchoke:
		return "unchoke"
	case MsgInterested:
		return "interested"
	case MsgNotInterested:
		return "not interested"
	case MsgHave:
		return "have"
	case MsgBitfield:
		return "bitfield"
	case MsgRequest:
		return "request"
	case MsgPiece:
		return "piece"
	default:
		return fmt.Sprintf("unknown(%d)", typ)
	}
}

// Reader decodes framed packets from a byte stream.
type Reader struct {
	r   io.Reader
	hdr [headerLen]byte
}

// NewReader creates a new packet reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadPacket blocks until one complete frame has been read and returns
// the decoded packet. Every returned payload slice is freshly allocated
// and owned by the caller.
func (r *Reader) ReadPacket() (Packet, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		return nil, err
	}

	l := binary.BigEndian.Uint32(r.hdr[:4])
	typ := r.hdr[4]

	if typ > MsgPiece {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, typ)
	}

	if l > MaxPayloadLen {
		return nil, ErrMsgTooBig
	}

	body := make([]byte, l)
	if _, err := io.ReadFull(r.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}

		return nil, err
	}

	return decode(typ, body)
}

func decode(typ byte, body []byte) (Packet, error) {
	switch typ {
	case MsgChoke:
		return Choke{}, nil
	case MsgUnchoke:
		return Unchoke{}, nil
	case MsgInterested:
		return Interested{}, nil
	case MsgNotInterested:
		return NotInterested{}, nil
	case MsgHave:
		if err := indexLen(body); err != nil {
			return nil, err
		}

		return Have{Index: binary.BigEndian.Uint32(body)}, nil
	case MsgBitfield:
		return Bitfield{Bits: body}, nil
	case MsgRequest:
		if err := indexLen(body); err != nil {
			return nil, err
		}

		return Request{Index: binary.BigEndian.Uint32(body)}, nil
	case MsgPiece:
		if len(body) < 4 {
			return nil, ErrMsgShort
		}

		return Piece{Index: binary.BigEndian.Uint32(body[:4]), Data: body[4:]}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, typ)
	}
}

// indexLen checks a payload that carries only a piece index.
func indexLen(body []byte) error {
	switch {
	case len(body) < 4:
		return ErrMsgShort
	case len(body) > 4:
		return ErrMsgLength
	}

	return nil
}

// Writer encodes packets onto a byte stream. It is not safe for
// concurrent use; Conn serializes access.
type Writer struct {
	w io.Writer
}

// NewWriter creates a new packet writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WritePacket writes the full frame for p with a single Write call.
func (w *Writer) WritePacket(p Packet) error {
	payload := p.payload()

	buf := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	buf[4] = p.Type()
	copy(buf[headerLen:], payload)

	_, err := w.w.Write(buf)

	return err
}
