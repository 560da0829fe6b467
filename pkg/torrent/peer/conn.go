package peer

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	swarmerrors "github.com/NamanBalaji/swarmshare/internal/errors"
)

const (
	// DefaultDialTimeout is the timeout used when establishing TCP
	// connections to peers.
	DefaultDialTimeout = 5 * time.Second
	// HandshakeTimeout bounds each direction of the handshake. The
	// message loop that follows has no read deadline.
	HandshakeTimeout = 30 * time.Second
)

// Conn is a handshaken connection to one remote peer. Reads are meant
// for a single goroutine; writes are safe for concurrent use.
type Conn struct {
	netConn  net.Conn
	r        *Reader
	w        *Writer
	localID  uint32
	remoteID uint32
	remote   net.Addr

	mu      sync.Mutex // serializes encode+write of whole frames
	limiter *rate.Limiter

	closeOnce sync.Once
	closeErr  error
}

// Dial establishes a connection to a peer and performs the handshake.
func Dial(ctx context.Context, addr string, localID uint32) (*Conn, error) {
	dialer := &net.Dialer{Timeout: DefaultDialTimeout}

	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, swarmerrors.WithDetails(swarmerrors.NewNetworkError(err, "dial", 0, false),
			map[string]interface{}{"addr": addr})
	}

	c, err := Handshake(netConn, localID)
	if err != nil {
		netConn.Close()
		return nil, err
	}

	return c, nil
}

// Handshake runs the handshake over an already established connection.
// The caller keeps ownership of netConn when an error is returned.
// Failures are handshake errors carrying the remote address.
func Handshake(netConn net.Conn, localID uint32) (*Conn, error) {
	c := &Conn{
		netConn: netConn,
		r:       NewReader(netConn),
		w:       NewWriter(netConn),
		localID: localID,
		remote:  netConn.RemoteAddr(),
	}

	if err := c.handshake(); err != nil {
		return nil, swarmerrors.WithDetails(swarmerrors.NewHandshakeError(err, "handshake"),
			map[string]interface{}{"addr": c.remote.String()})
	}

	return c, nil
}

// handshake writes our handshake and reads the peer's. The write runs
// concurrently with the read so unbuffered transports do not deadlock.
func (c *Conn) handshake() error {
	deadline := time.Now().Add(HandshakeTimeout)
	if err := c.netConn.SetDeadline(deadline); err != nil {
		return err
	}

	writeErr := make(chan error, 1)

	go func() {
		_, err := c.netConn.Write(HandshakeMsg{PeerID: c.localID}.Marshal())
		writeErr <- err
	}()

	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(c.netConn, buf); err != nil {
		return fmt.Errorf("failed to read handshake: %w", err)
	}

	if err := <-writeErr; err != nil {
		return fmt.Errorf("failed to send handshake: %w", err)
	}

	hs, err := Unmarshal(buf)
	if err != nil {
		return err
	}

	c.remoteID = hs.PeerID

	return c.netConn.SetDeadline(time.Time{})
}

// SetUploadLimiter throttles outgoing piece data. A nil limiter
// disables throttling.
func (c *Conn) SetUploadLimiter(l *rate.Limiter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.limiter = l
}

// ReadPacket returns the next packet, blocking until one arrives or the
// connection fails.
func (c *Conn) ReadPacket() (Packet, error) {
	return c.r.ReadPacket()
}

// WritePacket sends p. Frames from concurrent callers never interleave.
func (c *Conn) WritePacket(p Packet) error {
	if piece, ok := p.(Piece); ok {
		if err := c.waitUpload(len(piece.Data)); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.w.WritePacket(p)
}

func (c *Conn) waitUpload(n int) error {
	c.mu.Lock()
	l := c.limiter
	c.mu.Unlock()

	if l == nil || n == 0 {
		return nil
	}

	if n > l.Burst() {
		n = l.Burst()
	}

	return l.WaitN(context.Background(), n)
}

// LocalID returns our peer id.
func (c *Conn) LocalID() uint32 {
	return c.localID
}

// RemoteID returns the peer id announced in the remote handshake.
func (c *Conn) RemoteID() uint32 {
	return c.remoteID
}

// RemoteAddr returns the remote address of the connection.
func (c *Conn) RemoteAddr() net.Addr {
	return c.remote
}

// Close shuts the connection down. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.netConn.Close()
	})

	return c.closeErr
}
