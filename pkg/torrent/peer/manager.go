package peer

// Manager owns the listening socket and the outbound dialer. It hands
// every successfully handshaken connection to a callback; what happens
// to the connection afterwards is up to the caller.

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// ManagerConfig holds configuration for a Manager. ListenAddr is the
// address to listen on ("host:port"); DialTimeout controls how long to
// wait when dialling outbound peers.
type ManagerConfig struct {
	LocalID     uint32
	ListenAddr  string
	DialTimeout time.Duration
}

// Target is one outbound peer.
type Target struct {
	ID   uint32
	Host string
	Port int
}

// Addr returns the dialable "host:port" form.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Manager accepts inbound and dials outbound peer connections.
type Manager struct {
	cfg      ManagerConfig
	mu       sync.Mutex
	listener net.Listener
	closed   bool
	wg       sync.WaitGroup
}

// NewManager creates a new connection manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}

	return &Manager{cfg: cfg}
}

// Listen opens the listening socket.
func (m *Manager) Listen() error {
	l, err := net.Listen("tcp", m.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.cfg.ListenAddr, err)
	}

	m.mu.Lock()
	m.listener = l
	m.mu.Unlock()

	return nil
}

// ListenAddr returns the actual address the manager is listening on (nil if no listener).
func (m *Manager) ListenAddr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listener == nil {
		return nil
	}

	return m.listener.Addr()
}

// AcceptLoop accepts connections until the listener is closed. Each
// connection is handshaken on its own goroutine; successes go to
// handle, failures to onErr and the socket is dropped. A listener error
// that was not caused by Close is returned.
func (m *Manager) AcceptLoop(handle func(*Conn), onErr func(addr net.Addr, err error)) error {
	m.mu.Lock()
	l := m.listener
	m.mu.Unlock()

	if l == nil {
		return errors.New("manager is not listening")
	}

	for {
		netConn, err := l.Accept()
		if err != nil {
			if m.isClosed() {
				return nil
			}

			return err
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			netConn.Close()

			return nil
		}
		m.wg.Add(1)
		m.mu.Unlock()

		go func() {
			defer m.wg.Done()

			c, err := Handshake(netConn, m.cfg.LocalID)
			if err != nil {
				netConn.Close()

				if onErr != nil {
					onErr(netConn.RemoteAddr(), err)
				}

				return
			}

			handle(c)
		}()
	}
}

// DialAll connects to every target in order and hands each connection
// to handle. It stops at the first failure.
func (m *Manager) DialAll(ctx context.Context, targets []Target, handle func(Target, *Conn)) error {
	for _, t := range targets {
		dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
		c, err := Dial(dialCtx, t.Addr(), m.cfg.LocalID)
		cancel()

		if err != nil {
			return fmt.Errorf("peer %d at %s: %w", t.ID, t.Addr(), err)
		}

		handle(t, c)
	}

	return nil
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closed
}

// Stop closes the listener and waits for in-flight handshakes.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.closed = true
	l := m.listener
	m.mu.Unlock()

	if l != nil {
		l.Close()
	}

	m.wg.Wait()
}
