package torrent

import (
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NamanBalaji/swarmshare/pkg/torrent/peer"
)

const waitFor = 2 * time.Second

func testPeers(ids ...uint32) []PeerInfo {
	peers := make([]PeerInfo, len(ids))
	for i, id := range ids {
		peers[i] = PeerInfo{ID: id, Host: "127.0.0.1", Port: 7000 + int(id)}
	}

	return peers
}

// newTestSwarm builds a swarm that is never Run; sessions are attached
// with attach.
func newTestSwarm(t *testing.T, opts Options) *Swarm {
	t.Helper()

	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(1))
	}

	s, err := NewSwarm(opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return s
}

// attach connects a scripted remote with the given id to s and returns
// the session and the remote's end of the connection. The remote has
// already consumed our initial BITFIELD.
func attach(t *testing.T, s *Swarm, remoteID uint32) (*Session, *peer.Conn, *peer.Bitfield) {
	t.Helper()

	a, b := net.Pipe()

	var (
		remote *peer.Conn
		errB   error
		wg     sync.WaitGroup
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		remote, errB = peer.Handshake(b, remoteID)
	}()

	local, errA := peer.Handshake(a, s.LocalID())
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)
	t.Cleanup(func() { remote.Close() })

	sess := s.Register(local, true)

	bf, ok := readPacket(t, remote).(peer.Bitfield)
	require.True(t, ok, "first packet must be a bitfield")

	return sess, remote, &bf
}

// readPacket reads one packet from c or fails after waitFor.
func readPacket(t *testing.T, c *peer.Conn) peer.Packet {
	t.Helper()

	type result struct {
		p   peer.Packet
		err error
	}

	ch := make(chan result, 1)
	go func() {
		p, err := c.ReadPacket()
		ch <- result{p, err}
	}()

	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.p
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for a packet")
		return nil
	}
}

// writePacket sends p from the scripted remote.
func writePacket(t *testing.T, c *peer.Conn, p peer.Packet) {
	t.Helper()

	errc := make(chan error, 1)
	go func() { errc <- c.WritePacket(p) }()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatalf("timed out writing %s", peer.TypeName(p.Type()))
	}
}

// drain discards everything c receives until it is closed.
func drain(c *peer.Conn) {
	go func() {
		for {
			if _, err := c.ReadPacket(); err != nil {
				return
			}
		}
	}()
}
