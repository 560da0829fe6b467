package peer_test

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	swarmerrors "github.com/NamanBalaji/swarmshare/internal/errors"
	"github.com/NamanBalaji/swarmshare/pkg/torrent/peer"
)

const testTimeout = 5 * time.Second

func startManager(t *testing.T, id uint32, handle func(*peer.Conn), onErr func(net.Addr, error)) (*peer.Manager, peer.Target, chan error) {
	t.Helper()

	m := peer.NewManager(peer.ManagerConfig{
		LocalID:     id,
		ListenAddr:  "127.0.0.1:0",
		DialTimeout: time.Second,
	})
	require.NoError(t, m.Listen())

	host, portStr, err := net.SplitHostPort(m.ListenAddr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	loopErr := make(chan error, 1)
	go func() {
		loopErr <- m.AcceptLoop(handle, onErr)
	}()

	return m, peer.Target{ID: id, Host: host, Port: port}, loopErr
}

func TestManager_DialAndAccept(t *testing.T) {
	accepted := make(chan *peer.Conn, 1)
	server, target, loopErr := startManager(t, 1001, func(c *peer.Conn) { accepted <- c }, nil)

	client := peer.NewManager(peer.ManagerConfig{LocalID: 1002})

	var dialed *peer.Conn
	err := client.DialAll(context.Background(), []peer.Target{target}, func(tg peer.Target, c *peer.Conn) {
		assert.Equal(t, uint32(1001), tg.ID)
		dialed = c
	})
	require.NoError(t, err)
	require.NotNil(t, dialed)
	defer dialed.Close()

	assert.Equal(t, uint32(1001), dialed.RemoteID())

	select {
	case c := <-accepted:
		defer c.Close()
		assert.Equal(t, uint32(1002), c.RemoteID())
	case <-time.After(testTimeout):
		t.Fatal("inbound connection was not handed over")
	}

	server.Stop()

	select {
	case err := <-loopErr:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("accept loop did not exit after Stop")
	}
}

func TestManager_InboundBadHandshake(t *testing.T) {
	failures := make(chan error, 1)
	server, target, _ := startManager(t, 1001,
		func(c *peer.Conn) { t.Error("bad handshake must not be accepted") },
		func(_ net.Addr, err error) { failures <- err })
	defer server.Stop()

	raw, err := net.Dial("tcp", target.Addr())
	require.NoError(t, err)
	defer raw.Close()

	bad := make([]byte, peer.HandshakeLen)
	copy(bad, "GARBAGEGARBAGEGARB")
	_, err = raw.Write(bad)
	require.NoError(t, err)

	select {
	case err := <-failures:
		assert.ErrorIs(t, err, peer.ErrBadHeader)
		assert.True(t, swarmerrors.IsHandshakeError(err))
	case <-time.After(testTimeout):
		t.Fatal("handshake failure was not reported")
	}
}

func TestManager_DialAllStopsOnFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	m := peer.NewManager(peer.ManagerConfig{LocalID: 2, DialTimeout: time.Second})

	calls := 0
	err = m.DialAll(context.Background(), []peer.Target{
		{ID: 1, Host: "127.0.0.1", Port: addr.Port},
		{ID: 3, Host: "127.0.0.1", Port: addr.Port},
	}, func(peer.Target, *peer.Conn) { calls++ })

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "peer 1")
	assert.True(t, swarmerrors.IsNetworkError(err))

	var se *swarmerrors.SwarmError
	require.True(t, swarmerrors.As(err, &se))
	assert.Equal(t, peer.Target{ID: 1, Host: "127.0.0.1", Port: addr.Port}.Addr(), se.Details["addr"])
	assert.Zero(t, calls)
}

func TestManager_AcceptLoopWithoutListen(t *testing.T) {
	m := peer.NewManager(peer.ManagerConfig{LocalID: 1})
	assert.Error(t, m.AcceptLoop(func(*peer.Conn) {}, nil))
	assert.Nil(t, m.ListenAddr())
}
