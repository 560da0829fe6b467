package torrent

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	swarmerrors "github.com/NamanBalaji/swarmshare/internal/errors"
	"github.com/NamanBalaji/swarmshare/pkg/torrent/peer"
)

// outboxSize bounds the packets queued for one connection before
// senders start to wait for the writer goroutine.
const outboxSize = 256

// Session is the live protocol state for one connected peer. The
// session's own goroutine reads and handles packets; a second goroutine
// drains the outbox onto the connection.
type Session struct {
	swarm    *Swarm
	conn     *peer.Conn
	remoteID uint32
	outbound bool
	remote   *Bitfield

	out    chan peer.Packet
	queued atomic.Int64 // packets accepted by send and not yet written
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once

	chokeMu   sync.Mutex // serializes CHOKE and UNCHOKE announcements
	announced bool       // choke state the remote was last told

	mu           sync.Mutex
	dataChoked   bool // choked by the preferred-neighbor review
	randomChoked bool // choked by the optimistic review
	areWeChoked  bool // the remote is choking us
	interested   bool // the remote said it is interested
	requested    bool
	pending      int
	windowBytes  int64
	windowStart  time.Time
}

func newSession(s *Swarm, c *peer.Conn, outbound bool) *Session {
	return &Session{
		swarm:        s,
		conn:         c,
		remoteID:     c.RemoteID(),
		outbound:     outbound,
		remote:       NewBitfield(s.inventory.NumPieces()),
		out:          make(chan peer.Packet, outboxSize),
		done:         make(chan struct{}),
		announced:    true,
		dataChoked:   true,
		randomChoked: true,
		areWeChoked:  true,
		pending:      -1,
		windowStart:  time.Now(),
	}
}

// RemoteID returns the remote peer's id.
func (ss *Session) RemoteID() uint32 {
	return ss.remoteID
}

// Outbound reports whether we dialled this peer.
func (ss *Session) Outbound() bool {
	return ss.outbound
}

// Closed reports whether the session has ended.
func (ss *Session) Closed() bool {
	return ss.closed.Load()
}

// Done is closed when the session ends.
func (ss *Session) Done() <-chan struct{} {
	return ss.done
}

// Run reads and handles packets until the connection fails or a
// handler reports a protocol error. It always returns a non-nil error
// describing why the session ended.
func (ss *Session) Run() error {
	go ss.writeLoop()
	defer ss.shutdown()

	for {
		p, err := ss.conn.ReadPacket()
		if err != nil {
			if ss.Closed() {
				return ErrSessionClosed
			}

			return swarmerrors.NewNetworkError(err, "read packet", ss.remoteID, false)
		}

		if err := ss.handle(p); err != nil {
			return err
		}
	}
}

func (ss *Session) writeLoop() {
	for {
		// queued packets win over a concurrent close
		select {
		case p := <-ss.out:
			if !ss.write(p) {
				return
			}

			continue
		default:
		}

		select {
		case p := <-ss.out:
			if !ss.write(p) {
				return
			}
		case <-ss.done:
			return
		}
	}
}

func (ss *Session) write(p peer.Packet) bool {
	err := ss.conn.WritePacket(p)
	ss.queued.Add(-1)

	if err != nil {
		ss.swarm.log.Debugf("write %s to Peer <%d> failed: %v", peer.TypeName(p.Type()), ss.remoteID, err)
		ss.Close()

		return false
	}

	return true
}

// send queues p for the writer goroutine.
func (ss *Session) send(p peer.Packet) error {
	if ss.Closed() {
		return ErrSessionClosed
	}

	ss.queued.Add(1)

	select {
	case ss.out <- p:
		return nil
	case <-ss.done:
		ss.queued.Add(-1)
		return ErrSessionClosed
	}
}

// quiesce waits for a packet handler or choke announcement in progress
// to return, or until deadline.
func (ss *Session) quiesce(deadline time.Time) {
	idle := make(chan struct{})

	go func() {
		ss.mu.Lock()
		ss.mu.Unlock()
		ss.chokeMu.Lock()
		ss.chokeMu.Unlock()
		close(idle)
	}()

	select {
	case <-idle:
	case <-time.After(time.Until(deadline)):
	}
}

// flush waits until every queued packet has been written, the session
// ends or deadline passes.
func (ss *Session) flush(deadline time.Time) {
	for ss.queued.Load() > 0 && !ss.Closed() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}

// Close ends the session and its connection.
func (ss *Session) Close() {
	ss.once.Do(func() {
		ss.closed.Store(true)
		close(ss.done)
		ss.conn.Close()
	})
}

func (ss *Session) shutdown() {
	ss.Close()

	ss.mu.Lock()
	requested, pending := ss.requested, ss.pending
	ss.requested, ss.pending = false, -1
	ss.mu.Unlock()

	if requested && ss.swarm.opts.RequeueOnDisconnect && !ss.swarm.inventory.Has(pending) {
		ss.swarm.log.Warnf("Peer <%d> requeues piece <%d> left in flight by Peer <%d>.", ss.swarm.localID, pending, ss.remoteID)
		ss.swarm.queue.Release(pending)
		ss.swarm.nudge()
	}
}

// SendHave tells the remote that we now own index.
func (ss *Session) SendHave(index int) error {
	return ss.send(peer.Have{Index: uint32(index)})
}

func (ss *Session) handle(p peer.Packet) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	local := ss.swarm.localID
	log := ss.swarm.log

	switch p := p.(type) {
	case peer.Choke:
		log.Infof("Peer <%d> is choked by Peer <%d>.", local, ss.remoteID)
		ss.areWeChoked = true
	case peer.Unchoke:
		log.Infof("Peer <%d> is unchoked by Peer <%d>.", local, ss.remoteID)
		ss.areWeChoked = false

		return ss.maybeRequestLocked()
	case peer.Interested:
		log.Infof("Peer <%d> received the 'interested' message from Peer <%d>.", local, ss.remoteID)
		ss.interested = true
	case peer.NotInterested:
		log.Infof("Peer <%d> received the 'not interested' message from Peer <%d>.", local, ss.remoteID)
		ss.interested = false
	case peer.Have:
		return ss.handleHave(int(p.Index))
	case peer.Bitfield:
		ss.remote.Replace(p.Bits)

		if ss.swarm.inventory.WantsFrom(ss.remote) {
			if err := ss.send(peer.Interested{}); err != nil {
				return err
			}
		}

		return ss.maybeRequestLocked()
	case peer.Request:
		data, ok := ss.swarm.inventory.Get(int(p.Index))
		if !ok {
			return swarmerrors.NewProtocolError("request for piece not owned", ss.remoteID)
		}

		return ss.send(peer.Piece{Index: p.Index, Data: data})
	case peer.Piece:
		return ss.handlePiece(int(p.Index), p.Data)
	default:
		return swarmerrors.NewProtocolError("unexpected packet", ss.remoteID)
	}

	return nil
}

func (ss *Session) handleHave(index int) error {
	log := ss.swarm.log
	log.Infof("Peer <%d> received the 'have' message from Peer <%d> for the piece <%d>.", ss.swarm.localID, ss.remoteID, index)

	if err := ss.remote.SetPiece(index); err != nil {
		log.Warnf("ignoring 'have' from Peer <%d>: %v", ss.remoteID, err)
		return nil
	}

	if !ss.swarm.inventory.Has(index) {
		if err := ss.send(peer.Interested{}); err != nil {
			return err
		}
	}

	return ss.maybeRequestLocked()
}

func (ss *Session) handlePiece(index int, data []byte) error {
	inv := ss.swarm.inventory
	log := ss.swarm.log

	stored, err := inv.Set(index, data)
	if err != nil {
		return swarmerrors.NewProtocolError(err.Error(), ss.remoteID)
	}

	if ss.requested && ss.pending != index {
		log.Warnf("Peer <%d> sent piece <%d> while piece <%d> was requested.", ss.remoteID, index, ss.pending)
	}

	ss.requested = false
	ss.pending = -1
	ss.windowBytes += int64(len(data))

	if !stored {
		log.Debugf("duplicate piece <%d> from Peer <%d> dropped", index, ss.remoteID)
		return ss.maybeRequestLocked()
	}

	// an unsolicited piece may still be waiting in the queue
	ss.swarm.queue.Remove(index)

	log.Infof("Peer <%d> has downloaded the piece <%d> from Peer <%d>. Now the number of pieces it has is %d.",
		ss.swarm.localID, index, ss.remoteID, inv.Count())
	log.Debugf("piece <%d> is %s, Peer <%d> rate %s/s", index,
		humanize.Bytes(uint64(len(data))), ss.remoteID, humanize.Bytes(uint64(ss.rateLocked())))

	ss.swarm.recordPiece(index, ss.remoteID, len(data))

	if inv.IsComplete() {
		log.Infof("Peer <%d> has downloaded the complete file.", ss.swarm.localID)
		return nil
	}

	return ss.maybeRequestLocked()
}

// maybeRequestLocked sends a REQUEST when the remote is not choking us
// and nothing is in flight. ss.mu must be held.
func (ss *Session) maybeRequestLocked() error {
	if ss.areWeChoked || ss.requested {
		return nil
	}

	index, ok := ss.swarm.queue.Claim(ss.remote.HasPiece)
	if !ok {
		return nil
	}

	ss.requested = true
	ss.pending = index

	return ss.send(peer.Request{Index: uint32(index)})
}

// TryRequest attempts to issue a request outside of packet handling.
func (ss *Session) TryRequest() error {
	if ss.Closed() {
		return ErrSessionClosed
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	return ss.maybeRequestLocked()
}

// SetDataChoke sets the preferred-neighbor choke flag.
func (ss *Session) SetDataChoke(choked bool) error {
	return ss.setChoke(func() { ss.dataChoked = choked })
}

// SetRandomChoke sets the optimistic choke flag.
func (ss *Session) SetRandomChoke(choked bool) error {
	return ss.setChoke(func() { ss.randomChoked = choked })
}

// setChoke applies one flag change. Becoming unchoked restarts the
// rate window. The CHOKE or UNCHOKE goes out after ss.mu is released, so
// a full outbox never blocks the session's packet handling.
func (ss *Session) setChoke(apply func()) error {
	ss.mu.Lock()
	was := ss.dataChoked && ss.randomChoked
	apply()
	now := ss.dataChoked && ss.randomChoked

	if was && !now {
		ss.windowBytes = 0
		ss.windowStart = time.Now()
	}
	ss.mu.Unlock()

	if was == now {
		return nil
	}

	return ss.announceChoke()
}

// announceChoke tells the remote the current effective choke state if
// it differs from what was last sent.
func (ss *Session) announceChoke() error {
	ss.chokeMu.Lock()
	defer ss.chokeMu.Unlock()

	choked := ss.IsChoked()
	if choked == ss.announced {
		return nil
	}

	var p peer.Packet = peer.Unchoke{}
	if choked {
		p = peer.Choke{}
	}

	if err := ss.send(p); err != nil {
		return err
	}

	ss.announced = choked

	return nil
}

// IsChoked reports whether we are choking the remote: both the
// preferred and the optimistic flags must be set.
func (ss *Session) IsChoked() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	return ss.dataChoked && ss.randomChoked
}

// ChokeFlags returns the preferred and optimistic flags.
func (ss *Session) ChokeFlags() (data, random bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	return ss.dataChoked, ss.randomChoked
}

// AreWeChoked reports whether the remote is choking us.
func (ss *Session) AreWeChoked() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	return ss.areWeChoked
}

// Interested reports the remote's last interest message.
func (ss *Session) Interested() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	return ss.interested
}

// Outstanding returns the requested piece, if any.
func (ss *Session) Outstanding() (int, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	return ss.pending, ss.requested
}

// DownloadRate returns bytes per second received from the remote since
// the rate window last restarted.
func (ss *Session) DownloadRate() float64 {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	return ss.rateLocked()
}

func (ss *Session) rateLocked() float64 {
	elapsed := time.Since(ss.windowStart).Seconds()
	if elapsed <= 0 {
		return 0
	}

	return float64(ss.windowBytes) / elapsed
}

// HasCompleteFile reports whether the remote announced every piece.
func (ss *Session) HasCompleteFile() bool {
	return ss.remote.IsComplete()
}

// RemoteHas reports whether the remote announced index.
func (ss *Session) RemoteHas(index int) bool {
	return ss.remote.HasPiece(index)
}
