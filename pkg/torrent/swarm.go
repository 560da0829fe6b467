package torrent

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	swarmerrors "github.com/NamanBalaji/swarmshare/internal/errors"
	"github.com/NamanBalaji/swarmshare/internal/repository"
	"github.com/NamanBalaji/swarmshare/pkg/torrent/peer"
)

// errSwarmDone ends Run once every peer holds the whole file.
var errSwarmDone = swarmerrors.New("swarm finished")

// flushTimeout bounds how long a finished swarm waits for queued
// packets to reach the wire before closing connections.
const flushTimeout = 2 * time.Second

// Logger is the levelled logger the swarm reports events to.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}

// Journal records the pieces received during a run.
type Journal interface {
	StartRun(peerID uint32) (uuid.UUID, error)
	RecordPiece(runID uuid.UUID, rec repository.PieceRecord) error
	FinishRun(runID uuid.UUID, complete bool) error
}

// FileWriter assembles the finished file from its pieces.
type FileWriter interface {
	WriteFile(pieces [][]byte) error
}

// PeerInfo is one configured swarm member.
type PeerInfo struct {
	ID      uint32
	Host    string
	Port    int
	HasFile bool
}

// Addr returns the "host:port" form.
func (p PeerInfo) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Options configures a Swarm.
type Options struct {
	LocalID uint32
	// Peers lists every member of the swarm, the local peer included.
	Peers []PeerInfo
	// ListenAddr overrides the address derived from the local peer's
	// entry, mostly for tests that want port 0.
	ListenAddr string
	Layout     Layout
	// FileData holds the complete file when the local peer seeds it.
	FileData []byte

	PreferredNeighbors  int
	UnchokeInterval     time.Duration
	OptimisticInterval  time.Duration
	PollInterval        time.Duration
	DialTimeout         time.Duration
	MaxUploadRate       int64 // bytes per second, 0 is unlimited
	RequeueOnDisconnect bool
	// RechokeOptimistic sets the previous optimistic pick's flag back to
	// choked when a new pick is made. Off, a pick stays unchoked until
	// the preferred review says otherwise.
	RechokeOptimistic   bool

	Logger  Logger
	Journal Journal
	Writer  FileWriter
	Rand    *rand.Rand
}

func (o *Options) setDefaults() {
	if o.PreferredNeighbors <= 0 {
		o.PreferredNeighbors = DefaultPreferredNeighbors
	}

	if o.UnchokeInterval <= 0 {
		o.UnchokeInterval = DefaultUnchokeInterval
	}

	if o.OptimisticInterval <= 0 {
		o.OptimisticInterval = DefaultOptimisticInterval
	}

	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}

	if o.Logger == nil {
		o.Logger = nopLogger{}
	}

	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
}

// Swarm coordinates every session of the local peer: it owns the
// inventory, the selection queue and the session registry, and runs the
// unchoke reviews and the shutdown watch.
type Swarm struct {
	opts    Options
	localID uint32
	local   PeerInfo
	log     Logger

	inventory *Inventory
	queue     *PieceQueue
	mgr       *peer.Manager
	choker    *choker
	limiter   *rate.Limiter

	regMu    sync.RWMutex
	sessions []*Session
	closed   bool
	wg       sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand

	runID uuid.UUID
}

// NewSwarm validates opts and builds the swarm state. Nothing touches
// the network until Run.
func NewSwarm(opts Options) (*Swarm, error) {
	opts.setDefaults()
	opts.Peers = append([]PeerInfo(nil), opts.Peers...)

	local, ok := findPeer(opts.Peers, opts.LocalID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPeer, opts.LocalID)
	}

	seen := make(map[uint32]bool, len(opts.Peers))
	for _, p := range opts.Peers {
		if seen[p.ID] {
			return nil, newValidationError(ErrInvalidOptions, "Peers", fmt.Sprintf("duplicate peer id %d", p.ID))
		}

		seen[p.ID] = true
	}

	var (
		inv *Inventory
		err error
	)

	if local.HasFile {
		inv, err = NewInventoryFromFile(opts.Layout, opts.FileData)
	} else {
		inv, err = NewInventory(opts.Layout)
	}

	if err != nil {
		return nil, err
	}

	listen := opts.ListenAddr
	if listen == "" {
		listen = net.JoinHostPort("", strconv.Itoa(local.Port))
	}

	s := &Swarm{
		opts:      opts,
		localID:   opts.LocalID,
		local:     local,
		log:       opts.Logger,
		inventory: inv,
		queue:     NewShuffledPieceQueue(inv.Missing(), opts.Rand),
		rng:       opts.Rand,
		mgr: peer.NewManager(peer.ManagerConfig{
			LocalID:     opts.LocalID,
			ListenAddr:  listen,
			DialTimeout: opts.DialTimeout,
		}),
	}

	if opts.MaxUploadRate > 0 {
		burst := int(opts.MaxUploadRate)
		if pl := int(opts.Layout.PieceSize); pl > burst {
			burst = pl
		}

		s.limiter = rate.NewLimiter(rate.Limit(opts.MaxUploadRate), burst)
	}

	s.choker = newChoker(s)
	inv.OnSet(s.broadcastHave)

	return s, nil
}

func findPeer(peers []PeerInfo, id uint32) (PeerInfo, bool) {
	for _, p := range peers {
		if p.ID == id {
			return p, true
		}
	}

	return PeerInfo{}, false
}

// Run connects to the swarm and exchanges pieces until every peer is
// complete, ctx is cancelled or a fatal error occurs. It returns nil on
// normal completion.
func (s *Swarm) Run(ctx context.Context) error {
	s.log.Infof("Peer <%d> starting on port %d with %d of %d pieces.",
		s.localID, s.local.Port, s.inventory.Count(), s.inventory.NumPieces())
	s.startJournal()

	if err := s.mgr.Listen(); err != nil {
		s.finishJournal()
		return swarmerrors.NewNetworkError(fmt.Errorf("%w: %w", swarmerrors.ErrListen, err), "listen", 0, true)
	}

	defer s.shutdown()

	if err := s.mgr.DialAll(ctx, s.lowerPeers(), func(t peer.Target, c *peer.Conn) {
		s.Register(c, true)
	}); err != nil {
		s.log.Errorf("Peer <%d> could not connect to a lower peer, terminating: %v", s.localID, err)
		return swarmerrors.NewNetworkError(fmt.Errorf("%w: %w", swarmerrors.ErrConnectLowerPeer, err), "connect", 0, true)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := s.mgr.AcceptLoop(func(c *peer.Conn) {
			s.Register(c, false)
		}, func(addr net.Addr, err error) {
			if swarmerrors.IsHandshakeError(err) {
				s.log.Warnf("Peer <%d> rejected connection from %s: %v", s.localID, addr, err)
				return
			}

			s.log.Debugf("inbound connection from %s failed: %v", addr, err)
		})
		if err != nil {
			return swarmerrors.NewNetworkError(fmt.Errorf("%w: %w", swarmerrors.ErrListen, err), "accept", 0, true)
		}

		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.mgr.Stop()

		return nil
	})
	g.Go(func() error { return s.choker.runPreferred(gctx) })
	g.Go(func() error { return s.choker.runOptimistic(gctx) })
	g.Go(func() error { return s.watchShutdown(gctx) })

	err := g.Wait()

	switch {
	case swarmerrors.Is(err, errSwarmDone):
		return nil
	case err != nil:
		return err
	case ctx.Err() != nil:
		return swarmerrors.NewContextError(ctx.Err(), "run")
	}

	return nil
}

func (s *Swarm) lowerPeers() []peer.Target {
	var targets []peer.Target

	for _, p := range s.opts.Peers {
		if p.ID < s.localID {
			targets = append(targets, peer.Target{ID: p.ID, Host: p.Host, Port: p.Port})
		}
	}

	return targets
}

// watchShutdown polls until we and every other peer hold the whole file,
// then writes the file out.
func (s *Swarm) watchShutdown(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !s.Finished() {
				continue
			}

			s.log.Infof("Peer <%d> terminating since all peers have the complete file.", s.localID)

			if err := s.writeFile(); err != nil {
				return err
			}

			s.flush()

			return errSwarmDone
		}
	}
}

// Finished reports whether we hold every piece and so does every other
// configured peer.
func (s *Swarm) Finished() bool {
	return s.inventory.IsComplete() && s.NumPeersDone() == len(s.opts.Peers)-1
}

func (s *Swarm) writeFile() error {
	if s.opts.Writer == nil {
		s.log.Warnf("Peer <%d> has no file writer configured, file not written.", s.localID)
		return nil
	}

	if err := s.opts.Writer.WriteFile(s.inventory.Pieces()); err != nil {
		return swarmerrors.NewIOError(err, "write file")
	}

	return nil
}

// flush lets in-flight handlers finish and pushes their queued packets,
// in particular the last HAVEs, onto the wire.
func (s *Swarm) flush() {
	deadline := time.Now().Add(flushTimeout)
	sessions := s.Sessions()

	for _, sess := range sessions {
		sess.quiesce(deadline)
	}

	for _, sess := range sessions {
		sess.flush(deadline)
	}
}

// Close tears the swarm down. Run calls it on the way out; it is only
// needed directly when sessions were registered without Run.
func (s *Swarm) Close() {
	s.shutdown()
}

// shutdown stops accepting, closes every session and waits for their
// goroutines.
func (s *Swarm) shutdown() {
	s.mgr.Stop()

	s.regMu.Lock()
	s.closed = true
	sessions := append([]*Session(nil), s.sessions...)
	s.regMu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}

	s.wg.Wait()
	s.finishJournal()
}

// Register adds a handshaken connection to the registry and starts its
// session. Our bitfield is queued before the session becomes visible to
// HAVE broadcasts, so the remote never sees a HAVE overwritten by an
// older bitfield.
func (s *Swarm) Register(c *peer.Conn, outbound bool) *Session {
	if s.limiter != nil {
		c.SetUploadLimiter(s.limiter)
	}

	sess := newSession(s, c, outbound)

	s.regMu.Lock()
	if s.closed {
		s.regMu.Unlock()
		sess.Close()

		return sess
	}

	// the outbox is empty, so this never blocks under the registry lock
	if err := sess.send(peer.Bitfield{Bits: s.inventory.BitfieldBytes()}); err != nil {
		s.regMu.Unlock()
		sess.Close()

		return sess
	}

	s.sessions = append(s.sessions, sess)
	s.wg.Add(1)
	s.regMu.Unlock()

	if outbound {
		s.log.Infof("Peer <%d> makes a connection to Peer <%d>.", s.localID, sess.RemoteID())
	} else {
		s.log.Infof("Peer <%d> is connected from Peer <%d>.", s.localID, sess.RemoteID())
	}

	go func() {
		defer s.wg.Done()

		err := sess.Run()

		switch {
		case swarmerrors.IsProtocolError(err):
			s.log.Warnf("Peer <%d> dropped Peer <%d>: %v", s.localID, sess.RemoteID(), err)
		case swarmerrors.IsNetworkError(err):
			s.log.Infof("Peer <%d> lost the connection to Peer <%d>.", s.localID, sess.RemoteID())
			s.log.Debugf("%s session with Peer <%d> ended: %v", direction(sess), sess.RemoteID(), err)
		default:
			s.log.Debugf("%s session with Peer <%d> closed: %v", direction(sess), sess.RemoteID(), err)
		}
	}()

	return sess
}

func direction(sess *Session) string {
	if sess.Outbound() {
		return "outbound"
	}

	return "inbound"
}

func (s *Swarm) broadcastHave(index int) {
	s.regMu.RLock()
	defer s.regMu.RUnlock()

	for _, sess := range s.sessions {
		if sess.Closed() {
			continue
		}

		if err := sess.SendHave(index); err != nil {
			s.log.Debugf("have <%d> to Peer <%d> failed: %v", index, sess.RemoteID(), err)
		}
	}
}

// nudge lets idle sessions claim pieces that went back into the queue.
func (s *Swarm) nudge() {
	for _, sess := range s.Sessions() {
		if sess.Closed() {
			continue
		}

		if err := sess.TryRequest(); err != nil {
			s.log.Debugf("request to Peer <%d> failed: %v", sess.RemoteID(), err)
		}
	}
}

// Sessions returns a snapshot of the registry in registration order.
// Sessions that have ended stay registered.
func (s *Swarm) Sessions() []*Session {
	s.regMu.RLock()
	defer s.regMu.RUnlock()

	return append([]*Session(nil), s.sessions...)
}

// NumPeersDone counts the distinct remote peers whose last known
// bitfield is complete.
func (s *Swarm) NumPeersDone() int {
	done := make(map[uint32]bool)

	for _, sess := range s.Sessions() {
		if sess.HasCompleteFile() {
			done[sess.RemoteID()] = true
		}
	}

	return len(done)
}

// Inventory returns the local piece inventory.
func (s *Swarm) Inventory() *Inventory {
	return s.inventory
}

// Queue returns the selection queue.
func (s *Swarm) Queue() *PieceQueue {
	return s.queue
}

// ListenAddr returns the bound listen address once Run has started.
func (s *Swarm) ListenAddr() net.Addr {
	return s.mgr.ListenAddr()
}

// LocalID returns the local peer id.
func (s *Swarm) LocalID() uint32 {
	return s.localID
}

func (s *Swarm) randIntn(n int) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()

	return s.rng.Intn(n)
}

func (s *Swarm) startJournal() {
	if s.opts.Journal == nil {
		return
	}

	id, err := s.opts.Journal.StartRun(s.localID)
	if err != nil {
		s.log.Warnf("journal disabled: %v", err)
		s.opts.Journal = nil

		return
	}

	s.runID = id
}

func (s *Swarm) recordPiece(index int, from uint32, size int) {
	if s.opts.Journal == nil {
		return
	}

	rec := repository.PieceRecord{Index: index, From: from, Size: size, At: time.Now()}
	if err := s.opts.Journal.RecordPiece(s.runID, rec); err != nil {
		s.log.Warnf("journal: record piece <%d>: %v", index, err)
	}
}

func (s *Swarm) finishJournal() {
	if s.opts.Journal == nil {
		return
	}

	if err := s.opts.Journal.FinishRun(s.runID, s.inventory.IsComplete()); err != nil {
		s.log.Warnf("journal: finish run: %v", err)
	}

	s.opts.Journal = nil
}
