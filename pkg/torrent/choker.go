package torrent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultUnchokeInterval is the duration between preferred-neighbor reviews.
	DefaultUnchokeInterval = 5 * time.Second
	// DefaultOptimisticInterval is the duration between optimistic unchoke reviews.
	DefaultOptimisticInterval = 15 * time.Second
	// DefaultPreferredNeighbors is the number of peers to unchoke based on rate.
	DefaultPreferredNeighbors = 2
	// DefaultPollInterval is how often the periodic loops wake up.
	DefaultPollInterval = 100 * time.Millisecond
)

// choker runs the two unchoke reviews for a swarm.
type choker struct {
	s *Swarm

	mu                     sync.Mutex
	optimisticallyUnchoked *Session
}

func newChoker(s *Swarm) *choker {
	return &choker{s: s}
}

// every calls fn each time interval has elapsed, checking the clock
// once per poll. When immediate is set fn also runs on the first poll.
func every(ctx context.Context, poll, interval time.Duration, immediate bool, fn func()) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	last := time.Now()
	if immediate {
		last = time.Time{}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Sub(last) >= interval {
				last = now
				fn()
			}
		}
	}
}

// runPreferred reviews preferred neighbors until ctx is done. The first
// review happens right away.
func (c *choker) runPreferred(ctx context.Context) error {
	every(ctx, c.s.opts.PollInterval, c.s.opts.UnchokeInterval, true, c.reviewPreferred)
	return nil
}

// runOptimistic reviews the optimistic unchoke until ctx is done. The
// first review happens after one full interval.
func (c *choker) runOptimistic(ctx context.Context) error {
	every(ctx, c.s.opts.PollInterval, c.s.opts.OptimisticInterval, false, c.reviewOptimistic)
	return nil
}

type rankedSession struct {
	sess *Session
	rate float64
}

// reviewPreferred unchokes the k fastest uploaders to us and chokes the
// rest. Peers that already have the whole file are left alone. Once we
// are complete ourselves every rate counts the same, so registration
// order decides.
func (c *choker) reviewPreferred() {
	s := c.s
	complete := s.inventory.IsComplete()

	var ranked []rankedSession
	for _, sess := range s.Sessions() {
		if sess.Closed() || sess.HasCompleteFile() {
			continue
		}

		r := rankedSession{sess: sess}
		if !complete {
			r.rate = sess.DownloadRate()
		}

		ranked = append(ranked, r)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].rate > ranked[j].rate
	})

	preferred := make([]string, 0, s.opts.PreferredNeighbors)

	for i, r := range ranked {
		choke := i >= s.opts.PreferredNeighbors
		if !choke {
			preferred = append(preferred, fmt.Sprint(r.sess.RemoteID()))
		}

		if err := r.sess.SetDataChoke(choke); err != nil {
			s.log.Debugf("choke update for Peer <%d> failed: %v", r.sess.RemoteID(), err)
		}
	}

	s.log.Infof("Peer <%d> has the preferred neighbors [%s].", s.localID, strings.Join(preferred, ", "))
}

// reviewOptimistic unchokes one random peer that is fully choked and
// still missing pieces. With RechokeOptimistic the previous pick is
// choked again. With no candidates the review does nothing.
func (c *choker) reviewOptimistic() {
	s := c.s

	var candidates []*Session
	for _, sess := range s.Sessions() {
		if !sess.Closed() && sess.IsChoked() && !sess.HasCompleteFile() {
			candidates = append(candidates, sess)
		}
	}

	if len(candidates) == 0 {
		return
	}

	pick := candidates[s.randIntn(len(candidates))]

	c.mu.Lock()
	prev := c.optimisticallyUnchoked
	c.optimisticallyUnchoked = pick
	c.mu.Unlock()

	if s.opts.RechokeOptimistic && prev != nil && prev != pick {
		if err := prev.SetRandomChoke(true); err != nil {
			s.log.Debugf("optimistic choke for Peer <%d> failed: %v", prev.RemoteID(), err)
		}
	}

	if err := pick.SetRandomChoke(false); err != nil {
		s.log.Debugf("optimistic unchoke for Peer <%d> failed: %v", pick.RemoteID(), err)
		return
	}

	s.log.Infof("Peer <%d> has the optimistically unchoked neighbor Peer <%d>.", s.localID, pick.RemoteID())
}

// optimistic returns the current optimistic pick.
func (c *choker) optimistic() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.optimisticallyUnchoked
}
