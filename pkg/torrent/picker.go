package torrent

import (
	"math/rand"
	"sync"
)

// PieceQueue holds the piece indices nobody has claimed yet. An index
// leaves the queue when a session claims it and does not come back on
// its own, so no two sessions can have the same piece in flight.
type PieceQueue struct {
	mu    sync.Mutex
	queue []int
}

// NewPieceQueue creates a queue holding indices in the given order.
func NewPieceQueue(indices []int) *PieceQueue {
	q := make([]int, len(indices))
	copy(q, indices)

	return &PieceQueue{queue: q}
}

// NewShuffledPieceQueue creates a queue holding indices in random order.
func NewShuffledPieceQueue(indices []int, rng *rand.Rand) *PieceQueue {
	q := make([]int, len(indices))
	copy(q, indices)
	rng.Shuffle(len(q), func(i, j int) { q[i], q[j] = q[j], q[i] })

	return &PieceQueue{queue: q}
}

// Claim walks the queue once from the head. Indices the peer does not
// offer go to the back; the first offered index is removed and
// returned. The walk is atomic with respect to other claims.
func (pq *PieceQueue) Claim(offers func(index int) bool) (int, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	for range len(pq.queue) {
		head := pq.queue[0]
		pq.queue = pq.queue[1:]

		if offers(head) {
			return head, true
		}

		pq.queue = append(pq.queue, head)
	}

	return -1, false
}

// Release puts a claimed index back at the tail. It is a no-op if the
// index is already queued.
func (pq *PieceQueue) Release(index int) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	for _, i := range pq.queue {
		if i == index {
			return
		}
	}

	pq.queue = append(pq.queue, index)
}

// Remove drops index from the queue if it is there.
func (pq *PieceQueue) Remove(index int) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	for i, v := range pq.queue {
		if v == index {
			pq.queue = append(pq.queue[:i], pq.queue[i+1:]...)
			return
		}
	}
}

// Contains reports whether index is waiting to be claimed.
func (pq *PieceQueue) Contains(index int) bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	for _, i := range pq.queue {
		if i == index {
			return true
		}
	}

	return false
}

// Len returns the number of unclaimed indices.
func (pq *PieceQueue) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	return len(pq.queue)
}

// Snapshot returns the queued indices in order.
func (pq *PieceQueue) Snapshot() []int {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	out := make([]int, len(pq.queue))
	copy(out, pq.queue)

	return out
}
