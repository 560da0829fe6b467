package repository

import (
	"time"

	"github.com/google/uuid"
)

// PieceRecord is one piece received during a run.
type PieceRecord struct {
	Index int       `json:"index"`
	From  uint32    `json:"from"`
	Size  int       `json:"size"`
	At    time.Time `json:"at"`
}

// Run is the journal entry for one execution of a peer.
type Run struct {
	ID         uuid.UUID     `json:"id"`
	PeerID     uint32        `json:"peerId"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Complete   bool          `json:"complete"`
	Pieces     []PieceRecord `json:"pieces"`
}

// Bytes returns the total size of the pieces received in the run.
func (r *Run) Bytes() int64 {
	var n int64
	for _, p := range r.Pieces {
		n += int64(p.Size)
	}

	return n
}

// Journal stores runs.
type Journal interface {
	StartRun(peerID uint32) (uuid.UUID, error)
	RecordPiece(runID uuid.UUID, rec PieceRecord) error
	FinishRun(runID uuid.UUID, complete bool) error
	Find(id uuid.UUID) (*Run, error)
	FindAll() ([]*Run, error)
	Delete(id uuid.UUID) error
	Close() error
}
