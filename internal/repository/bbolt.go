package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"go.etcd.io/bbolt"
)

const (
	runsBucket     = "runs"
	metadataBucket = "metadata"
	schemaVersion  = 1
)

var (
	// ErrRunNotFound is returned when a run cannot be found
	ErrRunNotFound = errors.New("run not found")
	// ErrRunFinished is returned when recording into a closed run
	ErrRunFinished = errors.New("run already finished")
)

// BboltJournal implements Journal on a bbolt file.
type BboltJournal struct {
	db *bbolt.DB
}

var _ Journal = (*BboltJournal)(nil)

// NewBboltJournal opens or creates the journal at dbPath.
func NewBboltJournal(dbPath string) (*BboltJournal, error) {
	options := &bbolt.Options{
		Timeout: 1 * time.Second,
	}

	db, err := bbolt.Open(dbPath, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	j := &BboltJournal{
		db: db,
	}

	if err := j.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return j, nil
}

// initialize sets up buckets and schema
func (j *BboltJournal) initialize() error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(runsBucket))
		if err != nil {
			return fmt.Errorf("failed to create runs bucket: %w", err)
		}

		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}

		versionBytes := []byte(fmt.Sprintf("%d", schemaVersion))
		if err := meta.Put([]byte("schema_version"), versionBytes); err != nil {
			return fmt.Errorf("failed to store schema version: %w", err)
		}

		return nil
	})
}

// StartRun stores a new run for peerID and returns its id.
func (j *BboltJournal) StartRun(peerID uint32) (uuid.UUID, error) {
	run := &Run{
		ID:        uuid.New(),
		PeerID:    peerID,
		StartedAt: time.Now(),
	}

	err := j.db.Update(func(tx *bbolt.Tx) error {
		return putRun(tx, run)
	})
	if err != nil {
		return uuid.Nil, err
	}

	return run.ID, nil
}

// RecordPiece appends rec to an open run.
func (j *BboltJournal) RecordPiece(runID uuid.UUID, rec PieceRecord) error {
	return j.update(runID, func(run *Run) error {
		if !run.FinishedAt.IsZero() {
			return ErrRunFinished
		}

		run.Pieces = append(run.Pieces, rec)

		return nil
	})
}

// FinishRun closes a run.
func (j *BboltJournal) FinishRun(runID uuid.UUID, complete bool) error {
	return j.update(runID, func(run *Run) error {
		run.FinishedAt = time.Now()
		run.Complete = complete

		return nil
	})
}

func (j *BboltJournal) update(runID uuid.UUID, fn func(*Run) error) error {
	if runID == uuid.Nil {
		return errors.New("run ID cannot be empty")
	}

	return j.db.Update(func(tx *bbolt.Tx) error {
		run, err := getRun(tx, runID)
		if err != nil {
			return err
		}

		if err := fn(run); err != nil {
			return err
		}

		return putRun(tx, run)
	})
}

func putRun(tx *bbolt.Tx, run *Run) error {
	bucket := tx.Bucket([]byte(runsBucket))
	if bucket == nil {
		return fmt.Errorf("bucket not found: %s", runsBucket)
	}

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	if err := bucket.Put([]byte(run.ID.String()), data); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	return nil
}

func getRun(tx *bbolt.Tx, id uuid.UUID) (*Run, error) {
	bucket := tx.Bucket([]byte(runsBucket))
	if bucket == nil {
		return nil, fmt.Errorf("bucket not found: %s", runsBucket)
	}

	data := bucket.Get([]byte(id.String()))
	if data == nil {
		return nil, ErrRunNotFound
	}

	run := &Run{}
	if err := json.Unmarshal(data, run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}

	return run, nil
}

// Find retrieves a run by ID
func (j *BboltJournal) Find(id uuid.UUID) (*Run, error) {
	if id == uuid.Nil {
		return nil, errors.New("run ID cannot be empty")
	}

	var run *Run

	err := j.db.View(func(tx *bbolt.Tx) error {
		var err error
		run, err = getRun(tx, id)

		return err
	})
	if err != nil {
		return nil, err
	}

	return run, nil
}

// FindAll retrieves all runs
func (j *BboltJournal) FindAll() ([]*Run, error) {
	var runs []*Run

	err := j.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(runsBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", runsBucket)
		}

		return bucket.ForEach(func(k, v []byte) error {
			run := &Run{}

			if err := json.Unmarshal(v, run); err != nil {
				return fmt.Errorf("failed to unmarshal run: %w", err)
			}

			runs = append(runs, run)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return runs, nil
}

// Delete removes a run
func (j *BboltJournal) Delete(id uuid.UUID) error {
	if id == uuid.Nil {
		return errors.New("run ID cannot be empty")
	}

	return j.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(runsBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", runsBucket)
		}

		if bucket.Get([]byte(id.String())) == nil {
			return ErrRunNotFound
		}

		return bucket.Delete([]byte(id.String()))
	})
}

// Close closes the database
func (j *BboltJournal) Close() error {
	return j.db.Close()
}
