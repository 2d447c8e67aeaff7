package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/knobd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketTunerState = []byte("tuner_state")
	bucketDecisions  = []byte("decisions")

	keyCurrent = []byte("current")
)

// BoltStore persists the tuner state and its decision history in BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "knobd.db")

	// A running serve holds the file lock; other processes give up quickly.
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTunerState, bucketDecisions} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *BoltStore) Path() string {
	return s.db.Path()
}

// SaveTunerState replaces the persisted tuner state
func (s *BoltStore) SaveTunerState(state *types.TunerState) error {
	if err := types.Validate(state); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTunerState)
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put(keyCurrent, data)
	})
}

// LoadTunerState returns the persisted tuner state, or nil when none was saved
func (s *BoltStore) LoadTunerState() (*types.TunerState, error) {
	var state *types.TunerState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTunerState)
		data := b.Get(keyCurrent)
		if data == nil {
			return nil
		}
		var st types.TunerState
		if err := json.Unmarshal(data, &st); err != nil {
			return fmt.Errorf("malformed tuner state: %w", err)
		}
		state = &st
		return nil
	})
	if err != nil {
		return nil, err
	}
	if state != nil {
		if err := types.Validate(state); err != nil {
			return nil, fmt.Errorf("malformed tuner state: %w", err)
		}
	}
	return state, nil
}

// AppendDecision adds a record to the decision history
func (s *BoltStore) AppendDecision(rec *types.DecisionRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDecisions)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(seq), data)
	})
}

// ListDecisions returns up to limit of the most recent decisions, oldest
// first. A limit <= 0 returns the whole history.
func (s *BoltStore) ListDecisions(limit int) ([]*types.DecisionRecord, error) {
	var decisions []*types.DecisionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDecisions).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(decisions) == limit {
				break
			}
			var rec types.DecisionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			decisions = append(decisions, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(decisions)-1; i < j; i, j = i+1, j-1 {
		decisions[i], decisions[j] = decisions[j], decisions[i]
	}
	return decisions, nil
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
