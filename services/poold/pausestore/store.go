// Package pausestore keeps operator pause switches in a BoltDB file so a
// paused pool stays paused across daemon restarts.
package pausestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	nativecommon "lendpool/native/common"
)

var bucketPauses = []byte("pauses")

// ErrEmptyModule is returned when a switch is written without a module name.
var ErrEmptyModule = errors.New("pausestore: module name is required")

// Store persists pause switches keyed by canonical module name.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// Record is the stored form of one switch.
type Record struct {
	Module    string    `json:"module"`
	Paused    bool      `json:"paused"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Open opens (and migrates) the store at path.
func Open(path string, options *bolt.Options) (*Store, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("pausestore: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPauses)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying Bolt database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetPaused records the switch for module.
func (s *Store) SetPaused(module string, paused bool) error {
	module = nativecommon.CanonicalModule(module)
	if module == "" {
		return ErrEmptyModule
	}
	payload, err := json.Marshal(Record{Module: module, Paused: paused, UpdatedAt: s.now().UTC()})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPauses).Put([]byte(module), payload)
	})
}

// Paused returns the modules whose switch is on, in name order.
func (s *Store) Paused() ([]string, error) {
	records, err := s.Records()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.Paused {
			out = append(out, rec.Module)
		}
	}
	return out, nil
}

// Records returns every stored switch, including resumed ones.
func (s *Store) Records() ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPauses).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("pausestore: decode %q: %w", k, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Module < out[j].Module })
	return out, nil
}
