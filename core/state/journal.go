package state

import (
	"errors"
	"fmt"

	"lendpool/storage"
)

// Journal stages writes over a database. Reads see staged values first. Nothing
// reaches the database until Commit, which writes every staged key in one
// batch.
type Journal struct {
	db    storage.Database
	dirty map[string][]byte
	order []string
}

// NewJournal opens an empty journal over db.
func NewJournal(db storage.Database) *Journal {
	return &Journal{db: db, dirty: make(map[string][]byte)}
}

// Get returns the staged or committed value for key, or nil when absent.
func (j *Journal) Get(key []byte) ([]byte, error) {
	if value, ok := j.dirty[string(key)]; ok {
		return value, nil
	}
	value, err := j.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return value, err
}

// Put stages value under key.
func (j *Journal) Put(key []byte, value []byte) error {
	k := string(key)
	if _, ok := j.dirty[k]; !ok {
		j.order = append(j.order, k)
	}
	j.dirty[k] = append([]byte(nil), value...)
	return nil
}

// Len reports the number of staged keys.
func (j *Journal) Len() int { return len(j.order) }

// Commit writes all staged values atomically and resets the journal.
func (j *Journal) Commit() error {
	if len(j.order) == 0 {
		return nil
	}
	batch := j.db.NewBatch()
	for _, k := range j.order {
		batch.Put([]byte(k), j.dirty[k])
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("commit journal: %w", err)
	}
	j.Discard()
	return nil
}

// Discard drops every staged write.
func (j *Journal) Discard() {
	j.dirty = make(map[string][]byte)
	j.order = nil
}
