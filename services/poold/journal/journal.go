package journal

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"lendpool/core"
	"lendpool/crypto"
	"lendpool/native/lending"
)

const maxPage = 500

var (
	// ErrDigestMismatch reports a journal row whose digest does not match its
	// contents or its predecessor.
	ErrDigestMismatch = errors.New("journal: digest mismatch")
	// ErrOutOfOrder reports an event whose sequence does not follow the last
	// journaled one.
	ErrOutOfOrder = errors.New("journal: event out of order")
)

// Record is one committed pool operation. Digest chains each row to its
// predecessor so edits to stored rows are detectable.
type Record struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence     uint64    `gorm:"uniqueIndex;not null"`
	Operation    string    `gorm:"size:32;index"`
	Caller       string    `gorm:"size:96;index"`
	Nonce        uint64
	Shares       string    `gorm:"size:20"`
	Amount       string    `gorm:"size:20"`
	Fee          string    `gorm:"size:20"`
	Repaid       string    `gorm:"size:20"`
	Seized       string    `gorm:"size:20"`
	Instructions string    `gorm:"type:text"`
	PrevDigest   string    `gorm:"size:64"`
	Digest       string    `gorm:"size:64;not null"`
	CommittedAt  time.Time `gorm:"index"`
	CreatedAt    time.Time
}

// TableName pins the table name independent of gorm's pluralisation.
func (Record) TableName() string { return "pool_events" }

// Journal persists committed events through gorm.
type Journal struct {
	db *gorm.DB
}

var _ core.Publisher = (*Journal)(nil)

// Open connects to the configured driver ("sqlite" or "postgres") and
// migrates the schema.
func Open(driver, dsn string) (*Journal, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", driver, err)
	}
	return New(db)
}

// New wraps an existing gorm handle and migrates the schema.
func New(db *gorm.DB) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal: nil database")
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Publish appends evt. Events must arrive in sequence order; a replayed
// sequence that is already journaled is ignored.
func (j *Journal) Publish(ctx context.Context, evt core.Event) error {
	return j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last Record
		err := tx.Order("sequence desc").Limit(1).Find(&last).Error
		if err != nil {
			return err
		}
		if last.Digest != "" && evt.Sequence <= last.Sequence {
			return nil
		}
		if last.Digest != "" && evt.Sequence != last.Sequence+1 {
			return fmt.Errorf("%w: have %d, got %d", ErrOutOfOrder, last.Sequence, evt.Sequence)
		}
		rec, err := newRecord(evt, last.Digest)
		if err != nil {
			return err
		}
		return tx.Create(&rec).Error
	})
}

// LastSequence returns the highest journaled sequence, or zero when the
// journal is empty.
func (j *Journal) LastSequence(ctx context.Context) (uint64, error) {
	var last Record
	if err := j.db.WithContext(ctx).Order("sequence desc").Limit(1).Find(&last).Error; err != nil {
		return 0, fmt.Errorf("journal: last sequence: %w", err)
	}
	return last.Sequence, nil
}

func newRecord(evt core.Event, prev string) (Record, error) {
	instructions, err := json.Marshal(evt.Instructions)
	if err != nil {
		return Record{}, fmt.Errorf("journal: encode instructions: %w", err)
	}
	rec := Record{
		ID:           uuid.New(),
		Sequence:     evt.Sequence,
		Operation:    evt.Operation,
		Caller:       evt.Caller.String(),
		Nonce:        evt.Nonce,
		Shares:       strconv.FormatUint(evt.Shares, 10),
		Amount:       strconv.FormatUint(evt.Amount, 10),
		Fee:          strconv.FormatUint(evt.Fee, 10),
		Repaid:       strconv.FormatUint(evt.Repaid, 10),
		Seized:       strconv.FormatUint(evt.Seized, 10),
		Instructions: string(instructions),
		PrevDigest:   prev,
		CommittedAt:  evt.CommittedAt.UTC(),
	}
	rec.Digest = rec.digest()
	return rec, nil
}

func (r Record) digest() string {
	h := blake3.New(32, nil)
	var num [8]byte
	writeUint := func(v uint64) {
		binary.BigEndian.PutUint64(num[:], v)
		_, _ = h.Write(num[:])
	}
	writeString := func(s string) {
		writeUint(uint64(len(s)))
		_, _ = h.Write([]byte(s))
	}
	writeString(r.PrevDigest)
	writeUint(r.Sequence)
	writeString(r.Operation)
	writeString(r.Caller)
	writeUint(r.Nonce)
	for _, v := range []string{r.Shares, r.Amount, r.Fee, r.Repaid, r.Seized} {
		writeString(v)
	}
	writeString(r.Instructions)
	writeUint(uint64(r.CommittedAt.Unix()))
	return hex.EncodeToString(h.Sum(nil))
}

// Event decodes the row back into a core event.
func (r Record) Event() (core.Event, error) {
	caller, err := crypto.DecodeAddress(r.Caller)
	if err != nil {
		return core.Event{}, fmt.Errorf("journal: caller: %w", err)
	}
	var amounts [5]uint64
	for i, raw := range []string{r.Shares, r.Amount, r.Fee, r.Repaid, r.Seized} {
		if amounts[i], err = strconv.ParseUint(raw, 10, 64); err != nil {
			return core.Event{}, fmt.Errorf("journal: sequence %d: %w", r.Sequence, err)
		}
	}
	var instructions []lending.Instruction
	if err := json.Unmarshal([]byte(r.Instructions), &instructions); err != nil {
		return core.Event{}, fmt.Errorf("journal: instructions: %w", err)
	}
	return core.Event{
		Sequence:     r.Sequence,
		Operation:    r.Operation,
		Caller:       caller,
		Nonce:        r.Nonce,
		Shares:       amounts[0],
		Amount:       amounts[1],
		Fee:          amounts[2],
		Repaid:       amounts[3],
		Seized:       amounts[4],
		Instructions: instructions,
		CommittedAt:  r.CommittedAt,
	}, nil
}

// Query filters List results.
type Query struct {
	After     uint64
	Operation string
	Caller    string
	Limit     int
}

// List returns journaled records in sequence order.
func (j *Journal) List(ctx context.Context, q Query) ([]Record, error) {
	limit := q.Limit
	if limit <= 0 || limit > maxPage {
		limit = maxPage
	}
	tx := j.db.WithContext(ctx).Where("sequence > ?", q.After)
	if q.Operation != "" {
		tx = tx.Where("operation = ?", q.Operation)
	}
	if q.Caller != "" {
		tx = tx.Where("caller = ?", q.Caller)
	}
	var out []Record
	if err := tx.Order("sequence asc").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Since returns up to limit events after the given sequence.
func (j *Journal) Since(ctx context.Context, after uint64, limit int) ([]core.Event, error) {
	records, err := j.List(ctx, Query{After: after, Limit: limit})
	if err != nil {
		return nil, err
	}
	events := make([]core.Event, 0, len(records))
	for _, rec := range records {
		evt, err := rec.Event()
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, nil
}

// Verify walks the whole journal and checks the digest chain. It returns the
// number of rows checked.
func (j *Journal) Verify(ctx context.Context) (int, error) {
	var (
		checked int
		prev    string
		after   uint64
	)
	for {
		page, err := j.List(ctx, Query{After: after, Limit: maxPage})
		if err != nil {
			return checked, err
		}
		if len(page) == 0 {
			return checked, nil
		}
		for _, rec := range page {
			if rec.PrevDigest != prev || rec.digest() != rec.Digest {
				return checked, fmt.Errorf("%w at sequence %d", ErrDigestMismatch, rec.Sequence)
			}
			prev = rec.Digest
			after = rec.Sequence
			checked++
		}
	}
}
