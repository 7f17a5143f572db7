package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"lendpool/crypto"
	"lendpool/native/fixedpoint"
)

var (
	ErrStaleOracle    = errors.New("oracle: stale price source")
	ErrNoPriceSources = errors.New("oracle: no price sources")
	ErrAssetNotQuoted = errors.New("oracle: source does not quote asset")
	ErrSourceIndex    = errors.New("oracle: source index out of range")
	ErrNilReader      = errors.New("oracle: reader not configured")
)

// cumulativeShift is the fixed-point scale of reported cumulative prices
// (Q64.64).
const cumulativeShift = 64

// Snapshot is the raw state read from an external price-reporting contract.
type Snapshot struct {
	Asset1ID    uint64
	Asset2ID    uint64
	Cumulative1 *uint256.Int
	Cumulative2 *uint256.Int
	Timestamp   uint64
}

// Reader performs the synchronous cross-contract read of a source's
// cumulative prices.
type Reader interface {
	ReadSource(ctx context.Context, address crypto.Address, contractID uint64) (Snapshot, error)
}

// ReaderFunc adapts ordinary functions to Reader.
type ReaderFunc func(ctx context.Context, address crypto.Address, contractID uint64) (Snapshot, error)

// ReadSource implements Reader.
func (f ReaderFunc) ReadSource(ctx context.Context, address crypto.Address, contractID uint64) (Snapshot, error) {
	return f(ctx, address, contractID)
}

// Source is a registered price feed together with the baseline captured when
// it was registered.
type Source struct {
	Address              crypto.Address
	ContractID           uint64
	Asset1ID             uint64
	Asset2ID             uint64
	LastCumulativeAsset1 *uint256.Int
	LastCumulativeAsset2 *uint256.Int
	LastTimestamp        uint64
}

// Clone returns a deep copy of the source.
func (s Source) Clone() Source {
	clone := s
	if s.LastCumulativeAsset1 != nil {
		clone.LastCumulativeAsset1 = new(uint256.Int).Set(s.LastCumulativeAsset1)
	}
	if s.LastCumulativeAsset2 != nil {
		clone.LastCumulativeAsset2 = new(uint256.Int).Set(s.LastCumulativeAsset2)
	}
	return clone
}

// Quotes reports whether the source tracks assetID on either side.
func (s Source) Quotes(assetID uint64) bool {
	return s.Asset1ID == assetID || s.Asset2ID == assetID
}

// Aggregator derives time-weighted prices from registered sources. Source
// lookups are linear in the number of registered sources.
type Aggregator struct {
	reader Reader
	maxAge uint64
	now    func() uint64
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithMaxAge rejects snapshots older than the given number of seconds.
func WithMaxAge(seconds uint64) Option {
	return func(a *Aggregator) {
		a.maxAge = seconds
	}
}

// WithClock overrides the unix-seconds clock used for age checks.
func WithClock(now func() uint64) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAggregator constructs an aggregator reading through r.
func NewAggregator(r Reader, opts ...Option) *Aggregator {
	agg := &Aggregator{
		reader: r,
		now:    func() uint64 { return uint64(time.Now().Unix()) },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(agg)
		}
	}
	return agg
}

// Baseline reads the live snapshot of a source and returns the record to
// append to the registry.
func (a *Aggregator) Baseline(ctx context.Context, address crypto.Address, contractID uint64) (Source, error) {
	snap, err := a.read(ctx, address, contractID)
	if err != nil {
		return Source{}, err
	}
	return Source{
		Address:              address,
		ContractID:           contractID,
		Asset1ID:             snap.Asset1ID,
		Asset2ID:             snap.Asset2ID,
		LastCumulativeAsset1: snap.Cumulative1,
		LastCumulativeAsset2: snap.Cumulative2,
		LastTimestamp:        snap.Timestamp,
	}, nil
}

// InstantaneousPrice derives the time-weighted average price of assetID from
// the source at index since its baseline:
//
//	((cumulative - lastCumulative) / (timestamp - lastTimestamp)) >> 64
//
// A zero or negative time delta is a hard ErrStaleOracle.
func (a *Aggregator) InstantaneousPrice(ctx context.Context, sources []Source, index int, assetID uint64) (uint64, error) {
	if index < 0 || index >= len(sources) {
		return 0, fmt.Errorf("%w: %d of %d", ErrSourceIndex, index, len(sources))
	}
	src := sources[index]
	if !src.Quotes(assetID) {
		return 0, fmt.Errorf("%w: source %d asset %d", ErrAssetNotQuoted, index, assetID)
	}
	snap, err := a.read(ctx, src.Address, src.ContractID)
	if err != nil {
		return 0, err
	}

	last, current := src.LastCumulativeAsset2, snap.Cumulative2
	if src.Asset1ID == assetID {
		last, current = src.LastCumulativeAsset1, snap.Cumulative1
	}
	if last == nil {
		last = new(uint256.Int)
	}
	if current == nil {
		current = new(uint256.Int)
	}

	if snap.Timestamp <= src.LastTimestamp {
		return 0, fmt.Errorf("%w: source %d has no elapsed time since baseline", ErrStaleOracle, index)
	}
	if current.Lt(last) {
		return 0, fmt.Errorf("%w: source %d cumulative price regressed", ErrStaleOracle, index)
	}
	if a.maxAge > 0 {
		now := a.now()
		if now > snap.Timestamp && now-snap.Timestamp > a.maxAge {
			return 0, fmt.Errorf("%w: source %d last reported %ds ago", ErrStaleOracle, index, now-snap.Timestamp)
		}
	}

	deltaPrice := new(uint256.Int).Sub(current, last)
	deltaTime := uint256.NewInt(snap.Timestamp - src.LastTimestamp)
	twap := new(uint256.Int).Div(deltaPrice, deltaTime)
	twap.Rsh(twap, cumulativeShift)
	price, err := fixedpoint.Narrow(twap)
	if err != nil {
		return 0, fmt.Errorf("source %d price: %w", index, err)
	}
	return price, nil
}

// AggregatedPrice averages InstantaneousPrice over every registered source
// quoting assetID, flooring the mean.
func (a *Aggregator) AggregatedPrice(ctx context.Context, sources []Source, assetID uint64) (uint64, error) {
	sum := new(uint256.Int)
	var count uint64
	for i := range sources {
		if !sources[i].Quotes(assetID) {
			continue
		}
		price, err := a.InstantaneousPrice(ctx, sources, i, assetID)
		if err != nil {
			return 0, err
		}
		sum.Add(sum, uint256.NewInt(price))
		count++
	}
	if count == 0 {
		return 0, fmt.Errorf("%w: asset %d", ErrNoPriceSources, assetID)
	}
	mean := new(uint256.Int).Div(sum, uint256.NewInt(count))
	return fixedpoint.Narrow(mean)
}

func (a *Aggregator) read(ctx context.Context, address crypto.Address, contractID uint64) (Snapshot, error) {
	if a == nil || a.reader == nil {
		return Snapshot{}, ErrNilReader
	}
	snap, err := a.reader.ReadSource(ctx, address, contractID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read source %s/%d: %w", address, contractID, err)
	}
	return snap, nil
}
