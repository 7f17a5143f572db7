package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lendpool/core/state"
	"lendpool/crypto"
	nativecommon "lendpool/native/common"
	"lendpool/native/lending"
	"lendpool/native/oracle"
	"lendpool/observability"
	"lendpool/storage"
)

var (
	ErrNoPool          = errors.New("executor: pool not initialised")
	ErrForeignTransfer = errors.New("executor: inbound transfer not sent by caller")
	ErrNilRun          = errors.New("executor: request has no operation")
	// ErrSequenceMismatch reports committed state that disagrees with the
	// event checkpoint it is paired with.
	ErrSequenceMismatch = errors.New("executor: sequence does not match event checkpoint")
)

const (
	publishTimeout = 5 * time.Second
	maxPending     = 10_000
)

// Checkpointer reports the last event sequence a durable sink has recorded.
type Checkpointer interface {
	LastSequence(ctx context.Context) (uint64, error)
}

// RunFunc evaluates one operation against the committed pool.
type RunFunc func(ctx context.Context, engine *lending.Engine, pool *lending.Pool, call lending.Call) (*lending.Receipt, error)

// Request is one atomic call. Inbound transfers are committed first, in the
// same journal as the operation's effects.
type Request struct {
	Operation string
	Caller    crypto.Address
	Inbound   []lending.Transfer
	Run       RunFunc
}

// Allocation seeds a balance at genesis.
type Allocation struct {
	AssetID uint64
	Holder  crypto.Address
	Amount  uint64
}

// Executor runs pool operations one at a time. Each call's state writes and
// transfers are staged in a journal and committed in a single batch, or
// discarded entirely on error.
type Executor struct {
	mu        sync.RWMutex
	db        storage.Database
	prices    *oracle.Aggregator
	vaults    lending.Vaults
	authority lending.Authority
	pauses    nativecommon.PauseView
	clock     func() time.Time
	logger    *slog.Logger
	metrics   *observability.PoolMetricsRegistry
	tracer    trace.Tracer
	publisher Publisher
	checkpt   Checkpointer
	pending   []Event
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithVaults wires the external vault reader.
func WithVaults(v lending.Vaults) Option {
	return func(e *Executor) { e.vaults = v }
}

// WithAuthority replaces the admin check.
func WithAuthority(a lending.Authority) Option {
	return func(e *Executor) { e.authority = a }
}

// WithPauses wires the module pause switchboard.
func WithPauses(p nativecommon.PauseView) Option {
	return func(e *Executor) { e.pauses = p }
}

// WithClock overrides the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(e *Executor) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithPublisher registers the sink for committed events.
func WithPublisher(p Publisher) Option {
	return func(e *Executor) { e.publisher = p }
}

// WithCheckpoint pairs committed state with a durable event sink. Init
// refuses to start when their sequences disagree.
func WithCheckpoint(c Checkpointer) Option {
	return func(e *Executor) { e.checkpt = c }
}

// NewExecutor creates an executor over db pricing collateral with prices.
func NewExecutor(db storage.Database, prices *oracle.Aggregator, opts ...Option) *Executor {
	e := &Executor{
		db:      db,
		prices:  prices,
		clock:   time.Now,
		logger:  slog.Default(),
		metrics: observability.PoolMetrics(),
		tracer:  otel.Tracer("lendpool/core"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func (e *Executor) engine(mgr *state.Manager) *lending.Engine {
	engine := lending.NewEngine(e.prices)
	engine.SetLedger(mgr)
	engine.SetPositions(mgr)
	engine.SetVaults(e.vaults)
	engine.SetPauses(e.pauses)
	engine.SetAuthority(e.authority)
	return engine
}

// Init writes the genesis pool and allocations unless a pool already exists.
// The pool is opted in to its own assets and holds the full share supply.
func (e *Executor) Init(pool *lending.Pool, allocations []Allocation) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	journal := state.NewJournal(e.db)
	mgr := state.NewManager(journal)
	existing, err := mgr.Pool()
	if err != nil {
		return false, err
	}
	if err := e.checkSequence(mgr); err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}
	if pool == nil {
		return false, ErrNoPool
	}
	assets := []uint64{pool.BaseAssetID, pool.ShareAssetID}
	for _, c := range pool.Collateral {
		assets = append(assets, c.CollateralAssetID)
	}
	for _, asset := range assets {
		if err := mgr.OptIn(asset, pool.Address); err != nil {
			return false, err
		}
	}
	if err := mgr.SetBalance(pool.ShareAssetID, pool.Address, math.MaxUint64); err != nil {
		return false, err
	}
	for _, alloc := range allocations {
		if alloc.AssetID == pool.ShareAssetID && alloc.Holder == pool.Address {
			continue
		}
		bal, err := mgr.Balance(alloc.AssetID, alloc.Holder)
		if err != nil {
			return false, err
		}
		if err := mgr.SetBalance(alloc.AssetID, alloc.Holder, bal+alloc.Amount); err != nil {
			return false, err
		}
	}
	if err := mgr.PutPool(pool); err != nil {
		return false, err
	}
	if err := journal.Commit(); err != nil {
		return false, err
	}
	e.metrics.SetPool(snapshot(pool))
	return true, nil
}

// Execute runs req atomically and returns its receipt.
func (e *Executor) Execute(ctx context.Context, req Request) (*lending.Receipt, error) {
	start := e.clock()
	ctx, span := e.tracer.Start(ctx, "pool."+req.Operation,
		trace.WithAttributes(attribute.String("caller", req.Caller.String())))
	defer span.End()

	receipt, evt, err := e.execute(ctx, req)
	if err != nil {
		kind := lending.Kind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		e.metrics.Observe(req.Operation, e.clock().Sub(start), kind)
		e.logger.Warn("pool operation rejected",
			slog.String("operation", req.Operation),
			slog.String("caller", req.Caller.String()),
			slog.String("kind", kind),
			slog.Any("error", err))
		return nil, err
	}
	span.SetAttributes(attribute.Int64("sequence", int64(evt.Sequence)))
	span.SetStatus(codes.Ok, "committed")
	e.metrics.Observe(req.Operation, e.clock().Sub(start), "")
	e.metrics.SetPool(snapshot(receipt.Pool))
	for _, ins := range receipt.Instructions {
		observability.Events().RecordTransfer(ins.AssetID)
	}
	e.logger.Info("pool operation committed",
		slog.String("operation", req.Operation),
		slog.String("caller", req.Caller.String()),
		slog.Uint64("sequence", evt.Sequence),
		slog.Uint64("nonce", evt.Nonce))
	return receipt, nil
}

// checkSequence compares the committed sequence with the checkpoint. An
// empty sink is accepted so a journal can be attached to an existing pool.
func (e *Executor) checkSequence(mgr *state.Manager) error {
	if e.checkpt == nil {
		return nil
	}
	seq, err := mgr.Sequence()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	last, err := e.checkpt.LastSequence(ctx)
	if err != nil {
		return fmt.Errorf("read event checkpoint: %w", err)
	}
	if last != 0 && last != seq {
		return fmt.Errorf("%w: state at %d, events at %d", ErrSequenceMismatch, seq, last)
	}
	return nil
}

// publish queues evt and drains the queue oldest first. A failed event stays
// at the head and is retried after the next commit, so a sink never sees a
// gap. Callers hold e.mu so events arrive in sequence order. The request
// context only contributes its values; delivery outlives cancellation.
func (e *Executor) publish(ctx context.Context, evt Event) {
	if e.publisher == nil {
		return
	}
	if len(e.pending) >= maxPending {
		dropped := e.pending[0]
		e.pending = e.pending[1:]
		e.logger.Error("event backlog full, dropping oldest event",
			slog.Uint64("sequence", dropped.Sequence),
			slog.Int("backlog", len(e.pending)))
	}
	e.pending = append(e.pending, evt)

	base := context.WithoutCancel(ctx)
	for len(e.pending) > 0 {
		next := e.pending[0]
		pctx, cancel := context.WithTimeout(base, publishTimeout)
		err := e.publisher.Publish(pctx, next)
		cancel()
		if err != nil {
			e.logger.Error("publish pool event",
				slog.Uint64("sequence", next.Sequence),
				slog.Int("backlog", len(e.pending)),
				slog.Any("error", err))
			return
		}
		e.pending[0] = Event{}
		e.pending = e.pending[1:]
		observability.Events().RecordEvent(next.Operation)
	}
	e.pending = nil
}

// Backlog reports how many committed events still await delivery.
func (e *Executor) Backlog() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.pending)
}

func (e *Executor) execute(ctx context.Context, req Request) (*lending.Receipt, Event, error) {
	if req.Run == nil {
		return nil, Event{}, ErrNilRun
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	journal := state.NewJournal(e.db)
	defer journal.Discard()
	mgr := state.NewManager(journal)

	pool, err := mgr.Pool()
	if err != nil {
		return nil, Event{}, err
	}
	if pool == nil {
		return nil, Event{}, ErrNoPool
	}
	for _, in := range req.Inbound {
		if in.Sender != req.Caller {
			return nil, Event{}, ErrForeignTransfer
		}
		if in.Receiver == pool.Address {
			opted, err := mgr.OptedIn(in.AssetID, pool.Address)
			if err != nil {
				return nil, Event{}, err
			}
			if !opted {
				return nil, Event{}, fmt.Errorf("%w: asset %d", state.ErrNotOptedIn, in.AssetID)
			}
		}
		if err := mgr.Transfer(in.AssetID, in.Sender, in.Receiver, in.Amount); err != nil {
			return nil, Event{}, fmt.Errorf("inbound transfer: %w", err)
		}
	}

	now := e.clock()
	receipt, err := req.Run(ctx, e.engine(mgr), pool, lending.Call{Caller: req.Caller, Now: uint64(now.Unix())})
	if err != nil {
		return nil, Event{}, err
	}
	if err := mgr.PutPool(receipt.Pool); err != nil {
		return nil, Event{}, err
	}
	for _, pos := range receipt.Positions {
		if err := mgr.PutPosition(pos); err != nil {
			return nil, Event{}, err
		}
	}
	for _, ins := range receipt.Instructions {
		if err := mgr.Transfer(ins.AssetID, ins.From, ins.To, ins.Amount); err != nil {
			return nil, Event{}, fmt.Errorf("apply transfer: %w", err)
		}
	}
	seq, err := mgr.Sequence()
	if err != nil {
		return nil, Event{}, err
	}
	seq++
	if err := mgr.SetSequence(seq); err != nil {
		return nil, Event{}, err
	}
	if err := journal.Commit(); err != nil {
		return nil, Event{}, err
	}
	evt := Event{
		Sequence:     seq,
		Operation:    req.Operation,
		Caller:       req.Caller,
		Nonce:        receipt.Pool.ParamsUpdateNonce,
		Shares:       receipt.Shares,
		Amount:       receipt.Amount,
		Fee:          receipt.Fee,
		Repaid:       receipt.Repaid,
		Seized:       receipt.Seized,
		Instructions: receipt.Instructions,
		CommittedAt:  now,
	}
	e.publish(ctx, evt)
	return receipt, evt, nil
}

// View is a consistent read-only snapshot of committed state.
type View struct {
	Pool   *lending.Pool
	Engine *lending.Engine
	State  *state.Manager
	Now    uint64
}

// Read runs fn against committed state. Writes made through the view are
// discarded.
func (e *Executor) Read(fn func(View) error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	mgr := state.NewManager(state.NewJournal(e.db))
	pool, err := mgr.Pool()
	if err != nil {
		return err
	}
	if pool == nil {
		return ErrNoPool
	}
	return fn(View{Pool: pool, Engine: e.engine(mgr), State: mgr, Now: uint64(e.clock().Unix())})
}

func snapshot(p *lending.Pool) observability.PoolSnapshot {
	util, _ := p.Utilization()
	return observability.PoolSnapshot{
		Nonce:             p.ParamsUpdateNonce,
		AppliedRateBps:    p.AppliedRateBps,
		UtilizationBps:    util,
		TotalDeposits:     p.TotalDeposits,
		CirculatingShares: p.CirculatingShares,
		TotalBorrows:      p.TotalBorrows,
		ProtocolReserves:  p.ProtocolReserves,
	}
}
