package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"lendpool/core/state"
	"lendpool/crypto"
	"lendpool/native/lending"
	"lendpool/native/oracle"
	"lendpool/storage"
)

var (
	poolAddr  = crypto.DeriveAddress("pool")
	adminAddr = crypto.DeriveAddress("admin")
	alice     = crypto.DeriveAddress("alice")
	bob       = crypto.DeriveAddress("bob")
)

const (
	baseAsset       uint64 = 1
	shareAsset      uint64 = 2
	underlyingAsset uint64 = 7
	collateralAsset uint64 = 10
)

type feed struct {
	mu sync.Mutex
	at uint64
}

func (f *feed) ReadSource(context.Context, crypto.Address, uint64) (oracle.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acc := new(uint256.Int).Lsh(uint256.NewInt(lending.PricePrecision), 64)
	acc.Mul(acc, uint256.NewInt(f.at))
	return oracle.Snapshot{
		Asset1ID:    underlyingAsset,
		Asset2ID:    baseAsset,
		Cumulative1: acc,
		Cumulative2: new(uint256.Int).Set(acc),
		Timestamp:   f.at,
	}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

// sink accepts events strictly in sequence order, like the event journal.
type sink struct {
	mu     sync.Mutex
	fail   bool
	events []Event
}

func (s *sink) Publish(ctx context.Context, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink unavailable")
	}
	if n := len(s.events); n > 0 && evt.Sequence != s.events[n-1].Sequence+1 {
		return errors.New("sink: sequence gap")
	}
	s.events = append(s.events, evt)
	return nil
}

func (s *sink) sequences() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.events))
	for i, evt := range s.events {
		out[i] = evt.Sequence
	}
	return out
}

type checkpoint uint64

func (c checkpoint) LastSequence(context.Context) (uint64, error) { return uint64(c), nil }

func newTestExecutor(t *testing.T, opts ...Option) (*Executor, *recorder, storage.Database) {
	t.Helper()
	src := &feed{at: 1_000}
	agg := oracle.NewAggregator(src)
	baseline, err := agg.Baseline(context.Background(), crypto.DeriveAddress("oracle"), 1)
	require.NoError(t, err)
	src.at = 2_000

	db := storage.NewMemDB()
	rec := &recorder{}
	exec := NewExecutor(db, agg, append([]Option{
		WithPublisher(rec),
		WithClock(func() time.Time { return time.Unix(5_000, 0) }),
	}, opts...)...)
	pool := &lending.Pool{
		Address:           poolAddr,
		AdminAccount:      adminAddr,
		BaseAssetID:       baseAsset,
		ShareAssetID:      shareAsset,
		LTVBps:            2_500,
		LiqThresholdBps:   8_000,
		LiqBonusBps:       500,
		OriginationFeeBps: 1_000,
		ProtocolShareBps:  1_000,
		BorrowGateEnabled: true,
		BorrowIndex:       lending.IndexScale,
		Rate: lending.RateParams{
			BaseBps: 200, UtilCapBps: 9_500, KinkNormBps: 8_000,
			Slope1Bps: 400, Slope2Bps: 6_000, MaxAprBps: 10_000, EMAAlphaBps: 10_000,
		},
		Sources:    []oracle.Source{baseline},
		Collateral: []lending.AcceptedCollateral{{CollateralAssetID: collateralAsset, UnderlyingBaseAssetID: underlyingAsset}},
	}
	created, err := exec.Init(pool, []Allocation{
		{AssetID: baseAsset, Holder: bob, Amount: 1_000_000},
		{AssetID: collateralAsset, Holder: alice, Amount: 2_000_000},
	})
	require.NoError(t, err)
	require.True(t, created)
	return exec, rec, db
}

func depositRequest(caller crypto.Address, amount uint64) Request {
	in := lending.Transfer{AssetID: baseAsset, Sender: caller, Receiver: poolAddr, Amount: amount}
	return Request{
		Operation: "deposit",
		Caller:    caller,
		Inbound:   []lending.Transfer{in},
		Run: func(_ context.Context, eng *lending.Engine, pool *lending.Pool, call lending.Call) (*lending.Receipt, error) {
			return eng.Deposit(pool, call, amount, in)
		},
	}
}

func borrowRequest(collateral, loan uint64) Request {
	in := lending.Transfer{AssetID: collateralAsset, Sender: alice, Receiver: poolAddr, Amount: collateral}
	req := lending.BorrowRequest{Borrower: alice, CollateralAssetID: collateralAsset, Collateral: in, LoanAmount: loan}
	return Request{
		Operation: "borrow",
		Caller:    alice,
		Inbound:   []lending.Transfer{in},
		Run: func(ctx context.Context, eng *lending.Engine, pool *lending.Pool, call lending.Call) (*lending.Receipt, error) {
			return eng.Borrow(ctx, pool, call, req)
		},
	}
}

func balance(t *testing.T, exec *Executor, asset uint64, holder crypto.Address) uint64 {
	t.Helper()
	var out uint64
	require.NoError(t, exec.Read(func(v View) error {
		var err error
		out, err = v.State.Balance(asset, holder)
		return err
	}))
	return out
}

func TestInitIsIdempotent(t *testing.T) {
	exec, _, _ := newTestExecutor(t)
	created, err := exec.Init(&lending.Pool{}, nil)
	require.NoError(t, err)
	require.False(t, created)
}

func TestExecuteCommitsDepositAndBorrow(t *testing.T) {
	exec, rec, _ := newTestExecutor(t)
	ctx := context.Background()

	r, err := exec.Execute(ctx, depositRequest(bob, 1_000_000))
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000), r.Shares)
	require.Equal(t, uint64(1_000_000), balance(t, exec, shareAsset, bob))
	require.Zero(t, balance(t, exec, baseAsset, bob))

	r, err = exec.Execute(ctx, borrowRequest(1_000_000, 200_000))
	require.NoError(t, err)
	require.Equal(t, uint64(180_000), r.Amount)
	require.Equal(t, uint64(180_000), balance(t, exec, baseAsset, alice))
	require.Equal(t, uint64(1_000_000), balance(t, exec, collateralAsset, alice))
	require.Equal(t, uint64(1_000_000), balance(t, exec, collateralAsset, poolAddr))

	require.NoError(t, exec.Read(func(v View) error {
		pos, err := v.State.Position(alice, collateralAsset)
		require.NoError(t, err)
		require.Equal(t, uint64(200_000), pos.ScaledDebt)
		require.Equal(t, uint64(200_000), v.Pool.TotalBorrows)
		return nil
	}))

	require.Len(t, rec.events, 2)
	require.Equal(t, uint64(1), rec.events[0].Sequence)
	require.Equal(t, uint64(2), rec.events[1].Sequence)
	require.Equal(t, "borrow", rec.events[1].Operation)
}

func TestExecuteFailureLeavesNoTrace(t *testing.T) {
	exec, rec, _ := newTestExecutor(t)
	ctx := context.Background()
	_, err := exec.Execute(ctx, depositRequest(bob, 1_000_000))
	require.NoError(t, err)

	_, err = exec.Execute(ctx, borrowRequest(1_000_000, 300_000))
	require.True(t, errors.Is(err, lending.ErrExceedsLTV))
	require.Equal(t, uint64(2_000_000), balance(t, exec, collateralAsset, alice), "inbound collateral must roll back")
	require.Zero(t, balance(t, exec, collateralAsset, poolAddr))
	require.Len(t, rec.events, 1)
}

func TestExecuteRejectsForeignAndUnfundedTransfers(t *testing.T) {
	exec, _, _ := newTestExecutor(t)
	ctx := context.Background()

	req := depositRequest(bob, 10)
	req.Caller = alice
	_, err := exec.Execute(ctx, req)
	require.True(t, errors.Is(err, ErrForeignTransfer))

	_, err = exec.Execute(ctx, depositRequest(alice, 10))
	require.True(t, errors.Is(err, state.ErrInsufficientBalance))
}

func TestExecuteRequiresPool(t *testing.T) {
	exec := NewExecutor(storage.NewMemDB(), oracle.NewAggregator(&feed{}))
	_, err := exec.Execute(context.Background(), depositRequest(bob, 1))
	require.True(t, errors.Is(err, ErrNoPool))
}

func TestPublishOutlivesCancelledRequest(t *testing.T) {
	out := &sink{}
	exec, _, _ := newTestExecutor(t, WithPublisher(out))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := exec.Execute(ctx, depositRequest(bob, 1_000))
	require.NoError(t, err)
	_, err = exec.Execute(context.Background(), depositRequest(bob, 2_000))
	require.NoError(t, err)

	require.Equal(t, []uint64{1, 2}, out.sequences())
	require.Zero(t, exec.Backlog())
}

func TestFailedPublishIsRetriedInOrder(t *testing.T) {
	out := &sink{fail: true}
	exec, _, _ := newTestExecutor(t, WithPublisher(out))

	_, err := exec.Execute(context.Background(), depositRequest(bob, 1_000))
	require.NoError(t, err)
	_, err = exec.Execute(context.Background(), depositRequest(bob, 1_000))
	require.NoError(t, err)
	require.Empty(t, out.sequences())
	require.Equal(t, 2, exec.Backlog())

	out.mu.Lock()
	out.fail = false
	out.mu.Unlock()
	_, err = exec.Execute(context.Background(), depositRequest(bob, 1_000))
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3}, out.sequences())
	require.Zero(t, exec.Backlog())
}

func TestInitChecksEventCheckpoint(t *testing.T) {
	_, err := NewExecutor(storage.NewMemDB(), nil, WithCheckpoint(checkpoint(4))).Init(nil, nil)
	require.ErrorIs(t, err, ErrSequenceMismatch)

	exec, _, db := newTestExecutor(t)
	_, err = exec.Execute(context.Background(), depositRequest(bob, 1_000))
	require.NoError(t, err)

	for _, last := range []uint64{0, 1} {
		created, err := NewExecutor(db, nil, WithCheckpoint(checkpoint(last))).Init(nil, nil)
		require.NoError(t, err)
		require.False(t, created)
	}
	_, err = NewExecutor(db, nil, WithCheckpoint(checkpoint(3))).Init(nil, nil)
	require.ErrorIs(t, err, ErrSequenceMismatch)
}
