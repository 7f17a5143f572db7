package lending

import (
	"context"
	"math"
	"testing"

	"github.com/holiman/uint256"

	"lendpool/crypto"
	"lendpool/native/oracle"
)

const (
	testBaseAsset       uint64 = 1
	testShareAsset      uint64 = 2
	testUnderlyingAsset uint64 = 7
	testCollateralAsset uint64 = 10
	testVaultCollateral uint64 = 11
	testVaultApp        uint64 = 500
)

var (
	poolAddr   = crypto.DeriveAddress("pool")
	adminAddr  = crypto.DeriveAddress("admin")
	aliceAddr  = crypto.DeriveAddress("alice")
	bobAddr    = crypto.DeriveAddress("bob")
	oracleAddr = crypto.DeriveAddress("oracle")
)

func cumulative(price, seconds uint64) *uint256.Int {
	v := new(uint256.Int).Lsh(uint256.NewInt(price), 64)
	return v.Mul(v, uint256.NewInt(seconds))
}

// priceFeed is a single source quoting the underlying against the base
// asset. advance accrues a constant price over a window.
type priceFeed struct {
	acc *uint256.Int
	at  uint64
}

func (f *priceFeed) advance(price, seconds uint64) {
	f.acc = new(uint256.Int).Add(f.acc, cumulative(price, seconds))
	f.at += seconds
}

func (f *priceFeed) ReadSource(_ context.Context, _ crypto.Address, _ uint64) (oracle.Snapshot, error) {
	return oracle.Snapshot{
		Asset1ID:    testUnderlyingAsset,
		Asset2ID:    testBaseAsset,
		Cumulative1: new(uint256.Int).Set(f.acc),
		Cumulative2: cumulative(1, f.at),
		Timestamp:   f.at,
	}, nil
}

type memLedger map[uint64]map[crypto.Address]uint64

func (l memLedger) Balance(assetID uint64, holder crypto.Address) (uint64, error) {
	return l[assetID][holder], nil
}

func (l memLedger) credit(assetID uint64, holder crypto.Address, amount uint64) {
	if l[assetID] == nil {
		l[assetID] = make(map[crypto.Address]uint64)
	}
	l[assetID][holder] += amount
}

type memPositions map[crypto.Address]map[uint64]*Position

func (m memPositions) Position(borrower crypto.Address, collateralAssetID uint64) (*Position, error) {
	return m[borrower][collateralAssetID], nil
}

func (m memPositions) store(positions ...*Position) {
	for _, p := range positions {
		if m[p.Borrower] == nil {
			m[p.Borrower] = make(map[uint64]*Position)
		}
		m[p.Borrower][p.CollateralAssetID] = p.Clone()
	}
}

type harness struct {
	engine    *Engine
	feed      *priceFeed
	ledger    memLedger
	positions memPositions
	pool      *Pool
	vaultCirc uint64
	vaultTot  uint64
}

func kinkedParams() RateParams {
	return RateParams{
		BaseBps:     200,
		UtilCapBps:  9500,
		KinkNormBps: 8000,
		Slope1Bps:   400,
		Slope2Bps:   6000,
		MaxAprBps:   10_000,
		EMAAlphaBps: 10_000,
		Model:       RateModelKinked,
	}
}

// newHarness returns a pool whose collateral is valued at exactly its
// underlying amount (price == PricePrecision).
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		feed:      &priceFeed{acc: cumulative(PricePrecision, 1_000), at: 1_000},
		ledger:    memLedger{},
		positions: memPositions{},
		vaultCirc: 1,
		vaultTot:  1,
	}
	agg := oracle.NewAggregator(h.feed)
	h.engine = NewEngine(agg)
	h.ledger.credit(testShareAsset, poolAddr, math.MaxUint64/2)
	h.engine.SetLedger(h.ledger)
	h.engine.SetPositions(h.positions)
	h.engine.SetVaults(VaultsFunc(func(_ context.Context, appID uint64) (uint64, uint64, error) {
		return h.vaultCirc, h.vaultTot, nil
	}))
	h.pool = &Pool{
		Address:           poolAddr,
		AdminAccount:      adminAddr,
		BaseAssetID:       testBaseAsset,
		ShareAssetID:      testShareAsset,
		LTVBps:            2500,
		LiqThresholdBps:   8000,
		LiqBonusBps:       500,
		OriginationFeeBps: 1000,
		ProtocolShareBps:  1000,
		BorrowGateEnabled: true,
		Rate:              kinkedParams(),
		BorrowIndex:       IndexScale,
		Collateral: []AcceptedCollateral{
			{CollateralAssetID: testCollateralAsset, UnderlyingBaseAssetID: testUnderlyingAsset},
			{CollateralAssetID: testVaultCollateral, UnderlyingBaseAssetID: testUnderlyingAsset, VaultAppID: testVaultApp},
		},
	}
	src, err := agg.Baseline(context.Background(), oracleAddr, 1)
	if err != nil {
		t.Fatalf("baseline: %v", err)
	}
	h.pool.Sources = []oracle.Source{src}
	h.feed.advance(PricePrecision, 1_000)
	return h
}

// reprice re-baselines the pool's source so the next reads report price.
func (h *harness) reprice(t *testing.T, price uint64) {
	t.Helper()
	src, err := h.engine.prices.Baseline(context.Background(), oracleAddr, 1)
	if err != nil {
		t.Fatalf("baseline: %v", err)
	}
	h.pool = h.pool.Clone()
	h.pool.Sources = []oracle.Source{src}
	h.feed.advance(price, 100)
}

// apply commits a receipt the way a host would: it adopts the pool, stores
// positions and moves assets.
func (h *harness) apply(t *testing.T, r *Receipt) {
	t.Helper()
	h.pool = r.Pool
	h.positions.store(r.Positions...)
	for _, ins := range r.Instructions {
		if ins.From == ins.To {
			continue
		}
		if h.ledger[ins.AssetID][ins.From] < ins.Amount {
			t.Fatalf("instruction overdraws %s: %+v", ins.From, ins)
		}
		h.ledger[ins.AssetID][ins.From] -= ins.Amount
		h.ledger.credit(ins.AssetID, ins.To, ins.Amount)
	}
}

// send commits an inbound transfer to the pool and returns its record.
func (h *harness) send(assetID uint64, from crypto.Address, amount uint64) Transfer {
	h.ledger.credit(assetID, h.pool.Address, amount)
	return Transfer{AssetID: assetID, Sender: from, Receiver: h.pool.Address, Amount: amount}
}

func (h *harness) deposit(t *testing.T, from crypto.Address, amount uint64, now uint64) *Receipt {
	t.Helper()
	in := h.send(testBaseAsset, from, amount)
	r, err := h.engine.Deposit(h.pool, Call{Caller: from, Now: now}, amount, in)
	if err != nil {
		t.Fatalf("deposit %d: %v", amount, err)
	}
	h.apply(t, r)
	return r
}
