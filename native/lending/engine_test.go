package lending

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	nativecommon "lendpool/native/common"
	"lendpool/native/fixedpoint"
	"lendpool/native/oracle"
)

func (h *harness) borrow(t *testing.T, collateralAssetID, collateral, loan uint64) (*Receipt, error) {
	t.Helper()
	in := Transfer{AssetID: collateralAssetID, Sender: aliceAddr, Receiver: h.pool.Address, Amount: collateral}
	req := BorrowRequest{Borrower: aliceAddr, CollateralAssetID: collateralAssetID, Collateral: in, LoanAmount: loan}
	r, err := h.engine.Borrow(context.Background(), h.pool, Call{Caller: aliceAddr, Now: 1_000}, req)
	if err != nil {
		return nil, err
	}
	h.ledger.credit(collateralAssetID, h.pool.Address, collateral)
	h.apply(t, r)
	return r, nil
}

func fundedHarness(t *testing.T) *harness {
	h := newHarness(t)
	h.deposit(t, bobAddr, 1_000_000, 1_000)
	return h
}

func TestBorrowScenario(t *testing.T) {
	h := fundedHarness(t)
	if _, err := h.borrow(t, testCollateralAsset, 1_000_000, 300_000); !errors.Is(err, ErrExceedsLTV) {
		t.Fatalf("expected ErrExceedsLTV, got %v", err)
	}
	r, err := h.borrow(t, testCollateralAsset, 1_000_000, 200_000)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if r.CollateralValue != 1_000_000 || r.MaxBorrow != 250_000 {
		t.Fatalf("valuation %d max %d", r.CollateralValue, r.MaxBorrow)
	}
	if r.Fee != 20_000 || r.Amount != 180_000 {
		t.Fatalf("fee %d disbursement %d", r.Fee, r.Amount)
	}
	if len(r.Instructions) != 1 || r.Instructions[0].To != aliceAddr || r.Instructions[0].Amount != 180_000 {
		t.Fatalf("unexpected instructions %+v", r.Instructions)
	}
	if got := h.ledger[testBaseAsset][aliceAddr]; got != 180_000 {
		t.Fatalf("alice received %d", got)
	}
	if h.pool.TotalBorrows != 200_000 || h.pool.ProtocolReserves != 2_000 || h.pool.TotalDeposits != 1_018_000 {
		t.Fatalf("pool totals borrows=%d reserves=%d deposits=%d", h.pool.TotalBorrows, h.pool.ProtocolReserves, h.pool.TotalDeposits)
	}
	pos := h.positions[aliceAddr][testCollateralAsset]
	if pos == nil || pos.CollateralAmount != 1_000_000 || pos.ScaledDebt != 200_000 {
		t.Fatalf("unexpected position %+v", pos)
	}
	if h.pool.AppliedRateBps != 298 {
		t.Fatalf("applied rate %d, want 298", h.pool.AppliedRateBps)
	}
}

func TestBorrowGateClosed(t *testing.T) {
	h := fundedHarness(t)
	h.pool.BorrowGateEnabled = false
	if _, err := h.borrow(t, testCollateralAsset, 1_000_000, 1_000); !errors.Is(err, ErrBorrowGateClosed) {
		t.Fatalf("expected ErrBorrowGateClosed, got %v", err)
	}
	if _, err := h.engine.Borrow(context.Background(), h.pool, Call{}, BorrowRequest{}); !errors.Is(err, ErrBorrowGateClosed) {
		t.Fatalf("expected gate check before validation, got %v", err)
	}
}

func TestBorrowValidatesTransfer(t *testing.T) {
	h := fundedHarness(t)
	in := Transfer{AssetID: testCollateralAsset, Sender: aliceAddr, Receiver: bobAddr, Amount: 1_000}
	req := BorrowRequest{Borrower: aliceAddr, CollateralAssetID: testCollateralAsset, Collateral: in, LoanAmount: 100}
	if _, err := h.engine.Borrow(context.Background(), h.pool, Call{Caller: aliceAddr}, req); !errors.Is(err, ErrTransferMismatch) {
		t.Fatalf("expected ErrTransferMismatch, got %v", err)
	}
	req.Collateral.Receiver = poolAddr
	req.CollateralAssetID = 99
	req.Collateral.AssetID = 99
	if _, err := h.engine.Borrow(context.Background(), h.pool, Call{Caller: aliceAddr}, req); !errors.Is(err, ErrUnknownCollateral) {
		t.Fatalf("expected ErrUnknownCollateral, got %v", err)
	}
}

func TestBorrowThroughExternalVault(t *testing.T) {
	h := fundedHarness(t)
	h.vaultCirc, h.vaultTot = 2, 3
	if _, err := h.borrow(t, testVaultCollateral, 1_000_000, 375_001); !errors.Is(err, ErrExceedsLTV) {
		t.Fatalf("expected ErrExceedsLTV, got %v", err)
	}
	r, err := h.borrow(t, testVaultCollateral, 1_000_000, 375_000)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if r.CollateralValue != 1_500_000 {
		t.Fatalf("collateral value %d, want 1500000", r.CollateralValue)
	}
	h.vaultCirc = 0
	if _, err := h.borrow(t, testVaultCollateral, 1, 1); !errors.Is(err, fixedpoint.ErrDivideByZero) {
		t.Fatalf("expected ErrDivideByZero for empty vault, got %v", err)
	}
}

func TestBorrowInsufficientLiquidity(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, bobAddr, 100_000, 1_000)
	if _, err := h.borrow(t, testCollateralAsset, 1_000_000, 200_000); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

func TestBorrowWithoutSources(t *testing.T) {
	h := fundedHarness(t)
	h.pool.Sources = nil
	if _, err := h.borrow(t, testCollateralAsset, 1_000_000, 1_000); !errors.Is(err, oracle.ErrNoPriceSources) {
		t.Fatalf("expected ErrNoPriceSources, got %v", err)
	}
}

func TestRepayRefundsExcess(t *testing.T) {
	h := fundedHarness(t)
	if _, err := h.borrow(t, testCollateralAsset, 1_000_000, 200_000); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	in := h.send(testBaseAsset, aliceAddr, 250_000)
	r, err := h.engine.Repay(h.pool, Call{Caller: aliceAddr, Now: 1_000}, aliceAddr, testCollateralAsset, in)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	h.apply(t, r)
	if r.Repaid != 200_000 {
		t.Fatalf("repaid %d", r.Repaid)
	}
	if len(r.Instructions) != 1 || r.Instructions[0].Amount != 50_000 {
		t.Fatalf("unexpected refund %+v", r.Instructions)
	}
	if h.pool.TotalBorrows != 0 || h.positions[aliceAddr][testCollateralAsset].ScaledDebt != 0 {
		t.Fatalf("debt not cleared")
	}
	again := h.send(testBaseAsset, aliceAddr, 1)
	if _, err := h.engine.Repay(h.pool, Call{Caller: aliceAddr, Now: 1_000}, aliceAddr, testCollateralAsset, again); !errors.Is(err, ErrNoDebt) {
		t.Fatalf("expected ErrNoDebt, got %v", err)
	}
}

func TestWithdrawCollateralRespectsLTV(t *testing.T) {
	h := fundedHarness(t)
	if _, err := h.borrow(t, testCollateralAsset, 1_000_000, 200_000); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	call := Call{Caller: aliceAddr, Now: 1_000}
	if _, err := h.engine.WithdrawCollateral(context.Background(), h.pool, call, testCollateralAsset, 200_001); !errors.Is(err, ErrExceedsLTV) {
		t.Fatalf("expected ErrExceedsLTV, got %v", err)
	}
	r, err := h.engine.WithdrawCollateral(context.Background(), h.pool, call, testCollateralAsset, 200_000)
	if err != nil {
		t.Fatalf("withdraw collateral: %v", err)
	}
	h.apply(t, r)
	if got := h.positions[aliceAddr][testCollateralAsset].CollateralAmount; got != 800_000 {
		t.Fatalf("collateral %d", got)
	}
}

func TestLiquidateUnhealthyPosition(t *testing.T) {
	h := fundedHarness(t)
	if _, err := h.borrow(t, testCollateralAsset, 1_000_000, 200_000); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	call := Call{Caller: bobAddr, Now: 1_000}
	in := Transfer{AssetID: testBaseAsset, Sender: bobAddr, Receiver: poolAddr, Amount: 100_000}
	if _, err := h.engine.Liquidate(context.Background(), h.pool, call, aliceAddr, testCollateralAsset, in); !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("expected ErrNotLiquidatable, got %v", err)
	}

	h.reprice(t, 240_000)
	health, _, err := h.engine.Health(context.Background(), h.pool, aliceAddr, testCollateralAsset, call.Now)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !health.Liquidatable || health.CollateralValue != 240_000 {
		t.Fatalf("unexpected health %+v", health)
	}
	tooMuch := in
	tooMuch.Amount = 200_001
	if _, err := h.engine.Liquidate(context.Background(), h.pool, call, aliceAddr, testCollateralAsset, tooMuch); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}

	in = h.send(testBaseAsset, bobAddr, 100_000)
	r, err := h.engine.Liquidate(context.Background(), h.pool, call, aliceAddr, testCollateralAsset, in)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	h.apply(t, r)
	if r.Seized != 437_500 {
		t.Fatalf("seized %d, want 437500", r.Seized)
	}
	if got := h.ledger[testCollateralAsset][bobAddr]; got != 437_500 {
		t.Fatalf("liquidator received %d", got)
	}
	pos := h.positions[aliceAddr][testCollateralAsset]
	if pos.CollateralAmount != 562_500 || h.pool.TotalBorrows != 100_000 {
		t.Fatalf("position %+v borrows %d", pos, h.pool.TotalBorrows)
	}
	debt, err := pos.Debt(h.pool.BorrowIndex)
	if err != nil || debt != 100_000 {
		t.Fatalf("remaining debt %d, %v", debt, err)
	}
}

func TestAccrueChargesBorrowers(t *testing.T) {
	h := fundedHarness(t)
	if _, err := h.borrow(t, testCollateralAsset, 1_000_000, 200_000); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	r, err := h.engine.Accrue(h.pool, Call{Now: 1_000 + SecondsPerYear})
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	h.apply(t, r)
	if h.pool.TotalBorrows != 205_960 {
		t.Fatalf("borrows %d, want 205960", h.pool.TotalBorrows)
	}
	debt, err := h.positions[aliceAddr][testCollateralAsset].Debt(h.pool.BorrowIndex)
	if err != nil || debt != 205_960 {
		t.Fatalf("debt %d, %v", debt, err)
	}
}

func TestHealthAccruesToNow(t *testing.T) {
	h := fundedHarness(t)
	if _, err := h.borrow(t, testCollateralAsset, 1_000_000, 200_000); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	index := h.pool.BorrowIndex
	health, _, err := h.engine.Health(context.Background(), h.pool, aliceAddr, testCollateralAsset, 1_000+SecondsPerYear)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Debt != 205_960 {
		t.Fatalf("debt %d, want 205960", health.Debt)
	}
	if h.pool.BorrowIndex != index || h.pool.LastAccrual != 1_000 {
		t.Fatalf("input pool mutated: index %d accrual %d", h.pool.BorrowIndex, h.pool.LastAccrual)
	}
}

func TestAddCollateralType(t *testing.T) {
	h := newHarness(t)
	admin := Call{Caller: adminAddr, Now: 1_000}
	if _, err := h.engine.AddCollateralType(h.pool, Call{Caller: aliceAddr}, AcceptedCollateral{CollateralAssetID: 12}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.engine.AddCollateralType(h.pool, admin, AcceptedCollateral{CollateralAssetID: testCollateralAsset}); !errors.Is(err, ErrDuplicate) || !strings.Contains(err.Error(), "collateral asset") {
		t.Fatalf("expected duplicate collateral, got %v", err)
	}
	if _, err := h.engine.AddCollateralType(h.pool, admin, AcceptedCollateral{CollateralAssetID: testBaseAsset}); !errors.Is(err, ErrInvalidAsset) {
		t.Fatalf("expected ErrInvalidAsset, got %v", err)
	}
	r, err := h.engine.AddCollateralType(h.pool, admin, AcceptedCollateral{CollateralAssetID: 12, UnderlyingBaseAssetID: testUnderlyingAsset})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if r.Index != 2 || len(r.Pool.Collateral) != 3 {
		t.Fatalf("unexpected registry %+v", r.Pool.Collateral)
	}
	optIn := r.Instructions[0]
	if optIn.AssetID != 12 || optIn.From != poolAddr || optIn.To != poolAddr || optIn.Amount != 0 {
		t.Fatalf("unexpected opt-in %+v", optIn)
	}
	if _, err := r.Pool.Resolve(12); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(h.pool.Collateral) != 2 {
		t.Fatalf("input pool mutated")
	}
}

func TestRegisterSource(t *testing.T) {
	h := newHarness(t)
	addr := oracleAddr
	if _, err := h.engine.RegisterSource(context.Background(), h.pool, Call{Caller: bobAddr}, addr, 2); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	r, err := h.engine.RegisterSource(context.Background(), h.pool, Call{Caller: adminAddr, Now: 1_000}, addr, 2)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if r.Index != 1 || len(r.Pool.Sources) != 2 {
		t.Fatalf("unexpected sources %d", len(r.Pool.Sources))
	}
	src := r.Pool.Sources[1]
	if src.LastTimestamp != h.feed.at || !src.LastCumulativeAsset1.Eq(h.feed.acc) {
		t.Fatalf("baseline not captured: %+v", src)
	}
	_, err = h.engine.RegisterSource(context.Background(), r.Pool, Call{Caller: adminAddr, Now: 1_000}, addr, 2)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if msg := err.Error(); !strings.Contains(msg, "price source") || strings.Contains(msg, "collateral") {
		t.Fatalf("duplicate source reported as %q", msg)
	}
}

func TestRiskAndGateUpdatesBumpNonce(t *testing.T) {
	h := newHarness(t)
	admin := Call{Caller: adminAddr, Now: 1_000}
	r, err := h.engine.SetBorrowGate(h.pool, admin, false)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	h.apply(t, r)
	if h.pool.BorrowGateEnabled || h.pool.ParamsUpdateNonce != 1 {
		t.Fatalf("gate not applied")
	}
	if _, err := h.engine.SetRiskParams(h.pool, admin, RiskParams{LTVBps: 9_000, LiqThresholdBps: 8_000}); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}
	r, err = h.engine.SetRiskParams(h.pool, admin, RiskParams{LTVBps: 5_000, LiqThresholdBps: 7_500, LiqBonusBps: 300})
	if err != nil {
		t.Fatalf("risk: %v", err)
	}
	h.apply(t, r)
	if h.pool.LTVBps != 5_000 || h.pool.ParamsUpdateNonce != 2 {
		t.Fatalf("risk not applied: %+v", h.pool.Risk())
	}
}

func TestWithdrawReserves(t *testing.T) {
	h := fundedHarness(t)
	if _, err := h.borrow(t, testCollateralAsset, 1_000_000, 200_000); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	admin := Call{Caller: adminAddr, Now: 1_000}
	if _, err := h.engine.WithdrawReserves(h.pool, admin, adminAddr, 2_001); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
	r, err := h.engine.WithdrawReserves(h.pool, admin, adminAddr, 2_000)
	if err != nil {
		t.Fatalf("withdraw reserves: %v", err)
	}
	h.apply(t, r)
	if h.pool.ProtocolReserves != 0 || h.ledger[testBaseAsset][adminAddr] != 2_000 {
		t.Fatalf("reserves not paid")
	}
}

func TestPausedEngineRejectsCalls(t *testing.T) {
	h := newHarness(t)
	h.engine.SetPauses(nativecommon.NewPauses(ModuleName))
	in := h.send(testBaseAsset, aliceAddr, 10)
	_, err := h.engine.Deposit(h.pool, Call{Caller: aliceAddr, Now: 1_000}, 10, in)
	if !errors.Is(err, nativecommon.ErrModulePaused) || Kind(err) != "Paused" {
		t.Fatalf("expected paused error, got %v", err)
	}
}

func TestKindClassifiesWrappedErrors(t *testing.T) {
	cases := map[error]string{
		fmt.Errorf("ctx: %w", ErrExceedsLTV):              "ExceedsLTV",
		fmt.Errorf("ctx: %w", oracle.ErrNoPriceSources):   "NoPriceSources",
		fmt.Errorf("ctx: %w", fixedpoint.ErrDivideByZero): "DivideByZero",
		ErrBorrowGateClosed:                               "BorrowGateClosed",
		errors.New("boom"):                                "Internal",
	}
	for err, want := range cases {
		if got := Kind(err); got != want {
			t.Fatalf("Kind(%v) = %q, want %q", err, got, want)
		}
	}
}
