package lending

import (
	"context"
	"fmt"

	"lendpool/crypto"
	nativecommon "lendpool/native/common"
	"lendpool/native/fixedpoint"
	"lendpool/native/oracle"
)

// ModuleName is the pause switch guarding every mutating operation.
const ModuleName = "lending"

// Engine evaluates pool operations. It never mutates the pool it is handed:
// each operation works on a clone and returns it in the Receipt, so a failed
// call leaves no trace.
type Engine struct {
	authority Authority
	prices    *oracle.Aggregator
	vaults    Vaults
	ledger    Ledger
	positions Positions
	pauses    nativecommon.PauseView
}

// NewEngine constructs an engine that prices collateral with prices and
// authorizes privileged calls against the pool's admin account.
func NewEngine(prices *oracle.Aggregator) *Engine {
	return &Engine{authority: AdminAccount, prices: prices}
}

// SetAuthority replaces the privileged-caller check.
func (e *Engine) SetAuthority(a Authority) {
	if e == nil || a == nil {
		return
	}
	e.authority = a
}

// SetVaults wires the external vault reader used to convert collateral.
func (e *Engine) SetVaults(v Vaults) {
	if e == nil {
		return
	}
	e.vaults = v
}

// SetLedger wires the committed balance view.
func (e *Engine) SetLedger(l Ledger) {
	if e == nil {
		return
	}
	e.ledger = l
}

// SetPositions wires the debt ledger.
func (e *Engine) SetPositions(p Positions) {
	if e == nil {
		return
	}
	e.positions = p
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// begin guards the call and returns an accrued working copy of pool.
func (e *Engine) begin(pool *Pool, call Call) (*Pool, error) {
	if e == nil || pool == nil {
		return nil, ErrNilPool
	}
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}
	next := pool.Clone()
	if err := next.accrue(call.Now); err != nil {
		return nil, err
	}
	return next, nil
}

func (e *Engine) requireAdmin(pool *Pool, caller crypto.Address) error {
	if e.authority == nil || !e.authority.IsAdmin(pool, caller) {
		return ErrUnauthorized
	}
	return nil
}

func finish(next *Pool, receipt *Receipt) (*Receipt, error) {
	if err := next.refreshRate(); err != nil {
		return nil, err
	}
	receipt.Pool = next
	return receipt, nil
}

// Accrue brings interest up to call.Now and refreshes the applied rate.
func (e *Engine) Accrue(pool *Pool, call Call) (*Receipt, error) {
	next, err := e.begin(pool, call)
	if err != nil {
		return nil, err
	}
	return finish(next, &Receipt{})
}

// Deposit credits a committed base-asset transfer of amount to the pool and
// mints shares to the caller.
func (e *Engine) Deposit(pool *Pool, call Call, amount uint64, in Transfer) (*Receipt, error) {
	next, err := e.begin(pool, call)
	if err != nil {
		return nil, err
	}
	if err := checkInbound(in, next.BaseAssetID, next, call.Caller, amount); err != nil {
		return nil, err
	}
	shares, err := next.SharesForDeposit(amount)
	if err != nil {
		return nil, err
	}
	if shares == 0 {
		return nil, fmt.Errorf("%w: deposit too small to mint shares", ErrInvalidAmount)
	}
	deposits, err := fixedpoint.AddChecked(next.TotalDeposits, amount)
	if err != nil {
		return nil, err
	}
	circulating, err := fixedpoint.AddChecked(next.CirculatingShares, shares)
	if err != nil {
		return nil, err
	}
	next.TotalDeposits = deposits
	next.CirculatingShares = circulating
	return finish(next, &Receipt{
		Shares: shares,
		Amount: amount,
		Instructions: []Instruction{{
			AssetID: next.ShareAssetID,
			From:    next.Address,
			To:      call.Caller,
			Amount:  shares,
		}},
	})
}

// Withdraw burns shares returned to the pool by a committed transfer and pays
// out the matching base units.
func (e *Engine) Withdraw(pool *Pool, call Call, shares uint64, in Transfer) (*Receipt, error) {
	next, err := e.begin(pool, call)
	if err != nil {
		return nil, err
	}
	if err := checkInbound(in, next.ShareAssetID, next, call.Caller, shares); err != nil {
		return nil, err
	}
	if shares > next.CirculatingShares {
		return nil, fmt.Errorf("%w: shares exceed supply", ErrInvalidAmount)
	}
	held, err := e.cash(next)
	if err != nil {
		return nil, err
	}
	amount, err := next.BaseForWithdraw(shares, held)
	if err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, fmt.Errorf("%w: withdrawal rounds to zero", ErrInvalidAmount)
	}
	next.TotalDeposits -= amount
	next.CirculatingShares -= shares
	return finish(next, &Receipt{
		Shares: shares,
		Amount: amount,
		Instructions: []Instruction{{
			AssetID: next.BaseAssetID,
			From:    next.Address,
			To:      call.Caller,
			Amount:  amount,
		}},
	})
}

// Price returns the aggregated oracle price of assetID.
func (e *Engine) Price(ctx context.Context, pool *Pool, assetID uint64) (uint64, error) {
	if e == nil || pool == nil {
		return 0, ErrNilPool
	}
	return e.prices.AggregatedPrice(ctx, pool.Sources, assetID)
}

// InstantaneousPrice returns the time-weighted price of one registered source.
func (e *Engine) InstantaneousPrice(ctx context.Context, pool *Pool, index int, assetID uint64) (uint64, error) {
	if e == nil || pool == nil {
		return 0, ErrNilPool
	}
	return e.prices.InstantaneousPrice(ctx, pool.Sources, index, assetID)
}

// Rate reports the raw curve rate at the pool's utilisation alongside the
// applied rate.
func (e *Engine) Rate(pool *Pool) (raw, applied, util uint64, err error) {
	if pool == nil {
		return 0, 0, 0, ErrNilPool
	}
	util, err = pool.Utilization()
	if err != nil {
		return 0, 0, 0, err
	}
	raw, err = pool.Rate.RawRate(util)
	if err != nil {
		return 0, 0, 0, err
	}
	return raw, pool.AppliedRateBps, util, nil
}

func (e *Engine) cash(pool *Pool) (uint64, error) {
	if e.ledger == nil {
		return 0, ErrNilLedger
	}
	held, err := e.ledger.Balance(pool.BaseAssetID, pool.Address)
	if err != nil {
		return 0, fmt.Errorf("pool balance: %w", err)
	}
	return cash(held, pool.ProtocolReserves), nil
}

func (e *Engine) position(borrower crypto.Address, collateralAssetID uint64) (*Position, error) {
	if e.positions != nil {
		pos, err := e.positions.Position(borrower, collateralAssetID)
		if err != nil {
			return nil, err
		}
		if pos != nil {
			return pos.Clone(), nil
		}
	}
	return &Position{Borrower: borrower, CollateralAssetID: collateralAssetID}, nil
}

// value converts amount collateral units into the settlement asset through the
// external vault ratio and the aggregated oracle price.
func (e *Engine) value(ctx context.Context, pool *Pool, entry AcceptedCollateral, amount uint64) (value, price uint64, err error) {
	underlying := amount
	if entry.VaultAppID != 0 {
		if e.vaults == nil {
			return 0, 0, ErrNilVaults
		}
		circulating, total, err := e.vaults.VaultRatio(ctx, entry.VaultAppID)
		if err != nil {
			return 0, 0, fmt.Errorf("vault %d: %w", entry.VaultAppID, err)
		}
		underlying, err = fixedpoint.MulDiv(total, amount, circulating)
		if err != nil {
			return 0, 0, fmt.Errorf("vault %d: %w", entry.VaultAppID, err)
		}
	}
	price, err = e.prices.AggregatedPrice(ctx, pool.Sources, entry.UnderlyingBaseAssetID)
	if err != nil {
		return 0, 0, err
	}
	value, err = fixedpoint.MulDiv(underlying, price, PricePrecision)
	if err != nil {
		return 0, 0, fmt.Errorf("collateral value: %w", err)
	}
	return value, price, nil
}

// Health values a borrower's position against the current oracle prices, with
// interest accrued to now on a copy of pool.
func (e *Engine) Health(ctx context.Context, pool *Pool, borrower crypto.Address, collateralAssetID, now uint64) (Health, *Position, error) {
	if e == nil || pool == nil {
		return Health{}, nil, ErrNilPool
	}
	pool = pool.Clone()
	if err := pool.accrue(now); err != nil {
		return Health{}, nil, err
	}
	entry, err := pool.Resolve(collateralAssetID)
	if err != nil {
		return Health{}, nil, err
	}
	pos, err := e.position(borrower, collateralAssetID)
	if err != nil {
		return Health{}, nil, err
	}
	h, err := e.health(ctx, pool, entry, pos)
	return h, pos, err
}

func (e *Engine) health(ctx context.Context, pool *Pool, entry AcceptedCollateral, pos *Position) (Health, error) {
	index := pool.BorrowIndex
	if index == 0 {
		index = IndexScale
	}
	debt, err := pos.Debt(index)
	if err != nil {
		return Health{}, err
	}
	value, price, err := e.value(ctx, pool, entry, pos.CollateralAmount)
	if err != nil {
		return Health{}, err
	}
	maxBorrow, err := fixedpoint.MulDivBps(value, pool.LTVBps)
	if err != nil {
		return Health{}, err
	}
	threshold, err := fixedpoint.MulDivBps(value, pool.LiqThresholdBps)
	if err != nil {
		return Health{}, err
	}
	return Health{
		Debt:            debt,
		CollateralValue: value,
		MaxBorrow:       maxBorrow,
		Threshold:       threshold,
		Price:           price,
		Liquidatable:    debt > 0 && debt > threshold,
	}, nil
}
