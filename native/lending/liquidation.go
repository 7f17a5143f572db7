package lending

import (
	"context"
	"errors"
	"fmt"

	"lendpool/crypto"
	"lendpool/native/fixedpoint"
)

// Liquidate repays part or all of an unhealthy position with the caller's
// committed base-asset transfer and pays the caller collateral worth the
// repayment plus the liquidation bonus.
func (e *Engine) Liquidate(ctx context.Context, pool *Pool, call Call, borrower crypto.Address, collateralAssetID uint64, in Transfer) (*Receipt, error) {
	next, err := e.begin(pool, call)
	if err != nil {
		return nil, err
	}
	if err := checkInbound(in, next.BaseAssetID, next, call.Caller, in.Amount); err != nil {
		return nil, err
	}
	entry, err := next.Resolve(collateralAssetID)
	if err != nil {
		return nil, err
	}
	pos, err := e.position(borrower, collateralAssetID)
	if err != nil {
		return nil, err
	}
	h, err := e.health(ctx, next, entry, pos)
	if err != nil {
		return nil, err
	}
	if h.Debt == 0 {
		return nil, ErrNoDebt
	}
	if !h.Liquidatable {
		return nil, ErrNotLiquidatable
	}
	repay := in.Amount
	if repay > h.Debt {
		return nil, fmt.Errorf("%w: repayment %d exceeds debt %d", ErrInvalidAmount, repay, h.Debt)
	}

	seize := pos.CollateralAmount
	if h.CollateralValue > 0 {
		bonus, err := fixedpoint.AddChecked(fixedpoint.BasisPoints, next.LiqBonusBps)
		if err != nil {
			return nil, err
		}
		seizeValue, err := fixedpoint.MulDiv(repay, bonus, fixedpoint.BasisPoints)
		if err != nil {
			return nil, err
		}
		units, err := fixedpoint.MulDiv(pos.CollateralAmount, seizeValue, h.CollateralValue)
		if err != nil && !errors.Is(err, fixedpoint.ErrOverflow) {
			return nil, err
		}
		if err == nil && units < seize {
			seize = units
		}
	}

	if err := pos.reduceDebt(repay, h.Debt, next.BorrowIndex); err != nil {
		return nil, err
	}
	pos.CollateralAmount -= seize
	next.reduceBorrows(repay)

	receipt := &Receipt{
		Positions:       []*Position{pos},
		Repaid:          repay,
		Seized:          seize,
		Price:           h.Price,
		CollateralValue: h.CollateralValue,
	}
	if seize > 0 {
		receipt.Instructions = []Instruction{{
			AssetID: collateralAssetID,
			From:    next.Address,
			To:      call.Caller,
			Amount:  seize,
		}}
	}
	return finish(next, receipt)
}
