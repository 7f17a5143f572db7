package lending

import (
	"context"
	"fmt"

	"lendpool/crypto"
	"lendpool/native/fixedpoint"
)

// Borrow admits a collateralized loan. The collateral transfer must already be
// committed to the pool; the receipt carries the disbursement instruction.
func (e *Engine) Borrow(ctx context.Context, pool *Pool, call Call, req BorrowRequest) (*Receipt, error) {
	if pool != nil && !pool.BorrowGateEnabled {
		return nil, ErrBorrowGateClosed
	}
	next, err := e.begin(pool, call)
	if err != nil {
		return nil, err
	}
	in := req.Collateral
	if in.Receiver != next.Address || in.AssetID != req.CollateralAssetID || in.Sender != req.Borrower {
		return nil, ErrTransferMismatch
	}
	if req.LoanAmount == 0 {
		return nil, ErrInvalidAmount
	}
	entry, err := next.Resolve(req.CollateralAssetID)
	if err != nil {
		return nil, err
	}
	pos, err := e.position(req.Borrower, req.CollateralAssetID)
	if err != nil {
		return nil, err
	}
	collateral, err := fixedpoint.AddChecked(pos.CollateralAmount, in.Amount)
	if err != nil {
		return nil, err
	}
	value, price, err := e.value(ctx, next, entry, collateral)
	if err != nil {
		return nil, err
	}
	maxBorrow, err := fixedpoint.MulDivBps(value, next.LTVBps)
	if err != nil {
		return nil, err
	}
	debt, err := pos.Debt(next.BorrowIndex)
	if err != nil {
		return nil, err
	}
	owed, err := fixedpoint.AddChecked(debt, req.LoanAmount)
	if err != nil {
		return nil, err
	}
	if owed > maxBorrow {
		return nil, fmt.Errorf("%w: %d requested, %d available", ErrExceedsLTV, owed, maxBorrow)
	}
	fee, err := fixedpoint.MulDivBps(req.LoanAmount, next.OriginationFeeBps)
	if err != nil {
		return nil, err
	}
	disbursement := req.LoanAmount - fee
	available, err := e.cash(next)
	if err != nil {
		return nil, err
	}
	if available < disbursement {
		return nil, ErrInsufficientLiquidity
	}

	if err := pos.addDebt(req.LoanAmount, next.BorrowIndex); err != nil {
		return nil, err
	}
	pos.CollateralAmount = collateral
	borrows, err := fixedpoint.AddChecked(next.TotalBorrows, req.LoanAmount)
	if err != nil {
		return nil, err
	}
	next.TotalBorrows = borrows
	if err := next.bookIncome(fee); err != nil {
		return nil, err
	}
	receipt := &Receipt{
		Positions:       []*Position{pos},
		Amount:          disbursement,
		Fee:             fee,
		Price:           price,
		CollateralValue: value,
		MaxBorrow:       maxBorrow,
	}
	if disbursement > 0 {
		receipt.Instructions = []Instruction{{
			AssetID: next.BaseAssetID,
			From:    next.Address,
			To:      req.Borrower,
			Amount:  disbursement,
		}}
	}
	return finish(next, receipt)
}

// Repay applies a committed base-asset transfer against the borrower's debt.
// Any amount above the debt is refunded to the payer.
func (e *Engine) Repay(pool *Pool, call Call, borrower crypto.Address, collateralAssetID uint64, in Transfer) (*Receipt, error) {
	next, err := e.begin(pool, call)
	if err != nil {
		return nil, err
	}
	if err := checkInbound(in, next.BaseAssetID, next, call.Caller, in.Amount); err != nil {
		return nil, err
	}
	if _, err := next.Resolve(collateralAssetID); err != nil {
		return nil, err
	}
	pos, err := e.position(borrower, collateralAssetID)
	if err != nil {
		return nil, err
	}
	debt, err := pos.Debt(next.BorrowIndex)
	if err != nil {
		return nil, err
	}
	if debt == 0 {
		return nil, ErrNoDebt
	}
	repaid := in.Amount
	if repaid > debt {
		repaid = debt
	}
	if err := pos.reduceDebt(repaid, debt, next.BorrowIndex); err != nil {
		return nil, err
	}
	next.reduceBorrows(repaid)
	receipt := &Receipt{Positions: []*Position{pos}, Repaid: repaid, Amount: in.Amount}
	if refund := in.Amount - repaid; refund > 0 {
		receipt.Instructions = []Instruction{{
			AssetID: next.BaseAssetID,
			From:    next.Address,
			To:      call.Caller,
			Amount:  refund,
		}}
	}
	return finish(next, receipt)
}

// WithdrawCollateral returns collateral to the caller while the remaining
// position stays within the LTV limit.
func (e *Engine) WithdrawCollateral(ctx context.Context, pool *Pool, call Call, collateralAssetID, amount uint64) (*Receipt, error) {
	next, err := e.begin(pool, call)
	if err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	entry, err := next.Resolve(collateralAssetID)
	if err != nil {
		return nil, err
	}
	pos, err := e.position(call.Caller, collateralAssetID)
	if err != nil {
		return nil, err
	}
	if amount > pos.CollateralAmount {
		return nil, fmt.Errorf("%w: withdrawal exceeds collateral", ErrInvalidAmount)
	}
	pos.CollateralAmount -= amount
	debt, err := pos.Debt(next.BorrowIndex)
	if err != nil {
		return nil, err
	}
	if debt > 0 {
		value, _, err := e.value(ctx, next, entry, pos.CollateralAmount)
		if err != nil {
			return nil, err
		}
		maxBorrow, err := fixedpoint.MulDivBps(value, next.LTVBps)
		if err != nil {
			return nil, err
		}
		if debt > maxBorrow {
			return nil, fmt.Errorf("%w: remaining collateral supports %d", ErrExceedsLTV, maxBorrow)
		}
	}
	return finish(next, &Receipt{
		Positions: []*Position{pos},
		Amount:    amount,
		Instructions: []Instruction{{
			AssetID: collateralAssetID,
			From:    next.Address,
			To:      call.Caller,
			Amount:  amount,
		}},
	})
}

func (p *Pool) reduceBorrows(amount uint64) {
	if amount >= p.TotalBorrows {
		p.TotalBorrows = 0
		return
	}
	p.TotalBorrows -= amount
}
