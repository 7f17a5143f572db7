package lending

import (
	"context"
	"fmt"

	"lendpool/crypto"
	"lendpool/native/fixedpoint"
)

// Validate checks that the risk parameters describe a coherent policy.
func (r RiskParams) Validate() error {
	switch {
	case r.LTVBps == 0:
		return fmt.Errorf("%w: ltv must be positive", ErrInvalidParams)
	case r.LiqThresholdBps > fixedpoint.BasisPoints:
		return fmt.Errorf("%w: liquidation threshold exceeds 100%%", ErrInvalidParams)
	case r.LTVBps > r.LiqThresholdBps:
		return fmt.Errorf("%w: ltv above liquidation threshold", ErrInvalidParams)
	case r.OriginationFeeBps > fixedpoint.BasisPoints:
		return fmt.Errorf("%w: origination fee exceeds 100%%", ErrInvalidParams)
	case r.ProtocolShareBps > fixedpoint.BasisPoints:
		return fmt.Errorf("%w: protocol share exceeds 100%%", ErrInvalidParams)
	}
	return nil
}

func (p *Pool) bumpNonce() error {
	nonce, err := fixedpoint.AddChecked(p.ParamsUpdateNonce, 1)
	if err != nil {
		return err
	}
	p.ParamsUpdateNonce = nonce
	return nil
}

// RegisterSource snapshots an external price source as its baseline and
// appends it to the pool's source arena. The receipt's Index is the new
// source's position.
func (e *Engine) RegisterSource(ctx context.Context, pool *Pool, call Call, address crypto.Address, contractID uint64) (*Receipt, error) {
	next, err := e.begin(pool, call)
	if err != nil {
		return nil, err
	}
	if err := e.requireAdmin(next, call.Caller); err != nil {
		return nil, err
	}
	for _, existing := range next.Sources {
		if existing.Address == address && existing.ContractID == contractID {
			return nil, fmt.Errorf("%w: price source %s/%d", ErrDuplicate, address, contractID)
		}
	}
	src, err := e.prices.Baseline(ctx, address, contractID)
	if err != nil {
		return nil, err
	}
	next.Sources = append(next.Sources, src)
	return finish(next, &Receipt{Index: len(next.Sources) - 1})
}

// AddCollateralType registers a collateral asset and emits the zero-amount
// self transfer that opts the pool into holding it.
func (e *Engine) AddCollateralType(pool *Pool, call Call, entry AcceptedCollateral) (*Receipt, error) {
	next, err := e.begin(pool, call)
	if err != nil {
		return nil, err
	}
	if err := e.requireAdmin(next, call.Caller); err != nil {
		return nil, err
	}
	if err := next.addCollateral(entry); err != nil {
		return nil, err
	}
	return finish(next, &Receipt{
		Index: len(next.Collateral) - 1,
		Instructions: []Instruction{{
			AssetID: entry.CollateralAssetID,
			From:    next.Address,
			To:      next.Address,
		}},
	})
}

// SetRateParams replaces the rate curve wholesale and bumps the update nonce,
// even when the values are unchanged.
func (e *Engine) SetRateParams(pool *Pool, call Call, params RateParams) (*Receipt, error) {
	next, err := e.begin(pool, call)
	if err != nil {
		return nil, err
	}
	if err := e.requireAdmin(next, call.Caller); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	next.Rate = params
	if err := next.bumpNonce(); err != nil {
		return nil, err
	}
	return finish(next, &Receipt{})
}

// SetRiskParams replaces the collateral and fee policy and bumps the update
// nonce.
func (e *Engine) SetRiskParams(pool *Pool, call Call, risk RiskParams) (*Receipt, error) {
	next, err := e.begin(pool, call)
	if err != nil {
		return nil, err
	}
	if err := e.requireAdmin(next, call.Caller); err != nil {
		return nil, err
	}
	if err := risk.Validate(); err != nil {
		return nil, err
	}
	next.LTVBps = risk.LTVBps
	next.LiqThresholdBps = risk.LiqThresholdBps
	next.LiqBonusBps = risk.LiqBonusBps
	next.OriginationFeeBps = risk.OriginationFeeBps
	next.ProtocolShareBps = risk.ProtocolShareBps
	if err := next.bumpNonce(); err != nil {
		return nil, err
	}
	return finish(next, &Receipt{})
}

// SetBorrowGate opens or closes new borrow admission.
func (e *Engine) SetBorrowGate(pool *Pool, call Call, enabled bool) (*Receipt, error) {
	next, err := e.begin(pool, call)
	if err != nil {
		return nil, err
	}
	if err := e.requireAdmin(next, call.Caller); err != nil {
		return nil, err
	}
	next.BorrowGateEnabled = enabled
	if err := next.bumpNonce(); err != nil {
		return nil, err
	}
	return finish(next, &Receipt{})
}

// WithdrawReserves pays accumulated protocol reserves to recipient.
func (e *Engine) WithdrawReserves(pool *Pool, call Call, recipient crypto.Address, amount uint64) (*Receipt, error) {
	next, err := e.begin(pool, call)
	if err != nil {
		return nil, err
	}
	if err := e.requireAdmin(next, call.Caller); err != nil {
		return nil, err
	}
	if recipient.IsZero() || amount == 0 {
		return nil, ErrInvalidAmount
	}
	if amount > next.ProtocolReserves {
		return nil, fmt.Errorf("%w: reserves hold %d", ErrInsufficientLiquidity, next.ProtocolReserves)
	}
	if e.ledger == nil {
		return nil, ErrNilLedger
	}
	held, err := e.ledger.Balance(next.BaseAssetID, next.Address)
	if err != nil {
		return nil, err
	}
	if held < amount {
		return nil, ErrInsufficientLiquidity
	}
	next.ProtocolReserves -= amount
	return finish(next, &Receipt{
		Amount: amount,
		Instructions: []Instruction{{
			AssetID: next.BaseAssetID,
			From:    next.Address,
			To:      recipient,
			Amount:  amount,
		}},
	})
}
