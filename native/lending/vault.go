package lending

import (
	"fmt"

	"lendpool/crypto"
	"lendpool/native/fixedpoint"
)

// SharesForDeposit returns the share-token units minted for amount base units
// at the pool's current exchange rate. The first deposit mints 1:1.
func (p *Pool) SharesForDeposit(amount uint64) (uint64, error) {
	if p.TotalDeposits == 0 {
		return amount, nil
	}
	ratio, err := fixedpoint.MulDiv(p.CirculatingShares, fixedpoint.BasisPoints, p.TotalDeposits)
	if err != nil {
		return 0, fmt.Errorf("share ratio: %w", err)
	}
	shares, err := fixedpoint.MulDiv(ratio, amount, fixedpoint.BasisPoints)
	if err != nil {
		return 0, fmt.Errorf("shares: %w", err)
	}
	return shares, nil
}

// BaseForWithdraw returns the base units redeemed for shares. held is the
// pool's committed base-asset balance.
func (p *Pool) BaseForWithdraw(shares, held uint64) (uint64, error) {
	if p.CirculatingShares == 0 {
		return 0, ErrInsufficientLiquidity
	}
	amount, err := fixedpoint.MulDiv(shares, p.TotalDeposits, p.CirculatingShares)
	if err != nil {
		return 0, fmt.Errorf("redeem: %w", err)
	}
	if held < amount {
		return 0, ErrInsufficientLiquidity
	}
	return amount, nil
}

// ExchangeRate reports TotalDeposits/CirculatingShares scaled by IndexScale.
func (p *Pool) ExchangeRate() uint64 {
	if p.CirculatingShares == 0 {
		return IndexScale
	}
	rate, err := fixedpoint.MulDiv(p.TotalDeposits, IndexScale, p.CirculatingShares)
	if err != nil {
		return 0
	}
	return rate
}

// Cash is the base-asset balance not owed to reserves.
func cash(held, reserves uint64) uint64 {
	if held <= reserves {
		return 0
	}
	return held - reserves
}

func checkInbound(transfer Transfer, assetID uint64, pool *Pool, sender crypto.Address, declared uint64) error {
	if transfer.AssetID != assetID || transfer.Receiver != pool.Address || transfer.Sender != sender || transfer.Amount != declared {
		return ErrTransferMismatch
	}
	if declared == 0 {
		return ErrInvalidAmount
	}
	return nil
}
