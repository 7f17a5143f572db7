package state

import (
	"errors"
	"fmt"

	"lendpool/crypto"
	"lendpool/native/fixedpoint"
)

var (
	ErrInsufficientBalance = errors.New("state: insufficient balance")
	ErrNotOptedIn          = errors.New("state: receiver not opted in to asset")
)

// Balance implements lending.Ledger.
func (m *Manager) Balance(assetID uint64, holder crypto.Address) (uint64, error) {
	var amount uint64
	if _, err := m.get(holderKey(balancePrefix, assetID, holder), &amount); err != nil {
		return 0, fmt.Errorf("load balance: %w", err)
	}
	return amount, nil
}

// SetBalance overwrites a holder's balance of assetID.
func (m *Manager) SetBalance(assetID uint64, holder crypto.Address, amount uint64) error {
	return m.put(holderKey(balancePrefix, assetID, holder), amount)
}

// OptIn records that holder accepts assetID.
func (m *Manager) OptIn(assetID uint64, holder crypto.Address) error {
	return m.put(holderKey(optInPrefix, assetID, holder), true)
}

// OptedIn reports whether holder accepts assetID.
func (m *Manager) OptedIn(assetID uint64, holder crypto.Address) (bool, error) {
	var opted bool
	if _, err := m.get(holderKey(optInPrefix, assetID, holder), &opted); err != nil {
		return false, err
	}
	return opted, nil
}

// Transfer moves exactly amount of assetID from one holder to another. A
// zero-amount transfer to oneself opts the holder in to the asset.
func (m *Manager) Transfer(assetID uint64, from, to crypto.Address, amount uint64) error {
	if from == to {
		if amount == 0 {
			return m.OptIn(assetID, to)
		}
		return nil
	}
	if amount == 0 {
		return nil
	}
	fromBal, err := m.Balance(assetID, from)
	if err != nil {
		return err
	}
	if fromBal < amount {
		return fmt.Errorf("%w: %s holds %d of asset %d, needs %d", ErrInsufficientBalance, from, fromBal, assetID, amount)
	}
	toBal, err := m.Balance(assetID, to)
	if err != nil {
		return err
	}
	credited, err := fixedpoint.AddChecked(toBal, amount)
	if err != nil {
		return err
	}
	if err := m.SetBalance(assetID, from, fromBal-amount); err != nil {
		return err
	}
	return m.SetBalance(assetID, to, credited)
}
