package lending

import "fmt"

// Resolve returns the registry entry for collateralAssetID. Lookup is a
// linear scan over the registry.
func (p *Pool) Resolve(collateralAssetID uint64) (AcceptedCollateral, error) {
	for _, entry := range p.Collateral {
		if entry.CollateralAssetID == collateralAssetID {
			return entry, nil
		}
	}
	return AcceptedCollateral{}, fmt.Errorf("%w: asset %d", ErrUnknownCollateral, collateralAssetID)
}

func (p *Pool) addCollateral(entry AcceptedCollateral) error {
	if entry.CollateralAssetID == p.BaseAssetID || entry.CollateralAssetID == p.ShareAssetID {
		return fmt.Errorf("%w: asset %d is a pool asset", ErrInvalidAsset, entry.CollateralAssetID)
	}
	if _, err := p.Resolve(entry.CollateralAssetID); err == nil {
		return fmt.Errorf("%w: collateral asset %d", ErrDuplicate, entry.CollateralAssetID)
	}
	p.Collateral = append(p.Collateral, entry)
	return nil
}
