package lending

import (
	"context"

	"lendpool/crypto"
)

// Authority decides whether a caller may run privileged operations.
type Authority interface {
	IsAdmin(pool *Pool, caller crypto.Address) bool
}

// AuthorityFunc adapts a function to the Authority interface.
type AuthorityFunc func(pool *Pool, caller crypto.Address) bool

// IsAdmin implements Authority.
func (f AuthorityFunc) IsAdmin(pool *Pool, caller crypto.Address) bool { return f(pool, caller) }

// AdminAccount authorizes only the pool's configured admin.
var AdminAccount Authority = AuthorityFunc(func(pool *Pool, caller crypto.Address) bool {
	return pool != nil && !pool.AdminAccount.IsZero() && pool.AdminAccount == caller
})

// Vaults reads the share ratio of an external vault application.
type Vaults interface {
	VaultRatio(ctx context.Context, appID uint64) (circulating, total uint64, err error)
}

// VaultsFunc adapts a function to the Vaults interface.
type VaultsFunc func(ctx context.Context, appID uint64) (uint64, uint64, error)

// VaultRatio implements Vaults.
func (f VaultsFunc) VaultRatio(ctx context.Context, appID uint64) (uint64, uint64, error) {
	return f(ctx, appID)
}

// Ledger exposes committed asset balances.
type Ledger interface {
	Balance(assetID uint64, holder crypto.Address) (uint64, error)
}

// Positions loads existing debt records. A missing record is reported as
// (nil, nil).
type Positions interface {
	Position(borrower crypto.Address, collateralAssetID uint64) (*Position, error)
}
