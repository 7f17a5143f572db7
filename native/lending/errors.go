package lending

import (
	"errors"

	nativecommon "lendpool/native/common"
	"lendpool/native/fixedpoint"
	"lendpool/native/oracle"
)

var (
	ErrNilPool               = errors.New("lending engine: pool not configured")
	ErrUnauthorized          = errors.New("lending engine: caller is not the pool admin")
	ErrInvalidParams         = errors.New("lending engine: invalid parameters")
	ErrDuplicate             = errors.New("lending engine: already registered")
	ErrUnknownCollateral     = errors.New("lending engine: unknown collateral type")
	ErrInvalidAsset          = errors.New("lending engine: invalid asset")
	ErrInvalidAmount         = errors.New("lending engine: amount must be positive")
	ErrTransferMismatch      = errors.New("lending engine: transfer does not match declared values")
	ErrInsufficientLiquidity = errors.New("lending engine: insufficient liquidity")
	ErrExceedsLTV            = errors.New("lending engine: loan exceeds collateral capacity")
	ErrBorrowGateClosed      = errors.New("lending engine: borrow gate closed")
	ErrNoDebt                = errors.New("lending engine: no outstanding debt")
	ErrNotLiquidatable       = errors.New("lending engine: position not eligible for liquidation")
	ErrNilVaults             = errors.New("lending engine: vault reader not configured")
	ErrNilLedger             = errors.New("lending engine: ledger not configured")
)

// Kind classifies err into a stable name callers can switch on. Unknown errors
// map to "Internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, ErrInvalidParams):
		return "InvalidParams"
	case errors.Is(err, ErrDuplicate):
		return "Duplicate"
	case errors.Is(err, ErrUnknownCollateral):
		return "UnknownCollateral"
	case errors.Is(err, ErrInvalidAsset):
		return "InvalidAsset"
	case errors.Is(err, ErrInvalidAmount):
		return "InvalidAmount"
	case errors.Is(err, ErrTransferMismatch):
		return "TransferMismatch"
	case errors.Is(err, oracle.ErrStaleOracle):
		return "StaleOracle"
	case errors.Is(err, oracle.ErrNoPriceSources):
		return "NoPriceSources"
	case errors.Is(err, oracle.ErrAssetNotQuoted):
		return "AssetNotQuoted"
	case errors.Is(err, oracle.ErrSourceIndex):
		return "SourceIndex"
	case errors.Is(err, fixedpoint.ErrDivideByZero):
		return "DivideByZero"
	case errors.Is(err, fixedpoint.ErrOverflow):
		return "Overflow"
	case errors.Is(err, ErrInsufficientLiquidity):
		return "InsufficientLiquidity"
	case errors.Is(err, ErrExceedsLTV):
		return "ExceedsLTV"
	case errors.Is(err, ErrBorrowGateClosed):
		return "BorrowGateClosed"
	case errors.Is(err, ErrNoDebt):
		return "NoDebt"
	case errors.Is(err, ErrNotLiquidatable):
		return "NotLiquidatable"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return "Paused"
	default:
		return "Internal"
	}
}
