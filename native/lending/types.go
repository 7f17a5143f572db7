package lending

import (
	"lendpool/crypto"
	"lendpool/native/oracle"
)

// IndexScale is the fixed-point scale of the borrow index.
const IndexScale uint64 = 1_000_000_000_000

// PricePrecision divides oracle prices when valuing collateral in the
// settlement asset.
const PricePrecision uint64 = 1_000_000

// SecondsPerYear annualizes rates for accrual.
const SecondsPerYear uint64 = 31_536_000

// RateModel selects the shape of the utilization curve.
type RateModel uint8

const (
	RateModelKinked RateModel = iota
	RateModelExponential
	RateModelPower
)

func (m RateModel) String() string {
	switch m {
	case RateModelKinked:
		return "kinked"
	case RateModelExponential:
		return "exponential"
	case RateModelPower:
		return "power"
	default:
		return "unknown"
	}
}

// ParseRateModel maps a configuration string to a RateModel.
func ParseRateModel(s string) (RateModel, bool) {
	switch s {
	case "kinked", "":
		return RateModelKinked, true
	case "exponential":
		return RateModelExponential, true
	case "power":
		return RateModelPower, true
	default:
		return 0, false
	}
}

// RateParams shapes the borrow rate curve. It is replaced wholesale on every
// update.
type RateParams struct {
	BaseBps       uint64
	UtilCapBps    uint64
	KinkNormBps   uint64
	Slope1Bps     uint64
	Slope2Bps     uint64
	MaxAprBps     uint64
	EMAAlphaBps   uint64
	MaxAprStepBps uint64
	Model         RateModel
	PowerGammaQ16 uint64
	ScarcityKBps  uint64
}

// RiskParams groups the collateral and fee policy of the pool.
type RiskParams struct {
	LTVBps            uint64
	LiqThresholdBps   uint64
	LiqBonusBps       uint64
	OriginationFeeBps uint64
	ProtocolShareBps  uint64
}

// AcceptedCollateral maps a collateral asset to the asset whose oracle price
// values it. VaultAppID names the external vault whose share ratio converts
// collateral units into underlying units; zero means the collateral is the
// underlying itself.
type AcceptedCollateral struct {
	CollateralAssetID     uint64
	UnderlyingBaseAssetID uint64
	VaultAppID            uint64
}

// Pool is the accounting aggregate for one deployment. Every operation works
// on a clone and hands the mutated copy back in its Receipt.
type Pool struct {
	Address      crypto.Address
	AdminAccount crypto.Address

	BaseAssetID  uint64
	ShareAssetID uint64

	// TotalDeposits is the base-asset claim of share holders: cash plus
	// outstanding borrows minus protocol reserves.
	TotalDeposits     uint64
	CirculatingShares uint64
	TotalBorrows      uint64
	ProtocolReserves  uint64

	LTVBps            uint64
	LiqThresholdBps   uint64
	LiqBonusBps       uint64
	OriginationFeeBps uint64
	ProtocolShareBps  uint64

	BorrowGateEnabled bool
	ParamsUpdateNonce uint64

	Rate           RateParams
	AppliedRateBps uint64
	RateSeeded     bool
	BorrowIndex    uint64
	LastAccrual    uint64

	Sources    []oracle.Source
	Collateral []AcceptedCollateral
}

// Clone returns a deep copy of the pool.
func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Sources != nil {
		clone.Sources = make([]oracle.Source, len(p.Sources))
		for i := range p.Sources {
			clone.Sources[i] = p.Sources[i].Clone()
		}
	}
	if p.Collateral != nil {
		clone.Collateral = append([]AcceptedCollateral(nil), p.Collateral...)
	}
	return &clone
}

// Risk returns the pool's current risk parameters.
func (p *Pool) Risk() RiskParams {
	return RiskParams{
		LTVBps:            p.LTVBps,
		LiqThresholdBps:   p.LiqThresholdBps,
		LiqBonusBps:       p.LiqBonusBps,
		OriginationFeeBps: p.OriginationFeeBps,
		ProtocolShareBps:  p.ProtocolShareBps,
	}
}

// Position is a borrower's debt record against one collateral type. Debt is
// stored divided by the borrow index so accrual never rewrites positions.
type Position struct {
	Borrower          crypto.Address
	CollateralAssetID uint64
	CollateralAmount  uint64
	ScaledDebt        uint64
}

// Clone returns a copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

// Transfer is an inbound asset movement already committed by the host in the
// same atomic group as the call.
type Transfer struct {
	AssetID  uint64
	Sender   crypto.Address
	Receiver crypto.Address
	Amount   uint64
}

// Instruction is an outbound asset movement the host must apply atomically
// with the call's state changes.
type Instruction struct {
	AssetID uint64
	From    crypto.Address
	To      crypto.Address
	Amount  uint64
}

// Call carries the invoking party and the host clock.
type Call struct {
	Caller crypto.Address
	Now    uint64
}

// BorrowRequest is the transient input of a borrow.
type BorrowRequest struct {
	Borrower          crypto.Address
	CollateralAssetID uint64
	Collateral        Transfer
	LoanAmount        uint64
}

// Receipt is the result of a successful operation: the mutated pool, any
// touched positions and the outbound transfers to apply.
type Receipt struct {
	Pool         *Pool
	Positions    []*Position
	Instructions []Instruction

	Shares          uint64
	Amount          uint64
	Fee             uint64
	Price           uint64
	CollateralValue uint64
	MaxBorrow       uint64
	Repaid          uint64
	Seized          uint64
	Index           int
}
