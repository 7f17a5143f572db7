package lending

import (
	"lendpool/native/fixedpoint"
)

// Debt returns the position's outstanding debt at the given borrow index,
// rounded up.
func (p *Position) Debt(index uint64) (uint64, error) {
	if p == nil || p.ScaledDebt == 0 {
		return 0, nil
	}
	return fixedpoint.MulDivUp(p.ScaledDebt, index, IndexScale)
}

func (p *Position) addDebt(amount, index uint64) error {
	scaled, err := fixedpoint.MulDivUp(amount, IndexScale, index)
	if err != nil {
		return err
	}
	total, err := fixedpoint.AddChecked(p.ScaledDebt, scaled)
	if err != nil {
		return err
	}
	p.ScaledDebt = total
	return nil
}

// reduceDebt removes amount from the position. Clearing the full debt zeroes
// the scaled balance so no dust remains.
func (p *Position) reduceDebt(amount, debt, index uint64) error {
	if amount >= debt {
		p.ScaledDebt = 0
		return nil
	}
	scaled, err := fixedpoint.MulDiv(amount, IndexScale, index)
	if err != nil {
		return err
	}
	if scaled >= p.ScaledDebt {
		scaled = p.ScaledDebt - 1
	}
	p.ScaledDebt -= scaled
	return nil
}

// Health summarises a position against the pool's risk parameters.
type Health struct {
	Debt            uint64
	CollateralValue uint64
	MaxBorrow       uint64
	Threshold       uint64
	Price           uint64
	Liquidatable    bool
}
