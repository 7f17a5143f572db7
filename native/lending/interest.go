package lending

import (
	"fmt"

	"lendpool/native/fixedpoint"
)

// Validate checks the structural constraints of a rate parameter set.
func (r RateParams) Validate() error {
	switch {
	case r.UtilCapBps == 0:
		return fmt.Errorf("%w: utilisation cap must be positive", ErrInvalidParams)
	case r.UtilCapBps > fixedpoint.BasisPoints:
		return fmt.Errorf("%w: utilisation cap exceeds 100%%", ErrInvalidParams)
	case r.KinkNormBps > r.UtilCapBps:
		return fmt.Errorf("%w: kink above utilisation cap", ErrInvalidParams)
	case r.EMAAlphaBps > fixedpoint.BasisPoints:
		return fmt.Errorf("%w: ema alpha exceeds 100%%", ErrInvalidParams)
	}
	switch r.Model {
	case RateModelKinked, RateModelPower, RateModelExponential:
	default:
		return fmt.Errorf("%w: unknown rate model %d", ErrInvalidParams, r.Model)
	}
	return nil
}

// Utilization returns TotalBorrows/TotalDeposits in basis points, clamped to
// the utilisation cap. Pools without deposits report zero.
func (p *Pool) Utilization() (uint64, error) {
	if p.TotalDeposits == 0 || p.TotalBorrows == 0 {
		return 0, nil
	}
	util, err := fixedpoint.MulDiv(p.TotalBorrows, fixedpoint.BasisPoints, p.TotalDeposits)
	if err != nil {
		return 0, fmt.Errorf("utilisation: %w", err)
	}
	if util > p.Rate.UtilCapBps {
		util = p.Rate.UtilCapBps
	}
	return util, nil
}

// RawRate maps utilisation to an annualised borrow rate before smoothing.
func (r RateParams) RawRate(utilBps uint64) (uint64, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	if utilBps > r.UtilCapBps {
		utilBps = r.UtilCapBps
	}
	var (
		rate uint64
		err  error
	)
	switch r.Model {
	case RateModelKinked:
		rate, err = r.kinked(utilBps)
	default:
		rate, err = r.scarcity(utilBps)
	}
	if err != nil {
		return 0, err
	}
	if rate > r.MaxAprBps {
		rate = r.MaxAprBps
	}
	return rate, nil
}

func (r RateParams) kinked(util uint64) (uint64, error) {
	if util <= r.KinkNormBps {
		if r.KinkNormBps == 0 {
			return r.BaseBps, nil
		}
		slope, err := fixedpoint.MulDiv(r.Slope1Bps, util, r.KinkNormBps)
		if err != nil {
			return 0, err
		}
		return fixedpoint.AddChecked(r.BaseBps, slope)
	}
	steep, err := fixedpoint.MulDiv(r.Slope2Bps, util-r.KinkNormBps, r.UtilCapBps-r.KinkNormBps)
	if err != nil {
		return 0, err
	}
	rate, err := fixedpoint.AddChecked(r.BaseBps, r.Slope1Bps)
	if err != nil {
		return 0, err
	}
	return fixedpoint.AddChecked(rate, steep)
}

func (r RateParams) scarcity(util uint64) (uint64, error) {
	x, err := fixedpoint.MulDiv(util, q16One, r.UtilCapBps)
	if err != nil {
		return 0, err
	}
	curve, err := fixedpoint.MulDiv(r.ScarcityKBps, powQ16(x, r.PowerGammaQ16), q16One)
	if err != nil {
		return 0, err
	}
	return fixedpoint.AddChecked(r.BaseBps, curve)
}

// Smooth blends raw into the previously applied rate with the EMA weight and
// bounds the move by MaxAprStepBps. A zero step disables the bound.
func (r RateParams) Smooth(prev, raw uint64, seeded bool) (uint64, error) {
	if !seeded {
		return raw, nil
	}
	fresh, err := fixedpoint.MulDivBps(raw, r.EMAAlphaBps)
	if err != nil {
		return 0, err
	}
	kept, err := fixedpoint.MulDivBps(prev, fixedpoint.BasisPoints-r.EMAAlphaBps)
	if err != nil {
		return 0, err
	}
	next, err := fixedpoint.AddChecked(fresh, kept)
	if err != nil {
		return 0, err
	}
	if step := r.MaxAprStepBps; step > 0 {
		switch {
		case next > prev && next-prev > step:
			next = prev + step
		case prev > next && prev-next > step:
			next = prev - step
		}
	}
	return next, nil
}

// refreshRate recomputes the applied rate from the pool's current
// utilisation.
func (p *Pool) refreshRate() error {
	if p.Rate.UtilCapBps == 0 {
		return nil
	}
	util, err := p.Utilization()
	if err != nil {
		return err
	}
	raw, err := p.Rate.RawRate(util)
	if err != nil {
		return err
	}
	applied, err := p.Rate.Smooth(p.AppliedRateBps, raw, p.RateSeeded)
	if err != nil {
		return err
	}
	p.AppliedRateBps = applied
	p.RateSeeded = true
	return nil
}

// accrue grows the borrow index to now and books the interest. The first call
// only records the timestamp.
func (p *Pool) accrue(now uint64) error {
	if p.BorrowIndex == 0 {
		p.BorrowIndex = IndexScale
	}
	if p.LastAccrual == 0 || now <= p.LastAccrual {
		if p.LastAccrual == 0 {
			p.LastAccrual = now
		}
		return nil
	}
	elapsed := now - p.LastAccrual
	p.LastAccrual = now
	if p.AppliedRateBps == 0 || p.TotalBorrows == 0 {
		return nil
	}
	perYear, err := fixedpoint.MulDivBps(p.BorrowIndex, p.AppliedRateBps)
	if err != nil {
		return fmt.Errorf("accrue: %w", err)
	}
	growth, err := fixedpoint.MulDiv(perYear, elapsed, SecondsPerYear)
	if err != nil {
		return fmt.Errorf("accrue: %w", err)
	}
	if growth == 0 {
		return nil
	}
	interest, err := fixedpoint.MulDiv(p.TotalBorrows, growth, p.BorrowIndex)
	if err != nil {
		return fmt.Errorf("accrue: %w", err)
	}
	index, err := fixedpoint.AddChecked(p.BorrowIndex, growth)
	if err != nil {
		return fmt.Errorf("accrue: %w", err)
	}
	borrows, err := fixedpoint.AddChecked(p.TotalBorrows, interest)
	if err != nil {
		return fmt.Errorf("accrue: %w", err)
	}
	if err := p.bookIncome(interest); err != nil {
		return fmt.Errorf("accrue: %w", err)
	}
	p.BorrowIndex = index
	p.TotalBorrows = borrows
	return nil
}

// bookIncome splits income between protocol reserves and depositors. Income
// earned while no shares circulate goes entirely to reserves.
func (p *Pool) bookIncome(amount uint64) error {
	if amount == 0 {
		return nil
	}
	protocol := amount
	if p.CirculatingShares > 0 {
		var err error
		protocol, err = fixedpoint.MulDivBps(amount, p.ProtocolShareBps)
		if err != nil {
			return err
		}
	}
	reserves, err := fixedpoint.AddChecked(p.ProtocolReserves, protocol)
	if err != nil {
		return err
	}
	deposits, err := fixedpoint.AddChecked(p.TotalDeposits, amount-protocol)
	if err != nil {
		return err
	}
	p.ProtocolReserves = reserves
	p.TotalDeposits = deposits
	return nil
}
