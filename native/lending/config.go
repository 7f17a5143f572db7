package lending

import (
	"fmt"
	"strings"

	"lendpool/crypto"
)

// Config captures the genesis configuration of a pool.
type Config struct {
	Address           string             `toml:"Address"`
	AdminAccount      string             `toml:"AdminAccount"`
	BaseAssetID       uint64             `toml:"BaseAssetID"`
	ShareAssetID      uint64             `toml:"ShareAssetID"`
	LTVBps            uint64             `toml:"LTVBps"`
	LiqThresholdBps   uint64             `toml:"LiqThresholdBps"`
	LiqBonusBps       uint64             `toml:"LiqBonusBps"`
	OriginationFeeBps uint64             `toml:"OriginationFeeBps"`
	ProtocolShareBps  uint64             `toml:"ProtocolShareBps"`
	BorrowGateEnabled bool               `toml:"BorrowGateEnabled"`
	Rate              RateConfig         `toml:"rate"`
	Collateral        []CollateralConfig `toml:"collateral"`
}

// RateConfig is the TOML form of RateParams.
type RateConfig struct {
	Model         string `toml:"Model"`
	BaseBps       uint64 `toml:"BaseBps"`
	UtilCapBps    uint64 `toml:"UtilCapBps"`
	KinkNormBps   uint64 `toml:"KinkNormBps"`
	Slope1Bps     uint64 `toml:"Slope1Bps"`
	Slope2Bps     uint64 `toml:"Slope2Bps"`
	MaxAprBps     uint64 `toml:"MaxAprBps"`
	EMAAlphaBps   uint64 `toml:"EMAAlphaBps"`
	MaxAprStepBps uint64 `toml:"MaxAprStepBps"`
	PowerGammaQ16 uint64 `toml:"PowerGammaQ16"`
	ScarcityKBps  uint64 `toml:"ScarcityKBps"`
}

// CollateralConfig seeds the collateral registry.
type CollateralConfig struct {
	AssetID           uint64 `toml:"AssetID"`
	UnderlyingAssetID uint64 `toml:"UnderlyingAssetID"`
	VaultAppID        uint64 `toml:"VaultAppID"`
}

// Params converts the TOML rate section into RateParams.
func (c RateConfig) Params() (RateParams, error) {
	model, ok := ParseRateModel(strings.ToLower(strings.TrimSpace(c.Model)))
	if !ok {
		return RateParams{}, fmt.Errorf("%w: unknown rate model %q", ErrInvalidParams, c.Model)
	}
	params := RateParams{
		BaseBps:       c.BaseBps,
		UtilCapBps:    c.UtilCapBps,
		KinkNormBps:   c.KinkNormBps,
		Slope1Bps:     c.Slope1Bps,
		Slope2Bps:     c.Slope2Bps,
		MaxAprBps:     c.MaxAprBps,
		EMAAlphaBps:   c.EMAAlphaBps,
		MaxAprStepBps: c.MaxAprStepBps,
		Model:         model,
		PowerGammaQ16: c.PowerGammaQ16,
		ScarcityKBps:  c.ScarcityKBps,
	}
	if err := params.Validate(); err != nil {
		return RateParams{}, err
	}
	return params, nil
}

// Genesis builds the initial pool described by the configuration.
func (c Config) Genesis() (*Pool, error) {
	address, err := crypto.DecodeAddress(strings.TrimSpace(c.Address))
	if err != nil {
		return nil, fmt.Errorf("pool address: %w", err)
	}
	admin, err := crypto.DecodeAddress(strings.TrimSpace(c.AdminAccount))
	if err != nil {
		return nil, fmt.Errorf("admin account: %w", err)
	}
	if c.BaseAssetID == c.ShareAssetID {
		return nil, fmt.Errorf("%w: base and share asset must differ", ErrInvalidAsset)
	}
	risk := RiskParams{
		LTVBps:            c.LTVBps,
		LiqThresholdBps:   c.LiqThresholdBps,
		LiqBonusBps:       c.LiqBonusBps,
		OriginationFeeBps: c.OriginationFeeBps,
		ProtocolShareBps:  c.ProtocolShareBps,
	}
	if err := risk.Validate(); err != nil {
		return nil, err
	}
	rate, err := c.Rate.Params()
	if err != nil {
		return nil, err
	}
	pool := &Pool{
		Address:           address,
		AdminAccount:      admin,
		BaseAssetID:       c.BaseAssetID,
		ShareAssetID:      c.ShareAssetID,
		LTVBps:            risk.LTVBps,
		LiqThresholdBps:   risk.LiqThresholdBps,
		LiqBonusBps:       risk.LiqBonusBps,
		OriginationFeeBps: risk.OriginationFeeBps,
		ProtocolShareBps:  risk.ProtocolShareBps,
		BorrowGateEnabled: c.BorrowGateEnabled,
		Rate:              rate,
		BorrowIndex:       IndexScale,
	}
	for _, entry := range c.Collateral {
		if err := pool.addCollateral(AcceptedCollateral{
			CollateralAssetID:     entry.AssetID,
			UnderlyingBaseAssetID: entry.UnderlyingAssetID,
			VaultAppID:            entry.VaultAppID,
		}); err != nil {
			return nil, err
		}
	}
	return pool, nil
}
