package server

import (
	"encoding/json"
	"net/http"
	"time"

	"lendpool/core"
	"lendpool/crypto"
	"lendpool/native/lending"
	"lendpool/native/oracle"
)

type rateView struct {
	Model         string `json:"model"`
	BaseBps       uint64 `json:"baseBps"`
	UtilCapBps    uint64 `json:"utilCapBps"`
	KinkNormBps   uint64 `json:"kinkNormBps"`
	Slope1Bps     uint64 `json:"slope1Bps"`
	Slope2Bps     uint64 `json:"slope2Bps"`
	MaxAprBps     uint64 `json:"maxAprBps"`
	EMAAlphaBps   uint64 `json:"emaAlphaBps"`
	MaxAprStepBps uint64 `json:"maxAprStepBps"`
	PowerGammaQ16 uint64 `json:"powerGammaQ16"`
	ScarcityKBps  uint64 `json:"scarcityKBps"`
}

type poolView struct {
	Address           crypto.Address `json:"address"`
	AdminAccount      crypto.Address `json:"adminAccount"`
	BaseAssetID       uint64         `json:"baseAssetId"`
	ShareAssetID      uint64         `json:"shareAssetId"`
	TotalDeposits     uint64         `json:"totalDeposits"`
	CirculatingShares uint64         `json:"circulatingShares"`
	TotalBorrows      uint64         `json:"totalBorrows"`
	ProtocolReserves  uint64         `json:"protocolReserves"`
	LTVBps            uint64         `json:"ltvBps"`
	LiqThresholdBps   uint64         `json:"liqThresholdBps"`
	LiqBonusBps       uint64         `json:"liqBonusBps"`
	OriginationFeeBps uint64         `json:"originationFeeBps"`
	ProtocolShareBps  uint64         `json:"protocolShareBps"`
	BorrowGateEnabled bool           `json:"borrowGateEnabled"`
	ParamsUpdateNonce uint64         `json:"paramsUpdateNonce"`
	AppliedRateBps    uint64         `json:"appliedRateBps"`
	BorrowIndex       uint64         `json:"borrowIndex"`
	LastAccrual       uint64         `json:"lastAccrual"`
	Rate              rateView       `json:"rate"`
	SourceCount       int            `json:"sourceCount"`
	CollateralCount   int            `json:"collateralCount"`
}

func newPoolView(p *lending.Pool) poolView {
	return poolView{
		Address:           p.Address,
		AdminAccount:      p.AdminAccount,
		BaseAssetID:       p.BaseAssetID,
		ShareAssetID:      p.ShareAssetID,
		TotalDeposits:     p.TotalDeposits,
		CirculatingShares: p.CirculatingShares,
		TotalBorrows:      p.TotalBorrows,
		ProtocolReserves:  p.ProtocolReserves,
		LTVBps:            p.LTVBps,
		LiqThresholdBps:   p.LiqThresholdBps,
		LiqBonusBps:       p.LiqBonusBps,
		OriginationFeeBps: p.OriginationFeeBps,
		ProtocolShareBps:  p.ProtocolShareBps,
		BorrowGateEnabled: p.BorrowGateEnabled,
		ParamsUpdateNonce: p.ParamsUpdateNonce,
		AppliedRateBps:    p.AppliedRateBps,
		BorrowIndex:       p.BorrowIndex,
		LastAccrual:       p.LastAccrual,
		Rate: rateView{
			Model:         p.Rate.Model.String(),
			BaseBps:       p.Rate.BaseBps,
			UtilCapBps:    p.Rate.UtilCapBps,
			KinkNormBps:   p.Rate.KinkNormBps,
			Slope1Bps:     p.Rate.Slope1Bps,
			Slope2Bps:     p.Rate.Slope2Bps,
			MaxAprBps:     p.Rate.MaxAprBps,
			EMAAlphaBps:   p.Rate.EMAAlphaBps,
			MaxAprStepBps: p.Rate.MaxAprStepBps,
			PowerGammaQ16: p.Rate.PowerGammaQ16,
			ScarcityKBps:  p.Rate.ScarcityKBps,
		},
		SourceCount:     len(p.Sources),
		CollateralCount: len(p.Collateral),
	}
}

type sourceView struct {
	Index                int            `json:"index"`
	Address              crypto.Address `json:"address"`
	ContractID           uint64         `json:"contractId"`
	Asset1ID             uint64         `json:"asset1Id"`
	Asset2ID             uint64         `json:"asset2Id"`
	LastCumulativeAsset1 string         `json:"lastCumulativeAsset1"`
	LastCumulativeAsset2 string         `json:"lastCumulativeAsset2"`
	LastTimestamp        uint64         `json:"lastTimestamp"`
}

func newSourceView(index int, s oracle.Source) sourceView {
	view := sourceView{
		Index:         index,
		Address:       s.Address,
		ContractID:    s.ContractID,
		Asset1ID:      s.Asset1ID,
		Asset2ID:      s.Asset2ID,
		LastTimestamp: s.LastTimestamp,
	}
	if s.LastCumulativeAsset1 != nil {
		view.LastCumulativeAsset1 = s.LastCumulativeAsset1.Dec()
	}
	if s.LastCumulativeAsset2 != nil {
		view.LastCumulativeAsset2 = s.LastCumulativeAsset2.Dec()
	}
	return view
}

type collateralView struct {
	Index                 int    `json:"index"`
	CollateralAssetID     uint64 `json:"collateralAssetId"`
	UnderlyingBaseAssetID uint64 `json:"underlyingBaseAssetId"`
	VaultAppID            uint64 `json:"vaultAppId"`
}

type instructionView struct {
	AssetID uint64         `json:"assetId"`
	From    crypto.Address `json:"from"`
	To      crypto.Address `json:"to"`
	Amount  uint64         `json:"amount"`
}

func newInstructionViews(in []lending.Instruction) []instructionView {
	out := make([]instructionView, 0, len(in))
	for _, ins := range in {
		out = append(out, instructionView{AssetID: ins.AssetID, From: ins.From, To: ins.To, Amount: ins.Amount})
	}
	return out
}

type receiptView struct {
	Nonce           uint64            `json:"paramsUpdateNonce"`
	Shares          uint64            `json:"shares,omitempty"`
	Amount          uint64            `json:"amount,omitempty"`
	Fee             uint64            `json:"fee,omitempty"`
	Price           uint64            `json:"price,omitempty"`
	CollateralValue uint64            `json:"collateralValue,omitempty"`
	MaxBorrow       uint64            `json:"maxBorrow,omitempty"`
	Repaid          uint64            `json:"repaid,omitempty"`
	Seized          uint64            `json:"seized,omitempty"`
	Index           *int              `json:"index,omitempty"`
	Instructions    []instructionView `json:"instructions"`
}

func newReceiptView(op string, r *lending.Receipt) receiptView {
	view := receiptView{
		Shares:          r.Shares,
		Amount:          r.Amount,
		Fee:             r.Fee,
		Price:           r.Price,
		CollateralValue: r.CollateralValue,
		MaxBorrow:       r.MaxBorrow,
		Repaid:          r.Repaid,
		Seized:          r.Seized,
		Instructions:    newInstructionViews(r.Instructions),
	}
	if r.Pool != nil {
		view.Nonce = r.Pool.ParamsUpdateNonce
	}
	if op == opRegisterSource || op == opAddCollateral {
		index := r.Index
		view.Index = &index
	}
	return view
}

type positionView struct {
	Borrower          crypto.Address `json:"borrower"`
	CollateralAssetID uint64         `json:"collateralAssetId"`
	CollateralAmount  uint64         `json:"collateralAmount"`
	ScaledDebt        uint64         `json:"scaledDebt"`
	Debt              uint64         `json:"debt"`
}

type healthView struct {
	Debt            uint64 `json:"debt"`
	CollateralValue uint64 `json:"collateralValue"`
	MaxBorrow       uint64 `json:"maxBorrow"`
	Threshold       uint64 `json:"threshold"`
	Price           uint64 `json:"price"`
	Liquidatable    bool   `json:"liquidatable"`
}

type rateReadView struct {
	RawBps         uint64 `json:"rawBps"`
	AppliedBps     uint64 `json:"appliedBps"`
	UtilizationBps uint64 `json:"utilizationBps"`
}

type eventView struct {
	Sequence     uint64            `json:"sequence"`
	Operation    string            `json:"operation"`
	Caller       crypto.Address    `json:"caller"`
	Nonce        uint64            `json:"paramsUpdateNonce"`
	Shares       uint64            `json:"shares,omitempty"`
	Amount       uint64            `json:"amount,omitempty"`
	Fee          uint64            `json:"fee,omitempty"`
	Repaid       uint64            `json:"repaid,omitempty"`
	Seized       uint64            `json:"seized,omitempty"`
	Instructions []instructionView `json:"instructions"`
	CommittedAt  time.Time         `json:"committedAt"`
}

func newEventView(evt core.Event) eventView {
	return eventView{
		Sequence:     evt.Sequence,
		Operation:    evt.Operation,
		Caller:       evt.Caller,
		Nonce:        evt.Nonce,
		Shares:       evt.Shares,
		Amount:       evt.Amount,
		Fee:          evt.Fee,
		Repaid:       evt.Repaid,
		Seized:       evt.Seized,
		Instructions: newInstructionViews(evt.Instructions),
		CommittedAt:  evt.CommittedAt.UTC(),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
