package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"lendpool/crypto"
	"lendpool/gateway/middleware"
	nativecommon "lendpool/native/common"
	"lendpool/native/lending"
)

type registerSourceBody struct {
	Address    crypto.Address `json:"address"`
	ContractID uint64         `json:"contractId"`
}

type addCollateralBody struct {
	CollateralAssetID     uint64 `json:"collateralAssetId"`
	UnderlyingBaseAssetID uint64 `json:"underlyingBaseAssetId"`
	VaultAppID            uint64 `json:"vaultAppId"`
}

type rateBody struct {
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

type riskBody struct {
	LTVBps            uint64 `json:"ltvBps"`
	LiqThresholdBps   uint64 `json:"liqThresholdBps"`
	LiqBonusBps       uint64 `json:"liqBonusBps"`
	OriginationFeeBps uint64 `json:"originationFeeBps"`
	ProtocolShareBps  uint64 `json:"protocolShareBps"`
}

type gateBody struct {
	Enabled bool `json:"enabled"`
}

type reservesBody struct {
	Recipient crypto.Address `json:"recipient"`
	Amount    uint64         `json:"amount"`
}

type pauseBody struct {
	Paused bool `json:"paused"`
}

func (s *Server) handleRegisterSource(w http.ResponseWriter, r *http.Request) {
	var body registerSourceBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.execute(w, r, opRegisterSource, nil, func(ctx context.Context, e *lending.Engine, p *lending.Pool, call lending.Call) (*lending.Receipt, error) {
		return e.RegisterSource(ctx, p, call, body.Address, body.ContractID)
	})
}

func (s *Server) handleAddCollateral(w http.ResponseWriter, r *http.Request) {
	var body addCollateralBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	entry := lending.AcceptedCollateral{
		CollateralAssetID:     body.CollateralAssetID,
		UnderlyingBaseAssetID: body.UnderlyingBaseAssetID,
		VaultAppID:            body.VaultAppID,
	}
	s.execute(w, r, opAddCollateral, nil, func(_ context.Context, e *lending.Engine, p *lending.Pool, call lending.Call) (*lending.Receipt, error) {
		return e.AddCollateralType(p, call, entry)
	})
}

func (s *Server) handleSetRate(w http.ResponseWriter, r *http.Request) {
	var body rateBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	model, ok := lending.ParseRateModel(strings.ToLower(strings.TrimSpace(body.Model)))
	if !ok {
		s.writeError(w, r, fmt.Errorf("%w: unknown rate model %q", lending.ErrInvalidParams, body.Model))
		return
	}
	params := lending.RateParams{
		BaseBps:       body.BaseBps,
		UtilCapBps:    body.UtilCapBps,
		KinkNormBps:   body.KinkNormBps,
		Slope1Bps:     body.Slope1Bps,
		Slope2Bps:     body.Slope2Bps,
		MaxAprBps:     body.MaxAprBps,
		EMAAlphaBps:   body.EMAAlphaBps,
		MaxAprStepBps: body.MaxAprStepBps,
		Model:         model,
		PowerGammaQ16: body.PowerGammaQ16,
		ScarcityKBps:  body.ScarcityKBps,
	}
	s.execute(w, r, opSetRateParams, nil, func(_ context.Context, e *lending.Engine, p *lending.Pool, call lending.Call) (*lending.Receipt, error) {
		return e.SetRateParams(p, call, params)
	})
}

func (s *Server) handleSetRisk(w http.ResponseWriter, r *http.Request) {
	var body riskBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	risk := lending.RiskParams(body)
	s.execute(w, r, opSetRiskParams, nil, func(_ context.Context, e *lending.Engine, p *lending.Pool, call lending.Call) (*lending.Receipt, error) {
		return e.SetRiskParams(p, call, risk)
	})
}

func (s *Server) handleSetGate(w http.ResponseWriter, r *http.Request) {
	var body gateBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.execute(w, r, opSetBorrowGate, nil, func(_ context.Context, e *lending.Engine, p *lending.Pool, call lending.Call) (*lending.Receipt, error) {
		return e.SetBorrowGate(p, call, body.Enabled)
	})
}

func (s *Server) handleWithdrawReserves(w http.ResponseWriter, r *http.Request) {
	var body reservesBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.execute(w, r, opWithdrawReserves, nil, func(_ context.Context, e *lending.Engine, p *lending.Pool, call lending.Call) (*lending.Receipt, error) {
		return e.WithdrawReserves(p, call, body.Recipient, body.Amount)
	})
}

// requirePoolAdmin checks the caller against the pool's admin account for
// host-level switches that never reach the engine.
func (s *Server) requirePoolAdmin(w http.ResponseWriter, r *http.Request) bool {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return false
	}
	pool, err := s.pool()
	if err != nil {
		s.writeError(w, r, err)
		return false
	}
	if !lending.AdminAccount.IsAdmin(pool, principal.Caller) {
		s.writeError(w, r, lending.ErrUnauthorized)
		return false
	}
	return true
}

func (s *Server) handleListPauses(w http.ResponseWriter, r *http.Request) {
	paused := []string{}
	if s.pauses != nil {
		paused = s.pauses.List()
	}
	writeJSON(w, http.StatusOK, map[string][]string{"paused": paused})
}

func (s *Server) handleSetPause(w http.ResponseWriter, r *http.Request) {
	if s.pauses == nil {
		http.Error(w, "pause switches not configured", http.StatusNotImplemented)
		return
	}
	module := nativecommon.CanonicalModule(chi.URLParam(r, "module"))
	if module != lending.ModuleName {
		s.writeError(w, r, fmt.Errorf("%w: unknown module %q", errBadRequest, module))
		return
	}
	var body pauseBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.requirePoolAdmin(w, r) {
		return
	}
	if err := s.pauses.Set(module, body.Paused); err != nil {
		s.writeError(w, r, fmt.Errorf("persist pause switch: %w", err))
		return
	}
	s.logger.Warn("module pause toggled", "module", module, "paused", body.Paused)
	writeJSON(w, http.StatusOK, map[string][]string{"paused": s.pauses.List()})
}
