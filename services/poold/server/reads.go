package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"lendpool/core"
	"lendpool/crypto"
	"lendpool/native/lending"
)

const defaultEventPage = 100

func uintParam(r *http.Request, name string) (uint64, error) {
	raw := strings.TrimSpace(chi.URLParam(r, name))
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an unsigned integer", errBadRequest, name)
	}
	return v, nil
}

func addressParam(r *http.Request, name string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(chi.URLParam(r, name)))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %s: %v", errBadRequest, name, err)
	}
	return addr, nil
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	pool, err := s.pool()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPoolView(pool))
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	pool, err := s.pool()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]sourceView, 0, len(pool.Sources))
	for i, src := range pool.Sources {
		out = append(out, newSourceView(i, src))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCollateral(w http.ResponseWriter, r *http.Request) {
	pool, err := s.pool()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]collateralView, 0, len(pool.Collateral))
	for i, c := range pool.Collateral {
		out = append(out, collateralView{
			Index:                 i,
			CollateralAssetID:     c.CollateralAssetID,
			UnderlyingBaseAssetID: c.UnderlyingBaseAssetID,
			VaultAppID:            c.VaultAppID,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var view rateReadView
	err := s.exec.Read(func(v core.View) error {
		raw, applied, util, err := v.Engine.Rate(v.Pool)
		if err != nil {
			return err
		}
		view = rateReadView{RawBps: raw, AppliedBps: applied, UtilizationBps: util}
		return nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	assetID, err := uintParam(r, "assetID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := readTimeout(r.Context())
	defer cancel()
	var price uint64
	err = s.exec.Read(func(v core.View) error {
		price, err = v.Engine.Price(ctx, v.Pool, assetID)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"assetId": assetID, "price": price, "precision": lending.PricePrecision})
}

func (s *Server) handleSourcePrice(w http.ResponseWriter, r *http.Request) {
	index, err := uintParam(r, "index")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	assetID, err := uintParam(r, "assetID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if index > uint64(^uint32(0)) {
		s.writeError(w, r, fmt.Errorf("%w: index out of range", errBadRequest))
		return
	}
	ctx, cancel := readTimeout(r.Context())
	defer cancel()
	var price uint64
	err = s.exec.Read(func(v core.View) error {
		price, err = v.Engine.InstantaneousPrice(ctx, v.Pool, int(index), assetID)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"index": index, "assetId": assetID, "price": price, "precision": lending.PricePrecision})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	borrower, err := addressParam(r, "borrower")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	collateralAssetID, err := uintParam(r, "collateralAssetID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view := positionView{Borrower: borrower, CollateralAssetID: collateralAssetID}
	err = s.exec.Read(func(v core.View) error {
		if _, err := v.Pool.Resolve(collateralAssetID); err != nil {
			return err
		}
		pos, err := v.State.Position(borrower, collateralAssetID)
		if err != nil || pos == nil {
			return err
		}
		debt, err := pos.Debt(v.Pool.BorrowIndex)
		if err != nil {
			return err
		}
		view.CollateralAmount = pos.CollateralAmount
		view.ScaledDebt = pos.ScaledDebt
		view.Debt = debt
		return nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleHealthFactor(w http.ResponseWriter, r *http.Request) {
	borrower, err := addressParam(r, "borrower")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	collateralAssetID, err := uintParam(r, "collateralAssetID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := readTimeout(r.Context())
	defer cancel()
	var h lending.Health
	err = s.exec.Read(func(v core.View) error {
		h, _, err = v.Engine.Health(ctx, v.Pool, borrower, collateralAssetID, v.Now)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, healthView(h))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	assetID, err := uintParam(r, "assetID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	holder, err := addressParam(r, "holder")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var balance uint64
	var optedIn bool
	err = s.exec.Read(func(v core.View) error {
		if balance, err = v.State.Balance(assetID, holder); err != nil {
			return err
		}
		optedIn, err = v.State.OptedIn(assetID, holder)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assetId": assetID, "holder": holder, "balance": balance, "optedIn": optedIn})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.backlog == nil {
		http.Error(w, "event journal not configured", http.StatusNotImplemented)
		return
	}
	after, limit, err := pageParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.backlog.Since(r.Context(), after, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]eventView, 0, len(events))
	for _, evt := range events {
		out = append(out, newEventView(evt))
	}
	writeJSON(w, http.StatusOK, out)
}

func pageParams(r *http.Request) (uint64, int, error) {
	q := r.URL.Query()
	var after uint64
	if raw := strings.TrimSpace(q.Get("after")); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: after must be an unsigned integer", errBadRequest)
		}
		after = v
	}
	limit := defaultEventPage
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return 0, 0, fmt.Errorf("%w: limit must be a positive integer", errBadRequest)
		}
		limit = v
	}
	return after, limit, nil
}
