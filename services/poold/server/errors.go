package server

import (
	"errors"
	"net/http"

	"lendpool/core"
	"lendpool/core/state"
	"lendpool/native/lending"
)

var errBadRequest = errors.New("bad request")

// classify maps an error onto an HTTP status and a stable kind string.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "BadRequest"
	case errors.Is(err, core.ErrNoPool):
		return http.StatusServiceUnavailable, "NoPool"
	case errors.Is(err, core.ErrForeignTransfer):
		return http.StatusBadRequest, "ForeignTransfer"
	case errors.Is(err, state.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "InsufficientBalance"
	case errors.Is(err, state.ErrNotOptedIn):
		return http.StatusUnprocessableEntity, "NotOptedIn"
	}
	kind := lending.Kind(err)
	switch kind {
	case "InvalidParams", "InvalidAsset", "InvalidAmount", "TransferMismatch", "SourceIndex", "UnknownCollateral":
		return http.StatusBadRequest, kind
	case "Unauthorized":
		return http.StatusForbidden, kind
	case "Duplicate":
		return http.StatusConflict, kind
	case "ExceedsLTV", "InsufficientLiquidity", "BorrowGateClosed", "NoDebt", "NotLiquidatable", "Overflow", "DivideByZero":
		return http.StatusUnprocessableEntity, kind
	case "StaleOracle", "NoPriceSources", "AssetNotQuoted", "Paused":
		return http.StatusServiceUnavailable, kind
	default:
		return http.StatusInternalServerError, "Internal"
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		message = "internal error"
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: message}})
}
