package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"lendpool/core"
	"lendpool/gateway/middleware"
	nativecommon "lendpool/native/common"
	"lendpool/native/lending"
)

const maxBodyBytes = 64 << 10

// Rate limit groups.
const (
	GroupRead  = "read"
	GroupWrite = "write"
	GroupAdmin = "admin"
)

// Backlog replays journaled events for list queries and stream resumption.
type Backlog interface {
	Since(ctx context.Context, after uint64, limit int) ([]core.Event, error)
}

// Config wires the server's collaborators.
type Config struct {
	Executor *core.Executor
	Auth     *middleware.Authenticator
	Limiter  *middleware.RateLimiter
	Pauses   *nativecommon.Pauses
	Hub      *Hub
	Backlog  Backlog
	Logger   *slog.Logger
}

// Server exposes pool operations over HTTP.
type Server struct {
	exec    *core.Executor
	auth    *middleware.Authenticator
	limiter *middleware.RateLimiter
	pauses  *nativecommon.Pauses
	hub     *Hub
	backlog Backlog
	logger  *slog.Logger
}

// New constructs a server. Executor and Auth are required.
func New(cfg Config) (*Server, error) {
	if cfg.Executor == nil {
		return nil, errors.New("server: executor required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("server: authenticator required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = middleware.NewRateLimiter(nil, false, logger)
	}
	return &Server{
		exec:    cfg.Executor,
		auth:    cfg.Auth,
		limiter: limiter,
		pauses:  cfg.Pauses,
		hub:     cfg.Hub,
		backlog: cfg.Backlog,
		logger:  logger,
	}, nil
}

// Handler returns the routed, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Observe(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware(GroupRead))
			r.Get("/pool", s.handlePool)
			r.Get("/pool/sources", s.handleSources)
			r.Get("/pool/collateral", s.handleCollateral)
			r.Get("/pool/rate", s.handleRate)
			r.Get("/pool/price/{assetID}", s.handlePrice)
			r.Get("/pool/sources/{index}/price/{assetID}", s.handleSourcePrice)
			r.Get("/positions/{borrower}/{collateralAssetID}", s.handlePosition)
			r.Get("/positions/{borrower}/{collateralAssetID}/health", s.handleHealthFactor)
			r.Get("/balances/{assetID}/{holder}", s.handleBalance)
			r.Get("/events", s.handleEvents)
			r.Get("/events/stream", s.handleStream)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware(GroupWrite))
			r.Post("/deposit", s.handleDeposit)
			r.Post("/withdraw", s.handleWithdraw)
			r.Post("/borrow", s.handleBorrow)
			r.Post("/repay", s.handleRepay)
			r.Post("/collateral/withdraw", s.handleWithdrawCollateral)
			r.Post("/liquidate", s.handleLiquidate)
			r.Post("/accrue", s.handleAccrue)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireScope(middleware.ScopeAdmin))
			r.Use(s.limiter.Middleware(GroupAdmin))
			r.Post("/sources", s.handleRegisterSource)
			r.Post("/collateral", s.handleAddCollateral)
			r.Put("/rate", s.handleSetRate)
			r.Put("/risk", s.handleSetRisk)
			r.Put("/gate", s.handleSetGate)
			r.Post("/reserves/withdraw", s.handleWithdrawReserves)
			r.Get("/pauses", s.handleListPauses)
			r.Put("/pauses/{module}", s.handleSetPause)
		})
	})
	return otelhttp.NewHandler(r, "poold",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return req.Method + " " + req.URL.Path
		}))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	err := s.exec.Read(func(core.View) error { return nil })
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// execute runs one operation for the authenticated caller and writes its
// receipt.
func (s *Server) execute(w http.ResponseWriter, r *http.Request, op string, inbound []lending.Transfer, run core.RunFunc) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	receipt, err := s.exec.Execute(r.Context(), core.Request{
		Operation: op,
		Caller:    principal.Caller,
		Inbound:   inbound,
		Run:       run,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptView(op, receipt))
}

// pool returns a snapshot of the committed pool.
func (s *Server) pool() (*lending.Pool, error) {
	var pool *lending.Pool
	err := s.exec.Read(func(v core.View) error {
		pool = v.Pool
		return nil
	})
	return pool, err
}

func decodeBody(r *http.Request, out any) error {
	if r.Body == nil {
		return fmt.Errorf("%w: request body required", errBadRequest)
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body required", errBadRequest)
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func readTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 10*time.Second)
}
