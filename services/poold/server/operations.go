package server

import (
	"context"
	"fmt"
	"net/http"

	"lendpool/crypto"
	"lendpool/gateway/middleware"
	"lendpool/native/lending"
)

// Operation names recorded on events and metrics.
const (
	opDeposit            = "deposit"
	opWithdraw           = "withdraw"
	opBorrow             = "borrow"
	opRepay              = "repay"
	opWithdrawCollateral = "withdraw_collateral"
	opLiquidate          = "liquidate"
	opAccrue             = "accrue"
	opRegisterSource     = "register_source"
	opAddCollateral      = "add_collateral_type"
	opSetRateParams      = "set_rate_params"
	opSetRiskParams      = "set_risk_params"
	opSetBorrowGate      = "set_borrow_gate"
	opWithdrawReserves   = "withdraw_reserves"
)

// transferBody describes the asset transfer accompanying a call. The sender
// is always the authenticated caller. Omitted fields default to what the
// operation expects.
type transferBody struct {
	AssetID  *uint64         `json:"assetId,omitempty"`
	Receiver *crypto.Address `json:"receiver,omitempty"`
	Amount   *uint64         `json:"amount,omitempty"`
}

func (t *transferBody) build(caller, pool crypto.Address, assetID, amount uint64) lending.Transfer {
	out := lending.Transfer{AssetID: assetID, Sender: caller, Receiver: pool, Amount: amount}
	if t == nil {
		return out
	}
	if t.AssetID != nil {
		out.AssetID = *t.AssetID
	}
	if t.Receiver != nil {
		out.Receiver = *t.Receiver
	}
	if t.Amount != nil {
		out.Amount = *t.Amount
	}
	return out
}

type depositBody struct {
	Amount   uint64        `json:"amount"`
	Transfer *transferBody `json:"transfer,omitempty"`
}

type withdrawBody struct {
	Shares   uint64        `json:"shares"`
	Transfer *transferBody `json:"transfer,omitempty"`
}

type borrowBody struct {
	CollateralAssetID uint64        `json:"collateralAssetId"`
	CollateralAmount  uint64        `json:"collateralAmount"`
	LoanAmount        uint64        `json:"loanAmount"`
	Transfer          *transferBody `json:"transfer,omitempty"`
}

type repayBody struct {
	Borrower          *crypto.Address `json:"borrower,omitempty"`
	CollateralAssetID uint64          `json:"collateralAssetId"`
	Amount            uint64          `json:"amount"`
	Transfer          *transferBody   `json:"transfer,omitempty"`
}

type withdrawCollateralBody struct {
	CollateralAssetID uint64 `json:"collateralAssetId"`
	Amount            uint64 `json:"amount"`
}

type liquidateBody struct {
	Borrower          crypto.Address `json:"borrower"`
	CollateralAssetID uint64         `json:"collateralAssetId"`
	Amount            uint64         `json:"amount"`
	Transfer          *transferBody  `json:"transfer,omitempty"`
}

// prepare decodes body and loads the pool so transfer defaults can be filled.
func (s *Server) prepare(w http.ResponseWriter, r *http.Request, body any) (*lending.Pool, crypto.Address, bool) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return nil, crypto.Address{}, false
	}
	if body != nil {
		if err := decodeBody(r, body); err != nil {
			s.writeError(w, r, err)
			return nil, crypto.Address{}, false
		}
	}
	pool, err := s.pool()
	if err != nil {
		s.writeError(w, r, err)
		return nil, crypto.Address{}, false
	}
	return pool, principal.Caller, true
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var body depositBody
	pool, caller, ok := s.prepare(w, r, &body)
	if !ok {
		return
	}
	in := body.Transfer.build(caller, pool.Address, pool.BaseAssetID, body.Amount)
	s.execute(w, r, opDeposit, []lending.Transfer{in}, func(_ context.Context, e *lending.Engine, p *lending.Pool, call lending.Call) (*lending.Receipt, error) {
		return e.Deposit(p, call, body.Amount, in)
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var body withdrawBody
	pool, caller, ok := s.prepare(w, r, &body)
	if !ok {
		return
	}
	in := body.Transfer.build(caller, pool.Address, pool.ShareAssetID, body.Shares)
	s.execute(w, r, opWithdraw, []lending.Transfer{in}, func(_ context.Context, e *lending.Engine, p *lending.Pool, call lending.Call) (*lending.Receipt, error) {
		return e.Withdraw(p, call, body.Shares, in)
	})
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	var body borrowBody
	pool, caller, ok := s.prepare(w, r, &body)
	if !ok {
		return
	}
	req := lending.BorrowRequest{
		Borrower:          caller,
		CollateralAssetID: body.CollateralAssetID,
		Collateral:        body.Transfer.build(caller, pool.Address, body.CollateralAssetID, body.CollateralAmount),
		LoanAmount:        body.LoanAmount,
	}
	s.execute(w, r, opBorrow, []lending.Transfer{req.Collateral}, func(ctx context.Context, e *lending.Engine, p *lending.Pool, call lending.Call) (*lending.Receipt, error) {
		return e.Borrow(ctx, p, call, req)
	})
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	var body repayBody
	pool, caller, ok := s.prepare(w, r, &body)
	if !ok {
		return
	}
	borrower := caller
	if body.Borrower != nil {
		borrower = *body.Borrower
	}
	in := body.Transfer.build(caller, pool.Address, pool.BaseAssetID, body.Amount)
	s.execute(w, r, opRepay, []lending.Transfer{in}, func(_ context.Context, e *lending.Engine, p *lending.Pool, call lending.Call) (*lending.Receipt, error) {
		return e.Repay(p, call, borrower, body.CollateralAssetID, in)
	})
}

func (s *Server) handleWithdrawCollateral(w http.ResponseWriter, r *http.Request) {
	var body withdrawCollateralBody
	if _, _, ok := s.prepare(w, r, &body); !ok {
		return
	}
	s.execute(w, r, opWithdrawCollateral, nil, func(ctx context.Context, e *lending.Engine, p *lending.Pool, call lending.Call) (*lending.Receipt, error) {
		return e.WithdrawCollateral(ctx, p, call, body.CollateralAssetID, body.Amount)
	})
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var body liquidateBody
	pool, caller, ok := s.prepare(w, r, &body)
	if !ok {
		return
	}
	if body.Borrower.IsZero() {
		s.writeError(w, r, fmt.Errorf("%w: borrower required", errBadRequest))
		return
	}
	in := body.Transfer.build(caller, pool.Address, pool.BaseAssetID, body.Amount)
	s.execute(w, r, opLiquidate, []lending.Transfer{in}, func(ctx context.Context, e *lending.Engine, p *lending.Pool, call lending.Call) (*lending.Receipt, error) {
		return e.Liquidate(ctx, p, call, body.Borrower, body.CollateralAssetID, in)
	})
}

func (s *Server) handleAccrue(w http.ResponseWriter, r *http.Request) {
	s.execute(w, r, opAccrue, nil, func(_ context.Context, e *lending.Engine, p *lending.Pool, call lending.Call) (*lending.Receipt, error) {
		return e.Accrue(p, call)
	})
}
