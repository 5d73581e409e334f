package server

import (
	"context"
	"encoding/hex"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"onloan/core/amount"
	"onloan/core/events"
	"onloan/native/bank"
	"onloan/native/lending"
	"onloan/observability"
)

type amountRequest struct {
	Amount string `json:"amount"`
}

type collateralRequest struct {
	Kind   string `json:"kind"`
	Amount string `json:"amount"`
}

type borrowRequest struct {
	Amount          string            `json:"amount"`
	DurationSeconds uint64            `json:"durationSeconds"`
	Category        string            `json:"category"`
	Collateral      collateralRequest `json:"collateral"`
}

type scoreRequest struct {
	Improved bool `json:"improved"`
}

type mintRequest struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

type lenderResponse struct {
	Lender  common.Address      `json:"lender"`
	Balance amount.StableAmount `json:"balance"`
	Pool    lending.PoolState   `json:"pool"`
}

// loanView decorates a loan with its derived fields at response time.
type loanView struct {
	lending.Loan
	Maturity time.Time           `json:"maturity"`
	Overdue  bool                `json:"overdue"`
	Due      amount.StableAmount `json:"due"`
}

type dueResponse struct {
	Borrower common.Address      `json:"borrower"`
	Due      amount.StableAmount `json:"due"`
	AsOf     time.Time           `json:"asOf"`
}

type historyResponse struct {
	Borrower common.Address `json:"borrower"`
	Active   *loanView      `json:"active,omitempty"`
	Closed   []lending.Loan `json:"closed"`
}

type eventsResponse struct {
	Events []events.Record `json:"events"`
	Next   uint64          `json:"next"`
}

type stateResponse struct {
	Digest     string `json:"digest"`
	Paused     bool   `json:"paused"`
	Invariants string `json:"invariants"`
}

func (s *Server) view(loan lending.Loan) loanView {
	out := loanView{Loan: loan, Maturity: loan.Maturity(), Overdue: loan.Overdue(s.now())}
	if loan.Active() {
		if due, err := s.engine.CalculateDueAmount(loan.Borrower); err == nil {
			out.Due = due
		}
	}
	return out
}

func parseStable(w http.ResponseWriter, raw string) (amount.StableAmount, bool) {
	value, err := amount.Parse[amount.Stable](raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid amount", map[string]any{"reason": err.Error()})
		return amount.StableAmount{}, false
	}
	return value, true
}

// volumeOf is the quota volume of a stable amount in minor units.
func volumeOf(v amount.StableAmount) uint64 {
	minor := v.Minor()
	if !minor.IsUint64() {
		return math.MaxUint64
	}
	return minor.Uint64()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"paused":      s.engine.Paused(),
		"subscribers": s.hub.Subscribers(),
	})
}

func (s *Server) handlePool(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Pool())
}

func (s *Server) handleLender(w http.ResponseWriter, r *http.Request) {
	lender, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, lenderResponse{
		Lender:  lender,
		Balance: s.engine.LenderBalance(lender),
		Pool:    s.engine.Pool(),
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.poolMutation(w, r, "deposit", s.engine.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.poolMutation(w, r, "withdraw", s.engine.Withdraw)
}

func (s *Server) poolMutation(w http.ResponseWriter, r *http.Request, op string, apply func(context.Context, common.Address, amount.StableAmount) error) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	value, ok := parseStable(w, req.Amount)
	if !ok {
		return
	}
	charge, ok := s.charge(w, caller, volumeOf(value))
	if !ok {
		return
	}
	start := time.Now()
	err := apply(r.Context(), caller, value)
	observe(op, start, err)
	if err != nil {
		s.quota.Refund(charge)
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lenderResponse{
		Lender:  caller,
		Balance: s.engine.LenderBalance(caller),
		Pool:    s.engine.Pool(),
	})
}

func (s *Server) handleCollateralQuote(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	principal, ok := parseStable(w, query.Get("amount"))
	if !ok {
		return
	}
	kind := lending.CollateralNative
	if raw := strings.TrimSpace(query.Get("kind")); raw != "" {
		parsed, err := lending.ParseCollateralKind(raw)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		kind = parsed
	}
	required, err := s.engine.RequiredCollateral(r.Context(), principal, kind)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, required)
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req borrowRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	principal, ok := parseStable(w, req.Amount)
	if !ok {
		return
	}
	category := lending.CategoryPersonal
	if strings.TrimSpace(req.Category) != "" {
		parsed, err := lending.ParseCategory(req.Category)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		category = parsed
	}
	kind, err := lending.ParseCollateralKind(req.Collateral.Kind)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	var collateral lending.Collateral
	switch kind {
	case lending.CollateralNative:
		v, err := amount.Parse[amount.Native](req.Collateral.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid collateral amount", map[string]any{"reason": err.Error()})
			return
		}
		collateral = lending.NativeCollateral(v)
	default:
		v, ok := parseStable(w, req.Collateral.Amount)
		if !ok {
			return
		}
		collateral = lending.StableCollateral(v)
	}
	charge, ok := s.charge(w, caller, volumeOf(principal))
	if !ok {
		return
	}
	start := time.Now()
	loan, err := s.engine.Borrow(r.Context(), lending.BorrowRequest{
		Borrower:        caller,
		Amount:          principal,
		DurationSeconds: req.DurationSeconds,
		Category:        category,
		Collateral:      collateral,
	})
	observe("borrow", start, err)
	if err != nil {
		s.quota.Refund(charge)
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.view(loan))
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	value, ok := parseStable(w, req.Amount)
	if !ok {
		return
	}
	charge, ok := s.charge(w, caller, volumeOf(value))
	if !ok {
		return
	}
	start := time.Now()
	loan, err := s.engine.Repay(r.Context(), caller, value)
	observe("repay", start, err)
	if err != nil {
		s.quota.Refund(charge)
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(loan))
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	borrower, ok := pathAddress(w, r, "borrower")
	if !ok {
		return
	}
	charge, ok := s.charge(w, caller, 0)
	if !ok {
		return
	}
	start := time.Now()
	result, err := s.engine.Liquidate(r.Context(), caller, borrower)
	observe("liquidate", start, err)
	if err != nil {
		s.quota.Refund(charge)
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleLoan(w http.ResponseWriter, r *http.Request) {
	borrower, ok := pathAddress(w, r, "borrower")
	if !ok {
		return
	}
	loan, found := s.engine.Loan(borrower)
	if !found {
		writeEngineError(w, lending.ErrNoActiveLoan)
		return
	}
	writeJSON(w, http.StatusOK, s.view(loan))
}

func (s *Server) handleDue(w http.ResponseWriter, r *http.Request) {
	borrower, ok := pathAddress(w, r, "borrower")
	if !ok {
		return
	}
	due, err := s.engine.CalculateDueAmount(borrower)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dueResponse{Borrower: borrower, Due: due, AsOf: s.now()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	borrower, ok := pathAddress(w, r, "borrower")
	if !ok {
		return
	}
	out := historyResponse{Borrower: borrower, Closed: s.engine.LoanHistory(borrower)}
	if out.Closed == nil {
		out.Closed = []lending.Loan{}
	}
	if loan, found := s.engine.Loan(borrower); found {
		active := s.view(loan)
		out.Active = &active
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	borrower, ok := pathAddress(w, r, "borrower")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.engine.CreditProfile(borrower))
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	borrower, ok := pathAddress(w, r, "borrower")
	if !ok {
		return
	}
	var req scoreRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	start := time.Now()
	profile, err := s.engine.SetCreditScore(r.Context(), caller, borrower, req.Improved)
	observe("set_credit_score", start, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleRefreshLimit(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	borrower, ok := pathAddress(w, r, "borrower")
	if !ok {
		return
	}
	start := time.Now()
	profile, err := s.engine.RefreshBorrowLimit(r.Context(), caller, borrower)
	observe("refresh_borrow_limit", start, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.pauseMutation(w, r, "pause", s.engine.Pause)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	s.pauseMutation(w, r, "unpause", s.engine.Unpause)
}

func (s *Server) pauseMutation(w http.ResponseWriter, r *http.Request, op string, apply func(context.Context, common.Address) error) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	start := time.Now()
	err := apply(r.Context(), caller)
	observe(op, start, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": s.engine.Paused()})
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	if s.oracle == nil {
		writeEngineError(w, lending.ErrOracleUnavailable)
		return
	}
	quote, err := s.oracle.CurrentRate(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotImplemented, codeUnavailable, "event journal disabled", nil)
		return
	}
	filter, err := parseEventFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error(), nil)
		return
	}
	records, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list events failed", "error", err)
		writeEngineError(w, err)
		return
	}
	next := filter.AfterSeq
	if len(records) > 0 {
		next = records[len(records)-1].Seq
	}
	if records == nil {
		records = []events.Record{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: records, Next: next})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	digest, err := s.engine.StateDigest()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := stateResponse{Digest: hex.EncodeToString(digest[:]), Paused: s.engine.Paused(), Invariants: "ok"}
	if err := s.engine.CheckInvariants(); err != nil {
		out.Invariants = err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	addr, err := parseAddress(req.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error(), nil)
		return
	}
	asset, err := bank.ParseAsset(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error(), nil)
		return
	}
	switch asset {
	case bank.AssetNative:
		v, err := amount.Parse[amount.Native](req.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid amount", nil)
			return
		}
		s.faucet.MintNative(addr, v)
		writeJSON(w, http.StatusOK, map[string]any{"address": addr, "asset": asset, "balance": s.faucet.NativeBalance(addr)})
	default:
		v, ok := parseStable(w, req.Amount)
		if !ok {
			return
		}
		s.faucet.MintStable(addr, v)
		writeJSON(w, http.StatusOK, map[string]any{"address": addr, "asset": asset, "balance": s.faucet.StableBalance(addr)})
	}
}

// InstrumentOracle counts every price read made through o.
func InstrumentOracle(o lending.PriceOracle) lending.PriceOracle {
	return instrumentedOracle{next: o}
}

type instrumentedOracle struct {
	next lending.PriceOracle
}

func (o instrumentedOracle) CurrentRate(ctx context.Context) (lending.Quote, error) {
	quote, err := o.next.CurrentRate(ctx)
	observability.Lending().RecordOracleRead(err)
	return quote, err
}
