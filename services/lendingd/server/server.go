package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"onloan/core/events"
	"onloan/gateway/middleware"
	"onloan/native/bank"
	nativecommon "onloan/native/common"
	"onloan/native/lending"
	"onloan/observability"
	"onloan/storage/journal"
)

const maxBodyBytes = 64 << 10

// Rate limit groups.
const (
	GroupRead     = "read"
	GroupMutation = "mutation"
	GroupAdmin    = "admin"
	GroupStream   = "stream"
)

// EventLister is the read side of the event journal.
type EventLister interface {
	List(ctx context.Context, filter journal.Filter) ([]events.Record, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Engine         *lending.Engine
	Oracle         lending.PriceOracle
	Journal        EventLister
	Hub            *Hub
	Idempotency    *IdempotencyStore
	IdempotencyTTL time.Duration
	Auth           *middleware.Authenticator
	// Signed, when set, authenticates keeper API-key requests ahead of
	// bearer tokens.
	Signed        *middleware.SignedRequests
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Quota         *nativecommon.QuotaTracker
	// Faucet, when set, mounts POST /v1/dev/mint against the in-process
	// bank ledger.
	Faucet *bank.Ledger
	Logger *slog.Logger
	Now    func() time.Time
}

// Server exposes the lending engine over HTTP+JSON.
type Server struct {
	engine         *lending.Engine
	oracle         lending.PriceOracle
	journal        EventLister
	hub            *Hub
	idempotency    *IdempotencyStore
	idempotencyTTL time.Duration
	auth           *middleware.Authenticator
	signed         *middleware.SignedRequests
	limiter        *middleware.RateLimiter
	obs            *middleware.Observability
	cors           middleware.CORSConfig
	quota          *nativecommon.QuotaTracker
	faucet         *bank.Ledger
	logger         *slog.Logger
	now            func() time.Time

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("server: engine required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub()
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	if cfg.Auth == nil {
		cfg.Auth = middleware.NewAuthenticator(middleware.AuthConfig{}, cfg.Logger)
	}
	if cfg.RateLimiter == nil {
		cfg.RateLimiter = middleware.NewRateLimiter(nil, cfg.Logger)
	}
	if cfg.Observability == nil {
		cfg.Observability = middleware.NewObservability(middleware.ObservabilityConfig{}, cfg.Logger)
	}
	s := &Server{
		engine:         cfg.Engine,
		oracle:         cfg.Oracle,
		journal:        cfg.Journal,
		hub:            cfg.Hub,
		idempotency:    cfg.Idempotency,
		idempotencyTTL: cfg.IdempotencyTTL,
		auth:           cfg.Auth,
		signed:         cfg.Signed,
		limiter:        cfg.RateLimiter,
		obs:            cfg.Observability,
		cors:           cfg.CORS,
		quota:          cfg.Quota,
		faucet:         cfg.Faucet,
		logger:         cfg.Logger,
		now:            cfg.Now,
	}
	s.limiter.OnThrottle(func(group string) {
		observability.Lending().RecordThrottle("rate_" + group)
	})
	s.router = s.buildRouter()
	return s, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(s.cors))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.obs.MetricsHandler())

	r.Route("/v1", func(api chi.Router) {
		if s.signed != nil {
			api.Use(s.signed.Middleware)
		}
		api.Use(s.auth.Middleware())

		api.Get("/events/stream", s.limited(GroupStream, s.handleEventStream))

		api.Method(http.MethodGet, "/pool", s.read("pool", s.handlePool))
		api.Method(http.MethodGet, "/pool/lenders/{address}", s.read("pool.lender", s.handleLender))
		api.Method(http.MethodPost, "/pool/deposit", s.mutate("pool.deposit", s.handleDeposit))
		api.Method(http.MethodPost, "/pool/withdraw", s.mutate("pool.withdraw", s.handleWithdraw))

		api.Method(http.MethodGet, "/collateral/quote", s.read("collateral.quote", s.handleCollateralQuote))
		api.Method(http.MethodPost, "/loans/borrow", s.mutate("loans.borrow", s.handleBorrow))
		api.Method(http.MethodPost, "/loans/repay", s.mutate("loans.repay", s.handleRepay))
		api.Method(http.MethodGet, "/loans/{borrower}", s.read("loans.get", s.handleLoan))
		api.Method(http.MethodGet, "/loans/{borrower}/due", s.read("loans.due", s.handleDue))
		api.Method(http.MethodGet, "/loans/{borrower}/history", s.read("loans.history", s.handleHistory))
		api.Method(http.MethodPost, "/loans/{borrower}/liquidate", s.mutate("loans.liquidate", s.handleLiquidate))

		api.Method(http.MethodGet, "/credit/{borrower}", s.read("credit.get", s.handleCredit))

		api.Method(http.MethodGet, "/oracle/price", s.read("oracle.price", s.handlePrice))
		api.Method(http.MethodGet, "/events", s.read("events.list", s.handleEvents))
		api.Method(http.MethodGet, "/state", s.read("state", s.handleState))

		api.Route("/admin", func(admin chi.Router) {
			admin.Method(http.MethodPost, "/credit/{borrower}/score", s.admin("admin.score", s.handleScore))
			admin.Method(http.MethodPost, "/credit/{borrower}/limit", s.admin("admin.limit", s.handleRefreshLimit))
			admin.Method(http.MethodPost, "/pause", s.admin("admin.pause", s.handlePause))
			admin.Method(http.MethodPost, "/unpause", s.admin("admin.unpause", s.handleUnpause))
		})

		if s.faucet != nil {
			api.Method(http.MethodPost, "/dev/mint", s.mutate("dev.mint", s.handleMint))
		}
	})
	return r
}

func (s *Server) limited(group string, h http.HandlerFunc) http.HandlerFunc {
	return s.limiter.Middleware(group)(h).ServeHTTP
}

func (s *Server) read(route string, h http.HandlerFunc) http.Handler {
	return s.obs.Middleware(route)(s.limiter.Middleware(GroupRead)(h))
}

func (s *Server) mutate(route string, h http.HandlerFunc) http.Handler {
	return s.obs.Middleware(route)(s.limiter.Middleware(GroupMutation)(s.idempotent(h)))
}

func (s *Server) admin(route string, h http.HandlerFunc) http.Handler {
	return s.obs.Middleware(route)(s.limiter.Middleware(GroupAdmin)(s.idempotent(h)))
}

// observe records the outcome of an engine operation.
func observe(op string, start time.Time, err error) {
	observability.Lending().Observe(op, err, time.Since(start))
}

// charge applies the per-caller quota to a mutation moving volume minor
// units. Callers refund the charge when the engine rejects the mutation.
func (s *Server) charge(w http.ResponseWriter, caller common.Address, volume uint64) (nativecommon.QuotaCharge, bool) {
	charge, err := s.quota.Reserve(caller, volume)
	if err != nil {
		observability.Lending().RecordThrottle("quota")
		writeEngineError(w, err)
		return nativecommon.QuotaCharge{}, false
	}
	return charge, true
}

func callerFrom(r *http.Request) (common.Address, bool) {
	return middleware.CallerFromContext(r.Context())
}

func requireCaller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	caller, ok := callerFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "caller identity required", nil)
	}
	return caller, ok
}

func parseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func pathAddress(w http.ResponseWriter, r *http.Request, param string) (common.Address, bool) {
	addr, err := parseAddress(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error(), map[string]any{"param": param})
		return common.Address{}, false
	}
	return addr, true
}

type invalidQueryError string

func (e invalidQueryError) Error() string { return fmt.Sprintf("invalid %s parameter", string(e)) }

func errInvalidQuery(name string) error { return invalidQueryError(name) }

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid payload", map[string]any{"reason": err.Error()})
		return false
	}
	return true
}
