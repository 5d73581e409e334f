package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	policyconfig "onloan/config"
	"onloan/core/events"
	"onloan/gateway/middleware"
	"onloan/integrations/webhooks"
	"onloan/native/bank"
	nativecommon "onloan/native/common"
	"onloan/native/lending"
	"onloan/observability"
	"onloan/observability/logging"
	telemetry "onloan/observability/otel"
	"onloan/services/lendingd/config"
	"onloan/services/lendingd/server"
	"onloan/services/oracle"
	"onloan/storage"
	"onloan/storage/journal"
)

const (
	idempotencyPruneInterval = time.Hour
	keeperNonceWindow        = 10 * time.Minute
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.yaml", "path to lendingd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, logFile := logging.SetupWithFile("lendingd", cfg.Env, cfg.LogFile)
	defer logFile.Close()
	logger.Info("configuration loaded", "config", cfgPath, "listen", cfg.ListenAddress, "storage", cfg.Storage.Backend,
		"bank", cfg.Bank.Mode, "journal", cfg.Sanitized().Journal.DSN,
		logging.MaskField("bank_token", cfg.Bank.Token), logging.MaskField("webhook_secret", cfg.Webhook.Secret))

	telemetryCfg := cfg.Telemetry
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		telemetryCfg.Endpoint = endpoint
		telemetryCfg.Metrics = true
		telemetryCfg.Traces = true
	}
	if headers := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")); len(headers) > 0 {
		telemetryCfg.Headers = headers
	}
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			telemetryCfg.Insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryCfg)
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	policy, err := policyconfig.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		log.Fatalf("load policy: %v", err)
	}
	owner := policy.Access.OwnerAddress()
	gate := nativecommon.NewOwnerGate(owner, policy.Access.KeeperAddresses()...)
	gate.SetOpenLiquidations(policy.Access.OpenLiquidations)

	engine := lending.NewEngine(cfg.Pool(), cfg.Collateral(), policy.Lending)
	engine.SetLogger(logger)
	engine.SetGate(gate)
	if recipient, ok := policy.Access.SeizeRecipientAddress(); ok {
		engine.SetSeizeRecipient(recipient)
	}

	db, err := openDatabase(cfg.Storage)
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}
	defer db.Close()
	store, err := storage.NewLedgerStore(db)
	if err != nil {
		log.Fatalf("ledger store: %v", err)
	}
	if err := engine.SetStore(store); err != nil {
		log.Fatalf("restore ledger: %v", err)
	}

	var (
		eventJournal *journal.Journal
		lister       server.EventLister
	)
	if cfg.Journal.DSN != "" {
		eventJournal, err = journal.Open(cfg.Journal.DSN)
		if err != nil {
			log.Fatalf("open journal: %v", err)
		}
		defer eventJournal.Close()
		eventJournal.SetLogger(logger)
		lister = eventJournal
	}

	feed, err := buildFeed(cfg.Oracle, logger, eventJournal, cfg.Journal.RecordSamples)
	if err != nil {
		log.Fatalf("configure oracle: %v", err)
	}
	engine.SetOracle(server.InstrumentOracle(feed))

	var faucet *bank.Ledger
	switch cfg.Bank.Mode {
	case "remote":
		engine.SetTransfers(bank.NewRemoteProvider(cfg.Bank.Endpoint, cfg.Bank.Token, &http.Client{Timeout: cfg.Bank.Timeout}))
	default:
		ledger := bank.NewLedger()
		engine.SetTransfers(ledger)
		if cfg.FaucetEnabled() {
			faucet = ledger
		}
	}

	hub := server.NewHub()
	emitters := events.Multi{observability.Events(), hub}
	if eventJournal != nil {
		emitters = append(events.Multi{eventJournal}, emitters...)
	}
	if cfg.Webhook.Enabled() {
		dispatcher, err := webhooks.NewDispatcher(cfg.Webhook.Endpoint, []byte(cfg.Webhook.Secret),
			webhooks.WithTypes(cfg.Webhook.Types...),
			webhooks.WithQueueSize(cfg.Webhook.QueueSize),
			webhooks.WithRetryPolicy(cfg.Webhook.MaxAttempts, cfg.Webhook.MinBackoff, cfg.Webhook.MaxBackoff),
			webhooks.WithLogger(logger.With("component", "webhook")),
		)
		if err != nil {
			log.Fatalf("configure webhook: %v", err)
		}
		defer dispatcher.Close()
		emitters = append(emitters, dispatcher)
	}
	engine.SetEmitter(emitters)
	observability.RegisterPoolGauges(engine.Pool)

	if policy.Pauses.Lending && !engine.Paused() {
		if err := engine.Pause(context.Background(), owner); err != nil {
			log.Fatalf("apply policy pause: %v", err)
		}
	}

	var idempotency *server.IdempotencyStore
	if cfg.Idempotency.Path != "" {
		idempotency, err = server.OpenIdempotencyStore(cfg.Idempotency.Path, nil)
		if err != nil {
			log.Fatalf("open idempotency store: %v", err)
		}
		defer idempotency.Close()
	}

	var signed *middleware.SignedRequests
	if cfg.Keepers.Enabled() {
		nonceDB, err := openNonceStore(cfg.Keepers.NoncePath)
		if err != nil {
			log.Fatalf("open keeper nonce store: %v", err)
		}
		defer nonceDB.Close()
		signed, err = middleware.NewSignedRequests(cfg.Keepers, middleware.NewStoredNonces(nonceDB), logger)
		if err != nil {
			log.Fatalf("configure keeper keys: %v", err)
		}
		if err := signed.HydrateNonces(context.Background(), time.Now().Add(-keeperNonceWindow)); err != nil {
			log.Fatalf("hydrate keeper nonces: %v", err)
		}
		logger.Info("keeper API keys enabled", "keys", len(cfg.Keepers.Keys))
	}

	srv, err := server.New(server.Config{
		Engine:         engine,
		Oracle:         feed,
		Journal:        lister,
		Hub:            hub,
		Idempotency:    idempotency,
		IdempotencyTTL: cfg.Idempotency.TTL,
		Auth:           middleware.NewAuthenticator(cfg.Auth, logger),
		Signed:         signed,
		RateLimiter:    middleware.NewRateLimiter(cfg.RateLimits, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: "lendingd",
			LogRequests: true,
			Enabled:     true,
		}, logger),
		CORS:   cfg.CORS,
		Quota:  nativecommon.NewQuotaTracker(cfg.Quota),
		Faucet: faucet,
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("build server: %v", err)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.ListenAddress, err)
	}
	if !cfg.TLS.Enabled() {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !cfg.IsDev() && !loopback {
			log.Fatalf("plaintext lendingd mode is restricted to loopback listeners or dev environment")
		}
	}

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if idempotency != nil {
		go pruneIdempotency(ctx, idempotency, logger)
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("lendingd listening", "listen", cfg.ListenAddress, "tls", cfg.TLS.Enabled())
		if cfg.TLS.Enabled() {
			serverErr <- httpServer.ServeTLS(listener, cfg.TLS.CertPath, cfg.TLS.KeyPath)
			return
		}
		serverErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", "error", err)
			_ = httpServer.Close()
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve http: %v", err)
		}
	}
}

func openDatabase(cfg config.StorageConfig) (storage.Database, error) {
	if cfg.Backend == "memory" {
		return storage.NewMemDB(), nil
	}
	if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
		return nil, err
	}
	return storage.NewLevelDB(cfg.Path)
}

func openNonceStore(path string) (storage.Database, error) {
	if path == "" {
		return storage.NewMemDB(), nil
	}
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, err
	}
	return storage.NewLevelDB(path)
}

func buildFeed(cfg config.OracleConfig, logger *slog.Logger, recorder *journal.Journal, record bool) (*oracle.Feed, error) {
	registry := oracle.NewRegistry()
	sources := make([]oracle.Source, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		built, err := registry.Build(src.Name, src.Type, src.Endpoint, src.APIKey, src.Price)
		if err != nil {
			return nil, err
		}
		sources = append(sources, built)
	}
	opts := []oracle.Option{oracle.WithLogger(logger)}
	if recorder != nil && record {
		opts = append(opts, oracle.WithRecorder(recorder))
	}
	return oracle.NewFeed(sources, cfg.MaxAge, cfg.MinFeeds, opts...)
}

func pruneIdempotency(ctx context.Context, store *server.IdempotencyStore, logger *slog.Logger) {
	ticker := time.NewTicker(idempotencyPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := store.Prune(now)
			if err != nil {
				logger.Warn("idempotency prune failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Debug("idempotency records pruned", "removed", removed)
			}
		}
	}
}
