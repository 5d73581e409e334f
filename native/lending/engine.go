package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"onloan/core/events"
	"onloan/native/bank"
	nativecommon "onloan/native/common"
)

const moduleName = "lending"

// ModuleName is the key the lending module uses in pause views.
const ModuleName = moduleName

// PriceOracle supplies the current stable-per-native price.
type PriceOracle interface {
	CurrentRate(ctx context.Context) (Quote, error)
}

// Engine orchestrates the state transitions of the lending pool. Mutations
// are serialised behind a single write lock and either apply completely or
// not at all; queries take the read lock and never observe partial state.
type Engine struct {
	mu                sync.RWMutex
	state             *State
	store             Store
	transfers         bank.Provider
	oracle            PriceOracle
	gate              nativecommon.Gate
	emitter           events.Emitter
	clock             func() time.Time
	logger            *slog.Logger
	cfg               Config
	poolAddress       common.Address
	collateralAddress common.Address
	seizeRecipient    common.Address
}

// NewEngine constructs a lending engine holding pool funds at poolAddr and
// pledged collateral at collateralAddr. Seized collateral goes to the pool
// address until SetSeizeRecipient says otherwise.
func NewEngine(poolAddr, collateralAddr common.Address, cfg Config) *Engine {
	cfg = cfg.Clone()
	cfg.EnsureDefaults()
	return &Engine{
		state:             NewState(),
		clock:             time.Now,
		logger:            slog.Default(),
		cfg:               cfg,
		poolAddress:       poolAddr,
		collateralAddress: collateralAddr,
		seizeRecipient:    poolAddr,
	}
}

// SetStore wires persistence and replaces the in-memory state with the
// store's committed state.
func (e *Engine) SetStore(store Store) error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store = store
	if store == nil {
		return nil
	}
	loaded, err := store.Load()
	if err != nil {
		return fmt.Errorf("lending: load state: %w", err)
	}
	if loaded == nil {
		loaded = NewState()
	}
	loaded.ensureMaps()
	e.state = loaded
	e.syncPauseLocked()
	return nil
}

// SetTransfers configures the custody provider that moves funds.
func (e *Engine) SetTransfers(p bank.Provider) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.transfers = p
	e.mu.Unlock()
}

// SetOracle configures the price source used for native collateral.
func (e *Engine) SetOracle(o PriceOracle) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.oracle = o
	e.mu.Unlock()
}

// SetGate configures pause flags and authorization. Without a gate nothing is
// paused and every privileged call is refused.
func (e *Engine) SetGate(g nativecommon.Gate) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gate = g
	e.syncPauseLocked()
}

func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.emitter = emitter
	e.mu.Unlock()
}

// SetClock overrides the time source, mainly for tests.
func (e *Engine) SetClock(clock func() time.Time) {
	if e == nil || clock == nil {
		return
	}
	e.mu.Lock()
	e.clock = clock
	e.mu.Unlock()
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil || logger == nil {
		return
	}
	e.mu.Lock()
	e.logger = logger
	e.mu.Unlock()
}

// SetSeizeRecipient configures where liquidated collateral is sent.
func (e *Engine) SetSeizeRecipient(addr common.Address) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.seizeRecipient = addr
	e.mu.Unlock()
}

// Config returns a copy of the active risk policy.
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.Clone()
}

// PoolAddress is the custody account holding lender funds.
func (e *Engine) PoolAddress() common.Address { return e.poolAddress }

// CollateralAddress is the custody account holding pledged collateral.
func (e *Engine) CollateralAddress() common.Address { return e.collateralAddress }

func (e *Engine) syncPauseLocked() {
	if e.gate != nil && e.state != nil && e.state.Paused {
		e.gate.SetPaused(moduleName, true)
	}
}

func (e *Engine) now() time.Time { return e.clock().UTC() }

// mutate runs fn against a staged transaction under the write lock and
// commits the result. A paused module is rejected before fn runs.
func (e *Engine) mutate(ctx context.Context, op string, fn func(txn *ledgerTxn) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := nativecommon.Guard(e.gate, moduleName); err != nil {
		return err
	}
	txn := newTxn(e.state)
	txn.now = e.now()
	if err := fn(txn); err != nil {
		e.logger.Debug("lending operation rejected", "op", op, "error", err)
		return err
	}
	return e.commit(ctx, op, txn)
}

// commit executes the staged transfers as one batch, persists the change set
// and only then applies it to the committed state and emits events. A store
// failure after a successful batch triggers the compensating batch.
func (e *Engine) commit(ctx context.Context, op string, txn *ledgerTxn) error {
	if txn.empty() {
		return nil
	}
	ref := uuid.NewString()
	if len(txn.transfers) > 0 {
		if e.transfers == nil {
			return fmt.Errorf("%w: no transfer provider configured", ErrTransferFailed)
		}
		if err := e.transfers.Execute(ctx, ref, txn.transfers); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrTransferFailed, op, err)
		}
	}
	changes := txn.changes()
	if e.store != nil {
		if err := e.store.Commit(changes); err != nil {
			if len(txn.transfers) > 0 {
				revert := bank.ReverseBatch(txn.transfers)
				if rerr := e.transfers.Execute(context.WithoutCancel(ctx), ref+"-revert", revert); rerr != nil {
					e.logger.Error("lending compensating transfer failed", "op", op, "ref", ref, "error", rerr)
				}
			}
			return fmt.Errorf("lending: persist %s: %w", op, err)
		}
	}
	e.state.apply(changes)

	seq := changes.Seq - uint64(len(txn.events))
	for _, ev := range txn.events {
		seq++
		if e.emitter != nil {
			e.emitter.Emit(events.NewRecord(seq, uuid.NewString(), txn.now, ev))
		}
	}
	e.logger.Info("lending operation committed",
		"op", op,
		"ref", ref,
		"transfers", len(txn.transfers),
		"events", len(txn.events),
		"seq", changes.Seq)
	return nil
}

func (e *Engine) currentQuote(ctx context.Context) (Quote, error) {
	if e.oracle == nil {
		return Quote{}, fmt.Errorf("%w: no oracle configured", ErrOracleUnavailable)
	}
	quote, err := e.oracle.CurrentRate(ctx)
	if err != nil {
		if errors.Is(err, ErrOracleUnavailable) {
			return Quote{}, err
		}
		return Quote{}, fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
	}
	if quote.Price.IsZero() {
		return Quote{}, fmt.Errorf("%w: zero price", ErrOracleUnavailable)
	}
	return quote, nil
}

func (e *Engine) authorize(caller common.Address, action nativecommon.Action) error {
	if e.gate == nil {
		return ErrUnauthorized
	}
	return e.gate.Authorize(caller, action)
}

// Pause halts every mutating entry point. Only the owner may pause.
func (e *Engine) Pause(ctx context.Context, caller common.Address) error {
	return e.setPaused(ctx, caller, true)
}

// Unpause resumes normal operation. Only the owner may unpause.
func (e *Engine) Unpause(ctx context.Context, caller common.Address) error {
	return e.setPaused(ctx, caller, false)
}

func (e *Engine) setPaused(ctx context.Context, caller common.Address, paused bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.authorize(caller, nativecommon.ActionAdmin); err != nil {
		return err
	}
	if e.gate.IsPaused(moduleName) == paused {
		return nil
	}
	txn := newTxn(e.state)
	txn.now = e.now()
	txn.setPaused(paused)
	txn.emit(PauseChanged{By: caller, Paused: paused})
	if err := e.commit(ctx, "pause", txn); err != nil {
		return err
	}
	e.gate.SetPaused(moduleName, paused)
	return nil
}

// Paused reports whether mutations are currently halted.
func (e *Engine) Paused() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.gate != nil && e.gate.IsPaused(moduleName)
}
