package lending

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"onloan/core/events"
	"onloan/native/bank"
)

// State is the committed ledger. Only the engine mutates it, and only by
// applying a ChangeSet after the matching transfers and store commit have
// succeeded.
type State struct {
	Pool     PoolState                        `json:"pool"`
	Lenders  map[common.Address]LenderAccount `json:"lenders"`
	Profiles map[common.Address]CreditProfile `json:"profiles"`
	Loans    map[common.Address]Loan          `json:"loans"`
	History  map[common.Address][]Loan        `json:"history"`
	Seq      uint64                           `json:"seq"`
	Paused   bool                             `json:"paused"`
}

// NewState returns an empty ledger.
func NewState() *State {
	return &State{
		Lenders:  make(map[common.Address]LenderAccount),
		Profiles: make(map[common.Address]CreditProfile),
		Loans:    make(map[common.Address]Loan),
		History:  make(map[common.Address][]Loan),
	}
}

func (s *State) ensureMaps() {
	if s.Lenders == nil {
		s.Lenders = make(map[common.Address]LenderAccount)
	}
	if s.Profiles == nil {
		s.Profiles = make(map[common.Address]CreditProfile)
	}
	if s.Loans == nil {
		s.Loans = make(map[common.Address]Loan)
	}
	if s.History == nil {
		s.History = make(map[common.Address][]Loan)
	}
}

// ChangeSet is the delta produced by one successful operation.
type ChangeSet struct {
	Pool     PoolState
	Lenders  []LenderAccount
	Profiles []CreditProfile
	// Loans are upserted into the active set.
	Loans []Loan
	// Closed loans leave the active set and are appended to history.
	Closed []Loan
	Seq    uint64
	Paused *bool
}

// Store persists committed changes. Commit must be atomic.
type Store interface {
	Load() (*State, error)
	Commit(changes *ChangeSet) error
}

func (s *State) apply(cs *ChangeSet) {
	s.Pool = cs.Pool
	for _, acc := range cs.Lenders {
		s.Lenders[acc.Lender] = acc
	}
	for _, profile := range cs.Profiles {
		s.Profiles[profile.Borrower] = profile
	}
	for _, loan := range cs.Loans {
		s.Loans[loan.Borrower] = loan
	}
	for _, loan := range cs.Closed {
		delete(s.Loans, loan.Borrower)
		s.History[loan.Borrower] = append(s.History[loan.Borrower], loan)
	}
	s.Seq = cs.Seq
	if cs.Paused != nil {
		s.Paused = *cs.Paused
	}
}

// ledgerTxn stages an operation's effects over the committed state. Reads see
// staged writes first; nothing reaches the base state until the engine
// applies the resulting ChangeSet.
type ledgerTxn struct {
	base      *State
	now       time.Time
	pool      PoolState
	lenders   map[common.Address]LenderAccount
	profiles  map[common.Address]CreditProfile
	loans     map[common.Address]Loan
	closed    []Loan
	transfers []bank.Transfer
	events    []events.Typed
	paused    *bool
}

func newTxn(base *State) *ledgerTxn {
	return &ledgerTxn{
		base:     base,
		pool:     base.Pool,
		lenders:  make(map[common.Address]LenderAccount),
		profiles: make(map[common.Address]CreditProfile),
		loans:    make(map[common.Address]Loan),
	}
}

func (t *ledgerTxn) lender(addr common.Address) LenderAccount {
	if acc, ok := t.lenders[addr]; ok {
		return acc
	}
	if acc, ok := t.base.Lenders[addr]; ok {
		return acc
	}
	return LenderAccount{Lender: addr}
}

func (t *ledgerTxn) putLender(acc LenderAccount) { t.lenders[acc.Lender] = acc }

func (t *ledgerTxn) profile(addr common.Address) (CreditProfile, bool) {
	if p, ok := t.profiles[addr]; ok {
		return p, true
	}
	p, ok := t.base.Profiles[addr]
	if !ok {
		p = CreditProfile{Borrower: addr}
	}
	return p, ok
}

func (t *ledgerTxn) putProfile(p CreditProfile) { t.profiles[p.Borrower] = p }

func (t *ledgerTxn) activeLoan(addr common.Address) (Loan, bool) {
	if loan, ok := t.loans[addr]; ok {
		return loan, loan.Active()
	}
	loan, ok := t.base.Loans[addr]
	return loan, ok && loan.Active()
}

func (t *ledgerTxn) putLoan(loan Loan) { t.loans[loan.Borrower] = loan }

func (t *ledgerTxn) closeLoan(loan Loan) {
	t.loans[loan.Borrower] = loan
	t.closed = append(t.closed, loan)
}

func (t *ledgerTxn) transfer(tr bank.Transfer) {
	if tr.Minor.IsZero() {
		return
	}
	t.transfers = append(t.transfers, tr)
}

func (t *ledgerTxn) emit(ev events.Typed) { t.events = append(t.events, ev) }

func (t *ledgerTxn) setPaused(paused bool) { t.paused = &paused }

func (t *ledgerTxn) empty() bool {
	return len(t.lenders) == 0 && len(t.profiles) == 0 && len(t.loans) == 0 &&
		len(t.transfers) == 0 && len(t.events) == 0 && t.paused == nil &&
		t.pool == t.base.Pool
}

func (t *ledgerTxn) changes() *ChangeSet {
	cs := &ChangeSet{
		Pool:   t.pool,
		Seq:    t.base.Seq + uint64(len(t.events)),
		Paused: t.paused,
		Closed: t.closed,
	}
	for _, acc := range t.lenders {
		cs.Lenders = append(cs.Lenders, acc)
	}
	for _, p := range t.profiles {
		cs.Profiles = append(cs.Profiles, p)
	}
	for _, loan := range t.loans {
		if loan.Active() {
			cs.Loans = append(cs.Loans, loan)
		}
	}
	return cs
}
