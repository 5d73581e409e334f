package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"onloan/native/lending"
)

var (
	poolKey      = []byte("pool")
	seqKey       = []byte("meta/seq")
	pausedKey    = []byte("meta/paused")
	lenderPrefix = []byte("lender/")
	creditPrefix = []byte("credit/")
	loanPrefix   = []byte("loan/")
	historyPref  = []byte("history/")
)

func lenderKey(addr common.Address) []byte {
	return append(append([]byte{}, lenderPrefix...), strings.ToLower(addr.Hex())...)
}

func creditKey(addr common.Address) []byte {
	return append(append([]byte{}, creditPrefix...), strings.ToLower(addr.Hex())...)
}

func loanKey(addr common.Address) []byte {
	return append(append([]byte{}, loanPrefix...), strings.ToLower(addr.Hex())...)
}

// historyKey orders archived loans by the commit sequence that closed them.
func historyKey(addr common.Address, seq uint64, idx int) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%04d", historyPref, strings.ToLower(addr.Hex()), seq, idx))
}

// LedgerStore persists the lending ledger in a Database. It implements
// lending.Store.
type LedgerStore struct {
	db Database
}

// NewLedgerStore wraps db.
func NewLedgerStore(db Database) (*LedgerStore, error) {
	if db == nil {
		return nil, errors.New("storage: database required")
	}
	return &LedgerStore{db: db}, nil
}

// Load rebuilds the committed ledger.
func (s *LedgerStore) Load() (*lending.State, error) {
	state := lending.NewState()
	if raw, err := s.db.Get(poolKey); err == nil {
		if err := json.Unmarshal(raw, &state.Pool); err != nil {
			return nil, fmt.Errorf("decode pool: %w", err)
		}
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("read pool: %w", err)
	}
	if raw, err := s.db.Get(seqKey); err == nil {
		if len(raw) != 8 {
			return nil, fmt.Errorf("decode seq: want 8 bytes, got %d", len(raw))
		}
		state.Seq = binary.BigEndian.Uint64(raw)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("read seq: %w", err)
	}
	if raw, err := s.db.Get(pausedKey); err == nil {
		state.Paused = bytes.Equal(raw, []byte{1})
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("read paused: %w", err)
	}

	var decodeErr error
	decode := func(prefix []byte, into func(raw []byte) error) error {
		err := s.db.Iterate(prefix, func(key, value []byte) bool {
			if err := into(value); err != nil {
				decodeErr = fmt.Errorf("decode %s: %w", key, err)
				return false
			}
			return true
		})
		if err != nil {
			return err
		}
		return decodeErr
	}
	if err := decode(lenderPrefix, func(raw []byte) error {
		var acc lending.LenderAccount
		if err := json.Unmarshal(raw, &acc); err != nil {
			return err
		}
		state.Lenders[acc.Lender] = acc
		return nil
	}); err != nil {
		return nil, err
	}
	if err := decode(creditPrefix, func(raw []byte) error {
		var profile lending.CreditProfile
		if err := json.Unmarshal(raw, &profile); err != nil {
			return err
		}
		state.Profiles[profile.Borrower] = profile
		return nil
	}); err != nil {
		return nil, err
	}
	if err := decode(loanPrefix, func(raw []byte) error {
		var loan lending.Loan
		if err := json.Unmarshal(raw, &loan); err != nil {
			return err
		}
		state.Loans[loan.Borrower] = loan
		return nil
	}); err != nil {
		return nil, err
	}
	if err := decode(historyPref, func(raw []byte) error {
		var loan lending.Loan
		if err := json.Unmarshal(raw, &loan); err != nil {
			return err
		}
		state.History[loan.Borrower] = append(state.History[loan.Borrower], loan)
		return nil
	}); err != nil {
		return nil, err
	}
	return state, nil
}

// Commit writes every touched record in a single batch.
func (s *LedgerStore) Commit(changes *lending.ChangeSet) error {
	if changes == nil {
		return nil
	}
	batch := new(Batch)
	put := func(key []byte, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		batch.Put(key, raw)
		return nil
	}
	if err := put(poolKey, changes.Pool); err != nil {
		return err
	}
	for _, acc := range changes.Lenders {
		if err := put(lenderKey(acc.Lender), acc); err != nil {
			return err
		}
	}
	for _, profile := range changes.Profiles {
		if err := put(creditKey(profile.Borrower), profile); err != nil {
			return err
		}
	}
	for _, loan := range changes.Loans {
		if err := put(loanKey(loan.Borrower), loan); err != nil {
			return err
		}
	}
	for i, loan := range changes.Closed {
		batch.Delete(loanKey(loan.Borrower))
		if err := put(historyKey(loan.Borrower, changes.Seq, i), loan); err != nil {
			return err
		}
	}
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], changes.Seq)
	batch.Put(seqKey, seq[:])
	if changes.Paused != nil {
		flag := byte(0)
		if *changes.Paused {
			flag = 1
		}
		batch.Put(pausedKey, []byte{flag})
	}
	return s.db.Write(batch)
}

var _ lending.Store = (*LedgerStore)(nil)
