package lending

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"onloan/core/amount"
	nativecommon "onloan/native/common"
)

// BorrowLimitFor derives the borrow limit the policy grants at score.
func (c Config) BorrowLimitFor(score uint64) amount.StableAmount {
	return borrowLimitFor(score, c.MinScore, c.BaseBorrowLimit)
}

// refreshScore registers or updates borrower's score: an improvement adds
// ScoreIncrement up to MaxScore, anything else resets to FailingScore. The
// limit is always recomputed from the resulting score.
func (e *Engine) refreshScore(txn *ledgerTxn, borrower common.Address, improved bool) CreditProfile {
	profile, _ := txn.profile(borrower)
	previous := profile.Score
	if improved {
		next := profile.Score + e.cfg.ScoreIncrement
		if next > e.cfg.MaxScore || next < profile.Score {
			next = e.cfg.MaxScore
		}
		profile.Score = next
	} else {
		profile.Score = e.cfg.FailingScore
	}
	profile.BorrowLimit = e.cfg.BorrowLimitFor(profile.Score)
	profile.UpdatedAt = txn.now
	txn.putProfile(profile)
	txn.emit(CreditScoreUpdated{Borrower: borrower, Previous: previous, Score: profile.Score})
	txn.emit(BorrowLimitUpdated{Borrower: borrower, Limit: profile.BorrowLimit})
	return profile
}

// SetCreditScore lets the owner register a borrower or move their score one
// step up (improved) or back to the failing score.
func (e *Engine) SetCreditScore(ctx context.Context, caller, borrower common.Address, improved bool) (CreditProfile, error) {
	var out CreditProfile
	err := e.mutate(ctx, "credit_score", func(txn *ledgerTxn) error {
		if err := e.authorize(caller, nativecommon.ActionAdmin); err != nil {
			return err
		}
		out = e.refreshScore(txn, borrower, improved)
		return nil
	})
	return out, err
}

// RefreshBorrowLimit recomputes a borrower's limit from their current score.
func (e *Engine) RefreshBorrowLimit(ctx context.Context, caller, borrower common.Address) (CreditProfile, error) {
	var out CreditProfile
	err := e.mutate(ctx, "borrow_limit", func(txn *ledgerTxn) error {
		if err := e.authorize(caller, nativecommon.ActionAdmin); err != nil {
			return err
		}
		profile, _ := txn.profile(borrower)
		profile.BorrowLimit = e.cfg.BorrowLimitFor(profile.Score)
		profile.UpdatedAt = txn.now
		txn.putProfile(profile)
		txn.emit(BorrowLimitUpdated{Borrower: borrower, Limit: profile.BorrowLimit})
		out = profile
		return nil
	})
	return out, err
}

// CreditProfile returns borrower's profile; unknown borrowers have score 0.
func (e *Engine) CreditProfile(borrower common.Address) CreditProfile {
	e.mu.RLock()
	defer e.mu.RUnlock()
	profile, ok := e.state.Profiles[borrower]
	if !ok {
		return CreditProfile{Borrower: borrower}
	}
	return profile
}

// BorrowLimit returns borrower's current limit.
func (e *Engine) BorrowLimit(borrower common.Address) amount.StableAmount {
	return e.CreditProfile(borrower).BorrowLimit
}
