/*
balance.go - Earn and redeem against an account

PURPOSE:
  The only code path that changes an Account. Every change is committed
  together with the Transaction that explains it, in one store call, so
  there is no window where a balance moved without a log entry (or the
  other way around).

ATOMICITY:
  Writers of the same account are serialized by an in-process key lock and
  by the store's version check. A version conflict (another process won the
  race) re-reads and retries up to RetryPolicy.MaxAttempts, then surfaces
  ErrBusy. Accounts with different keys never wait on each other.

RULES:
  Earn:   points = round(amount * program rate), must be > 0
          balance += points, lifetime_earned += points
          account is created on first earn
  Redeem: points > 0, account must exist, points <= balance
          balance -= points, lifetime_earned unchanged
          no partial redemption
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// BalanceEngine applies earn and redeem operations.
type BalanceEngine struct {
	store    Store
	clock    Clock
	retry    RetryPolicy
	log      logrus.FieldLogger
	recorder Recorder
	locks    *keyLocks
}

func NewBalanceEngine(store Store, opts Options) *BalanceEngine {
	opts = opts.withDefaults()
	return &BalanceEngine{
		store:    store,
		clock:    opts.Clock,
		retry:    opts.Retry,
		log:      opts.Logger,
		recorder: opts.Recorder,
		locks:    newKeyLocks(),
	}
}

// CreditOptions describe a non-converted grant, such as a task reward.
type CreditOptions struct {
	Reason         string
	ReferenceID    string
	IdempotencyKey string
}

// Earn converts amount with the program's rate and credits the result.
// The transaction records amount as Points and the converted value as Credited.
func (e *BalanceEngine) Earn(ctx context.Context, userID UserID, programID ProgramID, amount int64) (Account, Transaction, error) {
	if err := validateUser(userID); err != nil {
		return Account{}, Transaction{}, e.reject("earn", err)
	}
	if amount <= 0 {
		return Account{}, Transaction{}, e.reject("earn", fmt.Errorf("%w: got %d", ErrInvalidAmount, amount))
	}

	program, err := e.store.GetProgram(ctx, programID)
	if err != nil {
		return Account{}, Transaction{}, e.reject("earn", err)
	}

	points, err := ConvertPoints(amount, program.Rate())
	if err != nil {
		return Account{}, Transaction{}, e.reject("earn", err)
	}
	if points <= 0 {
		return Account{}, Transaction{}, e.reject("earn",
			fmt.Errorf("%w: %d at rate %s converts to %d points", ErrInvalidAmount, amount, program.Rate(), points))
	}

	acct, tx, err := e.apply(ctx, "earn", AccountKey{UserID: userID, ProgramID: programID}, true,
		func(a *Account) (Transaction, error) {
			if err := credit(a, points); err != nil {
				return Transaction{}, err
			}
			return Transaction{Kind: KindEarn, Points: amount, Credited: points, Reason: ReasonEarn}, nil
		})
	if err != nil {
		return Account{}, Transaction{}, err
	}
	e.recorder.Earned(programID, points)
	return acct, tx, nil
}

// Credit adds points without conversion. It takes the earn path: balance and
// lifetime earned both increase and an earn transaction is appended.
func (e *BalanceEngine) Credit(ctx context.Context, userID UserID, programID ProgramID, points int64, opts CreditOptions) (Account, Transaction, error) {
	if err := validateUser(userID); err != nil {
		return Account{}, Transaction{}, e.reject("credit", err)
	}
	if points <= 0 {
		return Account{}, Transaction{}, e.reject("credit", fmt.Errorf("%w: got %d", ErrInvalidAmount, points))
	}
	if _, err := e.store.GetProgram(ctx, programID); err != nil {
		return Account{}, Transaction{}, e.reject("credit", err)
	}

	reason := opts.Reason
	if reason == "" {
		reason = ReasonEarn
	}
	acct, tx, err := e.apply(ctx, "credit", AccountKey{UserID: userID, ProgramID: programID}, true,
		func(a *Account) (Transaction, error) {
			if err := credit(a, points); err != nil {
				return Transaction{}, err
			}
			return Transaction{
				Kind:           KindEarn,
				Points:         points,
				Credited:       points,
				Reason:         reason,
				ReferenceID:    opts.ReferenceID,
				IdempotencyKey: opts.IdempotencyKey,
			}, nil
		})
	if err != nil {
		return Account{}, Transaction{}, err
	}
	e.recorder.Earned(programID, points)
	return acct, tx, nil
}

// Redeem removes points from an existing account. It never redeems part of
// the request and never clamps the balance.
func (e *BalanceEngine) Redeem(ctx context.Context, userID UserID, programID ProgramID, points int64) (Account, Transaction, error) {
	if err := validateUser(userID); err != nil {
		return Account{}, Transaction{}, e.reject("redeem", err)
	}
	if points <= 0 {
		return Account{}, Transaction{}, e.reject("redeem", fmt.Errorf("%w: got %d", ErrInvalidAmount, points))
	}

	key := AccountKey{UserID: userID, ProgramID: programID}
	acct, tx, err := e.apply(ctx, "redeem", key, false,
		func(a *Account) (Transaction, error) {
			if points > a.Balance {
				return Transaction{}, &InsufficientPointsError{Key: key, Available: a.Balance, Requested: points}
			}
			a.Balance -= points
			return Transaction{Kind: KindRedeem, Points: points, Credited: points, Reason: ReasonRedeem}, nil
		})
	if err != nil {
		return Account{}, Transaction{}, err
	}
	e.recorder.Redeemed(programID, points)
	return acct, tx, nil
}

// apply runs one read-modify-write of an account. mutate edits the account
// copy and returns the transaction describing the change.
func (e *BalanceEngine) apply(
	ctx context.Context,
	op string,
	key AccountKey,
	create bool,
	mutate func(*Account) (Transaction, error),
) (Account, Transaction, error) {
	unlock := e.locks.lock("account:" + key.String())
	defer unlock()

	var (
		saved Account
		tx    Transaction
	)
	err := e.retry.run(ctx, op, key.String(), func() { e.recorder.Conflict(op) }, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}

		current, err := e.store.GetAccount(ctx, key)
		switch {
		case errors.Is(err, ErrAccountNotFound) && create:
			current = Account{UserID: key.UserID, ProgramID: key.ProgramID}
		case err != nil:
			return err
		}

		next := current
		pending, err := mutate(&next)
		if err != nil {
			return err
		}
		if err := checkAccount(next, current); err != nil {
			return err
		}

		now := e.clock.Now()
		if next.CreatedAt.IsZero() {
			next.CreatedAt = now
		}
		next.UpdatedAt = now

		if pending.ID == "" {
			pending.ID = TransactionID(uuid.NewString())
		}
		pending.UserID = key.UserID
		pending.ProgramID = key.ProgramID
		pending.Timestamp = now

		saved, tx, err = e.store.CommitAccount(ctx, next, current.Version, pending)
		return err
	})
	if err != nil {
		return Account{}, Transaction{}, e.reject(op, err)
	}

	e.log.WithFields(logrus.Fields{
		"user_id":         key.UserID,
		"program_id":      key.ProgramID,
		"kind":            tx.Kind,
		"points":          tx.Points,
		"credited":        tx.Credited,
		"balance":         saved.Balance,
		"lifetime_earned": saved.LifetimeEarned,
	}).Debug("ledger mutation committed")

	return saved, tx, nil
}

func (e *BalanceEngine) reject(op string, err error) error {
	e.recorder.Rejected(op, err)
	if !IsClientError(err) && !IsNotFound(err) {
		e.log.WithError(err).WithField("op", op).Warn("ledger mutation failed")
	}
	return err
}

// credit adds points to both counters, rejecting overflow.
func credit(a *Account, points int64) error {
	balance, err := addPoints(a.Balance, points)
	if err != nil {
		return err
	}
	lifetime, err := addPoints(a.LifetimeEarned, points)
	if err != nil {
		return err
	}
	a.Balance, a.LifetimeEarned = balance, lifetime
	return nil
}

// checkAccount guards the account invariants before anything is written.
func checkAccount(next, prev Account) error {
	if next.Balance < 0 {
		return fmt.Errorf("account %s: balance would become %d", next.Key(), next.Balance)
	}
	if next.LifetimeEarned < prev.LifetimeEarned {
		return fmt.Errorf("account %s: lifetime earned would decrease", next.Key())
	}
	if next.Balance > next.LifetimeEarned {
		return fmt.Errorf("account %s: balance %d exceeds lifetime earned %d",
			next.Key(), next.Balance, next.LifetimeEarned)
	}
	return nil
}

func validateUser(userID UserID) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return nil
}
