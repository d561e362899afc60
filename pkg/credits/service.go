package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service contains the domain logic over a Store. All mutations run inside a
// single transaction scoped to one account row; no lock is ever held across
// an external call.
type Service struct {
	store          Store
	nowFn          func() time.Time
	logger         OperationLogger
	reservationTTL time.Duration
	billingPeriod  time.Duration
	newID          func() string
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:          store,
		nowFn:          now,
		reservationTTL: DefaultReservationTTL,
		billingPeriod:  DefaultBillingPeriod,
		newID:          uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Snapshot returns the account's current pool state. Read-only.
func (service *Service) Snapshot(ctx context.Context, accountID AccountID) (CreditAccount, error) {
	account, err := service.store.GetOrCreateAccount(ctx, accountID.String())
	service.logOperation(ctx, OperationLog{
		Operation: operationSnapshot,
		AccountID: accountID.String(),
		Error:     err,
	})
	return account, err
}

// ListTransactions lists ledger transactions for an account before a cutoff.
func (service *Service) ListTransactions(ctx context.Context, accountID AccountID, before time.Time, limit int) ([]LedgerTransaction, error) {
	if before.IsZero() {
		before = service.nowFn().Add(time.Second)
	}
	return service.store.ListTransactions(ctx, accountID.String(), before, limit)
}

// Credit adds amount to one pool and appends the audit transaction. The
// idempotency key makes the grant apply at most once: a duplicate insert is
// detected via the transaction log's uniqueness constraint and treated as
// success without re-crediting.
func (service *Service) Credit(ctx context.Context, accountID AccountID, amount Credits, pool Pool, kind TransactionKind, idempotencyKey string, eventID string) error {
	if amount <= 0 {
		return fmt.Errorf("%w: credit amount must be positive", ErrInvalidAmount)
	}
	operationError := service.withAccountTx(ctx, func(ctx context.Context, txStore Store) error {
		account, err := txStore.GetAccountForUpdate(ctx, accountID.String())
		if err != nil {
			return err
		}
		switch pool {
		case PoolMonthly:
			account.Monthly.Allocated += amount
		case PoolRollover:
			account.Rollover.Amount += amount
		case PoolPurchased:
			account.Purchased.Amount += amount
		default:
			return fmt.Errorf("%w: %q", ErrInvalidPool, pool)
		}
		account.LifetimeEarned += amount
		if err := account.checkInvariant(); err != nil {
			return err
		}
		if err := txStore.SaveAccount(ctx, account); err != nil {
			return err
		}
		return txStore.InsertTransaction(ctx, LedgerTransaction{
			TransactionID:  service.newID(),
			AccountID:      account.AccountID,
			Delta:          amount,
			BalanceAfter:   account.Balance(),
			Kind:           kind,
			EventID:        eventID,
			IdempotencyKey: idempotencyKey,
			CreatedAt:      service.nowFn(),
		})
	})
	if errors.Is(operationError, ErrDuplicateTransaction) {
		// Already applied; the transaction rolled back before re-crediting.
		operationError = nil
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationCredit,
		AccountID: accountID.String(),
		EventID:   eventID,
		Amount:    amount,
		Error:     operationError,
	})
	return operationError
}

// Debit removes a previously computed breakdown from the account's pools and
// appends the audit transaction. It never partially applies: any pool going
// negative aborts the transaction with InsufficientCredits.
func (service *Service) Debit(ctx context.Context, accountID AccountID, breakdown Breakdown, kind TransactionKind, reservationID string, idempotencyKey string) error {
	amount := breakdown.Total()
	if amount <= 0 {
		return fmt.Errorf("%w: debit amount must be positive", ErrInvalidAmount)
	}
	operationError := service.withAccountTx(ctx, func(ctx context.Context, txStore Store) error {
		account, err := txStore.GetAccountForUpdate(ctx, accountID.String())
		if err != nil {
			return err
		}
		debited, err := applyBreakdown(account, breakdown)
		if err != nil {
			return err
		}
		if err := txStore.SaveAccount(ctx, debited); err != nil {
			return err
		}
		return txStore.InsertTransaction(ctx, LedgerTransaction{
			TransactionID:  service.newID(),
			AccountID:      debited.AccountID,
			Delta:          -amount,
			BalanceAfter:   debited.Balance(),
			Kind:           kind,
			ReservationID:  reservationID,
			IdempotencyKey: idempotencyKey,
			CreatedAt:      service.nowFn(),
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationDebit,
		AccountID:     accountID.String(),
		ReservationID: reservationID,
		Amount:        amount,
		Error:         operationError,
	})
	return operationError
}

// Purchase credits the purchased pool on a confirmed one-off payment, keyed
// by the payment's unique identifier so a replayed confirmation is a no-op.
func (service *Service) Purchase(ctx context.Context, accountID AccountID, amount Credits, paymentID string) error {
	key, err := buildIdempotencyKey(idempotencyPrefixBuy, paymentID)
	if err != nil {
		return err
	}
	return service.Credit(ctx, accountID, amount, PoolPurchased, KindPurchase, key, "")
}

// applyBreakdown debits each pool by its share, converting any would-be
// negative pool into InsufficientCredits before the state reaches storage.
func applyBreakdown(account CreditAccount, breakdown Breakdown) (CreditAccount, error) {
	if breakdown.FromMonthly < 0 || breakdown.FromRollover < 0 || breakdown.FromPurchased < 0 {
		return CreditAccount{}, fmt.Errorf("%w: negative breakdown component", ErrInvalidAmount)
	}
	required := breakdown.Total()
	if account.Monthly.Remaining() < breakdown.FromMonthly ||
		account.Rollover.Amount < breakdown.FromRollover ||
		account.Purchased.Amount < breakdown.FromPurchased {
		return CreditAccount{}, InsufficientCreditsError{Required: required, Available: account.Balance()}
	}
	account.Monthly.Used += breakdown.FromMonthly
	account.Rollover.Amount -= breakdown.FromRollover
	account.Purchased.Amount -= breakdown.FromPurchased
	account.LifetimeSpent += required
	if err := account.checkInvariant(); err != nil {
		return CreditAccount{}, err
	}
	return account, nil
}

// restoreBreakdown re-credits the exact pool split a reservation debited.
// rolloverExpiry stamps an expiry when rerouted credits land in a rollover
// pool that had none, so they age out like any other rollover.
func restoreBreakdown(account CreditAccount, breakdown Breakdown, rolloverExpiry time.Time) (CreditAccount, error) {
	account.Monthly.Used -= breakdown.FromMonthly
	if account.Monthly.Used < 0 {
		// The allocation shrank while the hold was outstanding (e.g. the
		// subscription was canceled). The restored credits cannot return to a
		// pool that no longer exists; they land in rollover instead of being
		// lost.
		account.Rollover.Amount += -account.Monthly.Used
		account.Monthly.Used = 0
		if account.Rollover.ExpiresAt == nil {
			expiry := rolloverExpiry
			account.Rollover.ExpiresAt = &expiry
		}
	}
	account.Rollover.Amount += breakdown.FromRollover
	account.Purchased.Amount += breakdown.FromPurchased
	account.LifetimeSpent -= breakdown.Total()
	if err := account.checkInvariant(); err != nil {
		return CreditAccount{}, err
	}
	return account, nil
}

// withAccountTx runs fn inside a store transaction, retrying bounded times on
// serialization conflicts before surfacing ErrConflict.
func (service *Service) withAccountTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	var lastErr error
	for attempt := 0; attempt < defaultConflictRetries; attempt++ {
		lastErr = service.store.WithTx(ctx, fn)
		if !errors.Is(lastErr, ErrConflict) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return WrapError(errorOperationLedger, errorSubjectTransaction, errorCodeConflict, lastErr)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func buildIdempotencyKey(parts ...string) (string, error) {
	for _, part := range parts {
		if part == "" {
			return "", fmt.Errorf("%w: empty idempotency key segment", ErrInvalidAmount)
		}
	}
	key := parts[0]
	for _, part := range parts[1:] {
		key += idempotencyKeyDelimiter + part
	}
	return key, nil
}
