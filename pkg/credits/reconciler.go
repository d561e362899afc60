package credits

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Reconciler is the periodic sweep over the ledger: monthly pool resets with
// rollover, expired pending reservations, and expired rollover pools. Each
// per-account mutation is its own short transaction so live reservation
// traffic is never blocked for longer than a single-account transaction.
type Reconciler struct {
	service   *Service
	logger    *zap.Logger
	interval  time.Duration
	batchSize int
}

// NewReconciler wires a Reconciler around a Service.
func NewReconciler(service *Service, logger *zap.Logger, interval time.Duration) (*Reconciler, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: service dependency is nil", ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Reconciler{
		service:   service,
		logger:    logger,
		interval:  interval,
		batchSize: defaultSweepBatchSize,
	}, nil
}

// Run executes sweeps on the configured interval until ctx is canceled. The
// first sweep runs immediately.
func (reconciler *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(reconciler.interval)
	defer ticker.Stop()
	reconciler.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			reconciler.RunOnce(ctx)
		}
	}
}

// RunOnce executes the three sweeps. Individual account failures are logged
// and skipped; one broken account must not stall the rest of the sweep.
func (reconciler *Reconciler) RunOnce(ctx context.Context) {
	if err := reconciler.SweepExpiredReservations(ctx); err != nil {
		reconciler.logger.Warn("expired reservation sweep failed", zap.Error(err))
	}
	if err := reconciler.SweepMonthlyResets(ctx); err != nil {
		reconciler.logger.Warn("monthly reset sweep failed", zap.Error(err))
	}
	if err := reconciler.SweepExpiredRollovers(ctx); err != nil {
		reconciler.logger.Warn("rollover expiry sweep failed", zap.Error(err))
	}
}

// SweepExpiredReservations rolls back every pending reservation whose
// expiresAt has passed, restoring its exact pool breakdown. This is the
// backstop that bounds credit leakage when a caller dies between reserve and
// commit/rollback.
func (reconciler *Reconciler) SweepExpiredReservations(ctx context.Context) error {
	now := reconciler.service.nowFn()
	expired, err := reconciler.service.store.ListExpiredReservations(ctx, now, reconciler.batchSize)
	if err != nil {
		return WrapError(errorOperationReconcile, errorSubjectReservation, "list", err)
	}
	for _, reservation := range expired {
		reservationID, err := NewReservationID(reservation.ReservationID)
		if err != nil {
			reconciler.logger.Warn("skipping malformed reservation", zap.Error(err))
			continue
		}
		if err := reconciler.service.expireReservation(ctx, reservationID); err != nil {
			reconciler.logger.Warn("reservation expiry failed",
				zap.String("reservation_id", reservation.ReservationID),
				zap.Error(err))
		}
	}
	return nil
}

// SweepMonthlyResets processes every account whose monthly resetAt has
// lapsed: unused monthly credits roll into the rollover pool capped at one
// month's allocation, used is zeroed, and resetAt advances past now.
func (reconciler *Reconciler) SweepMonthlyResets(ctx context.Context) error {
	now := reconciler.service.nowFn()
	due, err := reconciler.service.store.ListAccountsDueMonthlyReset(ctx, now, reconciler.batchSize)
	if err != nil {
		return WrapError(errorOperationReconcile, errorSubjectAccount, "list", err)
	}
	for _, accountID := range due {
		if err := reconciler.service.resetMonthlyPool(ctx, accountID); err != nil {
			reconciler.logger.Warn("monthly reset failed",
				zap.String("account_id", accountID),
				zap.Error(err))
		}
	}
	return nil
}

// SweepExpiredRollovers zeroes every rollover pool past its expiresAt. The
// discarded amount is a pure loss, mirroring use-it-or-lose-it.
func (reconciler *Reconciler) SweepExpiredRollovers(ctx context.Context) error {
	now := reconciler.service.nowFn()
	due, err := reconciler.service.store.ListAccountsWithExpiredRollover(ctx, now, reconciler.batchSize)
	if err != nil {
		return WrapError(errorOperationReconcile, errorSubjectAccount, "list", err)
	}
	for _, accountID := range due {
		if err := reconciler.service.expireRollover(ctx, accountID); err != nil {
			reconciler.logger.Warn("rollover expiry failed",
				zap.String("account_id", accountID),
				zap.Error(err))
		}
	}
	return nil
}

// resetMonthlyPool performs one account's monthly reset in a single
// transaction. Re-checked under the row lock: a concurrent sweeper that
// already advanced resetAt turns this into a no-op.
func (service *Service) resetMonthlyPool(ctx context.Context, rawAccountID string) error {
	operationError := service.withAccountTx(ctx, func(ctx context.Context, txStore Store) error {
		account, err := txStore.GetAccountForUpdate(ctx, rawAccountID)
		if err != nil {
			return err
		}
		now := service.nowFn()
		if account.Monthly.ResetAt.IsZero() || account.Monthly.ResetAt.After(now) {
			return nil
		}
		if account.Monthly.Allocated == 0 {
			// Nothing to reset (e.g. canceled subscription). Clear the
			// schedule; rollover and purchased pools age out on their own.
			account.Monthly.ResetAt = time.Time{}
			account.Monthly.Used = 0
			return txStore.SaveAccount(ctx, account)
		}
		previousResetAt := account.Monthly.ResetAt
		rolled, rolloverDelta := rollUnusedMonthly(account, now.Add(service.billingPeriod))
		rolled.Monthly.Used = 0
		for !rolled.Monthly.ResetAt.After(now) {
			rolled.Monthly.ResetAt = rolled.Monthly.ResetAt.Add(service.billingPeriod)
		}
		rolled.LifetimeEarned += rolled.Monthly.Allocated
		if err := rolled.checkInvariant(); err != nil {
			return err
		}
		if err := txStore.SaveAccount(ctx, rolled); err != nil {
			return err
		}
		resetKey, err := buildIdempotencyKey(idempotencyPrefixReset, rolled.AccountID, strconv.FormatInt(previousResetAt.Unix(), 10))
		if err != nil {
			return err
		}
		if rolloverDelta != 0 {
			if err := txStore.InsertTransaction(ctx, LedgerTransaction{
				TransactionID: service.newID(),
				AccountID:     rolled.AccountID,
				Delta:         rolloverDelta,
				BalanceAfter:  rolled.Balance() - rolled.Monthly.Allocated,
				Kind:          KindRollover,
				CreatedAt:     now,
			}); err != nil {
				return err
			}
		}
		return txStore.InsertTransaction(ctx, LedgerTransaction{
			TransactionID:  service.newID(),
			AccountID:      rolled.AccountID,
			Delta:          rolled.Monthly.Allocated,
			BalanceAfter:   rolled.Balance(),
			Kind:           KindMonthlyReset,
			IdempotencyKey: resetKey,
			CreatedAt:      now,
		})
	})
	if operationError != nil {
		return operationError
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationSweep,
		AccountID: rawAccountID,
	})
	return nil
}

// rollUnusedMonthly moves the monthly pool's unused remainder into rollover,
// capped at one month's allocation so missed resets cannot accumulate
// unbounded rollover. Returns the adjusted account and the net balance delta
// of the move (zero or negative; the part over the cap is lost).
func rollUnusedMonthly(account CreditAccount, expiresAt time.Time) (CreditAccount, Credits) {
	unused := account.Monthly.Remaining()
	if unused < 0 {
		unused = 0
	}
	before := account.Rollover.Amount
	after := minCredits(before+unused, account.Monthly.Allocated)
	account.Monthly.Used = account.Monthly.Allocated
	account.Rollover.Amount = after
	if after > 0 {
		expiry := expiresAt
		account.Rollover.ExpiresAt = &expiry
	} else {
		account.Rollover.ExpiresAt = nil
	}
	return account, after - before - unused
}

// expireRollover zeroes one account's lapsed rollover pool.
func (service *Service) expireRollover(ctx context.Context, rawAccountID string) error {
	return service.withAccountTx(ctx, func(ctx context.Context, txStore Store) error {
		account, err := txStore.GetAccountForUpdate(ctx, rawAccountID)
		if err != nil {
			return err
		}
		now := service.nowFn()
		if account.Rollover.ExpiresAt == nil || account.Rollover.ExpiresAt.After(now) || account.Rollover.Amount == 0 {
			return nil
		}
		expiredAt := *account.Rollover.ExpiresAt
		lost := account.Rollover.Amount
		account.Rollover.Amount = 0
		account.Rollover.ExpiresAt = nil
		if err := account.checkInvariant(); err != nil {
			return err
		}
		if err := txStore.SaveAccount(ctx, account); err != nil {
			return err
		}
		key, err := buildIdempotencyKey(idempotencyPrefixExpire, account.AccountID, strconv.FormatInt(expiredAt.Unix(), 10))
		if err != nil {
			return err
		}
		return txStore.InsertTransaction(ctx, LedgerTransaction{
			TransactionID:  service.newID(),
			AccountID:      account.AccountID,
			Delta:          -lost,
			BalanceAfter:   account.Balance(),
			Kind:           KindExpire,
			IdempotencyKey: key,
			CreatedAt:      now,
		})
	})
}
