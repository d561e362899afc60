package credits

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// ApplyEvent drives the subscription state machine with one validated billing
// event. The status transition, its pool side effects, and the audit
// transactions all commit in a single per-account transaction. Events that do
// not match a known (fromState, eventType) pair are rejected with
// ErrInvalidTransition rather than guessed at.
func (service *Service) ApplyEvent(ctx context.Context, event BillingEvent) error {
	accountID, err := NewAccountID(event.AccountID)
	if err != nil {
		return err
	}
	if event.EventID == "" {
		return fmt.Errorf("%w: missing event id", ErrInvalidEventPayload)
	}
	operationError := service.withAccountTx(ctx, func(ctx context.Context, txStore Store) error {
		account, err := txStore.GetAccountForUpdate(ctx, accountID.String())
		if err != nil {
			return err
		}
		subscription, err := txStore.GetOrCreateSubscription(ctx, accountID.String())
		if err != nil {
			return err
		}
		next, err := nextSubscriptionStatus(subscription.Status, event)
		if err != nil {
			return err
		}
		subscription.Status = next
		if event.ExternalSubscriptionID != "" {
			subscription.ExternalSubscriptionID = event.ExternalSubscriptionID
		}
		if !event.CurrentPeriodEnd.IsZero() {
			subscription.CurrentPeriodEnd = event.CurrentPeriodEnd
		}

		switch event.Type {
		case EventSubscriptionDeleted:
			if err := service.cancelPools(ctx, txStore, &account, event); err != nil {
				return err
			}
			subscription.CancelAtPeriodEnd = false
		case EventChargeRefunded:
			if err := service.refundPurchased(ctx, txStore, &account, event); err != nil {
				return err
			}
		default:
			if next == SubscriptionActive {
				if err := service.grantMonthly(ctx, txStore, &account, &subscription, event); err != nil {
					return err
				}
			}
		}
		return txStore.SaveSubscription(ctx, subscription)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationApplyEvent,
		AccountID: event.AccountID,
		EventID:   event.EventID,
		Error:     operationError,
	})
	return operationError
}

// ToggleCancelAtPeriodEnd flips the cancel flag from an authenticated user
// action. Only an active subscription carries the flag; no pool changes
// happen until the processor delivers subscription.deleted.
func (service *Service) ToggleCancelAtPeriodEnd(ctx context.Context, accountID AccountID, cancel bool) error {
	operationError := service.withAccountTx(ctx, func(ctx context.Context, txStore Store) error {
		subscription, err := txStore.GetOrCreateSubscription(ctx, accountID.String())
		if err != nil {
			return err
		}
		if subscription.Status != SubscriptionActive {
			return WrapError(errorOperationSubscription, errorSubjectSubscription, errorCodeTransition,
				fmt.Errorf("%w: cancel toggle requires an active subscription, status is %s", ErrInvalidTransition, subscription.Status))
		}
		subscription.CancelAtPeriodEnd = cancel
		return txStore.SaveSubscription(ctx, subscription)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationApplyEvent,
		AccountID: accountID.String(),
		Error:     operationError,
	})
	return operationError
}

// nextSubscriptionStatus is the transition table. Redelivered or out-of-order
// events that land on the state they already produced are accepted (the side
// effects are idempotent); anything outside the table is rejected.
func nextSubscriptionStatus(current SubscriptionStatus, event BillingEvent) (SubscriptionStatus, error) {
	switch event.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		target := event.Status
		if target == "" {
			return "", fmt.Errorf("%w: missing subscription status", ErrInvalidEventPayload)
		}
		if _, err := ParseSubscriptionStatus(target.String()); err != nil {
			return "", err
		}
		if target == SubscriptionNone {
			return "", rejectTransition(current, event.Type)
		}
		return target, nil
	case EventSubscriptionDeleted:
		return SubscriptionCanceled, nil
	case EventPaymentFailed:
		switch current {
		case SubscriptionActive, SubscriptionPastDue:
			return SubscriptionPastDue, nil
		case SubscriptionUnpaid:
			return SubscriptionUnpaid, nil
		}
		return "", rejectTransition(current, event.Type)
	case EventPaymentSucceeded:
		switch current {
		case SubscriptionIncomplete, SubscriptionTrialing, SubscriptionActive, SubscriptionPastDue, SubscriptionUnpaid:
			return SubscriptionActive, nil
		}
		return "", rejectTransition(current, event.Type)
	case EventChargeRefunded:
		return current, nil
	}
	return "", rejectTransition(current, event.Type)
}

func rejectTransition(current SubscriptionStatus, eventType EventType) error {
	return WrapError(errorOperationSubscription, errorSubjectSubscription, errorCodeTransition,
		fmt.Errorf("%w: no transition from %s on %s", ErrInvalidTransition, current, eventType))
}

// grantMonthly applies the per-period monthly allocation exactly once per
// (account, currentPeriodEnd). A past_due recovery inside an already-granted
// period is a no-op; a renewal into a new period rolls the unused remainder
// into rollover first, then grants the fresh allocation.
func (service *Service) grantMonthly(ctx context.Context, txStore Store, account *CreditAccount, subscription *Subscription, event BillingEvent) error {
	periodEnd := event.CurrentPeriodEnd
	if periodEnd.IsZero() {
		// Events without a period end (payment confirmations, mostly)
		// grant against the period the processor already announced.
		periodEnd = subscription.CurrentPeriodEnd
	}
	if periodEnd.IsZero() {
		return fmt.Errorf("%w: activating event without a current period end", ErrInvalidEventPayload)
	}
	if !subscription.LastGrantedPeriodEnd.IsZero() && !periodEnd.After(subscription.LastGrantedPeriodEnd) {
		return nil
	}
	allocation := event.MonthlyAllocation
	if allocation == 0 {
		allocation = account.Monthly.Allocated
	}
	if allocation <= 0 {
		return nil
	}
	now := service.nowFn()
	updated := *account
	var rolloverDelta Credits
	if updated.Monthly.Allocated > 0 && updated.Monthly.Remaining() > 0 && !subscription.LastGrantedPeriodEnd.IsZero() {
		updated, rolloverDelta = rollUnusedMonthly(updated, periodEnd)
	}
	updated.Monthly.Allocated = allocation
	updated.Monthly.Used = 0
	updated.Monthly.ResetAt = periodEnd
	updated.LifetimeEarned += allocation
	if err := updated.checkInvariant(); err != nil {
		return err
	}
	if err := txStore.SaveAccount(ctx, updated); err != nil {
		return err
	}
	if rolloverDelta != 0 {
		if err := txStore.InsertTransaction(ctx, LedgerTransaction{
			TransactionID: service.newID(),
			AccountID:     updated.AccountID,
			Delta:         rolloverDelta,
			BalanceAfter:  updated.Balance() - allocation,
			Kind:          KindRollover,
			EventID:       event.EventID,
			CreatedAt:     now,
		}); err != nil {
			return err
		}
	}
	grantKey, err := buildIdempotencyKey(idempotencyPrefixGrant, updated.AccountID, strconv.FormatInt(periodEnd.Unix(), 10))
	if err != nil {
		return err
	}
	if err := txStore.InsertTransaction(ctx, LedgerTransaction{
		TransactionID:  service.newID(),
		AccountID:      updated.AccountID,
		Delta:          allocation,
		BalanceAfter:   updated.Balance(),
		Kind:           KindGrant,
		EventID:        event.EventID,
		IdempotencyKey: grantKey,
		CreatedAt:      now,
	}); err != nil {
		return err
	}
	subscription.LastGrantedPeriodEnd = periodEnd
	*account = updated
	return nil
}

// cancelPools zeroes the monthly allocation on subscription.deleted. Unused
// monthly credits are discarded, not rolled over; rollover and purchased
// pools stay untouched.
func (service *Service) cancelPools(ctx context.Context, txStore Store, account *CreditAccount, event BillingEvent) error {
	discarded := account.Monthly.Remaining()
	if discarded < 0 {
		discarded = 0
	}
	updated := *account
	updated.Monthly.Allocated = 0
	updated.Monthly.Used = 0
	updated.Monthly.ResetAt = time.Time{}
	if err := updated.checkInvariant(); err != nil {
		return err
	}
	if err := txStore.SaveAccount(ctx, updated); err != nil {
		return err
	}
	*account = updated
	if discarded == 0 {
		return nil
	}
	key, err := buildIdempotencyKey(idempotencyPrefixExpire, updated.AccountID, event.EventID)
	if err != nil {
		return err
	}
	return txStore.InsertTransaction(ctx, LedgerTransaction{
		TransactionID:  service.newID(),
		AccountID:      updated.AccountID,
		Delta:          -discarded,
		BalanceAfter:   updated.Balance(),
		Kind:           KindExpire,
		EventID:        event.EventID,
		IdempotencyKey: key,
		CreatedAt:      service.nowFn(),
	})
}

// refundPurchased debits the purchased pool on charge.refunded, clamped at
// the pool's remaining amount so the invariant holds even when the refunded
// credits were already spent.
func (service *Service) refundPurchased(ctx context.Context, txStore Store, account *CreditAccount, event BillingEvent) error {
	if event.Amount <= 0 {
		return fmt.Errorf("%w: refund amount must be positive", ErrInvalidEventPayload)
	}
	revoked := minCredits(event.Amount, account.Purchased.Amount)
	if revoked == 0 {
		return nil
	}
	updated := *account
	updated.Purchased.Amount -= revoked
	updated.LifetimeEarned -= revoked
	if err := updated.checkInvariant(); err != nil {
		return err
	}
	if err := txStore.SaveAccount(ctx, updated); err != nil {
		return err
	}
	*account = updated
	key, err := buildIdempotencyKey(idempotencyPrefixRefund, event.EventID)
	if err != nil {
		return err
	}
	return txStore.InsertTransaction(ctx, LedgerTransaction{
		TransactionID:  service.newID(),
		AccountID:      updated.AccountID,
		Delta:          -revoked,
		BalanceAfter:   updated.Balance(),
		Kind:           KindRefund,
		EventID:        event.EventID,
		IdempotencyKey: key,
		CreatedAt:      service.nowFn(),
	})
}
