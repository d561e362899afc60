package credits

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Credits is an integer amount of the internal spendable unit.
type Credits int64

// Int64 returns the raw amount.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

// NewCredits validates an amount and ensures it is strictly positive.
func NewCredits(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Credits(raw), nil
}

// AccountID identifies a credit account (one per user).
type AccountID struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// ReservationID identifies a reservation.
type ReservationID struct {
	value string
}

// NewReservationID validates and normalizes a reservation id.
func NewReservationID(raw string) (ReservationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReservationID{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	return ReservationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ReservationID) String() string {
	return id.value
}

// Pool enumerates the three credit buckets composing a balance.
type Pool string

const (
	PoolMonthly   Pool = "monthly"
	PoolRollover  Pool = "rollover"
	PoolPurchased Pool = "purchased"
)

// String returns the pool name.
func (pool Pool) String() string {
	return string(pool)
}

// ParsePool validates a stored pool name.
func ParsePool(raw string) (Pool, error) {
	switch Pool(raw) {
	case PoolMonthly, PoolRollover, PoolPurchased:
		return Pool(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPool, raw)
}

// TransactionKind enumerates ledger transaction kinds.
type TransactionKind string

const (
	KindGrant        TransactionKind = "grant"
	KindMonthlyReset TransactionKind = "monthly_reset"
	KindRollover     TransactionKind = "rollover"
	KindExpire       TransactionKind = "expire"
	KindPurchase     TransactionKind = "purchase"
	KindSpend        TransactionKind = "spend"
	KindRefund       TransactionKind = "refund"
	KindAdmin        TransactionKind = "admin"
)

// String returns the kind name.
func (kind TransactionKind) String() string {
	return string(kind)
}

// ParseTransactionKind validates a stored transaction kind.
func ParseTransactionKind(raw string) (TransactionKind, error) {
	switch TransactionKind(raw) {
	case KindGrant, KindMonthlyReset, KindRollover, KindExpire, KindPurchase, KindSpend, KindRefund, KindAdmin:
		return TransactionKind(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionKind, raw)
}

// ReservationStatus defines the reservation lifecycle. All transitions out of
// pending are terminal.
type ReservationStatus string

const (
	ReservationPending    ReservationStatus = "pending"
	ReservationCommitted  ReservationStatus = "committed"
	ReservationRolledBack ReservationStatus = "rolledback"
	ReservationExpired    ReservationStatus = "expired"
)

// String returns the status name.
func (status ReservationStatus) String() string {
	return string(status)
}

// ParseReservationStatus validates a stored reservation status.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	switch ReservationStatus(raw) {
	case ReservationPending, ReservationCommitted, ReservationRolledBack, ReservationExpired:
		return ReservationStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReservationStatus, raw)
}

// MonthlyPool is the use-it-or-lose-it bucket granted per billing period.
type MonthlyPool struct {
	Allocated Credits
	Used      Credits
	ResetAt   time.Time
}

// Remaining returns the unspent part of the current allocation.
func (pool MonthlyPool) Remaining() Credits {
	return pool.Allocated - pool.Used
}

// RolloverPool holds unused monthly credits carried into the next period.
// Amount is capped at one month's allocation when created.
type RolloverPool struct {
	Amount    Credits
	ExpiresAt *time.Time
}

// PurchasedPool holds one-off purchased credits. Never expires, never resets.
type PurchasedPool struct {
	Amount Credits
}

// CreditAccount is the per-user balance state across the three pools.
// Balance is always derived from the pools, never stored independently.
type CreditAccount struct {
	AccountID      string
	Monthly        MonthlyPool
	Rollover       RolloverPool
	Purchased      PurchasedPool
	LifetimeEarned Credits
	LifetimeSpent  Credits
}

// Balance returns the spendable total across the three pools.
func (account CreditAccount) Balance() Credits {
	return account.Monthly.Remaining() + account.Rollover.Amount + account.Purchased.Amount
}

// checkInvariant rejects any state where a pool went negative. Callers run it
// inside the same transaction that produced the state, before commit.
func (account CreditAccount) checkInvariant() error {
	if account.Monthly.Remaining() < 0 || account.Monthly.Used < 0 ||
		account.Rollover.Amount < 0 || account.Purchased.Amount < 0 {
		return WrapError(errorOperationLedger, errorSubjectAccount, errorCodeInvariant, ErrInvalidBalance)
	}
	return nil
}

// Breakdown records how a debit was split across pools.
type Breakdown struct {
	FromMonthly   Credits
	FromRollover  Credits
	FromPurchased Credits
}

// Total sums the split.
func (breakdown Breakdown) Total() Credits {
	return breakdown.FromMonthly + breakdown.FromRollover + breakdown.FromPurchased
}

// Reservation is a two-phase hold on credits bracketing a metered external
// call. The pools are debited when the reservation is created; commit only
// finalizes, rollback restores the exact breakdown.
type Reservation struct {
	ReservationID string
	AccountID     string
	Amount        Credits
	Breakdown     Breakdown
	Status        ReservationStatus
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// LedgerTransaction is one immutable audit line. Append-only; IdempotencyKey
// carries a unique constraint that makes grants and rollbacks apply at most
// once.
type LedgerTransaction struct {
	TransactionID  string
	AccountID      string
	Delta          Credits
	BalanceAfter   Credits
	Kind           TransactionKind
	ReservationID  string
	EventID        string
	IdempotencyKey string
	CreatedAt      time.Time
}

// SubscriptionStatus tracks billing standing as reported by the processor.
type SubscriptionStatus string

const (
	SubscriptionNone       SubscriptionStatus = "none"
	SubscriptionIncomplete SubscriptionStatus = "incomplete"
	SubscriptionTrialing   SubscriptionStatus = "trialing"
	SubscriptionActive     SubscriptionStatus = "active"
	SubscriptionPastDue    SubscriptionStatus = "past_due"
	SubscriptionUnpaid     SubscriptionStatus = "unpaid"
	SubscriptionCanceled   SubscriptionStatus = "canceled"
)

// String returns the status name.
func (status SubscriptionStatus) String() string {
	return string(status)
}

// ParseSubscriptionStatus validates a stored subscription status.
func ParseSubscriptionStatus(raw string) (SubscriptionStatus, error) {
	switch SubscriptionStatus(raw) {
	case SubscriptionNone, SubscriptionIncomplete, SubscriptionTrialing,
		SubscriptionActive, SubscriptionPastDue, SubscriptionUnpaid, SubscriptionCanceled:
		return SubscriptionStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSubscriptionStatus, raw)
}

// Subscription is the per-account billing record. Mutated only by the
// subscription state machine in response to validated webhook events or an
// authenticated cancel toggle.
type Subscription struct {
	AccountID              string
	Status                 SubscriptionStatus
	ExternalSubscriptionID string
	CurrentPeriodEnd       time.Time
	CancelAtPeriodEnd      bool
	// LastGrantedPeriodEnd anchors grant-on-active idempotency: the monthly
	// allocation for a period is granted at most once per (account, period end).
	LastGrantedPeriodEnd time.Time
}

// EventType enumerates billing-processor webhook event types.
type EventType string

const (
	EventSubscriptionCreated EventType = "subscription.created"
	EventSubscriptionUpdated EventType = "subscription.updated"
	EventSubscriptionDeleted EventType = "subscription.deleted"
	EventPaymentSucceeded    EventType = "payment.succeeded"
	EventPaymentFailed       EventType = "payment.failed"
	EventChargeRefunded      EventType = "charge.refunded"
)

// String returns the event type name.
func (eventType EventType) String() string {
	return string(eventType)
}

// ParseEventType validates a delivered event type.
func ParseEventType(raw string) (EventType, error) {
	switch EventType(raw) {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted,
		EventPaymentSucceeded, EventPaymentFailed, EventChargeRefunded:
		return EventType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEventType, raw)
}

// BillingEvent is a validated, decoded webhook event handed to the
// subscription state machine.
type BillingEvent struct {
	EventID                string
	Type                   EventType
	AccountID              string
	ExternalSubscriptionID string
	Status                 SubscriptionStatus
	CurrentPeriodEnd       time.Time
	MonthlyAllocation      Credits
	Amount                 Credits
	OccurredAt             time.Time
}

// WebhookEvent is the dedup record for at-least-once webhook delivery.
type WebhookEvent struct {
	ExternalEventID string
	Type            EventType
	Payload         []byte
	ReceivedAt      time.Time
	ProcessedAt     *time.Time
}

// Store is the persistence contract used by Service. All mutating calls are
// expected to run inside WithTx; ForUpdate variants take a row lock scoped to
// one account so concurrent debits serialize at the account, not globally.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetOrCreateAccount(ctx context.Context, accountID string) (CreditAccount, error)
	GetAccountForUpdate(ctx context.Context, accountID string) (CreditAccount, error)
	SaveAccount(ctx context.Context, account CreditAccount) error

	// InsertTransaction returns ErrDuplicateTransaction when the idempotency
	// key already exists in the append-only log.
	InsertTransaction(ctx context.Context, transaction LedgerTransaction) error
	ListTransactions(ctx context.Context, accountID string, before time.Time, limit int) ([]LedgerTransaction, error)

	CreateReservation(ctx context.Context, reservation Reservation) error
	GetReservationForUpdate(ctx context.Context, reservationID string) (Reservation, error)
	UpdateReservationStatus(ctx context.Context, reservationID string, from, to ReservationStatus) error
	ListExpiredReservations(ctx context.Context, cutoff time.Time, limit int) ([]Reservation, error)

	GetOrCreateSubscription(ctx context.Context, accountID string) (Subscription, error)
	SaveSubscription(ctx context.Context, subscription Subscription) error

	// InsertWebhookEvent returns ErrDuplicateEvent when the external event id
	// was already recorded.
	InsertWebhookEvent(ctx context.Context, event WebhookEvent) error
	GetWebhookEvent(ctx context.Context, externalEventID string) (WebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, externalEventID string, processedAt time.Time) error

	ListAccountsDueMonthlyReset(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	ListAccountsWithExpiredRollover(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}
