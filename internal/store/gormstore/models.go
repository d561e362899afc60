package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditAccount mirrors the credit_accounts table: one row per user,
// embedding the three pools. Balance is never stored; it is derived from the
// pool columns.
type CreditAccount struct {
	AccountID         string     `gorm:"primaryKey"`
	MonthlyAllocated  int64      `gorm:"not null;default:0"`
	MonthlyUsed       int64      `gorm:"not null;default:0"`
	MonthlyResetAt    *time.Time `gorm:"index"`
	RolloverAmount    int64      `gorm:"not null;default:0"`
	RolloverExpiresAt *time.Time `gorm:"index"`
	PurchasedAmount   int64      `gorm:"not null;default:0"`
	LifetimeEarned    int64      `gorm:"not null;default:0"`
	LifetimeSpent     int64      `gorm:"not null;default:0"`
	CreatedAt         time.Time  `gorm:"not null"`
	UpdatedAt         time.Time  `gorm:"not null"`
}

func (CreditAccount) TableName() string { return "credit_accounts" }

// Reservation mirrors the reservations table, including the pool breakdown
// so rollback can restore exactly what was debited.
type Reservation struct {
	ReservationID string    `gorm:"type:uuid;primaryKey"`
	AccountID     string    `gorm:"not null;index"`
	Amount        int64     `gorm:"not null"`
	FromMonthly   int64     `gorm:"not null;default:0"`
	FromRollover  int64     `gorm:"not null;default:0"`
	FromPurchased int64     `gorm:"not null;default:0"`
	Status        string    `gorm:"not null;index:idx_reservations_status_expires,priority:1"`
	CreatedAt     time.Time `gorm:"not null"`
	ExpiresAt     time.Time `gorm:"not null;index:idx_reservations_status_expires,priority:2"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (Reservation) TableName() string { return "reservations" }

// LedgerTransaction mirrors the append-only ledger_transactions table. The
// unique index on idempotency_key is what makes grants and rollbacks apply at
// most once.
type LedgerTransaction struct {
	TransactionID  string    `gorm:"type:uuid;primaryKey"`
	AccountID      string    `gorm:"not null;index:idx_ledger_account_created,priority:1"`
	Delta          int64     `gorm:"not null"`
	BalanceAfter   int64     `gorm:"not null"`
	Kind           string    `gorm:"not null"`
	ReservationID  *string   `gorm:"index"`
	EventID        *string   `gorm:""`
	IdempotencyKey *string   `gorm:"index:uniq_ledger_idempotency,unique"`
	CreatedAt      time.Time `gorm:"not null;index:idx_ledger_account_created,priority:2"`
}

func (LedgerTransaction) TableName() string { return "ledger_transactions" }

func (transaction *LedgerTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// Subscription mirrors the subscriptions table, one row per account.
type Subscription struct {
	AccountID              string     `gorm:"primaryKey"`
	Status                 string     `gorm:"not null"`
	ExternalSubscriptionID string     `gorm:"index"`
	CurrentPeriodEnd       *time.Time `gorm:""`
	CancelAtPeriodEnd      bool       `gorm:"not null;default:false"`
	LastGrantedPeriodEnd   *time.Time `gorm:""`
	CreatedAt              time.Time  `gorm:"not null"`
	UpdatedAt              time.Time  `gorm:"not null"`
}

func (Subscription) TableName() string { return "subscriptions" }

// WebhookEvent mirrors the webhook_events dedup table. The raw payload is
// kept alongside the dedup metadata for replay diagnostics.
type WebhookEvent struct {
	ExternalEventID string         `gorm:"primaryKey"`
	Type            string         `gorm:"not null"`
	Payload         datatypes.JSON `gorm:""`
	ReceivedAt      time.Time      `gorm:"not null"`
	ProcessedAt     *time.Time     `gorm:""`
}

func (WebhookEvent) TableName() string { return "webhook_events" }
