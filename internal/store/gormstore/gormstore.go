package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditengine/pkg/credits"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	pgUniqueViolationCode   = "23505"
	pgSerializationFailure  = "40001"
	pgDeadlockDetected      = "40P01"
	sqliteConstraintCode    = 19
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectTransaction = "transaction"
	errorSubjectReservation = "reservation"
	errorSubjectSub         = "subscription"
	errorSubjectEvent       = "event"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeSave           = "save"
	errorCodeUpdateStatus   = "update_status"
)

// Store implements credits.Store using GORM against postgres or sqlite.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the five engine tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&CreditAccount{},
		&Reservation{},
		&LedgerTransaction{},
		&Subscription{},
		&WebhookEvent{},
	)
}

// WithTx executes fn within a transaction. Serialization failures surface as
// credits.ErrConflict so the service layer can retry.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
	if isSerializationConflict(err) {
		return credits.ErrConflict
	}
	return err
}

func (store *Store) GetOrCreateAccount(ctx context.Context, accountID string) (credits.CreditAccount, error) {
	var model CreditAccount
	err := store.db.WithContext(ctx).
		Where(CreditAccount{AccountID: accountID}).
		Attrs(CreditAccount{AccountID: accountID}).
		FirstOrCreate(&model).Error
	if err != nil {
		return credits.CreditAccount{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model), nil
}

func (store *Store) GetAccountForUpdate(ctx context.Context, accountID string) (credits.CreditAccount, error) {
	var model CreditAccount
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if createErr := store.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&CreditAccount{AccountID: accountID}).Error; createErr != nil {
			return credits.CreditAccount{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, createErr)
		}
		err = store.db.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("account_id = ?", accountID).
			Take(&model).Error
	}
	if err != nil {
		return credits.CreditAccount{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model), nil
}

func (store *Store) SaveAccount(ctx context.Context, account credits.CreditAccount) error {
	model := CreditAccount{
		AccountID:         account.AccountID,
		MonthlyAllocated:  account.Monthly.Allocated.Int64(),
		MonthlyUsed:       account.Monthly.Used.Int64(),
		MonthlyResetAt:    timePointer(account.Monthly.ResetAt),
		RolloverAmount:    account.Rollover.Amount.Int64(),
		RolloverExpiresAt: account.Rollover.ExpiresAt,
		PurchasedAmount:   account.Purchased.Amount.Int64(),
		LifetimeEarned:    account.LifetimeEarned.Int64(),
		LifetimeSpent:     account.LifetimeSpent.Int64(),
	}
	err := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("account_id = ?", model.AccountID).
		Select("monthly_allocated", "monthly_used", "monthly_reset_at",
			"rollover_amount", "rollover_expires_at", "purchased_amount",
			"lifetime_earned", "lifetime_spent", "updated_at").
		Updates(map[string]interface{}{
			"monthly_allocated":   model.MonthlyAllocated,
			"monthly_used":        model.MonthlyUsed,
			"monthly_reset_at":    model.MonthlyResetAt,
			"rollover_amount":     model.RolloverAmount,
			"rollover_expires_at": model.RolloverExpiresAt,
			"purchased_amount":    model.PurchasedAmount,
			"lifetime_earned":     model.LifetimeEarned,
			"lifetime_spent":      model.LifetimeSpent,
			"updated_at":          time.Now().UTC(),
		}).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeSave, err)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction credits.LedgerTransaction) error {
	model := LedgerTransaction{
		TransactionID:  transaction.TransactionID,
		AccountID:      transaction.AccountID,
		Delta:          transaction.Delta.Int64(),
		BalanceAfter:   transaction.BalanceAfter.Int64(),
		Kind:           transaction.Kind.String(),
		ReservationID:  stringPointer(transaction.ReservationID),
		EventID:        stringPointer(transaction.EventID),
		IdempotencyKey: stringPointer(transaction.IdempotencyKey),
		CreatedAt:      transaction.CreatedAt,
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return credits.ErrDuplicateTransaction
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID string, before time.Time, limit int) ([]credits.LedgerTransaction, error) {
	var rows []LedgerTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]credits.LedgerTransaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation credits.Reservation) error {
	model := Reservation{
		ReservationID: reservation.ReservationID,
		AccountID:     reservation.AccountID,
		Amount:        reservation.Amount.Int64(),
		FromMonthly:   reservation.Breakdown.FromMonthly.Int64(),
		FromRollover:  reservation.Breakdown.FromRollover.Int64(),
		FromPurchased: reservation.Breakdown.FromPurchased.Int64(),
		Status:        reservation.Status.String(),
		CreatedAt:     reservation.CreatedAt,
		ExpiresAt:     reservation.ExpiresAt,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetReservationForUpdate(ctx context.Context, reservationID string) (credits.Reservation, error) {
	var model Reservation
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("reservation_id = ?", reservationID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Reservation{}, credits.ErrReservationNotFound
		}
		return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	return mapReservation(model)
}

func (store *Store) UpdateReservationStatus(ctx context.Context, reservationID string, from, to credits.ReservationStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("reservation_id = ? AND status = ?", reservationID, from.String()).
		Updates(map[string]interface{}{
			"status":     to.String(),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return credits.ErrReservationAlreadyResolved
	}
	return nil
}

func (store *Store) ListExpiredReservations(ctx context.Context, cutoff time.Time, limit int) ([]credits.Reservation, error) {
	var rows []Reservation
	err := store.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", credits.ReservationPending.String(), cutoff).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	reservations := make([]credits.Reservation, 0, len(rows))
	for _, row := range rows {
		reservation, err := mapReservation(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservations = append(reservations, reservation)
	}
	return reservations, nil
}

func (store *Store) GetOrCreateSubscription(ctx context.Context, accountID string) (credits.Subscription, error) {
	var model Subscription
	err := store.db.WithContext(ctx).
		Where(Subscription{AccountID: accountID}).
		Attrs(Subscription{AccountID: accountID, Status: credits.SubscriptionNone.String()}).
		FirstOrCreate(&model).Error
	if err != nil {
		return credits.Subscription{}, wrapStoreError(errorSubjectSub, errorCodeGet, err)
	}
	return mapSubscription(model)
}

func (store *Store) SaveSubscription(ctx context.Context, subscription credits.Subscription) error {
	err := store.db.WithContext(ctx).
		Model(&Subscription{}).
		Where("account_id = ?", subscription.AccountID).
		Updates(map[string]interface{}{
			"status":                   subscription.Status.String(),
			"external_subscription_id": subscription.ExternalSubscriptionID,
			"current_period_end":       timePointer(subscription.CurrentPeriodEnd),
			"cancel_at_period_end":     subscription.CancelAtPeriodEnd,
			"last_granted_period_end":  timePointer(subscription.LastGrantedPeriodEnd),
			"updated_at":               time.Now().UTC(),
		}).Error
	if err != nil {
		return wrapStoreError(errorSubjectSub, errorCodeSave, err)
	}
	return nil
}

func (store *Store) InsertWebhookEvent(ctx context.Context, event credits.WebhookEvent) error {
	model := WebhookEvent{
		ExternalEventID: event.ExternalEventID,
		Type:            event.Type.String(),
		Payload:         datatypes.JSON(event.Payload),
		ReceivedAt:      event.ReceivedAt,
		ProcessedAt:     event.ProcessedAt,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return credits.ErrDuplicateEvent
	}
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetWebhookEvent(ctx context.Context, externalEventID string) (credits.WebhookEvent, error) {
	var model WebhookEvent
	err := store.db.WithContext(ctx).
		Where("external_event_id = ?", externalEventID).
		Take(&model).Error
	if err != nil {
		return credits.WebhookEvent{}, wrapStoreError(errorSubjectEvent, errorCodeGet, err)
	}
	eventType, err := credits.ParseEventType(model.Type)
	if err != nil {
		return credits.WebhookEvent{}, wrapStoreError(errorSubjectEvent, errorCodeInvalid, err)
	}
	return credits.WebhookEvent{
		ExternalEventID: model.ExternalEventID,
		Type:            eventType,
		Payload:         []byte(model.Payload),
		ReceivedAt:      model.ReceivedAt,
		ProcessedAt:     model.ProcessedAt,
	}, nil
}

func (store *Store) MarkWebhookProcessed(ctx context.Context, externalEventID string, processedAt time.Time) error {
	err := store.db.WithContext(ctx).
		Model(&WebhookEvent{}).
		Where("external_event_id = ?", externalEventID).
		Update("processed_at", processedAt).Error
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeSave, err)
	}
	return nil
}

func (store *Store) ListAccountsDueMonthlyReset(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var ids []string
	err := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("monthly_reset_at IS NOT NULL AND monthly_reset_at <= ?", cutoff).
		Order("monthly_reset_at ASC").
		Limit(limit).
		Pluck("account_id", &ids).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	return ids, nil
}

func (store *Store) ListAccountsWithExpiredRollover(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var ids []string
	err := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("rollover_amount > 0 AND rollover_expires_at IS NOT NULL AND rollover_expires_at <= ?", cutoff).
		Order("rollover_expires_at ASC").
		Limit(limit).
		Pluck("account_id", &ids).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	return ids, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func mapAccount(model CreditAccount) credits.CreditAccount {
	return credits.CreditAccount{
		AccountID: model.AccountID,
		Monthly: credits.MonthlyPool{
			Allocated: credits.Credits(model.MonthlyAllocated),
			Used:      credits.Credits(model.MonthlyUsed),
			ResetAt:   timeOrZero(model.MonthlyResetAt),
		},
		Rollover: credits.RolloverPool{
			Amount:    credits.Credits(model.RolloverAmount),
			ExpiresAt: model.RolloverExpiresAt,
		},
		Purchased: credits.PurchasedPool{
			Amount: credits.Credits(model.PurchasedAmount),
		},
		LifetimeEarned: credits.Credits(model.LifetimeEarned),
		LifetimeSpent:  credits.Credits(model.LifetimeSpent),
	}
}

func mapReservation(model Reservation) (credits.Reservation, error) {
	status, err := credits.ParseReservationStatus(model.Status)
	if err != nil {
		return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return credits.Reservation{
		ReservationID: model.ReservationID,
		AccountID:     model.AccountID,
		Amount:        credits.Credits(model.Amount),
		Breakdown: credits.Breakdown{
			FromMonthly:   credits.Credits(model.FromMonthly),
			FromRollover:  credits.Credits(model.FromRollover),
			FromPurchased: credits.Credits(model.FromPurchased),
		},
		Status:    status,
		CreatedAt: model.CreatedAt,
		ExpiresAt: model.ExpiresAt,
	}, nil
}

func mapTransaction(model LedgerTransaction) (credits.LedgerTransaction, error) {
	kind, err := credits.ParseTransactionKind(model.Kind)
	if err != nil {
		return credits.LedgerTransaction{}, err
	}
	return credits.LedgerTransaction{
		TransactionID:  model.TransactionID,
		AccountID:      model.AccountID,
		Delta:          credits.Credits(model.Delta),
		BalanceAfter:   credits.Credits(model.BalanceAfter),
		Kind:           kind,
		ReservationID:  stringOrEmpty(model.ReservationID),
		EventID:        stringOrEmpty(model.EventID),
		IdempotencyKey: stringOrEmpty(model.IdempotencyKey),
		CreatedAt:      model.CreatedAt,
	}, nil
}

func mapSubscription(model Subscription) (credits.Subscription, error) {
	status, err := credits.ParseSubscriptionStatus(model.Status)
	if err != nil {
		return credits.Subscription{}, wrapStoreError(errorSubjectSub, errorCodeInvalid, err)
	}
	return credits.Subscription{
		AccountID:              model.AccountID,
		Status:                 status,
		ExternalSubscriptionID: model.ExternalSubscriptionID,
		CurrentPeriodEnd:       timeOrZero(model.CurrentPeriodEnd),
		CancelAtPeriodEnd:      model.CancelAtPeriodEnd,
		LastGrantedPeriodEnd:   timeOrZero(model.LastGrantedPeriodEnd),
	}, nil
}

func timePointer(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	normalized := value.UTC()
	return &normalized
}

func timeOrZero(value *time.Time) time.Time {
	if value == nil {
		return time.Time{}
	}
	return *value
}

func stringPointer(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isSerializationConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	return false
}
