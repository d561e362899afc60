package credits

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errStoreFailure = errors.New("store failure")

// stubStore is an in-memory Store. WithTx serializes on a single mutex and
// restores a snapshot when fn fails, mimicking a serializable transaction
// that locks the account row.
type stubStore struct {
	mu sync.Mutex

	accounts      map[string]CreditAccount
	reservations  map[string]Reservation
	transactions  []LedgerTransaction
	usedKeys      map[string]bool
	subscriptions map[string]Subscription
	webhookEvents map[string]WebhookEvent

	getAccountError        error
	saveAccountError       error
	insertTransactionError error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		accounts:      map[string]CreditAccount{},
		reservations:  map[string]Reservation{},
		usedKeys:      map[string]bool{},
		subscriptions: map[string]Subscription{},
		webhookEvents: map[string]WebhookEvent{},
	}
}

type stubSnapshot struct {
	accounts      map[string]CreditAccount
	reservations  map[string]Reservation
	transactions  []LedgerTransaction
	usedKeys      map[string]bool
	subscriptions map[string]Subscription
	webhookEvents map[string]WebhookEvent
}

func (store *stubStore) snapshot() stubSnapshot {
	snap := stubSnapshot{
		accounts:      make(map[string]CreditAccount, len(store.accounts)),
		reservations:  make(map[string]Reservation, len(store.reservations)),
		transactions:  append([]LedgerTransaction(nil), store.transactions...),
		usedKeys:      make(map[string]bool, len(store.usedKeys)),
		subscriptions: make(map[string]Subscription, len(store.subscriptions)),
		webhookEvents: make(map[string]WebhookEvent, len(store.webhookEvents)),
	}
	for key, value := range store.accounts {
		snap.accounts[key] = value
	}
	for key, value := range store.reservations {
		snap.reservations[key] = value
	}
	for key := range store.usedKeys {
		snap.usedKeys[key] = true
	}
	for key, value := range store.subscriptions {
		snap.subscriptions[key] = value
	}
	for key, value := range store.webhookEvents {
		snap.webhookEvents[key] = value
	}
	return snap
}

func (store *stubStore) restore(snap stubSnapshot) {
	store.accounts = snap.accounts
	store.reservations = snap.reservations
	store.transactions = snap.transactions
	store.usedKeys = snap.usedKeys
	store.subscriptions = snap.subscriptions
	store.webhookEvents = snap.webhookEvents
}

// WithTx serializes transactions on a single mutex. Methods themselves do
// not lock; outside a transaction the tests drive the store from one
// goroutine at a time.
func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	snap := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(snap)
		return err
	}
	return nil
}

func (store *stubStore) GetOrCreateAccount(ctx context.Context, accountID string) (CreditAccount, error) {
	if store.getAccountError != nil {
		return CreditAccount{}, store.getAccountError
	}
	account, exists := store.accounts[accountID]
	if !exists {
		account = CreditAccount{AccountID: accountID}
		store.accounts[accountID] = account
	}
	return account, nil
}

func (store *stubStore) GetAccountForUpdate(ctx context.Context, accountID string) (CreditAccount, error) {
	return store.GetOrCreateAccount(ctx, accountID)
}

func (store *stubStore) SaveAccount(ctx context.Context, account CreditAccount) error {
	if store.saveAccountError != nil {
		return store.saveAccountError
	}
	store.accounts[account.AccountID] = account
	return nil
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction LedgerTransaction) error {
	if store.insertTransactionError != nil {
		return store.insertTransactionError
	}
	if transaction.IdempotencyKey != "" {
		if store.usedKeys[transaction.IdempotencyKey] {
			return ErrDuplicateTransaction
		}
		store.usedKeys[transaction.IdempotencyKey] = true
	}
	store.transactions = append(store.transactions, transaction)
	return nil
}

func (store *stubStore) ListTransactions(ctx context.Context, accountID string, before time.Time, limit int) ([]LedgerTransaction, error) {
	var out []LedgerTransaction
	for _, transaction := range store.transactions {
		if transaction.AccountID == accountID && transaction.CreatedAt.Before(before) {
			out = append(out, transaction)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (store *stubStore) CreateReservation(ctx context.Context, reservation Reservation) error {
	store.reservations[reservation.ReservationID] = reservation
	return nil
}

func (store *stubStore) GetReservationForUpdate(ctx context.Context, reservationID string) (Reservation, error) {
	reservation, exists := store.reservations[reservationID]
	if !exists {
		return Reservation{}, ErrReservationNotFound
	}
	return reservation, nil
}

func (store *stubStore) UpdateReservationStatus(ctx context.Context, reservationID string, from, to ReservationStatus) error {
	reservation, exists := store.reservations[reservationID]
	if !exists || reservation.Status != from {
		return ErrReservationAlreadyResolved
	}
	reservation.Status = to
	store.reservations[reservationID] = reservation
	return nil
}

func (store *stubStore) ListExpiredReservations(ctx context.Context, cutoff time.Time, limit int) ([]Reservation, error) {
	var out []Reservation
	for _, reservation := range store.reservations {
		if reservation.Status == ReservationPending && !reservation.ExpiresAt.After(cutoff) {
			out = append(out, reservation)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (store *stubStore) GetOrCreateSubscription(ctx context.Context, accountID string) (Subscription, error) {
	subscription, exists := store.subscriptions[accountID]
	if !exists {
		subscription = Subscription{AccountID: accountID, Status: SubscriptionNone}
		store.subscriptions[accountID] = subscription
	}
	return subscription, nil
}

func (store *stubStore) SaveSubscription(ctx context.Context, subscription Subscription) error {
	store.subscriptions[subscription.AccountID] = subscription
	return nil
}

func (store *stubStore) InsertWebhookEvent(ctx context.Context, event WebhookEvent) error {
	if _, exists := store.webhookEvents[event.ExternalEventID]; exists {
		return ErrDuplicateEvent
	}
	store.webhookEvents[event.ExternalEventID] = event
	return nil
}

func (store *stubStore) GetWebhookEvent(ctx context.Context, externalEventID string) (WebhookEvent, error) {
	event, exists := store.webhookEvents[externalEventID]
	if !exists {
		return WebhookEvent{}, errStoreFailure
	}
	return event, nil
}

func (store *stubStore) MarkWebhookProcessed(ctx context.Context, externalEventID string, processedAt time.Time) error {
	event, exists := store.webhookEvents[externalEventID]
	if !exists {
		return errStoreFailure
	}
	event.ProcessedAt = &processedAt
	store.webhookEvents[externalEventID] = event
	return nil
}

func (store *stubStore) ListAccountsDueMonthlyReset(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var out []string
	for id, account := range store.accounts {
		if !account.Monthly.ResetAt.IsZero() && !account.Monthly.ResetAt.After(cutoff) {
			out = append(out, id)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (store *stubStore) ListAccountsWithExpiredRollover(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var out []string
	for id, account := range store.accounts {
		if account.Rollover.Amount > 0 && account.Rollover.ExpiresAt != nil && !account.Rollover.ExpiresAt.After(cutoff) {
			out = append(out, id)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Test helpers shared across the package tests.

var testEpoch = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testEpoch }

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, fixedClock, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustReservationIDFrom(test *testing.T, raw string) ReservationID {
	test.Helper()
	reservationID, err := NewReservationID(raw)
	if err != nil {
		test.Fatalf("reservation id: %v", err)
	}
	return reservationID
}

func seedAccount(test *testing.T, store *stubStore, accountID string, monthlyAllocated, monthlyUsed, rollover, purchased Credits) {
	test.Helper()
	store.accounts[accountID] = CreditAccount{
		AccountID: accountID,
		Monthly: MonthlyPool{
			Allocated: monthlyAllocated,
			Used:      monthlyUsed,
			ResetAt:   testEpoch.Add(30 * 24 * time.Hour),
		},
		Rollover:  RolloverPool{Amount: rollover},
		Purchased: PurchasedPool{Amount: purchased},
	}
}

func accountState(test *testing.T, store *stubStore, accountID string) CreditAccount {
	test.Helper()
	account, exists := store.accounts[accountID]
	if !exists {
		test.Fatalf("account %s not found", accountID)
	}
	return account
}

func countTransactions(store *stubStore, accountID string, kind TransactionKind) int {
	count := 0
	for _, transaction := range store.transactions {
		if transaction.AccountID == accountID && transaction.Kind == kind {
			count++
		}
	}
	return count
}
