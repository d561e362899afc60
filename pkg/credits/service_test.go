package credits

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewServiceValidatesDependencies(test *testing.T) {
	test.Parallel()

	if _, err := NewService(nil, fixedClock); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil store, got %v", err)
	}
	if _, err := NewService(newStubStore(test), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil clock, got %v", err)
	}
}

func TestCreditRoutesToRequestedPool(test *testing.T) {
	test.Parallel()

	testCases := []struct {
		name        string
		pool        Pool
		wantBalance Credits
		check       func(test *testing.T, account CreditAccount)
	}{
		{
			name: "monthly raises the allocation",
			pool: PoolMonthly,
			check: func(test *testing.T, account CreditAccount) {
				if account.Monthly.Allocated != 100 {
					test.Fatalf("expected allocation 100, got %d", account.Monthly.Allocated)
				}
			},
		},
		{
			name: "rollover adds to the carried amount",
			pool: PoolRollover,
			check: func(test *testing.T, account CreditAccount) {
				if account.Rollover.Amount != 100 {
					test.Fatalf("expected rollover 100, got %d", account.Rollover.Amount)
				}
			},
		},
		{
			name: "purchased adds to the paid pool",
			pool: PoolPurchased,
			check: func(test *testing.T, account CreditAccount) {
				if account.Purchased.Amount != 100 {
					test.Fatalf("expected purchased 100, got %d", account.Purchased.Amount)
				}
			},
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			service := mustNewService(test, store)
			accountID := mustAccountID(test, "acct-1")

			err := service.Credit(context.Background(), accountID, 100, testCase.pool, KindAdmin, "", "")
			if err != nil {
				test.Fatalf("credit: %v", err)
			}
			account := accountState(test, store, "acct-1")
			testCase.check(test, account)
			if account.Balance() != 100 {
				test.Fatalf("expected balance 100, got %d", account.Balance())
			}
			if account.LifetimeEarned != 100 {
				test.Fatalf("expected lifetime earned 100, got %d", account.LifetimeEarned)
			}
		})
	}
}

func TestCreditRejectsNonPositiveAmount(test *testing.T) {
	test.Parallel()

	service := mustNewService(test, newStubStore(test))
	accountID := mustAccountID(test, "acct-1")

	if err := service.Credit(context.Background(), accountID, 0, PoolPurchased, KindAdmin, "", ""); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestCreditDuplicateKeyAppliesOnce(test *testing.T) {
	test.Parallel()

	store := newStubStore(test)
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "acct-1")

	for attempt := 0; attempt < 3; attempt++ {
		err := service.Credit(context.Background(), accountID, 500, PoolMonthly, KindGrant, "grant:acct-1:1000", "evt-1")
		if err != nil {
			test.Fatalf("credit attempt %d: %v", attempt, err)
		}
	}
	account := accountState(test, store, "acct-1")
	if account.Monthly.Allocated != 500 {
		test.Fatalf("expected allocation 500 after redelivery, got %d", account.Monthly.Allocated)
	}
	if got := countTransactions(store, "acct-1", KindGrant); got != 1 {
		test.Fatalf("expected 1 grant transaction, got %d", got)
	}
}

func TestCreditSurfacesStoreFailure(test *testing.T) {
	test.Parallel()

	store := newStubStore(test)
	store.getAccountError = errStoreFailure
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "acct-1")

	if err := service.Credit(context.Background(), accountID, 10, PoolPurchased, KindAdmin, "", ""); !errors.Is(err, errStoreFailure) {
		test.Fatalf("expected store failure, got %v", err)
	}
}

func TestDebitAbortsBeforePartialApply(test *testing.T) {
	test.Parallel()

	store := newStubStore(test)
	seedAccount(test, store, "acct-1", 50, 0, 0, 0)
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "acct-1")

	err := service.Debit(context.Background(), accountID, Breakdown{FromMonthly: 50, FromPurchased: 10}, KindSpend, "", "")
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	account := accountState(test, store, "acct-1")
	if account.Balance() != 50 {
		test.Fatalf("expected untouched balance 50, got %d", account.Balance())
	}
	if len(store.transactions) != 0 {
		test.Fatalf("expected no transactions, got %d", len(store.transactions))
	}
}

func TestPurchaseReplayedConfirmationAppliesOnce(test *testing.T) {
	test.Parallel()

	store := newStubStore(test)
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "acct-1")

	if err := service.Purchase(context.Background(), accountID, 250, "pay-42"); err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if err := service.Purchase(context.Background(), accountID, 250, "pay-42"); err != nil {
		test.Fatalf("replayed purchase: %v", err)
	}
	account := accountState(test, store, "acct-1")
	if account.Purchased.Amount != 250 {
		test.Fatalf("expected purchased 250, got %d", account.Purchased.Amount)
	}
	if got := countTransactions(store, "acct-1", KindPurchase); got != 1 {
		test.Fatalf("expected 1 purchase transaction, got %d", got)
	}
}

func TestListTransactionsDefaultsCutoffToNow(test *testing.T) {
	test.Parallel()

	store := newStubStore(test)
	store.transactions = append(store.transactions, LedgerTransaction{
		TransactionID: "txn-1",
		AccountID:     "acct-1",
		Delta:         10,
		Kind:          KindGrant,
		CreatedAt:     testEpoch.Add(-time.Hour),
	})
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "acct-1")

	transactions, err := service.ListTransactions(context.Background(), accountID, time.Time{}, 10)
	if err != nil {
		test.Fatalf("list transactions: %v", err)
	}
	if len(transactions) != 1 {
		test.Fatalf("expected 1 transaction, got %d", len(transactions))
	}
}

// conflictStore forces WithTx to fail with a serialization conflict a fixed
// number of times before delegating to the in-memory store.
type conflictStore struct {
	*stubStore
	remainingConflicts int
}

func (store *conflictStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.remainingConflicts > 0 {
		store.remainingConflicts--
		return ErrConflict
	}
	return store.stubStore.WithTx(ctx, fn)
}

func TestConflictRetriesThenSucceeds(test *testing.T) {
	test.Parallel()

	store := &conflictStore{stubStore: newStubStore(test), remainingConflicts: 2}
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "acct-1")

	if err := service.Credit(context.Background(), accountID, 10, PoolPurchased, KindAdmin, "", ""); err != nil {
		test.Fatalf("credit after retries: %v", err)
	}
	account := accountState(test, store.stubStore, "acct-1")
	if account.Purchased.Amount != 10 {
		test.Fatalf("expected purchased 10, got %d", account.Purchased.Amount)
	}
}

func TestConflictExhaustsRetries(test *testing.T) {
	test.Parallel()

	store := &conflictStore{stubStore: newStubStore(test), remainingConflicts: defaultConflictRetries}
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "acct-1")

	err := service.Credit(context.Background(), accountID, 10, PoolPurchased, KindAdmin, "", "")
	if !errors.Is(err, ErrConflict) {
		test.Fatalf("expected ErrConflict after exhausted retries, got %v", err)
	}
}
