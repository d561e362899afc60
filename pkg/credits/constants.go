package credits

import "time"

const (
	operationReserve    = "reserve"
	operationCommit     = "commit"
	operationRollback   = "rollback"
	operationCredit     = "credit"
	operationDebit      = "debit"
	operationSnapshot   = "snapshot"
	operationApplyEvent = "apply_event"
	operationIngest     = "ingest"
	operationSweep      = "sweep"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	errorOperationLedger       = "ledger"
	errorOperationReservation  = "reservation"
	errorOperationSubscription = "subscription"
	errorOperationWebhook      = "webhook"
	errorOperationReconcile    = "reconcile"

	errorSubjectAccount      = "account"
	errorSubjectReservation  = "reservation"
	errorSubjectTransaction  = "transaction"
	errorSubjectSubscription = "subscription"
	errorSubjectEvent        = "event"

	errorCodeInvariant  = "invariant"
	errorCodeConflict   = "conflict"
	errorCodeTransition = "transition"
	errorCodeResolved   = "resolved"

	idempotencyKeyDelimiter = ":"
	idempotencyPrefixGrant  = "grant"
	idempotencyPrefixRoll   = "rollback"
	idempotencyPrefixBuy    = "purchase"
	idempotencyPrefixRefund = "refund"
	idempotencyPrefixReset  = "reset"
	idempotencyPrefixExpire = "expire"

	// DefaultReservationTTL bounds credit leakage when a caller dies between
	// reserve and commit/rollback.
	DefaultReservationTTL = 2 * time.Minute

	// DefaultBillingPeriod is the pool reset cadence when the billing
	// processor does not supply a period end.
	DefaultBillingPeriod = 30 * 24 * time.Hour

	// DefaultTimestampTolerance is how far a signed webhook timestamp may
	// drift from now before the delivery is rejected as stale.
	DefaultTimestampTolerance = 5 * time.Minute

	defaultConflictRetries = 3
	defaultSweepBatchSize  = 100
)
