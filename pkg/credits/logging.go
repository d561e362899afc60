package credits

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing credit engine operation.
type OperationLog struct {
	Operation     string
	AccountID     string
	ReservationID string
	EventID       string
	Amount        Credits
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithReservationTTL overrides the pending-reservation expiry window.
func WithReservationTTL(ttl time.Duration) ServiceOption {
	return func(service *Service) {
		if ttl > 0 {
			service.reservationTTL = ttl
		}
	}
}

// WithBillingPeriod overrides the fallback billing period used when the
// processor omits a period end.
func WithBillingPeriod(period time.Duration) ServiceOption {
	return func(service *Service) {
		if period > 0 {
			service.billingPeriod = period
		}
	}
}
