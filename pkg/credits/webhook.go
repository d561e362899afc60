package credits

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	signatureTimestampPrefix = "t="
	signatureValuePrefix     = "v1="
	signaturePartDelimiter   = ","
	signaturePayloadJoin     = "."
)

// WebhookGateway authenticates, deduplicates, and orders inbound billing
// events before handing them to the subscription state machine. Delivery is
// at-least-once; the gateway's job is to make redelivery safe, not to retry.
type WebhookGateway struct {
	service   *Service
	secret    []byte
	tolerance time.Duration
	nowFn     func() time.Time
}

// NewWebhookGateway wires a gateway over a Service.
func NewWebhookGateway(service *Service, secret []byte, tolerance time.Duration) (*WebhookGateway, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: service dependency is nil", ErrInvalidServiceConfig)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: webhook signing secret is empty", ErrInvalidServiceConfig)
	}
	if tolerance <= 0 {
		tolerance = DefaultTimestampTolerance
	}
	return &WebhookGateway{
		service:   service,
		secret:    secret,
		tolerance: tolerance,
		nowFn:     service.nowFn,
	}, nil
}

// webhookPayload is the wire shape delivered by the billing processor.
type webhookPayload struct {
	EventID        string `json:"id"`
	Type           string `json:"type"`
	AccountID      string `json:"account_id"`
	SubscriptionID string `json:"subscription_id"`
	Status         string `json:"status"`
	PeriodEnd      int64  `json:"current_period_end"`
	Allocation     int64  `json:"monthly_allocation"`
	Amount         int64  `json:"amount"`
	CreatedUnix    int64  `json:"created"`
}

// Ingest runs the full pipeline: verify signature and timestamp, dedup on the
// external event id, hand the event to the state machine, stamp processedAt.
// A failure during processing leaves processedAt null so the processor's
// redelivery is reprocessed; a second delivery of a processed event succeeds
// without reprocessing.
func (gateway *WebhookGateway) Ingest(ctx context.Context, payload []byte, signatureHeader string) error {
	if err := gateway.VerifySignature(payload, signatureHeader); err != nil {
		gateway.service.logOperation(ctx, OperationLog{Operation: operationIngest, Error: err})
		return err
	}
	event, err := decodeBillingEvent(payload)
	if err != nil {
		gateway.service.logOperation(ctx, OperationLog{Operation: operationIngest, Error: err})
		return err
	}

	now := gateway.nowFn()
	insertErr := gateway.service.store.InsertWebhookEvent(ctx, WebhookEvent{
		ExternalEventID: event.EventID,
		Type:            event.Type,
		Payload:         payload,
		ReceivedAt:      now,
	})
	if errors.Is(insertErr, ErrDuplicateEvent) {
		existing, err := gateway.service.store.GetWebhookEvent(ctx, event.EventID)
		if err != nil {
			return err
		}
		if existing.ProcessedAt != nil {
			// Absorbed: already processed, redelivery is a success no-op.
			return nil
		}
		// First processing attempt failed mid-flight; fall through and retry.
	} else if insertErr != nil {
		return WrapError(errorOperationWebhook, errorSubjectEvent, "insert", insertErr)
	}

	if err := gateway.service.ApplyEvent(ctx, event); err != nil {
		return err
	}
	return gateway.service.store.MarkWebhookProcessed(ctx, event.EventID, gateway.nowFn())
}

// VerifySignature checks the billing processor's signature header, formatted
// "t=<unix>,v1=<hex hmac-sha256 of "<unix>.<payload>">". The timestamp must
// fall inside the tolerance window to reject replayed or stale deliveries.
func (gateway *WebhookGateway) VerifySignature(payload []byte, signatureHeader string) error {
	timestamp, signature, err := parseSignatureHeader(signatureHeader)
	if err != nil {
		return err
	}
	drift := gateway.nowFn().Sub(time.Unix(timestamp, 0))
	if drift > gateway.tolerance || drift < -gateway.tolerance {
		return WrapError(errorOperationWebhook, errorSubjectEvent, "stale", ErrStaleTimestamp)
	}
	expected := computeSignature(gateway.secret, timestamp, payload)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return WrapError(errorOperationWebhook, errorSubjectEvent, "signature", ErrInvalidSignature)
	}
	return nil
}

// SignPayload produces the signature header a caller would attach. Exported
// for test fixtures and local event injection tooling.
func SignPayload(secret []byte, timestamp time.Time, payload []byte) string {
	unix := timestamp.Unix()
	return signatureTimestampPrefix + strconv.FormatInt(unix, 10) +
		signaturePartDelimiter +
		signatureValuePrefix + computeSignature(secret, unix, payload)
}

func computeSignature(secret []byte, timestamp int64, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte(signaturePayloadJoin))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(header string) (int64, string, error) {
	var timestampRaw, signature string
	for _, part := range strings.Split(header, signaturePartDelimiter) {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, signatureTimestampPrefix):
			timestampRaw = strings.TrimPrefix(part, signatureTimestampPrefix)
		case strings.HasPrefix(part, signatureValuePrefix):
			signature = strings.TrimPrefix(part, signatureValuePrefix)
		}
	}
	if timestampRaw == "" || signature == "" {
		return 0, "", WrapError(errorOperationWebhook, errorSubjectEvent, "signature", ErrInvalidSignature)
	}
	timestamp, err := strconv.ParseInt(timestampRaw, 10, 64)
	if err != nil {
		return 0, "", WrapError(errorOperationWebhook, errorSubjectEvent, "signature", ErrInvalidSignature)
	}
	return timestamp, signature, nil
}

func decodeBillingEvent(payload []byte) (BillingEvent, error) {
	var decoded webhookPayload
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return BillingEvent{}, fmt.Errorf("%w: %v", ErrInvalidEventPayload, err)
	}
	if decoded.EventID == "" {
		return BillingEvent{}, fmt.Errorf("%w: missing event id", ErrInvalidEventPayload)
	}
	eventType, err := ParseEventType(decoded.Type)
	if err != nil {
		return BillingEvent{}, err
	}
	if decoded.AccountID == "" {
		return BillingEvent{}, fmt.Errorf("%w: missing account id", ErrInvalidEventPayload)
	}
	event := BillingEvent{
		EventID:                decoded.EventID,
		Type:                   eventType,
		AccountID:              decoded.AccountID,
		ExternalSubscriptionID: decoded.SubscriptionID,
		MonthlyAllocation:      Credits(decoded.Allocation),
		Amount:                 Credits(decoded.Amount),
	}
	if decoded.Status != "" {
		status, err := ParseSubscriptionStatus(decoded.Status)
		if err != nil {
			return BillingEvent{}, err
		}
		event.Status = status
	}
	if decoded.PeriodEnd > 0 {
		event.CurrentPeriodEnd = time.Unix(decoded.PeriodEnd, 0).UTC()
	}
	if decoded.CreatedUnix > 0 {
		event.OccurredAt = time.Unix(decoded.CreatedUnix, 0).UTC()
	}
	return event, nil
}
