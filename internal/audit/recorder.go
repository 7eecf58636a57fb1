package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"payment-otp-service/internal/model"
	"payment-otp-service/internal/util"
)

// Lifecycle event types published to Kafka.
const (
	EventIssued      = "otp.issued"
	EventVerified    = "otp.verified"
	EventInvalidated = "otp.invalidated"
)

const sinkTimeout = 5 * time.Second

// AttemptSink receives the append-only verification attempt trail.
type AttemptSink interface {
	InsertAttemptEvents(ctx context.Context, events []model.AttemptEvent) error
}

// BreachSink receives breach incidents for support-side search.
type BreachSink interface {
	IndexBreachIncident(ctx context.Context, incident *model.BreachIncident) error
}

// EventSink receives lifecycle events for the payment workflow.
type EventSink interface {
	Publish(ctx context.Context, key, value []byte, headers map[string]string) error
}

// Recorder fans observability writes out to ClickHouse, Elasticsearch
// and Kafka. Every write is best effort: a sink failure is logged and
// swallowed, never surfaced to the verification path. Nil sinks are
// skipped, which keeps local development runnable without the full
// infrastructure.
type Recorder struct {
	attempts AttemptSink
	breaches BreachSink
	events   EventSink
}

func NewRecorder(attempts AttemptSink, breaches BreachSink, events EventSink) *Recorder {
	return &Recorder{
		attempts: attempts,
		breaches: breaches,
		events:   events,
	}
}

// lifecycleEvent is the wire shape of a Kafka lifecycle message. The
// obfuscated code is deliberately absent.
type lifecycleEvent struct {
	Type       string    `json:"type"`
	OTPID      string    `json:"otp_id"`
	PaymentID  string    `json:"payment_id"`
	RetailerID string    `json:"retailer_id"`
	Amount     float64   `json:"amount"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RecordAttempt appends one verification attempt row.
func (r *Recorder) RecordAttempt(ctx context.Context, rec *model.OTPRecord, outcome, remoteAddr string) {
	if r == nil || r.attempts == nil {
		return
	}

	now := time.Now().UTC()
	event := model.AttemptEvent{
		EventTime:  now,
		EventDate:  now.Format("2006-01-02"),
		OTPID:      rec.OTPID,
		PaymentID:  rec.PaymentID,
		RetailerID: rec.RetailerID,
		Outcome:    outcome,
		Attempts:   rec.Attempts,
		RemoteAddr: remoteAddr,
	}

	sctx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()

	if err := r.attempts.InsertAttemptEvents(sctx, []model.AttemptEvent{event}); err != nil {
		util.Warn("Failed to record attempt event",
			zap.String("otp_id", rec.OTPID),
			zap.String("outcome", outcome),
			zap.Error(err))
	}
}

// RecordBreach indexes a breach incident.
func (r *Recorder) RecordBreach(ctx context.Context, rec *model.OTPRecord) {
	if r == nil || r.breaches == nil {
		return
	}

	incident := &model.BreachIncident{
		OTPID:               rec.OTPID,
		PaymentID:           rec.PaymentID,
		RetailerID:          rec.RetailerID,
		ConsecutiveFailures: rec.ConsecutiveFailures,
		DetectedAt:          time.Now().UTC(),
		Amount:              rec.Amount,
		LineWorkerName:      rec.LineWorkerName,
	}

	sctx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()

	if err := r.breaches.IndexBreachIncident(sctx, incident); err != nil {
		util.Warn("Failed to index breach incident",
			zap.String("otp_id", rec.OTPID),
			zap.String("retailer_id", rec.RetailerID),
			zap.Error(err))
	}
}

// PublishLifecycle emits one lifecycle event keyed by payment id.
func (r *Recorder) PublishLifecycle(ctx context.Context, eventType string, rec *model.OTPRecord) {
	if r == nil || r.events == nil {
		return
	}

	payload, err := json.Marshal(lifecycleEvent{
		Type:       eventType,
		OTPID:      rec.OTPID,
		PaymentID:  rec.PaymentID,
		RetailerID: rec.RetailerID,
		Amount:     rec.Amount,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		util.Error("Failed to marshal lifecycle event", zap.Error(err))
		return
	}

	sctx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()

	headers := map[string]string{"event_type": eventType}
	if err := r.events.Publish(sctx, []byte(rec.PaymentID), payload, headers); err != nil {
		util.Warn("Failed to publish lifecycle event",
			zap.String("event_type", eventType),
			zap.String("payment_id", rec.PaymentID),
			zap.Error(err))
	}
}
