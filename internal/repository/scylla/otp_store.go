package scylla

import (
	"context"
	"errors"
	"time"

	"payment-otp-service/internal/model"
)

// ErrUnavailable wraps every storage-layer failure so callers can tell
// infrastructure trouble apart from domain outcomes. It must never be
// translated into a security decision.
var ErrUnavailable = errors.New("otp record store unavailable")

// RecordStore is the durable persistence contract for OTP records. The
// production implementation runs on ScyllaDB; tests substitute an
// in-memory store.
type RecordStore interface {
	// Create inserts a new record, assigning OTPID and CreatedAt when
	// unset. All security-tracking fields start at zero/null/false.
	Create(ctx context.Context, rec *model.OTPRecord) error

	// GetActiveByPaymentID returns the most recently created unused
	// record for the payment, or nil when none exists.
	GetActiveByPaymentID(ctx context.Context, paymentID string) (*model.OTPRecord, error)

	// GetActiveByRetailerID returns up to limit unused records for a
	// retailer, newest first. Records from this read path carry the
	// display projection only, not the security counters.
	GetActiveByRetailerID(ctx context.Context, retailerID string, limit int) ([]*model.OTPRecord, error)

	// UpdateSecurityFields applies the attempt-tracking update as a
	// compare-and-swap conditioned on the attempts value the caller
	// read. It reports false when a concurrent attempt won the race;
	// the caller must reload and recompute.
	UpdateSecurityFields(ctx context.Context, rec *model.OTPRecord, fields model.SecurityFields) (bool, error)

	// MarkUsed terminates the record. Idempotent: marking an already
	// used record is a no-op, not an error.
	MarkUsed(ctx context.Context, rec *model.OTPRecord) error

	// InvalidateActiveByPaymentID marks every unused record for the
	// payment as used and returns how many it touched.
	InvalidateActiveByPaymentID(ctx context.Context, paymentID string) (int, error)

	// DeleteExpiredAndStale removes records past expiry and used
	// records older than the retention window, returning the count.
	DeleteExpiredAndStale(ctx context.Context, retention time.Duration) (int, error)

	HealthCheck(ctx context.Context) error
}
