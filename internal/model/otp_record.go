package model

import (
	"time"
)

// OTPRecord is the durable state of one payment-verification code.
// Code holds the obfuscated form only; the clear code is never persisted
// and never logged.
type OTPRecord struct {
	OTPID               string     `db:"otp_id"`
	PaymentID           string     `db:"payment_id"`
	RetailerID          string     `db:"retailer_id"`
	RetailerBucket      int        `db:"retailer_bucket"`
	Code                string     `db:"code"`
	Amount              float64    `db:"amount"`
	LineWorkerName      string     `db:"line_worker_name"`
	CreatedAt           time.Time  `db:"created_at"`
	ExpiresAt           time.Time  `db:"expires_at"`
	Attempts            int        `db:"attempts"`
	LastAttemptAt       *time.Time `db:"last_attempt_at"`
	ConsecutiveFailures int        `db:"consecutive_failures"`
	CooldownUntil       *time.Time `db:"cooldown_until"`
	BreachDetected      bool       `db:"breach_detected"`
	IsUsed              bool       `db:"is_used"`
	UsedAt              *time.Time `db:"used_at"`
}

// Active reports whether the record can still be presented for
// verification: not used and not past expiry.
func (r *OTPRecord) Active(now time.Time) bool {
	return !r.IsUsed && now.Before(r.ExpiresAt)
}

// SecurityFields is the partial update applied after a verification
// attempt. Only the attempt-tracking columns may change this way; all
// other record fields are immutable after creation.
type SecurityFields struct {
	Attempts            int
	LastAttemptAt       time.Time
	ConsecutiveFailures int
	CooldownUntil       *time.Time
	BreachDetected      bool
}

// DisplayEntry is the transient, denormalized projection of an active
// record that the retailer dashboard renders. It lives only in process
// memory inside the dashboard bridge and is rebuilt from the durable
// store on every sync.
type DisplayEntry struct {
	PaymentID      string    `json:"payment_id"`
	Code           string    `json:"code"`
	Amount         float64   `json:"amount"`
	LineWorkerName string    `json:"line_worker_name"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	Expired        bool      `json:"expired"`
}

// AttemptEvent is the append-only audit row written to ClickHouse for
// every verification attempt.
type AttemptEvent struct {
	EventTime  time.Time `db:"event_time"`
	EventDate  string    `db:"event_date"`
	OTPID      string    `db:"otp_id"`
	PaymentID  string    `db:"payment_id"`
	RetailerID string    `db:"retailer_id"`
	Outcome    string    `db:"outcome"`
	Attempts   int       `db:"attempts"`
	RemoteAddr string    `db:"remote_addr"`
}

// BreachIncident is indexed into Elasticsearch when a record trips the
// breach threshold, so wholesaler support can find and escalate it.
type BreachIncident struct {
	OTPID               string    `json:"otp_id"`
	PaymentID           string    `json:"payment_id"`
	RetailerID          string    `json:"retailer_id"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	DetectedAt          time.Time `json:"detected_at"`
	Amount              float64   `json:"amount"`
	LineWorkerName      string    `json:"line_worker_name"`
}
