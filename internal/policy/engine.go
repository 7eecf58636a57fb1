package policy

import (
	"time"

	"payment-otp-service/internal/model"
)

// Decision reasons surfaced to callers and, eventually, the retailer UI.
const (
	ReasonBreach    = "breach"
	ReasonCooldown  = "cooldown"
	ReasonExhausted = "attempts_exhausted"
)

// Decision is the outcome of evaluating a record against the
// verification policy at a point in time.
type Decision struct {
	CanAttempt               bool
	RemainingAttempts        int
	CooldownSecondsRemaining int
	Reason                   string
}

// Engine is the pure verification-gate policy. It never mutates records
// and never touches storage; the lifecycle service applies its
// transitions.
type Engine struct {
	maxAttempts     int
	cooldownPeriod  time.Duration
	breachThreshold int
}

func NewEngine(maxAttempts int, cooldownPeriod time.Duration, breachThreshold int) *Engine {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if cooldownPeriod <= 0 {
		cooldownPeriod = 2 * time.Minute
	}
	if breachThreshold <= 0 {
		breachThreshold = 6
	}
	return &Engine{
		maxAttempts:     maxAttempts,
		cooldownPeriod:  cooldownPeriod,
		breachThreshold: breachThreshold,
	}
}

// Evaluate decides whether a verification attempt may proceed.
//
// Priority order: breach blocks everything, an active cooldown blocks
// until it passes, otherwise the attempt budget applies. A cooldown that
// has already passed readmits the record even though attempts stay at or
// above the budget; the attempt counter only resets on success, so a
// further failure immediately re-arms a fresh cooldown.
func (e *Engine) Evaluate(rec *model.OTPRecord, now time.Time) Decision {
	if rec.BreachDetected {
		return Decision{CanAttempt: false, Reason: ReasonBreach}
	}

	if rec.CooldownUntil != nil && rec.CooldownUntil.After(now) {
		remaining := rec.CooldownUntil.Sub(now)
		secs := int((remaining + time.Second - 1) / time.Second)
		return Decision{
			CanAttempt:               false,
			RemainingAttempts:        e.remaining(rec.Attempts),
			CooldownSecondsRemaining: secs,
			Reason:                   ReasonCooldown,
		}
	}

	if rec.Attempts >= e.maxAttempts && rec.CooldownUntil == nil {
		// Defensive: attempts exhausted without a cooldown ever being
		// armed. Should not occur, the failure transition arms one.
		return Decision{CanAttempt: false, Reason: ReasonExhausted}
	}

	return Decision{
		CanAttempt:        true,
		RemainingAttempts: e.remaining(rec.Attempts),
	}
}

// ApplyFailure computes the security-field update for a failed attempt.
// The returned fields are what the store must persist; the record itself
// is not modified.
func (e *Engine) ApplyFailure(rec *model.OTPRecord, now time.Time) model.SecurityFields {
	fields := model.SecurityFields{
		Attempts:            rec.Attempts + 1,
		ConsecutiveFailures: rec.ConsecutiveFailures + 1,
		LastAttemptAt:       now,
		CooldownUntil:       rec.CooldownUntil,
		BreachDetected:      rec.BreachDetected,
	}

	if fields.ConsecutiveFailures >= e.breachThreshold {
		fields.BreachDetected = true
		return fields
	}

	if fields.Attempts >= e.maxAttempts {
		until := now.Add(e.cooldownPeriod)
		fields.CooldownUntil = &until
	}

	return fields
}

// ApplySuccess computes the reset applied on a successful verification.
func (e *Engine) ApplySuccess(now time.Time) model.SecurityFields {
	return model.SecurityFields{
		Attempts:            0,
		ConsecutiveFailures: 0,
		LastAttemptAt:       now,
		CooldownUntil:       nil,
		BreachDetected:      false,
	}
}

// MaxAttempts exposes the configured attempt budget.
func (e *Engine) MaxAttempts() int {
	return e.maxAttempts
}

func (e *Engine) remaining(attempts int) int {
	if attempts >= e.maxAttempts {
		return 0
	}
	return e.maxAttempts - attempts
}
