package policy

import (
	"testing"
	"time"

	"payment-otp-service/internal/model"
)

func newTestEngine() *Engine {
	return NewEngine(3, 2*time.Minute, 6)
}

func TestBreachBlocksEverything(t *testing.T) {
	e := newTestEngine()
	now := time.Now()

	past := now.Add(-time.Hour)
	rec := &model.OTPRecord{
		BreachDetected: true,
		Attempts:       0,
		CooldownUntil:  &past,
	}

	d := e.Evaluate(rec, now)
	if d.CanAttempt {
		t.Fatal("breach record must never allow attempts")
	}
	if d.Reason != ReasonBreach {
		t.Fatalf("expected reason %q, got %q", ReasonBreach, d.Reason)
	}
}

func TestActiveCooldownBlocks(t *testing.T) {
	e := newTestEngine()
	now := time.Now()

	until := now.Add(90 * time.Second)
	rec := &model.OTPRecord{Attempts: 3, CooldownUntil: &until}

	d := e.Evaluate(rec, now)
	if d.CanAttempt {
		t.Fatal("active cooldown must block attempts")
	}
	if d.Reason != ReasonCooldown {
		t.Fatalf("expected reason %q, got %q", ReasonCooldown, d.Reason)
	}
	if d.CooldownSecondsRemaining != 90 {
		t.Fatalf("expected 90 seconds remaining, got %d", d.CooldownSecondsRemaining)
	}
}

func TestCooldownSecondsRoundUp(t *testing.T) {
	e := newTestEngine()
	now := time.Now()

	until := now.Add(500 * time.Millisecond)
	rec := &model.OTPRecord{Attempts: 3, CooldownUntil: &until}

	d := e.Evaluate(rec, now)
	if d.CooldownSecondsRemaining != 1 {
		t.Fatalf("expected partial second to round up to 1, got %d", d.CooldownSecondsRemaining)
	}
}

func TestExpiredCooldownReadmits(t *testing.T) {
	e := newTestEngine()
	now := time.Now()

	past := now.Add(-time.Second)
	rec := &model.OTPRecord{Attempts: 3, CooldownUntil: &past}

	d := e.Evaluate(rec, now)
	if !d.CanAttempt {
		t.Fatal("expired cooldown must readmit the record")
	}
	if d.RemainingAttempts != 0 {
		t.Fatalf("attempts are not reset by cooldown expiry, expected 0 remaining, got %d", d.RemainingAttempts)
	}
}

func TestFreshRecordAllowed(t *testing.T) {
	e := newTestEngine()
	now := time.Now()

	d := e.Evaluate(&model.OTPRecord{}, now)
	if !d.CanAttempt {
		t.Fatal("fresh record must allow attempts")
	}
	if d.RemainingAttempts != 3 {
		t.Fatalf("expected 3 remaining attempts, got %d", d.RemainingAttempts)
	}
}

func TestThirdFailureArmsCooldown(t *testing.T) {
	e := newTestEngine()
	now := time.Now()

	rec := &model.OTPRecord{Attempts: 2, ConsecutiveFailures: 2}
	fields := e.ApplyFailure(rec, now)

	if fields.Attempts != 3 || fields.ConsecutiveFailures != 3 {
		t.Fatalf("expected counters 3/3, got %d/%d", fields.Attempts, fields.ConsecutiveFailures)
	}
	if fields.CooldownUntil == nil {
		t.Fatal("third failure must arm a cooldown")
	}
	want := now.Add(2 * time.Minute)
	if !fields.CooldownUntil.Equal(want) {
		t.Fatalf("expected cooldown until %v, got %v", want, fields.CooldownUntil)
	}
	if fields.BreachDetected {
		t.Fatal("third failure must not flag a breach")
	}
}

func TestFailureAfterCooldownRearmsCooldown(t *testing.T) {
	e := newTestEngine()
	now := time.Now()

	past := now.Add(-time.Minute)
	rec := &model.OTPRecord{Attempts: 3, ConsecutiveFailures: 3, CooldownUntil: &past}
	fields := e.ApplyFailure(rec, now)

	if fields.CooldownUntil == nil || !fields.CooldownUntil.After(now) {
		t.Fatal("failure with exhausted attempts must re-arm a fresh cooldown")
	}
}

func TestSixthConsecutiveFailureIsBreach(t *testing.T) {
	e := newTestEngine()
	now := time.Now()

	rec := &model.OTPRecord{Attempts: 5, ConsecutiveFailures: 5}
	fields := e.ApplyFailure(rec, now)

	if !fields.BreachDetected {
		t.Fatal("sixth consecutive failure must flag a breach")
	}

	// Breach blocks even after any cooldown would have lapsed.
	breached := &model.OTPRecord{
		Attempts:            fields.Attempts,
		ConsecutiveFailures: fields.ConsecutiveFailures,
		BreachDetected:      fields.BreachDetected,
	}
	d := e.Evaluate(breached, now.Add(time.Hour))
	if d.CanAttempt || d.Reason != ReasonBreach {
		t.Fatalf("breach must be permanent, got %+v", d)
	}
}

func TestSuccessResetsCounters(t *testing.T) {
	e := newTestEngine()
	now := time.Now()

	fields := e.ApplySuccess(now)
	if fields.Attempts != 0 || fields.ConsecutiveFailures != 0 {
		t.Fatalf("success must zero counters, got %d/%d", fields.Attempts, fields.ConsecutiveFailures)
	}
	if fields.CooldownUntil != nil {
		t.Fatal("success must clear cooldown")
	}
	if fields.BreachDetected {
		t.Fatal("success must clear breach flag")
	}
}

func TestCountersDivergeAcrossCooldownCycles(t *testing.T) {
	// attempts and consecutiveFailures move together on failure but only
	// consecutiveFailures drives the breach threshold; collapsing them
	// into one counter breaks the 6-strike rule.
	e := newTestEngine()
	now := time.Now()

	rec := &model.OTPRecord{}
	for i := 0; i < 5; i++ {
		fields := e.ApplyFailure(rec, now)
		rec.Attempts = fields.Attempts
		rec.ConsecutiveFailures = fields.ConsecutiveFailures
		rec.CooldownUntil = fields.CooldownUntil
		rec.BreachDetected = fields.BreachDetected
		now = now.Add(3 * time.Minute) // each cooldown lapses
	}

	if rec.BreachDetected {
		t.Fatal("breach flagged before sixth failure")
	}
	fields := e.ApplyFailure(rec, now)
	if !fields.BreachDetected {
		t.Fatal("sixth failure across cooldown cycles must flag a breach")
	}
}
