package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"payment-otp-service/internal/audit"
	"payment-otp-service/internal/config"
	"payment-otp-service/internal/encryption"
	"payment-otp-service/internal/model"
	"payment-otp-service/internal/otp"
	"payment-otp-service/internal/policy"
	"payment-otp-service/internal/repository/scylla"
)

// memStore is an in-memory RecordStore with the same compare-and-swap
// semantics as the ScyllaDB implementation.
type memStore struct {
	mu      sync.Mutex
	records []*model.OTPRecord
	fail    bool
}

func (m *memStore) err(op string) error {
	return fmt.Errorf("%w: %s", scylla.ErrUnavailable, op)
}

func (m *memStore) Create(ctx context.Context, rec *model.OTPRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return m.err("create")
	}
	if rec.OTPID == "" {
		rec.OTPID = fmt.Sprintf("otp-%d", len(m.records)+1)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	stored := *rec
	m.records = append(m.records, &stored)
	return nil
}

func (m *memStore) GetActiveByPaymentID(ctx context.Context, paymentID string) (*model.OTPRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, m.err("get")
	}
	for i := len(m.records) - 1; i >= 0; i-- {
		r := m.records[i]
		if r.PaymentID == paymentID && !r.IsUsed {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) GetActiveByRetailerID(ctx context.Context, retailerID string, limit int) ([]*model.OTPRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, m.err("list")
	}
	var out []*model.OTPRecord
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		r := m.records[i]
		if r.RetailerID == retailerID && !r.IsUsed {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) UpdateSecurityFields(ctx context.Context, rec *model.OTPRecord, fields model.SecurityFields) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return false, m.err("update")
	}
	for _, r := range m.records {
		if r.OTPID == rec.OTPID {
			if r.Attempts != rec.Attempts {
				return false, nil
			}
			r.Attempts = fields.Attempts
			r.LastAttemptAt = &fields.LastAttemptAt
			r.ConsecutiveFailures = fields.ConsecutiveFailures
			r.CooldownUntil = fields.CooldownUntil
			r.BreachDetected = fields.BreachDetected
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) MarkUsed(ctx context.Context, rec *model.OTPRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return m.err("mark used")
	}
	for _, r := range m.records {
		if r.OTPID == rec.OTPID && !r.IsUsed {
			now := time.Now().UTC()
			r.IsUsed = true
			r.UsedAt = &now
		}
	}
	return nil
}

func (m *memStore) InvalidateActiveByPaymentID(ctx context.Context, paymentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return 0, m.err("invalidate")
	}
	count := 0
	now := time.Now().UTC()
	for _, r := range m.records {
		if r.PaymentID == paymentID && !r.IsUsed {
			r.IsUsed = true
			r.UsedAt = &now
			count++
		}
	}
	return count, nil
}

func (m *memStore) DeleteExpiredAndStale(ctx context.Context, retention time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return 0, m.err("cleanup")
	}
	now := time.Now().UTC()
	kept := m.records[:0]
	deleted := 0
	for _, r := range m.records {
		stale := r.IsUsed && r.UsedAt != nil && r.UsedAt.Before(now.Add(-retention))
		if now.After(r.ExpiresAt) || stale {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	m.records = kept
	return deleted, nil
}

func (m *memStore) HealthCheck(ctx context.Context) error { return nil }

// mutate edits the stored record directly, for backdating timestamps.
func (m *memStore) mutate(otpID string, fn func(*model.OTPRecord)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.OTPID == otpID {
			fn(r)
		}
	}
}

func (m *memStore) active(paymentID string) *model.OTPRecord {
	rec, _ := m.GetActiveByPaymentID(context.Background(), paymentID)
	return rec
}

// memGuard is a permissive IssueGuard with switchable behavior.
type memGuard struct {
	denyRate bool
	denyLock bool
}

func (g *memGuard) AcquireIssueLock(ctx context.Context, paymentID string) (bool, error) {
	return !g.denyLock, nil
}
func (g *memGuard) ReleaseIssueLock(ctx context.Context, paymentID string) {}
func (g *memGuard) AllowIssuance(ctx context.Context, retailerID string) (bool, error) {
	return !g.denyRate, nil
}

func testConfig() *config.Config {
	return &config.Config{
		OTP: config.OTPConfig{
			CodeLength:      6,
			DefaultTTL:      10 * time.Minute,
			MaxAttempts:     3,
			CooldownPeriod:  2 * time.Minute,
			BreachThreshold: 6,
			GraceWindow:     2 * time.Minute,
			RetentionWindow: 24 * time.Hour,
		},
	}
}

func newTestService(store *memStore, guard *memGuard) (*OTPService, *encryption.CodeObfuscator) {
	cfg := testConfig()
	obfuscator := encryption.NewCodeObfuscator(cfg, nil)
	svc := NewOTPService(
		store,
		guard,
		otp.NewGenerator(cfg.OTP.CodeLength),
		obfuscator,
		policy.NewEngine(cfg.OTP.MaxAttempts, cfg.OTP.CooldownPeriod, cfg.OTP.BreachThreshold),
		audit.NewRecorder(nil, nil, nil),
		cfg,
	)
	return svc, obfuscator
}

func issueAndGetCode(t *testing.T, svc *OTPService, obfuscator *encryption.CodeObfuscator, store *memStore, paymentID string) string {
	t.Helper()
	_, err := svc.Issue(context.Background(), IssueRequest{
		PaymentID:      paymentID,
		RetailerID:     "retailer-1",
		Amount:         1250,
		LineWorkerName: "Asha",
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	rec := store.active(paymentID)
	if rec == nil {
		t.Fatal("no active record after issue")
	}
	code, err := obfuscator.Decode(context.Background(), rec.Code)
	if err != nil {
		t.Fatalf("decode stored code: %v", err)
	}
	return code
}

func TestIssueCreatesActiveRecord(t *testing.T) {
	store := &memStore{}
	svc, obfuscator := newTestService(store, &memGuard{})

	result, err := svc.Issue(context.Background(), IssueRequest{
		PaymentID:      "pay-1",
		RetailerID:     "retailer-1",
		Amount:         500,
		LineWorkerName: "Ravi",
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if result.OTPID == "" {
		t.Error("expected otp id")
	}

	rec := store.active("pay-1")
	if rec == nil {
		t.Fatal("no active record")
	}
	if rec.Attempts != 0 || rec.ConsecutiveFailures != 0 || rec.BreachDetected {
		t.Errorf("security fields not zeroed: %+v", rec)
	}

	code, err := obfuscator.Decode(context.Background(), rec.Code)
	if err != nil {
		t.Fatalf("stored code not decodable: %v", err)
	}
	if len(code) != 6 {
		t.Errorf("code length = %d, want 6", len(code))
	}
	if rec.Code == code {
		t.Error("stored code is not obfuscated")
	}
}

func TestIssueInvalidatesPreviousCode(t *testing.T) {
	store := &memStore{}
	svc, obfuscator := newTestService(store, &memGuard{})
	ctx := context.Background()

	first := issueAndGetCode(t, svc, obfuscator, store, "pay-1")
	second := issueAndGetCode(t, svc, obfuscator, store, "pay-1")

	activeCount := 0
	store.mu.Lock()
	for _, r := range store.records {
		if r.PaymentID == "pay-1" && !r.IsUsed {
			activeCount++
		}
	}
	store.mu.Unlock()
	if activeCount != 1 {
		t.Fatalf("active records = %d, want 1", activeCount)
	}

	// The superseded code no longer verifies.
	if first != second {
		result, err := svc.Verify(ctx, "pay-1", first, "test")
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if result.Verified {
			t.Error("superseded code verified")
		}
	}

	result, err := svc.Verify(ctx, "pay-1", second, "test")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.Verified {
		t.Errorf("fresh code rejected: %+v", result)
	}
}

func TestIssueRejectsInvalidInput(t *testing.T) {
	svc, _ := newTestService(&memStore{}, &memGuard{})
	ctx := context.Background()

	cases := []IssueRequest{
		{PaymentID: "", RetailerID: "r1", Amount: 10},
		{PaymentID: "pay;drop", RetailerID: "r1", Amount: 10},
		{PaymentID: "pay-1", RetailerID: "", Amount: 10},
		{PaymentID: "pay-1", RetailerID: "r1", Amount: 0},
	}
	for _, req := range cases {
		if _, err := svc.Issue(ctx, req); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("Issue(%+v) err = %v, want ErrInvalidInput", req, err)
		}
	}
}

func TestIssueRateLimitedAndLocked(t *testing.T) {
	svc, _ := newTestService(&memStore{}, &memGuard{denyRate: true})
	if _, err := svc.Issue(context.Background(), IssueRequest{PaymentID: "pay-1", RetailerID: "r1", Amount: 10}); !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}

	svc, _ = newTestService(&memStore{}, &memGuard{denyLock: true})
	if _, err := svc.Issue(context.Background(), IssueRequest{PaymentID: "pay-1", RetailerID: "r1", Amount: 10}); !errors.Is(err, ErrIssueInFlight) {
		t.Errorf("err = %v, want ErrIssueInFlight", err)
	}
}

func TestVerifySuccessTerminatesRecord(t *testing.T) {
	store := &memStore{}
	svc, obfuscator := newTestService(store, &memGuard{})
	ctx := context.Background()

	code := issueAndGetCode(t, svc, obfuscator, store, "pay-1")

	result, err := svc.Verify(ctx, "pay-1", code, "test")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.Verified {
		t.Fatalf("correct code rejected: %+v", result)
	}

	// Same code again: record is terminated, nothing active remains.
	result, err = svc.Verify(ctx, "pay-1", code, "test")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Verified || result.Reason != ReasonNotFound {
		t.Errorf("replay result = %+v, want not_found", result)
	}
}

func TestVerifyWrongCodeCountsDown(t *testing.T) {
	store := &memStore{}
	svc, obfuscator := newTestService(store, &memGuard{})
	ctx := context.Background()

	code := issueAndGetCode(t, svc, obfuscator, store, "pay-1")
	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	for want := 2; want >= 1; want-- {
		result, err := svc.Verify(ctx, "pay-1", wrong, "test")
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if result.Verified || result.Reason != ReasonInvalidCode {
			t.Fatalf("result = %+v, want invalid_code", result)
		}
		if result.RemainingAttempts != want {
			t.Errorf("remaining = %d, want %d", result.RemainingAttempts, want)
		}
		if result.CooldownSecondsRemaining != 0 {
			t.Errorf("unexpected cooldown before attempts exhausted")
		}
	}

	// Third failure exhausts the budget and arms the cooldown.
	result, err := svc.Verify(ctx, "pay-1", wrong, "test")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.RemainingAttempts != 0 {
		t.Errorf("remaining = %d, want 0", result.RemainingAttempts)
	}
	if result.CooldownSecondsRemaining <= 0 || result.CooldownSecondsRemaining > 120 {
		t.Errorf("cooldown seconds = %d, want (0, 120]", result.CooldownSecondsRemaining)
	}

	// Even the correct code is blocked while the cooldown holds.
	result, err = svc.Verify(ctx, "pay-1", code, "test")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Verified || result.Reason != policy.ReasonCooldown {
		t.Errorf("result during cooldown = %+v, want cooldown block", result)
	}
}

func TestVerifySucceedsAfterCooldownPasses(t *testing.T) {
	store := &memStore{}
	svc, obfuscator := newTestService(store, &memGuard{})
	ctx := context.Background()

	code := issueAndGetCode(t, svc, obfuscator, store, "pay-1")
	wrong := "999999"
	if wrong == code {
		wrong = "999998"
	}
	for i := 0; i < 3; i++ {
		if _, err := svc.Verify(ctx, "pay-1", wrong, "test"); err != nil {
			t.Fatalf("Verify: %v", err)
		}
	}

	rec := store.active("pay-1")
	past := time.Now().UTC().Add(-time.Second)
	store.mutate(rec.OTPID, func(r *model.OTPRecord) { r.CooldownUntil = &past })

	result, err := svc.Verify(ctx, "pay-1", code, "test")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.Verified {
		t.Errorf("correct code after cooldown rejected: %+v", result)
	}
}

func TestBreachAfterSixConsecutiveFailures(t *testing.T) {
	store := &memStore{}
	svc, obfuscator := newTestService(store, &memGuard{})
	ctx := context.Background()

	code := issueAndGetCode(t, svc, obfuscator, store, "pay-1")
	wrong := "111111"
	if wrong == code {
		wrong = "111112"
	}

	var last *VerifyResult
	for i := 0; i < 6; i++ {
		rec := store.active("pay-1")
		if rec.CooldownUntil != nil {
			past := time.Now().UTC().Add(-time.Second)
			store.mutate(rec.OTPID, func(r *model.OTPRecord) { r.CooldownUntil = &past })
		}
		result, err := svc.Verify(ctx, "pay-1", wrong, "test")
		if err != nil {
			t.Fatalf("Verify #%d: %v", i+1, err)
		}
		last = result
	}

	if last.Reason != policy.ReasonBreach {
		t.Fatalf("sixth failure reason = %q, want breach", last.Reason)
	}

	// Breach is permanent: the correct code no longer helps.
	result, err := svc.Verify(ctx, "pay-1", code, "test")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Verified || result.Reason != policy.ReasonBreach {
		t.Errorf("post-breach result = %+v, want breach block", result)
	}
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	store := &memStore{}
	svc, obfuscator := newTestService(store, &memGuard{})
	ctx := context.Background()

	code := issueAndGetCode(t, svc, obfuscator, store, "pay-1")
	wrong := "222222"
	if wrong == code {
		wrong = "222223"
	}

	for i := 0; i < 2; i++ {
		if _, err := svc.Verify(ctx, "pay-1", wrong, "test"); err != nil {
			t.Fatalf("Verify: %v", err)
		}
	}

	result, err := svc.Verify(ctx, "pay-1", code, "test")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.Verified {
		t.Fatalf("correct code rejected: %+v", result)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	for _, r := range store.records {
		if r.PaymentID == "pay-1" {
			if r.Attempts != 0 || r.ConsecutiveFailures != 0 || r.CooldownUntil != nil || r.BreachDetected {
				t.Errorf("counters not reset on success: %+v", r)
			}
		}
	}
}

func TestVerifyExpiredCodeDoesNotCount(t *testing.T) {
	store := &memStore{}
	svc, obfuscator := newTestService(store, &memGuard{})
	ctx := context.Background()

	code := issueAndGetCode(t, svc, obfuscator, store, "pay-1")
	rec := store.active("pay-1")
	store.mutate(rec.OTPID, func(r *model.OTPRecord) {
		r.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	})

	result, err := svc.Verify(ctx, "pay-1", code, "test")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Verified || result.Reason != ReasonExpired {
		t.Errorf("result = %+v, want expired", result)
	}

	// The dead record is terminated, not left to resurface, and its
	// counters never moved.
	if store.active("pay-1") != nil {
		t.Error("expired record still active after verify")
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, r := range store.records {
		if r.PaymentID == "pay-1" {
			if !r.IsUsed {
				t.Error("expired record not marked used")
			}
			if r.Attempts != 0 {
				t.Errorf("attempts moved on expired record: %d", r.Attempts)
			}
		}
	}
}

func TestVerifyUnknownPayment(t *testing.T) {
	svc, _ := newTestService(&memStore{}, &memGuard{})
	result, err := svc.Verify(context.Background(), "pay-none", "123456", "test")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Verified || result.Reason != ReasonNotFound {
		t.Errorf("result = %+v, want not_found", result)
	}
}

func TestConcurrentFailuresLoseNoIncrement(t *testing.T) {
	store := &memStore{}
	svc, obfuscator := newTestService(store, &memGuard{})
	ctx := context.Background()

	code := issueAndGetCode(t, svc, obfuscator, store, "pay-1")
	wrong := "333333"
	if wrong == code {
		wrong = "333334"
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Verify(ctx, "pay-1", wrong, "test")
		}()
	}
	wg.Wait()

	rec := store.active("pay-1")
	if rec.Attempts != 3 {
		t.Errorf("attempts = %d after 3 concurrent failures, want exactly 3", rec.Attempts)
	}
	if rec.CooldownUntil == nil {
		t.Error("cooldown not armed after exhausting attempts")
	}
}

func TestStorageErrorIsNotARejection(t *testing.T) {
	store := &memStore{}
	svc, obfuscator := newTestService(store, &memGuard{})
	ctx := context.Background()

	issueAndGetCode(t, svc, obfuscator, store, "pay-1")
	store.fail = true

	result, err := svc.Verify(ctx, "pay-1", "123456", "test")
	if err == nil {
		t.Fatalf("expected error, got result %+v", result)
	}
	if !errors.Is(err, scylla.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestInvalidateAndCleanup(t *testing.T) {
	store := &memStore{}
	svc, obfuscator := newTestService(store, &memGuard{})
	ctx := context.Background()

	issueAndGetCode(t, svc, obfuscator, store, "pay-1")

	count, err := svc.Invalidate(ctx, "pay-1")
	if err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if count != 1 {
		t.Errorf("invalidated = %d, want 1", count)
	}
	if store.active("pay-1") != nil {
		t.Error("record still active after invalidate")
	}

	// Idempotent.
	count, err = svc.Invalidate(ctx, "pay-1")
	if err != nil || count != 0 {
		t.Errorf("second invalidate = (%d, %v), want (0, nil)", count, err)
	}

	// Backdate the used record past retention; cleanup removes it.
	old := time.Now().UTC().Add(-48 * time.Hour)
	store.mu.Lock()
	for _, r := range store.records {
		r.UsedAt = &old
	}
	store.mu.Unlock()

	deleted, err := svc.Cleanup(ctx, 0)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
}
