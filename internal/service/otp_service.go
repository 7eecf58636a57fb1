package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"payment-otp-service/internal/audit"
	"payment-otp-service/internal/config"
	"payment-otp-service/internal/encryption"
	"payment-otp-service/internal/model"
	"payment-otp-service/internal/otp"
	"payment-otp-service/internal/policy"
	"payment-otp-service/internal/repository/scylla"
	"payment-otp-service/internal/util"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrIssueInFlight = errors.New("issuance already in flight for payment")
	ErrRateLimited   = errors.New("issuance rate limit exceeded")
	ErrContention    = errors.New("verification contention, retry")
)

// Verification result reasons beyond the policy gate's own.
const (
	ReasonNotFound    = "not_found"
	ReasonExpired     = "expired"
	ReasonInvalidCode = "invalid_code"
)

// casRetries bounds the reload-recompute loop when a concurrent attempt
// wins the compare-and-swap.
const casRetries = 3

// IssueGuard is the Redis-backed issuance coordination surface.
type IssueGuard interface {
	AcquireIssueLock(ctx context.Context, paymentID string) (bool, error)
	ReleaseIssueLock(ctx context.Context, paymentID string)
	AllowIssuance(ctx context.Context, retailerID string) (bool, error)
}

type IssueRequest struct {
	PaymentID      string
	RetailerID     string
	Amount         float64
	LineWorkerName string
	TTL            time.Duration
}

type IssueResult struct {
	OTPID     string
	PaymentID string
	ExpiresAt time.Time
}

// VerifyResult reports a verification outcome. Verified false with an
// empty error is a domain outcome (wrong code, cooldown, breach, and so
// on); infrastructure trouble comes back as an error instead and must
// never be presented as a rejection.
type VerifyResult struct {
	Verified                 bool
	Reason                   string
	RemainingAttempts        int
	CooldownSecondsRemaining int
}

// OTPService owns the record lifecycle: issue, verify, invalidate,
// cleanup. All state transitions flow through here; the policy engine
// decides, the store persists.
type OTPService struct {
	store      scylla.RecordStore
	guard      IssueGuard
	generator  *otp.Generator
	obfuscator encryption.Obfuscator
	engine     *policy.Engine
	recorder   *audit.Recorder
	defaultTTL time.Duration
	retention  time.Duration
}

func NewOTPService(
	store scylla.RecordStore,
	guard IssueGuard,
	generator *otp.Generator,
	obfuscator encryption.Obfuscator,
	engine *policy.Engine,
	recorder *audit.Recorder,
	cfg *config.Config,
) *OTPService {
	return &OTPService{
		store:      store,
		guard:      guard,
		generator:  generator,
		obfuscator: obfuscator,
		engine:     engine,
		recorder:   recorder,
		defaultTTL: cfg.OTP.DefaultTTL,
		retention:  cfg.OTP.RetentionWindow,
	}
}

// Issue creates a fresh code for a payment. Any code still live for the
// same payment is invalidated first, under a per-payment lock, so at
// most one record is ever active per payment.
func (s *OTPService) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	req.PaymentID = util.SanitizeIdentifier(req.PaymentID)
	req.RetailerID = util.SanitizeIdentifier(req.RetailerID)
	if !util.ValidIdentifier(req.PaymentID) {
		return nil, fmt.Errorf("%w: payment id", ErrInvalidInput)
	}
	if !util.ValidIdentifier(req.RetailerID) {
		return nil, fmt.Errorf("%w: retailer id", ErrInvalidInput)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}

	allowed, err := s.guard.AllowIssuance(ctx, req.RetailerID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrRateLimited
	}

	locked, err := s.guard.AcquireIssueLock(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, ErrIssueInFlight
	}
	defer s.guard.ReleaseIssueLock(ctx, req.PaymentID)

	invalidated, err := s.store.InvalidateActiveByPaymentID(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}
	if invalidated > 0 {
		s.recorder.PublishLifecycle(ctx, audit.EventInvalidated, &model.OTPRecord{
			PaymentID:  req.PaymentID,
			RetailerID: req.RetailerID,
		})
	}

	code, err := s.generator.Generate()
	if err != nil {
		return nil, err
	}
	opaque, err := s.obfuscator.Encode(ctx, code)
	if err != nil {
		return nil, err
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	now := time.Now().UTC()
	rec := &model.OTPRecord{
		PaymentID:      req.PaymentID,
		RetailerID:     req.RetailerID,
		Code:           opaque,
		Amount:         req.Amount,
		LineWorkerName: req.LineWorkerName,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}

	if err := s.store.Create(ctx, rec); err != nil {
		return nil, err
	}

	s.recorder.PublishLifecycle(ctx, audit.EventIssued, rec)

	util.Info("OTP issued",
		zap.String("payment_id", rec.PaymentID),
		zap.String("otp_id", rec.OTPID),
		zap.String("retailer_id", rec.RetailerID),
		zap.Time("expires_at", rec.ExpiresAt))

	return &IssueResult{
		OTPID:     rec.OTPID,
		PaymentID: rec.PaymentID,
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

// Verify checks a submitted code against the payment's active record.
//
// Counter updates ride a compare-and-swap on the attempts column; when
// a concurrent attempt wins, the record is reloaded and the whole
// decision recomputed, so no failed attempt is ever lost.
func (s *OTPService) Verify(ctx context.Context, paymentID, code, remoteAddr string) (*VerifyResult, error) {
	paymentID = util.SanitizeIdentifier(paymentID)
	if !util.ValidIdentifier(paymentID) {
		return nil, fmt.Errorf("%w: payment id", ErrInvalidInput)
	}
	if code == "" {
		return nil, fmt.Errorf("%w: code required", ErrInvalidInput)
	}

	for attempt := 0; attempt <= casRetries; attempt++ {
		rec, err := s.store.GetActiveByPaymentID(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return &VerifyResult{Reason: ReasonNotFound}, nil
		}

		now := time.Now().UTC()

		// Liveness is checked at verification time and wins over stored
		// state. A dead record is terminated so it cannot resurface,
		// and attempts against it do not move counters.
		if !rec.Active(now) {
			if err := s.store.MarkUsed(ctx, rec); err != nil {
				return nil, err
			}
			s.recorder.RecordAttempt(ctx, rec, ReasonExpired, remoteAddr)
			return &VerifyResult{Reason: ReasonExpired}, nil
		}

		decision := s.engine.Evaluate(rec, now)
		if !decision.CanAttempt {
			s.recorder.RecordAttempt(ctx, rec, decision.Reason, remoteAddr)
			return &VerifyResult{
				Reason:                   decision.Reason,
				RemainingAttempts:        decision.RemainingAttempts,
				CooldownSecondsRemaining: decision.CooldownSecondsRemaining,
			}, nil
		}

		clear, err := s.obfuscator.Decode(ctx, rec.Code)
		if err != nil {
			return nil, fmt.Errorf("decode stored code: %w", err)
		}

		// Case-insensitive so a future alphanumeric code keeps working;
		// constant-time to avoid leaking match position.
		if subtle.ConstantTimeCompare([]byte(strings.ToUpper(clear)), []byte(strings.ToUpper(code))) == 1 {
			applied, err := s.store.UpdateSecurityFields(ctx, rec, s.engine.ApplySuccess(now))
			if err != nil {
				return nil, err
			}
			if !applied {
				continue
			}

			if err := s.store.MarkUsed(ctx, rec); err != nil {
				return nil, err
			}

			rec.Attempts = 0
			s.recorder.RecordAttempt(ctx, rec, "success", remoteAddr)
			s.recorder.PublishLifecycle(ctx, audit.EventVerified, rec)

			util.Info("OTP verified",
				zap.String("payment_id", paymentID),
				zap.String("otp_id", rec.OTPID))
			return &VerifyResult{Verified: true}, nil
		}

		fields := s.engine.ApplyFailure(rec, now)
		applied, err := s.store.UpdateSecurityFields(ctx, rec, fields)
		if err != nil {
			return nil, err
		}
		if !applied {
			continue
		}

		rec.Attempts = fields.Attempts
		rec.ConsecutiveFailures = fields.ConsecutiveFailures
		rec.CooldownUntil = fields.CooldownUntil
		rec.BreachDetected = fields.BreachDetected

		if fields.BreachDetected {
			s.recorder.RecordAttempt(ctx, rec, policy.ReasonBreach, remoteAddr)
			s.recorder.RecordBreach(ctx, rec)
			util.Warn("OTP breach detected",
				zap.String("payment_id", paymentID),
				zap.String("otp_id", rec.OTPID),
				zap.Int("consecutive_failures", fields.ConsecutiveFailures))
			return &VerifyResult{Reason: policy.ReasonBreach}, nil
		}

		result := &VerifyResult{
			Reason:            ReasonInvalidCode,
			RemainingAttempts: s.remaining(fields.Attempts),
		}
		if fields.CooldownUntil != nil && fields.CooldownUntil.After(now) {
			remaining := fields.CooldownUntil.Sub(now)
			result.CooldownSecondsRemaining = int((remaining + time.Second - 1) / time.Second)
		}

		s.recorder.RecordAttempt(ctx, rec, ReasonInvalidCode, remoteAddr)
		return result, nil
	}

	util.Warn("Verification CAS retries exhausted", zap.String("payment_id", paymentID))
	return nil, ErrContention
}

// Invalidate terminates every live code for a payment, for cancelled or
// superseded payments.
func (s *OTPService) Invalidate(ctx context.Context, paymentID string) (int, error) {
	paymentID = util.SanitizeIdentifier(paymentID)
	if !util.ValidIdentifier(paymentID) {
		return 0, fmt.Errorf("%w: payment id", ErrInvalidInput)
	}

	count, err := s.store.InvalidateActiveByPaymentID(ctx, paymentID)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.recorder.PublishLifecycle(ctx, audit.EventInvalidated, &model.OTPRecord{PaymentID: paymentID})
	}
	return count, nil
}

// Cleanup deletes expired records and used records past retention. A
// non-positive retention uses the configured default.
func (s *OTPService) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = s.retention
	}
	return s.store.DeleteExpiredAndStale(ctx, retention)
}

func (s *OTPService) remaining(attempts int) int {
	if attempts >= s.engine.MaxAttempts() {
		return 0
	}
	return s.engine.MaxAttempts() - attempts
}
