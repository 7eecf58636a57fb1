package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"payment-otp-service/internal/client"
	"payment-otp-service/internal/config"
	"payment-otp-service/internal/util"
)

// IssueGuard serializes issuance per payment and throttles issuance per
// retailer. The lock closes the window where two concurrent issue calls
// could both pass the invalidate step and leave two live codes for one
// payment.
type IssueGuard struct {
	client     *client.RedisClient
	lockTTL    time.Duration
	rateLimit  int
	rateWindow time.Duration
}

func NewIssueGuard(redisClient *client.RedisClient, cfg *config.Config) *IssueGuard {
	return &IssueGuard{
		client:     redisClient,
		lockTTL:    cfg.OTP.IssueLockTTL,
		rateLimit:  cfg.OTP.IssueRateLimit,
		rateWindow: cfg.OTP.IssueRateWindow,
	}
}

func lockKey(paymentID string) string {
	return fmt.Sprintf("otp:issue_lock:%s", paymentID)
}

func rateKey(retailerID string) string {
	return fmt.Sprintf("otp:issue_rate:%s", retailerID)
}

// AcquireIssueLock takes the per-payment issue lock. It reports false
// when another issuance for the same payment is in flight.
func (g *IssueGuard) AcquireIssueLock(ctx context.Context, paymentID string) (bool, error) {
	acquired, err := g.client.SetNX(ctx, lockKey(paymentID), time.Now().Unix(), g.lockTTL)
	if err != nil {
		return false, fmt.Errorf("failed to acquire issue lock: %w", err)
	}
	if !acquired {
		util.Debug("Issue lock contended", zap.String("payment_id", paymentID))
	}
	return acquired, nil
}

// ReleaseIssueLock drops the lock early; the TTL covers a crashed
// holder.
func (g *IssueGuard) ReleaseIssueLock(ctx context.Context, paymentID string) {
	if err := g.client.Del(ctx, lockKey(paymentID)); err != nil {
		util.Warn("Failed to release issue lock",
			zap.String("payment_id", paymentID),
			zap.Error(err))
	}
}

// AllowIssuance counts this issuance against the retailer's fixed
// window and reports whether it is within the limit.
func (g *IssueGuard) AllowIssuance(ctx context.Context, retailerID string) (bool, error) {
	count, err := g.client.IncrWithExpire(ctx, rateKey(retailerID), g.rateWindow)
	if err != nil {
		return false, fmt.Errorf("failed to count issuance: %w", err)
	}

	if count > int64(g.rateLimit) {
		util.Warn("Issuance rate limit exceeded",
			zap.String("retailer_id", retailerID),
			zap.Int64("count", count),
			zap.Int("limit", g.rateLimit))
		return false, nil
	}
	return true, nil
}

func (g *IssueGuard) HealthCheck(ctx context.Context) error {
	return g.client.HealthCheck(ctx)
}
