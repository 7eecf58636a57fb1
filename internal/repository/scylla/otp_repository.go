package scylla

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"payment-otp-service/internal/bucketing"
	"payment-otp-service/internal/model"
	"payment-otp-service/internal/util"
)

// readWindow bounds how many rows per partition a lookup walks while
// filtering out used records client-side.
const readWindow = 16

// OTPRepository persists OTP records across two tables: otps, keyed by
// payment for the verify path, and otps_by_retailer, keyed by retailer
// bucket for the dashboard path. Security counters live only in otps;
// the retailer table carries the display projection plus the used flag.
type OTPRepository struct {
	client  *ScyllaClient
	buckets *bucketing.Manager
}

func NewOTPRepository(client *ScyllaClient, buckets *bucketing.Manager, logger *zap.Logger) *OTPRepository {
	return &OTPRepository{
		client:  client,
		buckets: buckets,
	}
}

func (r *OTPRepository) Create(ctx context.Context, rec *model.OTPRecord) error {
	if rec.OTPID == "" {
		rec.OTPID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.RetailerBucket = r.buckets.RetailerBucket(rec.RetailerID)

	query := r.client.Prepared.CreateOTP.WithContext(ctx).Bind(
		rec.PaymentID, rec.CreatedAt, rec.OTPID, rec.RetailerID, rec.RetailerBucket,
		rec.Code, rec.Amount, rec.LineWorkerName, rec.ExpiresAt,
		rec.Attempts, tsVal(rec.LastAttemptAt), rec.ConsecutiveFailures, tsVal(rec.CooldownUntil),
		rec.BreachDetected, rec.IsUsed, tsVal(rec.UsedAt))

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to create OTP record",
			zap.String("payment_id", rec.PaymentID),
			zap.String("otp_id", rec.OTPID),
			zap.Error(err))
		return fmt.Errorf("%w: create otp: %v", ErrUnavailable, err)
	}

	retailerQuery := r.client.Prepared.CreateOTPByRetailer.WithContext(ctx).Bind(
		rec.RetailerBucket, rec.RetailerID, rec.CreatedAt, rec.OTPID, rec.PaymentID,
		rec.Code, rec.Amount, rec.LineWorkerName, rec.ExpiresAt, rec.IsUsed)

	if err := r.client.ExecuteWithRetry(retailerQuery, 2); err != nil {
		util.Error("Failed to create OTP retailer index row",
			zap.String("payment_id", rec.PaymentID),
			zap.String("otp_id", rec.OTPID),
			zap.Error(err))
		return fmt.Errorf("%w: create otp retailer row: %v", ErrUnavailable, err)
	}

	util.Info("OTP record created",
		zap.String("payment_id", rec.PaymentID),
		zap.String("otp_id", rec.OTPID),
		zap.String("retailer_id", rec.RetailerID),
		zap.Time("expires_at", rec.ExpiresAt))

	return nil
}

func (r *OTPRepository) GetActiveByPaymentID(ctx context.Context, paymentID string) (*model.OTPRecord, error) {
	iter := r.client.Prepared.GetOTPsByPayment.WithContext(ctx).Bind(paymentID, readWindow).Iter()

	// Rows cluster newest-first; the first unused one is the active
	// record.
	for {
		rec, ok, err := scanRecord(iter)
		if err != nil {
			iter.Close()
			return nil, fmt.Errorf("%w: get otp by payment: %v", ErrUnavailable, err)
		}
		if !ok {
			break
		}
		if !rec.IsUsed {
			if err := iter.Close(); err != nil {
				return nil, fmt.Errorf("%w: get otp by payment: %v", ErrUnavailable, err)
			}
			return rec, nil
		}
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("%w: get otp by payment: %v", ErrUnavailable, err)
	}
	return nil, nil
}

func (r *OTPRepository) GetActiveByRetailerID(ctx context.Context, retailerID string, limit int) ([]*model.OTPRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	bucket := r.buckets.RetailerBucket(retailerID)

	iter := r.client.Prepared.GetOTPsByRetailer.WithContext(ctx).
		Bind(bucket, retailerID, limit*4).Iter()

	var (
		records []*model.OTPRecord
		rec     model.OTPRecord
		isUsed  bool
	)
	for len(records) < limit && iter.Scan(
		&rec.RetailerBucket, &rec.RetailerID, &rec.CreatedAt, &rec.OTPID, &rec.PaymentID,
		&rec.Code, &rec.Amount, &rec.LineWorkerName, &rec.ExpiresAt, &isUsed,
	) {
		if isUsed {
			continue
		}
		row := rec
		row.IsUsed = false
		records = append(records, &row)
	}

	if err := iter.Close(); err != nil {
		util.Error("Failed to list OTPs by retailer",
			zap.String("retailer_id", retailerID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: get otps by retailer: %v", ErrUnavailable, err)
	}

	return records, nil
}

func (r *OTPRepository) UpdateSecurityFields(ctx context.Context, rec *model.OTPRecord, fields model.SecurityFields) (bool, error) {
	// Lightweight transaction conditioned on the attempts value the
	// caller read. Two racing verify attempts cannot both apply against
	// the same base value, so no increment is ever lost.
	query := r.client.Query(`
		UPDATE otps SET
			attempts = ?, last_attempt_at = ?, consecutive_failures = ?,
			cooldown_until = ?, breach_detected = ?
		WHERE payment_id = ? AND created_at = ? AND otp_id = ?
		IF attempts = ?`,
		fields.Attempts, fields.LastAttemptAt, fields.ConsecutiveFailures,
		tsVal(fields.CooldownUntil), fields.BreachDetected,
		rec.PaymentID, rec.CreatedAt, rec.OTPID,
		rec.Attempts,
	).WithContext(ctx)

	applied, err := query.MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to update OTP security fields",
			zap.String("otp_id", rec.OTPID),
			zap.String("payment_id", rec.PaymentID),
			zap.Error(err))
		return false, fmt.Errorf("%w: update security fields: %v", ErrUnavailable, err)
	}

	return applied, nil
}

func (r *OTPRepository) MarkUsed(ctx context.Context, rec *model.OTPRecord) error {
	now := time.Now().UTC()

	query := r.client.Query(`
		UPDATE otps SET is_used = true, used_at = ?
		WHERE payment_id = ? AND created_at = ? AND otp_id = ?
		IF is_used = false`,
		now, rec.PaymentID, rec.CreatedAt, rec.OTPID,
	).WithContext(ctx)

	applied, err := query.MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to mark OTP used",
			zap.String("otp_id", rec.OTPID),
			zap.String("payment_id", rec.PaymentID),
			zap.Error(err))
		return fmt.Errorf("%w: mark otp used: %v", ErrUnavailable, err)
	}
	if !applied {
		// Already used; idempotent no-op.
		return nil
	}

	retailerQuery := r.client.Prepared.MarkRetailerRowUsed.WithContext(ctx).Bind(
		rec.RetailerBucket, rec.RetailerID, rec.CreatedAt, rec.OTPID)
	if err := r.client.ExecuteWithRetry(retailerQuery, 2); err != nil {
		// The otps table is authoritative; a failed index update only
		// delays the dashboard noticing.
		util.Warn("Failed to mark retailer index row used",
			zap.String("otp_id", rec.OTPID),
			zap.Error(err))
	}

	rec.IsUsed = true
	rec.UsedAt = &now

	util.Info("OTP marked used",
		zap.String("otp_id", rec.OTPID),
		zap.String("payment_id", rec.PaymentID))
	return nil
}

func (r *OTPRepository) InvalidateActiveByPaymentID(ctx context.Context, paymentID string) (int, error) {
	iter := r.client.Prepared.GetOTPsByPayment.WithContext(ctx).Bind(paymentID, readWindow).Iter()

	var active []*model.OTPRecord
	for {
		rec, ok, err := scanRecord(iter)
		if err != nil {
			iter.Close()
			return 0, fmt.Errorf("%w: invalidate otps: %v", ErrUnavailable, err)
		}
		if !ok {
			break
		}
		if !rec.IsUsed {
			active = append(active, rec)
		}
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("%w: invalidate otps: %v", ErrUnavailable, err)
	}

	count := 0
	for _, rec := range active {
		if err := r.MarkUsed(ctx, rec); err != nil {
			return count, err
		}
		count++
	}

	if count > 0 {
		util.Info("Active OTPs invalidated",
			zap.String("payment_id", paymentID),
			zap.Int("count", count))
	}
	return count, nil
}

func (r *OTPRepository) DeleteExpiredAndStale(ctx context.Context, retention time.Duration) (int, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-retention)

	var deleted int64
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n, err := r.deleteWhere(gctx, `
			SELECT payment_id, created_at, otp_id, retailer_bucket, retailer_id
			FROM otps WHERE expires_at < ? ALLOW FILTERING`, now)
		atomic.AddInt64(&deleted, int64(n))
		return err
	})

	g.Go(func() error {
		n, err := r.deleteWhere(gctx, `
			SELECT payment_id, created_at, otp_id, retailer_bucket, retailer_id
			FROM otps WHERE is_used = true AND used_at < ? ALLOW FILTERING`, cutoff)
		atomic.AddInt64(&deleted, int64(n))
		return err
	})

	if err := g.Wait(); err != nil {
		return int(atomic.LoadInt64(&deleted)), err
	}

	total := int(atomic.LoadInt64(&deleted))
	util.Info("Expired and stale OTPs deleted",
		zap.Int("deleted_count", total),
		zap.Duration("retention", retention))
	return total, nil
}

// deleteWhere batches deletes for every row the scan yields, removing
// the record from both tables.
func (r *OTPRepository) deleteWhere(ctx context.Context, scanQuery string, arg interface{}) (int, error) {
	iter := r.client.Query(scanQuery, arg).WithContext(ctx).Iter()

	var (
		paymentID  string
		createdAt  time.Time
		otpID      string
		bucket     int
		retailerID string
	)

	deleted := 0
	batch := r.client.Batch(gocql.UnloggedBatch)
	batchSize := 0

	flush := func() error {
		if batchSize == 0 {
			return nil
		}
		if err := r.client.ExecuteBatch(batch); err != nil {
			return fmt.Errorf("%w: cleanup batch delete: %v", ErrUnavailable, err)
		}
		deleted += batchSize
		batch = r.client.Batch(gocql.UnloggedBatch)
		batchSize = 0
		return nil
	}

	for iter.Scan(&paymentID, &createdAt, &otpID, &bucket, &retailerID) {
		batch.Query(`DELETE FROM otps WHERE payment_id = ? AND created_at = ? AND otp_id = ?`,
			paymentID, createdAt, otpID)
		batch.Query(`DELETE FROM otps_by_retailer WHERE retailer_bucket = ? AND retailer_id = ? AND created_at = ? AND otp_id = ?`,
			bucket, retailerID, createdAt, otpID)
		batchSize++

		if batchSize >= 50 {
			if err := flush(); err != nil {
				iter.Close()
				return deleted, err
			}
		}
	}

	if err := flush(); err != nil {
		iter.Close()
		return deleted, err
	}

	if err := iter.Close(); err != nil {
		return deleted, fmt.Errorf("%w: cleanup scan: %v", ErrUnavailable, err)
	}
	return deleted, nil
}

func (r *OTPRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck()
}

// scanRecord reads one otps row from the iterator. ok is false when the
// iterator is exhausted.
func scanRecord(iter *gocql.Iter) (*model.OTPRecord, bool, error) {
	var (
		rec           model.OTPRecord
		lastAttemptAt time.Time
		cooldownUntil time.Time
		usedAt        time.Time
	)

	if !iter.Scan(
		&rec.PaymentID, &rec.CreatedAt, &rec.OTPID, &rec.RetailerID, &rec.RetailerBucket,
		&rec.Code, &rec.Amount, &rec.LineWorkerName, &rec.ExpiresAt,
		&rec.Attempts, &lastAttemptAt, &rec.ConsecutiveFailures, &cooldownUntil,
		&rec.BreachDetected, &rec.IsUsed, &usedAt,
	) {
		return nil, false, nil
	}

	rec.LastAttemptAt = tsPtr(lastAttemptAt)
	rec.CooldownUntil = tsPtr(cooldownUntil)
	rec.UsedAt = tsPtr(usedAt)
	return &rec, true, nil
}

func tsPtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t
	return &u
}

func tsVal(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
