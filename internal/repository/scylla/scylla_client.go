package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"payment-otp-service/internal/config"
	"payment-otp-service/internal/util"
)

// PreparedStatements holds the statements the OTP repository executes on
// the hot path. Cleanup scans are built ad hoc.
type PreparedStatements struct {
	CreateOTP           *gocql.Query
	CreateOTPByRetailer *gocql.Query
	GetOTPsByPayment    *gocql.Query
	GetOTPsByRetailer   *gocql.Query
	MarkRetailerRowUsed *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.CreateOTP = s.Session.Query(`
		INSERT INTO otps (
			payment_id, created_at, otp_id, retailer_id, retailer_bucket,
			code, amount, line_worker_name, expires_at,
			attempts, last_attempt_at, consecutive_failures, cooldown_until,
			breach_detected, is_used, used_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.CreateOTPByRetailer = s.Session.Query(`
		INSERT INTO otps_by_retailer (
			retailer_bucket, retailer_id, created_at, otp_id, payment_id,
			code, amount, line_worker_name, expires_at, is_used
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetOTPsByPayment = s.Session.Query(`
		SELECT payment_id, created_at, otp_id, retailer_id, retailer_bucket,
			code, amount, line_worker_name, expires_at,
			attempts, last_attempt_at, consecutive_failures, cooldown_until,
			breach_detected, is_used, used_at
		FROM otps WHERE payment_id = ? LIMIT ?`)

	prepared.GetOTPsByRetailer = s.Session.Query(`
		SELECT retailer_bucket, retailer_id, created_at, otp_id, payment_id,
			code, amount, line_worker_name, expires_at, is_used
		FROM otps_by_retailer WHERE retailer_bucket = ? AND retailer_id = ? LIMIT ?`)

	prepared.MarkRetailerRowUsed = s.Session.Query(`
		UPDATE otps_by_retailer SET is_used = true
		WHERE retailer_bucket = ? AND retailer_id = ? AND created_at = ? AND otp_id = ?`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Info("ScyllaDB prepared statements created")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) Batch(typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
