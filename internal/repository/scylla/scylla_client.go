package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"portal-auth/internal/config"
	"portal-auth/internal/util"
)

// PreparedStatements holds prepared statements used by the repositories
type PreparedStatements struct {
	CreateIdentity      *gocql.Query
	CreateIdentityByID  *gocql.Query
	GetIdentityByEmail  *gocql.Query
	GetEmailByID        *gocql.Query
	UpdatePasswordHash  *gocql.Query
	UpdateLockout       *gocql.Query
	UpdateLastLogin     *gocql.Query
	UpdateTOTP          *gocql.Query
	UpdateNDA           *gocql.Query
	DeactivateIdentity  *gocql.Query

	UpsertPendingAuth *gocql.Query
	GetPendingAuth    *gocql.Query
	DeletePendingAuth *gocql.Query
	ScanPendingAuth   *gocql.Query

	CreateSession         *gocql.Query
	CreateSessionByOwner  *gocql.Query
	GetSession            *gocql.Query
	RevokeSession         *gocql.Query
	GetSessionsByOwner    *gocql.Query

	CreateResetToken   *gocql.Query
	CreateResetByEmail *gocql.Query
	GetResetToken      *gocql.Query
	GetResetByEmail    *gocql.Query
	ConsumeResetToken  *gocql.Query
	DeleteResetToken   *gocql.Query
	DeleteResetByEmail *gocql.Query
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
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 "/root/certs/ca.pem",
			CertPath:               "/root/certs/server.pem",
			KeyPath:                "/root/certs/server.key",
			EnableHostVerification: true,
		}
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

	prepared.CreateIdentity = s.Session.Query(`
		INSERT INTO identities (
			email, id, password_hash, name, portal_type, company, active,
			totp_secret, totp_pending, totp_enabled,
			failed_attempts, locked_until, last_login,
			nda_status, nda_approved_by, nda_signed_at, nda_expires_at, nda_notes,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.CreateIdentityByID = s.Session.Query(`
		INSERT INTO identity_by_id (id, email, created_at) VALUES (?, ?, ?)`)

	prepared.GetIdentityByEmail = s.Session.Query(`
		SELECT email, id, password_hash, name, portal_type, company, active,
			totp_secret, totp_pending, totp_enabled,
			failed_attempts, locked_until, last_login,
			nda_status, nda_approved_by, nda_signed_at, nda_expires_at, nda_notes,
			created_at, updated_at
		FROM identities WHERE email = ?`)

	prepared.GetEmailByID = s.Session.Query(`
		SELECT email FROM identity_by_id WHERE id = ?`)

	prepared.UpdatePasswordHash = s.Session.Query(`
		UPDATE identities SET password_hash = ?, updated_at = ? WHERE email = ?`)

	prepared.UpdateLockout = s.Session.Query(`
		UPDATE identities SET failed_attempts = ?, locked_until = ?, updated_at = ? WHERE email = ?`)

	prepared.UpdateLastLogin = s.Session.Query(`
		UPDATE identities SET last_login = ? WHERE email = ?`)

	prepared.UpdateTOTP = s.Session.Query(`
		UPDATE identities SET totp_secret = ?, totp_pending = ?, totp_enabled = ?, updated_at = ? WHERE email = ?`)

	prepared.UpdateNDA = s.Session.Query(`
		UPDATE identities SET nda_status = ?, nda_approved_by = ?, nda_signed_at = ?, nda_expires_at = ?, nda_notes = ?, updated_at = ? WHERE email = ?`)

	prepared.DeactivateIdentity = s.Session.Query(`
		UPDATE identities SET active = ?, updated_at = ? WHERE email = ?`)

	prepared.UpsertPendingAuth = s.Session.Query(`
		INSERT INTO pending_auth (
			email, identity_id, step, portal_type, company, display_name,
			ip, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetPendingAuth = s.Session.Query(`
		SELECT email, identity_id, step, portal_type, company, display_name,
			ip, created_at, expires_at
		FROM pending_auth WHERE email = ?`)

	prepared.DeletePendingAuth = s.Session.Query(`
		DELETE FROM pending_auth WHERE email = ?`)

	prepared.ScanPendingAuth = s.Session.Query(`
		SELECT email, expires_at FROM pending_auth`)

	prepared.CreateSession = s.Session.Query(`
		INSERT INTO sessions (
			token_jti, identity_id, email, issued_at, expires_at,
			revoked, revoked_at, ip, user_agent
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.CreateSessionByOwner = s.Session.Query(`
		INSERT INTO sessions_by_identity (identity_bucket, identity_id, token_jti, expires_at)
		VALUES (?, ?, ?, ?)`)

	prepared.GetSession = s.Session.Query(`
		SELECT token_jti, identity_id, email, issued_at, expires_at,
			revoked, revoked_at, ip, user_agent
		FROM sessions WHERE token_jti = ?`)

	prepared.RevokeSession = s.Session.Query(`
		UPDATE sessions SET revoked = ?, revoked_at = ? WHERE token_jti = ?`)

	prepared.GetSessionsByOwner = s.Session.Query(`
		SELECT token_jti FROM sessions_by_identity WHERE identity_bucket = ? AND identity_id = ?`)

	prepared.CreateResetToken = s.Session.Query(`
		INSERT INTO reset_tokens (token_hash, identity_id, email, code, expires_at, used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)

	prepared.CreateResetByEmail = s.Session.Query(`
		INSERT INTO reset_tokens_by_email (email, token_hash, code, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)`)

	prepared.GetResetToken = s.Session.Query(`
		SELECT token_hash, identity_id, email, code, expires_at, used, created_at
		FROM reset_tokens WHERE token_hash = ?`)

	prepared.GetResetByEmail = s.Session.Query(`
		SELECT email, token_hash, code, expires_at, created_at
		FROM reset_tokens_by_email WHERE email = ?`)

	prepared.ConsumeResetToken = s.Session.Query(`
		UPDATE reset_tokens SET used = ? WHERE token_hash = ? IF used = ?`)

	prepared.DeleteResetToken = s.Session.Query(`
		DELETE FROM reset_tokens WHERE token_hash = ?`)

	prepared.DeleteResetByEmail = s.Session.Query(`
		DELETE FROM reset_tokens_by_email WHERE email = ?`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Info("ScyllaDB prepared statements created successfully")
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

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			lastErr = err
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
