package scylla

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"portal-auth/internal/bucketing"
	"portal-auth/internal/model"
	"portal-auth/internal/util"
)

// SessionRepository stores issued-token records keyed by jti, plus a
// per-identity index so revoke-all can find every live token.
type SessionRepository struct {
	client    *ScyllaClient
	bucketing *bucketing.BucketingManager
}

func NewSessionRepository(client *ScyllaClient, bucketingManager *bucketing.BucketingManager, logger *zap.Logger) *SessionRepository {
	return &SessionRepository{
		client:    client,
		bucketing: bucketingManager,
	}
}

func (r *SessionRepository) CreateSession(session *model.Session) error {
	bucket := r.bucketing.GetIdentityBucket(session.IdentityID)

	batch := r.client.Session.NewBatch(gocql.LoggedBatch)

	batch.Query(r.client.Prepared.CreateSession.Statement(),
		session.TokenID, session.IdentityID, session.Email,
		session.IssuedAt, session.ExpiresAt,
		session.Revoked, timeOrZero(session.RevokedAt),
		session.IP, session.UserAgent)

	batch.Query(r.client.Prepared.CreateSessionByOwner.Statement(),
		bucket, session.IdentityID, session.TokenID, session.ExpiresAt)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to create session",
			zap.String("token_id", session.TokenID),
			zap.String("identity_id", session.IdentityID.String()),
			zap.Error(err))
		return fmt.Errorf("failed to create session: %w", err)
	}

	util.Info("Session created",
		zap.String("token_id", session.TokenID),
		zap.String("identity_id", session.IdentityID.String()),
		zap.Time("expires_at", session.ExpiresAt))

	return nil
}

func (r *SessionRepository) GetSession(tokenID string) (*model.Session, error) {
	session := &model.Session{}

	var revokedAt time.Time

	query := r.client.Prepared.GetSession.Bind(tokenID)

	err := r.client.ScanWithRetry(query,
		&session.TokenID, &session.IdentityID, &session.Email,
		&session.IssuedAt, &session.ExpiresAt,
		&session.Revoked, &revokedAt,
		&session.IP, &session.UserAgent)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, fmt.Errorf("session not found: %s", tokenID)
		}
		util.Error("Failed to get session",
			zap.String("token_id", tokenID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	session.RevokedAt = timeOrNil(revokedAt)

	return session, nil
}

// RevokeSession flags the row; it is never deleted, so a replayed token
// stays deniable until natural expiry.
func (r *SessionRepository) RevokeSession(tokenID string) error {
	now := time.Now().UTC()

	query := r.client.Prepared.RevokeSession.Bind(true, now, tokenID)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to revoke session",
			zap.String("token_id", tokenID),
			zap.Error(err))
		return fmt.Errorf("failed to revoke session: %w", err)
	}

	util.Info("Session revoked", zap.String("token_id", tokenID))
	return nil
}

// GetSessionTokenIDs returns every token jti recorded for an identity,
// revoked and expired ones included.
func (r *SessionRepository) GetSessionTokenIDs(identityID uuid.UUID) ([]string, error) {
	bucket := r.bucketing.GetIdentityBucket(identityID)

	iter := r.client.Prepared.GetSessionsByOwner.Bind(bucket, identityID).Iter()

	var tokenIDs []string
	var tokenID string
	for iter.Scan(&tokenID) {
		tokenIDs = append(tokenIDs, tokenID)
	}

	if err := iter.Close(); err != nil {
		util.Error("Failed to list sessions for identity",
			zap.String("identity_id", identityID.String()),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list sessions for identity: %w", err)
	}

	return tokenIDs, nil
}

// RevokeAllSessions flags every session belonging to the identity and
// returns how many were revoked.
func (r *SessionRepository) RevokeAllSessions(identityID uuid.UUID) (int, error) {
	tokenIDs, err := r.GetSessionTokenIDs(identityID)
	if err != nil {
		return 0, err
	}

	revoked := 0
	for _, tokenID := range tokenIDs {
		if err := r.RevokeSession(tokenID); err != nil {
			util.Error("Failed to revoke session during revoke-all",
				zap.String("token_id", tokenID),
				zap.String("identity_id", identityID.String()),
				zap.Error(err))
			continue
		}
		revoked++
	}

	util.Info("All sessions revoked for identity",
		zap.String("identity_id", identityID.String()),
		zap.Int("revoked", revoked))

	return revoked, nil
}
