package service

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"portal-auth/internal/audit"
	"portal-auth/internal/model"
	"portal-auth/internal/repository/redis"
	"portal-auth/internal/repository/scylla"
	"portal-auth/internal/util"
)

// SessionService answers "is this jti still good" and executes
// revocations. Scylla is authoritative; the Redis mirror only
// short-circuits the happy path.
type SessionService struct {
	sessions scylla.SessionStore
	cache    *redis.SessionCache
	audit    AuditRecorder
	logger   *zap.Logger
}

func NewSessionService(sessions scylla.SessionStore, cache *redis.SessionCache, auditRecorder AuditRecorder, logger *zap.Logger) *SessionService {
	return &SessionService{
		sessions: sessions,
		cache:    cache,
		audit:    auditRecorder,
		logger:   logger,
	}
}

// Validate checks the session registry for a jti. Revoked and expired
// are both checked, always together. A cache hit skips the durable read;
// a miss falls through and repopulates.
func (s *SessionService) Validate(tokenID string) (*model.Session, error) {
	now := time.Now().UTC()

	if s.cache != nil {
		cached, err := s.cache.IsValid(tokenID)
		if err == nil && cached {
			session, err := s.sessions.GetSession(tokenID)
			if err == nil && session.Valid(now) {
				return session, nil
			}
			// The cache lied; drop the entry and fall through
			_ = s.cache.Invalidate(tokenID)
		}
	}

	session, err := s.sessions.GetSession(tokenID)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown session", ErrTokenInvalid)
	}

	if session.Revoked {
		return nil, fmt.Errorf("%w: jti %s", ErrSessionRevoked, tokenID)
	}
	if !now.Before(session.ExpiresAt) {
		return nil, fmt.Errorf("%w: expired session", ErrTokenInvalid)
	}

	if s.cache != nil {
		_ = s.cache.MarkValid(tokenID, session.ExpiresAt.Sub(now))
	}

	return session, nil
}

// Revoke flags a single session. The cache entry goes first so a racing
// validate cannot resurrect the jti.
func (s *SessionService) Revoke(tokenID string) error {
	if s.cache != nil {
		if err := s.cache.Invalidate(tokenID); err != nil {
			s.logger.Error("Failed to drop session cache entry on revoke",
				util.String("token_id", tokenID),
				util.ErrorField(err))
		}
	}

	if err := s.sessions.RevokeSession(tokenID); err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	return nil
}

// RevokeAll flags every session for the identity and returns the count.
func (s *SessionService) RevokeAll(identityID uuid.UUID) (int, error) {
	tokenIDs, err := s.sessions.GetSessionTokenIDs(identityID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	if s.cache != nil {
		if err := s.cache.InvalidateAll(tokenIDs); err != nil {
			s.logger.Error("Failed to drop session cache entries on revoke-all",
				util.String("identity_id", identityID.String()),
				util.ErrorField(err))
		}
	}

	count, err := s.sessions.RevokeAllSessions(identityID)
	if err != nil {
		return count, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	return count, nil
}

// RecordLogout emits the audit event for an explicit logout.
func (s *SessionService) RecordLogout(session *model.Session) {
	if s.audit == nil {
		return
	}
	s.audit.Record(&audit.Event{
		EventID:    uuid.New().String(),
		EventType:  audit.EventLogout,
		Email:      session.Email,
		IdentityID: session.IdentityID.String(),
		Outcome:    audit.OutcomeSuccess,
		Security:   false,
	})
}
