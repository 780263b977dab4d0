package scylla

import (
	"time"

	"github.com/google/uuid"

	"portal-auth/internal/model"
)

// IdentityStore defines the durable identity operations the services use.
type IdentityStore interface {
	CreateIdentity(identity *model.Identity) error
	GetIdentityByEmail(email string) (*model.Identity, error)
	GetIdentityByID(identityID uuid.UUID) (*model.Identity, error)
	UpdatePasswordHash(email, passwordHash string) error
	UpdateLockout(email string, failedAttempts int, lockedUntil *time.Time) error
	UpdateLastLogin(email string, at time.Time) error
	UpdateTOTP(email, secret string, pending, enabled bool) error
	UpdateNDA(email string, status model.NDAStatus, approvedBy string, signedAt, expiresAt *time.Time, notes string) error
	SetActive(email string, active bool) error
}

// PendingAuthStore is the single-slot in-progress-login ledger.
type PendingAuthStore interface {
	Upsert(pending *model.PendingAuth) error
	Get(email string) (*model.PendingAuth, error)
	Delete(email string) error
	Sweep() (int, error)
}

// SessionStore is the durable issued-token registry.
type SessionStore interface {
	CreateSession(session *model.Session) error
	GetSession(tokenID string) (*model.Session, error)
	RevokeSession(tokenID string) error
	GetSessionTokenIDs(identityID uuid.UUID) ([]string, error)
	RevokeAllSessions(identityID uuid.UUID) (int, error)
}

// ResetTokenStore holds single-use password recovery records.
type ResetTokenStore interface {
	CreateResetToken(token *model.ResetToken) error
	GetByTokenHash(tokenHash string) (*model.ResetToken, error)
	GetByEmail(email string) (*model.ResetToken, error)
	Consume(tokenHash string) (bool, error)
	DeleteByEmail(email string) error
}
