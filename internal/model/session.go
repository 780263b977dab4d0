package model

import (
	"time"

	"github.com/google/uuid"
)

// Session tracks an issued token by its unique jti, the sole revocation
// key. Rows are flagged revoked, never deleted.
type Session struct {
	TokenID    string     `json:"token_id"`
	IdentityID uuid.UUID  `json:"identity_id"`
	Email      string     `json:"email"`
	IssuedAt   time.Time  `json:"issued_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Revoked    bool       `json:"revoked"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	IP         string     `json:"ip,omitempty"`
	UserAgent  string     `json:"user_agent,omitempty"`
}

// Valid requires both not-revoked and not-expired, always together.
func (s *Session) Valid(now time.Time) bool {
	return !s.Revoked && now.Before(s.ExpiresAt)
}
