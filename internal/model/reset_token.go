package model

import (
	"time"

	"github.com/google/uuid"
)

// ResetToken is a single-use password recovery record. The URL token is
// stored hashed; the 6-digit code is the email-typed alternative. Used
// flips exactly once.
type ResetToken struct {
	TokenHash  string    `json:"-"`
	IdentityID uuid.UUID `json:"identity_id"`
	Email      string    `json:"email"`
	Code       string    `json:"-"`
	ExpiresAt  time.Time `json:"expires_at"`
	Used       bool      `json:"used"`
	CreatedAt  time.Time `json:"created_at"`
}

// Usable reports whether the record can still consume a reset.
func (r *ResetToken) Usable(now time.Time) bool {
	return !r.Used && now.Before(r.ExpiresAt)
}
