package model

import (
	"time"

	"github.com/google/uuid"
)

// PortalType classifies which portal an identity belongs to.
type PortalType string

const (
	PortalInvestor PortalType = "investor"
	PortalCustomer PortalType = "customer"
	PortalPartner  PortalType = "partner"
	PortalFounder  PortalType = "founder"
)

// ParsePortalType maps a wire value onto a known portal class.
func ParsePortalType(v string) (PortalType, bool) {
	switch PortalType(v) {
	case PortalInvestor, PortalCustomer, PortalPartner, PortalFounder:
		return PortalType(v), true
	}
	return "", false
}

// NDAStatus is the access-gate state for an identity. NotRequired is
// terminal for portal types that never need an NDA; Approved reads as
// Expired once the expiry passes.
type NDAStatus string

const (
	NDANotRequired NDAStatus = "not_required"
	NDAPending     NDAStatus = "pending"
	NDAApproved    NDAStatus = "approved"
	NDAExpired     NDAStatus = "expired"
	NDARevoked     NDAStatus = "revoked"
)

// Identity is a portal user row. Soft-deactivated via Active, never deleted.
type Identity struct {
	ID           uuid.UUID  `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Name         string     `json:"name"`
	PortalType   PortalType `json:"portal_type"`
	Company      string     `json:"company"`
	Active       bool       `json:"active"`

	TOTPSecret  string `json:"-"`
	TOTPPending bool   `json:"-"`
	TOTPEnabled bool   `json:"totp_enabled"`

	FailedAttempts int        `json:"-"`
	LockedUntil    *time.Time `json:"-"`
	LastLogin      *time.Time `json:"last_login,omitempty"`

	NDAStatus     NDAStatus  `json:"nda_status"`
	NDAApprovedBy string     `json:"-"`
	NDASignedAt   *time.Time `json:"-"`
	NDAExpiresAt  *time.Time `json:"nda_expires_at,omitempty"`
	NDANotes      string     `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Locked reports whether the identity is currently locked out. A past
// deadline is treated as no lockout; callers clear the stale state.
func (i *Identity) Locked(now time.Time) (bool, time.Duration) {
	if i.LockedUntil == nil || !now.Before(*i.LockedUntil) {
		return false, 0
	}
	return true, i.LockedUntil.Sub(now)
}

// AccessDecision is the result of an access-gate evaluation.
type AccessDecision struct {
	Allowed bool      `json:"allowed"`
	Status  NDAStatus `json:"status"`
	Reason  string    `json:"reason,omitempty"`
}
