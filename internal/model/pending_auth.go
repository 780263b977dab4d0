package model

import (
	"time"

	"github.com/google/uuid"
)

// PendingStep marks how far a multi-step login has progressed.
type PendingStep string

const (
	StepAwaitingPassword PendingStep = "awaiting_password"
	StepAwaiting2FA      PendingStep = "awaiting_2fa"
)

// TenantSnapshot freezes the routing info computed at step 1 so it cannot
// change mid-flow.
type TenantSnapshot struct {
	PortalType  PortalType `json:"portal_type"`
	Company     string     `json:"company"`
	DisplayName string     `json:"display_name"`
}

// PendingAuth is the single live in-progress-login record for an email.
// A new begin replaces any prior record entirely.
type PendingAuth struct {
	Email      string         `json:"email"`
	IdentityID uuid.UUID      `json:"identity_id,omitempty"`
	Step       PendingStep    `json:"step"`
	Tenant     TenantSnapshot `json:"tenant"`
	IP         string         `json:"ip,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
}

// Expired reports whether the record's TTL has elapsed. An expired record
// is always read as absent.
func (p *PendingAuth) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}
