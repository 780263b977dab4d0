package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"portal-auth/internal/audit"
	"portal-auth/internal/mailer"
	"portal-auth/internal/model"
	"portal-auth/internal/repository/scylla"
	"portal-auth/internal/tenant"
	"portal-auth/internal/util"

	"github.com/google/uuid"
)

// AuditRecorder is the slice of the audit pipeline the services need.
type AuditRecorder interface {
	Record(event *audit.Event)
}

// AccessService evaluates the NDA access gate and handles its
// administrative transitions. Evaluation is always live; token claims
// are only a snapshot.
type AccessService struct {
	identities scylla.IdentityStore
	tenantDir  *tenant.Directory
	mailer     *mailer.Mailer
	audit      AuditRecorder
	logger     *zap.Logger
}

func NewAccessService(
	identities scylla.IdentityStore,
	tenantDir *tenant.Directory,
	mailerClient *mailer.Mailer,
	auditRecorder AuditRecorder,
	logger *zap.Logger,
) *AccessService {
	return &AccessService{
		identities: identities,
		tenantDir:  tenantDir,
		mailer:     mailerClient,
		audit:      auditRecorder,
		logger:     logger,
	}
}

// Evaluate returns the current access decision for an identity. An
// approved status past its expiry reads as expired and the transition is
// written back; the in-memory identity is updated so callers snapshot
// the corrected status.
func (s *AccessService) Evaluate(identity *model.Identity) model.AccessDecision {
	if !s.tenantDir.RequiresNDA(identity.PortalType) {
		return model.AccessDecision{Allowed: true, Status: model.NDANotRequired}
	}

	now := time.Now().UTC()

	switch identity.NDAStatus {
	case model.NDANotRequired:
		return model.AccessDecision{Allowed: true, Status: model.NDANotRequired}

	case model.NDAApproved:
		if identity.NDAExpiresAt != nil && !now.Before(*identity.NDAExpiresAt) {
			// Lazy persistence of the expiry transition
			if err := s.identities.UpdateNDA(identity.Email, model.NDAExpired,
				identity.NDAApprovedBy, identity.NDASignedAt, identity.NDAExpiresAt,
				identity.NDANotes); err != nil {
				s.logger.Error("Failed to persist NDA expiry",
					util.String("email", identity.Email),
					util.ErrorField(err))
			}
			identity.NDAStatus = model.NDAExpired
			return model.AccessDecision{
				Allowed: false,
				Status:  model.NDAExpired,
				Reason:  "agreement expired",
			}
		}
		return model.AccessDecision{Allowed: true, Status: model.NDAApproved}

	case model.NDARevoked:
		return model.AccessDecision{
			Allowed: false,
			Status:  model.NDARevoked,
			Reason:  "access revoked",
		}

	case model.NDAExpired:
		return model.AccessDecision{
			Allowed: false,
			Status:  model.NDAExpired,
			Reason:  "agreement expired",
		}

	default:
		// Absent or pending both mean the gate has not opened yet
		return model.AccessDecision{
			Allowed: false,
			Status:  model.NDAPending,
			Reason:  "approval pending",
		}
	}
}

// Approve transitions an identity to approved with a fresh expiry.
func (s *AccessService) Approve(ctx context.Context, email, approvedBy string, expiresDays int) (*model.Identity, error) {
	identity, err := s.loadGated(email)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if expiresDays <= 0 {
		expiresDays = 365
	}
	expiresAt := now.AddDate(0, 0, expiresDays)

	if err := s.identities.UpdateNDA(email, model.NDAApproved, approvedBy, &now, &expiresAt, identity.NDANotes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	identity.NDAStatus = model.NDAApproved
	identity.NDAApprovedBy = approvedBy
	identity.NDASignedAt = &now
	identity.NDAExpiresAt = &expiresAt

	s.recordChange(identity, "approved", approvedBy)
	s.notify(ctx, identity, "approved")

	return identity, nil
}

// Revoke is terminal until a fresh approval.
func (s *AccessService) Revoke(ctx context.Context, email, revokedBy string) (*model.Identity, error) {
	identity, err := s.loadGated(email)
	if err != nil {
		return nil, err
	}

	if err := s.identities.UpdateNDA(email, model.NDARevoked, revokedBy,
		identity.NDASignedAt, identity.NDAExpiresAt, identity.NDANotes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	identity.NDAStatus = model.NDARevoked

	s.recordChange(identity, "revoked", revokedBy)
	s.notify(ctx, identity, "revoked")

	return identity, nil
}

// Extend pushes the expiry forward, re-approving if the status had
// lapsed. An expiry still in the future extends from that deadline, not
// from now.
func (s *AccessService) Extend(ctx context.Context, email, extendedBy string, extendDays int) (*model.Identity, error) {
	identity, err := s.loadGated(email)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if extendDays <= 0 {
		extendDays = 365
	}

	base := now
	if identity.NDAExpiresAt != nil && identity.NDAExpiresAt.After(now) {
		base = *identity.NDAExpiresAt
	}
	expiresAt := base.AddDate(0, 0, extendDays)

	signedAt := identity.NDASignedAt
	if signedAt == nil {
		signedAt = &now
	}

	if err := s.identities.UpdateNDA(email, model.NDAApproved, extendedBy, signedAt, &expiresAt, identity.NDANotes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	identity.NDAStatus = model.NDAApproved
	identity.NDAApprovedBy = extendedBy
	identity.NDASignedAt = signedAt
	identity.NDAExpiresAt = &expiresAt

	s.recordChange(identity, "extended", extendedBy)
	s.notify(ctx, identity, "extended")

	return identity, nil
}

// loadGated fetches the identity and rejects classes that never need the
// gate; approving an exempt identity would only create confusion.
func (s *AccessService) loadGated(email string) (*model.Identity, error) {
	identity, err := s.identities.GetIdentityByEmail(util.NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("%w: identity", ErrNotFound)
	}

	if !s.tenantDir.RequiresNDA(identity.PortalType) {
		return nil, fmt.Errorf("%w: access gate does not apply to %s accounts", ErrConflict, identity.PortalType)
	}

	return identity, nil
}

func (s *AccessService) recordChange(identity *model.Identity, change, actor string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(&audit.Event{
		EventID:    uuid.New().String(),
		EventType:  audit.EventNDAChange,
		Email:      identity.Email,
		IdentityID: identity.ID.String(),
		PortalType: string(identity.PortalType),
		Outcome:    audit.OutcomeSuccess,
		Detail:     fmt.Sprintf("%s by %s", change, actor),
		Security:   true,
	})
}

func (s *AccessService) notify(ctx context.Context, identity *model.Identity, status string) {
	if s.mailer == nil {
		return
	}
	if err := s.mailer.SendNDAStatusEmail(ctx, identity.Email, identity.Name, status); err != nil {
		s.logger.Error("Failed to send NDA status email",
			util.String("email", identity.Email),
			util.ErrorField(err))
	}
}
