package service

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"portal-auth/internal/audit"
	"portal-auth/internal/hashing"
	"portal-auth/internal/model"
	"portal-auth/internal/repository/scylla"
	"portal-auth/internal/tenant"
	"portal-auth/internal/util"
)

// IdentityService provisions and retires portal identities. Retirement
// is a soft deactivation; identity rows are never deleted.
type IdentityService struct {
	identities scylla.IdentityStore
	sessions   *SessionService
	hasher     *hashing.Hasher
	tenantDir  *tenant.Directory
	audit      AuditRecorder
	logger     *zap.Logger
}

func NewIdentityService(
	identities scylla.IdentityStore,
	sessions *SessionService,
	hasher *hashing.Hasher,
	tenantDir *tenant.Directory,
	auditRecorder AuditRecorder,
	logger *zap.Logger,
) *IdentityService {
	return &IdentityService{
		identities: identities,
		sessions:   sessions,
		hasher:     hasher,
		tenantDir:  tenantDir,
		audit:      auditRecorder,
		logger:     logger,
	}
}

// Create provisions an identity. The access gate starts at pending for
// portal types the gate covers and at not_required for exempt ones. An
// empty company falls back to the tenant directory's classification.
func (s *IdentityService) Create(email, name, password string, portalType model.PortalType, company string) (*model.Identity, error) {
	email = util.NormalizeEmail(email)

	if _, err := s.identities.GetIdentityByEmail(email); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrConflict, email)
	}

	result, err := s.hasher.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	if company == "" {
		company = s.tenantDir.Resolve(email).Company
	}

	ndaStatus := model.NDANotRequired
	if s.tenantDir.RequiresNDA(portalType) {
		ndaStatus = model.NDAPending
	}

	now := time.Now().UTC()
	identity := &model.Identity{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: result.Encode(),
		Name:         name,
		PortalType:   portalType,
		Company:      company,
		Active:       true,
		NDAStatus:    ndaStatus,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.identities.CreateIdentity(identity); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	s.record(identity, audit.EventIdentityCreate, audit.OutcomeSuccess, string(portalType))
	s.logger.Info("Identity provisioned",
		util.String("email", email),
		util.String("portal_type", string(portalType)),
		util.String("nda_status", string(ndaStatus)))

	return identity, nil
}

// Deactivate turns an identity off and revokes every live session so
// outstanding tokens die with it. Deactivating an already-inactive
// identity just re-runs the session sweep.
func (s *IdentityService) Deactivate(email string) (int, error) {
	email = util.NormalizeEmail(email)

	identity, err := s.identities.GetIdentityByEmail(email)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, email)
	}

	if err := s.identities.SetActive(email, false); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	revoked, err := s.sessions.RevokeAll(identity.ID)
	if err != nil {
		return 0, err
	}

	s.record(identity, audit.EventIdentityDeactivate, audit.OutcomeSuccess,
		fmt.Sprintf("%d sessions revoked", revoked))
	s.logger.Info("Identity deactivated",
		util.String("email", email),
		util.Int("revoked_sessions", revoked))

	return revoked, nil
}

func (s *IdentityService) record(identity *model.Identity, eventType, outcome, detail string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(&audit.Event{
		EventID:    uuid.New().String(),
		EventType:  eventType,
		Email:      identity.Email,
		IdentityID: identity.ID.String(),
		PortalType: string(identity.PortalType),
		Outcome:    outcome,
		Detail:     detail,
		Security:   true,
	})
}
