package scylla

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"portal-auth/internal/model"
	"portal-auth/internal/util"
)

type IdentityRepository struct {
	client *ScyllaClient
}

func NewIdentityRepository(client *ScyllaClient, logger *zap.Logger) *IdentityRepository {
	// Using global util logger instead of individual logger
	return &IdentityRepository{
		client: client,
	}
}

func (r *IdentityRepository) CreateIdentity(identity *model.Identity) error {
	if identity.ID == uuid.Nil {
		identity.ID = uuid.New()
	}

	now := time.Now().UTC()
	identity.CreatedAt = now
	identity.UpdatedAt = now

	// Batch keeps the lookup table in sync with the main row
	batch := r.client.Session.NewBatch(gocql.LoggedBatch)

	batch.Query(r.client.Prepared.CreateIdentity.Statement(),
		identity.Email, identity.ID, identity.PasswordHash, identity.Name,
		string(identity.PortalType), identity.Company, identity.Active,
		identity.TOTPSecret, identity.TOTPPending, identity.TOTPEnabled,
		identity.FailedAttempts, timeOrZero(identity.LockedUntil), timeOrZero(identity.LastLogin),
		string(identity.NDAStatus), identity.NDAApprovedBy,
		timeOrZero(identity.NDASignedAt), timeOrZero(identity.NDAExpiresAt), identity.NDANotes,
		identity.CreatedAt, identity.UpdatedAt)

	batch.Query(r.client.Prepared.CreateIdentityByID.Statement(),
		identity.ID, identity.Email, identity.CreatedAt)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to create identity",
			zap.String("email", identity.Email),
			zap.String("identity_id", identity.ID.String()),
			zap.Error(err))
		return fmt.Errorf("failed to create identity: %w", err)
	}

	util.Info("Identity created successfully",
		zap.String("email", identity.Email),
		zap.String("identity_id", identity.ID.String()),
		zap.String("portal_type", string(identity.PortalType)))

	return nil
}

func (r *IdentityRepository) GetIdentityByEmail(email string) (*model.Identity, error) {
	identity := &model.Identity{}

	var portalType, ndaStatus string
	var lockedUntil, lastLogin, ndaSignedAt, ndaExpiresAt time.Time

	query := r.client.Prepared.GetIdentityByEmail.Bind(email)

	err := r.client.ScanWithRetry(query,
		&identity.Email, &identity.ID, &identity.PasswordHash, &identity.Name,
		&portalType, &identity.Company, &identity.Active,
		&identity.TOTPSecret, &identity.TOTPPending, &identity.TOTPEnabled,
		&identity.FailedAttempts, &lockedUntil, &lastLogin,
		&ndaStatus, &identity.NDAApprovedBy,
		&ndaSignedAt, &ndaExpiresAt, &identity.NDANotes,
		&identity.CreatedAt, &identity.UpdatedAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, fmt.Errorf("identity not found: %s", email)
		}
		util.Error("Failed to get identity by email",
			zap.String("email", email),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get identity by email: %w", err)
	}

	identity.PortalType = model.PortalType(portalType)
	identity.NDAStatus = model.NDAStatus(ndaStatus)
	identity.LockedUntil = timeOrNil(lockedUntil)
	identity.LastLogin = timeOrNil(lastLogin)
	identity.NDASignedAt = timeOrNil(ndaSignedAt)
	identity.NDAExpiresAt = timeOrNil(ndaExpiresAt)

	return identity, nil
}

func (r *IdentityRepository) GetIdentityByID(identityID uuid.UUID) (*model.Identity, error) {
	var email string

	query := r.client.Prepared.GetEmailByID.Bind(identityID)

	if err := r.client.ScanWithRetry(query, &email); err != nil {
		if err == gocql.ErrNotFound {
			return nil, fmt.Errorf("identity not found with ID: %s", identityID)
		}
		util.Error("Failed to resolve identity ID",
			zap.String("identity_id", identityID.String()),
			zap.Error(err))
		return nil, fmt.Errorf("failed to resolve identity ID: %w", err)
	}

	return r.GetIdentityByEmail(email)
}

func (r *IdentityRepository) UpdatePasswordHash(email, passwordHash string) error {
	now := time.Now().UTC()

	query := r.client.Prepared.UpdatePasswordHash.Bind(passwordHash, now, email)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to update password hash",
			zap.String("email", email),
			zap.Error(err))
		return fmt.Errorf("failed to update password hash: %w", err)
	}

	util.Info("Password hash updated", zap.String("email", email))
	return nil
}

// UpdateLockout persists the failure counter and lockout deadline so the
// state survives cache loss. A nil deadline clears the lockout.
func (r *IdentityRepository) UpdateLockout(email string, failedAttempts int, lockedUntil *time.Time) error {
	now := time.Now().UTC()

	query := r.client.Prepared.UpdateLockout.Bind(failedAttempts, timeOrZero(lockedUntil), now, email)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to update lockout state",
			zap.String("email", email),
			zap.Int("failed_attempts", failedAttempts),
			zap.Error(err))
		return fmt.Errorf("failed to update lockout state: %w", err)
	}

	return nil
}

func (r *IdentityRepository) UpdateLastLogin(email string, at time.Time) error {
	query := r.client.Prepared.UpdateLastLogin.Bind(at, email)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to update last login",
			zap.String("email", email),
			zap.Error(err))
		return fmt.Errorf("failed to update last login: %w", err)
	}

	return nil
}

func (r *IdentityRepository) UpdateTOTP(email, secret string, pending, enabled bool) error {
	now := time.Now().UTC()

	query := r.client.Prepared.UpdateTOTP.Bind(secret, pending, enabled, now, email)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to update TOTP state",
			zap.String("email", email),
			zap.Bool("enabled", enabled),
			zap.Error(err))
		return fmt.Errorf("failed to update TOTP state: %w", err)
	}

	util.Info("TOTP state updated",
		zap.String("email", email),
		zap.Bool("pending", pending),
		zap.Bool("enabled", enabled))

	return nil
}

func (r *IdentityRepository) UpdateNDA(email string, status model.NDAStatus, approvedBy string, signedAt, expiresAt *time.Time, notes string) error {
	now := time.Now().UTC()

	query := r.client.Prepared.UpdateNDA.Bind(
		string(status), approvedBy, timeOrZero(signedAt), timeOrZero(expiresAt), notes, now, email)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to update NDA state",
			zap.String("email", email),
			zap.String("status", string(status)),
			zap.Error(err))
		return fmt.Errorf("failed to update NDA state: %w", err)
	}

	util.Info("NDA state updated",
		zap.String("email", email),
		zap.String("status", string(status)))

	return nil
}

func (r *IdentityRepository) SetActive(email string, active bool) error {
	now := time.Now().UTC()

	query := r.client.Prepared.DeactivateIdentity.Bind(active, now, email)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to update active flag",
			zap.String("email", email),
			zap.Error(err))
		return fmt.Errorf("failed to update active flag: %w", err)
	}

	return nil
}

// Scylla stores null timestamps as the zero time; these convert at the edge.
func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
