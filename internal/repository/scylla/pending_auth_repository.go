package scylla

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"portal-auth/internal/model"
	"portal-auth/internal/util"
)

// PendingAuthRepository holds the single in-progress login per email.
// Begin replaces any prior record; expired rows are deleted on read.
type PendingAuthRepository struct {
	client *ScyllaClient
}

func NewPendingAuthRepository(client *ScyllaClient, logger *zap.Logger) *PendingAuthRepository {
	return &PendingAuthRepository{
		client: client,
	}
}

// Upsert writes a pending record, replacing any existing one for the
// email. Delete then insert in a logged batch so a prior record never
// survives with stale columns.
func (r *PendingAuthRepository) Upsert(pending *model.PendingAuth) error {
	batch := r.client.Session.NewBatch(gocql.LoggedBatch)

	batch.Query(r.client.Prepared.DeletePendingAuth.Statement(), pending.Email)
	batch.Query(r.client.Prepared.UpsertPendingAuth.Statement(),
		pending.Email, pending.IdentityID, string(pending.Step),
		string(pending.Tenant.PortalType), pending.Tenant.Company, pending.Tenant.DisplayName,
		pending.IP, pending.CreatedAt, pending.ExpiresAt)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to upsert pending auth",
			zap.String("email", pending.Email),
			zap.String("step", string(pending.Step)),
			zap.Error(err))
		return fmt.Errorf("failed to upsert pending auth: %w", err)
	}

	util.Debug("Pending auth upserted",
		zap.String("email", pending.Email),
		zap.String("step", string(pending.Step)))

	return nil
}

// Get returns the live pending record for an email. Expired records are
// deleted on the way out and reported as not found.
func (r *PendingAuthRepository) Get(email string) (*model.PendingAuth, error) {
	pending := &model.PendingAuth{}

	var step, portalType string

	query := r.client.Prepared.GetPendingAuth.Bind(email)

	err := r.client.ScanWithRetry(query,
		&pending.Email, &pending.IdentityID, &step,
		&portalType, &pending.Tenant.Company, &pending.Tenant.DisplayName,
		&pending.IP, &pending.CreatedAt, &pending.ExpiresAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, fmt.Errorf("pending auth not found: %s", email)
		}
		util.Error("Failed to get pending auth",
			zap.String("email", email),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get pending auth: %w", err)
	}

	pending.Step = model.PendingStep(step)
	pending.Tenant.PortalType = model.PortalType(portalType)

	if pending.Expired(time.Now().UTC()) {
		if delErr := r.Delete(email); delErr != nil {
			util.Error("Failed to delete expired pending auth",
				zap.String("email", email),
				zap.Error(delErr))
		}
		return nil, fmt.Errorf("pending auth not found: %s", email)
	}

	return pending, nil
}

func (r *PendingAuthRepository) Delete(email string) error {
	query := r.client.Prepared.DeletePendingAuth.Bind(email)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to delete pending auth",
			zap.String("email", email),
			zap.Error(err))
		return fmt.Errorf("failed to delete pending auth: %w", err)
	}

	return nil
}

// Sweep removes all expired pending records. Called opportunistically,
// not on a schedule; correctness never depends on it.
func (r *PendingAuthRepository) Sweep() (int, error) {
	now := time.Now().UTC()
	removed := 0

	iter := r.client.Prepared.ScanPendingAuth.Iter()

	var email string
	var expiresAt time.Time
	for iter.Scan(&email, &expiresAt) {
		if !now.Before(expiresAt) {
			if err := r.Delete(email); err == nil {
				removed++
			}
		}
	}

	if err := iter.Close(); err != nil {
		util.Error("Pending auth sweep failed", zap.Error(err))
		return removed, fmt.Errorf("pending auth sweep failed: %w", err)
	}

	if removed > 0 {
		util.Info("Pending auth sweep completed", zap.Int("removed", removed))
	}

	return removed, nil
}
