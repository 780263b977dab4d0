package scylla

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"portal-auth/internal/model"
	"portal-auth/internal/util"
)

// ResetTokenRepository stores password recovery records. The primary
// table is keyed by the token hash for the URL path; a by-email table
// serves the typed-code path and single-live-request semantics.
type ResetTokenRepository struct {
	client *ScyllaClient
}

func NewResetTokenRepository(client *ScyllaClient, logger *zap.Logger) *ResetTokenRepository {
	return &ResetTokenRepository{
		client: client,
	}
}

// CreateResetToken writes a recovery record, replacing any live request
// for the same email. The prior request's primary row goes into the
// same batch; its URL token must stop working the moment a newer
// request exists, not linger until its own expiry.
func (r *ResetTokenRepository) CreateResetToken(token *model.ResetToken) error {
	batch := r.client.Session.NewBatch(gocql.LoggedBatch)

	var priorEmail, priorHash, priorCode string
	var priorExpiresAt, priorCreatedAt time.Time
	lookup := r.client.Prepared.GetResetByEmail.Bind(token.Email)
	if err := lookup.Scan(&priorEmail, &priorHash, &priorCode, &priorExpiresAt, &priorCreatedAt); err == nil {
		if priorHash != token.TokenHash {
			batch.Query(r.client.Prepared.DeleteResetToken.Statement(), priorHash)
		}
	} else if err != gocql.ErrNotFound {
		util.Error("Failed to look up prior reset record",
			zap.String("email", token.Email),
			zap.Error(err))
		return fmt.Errorf("failed to look up prior reset record: %w", err)
	}

	batch.Query(r.client.Prepared.DeleteResetByEmail.Statement(), token.Email)
	batch.Query(r.client.Prepared.CreateResetToken.Statement(),
		token.TokenHash, token.IdentityID, token.Email, token.Code,
		token.ExpiresAt, token.Used, token.CreatedAt)
	batch.Query(r.client.Prepared.CreateResetByEmail.Statement(),
		token.Email, token.TokenHash, token.Code, token.ExpiresAt, token.CreatedAt)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to create reset token",
			zap.String("email", token.Email),
			zap.Error(err))
		return fmt.Errorf("failed to create reset token: %w", err)
	}

	util.Info("Reset token created",
		zap.String("email", token.Email),
		zap.Time("expires_at", token.ExpiresAt))

	return nil
}

func (r *ResetTokenRepository) GetByTokenHash(tokenHash string) (*model.ResetToken, error) {
	token := &model.ResetToken{}

	query := r.client.Prepared.GetResetToken.Bind(tokenHash)

	err := r.client.ScanWithRetry(query,
		&token.TokenHash, &token.IdentityID, &token.Email, &token.Code,
		&token.ExpiresAt, &token.Used, &token.CreatedAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, fmt.Errorf("reset token not found")
		}
		util.Error("Failed to get reset token", zap.Error(err))
		return nil, fmt.Errorf("failed to get reset token: %w", err)
	}

	return token, nil
}

// GetByEmail resolves the live recovery record for an email via the
// by-email index, then loads the full row.
func (r *ResetTokenRepository) GetByEmail(email string) (*model.ResetToken, error) {
	var tokenHash, code string
	var expiresAt, createdAt time.Time

	query := r.client.Prepared.GetResetByEmail.Bind(email)

	err := r.client.ScanWithRetry(query, &email, &tokenHash, &code, &expiresAt, &createdAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, fmt.Errorf("reset token not found for email: %s", email)
		}
		util.Error("Failed to get reset token by email",
			zap.String("email", email),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get reset token by email: %w", err)
	}

	return r.GetByTokenHash(tokenHash)
}

// Consume flips the used flag exactly once. The LWT condition makes
// concurrent consumers race safely; the loser gets false.
func (r *ResetTokenRepository) Consume(tokenHash string) (bool, error) {
	var prevUsed bool

	query := r.client.Prepared.ConsumeResetToken.Bind(true, tokenHash, false)

	applied, err := query.ScanCAS(&prevUsed)
	if err != nil {
		if err == gocql.ErrNotFound {
			return false, nil
		}
		util.Error("Failed to consume reset token", zap.Error(err))
		return false, fmt.Errorf("failed to consume reset token: %w", err)
	}

	if applied {
		util.Info("Reset token consumed")
	}

	return applied, nil
}

func (r *ResetTokenRepository) DeleteByEmail(email string) error {
	query := r.client.Prepared.DeleteResetByEmail.Bind(email)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to delete reset record",
			zap.String("email", email),
			zap.Error(err))
		return fmt.Errorf("failed to delete reset record: %w", err)
	}

	return nil
}
