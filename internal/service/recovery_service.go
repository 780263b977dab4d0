package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"portal-auth/internal/audit"
	"portal-auth/internal/config"
	"portal-auth/internal/hashing"
	"portal-auth/internal/mailer"
	"portal-auth/internal/model"
	"portal-auth/internal/repository/redis"
	"portal-auth/internal/repository/scylla"
	"portal-auth/internal/util"
)

// RecoveryService runs the password recovery flow: request, probe,
// consume. Every outward response from the request step is identical
// whether or not the email exists.
type RecoveryService struct {
	identities scylla.IdentityStore
	resets     scylla.ResetTokenStore
	lockout    *redis.LockoutCache
	sessions   *SessionService
	hasher     *hashing.Hasher
	mailer     *mailer.Mailer
	audit      AuditRecorder
	cfg        *config.Config
	logger     *zap.Logger
}

func NewRecoveryService(
	identities scylla.IdentityStore,
	resets scylla.ResetTokenStore,
	lockout *redis.LockoutCache,
	sessions *SessionService,
	hasher *hashing.Hasher,
	mailerClient *mailer.Mailer,
	auditRecorder AuditRecorder,
	cfg *config.Config,
	logger *zap.Logger,
) *RecoveryService {
	return &RecoveryService{
		identities: identities,
		resets:     resets,
		lockout:    lockout,
		sessions:   sessions,
		hasher:     hasher,
		mailer:     mailerClient,
		audit:      auditRecorder,
		cfg:        cfg,
		logger:     logger,
	}
}

// RequestReset generates a URL token and a 6-digit code for the email
// and mails them. Unknown emails and throttled requests return exactly
// like successful ones.
func (s *RecoveryService) RequestReset(ctx context.Context, email string) error {
	email = util.NormalizeEmail(email)
	now := time.Now().UTC()

	count, err := s.lockout.IncrementResetRequests(email, time.Hour)
	if err != nil {
		s.logger.Error("Failed to count reset request",
			util.String("email", email),
			util.ErrorField(err))
	} else if count > s.cfg.Auth.ResetRequestsPerHr {
		s.logger.Warn("Reset request throttled",
			util.String("email", email),
			util.Int("count", count))
		return nil
	}

	identity, err := s.identities.GetIdentityByEmail(email)
	if err != nil || !identity.Active {
		// Same response as the real path
		return nil
	}

	rawToken, tokenHash, err := generateResetToken()
	if err != nil {
		s.logger.Error("Failed to generate reset token", util.ErrorField(err))
		return nil
	}

	code, err := generateResetCode()
	if err != nil {
		s.logger.Error("Failed to generate reset code", util.ErrorField(err))
		return nil
	}

	record := &model.ResetToken{
		TokenHash:  tokenHash,
		IdentityID: identity.ID,
		Email:      email,
		Code:       code,
		ExpiresAt:  now.Add(s.cfg.Auth.ResetTokenTTL),
		CreatedAt:  now,
	}
	if err := s.resets.CreateResetToken(record); err != nil {
		s.logger.Error("Failed to store reset token",
			util.String("email", email),
			util.ErrorField(err))
		return nil
	}

	s.recordEvent(identity, audit.EventResetRequest, audit.OutcomeSuccess, "")

	go func() {
		mailCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.mailer.SendResetEmail(mailCtx, email, identity.Name, rawToken, code, s.cfg.Auth.ResetTokenTTL); err != nil {
			s.logger.Error("Failed to send reset email",
				util.String("email", email),
				util.ErrorField(err))
		}
	}()

	return nil
}

// VerifyToken probes whether a URL token is still usable.
func (s *RecoveryService) VerifyToken(rawToken string) (string, error) {
	record, err := s.lookupByToken(rawToken)
	if err != nil {
		return "", err
	}
	return record.Email, nil
}

// VerifyCode probes whether an emailed code is still usable.
func (s *RecoveryService) VerifyCode(email, code string) error {
	_, err := s.lookupByCode(util.NormalizeEmail(email), code)
	return err
}

// ResetWithToken consumes the record via the URL token and applies the
// new password.
func (s *RecoveryService) ResetWithToken(ctx context.Context, rawToken, newPassword string) error {
	record, err := s.lookupByToken(rawToken)
	if err != nil {
		return err
	}
	return s.applyReset(ctx, record, newPassword)
}

// ResetWithCode consumes the record via the emailed code and applies the
// new password.
func (s *RecoveryService) ResetWithCode(ctx context.Context, email, code, newPassword string) error {
	record, err := s.lookupByCode(util.NormalizeEmail(email), code)
	if err != nil {
		return err
	}
	return s.applyReset(ctx, record, newPassword)
}

// ChangePassword rotates the password for an authenticated identity.
// Other sessions stay valid; only a recovery reset revokes them all.
func (s *RecoveryService) ChangePassword(ctx context.Context, email, currentPassword, newPassword string) error {
	email = util.NormalizeEmail(email)

	identity, err := s.identities.GetIdentityByEmail(email)
	if err != nil || !identity.Active {
		return ErrInvalidCredentials
	}

	current, err := hashing.DecodeHashResult(identity.PasswordHash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	ok, err := s.hasher.VerifyPassword(currentPassword, current)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if !ok {
		s.recordEvent(identity, audit.EventPasswordChange, audit.OutcomeFailure, "bad current password")
		return ErrInvalidCredentials
	}

	if err := s.storeNewPassword(email, newPassword); err != nil {
		return err
	}

	s.recordEvent(identity, audit.EventPasswordChange, audit.OutcomeSuccess, "")
	return nil
}

// applyReset is the shared consumption path: single-use flip first, then
// the password write, lockout clear, and full session revocation.
func (s *RecoveryService) applyReset(ctx context.Context, record *model.ResetToken, newPassword string) error {
	applied, err := s.resets.Consume(record.TokenHash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if !applied {
		// Lost the race to a concurrent reset
		return ErrTokenInvalid
	}

	if err := s.storeNewPassword(record.Email, newPassword); err != nil {
		return err
	}

	if err := s.lockout.ClearFailures(record.Email); err != nil {
		s.logger.Error("Failed to clear lockout after reset",
			util.String("email", record.Email),
			util.ErrorField(err))
	}
	if err := s.identities.UpdateLockout(record.Email, 0, nil); err != nil {
		s.logger.Error("Failed to clear durable lockout after reset",
			util.String("email", record.Email),
			util.ErrorField(err))
	}

	if count, err := s.sessions.RevokeAll(record.IdentityID); err != nil {
		s.logger.Error("Failed to revoke sessions after reset",
			util.String("email", record.Email),
			util.ErrorField(err))
	} else {
		s.logger.Info("Sessions revoked after password reset",
			util.String("email", record.Email),
			util.Int("count", count))
	}

	if err := s.resets.DeleteByEmail(record.Email); err != nil {
		s.logger.Debug("Failed to clear reset index",
			util.String("email", record.Email),
			util.ErrorField(err))
	}

	identity, err := s.identities.GetIdentityByEmail(record.Email)
	if err == nil {
		s.recordEvent(identity, audit.EventResetComplete, audit.OutcomeSuccess, "")

		go func() {
			mailCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := s.mailer.SendPasswordChangedEmail(mailCtx, identity.Email, identity.Name); err != nil {
				s.logger.Error("Failed to send password-changed email",
					util.String("email", identity.Email),
					util.ErrorField(err))
			}
		}()
	}

	return nil
}

func (s *RecoveryService) storeNewPassword(email, newPassword string) error {
	result, err := s.hasher.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if err := s.identities.UpdatePasswordHash(email, result.Encode()); err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	return nil
}

func (s *RecoveryService) lookupByToken(rawToken string) (*model.ResetToken, error) {
	if rawToken == "" {
		return nil, ErrTokenInvalid
	}

	record, err := s.resets.GetByTokenHash(hashResetToken(rawToken))
	if err != nil {
		return nil, ErrTokenInvalid
	}
	if !record.Usable(time.Now().UTC()) {
		return nil, ErrTokenInvalid
	}

	return record, nil
}

func (s *RecoveryService) lookupByCode(email, code string) (*model.ResetToken, error) {
	if email == "" || code == "" {
		return nil, ErrTokenInvalid
	}

	record, err := s.resets.GetByEmail(email)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	if !record.Usable(time.Now().UTC()) {
		return nil, ErrTokenInvalid
	}
	if subtle.ConstantTimeCompare([]byte(record.Code), []byte(code)) != 1 {
		return nil, ErrTokenInvalid
	}

	return record, nil
}

func (s *RecoveryService) recordEvent(identity *model.Identity, eventType, outcome, detail string) {
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

// generateResetToken returns the URL-safe token and the sha256 hex the
// store is keyed by. Only the hash is ever persisted.
func generateResetToken() (string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	return token, hashResetToken(token), nil
}

func hashResetToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func generateResetCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
