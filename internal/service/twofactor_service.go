package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"portal-auth/internal/audit"
	"portal-auth/internal/encryption"
	"portal-auth/internal/hashing"
	"portal-auth/internal/model"
	"portal-auth/internal/repository/scylla"
	"portal-auth/internal/totp"
	"portal-auth/internal/util"
)

// EnrollmentResult carries what an authenticator app needs to register
// the new secret.
type EnrollmentResult struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
	QRCode          string `json:"qr_code"`
}

// TwoFactorService runs the two-phase TOTP enrollment: Enroll parks an
// encrypted pending secret, Activate proves the authenticator works
// before the factor starts gating logins.
type TwoFactorService struct {
	identities scylla.IdentityStore
	hasher     *hashing.Hasher
	encryption *encryption.EncryptionManager
	totp       *totp.Generator
	audit      AuditRecorder
	logger     *zap.Logger
}

func NewTwoFactorService(
	identities scylla.IdentityStore,
	hasher *hashing.Hasher,
	encryptionMgr *encryption.EncryptionManager,
	totpGen *totp.Generator,
	auditRecorder AuditRecorder,
	logger *zap.Logger,
) *TwoFactorService {
	return &TwoFactorService{
		identities: identities,
		hasher:     hasher,
		encryption: encryptionMgr,
		totp:       totpGen,
		audit:      auditRecorder,
		logger:     logger,
	}
}

// Enroll generates a fresh secret for the identity. Requires the
// password so a stolen session alone cannot swap the second factor.
// Re-enrollment replaces any pending secret and disables an active
// factor until the replacement is verified; a secret that no
// authenticator has proven must never gate a login.
func (s *TwoFactorService) Enroll(ctx context.Context, email, password string) (*EnrollmentResult, error) {
	email = util.NormalizeEmail(email)

	identity, err := s.identities.GetIdentityByEmail(email)
	if err != nil || !identity.Active {
		return nil, ErrInvalidCredentials
	}

	ok, err := s.verifyPassword(password, identity.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if !ok {
		s.record(identity, audit.EventTOTPEnroll, audit.OutcomeFailure, "bad password")
		return nil, ErrInvalidCredentials
	}

	secret, err := s.totp.GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	ciphertext, err := s.encryption.EncryptToString(ctx, secret, "totp_secret")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	if err := s.identities.UpdateTOTP(email, ciphertext, true, false); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	qr, err := s.totp.QRCodeDataURI(secret, email)
	if err != nil {
		s.logger.Error("Failed to render enrollment QR code",
			util.String("email", email),
			util.ErrorField(err))
		qr = ""
	}

	s.record(identity, audit.EventTOTPEnroll, audit.OutcomeSuccess, "pending secret issued")

	return &EnrollmentResult{
		Secret:          secret,
		ProvisioningURI: s.totp.ProvisioningURI(secret, email),
		QRCode:          qr,
	}, nil
}

// Activate verifies one code against the pending secret and flips the
// factor on. Until this succeeds logins are not gated by the new secret.
func (s *TwoFactorService) Activate(ctx context.Context, email, code string) error {
	email = util.NormalizeEmail(email)
	now := time.Now().UTC()

	identity, err := s.identities.GetIdentityByEmail(email)
	if err != nil || !identity.Active {
		return ErrFlowExpired
	}

	if !identity.TOTPPending || identity.TOTPSecret == "" {
		return ErrFlowExpired
	}

	secret, err := s.encryption.DecryptFromString(ctx, identity.TOTPSecret)
	if err != nil {
		s.logger.Error("Failed to decrypt pending TOTP secret",
			util.String("email", email),
			util.ErrorField(err))
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	ok, err := s.totp.Verify(secret, code, now)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if !ok {
		s.record(identity, audit.EventTOTPActivate, audit.OutcomeFailure, "bad code")
		return ErrInvalidSecondFactor
	}

	if err := s.identities.UpdateTOTP(email, identity.TOTPSecret, false, true); err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	s.record(identity, audit.EventTOTPActivate, audit.OutcomeSuccess, "")
	return nil
}

func (s *TwoFactorService) verifyPassword(password, encoded string) (bool, error) {
	result, err := hashing.DecodeHashResult(encoded)
	if err != nil {
		return false, err
	}
	return s.hasher.VerifyPassword(password, result)
}

func (s *TwoFactorService) record(identity *model.Identity, eventType, outcome, detail string) {
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
