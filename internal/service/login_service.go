package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"portal-auth/internal/audit"
	"portal-auth/internal/config"
	"portal-auth/internal/encryption"
	"portal-auth/internal/hashing"
	"portal-auth/internal/model"
	"portal-auth/internal/repository/redis"
	"portal-auth/internal/repository/scylla"
	"portal-auth/internal/tenant"
	"portal-auth/internal/token"
	"portal-auth/internal/totp"
	"portal-auth/internal/util"
)

const (
	StepPassword     = "password"
	StepSecondFactor = "2fa"
	StepComplete     = "complete"
)

// BeginResult is the step-1 response: where to go next and the tenant
// routing computed from the email domain.
type BeginResult struct {
	NextStep    string               `json:"next_step"`
	Requires2FA bool                 `json:"requires_2fa"`
	Tenant      model.TenantSnapshot `json:"tenant"`
}

// PasswordResult is the step-2 response. Completion is set only when no
// second factor stands between the caller and a token.
type PasswordResult struct {
	NextStep   string      `json:"next_step"`
	Completion *Completion `json:"completion,omitempty"`
}

// Completion is the terminal payload of a successful login.
type Completion struct {
	Token       string               `json:"token"`
	ExpiresAt   time.Time            `json:"expires_at"`
	Identity    *model.Identity      `json:"identity"`
	Access      model.AccessDecision `json:"access"`
	RedirectURL string               `json:"redirect_url"`
}

// LoginService drives the three-step login state machine. All
// cross-request state lives in the pending-auth ledger; the service
// itself is stateless.
type LoginService struct {
	identities scylla.IdentityStore
	pending    scylla.PendingAuthStore
	sessionDB  scylla.SessionStore
	lockout    *redis.LockoutCache
	cache      *redis.SessionCache
	hasher     *hashing.Hasher
	encryption *encryption.EncryptionManager
	totp       *totp.Generator
	tokens     *token.Manager
	tenantDir  *tenant.Directory
	access     *AccessService
	audit      AuditRecorder
	cfg        *config.Config
	logger     *zap.Logger
}

func NewLoginService(
	identities scylla.IdentityStore,
	pending scylla.PendingAuthStore,
	sessionDB scylla.SessionStore,
	lockout *redis.LockoutCache,
	cache *redis.SessionCache,
	hasher *hashing.Hasher,
	encryptionMgr *encryption.EncryptionManager,
	totpGen *totp.Generator,
	tokens *token.Manager,
	tenantDir *tenant.Directory,
	access *AccessService,
	auditRecorder AuditRecorder,
	cfg *config.Config,
	logger *zap.Logger,
) *LoginService {
	return &LoginService{
		identities: identities,
		pending:    pending,
		sessionDB:  sessionDB,
		lockout:    lockout,
		cache:      cache,
		hasher:     hasher,
		encryption: encryptionMgr,
		totp:       totpGen,
		tokens:     tokens,
		tenantDir:  tenantDir,
		access:     access,
		audit:      auditRecorder,
		cfg:        cfg,
		logger:     logger,
	}
}

// Begin is step 1. A pending record is written even for unknown emails
// so an observer cannot distinguish them; the requires_2fa flag defaults
// to true for the same reason.
func (s *LoginService) Begin(ctx context.Context, email, ip string) (*BeginResult, error) {
	email = util.NormalizeEmail(email)
	now := time.Now().UTC()
	snapshot := s.tenantDir.Resolve(email)

	requires2FA := true

	identity, err := s.identities.GetIdentityByEmail(email)
	if err == nil {
		if lockErr := s.checkLockout(identity, now); lockErr != nil {
			s.record(audit.EventLoginBegin, identity, email, ip, audit.OutcomeDenied, "locked", true)
			return nil, lockErr
		}
		requires2FA = identity.TOTPEnabled
	}

	record := &model.PendingAuth{
		Email:     email,
		Step:      model.StepAwaitingPassword,
		Tenant:    snapshot,
		IP:        ip,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.Auth.PendingAuthTTL),
	}
	if err := s.pending.Upsert(record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	s.record(audit.EventLoginBegin, identity, email, ip, audit.OutcomeSuccess, "", false)

	return &BeginResult{
		NextStep:    StepPassword,
		Requires2FA: requires2FA,
		Tenant:      snapshot,
	}, nil
}

// SubmitPassword is step 2. Unknown email and wrong password fail with
// the same error; only the lockout path is allowed to differ.
func (s *LoginService) SubmitPassword(ctx context.Context, email, password, ip, userAgent string) (*PasswordResult, error) {
	email = util.NormalizeEmail(email)
	now := time.Now().UTC()

	identity, err := s.identities.GetIdentityByEmail(email)
	if err != nil || !identity.Active {
		s.record(audit.EventLoginPassword, nil, email, ip, audit.OutcomeFailure, "unknown identity", true)
		return nil, ErrInvalidCredentials
	}

	if lockErr := s.checkLockout(identity, now); lockErr != nil {
		s.record(audit.EventLoginPassword, identity, email, ip, audit.OutcomeDenied, "locked", true)
		return nil, lockErr
	}

	ok, err := s.verifyPassword(password, identity.PasswordHash)
	if err != nil {
		s.logger.Error("Password verification error",
			util.String("email", email),
			util.ErrorField(err))
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	if !ok {
		return nil, s.recordFailure(identity, email, ip, now)
	}

	if identity.TOTPEnabled {
		snapshot := s.pendingSnapshot(email)

		record := &model.PendingAuth{
			Email:      email,
			IdentityID: identity.ID,
			Step:       model.StepAwaiting2FA,
			Tenant:     snapshot,
			IP:         ip,
			CreatedAt:  now,
			ExpiresAt:  now.Add(s.cfg.Auth.PendingAuthTTL),
		}
		if err := s.pending.Upsert(record); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
		}

		s.record(audit.EventLoginPassword, identity, email, ip, audit.OutcomeSuccess, "awaiting second factor", false)
		return &PasswordResult{NextStep: StepSecondFactor}, nil
	}

	completion, err := s.complete(ctx, identity, s.pendingSnapshot(email), ip, userAgent)
	if err != nil {
		return nil, err
	}

	return &PasswordResult{NextStep: StepComplete, Completion: completion}, nil
}

// SubmitSecondFactor is step 3. A missing or wrong-step pending record
// forces a restart from step 1; it is never reported as a security
// failure because staleness and tampering are indistinguishable.
func (s *LoginService) SubmitSecondFactor(ctx context.Context, email, code, ip, userAgent string) (*Completion, error) {
	email = util.NormalizeEmail(email)
	now := time.Now().UTC()

	record, err := s.pending.Get(email)
	if err != nil || record.Step != model.StepAwaiting2FA {
		return nil, ErrFlowExpired
	}

	identity, err := s.identities.GetIdentityByEmail(email)
	if err != nil || !identity.Active || !identity.TOTPEnabled {
		return nil, ErrFlowExpired
	}

	secret, err := s.encryption.DecryptFromString(ctx, identity.TOTPSecret)
	if err != nil {
		s.logger.Error("Failed to decrypt TOTP secret",
			util.String("email", email),
			util.ErrorField(err))
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	ok, err := s.totp.Verify(secret, code, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if !ok {
		// Failed codes do not feed the lockout counter; only password
		// failures do.
		s.record(audit.EventLoginSecondStep, identity, email, ip, audit.OutcomeFailure, "bad code", true)
		return nil, ErrInvalidSecondFactor
	}

	s.record(audit.EventLoginSecondStep, identity, email, ip, audit.OutcomeSuccess, "", false)

	return s.complete(ctx, identity, record.Tenant, ip, userAgent)
}

// complete is the shared terminal step: clear the ledger, reset
// counters, stamp last-login, evaluate the gate, issue and register the
// token, and compute routing.
func (s *LoginService) complete(ctx context.Context, identity *model.Identity, snapshot model.TenantSnapshot, ip, userAgent string) (*Completion, error) {
	email := identity.Email
	now := time.Now().UTC()

	if err := s.pending.Delete(email); err != nil {
		s.logger.Error("Failed to delete pending record on completion",
			util.String("email", email),
			util.ErrorField(err))
	}

	go func() {
		if _, err := s.pending.Sweep(); err != nil {
			s.logger.Debug("Pending sweep after login failed", util.ErrorField(err))
		}
	}()

	if err := s.lockout.ClearFailures(email); err != nil {
		s.logger.Error("Failed to clear lockout counters",
			util.String("email", email),
			util.ErrorField(err))
	}
	if err := s.identities.UpdateLockout(email, 0, nil); err != nil {
		s.logger.Error("Failed to clear durable lockout state",
			util.String("email", email),
			util.ErrorField(err))
	}

	if err := s.identities.UpdateLastLogin(email, now); err != nil {
		s.logger.Error("Failed to update last login",
			util.String("email", email),
			util.ErrorField(err))
	}
	identity.LastLogin = &now

	decision := s.access.Evaluate(identity)

	signed, jti, expiresAt, err := s.tokens.Issue(identity, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	session := &model.Session{
		TokenID:    jti,
		IdentityID: identity.ID,
		Email:      email,
		IssuedAt:   now,
		ExpiresAt:  expiresAt,
		IP:         ip,
		UserAgent:  userAgent,
	}
	if err := s.sessionDB.CreateSession(session); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	if s.cache != nil {
		if err := s.cache.MarkValid(jti, expiresAt.Sub(now)); err != nil {
			s.logger.Error("Failed to prime session cache",
				util.String("token_id", jti),
				util.ErrorField(err))
		}
	}

	s.record(audit.EventLoginComplete, identity, email, ip, audit.OutcomeSuccess, "", false)

	return &Completion{
		Token:       signed,
		ExpiresAt:   expiresAt,
		Identity:    identity,
		Access:      decision,
		RedirectURL: s.tenantDir.PortalURL(snapshot, decision.Allowed),
	}, nil
}

// checkLockout consults the Redis deadline first, then the durable
// mirror. A stale row deadline is cleared on sight.
func (s *LoginService) checkLockout(identity *model.Identity, now time.Time) error {
	locked, remaining, err := s.lockout.LockoutRemaining(identity.Email)
	if err == nil && locked {
		return &LockedError{Remaining: remaining}
	}

	if rowLocked, rowRemaining := identity.Locked(now); rowLocked {
		// Redis lost the lockout; restore it from the durable mirror
		if err := s.lockout.SetLockout(identity.Email, rowRemaining); err != nil {
			s.logger.Error("Failed to restore lockout from durable state",
				util.String("email", identity.Email),
				util.ErrorField(err))
		}
		return &LockedError{Remaining: rowRemaining}
	}

	if identity.LockedUntil != nil {
		// Deadline has passed; self-heal the row
		if err := s.identities.UpdateLockout(identity.Email, 0, nil); err != nil {
			s.logger.Error("Failed to clear stale lockout",
				util.String("email", identity.Email),
				util.ErrorField(err))
		}
		if err := s.lockout.ClearFailures(identity.Email); err != nil {
			s.logger.Error("Failed to clear stale lockout counter",
				util.String("email", identity.Email),
				util.ErrorField(err))
		}
	}

	return nil
}

// recordFailure bumps the atomic counter and decides between a generic
// rejection and the lockout transition.
func (s *LoginService) recordFailure(identity *model.Identity, email, ip string, now time.Time) error {
	count, err := s.lockout.IncrementFailures(email, s.cfg.Auth.LockoutDuration)
	if err != nil {
		s.logger.Error("Failed to count login failure",
			util.String("email", email),
			util.ErrorField(err))
		// Fail closed on the generic path, not the lockout path
		return ErrInvalidCredentials
	}

	if count >= s.cfg.Auth.MaxLoginAttempts {
		lockedUntil := now.Add(s.cfg.Auth.LockoutDuration)

		if err := s.lockout.SetLockout(email, s.cfg.Auth.LockoutDuration); err != nil {
			s.logger.Error("Failed to set lockout",
				util.String("email", email),
				util.ErrorField(err))
		}
		if err := s.identities.UpdateLockout(email, count, &lockedUntil); err != nil {
			s.logger.Error("Failed to persist lockout",
				util.String("email", email),
				util.ErrorField(err))
		}

		s.record(audit.EventLockout, identity, email, ip, audit.OutcomeDenied,
			fmt.Sprintf("locked after %d failures", count), true)
		return ErrTooManyAttempts
	}

	if err := s.identities.UpdateLockout(email, count, nil); err != nil {
		s.logger.Error("Failed to persist failure count",
			util.String("email", email),
			util.ErrorField(err))
	}

	s.record(audit.EventLoginPassword, identity, email, ip, audit.OutcomeFailure, "bad password", true)
	return ErrInvalidCredentials
}

func (s *LoginService) verifyPassword(password, encoded string) (bool, error) {
	result, err := hashing.DecodeHashResult(encoded)
	if err != nil {
		return false, err
	}
	return s.hasher.VerifyPassword(password, result)
}

// pendingSnapshot prefers the snapshot frozen at step 1, recomputing
// only if the ledger record is gone.
func (s *LoginService) pendingSnapshot(email string) model.TenantSnapshot {
	if record, err := s.pending.Get(email); err == nil {
		return record.Tenant
	}
	return s.tenantDir.Resolve(email)
}

func (s *LoginService) record(eventType string, identity *model.Identity, email, ip, outcome, detail string, security bool) {
	if s.audit == nil {
		return
	}

	event := &audit.Event{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Email:     email,
		IP:        ip,
		Outcome:   outcome,
		Detail:    detail,
		Security:  security,
	}
	if identity != nil {
		event.IdentityID = identity.ID.String()
		event.PortalType = string(identity.PortalType)
	}

	s.audit.Record(event)
}
