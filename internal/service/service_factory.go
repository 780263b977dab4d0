package service

import (
	"go.uber.org/zap"

	"portal-auth/internal/config"
	"portal-auth/internal/encryption"
	"portal-auth/internal/hashing"
	"portal-auth/internal/mailer"
	"portal-auth/internal/repository/redis"
	"portal-auth/internal/repository/scylla"
	"portal-auth/internal/tenant"
	"portal-auth/internal/token"
	"portal-auth/internal/totp"
)

// ServiceFactory wires repositories and infrastructure into the service
// singletons.
type ServiceFactory struct {
	identities    scylla.IdentityStore
	pending       scylla.PendingAuthStore
	sessionStore  scylla.SessionStore
	resets        scylla.ResetTokenStore
	lockoutCache  *redis.LockoutCache
	sessionCache  *redis.SessionCache
	hasher        *hashing.Hasher
	encryptionMgr *encryption.EncryptionManager
	totpGen       *totp.Generator
	tokenMgr      *token.Manager
	tenantDir     *tenant.Directory
	mailerClient  *mailer.Mailer
	auditRecorder AuditRecorder
	cfg           *config.Config
	logger        *zap.Logger

	loginService     *LoginService
	sessionService   *SessionService
	accessService    *AccessService
	twoFactorService *TwoFactorService
	recoveryService  *RecoveryService
	identityService  *IdentityService
}

func NewServiceFactory(
	identities scylla.IdentityStore,
	pending scylla.PendingAuthStore,
	sessionStore scylla.SessionStore,
	resets scylla.ResetTokenStore,
	lockoutCache *redis.LockoutCache,
	sessionCache *redis.SessionCache,
	hasher *hashing.Hasher,
	encryptionMgr *encryption.EncryptionManager,
	totpGen *totp.Generator,
	tokenMgr *token.Manager,
	tenantDir *tenant.Directory,
	mailerClient *mailer.Mailer,
	auditRecorder AuditRecorder,
	cfg *config.Config,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		identities:    identities,
		pending:       pending,
		sessionStore:  sessionStore,
		resets:        resets,
		lockoutCache:  lockoutCache,
		sessionCache:  sessionCache,
		hasher:        hasher,
		encryptionMgr: encryptionMgr,
		totpGen:       totpGen,
		tokenMgr:      tokenMgr,
		tenantDir:     tenantDir,
		mailerClient:  mailerClient,
		auditRecorder: auditRecorder,
		cfg:           cfg,
		logger:        logger,
	}
}

// LoginService returns the login orchestrator (singleton)
func (f *ServiceFactory) LoginService() *LoginService {
	if f.loginService == nil {
		f.loginService = NewLoginService(
			f.identities,
			f.pending,
			f.sessionStore,
			f.lockoutCache,
			f.sessionCache,
			f.hasher,
			f.encryptionMgr,
			f.totpGen,
			f.tokenMgr,
			f.tenantDir,
			f.AccessService(),
			f.auditRecorder,
			f.cfg,
			f.logger,
		)
	}
	return f.loginService
}

// SessionService returns the session registry service (singleton)
func (f *ServiceFactory) SessionService() *SessionService {
	if f.sessionService == nil {
		f.sessionService = NewSessionService(f.sessionStore, f.sessionCache, f.auditRecorder, f.logger)
	}
	return f.sessionService
}

// AccessService returns the access-gate service (singleton)
func (f *ServiceFactory) AccessService() *AccessService {
	if f.accessService == nil {
		f.accessService = NewAccessService(f.identities, f.tenantDir, f.mailerClient, f.auditRecorder, f.logger)
	}
	return f.accessService
}

// TwoFactorService returns the 2FA enrollment service (singleton)
func (f *ServiceFactory) TwoFactorService() *TwoFactorService {
	if f.twoFactorService == nil {
		f.twoFactorService = NewTwoFactorService(
			f.identities,
			f.hasher,
			f.encryptionMgr,
			f.totpGen,
			f.auditRecorder,
			f.logger,
		)
	}
	return f.twoFactorService
}

// IdentityService returns the identity lifecycle service (singleton)
func (f *ServiceFactory) IdentityService() *IdentityService {
	if f.identityService == nil {
		f.identityService = NewIdentityService(
			f.identities,
			f.SessionService(),
			f.hasher,
			f.tenantDir,
			f.auditRecorder,
			f.logger,
		)
	}
	return f.identityService
}

// RecoveryService returns the password recovery service (singleton)
func (f *ServiceFactory) RecoveryService() *RecoveryService {
	if f.recoveryService == nil {
		f.recoveryService = NewRecoveryService(
			f.identities,
			f.resets,
			f.lockoutCache,
			f.SessionService(),
			f.hasher,
			f.mailerClient,
			f.auditRecorder,
			f.cfg,
			f.logger,
		)
	}
	return f.recoveryService
}
