package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"portal-auth/internal/encryption"
	"portal-auth/internal/hashing"
	"portal-auth/internal/model"
	"portal-auth/internal/repository/redis"
	"portal-auth/internal/tenant"
	"portal-auth/internal/token"
	"portal-auth/internal/totp"
)

type loginEnv struct {
	identities *fakeIdentityStore
	pending    *fakePendingStore
	sessions   *fakeSessionStore
	lockout    *redis.LockoutCache
	hasher     *hashing.Hasher
	enc        *encryption.EncryptionManager
	totp       *totp.Generator
	tokens     *token.Manager
	recorder   *fakeRecorder
	mr         *miniredis.Miniredis
	svc        *LoginService
}

func newLoginEnv(t *testing.T) *loginEnv {
	t.Helper()

	cfg := newTestConfig()
	rc, mr := newTestRedisClient(t)

	tokens, err := token.NewManager(cfg)
	if err != nil {
		t.Fatal(err)
	}

	env := &loginEnv{
		identities: newFakeIdentityStore(),
		pending:    newFakePendingStore(),
		sessions:   newFakeSessionStore(),
		lockout:    redis.NewLockoutCache(rc),
		hasher:     hashing.NewHasher(cfg),
		enc:        encryption.NewEncryptionManager(cfg, nil),
		totp:       totp.NewGenerator(cfg),
		tokens:     tokens,
		recorder:   &fakeRecorder{},
		mr:         mr,
	}

	tenantDir := tenant.NewDirectory()
	access := NewAccessService(env.identities, tenantDir, nil, env.recorder, zap.NewNop())

	env.svc = NewLoginService(
		env.identities,
		env.pending,
		env.sessions,
		env.lockout,
		redis.NewSessionCache(rc),
		env.hasher,
		env.enc,
		env.totp,
		env.tokens,
		tenantDir,
		access,
		env.recorder,
		cfg,
		zap.NewNop(),
	)

	return env
}

// seedIdentity creates an active identity with the given password. The
// returned plaintext TOTP secret is empty unless withTOTP is set.
func (env *loginEnv) seedIdentity(t *testing.T, email, password string, withTOTP bool) (*model.Identity, string) {
	t.Helper()

	result, err := env.hasher.HashPassword(password)
	if err != nil {
		t.Fatal(err)
	}

	identity := &model.Identity{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: result.Encode(),
		Name:         "Test User",
		PortalType:   tenant.NewDirectory().Resolve(email).PortalType,
		Company:      tenant.NewDirectory().Resolve(email).Company,
		Active:       true,
		NDAStatus:    model.NDAApproved,
		CreatedAt:    time.Now().UTC(),
	}

	secret := ""
	if withTOTP {
		secret, err = env.totp.GenerateSecret()
		if err != nil {
			t.Fatal(err)
		}
		ciphertext, err := env.enc.EncryptToString(context.Background(), secret, "totp_secret")
		if err != nil {
			t.Fatal(err)
		}
		identity.TOTPSecret = ciphertext
		identity.TOTPEnabled = true
	}

	env.identities.add(identity)
	return identity, secret
}

func TestBeginWritesPendingForUnknownEmail(t *testing.T) {
	env := newLoginEnv(t)
	ctx := context.Background()

	result, err := env.svc.Begin(ctx, "nobody@sequoia.com", "1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}

	if result.NextStep != StepPassword {
		t.Errorf("next_step = %q, want %q", result.NextStep, StepPassword)
	}
	// Unknown accounts must be indistinguishable from 2FA-enabled ones
	if !result.Requires2FA {
		t.Error("requires_2fa should default to true for unknown emails")
	}
	if result.Tenant.PortalType != model.PortalInvestor {
		t.Errorf("portal = %q, want investor", result.Tenant.PortalType)
	}

	record := env.pending.get("nobody@sequoia.com")
	if record == nil {
		t.Fatal("pending record should exist for unknown email")
	}
	if record.Step != model.StepAwaitingPassword {
		t.Errorf("step = %q, want awaiting_password", record.Step)
	}
}

func TestBeginReportsConfiguredSecondFactor(t *testing.T) {
	env := newLoginEnv(t)
	ctx := context.Background()

	env.seedIdentity(t, "plain@anduril.com", "password-one", false)
	env.seedIdentity(t, "totp@anduril.com", "password-two", true)

	plain, err := env.svc.Begin(ctx, "plain@anduril.com", "")
	if err != nil {
		t.Fatal(err)
	}
	if plain.Requires2FA {
		t.Error("identity without TOTP should not require a second factor")
	}

	gated, err := env.svc.Begin(ctx, "totp@anduril.com", "")
	if err != nil {
		t.Fatal(err)
	}
	if !gated.Requires2FA {
		t.Error("identity with TOTP should require a second factor")
	}
}

func TestBeginReplacesPriorPendingRecord(t *testing.T) {
	env := newLoginEnv(t)
	ctx := context.Background()

	identity, _ := env.seedIdentity(t, "alice@anduril.com", "password-one", true)

	// Park the flow at the second-factor step
	if err := env.pending.Upsert(&model.PendingAuth{
		Email:      identity.Email,
		IdentityID: identity.ID,
		Step:       model.StepAwaiting2FA,
		ExpiresAt:  time.Now().UTC().Add(5 * time.Minute),
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := env.svc.Begin(ctx, identity.Email, ""); err != nil {
		t.Fatal(err)
	}

	record := env.pending.get(identity.Email)
	if record == nil {
		t.Fatal("pending record missing")
	}
	if record.Step != model.StepAwaitingPassword {
		t.Errorf("step after restart = %q, want awaiting_password", record.Step)
	}
}

func TestSubmitPasswordUnknownAndWrongAreIndistinguishable(t *testing.T) {
	env := newLoginEnv(t)
	ctx := context.Background()

	env.seedIdentity(t, "alice@anduril.com", "right password", false)

	_, unknownErr := env.svc.SubmitPassword(ctx, "nobody@anduril.com", "whatever", "", "")
	_, wrongErr := env.svc.SubmitPassword(ctx, "alice@anduril.com", "wrong password", "", "")

	if !errors.Is(unknownErr, ErrInvalidCredentials) {
		t.Fatalf("unknown email err = %v, want ErrInvalidCredentials", unknownErr)
	}
	if !errors.Is(wrongErr, ErrInvalidCredentials) {
		t.Fatalf("wrong password err = %v, want ErrInvalidCredentials", wrongErr)
	}
	if unknownErr.Error() != wrongErr.Error() {
		t.Errorf("error text differs: %q vs %q", unknownErr.Error(), wrongErr.Error())
	}
}

func TestSubmitPasswordInactiveIdentity(t *testing.T) {
	env := newLoginEnv(t)
	ctx := context.Background()

	identity, _ := env.seedIdentity(t, "alice@anduril.com", "right password", false)
	identity.Active = false

	if _, err := env.svc.SubmitPassword(ctx, identity.Email, "right password", "", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestLockoutAfterMaxFailures(t *testing.T) {
	env := newLoginEnv(t)
	ctx := context.Background()

	identity, _ := env.seedIdentity(t, "alice@anduril.com", "right password", false)

	for attempt := 1; attempt <= 4; attempt++ {
		_, err := env.svc.SubmitPassword(ctx, identity.Email, "wrong", "", "")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d err = %v, want ErrInvalidCredentials", attempt, err)
		}
	}

	if _, err := env.svc.SubmitPassword(ctx, identity.Email, "wrong", "", ""); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("fifth attempt err = %v, want ErrTooManyAttempts", err)
	}

	if identity.LockedUntil == nil {
		t.Fatal("durable lockout deadline should be set")
	}

	// The right password no longer helps while locked
	_, err := env.svc.SubmitPassword(ctx, identity.Email, "right password", "", "")
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("locked err = %v, want ErrAccountLocked", err)
	}

	var locked *LockedError
	if !errors.As(err, &locked) {
		t.Fatal("expected a LockedError")
	}
	if locked.RetryAfterSeconds() < 1 || locked.RetryAfterSeconds() > 15*60 {
		t.Fatalf("retry_after_seconds = %d, want (0, 900]", locked.RetryAfterSeconds())
	}

	// Step 1 is locked too
	if _, err := env.svc.Begin(ctx, identity.Email, ""); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("Begin while locked err = %v, want ErrAccountLocked", err)
	}
}

func TestLockoutRestoredFromDurableMirror(t *testing.T) {
	env := newLoginEnv(t)
	ctx := context.Background()

	identity, _ := env.seedIdentity(t, "alice@anduril.com", "right password", false)

	lockedUntil := time.Now().UTC().Add(10 * time.Minute)
	identity.FailedAttempts = 5
	identity.LockedUntil = &lockedUntil

	// Redis knows nothing; the row should reimpose the lockout
	if _, err := env.svc.SubmitPassword(ctx, identity.Email, "right password", "", ""); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("err = %v, want ErrAccountLocked", err)
	}

	locked, _, err := env.lockout.LockoutRemaining(identity.Email)
	if err != nil {
		t.Fatal(err)
	}
	if !locked {
		t.Error("lockout should be restored into redis")
	}
}

func TestStaleDurableLockoutIsCleared(t *testing.T) {
	env := newLoginEnv(t)
	ctx := context.Background()

	identity, _ := env.seedIdentity(t, "alice@anduril.com", "right password", false)

	expired := time.Now().UTC().Add(-time.Minute)
	identity.FailedAttempts = 5
	identity.LockedUntil = &expired

	result, err := env.svc.SubmitPassword(ctx, identity.Email, "right password", "", "")
	if err != nil {
		t.Fatalf("login after expired lockout should succeed: %v", err)
	}
	if result.NextStep != StepComplete {
		t.Fatalf("next_step = %q, want complete", result.NextStep)
	}
	if identity.LockedUntil != nil {
		t.Error("stale lockout deadline should be cleared")
	}
}

func TestSuccessfulLoginWithoutSecondFactor(t *testing.T) {
	env := newLoginEnv(t)
	ctx := context.Background()

	identity, _ := env.seedIdentity(t, "alice@anduril.com", "right password", false)

	if _, err := env.svc.Begin(ctx, identity.Email, "1.2.3.4"); err != nil {
		t.Fatal(err)
	}

	result, err := env.svc.SubmitPassword(ctx, identity.Email, "right password", "1.2.3.4", "go-test")
	if err != nil {
		t.Fatal(err)
	}
	if result.NextStep != StepComplete {
		t.Fatalf("next_step = %q, want complete", result.NextStep)
	}
	if result.Completion == nil {
		t.Fatal("completion missing")
	}

	claims, err := env.tokens.Parse(result.Completion.Token)
	if err != nil {
		t.Fatalf("issued token should parse: %v", err)
	}

	session, err := env.sessions.GetSession(claims.ID)
	if err != nil {
		t.Fatalf("session should be registered under the jti: %v", err)
	}
	if session.IdentityID != identity.ID {
		t.Error("session owner mismatch")
	}

	if env.pending.get(identity.Email) != nil {
		t.Error("pending record should be deleted on completion")
	}
	if identity.LastLogin == nil {
		t.Error("last login should be stamped")
	}
	if !result.Completion.Access.Allowed {
		t.Error("approved customer should be allowed")
	}
	if result.Completion.RedirectURL != "customer-portal-mockup.html" {
		t.Errorf("redirect = %q, want customer portal", result.Completion.RedirectURL)
	}
}

func TestSuccessfulLoginClearsFailureCount(t *testing.T) {
	env := newLoginEnv(t)
	ctx := context.Background()

	identity, _ := env.seedIdentity(t, "alice@anduril.com", "right password", false)

	for i := 0; i < 2; i++ {
		_, _ = env.svc.SubmitPassword(ctx, identity.Email, "wrong", "", "")
	}

	if _, err := env.svc.SubmitPassword(ctx, identity.Email, "right password", "", ""); err != nil {
		t.Fatal(err)
	}

	count, err := env.lockout.GetFailures(identity.Email)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("failure count after success = %d, want 0", count)
	}
	if identity.FailedAttempts != 0 {
		t.Errorf("durable failure count = %d, want 0", identity.FailedAttempts)
	}
}

func TestLoginWithSecondFactor(t *testing.T) {
	env := newLoginEnv(t)
	ctx := context.Background()

	identity, secret := env.seedIdentity(t, "alice@anduril.com", "right password", true)

	if _, err := env.svc.Begin(ctx, identity.Email, ""); err != nil {
		t.Fatal(err)
	}

	result, err := env.svc.SubmitPassword(ctx, identity.Email, "right password", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if result.NextStep != StepSecondFactor {
		t.Fatalf("next_step = %q, want 2fa", result.NextStep)
	}
	if result.Completion != nil {
		t.Fatal("no token should be issued before the second factor")
	}

	record := env.pending.get(identity.Email)
	if record == nil || record.Step != model.StepAwaiting2FA {
		t.Fatal("pending record should be at awaiting_2fa")
	}

	code, err := env.totp.Code(secret, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}

	completion, err := env.svc.SubmitSecondFactor(ctx, identity.Email, code, "", "")
	if err != nil {
		t.Fatal(err)
	}

	claims, err := env.tokens.Parse(completion.Token)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.sessions.GetSession(claims.ID); err != nil {
		t.Fatal("session should be registered")
	}
	if env.pending.get(identity.Email) != nil {
		t.Error("pending record should be deleted on completion")
	}
}

func TestSecondFactorWrongCode(t *testing.T) {
	env := newLoginEnv(t)
	ctx := context.Background()

	identity, _ := env.seedIdentity(t, "alice@anduril.com", "right password", true)

	if _, err := env.svc.SubmitPassword(ctx, identity.Email, "right password", "", ""); err != nil {
		t.Fatal(err)
	}

	if _, err := env.svc.SubmitSecondFactor(ctx, identity.Email, "000000", "", ""); !errors.Is(err, ErrInvalidSecondFactor) {
		t.Fatalf("err = %v, want ErrInvalidSecondFactor", err)
	}

	// Second-factor failures never feed the lockout counter
	count, err := env.lockout.GetFailures(identity.Email)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("failure count = %d, want 0", count)
	}

	// The flow is still alive for a retry
	if env.pending.get(identity.Email) == nil {
		t.Error("pending record should survive a wrong code")
	}
}

func TestSecondFactorWithoutPendingFlow(t *testing.T) {
	env := newLoginEnv(t)
	ctx := context.Background()

	env.seedIdentity(t, "alice@anduril.com", "right password", true)

	if _, err := env.svc.SubmitSecondFactor(ctx, "alice@anduril.com", "123456", "", ""); !errors.Is(err, ErrFlowExpired) {
		t.Fatalf("err = %v, want ErrFlowExpired", err)
	}
}

func TestSecondFactorAfterExpiredPending(t *testing.T) {
	env := newLoginEnv(t)
	ctx := context.Background()

	identity, secret := env.seedIdentity(t, "alice@anduril.com", "right password", true)

	if err := env.pending.Upsert(&model.PendingAuth{
		Email:      identity.Email,
		IdentityID: identity.ID,
		Step:       model.StepAwaiting2FA,
		ExpiresAt:  time.Now().UTC().Add(-time.Second),
	}); err != nil {
		t.Fatal(err)
	}

	code, err := env.totp.Code(secret, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := env.svc.SubmitSecondFactor(ctx, identity.Email, code, "", ""); !errors.Is(err, ErrFlowExpired) {
		t.Fatalf("err = %v, want ErrFlowExpired", err)
	}
}

func TestSecondFactorAtPasswordStepIsRejected(t *testing.T) {
	env := newLoginEnv(t)
	ctx := context.Background()

	identity, secret := env.seedIdentity(t, "alice@anduril.com", "right password", true)

	if _, err := env.svc.Begin(ctx, identity.Email, ""); err != nil {
		t.Fatal(err)
	}

	code, err := env.totp.Code(secret, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}

	// Step 2 was skipped; the ledger is still at awaiting_password
	if _, err := env.svc.SubmitSecondFactor(ctx, identity.Email, code, "", ""); !errors.Is(err, ErrFlowExpired) {
		t.Fatalf("err = %v, want ErrFlowExpired", err)
	}
}

func TestCompletionRoutesDeniedLoginToPendingPage(t *testing.T) {
	env := newLoginEnv(t)
	ctx := context.Background()

	identity, _ := env.seedIdentity(t, "alice@anduril.com", "right password", false)
	identity.NDAStatus = model.NDAPending

	result, err := env.svc.SubmitPassword(ctx, identity.Email, "right password", "", "")
	if err != nil {
		t.Fatal(err)
	}

	if result.Completion.Access.Allowed {
		t.Error("pending NDA should deny access")
	}
	if result.Completion.RedirectURL != tenant.PendingApprovalPage {
		t.Errorf("redirect = %q, want %q", result.Completion.RedirectURL, tenant.PendingApprovalPage)
	}
	if result.Completion.Token == "" {
		t.Error("a token is still issued for a denied-but-authenticated login")
	}
}

func TestReenrollmentSecretGatesLoginOnlyAfterActivation(t *testing.T) {
	env := newLoginEnv(t)
	ctx := context.Background()

	identity, oldSecret := env.seedIdentity(t, "alice@anduril.com", "right password", true)

	twoFactor := NewTwoFactorService(env.identities, env.hasher, env.enc, env.totp, env.recorder, zap.NewNop())

	// Re-enroll over the active factor; the replacement is never verified.
	replacement, err := twoFactor.Enroll(ctx, identity.Email, "right password")
	if err != nil {
		t.Fatal(err)
	}

	// With the factor dropped, the flow must not advertise or demand a
	// second step, and the parked secret must not complete one.
	begin, err := env.svc.Begin(ctx, identity.Email, "")
	if err != nil {
		t.Fatal(err)
	}
	if begin.Requires2FA {
		t.Error("unverified replacement secret should not advertise a second factor")
	}

	result, err := env.svc.SubmitPassword(ctx, identity.Email, "right password", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if result.NextStep != StepComplete {
		t.Fatalf("next_step = %q, want complete while the factor is unverified", result.NextStep)
	}

	code, err := env.totp.Code(replacement.Secret, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.SubmitSecondFactor(ctx, identity.Email, code, "", ""); !errors.Is(err, ErrFlowExpired) {
		t.Fatalf("unverified secret err = %v, want ErrFlowExpired", err)
	}

	// Activation proves the replacement; only then does it gate logins,
	// and only the replacement does.
	if err := twoFactor.Activate(ctx, identity.Email, code); err != nil {
		t.Fatal(err)
	}

	result, err = env.svc.SubmitPassword(ctx, identity.Email, "right password", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if result.NextStep != StepSecondFactor {
		t.Fatalf("next_step = %q, want 2fa after activation", result.NextStep)
	}

	oldCode, err := env.totp.Code(oldSecret, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if oldCode != code {
		if _, err := env.svc.SubmitSecondFactor(ctx, identity.Email, oldCode, "", ""); !errors.Is(err, ErrInvalidSecondFactor) {
			t.Fatalf("retired secret err = %v, want ErrInvalidSecondFactor", err)
		}
	}

	code, err = env.totp.Code(replacement.Secret, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.SubmitSecondFactor(ctx, identity.Email, code, "", ""); err != nil {
		t.Fatalf("activated secret should complete the login: %v", err)
	}
}
