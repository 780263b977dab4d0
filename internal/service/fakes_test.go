package service

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"portal-auth/internal/audit"
	"portal-auth/internal/client"
	"portal-auth/internal/config"
	"portal-auth/internal/model"
)

// fakeIdentityStore is an in-memory IdentityStore keyed by email.
type fakeIdentityStore struct {
	mu         sync.Mutex
	identities map[string]*model.Identity
}

func newFakeIdentityStore() *fakeIdentityStore {
	return &fakeIdentityStore{identities: make(map[string]*model.Identity)}
}

func (f *fakeIdentityStore) add(identity *model.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identities[identity.Email] = identity
}

func (f *fakeIdentityStore) CreateIdentity(identity *model.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.identities[identity.Email]; ok {
		return errors.New("identity already exists")
	}
	f.identities[identity.Email] = identity
	return nil
}

func (f *fakeIdentityStore) GetIdentityByEmail(email string) (*model.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	identity, ok := f.identities[email]
	if !ok {
		return nil, errors.New("identity not found")
	}
	return identity, nil
}

func (f *fakeIdentityStore) GetIdentityByID(identityID uuid.UUID) (*model.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, identity := range f.identities {
		if identity.ID == identityID {
			return identity, nil
		}
	}
	return nil, errors.New("identity not found")
}

func (f *fakeIdentityStore) UpdatePasswordHash(email, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	identity, ok := f.identities[email]
	if !ok {
		return errors.New("identity not found")
	}
	identity.PasswordHash = passwordHash
	return nil
}

func (f *fakeIdentityStore) UpdateLockout(email string, failedAttempts int, lockedUntil *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	identity, ok := f.identities[email]
	if !ok {
		return errors.New("identity not found")
	}
	identity.FailedAttempts = failedAttempts
	identity.LockedUntil = lockedUntil
	return nil
}

func (f *fakeIdentityStore) UpdateLastLogin(email string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	identity, ok := f.identities[email]
	if !ok {
		return errors.New("identity not found")
	}
	identity.LastLogin = &at
	return nil
}

func (f *fakeIdentityStore) UpdateTOTP(email, secret string, pending, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	identity, ok := f.identities[email]
	if !ok {
		return errors.New("identity not found")
	}
	identity.TOTPSecret = secret
	identity.TOTPPending = pending
	identity.TOTPEnabled = enabled
	return nil
}

func (f *fakeIdentityStore) UpdateNDA(email string, status model.NDAStatus, approvedBy string, signedAt, expiresAt *time.Time, notes string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	identity, ok := f.identities[email]
	if !ok {
		return errors.New("identity not found")
	}
	identity.NDAStatus = status
	identity.NDAApprovedBy = approvedBy
	identity.NDASignedAt = signedAt
	identity.NDAExpiresAt = expiresAt
	identity.NDANotes = notes
	return nil
}

func (f *fakeIdentityStore) SetActive(email string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	identity, ok := f.identities[email]
	if !ok {
		return errors.New("identity not found")
	}
	identity.Active = active
	return nil
}

// fakePendingStore is a single-slot ledger with lazy expiry on read.
type fakePendingStore struct {
	mu      sync.Mutex
	records map[string]*model.PendingAuth
	upserts int
}

func newFakePendingStore() *fakePendingStore {
	return &fakePendingStore{records: make(map[string]*model.PendingAuth)}
}

func (f *fakePendingStore) Upsert(pending *model.PendingAuth) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	f.records[pending.Email] = pending
	return nil
}

func (f *fakePendingStore) Get(email string) (*model.PendingAuth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[email]
	if !ok {
		return nil, errors.New("pending auth not found")
	}
	if record.Expired(time.Now().UTC()) {
		delete(f.records, email)
		return nil, errors.New("pending auth not found")
	}
	return record, nil
}

func (f *fakePendingStore) Delete(email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, email)
	return nil
}

func (f *fakePendingStore) Sweep() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	count := 0
	for email, record := range f.records {
		if record.Expired(now) {
			delete(f.records, email)
			count++
		}
	}
	return count, nil
}

func (f *fakePendingStore) get(email string) *model.PendingAuth {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[email]
}

// fakeSessionStore is an in-memory SessionStore keyed by jti.
type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]*model.Session)}
}

func (f *fakeSessionStore) CreateSession(session *model.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[session.TokenID] = session
	return nil
}

func (f *fakeSessionStore) GetSession(tokenID string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[tokenID]
	if !ok {
		return nil, errors.New("session not found")
	}
	return session, nil
}

func (f *fakeSessionStore) RevokeSession(tokenID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[tokenID]
	if !ok {
		return errors.New("session not found")
	}
	now := time.Now().UTC()
	session.Revoked = true
	session.RevokedAt = &now
	return nil
}

func (f *fakeSessionStore) GetSessionTokenIDs(identityID uuid.UUID) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var jtis []string
	for jti, session := range f.sessions {
		if session.IdentityID == identityID {
			jtis = append(jtis, jti)
		}
	}
	return jtis, nil
}

func (f *fakeSessionStore) RevokeAllSessions(identityID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	count := 0
	for _, session := range f.sessions {
		if session.IdentityID == identityID && !session.Revoked {
			session.Revoked = true
			session.RevokedAt = &now
			count++
		}
	}
	return count, nil
}

// fakeResetStore is an in-memory ResetTokenStore keyed by token hash.
type fakeResetStore struct {
	mu      sync.Mutex
	records map[string]*model.ResetToken
	creates int
}

func newFakeResetStore() *fakeResetStore {
	return &fakeResetStore{records: make(map[string]*model.ResetToken)}
}

func (f *fakeResetStore) CreateResetToken(token *model.ResetToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	for hash, record := range f.records {
		if record.Email == token.Email {
			delete(f.records, hash)
		}
	}
	f.records[token.TokenHash] = token
	return nil
}

func (f *fakeResetStore) GetByTokenHash(tokenHash string) (*model.ResetToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[tokenHash]
	if !ok {
		return nil, errors.New("reset token not found")
	}
	return record, nil
}

func (f *fakeResetStore) GetByEmail(email string) (*model.ResetToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, record := range f.records {
		if record.Email == email {
			return record, nil
		}
	}
	return nil, errors.New("reset token not found")
}

func (f *fakeResetStore) Consume(tokenHash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[tokenHash]
	if !ok || record.Used {
		return false, nil
	}
	record.Used = true
	return true, nil
}

func (f *fakeResetStore) DeleteByEmail(email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for hash, record := range f.records {
		if record.Email == email {
			delete(f.records, hash)
		}
	}
	return nil
}

// fakeRecorder collects audit events synchronously.
type fakeRecorder struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (f *fakeRecorder) Record(event *audit.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeRecorder) byType(eventType string) []*audit.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*audit.Event
	for _, event := range f.events {
		if event.EventType == eventType {
			out = append(out, event)
		}
	}
	return out
}

func newTestConfig() *config.Config {
	return &config.Config{
		Environment: "development",
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  8 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			Peppers:           []string{"test-pepper"},
		},
		Auth: config.AuthConfig{
			MaxLoginAttempts:   5,
			LockoutDuration:    15 * time.Minute,
			PendingAuthTTL:     5 * time.Minute,
			ResetTokenTTL:      15 * time.Minute,
			ResetRequestsPerHr: 3,
		},
		Token: config.TokenConfig{
			SigningKey: "test-signing-key",
			TTL:        30 * time.Minute,
			Issuer:     "lvs-portal-auth",
			Leeway:     30 * time.Second,
		},
		TOTP: config.TOTPConfig{
			Issuer: "Lola Vision Systems",
			Digits: 6,
			Period: 30,
			Skew:   1,
		},
		Mail: config.MailConfig{
			Enabled:   false,
			PortalURL: "https://portal.example.com",
		},
	}
}

func newTestRedisClient(t *testing.T) (*client.RedisClient, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	cfg := &config.Config{
		Redis: config.RedisConfig{
			URL:      "redis://" + mr.Addr(),
			PoolSize: 10,
		},
	}

	rc, err := client.NewRedisClient(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to connect to test redis: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })

	return rc, mr
}
