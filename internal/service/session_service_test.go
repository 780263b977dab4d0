package service

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"portal-auth/internal/audit"
	"portal-auth/internal/model"
	"portal-auth/internal/repository/redis"
)

func seedSession(store *fakeSessionStore, jti string, identityID uuid.UUID, expiresIn time.Duration) *model.Session {
	now := time.Now().UTC()
	session := &model.Session{
		TokenID:    jti,
		IdentityID: identityID,
		Email:      "alice@anduril.com",
		IssuedAt:   now,
		ExpiresAt:  now.Add(expiresIn),
	}
	_ = store.CreateSession(session)
	return session
}

func TestValidateUnknownSession(t *testing.T) {
	store := newFakeSessionStore()
	svc := NewSessionService(store, nil, nil, zap.NewNop())

	if _, err := svc.Validate("no-such-jti"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestValidateRevokedSession(t *testing.T) {
	store := newFakeSessionStore()
	svc := NewSessionService(store, nil, nil, zap.NewNop())

	session := seedSession(store, "jti-1", uuid.New(), time.Hour)
	session.Revoked = true

	if _, err := svc.Validate("jti-1"); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("err = %v, want ErrSessionRevoked", err)
	}
}

func TestValidateExpiredSession(t *testing.T) {
	store := newFakeSessionStore()
	svc := NewSessionService(store, nil, nil, zap.NewNop())

	seedSession(store, "jti-1", uuid.New(), -time.Minute)

	if _, err := svc.Validate("jti-1"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestValidateGoodSession(t *testing.T) {
	store := newFakeSessionStore()
	svc := NewSessionService(store, nil, nil, zap.NewNop())

	want := seedSession(store, "jti-1", uuid.New(), time.Hour)

	session, err := svc.Validate("jti-1")
	if err != nil {
		t.Fatal(err)
	}
	if session.TokenID != want.TokenID {
		t.Errorf("jti = %q, want %q", session.TokenID, want.TokenID)
	}
}

func TestValidatePrimesAndDropsCache(t *testing.T) {
	store := newFakeSessionStore()
	rc, _ := newTestRedisClient(t)
	cache := redis.NewSessionCache(rc)
	svc := NewSessionService(store, cache, nil, zap.NewNop())

	session := seedSession(store, "jti-1", uuid.New(), time.Hour)

	if _, err := svc.Validate("jti-1"); err != nil {
		t.Fatal(err)
	}
	cached, err := cache.IsValid("jti-1")
	if err != nil {
		t.Fatal(err)
	}
	if !cached {
		t.Fatal("validate should prime the cache")
	}

	// Revoke behind the cache's back; validation must still reject
	session.Revoked = true

	if _, err := svc.Validate("jti-1"); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("err = %v, want ErrSessionRevoked", err)
	}

	cached, err = cache.IsValid("jti-1")
	if err != nil {
		t.Fatal(err)
	}
	if cached {
		t.Error("stale cache entry should be dropped")
	}
}

func TestRevokeSingleSession(t *testing.T) {
	store := newFakeSessionStore()
	rc, _ := newTestRedisClient(t)
	cache := redis.NewSessionCache(rc)
	svc := NewSessionService(store, cache, nil, zap.NewNop())

	identityID := uuid.New()
	seedSession(store, "jti-1", identityID, time.Hour)
	seedSession(store, "jti-2", identityID, time.Hour)

	if _, err := svc.Validate("jti-1"); err != nil {
		t.Fatal(err)
	}

	if err := svc.Revoke("jti-1"); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Validate("jti-1"); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("revoked err = %v, want ErrSessionRevoked", err)
	}
	// The sibling session is untouched
	if _, err := svc.Validate("jti-2"); err != nil {
		t.Fatalf("sibling session should stay valid: %v", err)
	}
}

func TestRevokeAllSessions(t *testing.T) {
	store := newFakeSessionStore()
	svc := NewSessionService(store, nil, nil, zap.NewNop())

	identityID := uuid.New()
	otherID := uuid.New()
	seedSession(store, "jti-1", identityID, time.Hour)
	seedSession(store, "jti-2", identityID, time.Hour)
	seedSession(store, "jti-other", otherID, time.Hour)

	count, err := svc.RevokeAll(identityID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("revoked = %d, want 2", count)
	}

	for _, jti := range []string{"jti-1", "jti-2"} {
		if _, err := svc.Validate(jti); !errors.Is(err, ErrSessionRevoked) {
			t.Errorf("jti %q err = %v, want ErrSessionRevoked", jti, err)
		}
	}
	if _, err := svc.Validate("jti-other"); err != nil {
		t.Errorf("other identity's session should stay valid: %v", err)
	}
}

func TestRecordLogout(t *testing.T) {
	store := newFakeSessionStore()
	recorder := &fakeRecorder{}
	svc := NewSessionService(store, nil, recorder, zap.NewNop())

	session := seedSession(store, "jti-1", uuid.New(), time.Hour)
	svc.RecordLogout(session)

	events := recorder.byType(audit.EventLogout)
	if len(events) != 1 {
		t.Fatalf("logout events = %d, want 1", len(events))
	}
	if events[0].Email != session.Email {
		t.Errorf("event email = %q, want %q", events[0].Email, session.Email)
	}
}
