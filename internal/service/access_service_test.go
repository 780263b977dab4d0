package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"portal-auth/internal/model"
	"portal-auth/internal/tenant"
)

func newAccessEnv() (*AccessService, *fakeIdentityStore, *fakeRecorder) {
	identities := newFakeIdentityStore()
	recorder := &fakeRecorder{}
	svc := NewAccessService(identities, tenant.NewDirectory(), nil, recorder, zap.NewNop())
	return svc, identities, recorder
}

func gatedIdentity(email string, portalType model.PortalType, status model.NDAStatus) *model.Identity {
	return &model.Identity{
		ID:         uuid.New(),
		Email:      email,
		Name:       "Test User",
		PortalType: portalType,
		Active:     true,
		NDAStatus:  status,
	}
}

func TestEvaluateExemptPortalTypes(t *testing.T) {
	svc, _, _ := newAccessEnv()

	for _, portalType := range []model.PortalType{model.PortalFounder, model.PortalInvestor} {
		// Even a bogus persisted status cannot gate an exempt class
		identity := gatedIdentity("x@example.com", portalType, model.NDAPending)

		decision := svc.Evaluate(identity)
		if !decision.Allowed {
			t.Errorf("%s should always be allowed", portalType)
		}
		if decision.Status != model.NDANotRequired {
			t.Errorf("%s status = %q, want not_required", portalType, decision.Status)
		}
	}
}

func TestEvaluateGatedStatuses(t *testing.T) {
	svc, _, _ := newAccessEnv()
	future := time.Now().UTC().Add(24 * time.Hour)

	tests := []struct {
		name    string
		status  model.NDAStatus
		expires *time.Time
		allowed bool
		want    model.NDAStatus
	}{
		{"pending", model.NDAPending, nil, false, model.NDAPending},
		{"approved", model.NDAApproved, &future, true, model.NDAApproved},
		{"approved no expiry", model.NDAApproved, nil, true, model.NDAApproved},
		{"revoked", model.NDARevoked, nil, false, model.NDARevoked},
		{"expired", model.NDAExpired, nil, false, model.NDAExpired},
		{"unset", model.NDAStatus(""), nil, false, model.NDAPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			identity := gatedIdentity("x@anduril.com", model.PortalCustomer, tt.status)
			identity.NDAExpiresAt = tt.expires

			decision := svc.Evaluate(identity)
			if decision.Allowed != tt.allowed {
				t.Errorf("allowed = %v, want %v", decision.Allowed, tt.allowed)
			}
			if decision.Status != tt.want {
				t.Errorf("status = %q, want %q", decision.Status, tt.want)
			}
		})
	}
}

func TestEvaluatePersistsLazyExpiry(t *testing.T) {
	svc, identities, _ := newAccessEnv()

	past := time.Now().UTC().Add(-time.Hour)
	identity := gatedIdentity("x@anduril.com", model.PortalCustomer, model.NDAApproved)
	identity.NDAExpiresAt = &past
	identities.add(identity)

	decision := svc.Evaluate(identity)
	if decision.Allowed {
		t.Fatal("lapsed approval should deny")
	}
	if decision.Status != model.NDAExpired {
		t.Fatalf("status = %q, want expired", decision.Status)
	}

	// The transition is written back, not just computed
	stored, err := identities.GetIdentityByEmail(identity.Email)
	if err != nil {
		t.Fatal(err)
	}
	if stored.NDAStatus != model.NDAExpired {
		t.Errorf("persisted status = %q, want expired", stored.NDAStatus)
	}
}

func TestApprove(t *testing.T) {
	svc, identities, _ := newAccessEnv()
	ctx := context.Background()

	identity := gatedIdentity("x@anduril.com", model.PortalCustomer, model.NDAPending)
	identities.add(identity)

	updated, err := svc.Approve(ctx, identity.Email, "founder@lolavisionsystems.com", 0)
	if err != nil {
		t.Fatal(err)
	}

	if updated.NDAStatus != model.NDAApproved {
		t.Fatalf("status = %q, want approved", updated.NDAStatus)
	}
	if updated.NDAApprovedBy != "founder@lolavisionsystems.com" {
		t.Errorf("approved_by = %q", updated.NDAApprovedBy)
	}
	if updated.NDAExpiresAt == nil || updated.NDASignedAt == nil {
		t.Fatal("signed and expiry timestamps should be set")
	}

	// Zero days falls back to one year
	wantExpiry := time.Now().UTC().AddDate(0, 0, 365)
	if diff := updated.NDAExpiresAt.Sub(wantExpiry); diff < -time.Minute || diff > time.Minute {
		t.Errorf("expiry = %v, want about %v", updated.NDAExpiresAt, wantExpiry)
	}

	if decision := svc.Evaluate(updated); !decision.Allowed {
		t.Error("approved identity should pass the gate")
	}
}

func TestApproveUnknownIdentity(t *testing.T) {
	svc, _, _ := newAccessEnv()

	if _, err := svc.Approve(context.Background(), "nobody@anduril.com", "founder@lolavisionsystems.com", 30); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestApproveExemptIdentityConflicts(t *testing.T) {
	svc, identities, _ := newAccessEnv()

	identity := gatedIdentity("x@sequoia.com", model.PortalInvestor, model.NDANotRequired)
	identities.add(identity)

	if _, err := svc.Approve(context.Background(), identity.Email, "founder@lolavisionsystems.com", 30); !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestRevoke(t *testing.T) {
	svc, identities, _ := newAccessEnv()
	ctx := context.Background()

	identity := gatedIdentity("x@anduril.com", model.PortalCustomer, model.NDAApproved)
	future := time.Now().UTC().Add(24 * time.Hour)
	identity.NDAExpiresAt = &future
	identities.add(identity)

	updated, err := svc.Revoke(ctx, identity.Email, "founder@lolavisionsystems.com")
	if err != nil {
		t.Fatal(err)
	}
	if updated.NDAStatus != model.NDARevoked {
		t.Fatalf("status = %q, want revoked", updated.NDAStatus)
	}
	if decision := svc.Evaluate(updated); decision.Allowed {
		t.Error("revoked identity should be denied")
	}
}

func TestExtendFromFutureDeadline(t *testing.T) {
	svc, identities, _ := newAccessEnv()
	ctx := context.Background()

	deadline := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second)
	identity := gatedIdentity("x@anduril.com", model.PortalCustomer, model.NDAApproved)
	identity.NDAExpiresAt = &deadline
	identities.add(identity)

	updated, err := svc.Extend(ctx, identity.Email, "founder@lolavisionsystems.com", 60)
	if err != nil {
		t.Fatal(err)
	}

	want := deadline.AddDate(0, 0, 60)
	if !updated.NDAExpiresAt.Equal(want) {
		t.Errorf("expiry = %v, want %v (extended from the old deadline)", updated.NDAExpiresAt, want)
	}
}

func TestExtendAfterLapseReapproves(t *testing.T) {
	svc, identities, _ := newAccessEnv()
	ctx := context.Background()

	past := time.Now().UTC().Add(-24 * time.Hour)
	identity := gatedIdentity("x@anduril.com", model.PortalCustomer, model.NDAExpired)
	identity.NDAExpiresAt = &past
	identities.add(identity)

	updated, err := svc.Extend(ctx, identity.Email, "founder@lolavisionsystems.com", 30)
	if err != nil {
		t.Fatal(err)
	}

	if updated.NDAStatus != model.NDAApproved {
		t.Fatalf("status = %q, want approved", updated.NDAStatus)
	}
	// A lapsed deadline extends from now, not from the past
	if !updated.NDAExpiresAt.After(time.Now().UTC().AddDate(0, 0, 29)) {
		t.Errorf("expiry = %v, want about 30 days out", updated.NDAExpiresAt)
	}
	if decision := svc.Evaluate(updated); !decision.Allowed {
		t.Error("re-approved identity should pass the gate")
	}
}
