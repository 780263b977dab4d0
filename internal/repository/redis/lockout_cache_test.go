package redis

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"portal-auth/internal/client"
	"portal-auth/internal/config"
)

func newTestClient(t *testing.T) (*client.RedisClient, *miniredis.Miniredis) {
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

func TestIncrementFailures(t *testing.T) {
	rc, _ := newTestClient(t)
	cache := NewLockoutCache(rc)

	for want := 1; want <= 3; want++ {
		count, err := cache.IncrementFailures("alice@anduril.com", time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if count != want {
			t.Fatalf("count = %d, want %d", count, want)
		}
	}

	count, err := cache.GetFailures("alice@anduril.com")
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Fatalf("GetFailures = %d, want 3", count)
	}
}

func TestGetFailuresUnknownEmailIsZero(t *testing.T) {
	rc, _ := newTestClient(t)
	cache := NewLockoutCache(rc)

	count, err := cache.GetFailures("nobody@anduril.com")
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("count = %d, want 0", count)
	}
}

func TestFailureCounterExpires(t *testing.T) {
	rc, mr := newTestClient(t)
	cache := NewLockoutCache(rc)

	if _, err := cache.IncrementFailures("alice@anduril.com", time.Minute); err != nil {
		t.Fatal(err)
	}

	mr.FastForward(2 * time.Minute)

	count, err := cache.GetFailures("alice@anduril.com")
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("count after window = %d, want 0", count)
	}
}

func TestFailureWindowAnchoredToFirstMiss(t *testing.T) {
	rc, mr := newTestClient(t)
	cache := NewLockoutCache(rc)

	if _, err := cache.IncrementFailures("alice@anduril.com", time.Minute); err != nil {
		t.Fatal(err)
	}

	// Later failures must not push the deadline out.
	mr.FastForward(40 * time.Second)
	if _, err := cache.IncrementFailures("alice@anduril.com", time.Minute); err != nil {
		t.Fatal(err)
	}

	mr.FastForward(30 * time.Second)

	count, err := cache.GetFailures("alice@anduril.com")
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("count = %d after the first-miss window, want 0", count)
	}
}

func TestSetLockoutAndRemaining(t *testing.T) {
	rc, mr := newTestClient(t)
	cache := NewLockoutCache(rc)

	if err := cache.SetLockout("alice@anduril.com", 15*time.Minute); err != nil {
		t.Fatal(err)
	}

	locked, remaining, err := cache.LockoutRemaining("alice@anduril.com")
	if err != nil {
		t.Fatal(err)
	}
	if !locked {
		t.Fatal("expected locked")
	}
	if remaining <= 0 || remaining > 15*time.Minute {
		t.Fatalf("remaining = %v, want (0, 15m]", remaining)
	}

	mr.FastForward(16 * time.Minute)

	locked, remaining, err = cache.LockoutRemaining("alice@anduril.com")
	if err != nil {
		t.Fatal(err)
	}
	if locked || remaining != 0 {
		t.Fatalf("locked = %v remaining = %v after expiry, want unlocked", locked, remaining)
	}
}

func TestClearFailuresRemovesCounterAndLockout(t *testing.T) {
	rc, _ := newTestClient(t)
	cache := NewLockoutCache(rc)

	if _, err := cache.IncrementFailures("alice@anduril.com", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := cache.SetLockout("alice@anduril.com", time.Minute); err != nil {
		t.Fatal(err)
	}

	if err := cache.ClearFailures("alice@anduril.com"); err != nil {
		t.Fatal(err)
	}

	count, err := cache.GetFailures("alice@anduril.com")
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("count = %d, want 0", count)
	}

	locked, _, err := cache.LockoutRemaining("alice@anduril.com")
	if err != nil {
		t.Fatal(err)
	}
	if locked {
		t.Fatal("lockout should be cleared")
	}
}

func TestIncrementResetRequests(t *testing.T) {
	rc, mr := newTestClient(t)
	cache := NewLockoutCache(rc)

	for want := 1; want <= 4; want++ {
		count, err := cache.IncrementResetRequests("alice@anduril.com", time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		if count != want {
			t.Fatalf("count = %d, want %d", count, want)
		}
	}

	mr.FastForward(2 * time.Hour)

	count, err := cache.IncrementResetRequests("alice@anduril.com", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("count after window = %d, want 1", count)
	}
}
