package rate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, cfg Config) (*miniredis.Miniredis, *Limiter) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, New(rdb, cfg)
}

func TestAllowActionFixedWindow(t *testing.T) {
	mr, l := newTestLimiter(t, Config{MaxActionsPerWindow: 2, ActionWindow: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.AllowAction(ctx, "init", "10.0.0.1"); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if err := l.AllowAction(ctx, "init", "10.0.0.1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if err := l.AllowAction(ctx, "auth", "10.0.0.1"); err != nil {
		t.Fatalf("other action must have its own budget: %v", err)
	}
	if err := l.AllowAction(ctx, "init", "10.0.0.2"); err != nil {
		t.Fatalf("other ip must have its own budget: %v", err)
	}

	mr.FastForward(time.Minute + time.Second)
	if err := l.AllowAction(ctx, "init", "10.0.0.1"); err != nil {
		t.Fatalf("window should have reset: %v", err)
	}
	if n, _ := l.ActionCount(ctx, "init", "10.0.0.1"); n != 1 {
		t.Fatalf("count = %d", n)
	}
}

func TestZeroBudgetDisablesLimiter(t *testing.T) {
	_, l := newTestLimiter(t, Config{})
	for i := 0; i < 10; i++ {
		if err := l.AllowAction(context.Background(), "init", "10.0.0.1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := l.AllowNotification(context.Background(), "10.0.0.1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

func TestAllowNotification(t *testing.T) {
	_, l := newTestLimiter(t, Config{MaxNotifications: 1, NotificationWindow: time.Minute})
	ctx := context.Background()
	if err := l.AllowNotification(ctx, "10.0.0.1"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := l.AllowNotification(ctx, "10.0.0.1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}
