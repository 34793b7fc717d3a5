package lock

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestMemoryLocker(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	release, err := l.Acquire(ctx, KeyForJob("j1"), time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := l.Acquire(ctx, KeyForJob("j1"), time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if _, err := l.Acquire(ctx, KeyForJob("j2"), time.Minute); err != nil {
		t.Fatalf("other keys must be independent: %v", err)
	}
	release()
	release()
	if _, err := l.Acquire(ctx, KeyForJob("j1"), time.Minute); err != nil {
		t.Fatalf("expected lock to be free after release: %v", err)
	}
}

func TestMemoryLockerExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	l := NewMemoryLocker()
	l.now = func() time.Time { return now }
	stale, _ := l.Acquire(ctx, "k", time.Minute)
	now = now.Add(2 * time.Minute)
	fresh, err := l.Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("expected expired lease to be taken over: %v", err)
	}
	// The stale holder must not release the new lease.
	stale()
	if _, err := l.Acquire(ctx, "k", time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected new lease to survive stale release, got %v", err)
	}
	fresh()
}

func TestRedisReleaseFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	calls := 0
	l := &RedisLocker{
		log: zerolog.New(&buf),
		unlock: func(_ context.Context, key, token string) error {
			calls++
			if key != KeyForJob("job-1") || token != "tok" {
				t.Fatalf("unexpected release args %s %s", key, token)
			}
			return errors.New("connection reset")
		},
	}
	release := l.release(KeyForJob("job-1"), "tok")
	release()
	release()
	if calls != 1 {
		t.Fatalf("expected a single release attempt, got %d", calls)
	}
	out := buf.String()
	if !strings.Contains(out, "lock release failed") || !strings.Contains(out, "connection reset") {
		t.Fatalf("expected release failure logged, got %q", out)
	}
}

func TestRedisReleaseSuccessIsQuiet(t *testing.T) {
	var buf bytes.Buffer
	l := &RedisLocker{
		log:    zerolog.New(&buf),
		unlock: func(context.Context, string, string) error { return nil },
	}
	l.release("k", "t")()
	if buf.Len() != 0 {
		t.Fatalf("expected no log output, got %q", buf.String())
	}
}
