package lock

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestDrainLockSingleHolder(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	first := NewDrainLock(client, "lock:build-drain", time.Minute)
	second := NewDrainLock(client, "lock:build-drain", time.Minute)

	acquired, err := first.Acquire(ctx)
	if err != nil || !acquired {
		t.Fatalf("expected first acquire to succeed got acquired=%v err=%v", acquired, err)
	}
	acquired, _ = second.Acquire(ctx)
	if acquired {
		t.Fatalf("expected second acquire to fail while held")
	}

	if err := first.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	acquired, _ = second.Acquire(ctx)
	if !acquired {
		t.Fatalf("expected acquire to succeed after release")
	}
}

func TestDrainLockReleaseRequiresOwnership(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	holder := NewDrainLock(client, "lock:build-drain", time.Minute)
	intruder := NewDrainLock(client, "lock:build-drain", time.Minute)

	if acquired, _ := holder.Acquire(ctx); !acquired {
		t.Fatalf("expected acquire to succeed")
	}

	// A non-holder release must not free the lock.
	if err := intruder.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if acquired, _ := intruder.Acquire(ctx); acquired {
		t.Fatalf("lock was freed by a non-holder")
	}
}

func TestDrainLockExpires(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	first := NewDrainLock(client, "lock:build-drain", time.Second)
	second := NewDrainLock(client, "lock:build-drain", time.Second)

	if acquired, _ := first.Acquire(ctx); !acquired {
		t.Fatalf("expected acquire to succeed")
	}
	mr.FastForward(2 * time.Second)
	if acquired, _ := second.Acquire(ctx); !acquired {
		t.Fatalf("expected acquire to succeed after TTL expiry")
	}
}
