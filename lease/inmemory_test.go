package lease

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/virtstor/virtstor"
)

func testKey() Key {
	return Key{Domain: virtstor.NewUUID(), Volume: virtstor.NewUUID()}
}

func TestAcquireConfirmRelease(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	key := testKey()

	l, err := m.Acquire(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if l.Key() != key {
		t.Fatalf("lease key %v", l.Key())
	}
	held, err := l.Confirm(ctx)
	if err != nil || !held {
		t.Fatalf("confirm = %v, %v", held, err)
	}
	if owner, ok := m.Holder(key); !ok || owner != l.Owner() {
		t.Fatalf("holder %v/%v", owner, ok)
	}
	if err := l.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok := m.Holder(key); ok {
		t.Fatalf("lease survived release")
	}
	if held, _ := l.Confirm(ctx); held {
		t.Fatalf("confirm after release")
	}
}

func TestAcquireHeldElsewhere(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	key := testKey()

	first, err := m.Acquire(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	_, err = m.Acquire(ctx, key, time.Minute)
	var held HeldError
	if !errors.As(err, &held) {
		t.Fatalf("expected HeldError, got %v", err)
	}
	if held.Owner != first.Owner() {
		t.Fatalf("held by %v, want %v", held.Owner, first.Owner())
	}
}

func TestExpiredLeaseIsReacquirable(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	key := testKey()

	stale, err := m.Acquire(ctx, key, time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	fresh, err := m.Acquire(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("re-acquire after expiry: %v", err)
	}
	// The stale holder must not be able to release the new owner's lease.
	if err := stale.Release(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if owner, ok := m.Holder(key); !ok || owner != fresh.Owner() {
		t.Fatalf("fresh lease lost to stale release: %v/%v", owner, ok)
	}
	if held, _ := stale.Confirm(ctx); held {
		t.Fatalf("stale holder confirmed")
	}
}

func TestGuardLockAdapter(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	key := testKey()

	gl := NewGuardLock(m, key, time.Minute)
	if err := gl.Acquire(ctx); err != nil {
		t.Fatalf("guard acquire: %v", err)
	}
	if _, ok := m.Holder(key); !ok {
		t.Fatalf("lease not taken")
	}
	// Second scope over the same volume is fenced out.
	other := NewGuardLock(m, key, time.Minute)
	if err := other.Acquire(ctx); err == nil {
		t.Fatalf("double lease acquisition succeeded")
	}
	if err := gl.Release(); err != nil {
		t.Fatalf("guard release: %v", err)
	}
	if _, ok := m.Holder(key); ok {
		t.Fatalf("lease survived guard release")
	}
	// Release with nothing held is a no-op.
	if err := gl.Release(); err != nil {
		t.Fatalf("idempotent release: %v", err)
	}
}

func TestGuardLockWaitsOutExpiringHolder(t *testing.T) {
	virtstor.SetJitterRNG(rand.New(rand.NewSource(42)))
	m := NewInMemory()
	ctx := context.Background()
	key := testKey()

	holder, err := m.Acquire(ctx, key, 40*time.Millisecond)
	if err != nil {
		t.Fatalf("holder acquire: %v", err)
	}

	gl := NewGuardLock(m, key, time.Minute)
	gl.MaxWait = 2 * time.Second
	if err := gl.Acquire(ctx); err != nil {
		t.Fatalf("guard acquire after holder expiry: %v", err)
	}
	if owner, ok := m.Holder(key); !ok || owner == holder.Owner() {
		t.Fatalf("expired holder still owns the lease: %v/%v", owner, ok)
	}
	if err := gl.Release(); err != nil {
		t.Fatalf("guard release: %v", err)
	}
}

func TestGuardLockWaitBudgetExhausted(t *testing.T) {
	virtstor.SetJitterRNG(rand.New(rand.NewSource(42)))
	m := NewInMemory()
	ctx := context.Background()
	key := testKey()

	if _, err := m.Acquire(ctx, key, time.Minute); err != nil {
		t.Fatalf("holder acquire: %v", err)
	}

	gl := NewGuardLock(m, key, time.Minute)
	gl.MaxWait = 50 * time.Millisecond
	start := time.Now()
	err := gl.Acquire(ctx)
	var held HeldError
	if !errors.As(err, &held) {
		t.Fatalf("expected held-lease error after wait budget, got %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatalf("gave up before the wait budget elapsed")
	}
}
