// Package lease provides cluster-wide exclusive ownership of one volume,
// hosted on an external coordination service reachable from every cooperating
// host. Holding a lease is orthogonal to the rm broker, which only serializes
// threads within one host; lease-capable flows take both.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/virtstor/virtstor"
)

// Key identifies one leasable volume.
type Key struct {
	Domain virtstor.UUID
	Volume virtstor.UUID
}

// String renders the lease address "<domain>/<volume>".
func (k Key) String() string {
	return k.Domain.String() + "/" + k.Volume.String()
}

// Lease is one held cross-host exclusive ownership record.
type Lease interface {
	// Key returns the lease's address.
	Key() Key
	// Owner returns the holder token minted at acquisition.
	Owner() virtstor.UUID
	// Confirm reports whether this holder still owns the lease, extending
	// its TTL when it does.
	Confirm(ctx context.Context) (bool, error)
	// Release drops the lease. Releasing a lease another host has since
	// taken over is a no-op.
	Release(ctx context.Context) error
}

// Manager acquires leases.
type Manager interface {
	// Acquire takes cluster-wide exclusive ownership of key for at least
	// ttl. A lease held by another owner fails with HeldError.
	Acquire(ctx context.Context, key Key, ttl time.Duration) (Lease, error)
}

// HeldError reports a lease owned by someone else.
type HeldError struct {
	Key   Key
	Owner virtstor.UUID
}

func (e HeldError) Error() string {
	return fmt.Sprintf("lease %s is held by %s", e.Key, e.Owner)
}

// GuardLock adapts one lease acquisition to a guard scope participant.
type GuardLock struct {
	Manager  Manager
	LeaseKey Key
	TTL      time.Duration

	// MaxWait bounds jittered re-attempts while another host holds the
	// lease. Zero makes a held lease fail immediately.
	MaxWait time.Duration

	lease Lease
}

// NewGuardLock returns a scope participant over the keyed lease.
func NewGuardLock(m Manager, key Key, ttl time.Duration) *GuardLock {
	return &GuardLock{Manager: m, LeaseKey: key, TTL: ttl}
}

// Key orders lease locks after broker locks of the same scope by prefixing
// the lease address space.
func (l *GuardLock) Key() string {
	return "lease:" + l.LeaseKey.String()
}

// Acquire takes the lease. While another host holds it and MaxWait allows,
// acquisition is re-attempted with sleep jitter so colliding hosts interleave
// instead of hammering the service in lockstep.
func (l *GuardLock) Acquire(ctx context.Context) error {
	start := time.Now()
	for {
		ls, err := l.Manager.Acquire(ctx, l.LeaseKey, l.TTL)
		if err == nil {
			l.lease = ls
			return nil
		}
		var held HeldError
		if !errors.As(err, &held) || l.MaxWait <= 0 {
			return err
		}
		if terr := virtstor.TimedOut(ctx, "lease "+l.LeaseKey.String(), start, l.MaxWait); terr != nil {
			return fmt.Errorf("%v: %w", terr, err)
		}
		virtstor.RandomSleep(ctx)
	}
}

func (l *GuardLock) Release() error {
	if l.lease == nil {
		return nil
	}
	ls := l.lease
	l.lease = nil
	return ls.Release(context.Background())
}
