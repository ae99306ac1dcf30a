// Package guard builds all-or-nothing acquisition scopes over heterogeneous
// locks: broker grants and cross-host leases both adapt to its Lock interface.
// Locks are sorted by key into one global order before acquisition, ruling
// out partial-acquisition deadlock between scopes over the same locks.
package guard

import (
	"context"
	"fmt"
	log "log/slog"
	"sort"
	"sync"
	"time"

	"github.com/virtstor/virtstor/rm"
)

// Lock is one participant in a scope.
type Lock interface {
	// Key is the global ordering key. Scopes acquire in ascending key order.
	Key() string
	// Acquire takes the lock, blocking until held or ctx is done.
	Acquire(ctx context.Context) error
	// Release drops the lock.
	Release() error
}

// Scope acquires all locks in ascending key order. On any failure the locks
// already taken are rolled back in reverse and the error is returned. On
// success the returned release function is unconditional: it runs every
// Release in reverse order, logging (never masking) individual failures, and
// is safe to call more than once.
func Scope(ctx context.Context, locks ...Lock) (func(), error) {
	ordered := make([]Lock, len(locks))
	copy(ordered, locks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Key() < ordered[j].Key() })

	for i, l := range ordered {
		if err := l.Acquire(ctx); err != nil {
			releaseAll(ordered[:i])
			return nil, fmt.Errorf("acquiring %s: %w", l.Key(), err)
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() { releaseAll(ordered) })
	}
	return release, nil
}

func releaseAll(held []Lock) {
	for i := len(held) - 1; i >= 0; i-- {
		if err := held[i].Release(); err != nil {
			log.Warn("scope release failed for lock", "key", held[i].Key(), "error", err.Error())
		}
	}
}

// BrokerLock adapts one rm acquisition to a scope participant.
type BrokerLock struct {
	Manager   *rm.Manager
	Namespace string
	Name      string
	Mode      rm.Mode
	Timeout   time.Duration

	grant *rm.Grant
}

// NewBrokerLock returns a scope participant over the named broker resource.
func NewBrokerLock(m *rm.Manager, namespace, name string, mode rm.Mode, timeout time.Duration) *BrokerLock {
	return &BrokerLock{Manager: m, Namespace: namespace, Name: name, Mode: mode, Timeout: timeout}
}

func (l *BrokerLock) Key() string {
	return l.Namespace + "." + l.Name
}

func (l *BrokerLock) Acquire(ctx context.Context) error {
	g, err := l.Manager.Acquire(ctx, l.Namespace, l.Name, l.Mode, l.Timeout)
	if err != nil {
		return err
	}
	l.grant = g
	return nil
}

func (l *BrokerLock) Release() error {
	if l.grant == nil {
		return nil
	}
	g := l.grant
	l.grant = nil
	return g.Release()
}
