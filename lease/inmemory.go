package lease

import (
	"context"
	"sync"
	"time"

	"github.com/virtstor/virtstor"
)

// InMemory is a lease Manager for tests and single-host development. TTL
// expiry is honored lazily on the next touch of the key.
type InMemory struct {
	mu      sync.Mutex
	records map[Key]memRecord
}

type memRecord struct {
	owner   virtstor.UUID
	expires time.Time
}

// NewInMemory returns an empty in-process lease manager.
func NewInMemory() *InMemory {
	return &InMemory{records: make(map[Key]memRecord)}
}

func (m *InMemory) Acquire(ctx context.Context, key Key, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[key]; ok && time.Now().Before(rec.expires) {
		return nil, HeldError{Key: key, Owner: rec.owner}
	}
	owner := virtstor.NewUUID()
	m.records[key] = memRecord{owner: owner, expires: time.Now().Add(ttl)}
	return &memLease{mgr: m, key: key, owner: owner, ttl: ttl}, nil
}

// Holder returns the current live owner of key, if any. Test hook.
func (m *InMemory) Holder(key Key) (virtstor.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok || time.Now().After(rec.expires) {
		return virtstor.NilUUID, false
	}
	return rec.owner, true
}

type memLease struct {
	mgr   *InMemory
	key   Key
	owner virtstor.UUID
	ttl   time.Duration
}

func (l *memLease) Key() Key {
	return l.key
}

func (l *memLease) Owner() virtstor.UUID {
	return l.owner
}

func (l *memLease) Confirm(ctx context.Context) (bool, error) {
	l.mgr.mu.Lock()
	defer l.mgr.mu.Unlock()
	rec, ok := l.mgr.records[l.key]
	if !ok || rec.owner != l.owner || time.Now().After(rec.expires) {
		return false, nil
	}
	rec.expires = time.Now().Add(l.ttl)
	l.mgr.records[l.key] = rec
	return true, nil
}

func (l *memLease) Release(ctx context.Context) error {
	l.mgr.mu.Lock()
	defer l.mgr.mu.Unlock()
	rec, ok := l.mgr.records[l.key]
	if !ok || rec.owner != l.owner {
		return nil
	}
	delete(l.mgr.records, l.key)
	return nil
}
