package rm

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"sort"
	"sync"
	"time"
)

// Manager is the broker. One instance serializes lock admission for all
// namespaces registered on it.
type Manager struct {
	mu         sync.RWMutex
	namespaces map[string]*namespace
}

// New returns an empty broker with no namespaces registered.
func New() *Manager {
	return &Manager{namespaces: make(map[string]*namespace)}
}

// RegisterNamespace registers a resource category under the given name.
// It fails with ErrNamespaceRegistered if the name is already taken.
func (m *Manager) RegisterNamespace(name string, f ResourceFactory) error {
	return m.registerNamespace(name, f, false)
}

// RegisterNamespaceForced registers a namespace, replacing a previous
// registration with the same name if one exists and has no live resources.
func (m *Manager) RegisterNamespaceForced(name string, f ResourceFactory) error {
	return m.registerNamespace(name, f, true)
}

// MustRegisterNamespace is RegisterNamespace for process-start wiring; it
// panics on error.
func (m *Manager) MustRegisterNamespace(name string, f ResourceFactory) {
	if err := m.RegisterNamespace(name, f); err != nil {
		panic(err)
	}
}

func (m *Manager) registerNamespace(name string, f ResourceFactory, force bool) error {
	if !validNamespaceName(name) {
		return InvalidNamespaceError{Namespace: name}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.namespaces[name]; ok {
		if !force {
			return fmt.Errorf("%w: %s", ErrNamespaceRegistered, name)
		}
		old.mu.Lock()
		live := len(old.resources)
		old.mu.Unlock()
		if live > 0 {
			return fmt.Errorf("%w: %s", ErrNamespaceBusy, name)
		}
	}
	m.namespaces[name] = &namespace{
		name:      name,
		factory:   f,
		resources: make(map[string]*resource),
	}
	log.Debug("namespace registered", "namespace", name, "forced", force)
	return nil
}

// UnregisterNamespace removes a namespace. It fails with ErrNamespaceBusy
// while any resource in it is live.
func (m *Manager) UnregisterNamespace(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.namespaces[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNamespaceNotRegistered, name)
	}
	ns.mu.Lock()
	live := len(ns.resources)
	ns.mu.Unlock()
	if live > 0 {
		return fmt.Errorf("%w: %s", ErrNamespaceBusy, name)
	}
	delete(m.namespaces, name)
	return nil
}

// Namespaces returns the registered namespace names, sorted.
func (m *Manager) Namespaces() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.namespaces))
	for n := range m.namespaces {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) namespace(name string) (*namespace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ns, ok := m.namespaces[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNamespaceNotRegistered, name)
	}
	return ns, nil
}

// Register files a non-blocking acquisition request. The returned request is
// resolved exactly once via its Resolved channel: a non-nil grant on
// admission, nil on cancellation. Resolution may already have happened by the
// time Register returns (immediate grants resolve before returning).
func (m *Manager) Register(ctx context.Context, namespace, name string, mode Mode) (*Request, error) {
	return m.register(ctx, namespace, name, mode, nil)
}

// RegisterFunc is Register with a callback adapter: onResolved is invoked
// exactly once by the delivering goroutine, with a nil grant on cancellation.
// The callback must not re-enter the broker synchronously on the resolving
// goroutine's critical path in ways that can deadlock its own namespace.
func (m *Manager) RegisterFunc(ctx context.Context, namespace, name string, mode Mode, onResolved func(*Request, *Grant)) (*Request, error) {
	return m.register(ctx, namespace, name, mode, onResolved)
}

func (m *Manager) register(ctx context.Context, nsName, name string, mode Mode, cb func(*Request, *Grant)) (*Request, error) {
	if !validResourceName(name) {
		return nil, InvalidNameError{Name: name}
	}
	ns, err := m.namespace(nsName)
	if err != nil {
		return nil, err
	}
	req := newRequest(ns, name, mode, cb)
	if err := ns.register(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Acquire blocks until the resource is granted, the timeout elapses, or the
// context is done. A zero timeout waits indefinitely (the context still
// applies). When the timeout races with a grant, exactly one side wins: a won
// grant is returned, a won timeout surfaces ErrTimeout.
func (m *Manager) Acquire(ctx context.Context, namespace, name string, mode Mode, timeout time.Duration) (*Grant, error) {
	req, err := m.Register(ctx, namespace, name, mode)
	if err != nil {
		return nil, err
	}

	var timer *time.Timer
	var expired <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case g := <-req.Resolved():
		if g == nil {
			// Canceled from outside (e.g. an Owner tearing down).
			return nil, fmt.Errorf("%w: %s", ErrAlreadyProcessed, req.Key())
		}
		return g, nil
	case <-expired:
		if err := req.Cancel(); err != nil {
			// Lost the race: the grant was delivered before the cancel
			// took effect, so the caller holds the resource.
			if g := req.grantRef(); g != nil {
				return g, nil
			}
			return nil, fmt.Errorf("%w after %v: %s", ErrTimeout, timeout, req.Key())
		}
		return nil, fmt.Errorf("%w after %v: %s", ErrTimeout, timeout, req.Key())
	case <-ctx.Done():
		if err := req.Cancel(); err != nil {
			if g := req.grantRef(); g != nil {
				// Granted while the caller was going away; hand it back.
				if rerr := g.Release(); rerr != nil {
					log.Warn("releasing grant after context cancellation failed", "key", g.Key(), "error", rerr.Error())
				}
			}
		}
		if cause := ctx.Err(); errors.Is(cause, context.DeadlineExceeded) {
			// A context deadline is a timeout like any other; callers match
			// on ErrTimeout without caring which clock expired.
			return nil, fmt.Errorf("%w: %v: %s", ErrTimeout, cause, req.Key())
		}
		return nil, ctx.Err()
	}
}

// Release drops one holder of the named resource. Prefer Grant.Release;
// this exists for callers that track keys instead of handles.
func (m *Manager) Release(namespace, name string) error {
	ns, err := m.namespace(namespace)
	if err != nil {
		return err
	}
	return ns.release(name)
}

// Status reports the externally observable state of the named resource:
// free (no holders), shared, or locked (exclusive).
func (m *Manager) Status(namespace, name string) (Status, error) {
	ns, err := m.namespace(namespace)
	if err != nil {
		return StatusFree, err
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	res, ok := ns.resources[name]
	if !ok || res.activeUsers == 0 {
		return StatusFree, nil
	}
	if res.mode == Exclusive {
		return StatusLocked, nil
	}
	return StatusShared, nil
}

// ResourceInfo is one row of a broker snapshot, for operator views.
type ResourceInfo struct {
	Namespace string
	Name      string
	Mode      Mode
	Holders   int
	QueueLen  int
}

// Snapshot returns the current state of every live resource, sorted by
// namespace then name.
func (m *Manager) Snapshot() []ResourceInfo {
	m.mu.RLock()
	names := make([]*namespace, 0, len(m.namespaces))
	for _, ns := range m.namespaces {
		names = append(names, ns)
	}
	m.mu.RUnlock()

	var infos []ResourceInfo
	for _, ns := range names {
		ns.mu.Lock()
		for _, res := range ns.resources {
			infos = append(infos, ResourceInfo{
				Namespace: ns.name,
				Name:      res.name,
				Mode:      res.mode,
				Holders:   res.activeUsers,
				QueueLen:  len(res.queue),
			})
		}
		ns.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Namespace != infos[j].Namespace {
			return infos[i].Namespace < infos[j].Namespace
		}
		return infos[i].Name < infos[j].Name
	})
	return infos
}
