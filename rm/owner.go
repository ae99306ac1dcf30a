package rm

import (
	"context"
	"errors"
	log "log/slog"
	"sync"
	"time"
)

// Owner aggregates everything one logical operation holds on a Manager:
// pending requests and granted resources, released or canceled in bulk when
// the operation ends. Create one per logical operation and call ReleaseAll
// on every exit path.
type Owner struct {
	m    *Manager
	name string

	mu       sync.Mutex
	requests []*Request
	grants   []*Grant
	closed   bool
}

// NewOwner returns an Owner named for the logical operation it serves.
// The name shows up in logs only.
func NewOwner(m *Manager, name string) *Owner {
	return &Owner{m: m, name: name}
}

// Name returns the logical operation name given at construction.
func (o *Owner) Name() string {
	return o.name
}

// Acquire blocks like Manager.Acquire and records the grant for bulk release.
func (o *Owner) Acquire(ctx context.Context, namespace, name string, mode Mode, timeout time.Duration) (*Grant, error) {
	g, err := o.m.Acquire(ctx, namespace, name, mode, timeout)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		if rerr := g.Release(); rerr != nil {
			log.Warn("releasing grant acquired on closed owner failed", "owner", o.name, "key", g.Key(), "error", rerr.Error())
		}
		return nil, errors.New("owner already closed: " + o.name)
	}
	o.grants = append(o.grants, g)
	o.mu.Unlock()
	return g, nil
}

// Register files a non-blocking request like Manager.Register and records it
// for bulk cancellation.
func (o *Owner) Register(ctx context.Context, namespace, name string, mode Mode) (*Request, error) {
	req, err := o.m.Register(ctx, namespace, name, mode)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.resolveAbandoned(req)
		return nil, errors.New("owner already closed: " + o.name)
	}
	o.requests = append(o.requests, req)
	o.mu.Unlock()
	return req, nil
}

// ReleaseAll ends the logical operation: cancels still-queued requests,
// releases every grant (including grants that raced in through pending
// requests), and marks the owner closed. Individual failures are logged;
// the first is returned. Calling it again is a no-op.
func (o *Owner) ReleaseAll() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	requests := o.requests
	grants := o.grants
	o.requests = nil
	o.grants = nil
	o.mu.Unlock()

	var firstErr error
	for _, req := range requests {
		if err := req.Cancel(); err != nil {
			// Already granted. Take the grant recorded at admission; the
			// resolution channel may have been drained by the requester
			// already, so receiving from it here could block forever.
			if g := req.grantRef(); g != nil {
				grants = append(grants, g)
			}
		}
	}
	// Reverse acquisition order, same as unwinding nested scopes.
	for i := len(grants) - 1; i >= 0; i-- {
		if err := grants[i].Release(); err != nil {
			log.Warn("owner bulk release failed for grant", "owner", o.name, "key", grants[i].Key(), "error", err.Error())
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// CancelAll is ReleaseAll; the separate name documents call sites that tear
// down an operation that never reached its body.
func (o *Owner) CancelAll() error {
	return o.ReleaseAll()
}

// resolveAbandoned disposes of a request filed against a closed owner.
func (o *Owner) resolveAbandoned(req *Request) {
	if err := req.Cancel(); err != nil {
		if g := req.grantRef(); g != nil {
			if rerr := g.Release(); rerr != nil {
				log.Warn("releasing abandoned grant failed", "owner", o.name, "key", g.Key(), "error", rerr.Error())
			}
		}
	}
}
