package rm

import (
	log "log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/virtstor/virtstor"
)

type requestState int

const (
	stateWaiting requestState = iota
	stateGranted
	stateCanceled
)

// Request is one acquisition attempt. It is resolved exactly once: either
// granted (a non-nil Grant arrives on Resolved) or canceled (nil arrives).
// Resolution happens on whichever goroutine performs the admission decision,
// never necessarily the requester's.
type Request struct {
	id        virtstor.UUID
	ns        *namespace
	name      string
	mode      Mode
	ownerName string

	mu       sync.Mutex
	state    requestState
	grant    *Grant
	resolved chan *Grant
	callback func(*Request, *Grant)
}

func newRequest(ns *namespace, name string, mode Mode, cb func(*Request, *Grant)) *Request {
	return &Request{
		id:       virtstor.NewUUID(),
		ns:       ns,
		name:     name,
		mode:     mode,
		resolved: make(chan *Grant, 1),
		callback: cb,
	}
}

// ID returns the request's unique identity, used in logs.
func (r *Request) ID() virtstor.UUID {
	return r.id
}

// Key returns the composite "<namespace>.<name>" address of the target resource.
func (r *Request) Key() string {
	return r.ns.name + "." + r.name
}

// Mode returns the requested access mode.
func (r *Request) Mode() Mode {
	return r.mode
}

// Resolved returns the channel the single resolution is delivered on.
// A nil Grant means the request was canceled.
func (r *Request) Resolved() <-chan *Grant {
	return r.resolved
}

// Cancel withdraws a still-queued request. It fails with ErrAlreadyProcessed
// if the request was already granted or canceled. On success the resolution
// channel receives nil (and the callback, if any, fires with a nil grant).
func (r *Request) Cancel() error {
	return r.ns.cancel(r)
}

// markLocked transitions the request state and, on grant, records the grant
// handle. Callers hold the namespace lock, so grant and cancel cannot race;
// the request's own lock still guards the fields against concurrent readers.
// Recording the grant here means that whenever Cancel reports
// ErrAlreadyProcessed for a granted request, grantRef is already non-nil.
func (r *Request) markLocked(to requestState, g *Grant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateWaiting {
		return false
	}
	r.state = to
	r.grant = g
	return true
}

// grantRef returns the grant recorded at admission, or nil while the request
// is waiting or after cancellation. Unlike Resolved, reading it does not
// consume anything, so bulk teardown can use it even after the requester
// already drained the resolution channel.
func (r *Request) grantRef() *Grant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.grant
}

// deliver emits the resolution outside any broker lock. The channel is
// buffered and the state transition is single-shot, so the send never blocks.
// A panicking callback is logged and swallowed; it must never corrupt
// broker state.
func (r *Request) deliver(g *Grant) {
	r.resolved <- g
	if r.callback == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			log.Error("resource request callback panicked", "request", r.id.String(), "key", r.Key(), "panic", p)
		}
	}()
	r.callback(r, g)
}

// delivery pairs a resolved request with its grant (nil on cancel) for
// emission after the namespace lock is dropped.
type delivery struct {
	req   *Request
	grant *Grant
}

func (d delivery) emit() {
	d.req.deliver(d.grant)
}

// Grant is a held resource. Release is idempotent and is the primary release
// path; the name-based Manager.Release exists for callers that track keys
// instead of handles.
type Grant struct {
	ns       *namespace
	name     string
	mode     Mode
	backing  Backing
	released atomic.Bool
}

func newGrant(ns *namespace, name string, mode Mode, backing Backing) *Grant {
	g := &Grant{ns: ns, name: name, mode: mode, backing: backing}
	// Leak containment only: a grant that becomes unreachable without being
	// released is released here with a warning. Correctness never depends
	// on finalization timing.
	runtime.SetFinalizer(g, leakedGrant)
	return g
}

func leakedGrant(g *Grant) {
	if g.released.Load() {
		return
	}
	log.Warn("resource grant leaked without release, releasing", "key", g.Key(), "mode", g.mode.String())
	_ = g.Release()
}

// Key returns the composite "<namespace>.<name>" address of the held resource.
func (g *Grant) Key() string {
	return g.ns.name + "." + g.name
}

// Namespace returns the namespace the held resource belongs to.
func (g *Grant) Namespace() string {
	return g.ns.name
}

// Name returns the held resource's name.
func (g *Grant) Name() string {
	return g.name
}

// Mode returns the mode the resource is held under.
func (g *Grant) Mode() Mode {
	return g.mode
}

// Backing returns the backing object the broker created for this resource.
// It may be nil when the namespace factory produces none.
func (g *Grant) Backing() Backing {
	return g.backing
}

// Release drops this holder. The first call releases; further calls are no-ops.
func (g *Grant) Release() error {
	if !g.released.CompareAndSwap(false, true) {
		return nil
	}
	runtime.SetFinalizer(g, nil)
	return g.ns.release(g.name)
}
