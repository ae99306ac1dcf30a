package rm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeBacking records lifecycle calls for assertions.
type fakeBacking struct {
	mode      Mode
	closed    atomic.Bool
	switchErr error
	switched  atomic.Int32
}

func (b *fakeBacking) Close() error {
	b.closed.Store(true)
	return nil
}

// switchableBacking adds an in-place mode switch.
type switchableBacking struct {
	fakeBacking
}

func (b *switchableBacking) SwitchMode(m Mode) error {
	if b.switchErr != nil {
		return b.switchErr
	}
	b.mode = m
	b.switched.Add(1)
	return nil
}

// fakeFactory backs a namespace in tests.
type fakeFactory struct {
	mu         sync.Mutex
	missing    map[string]bool
	switchable bool
	switchErr  error
	created    []*fakeBacking
	switchers  []*switchableBacking
}

func (f *fakeFactory) Exists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.missing[name], nil
}

func (f *fakeFactory) Create(ctx context.Context, name string, mode Mode) (Backing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.switchable {
		b := &switchableBacking{fakeBacking: fakeBacking{mode: mode, switchErr: f.switchErr}}
		f.switchers = append(f.switchers, b)
		return b, nil
	}
	b := &fakeBacking{mode: mode}
	f.created = append(f.created, b)
	return b, nil
}

func newTestManager(t *testing.T) (*Manager, *fakeFactory) {
	t.Helper()
	m := New()
	f := &fakeFactory{missing: map[string]bool{}}
	if err := m.RegisterNamespace("vols", f); err != nil {
		t.Fatalf("register namespace: %v", err)
	}
	return m, f
}

func TestRegisterNamespaceValidation(t *testing.T) {
	m := New()
	f := &fakeFactory{missing: map[string]bool{}}
	if err := m.RegisterNamespace("bad name", f); err == nil {
		t.Fatalf("expected invalid namespace name to fail")
	}
	var ine InvalidNamespaceError
	if err := m.RegisterNamespace("bad.name", f); !errors.As(err, &ine) {
		t.Fatalf("expected InvalidNamespaceError, got %v", err)
	}
	if err := m.RegisterNamespace("ok_ns-1", f); err != nil {
		t.Fatalf("valid namespace rejected: %v", err)
	}
	if err := m.RegisterNamespace("ok_ns-1", f); !errors.Is(err, ErrNamespaceRegistered) {
		t.Fatalf("expected ErrNamespaceRegistered, got %v", err)
	}
	if err := m.RegisterNamespaceForced("ok_ns-1", f); err != nil {
		t.Fatalf("forced re-register failed: %v", err)
	}
}

func TestResourceNameValidation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	for _, bad := range []string{"", "has space", "has.dot", "has\ttab"} {
		if _, err := m.Acquire(ctx, "vols", bad, Exclusive, 0); err == nil {
			t.Fatalf("expected name %q to be rejected", bad)
		}
	}
	if _, err := m.Acquire(ctx, "nope", "v1", Exclusive, 0); !errors.Is(err, ErrNamespaceNotRegistered) {
		t.Fatalf("expected ErrNamespaceNotRegistered, got %v", err)
	}
}

func TestAcquireMissingResource(t *testing.T) {
	m, f := newTestManager(t)
	f.missing["ghost"] = true
	if _, err := m.Acquire(context.Background(), "vols", "ghost", Shared, 0); !errors.Is(err, ErrResourceNotFound) {
		t.Fatalf("expected ErrResourceNotFound, got %v", err)
	}
}

func TestTwoSharedAcquisitionsNeverBlock(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	g1, err := m.Acquire(ctx, "vols", "v1", Shared, time.Second)
	if err != nil {
		t.Fatalf("first shared acquire: %v", err)
	}
	g2, err := m.Acquire(ctx, "vols", "v1", Shared, time.Second)
	if err != nil {
		t.Fatalf("second shared acquire: %v", err)
	}
	if st, _ := m.Status("vols", "v1"); st != StatusShared {
		t.Fatalf("expected shared status, got %v", st)
	}
	if err := g1.Release(); err != nil {
		t.Fatalf("release g1: %v", err)
	}
	if st, _ := m.Status("vols", "v1"); st != StatusShared {
		t.Fatalf("expected still shared after one release, got %v", st)
	}
	if err := g2.Release(); err != nil {
		t.Fatalf("release g2: %v", err)
	}
	if st, _ := m.Status("vols", "v1"); st != StatusFree {
		t.Fatalf("expected free after all releases, got %v", st)
	}
}

func TestBackingClosedWhenFreed(t *testing.T) {
	m, f := newTestManager(t)
	g, err := m.Acquire(context.Background(), "vols", "v1", Exclusive, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(f.created) != 1 {
		t.Fatalf("expected one backing, got %d", len(f.created))
	}
	if err := g.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if !f.created[0].closed.Load() {
		t.Fatalf("backing not closed after last release")
	}
}

func TestBatchAdmissionOfContiguousSharedWaiters(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	excl, err := m.Acquire(ctx, "vols", "v1", Exclusive, time.Second)
	if err != nil {
		t.Fatalf("exclusive acquire: %v", err)
	}

	const n = 5
	shared := make([]*Request, 0, n)
	for i := 0; i < n; i++ {
		req, err := m.Register(ctx, "vols", "v1", Shared)
		if err != nil {
			t.Fatalf("register shared %d: %v", i, err)
		}
		shared = append(shared, req)
	}
	trailing, err := m.Register(ctx, "vols", "v1", Exclusive)
	if err != nil {
		t.Fatalf("register trailing exclusive: %v", err)
	}

	if err := excl.Release(); err != nil {
		t.Fatalf("release exclusive: %v", err)
	}

	// All queued shared requests are granted in one batch.
	grants := make([]*Grant, 0, n)
	for i, req := range shared {
		select {
		case g := <-req.Resolved():
			if g == nil {
				t.Fatalf("shared request %d canceled instead of granted", i)
			}
			grants = append(grants, g)
		case <-time.After(2 * time.Second):
			t.Fatalf("shared request %d not granted", i)
		}
	}
	// The trailing exclusive request stays queued.
	select {
	case <-trailing.Resolved():
		t.Fatalf("trailing exclusive granted while shared holders active")
	case <-time.After(50 * time.Millisecond):
	}
	if st, _ := m.Status("vols", "v1"); st != StatusShared {
		t.Fatalf("expected shared, got %v", st)
	}

	for _, g := range grants {
		if err := g.Release(); err != nil {
			t.Fatalf("release shared grant: %v", err)
		}
	}
	select {
	case g := <-trailing.Resolved():
		if g == nil {
			t.Fatalf("trailing exclusive canceled")
		}
		if st, _ := m.Status("vols", "v1"); st != StatusLocked {
			t.Fatalf("expected locked, got %v", st)
		}
		if err := g.Release(); err != nil {
			t.Fatalf("release trailing: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("trailing exclusive never granted")
	}
}

func TestAcquireTimeout(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	g, err := m.Acquire(ctx, "vols", "v1", Exclusive, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer g.Release()

	start := time.Now()
	_, err = m.Acquire(ctx, "vols", "v1", Shared, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout took too long")
	}
	// The timed-out request must not linger in the queue.
	if infos := m.Snapshot(); len(infos) != 1 || infos[0].QueueLen != 0 {
		t.Fatalf("timed-out request lingering: %+v", infos)
	}
}

func TestAcquireContextDeadlineIsTimeout(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	blocker, err := m.Acquire(ctx, "vols", "v1", Exclusive, time.Second)
	if err != nil {
		t.Fatalf("blocker acquire: %v", err)
	}
	defer blocker.Release()

	dctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(dctx, "vols", "v1", Exclusive, 0)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("deadline expiry should surface ErrTimeout, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("timeout should carry the context cause, got %v", err)
	}

	// Plain cancellation is not a timeout.
	cctx, stop := context.WithCancel(ctx)
	go func() {
		time.Sleep(20 * time.Millisecond)
		stop()
	}()
	_, err = m.Acquire(cctx, "vols", "v1", Exclusive, 0)
	if errors.Is(err, ErrTimeout) {
		t.Fatalf("cancellation misreported as timeout: %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCancelSemantics(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	// Canceling an already-granted request fails with already processed.
	req, err := m.Register(ctx, "vols", "v1", Exclusive)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	g := <-req.Resolved()
	if g == nil {
		t.Fatalf("expected immediate grant on free resource")
	}
	if err := req.Cancel(); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}

	// Canceling a queued request succeeds and resolves with nil.
	var cbGrant atomic.Value
	cbDone := make(chan struct{})
	queued, err := m.RegisterFunc(ctx, "vols", "v1", Exclusive, func(r *Request, g *Grant) {
		if g != nil {
			cbGrant.Store(g)
		}
		close(cbDone)
	})
	if err != nil {
		t.Fatalf("register queued: %v", err)
	}
	if err := queued.Cancel(); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	select {
	case got := <-queued.Resolved():
		if got != nil {
			t.Fatalf("canceled request resolved with a grant")
		}
	case <-time.After(time.Second):
		t.Fatalf("canceled request never resolved")
	}
	<-cbDone
	if cbGrant.Load() != nil {
		t.Fatalf("callback saw a grant for a canceled request")
	}
	// Double cancel fails.
	if err := queued.Cancel(); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed on double cancel, got %v", err)
	}

	if err := g.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestCallbackPanicIsContained(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	req, err := m.RegisterFunc(ctx, "vols", "v1", Exclusive, func(r *Request, g *Grant) {
		panic("callback exploded")
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	var g *Grant
	select {
	case g = <-req.Resolved():
	case <-time.After(time.Second):
		t.Fatalf("grant never delivered")
	}
	if g == nil {
		t.Fatalf("expected grant")
	}
	// Broker still functions after a panicking callback.
	if err := g.Release(); err != nil {
		t.Fatalf("release after panic: %v", err)
	}
	if st, _ := m.Status("vols", "v1"); st != StatusFree {
		t.Fatalf("broker state corrupted by callback panic: %v", st)
	}
}

func TestModeSwitchRecreatesBacking(t *testing.T) {
	m, f := newTestManager(t)
	ctx := context.Background()

	g1, err := m.Acquire(ctx, "vols", "v1", Shared, time.Second)
	if err != nil {
		t.Fatalf("shared acquire: %v", err)
	}
	req, err := m.Register(ctx, "vols", "v1", Exclusive)
	if err != nil {
		t.Fatalf("register exclusive: %v", err)
	}
	if err := g1.Release(); err != nil {
		t.Fatalf("release shared: %v", err)
	}
	g2 := <-req.Resolved()
	if g2 == nil {
		t.Fatalf("exclusive not granted")
	}
	// Without ModeSwitcher support the shared backing is closed and a new
	// one created under the exclusive mode.
	if len(f.created) != 2 {
		t.Fatalf("expected recreate, have %d backings", len(f.created))
	}
	if !f.created[0].closed.Load() {
		t.Fatalf("old backing not closed on mode switch")
	}
	if f.created[1].mode != Exclusive {
		t.Fatalf("new backing created under mode %v", f.created[1].mode)
	}
	g2.Release()
}

func TestModeSwitchInPlace(t *testing.T) {
	m := New()
	f := &fakeFactory{missing: map[string]bool{}, switchable: true}
	if err := m.RegisterNamespace("vols", f); err != nil {
		t.Fatalf("register namespace: %v", err)
	}
	ctx := context.Background()

	g1, err := m.Acquire(ctx, "vols", "v1", Shared, time.Second)
	if err != nil {
		t.Fatalf("shared acquire: %v", err)
	}
	req, err := m.Register(ctx, "vols", "v1", Exclusive)
	if err != nil {
		t.Fatalf("register exclusive: %v", err)
	}
	if err := g1.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	g2 := <-req.Resolved()
	if g2 == nil {
		t.Fatalf("exclusive not granted")
	}
	if len(f.switchers) != 1 {
		t.Fatalf("expected single backing with in-place switch, have %d", len(f.switchers))
	}
	if f.switchers[0].switched.Load() != 1 {
		t.Fatalf("SwitchMode not used")
	}
	g2.Release()
}

func TestHolderCountUnderInterleaving(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	const workers = 16
	const rounds = 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		mode := Shared
		if w%4 == 0 {
			mode = Exclusive
		}
		go func(mode Mode) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				g, err := m.Acquire(ctx, "vols", "v1", mode, 10*time.Second)
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				if err := g.Release(); err != nil {
					t.Errorf("release: %v", err)
					return
				}
			}
		}(mode)
	}
	wg.Wait()

	if st, err := m.Status("vols", "v1"); err != nil || st != StatusFree {
		t.Fatalf("expected free after all interleavings, got %v (%v)", st, err)
	}
	if infos := m.Snapshot(); len(infos) != 0 {
		t.Fatalf("resources leaked: %+v", infos)
	}
}

func TestReleaseErrors(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Release("vols", "v1"); !errors.Is(err, ErrResourceNotFound) {
		t.Fatalf("expected ErrResourceNotFound, got %v", err)
	}
	g, err := m.Acquire(context.Background(), "vols", "v1", Exclusive, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := g.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	// Idempotent handle release.
	if err := g.Release(); err != nil {
		t.Fatalf("double handle release should be a no-op, got %v", err)
	}
}

func TestUnregisterNamespaceWithLiveResource(t *testing.T) {
	m, _ := newTestManager(t)
	g, err := m.Acquire(context.Background(), "vols", "v1", Shared, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.UnregisterNamespace("vols"); !errors.Is(err, ErrNamespaceBusy) {
		t.Fatalf("expected ErrNamespaceBusy, got %v", err)
	}
	g.Release()
	if err := m.UnregisterNamespace("vols"); err != nil {
		t.Fatalf("unregister after free: %v", err)
	}
	if err := m.UnregisterNamespace("vols"); !errors.Is(err, ErrNamespaceNotRegistered) {
		t.Fatalf("expected ErrNamespaceNotRegistered, got %v", err)
	}
}
