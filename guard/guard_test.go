package guard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/virtstor/virtstor/rm"
)

// recLock records acquisition/release order in a shared trace.
type recLock struct {
	key        string
	acquireErr error
	trace      *[]string
}

func (l *recLock) Key() string { return l.key }

func (l *recLock) Acquire(ctx context.Context) error {
	if l.acquireErr != nil {
		return l.acquireErr
	}
	*l.trace = append(*l.trace, "acquire "+l.key)
	return nil
}

func (l *recLock) Release() error {
	*l.trace = append(*l.trace, "release "+l.key)
	return nil
}

func TestScopeOrdersByKey(t *testing.T) {
	var trace []string
	release, err := Scope(context.Background(),
		&recLock{key: "c", trace: &trace},
		&recLock{key: "a", trace: &trace},
		&recLock{key: "b", trace: &trace},
	)
	if err != nil {
		t.Fatalf("scope: %v", err)
	}
	release()

	want := []string{"acquire a", "acquire b", "acquire c", "release c", "release b", "release a"}
	if len(trace) != len(want) {
		t.Fatalf("trace %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace[%d] = %q, want %q", i, trace[i], want[i])
		}
	}
}

func TestScopeRollsBackOnFailure(t *testing.T) {
	var trace []string
	boom := errors.New("lease held elsewhere")
	_, err := Scope(context.Background(),
		&recLock{key: "a", trace: &trace},
		&recLock{key: "b", trace: &trace},
		&recLock{key: "c", acquireErr: boom, trace: &trace},
	)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped acquire error, got %v", err)
	}
	want := []string{"acquire a", "acquire b", "release b", "release a"}
	if len(trace) != len(want) {
		t.Fatalf("trace %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace[%d] = %q, want %q", i, trace[i], want[i])
		}
	}
}

func TestScopeReleaseIsIdempotent(t *testing.T) {
	var trace []string
	release, err := Scope(context.Background(), &recLock{key: "a", trace: &trace})
	if err != nil {
		t.Fatalf("scope: %v", err)
	}
	release()
	release()
	if len(trace) != 2 {
		t.Fatalf("release ran more than once: %v", trace)
	}
}

type openFactory struct{}

func (openFactory) Exists(ctx context.Context, name string) (bool, error) { return true, nil }
func (openFactory) Create(ctx context.Context, name string, mode rm.Mode) (rm.Backing, error) {
	return nil, nil
}

func TestBrokerLockAdapter(t *testing.T) {
	m := rm.New()
	if err := m.RegisterNamespace("vols", openFactory{}); err != nil {
		t.Fatalf("register namespace: %v", err)
	}

	release, err := Scope(context.Background(),
		NewBrokerLock(m, "vols", "v1", rm.Exclusive, time.Second),
		NewBrokerLock(m, "vols", "v2", rm.Shared, time.Second),
	)
	if err != nil {
		t.Fatalf("scope: %v", err)
	}
	if st, _ := m.Status("vols", "v1"); st != rm.StatusLocked {
		t.Fatalf("v1 not locked: %v", st)
	}
	if st, _ := m.Status("vols", "v2"); st != rm.StatusShared {
		t.Fatalf("v2 not shared: %v", st)
	}
	release()
	if st, _ := m.Status("vols", "v1"); st != rm.StatusFree {
		t.Fatalf("v1 not freed: %v", st)
	}
	if st, _ := m.Status("vols", "v2"); st != rm.StatusFree {
		t.Fatalf("v2 not freed: %v", st)
	}
}
