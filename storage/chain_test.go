package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/virtstor/virtstor"
)

// seedChain persists a parent-linked chain and returns the volume ids in
// base-to-leaf order.
func seedChain(t *testing.T, store Store, img virtstor.UUID, n int) []virtstor.UUID {
	t.Helper()
	ctx := context.Background()
	vols := make([]virtstor.UUID, n)
	for i := range vols {
		vols[i] = virtstor.NewUUID()
	}
	for i, vol := range vols {
		m := Meta{
			Domain:     store.Domain().ID,
			Image:      img,
			Volume:     vol,
			Capacity:   1 << 30,
			Format:     FormatCOW,
			Allocation: Sparse,
			VolType:    TypeInternal,
			Legality:   Legal,
		}
		if i == 0 {
			m.Format = FormatRAW
			m.Allocation = Preallocated
		} else {
			m.Parent = vols[i-1]
		}
		if i == n-1 {
			m.VolType = TypeLeaf
		}
		if err := store.Save(ctx, m); err != nil {
			t.Fatalf("seed volume %d: %v", i, err)
		}
	}
	return vols
}

func poolManagerStore() *MemStore {
	return NewMemStore(DomainInfo{ID: virtstor.NewUUID(), Type: DomainFile, Role: RolePoolManager})
}

func TestResolveChainOrder(t *testing.T) {
	store := poolManagerStore()
	img := virtstor.NewUUID()
	vols := seedChain(t, store, img, 4)

	c, err := ResolveChain(context.Background(), store, img)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if c.Len() != 4 {
		t.Fatalf("chain length %d, want 4", c.Len())
	}
	if c.Base().Volume != vols[0] {
		t.Fatalf("base = %s, want %s", c.Base().Volume, vols[0])
	}
	if c.Leaf().Volume != vols[3] {
		t.Fatalf("leaf = %s, want %s", c.Leaf().Volume, vols[3])
	}
	for i, m := range c.Members() {
		if m.Volume != vols[i] {
			t.Fatalf("member %d = %s, want %s", i, m.Volume, vols[i])
		}
	}
	child, ok := c.ChildOf(vols[1])
	if !ok || child.Volume != vols[2] {
		t.Fatalf("child of vols[1] = %v/%v", child.Volume, ok)
	}
	if _, ok := c.ChildOf(vols[3]); ok {
		t.Fatalf("leaf has a child")
	}
	if !c.IsLeaf(vols[3]) || c.IsLeaf(vols[0]) {
		t.Fatalf("IsLeaf misreports")
	}
	if c.Contains(virtstor.NewUUID()) {
		t.Fatalf("contains reports membership for a stranger")
	}
}

func TestResolveChainRejectsFork(t *testing.T) {
	store := poolManagerStore()
	img := virtstor.NewUUID()
	vols := seedChain(t, store, img, 3)

	// Second child of the base.
	forked := Meta{
		Domain: store.Domain().ID, Image: img, Volume: virtstor.NewUUID(),
		Parent: vols[0], Format: FormatCOW, Allocation: Sparse, VolType: TypeLeaf, Legality: Legal,
	}
	if err := store.Save(context.Background(), forked); err != nil {
		t.Fatalf("seed fork: %v", err)
	}
	var use UnexpectedVolumeStateError
	if _, err := ResolveChain(context.Background(), store, img); !errors.As(err, &use) {
		t.Fatalf("fork not rejected: %v", err)
	}
}

func TestResolveChainRejectsCycle(t *testing.T) {
	store := poolManagerStore()
	img := virtstor.NewUUID()
	vols := seedChain(t, store, img, 3)

	// Point the base at the leaf.
	ctx := context.Background()
	m, err := store.Load(ctx, img, vols[0])
	if err != nil {
		t.Fatalf("load base: %v", err)
	}
	m.Parent = vols[2]
	if err := store.Save(ctx, m); err != nil {
		t.Fatalf("rewrite base: %v", err)
	}
	var use UnexpectedVolumeStateError
	if _, err := ResolveChain(ctx, store, img); !errors.As(err, &use) {
		t.Fatalf("cycle not rejected: %v", err)
	}
}

func TestResolveChainRejectsInternalShared(t *testing.T) {
	store := poolManagerStore()
	img := virtstor.NewUUID()
	vols := seedChain(t, store, img, 3)

	ctx := context.Background()
	m, err := store.Load(ctx, img, vols[1])
	if err != nil {
		t.Fatalf("load mid: %v", err)
	}
	m.VolType = TypeShared
	if err := store.Save(ctx, m); err != nil {
		t.Fatalf("rewrite mid: %v", err)
	}
	var sve SharedVolumeError
	if _, err := ResolveChain(ctx, store, img); !errors.As(err, &sve) {
		t.Fatalf("internal shared volume not rejected: %v", err)
	}
}

func TestResolveChainSharedBaseAllowed(t *testing.T) {
	store := poolManagerStore()
	img := virtstor.NewUUID()
	vols := seedChain(t, store, img, 2)

	ctx := context.Background()
	m, err := store.Load(ctx, img, vols[0])
	if err != nil {
		t.Fatalf("load base: %v", err)
	}
	m.VolType = TypeShared
	if err := store.Save(ctx, m); err != nil {
		t.Fatalf("rewrite base: %v", err)
	}
	if _, err := ResolveChain(ctx, store, img); err != nil {
		t.Fatalf("shared base rejected: %v", err)
	}
}

func TestResolveChainEmptyImage(t *testing.T) {
	store := poolManagerStore()
	var use UnexpectedVolumeStateError
	if _, err := ResolveChain(context.Background(), store, virtstor.NewUUID()); !errors.As(err, &use) {
		t.Fatalf("empty image not rejected: %v", err)
	}
}

func TestResolveChainSkipsTombstones(t *testing.T) {
	store := poolManagerStore()
	img := virtstor.NewUUID()
	vols := seedChain(t, store, img, 3)

	ctx := context.Background()
	// Drop the leaf: its parent link is what ties it in, so the chain
	// remains resolvable without it.
	if err := store.Discard(ctx, img, vols[2]); err != nil {
		t.Fatalf("discard leaf: %v", err)
	}
	c, err := ResolveChain(ctx, store, img)
	if err != nil {
		t.Fatalf("resolve after discard: %v", err)
	}
	if c.Len() != 2 || c.Leaf().Volume != vols[1] {
		t.Fatalf("tombstoned volume still in chain: %+v", c.Members())
	}
}
