// Package merge orchestrates collapsing one COW volume (top) into its parent
// (base) within an image's chain. The work splits into Validate, Prepare and
// Finalize so the data move itself can happen elsewhere (a running VM's
// block-commit, or an offline copy) between the two mutating phases. All
// mutation runs under a lock scope of host-local broker locks plus, on
// lease-capable domains, the cross-host lease of the base volume.
package merge

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"

	"github.com/virtstor/virtstor"
	"github.com/virtstor/virtstor/blockdev"
	"github.com/virtstor/virtstor/guard"
	"github.com/virtstor/virtstor/lease"
	"github.com/virtstor/virtstor/qemuimg"
	"github.com/virtstor/virtstor/rm"
	"github.com/virtstor/virtstor/storage"
)

// Broker namespaces the merge orchestration locks under.
const (
	// NamespaceDomains serializes against whole-domain operations; merges
	// take it shared so they only exclude domain-exclusive maintenance.
	NamespaceDomains = "domains"
	// NamespaceImages gives each image one exclusive slot: a chain is
	// mutated by at most one local flow at a time.
	NamespaceImages = "images"
)

// nopBacking carries no host resource; the locks only serialize access.
type nopBacking struct{}

func (nopBacking) Close() error { return nil }

type lockFactory struct{}

func (lockFactory) Exists(ctx context.Context, name string) (bool, error) {
	return true, nil
}

func (lockFactory) Create(ctx context.Context, name string, mode rm.Mode) (rm.Backing, error) {
	return nopBacking{}, nil
}

// Merger runs merge jobs against one store.
type Merger struct {
	broker *rm.Manager
	leases lease.Manager
	store  storage.Store
	img    qemuimg.Runner
	blk    blockdev.Manager
	cfg    virtstor.Config
}

// NewMerger wires a Merger and registers its broker namespaces. Sharing one
// broker between several mergers is fine; the namespaces are registered once.
func NewMerger(broker *rm.Manager, leases lease.Manager, store storage.Store, img qemuimg.Runner, blk blockdev.Manager, cfg virtstor.Config) *Merger {
	for _, ns := range []string{NamespaceDomains, NamespaceImages} {
		if err := broker.RegisterNamespace(ns, lockFactory{}); err != nil && !errors.Is(err, rm.ErrNamespaceRegistered) {
			// Constant valid names cannot fail registration any other way.
			panic(err)
		}
	}
	return &Merger{broker: broker, leases: leases, store: store, img: img, blk: blk, cfg: cfg}
}

// Validate checks that the subchain describes a legal merge: base and top are
// members of the image's chain, top's parent is base, and neither is a shared
// template. It resolves a fresh chain view and mutates nothing.
func (m *Merger) Validate(ctx context.Context, sub *SubchainInfo) error {
	chain, err := sub.Reload(ctx)
	if err != nil {
		return err
	}
	return validate(chain, sub)
}

func validate(chain *storage.Chain, sub *SubchainInfo) error {
	baseMeta, ok := chain.Meta(sub.Base)
	if !ok {
		return storage.NotInChainError{Image: sub.Image, Volume: sub.Base}
	}
	topMeta, ok := chain.Meta(sub.Top)
	if !ok {
		return storage.NotInChainError{Image: sub.Image, Volume: sub.Top}
	}
	if topMeta.Parent != sub.Base {
		return storage.WrongParentError{Volume: sub.Top, Parent: topMeta.Parent, Expected: sub.Base}
	}
	if baseMeta.IsShared() {
		return storage.SharedVolumeError{Volume: sub.Base}
	}
	if topMeta.IsShared() {
		return storage.SharedVolumeError{Volume: sub.Top}
	}
	return nil
}

// lockScope takes the merge locks: domain shared, image exclusive, and on
// lease-capable domains the cross-host lease of base.
func (m *Merger) lockScope(ctx context.Context, sub *SubchainInfo) (func(), error) {
	locks := []guard.Lock{
		guard.NewBrokerLock(m.broker, NamespaceDomains, sub.Domain.String(), rm.Shared, m.cfg.LockTimeout),
		guard.NewBrokerLock(m.broker, NamespaceImages, sub.Image.String(), rm.Exclusive, m.cfg.LockTimeout),
	}
	if m.store.Domain().SupportsLeases {
		gl := lease.NewGuardLock(m.leases, lease.Key{Domain: sub.Domain, Volume: sub.Base}, m.cfg.LeaseTTL)
		gl.MaxWait = m.cfg.LeaseWait
		locks = append(locks, gl)
	}
	return guard.Scope(ctx, locks...)
}

// Prepare makes base able to hold top's data: capacity grows to top's when
// smaller, and a thin base gets its allocation pre-extended so the data move
// cannot run out of space mid-flight. The whole body is generation-fenced on
// BaseGeneration; a successful Prepare advances base's generation by one, and
// that is the only generation change of the entire merge.
func (m *Merger) Prepare(ctx context.Context, sub *SubchainInfo) error {
	release, err := m.lockScope(ctx, sub)
	if err != nil {
		return err
	}
	defer release()

	chain, err := sub.Reload(ctx)
	if err != nil {
		return err
	}
	if err := validate(chain, sub); err != nil {
		return err
	}
	baseMeta, _ := chain.Meta(sub.Base)
	topMeta, _ := chain.Meta(sub.Top)
	base := sub.BaseVolume()

	opts := storage.OperationOptions{RequestedGeneration: sub.BaseGeneration}
	return base.Operation(ctx, opts, func(ctx context.Context) error {
		if topMeta.Capacity > baseMeta.Capacity {
			if baseMeta.Format == storage.FormatRAW && m.store.Domain().Type == storage.DomainBlock {
				if err := m.blk.Extend(ctx, base.Path(), topMeta.Capacity); err != nil {
					return err
				}
			}
			if err := base.SetCapacity(ctx, topMeta.Capacity); err != nil {
				return err
			}
			log.Info("base capacity grown for merge",
				"image", sub.Image.String(), "base", sub.Base.String(), "capacity", topMeta.Capacity)
		}
		return m.preextendBase(ctx, sub, baseMeta, topMeta)
	})
}

// preextendBase grows a thin base's allocation ahead of the data move. Only
// COW volumes on block domains are thin-allocated; everything else already
// has the room.
func (m *Merger) preextendBase(ctx context.Context, sub *SubchainInfo, baseMeta, topMeta storage.Meta) error {
	if baseMeta.Format != storage.FormatCOW || m.store.Domain().Type != storage.DomainBlock {
		return nil
	}
	measured, err := m.img.Measure(ctx, qemuimg.MeasureSpec{
		Path:         sub.TopVolume().Path(),
		Format:       qemuimg.FormatQcow2,
		OutputFormat: qemuimg.FormatQcow2,
	})
	if err != nil {
		return err
	}
	required := measured.Required + measured.Bitmaps
	capacity := baseMeta.Capacity
	if topMeta.Capacity > capacity {
		capacity = topMeta.Capacity
	}
	if limit := int64(float64(capacity) * m.cfg.ExtendOverheadRatio); required > limit {
		required = limit
	}
	device := sub.BaseVolume().Path()
	current, err := m.blk.Size(ctx, device)
	if err != nil {
		return err
	}
	if required <= current {
		return nil
	}
	log.Info("pre-extending thin base for merge",
		"image", sub.Image.String(), "base", sub.Base.String(), "from", current, "to", required)
	return m.blk.Extend(ctx, device, required)
}

// Finalize collapses top out of the chain. A leaf merge is pure bookkeeping:
// the data already landed in base, so top is only tombstoned and base becomes
// the leaf. An internal merge first repoints top's child onto base, with top
// marked ILLEGAL across the rewrite so no host runs a VM over the half-moved
// link. Base's generation is not touched.
//
// A failed internal Finalize leaves storage in one of three inspectable
// states: top ILLEGAL with the child still pointing at it (rebase never
// happened or failed and could not be undone), top ILLEGAL with the child
// rebased but bookkeeping unchanged, or the child's record rewritten with top
// not yet tombstoned. Rerunning Finalize is safe only from the first state
// after an operator re-legalizes top; when re-legalizing fails too, the error
// is an UnrecoverableError.
func (m *Merger) Finalize(ctx context.Context, sub *SubchainInfo) error {
	release, err := m.lockScope(ctx, sub)
	if err != nil {
		return err
	}
	defer release()

	chain, err := sub.Reload(ctx)
	if err != nil {
		return err
	}
	if err := validate(chain, sub); err != nil {
		return err
	}
	baseMeta, _ := chain.Meta(sub.Base)
	leafNow := chain.IsLeaf(sub.Top)

	if leafNow {
		err = m.finalizeLeaf(ctx, sub, baseMeta)
	} else {
		err = m.finalizeInternal(ctx, sub, chain, baseMeta)
	}
	if err != nil {
		return err
	}
	log.Info("merge finalized",
		"image", sub.Image.String(), "base", sub.Base.String(), "top", sub.Top.String(), "leaf", leafNow)

	m.shrinkBase(ctx, sub, baseMeta, leafNow)
	return nil
}

func (m *Merger) finalizeLeaf(ctx context.Context, sub *SubchainInfo, baseMeta storage.Meta) error {
	if err := m.store.Discard(ctx, sub.Image, sub.Top); err != nil {
		return err
	}
	if baseMeta.VolType == storage.TypeLeaf {
		return nil
	}
	return sub.BaseVolume().SetVolType(ctx, storage.TypeLeaf)
}

func (m *Merger) finalizeInternal(ctx context.Context, sub *SubchainInfo, chain *storage.Chain, baseMeta storage.Meta) error {
	childMeta, ok := chain.ChildOf(sub.Top)
	if !ok {
		return storage.UnexpectedVolumeStateError{Volume: sub.Top, Reason: "internal volume has no child"}
	}
	top := sub.TopVolume()
	if err := top.SetLegality(ctx, storage.Illegal); err != nil {
		return err
	}

	child := storage.NewVolume(m.store, sub.Image, childMeta.Volume)
	spec := qemuimg.RebaseSpec{
		Path:          child.Path(),
		Format:        qemuimg.FormatQcow2,
		Backing:       sub.BaseVolume().Path(),
		BackingFormat: qemuimg.FormatOf(baseMeta.Format == storage.FormatCOW),
		// The data already matches: only the backing link moves.
		Unsafe: true,
	}
	if err := m.img.Rebase(ctx, spec); err != nil {
		if lerr := top.SetLegality(ctx, storage.Legal); lerr != nil {
			return &UnrecoverableError{Cause: err, Recovery: lerr}
		}
		return fmt.Errorf("rebasing %s onto %s: %w", childMeta.Volume, sub.Base, err)
	}
	if err := child.SetParent(ctx, sub.Base); err != nil {
		return err
	}
	return m.store.Discard(ctx, sub.Image, sub.Top)
}

// shrinkBase trims a thin base back to its post-merge optimum. Log-only: an
// over-allocated base wastes space but never corrupts, and the merge is
// already complete.
func (m *Merger) shrinkBase(ctx context.Context, sub *SubchainInfo, baseMeta storage.Meta, leafNow bool) {
	if baseMeta.Format != storage.FormatCOW || m.store.Domain().Type != storage.DomainBlock {
		return
	}
	device := sub.BaseVolume().Path()
	size, err := m.optimalSize(ctx, device, baseMeta, leafNow)
	if err != nil {
		log.Warn("skipping post-merge shrink of base", "base", sub.Base.String(), "error", err.Error())
		return
	}
	current, err := m.blk.Size(ctx, device)
	if err != nil {
		log.Warn("skipping post-merge shrink of base", "base", sub.Base.String(), "error", err.Error())
		return
	}
	if size >= current {
		return
	}
	if err := m.blk.Reduce(ctx, device, size); err != nil {
		log.Warn("post-merge shrink of base failed", "base", sub.Base.String(), "size", size, "error", err.Error())
	}
}

// optimalSize is the measured requirement of base plus, for a new leaf, one
// chunk of write slack, capped at capacity times the overhead ratio.
func (m *Merger) optimalSize(ctx context.Context, device string, baseMeta storage.Meta, leaf bool) (int64, error) {
	measured, err := m.img.Measure(ctx, qemuimg.MeasureSpec{
		Path:         device,
		Format:       qemuimg.FormatQcow2,
		OutputFormat: qemuimg.FormatQcow2,
	})
	if err != nil {
		return 0, err
	}
	size := measured.Required + measured.Bitmaps
	if leaf {
		size += m.cfg.ChunkSize
	}
	if limit := int64(float64(baseMeta.Capacity) * m.cfg.ExtendOverheadRatio); size > limit {
		size = limit
	}
	return size, nil
}

// Run drives one whole merge job in order: Validate, Prepare, Finalize.
func (m *Merger) Run(ctx context.Context, sub *SubchainInfo) error {
	if err := m.Validate(ctx, sub); err != nil {
		return err
	}
	if err := m.Prepare(ctx, sub); err != nil {
		return err
	}
	return m.Finalize(ctx, sub)
}
