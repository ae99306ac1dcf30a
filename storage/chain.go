package storage

import (
	"context"
	"fmt"

	"github.com/virtstor/virtstor"
)

// Chain is one image's resolved COW chain, ordered base first, leaf last.
// It is a point-in-time view: the records may change on shared storage after
// resolution, which is why mutating paths re-resolve under their locks.
type Chain struct {
	image   virtstor.UUID
	members []Meta
	byVol   map[virtstor.UUID]int
}

// ResolveChain loads every live record of the image and links the chain.
// Forks, cycles, disconnected volumes and misplaced shared volumes are all
// rejected: a chain either resolves to a single base-to-leaf line or the
// image is in a state no mutation should touch.
func ResolveChain(ctx context.Context, store Store, img virtstor.UUID) (*Chain, error) {
	metas, err := store.ListImage(ctx, img)
	if err != nil {
		return nil, err
	}
	if len(metas) == 0 {
		return nil, UnexpectedVolumeStateError{Volume: virtstor.NilUUID, Reason: fmt.Sprintf("image %s has no volumes", img)}
	}

	byVol := make(map[virtstor.UUID]Meta, len(metas))
	for _, m := range metas {
		byVol[m.Volume] = m
	}

	// The base is the one member whose parent is absent from the image:
	// either no parent at all, or a template living outside the image.
	children := make(map[virtstor.UUID][]virtstor.UUID)
	var base virtstor.UUID
	baseFound := false
	for _, m := range metas {
		if _, inImage := byVol[m.Parent]; m.HasParent() && inImage {
			children[m.Parent] = append(children[m.Parent], m.Volume)
			continue
		}
		if baseFound {
			return nil, UnexpectedVolumeStateError{Volume: m.Volume, Reason: fmt.Sprintf("image %s has more than one chain base", img)}
		}
		base = m.Volume
		baseFound = true
	}
	if !baseFound {
		return nil, UnexpectedVolumeStateError{Volume: virtstor.NilUUID, Reason: fmt.Sprintf("image %s has no chain base (cycle)", img)}
	}

	ordered := make([]Meta, 0, len(metas))
	index := make(map[virtstor.UUID]int, len(metas))
	cur := base
	for {
		m := byVol[cur]
		if m.IsShared() && len(ordered) > 0 {
			return nil, SharedVolumeError{Volume: cur}
		}
		index[cur] = len(ordered)
		ordered = append(ordered, m)
		kids := children[cur]
		if len(kids) > 1 {
			return nil, UnexpectedVolumeStateError{Volume: cur, Reason: fmt.Sprintf("volume has %d children in image %s", len(kids), img)}
		}
		if len(kids) == 0 {
			break
		}
		cur = kids[0]
	}
	if len(ordered) != len(metas) {
		return nil, UnexpectedVolumeStateError{Volume: virtstor.NilUUID, Reason: fmt.Sprintf("image %s chain is disconnected (%d of %d volumes reachable)", img, len(ordered), len(metas))}
	}

	return &Chain{image: img, members: ordered, byVol: index}, nil
}

// Image returns the image id the chain belongs to.
func (c *Chain) Image() virtstor.UUID {
	return c.image
}

// Members returns the chain in base-to-leaf order.
func (c *Chain) Members() []Meta {
	out := make([]Meta, len(c.members))
	copy(out, c.members)
	return out
}

// Len returns the number of chain members.
func (c *Chain) Len() int {
	return len(c.members)
}

// Base returns the chain's first member.
func (c *Chain) Base() Meta {
	return c.members[0]
}

// Leaf returns the chain's last member, the one accepting writes.
func (c *Chain) Leaf() Meta {
	return c.members[len(c.members)-1]
}

// Contains reports chain membership.
func (c *Chain) Contains(vol virtstor.UUID) bool {
	_, ok := c.byVol[vol]
	return ok
}

// Meta returns the member record for vol.
func (c *Chain) Meta(vol virtstor.UUID) (Meta, bool) {
	i, ok := c.byVol[vol]
	if !ok {
		return Meta{}, false
	}
	return c.members[i], true
}

// ChildOf returns the member whose parent is vol.
func (c *Chain) ChildOf(vol virtstor.UUID) (Meta, bool) {
	i, ok := c.byVol[vol]
	if !ok || i == len(c.members)-1 {
		return Meta{}, false
	}
	return c.members[i+1], true
}

// IsLeaf reports whether vol is the chain's leaf.
func (c *Chain) IsLeaf(vol virtstor.UUID) bool {
	i, ok := c.byVol[vol]
	return ok && i == len(c.members)-1
}
