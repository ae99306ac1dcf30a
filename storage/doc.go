// Package storage holds the persisted volume model: metadata records and
// their key=value codec, the stores that keep them on shared storage (file
// tree, block metadata slots, in-memory test double), COW chain resolution,
// and the generation/legality fencing protocol that guards mutations against
// stale callers.
//
// Generation fencing is defense in depth on top of the rm broker's per-image
// exclusive lock: it catches a caller that read state, then acted after
// losing and never reacquiring the relevant lock.
package storage
