package cache

// mru keeps recently touched volume records at the head of a doubly linked
// list and evicts from the tail once the cache outgrows its capacity. The
// metadata working set on a host is small (the volumes of running VMs), so
// recency is a good enough eviction signal.
type mru[TK comparable, TV any] struct {
	minCapacity int
	maxCapacity int
	dll         *doublyLinkedList[TK]
	cache       *cache[TK, TV]
}

func newMru[TK comparable, TV any](c *cache[TK, TV], minCapacity, maxCapacity int) *mru[TK, TV] {
	return &mru[TK, TV]{
		cache:       c,
		minCapacity: minCapacity,
		maxCapacity: maxCapacity,
		dll:         newDoublyLinkedList[TK](),
	}
}

// add inserts the key at the head of the recency list and returns its node
// handle, stored alongside the entry for O(1) re-ranking on later hits.
func (m *mru[TK, TV]) add(id TK) *node[TK] {
	return m.dll.addToHead(id)
}

// remove unchains the node from the recency list, used when an entry is
// invalidated out of band (a foreign rewrite, a discard).
func (m *mru[TK, TV]) remove(n *node[TK]) {
	m.dll.delete(n)
}

// evict drops the least recently touched entries until the cache fits its
// capacity again, keeping the key index in sync.
func (m *mru[TK, TV]) evict() {
	for {
		if !m.isFull() {
			break
		}
		if id, ok := m.dll.deleteFromTail(); ok {
			if v, found := m.cache.lookup[id]; found {
				v.dllNode = nil
				delete(m.cache.lookup, id)
			}
		} else {
			break
		}
	}
}

// isFull reports whether the cache has reached its maximum capacity.
func (m *mru[TK, TV]) isFull() bool {
	return m.dll.count() >= m.maxCapacity
}
