package rm

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"
)

// namespace is one registered resource category. Its mutex is the single
// coarse critical section serializing every admission decision for resources
// in it. Grant/cancel deliveries are collected under the lock and emitted
// after it is dropped, so callbacks and channel sends can never deadlock the
// broker.
type namespace struct {
	name    string
	factory ResourceFactory

	mu        sync.Mutex
	resources map[string]*resource
}

// resource is one live lockable name: current mode, active holders, and the
// FIFO wait queue. It exists from first acquisition until the last release
// finds an empty queue.
type resource struct {
	name        string
	mode        Mode
	activeUsers int
	queue       []*Request
	backing     Backing
}

// register runs the entry-side admission algorithm for req:
//  1. fast path: resource held shared, empty queue, shared request - join the
//     holders immediately;
//  2. resource exists otherwise - append to the FIFO queue;
//  3. resource absent - create it through the factory and grant.
func (ns *namespace) register(ctx context.Context, req *Request) error {
	var pending []delivery

	ns.mu.Lock()
	res, ok := ns.resources[req.name]
	switch {
	case ok && res.mode == Shared && res.activeUsers > 0 && len(res.queue) == 0 && req.mode == Shared:
		res.activeUsers++
		g := newGrant(ns, req.name, Shared, res.backing)
		req.markLocked(stateGranted, g)
		pending = append(pending, delivery{req: req, grant: g})
		log.Debug("shared fast-path grant", "key", req.Key(), "holders", res.activeUsers)
	case ok:
		res.queue = append(res.queue, req)
		log.Debug("request queued", "key", req.Key(), "mode", req.mode.String(), "queue", len(res.queue))
	default:
		exists, err := ns.factory.Exists(ctx, req.name)
		if err != nil {
			ns.mu.Unlock()
			return fmt.Errorf("checking resource %s.%s: %w", ns.name, req.name, err)
		}
		if !exists {
			ns.mu.Unlock()
			return fmt.Errorf("%w: %s.%s", ErrResourceNotFound, ns.name, req.name)
		}
		backing, err := ns.factory.Create(ctx, req.name, req.mode)
		if err != nil {
			ns.mu.Unlock()
			return fmt.Errorf("creating resource %s.%s: %w", ns.name, req.name, err)
		}
		res = &resource{name: req.name, mode: req.mode, activeUsers: 1, backing: backing}
		ns.resources[req.name] = res
		g := newGrant(ns, req.name, req.mode, backing)
		req.markLocked(stateGranted, g)
		pending = append(pending, delivery{req: req, grant: g})
		log.Debug("resource created and granted", "key", req.Key(), "mode", req.mode.String())
	}
	ns.mu.Unlock()

	for _, d := range pending {
		d.emit()
	}
	return nil
}

// release drops one holder. When the holder count reaches zero it runs the
// exit-side admission: free the resource if the queue is empty, otherwise
// grant the head (and, for a shared head, every contiguous shared request
// behind it).
func (ns *namespace) release(name string) error {
	var pending []delivery

	ns.mu.Lock()
	res, ok := ns.resources[name]
	if !ok {
		ns.mu.Unlock()
		return fmt.Errorf("%w: %s.%s", ErrResourceNotFound, ns.name, name)
	}
	if res.activeUsers <= 0 {
		ns.mu.Unlock()
		return fmt.Errorf("%w: %s.%s", ErrNotHeld, ns.name, name)
	}
	res.activeUsers--
	if res.activeUsers == 0 {
		pending = ns.admitLocked(res)
	}
	ns.mu.Unlock()

	for _, d := range pending {
		d.emit()
	}
	return nil
}

// admitLocked runs with zero active holders. The queue holds only waiting
// requests: cancellation removes entries in place.
func (ns *namespace) admitLocked(res *resource) []delivery {
	if len(res.queue) == 0 {
		if res.backing != nil {
			if err := res.backing.Close(); err != nil {
				log.Warn("closing freed resource backing failed", "key", ns.name+"."+res.name, "error", err.Error())
			}
		}
		delete(ns.resources, res.name)
		log.Debug("resource freed", "key", ns.name+"."+res.name)
		return nil
	}

	head := res.queue[0]
	res.queue = res.queue[1:]
	if head.mode != res.mode {
		ns.switchModeLocked(res, head.mode)
	}
	res.mode = head.mode
	res.activeUsers = 1
	headGrant := newGrant(ns, res.name, head.mode, res.backing)
	head.markLocked(stateGranted, headGrant)
	pending := []delivery{{req: head, grant: headGrant}}

	if head.mode == Shared {
		// Batch admission: every contiguous shared request behind the head
		// joins it. A later exclusive request never jumps ahead of earlier
		// shared ones, and readers are not starved by a writer queued
		// behind them.
		for len(res.queue) > 0 && res.queue[0].mode == Shared {
			next := res.queue[0]
			res.queue = res.queue[1:]
			res.activeUsers++
			g := newGrant(ns, res.name, Shared, res.backing)
			next.markLocked(stateGranted, g)
			pending = append(pending, delivery{req: next, grant: g})
		}
	}
	log.Debug("queue admission", "key", ns.name+"."+res.name, "mode", res.mode.String(), "granted", len(pending), "queued", len(res.queue))
	return pending
}

// switchModeLocked asks the backing to change mode in place; on absence or
// failure of that capability it closes and recreates the backing under the
// new mode.
func (ns *namespace) switchModeLocked(res *resource, mode Mode) {
	if res.backing != nil {
		if ms, ok := res.backing.(ModeSwitcher); ok {
			if err := ms.SwitchMode(mode); err == nil {
				return
			} else {
				log.Warn("in-place mode switch failed, recreating backing", "key", ns.name+"."+res.name, "mode", mode.String(), "error", err.Error())
			}
		}
		if err := res.backing.Close(); err != nil {
			log.Warn("closing backing for mode switch failed", "key", ns.name+"."+res.name, "error", err.Error())
		}
		res.backing = nil
	}
	backing, err := ns.factory.Create(context.Background(), res.name, mode)
	if err != nil {
		// The grant proceeds without a backing; the factory failure is the
		// backing's problem, not an admission failure.
		log.Error("recreating backing under new mode failed", "key", ns.name+"."+res.name, "mode", mode.String(), "error", err.Error())
		return
	}
	res.backing = backing
}

// cancel withdraws a queued request. Grant and cancel both run under the
// namespace lock, so exactly one side of any race wins.
func (ns *namespace) cancel(req *Request) error {
	ns.mu.Lock()
	if !req.markLocked(stateCanceled, nil) {
		ns.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyProcessed, req.Key())
	}
	if res, ok := ns.resources[req.name]; ok {
		for i, queued := range res.queue {
			if queued == req {
				res.queue = append(res.queue[:i], res.queue[i+1:]...)
				break
			}
		}
	}
	ns.mu.Unlock()

	req.deliver(nil)
	log.Debug("request canceled", "key", req.Key(), "request", req.id.String())
	return nil
}
