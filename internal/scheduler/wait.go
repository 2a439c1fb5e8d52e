package scheduler

import (
	"context"
	"time"

	"github.com/davidroman0O/durablite/internal/store"
	"github.com/davidroman0O/durablite/internal/types"
)

// Wait blocks until id reaches a terminal status. It is woken by the
// dispatch that ends the instance, and re-reads the store every poll
// interval for instances ended by another process.
func (s *Scheduler) Wait(ctx context.Context, id types.InstanceID) (store.Instance, error) {
	ch := make(chan store.Instance, 1)

	s.mu.Lock()
	entry := s.entryLocked(id)
	entry.holds++
	entry.waiters = append(entry.waiters, ch)
	s.mu.Unlock()
	defer s.removeWaiter(entry, ch)

	inst, err := s.store.GetInstance(ctx, id)
	if err != nil {
		return store.Instance{}, err
	}
	if inst.Status.IsTerminal() {
		return inst, nil
	}

	var poll <-chan time.Time
	if s.cfg.pollInterval > 0 {
		ticker := time.NewTicker(s.cfg.pollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	for {
		select {
		case inst := <-ch:
			return inst, nil
		case <-poll:
			inst, err := s.store.GetInstance(ctx, id)
			if err != nil {
				return store.Instance{}, err
			}
			if inst.Status.IsTerminal() {
				return inst, nil
			}
		case <-ctx.Done():
			return store.Instance{}, ctx.Err()
		case <-s.done():
			return store.Instance{}, types.ErrClosed
		}
	}
}

// release hands a terminal snapshot to every waiter of entry.
func (s *Scheduler) release(entry *instance, inst store.Instance) {
	if !inst.Status.IsTerminal() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range entry.waiters {
		select {
		case ch <- inst:
		default:
		}
	}
	entry.waiters = nil
	s.forgetLocked(entry)
}

func (s *Scheduler) removeWaiter(entry *instance, ch chan store.Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, waiter := range entry.waiters {
		if waiter == ch {
			entry.waiters = append(entry.waiters[:i], entry.waiters[i+1:]...)
			break
		}
	}
	entry.holds--
	s.forgetLocked(entry)
}

// forgetLocked drops an idle entry that nobody holds or waits on; the next
// request for the instance builds a fresh one.
func (s *Scheduler) forgetLocked(entry *instance) {
	if entry.holds > 0 || len(entry.waiters) > 0 || entry.state() != StateIdle {
		return
	}
	if s.instances[entry.id] == entry {
		delete(s.instances, entry.id)
	}
}

func (s *Scheduler) done() <-chan struct{} {
	if s.ctx == nil {
		return nil
	}
	return s.ctx.Done()
}
