package scheduler

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/davidroman0O/durablite/internal/history"
	"github.com/davidroman0O/durablite/internal/store"
	"github.com/davidroman0O/durablite/internal/types"
)

// Recover resubmits every scheduled activity that has no outcome and
// queues a dispatch for every unfinished instance. An activity that was
// running when the previous process stopped runs again.
func (s *Scheduler) Recover(ctx context.Context) error {
	instances, err := s.store.ListInstances(ctx, types.StatusPending, types.StatusRunning)
	if err != nil {
		return err
	}
	unfinished, err := s.unfinished(ctx, instances)
	if err != nil {
		return err
	}

	resubmitted := 0
	for _, inst := range instances {
		pending, ok := unfinished[inst.ID]
		if !ok {
			continue
		}
		for _, scheduled := range pending {
			s.submitActivity(ctx, inst.ID, scheduled)
			resubmitted++
		}
		s.Enqueue(inst.ID)
	}

	if len(instances) > 0 {
		s.cfg.logger.Info(ctx, "Recovered instances", "instances", len(instances), "activities", resubmitted)
	}
	return nil
}

// sweep queues the instances nothing else will dispatch: pending ones
// created through another process sharing the store, and running ones
// whose activities all have outcomes but whose last dispatch gave up.
// Instances with a dispatch queued or running here are left alone.
func (s *Scheduler) sweep(ctx context.Context) error {
	instances, err := s.store.ListInstances(ctx, types.StatusPending, types.StatusRunning)
	if err != nil {
		return err
	}

	var running []store.Instance
	for _, inst := range instances {
		if !s.idle(inst.ID) {
			continue
		}
		if _, err := s.registry.GetWorkflow(inst.Name); err != nil {
			continue
		}
		if inst.Status == types.StatusRunning {
			running = append(running, inst)
			continue
		}
		s.cfg.logger.Debug(ctx, "Picked up pending instance", "instanceID", inst.ID)
		s.Enqueue(inst.ID)
	}
	if len(running) == 0 {
		return nil
	}

	unfinished, err := s.unfinished(ctx, running)
	if err != nil {
		return err
	}
	for _, inst := range running {
		pending, ok := unfinished[inst.ID]
		if !ok || len(pending) > 0 {
			continue
		}
		s.cfg.logger.Debug(ctx, "Picked up stalled instance", "instanceID", inst.ID)
		s.Enqueue(inst.ID)
	}
	return nil
}

// unfinished reads the histories of instances concurrently and returns the
// unresolved activities of every instance whose history has not ended.
func (s *Scheduler) unfinished(ctx context.Context, instances []store.Instance) (map[types.InstanceID][]history.Event, error) {
	var (
		mu     sync.Mutex
		result = make(map[types.InstanceID][]history.Event, len(instances))
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.cfg.workers, 1))
	for _, inst := range instances {
		g.Go(func() error {
			events, _, err := s.store.ReadHistory(ctx, inst.ID)
			if err != nil {
				return fmt.Errorf("read history of %s: %w", inst.ID, err)
			}
			log := history.NewLog(events...)
			if _, ended := log.Terminal(); ended {
				return nil
			}
			mu.Lock()
			result[inst.ID] = log.Pending()
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}
