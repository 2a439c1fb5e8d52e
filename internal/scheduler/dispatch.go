package scheduler

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidroman0O/durablite/internal/executor"
	"github.com/davidroman0O/durablite/internal/history"
	"github.com/davidroman0O/durablite/internal/replay"
	"github.com/davidroman0O/durablite/internal/types"
)

// Dispatch runs one replay pass for id under its lease and persists the
// result. Version conflicts and store errors retry the whole pass on a
// freshly read history.
func (s *Scheduler) Dispatch(ctx context.Context, id types.InstanceID) error {
	ctx, span := s.tracer.Start(ctx, "dispatch", trace.WithAttributes(
		attribute.String("durablite.instance_id", string(id)),
	))
	defer span.End()

	entry := s.hold(id)
	defer s.drop(entry)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	attempt := 0
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		attempt++
		err := s.dispatchOnce(ctx, entry)
		if err != nil {
			s.cfg.logger.Debug(ctx, "Dispatch attempt failed", "instanceID", id, "attempt", attempt, "error", err)
		}
		return retryable(err)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Scheduler) dispatchOnce(ctx context.Context, entry *instance) error {
	id := entry.id

	events, version, err := s.store.ReadHistory(ctx, id)
	if err != nil {
		return fmt.Errorf("read history of %s: %w", id, err)
	}

	log := history.NewLog(events...)
	if _, done := log.Terminal(); done {
		return s.finished(ctx, entry)
	}

	started, ok := log.Started()
	if !ok {
		return fmt.Errorf("instance %s has no %s event", id, history.EventOrchestratorStarted)
	}
	workflow, err := s.registry.GetWorkflow(started.Name)
	if err != nil {
		return err
	}

	if err := history.Validate(events); err != nil {
		return s.corrupted(ctx, entry, version, err)
	}

	result, err := replay.Run(ctx, workflow, id, events, replay.Options{
		Codec:    s.cfg.codec,
		Resolver: s.registry,
		Logger:   s.cfg.logger.WithFields(map[string]interface{}{"instanceID": string(id)}),
	})
	if err != nil {
		return err
	}

	newEvents := result.Events()
	if len(newEvents) == 0 {
		s.cfg.logger.Debug(ctx, "Instance suspended", "instanceID", id, "version", version)
		return nil
	}

	inst, err := s.store.AppendEvents(ctx, id, version, newEvents)
	if err != nil {
		return err
	}

	if result.Terminal != nil {
		if result.Err != nil {
			s.cfg.logger.Error(ctx, "Instance failed", "instanceID", id, "error", result.Err)
		}
		s.cfg.logger.Info(ctx, "Instance finished", "instanceID", id, "status", inst.Status)
		s.release(entry, inst)
		return nil
	}

	// the scheduled events are durable now; this is their only submission
	// outside of recovery
	for _, scheduled := range result.Scheduled() {
		s.submitActivity(ctx, id, scheduled)
	}
	s.cfg.logger.Debug(ctx, "Instance suspended", "instanceID", id, "version", inst.Version, "scheduled", len(result.Scheduled()))
	return nil
}

// corrupted fails an instance whose stored history breaks the log
// invariants; replaying it could not be trusted.
func (s *Scheduler) corrupted(ctx context.Context, entry *instance, version int, cause error) error {
	failure := history.Failure{
		Kind:    history.FailureDivergence,
		Message: fmt.Sprintf("%v: %v", types.ErrHistoryDivergence, cause),
	}
	inst, err := s.store.AppendEvents(ctx, entry.id, version, []history.Event{history.OrchestratorFailed(failure)})
	if err != nil {
		return err
	}
	s.cfg.logger.Error(ctx, "Instance failed", "instanceID", entry.id, "error", failure.Message)
	s.release(entry, inst)
	return nil
}

// finished releases waiters of an instance whose history already ended.
func (s *Scheduler) finished(ctx context.Context, entry *instance) error {
	inst, err := s.store.GetInstance(ctx, entry.id)
	if err != nil {
		return err
	}
	s.release(entry, inst)
	return nil
}

func (s *Scheduler) submitActivity(ctx context.Context, id types.InstanceID, scheduled history.Event) {
	req := executor.ActivityRequest{
		InstanceID: id,
		Sequence:   scheduled.Sequence,
		Name:       scheduled.Name,
		Input:      scheduled.Input,
	}
	if err := s.executor.Execute(ctx, req); err != nil {
		s.cfg.logger.Error(ctx, "Error submitting activity", "instanceID", id, "sequence", scheduled.Sequence, "activity", scheduled.Name, "error", err)
		return
	}
	s.cfg.logger.Debug(ctx, "Activity submitted", "instanceID", id, "sequence", scheduled.Sequence, "activity", scheduled.Name)
}
