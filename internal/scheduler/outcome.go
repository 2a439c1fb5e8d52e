package scheduler

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-retry"

	"github.com/davidroman0O/durablite/internal/executor"
	"github.com/davidroman0O/durablite/internal/history"
	"github.com/davidroman0O/durablite/internal/store"
	"github.com/davidroman0O/durablite/internal/types"
)

// OnActivityOutcome records the completion or failure of one scheduled
// activity and queues a dispatch. Outcomes for a sequence that already has
// one are ignored, whatever order they arrive in.
func (s *Scheduler) OnActivityOutcome(ctx context.Context, outcome executor.Outcome) {
	id := outcome.InstanceID
	entry := s.hold(id)
	defer s.drop(entry)

	entry.mu.Lock()
	var recorded bool
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		var err error
		recorded, err = s.recordOutcome(ctx, outcome)
		return retryable(err)
	})
	entry.mu.Unlock()

	if err != nil {
		s.cfg.logger.Error(ctx, "Error recording activity outcome", "instanceID", id, "sequence", outcome.Sequence, "error", err)
	}
	if err != nil || !recorded {
		return
	}
	s.Enqueue(id)
}

// recordOutcome reports whether the outcome was appended to a running
// instance.
func (s *Scheduler) recordOutcome(ctx context.Context, outcome executor.Outcome) (bool, error) {
	id := outcome.InstanceID

	events, version, err := s.store.ReadHistory(ctx, id)
	if err != nil {
		return false, err
	}
	log := history.NewLog(events...)

	call, ok := log.Call(outcome.Sequence)
	if !ok || call.Type != history.EventActivityScheduled {
		s.cfg.logger.Warn(ctx, "Outcome for an activity that was never scheduled", "instanceID", id, "sequence", outcome.Sequence)
		return false, nil
	}
	if _, done := log.Outcome(outcome.Sequence); done {
		s.cfg.logger.Debug(ctx, "Duplicate activity outcome ignored", "instanceID", id, "sequence", outcome.Sequence)
		return false, nil
	}

	if _, ended := log.Terminal(); ended {
		if !s.cfg.recordLateOutcomes {
			s.cfg.logger.Debug(ctx, "Late activity outcome dropped", "instanceID", id, "sequence", outcome.Sequence)
			return false, nil
		}
		if _, err := s.store.AppendEvents(ctx, id, version, []history.Event{outcome.Event()}); err != nil {
			return false, err
		}
		s.cfg.logger.Debug(ctx, "Late activity outcome recorded", "instanceID", id, "sequence", outcome.Sequence)
		return false, nil
	}

	if _, err := s.store.AppendEvents(ctx, id, version, []history.Event{outcome.Event()}); err != nil {
		return false, err
	}
	s.cfg.logger.Debug(ctx, "Activity outcome recorded", "instanceID", id, "sequence", outcome.Sequence, "failed", outcome.Failure != nil)
	return true, nil
}

// Terminate ends a running instance with reason. Activities already
// submitted keep running; their outcomes are late.
func (s *Scheduler) Terminate(ctx context.Context, id types.InstanceID, reason string) (store.Instance, error) {
	entry := s.hold(id)
	defer s.drop(entry)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	var inst store.Instance
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		events, version, err := s.store.ReadHistory(ctx, id)
		if err != nil {
			return retryable(err)
		}
		if terminal, ended := history.NewLog(events...).Terminal(); ended {
			return fmt.Errorf("%w: instance %s already ended with %s", types.ErrInvalidTransition, id, terminal.Type)
		}
		inst, err = s.store.AppendEvents(ctx, id, version, []history.Event{history.OrchestratorTerminated(reason)})
		return retryable(err)
	})
	if err != nil {
		return store.Instance{}, err
	}

	s.cfg.logger.Info(ctx, "Instance terminated", "instanceID", id, "reason", reason)
	s.release(entry, inst)
	return inst, nil
}
