package replay

import (
	"errors"
	"fmt"

	"github.com/davidroman0O/durablite/internal/history"
	"github.com/davidroman0O/durablite/internal/io"
	"github.com/davidroman0O/durablite/internal/types"
)

// Future is the handle of one call position. Get either returns the
// recorded outcome or suspends the orchestration until it exists.
type Future struct {
	state    *state
	sequence int
	name     string
	err      error

	// side effects resolve on the spot
	resolved bool
	data     []byte
}

// Sequence is the call position the future is bound to, -1 if the call
// could not be issued.
func (f Future) Sequence() int {
	if f.state == nil {
		return -1
	}
	return f.sequence
}

// Get decodes the outcome into out, which may be nil when the result is
// not needed. A failed activity returns a *types.ActivityError. When the
// outcome is not recorded yet the orchestration stops here and resumes on
// a later dispatch.
func (f Future) Get(out interface{}) error {
	if f.err != nil {
		return f.err
	}
	if f.state == nil {
		return errors.New("future was not issued by a workflow context")
	}
	if f.resolved {
		return f.decode(f.data, out)
	}

	outcome, ok := f.state.log.Outcome(f.sequence)
	if !ok {
		panic(errSuspended)
	}

	switch outcome.Type {
	case history.EventActivityCompleted:
		return f.decode(outcome.Output, out)
	case history.EventActivityFailed:
		activityErr := &types.ActivityError{
			Name:     f.name,
			Sequence: f.sequence,
		}
		if outcome.Failure != nil {
			activityErr.Kind = outcome.Failure.Kind
			activityErr.Message = outcome.Failure.Message
		}
		return activityErr
	default:
		return fmt.Errorf("unexpected outcome %s for sequence %d", outcome.Type, f.sequence)
	}
}

func (f Future) decode(data []byte, out interface{}) error {
	if out == nil {
		return nil
	}
	if err := io.ConvertToPointer(f.state.codec, data, out); err != nil {
		return fmt.Errorf("sequence %d: %w", f.sequence, err)
	}
	return nil
}
