package clock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock(t *testing.T) {
	t.Run("ticks subscribers", func(t *testing.T) {
		c := NewClock(context.Background(), 5*time.Millisecond, nil)
		var inline, background atomic.Int32
		c.Add("inline", TickerFunc(func(ctx context.Context) error {
			inline.Add(1)
			return nil
		}), BestEffort)
		c.Add("background", TickerFunc(func(ctx context.Context) error {
			background.Add(1)
			return nil
		}), NonBlocking, WithName("background"))

		c.Start()
		defer c.Stop()

		assert.Eventually(t, func() bool {
			return inline.Load() >= 3 && background.Load() >= 3
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("respects subscriber interval", func(t *testing.T) {
		c := NewClock(context.Background(), 2*time.Millisecond, nil)
		var fast, slow atomic.Int32
		c.Add("fast", TickerFunc(func(ctx context.Context) error {
			fast.Add(1)
			return nil
		}), BestEffort)
		c.Add("slow", TickerFunc(func(ctx context.Context) error {
			slow.Add(1)
			return nil
		}), BestEffort, WithInterval(time.Hour))

		c.Start()
		assert.Eventually(t, func() bool { return fast.Load() >= 5 }, time.Second, 2*time.Millisecond)
		c.Stop()

		assert.Equal(t, int32(1), slow.Load())
	})

	t.Run("reports errors", func(t *testing.T) {
		errs := make(chan error, 10)
		c := NewClock(context.Background(), 2*time.Millisecond, func(err error) {
			select {
			case errs <- err:
			default:
			}
		})
		c.Add("failing", TickerFunc(func(ctx context.Context) error {
			return errors.New("sweep failed")
		}), BestEffort)
		c.Start()
		defer c.Stop()

		select {
		case err := <-errs:
			assert.EqualError(t, err, "sweep failed")
		case <-time.After(time.Second):
			t.Fatal("no error reported")
		}
	})

	t.Run("remove and stop", func(t *testing.T) {
		c := NewClock(context.Background(), 2*time.Millisecond, nil)
		var count atomic.Int32
		c.Add("gone", TickerFunc(func(ctx context.Context) error {
			count.Add(1)
			return nil
		}), NonBlocking)
		c.Remove("gone")
		c.Start()
		time.Sleep(20 * time.Millisecond)
		c.Stop()
		c.Stop()

		assert.Equal(t, int32(0), count.Load())
	})
}
