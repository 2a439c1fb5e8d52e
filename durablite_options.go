package durablite

import (
	"time"

	"github.com/davidroman0O/durablite/internal/executor"
	"github.com/davidroman0O/durablite/internal/io"
	"github.com/davidroman0O/durablite/internal/store"
	"github.com/davidroman0O/durablite/pkg/logs"
)

type config struct {
	path        *string
	destructive bool
	logger      logs.Logger
	store       store.Store
	executor    executor.Executor
	codec       io.Codec

	dispatchWorkers    int
	activityWorkers    int
	retryBase          time.Duration
	retryMax           time.Duration
	retryAttempts      uint64
	pollInterval       time.Duration
	recordLateOutcomes bool
	deadlockDetection  *bool
}

type Option func(*config)

func WithLogger(logger logs.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithPath keeps instances in a SQLite database at path.
func WithPath(path string) Option {
	return func(c *config) {
		c.path = &path
	}
}

// WithMemory keeps instances in memory; they are lost with the process.
func WithMemory() Option {
	return func(c *config) {
		c.path = nil
	}
}

// WithDestructive deletes the SQLite database given to WithPath on start.
func WithDestructive() Option {
	return func(c *config) {
		c.destructive = true
	}
}

// WithStore uses st instead of opening one. The engine does not close it.
func WithStore(st store.Store) Option {
	return func(c *config) {
		c.store = st
	}
}

// WithExecutor replaces the in-process activity executor.
func WithExecutor(exec executor.Executor) Option {
	return func(c *config) {
		c.executor = exec
	}
}

func WithCodec(codec io.Codec) Option {
	return func(c *config) {
		c.codec = codec
	}
}

// WithDispatchWorkers sets how many instances replay in parallel.
func WithDispatchWorkers(n int) Option {
	return func(c *config) {
		c.dispatchWorkers = n
	}
}

func WithActivityWorkers(n int) Option {
	return func(c *config) {
		c.activityWorkers = n
	}
}

// WithDispatchRetry bounds the retries of a dispatch after a version
// conflict or a store error.
func WithDispatchRetry(base, max time.Duration, attempts uint64) Option {
	return func(c *config) {
		c.retryBase = base
		c.retryMax = max
		c.retryAttempts = attempts
	}
}

// WithPollInterval sets how often the store is swept for instances started
// by another process. Zero disables the sweep.
func WithPollInterval(interval time.Duration) Option {
	return func(c *config) {
		c.pollInterval = interval
	}
}

// WithRecordLateOutcomes appends activity outcomes that arrive after an
// instance ended instead of dropping them.
func WithRecordLateOutcomes(record bool) Option {
	return func(c *config) {
		c.recordLateOutcomes = record
	}
}

// WithDeadlockDetection turns the lock-order detector of the instance locks
// on or off. The setting is process wide.
func WithDeadlockDetection(enabled bool) Option {
	return func(c *config) {
		c.deadlockDetection = &enabled
	}
}

type startConfig struct {
	instanceID InstanceID
}

type StartOption func(*startConfig)

// WithInstanceID starts the instance under a caller chosen id. Start fails
// with ErrDuplicateInstance when the id is taken.
func WithInstanceID(id InstanceID) StartOption {
	return func(c *startConfig) {
		c.instanceID = id
	}
}
