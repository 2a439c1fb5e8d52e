// Package sqlite is a Durable Store in a SQLite database, written through
// ent's SQL builder over the pure Go modernc driver.
package sqlite

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"entgo.io/ent/dialect/sql/sqlgraph"
	_ "modernc.org/sqlite"

	"github.com/davidroman0O/durablite/internal/history"
	"github.com/davidroman0O/durablite/internal/store"
	"github.com/davidroman0O/durablite/internal/types"
	"github.com/davidroman0O/durablite/pkg/logs"
)

const (
	tableInstances = "instances"
	tableEvents    = "events"
)

var instanceColumns = []string{
	"id", "name", "status", "input", "output", "failure_kind", "failure_message", "version", "created_at", "updated_at",
}

var eventColumns = []string{
	"type", "sequence", "name", "input", "output", "failure_kind", "failure_message", "timestamp",
}

type config struct {
	memory      bool
	path        string
	destructive bool
	logger      logs.Logger
}

type Option func(*config) error

func WithMemory() Option {
	return func(c *config) error {
		c.memory = true
		return nil
	}
}

func WithPath(path string) Option {
	return func(c *config) error {
		c.path = path
		return nil
	}
}

// WithDestructive removes an existing database file before opening it.
func WithDestructive() Option {
	return func(c *config) error {
		c.destructive = true
		return nil
	}
}

func WithLogger(logger logs.Logger) Option {
	return func(c *config) error {
		c.logger = logger
		return nil
	}
}

type Store struct {
	db     *stdsql.DB
	driver *entsql.Driver
	logger logs.Logger
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

func New(ctx context.Context, opts ...Option) (*Store, error) {
	cfg := &config{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.logger == nil {
		cfg.logger = logs.Noop()
	}

	var dsn string
	switch {
	case cfg.memory:
		dsn = ":memory:"
	case cfg.path != "":
		if cfg.destructive {
			for _, file := range []string{cfg.path, cfg.path + "-wal", cfg.path + "-shm"} {
				if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
					return nil, fmt.Errorf("remove sqlite db %s: %w", file, err)
				}
			}
		}
		// Ensure folder exists
		if err := os.MkdirAll(filepath.Dir(cfg.path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		dsn = filepath.Clean(cfg.path)
	default:
		return nil, errors.New("sqlite store needs a path or memory mode")
	}
	dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

	db, err := stdsql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one connection serializes writers and keeps a memory database alive
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	cfg.logger.Debug(ctx, "SQLite store opened", "memory", cfg.memory, "path", cfg.path)

	return &Store{
		db:     db,
		driver: entsql.OpenDB(dialect.SQLite, db),
		logger: cfg.logger,
		now:    time.Now,
	}, nil
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func builder() *entsql.DialectBuilder {
	return entsql.Dialect(dialect.SQLite)
}

func (s *Store) CreateInstance(ctx context.Context, id types.InstanceID, events []history.Event) (store.Instance, error) {
	now := s.now().UTC()
	inst, err := store.NewInstance(id, events, now)
	if err != nil {
		return store.Instance{}, err
	}

	err = s.withTx(ctx, func(tx dialect.Tx) error {
		query, args := builder().Insert(tableInstances).
			Columns(instanceColumns...).
			Values(instanceValues(inst)...).
			Query()
		if err := tx.Exec(ctx, query, args, nil); err != nil {
			if sqlgraph.IsUniqueConstraintError(err) {
				return fmt.Errorf("%w: %s", types.ErrDuplicateInstance, id)
			}
			return fmt.Errorf("failed to insert instance %s: %w", id, err)
		}
		return insertEvents(ctx, tx, id, 0, store.Stamp(events, now))
	})
	if err != nil {
		return store.Instance{}, err
	}
	return inst, nil
}

func (s *Store) GetInstance(ctx context.Context, id types.InstanceID) (store.Instance, error) {
	var inst store.Instance
	err := s.withTx(ctx, func(tx dialect.Tx) error {
		var err error
		inst, err = getInstance(ctx, tx, id)
		return err
	})
	return inst, err
}

func (s *Store) ReadHistory(ctx context.Context, id types.InstanceID) ([]history.Event, int, error) {
	var (
		events  []history.Event
		version int
	)
	err := s.withTx(ctx, func(tx dialect.Tx) error {
		inst, err := getInstance(ctx, tx, id)
		if err != nil {
			return err
		}
		version = inst.Version

		query, args := builder().Select(eventColumns...).
			From(entsql.Table(tableEvents)).
			Where(entsql.EQ("instance_id", string(id))).
			OrderBy("version").
			Query()
		rows := &entsql.Rows{}
		if err := tx.Query(ctx, query, args, rows); err != nil {
			return fmt.Errorf("failed to read history of %s: %w", id, err)
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEvent(rows)
			if err != nil {
				return err
			}
			events = append(events, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, err
	}
	return events, version, nil
}

func (s *Store) AppendEvents(ctx context.Context, id types.InstanceID, expectedVersion int, events []history.Event) (store.Instance, error) {
	var inst store.Instance
	err := s.withTx(ctx, func(tx dialect.Tx) error {
		var err error
		inst, err = getInstance(ctx, tx, id)
		if err != nil {
			return err
		}
		if inst.Version != expectedVersion {
			return fmt.Errorf("%w: instance %s is at version %d, expected %d", types.ErrVersionConflict, id, inst.Version, expectedVersion)
		}
		if len(events) == 0 {
			return nil
		}

		now := s.now().UTC()
		if err := insertEvents(ctx, tx, id, inst.Version, store.Stamp(events, now)); err != nil {
			return err
		}
		store.Apply(&inst, events, now)

		failureKind, failureMessage := failureColumns(inst.Failure)
		query, args := builder().Update(tableInstances).
			Set("status", string(inst.Status)).
			Set("output", inst.Output).
			Set("failure_kind", failureKind).
			Set("failure_message", failureMessage).
			Set("version", inst.Version).
			Set("updated_at", inst.UpdatedAt.UnixNano()).
			Where(entsql.And(
				entsql.EQ("id", string(id)),
				entsql.EQ("version", expectedVersion),
			)).
			Query()
		var res stdsql.Result
		if err := tx.Exec(ctx, query, args, &res); err != nil {
			return fmt.Errorf("failed to update instance %s: %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected != 1 {
			return fmt.Errorf("%w: instance %s moved past version %d", types.ErrVersionConflict, id, expectedVersion)
		}
		return nil
	})
	if err != nil {
		return store.Instance{}, err
	}
	return inst, nil
}

func (s *Store) ListInstances(ctx context.Context, statuses ...types.Status) ([]store.Instance, error) {
	var instances []store.Instance
	err := s.withTx(ctx, func(tx dialect.Tx) error {
		selector := builder().Select(instanceColumns...).
			From(entsql.Table(tableInstances)).
			OrderBy("created_at", "id")
		if len(statuses) > 0 {
			values := make([]interface{}, len(statuses))
			for i, status := range statuses {
				values[i] = string(status)
			}
			selector = selector.Where(entsql.In("status", values...))
		}
		query, args := selector.Query()

		rows := &entsql.Rows{}
		if err := tx.Query(ctx, query, args, rows); err != nil {
			return fmt.Errorf("failed to list instances: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			inst, err := scanInstance(rows)
			if err != nil {
				return err
			}
			instances = append(instances, inst)
		}
		return rows.Err()
	})
	return instances, err
}

func (s *Store) withTx(ctx context.Context, fn func(tx dialect.Tx) error) error {
	tx, err := s.driver.Tx(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			s.logger.Error(ctx, "Error rolling back transaction", "error", rerr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func getInstance(ctx context.Context, tx dialect.Tx, id types.InstanceID) (store.Instance, error) {
	query, args := builder().Select(instanceColumns...).
		From(entsql.Table(tableInstances)).
		Where(entsql.EQ("id", string(id))).
		Query()
	rows := &entsql.Rows{}
	if err := tx.Query(ctx, query, args, rows); err != nil {
		return store.Instance{}, fmt.Errorf("failed to read instance %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return store.Instance{}, err
		}
		return store.Instance{}, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	return scanInstance(rows)
}

func insertEvents(ctx context.Context, tx dialect.Tx, id types.InstanceID, fromVersion int, events []history.Event) error {
	if len(events) == 0 {
		return nil
	}
	insert := builder().Insert(tableEvents).
		Columns(append([]string{"instance_id", "version"}, eventColumns...)...)
	for i, e := range events {
		failureKind, failureMessage := failureColumns(e.Failure)
		insert = insert.Values(
			string(id),
			fromVersion+i+1,
			string(e.Type),
			e.Sequence,
			e.Name,
			e.Input,
			e.Output,
			failureKind,
			failureMessage,
			e.Timestamp.UnixNano(),
		)
	}
	query, args := insert.Query()
	if err := tx.Exec(ctx, query, args, nil); err != nil {
		if sqlgraph.IsUniqueConstraintError(err) {
			return fmt.Errorf("%w: instance %s already has version %d", types.ErrVersionConflict, id, fromVersion+1)
		}
		return fmt.Errorf("failed to insert events of %s: %w", id, err)
	}
	return nil
}

func instanceValues(inst store.Instance) []interface{} {
	failureKind, failureMessage := failureColumns(inst.Failure)
	return []interface{}{
		string(inst.ID),
		inst.Name,
		string(inst.Status),
		inst.Input,
		inst.Output,
		failureKind,
		failureMessage,
		inst.Version,
		inst.CreatedAt.UnixNano(),
		inst.UpdatedAt.UnixNano(),
	}
}

func failureColumns(f *history.Failure) (stdsql.NullString, stdsql.NullString) {
	if f == nil {
		return stdsql.NullString{}, stdsql.NullString{}
	}
	return stdsql.NullString{String: f.Kind, Valid: true}, stdsql.NullString{String: f.Message, Valid: true}
}

func failureFromColumns(kind, message stdsql.NullString) *history.Failure {
	if !kind.Valid {
		return nil
	}
	return &history.Failure{Kind: kind.String, Message: message.String}
}

func scanInstance(rows *entsql.Rows) (store.Instance, error) {
	var (
		inst                    store.Instance
		id, status              string
		failureKind, failureMsg stdsql.NullString
		createdAt, updatedAt    int64
	)
	if err := rows.Scan(
		&id,
		&inst.Name,
		&status,
		&inst.Input,
		&inst.Output,
		&failureKind,
		&failureMsg,
		&inst.Version,
		&createdAt,
		&updatedAt,
	); err != nil {
		return store.Instance{}, fmt.Errorf("scan instance: %w", err)
	}
	inst.ID = types.InstanceID(id)
	inst.Status = types.Status(status)
	inst.Failure = failureFromColumns(failureKind, failureMsg)
	inst.CreatedAt = time.Unix(0, createdAt).UTC()
	inst.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return inst, nil
}

func scanEvent(rows *entsql.Rows) (history.Event, error) {
	var (
		e                       history.Event
		eventType               string
		name                    stdsql.NullString
		failureKind, failureMsg stdsql.NullString
		timestamp               int64
	)
	if err := rows.Scan(
		&eventType,
		&e.Sequence,
		&name,
		&e.Input,
		&e.Output,
		&failureKind,
		&failureMsg,
		&timestamp,
	); err != nil {
		return history.Event{}, fmt.Errorf("scan event: %w", err)
	}
	e.Type = history.EventType(eventType)
	e.Name = name.String
	e.Failure = failureFromColumns(failureKind, failureMsg)
	e.Timestamp = time.Unix(0, timestamp).UTC()
	return e, nil
}
