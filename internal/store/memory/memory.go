// Package memory is a Durable Store kept in a go-memdb database. Write
// transactions are serialized by go-memdb, which makes the version check
// and the append one atomic step.
package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-memdb"

	"github.com/davidroman0O/durablite/internal/history"
	"github.com/davidroman0O/durablite/internal/store"
	"github.com/davidroman0O/durablite/internal/types"
)

const (
	tableInstances = "instances"
	tableEvents    = "events"
)

type instanceRecord struct {
	ID       string
	Status   string
	Instance store.Instance
}

type eventRecord struct {
	InstanceID string
	Version    uint64
	Event      history.Event
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableInstances: {
				Name: tableInstances,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"status": {
						Name:    "status",
						Indexer: &memdb.StringFieldIndex{Field: "Status"},
					},
				},
			},
			tableEvents: {
				Name: tableEvents,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "InstanceID"},
								&memdb.UintFieldIndex{Field: "Version"},
							},
						},
					},
					"instance": {
						Name:    "instance",
						Indexer: &memdb.StringFieldIndex{Field: "InstanceID"},
					},
				},
			},
		},
	}
}

type Store struct {
	db  *memdb.MemDB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("failed to create memory store: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) CreateInstance(ctx context.Context, id types.InstanceID, events []history.Event) (store.Instance, error) {
	now := s.now().UTC()
	inst, err := store.NewInstance(id, events, now)
	if err != nil {
		return store.Instance{}, err
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableInstances, "id", string(id))
	if err != nil {
		return store.Instance{}, err
	}
	if existing != nil {
		return store.Instance{}, fmt.Errorf("%w: %s", types.ErrDuplicateInstance, id)
	}

	if err := txn.Insert(tableInstances, newInstanceRecord(inst)); err != nil {
		return store.Instance{}, fmt.Errorf("failed to insert instance %s: %w", id, err)
	}
	if err := insertEvents(txn, id, 0, store.Stamp(events, now)); err != nil {
		return store.Instance{}, err
	}

	txn.Commit()
	return inst, nil
}

func (s *Store) GetInstance(ctx context.Context, id types.InstanceID) (store.Instance, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	return getInstance(txn, id)
}

func (s *Store) ReadHistory(ctx context.Context, id types.InstanceID) ([]history.Event, int, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	inst, err := getInstance(txn, id)
	if err != nil {
		return nil, 0, err
	}

	it, err := txn.Get(tableEvents, "instance", string(id))
	if err != nil {
		return nil, 0, err
	}
	var records []*eventRecord
	for obj := it.Next(); obj != nil; obj = it.Next() {
		records = append(records, obj.(*eventRecord))
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Version < records[j].Version
	})

	events := make([]history.Event, len(records))
	for i, r := range records {
		events[i] = r.Event
	}
	return events, inst.Version, nil
}

func (s *Store) AppendEvents(ctx context.Context, id types.InstanceID, expectedVersion int, events []history.Event) (store.Instance, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	inst, err := getInstance(txn, id)
	if err != nil {
		return store.Instance{}, err
	}
	if inst.Version != expectedVersion {
		return store.Instance{}, fmt.Errorf("%w: instance %s is at version %d, expected %d", types.ErrVersionConflict, id, inst.Version, expectedVersion)
	}
	if len(events) == 0 {
		return inst, nil
	}

	now := s.now().UTC()
	if err := insertEvents(txn, id, inst.Version, store.Stamp(events, now)); err != nil {
		return store.Instance{}, err
	}
	store.Apply(&inst, events, now)
	if err := txn.Insert(tableInstances, newInstanceRecord(inst)); err != nil {
		return store.Instance{}, fmt.Errorf("failed to update instance %s: %w", id, err)
	}

	txn.Commit()
	return inst, nil
}

func (s *Store) ListInstances(ctx context.Context, statuses ...types.Status) ([]store.Instance, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	var instances []store.Instance
	collect := func(it memdb.ResultIterator) {
		for obj := it.Next(); obj != nil; obj = it.Next() {
			instances = append(instances, obj.(*instanceRecord).Instance)
		}
	}

	if len(statuses) == 0 {
		it, err := txn.Get(tableInstances, "id_prefix", "")
		if err != nil {
			return nil, err
		}
		collect(it)
	}
	for _, status := range statuses {
		it, err := txn.Get(tableInstances, "status", string(status))
		if err != nil {
			return nil, err
		}
		collect(it)
	}

	sort.Slice(instances, func(i, j int) bool {
		if instances[i].CreatedAt.Equal(instances[j].CreatedAt) {
			return instances[i].ID < instances[j].ID
		}
		return instances[i].CreatedAt.Before(instances[j].CreatedAt)
	})
	return instances, nil
}

func (s *Store) Close() error {
	return nil
}

func newInstanceRecord(inst store.Instance) *instanceRecord {
	return &instanceRecord{
		ID:       string(inst.ID),
		Status:   string(inst.Status),
		Instance: inst,
	}
}

func getInstance(txn *memdb.Txn, id types.InstanceID) (store.Instance, error) {
	obj, err := txn.First(tableInstances, "id", string(id))
	if err != nil {
		return store.Instance{}, err
	}
	if obj == nil {
		return store.Instance{}, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	return obj.(*instanceRecord).Instance, nil
}

func insertEvents(txn *memdb.Txn, id types.InstanceID, fromVersion int, events []history.Event) error {
	for i, e := range events {
		record := &eventRecord{
			InstanceID: string(id),
			Version:    uint64(fromVersion + i + 1),
			Event:      e,
		}
		if err := txn.Insert(tableEvents, record); err != nil {
			return fmt.Errorf("failed to insert event %d of %s: %w", record.Version, id, err)
		}
	}
	return nil
}
