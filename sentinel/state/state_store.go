// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package state manages the authoritative store of the control plane. The
// store is an in-memory transactional database with durable write-through;
// every write happens inside a single transaction, maintains per-table index
// entries, and is turned into change events on commit.
package state

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/sentinel/helper/boltdd"
	"github.com/hashicorp/sentinel/sentinel/stream"
)

// Txn is a transaction against a state store. This can be a read or write
// transaction.
type Txn = *txn

// IndexEntry is used with the "index" table for looking up the latest index
// of a table.
type IndexEntry struct {
	Key   string
	Value uint64
}

// StateStoreConfig is used to configure a new state store
type StateStoreConfig struct {
	// Logger is used to output the state store's logs
	Logger hclog.Logger

	// EnablePublisher is used to enable or disable the event publisher
	EnablePublisher bool

	// EventBufferSize configures the amount of events to hold in memory
	EventBufferSize int64

	// DurableDB, when set, receives a write-through copy of every change
	// so the store can be rebuilt after a restart. Nil keeps the store
	// memory only, which tests use.
	DurableDB *boltdd.DB
}

// The StateStore is responsible for maintaining all the Sentinel state. It is
// manipulated by the RPC endpoints and the background drivers, and abstracts
// away the database internals. All write transactions are tagged with a
// message type so committed changes can be published as events.
type StateStore struct {
	logger hclog.Logger
	db     *changeTrackerDB

	// config is the passed in configuration
	config *StateStoreConfig

	// abandonCh is used to signal watchers that this state store has been
	// abandoned (usually during a restore). Readers should exit.
	abandonCh chan struct{}

	// stopEventBroker calls the cancel func for the event broker's context
	stopEventBroker context.CancelFunc
}

// NewStateStore is used to create a new state store
func NewStateStore(config *StateStoreConfig) (*StateStore, error) {
	// Create the MemDB
	db, err := memdb.NewMemDB(stateStoreSchema())
	if err != nil {
		return nil, fmt.Errorf("state store setup failed: %v", err)
	}

	// Create the state store
	ctx, cancel := context.WithCancel(context.TODO())
	s := &StateStore{
		logger:          config.Logger.Named("state_store"),
		config:          config,
		abandonCh:       make(chan struct{}),
		stopEventBroker: cancel,
	}

	var persist changePersister
	if config.DurableDB != nil {
		persist = func(changes Changes) error {
			return persistChanges(config.DurableDB, changes)
		}
	}

	if config.EnablePublisher {
		// Create new event publisher using provided config
		broker := stream.NewEventBroker(ctx, stream.EventBrokerCfg{
			EventBufferSize: config.EventBufferSize,
			Logger:          config.Logger,
		})
		s.db = NewChangeTrackerDB(db, broker, eventsFromChanges, persist)
	} else {
		s.db = NewChangeTrackerDB(db, nil, noOpProcessChanges, persist)
	}

	return s, nil
}

// EventBroker returns the event broker of the state store, or an error when
// the publisher is disabled.
func (s *StateStore) EventBroker() (*stream.EventBroker, error) {
	if s.db.publisher == nil {
		return nil, fmt.Errorf("event broker not configured")
	}
	return s.db.publisher, nil
}

// Config returns the state store configuration.
func (s *StateStore) Config() *StateStoreConfig {
	return s.config
}

// Snapshot is used to create a point in time snapshot. Because we use MemDB,
// we just need to snapshot the state of the underlying database. Snapshots
// never publish or persist; they are read-only views.
func (s *StateStore) Snapshot() (*StateSnapshot, error) {
	memDBSnap := s.db.memdb.Snapshot()

	store := StateStore{
		logger: s.logger,
		config: s.config,
	}

	store.db = NewChangeTrackerDB(memDBSnap, nil, noOpProcessChanges, nil)

	return &StateSnapshot{StateStore: store}, nil
}

// Abandon is used to signal that the given state store has been abandoned.
// Readers should check AbandonCh and exit.
func (s *StateStore) Abandon() {
	s.StopEventBroker()
	close(s.abandonCh)
}

// AbandonCh returns a channel you can wait on to know if the state store was
// abandoned.
func (s *StateStore) AbandonCh() <-chan struct{} {
	return s.abandonCh
}

// StopEventBroker calls the cancel func for the state store's event broker.
// It should be called during server shutdown.
func (s *StateStore) StopEventBroker() {
	s.stopEventBroker()
}

// Index finds the matching index value
func (s *StateStore) Index(name string) (uint64, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	out, err := txn.First(tableIndex, indexID, name)
	if err != nil {
		return 0, err
	}
	if out == nil {
		return 0, nil
	}
	return out.(*IndexEntry).Value, nil
}

// LatestIndex returns the greatest index value for all indexes.
func (s *StateStore) LatestIndex() (uint64, error) {
	indexes, err := s.Indexes()
	if err != nil {
		return 0, err
	}

	var max uint64
	for raw := indexes.Next(); raw != nil; raw = indexes.Next() {
		idx := raw.(*IndexEntry)
		if idx.Value > max {
			max = idx.Value
		}
	}

	return max, nil
}

// Indexes returns an iterator over all the indexes
func (s *StateStore) Indexes() (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	iter, err := txn.Get(tableIndex, indexID)
	if err != nil {
		return nil, err
	}
	return iter, nil
}

// StateSnapshot is used to provide a point-in-time snapshot
type StateSnapshot struct {
	StateStore
}

// Restore is used to optimize the efficiency of rebuilding state by
// minimizing the number of transactions and checking overhead.
func (s *StateStore) Restore() (*StateRestore, error) {
	txn := s.db.WriteTxnRestore()
	return &StateRestore{txn: txn}, nil
}
