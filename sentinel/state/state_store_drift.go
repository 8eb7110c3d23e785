// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/sentinel/sentinel/structs"
)

// UpsertDriftEvent records a newly detected drift. At most one unresolved
// event may exist per node; a second detection for the same node returns
// ErrInvalidState so scans stay idempotent.
func (s *StateStore) UpsertDriftEvent(index uint64, event *structs.DriftEvent) error {
	txn := s.db.WriteTxnMsgT(structs.DriftUpsertRequestType, index)
	defer txn.Abort()

	unresolved, err := unresolvedDriftByNodeTxn(txn, event.NodeID)
	if err != nil {
		return err
	}
	if unresolved != nil {
		return fmt.Errorf("%w: node %q already has unresolved drift event %q",
			structs.ErrInvalidState, event.NodeID, unresolved.ID)
	}

	event = event.Copy()
	event.CreateIndex = index
	event.ModifyIndex = index
	if err := txn.Insert(TableDriftEvents, event); err != nil {
		return fmt.Errorf("drift event insert failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableDriftEvents, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// ResolveDriftEvent resolves an event exactly once with the given resolution.
func (s *StateStore) ResolveDriftEvent(index uint64, eventID, resolution string, now time.Time) (*structs.DriftEvent, error) {
	txn := s.db.WriteTxnMsgT(structs.DriftResolveRequestType, index)
	defer txn.Abort()

	raw, err := txn.First(TableDriftEvents, indexID, eventID)
	if err != nil {
		return nil, fmt.Errorf("drift event lookup failed: %v", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w %q", structs.ErrUnknownDrift, eventID)
	}

	event := raw.(*structs.DriftEvent)
	if event.Resolved() {
		return nil, fmt.Errorf("%w: drift event %q already resolved", structs.ErrInvalidState, eventID)
	}
	if !structs.ValidDriftResolution(resolution) {
		return nil, fmt.Errorf("unrecognized drift resolution %q", resolution)
	}

	updated := event.Copy()
	updated.ResolvedAt = &now
	updated.Resolution = resolution
	updated.ModifyIndex = index
	if err := txn.Insert(TableDriftEvents, updated); err != nil {
		return nil, fmt.Errorf("drift event update failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableDriftEvents, index}); err != nil {
		return nil, fmt.Errorf("index update failed: %v", err)
	}

	if err := txn.Commit(); err != nil {
		return nil, err
	}
	return updated, nil
}

// ResolveNodeDrift resolves the unresolved event of a node, if any, and
// returns it. Used by the scanner's auto-correction path.
func (s *StateStore) ResolveNodeDrift(index uint64, nodeID, resolution string, now time.Time) (*structs.DriftEvent, error) {
	txn := s.db.WriteTxnMsgT(structs.DriftResolveRequestType, index)
	defer txn.Abort()

	unresolved, err := unresolvedDriftByNodeTxn(txn, nodeID)
	if err != nil {
		return nil, err
	}
	if unresolved == nil {
		return nil, nil
	}

	updated := unresolved.Copy()
	updated.ResolvedAt = &now
	updated.Resolution = resolution
	updated.ModifyIndex = index
	if err := txn.Insert(TableDriftEvents, updated); err != nil {
		return nil, fmt.Errorf("drift event update failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableDriftEvents, index}); err != nil {
		return nil, fmt.Errorf("index update failed: %v", err)
	}

	if err := txn.Commit(); err != nil {
		return nil, err
	}
	return updated, nil
}

// DriftEventByID returns the drift event with the given id.
func (s *StateStore) DriftEventByID(ws memdb.WatchSet, id string) (*structs.DriftEvent, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	watchCh, existing, err := txn.FirstWatch(TableDriftEvents, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("drift event lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.DriftEvent), nil
	}
	return nil, nil
}

// DriftEvents returns an iterator over all drift events.
func (s *StateStore) DriftEvents(ws memdb.WatchSet) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	iter, err := txn.Get(TableDriftEvents, indexID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}

// DriftEventsByProject returns an iterator over the drift events of a
// project.
func (s *StateStore) DriftEventsByProject(ws memdb.WatchSet, projectID string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	iter, err := txn.Get(TableDriftEvents, indexProject, projectID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}

// UnresolvedDriftByNode returns the single unresolved event of a node, or
// nil.
func (s *StateStore) UnresolvedDriftByNode(ws memdb.WatchSet, nodeID string) (*structs.DriftEvent, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	iter, err := txn.Get(TableDriftEvents, indexNode, nodeID)
	if err != nil {
		return nil, fmt.Errorf("drift event lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		event := raw.(*structs.DriftEvent)
		if !event.Resolved() {
			return event, nil
		}
	}
	return nil, nil
}

func unresolvedDriftByNodeTxn(txn Txn, nodeID string) (*structs.DriftEvent, error) {
	iter, err := txn.Get(TableDriftEvents, indexNode, nodeID)
	if err != nil {
		return nil, fmt.Errorf("drift event lookup failed: %v", err)
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		event := raw.(*structs.DriftEvent)
		if !event.Resolved() {
			return event, nil
		}
	}
	return nil, nil
}

// resolveNodeDriftTxn resolves a node's unresolved drift event inside an
// enclosing rollout transaction. Rollout progression supersedes the old
// intent, so a stale event must not outlive it.
func resolveNodeDriftTxn(txn Txn, index uint64, nodeID, resolution string, now time.Time) error {
	unresolved, err := unresolvedDriftByNodeTxn(txn, nodeID)
	if err != nil {
		return err
	}
	if unresolved == nil {
		return nil
	}

	updated := unresolved.Copy()
	updated.ResolvedAt = &now
	updated.Resolution = resolution
	updated.ModifyIndex = index
	if err := txn.Insert(TableDriftEvents, updated); err != nil {
		return fmt.Errorf("drift event update failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableDriftEvents, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}
	return nil
}
