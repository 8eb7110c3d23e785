// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"

	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/sentinel/sentinel/structs"
)

// UpsertBundle stores a bundle reference. The compilation pipeline is
// external; it calls this as bundle status changes.
func (s *StateStore) UpsertBundle(index uint64, bundle *structs.Bundle) error {
	txn := s.db.WriteTxnMsgT(structs.BundleUpsertRequestType, index)
	defer txn.Abort()

	bundle = bundle.Copy()
	raw, err := txn.First(TableBundles, indexID, bundle.ID)
	if err != nil {
		return fmt.Errorf("bundle lookup failed: %v", err)
	}
	if raw != nil {
		bundle.CreateIndex = raw.(*structs.Bundle).CreateIndex
	} else {
		bundle.CreateIndex = index
	}
	bundle.ModifyIndex = index

	if err := txn.Insert(TableBundles, bundle); err != nil {
		return fmt.Errorf("bundle insert failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableBundles, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// BundleByID returns the bundle with the given id.
func (s *StateStore) BundleByID(ws memdb.WatchSet, id string) (*structs.Bundle, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	watchCh, existing, err := txn.FirstWatch(TableBundles, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("bundle lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.Bundle), nil
	}
	return nil, nil
}

// BundlesByProject returns an iterator over the bundles of a project.
func (s *StateStore) BundlesByProject(ws memdb.WatchSet, projectID string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	iter, err := txn.Get(TableBundles, indexProject, projectID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}
