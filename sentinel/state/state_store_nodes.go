// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/sentinel/sentinel/structs"
)

// UpsertNode registers a node or replaces its registration. The orchestration
// fields the node does not own survive a re-registration.
func (s *StateStore) UpsertNode(index uint64, node *structs.Node) error {
	txn := s.db.WriteTxnMsgT(structs.NodeUpsertRequestType, index)
	defer txn.Abort()

	node = node.Copy()

	raw, err := txn.First(TableNodes, indexID, node.ID)
	if err != nil {
		return fmt.Errorf("node lookup failed: %v", err)
	}
	if raw != nil {
		existing := raw.(*structs.Node)
		node.CreateIndex = existing.CreateIndex
		node.StagedBundleID = existing.StagedBundleID
		node.ExpectedBundleID = existing.ExpectedBundleID
	} else {
		node.CreateIndex = index
	}
	node.ModifyIndex = index

	if err := txn.Insert(TableNodes, node); err != nil {
		return fmt.Errorf("node insert failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableNodes, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// NodeByID returns the node with the given id.
func (s *StateStore) NodeByID(ws memdb.WatchSet, id string) (*structs.Node, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	watchCh, existing, err := txn.FirstWatch(TableNodes, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("node lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.Node), nil
	}
	return nil, nil
}

// Nodes returns an iterator over all nodes.
func (s *StateStore) Nodes(ws memdb.WatchSet) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	iter, err := txn.Get(TableNodes, indexID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}

// NodesByProject returns an iterator over the nodes of a project.
func (s *StateStore) NodesByProject(ws memdb.WatchSet, projectID string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	iter, err := txn.Get(TableNodes, indexProject, projectID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}

// UpdateNodeStatus sets a node's status.
func (s *StateStore) UpdateNodeStatus(index uint64, nodeID, status string) error {
	txn := s.db.WriteTxnMsgT(structs.NodeUpdateStatusRequestType, index)
	defer txn.Abort()

	if err := updateNodeTxn(txn, index, nodeID, func(node *structs.Node) {
		node.Status = status
	}); err != nil {
		return err
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableNodes, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// UpdateNodeBundleReport records the bundle a node reports running. When the
// report matches the staged assignment the assignment is considered picked
// up and cleared.
func (s *StateStore) UpdateNodeBundleReport(index uint64, nodeID, activeBundleID string) error {
	txn := s.db.WriteTxnMsgT(structs.NodeBundleReportRequestType, index)
	defer txn.Abort()

	if err := updateNodeTxn(txn, index, nodeID, func(node *structs.Node) {
		node.ActiveBundleID = activeBundleID
		if node.StagedBundleID != "" && node.StagedBundleID == activeBundleID {
			node.StagedBundleID = ""
		}
	}); err != nil {
		return err
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableNodes, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// UpsertHeartbeat stores the latest heartbeat of a node, replacing the
// previous one, and refreshes the node's liveness. Heartbeat writes publish
// no events; at fleet scale they would flood the stream.
func (s *StateStore) UpsertHeartbeat(index uint64, hb *structs.Heartbeat) error {
	txn := s.db.WriteTxnMsgT(structs.NodeHeartbeatRequestType, index)
	defer txn.Abort()

	raw, err := txn.First(TableNodes, indexID, hb.NodeID)
	if err != nil {
		return fmt.Errorf("node lookup failed: %v", err)
	}
	if raw == nil {
		return fmt.Errorf("%w %q", structs.ErrUnknownNode, hb.NodeID)
	}

	hb = hb.Copy()
	existing, err := txn.First(TableHeartbeats, indexID, hb.NodeID)
	if err != nil {
		return fmt.Errorf("heartbeat lookup failed: %v", err)
	}
	if existing != nil {
		hb.CreateIndex = existing.(*structs.Heartbeat).CreateIndex
	} else {
		hb.CreateIndex = index
	}
	hb.ModifyIndex = index

	if err := txn.Insert(TableHeartbeats, hb); err != nil {
		return fmt.Errorf("heartbeat insert failed: %v", err)
	}

	node := raw.(*structs.Node).Copy()
	node.Status = structs.NodeStatusOnline
	node.LastHeartbeatAt = hb.CreateTime
	node.ModifyIndex = index
	if err := txn.Insert(TableNodes, node); err != nil {
		return fmt.Errorf("node update failed: %v", err)
	}

	for _, table := range []string{TableHeartbeats, TableNodes} {
		if err := txn.Insert(tableIndex, &IndexEntry{table, index}); err != nil {
			return fmt.Errorf("index update failed: %v", err)
		}
	}

	return txn.Commit()
}

// HeartbeatByNodeID returns the latest heartbeat of a node, or nil when the
// node never reported one.
func (s *StateStore) HeartbeatByNodeID(ws memdb.WatchSet, nodeID string) (*structs.Heartbeat, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	watchCh, existing, err := txn.FirstWatch(TableHeartbeats, indexID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("heartbeat lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.Heartbeat), nil
	}
	return nil, nil
}

// MarkStaleNodesUnknown flags online nodes whose last heartbeat is older than
// the TTL as unknown, and returns the ids it flagged.
func (s *StateStore) MarkStaleNodesUnknown(index uint64, cutoff time.Time) ([]string, error) {
	txn := s.db.WriteTxnMsgT(structs.NodeUpdateStatusRequestType, index)
	defer txn.Abort()

	iter, err := txn.Get(TableNodes, indexID)
	if err != nil {
		return nil, fmt.Errorf("node lookup failed: %v", err)
	}

	var flagged []string
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		node := raw.(*structs.Node)
		if node.Status != structs.NodeStatusOnline || node.LastHeartbeatAt.After(cutoff) {
			continue
		}
		updated := node.Copy()
		updated.Status = structs.NodeStatusUnknown
		updated.ModifyIndex = index
		if err := txn.Insert(TableNodes, updated); err != nil {
			return nil, fmt.Errorf("node update failed: %v", err)
		}
		flagged = append(flagged, node.ID)
	}

	if len(flagged) == 0 {
		return nil, txn.Commit()
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableNodes, index}); err != nil {
		return nil, fmt.Errorf("index update failed: %v", err)
	}
	return flagged, txn.Commit()
}

// UpsertNodeGroup creates or replaces a node group.
func (s *StateStore) UpsertNodeGroup(index uint64, group *structs.NodeGroup) error {
	txn := s.db.WriteTxnMsgT(structs.NodeGroupUpsertRequestType, index)
	defer txn.Abort()

	group = group.Copy()
	raw, err := txn.First(TableNodeGroups, indexID, group.ID)
	if err != nil {
		return fmt.Errorf("node group lookup failed: %v", err)
	}
	if raw != nil {
		group.CreateIndex = raw.(*structs.NodeGroup).CreateIndex
	} else {
		group.CreateIndex = index
	}
	group.ModifyIndex = index

	if err := txn.Insert(TableNodeGroups, group); err != nil {
		return fmt.Errorf("node group insert failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableNodeGroups, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// NodeGroupByID returns the node group with the given id.
func (s *StateStore) NodeGroupByID(ws memdb.WatchSet, id string) (*structs.NodeGroup, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	watchCh, existing, err := txn.FirstWatch(TableNodeGroups, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("node group lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.NodeGroup), nil
	}
	return nil, nil
}

// stageNodeTxn assigns a bundle to a node for pickup on its next poll.
func stageNodeTxn(txn Txn, index uint64, nodeID, bundleID string) error {
	return updateNodeTxn(txn, index, nodeID, func(node *structs.Node) {
		node.StagedBundleID = bundleID
	})
}

// setNodeExpectedBundleTxn commits the intent the drift scanner measures
// against.
func setNodeExpectedBundleTxn(txn Txn, index uint64, nodeID, bundleID string) error {
	return updateNodeTxn(txn, index, nodeID, func(node *structs.Node) {
		node.ExpectedBundleID = bundleID
	})
}

func updateNodeTxn(txn Txn, index uint64, nodeID string, mutate func(*structs.Node)) error {
	raw, err := txn.First(TableNodes, indexID, nodeID)
	if err != nil {
		return fmt.Errorf("node lookup failed: %v", err)
	}
	if raw == nil {
		return fmt.Errorf("%w %q", structs.ErrUnknownNode, nodeID)
	}

	updated := raw.(*structs.Node).Copy()
	mutate(updated)
	updated.ModifyIndex = index
	if err := txn.Insert(TableNodes, updated); err != nil {
		return fmt.Errorf("node update failed: %v", err)
	}
	return nil
}
