// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package sentinel

import (
	"fmt"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/sentinel/sentinel/state"
	"github.com/hashicorp/sentinel/sentinel/structs"
)

// Node endpoint is used to register nodes and record what they report.
type Node struct {
	srv    *Server
	logger hclog.Logger
}

// Upsert registers a node or updates its registration. Orchestration-owned
// fields survive re-registration.
func (n *Node) Upsert(args *structs.NodeUpsertRequest, reply *structs.NodeUpdateResponse) error {
	defer metrics.MeasureSince([]string{"sentinel", "node", "upsert"}, time.Now())

	if args.Node == nil {
		return fmt.Errorf("missing node")
	}

	node := args.Node.Copy()
	if node.ProjectID == "" {
		node.ProjectID = args.Project
	}
	if node.ProjectID == "" {
		node.ProjectID = structs.DefaultProject
	}
	if node.Status == "" {
		node.Status = structs.NodeStatusOnline
	}
	if err := node.Validate(); err != nil {
		return err
	}

	index := n.srv.nextIndex()
	if err := n.srv.fsm().UpsertNode(index, node); err != nil {
		return err
	}
	return n.replyNode(node.ID, index, reply)
}

// Get returns a single node.
func (n *Node) Get(args *structs.NodeSpecificRequest, reply *structs.SingleNodeResponse) error {
	defer metrics.MeasureSince([]string{"sentinel", "node", "get"}, time.Now())

	node, err := n.srv.fsm().NodeByID(nil, args.NodeID)
	if err != nil {
		return err
	}
	if node == nil {
		return fmt.Errorf("%w %q", structs.ErrUnknownNode, args.NodeID)
	}

	reply.Node = node
	return n.setQueryMeta(&reply.QueryMeta)
}

// List returns nodes, optionally restricted to a project.
func (n *Node) List(args *structs.NodeListRequest, reply *structs.NodeListResponse) error {
	defer metrics.MeasureSince([]string{"sentinel", "node", "list"}, time.Now())

	var iter memdb.ResultIterator
	var err error
	if args.Project != "" {
		iter, err = n.srv.fsm().NodesByProject(nil, args.Project)
	} else {
		iter, err = n.srv.fsm().Nodes(nil)
	}
	if err != nil {
		return err
	}

	var out []*structs.Node
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Node))
	}

	reply.Nodes = out
	return n.setQueryMeta(&reply.QueryMeta)
}

// Heartbeat records a node's latest health report and marks it online.
func (n *Node) Heartbeat(args *structs.NodeHeartbeatRequest, reply *structs.NodeUpdateResponse) error {
	defer metrics.MeasureSince([]string{"sentinel", "node", "heartbeat"}, time.Now())

	if args.Heartbeat == nil || args.Heartbeat.NodeID == "" {
		return fmt.Errorf("missing heartbeat node id")
	}

	hb := args.Heartbeat.Copy()
	if hb.CreateTime.IsZero() {
		hb.CreateTime = structs.TimestampNow()
	}

	index := n.srv.nextIndex()
	if err := n.srv.fsm().UpsertHeartbeat(index, hb); err != nil {
		return err
	}
	return n.replyNode(hb.NodeID, index, reply)
}

// BundleReport records the bundle a node reports running. The staged
// assignment is cleared once the report matches it, and drift detection
// against the intent happens on the scanner's schedule, not here.
func (n *Node) BundleReport(args *structs.NodeBundleReportRequest, reply *structs.NodeUpdateResponse) error {
	defer metrics.MeasureSince([]string{"sentinel", "node", "bundle_report"}, time.Now())

	if args.NodeID == "" {
		return fmt.Errorf("missing node id")
	}

	index := n.srv.nextIndex()
	if err := n.srv.fsm().UpdateNodeBundleReport(index, args.NodeID, args.ActiveBundleID); err != nil {
		return err
	}
	return n.replyNode(args.NodeID, index, reply)
}

// UpdateStatus sets a node's status.
func (n *Node) UpdateStatus(args *structs.NodeUpdateStatusRequest, reply *structs.NodeUpdateResponse) error {
	defer metrics.MeasureSince([]string{"sentinel", "node", "update_status"}, time.Now())

	if args.NodeID == "" {
		return fmt.Errorf("missing node id")
	}
	if !structs.ValidNodeStatus(args.Status) {
		return fmt.Errorf("unrecognized node status %q", args.Status)
	}

	index := n.srv.nextIndex()
	if err := n.srv.fsm().UpdateNodeStatus(index, args.NodeID, args.Status); err != nil {
		return err
	}
	return n.replyNode(args.NodeID, index, reply)
}

// UpsertGroup creates or updates a node group.
func (n *Node) UpsertGroup(args *structs.NodeGroupUpsertRequest, reply *structs.GenericResponse) error {
	defer metrics.MeasureSince([]string{"sentinel", "node", "upsert_group"}, time.Now())

	if args.Group == nil || args.Group.ID == "" {
		return fmt.Errorf("missing node group id")
	}

	group := args.Group.Copy()
	if group.ProjectID == "" {
		group.ProjectID = args.Project
	}
	if group.ProjectID == "" {
		group.ProjectID = structs.DefaultProject
	}

	index := n.srv.nextIndex()
	if err := n.srv.fsm().UpsertNodeGroup(index, group); err != nil {
		return err
	}
	reply.Index = index
	return nil
}

func (n *Node) replyNode(nodeID string, index uint64, reply *structs.NodeUpdateResponse) error {
	node, err := n.srv.fsm().NodeByID(nil, nodeID)
	if err != nil {
		return err
	}
	reply.Node = node
	reply.Index = index
	return nil
}

func (n *Node) setQueryMeta(meta *structs.QueryMeta) error {
	index, err := n.srv.fsm().Index(state.TableNodes)
	if err != nil {
		return err
	}
	meta.Index = index
	return nil
}
