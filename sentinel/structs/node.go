// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	NodeStatusOnline  = "online"
	NodeStatusOffline = "offline"
	NodeStatusUnknown = "unknown"
)

// ValidNodeStatus returns whether the given node status is recognized.
func ValidNodeStatus(status string) bool {
	switch status {
	case NodeStatusOnline, NodeStatusOffline, NodeStatusUnknown:
		return true
	default:
		return false
	}
}

// Node is a remote proxy instance registered to a project. The orchestration
// core reads Status, ActiveBundleID and ExpectedBundleID, and writes
// StagedBundleID and ExpectedBundleID; everything else is owned by the
// registration and heartbeat surfaces.
type Node struct {
	ID        string
	ProjectID string
	Name      string

	Status string

	// Labels are matched exactly by label target selectors.
	Labels map[string]string

	// ActiveBundleID is the bundle the node last reported running.
	ActiveBundleID string

	// StagedBundleID is the bundle assigned to the node but not yet
	// reported active. Nodes pick it up on their next poll.
	StagedBundleID string

	// ExpectedBundleID is the intent committed by the last completed
	// rollout step covering this node. Drift is measured against it.
	ExpectedBundleID string

	// PinnedBundleID excludes the node from rollout targeting while set.
	PinnedBundleID string

	// VersionConstraint restricts which bundle versions may target the
	// node, using go-version constraint syntax. Empty matches everything.
	VersionConstraint string

	LastHeartbeatAt time.Time

	CreateIndex uint64
	ModifyIndex uint64
}

func (n *Node) Copy() *Node {
	if n == nil {
		return nil
	}
	nn := new(Node)
	*nn = *n
	nn.Labels = maps.Clone(n.Labels)
	return nn
}

// Available returns whether the node counts as reachable for step
// progression and gate evaluation.
func (n *Node) Available() bool {
	return n.Status == NodeStatusOnline
}

func (n *Node) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("missing node id")
	}
	if n.ProjectID == "" {
		return fmt.Errorf("missing project id")
	}
	if n.Status != "" && !ValidNodeStatus(n.Status) {
		return fmt.Errorf("unrecognized node status %q", n.Status)
	}
	return nil
}

// NodeGroup is a named set of nodes used by group target selectors.
type NodeGroup struct {
	ID        string
	ProjectID string
	Name      string
	NodeIDs   []string

	CreateIndex uint64
	ModifyIndex uint64
}

func (g *NodeGroup) Copy() *NodeGroup {
	if g == nil {
		return nil
	}
	ng := new(NodeGroup)
	*ng = *g
	ng.NodeIDs = slices.Clone(g.NodeIDs)
	return ng
}

// HeartbeatHealth is the health section of a node heartbeat.
type HeartbeatHealth struct {
	Status string
}

const (
	HeartbeatHealthy = "healthy"
)

// HeartbeatMetrics is the metrics section of a node heartbeat. Missing
// metrics read as zero.
type HeartbeatMetrics struct {
	ErrorRate     float64
	LatencyP99MS  float64
	CPUPercent    float64
	MemoryPercent float64
}

// Heartbeat is the most recent health report of a node. Only the latest
// heartbeat per node is retained.
type Heartbeat struct {
	NodeID  string
	Health  HeartbeatHealth
	Metrics HeartbeatMetrics

	CreateTime time.Time

	CreateIndex uint64
	ModifyIndex uint64
}

func (h *Heartbeat) Copy() *Heartbeat {
	if h == nil {
		return nil
	}
	nh := new(Heartbeat)
	*nh = *h
	return nh
}

// Healthy returns whether the heartbeat reports a healthy node.
func (h *Heartbeat) Healthy() bool {
	return h != nil && h.Health.Status == HeartbeatHealthy
}

// NodeListRequest lists nodes, optionally restricted to a project.
type NodeListRequest struct {
	QueryOptions
}

type NodeListResponse struct {
	Nodes []*Node
	QueryMeta
}

// NodeSpecificRequest queries a single node.
type NodeSpecificRequest struct {
	NodeID string
	QueryOptions
}

type SingleNodeResponse struct {
	Node *Node
	QueryMeta
}

// NodeUpsertRequest registers or updates a node.
type NodeUpsertRequest struct {
	Node *Node
	WriteRequest
}

// NodeHeartbeatRequest records the latest heartbeat for a node and marks it
// online.
type NodeHeartbeatRequest struct {
	Heartbeat *Heartbeat
	WriteRequest
}

// NodeBundleReportRequest records the bundle a node reports running, as
// observed by the poll surface.
type NodeBundleReportRequest struct {
	NodeID         string
	ActiveBundleID string
	WriteRequest
}

// NodeUpdateStatusRequest sets a node's status, for example marking it
// offline when heartbeats stop.
type NodeUpdateStatusRequest struct {
	NodeID string
	Status string
	WriteRequest
}

// NodeUpdateResponse is returned by node write operations.
type NodeUpdateResponse struct {
	Node *Node
	WriteMeta
}

// NodeGroupUpsertRequest creates or updates a node group.
type NodeGroupUpsertRequest struct {
	Group *NodeGroup
	WriteRequest
}
