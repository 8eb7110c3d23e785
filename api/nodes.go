// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package api

import (
	"time"
)

// Node statuses.
const (
	NodeStatusOnline  = "online"
	NodeStatusOffline = "offline"
	NodeStatusUnknown = "unknown"
)

// Node is used to serialize a registered proxy node.
type Node struct {
	ID                string
	ProjectID         string
	Name              string
	Status            string
	Labels            map[string]string
	ActiveBundleID    string
	StagedBundleID    string
	ExpectedBundleID  string
	PinnedBundleID    string
	VersionConstraint string
	LastHeartbeatAt   time.Time
	CreateIndex       uint64
	ModifyIndex       uint64
}

// NodeGroup is a named set of nodes used by group target selectors.
type NodeGroup struct {
	ID          string
	ProjectID   string
	Name        string
	NodeIDs     []string
	CreateIndex uint64
	ModifyIndex uint64
}

// HeartbeatHealth is the health section of a node heartbeat.
type HeartbeatHealth struct {
	Status string
}

// HeartbeatMetrics is the metrics section of a node heartbeat.
type HeartbeatMetrics struct {
	ErrorRate     float64
	LatencyP99MS  float64
	CPUPercent    float64
	MemoryPercent float64
}

// Heartbeat is a node health report.
type Heartbeat struct {
	NodeID     string
	Health     HeartbeatHealth
	Metrics    HeartbeatMetrics
	CreateTime time.Time
}

// Nodes is used to query node-related API endpoints
type Nodes struct {
	client *Client
}

// Nodes returns a handle on the node endpoints.
func (c *Client) Nodes() *Nodes {
	return &Nodes{client: c}
}

// List is used to list out all of the nodes
func (n *Nodes) List(q *QueryOptions) ([]*Node, *QueryMeta, error) {
	var resp []*Node
	qm, err := n.client.query("/v1/nodes", &resp, q)
	if err != nil {
		return nil, nil, err
	}
	return resp, qm, nil
}

// Info is used to query a specific node by its ID.
func (n *Nodes) Info(nodeID string, q *QueryOptions) (*Node, *QueryMeta, error) {
	var resp Node
	qm, err := n.client.query("/v1/node/"+nodeID, &resp, q)
	if err != nil {
		return nil, nil, err
	}
	return &resp, qm, nil
}

// nodeUpsertRequest wraps a node for registration.
type nodeUpsertRequest struct {
	Node *Node
}

// Register registers or updates a node.
func (n *Nodes) Register(node *Node, w *WriteOptions) (*Node, *WriteMeta, error) {
	req := nodeUpsertRequest{Node: node}
	var resp Node
	wm, err := n.client.put("/v1/nodes", req, &resp, w)
	if err != nil {
		return nil, nil, err
	}
	return &resp, wm, nil
}

// Heartbeat records the latest health report of a node and marks it online.
func (n *Nodes) Heartbeat(hb *Heartbeat, w *WriteOptions) (*Node, *WriteMeta, error) {
	var resp Node
	wm, err := n.client.put("/v1/node/"+hb.NodeID+"/heartbeat", hb, &resp, w)
	if err != nil {
		return nil, nil, err
	}
	return &resp, wm, nil
}

// nodeBundleReportRequest is the body of bundle report calls.
type nodeBundleReportRequest struct {
	ActiveBundleID string
}

// BundleReport records the bundle a node reports running.
func (n *Nodes) BundleReport(nodeID, activeBundleID string, w *WriteOptions) (*Node, *WriteMeta, error) {
	req := nodeBundleReportRequest{ActiveBundleID: activeBundleID}
	var resp Node
	wm, err := n.client.put("/v1/node/"+nodeID+"/bundle-report", req, &resp, w)
	if err != nil {
		return nil, nil, err
	}
	return &resp, wm, nil
}

// nodeStatusRequest is the body of status update calls.
type nodeStatusRequest struct {
	Status string
}

// UpdateStatus sets a node's status.
func (n *Nodes) UpdateStatus(nodeID, status string, w *WriteOptions) (*Node, *WriteMeta, error) {
	req := nodeStatusRequest{Status: status}
	var resp Node
	wm, err := n.client.put("/v1/node/"+nodeID+"/status", req, &resp, w)
	if err != nil {
		return nil, nil, err
	}
	return &resp, wm, nil
}

// nodeGroupUpsertRequest wraps a node group for registration.
type nodeGroupUpsertRequest struct {
	Group *NodeGroup
}

// UpsertGroup creates or updates a node group.
func (n *Nodes) UpsertGroup(group *NodeGroup, w *WriteOptions) (*WriteMeta, error) {
	req := nodeGroupUpsertRequest{Group: group}
	return n.client.put("/v1/node-groups", req, nil, w)
}
