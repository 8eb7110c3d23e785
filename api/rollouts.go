// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package api

import (
	"time"
)

// RolloutState constants mirror the server-side rollout lifecycle.
const (
	RolloutStatePending          = "pending"
	RolloutStateAwaitingApproval = "awaiting_approval"
	RolloutStateRunning          = "running"
	RolloutStatePaused           = "paused"
	RolloutStateCompleted        = "completed"
	RolloutStateFailed           = "failed"
	RolloutStateCancelled        = "cancelled"
)

// Rollout strategies.
const (
	RolloutStrategyRolling   = "rolling"
	RolloutStrategyAllAtOnce = "all_at_once"
)

// Target selector types.
const (
	TargetSelectorTypeAll     = "all"
	TargetSelectorTypeLabels  = "labels"
	TargetSelectorTypeNodeIDs = "node_ids"
	TargetSelectorTypeGroups  = "groups"
)

// TargetSelector chooses the nodes a rollout applies to.
type TargetSelector struct {
	Type     string
	Labels   map[string]string
	NodeIDs  []string
	GroupIDs []string
}

// HealthGates describes the per-step verification predicates of a rollout.
type HealthGates struct {
	HeartbeatHealthy   *bool
	MaxErrorRate       *float64
	MaxLatencyMS       *float64
	MaxCPUPercent      *float64
	MaxMemoryPercent   *float64
	CustomHealthChecks []string
}

// StateError is the structured error recorded on rollouts, steps, and node
// statuses when they fail or pause.
type StateError struct {
	Reason  string
	Details map[string]string
}

// Rollout is used to serialize a rollout.
type Rollout struct {
	ID                string
	ProjectID         string
	BundleID          string
	CreatedBy         string
	TargetSelector    *TargetSelector
	Strategy          string
	BatchSize         int
	BatchPercentage   int
	MaxUnavailable    int
	ProgressDeadline  *time.Duration
	HealthGates       *HealthGates
	State             string
	ApprovalState     string
	ScheduledAt       *time.Time
	AutoRollback      bool
	RollbackThreshold int
	StartedAt         time.Time
	CompletedAt       time.Time
	Error             *StateError
	CreateIndex       uint64
	ModifyIndex       uint64
}

// RolloutStep is one batch of nodes within a rollout.
type RolloutStep struct {
	RolloutID   string
	StepIndex   int
	NodeIDs     []string
	State       string
	StartedAt   time.Time
	CompletedAt time.Time
	Error       *StateError
	CreateIndex uint64
	ModifyIndex uint64
}

// NodeBundleStatus tracks one node's progress within one rollout.
type NodeBundleStatus struct {
	NodeID       string
	RolloutID    string
	BundleID     string
	State        string
	StagedAt     time.Time
	ActivatedAt  time.Time
	VerifiedAt   time.Time
	LastReportAt time.Time
	Error        *StateError
	CreateIndex  uint64
	ModifyIndex  uint64
}

// RolloutDetails is a rollout with its steps and per-node statuses.
type RolloutDetails struct {
	Rollout      *Rollout
	Steps        []*RolloutStep
	NodeStatuses []*NodeBundleStatus
}

// Rollouts is used to query the rollout endpoints.
type Rollouts struct {
	client *Client
}

// Rollouts returns a handle on the rollouts endpoints.
func (c *Client) Rollouts() *Rollouts {
	return &Rollouts{client: c}
}

// List is used to dump all of the rollouts, optionally filtered to a state.
func (r *Rollouts) List(state string, q *QueryOptions) ([]*Rollout, *QueryMeta, error) {
	if state != "" {
		if q == nil {
			q = &QueryOptions{}
		}
		if q.Params == nil {
			q.Params = make(map[string]string)
		}
		q.Params["state"] = state
	}

	var resp []*Rollout
	qm, err := r.client.query("/v1/rollouts", &resp, q)
	if err != nil {
		return nil, nil, err
	}
	return resp, qm, nil
}

// Info is used to query a single rollout with its steps and node statuses.
func (r *Rollouts) Info(rolloutID string, q *QueryOptions) (*RolloutDetails, *QueryMeta, error) {
	var resp RolloutDetails
	qm, err := r.client.query("/v1/rollout/"+rolloutID, &resp, q)
	if err != nil {
		return nil, nil, err
	}
	return &resp, qm, nil
}

// rolloutCreateRequest wraps a rollout for the create endpoint.
type rolloutCreateRequest struct {
	Rollout *Rollout
}

// Create is used to create a new rollout.
func (r *Rollouts) Create(rollout *Rollout, w *WriteOptions) (*Rollout, *WriteMeta, error) {
	req := rolloutCreateRequest{Rollout: rollout}
	var resp Rollout
	wm, err := r.client.put("/v1/rollouts", req, &resp, w)
	if err != nil {
		return nil, nil, err
	}
	return &resp, wm, nil
}

// Pause pauses a running rollout.
func (r *Rollouts) Pause(rolloutID string, w *WriteOptions) (*Rollout, *WriteMeta, error) {
	var resp Rollout
	wm, err := r.client.put("/v1/rollout/"+rolloutID+"/pause", nil, &resp, w)
	if err != nil {
		return nil, nil, err
	}
	return &resp, wm, nil
}

// Resume resumes a paused rollout.
func (r *Rollouts) Resume(rolloutID string, w *WriteOptions) (*Rollout, *WriteMeta, error) {
	var resp Rollout
	wm, err := r.client.put("/v1/rollout/"+rolloutID+"/resume", nil, &resp, w)
	if err != nil {
		return nil, nil, err
	}
	return &resp, wm, nil
}

// Cancel cancels a rollout, leaving already converged nodes in place.
func (r *Rollouts) Cancel(rolloutID string, w *WriteOptions) (*Rollout, *WriteMeta, error) {
	var resp Rollout
	wm, err := r.client.put("/v1/rollout/"+rolloutID+"/cancel", nil, &resp, w)
	if err != nil {
		return nil, nil, err
	}
	return &resp, wm, nil
}

// Rollback cancels a rollout and reverts staged bundle assignments.
func (r *Rollouts) Rollback(rolloutID string, w *WriteOptions) (*Rollout, *WriteMeta, error) {
	var resp Rollout
	wm, err := r.client.put("/v1/rollout/"+rolloutID+"/rollback", nil, &resp, w)
	if err != nil {
		return nil, nil, err
	}
	return &resp, wm, nil
}

// rolloutDecisionRequest is the body of approve and reject calls.
type rolloutDecisionRequest struct {
	Comment string
}

// Approve records an approval by the calling user.
func (r *Rollouts) Approve(rolloutID, comment string, w *WriteOptions) (*Rollout, *WriteMeta, error) {
	req := rolloutDecisionRequest{Comment: comment}
	var resp Rollout
	wm, err := r.client.put("/v1/rollout/"+rolloutID+"/approve", req, &resp, w)
	if err != nil {
		return nil, nil, err
	}
	return &resp, wm, nil
}

// Reject records a rejection by the calling user. A comment is required.
func (r *Rollouts) Reject(rolloutID, comment string, w *WriteOptions) (*Rollout, *WriteMeta, error) {
	req := rolloutDecisionRequest{Comment: comment}
	var resp Rollout
	wm, err := r.client.put("/v1/rollout/"+rolloutID+"/reject", req, &resp, w)
	if err != nil {
		return nil, nil, err
	}
	return &resp, wm, nil
}
