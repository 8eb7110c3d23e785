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
	RolloutStatePending          = "pending"
	RolloutStateAwaitingApproval = "awaiting_approval"
	RolloutStateRunning          = "running"
	RolloutStatePaused           = "paused"
	RolloutStateCompleted        = "completed"
	RolloutStateFailed           = "failed"
	RolloutStateCancelled        = "cancelled"
)

const (
	RolloutApprovalNotRequired = "not_required"
	RolloutApprovalPending     = "pending_approval"
	RolloutApprovalApproved    = "approved"
	RolloutApprovalRejected    = "rejected"
)

const (
	RolloutStrategyRolling   = "rolling"
	RolloutStrategyAllAtOnce = "all_at_once"
)

const (
	StepStatePending   = "pending"
	StepStateRunning   = "running"
	StepStateVerifying = "verifying"
	StepStateCompleted = "completed"
	StepStateFailed    = "failed"
)

const (
	NodeBundleStatePending    = "pending"
	NodeBundleStateStaging    = "staging"
	NodeBundleStateActivating = "activating"
	NodeBundleStateActive     = "active"
	NodeBundleStateFailed     = "failed"
)

const (
	TargetSelectorTypeAll     = "all"
	TargetSelectorTypeLabels  = "labels"
	TargetSelectorTypeNodeIDs = "node_ids"
	TargetSelectorTypeGroups  = "groups"
)

// TargetSelector chooses the nodes a rollout applies to. Type discriminates
// which of the value fields is consulted.
type TargetSelector struct {
	Type     string
	Labels   map[string]string
	NodeIDs  []string
	GroupIDs []string
}

func (t *TargetSelector) Copy() *TargetSelector {
	if t == nil {
		return nil
	}
	nt := new(TargetSelector)
	nt.Type = t.Type
	nt.Labels = maps.Clone(t.Labels)
	nt.NodeIDs = slices.Clone(t.NodeIDs)
	nt.GroupIDs = slices.Clone(t.GroupIDs)
	return nt
}

func (t *TargetSelector) Validate() error {
	if t == nil {
		return fmt.Errorf("missing target selector")
	}
	switch t.Type {
	case TargetSelectorTypeAll:
	case TargetSelectorTypeLabels:
		if len(t.Labels) == 0 {
			return fmt.Errorf("label selector requires at least one label")
		}
	case TargetSelectorTypeNodeIDs:
		if len(t.NodeIDs) == 0 {
			return fmt.Errorf("node id selector requires at least one node id")
		}
	case TargetSelectorTypeGroups:
		if len(t.GroupIDs) == 0 {
			return fmt.Errorf("group selector requires at least one group id")
		}
	default:
		return fmt.Errorf("unrecognized target selector type %q", t.Type)
	}
	return nil
}

// HealthGates describes the per-step verification predicates of a rollout.
// A gate participates in verification only when its field is set; absent
// gates pass.
type HealthGates struct {
	HeartbeatHealthy   *bool
	MaxErrorRate       *float64
	MaxLatencyMS       *float64
	MaxCPUPercent      *float64
	MaxMemoryPercent   *float64
	CustomHealthChecks []string
}

func (h *HealthGates) Copy() *HealthGates {
	if h == nil {
		return nil
	}
	nh := new(HealthGates)
	*nh = *h
	if h.HeartbeatHealthy != nil {
		v := *h.HeartbeatHealthy
		nh.HeartbeatHealthy = &v
	}
	if h.MaxErrorRate != nil {
		v := *h.MaxErrorRate
		nh.MaxErrorRate = &v
	}
	if h.MaxLatencyMS != nil {
		v := *h.MaxLatencyMS
		nh.MaxLatencyMS = &v
	}
	if h.MaxCPUPercent != nil {
		v := *h.MaxCPUPercent
		nh.MaxCPUPercent = &v
	}
	if h.MaxMemoryPercent != nil {
		v := *h.MaxMemoryPercent
		nh.MaxMemoryPercent = &v
	}
	nh.CustomHealthChecks = slices.Clone(h.CustomHealthChecks)
	return nh
}

// Empty returns whether no gate is enabled.
func (h *HealthGates) Empty() bool {
	if h == nil {
		return true
	}
	return h.HeartbeatHealthy == nil &&
		h.MaxErrorRate == nil &&
		h.MaxLatencyMS == nil &&
		h.MaxCPUPercent == nil &&
		h.MaxMemoryPercent == nil &&
		len(h.CustomHealthChecks) == 0
}

// Rollout is a single deployment campaign moving a set of nodes in a project
// onto a target bundle through ordered, health gated steps.
type Rollout struct {
	ID        string
	ProjectID string
	BundleID  string

	// CreatedBy is the user that created the rollout. The approval gate
	// rejects approvals from this user.
	CreatedBy string

	TargetSelector *TargetSelector
	Strategy       string

	// BatchSize is the absolute step size for the rolling strategy.
	// Mutually exclusive with BatchPercentage.
	BatchSize int

	// BatchPercentage sizes steps as a percentage of resolved targets,
	// rounded up.
	BatchPercentage int

	// MaxUnavailable is the count of offline or unknown nodes tolerated
	// per step before the rollout pauses. Zero disables the tolerance.
	MaxUnavailable int

	// ProgressDeadline bounds how long a step may sit in running or
	// verifying before the rollout fails. Nil at creation takes the
	// server's default; an explicit zero fails a stalled step on its
	// next tick.
	ProgressDeadline *time.Duration

	HealthGates *HealthGates

	State         string
	ApprovalState string

	// ScheduledAt defers planning until the wall clock passes it.
	ScheduledAt *time.Time

	// AutoRollback cancels and reverts instead of failing when the failed
	// node fraction reaches RollbackThreshold at the progress deadline.
	AutoRollback bool

	// RollbackThreshold is the percentage of failed nodes that arms
	// AutoRollback.
	RollbackThreshold int

	StartedAt   time.Time
	CompletedAt time.Time

	Error *StateError

	CreateIndex uint64
	ModifyIndex uint64
}

func (r *Rollout) Copy() *Rollout {
	if r == nil {
		return nil
	}
	nr := new(Rollout)
	*nr = *r
	nr.TargetSelector = r.TargetSelector.Copy()
	nr.HealthGates = r.HealthGates.Copy()
	nr.Error = r.Error.Copy()
	if r.ScheduledAt != nil {
		t := *r.ScheduledAt
		nr.ScheduledAt = &t
	}
	if r.ProgressDeadline != nil {
		d := *r.ProgressDeadline
		nr.ProgressDeadline = &d
	}
	return nr
}

// TerminalState returns whether the rollout may never transition again.
func (r *Rollout) TerminalState() bool {
	switch r.State {
	case RolloutStateCompleted, RolloutStateFailed, RolloutStateCancelled:
		return true
	default:
		return false
	}
}

// Validate checks the fields supplied at creation time. State transitions
// are guarded by the store, not here.
func (r *Rollout) Validate() error {
	if r.ProjectID == "" {
		return fmt.Errorf("missing project id")
	}
	if r.BundleID == "" {
		return fmt.Errorf("missing bundle id")
	}
	if err := r.TargetSelector.Validate(); err != nil {
		return err
	}
	switch r.Strategy {
	case RolloutStrategyRolling:
		if r.BatchSize < 0 || r.BatchPercentage < 0 {
			return fmt.Errorf("batch size and percentage must not be negative")
		}
		if r.BatchSize > 0 && r.BatchPercentage > 0 {
			return fmt.Errorf("batch size and percentage are mutually exclusive")
		}
		if r.BatchSize == 0 && r.BatchPercentage == 0 {
			return fmt.Errorf("rolling strategy requires a batch size or percentage")
		}
		if r.BatchPercentage > 100 {
			return fmt.Errorf("batch percentage must not exceed 100")
		}
	case RolloutStrategyAllAtOnce:
	default:
		return fmt.Errorf("unrecognized strategy %q", r.Strategy)
	}
	if r.MaxUnavailable < 0 {
		return fmt.Errorf("max unavailable must not be negative")
	}
	if r.ProgressDeadline != nil && *r.ProgressDeadline < 0 {
		return fmt.Errorf("progress deadline must not be negative")
	}
	if r.RollbackThreshold < 0 || r.RollbackThreshold > 100 {
		return fmt.Errorf("rollback threshold must be a percentage")
	}
	return nil
}

// ValidRolloutState returns whether the given state is recognized.
func ValidRolloutState(state string) bool {
	switch state {
	case RolloutStatePending, RolloutStateAwaitingApproval,
		RolloutStateRunning, RolloutStatePaused,
		RolloutStateCompleted, RolloutStateFailed, RolloutStateCancelled:
		return true
	default:
		return false
	}
}

// RolloutStep is one batch of nodes within a rollout. Steps advance strictly
// by index; at most one step per rollout is in running or verifying.
type RolloutStep struct {
	RolloutID string
	StepIndex int

	// NodeIDs is the ordered membership of the batch.
	NodeIDs []string

	State       string
	StartedAt   time.Time
	CompletedAt time.Time

	Error *StateError

	CreateIndex uint64
	ModifyIndex uint64
}

func (s *RolloutStep) Copy() *RolloutStep {
	if s == nil {
		return nil
	}
	ns := new(RolloutStep)
	*ns = *s
	ns.NodeIDs = slices.Clone(s.NodeIDs)
	ns.Error = s.Error.Copy()
	return ns
}

// Active returns whether the step is in running or verifying.
func (s *RolloutStep) Active() bool {
	return s.State == StepStateRunning || s.State == StepStateVerifying
}

// NodeBundleStatus tracks one node's progress within one rollout.
type NodeBundleStatus struct {
	NodeID    string
	RolloutID string
	BundleID  string

	State string

	StagedAt     time.Time
	ActivatedAt  time.Time
	VerifiedAt   time.Time
	LastReportAt time.Time

	Error *StateError

	CreateIndex uint64
	ModifyIndex uint64
}

func (n *NodeBundleStatus) Copy() *NodeBundleStatus {
	if n == nil {
		return nil
	}
	nn := new(NodeBundleStatus)
	*nn = *n
	nn.Error = n.Error.Copy()
	return nn
}

// RolloutApproval is one user's recorded approval or rejection of a rollout.
type RolloutApproval struct {
	RolloutID string
	UserID    string

	// Granted is false for a rejection.
	Granted bool
	Comment string

	CreateTime time.Time

	CreateIndex uint64
	ModifyIndex uint64
}

func (a *RolloutApproval) Copy() *RolloutApproval {
	if a == nil {
		return nil
	}
	na := new(RolloutApproval)
	*na = *a
	return na
}

// RolloutDetails is a rollout with its steps and per-node statuses eagerly
// loaded. Steps are ordered by index.
type RolloutDetails struct {
	Rollout      *Rollout
	Steps        []*RolloutStep
	NodeStatuses []*NodeBundleStatus
}

// ActiveStep returns the step in running or verifying, or nil.
func (d *RolloutDetails) ActiveStep() *RolloutStep {
	for _, step := range d.Steps {
		if step.Active() {
			return step
		}
	}
	return nil
}

// NextPendingStep returns the lowest-index pending step, or nil.
func (d *RolloutDetails) NextPendingStep() *RolloutStep {
	for _, step := range d.Steps {
		if step.State == StepStatePending {
			return step
		}
	}
	return nil
}

// RolloutCreateRequest is used to create a new rollout.
type RolloutCreateRequest struct {
	Rollout *Rollout
	WriteRequest
}

// RolloutCreateResponse returns the stored rollout, including its id and
// initial states.
type RolloutCreateResponse struct {
	Rollout *Rollout
	WriteMeta
}

// RolloutSpecificRequest is used to query a single rollout.
type RolloutSpecificRequest struct {
	RolloutID string
	QueryOptions
}

// SingleRolloutResponse returns a rollout with details.
type SingleRolloutResponse struct {
	Details *RolloutDetails
	QueryMeta
}

// RolloutListRequest lists rollouts, optionally filtered by project and
// state.
type RolloutListRequest struct {
	State string
	QueryOptions
}

type RolloutListResponse struct {
	Rollouts []*Rollout
	QueryMeta
}

// RolloutPauseRequest pauses a running rollout.
type RolloutPauseRequest struct {
	RolloutID string
	WriteRequest
}

// RolloutResumeRequest resumes a paused rollout.
type RolloutResumeRequest struct {
	RolloutID string
	WriteRequest
}

// RolloutCancelRequest cancels a running or paused rollout.
type RolloutCancelRequest struct {
	RolloutID string
	WriteRequest
}

// RolloutRollbackRequest cancels a rollout and reverts staged bundle
// assignments.
type RolloutRollbackRequest struct {
	RolloutID string
	WriteRequest
}

// RolloutApproveRequest records an approval by the calling user.
type RolloutApproveRequest struct {
	RolloutID string
	Comment   string
	WriteRequest
}

// RolloutRejectRequest records a rejection by the calling user. Comment is
// required.
type RolloutRejectRequest struct {
	RolloutID string
	Comment   string
	WriteRequest
}

// RolloutUpdateResponse returns the rollout after a lifecycle operation.
type RolloutUpdateResponse struct {
	Rollout *Rollout
	WriteMeta
}
