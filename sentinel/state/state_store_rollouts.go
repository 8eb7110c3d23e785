// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/sentinel/sentinel/structs"
)

// UpsertRollout is used to store a newly created rollout. The target bundle
// must be compiled at this moment; revocation after creation is caught again
// when each step starts.
func (s *StateStore) UpsertRollout(index uint64, rollout *structs.Rollout) error {
	txn := s.db.WriteTxnMsgT(structs.RolloutCreateRequestType, index)
	defer txn.Abort()

	existing, err := txn.First(TableRollouts, indexID, rollout.ID)
	if err != nil {
		return fmt.Errorf("rollout lookup failed: %v", err)
	}
	if existing != nil {
		return fmt.Errorf("rollout %q already exists", rollout.ID)
	}

	raw, err := txn.First(TableBundles, indexID, rollout.BundleID)
	if err != nil {
		return fmt.Errorf("bundle lookup failed: %v", err)
	}
	if raw == nil {
		return fmt.Errorf("%w %q", structs.ErrUnknownBundle, rollout.BundleID)
	}
	if bundle := raw.(*structs.Bundle); !bundle.Compiled() {
		return fmt.Errorf("%w: bundle %q is %s", structs.ErrBundleNotCompiled, bundle.ID, bundle.Status)
	}

	rollout = rollout.Copy()
	rollout.CreateIndex = index
	rollout.ModifyIndex = index

	if err := txn.Insert(TableRollouts, rollout); err != nil {
		return fmt.Errorf("rollout insert failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableRollouts, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// RolloutByID returns the rollout with the given id.
func (s *StateStore) RolloutByID(ws memdb.WatchSet, id string) (*structs.Rollout, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()
	return s.rolloutByIDTxn(txn, ws, id)
}

func (s *StateStore) rolloutByIDTxn(txn Txn, ws memdb.WatchSet, id string) (*structs.Rollout, error) {
	watchCh, existing, err := txn.FirstWatch(TableRollouts, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("rollout lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.Rollout), nil
	}
	return nil, nil
}

// Rollouts returns an iterator over all rollouts.
func (s *StateStore) Rollouts(ws memdb.WatchSet) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	iter, err := txn.Get(TableRollouts, indexID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}

// RolloutsByProject returns an iterator over the rollouts of a project.
func (s *StateStore) RolloutsByProject(ws memdb.WatchSet, projectID string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	iter, err := txn.Get(TableRollouts, indexProject, projectID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}

// RolloutsByState returns an iterator over the rollouts in the given state.
func (s *StateStore) RolloutsByState(ws memdb.WatchSet, state string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	iter, err := txn.Get(TableRollouts, indexState, state)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}

// PlannableRollouts returns the rollouts eligible for planning at now: state
// pending, approval satisfied, and any schedule already past. The schedule
// gate is the main consumer; it also catches rollouts whose immediate
// planning was lost to a crash.
func (s *StateStore) PlannableRollouts(ws memdb.WatchSet, now time.Time) ([]*structs.Rollout, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	iter, err := txn.Get(TableRollouts, indexState, structs.RolloutStatePending)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())

	var out []*structs.Rollout
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		rollout := raw.(*structs.Rollout)
		switch rollout.ApprovalState {
		case structs.RolloutApprovalNotRequired, structs.RolloutApprovalApproved:
		default:
			continue
		}
		if rollout.ScheduledAt != nil && rollout.ScheduledAt.After(now) {
			continue
		}
		out = append(out, rollout)
	}
	return out, nil
}

// RolloutDetails returns a rollout with steps ordered by index and all of its
// per-node statuses.
func (s *StateStore) RolloutDetails(ws memdb.WatchSet, id string) (*structs.RolloutDetails, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	rollout, err := s.rolloutByIDTxn(txn, ws, id)
	if err != nil || rollout == nil {
		return nil, err
	}

	steps, err := rolloutStepsTxn(txn, id)
	if err != nil {
		return nil, err
	}

	statuses, err := rolloutStatusesTxn(txn, id)
	if err != nil {
		return nil, err
	}

	return &structs.RolloutDetails{
		Rollout:      rollout,
		Steps:        steps,
		NodeStatuses: statuses,
	}, nil
}

func rolloutStepsTxn(txn Txn, rolloutID string) ([]*structs.RolloutStep, error) {
	iter, err := txn.Get(TableRolloutSteps, indexRollout, rolloutID)
	if err != nil {
		return nil, fmt.Errorf("rollout step lookup failed: %v", err)
	}

	var steps []*structs.RolloutStep
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		steps = append(steps, raw.(*structs.RolloutStep))
	}
	sort.Slice(steps, func(i, j int) bool {
		return steps[i].StepIndex < steps[j].StepIndex
	})
	return steps, nil
}

func rolloutStatusesTxn(txn Txn, rolloutID string) ([]*structs.NodeBundleStatus, error) {
	iter, err := txn.Get(TableNodeBundleStatus, indexRollout, rolloutID)
	if err != nil {
		return nil, fmt.Errorf("node bundle status lookup failed: %v", err)
	}

	var statuses []*structs.NodeBundleStatus
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		statuses = append(statuses, raw.(*structs.NodeBundleStatus))
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].NodeID < statuses[j].NodeID
	})
	return statuses, nil
}

// NodeBundleStatus returns the status row for one node within one rollout.
func (s *StateStore) NodeBundleStatus(ws memdb.WatchSet, rolloutID, nodeID string) (*structs.NodeBundleStatus, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	watchCh, existing, err := txn.FirstWatch(TableNodeBundleStatus, indexID, rolloutID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("node bundle status lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.NodeBundleStatus), nil
	}
	return nil, nil
}

// PlanRollout transitions a pending rollout to running and materializes its
// step and per-node status rows. Batches arrive in step order; every batch is
// non-empty. Unresolved drift events of targeted nodes are superseded by the
// new intent and resolved as rollout_started.
func (s *StateStore) PlanRollout(index uint64, rolloutID string, batches [][]string, now time.Time) error {
	txn := s.db.WriteTxnMsgT(structs.RolloutPlanRequestType, index)
	defer txn.Abort()

	raw, err := txn.First(TableRollouts, indexID, rolloutID)
	if err != nil {
		return fmt.Errorf("rollout lookup failed: %v", err)
	}
	if raw == nil {
		return fmt.Errorf("%w %q", structs.ErrUnknownRollout, rolloutID)
	}

	rollout := raw.(*structs.Rollout)
	if rollout.State != structs.RolloutStatePending {
		return fmt.Errorf("%w: rollout %q is %s, not %s", structs.ErrInvalidState,
			rolloutID, rollout.State, structs.RolloutStatePending)
	}

	for i, nodeIDs := range batches {
		step := &structs.RolloutStep{
			RolloutID:   rolloutID,
			StepIndex:   i,
			NodeIDs:     nodeIDs,
			State:       structs.StepStatePending,
			CreateIndex: index,
			ModifyIndex: index,
		}
		if err := txn.Insert(TableRolloutSteps, step); err != nil {
			return fmt.Errorf("rollout step insert failed: %v", err)
		}

		for _, nodeID := range nodeIDs {
			status := &structs.NodeBundleStatus{
				NodeID:      nodeID,
				RolloutID:   rolloutID,
				BundleID:    rollout.BundleID,
				State:       structs.NodeBundleStatePending,
				CreateIndex: index,
				ModifyIndex: index,
			}
			if err := txn.Insert(TableNodeBundleStatus, status); err != nil {
				return fmt.Errorf("node bundle status insert failed: %v", err)
			}

			if err := resolveNodeDriftTxn(txn, index, nodeID, structs.DriftResolutionRolloutStarted, now); err != nil {
				return err
			}
		}
	}

	updated := rollout.Copy()
	updated.State = structs.RolloutStateRunning
	updated.StartedAt = now
	updated.Error = nil
	updated.ModifyIndex = index
	if err := txn.Insert(TableRollouts, updated); err != nil {
		return fmt.Errorf("rollout update failed: %v", err)
	}

	for _, table := range []string{TableRollouts, TableRolloutSteps, TableNodeBundleStatus} {
		if err := txn.Insert(tableIndex, &IndexEntry{table, index}); err != nil {
			return fmt.Errorf("index update failed: %v", err)
		}
	}

	return txn.Commit()
}

// StartRolloutStep transitions a pending step to running, stages the
// rollout's bundle on the step's nodes, and moves their status rows to
// staging. The bundle is re-validated: one revoked after rollout creation
// must not reach more nodes.
func (s *StateStore) StartRolloutStep(index uint64, rolloutID string, stepIndex int, now time.Time) error {
	txn := s.db.WriteTxnMsgT(structs.RolloutTickRequestType, index)
	defer txn.Abort()

	rollout, step, err := rolloutStepForUpdateTxn(txn, rolloutID, stepIndex)
	if err != nil {
		return err
	}
	if rollout.State != structs.RolloutStateRunning {
		return fmt.Errorf("%w: rollout %q is %s", structs.ErrInvalidState, rolloutID, rollout.State)
	}
	if step.State != structs.StepStatePending {
		return fmt.Errorf("%w: step %d of rollout %q is %s", structs.ErrInvalidState,
			stepIndex, rolloutID, step.State)
	}

	// Steps advance strictly by index.
	steps, err := rolloutStepsTxn(txn, rolloutID)
	if err != nil {
		return err
	}
	for _, prior := range steps {
		if prior.StepIndex < stepIndex && prior.State != structs.StepStateCompleted {
			return fmt.Errorf("%w: step %d of rollout %q is %s", structs.ErrInvalidState,
				prior.StepIndex, rolloutID, prior.State)
		}
	}

	raw, err := txn.First(TableBundles, indexID, rollout.BundleID)
	if err != nil {
		return fmt.Errorf("bundle lookup failed: %v", err)
	}
	if raw == nil || !raw.(*structs.Bundle).Compiled() {
		return fmt.Errorf("%w: bundle %q", structs.ErrBundleRevoked, rollout.BundleID)
	}

	updated := step.Copy()
	updated.State = structs.StepStateRunning
	updated.StartedAt = now
	updated.ModifyIndex = index
	if err := txn.Insert(TableRolloutSteps, updated); err != nil {
		return fmt.Errorf("rollout step update failed: %v", err)
	}

	for _, nodeID := range step.NodeIDs {
		if err := stageNodeTxn(txn, index, nodeID, rollout.BundleID); err != nil {
			return err
		}
		if err := updateStatusTxn(txn, index, rolloutID, nodeID, func(status *structs.NodeBundleStatus) {
			status.State = structs.NodeBundleStateStaging
			status.StagedAt = now
		}); err != nil {
			return err
		}
	}

	for _, table := range []string{TableRolloutSteps, TableNodeBundleStatus, TableNodes} {
		if err := txn.Insert(tableIndex, &IndexEntry{table, index}); err != nil {
			return fmt.Errorf("index update failed: %v", err)
		}
	}

	return txn.Commit()
}

// SetRolloutStepVerifying transitions a running step to verifying once enough
// of its nodes report the bundle active, and moves the step's status rows to
// activating.
func (s *StateStore) SetRolloutStepVerifying(index uint64, rolloutID string, stepIndex int, now time.Time) error {
	txn := s.db.WriteTxnMsgT(structs.RolloutTickRequestType, index)
	defer txn.Abort()

	rollout, step, err := rolloutStepForUpdateTxn(txn, rolloutID, stepIndex)
	if err != nil {
		return err
	}
	if rollout.State != structs.RolloutStateRunning {
		return fmt.Errorf("%w: rollout %q is %s", structs.ErrInvalidState, rolloutID, rollout.State)
	}
	if step.State != structs.StepStateRunning {
		return fmt.Errorf("%w: step %d of rollout %q is %s", structs.ErrInvalidState,
			stepIndex, rolloutID, step.State)
	}

	updated := step.Copy()
	updated.State = structs.StepStateVerifying
	updated.ModifyIndex = index
	if err := txn.Insert(TableRolloutSteps, updated); err != nil {
		return fmt.Errorf("rollout step update failed: %v", err)
	}

	for _, nodeID := range step.NodeIDs {
		if err := updateStatusTxn(txn, index, rolloutID, nodeID, func(status *structs.NodeBundleStatus) {
			status.State = structs.NodeBundleStateActivating
			status.LastReportAt = now
		}); err != nil {
			return err
		}
	}

	for _, table := range []string{TableRolloutSteps, TableNodeBundleStatus} {
		if err := txn.Insert(tableIndex, &IndexEntry{table, index}); err != nil {
			return fmt.Errorf("index update failed: %v", err)
		}
	}

	return txn.Commit()
}

// CompleteRolloutStep transitions a verifying step to completed, marks its
// status rows active, and commits the new intent: each node's expected bundle
// becomes the rollout's bundle, atomically with the step completion. Only
// nodes that actually report the rollout's bundle are promoted; a tolerated
// unavailable node keeps its status and its old expected bundle, so it never
// claims an activation that did not happen. When no pending step remains the
// rollout completes.
func (s *StateStore) CompleteRolloutStep(index uint64, rolloutID string, stepIndex int, now time.Time) error {
	txn := s.db.WriteTxnMsgT(structs.RolloutTickRequestType, index)
	defer txn.Abort()

	rollout, step, err := rolloutStepForUpdateTxn(txn, rolloutID, stepIndex)
	if err != nil {
		return err
	}
	if rollout.State != structs.RolloutStateRunning {
		return fmt.Errorf("%w: rollout %q is %s", structs.ErrInvalidState, rolloutID, rollout.State)
	}
	if step.State != structs.StepStateVerifying {
		return fmt.Errorf("%w: step %d of rollout %q is %s", structs.ErrInvalidState,
			stepIndex, rolloutID, step.State)
	}

	updated := step.Copy()
	updated.State = structs.StepStateCompleted
	updated.CompletedAt = now
	updated.ModifyIndex = index
	if err := txn.Insert(TableRolloutSteps, updated); err != nil {
		return fmt.Errorf("rollout step update failed: %v", err)
	}

	for _, nodeID := range step.NodeIDs {
		raw, err := txn.First(TableNodes, indexID, nodeID)
		if err != nil {
			return fmt.Errorf("node lookup failed: %v", err)
		}
		node, _ := raw.(*structs.Node)
		if node == nil || node.ActiveBundleID != rollout.BundleID {
			// Tolerated within max_unavailable. The node never reported
			// the bundle, so neither its status nor its intent moves.
			continue
		}

		if err := updateStatusTxn(txn, index, rolloutID, nodeID, func(status *structs.NodeBundleStatus) {
			status.State = structs.NodeBundleStateActive
			status.ActivatedAt = now
			status.VerifiedAt = now
			status.LastReportAt = now
			status.Error = nil
		}); err != nil {
			return err
		}

		if err := setNodeExpectedBundleTxn(txn, index, nodeID, rollout.BundleID); err != nil {
			return err
		}
		if err := resolveNodeDriftTxn(txn, index, nodeID, structs.DriftResolutionRolloutCompleted, now); err != nil {
			return err
		}
	}

	// Complete the rollout once the last step is done.
	steps, err := rolloutStepsTxn(txn, rolloutID)
	if err != nil {
		return err
	}
	remaining := false
	for _, other := range steps {
		if other.StepIndex != stepIndex && other.State != structs.StepStateCompleted {
			remaining = true
			break
		}
	}
	if !remaining {
		done := rollout.Copy()
		done.State = structs.RolloutStateCompleted
		done.CompletedAt = now
		done.Error = nil
		done.ModifyIndex = index
		if err := txn.Insert(TableRollouts, done); err != nil {
			return fmt.Errorf("rollout update failed: %v", err)
		}
		if err := txn.Insert(tableIndex, &IndexEntry{TableRollouts, index}); err != nil {
			return fmt.Errorf("index update failed: %v", err)
		}
	}

	for _, table := range []string{TableRolloutSteps, TableNodeBundleStatus, TableNodes} {
		if err := txn.Insert(tableIndex, &IndexEntry{table, index}); err != nil {
			return fmt.Errorf("index update failed: %v", err)
		}
	}

	return txn.Commit()
}

// FailRolloutStep fails an active step and its rollout in one transaction.
// Status rows that never reached active are marked failed with the step's
// error.
func (s *StateStore) FailRolloutStep(index uint64, rolloutID string, stepIndex int, stepErr, rolloutErr *structs.StateError, now time.Time) error {
	txn := s.db.WriteTxnMsgT(structs.RolloutTickRequestType, index)
	defer txn.Abort()

	rollout, step, err := rolloutStepForUpdateTxn(txn, rolloutID, stepIndex)
	if err != nil {
		return err
	}
	if rollout.TerminalState() {
		return fmt.Errorf("%w: rollout %q is %s", structs.ErrInvalidState, rolloutID, rollout.State)
	}
	if !step.Active() && step.State != structs.StepStatePending {
		return fmt.Errorf("%w: step %d of rollout %q is %s", structs.ErrInvalidState,
			stepIndex, rolloutID, step.State)
	}

	updatedStep := step.Copy()
	updatedStep.State = structs.StepStateFailed
	updatedStep.CompletedAt = now
	updatedStep.Error = stepErr
	updatedStep.ModifyIndex = index
	if err := txn.Insert(TableRolloutSteps, updatedStep); err != nil {
		return fmt.Errorf("rollout step update failed: %v", err)
	}

	for _, nodeID := range step.NodeIDs {
		if err := updateStatusTxn(txn, index, rolloutID, nodeID, func(status *structs.NodeBundleStatus) {
			if status.State == structs.NodeBundleStateActive {
				return
			}
			status.State = structs.NodeBundleStateFailed
			status.Error = stepErr
		}); err != nil {
			return err
		}
	}

	updated := rollout.Copy()
	updated.State = structs.RolloutStateFailed
	updated.CompletedAt = now
	updated.Error = rolloutErr
	updated.ModifyIndex = index
	if err := txn.Insert(TableRollouts, updated); err != nil {
		return fmt.Errorf("rollout update failed: %v", err)
	}

	for _, table := range []string{TableRollouts, TableRolloutSteps, TableNodeBundleStatus} {
		if err := txn.Insert(tableIndex, &IndexEntry{table, index}); err != nil {
			return fmt.Errorf("index update failed: %v", err)
		}
	}

	return txn.Commit()
}

// FailRollout terminally fails a rollout that has no active step to blame,
// for example when planning at the schedule gate finds no targets.
func (s *StateStore) FailRollout(index uint64, rolloutID string, stateErr *structs.StateError, now time.Time) error {
	return s.updateRolloutState(index, rolloutID,
		[]string{structs.RolloutStatePending, structs.RolloutStateRunning, structs.RolloutStatePaused},
		func(rollout *structs.Rollout) {
			rollout.State = structs.RolloutStateFailed
			rollout.CompletedAt = now
			rollout.Error = stateErr
		})
}

// PauseRollout transitions a running rollout to paused. A system pause
// carries the structured reason; a user pause passes nil.
func (s *StateStore) PauseRollout(index uint64, rolloutID string, stateErr *structs.StateError) error {
	return s.updateRolloutState(index, rolloutID,
		[]string{structs.RolloutStateRunning},
		func(rollout *structs.Rollout) {
			rollout.State = structs.RolloutStatePaused
			rollout.Error = stateErr
		})
}

// ResumeRollout transitions a paused rollout back to running and clears any
// system pause reason.
func (s *StateStore) ResumeRollout(index uint64, rolloutID string) error {
	return s.updateRolloutState(index, rolloutID,
		[]string{structs.RolloutStatePaused},
		func(rollout *structs.Rollout) {
			rollout.State = structs.RolloutStateRunning
			rollout.Error = nil
		})
}

// CancelRollout terminally cancels a running or paused rollout. With revert
// set, nodes still staged to this rollout's bundle have the assignment
// cleared; nodes already active keep it.
func (s *StateStore) CancelRollout(index uint64, rolloutID string, revert bool, now time.Time) error {
	txn := s.db.WriteTxnMsgT(structs.RolloutUpdateRequestType, index)
	defer txn.Abort()

	raw, err := txn.First(TableRollouts, indexID, rolloutID)
	if err != nil {
		return fmt.Errorf("rollout lookup failed: %v", err)
	}
	if raw == nil {
		return fmt.Errorf("%w %q", structs.ErrUnknownRollout, rolloutID)
	}

	rollout := raw.(*structs.Rollout)
	switch rollout.State {
	case structs.RolloutStateRunning, structs.RolloutStatePaused:
	default:
		return fmt.Errorf("%w: rollout %q is %s", structs.ErrInvalidState, rolloutID, rollout.State)
	}

	if revert {
		statuses, err := rolloutStatusesTxn(txn, rolloutID)
		if err != nil {
			return err
		}
		for _, status := range statuses {
			nodeRaw, err := txn.First(TableNodes, indexID, status.NodeID)
			if err != nil {
				return fmt.Errorf("node lookup failed: %v", err)
			}
			if nodeRaw == nil {
				continue
			}
			node := nodeRaw.(*structs.Node)
			if node.StagedBundleID != rollout.BundleID {
				continue
			}
			updated := node.Copy()
			updated.StagedBundleID = ""
			updated.ModifyIndex = index
			if err := txn.Insert(TableNodes, updated); err != nil {
				return fmt.Errorf("node update failed: %v", err)
			}
		}
		if err := txn.Insert(tableIndex, &IndexEntry{TableNodes, index}); err != nil {
			return fmt.Errorf("index update failed: %v", err)
		}
	}

	updated := rollout.Copy()
	updated.State = structs.RolloutStateCancelled
	updated.CompletedAt = now
	updated.ModifyIndex = index
	if err := txn.Insert(TableRollouts, updated); err != nil {
		return fmt.Errorf("rollout update failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableRollouts, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// UpsertRolloutApproval records one user's approval and advances the approval
// state once the quorum is reached. The creator may not approve their own
// rollout, and a user may approve at most once.
func (s *StateStore) UpsertRolloutApproval(index uint64, approval *structs.RolloutApproval, approvalsNeeded int) (*structs.Rollout, error) {
	txn := s.db.WriteTxnMsgT(structs.RolloutApprovalRequestType, index)
	defer txn.Abort()

	raw, err := txn.First(TableRollouts, indexID, approval.RolloutID)
	if err != nil {
		return nil, fmt.Errorf("rollout lookup failed: %v", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w %q", structs.ErrUnknownRollout, approval.RolloutID)
	}

	rollout := raw.(*structs.Rollout)
	if rollout.ApprovalState != structs.RolloutApprovalPending {
		return nil, fmt.Errorf("%w: rollout %q approval state is %s", structs.ErrInvalidState,
			rollout.ID, rollout.ApprovalState)
	}
	if approval.UserID == rollout.CreatedBy {
		return nil, fmt.Errorf("%w: user %q created rollout %q", structs.ErrSelfApproval,
			approval.UserID, rollout.ID)
	}

	existing, err := txn.First(TableRolloutApprovals, indexID, approval.RolloutID, approval.UserID)
	if err != nil {
		return nil, fmt.Errorf("approval lookup failed: %v", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: user %q already approved rollout %q", structs.ErrAlreadyApproved,
			approval.UserID, rollout.ID)
	}

	approval = approval.Copy()
	approval.Granted = true
	approval.CreateIndex = index
	approval.ModifyIndex = index
	if err := txn.Insert(TableRolloutApprovals, approval); err != nil {
		return nil, fmt.Errorf("approval insert failed: %v", err)
	}

	count, err := grantedApprovalsTxn(txn, rollout.ID)
	if err != nil {
		return nil, err
	}

	updated := rollout.Copy()
	if count >= approvalsNeeded {
		updated.ApprovalState = structs.RolloutApprovalApproved
		if updated.State == structs.RolloutStateAwaitingApproval {
			updated.State = structs.RolloutStatePending
		}
	}
	updated.ModifyIndex = index
	if err := txn.Insert(TableRollouts, updated); err != nil {
		return nil, fmt.Errorf("rollout update failed: %v", err)
	}

	for _, table := range []string{TableRollouts, TableRolloutApprovals} {
		if err := txn.Insert(tableIndex, &IndexEntry{table, index}); err != nil {
			return nil, fmt.Errorf("index update failed: %v", err)
		}
	}

	if err := txn.Commit(); err != nil {
		return nil, err
	}
	return updated, nil
}

// RejectRollout records a rejection and terminally cancels the rollout.
func (s *StateStore) RejectRollout(index uint64, approval *structs.RolloutApproval, now time.Time) (*structs.Rollout, error) {
	txn := s.db.WriteTxnMsgT(structs.RolloutApprovalRequestType, index)
	defer txn.Abort()

	raw, err := txn.First(TableRollouts, indexID, approval.RolloutID)
	if err != nil {
		return nil, fmt.Errorf("rollout lookup failed: %v", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w %q", structs.ErrUnknownRollout, approval.RolloutID)
	}

	rollout := raw.(*structs.Rollout)
	if rollout.ApprovalState != structs.RolloutApprovalPending {
		return nil, fmt.Errorf("%w: rollout %q approval state is %s", structs.ErrInvalidState,
			rollout.ID, rollout.ApprovalState)
	}

	approval = approval.Copy()
	approval.Granted = false
	approval.CreateIndex = index
	approval.ModifyIndex = index
	if err := txn.Insert(TableRolloutApprovals, approval); err != nil {
		return nil, fmt.Errorf("approval insert failed: %v", err)
	}

	updated := rollout.Copy()
	updated.ApprovalState = structs.RolloutApprovalRejected
	updated.State = structs.RolloutStateCancelled
	updated.CompletedAt = now
	updated.ModifyIndex = index
	if err := txn.Insert(TableRollouts, updated); err != nil {
		return nil, fmt.Errorf("rollout update failed: %v", err)
	}

	for _, table := range []string{TableRollouts, TableRolloutApprovals} {
		if err := txn.Insert(tableIndex, &IndexEntry{table, index}); err != nil {
			return nil, fmt.Errorf("index update failed: %v", err)
		}
	}

	if err := txn.Commit(); err != nil {
		return nil, err
	}
	return updated, nil
}

// ApprovalsByRollout returns the recorded approvals of a rollout.
func (s *StateStore) ApprovalsByRollout(ws memdb.WatchSet, rolloutID string) ([]*structs.RolloutApproval, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	iter, err := txn.Get(TableRolloutApprovals, indexRollout, rolloutID)
	if err != nil {
		return nil, fmt.Errorf("approval lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	var out []*structs.RolloutApproval
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.RolloutApproval))
	}
	return out, nil
}

// grantedApprovalsTxn counts the granted approvals of a rollout within the
// transaction.
func grantedApprovalsTxn(txn Txn, rolloutID string) (int, error) {
	iter, err := txn.Get(TableRolloutApprovals, indexRollout, rolloutID)
	if err != nil {
		return 0, fmt.Errorf("approval lookup failed: %v", err)
	}

	count := 0
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		if raw.(*structs.RolloutApproval).Granted {
			count++
		}
	}
	return count, nil
}

// updateRolloutState applies a guarded state mutation: the rollout must
// currently be in one of the expected states, otherwise the losing writer
// sees ErrInvalidState and nothing changes.
func (s *StateStore) updateRolloutState(index uint64, rolloutID string, from []string, mutate func(*structs.Rollout)) error {
	txn := s.db.WriteTxnMsgT(structs.RolloutUpdateRequestType, index)
	defer txn.Abort()

	raw, err := txn.First(TableRollouts, indexID, rolloutID)
	if err != nil {
		return fmt.Errorf("rollout lookup failed: %v", err)
	}
	if raw == nil {
		return fmt.Errorf("%w %q", structs.ErrUnknownRollout, rolloutID)
	}

	rollout := raw.(*structs.Rollout)
	allowed := false
	for _, state := range from {
		if rollout.State == state {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: rollout %q is %s", structs.ErrInvalidState, rolloutID, rollout.State)
	}

	updated := rollout.Copy()
	mutate(updated)
	updated.ModifyIndex = index
	if err := txn.Insert(TableRollouts, updated); err != nil {
		return fmt.Errorf("rollout update failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableRollouts, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

func rolloutStepForUpdateTxn(txn Txn, rolloutID string, stepIndex int) (*structs.Rollout, *structs.RolloutStep, error) {
	raw, err := txn.First(TableRollouts, indexID, rolloutID)
	if err != nil {
		return nil, nil, fmt.Errorf("rollout lookup failed: %v", err)
	}
	if raw == nil {
		return nil, nil, fmt.Errorf("%w %q", structs.ErrUnknownRollout, rolloutID)
	}

	stepRaw, err := txn.First(TableRolloutSteps, indexID, rolloutID, stepIndex)
	if err != nil {
		return nil, nil, fmt.Errorf("rollout step lookup failed: %v", err)
	}
	if stepRaw == nil {
		return nil, nil, fmt.Errorf("unknown step %d of rollout %q", stepIndex, rolloutID)
	}

	return raw.(*structs.Rollout), stepRaw.(*structs.RolloutStep), nil
}

func updateStatusTxn(txn Txn, index uint64, rolloutID, nodeID string, mutate func(*structs.NodeBundleStatus)) error {
	raw, err := txn.First(TableNodeBundleStatus, indexID, rolloutID, nodeID)
	if err != nil {
		return fmt.Errorf("node bundle status lookup failed: %v", err)
	}
	if raw == nil {
		return fmt.Errorf("missing node bundle status for node %q in rollout %q", nodeID, rolloutID)
	}

	updated := raw.(*structs.NodeBundleStatus).Copy()
	mutate(updated)
	updated.ModifyIndex = index
	if err := txn.Insert(TableNodeBundleStatus, updated); err != nil {
		return fmt.Errorf("node bundle status update failed: %v", err)
	}
	return nil
}
