// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/sentinel/ci"
	"github.com/hashicorp/sentinel/sentinel/mock"
	"github.com/hashicorp/sentinel/sentinel/structs"
)

// testRolloutSetup stores a compiled bundle, a set of online nodes, and a
// rollout targeting the bundle. The rollout is left in its initial state.
func testRolloutSetup(t *testing.T, store *StateStore, nodeCount int) (*structs.Rollout, *structs.Bundle, []*structs.Node) {
	t.Helper()

	bundle := mock.Bundle()
	must.NoError(t, store.UpsertBundle(1000, bundle))

	var nodes []*structs.Node
	for i := 0; i < nodeCount; i++ {
		node := mock.Node()
		must.NoError(t, store.UpsertNode(uint64(1001+i), node))
		nodes = append(nodes, node)
	}

	rollout := mock.Rollout()
	rollout.BundleID = bundle.ID
	must.NoError(t, store.UpsertRollout(1100, rollout))

	return rollout, bundle, nodes
}

func TestStateStore_UpsertRollout(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	bundle := mock.Bundle()
	must.NoError(t, store.UpsertBundle(1000, bundle))

	rollout := mock.Rollout()
	rollout.BundleID = bundle.ID
	must.NoError(t, store.UpsertRollout(1001, rollout))

	out, err := store.RolloutByID(nil, rollout.ID)
	must.NoError(t, err)
	must.NotNil(t, out)
	must.Eq(t, uint64(1001), out.CreateIndex)
	must.Eq(t, structs.RolloutStatePending, out.State)

	// Duplicate ids are rejected.
	must.Error(t, store.UpsertRollout(1002, rollout))
}

func TestStateStore_UpsertRollout_BundleGuards(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	t.Run("unknown bundle", func(t *testing.T) {
		rollout := mock.Rollout()
		err := store.UpsertRollout(1000, rollout)
		must.ErrorIs(t, err, structs.ErrUnknownBundle)
	})

	t.Run("uncompiled bundle", func(t *testing.T) {
		bundle := mock.Bundle()
		bundle.Status = structs.BundleStatusCompiling
		must.NoError(t, store.UpsertBundle(1001, bundle))

		rollout := mock.Rollout()
		rollout.BundleID = bundle.ID
		err := store.UpsertRollout(1002, rollout)
		must.True(t, structs.IsErrBundleNotCompiled(err))
	})
}

func TestStateStore_PlanRollout(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	rollout, _, nodes := testRolloutSetup(t, store, 4)
	now := structs.TimestampNow()

	batches := [][]string{
		{nodes[0].ID, nodes[1].ID},
		{nodes[2].ID, nodes[3].ID},
	}
	must.NoError(t, store.PlanRollout(1200, rollout.ID, batches, now))

	details, err := store.RolloutDetails(nil, rollout.ID)
	must.NoError(t, err)
	must.Eq(t, structs.RolloutStateRunning, details.Rollout.State)
	must.Eq(t, now, details.Rollout.StartedAt)
	must.Len(t, 2, details.Steps)
	must.Len(t, 4, details.NodeStatuses)

	for i, step := range details.Steps {
		must.Eq(t, i, step.StepIndex)
		must.Eq(t, structs.StepStatePending, step.State)
		must.Len(t, 2, step.NodeIDs)
	}
	for _, status := range details.NodeStatuses {
		must.Eq(t, structs.NodeBundleStatePending, status.State)
		must.Eq(t, rollout.BundleID, status.BundleID)
	}

	// Replanning loses the guarded transition.
	err = store.PlanRollout(1201, rollout.ID, batches, now)
	must.True(t, structs.IsErrInvalidState(err))
}

func TestStateStore_PlanRollout_SupersedesDrift(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	rollout, _, nodes := testRolloutSetup(t, store, 1)
	now := structs.TimestampNow()

	event := mock.DriftEvent()
	event.NodeID = nodes[0].ID
	must.NoError(t, store.UpsertDriftEvent(1150, event))

	must.NoError(t, store.PlanRollout(1200, rollout.ID, [][]string{{nodes[0].ID}}, now))

	out, err := store.DriftEventByID(nil, event.ID)
	must.NoError(t, err)
	must.True(t, out.Resolved())
	must.Eq(t, structs.DriftResolutionRolloutStarted, out.Resolution)
}

func TestStateStore_RolloutStepLifecycle(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	rollout, _, nodes := testRolloutSetup(t, store, 2)
	now := structs.TimestampNow()

	batches := [][]string{{nodes[0].ID}, {nodes[1].ID}}
	must.NoError(t, store.PlanRollout(1200, rollout.ID, batches, now))

	// Step 1 may not start before step 0 completes.
	err := store.StartRolloutStep(1201, rollout.ID, 1, now)
	must.True(t, structs.IsErrInvalidState(err))

	must.NoError(t, store.StartRolloutStep(1202, rollout.ID, 0, now))

	node, err := store.NodeByID(nil, nodes[0].ID)
	must.NoError(t, err)
	must.Eq(t, rollout.BundleID, node.StagedBundleID)

	status, err := store.NodeBundleStatus(nil, rollout.ID, nodes[0].ID)
	must.NoError(t, err)
	must.Eq(t, structs.NodeBundleStateStaging, status.State)
	must.Eq(t, now, status.StagedAt)

	// Racing ticks lose the start transition.
	err = store.StartRolloutStep(1203, rollout.ID, 0, now)
	must.True(t, structs.IsErrInvalidState(err))

	// Completing before verifying is rejected.
	err = store.CompleteRolloutStep(1204, rollout.ID, 0, now)
	must.True(t, structs.IsErrInvalidState(err))

	must.NoError(t, store.UpdateNodeBundleReport(1205, nodes[0].ID, rollout.BundleID))
	must.NoError(t, store.SetRolloutStepVerifying(1206, rollout.ID, 0, now))
	must.NoError(t, store.CompleteRolloutStep(1207, rollout.ID, 0, now))

	// Step completion commits the intent atomically.
	node, err = store.NodeByID(nil, nodes[0].ID)
	must.NoError(t, err)
	must.Eq(t, rollout.BundleID, node.ExpectedBundleID)

	status, err = store.NodeBundleStatus(nil, rollout.ID, nodes[0].ID)
	must.NoError(t, err)
	must.Eq(t, structs.NodeBundleStateActive, status.State)

	out, err := store.RolloutByID(nil, rollout.ID)
	must.NoError(t, err)
	must.Eq(t, structs.RolloutStateRunning, out.State)

	// Finishing the last step completes the rollout.
	must.NoError(t, store.StartRolloutStep(1208, rollout.ID, 1, now))
	must.NoError(t, store.UpdateNodeBundleReport(1209, nodes[1].ID, rollout.BundleID))
	must.NoError(t, store.SetRolloutStepVerifying(1210, rollout.ID, 1, now))
	must.NoError(t, store.CompleteRolloutStep(1211, rollout.ID, 1, now))

	out, err = store.RolloutByID(nil, rollout.ID)
	must.NoError(t, err)
	must.Eq(t, structs.RolloutStateCompleted, out.State)
	must.Eq(t, now, out.CompletedAt)
}

func TestStateStore_CompleteRolloutStep_UnreportedNode(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	rollout, bundle, nodes := testRolloutSetup(t, store, 2)
	now := structs.TimestampNow()

	must.NoError(t, store.PlanRollout(1200, rollout.ID, [][]string{{nodes[0].ID, nodes[1].ID}}, now))
	must.NoError(t, store.StartRolloutStep(1201, rollout.ID, 0, now))

	// Only the first node reports the bundle before the step completes.
	must.NoError(t, store.UpdateNodeBundleReport(1202, nodes[0].ID, bundle.ID))
	must.NoError(t, store.SetRolloutStepVerifying(1203, rollout.ID, 0, now))
	must.NoError(t, store.CompleteRolloutStep(1204, rollout.ID, 0, now))

	reported, err := store.NodeByID(nil, nodes[0].ID)
	must.NoError(t, err)
	must.Eq(t, bundle.ID, reported.ExpectedBundleID)

	status, err := store.NodeBundleStatus(nil, rollout.ID, nodes[0].ID)
	must.NoError(t, err)
	must.Eq(t, structs.NodeBundleStateActive, status.State)

	// The silent node keeps its old intent and never claims the activation;
	// its staged assignment survives so it converges when it comes back.
	silent, err := store.NodeByID(nil, nodes[1].ID)
	must.NoError(t, err)
	must.NotEq(t, bundle.ID, silent.ExpectedBundleID)
	must.Eq(t, bundle.ID, silent.StagedBundleID)

	status, err = store.NodeBundleStatus(nil, rollout.ID, nodes[1].ID)
	must.NoError(t, err)
	must.NotEq(t, structs.NodeBundleStateActive, status.State)
}

func TestStateStore_StartRolloutStep_BundleRevoked(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	rollout, bundle, nodes := testRolloutSetup(t, store, 1)
	now := structs.TimestampNow()

	must.NoError(t, store.PlanRollout(1200, rollout.ID, [][]string{{nodes[0].ID}}, now))

	revoked := bundle.Copy()
	revoked.Status = structs.BundleStatusRevoked
	must.NoError(t, store.UpsertBundle(1201, revoked))

	err := store.StartRolloutStep(1202, rollout.ID, 0, now)
	must.True(t, structs.IsErrBundleRevoked(err))

	// The node was never staged.
	node, err := store.NodeByID(nil, nodes[0].ID)
	must.NoError(t, err)
	must.Eq(t, "", node.StagedBundleID)
}

func TestStateStore_FailRolloutStep(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	rollout, _, nodes := testRolloutSetup(t, store, 2)
	now := structs.TimestampNow()

	must.NoError(t, store.PlanRollout(1200, rollout.ID, [][]string{{nodes[0].ID, nodes[1].ID}}, now))
	must.NoError(t, store.StartRolloutStep(1201, rollout.ID, 0, now))

	stepErr := structs.NewStateError("step_deadline_exceeded").WithDetail("step_index", "0")
	rolloutErr := structs.NewStateError("deadline_exceeded")
	must.NoError(t, store.FailRolloutStep(1202, rollout.ID, 0, stepErr, rolloutErr, now))

	details, err := store.RolloutDetails(nil, rollout.ID)
	must.NoError(t, err)
	must.Eq(t, structs.RolloutStateFailed, details.Rollout.State)
	must.Eq(t, "deadline_exceeded", details.Rollout.Error.Reason)
	must.Eq(t, structs.StepStateFailed, details.Steps[0].State)
	must.Eq(t, "0", details.Steps[0].Error.Details["step_index"])
	for _, status := range details.NodeStatuses {
		must.Eq(t, structs.NodeBundleStateFailed, status.State)
	}

	// Terminal rollouts reject further transitions.
	err = store.FailRolloutStep(1203, rollout.ID, 0, stepErr, rolloutErr, now)
	must.True(t, structs.IsErrInvalidState(err))
}

func TestStateStore_PauseResumeRollout(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	rollout, _, nodes := testRolloutSetup(t, store, 1)
	now := structs.TimestampNow()

	// Pausing a pending rollout is rejected.
	err := store.PauseRollout(1199, rollout.ID, nil)
	must.True(t, structs.IsErrInvalidState(err))

	must.NoError(t, store.PlanRollout(1200, rollout.ID, [][]string{{nodes[0].ID}}, now))

	reason := structs.NewStateError("max_unavailable_exceeded")
	must.NoError(t, store.PauseRollout(1201, rollout.ID, reason))

	out, err := store.RolloutByID(nil, rollout.ID)
	must.NoError(t, err)
	must.Eq(t, structs.RolloutStatePaused, out.State)
	must.Eq(t, "max_unavailable_exceeded", out.Error.Reason)

	must.NoError(t, store.ResumeRollout(1202, rollout.ID))

	out, err = store.RolloutByID(nil, rollout.ID)
	must.NoError(t, err)
	must.Eq(t, structs.RolloutStateRunning, out.State)
	must.Nil(t, out.Error)
}

func TestStateStore_CancelRollout_Revert(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	rollout, _, nodes := testRolloutSetup(t, store, 2)
	now := structs.TimestampNow()

	must.NoError(t, store.PlanRollout(1200, rollout.ID, [][]string{{nodes[0].ID, nodes[1].ID}}, now))
	must.NoError(t, store.StartRolloutStep(1201, rollout.ID, 0, now))

	must.NoError(t, store.CancelRollout(1202, rollout.ID, true, now))

	out, err := store.RolloutByID(nil, rollout.ID)
	must.NoError(t, err)
	must.Eq(t, structs.RolloutStateCancelled, out.State)

	// Reverting clears staged assignments that were never activated.
	for _, n := range nodes {
		node, err := store.NodeByID(nil, n.ID)
		must.NoError(t, err)
		must.Eq(t, "", node.StagedBundleID)
	}

	// Cancelled is terminal.
	err = store.CancelRollout(1203, rollout.ID, false, now)
	must.True(t, structs.IsErrInvalidState(err))
}

func TestStateStore_RolloutApprovals(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	bundle := mock.Bundle()
	must.NoError(t, store.UpsertBundle(1000, bundle))

	rollout := mock.Rollout()
	rollout.BundleID = bundle.ID
	rollout.CreatedBy = "creator"
	rollout.State = structs.RolloutStateAwaitingApproval
	rollout.ApprovalState = structs.RolloutApprovalPending
	must.NoError(t, store.UpsertRollout(1001, rollout))

	now := structs.TimestampNow()

	// The creator may not approve their own rollout.
	_, err := store.UpsertRolloutApproval(1002, &structs.RolloutApproval{
		RolloutID: rollout.ID, UserID: "creator", CreateTime: now,
	}, 2)
	must.True(t, structs.IsErrSelfApproval(err))

	updated, err := store.UpsertRolloutApproval(1003, &structs.RolloutApproval{
		RolloutID: rollout.ID, UserID: "alice", CreateTime: now,
	}, 2)
	must.NoError(t, err)
	must.Eq(t, structs.RolloutApprovalPending, updated.ApprovalState)
	must.Eq(t, structs.RolloutStateAwaitingApproval, updated.State)

	// A user approves at most once.
	_, err = store.UpsertRolloutApproval(1004, &structs.RolloutApproval{
		RolloutID: rollout.ID, UserID: "alice", CreateTime: now,
	}, 2)
	must.True(t, structs.IsErrAlreadyApproved(err))

	// Quorum releases the rollout to pending.
	updated, err = store.UpsertRolloutApproval(1005, &structs.RolloutApproval{
		RolloutID: rollout.ID, UserID: "bob", CreateTime: now,
	}, 2)
	must.NoError(t, err)
	must.Eq(t, structs.RolloutApprovalApproved, updated.ApprovalState)
	must.Eq(t, structs.RolloutStatePending, updated.State)

	approvals, err := store.ApprovalsByRollout(nil, rollout.ID)
	must.NoError(t, err)
	must.Len(t, 2, approvals)

	// Once approved, further approvals are rejected.
	_, err = store.UpsertRolloutApproval(1006, &structs.RolloutApproval{
		RolloutID: rollout.ID, UserID: "carol", CreateTime: now,
	}, 2)
	must.True(t, structs.IsErrInvalidState(err))
}

func TestStateStore_RejectRollout(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	bundle := mock.Bundle()
	must.NoError(t, store.UpsertBundle(1000, bundle))

	rollout := mock.Rollout()
	rollout.BundleID = bundle.ID
	rollout.State = structs.RolloutStateAwaitingApproval
	rollout.ApprovalState = structs.RolloutApprovalPending
	must.NoError(t, store.UpsertRollout(1001, rollout))

	now := structs.TimestampNow()
	updated, err := store.RejectRollout(1002, &structs.RolloutApproval{
		RolloutID: rollout.ID, UserID: "alice", Comment: "wrong bundle", CreateTime: now,
	}, now)
	must.NoError(t, err)
	must.Eq(t, structs.RolloutApprovalRejected, updated.ApprovalState)
	must.Eq(t, structs.RolloutStateCancelled, updated.State)

	// Rejection is final.
	_, err = store.UpsertRolloutApproval(1003, &structs.RolloutApproval{
		RolloutID: rollout.ID, UserID: "bob", CreateTime: now,
	}, 1)
	must.True(t, structs.IsErrInvalidState(err))
}

func TestStateStore_PlannableRollouts(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	bundle := mock.Bundle()
	must.NoError(t, store.UpsertBundle(1000, bundle))

	now := structs.TimestampNow()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	ready := mock.Rollout()
	ready.BundleID = bundle.ID
	must.NoError(t, store.UpsertRollout(1001, ready))

	scheduled := mock.Rollout()
	scheduled.BundleID = bundle.ID
	scheduled.ScheduledAt = &future
	must.NoError(t, store.UpsertRollout(1002, scheduled))

	duePast := mock.Rollout()
	duePast.BundleID = bundle.ID
	duePast.ScheduledAt = &past
	must.NoError(t, store.UpsertRollout(1003, duePast))

	awaiting := mock.Rollout()
	awaiting.BundleID = bundle.ID
	awaiting.State = structs.RolloutStateAwaitingApproval
	awaiting.ApprovalState = structs.RolloutApprovalPending
	must.NoError(t, store.UpsertRollout(1004, awaiting))

	out, err := store.PlannableRollouts(nil, now)
	must.NoError(t, err)
	must.Len(t, 2, out)
	ids := []string{out[0].ID, out[1].ID}
	must.SliceContains(t, ids, ready.ID)
	must.SliceContains(t, ids, duePast.ID)
}

func TestStateStore_Nodes(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	node := mock.Node()
	must.NoError(t, store.UpsertNode(1000, node))

	out, err := store.NodeByID(nil, node.ID)
	must.NoError(t, err)
	must.Eq(t, uint64(1000), out.CreateIndex)

	// Orchestration fields survive re-registration.
	bundle := mock.Bundle()
	must.NoError(t, store.UpsertBundle(1001, bundle))
	must.NoError(t, store.UpdateNodeBundleReport(1002, node.ID, bundle.ID))

	rereg := node.Copy()
	rereg.Labels = map[string]string{"tier": "core"}
	must.NoError(t, store.UpsertNode(1003, rereg))

	out, err = store.NodeByID(nil, node.ID)
	must.NoError(t, err)
	must.Eq(t, uint64(1000), out.CreateIndex)
	must.Eq(t, "core", out.Labels["tier"])
}

func TestStateStore_UpsertHeartbeat(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	// Heartbeats for unregistered nodes are rejected.
	hb := mock.Heartbeat()
	err := store.UpsertHeartbeat(1000, hb)
	must.ErrorIs(t, err, structs.ErrUnknownNode)

	node := mock.Node()
	node.Status = structs.NodeStatusUnknown
	must.NoError(t, store.UpsertNode(1001, node))

	hb.NodeID = node.ID
	must.NoError(t, store.UpsertHeartbeat(1002, hb))

	// A heartbeat flips the node back online.
	out, err := store.NodeByID(nil, node.ID)
	must.NoError(t, err)
	must.Eq(t, structs.NodeStatusOnline, out.Status)
	must.Eq(t, hb.CreateTime, out.LastHeartbeatAt)

	// Only the latest heartbeat is retained.
	next := mock.Heartbeat()
	next.NodeID = node.ID
	next.Metrics.ErrorRate = 0.9
	must.NoError(t, store.UpsertHeartbeat(1003, next))

	stored, err := store.HeartbeatByNodeID(nil, node.ID)
	must.NoError(t, err)
	must.Eq(t, 0.9, stored.Metrics.ErrorRate)
	must.Eq(t, uint64(1002), stored.CreateIndex)
	must.Eq(t, uint64(1003), stored.ModifyIndex)
}

func TestStateStore_UpdateNodeBundleReport(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	rollout, bundle, nodes := testRolloutSetup(t, store, 1)
	now := structs.TimestampNow()

	must.NoError(t, store.PlanRollout(1200, rollout.ID, [][]string{{nodes[0].ID}}, now))
	must.NoError(t, store.StartRolloutStep(1201, rollout.ID, 0, now))

	// Reporting the staged bundle clears the assignment.
	must.NoError(t, store.UpdateNodeBundleReport(1202, nodes[0].ID, bundle.ID))

	node, err := store.NodeByID(nil, nodes[0].ID)
	must.NoError(t, err)
	must.Eq(t, bundle.ID, node.ActiveBundleID)
	must.Eq(t, "", node.StagedBundleID)
}

func TestStateStore_MarkStaleNodesUnknown(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	now := structs.TimestampNow()

	stale := mock.Node()
	stale.LastHeartbeatAt = now.Add(-5 * time.Minute)
	must.NoError(t, store.UpsertNode(1000, stale))

	fresh := mock.Node()
	fresh.LastHeartbeatAt = now
	must.NoError(t, store.UpsertNode(1001, fresh))

	offline := mock.Node()
	offline.Status = structs.NodeStatusOffline
	offline.LastHeartbeatAt = now.Add(-5 * time.Minute)
	must.NoError(t, store.UpsertNode(1002, offline))

	flagged, err := store.MarkStaleNodesUnknown(1003, now.Add(-90*time.Second))
	must.NoError(t, err)
	must.Len(t, 1, flagged)
	must.Eq(t, stale.ID, flagged[0])

	out, err := store.NodeByID(nil, stale.ID)
	must.NoError(t, err)
	must.Eq(t, structs.NodeStatusUnknown, out.Status)

	// Offline nodes are left alone.
	out, err = store.NodeByID(nil, offline.ID)
	must.NoError(t, err)
	must.Eq(t, structs.NodeStatusOffline, out.Status)
}

func TestStateStore_DriftEvents(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	node := mock.Node()
	must.NoError(t, store.UpsertNode(1000, node))

	event := mock.DriftEvent()
	event.NodeID = node.ID
	must.NoError(t, store.UpsertDriftEvent(1001, event))

	// At most one unresolved event per node.
	second := mock.DriftEvent()
	second.NodeID = node.ID
	err := store.UpsertDriftEvent(1002, second)
	must.True(t, structs.IsErrInvalidState(err))

	unresolved, err := store.UnresolvedDriftByNode(nil, node.ID)
	must.NoError(t, err)
	must.Eq(t, event.ID, unresolved.ID)

	now := structs.TimestampNow()
	resolved, err := store.ResolveDriftEvent(1003, event.ID, structs.DriftResolutionManual, now)
	must.NoError(t, err)
	must.True(t, resolved.Resolved())
	must.Eq(t, structs.DriftResolutionManual, resolved.Resolution)

	// Resolution happens exactly once.
	_, err = store.ResolveDriftEvent(1004, event.ID, structs.DriftResolutionManual, now)
	must.True(t, structs.IsErrInvalidState(err))

	// With the old event resolved a fresh one is accepted.
	must.NoError(t, store.UpsertDriftEvent(1005, second))
}

func TestStateStore_ResolveNodeDrift(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	node := mock.Node()
	must.NoError(t, store.UpsertNode(1000, node))
	now := structs.TimestampNow()

	// No unresolved event is not an error.
	out, err := store.ResolveNodeDrift(1001, node.ID, structs.DriftResolutionAutoCorrected, now)
	must.NoError(t, err)
	must.Nil(t, out)

	event := mock.DriftEvent()
	event.NodeID = node.ID
	must.NoError(t, store.UpsertDriftEvent(1002, event))

	out, err = store.ResolveNodeDrift(1003, node.ID, structs.DriftResolutionAutoCorrected, now)
	must.NoError(t, err)
	must.Eq(t, event.ID, out.ID)
	must.Eq(t, structs.DriftResolutionAutoCorrected, out.Resolution)
}

func TestStateStore_QueuedJobs(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	job := mock.QueuedJob()
	job.UniquenessKey = 42

	stored, created, err := store.UpsertQueuedJob(1000, job, time.Minute)
	must.NoError(t, err)
	must.True(t, created)

	// A second enqueue inside the window is absorbed.
	dup := mock.QueuedJob()
	dup.UniquenessKey = 42
	out, created, err := store.UpsertQueuedJob(1001, dup, time.Minute)
	must.NoError(t, err)
	must.False(t, created)
	must.Eq(t, stored.ID, out.ID)

	pending, err := store.PendingQueuedJobs(nil)
	must.NoError(t, err)
	must.Len(t, 1, pending)

	must.NoError(t, store.MarkQueuedJobComplete(1002, stored.ID))

	// Once the first is complete the same key is accepted again.
	_, created, err = store.UpsertQueuedJob(1003, dup, time.Minute)
	must.NoError(t, err)
	must.True(t, created)
}

func TestStateStore_RecordQueuedJobAttempt(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	job := mock.QueuedJob()
	job.MaxAttempts = 2
	_, _, err := store.UpsertQueuedJob(1000, job, 0)
	must.NoError(t, err)

	updated, err := store.RecordQueuedJobAttempt(1001, job.ID, "handler error")
	must.NoError(t, err)
	must.Eq(t, 1, updated.Attempts)
	must.Eq(t, structs.JobStatePending, updated.State)

	updated, err = store.RecordQueuedJobAttempt(1002, job.ID, "handler error")
	must.NoError(t, err)
	must.Eq(t, 2, updated.Attempts)
	must.Eq(t, structs.JobStateFailed, updated.State)

	// Terminal jobs reject further updates.
	_, err = store.RecordQueuedJobAttempt(1003, job.ID, "handler error")
	must.True(t, structs.IsErrInvalidState(err))
}

func TestStateStore_Index(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	bundle := mock.Bundle()
	must.NoError(t, store.UpsertBundle(1000, bundle))

	index, err := store.Index(TableBundles)
	must.NoError(t, err)
	must.Eq(t, uint64(1000), index)

	latest, err := store.LatestIndex()
	must.NoError(t, err)
	must.Eq(t, uint64(1000), latest)
}
