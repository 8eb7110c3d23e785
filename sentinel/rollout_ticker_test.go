// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package sentinel

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/sentinel/ci"
	"github.com/hashicorp/sentinel/helper/pointer"
	"github.com/hashicorp/sentinel/sentinel/mock"
	"github.com/hashicorp/sentinel/sentinel/structs"
)

// testTick releases the parked rollout tick. Maintenance jobs are scheduled
// further out, so only ticks come due.
func testTick(t *testing.T, srv *Server) {
	t.Helper()
	srv.JobBroker().DeliverParked(time.Now().UTC().Add(2 * time.Second))
}

func testRolloutDetails(t *testing.T, srv *Server, rolloutID string) *structs.RolloutDetails {
	t.Helper()
	details, err := srv.fsm().RolloutDetails(nil, rolloutID)
	must.NoError(t, err)
	must.NotNil(t, details)
	return details
}

func testReportBundle(t *testing.T, srv *Server, nodeID, bundleID string) {
	t.Helper()
	var resp structs.NodeUpdateResponse
	must.NoError(t, srv.RPC("Node.BundleReport", &structs.NodeBundleReportRequest{
		NodeID:         nodeID,
		ActiveBundleID: bundleID,
	}, &resp))
}

// testCreateRollout drives Rollout.Create and returns the stored rollout.
func testCreateRollout(t *testing.T, srv *Server, rollout *structs.Rollout) *structs.Rollout {
	t.Helper()
	var resp structs.RolloutCreateResponse
	must.NoError(t, srv.RPC("Rollout.Create", &structs.RolloutCreateRequest{
		Rollout:      rollout,
		WriteRequest: structs.WriteRequest{AuthToken: rollout.CreatedBy},
	}, &resp))
	must.NotNil(t, resp.Rollout)
	return resp.Rollout
}

func TestRolloutTicker_HappyPath(t *testing.T) {
	ci.Parallel(t)
	srv := TestServer(t, nil)
	store := srv.fsm()

	bundle := mock.Bundle()
	must.NoError(t, store.UpsertBundle(srv.nextIndex(), bundle))
	for i := 0; i < 2; i++ {
		must.NoError(t, store.UpsertNode(srv.nextIndex(), mock.Node()))
	}

	spec := mock.Rollout()
	spec.BundleID = bundle.ID
	spec.BatchSize = 1
	spec.MaxUnavailable = 0

	rollout := testCreateRollout(t, srv, spec)

	// Creation planned the rollout and the inline tick started step 0.
	must.Eq(t, structs.RolloutStateRunning, rollout.State)
	details := testRolloutDetails(t, srv, rollout.ID)
	must.Len(t, 2, details.Steps)
	must.Eq(t, structs.StepStateRunning, details.Steps[0].State)
	must.Eq(t, structs.StepStatePending, details.Steps[1].State)

	first := details.Steps[0].NodeIDs[0]
	second := details.Steps[1].NodeIDs[0]

	node, err := store.NodeByID(nil, first)
	must.NoError(t, err)
	must.Eq(t, bundle.ID, node.StagedBundleID)

	// The node reports the bundle active; the next two ticks verify and
	// complete the step, then the third starts step 1.
	testReportBundle(t, srv, first, bundle.ID)
	testTick(t, srv)
	details = testRolloutDetails(t, srv, rollout.ID)
	must.Eq(t, structs.StepStateVerifying, details.Steps[0].State)

	testTick(t, srv)
	details = testRolloutDetails(t, srv, rollout.ID)
	must.Eq(t, structs.StepStateCompleted, details.Steps[0].State)

	node, err = store.NodeByID(nil, first)
	must.NoError(t, err)
	must.Eq(t, bundle.ID, node.ExpectedBundleID)

	testTick(t, srv)
	details = testRolloutDetails(t, srv, rollout.ID)
	must.Eq(t, structs.StepStateRunning, details.Steps[1].State)

	testReportBundle(t, srv, second, bundle.ID)
	testTick(t, srv)
	testTick(t, srv)

	details = testRolloutDetails(t, srv, rollout.ID)
	must.Eq(t, structs.RolloutStateCompleted, details.Rollout.State)
	must.False(t, details.Rollout.CompletedAt.IsZero())

	for _, nodeID := range []string{first, second} {
		status, err := store.NodeBundleStatus(nil, rollout.ID, nodeID)
		must.NoError(t, err)
		must.Eq(t, structs.NodeBundleStateActive, status.State)

		node, err := store.NodeByID(nil, nodeID)
		must.NoError(t, err)
		must.Eq(t, bundle.ID, node.ExpectedBundleID)
		must.Eq(t, "", node.StagedBundleID)
	}

	// A terminal rollout ignores further ticks.
	must.Eq(t, 0, srv.JobBroker().DeliverParked(time.Now().UTC().Add(2*time.Second)))
}

func TestRolloutTicker_DeadlineFailure(t *testing.T) {
	ci.Parallel(t)
	srv := TestServer(t, nil)
	store := srv.fsm()

	bundle := mock.Bundle()
	must.NoError(t, store.UpsertBundle(srv.nextIndex(), bundle))
	node := mock.Node()
	must.NoError(t, store.UpsertNode(srv.nextIndex(), node))

	spec := mock.Rollout()
	spec.BundleID = bundle.ID
	spec.BatchSize = 1
	spec.MaxUnavailable = 0
	spec.ProgressDeadline = pointer.Of(time.Duration(0))

	rollout := testCreateRollout(t, srv, spec)
	must.Eq(t, structs.RolloutStateRunning, rollout.State)

	// The node never reports, so the next tick trips the deadline.
	testTick(t, srv)

	details := testRolloutDetails(t, srv, rollout.ID)
	must.Eq(t, structs.RolloutStateFailed, details.Rollout.State)
	must.Eq(t, structs.ErrStepDeadlineExceeded.Error(), details.Rollout.Error.Reason)
	must.Eq(t, "0", details.Rollout.Error.Details["step_index"])

	must.Eq(t, structs.StepStateFailed, details.Steps[0].State)
	must.Eq(t, structs.ErrDeadlineExceeded.Error(), details.Steps[0].Error.Reason)

	status, err := store.NodeBundleStatus(nil, rollout.ID, node.ID)
	must.NoError(t, err)
	must.Eq(t, structs.NodeBundleStateFailed, status.State)
}

func TestRolloutTicker_PausesOnUnavailable(t *testing.T) {
	ci.Parallel(t)
	srv := TestServer(t, nil)
	store := srv.fsm()

	bundle := mock.Bundle()
	must.NoError(t, store.UpsertBundle(srv.nextIndex(), bundle))

	nodes := make([]*structs.Node, 3)
	for i := range nodes {
		nodes[i] = mock.Node()
		must.NoError(t, store.UpsertNode(srv.nextIndex(), nodes[i]))
	}

	spec := mock.Rollout()
	spec.BundleID = bundle.ID
	spec.Strategy = structs.RolloutStrategyAllAtOnce
	spec.BatchSize = 0
	spec.MaxUnavailable = 1

	rollout := testCreateRollout(t, srv, spec)
	must.Eq(t, structs.RolloutStateRunning, rollout.State)

	// Two of three nodes drop offline, exceeding the tolerance.
	for _, node := range nodes[:2] {
		var resp structs.NodeUpdateResponse
		must.NoError(t, srv.RPC("Node.UpdateStatus", &structs.NodeUpdateStatusRequest{
			NodeID: node.ID,
			Status: structs.NodeStatusOffline,
		}, &resp))
	}

	testTick(t, srv)
	details := testRolloutDetails(t, srv, rollout.ID)
	must.Eq(t, structs.RolloutStatePaused, details.Rollout.State)
	must.Eq(t, structs.ErrMaxUnavailableExceeded.Error(), details.Rollout.Error.Reason)
	must.Eq(t, "2", details.Rollout.Error.Details["unavailable"])

	// Paused rollouts do not tick.
	must.Eq(t, 0, srv.JobBroker().DeliverParked(time.Now().UTC().Add(2*time.Second)))

	// The fleet recovers and reports; resume restarts the tick chain and
	// the single step runs to completion.
	for _, node := range nodes {
		var resp structs.NodeUpdateResponse
		must.NoError(t, srv.RPC("Node.UpdateStatus", &structs.NodeUpdateStatusRequest{
			NodeID: node.ID,
			Status: structs.NodeStatusOnline,
		}, &resp))
		testReportBundle(t, srv, node.ID, bundle.ID)
	}

	var resumeResp structs.RolloutUpdateResponse
	must.NoError(t, srv.RPC("Rollout.Resume", &structs.RolloutResumeRequest{
		RolloutID: rollout.ID,
	}, &resumeResp))

	testTick(t, srv)
	details = testRolloutDetails(t, srv, rollout.ID)
	must.Eq(t, structs.RolloutStateCompleted, details.Rollout.State)
	must.Nil(t, details.Rollout.Error)
}

func TestRolloutTicker_ToleratedUnavailableStaysBehind(t *testing.T) {
	ci.Parallel(t)
	srv := TestServer(t, nil)
	store := srv.fsm()

	bundle := mock.Bundle()
	must.NoError(t, store.UpsertBundle(srv.nextIndex(), bundle))

	nodes := make([]*structs.Node, 4)
	for i := range nodes {
		nodes[i] = mock.Node()
		must.NoError(t, store.UpsertNode(srv.nextIndex(), nodes[i]))
	}

	spec := mock.Rollout()
	spec.BundleID = bundle.ID
	spec.Strategy = structs.RolloutStrategyAllAtOnce
	spec.BatchSize = 0
	spec.MaxUnavailable = 1

	rollout := testCreateRollout(t, srv, spec)
	must.Eq(t, structs.RolloutStateRunning, rollout.State)

	// One node drops offline, within the tolerance. The rest report.
	offline := nodes[0]
	var resp structs.NodeUpdateResponse
	must.NoError(t, srv.RPC("Node.UpdateStatus", &structs.NodeUpdateStatusRequest{
		NodeID: offline.ID,
		Status: structs.NodeStatusOffline,
	}, &resp))
	for _, node := range nodes[1:] {
		testReportBundle(t, srv, node.ID, bundle.ID)
	}

	// Verify, then complete on the reported nodes alone.
	testTick(t, srv)
	testTick(t, srv)

	details := testRolloutDetails(t, srv, rollout.ID)
	must.Eq(t, structs.RolloutStateCompleted, details.Rollout.State)

	// The reported nodes are active with the new intent recorded.
	for _, node := range nodes[1:] {
		status, err := store.NodeBundleStatus(nil, rollout.ID, node.ID)
		must.NoError(t, err)
		must.Eq(t, structs.NodeBundleStateActive, status.State)

		out, err := store.NodeByID(nil, node.ID)
		must.NoError(t, err)
		must.Eq(t, bundle.ID, out.ExpectedBundleID)
	}

	// The offline node never reported the bundle, so completion leaves it
	// behind: not active, old intent intact, assignment still staged for
	// when it reconnects.
	status, err := store.NodeBundleStatus(nil, rollout.ID, offline.ID)
	must.NoError(t, err)
	must.NotEq(t, structs.NodeBundleStateActive, status.State)

	out, err := store.NodeByID(nil, offline.ID)
	must.NoError(t, err)
	must.NotEq(t, bundle.ID, out.ExpectedBundleID)
	must.Eq(t, bundle.ID, out.StagedBundleID)
}

func TestRolloutTicker_AutoRollback(t *testing.T) {
	ci.Parallel(t)
	srv := TestServer(t, nil)
	store := srv.fsm()

	bundle := mock.Bundle()
	must.NoError(t, store.UpsertBundle(srv.nextIndex(), bundle))

	nodes := make([]*structs.Node, 2)
	for i := range nodes {
		nodes[i] = mock.Node()
		must.NoError(t, store.UpsertNode(srv.nextIndex(), nodes[i]))
	}

	spec := mock.Rollout()
	spec.BundleID = bundle.ID
	spec.Strategy = structs.RolloutStrategyAllAtOnce
	spec.BatchSize = 0
	spec.MaxUnavailable = 0
	spec.ProgressDeadline = pointer.Of(time.Duration(0))
	spec.AutoRollback = true
	spec.RollbackThreshold = 50

	rollout := testCreateRollout(t, srv, spec)
	must.Eq(t, structs.RolloutStateRunning, rollout.State)

	// No node reports by the deadline; every target failed, which is past
	// the threshold, so the rollout reverts instead of failing.
	testTick(t, srv)

	details := testRolloutDetails(t, srv, rollout.ID)
	must.Eq(t, structs.RolloutStateCancelled, details.Rollout.State)

	for _, node := range nodes {
		out, err := store.NodeByID(nil, node.ID)
		must.NoError(t, err)
		must.Eq(t, "", out.StagedBundleID)
	}
}

func TestRolloutTicker_BundleRevokedMidRollout(t *testing.T) {
	ci.Parallel(t)
	srv := TestServer(t, nil)
	store := srv.fsm()

	bundle := mock.Bundle()
	must.NoError(t, store.UpsertBundle(srv.nextIndex(), bundle))
	for i := 0; i < 2; i++ {
		must.NoError(t, store.UpsertNode(srv.nextIndex(), mock.Node()))
	}

	spec := mock.Rollout()
	spec.BundleID = bundle.ID
	spec.BatchSize = 1
	spec.MaxUnavailable = 0

	rollout := testCreateRollout(t, srv, spec)
	details := testRolloutDetails(t, srv, rollout.ID)
	first := details.Steps[0].NodeIDs[0]
	second := details.Steps[1].NodeIDs[0]

	// Step 0 completes normally.
	testReportBundle(t, srv, first, bundle.ID)
	testTick(t, srv)
	testTick(t, srv)

	// The bundle is revoked before step 1 starts.
	revoked := bundle.Copy()
	revoked.Status = structs.BundleStatusRevoked
	must.NoError(t, store.UpsertBundle(srv.nextIndex(), revoked))

	testTick(t, srv)

	details = testRolloutDetails(t, srv, rollout.ID)
	must.Eq(t, structs.RolloutStateFailed, details.Rollout.State)
	must.Eq(t, structs.ErrBundleRevoked.Error(), details.Rollout.Error.Reason)
	must.Eq(t, "1", details.Rollout.Error.Details["step_index"])

	// Step 0's result stands; the second node was never staged.
	must.Eq(t, structs.StepStateCompleted, details.Steps[0].State)
	node, err := store.NodeByID(nil, second)
	must.NoError(t, err)
	must.Eq(t, "", node.StagedBundleID)
	must.Eq(t, "", node.ExpectedBundleID)
}

func TestRolloutTicker_GateHoldsVerification(t *testing.T) {
	ci.Parallel(t)
	srv := TestServer(t, nil)
	store := srv.fsm()

	bundle := mock.Bundle()
	must.NoError(t, store.UpsertBundle(srv.nextIndex(), bundle))
	node := mock.Node()
	must.NoError(t, store.UpsertNode(srv.nextIndex(), node))

	spec := mock.Rollout()
	spec.BundleID = bundle.ID
	spec.BatchSize = 1
	spec.MaxUnavailable = 0
	spec.HealthGates = &structs.HealthGates{
		MaxErrorRate: pointer.Of(1.0),
	}

	rollout := testCreateRollout(t, srv, spec)

	// The node reports the bundle but its error rate is above the gate.
	hb := mock.Heartbeat()
	hb.NodeID = node.ID
	hb.Metrics.ErrorRate = 4.2
	var hbResp structs.NodeUpdateResponse
	must.NoError(t, srv.RPC("Node.Heartbeat", &structs.NodeHeartbeatRequest{Heartbeat: hb}, &hbResp))
	testReportBundle(t, srv, node.ID, bundle.ID)

	testTick(t, srv)
	details := testRolloutDetails(t, srv, rollout.ID)
	must.Eq(t, structs.StepStateVerifying, details.Steps[0].State)

	// The gate fails but the deadline has not passed, so the step stays in
	// verifying.
	testTick(t, srv)
	details = testRolloutDetails(t, srv, rollout.ID)
	must.Eq(t, structs.RolloutStateRunning, details.Rollout.State)
	must.Eq(t, structs.StepStateVerifying, details.Steps[0].State)

	// A healthy heartbeat lets the gate pass.
	recovered := mock.Heartbeat()
	recovered.NodeID = node.ID
	recovered.Metrics.ErrorRate = 0.2
	must.NoError(t, srv.RPC("Node.Heartbeat", &structs.NodeHeartbeatRequest{Heartbeat: recovered}, &hbResp))

	testTick(t, srv)
	details = testRolloutDetails(t, srv, rollout.ID)
	must.Eq(t, structs.RolloutStateCompleted, details.Rollout.State)
}
