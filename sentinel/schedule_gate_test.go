// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package sentinel

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/sentinel/ci"
	"github.com/hashicorp/sentinel/sentinel/mock"
	"github.com/hashicorp/sentinel/sentinel/structs"
)

func TestScheduleGate_ReleasesDueRollouts(t *testing.T) {
	ci.Parallel(t)
	srv := TestServer(t, nil)
	store := srv.fsm()

	bundle := mock.Bundle()
	must.NoError(t, store.UpsertBundle(srv.nextIndex(), bundle))
	must.NoError(t, store.UpsertNode(srv.nextIndex(), mock.Node()))

	// A rollout whose schedule has passed, written directly as the
	// creation path would have left it before a crash.
	past := structs.TimestampNow().Add(-time.Minute)
	due := mock.Rollout()
	due.BundleID = bundle.ID
	due.ScheduledAt = &past
	must.NoError(t, store.UpsertRollout(srv.nextIndex(), due))

	// A rollout still waiting on its schedule.
	future := structs.TimestampNow().Add(time.Hour)
	waiting := mock.Rollout()
	waiting.BundleID = bundle.ID
	waiting.ScheduledAt = &future
	must.NoError(t, store.UpsertRollout(srv.nextIndex(), waiting))

	must.NoError(t, srv.gate.handleScan(nil))

	out, err := store.RolloutByID(nil, due.ID)
	must.NoError(t, err)
	must.Eq(t, structs.RolloutStateRunning, out.State)

	// Planning also started the first step through the inline tick.
	details := testRolloutDetails(t, srv, due.ID)
	must.Eq(t, structs.StepStateRunning, details.Steps[0].State)

	out, err = store.RolloutByID(nil, waiting.ID)
	must.NoError(t, err)
	must.Eq(t, structs.RolloutStatePending, out.State)
}

func TestScheduleGate_RecoversUnscheduledPending(t *testing.T) {
	ci.Parallel(t)
	srv := TestServer(t, nil)
	store := srv.fsm()

	bundle := mock.Bundle()
	must.NoError(t, store.UpsertBundle(srv.nextIndex(), bundle))
	must.NoError(t, store.UpsertNode(srv.nextIndex(), mock.Node()))

	// A pending rollout with no schedule: its immediate planning was lost,
	// for example to a crash between the write and the plan.
	orphan := mock.Rollout()
	orphan.BundleID = bundle.ID
	must.NoError(t, store.UpsertRollout(srv.nextIndex(), orphan))

	must.NoError(t, srv.gate.handleScan(nil))

	out, err := store.RolloutByID(nil, orphan.ID)
	must.NoError(t, err)
	must.Eq(t, structs.RolloutStateRunning, out.State)
}

func TestScheduleGate_FailsUnplannableRollout(t *testing.T) {
	ci.Parallel(t)
	srv := TestServer(t, nil)
	store := srv.fsm()

	bundle := mock.Bundle()
	must.NoError(t, store.UpsertBundle(srv.nextIndex(), bundle))

	// The only candidate node is pinned, so target resolution comes up
	// empty once the schedule passes.
	node := mock.Node()
	node.PinnedBundleID = "held-back"
	must.NoError(t, store.UpsertNode(srv.nextIndex(), node))

	past := structs.TimestampNow().Add(-time.Minute)
	rollout := mock.Rollout()
	rollout.BundleID = bundle.ID
	rollout.ScheduledAt = &past
	must.NoError(t, store.UpsertRollout(srv.nextIndex(), rollout))

	must.NoError(t, srv.gate.handleScan(nil))

	out, err := store.RolloutByID(nil, rollout.ID)
	must.NoError(t, err)
	must.Eq(t, structs.RolloutStateFailed, out.State)
	must.Eq(t, structs.ErrNoTargetNodes.Error(), out.Error.Reason)
}

func TestScheduleGate_Reschedules(t *testing.T) {
	ci.Parallel(t)
	srv := TestServer(t, nil)

	// The boot scan is already parked; a manual scan inside the uniqueness
	// window must not stack a second one.
	before := len(srv.JobBroker().ParkedJobs())
	must.NoError(t, srv.gate.handleScan(nil))
	must.Eq(t, before, len(srv.JobBroker().ParkedJobs()))
}
