// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package sentinel

import (
	"strconv"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/sentinel/ci"
	"github.com/hashicorp/sentinel/sentinel/mock"
	"github.com/hashicorp/sentinel/sentinel/structs"
)

// recordingNotifier captures notifications for assertions. The scanner runs
// inline in tests, so no locking is needed.
type recordingNotifier struct {
	detected   []*structs.DriftEvent
	thresholds []string
}

func (n *recordingNotifier) DriftDetected(project *structs.Project, node *structs.Node, event *structs.DriftEvent) {
	n.detected = append(n.detected, event)
}

func (n *recordingNotifier) DriftThresholdExceeded(project *structs.Project, drifted, managed int) {
	n.thresholds = append(n.thresholds, project.ID+"/"+strconv.Itoa(drifted))
}

func TestDriftScanner_DetectAndAutoResolve(t *testing.T) {
	ci.Parallel(t)
	notifier := &recordingNotifier{}
	srv := TestServer(t, func(c *Config) {
		c.Notifier = notifier
	})
	store := srv.fsm()

	expected := mock.Bundle()
	must.NoError(t, store.UpsertBundle(srv.nextIndex(), expected))
	actual := mock.Bundle()
	must.NoError(t, store.UpsertBundle(srv.nextIndex(), actual))

	// Running the wrong bundle.
	drifted := mock.Node()
	drifted.ExpectedBundleID = expected.ID
	drifted.ActiveBundleID = actual.ID
	must.NoError(t, store.UpsertNode(srv.nextIndex(), drifted))

	// Running no bundle at all.
	empty := mock.Node()
	empty.ExpectedBundleID = expected.ID
	must.NoError(t, store.UpsertNode(srv.nextIndex(), empty))

	// Matching intent.
	matching := mock.Node()
	matching.ExpectedBundleID = expected.ID
	matching.ActiveBundleID = expected.ID
	must.NoError(t, store.UpsertNode(srv.nextIndex(), matching))

	// Unmanaged: no expected bundle yet.
	must.NoError(t, store.UpsertNode(srv.nextIndex(), mock.Node()))

	must.NoError(t, srv.scanner.handleScan(nil))
	must.Len(t, 2, notifier.detected)

	event, err := store.UnresolvedDriftByNode(nil, drifted.ID)
	must.NoError(t, err)
	must.NotNil(t, event)
	must.Eq(t, expected.ID, event.ExpectedBundleID)
	must.Eq(t, actual.ID, event.ActualBundleID)
	// The mock manifests share paths with differing digests.
	must.Eq(t, structs.DriftSeverityLow, event.Severity)
	must.Eq(t, 3, event.DiffStats.Additions)

	event, err = store.UnresolvedDriftByNode(nil, empty.ID)
	must.NoError(t, err)
	must.NotNil(t, event)
	must.Eq(t, structs.DriftSeverityCritical, event.Severity)

	none, err := store.UnresolvedDriftByNode(nil, matching.ID)
	must.NoError(t, err)
	must.Nil(t, none)

	// A second scan does not duplicate open events or notifications.
	must.NoError(t, srv.scanner.handleScan(nil))
	must.Len(t, 2, notifier.detected)

	// The node converges; the open event auto resolves.
	must.NoError(t, store.UpdateNodeBundleReport(srv.nextIndex(), drifted.ID, expected.ID))
	must.NoError(t, srv.scanner.handleScan(nil))

	resolved, err := store.UnresolvedDriftByNode(nil, drifted.ID)
	must.NoError(t, err)
	must.Nil(t, resolved)
	must.Len(t, 2, notifier.detected)
}

func TestDriftScanner_PinOverridesExpected(t *testing.T) {
	ci.Parallel(t)
	srv := TestServer(t, nil)
	store := srv.fsm()

	pin := mock.Bundle()
	must.NoError(t, store.UpsertBundle(srv.nextIndex(), pin))
	running := mock.Bundle()
	must.NoError(t, store.UpsertBundle(srv.nextIndex(), running))

	// The node matches its rollout intent but not its pin; drift is
	// measured against the pin.
	node := mock.Node()
	node.ExpectedBundleID = running.ID
	node.ActiveBundleID = running.ID
	node.PinnedBundleID = pin.ID
	must.NoError(t, store.UpsertNode(srv.nextIndex(), node))

	must.NoError(t, srv.scanner.handleScan(nil))

	event, err := store.UnresolvedDriftByNode(nil, node.ID)
	must.NoError(t, err)
	must.NotNil(t, event)
	must.Eq(t, pin.ID, event.ExpectedBundleID)
	must.Eq(t, running.ID, event.ActualBundleID)
}

func TestDriftScanner_SkipsOfflineNodes(t *testing.T) {
	ci.Parallel(t)
	srv := TestServer(t, nil)
	store := srv.fsm()

	expected := mock.Bundle()
	must.NoError(t, store.UpsertBundle(srv.nextIndex(), expected))

	node := mock.Node()
	node.Status = structs.NodeStatusOffline
	node.ExpectedBundleID = expected.ID
	must.NoError(t, store.UpsertNode(srv.nextIndex(), node))

	must.NoError(t, srv.scanner.handleScan(nil))

	event, err := store.UnresolvedDriftByNode(nil, node.ID)
	must.NoError(t, err)
	must.Nil(t, event)
}

func TestDriftScanner_ThresholdAlertLatches(t *testing.T) {
	ci.Parallel(t)
	notifier := &recordingNotifier{}
	srv := TestServer(t, func(c *Config) {
		c.Notifier = notifier
	})
	store := srv.fsm()

	project := &structs.Project{
		ID:                structs.DefaultProject,
		Name:              "default",
		DriftAlertPercent: 50,
	}
	must.NoError(t, store.UpsertProject(srv.nextIndex(), project))

	expected := mock.Bundle()
	must.NoError(t, store.UpsertBundle(srv.nextIndex(), expected))

	node := mock.Node()
	node.ExpectedBundleID = expected.ID
	must.NoError(t, store.UpsertNode(srv.nextIndex(), node))

	// One of one managed nodes drifted: 100% is over the 50% threshold.
	must.NoError(t, srv.scanner.handleScan(nil))
	must.Len(t, 1, notifier.thresholds)

	out, err := store.ProjectByID(nil, project.ID)
	must.NoError(t, err)
	must.True(t, out.DriftAlerted)

	// The latch absorbs repeat scans above threshold.
	must.NoError(t, srv.scanner.handleScan(nil))
	must.Len(t, 1, notifier.thresholds)

	// Falling back below the threshold clears the latch, so the next
	// crossing notifies again.
	must.NoError(t, store.UpdateNodeBundleReport(srv.nextIndex(), node.ID, expected.ID))
	must.NoError(t, srv.scanner.handleScan(nil))

	out, err = store.ProjectByID(nil, project.ID)
	must.NoError(t, err)
	must.False(t, out.DriftAlerted)

	must.NoError(t, store.UpdateNodeBundleReport(srv.nextIndex(), node.ID, ""))
	must.NoError(t, srv.scanner.handleScan(nil))
	must.Len(t, 2, notifier.thresholds)
}
