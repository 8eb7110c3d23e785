// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package sentinel

import (
	"context"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/hashicorp/sentinel/helper/uuid"
	"github.com/hashicorp/sentinel/sentinel/structs"
)

// driftScanner reconciles observed node state against declared intent. It
// runs as a self-rescheduling maintenance job whose uniqueness window
// guarantees at most one concurrent scan. Scans only read node state and
// write drift events; rollouts are never touched.
type driftScanner struct {
	srv    *Server
	logger hclog.Logger

	// limiter paces store reads so a large fleet scan does not starve
	// the tick path.
	limiter *rate.Limiter

	// diffCache memoizes manifest diff stats per bundle pair; manifests
	// are immutable so entries never go stale.
	diffCache *lru.Cache[string, structs.DiffStats]
}

func newDriftScanner(srv *Server) *driftScanner {
	cache, _ := lru.New[string, structs.DiffStats](512)
	return &driftScanner{
		srv:       srv,
		logger:    srv.logger.Named("drift_scanner"),
		limiter:   rate.NewLimiter(rate.Limit(1000), 100),
		diffCache: cache,
	}
}

// handleScan is the job handler for drift scans.
func (d *driftScanner) handleScan(_ *structs.QueuedJob) error {
	defer d.reschedule()
	defer metrics.MeasureSince([]string{"sentinel", "drift", "scan"}, time.Now())

	now := structs.TimestampNow()

	iter, err := d.srv.fsm().Nodes(nil)
	if err != nil {
		return err
	}

	// drifted and managed node counts per project feed the threshold
	// alerts below.
	drifted := make(map[string]int)
	managed := make(map[string]int)

	var mErr multierror.Error
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		node := raw.(*structs.Node)

		expected := node.ExpectedBundleID
		if node.PinnedBundleID != "" {
			// A pin is the stronger intent.
			expected = node.PinnedBundleID
		}
		if expected == "" || node.Status != structs.NodeStatusOnline {
			continue
		}
		managed[node.ProjectID]++

		if err := d.limiter.Wait(context.TODO()); err != nil {
			return err
		}

		if node.ActiveBundleID == expected {
			if err := d.autoResolve(node, now); err != nil {
				mErr.Errors = append(mErr.Errors, err)
			}
			continue
		}

		drifted[node.ProjectID]++
		if err := d.detect(node, expected, now); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	}

	if err := d.alertThresholds(drifted, managed); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	return mErr.ErrorOrNil()
}

// detect records a drift event for the node unless one is already open.
func (d *driftScanner) detect(node *structs.Node, expected string, now time.Time) error {
	existing, err := d.srv.fsm().UnresolvedDriftByNode(nil, node.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	stats, err := d.diffStats(expected, node.ActiveBundleID)
	if err != nil {
		return err
	}

	event := &structs.DriftEvent{
		ID:               uuid.Generate(),
		NodeID:           node.ID,
		ProjectID:        node.ProjectID,
		ExpectedBundleID: expected,
		ActualBundleID:   node.ActiveBundleID,
		Severity:         structs.DriftSeverityForDiff(node.ActiveBundleID, stats),
		DiffStats:        stats,
		DetectedAt:       now,
	}
	if err := d.srv.fsm().UpsertDriftEvent(d.srv.nextIndex(), event); err != nil {
		if structs.IsErrInvalidState(err) {
			// A concurrent writer opened one; ours is redundant.
			return nil
		}
		return err
	}
	metrics.IncrCounter([]string{"sentinel", "drift", "detected"}, 1)
	d.logger.Warn("drift detected", "node_id", node.ID, "project_id", node.ProjectID,
		"expected_bundle_id", expected, "actual_bundle_id", node.ActiveBundleID,
		"severity", event.Severity)

	project, err := d.srv.fsm().ProjectByID(nil, node.ProjectID)
	if err != nil {
		return err
	}
	if project == nil {
		project = &structs.Project{ID: node.ProjectID}
	}
	d.srv.notifier.DriftDetected(project, node, event)
	return nil
}

// autoResolve closes the node's open drift event once the observed bundle
// matches the intent again.
func (d *driftScanner) autoResolve(node *structs.Node, now time.Time) error {
	resolved, err := d.srv.fsm().ResolveNodeDrift(d.srv.nextIndex(), node.ID,
		structs.DriftResolutionAutoCorrected, now)
	if err != nil {
		return err
	}
	if resolved != nil {
		metrics.IncrCounter([]string{"sentinel", "drift", "auto_resolved"}, 1)
		d.logger.Info("drift auto resolved", "node_id", node.ID, "event_id", resolved.ID)
	}
	return nil
}

// diffStats counts manifest entries that differ between two bundles. The
// result is memoized; bundles are immutable.
func (d *driftScanner) diffStats(expectedID, actualID string) (structs.DiffStats, error) {
	if actualID == "" {
		// No observed bundle: severity is critical regardless of stats.
		return structs.DiffStats{}, nil
	}

	cacheKey := expectedID + "/" + actualID
	if stats, ok := d.diffCache.Get(cacheKey); ok {
		return stats, nil
	}

	expected, err := d.srv.fsm().BundleByID(nil, expectedID)
	if err != nil {
		return structs.DiffStats{}, err
	}
	actual, err := d.srv.fsm().BundleByID(nil, actualID)
	if err != nil {
		return structs.DiffStats{}, err
	}

	var stats structs.DiffStats
	var expectedManifest, actualManifest map[string]string
	if expected != nil {
		expectedManifest = expected.Manifest
	}
	if actual != nil {
		actualManifest = actual.Manifest
	}
	for path, digest := range expectedManifest {
		if actualManifest[path] != digest {
			stats.Additions++
		}
	}
	for path := range actualManifest {
		if _, ok := expectedManifest[path]; !ok {
			stats.Deletions++
		}
	}

	d.diffCache.Add(cacheKey, stats)
	return stats, nil
}

// alertThresholds fires one notification per crossing of a project's drift
// thresholds. The edge is latched on the project row so a fleet sitting
// above threshold does not page every scan.
func (d *driftScanner) alertThresholds(drifted, managed map[string]int) error {
	iter, err := d.srv.fsm().Projects(nil)
	if err != nil {
		return err
	}

	var mErr multierror.Error
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		project := raw.(*structs.Project)
		if project.DriftAlertPercent == 0 && project.DriftAlertCount == 0 {
			continue
		}

		driftedCount := drifted[project.ID]
		managedCount := managed[project.ID]

		exceeded := false
		if project.DriftAlertCount > 0 && driftedCount > project.DriftAlertCount {
			exceeded = true
		}
		if project.DriftAlertPercent > 0 && managedCount > 0 {
			pct := float64(driftedCount) / float64(managedCount) * 100
			if pct > project.DriftAlertPercent {
				exceeded = true
			}
		}

		switch {
		case exceeded && !project.DriftAlerted:
			d.srv.notifier.DriftThresholdExceeded(project, driftedCount, managedCount)
			if err := d.srv.fsm().SetProjectDriftAlerted(d.srv.nextIndex(), project.ID, true); err != nil {
				mErr.Errors = append(mErr.Errors, err)
			}
		case !exceeded && project.DriftAlerted:
			if err := d.srv.fsm().SetProjectDriftAlerted(d.srv.nextIndex(), project.ID, false); err != nil {
				mErr.Errors = append(mErr.Errors, err)
			}
		}
	}
	return mErr.ErrorOrNil()
}

// reschedule enqueues the next scan. The uniqueness window doubles as the
// re-entrancy guard: a scan still pending inside the window absorbs the
// enqueue.
func (d *driftScanner) reschedule() {
	if _, err := d.srv.jobBroker.Enqueue(&EnqueueRequest{
		Queue:            structs.JobQueueMaintenance,
		Kind:             structs.JobKindDriftScan,
		ScheduleIn:       d.srv.config.DriftCheckInterval,
		UniquenessWindow: d.srv.config.DriftCheckInterval,
		MaxAttempts:      1,
	}); err != nil {
		d.logger.Error("failed to reschedule drift scan", "error", err)
	}
}
