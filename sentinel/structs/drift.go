// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"time"
)

const (
	DriftSeverityLow      = "low"
	DriftSeverityMedium   = "medium"
	DriftSeverityHigh     = "high"
	DriftSeverityCritical = "critical"
)

const (
	DriftResolutionAutoCorrected    = "auto_corrected"
	DriftResolutionManual           = "manual"
	DriftResolutionRolloutStarted   = "rollout_started"
	DriftResolutionRolloutCompleted = "rollout_completed"
)

// ValidDriftResolution returns whether the given resolution is recognized.
func ValidDriftResolution(resolution string) bool {
	switch resolution {
	case DriftResolutionAutoCorrected, DriftResolutionManual,
		DriftResolutionRolloutStarted, DriftResolutionRolloutCompleted:
		return true
	default:
		return false
	}
}

// DiffStats counts manifest entries added and removed between the expected
// and the observed bundle of a drifted node.
type DiffStats struct {
	Additions int
	Deletions int
}

// Changes is the total manifest churn the drift represents.
func (d DiffStats) Changes() int {
	return d.Additions + d.Deletions
}

// DriftEvent records one observed divergence between a node's expected and
// active bundle. At most one unresolved event exists per node.
type DriftEvent struct {
	ID        string
	NodeID    string
	ProjectID string

	ExpectedBundleID string

	// ActualBundleID is empty when the node reports no active bundle at
	// all, the most severe form of drift.
	ActualBundleID string

	Severity  string
	DiffStats DiffStats

	DetectedAt time.Time

	// ResolvedAt is set exactly once, together with Resolution.
	ResolvedAt *time.Time
	Resolution string

	CreateIndex uint64
	ModifyIndex uint64
}

func (d *DriftEvent) Copy() *DriftEvent {
	if d == nil {
		return nil
	}
	nd := new(DriftEvent)
	*nd = *d
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		nd.ResolvedAt = &t
	}
	return nd
}

// Resolved returns whether the event has been resolved.
func (d *DriftEvent) Resolved() bool {
	return d.ResolvedAt != nil
}

// DriftSeverityForDiff grades a drift by the size of the manifest diff. A
// node running no bundle at all is always critical.
func DriftSeverityForDiff(actualBundleID string, stats DiffStats) string {
	if actualBundleID == "" {
		return DriftSeverityCritical
	}
	switch changes := stats.Changes(); {
	case changes > 50:
		return DriftSeverityCritical
	case changes > 20:
		return DriftSeverityHigh
	case changes > 5:
		return DriftSeverityMedium
	default:
		return DriftSeverityLow
	}
}

// DriftListRequest lists drift events, optionally restricted to a project,
// a node, or unresolved events only.
type DriftListRequest struct {
	NodeID         string
	UnresolvedOnly bool
	QueryOptions
}

type DriftListResponse struct {
	Events []*DriftEvent
	QueryMeta
}

// DriftResolveRequest resolves a drift event manually.
type DriftResolveRequest struct {
	EventID string
	WriteRequest
}

type DriftResolveResponse struct {
	Event *DriftEvent
	WriteMeta
}
