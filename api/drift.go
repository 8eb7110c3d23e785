// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package api

import (
	"time"
)

// Drift severities.
const (
	DriftSeverityLow      = "low"
	DriftSeverityMedium   = "medium"
	DriftSeverityHigh     = "high"
	DriftSeverityCritical = "critical"
)

// Drift resolutions.
const (
	DriftResolutionAutoCorrected    = "auto_corrected"
	DriftResolutionManual           = "manual"
	DriftResolutionRolloutStarted   = "rollout_started"
	DriftResolutionRolloutCompleted = "rollout_completed"
)

// DiffStats counts manifest entries added and removed between the expected
// and the observed bundle of a drifted node.
type DiffStats struct {
	Additions int
	Deletions int
}

// DriftEvent records one observed divergence between a node's expected and
// active bundle.
type DriftEvent struct {
	ID               string
	NodeID           string
	ProjectID        string
	ExpectedBundleID string
	ActualBundleID   string
	Severity         string
	DiffStats        DiffStats
	DetectedAt       time.Time
	ResolvedAt       *time.Time
	Resolution       string
	CreateIndex      uint64
	ModifyIndex      uint64
}

// Drift is used to query the drift endpoints.
type Drift struct {
	client *Client
}

// Drift returns a handle on the drift endpoints.
func (c *Client) Drift() *Drift {
	return &Drift{client: c}
}

// DriftListFilter narrows a drift event listing.
type DriftListFilter struct {
	// NodeID restricts events to a single node.
	NodeID string

	// UnresolvedOnly drops resolved events from the listing.
	UnresolvedOnly bool
}

// List is used to list drift events.
func (d *Drift) List(filter *DriftListFilter, q *QueryOptions) ([]*DriftEvent, *QueryMeta, error) {
	if filter != nil {
		if q == nil {
			q = &QueryOptions{}
		}
		if q.Params == nil {
			q.Params = make(map[string]string)
		}
		if filter.NodeID != "" {
			q.Params["node_id"] = filter.NodeID
		}
		if filter.UnresolvedOnly {
			q.Params["unresolved"] = "true"
		}
	}

	var resp []*DriftEvent
	qm, err := d.client.query("/v1/drift", &resp, q)
	if err != nil {
		return nil, nil, err
	}
	return resp, qm, nil
}

// Resolve marks a drift event as manually resolved.
func (d *Drift) Resolve(eventID string, w *WriteOptions) (*DriftEvent, *WriteMeta, error) {
	var resp DriftEvent
	wm, err := d.client.put("/v1/drift/"+eventID+"/resolve", nil, &resp, w)
	if err != nil {
		return nil, nil, err
	}
	return &resp, wm, nil
}
