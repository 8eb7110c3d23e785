// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package api

import (
	"time"
)

// Bundle statuses.
const (
	BundleStatusPending   = "pending"
	BundleStatusCompiling = "compiling"
	BundleStatusCompiled  = "compiled"
	BundleStatusFailed    = "failed"
	BundleStatusRevoked   = "revoked"
)

// Bundle is a versioned, immutable package of proxy configuration.
type Bundle struct {
	ID           string
	ProjectID    string
	Version      string
	Status       string
	Checksum     string
	ConfigSource string
	Manifest     map[string]string
	CreateTime   time.Time
	CreateIndex  uint64
	ModifyIndex  uint64
}

// Bundles is used to query the bundle endpoints.
type Bundles struct {
	client *Client
}

// Bundles returns a handle on the bundle endpoints.
func (c *Client) Bundles() *Bundles {
	return &Bundles{client: c}
}

// List is used to list the bundles of a project.
func (b *Bundles) List(q *QueryOptions) ([]*Bundle, *QueryMeta, error) {
	var resp []*Bundle
	qm, err := b.client.query("/v1/bundles", &resp, q)
	if err != nil {
		return nil, nil, err
	}
	return resp, qm, nil
}

// Info is used to query a single bundle.
func (b *Bundles) Info(bundleID string, q *QueryOptions) (*Bundle, *QueryMeta, error) {
	var resp Bundle
	qm, err := b.client.query("/v1/bundle/"+bundleID, &resp, q)
	if err != nil {
		return nil, nil, err
	}
	return &resp, qm, nil
}

// bundleUpsertRequest wraps a bundle for the upsert endpoint.
type bundleUpsertRequest struct {
	Bundle *Bundle
}

// Upsert stores a bundle reference. The compilation pipeline calls this as
// bundle status changes.
func (b *Bundles) Upsert(bundle *Bundle, w *WriteOptions) (*Bundle, *WriteMeta, error) {
	req := bundleUpsertRequest{Bundle: bundle}
	var resp Bundle
	wm, err := b.client.put("/v1/bundles", req, &resp, w)
	if err != nil {
		return nil, nil, err
	}
	return &resp, wm, nil
}
