// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"time"

	"golang.org/x/exp/maps"
)

const (
	BundleStatusPending   = "pending"
	BundleStatusCompiling = "compiling"
	BundleStatusCompiled  = "compiled"
	BundleStatusFailed    = "failed"
	BundleStatusRevoked   = "revoked"
)

// ValidBundleStatus returns whether the given bundle status is recognized.
func ValidBundleStatus(status string) bool {
	switch status {
	case BundleStatusPending, BundleStatusCompiling, BundleStatusCompiled,
		BundleStatusFailed, BundleStatusRevoked:
		return true
	default:
		return false
	}
}

// Bundle is a versioned, immutable package of proxy configuration. The
// compilation pipeline producing bundles is external; the control plane
// records references and distributes them once compiled.
type Bundle struct {
	ID        string
	ProjectID string

	// Version is a semantic version string matched against node version
	// constraints during target resolution.
	Version string

	Status string

	// Checksum identifies the compiled artifact content.
	Checksum string

	// ConfigSource names where the bundle's configuration came from.
	ConfigSource string

	// Manifest maps config file paths to content digests. Drift severity
	// is derived from manifest differences.
	Manifest map[string]string

	CreateTime time.Time

	CreateIndex uint64
	ModifyIndex uint64
}

func (b *Bundle) Copy() *Bundle {
	if b == nil {
		return nil
	}
	nb := new(Bundle)
	*nb = *b
	nb.Manifest = maps.Clone(b.Manifest)
	return nb
}

// Compiled returns whether the bundle is eligible for distribution.
func (b *Bundle) Compiled() bool {
	return b != nil && b.Status == BundleStatusCompiled
}

func (b *Bundle) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("missing bundle id")
	}
	if b.ProjectID == "" {
		return fmt.Errorf("missing project id")
	}
	if b.Status != "" && !ValidBundleStatus(b.Status) {
		return fmt.Errorf("unrecognized bundle status %q", b.Status)
	}
	return nil
}

// BundleSpecificRequest queries a single bundle.
type BundleSpecificRequest struct {
	BundleID string
	QueryOptions
}

type SingleBundleResponse struct {
	Bundle *Bundle
	QueryMeta
}

// BundleUpsertRequest stores a bundle reference. The compilation pipeline
// calls this as bundle status changes.
type BundleUpsertRequest struct {
	Bundle *Bundle
	WriteRequest
}

type BundleUpsertResponse struct {
	Bundle *Bundle
	WriteMeta
}

// BundleListRequest lists bundles, optionally restricted to a project.
type BundleListRequest struct {
	QueryOptions
}

type BundleListResponse struct {
	Bundles []*Bundle
	QueryMeta
}
