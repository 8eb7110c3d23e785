// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package sentinel

import (
	"fmt"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/sentinel/sentinel/state"
	"github.com/hashicorp/sentinel/sentinel/structs"
)

// Bundle endpoint is used to record bundle references as the external
// compilation pipeline produces them.
type Bundle struct {
	srv    *Server
	logger hclog.Logger
}

// Upsert stores a bundle reference or updates its status.
func (b *Bundle) Upsert(args *structs.BundleUpsertRequest, reply *structs.BundleUpsertResponse) error {
	defer metrics.MeasureSince([]string{"sentinel", "bundle", "upsert"}, time.Now())

	if args.Bundle == nil {
		return fmt.Errorf("missing bundle")
	}

	bundle := args.Bundle.Copy()
	if bundle.ProjectID == "" {
		bundle.ProjectID = args.Project
	}
	if bundle.ProjectID == "" {
		bundle.ProjectID = structs.DefaultProject
	}
	if bundle.Status == "" {
		bundle.Status = structs.BundleStatusPending
	}
	if bundle.CreateTime.IsZero() {
		bundle.CreateTime = structs.TimestampNow()
	}
	if err := bundle.Validate(); err != nil {
		return err
	}

	index := b.srv.nextIndex()
	if err := b.srv.fsm().UpsertBundle(index, bundle); err != nil {
		return err
	}

	stored, err := b.srv.fsm().BundleByID(nil, bundle.ID)
	if err != nil {
		return err
	}
	reply.Bundle = stored
	reply.Index = index
	return nil
}

// Get returns a single bundle.
func (b *Bundle) Get(args *structs.BundleSpecificRequest, reply *structs.SingleBundleResponse) error {
	defer metrics.MeasureSince([]string{"sentinel", "bundle", "get"}, time.Now())

	bundle, err := b.srv.fsm().BundleByID(nil, args.BundleID)
	if err != nil {
		return err
	}
	if bundle == nil {
		return fmt.Errorf("%w %q", structs.ErrUnknownBundle, args.BundleID)
	}

	reply.Bundle = bundle
	return b.setQueryMeta(&reply.QueryMeta)
}

// List returns bundles, optionally restricted to a project.
func (b *Bundle) List(args *structs.BundleListRequest, reply *structs.BundleListResponse) error {
	defer metrics.MeasureSince([]string{"sentinel", "bundle", "list"}, time.Now())

	project := args.Project
	if project == "" {
		project = structs.DefaultProject
	}

	var iter memdb.ResultIterator
	iter, err := b.srv.fsm().BundlesByProject(nil, project)
	if err != nil {
		return err
	}

	var out []*structs.Bundle
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Bundle))
	}

	reply.Bundles = out
	return b.setQueryMeta(&reply.QueryMeta)
}

func (b *Bundle) setQueryMeta(meta *structs.QueryMeta) error {
	index, err := b.srv.fsm().Index(state.TableBundles)
	if err != nil {
		return err
	}
	meta.Index = index
	return nil
}
