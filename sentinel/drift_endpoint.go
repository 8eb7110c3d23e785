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

// Drift endpoint is used to inspect and resolve drift events.
type Drift struct {
	srv    *Server
	logger hclog.Logger
}

// List returns drift events, optionally restricted to a project, a node, or
// unresolved events only.
func (d *Drift) List(args *structs.DriftListRequest, reply *structs.DriftListResponse) error {
	defer metrics.MeasureSince([]string{"sentinel", "drift", "list"}, time.Now())

	var iter memdb.ResultIterator
	var err error
	if args.Project != "" {
		iter, err = d.srv.fsm().DriftEventsByProject(nil, args.Project)
	} else {
		iter, err = d.srv.fsm().DriftEvents(nil)
	}
	if err != nil {
		return err
	}

	var out []*structs.DriftEvent
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		event := raw.(*structs.DriftEvent)
		if args.NodeID != "" && event.NodeID != args.NodeID {
			continue
		}
		if args.UnresolvedOnly && event.Resolved() {
			continue
		}
		out = append(out, event)
	}

	reply.Events = out

	index, err := d.srv.fsm().Index(state.TableDriftEvents)
	if err != nil {
		return err
	}
	reply.Index = index
	return nil
}

// Resolve marks a drift event manually resolved. The node itself is not
// touched; if the divergence persists the next scan opens a fresh event.
func (d *Drift) Resolve(args *structs.DriftResolveRequest, reply *structs.DriftResolveResponse) error {
	defer metrics.MeasureSince([]string{"sentinel", "drift", "resolve"}, time.Now())

	if args.EventID == "" {
		return fmt.Errorf("missing drift event id")
	}

	index := d.srv.nextIndex()
	event, err := d.srv.fsm().ResolveDriftEvent(index, args.EventID,
		structs.DriftResolutionManual, structs.TimestampNow())
	if err != nil {
		return err
	}

	reply.Event = event
	reply.Index = index
	return nil
}
