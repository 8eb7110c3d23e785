// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"github.com/hashicorp/go-memdb"
	"github.com/hashicorp/sentinel/sentinel/structs"
)

// MsgTypeEvents maps the message type of a write transaction to the event
// type published for its changes. Transactions whose type is absent publish
// nothing; notably heartbeats, which would flood the stream.
var MsgTypeEvents = map[structs.MessageType]string{
	structs.RolloutCreateRequestType:    structs.TypeRolloutCreated,
	structs.RolloutPlanRequestType:      structs.TypeRolloutUpdated,
	structs.RolloutUpdateRequestType:    structs.TypeRolloutUpdated,
	structs.RolloutTickRequestType:      structs.TypeRolloutUpdated,
	structs.RolloutApprovalRequestType:  structs.TypeRolloutApproval,
	structs.NodeUpsertRequestType:       structs.TypeNodeRegistered,
	structs.NodeUpdateStatusRequestType: structs.TypeNodeStatusUpdated,
	structs.NodeBundleReportRequestType: structs.TypeNodeStatusUpdated,
	structs.DriftUpsertRequestType:      structs.TypeDriftDetected,
	structs.DriftResolveRequestType:     structs.TypeDriftResolved,
}

// eventsFromChanges turns the changes of one committed transaction into the
// events published for it. Only tables holding Eventer entities contribute;
// the index table and the jobs table stay private to the store.
func eventsFromChanges(tx ReadTxn, changes Changes) *structs.Events {
	eventType, ok := MsgTypeEvents[changes.MsgType]
	if !ok {
		return nil
	}

	var events []structs.Event
	for _, change := range changes.Changes {
		if event, ok := eventFromChange(change); ok {
			event.Type = eventType
			event.Index = changes.Index
			events = append(events, event)
		}
	}

	if len(events) == 0 {
		return nil
	}
	return &structs.Events{Index: changes.Index, Events: events}
}

func eventFromChange(change memdb.Change) (structs.Event, bool) {
	if change.Deleted() {
		// Deletions are internal bookkeeping; nothing subscribes to them.
		return structs.Event{}, false
	}

	switch change.Table {
	case TableRollouts:
		after, ok := change.After.(*structs.Rollout)
		if !ok {
			return structs.Event{}, false
		}
		return after.Event(), true
	case TableRolloutApprovals:
		after, ok := change.After.(*structs.RolloutApproval)
		if !ok {
			return structs.Event{}, false
		}
		return after.Event(), true
	case TableDriftEvents:
		after, ok := change.After.(*structs.DriftEvent)
		if !ok {
			return structs.Event{}, false
		}
		return after.Event(), true
	case TableNodes:
		after, ok := change.After.(*structs.Node)
		if !ok {
			return structs.Event{}, false
		}
		return after.Event(), true
	}

	return structs.Event{}, false
}
