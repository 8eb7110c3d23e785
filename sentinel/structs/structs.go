// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package structs holds the data model of the control plane: rollouts and
// their steps, per-node bundle statuses, approvals, drift events, nodes,
// bundles, and the request and response types exchanged over RPC.
package structs

import (
	"reflect"
	"time"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// MsgpackHandle is a shared handle for encoding/decoding of structs
var MsgpackHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.RawToString = true

	// Encode time.Time without the builtin extension so persisted values
	// round-trip identically across codec versions.
	h.BasicHandle.TimeNotBuiltin = true

	// only review struct codec tags
	h.TypeInfos = codec.NewTypeInfos([]string{"codec"})

	h.MapType = reflect.TypeOf(map[string]interface{}(nil))

	return h
}()

// MessageType identifies the kind of write applied to the state store. Every
// write transaction is tagged with one so that change events can be derived
// from committed transactions.
type MessageType uint8

const (
	RolloutCreateRequestType MessageType = iota
	RolloutPlanRequestType
	RolloutUpdateRequestType
	RolloutTickRequestType
	RolloutApprovalRequestType
	NodeUpsertRequestType
	NodeUpdateStatusRequestType
	NodeHeartbeatRequestType
	NodeBundleReportRequestType
	NodeGroupUpsertRequestType
	BundleUpsertRequestType
	DriftUpsertRequestType
	DriftResolveRequestType
	JobUpsertRequestType
	ProjectUpsertRequestType
	UserUpsertRequestType
	HealthCheckUpsertRequestType
)

const (
	// IgnoreUnknownTypeFlag tags write transactions whose changes should
	// not be turned into change events.
	IgnoreUnknownTypeFlag MessageType = 128
)

const (
	// DefaultProject is the project used by requests that do not name one.
	DefaultProject = "default"
)

// TimestampNow returns the current UTC wall clock truncated to the second
// precision stored on all persisted timestamps.
func TimestampNow() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// QueryOptions is embedded in all read requests.
type QueryOptions struct {
	// Project filters results to a single project when set.
	Project string

	// Prefix filters results to ids starting with the prefix where the
	// operation supports it.
	Prefix string

	// AuthToken identifies the calling user.
	AuthToken string
}

// WriteRequest is embedded in all write requests.
type WriteRequest struct {
	// Project the write is scoped to.
	Project string

	// AuthToken identifies the calling user.
	AuthToken string
}

// QueryMeta is embedded in all read responses.
type QueryMeta struct {
	// Index of the last state change observed by the query.
	Index uint64
}

// WriteMeta is embedded in all write responses.
type WriteMeta struct {
	// Index of the state change caused by the write.
	Index uint64
}

// GenericRequest is used for requests that carry no arguments.
type GenericRequest struct {
	QueryOptions
}

// GenericResponse is used for writes that return no payload.
type GenericResponse struct {
	WriteMeta
}

// PingResponse is returned by Status.Ping.
type PingResponse struct {
	Status string
}

// VersionResponse is returned by Status.Version.
type VersionResponse struct {
	Version string
	QueryMeta
}

// StateError is the structured error recorded on rollouts, steps, and
// node statuses when they fail or pause.
type StateError struct {
	Reason  string
	Details map[string]string
}

func NewStateError(reason string) *StateError {
	return &StateError{Reason: reason}
}

func (e *StateError) WithDetail(key, value string) *StateError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

func (e *StateError) Copy() *StateError {
	if e == nil {
		return nil
	}
	ne := new(StateError)
	ne.Reason = e.Reason
	if e.Details != nil {
		ne.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			ne.Details[k] = v
		}
	}
	return ne
}
