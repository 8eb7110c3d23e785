// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"time"

	"golang.org/x/exp/maps"
)

const (
	// JobQueueDefault runs miscellaneous background work.
	JobQueueDefault = "default"

	// JobQueueRollouts runs rollout ticks.
	JobQueueRollouts = "rollouts"

	// JobQueueMaintenance runs the periodic scans.
	JobQueueMaintenance = "maintenance"
)

const (
	JobKindRolloutTick  = "rollout-tick"
	JobKindDriftScan    = "drift-scan"
	JobKindScheduleScan = "schedule-scan"
	JobKindNodeSweep    = "node-sweep"
)

const (
	JobStatePending  = "pending"
	JobStateComplete = "complete"
	JobStateFailed   = "failed"
)

// Payload keys shared by enqueuers and handlers.
const (
	JobPayloadRolloutID = "rollout_id"
)

// QueuedJob is one unit of durable background work. Jobs survive restarts in
// the state store; delivery is at least once, so handlers are written to be
// idempotent.
type QueuedJob struct {
	ID    string
	Queue string
	Kind  string

	// Payload carries the job arguments by name.
	Payload map[string]string

	State string

	// NotBefore delays delivery until the wall clock passes it.
	NotBefore time.Time

	// UniquenessKey is the hash of queue, kind, and payload. Enqueues
	// carrying the key of a pending job inside the uniqueness window are
	// dropped.
	UniquenessKey uint64

	// Attempts counts deliveries so far.
	Attempts int

	// MaxAttempts bounds deliveries before the job is marked failed.
	MaxAttempts int

	// StatusDescription carries the last failure when the job ends in
	// the failed state.
	StatusDescription string

	CreateTime time.Time

	CreateIndex uint64
	ModifyIndex uint64
}

func (j *QueuedJob) Copy() *QueuedJob {
	if j == nil {
		return nil
	}
	nj := new(QueuedJob)
	*nj = *j
	nj.Payload = maps.Clone(j.Payload)
	return nj
}

// TerminalState returns whether the job will not be delivered again.
func (j *QueuedJob) TerminalState() bool {
	return j.State == JobStateComplete || j.State == JobStateFailed
}

func (j *QueuedJob) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("missing job id")
	}
	switch j.Queue {
	case JobQueueDefault, JobQueueRollouts, JobQueueMaintenance:
	default:
		return fmt.Errorf("unrecognized queue %q", j.Queue)
	}
	if j.Kind == "" {
		return fmt.Errorf("missing job kind")
	}
	if j.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	return nil
}
