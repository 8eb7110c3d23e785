// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package sentinel implements the control plane server: the rollout state
// machine and its tick driver, the approval and schedule gates, the drift
// scanner, and the durable job broker that drives them.
package sentinel

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/hashicorp/sentinel/sentinel/structs"
)

// Config is used to parameterize the server.
type Config struct {
	// Logger is the root logger; components derive named loggers from it.
	Logger hclog.InterceptLogger

	// DataDir is where the durable state database lives. Empty keeps the
	// server memory only, which tests use.
	DataDir string

	// EnableEventBroker publishes state changes to the event stream.
	EnableEventBroker bool

	// EventBufferSize is the number of events to keep for late
	// subscribers.
	EventBufferSize int64

	// DriftCheckInterval is the period of the drift scanner.
	DriftCheckInterval time.Duration

	// TickDelay is the delay between consecutive ticks of one rollout.
	TickDelay time.Duration

	// DefaultProgressDeadline applies when a rollout does not set one.
	DefaultProgressDeadline time.Duration

	// ApprovalsNeededDefault applies to projects that do not configure a
	// quorum.
	ApprovalsNeededDefault int

	// ScheduleCheckInterval is the period of the schedule gate.
	ScheduleCheckInterval time.Duration

	// NodeStaleTTL flags online nodes as unknown when their last
	// heartbeat is older than it. Zero disables the sweep.
	NodeStaleTTL time.Duration

	// WorkersPerQueue bounds concurrent job execution per queue.
	WorkersPerQueue map[string]int

	// InlineJobs runs enqueued jobs synchronously in the enqueuer. Only
	// tests set this; delayed jobs are parked until delivered explicitly.
	InlineJobs bool

	// Notifier receives drift notifications. Nil falls back to logging.
	Notifier Notifier
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		EnableEventBroker:       true,
		EventBufferSize:         100,
		DriftCheckInterval:      30 * time.Second,
		TickDelay:               1 * time.Second,
		DefaultProgressDeadline: 600 * time.Second,
		ApprovalsNeededDefault:  0,
		ScheduleCheckInterval:   time.Minute,
		NodeStaleTTL:            90 * time.Second,
		WorkersPerQueue: map[string]int{
			structs.JobQueueDefault:     10,
			structs.JobQueueRollouts:    5,
			structs.JobQueueMaintenance: 2,
		},
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	var mErr multierror.Error
	if c.DriftCheckInterval <= 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("drift check interval must be positive"))
	}
	if c.TickDelay <= 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("tick delay must be positive"))
	}
	if c.DefaultProgressDeadline <= 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("default progress deadline must be positive"))
	}
	if c.ApprovalsNeededDefault < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("default approvals needed must not be negative"))
	}
	if c.ScheduleCheckInterval <= 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("schedule check interval must be positive"))
	}
	for queue, count := range c.WorkersPerQueue {
		switch queue {
		case structs.JobQueueDefault, structs.JobQueueRollouts, structs.JobQueueMaintenance:
		default:
			mErr.Errors = append(mErr.Errors, fmt.Errorf("unrecognized queue %q", queue))
		}
		if count < 1 {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("queue %q needs at least one worker", queue))
		}
	}
	return mErr.ErrorOrNil()
}

// workers returns the worker count of a queue, defaulting to one.
func (c *Config) workers(queue string) int {
	if n, ok := c.WorkersPerQueue[queue]; ok {
		return n
	}
	return 1
}
