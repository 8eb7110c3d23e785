// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package sentinel

import (
	"errors"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/hashicorp/sentinel/sentinel/structs"
)

// scheduleGate releases scheduled rollouts. It runs as a self-rescheduling
// maintenance job and is the only writer that converts a scheduled rollout
// into running; rollouts planned immediately at creation never reach it. It
// also recovers rollouts whose immediate planning was lost to a crash.
type scheduleGate struct {
	srv    *Server
	logger hclog.Logger
}

func newScheduleGate(srv *Server) *scheduleGate {
	return &scheduleGate{
		srv:    srv,
		logger: srv.logger.Named("schedule_gate"),
	}
}

// handleScan is the job handler for schedule scans.
func (g *scheduleGate) handleScan(_ *structs.QueuedJob) error {
	defer g.reschedule()

	now := structs.TimestampNow()
	due, err := g.srv.fsm().PlannableRollouts(nil, now)
	if err != nil {
		return err
	}

	var mErr multierror.Error
	for _, rollout := range due {
		if err := g.srv.planRollout(rollout); err != nil {
			if structs.IsErrInvalidState(err) {
				// Someone else planned it between the read and now.
				continue
			}
			// Planning failures at the gate have no caller to return
			// to; the rollout is failed with the structured reason.
			var reason string
			switch {
			case errors.Is(err, structs.ErrNoTargetNodes):
				reason = structs.ErrNoTargetNodes.Error()
			case errors.Is(err, structs.ErrBundleRevoked):
				reason = structs.ErrBundleRevoked.Error()
			default:
				mErr.Errors = append(mErr.Errors, err)
				continue
			}
			stateErr := structs.NewStateError(reason)
			if err := g.srv.fsm().FailRollout(g.srv.nextIndex(), rollout.ID, stateErr, now); err != nil {
				mErr.Errors = append(mErr.Errors, err)
				continue
			}
			g.logger.Error("failed scheduled rollout at planning", "rollout_id", rollout.ID, "reason", reason)
			continue
		}
		g.logger.Info("released scheduled rollout", "rollout_id", rollout.ID)
	}
	return mErr.ErrorOrNil()
}

// reschedule enqueues the next scan. The uniqueness window keeps concurrent
// enqueuers from stacking scans.
func (g *scheduleGate) reschedule() {
	if _, err := g.srv.jobBroker.Enqueue(&EnqueueRequest{
		Queue:            structs.JobQueueMaintenance,
		Kind:             structs.JobKindScheduleScan,
		ScheduleIn:       g.srv.config.ScheduleCheckInterval,
		UniquenessWindow: g.srv.config.ScheduleCheckInterval,
		MaxAttempts:      1,
	}); err != nil {
		g.logger.Error("failed to reschedule schedule scan", "error", err)
	}
}
