// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package sentinel

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/sentinel/sentinel/structs"
)

// rolloutTicker drives the rollout state machine. Each tick advances one
// rollout by exactly one transition and re-enqueues itself while the rollout
// stays running. Ticks are idempotent: a tick that observes a terminal or
// paused rollout returns without mutation, and racing ticks lose the guarded
// transition and no-op.
type rolloutTicker struct {
	srv    *Server
	logger hclog.Logger
	gates  *gateEvaluator
}

func newRolloutTicker(srv *Server) *rolloutTicker {
	return &rolloutTicker{
		srv:    srv,
		logger: srv.logger.Named("rollout_ticker"),
		gates:  newGateEvaluator(srv),
	}
}

// enqueueTick schedules the next tick of a rollout. Delivery is at least
// once with a single attempt; correctness rests on re-enqueue-on-success,
// not the retry policy.
func (s *Server) enqueueTick(rolloutID string, delay time.Duration) error {
	_, err := s.jobBroker.Enqueue(&EnqueueRequest{
		Queue:       structs.JobQueueRollouts,
		Kind:        structs.JobKindRolloutTick,
		Payload:     map[string]string{structs.JobPayloadRolloutID: rolloutID},
		ScheduleIn:  delay,
		MaxAttempts: 1,
	})
	return err
}

// handleTick is the job handler for rollout ticks.
func (t *rolloutTicker) handleTick(job *structs.QueuedJob) error {
	defer metrics.MeasureSince([]string{"sentinel", "rollout", "tick"}, time.Now())

	rolloutID := job.Payload[structs.JobPayloadRolloutID]
	if rolloutID == "" {
		return fmt.Errorf("tick job %q carries no rollout id", job.ID)
	}

	details, err := t.srv.fsm().RolloutDetails(nil, rolloutID)
	if err != nil {
		return err
	}
	if details == nil {
		t.logger.Warn("tick for unknown rollout", "rollout_id", rolloutID)
		return nil
	}

	rollout := details.Rollout
	if rollout.State != structs.RolloutStateRunning {
		// Terminal or paused; ticks stop here and resume re-enqueues.
		return nil
	}

	advance, err := t.advance(details)
	if err != nil {
		if structs.IsErrInvalidState(err) {
			// A racing writer got there first. The next tick observes
			// the winner's state.
			t.logger.Debug("tick lost a guarded transition", "rollout_id", rolloutID, "error", err)
			return t.srv.enqueueTick(rolloutID, t.srv.config.TickDelay)
		}
		return err
	}
	if !advance {
		return nil
	}
	return t.srv.enqueueTick(rolloutID, t.srv.config.TickDelay)
}

// advance performs one state machine transition and reports whether another
// tick should follow.
func (t *rolloutTicker) advance(details *structs.RolloutDetails) (bool, error) {
	rollout := details.Rollout
	now := structs.TimestampNow()

	active := details.ActiveStep()
	if active == nil {
		return t.startNextStep(details, now)
	}

	switch active.State {
	case structs.StepStateRunning:
		return t.checkStepProgress(rollout, active, now)
	case structs.StepStateVerifying:
		return t.verifyStep(rollout, details, active, now)
	default:
		return false, fmt.Errorf("step %d of rollout %q in unexpected state %s",
			active.StepIndex, rollout.ID, active.State)
	}
}

// startNextStep starts the lowest-index pending step, or completes nothing if
// the rollout already finished.
func (t *rolloutTicker) startNextStep(details *structs.RolloutDetails, now time.Time) (bool, error) {
	rollout := details.Rollout
	next := details.NextPendingStep()
	if next == nil {
		// The final step's completion also completes the rollout, so a
		// running rollout with no startable step means a racing tick
		// finished the job.
		return false, nil
	}

	err := t.srv.fsm().StartRolloutStep(t.srv.nextIndex(), rollout.ID, next.StepIndex, now)
	if err == nil {
		t.logger.Info("started rollout step", "rollout_id", rollout.ID,
			"step_index", next.StepIndex, "nodes", len(next.NodeIDs))
		return true, nil
	}

	if errors.Is(err, structs.ErrBundleRevoked) {
		stepErr := structs.NewStateError(structs.ErrBundleRevoked.Error()).
			WithDetail("bundle_id", rollout.BundleID)
		rolloutErr := stepErr.Copy().WithDetail("step_index", strconv.Itoa(next.StepIndex))
		if err := t.srv.fsm().FailRolloutStep(t.srv.nextIndex(), rollout.ID,
			next.StepIndex, stepErr, rolloutErr, now); err != nil {
			return false, err
		}
		t.logger.Error("rollout failed: bundle revoked", "rollout_id", rollout.ID,
			"bundle_id", rollout.BundleID)
		return false, nil
	}
	return false, err
}

// checkStepProgress counts the running step's nodes that report the bundle
// active and either advances to verifying, pauses on too many unavailable
// nodes, or falls through to the deadline check.
func (t *rolloutTicker) checkStepProgress(rollout *structs.Rollout, step *structs.RolloutStep, now time.Time) (bool, error) {
	reported, unavailable, err := t.stepNodeCounts(rollout, step)
	if err != nil {
		return false, err
	}

	if rollout.MaxUnavailable > 0 && unavailable > rollout.MaxUnavailable {
		pauseErr := structs.NewStateError(structs.ErrMaxUnavailableExceeded.Error()).
			WithDetail("step_index", strconv.Itoa(step.StepIndex)).
			WithDetail("unavailable", strconv.Itoa(unavailable)).
			WithDetail("max_unavailable", strconv.Itoa(rollout.MaxUnavailable))
		if err := t.srv.fsm().PauseRollout(t.srv.nextIndex(), rollout.ID, pauseErr); err != nil {
			return false, err
		}
		t.logger.Warn("paused rollout: unavailable nodes exceed tolerance",
			"rollout_id", rollout.ID, "step_index", step.StepIndex,
			"unavailable", unavailable, "max_unavailable", rollout.MaxUnavailable)
		return false, nil
	}

	required := len(step.NodeIDs)
	if rollout.MaxUnavailable > 0 {
		required -= rollout.MaxUnavailable
		if required < 0 {
			required = 0
		}
	}

	if reported >= required && reported > 0 {
		if err := t.srv.fsm().SetRolloutStepVerifying(t.srv.nextIndex(), rollout.ID, step.StepIndex, now); err != nil {
			return false, err
		}
		t.logger.Info("rollout step verifying", "rollout_id", rollout.ID,
			"step_index", step.StepIndex, "reported", reported)
		return true, nil
	}

	return t.checkDeadline(rollout, step, now,
		fmt.Sprintf("%d of %d nodes report the bundle", reported, required))
}

// verifyStep evaluates health gates over the step's available nodes and
// completes the step when every enabled gate passes.
func (t *rolloutTicker) verifyStep(rollout *structs.Rollout, details *structs.RolloutDetails, step *structs.RolloutStep, now time.Time) (bool, error) {
	checked, err := t.availableNodes(rollout, step)
	if err != nil {
		return false, err
	}

	passed, reason, err := t.gates.evaluate(rollout.HealthGates, checked)
	if err != nil {
		return false, err
	}

	if passed {
		if err := t.srv.fsm().CompleteRolloutStep(t.srv.nextIndex(), rollout.ID, step.StepIndex, now); err != nil {
			return false, err
		}
		t.logger.Info("rollout step completed", "rollout_id", rollout.ID, "step_index", step.StepIndex)

		// The rollout itself completed with its final step.
		updated, err := t.srv.fsm().RolloutByID(nil, rollout.ID)
		if err != nil {
			return false, err
		}
		if updated == nil || updated.State != structs.RolloutStateRunning {
			t.logger.Info("rollout completed", "rollout_id", rollout.ID)
			return false, nil
		}
		return true, nil
	}

	return t.checkDeadline(rollout, step, now, reason)
}

// checkDeadline fails a stalled step once its progress deadline passes, or
// lets the next tick retry. When the rollout arms auto rollback and the
// failed share of its targets reaches the threshold, it is cancelled with a
// staged-bundle revert instead of failed.
func (t *rolloutTicker) checkDeadline(rollout *structs.Rollout, step *structs.RolloutStep, now time.Time, waitingOn string) (bool, error) {
	// The persisted start is truncated to the second; comparing against
	// the untruncated clock keeps a zero deadline failing on the second
	// tick rather than racing the truncation.
	var deadline time.Duration
	if rollout.ProgressDeadline != nil {
		deadline = *rollout.ProgressDeadline
	}
	elapsed := time.Now().UTC().Sub(step.StartedAt)
	if elapsed <= deadline {
		t.logger.Debug("rollout step waiting", "rollout_id", rollout.ID,
			"step_index", step.StepIndex, "elapsed", elapsed, "waiting_on", waitingOn)
		return true, nil
	}

	if rollout.AutoRollback {
		pct, err := t.failedTargetPercent(rollout, step)
		if err != nil {
			return false, err
		}
		if pct >= rollout.RollbackThreshold {
			if err := t.srv.fsm().CancelRollout(t.srv.nextIndex(), rollout.ID, true, now); err != nil {
				return false, err
			}
			t.logger.Warn("rolled back rollout at progress deadline",
				"rollout_id", rollout.ID, "step_index", step.StepIndex, "failed_percent", pct)
			return false, nil
		}
	}

	stepErr := structs.NewStateError(structs.ErrDeadlineExceeded.Error()).
		WithDetail("elapsed", elapsed.Truncate(time.Second).String()).
		WithDetail("waiting_on", waitingOn)
	rolloutErr := structs.NewStateError(structs.ErrStepDeadlineExceeded.Error()).
		WithDetail("step_index", strconv.Itoa(step.StepIndex))
	if err := t.srv.fsm().FailRolloutStep(t.srv.nextIndex(), rollout.ID,
		step.StepIndex, stepErr, rolloutErr, now); err != nil {
		return false, err
	}
	t.logger.Error("rollout failed: step deadline exceeded", "rollout_id", rollout.ID,
		"step_index", step.StepIndex, "elapsed", elapsed, "waiting_on", waitingOn)
	return false, nil
}

// stepNodeCounts returns how many of the step's nodes report the rollout's
// bundle active and how many are unavailable.
func (t *rolloutTicker) stepNodeCounts(rollout *structs.Rollout, step *structs.RolloutStep) (reported, unavailable int, err error) {
	for _, nodeID := range step.NodeIDs {
		node, err := t.srv.fsm().NodeByID(nil, nodeID)
		if err != nil {
			return 0, 0, err
		}
		if node == nil || !node.Available() {
			unavailable++
			continue
		}
		if node.ActiveBundleID == rollout.BundleID {
			reported++
		}
	}
	return reported, unavailable, nil
}

// availableNodes returns the step's nodes that participate in gate
// evaluation. Unavailable nodes are excluded only when the rollout tolerates
// them.
func (t *rolloutTicker) availableNodes(rollout *structs.Rollout, step *structs.RolloutStep) ([]string, error) {
	if rollout.MaxUnavailable == 0 {
		return step.NodeIDs, nil
	}
	var out []string
	for _, nodeID := range step.NodeIDs {
		node, err := t.srv.fsm().NodeByID(nil, nodeID)
		if err != nil {
			return nil, err
		}
		if node != nil && node.Available() {
			out = append(out, nodeID)
		}
	}
	return out, nil
}

// failedTargetPercent is the share of the rollout's resolved targets whose
// step node does not report the bundle.
func (t *rolloutTicker) failedTargetPercent(rollout *structs.Rollout, step *structs.RolloutStep) (int, error) {
	details, err := t.srv.fsm().RolloutDetails(nil, rollout.ID)
	if err != nil {
		return 0, err
	}
	total := len(details.NodeStatuses)
	if total == 0 {
		return 0, nil
	}

	failed := 0
	for _, nodeID := range step.NodeIDs {
		node, err := t.srv.fsm().NodeByID(nil, nodeID)
		if err != nil {
			return 0, err
		}
		if node == nil || node.ActiveBundleID != rollout.BundleID {
			failed++
		}
	}
	return failed * 100 / total, nil
}
