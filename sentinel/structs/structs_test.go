// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"testing"
	"time"

	"github.com/hashicorp/sentinel/ci"
	"github.com/hashicorp/sentinel/helper/pointer"
	"github.com/shoenig/test/must"
)

func TestTargetSelector_Validate(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		name     string
		selector *TargetSelector
		ok       bool
	}{
		{name: "nil", selector: nil, ok: false},
		{name: "all", selector: &TargetSelector{Type: TargetSelectorTypeAll}, ok: true},
		{
			name:     "labels",
			selector: &TargetSelector{Type: TargetSelectorTypeLabels, Labels: map[string]string{"region": "eu"}},
			ok:       true,
		},
		{
			name:     "labels empty",
			selector: &TargetSelector{Type: TargetSelectorTypeLabels},
			ok:       false,
		},
		{
			name:     "node ids",
			selector: &TargetSelector{Type: TargetSelectorTypeNodeIDs, NodeIDs: []string{"n1"}},
			ok:       true,
		},
		{
			name:     "node ids empty",
			selector: &TargetSelector{Type: TargetSelectorTypeNodeIDs},
			ok:       false,
		},
		{
			name:     "groups",
			selector: &TargetSelector{Type: TargetSelectorTypeGroups, GroupIDs: []string{"g1"}},
			ok:       true,
		},
		{
			name:     "unrecognized",
			selector: &TargetSelector{Type: "canary"},
			ok:       false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.selector.Validate()
			if tc.ok {
				must.NoError(t, err)
			} else {
				must.Error(t, err)
			}
		})
	}
}

func TestRollout_Validate(t *testing.T) {
	ci.Parallel(t)

	valid := func() *Rollout {
		return &Rollout{
			ID:             "r1",
			ProjectID:      "p1",
			BundleID:       "b1",
			TargetSelector: &TargetSelector{Type: TargetSelectorTypeAll},
			Strategy:       RolloutStrategyRolling,
			BatchSize:      2,
		}
	}

	t.Run("valid rolling", func(t *testing.T) {
		must.NoError(t, valid().Validate())
	})

	t.Run("missing bundle", func(t *testing.T) {
		r := valid()
		r.BundleID = ""
		must.Error(t, r.Validate())
	})

	t.Run("unrecognized strategy", func(t *testing.T) {
		r := valid()
		r.Strategy = "blue_green"
		must.Error(t, r.Validate())
	})

	t.Run("rolling requires batch", func(t *testing.T) {
		r := valid()
		r.BatchSize = 0
		must.Error(t, r.Validate())
	})

	t.Run("batch size and percentage exclusive", func(t *testing.T) {
		r := valid()
		r.BatchPercentage = 50
		must.Error(t, r.Validate())
	})

	t.Run("percentage over 100", func(t *testing.T) {
		r := valid()
		r.BatchSize = 0
		r.BatchPercentage = 150
		must.Error(t, r.Validate())
	})

	t.Run("all at once ignores batch", func(t *testing.T) {
		r := valid()
		r.Strategy = RolloutStrategyAllAtOnce
		r.BatchSize = 0
		must.NoError(t, r.Validate())
	})

	t.Run("negative max unavailable", func(t *testing.T) {
		r := valid()
		r.MaxUnavailable = -1
		must.Error(t, r.Validate())
	})
}

func TestRollout_TerminalState(t *testing.T) {
	ci.Parallel(t)

	terminal := []string{RolloutStateCompleted, RolloutStateFailed, RolloutStateCancelled}
	for _, state := range terminal {
		r := &Rollout{State: state}
		must.True(t, r.TerminalState())
	}

	active := []string{RolloutStatePending, RolloutStateAwaitingApproval, RolloutStateRunning, RolloutStatePaused}
	for _, state := range active {
		r := &Rollout{State: state}
		must.False(t, r.TerminalState())
	}
}

func TestRollout_Copy(t *testing.T) {
	ci.Parallel(t)

	now := TimestampNow()
	r := &Rollout{
		ID:             "r1",
		TargetSelector: &TargetSelector{Type: TargetSelectorTypeLabels, Labels: map[string]string{"zone": "a"}},
		HealthGates:    &HealthGates{HeartbeatHealthy: pointer.Of(true), MaxErrorRate: pointer.Of(0.5)},
		ScheduledAt:    &now,
		Error:          NewStateError("max_unavailable_exceeded").WithDetail("step_index", "0"),
	}

	c := r.Copy()
	must.Eq(t, r, c)

	c.TargetSelector.Labels["zone"] = "b"
	c.HealthGates.MaxErrorRate = pointer.Of(0.9)
	c.Error.Details["step_index"] = "1"
	must.Eq(t, "a", r.TargetSelector.Labels["zone"])
	must.Eq(t, 0.5, *r.HealthGates.MaxErrorRate)
	must.Eq(t, "0", r.Error.Details["step_index"])
}

func TestHealthGates_Empty(t *testing.T) {
	ci.Parallel(t)

	must.True(t, (*HealthGates)(nil).Empty())
	must.True(t, (&HealthGates{}).Empty())
	must.False(t, (&HealthGates{HeartbeatHealthy: pointer.Of(true)}).Empty())
	must.False(t, (&HealthGates{CustomHealthChecks: []string{"hc1"}}).Empty())
}

func TestRolloutDetails_Steps(t *testing.T) {
	ci.Parallel(t)

	details := &RolloutDetails{
		Steps: []*RolloutStep{
			{StepIndex: 0, State: StepStateCompleted},
			{StepIndex: 1, State: StepStateVerifying},
			{StepIndex: 2, State: StepStatePending},
		},
	}

	active := details.ActiveStep()
	must.NotNil(t, active)
	must.Eq(t, 1, active.StepIndex)

	next := details.NextPendingStep()
	must.NotNil(t, next)
	must.Eq(t, 2, next.StepIndex)

	done := &RolloutDetails{
		Steps: []*RolloutStep{{StepIndex: 0, State: StepStateCompleted}},
	}
	must.Nil(t, done.ActiveStep())
	must.Nil(t, done.NextPendingStep())
}

func TestDriftSeverityForDiff(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		name   string
		actual string
		stats  DiffStats
		expect string
	}{
		{name: "no active bundle", actual: "", stats: DiffStats{}, expect: DriftSeverityCritical},
		{name: "small", actual: "b2", stats: DiffStats{Additions: 2, Deletions: 1}, expect: DriftSeverityLow},
		{name: "medium", actual: "b2", stats: DiffStats{Additions: 4, Deletions: 4}, expect: DriftSeverityMedium},
		{name: "high", actual: "b2", stats: DiffStats{Additions: 15, Deletions: 10}, expect: DriftSeverityHigh},
		{name: "critical churn", actual: "b2", stats: DiffStats{Additions: 40, Deletions: 20}, expect: DriftSeverityCritical},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			must.Eq(t, tc.expect, DriftSeverityForDiff(tc.actual, tc.stats))
		})
	}
}

func TestUser_HasRole(t *testing.T) {
	ci.Parallel(t)

	u := &User{ID: "u1", Roles: []string{"viewer", RoleOperator}}
	must.True(t, u.HasRole(RoleOperator))
	must.False(t, u.HasRole("admin"))
	must.False(t, (*User)(nil).HasRole(RoleOperator))
}

func TestQueuedJob_Validate(t *testing.T) {
	ci.Parallel(t)

	j := &QueuedJob{
		ID:          "j1",
		Queue:       JobQueueRollouts,
		Kind:        JobKindRolloutTick,
		MaxAttempts: 1,
	}
	must.NoError(t, j.Validate())

	bad := j.Copy()
	bad.Queue = "express"
	must.Error(t, bad.Validate())

	bad = j.Copy()
	bad.MaxAttempts = 0
	must.Error(t, bad.Validate())
}

func TestHeartbeat_Healthy(t *testing.T) {
	ci.Parallel(t)

	must.False(t, (*Heartbeat)(nil).Healthy())
	must.False(t, (&Heartbeat{Health: HeartbeatHealth{Status: "degraded"}}).Healthy())
	must.True(t, (&Heartbeat{Health: HeartbeatHealth{Status: HeartbeatHealthy}}).Healthy())
}

func TestTimestampNow(t *testing.T) {
	ci.Parallel(t)

	now := TimestampNow()
	must.Eq(t, time.UTC, now.Location())
	must.Zero(t, now.Nanosecond())
}
