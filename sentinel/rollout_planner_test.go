// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package sentinel

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/sentinel/ci"
	"github.com/hashicorp/sentinel/sentinel/mock"
	"github.com/hashicorp/sentinel/sentinel/structs"
)

func TestPlanBatches(t *testing.T) {
	ci.Parallel(t)

	nodes := []string{"n1", "n2", "n3", "n4", "n5"}

	cases := []struct {
		name     string
		strategy string
		size     int
		pct      int
		expect   [][]string
	}{
		{
			name:     "all at once",
			strategy: structs.RolloutStrategyAllAtOnce,
			expect:   [][]string{{"n1", "n2", "n3", "n4", "n5"}},
		},
		{
			name:     "rolling by size",
			strategy: structs.RolloutStrategyRolling,
			size:     2,
			expect:   [][]string{{"n1", "n2"}, {"n3", "n4"}, {"n5"}},
		},
		{
			name:     "rolling size larger than fleet",
			strategy: structs.RolloutStrategyRolling,
			size:     10,
			expect:   [][]string{{"n1", "n2", "n3", "n4", "n5"}},
		},
		{
			name:     "rolling by percentage rounds up",
			strategy: structs.RolloutStrategyRolling,
			pct:      25,
			expect:   [][]string{{"n1", "n2"}, {"n3", "n4"}, {"n5"}},
		},
		{
			name:     "rolling tiny percentage still advances",
			strategy: structs.RolloutStrategyRolling,
			pct:      1,
			expect:   [][]string{{"n1"}, {"n2"}, {"n3"}, {"n4"}, {"n5"}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := planBatches(nodes, tc.strategy, tc.size, tc.pct)
			must.Eq(t, tc.expect, got)
		})
	}
}

func TestServer_ResolveTargets(t *testing.T) {
	ci.Parallel(t)
	srv := TestServer(t, nil)
	store := srv.fsm()

	bundle := mock.Bundle()
	bundle.Version = "2.1.0"
	must.NoError(t, store.UpsertBundle(srv.nextIndex(), bundle))

	edge := mock.Node()
	edge.Labels = map[string]string{"tier": "edge", "region": "eu"}
	must.NoError(t, store.UpsertNode(srv.nextIndex(), edge))

	core := mock.Node()
	core.Labels = map[string]string{"tier": "core"}
	must.NoError(t, store.UpsertNode(srv.nextIndex(), core))

	pinned := mock.Node()
	pinned.Labels = map[string]string{"tier": "edge"}
	pinned.PinnedBundleID = "held-back"
	must.NoError(t, store.UpsertNode(srv.nextIndex(), pinned))

	constrained := mock.Node()
	constrained.Labels = map[string]string{"tier": "edge"}
	constrained.VersionConstraint = ">= 3.0.0"
	must.NoError(t, store.UpsertNode(srv.nextIndex(), constrained))

	foreign := mock.Node()
	foreign.ProjectID = "other"
	must.NoError(t, store.UpsertNode(srv.nextIndex(), foreign))

	group := mock.NodeGroup()
	group.NodeIDs = []string{edge.ID, core.ID}
	must.NoError(t, store.UpsertNodeGroup(srv.nextIndex(), group))

	newRollout := func(selector *structs.TargetSelector) *structs.Rollout {
		r := mock.Rollout()
		r.BundleID = bundle.ID
		r.TargetSelector = selector
		return r
	}

	t.Run("all excludes pins constraints and foreign projects", func(t *testing.T) {
		out, err := srv.resolveTargets(newRollout(&structs.TargetSelector{
			Type: structs.TargetSelectorTypeAll,
		}), bundle)
		must.NoError(t, err)
		must.Len(t, 2, out)
		must.SliceContains(t, out, edge.ID)
		must.SliceContains(t, out, core.ID)
	})

	t.Run("labels match exactly", func(t *testing.T) {
		out, err := srv.resolveTargets(newRollout(&structs.TargetSelector{
			Type:   structs.TargetSelectorTypeLabels,
			Labels: map[string]string{"tier": "edge", "region": "eu"},
		}), bundle)
		must.NoError(t, err)
		must.Eq(t, []string{edge.ID}, out)
	})

	t.Run("node ids deduplicate", func(t *testing.T) {
		out, err := srv.resolveTargets(newRollout(&structs.TargetSelector{
			Type:    structs.TargetSelectorTypeNodeIDs,
			NodeIDs: []string{core.ID, core.ID, edge.ID},
		}), bundle)
		must.NoError(t, err)
		must.Len(t, 2, out)
	})

	t.Run("groups expand", func(t *testing.T) {
		out, err := srv.resolveTargets(newRollout(&structs.TargetSelector{
			Type:     structs.TargetSelectorTypeGroups,
			GroupIDs: []string{group.ID},
		}), bundle)
		must.NoError(t, err)
		must.Len(t, 2, out)
	})

	t.Run("unknown group fails", func(t *testing.T) {
		_, err := srv.resolveTargets(newRollout(&structs.TargetSelector{
			Type:     structs.TargetSelectorTypeGroups,
			GroupIDs: []string{"missing"},
		}), bundle)
		must.Error(t, err)
	})

	t.Run("empty resolution returns no target nodes", func(t *testing.T) {
		_, err := srv.resolveTargets(newRollout(&structs.TargetSelector{
			Type:   structs.TargetSelectorTypeLabels,
			Labels: map[string]string{"tier": "none"},
		}), bundle)
		must.ErrorIs(t, err, structs.ErrNoTargetNodes)
	})

	t.Run("version constraint admits matching bundle", func(t *testing.T) {
		v3 := mock.Bundle()
		v3.Version = "3.2.0"
		must.NoError(t, store.UpsertBundle(srv.nextIndex(), v3))

		r := newRollout(&structs.TargetSelector{
			Type:    structs.TargetSelectorTypeNodeIDs,
			NodeIDs: []string{constrained.ID},
		})
		r.BundleID = v3.ID
		out, err := srv.resolveTargets(r, v3)
		must.NoError(t, err)
		must.Eq(t, []string{constrained.ID}, out)
	})
}
