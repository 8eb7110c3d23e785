// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package sentinel

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-set/v3"
	goversion "github.com/hashicorp/go-version"

	"github.com/hashicorp/sentinel/sentinel/structs"
)

// resolveTargets turns a rollout's target selector into the concrete set of
// node ids it will cover: deduplicated, ascending, scoped to the project.
// Pinned nodes are excluded (the pin is the stronger intent), as are nodes
// whose version constraint rejects the bundle's version.
func (s *Server) resolveTargets(rollout *structs.Rollout, bundle *structs.Bundle) ([]string, error) {
	selector := rollout.TargetSelector
	if err := selector.Validate(); err != nil {
		return nil, err
	}

	candidates := set.New[string](8)

	switch selector.Type {
	case structs.TargetSelectorTypeAll:
		iter, err := s.fsm().NodesByProject(nil, rollout.ProjectID)
		if err != nil {
			return nil, err
		}
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			candidates.Insert(raw.(*structs.Node).ID)
		}

	case structs.TargetSelectorTypeLabels:
		iter, err := s.fsm().NodesByProject(nil, rollout.ProjectID)
		if err != nil {
			return nil, err
		}
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			node := raw.(*structs.Node)
			if labelsMatch(node.Labels, selector.Labels) {
				candidates.Insert(node.ID)
			}
		}

	case structs.TargetSelectorTypeNodeIDs:
		candidates.InsertSlice(selector.NodeIDs)

	case structs.TargetSelectorTypeGroups:
		for _, groupID := range selector.GroupIDs {
			group, err := s.fsm().NodeGroupByID(nil, groupID)
			if err != nil {
				return nil, err
			}
			if group == nil {
				return nil, fmt.Errorf("unknown node group %q", groupID)
			}
			candidates.InsertSlice(group.NodeIDs)
		}
	}

	var out []string
	for _, nodeID := range candidates.Slice() {
		node, err := s.fsm().NodeByID(nil, nodeID)
		if err != nil {
			return nil, err
		}
		if node == nil || node.ProjectID != rollout.ProjectID {
			continue
		}
		if node.PinnedBundleID != "" {
			continue
		}
		if !s.versionAllows(node, bundle) {
			continue
		}
		out = append(out, node.ID)
	}

	if len(out) == 0 {
		return nil, structs.ErrNoTargetNodes
	}

	sort.Strings(out)
	return out, nil
}

// versionAllows checks the node's version constraint against the bundle's
// version. An empty constraint always matches; a malformed constraint or
// bundle version excludes the node rather than failing the plan.
func (s *Server) versionAllows(node *structs.Node, bundle *structs.Bundle) bool {
	if node.VersionConstraint == "" {
		return true
	}
	constraint, err := goversion.NewConstraint(node.VersionConstraint)
	if err != nil {
		s.logger.Warn("node has malformed version constraint, excluding from targeting",
			"node_id", node.ID, "constraint", node.VersionConstraint, "error", err)
		return false
	}
	v, err := goversion.NewVersion(bundle.Version)
	if err != nil {
		s.logger.Warn("bundle has malformed version, excluding constrained nodes",
			"bundle_id", bundle.ID, "version", bundle.Version, "error", err)
		return false
	}
	return constraint.Check(v)
}

// labelsMatch returns whether the node's labels contain every selector pair
// exactly.
func labelsMatch(nodeLabels, want map[string]string) bool {
	for k, v := range want {
		if nodeLabels[k] != v {
			return false
		}
	}
	return true
}

// planBatches chunks resolved node ids into ordered step batches. The input
// is already ascending; every returned batch is non-empty.
func planBatches(nodeIDs []string, strategy string, batchSize, batchPercentage int) [][]string {
	if strategy == structs.RolloutStrategyAllAtOnce {
		return [][]string{nodeIDs}
	}

	effective := batchSize
	if batchPercentage > 0 {
		// ceil(n * pct / 100)
		effective = (len(nodeIDs)*batchPercentage + 99) / 100
	}
	if effective < 1 {
		effective = 1
	}

	var batches [][]string
	for start := 0; start < len(nodeIDs); start += effective {
		end := start + effective
		if end > len(nodeIDs) {
			end = len(nodeIDs)
		}
		batches = append(batches, nodeIDs[start:end])
	}
	return batches
}

// planRollout resolves targets, materializes steps and status rows, moves the
// rollout to running, and enqueues its first tick. Racing planners are safe:
// the pending-to-running transition is guarded, so the loser no-ops.
func (s *Server) planRollout(rollout *structs.Rollout) error {
	bundle, err := s.fsm().BundleByID(nil, rollout.BundleID)
	if err != nil {
		return err
	}
	if bundle == nil {
		return fmt.Errorf("%w %q", structs.ErrUnknownBundle, rollout.BundleID)
	}

	targets, err := s.resolveTargets(rollout, bundle)
	if err != nil {
		return err
	}

	batches := planBatches(targets, rollout.Strategy, rollout.BatchSize, rollout.BatchPercentage)

	now := structs.TimestampNow()
	if err := s.fsm().PlanRollout(s.nextIndex(), rollout.ID, batches, now); err != nil {
		return err
	}

	s.logger.Info("planned rollout", "rollout_id", rollout.ID,
		"targets", len(targets), "steps", len(batches))

	return s.enqueueTick(rollout.ID, 0)
}
