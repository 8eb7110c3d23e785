// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"github.com/hashicorp/sentinel/sentinel/structs"
)

// StateRestore is used to restore the contents of the state store from
// durable storage without change tracking. Inserts bypass the guarded
// mutation paths; callers feed back exactly what a guarded path previously
// committed.
type StateRestore struct {
	txn *txn
}

// Abort is used to abort the restore operation
func (r *StateRestore) Abort() {
	r.txn.Abort()
}

// Commit is used to commit the restore operation
func (r *StateRestore) Commit() error {
	return r.txn.Commit()
}

func (r *StateRestore) IndexRestore(entry *IndexEntry) error {
	return r.txn.Insert(tableIndex, entry)
}

func (r *StateRestore) RolloutRestore(rollout *structs.Rollout) error {
	return r.txn.Insert(TableRollouts, rollout)
}

func (r *StateRestore) RolloutStepRestore(step *structs.RolloutStep) error {
	return r.txn.Insert(TableRolloutSteps, step)
}

func (r *StateRestore) NodeBundleStatusRestore(status *structs.NodeBundleStatus) error {
	return r.txn.Insert(TableNodeBundleStatus, status)
}

func (r *StateRestore) RolloutApprovalRestore(approval *structs.RolloutApproval) error {
	return r.txn.Insert(TableRolloutApprovals, approval)
}

func (r *StateRestore) NodeRestore(node *structs.Node) error {
	return r.txn.Insert(TableNodes, node)
}

func (r *StateRestore) NodeGroupRestore(group *structs.NodeGroup) error {
	return r.txn.Insert(TableNodeGroups, group)
}

func (r *StateRestore) HeartbeatRestore(hb *structs.Heartbeat) error {
	return r.txn.Insert(TableHeartbeats, hb)
}

func (r *StateRestore) BundleRestore(bundle *structs.Bundle) error {
	return r.txn.Insert(TableBundles, bundle)
}

func (r *StateRestore) ProjectRestore(project *structs.Project) error {
	return r.txn.Insert(TableProjects, project)
}

func (r *StateRestore) UserRestore(user *structs.User) error {
	return r.txn.Insert(TableUsers, user)
}

func (r *StateRestore) HealthCheckRestore(check *structs.HealthCheckEndpoint) error {
	return r.txn.Insert(TableHealthChecks, check)
}

func (r *StateRestore) DriftEventRestore(event *structs.DriftEvent) error {
	return r.txn.Insert(TableDriftEvents, event)
}

func (r *StateRestore) QueuedJobRestore(job *structs.QueuedJob) error {
	return r.txn.Insert(TableJobs, job)
}
