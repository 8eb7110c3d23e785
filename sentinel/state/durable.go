// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"
	"strconv"

	"github.com/hashicorp/sentinel/helper/boltdd"
	"github.com/hashicorp/sentinel/sentinel/structs"
)

// persistChanges writes one committed transaction's changes through to bolt.
// Each memdb table maps to a bucket; values are msgpack encoded by boltdd.
// The write happens before the memdb commit, so a failure here aborts the
// transaction and memory never runs ahead of disk.
func persistChanges(db *boltdd.DB, changes Changes) error {
	if len(changes.Changes) == 0 {
		return nil
	}

	return db.Update(func(tx *boltdd.Tx) error {
		for _, change := range changes.Changes {
			bucket, err := tx.CreateBucketIfNotExists([]byte(change.Table))
			if err != nil {
				return err
			}

			if change.Deleted() {
				key, err := durableKey(change.Table, change.Before)
				if err != nil {
					return err
				}
				if err := bucket.Delete(key); err != nil {
					return err
				}
				continue
			}

			key, err := durableKey(change.Table, change.After)
			if err != nil {
				return err
			}
			if err := bucket.Put(key, change.After); err != nil {
				return err
			}
		}
		return nil
	})
}

// durableKey derives the bucket key of an entity. Compound-id tables join
// their id fields; everything else keys by its single id.
func durableKey(table string, obj interface{}) ([]byte, error) {
	switch table {
	case tableIndex:
		return []byte(obj.(*IndexEntry).Key), nil
	case TableRollouts:
		return []byte(obj.(*structs.Rollout).ID), nil
	case TableRolloutSteps:
		step := obj.(*structs.RolloutStep)
		return []byte(step.RolloutID + "/" + strconv.Itoa(step.StepIndex)), nil
	case TableNodeBundleStatus:
		status := obj.(*structs.NodeBundleStatus)
		return []byte(status.RolloutID + "/" + status.NodeID), nil
	case TableRolloutApprovals:
		approval := obj.(*structs.RolloutApproval)
		return []byte(approval.RolloutID + "/" + approval.UserID), nil
	case TableNodes:
		return []byte(obj.(*structs.Node).ID), nil
	case TableNodeGroups:
		return []byte(obj.(*structs.NodeGroup).ID), nil
	case TableHeartbeats:
		return []byte(obj.(*structs.Heartbeat).NodeID), nil
	case TableBundles:
		return []byte(obj.(*structs.Bundle).ID), nil
	case TableProjects:
		return []byte(obj.(*structs.Project).ID), nil
	case TableUsers:
		return []byte(obj.(*structs.User).ID), nil
	case TableHealthChecks:
		return []byte(obj.(*structs.HealthCheckEndpoint).ID), nil
	case TableDriftEvents:
		return []byte(obj.(*structs.DriftEvent).ID), nil
	case TableJobs:
		return []byte(obj.(*structs.QueuedJob).ID), nil
	default:
		return nil, fmt.Errorf("no durable key for table %q", table)
	}
}

// RestoreFromDurable rebuilds the state store from a bolt database written by
// persistChanges. Buckets that were never written are skipped.
func (s *StateStore) RestoreFromDurable(db *boltdd.DB) error {
	restore, err := s.Restore()
	if err != nil {
		return err
	}
	defer restore.Abort()

	err = db.View(func(tx *boltdd.Tx) error {
		if err := restoreBucket(tx, tableIndex, restore.IndexRestore); err != nil {
			return err
		}
		if err := restoreBucket(tx, TableRollouts, restore.RolloutRestore); err != nil {
			return err
		}
		if err := restoreBucket(tx, TableRolloutSteps, restore.RolloutStepRestore); err != nil {
			return err
		}
		if err := restoreBucket(tx, TableNodeBundleStatus, restore.NodeBundleStatusRestore); err != nil {
			return err
		}
		if err := restoreBucket(tx, TableRolloutApprovals, restore.RolloutApprovalRestore); err != nil {
			return err
		}
		if err := restoreBucket(tx, TableNodes, restore.NodeRestore); err != nil {
			return err
		}
		if err := restoreBucket(tx, TableNodeGroups, restore.NodeGroupRestore); err != nil {
			return err
		}
		if err := restoreBucket(tx, TableHeartbeats, restore.HeartbeatRestore); err != nil {
			return err
		}
		if err := restoreBucket(tx, TableBundles, restore.BundleRestore); err != nil {
			return err
		}
		if err := restoreBucket(tx, TableProjects, restore.ProjectRestore); err != nil {
			return err
		}
		if err := restoreBucket(tx, TableUsers, restore.UserRestore); err != nil {
			return err
		}
		if err := restoreBucket(tx, TableHealthChecks, restore.HealthCheckRestore); err != nil {
			return err
		}
		if err := restoreBucket(tx, TableDriftEvents, restore.DriftEventRestore); err != nil {
			return err
		}
		return restoreBucket(tx, TableJobs, restore.QueuedJobRestore)
	})
	if err != nil {
		return fmt.Errorf("durable restore failed: %v", err)
	}

	return restore.Commit()
}

// restoreBucket feeds every value of one bucket through the matching restore
// insert. A missing bucket means the table was never written.
func restoreBucket[T any](tx *boltdd.Tx, table string, insert func(*T) error) error {
	bucket := tx.Bucket([]byte(table))
	if bucket == nil {
		return nil
	}

	var insertErr error
	err := boltdd.Iterate(bucket, nil, func(_ []byte, obj T) {
		if insertErr == nil {
			insertErr = insert(&obj)
		}
	})
	if err != nil {
		return err
	}
	return insertErr
}
