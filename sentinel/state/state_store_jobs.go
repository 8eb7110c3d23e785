// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/sentinel/sentinel/structs"
)

// UpsertQueuedJob stores a background job for delivery. When the job carries
// a uniqueness key and a pending job with the same key was created inside the
// window, the enqueue is dropped and the existing job is returned with
// created=false.
func (s *StateStore) UpsertQueuedJob(index uint64, job *structs.QueuedJob, window time.Duration) (*structs.QueuedJob, bool, error) {
	txn := s.db.WriteTxnMsgT(structs.JobUpsertRequestType, index)
	defer txn.Abort()

	if job.UniquenessKey != 0 && window > 0 {
		iter, err := txn.Get(TableJobs, indexUniqueness, job.UniquenessKey)
		if err != nil {
			return nil, false, fmt.Errorf("job lookup failed: %v", err)
		}
		cutoff := job.CreateTime.Add(-window)
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			existing := raw.(*structs.QueuedJob)
			if existing.State == structs.JobStatePending && !existing.CreateTime.Before(cutoff) {
				return existing, false, nil
			}
		}
	}

	job = job.Copy()
	job.CreateIndex = index
	job.ModifyIndex = index
	if err := txn.Insert(TableJobs, job); err != nil {
		return nil, false, fmt.Errorf("job insert failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableJobs, index}); err != nil {
		return nil, false, fmt.Errorf("index update failed: %v", err)
	}

	if err := txn.Commit(); err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// QueuedJobByID returns the job with the given id.
func (s *StateStore) QueuedJobByID(ws memdb.WatchSet, id string) (*structs.QueuedJob, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	watchCh, existing, err := txn.FirstWatch(TableJobs, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("job lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.QueuedJob), nil
	}
	return nil, nil
}

// PendingQueuedJobs returns all jobs awaiting delivery in creation order. The
// broker uses it to refill its queues after a restart.
func (s *StateStore) PendingQueuedJobs(ws memdb.WatchSet) ([]*structs.QueuedJob, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	iter, err := txn.Get(TableJobs, indexState, structs.JobStatePending)
	if err != nil {
		return nil, fmt.Errorf("job lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	var out []*structs.QueuedJob
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.QueuedJob))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreateIndex < out[j].CreateIndex
	})
	return out, nil
}

// MarkQueuedJobComplete finalizes a delivered job.
func (s *StateStore) MarkQueuedJobComplete(index uint64, jobID string) error {
	return s.updateQueuedJob(index, jobID, func(job *structs.QueuedJob) {
		job.State = structs.JobStateComplete
	})
}

// RecordQueuedJobAttempt counts one failed delivery; the job is marked failed
// once its attempts are exhausted. Returns the updated job so the broker can
// decide whether to redeliver.
func (s *StateStore) RecordQueuedJobAttempt(index uint64, jobID, desc string) (*structs.QueuedJob, error) {
	var updated *structs.QueuedJob
	err := s.updateQueuedJob(index, jobID, func(job *structs.QueuedJob) {
		job.Attempts++
		job.StatusDescription = desc
		if job.Attempts >= job.MaxAttempts {
			job.State = structs.JobStateFailed
		}
		updated = job
	})
	return updated, err
}

func (s *StateStore) updateQueuedJob(index uint64, jobID string, mutate func(*structs.QueuedJob)) error {
	txn := s.db.WriteTxnMsgT(structs.JobUpsertRequestType, index)
	defer txn.Abort()

	raw, err := txn.First(TableJobs, indexID, jobID)
	if err != nil {
		return fmt.Errorf("job lookup failed: %v", err)
	}
	if raw == nil {
		return fmt.Errorf("unknown job %q", jobID)
	}

	job := raw.(*structs.QueuedJob)
	if job.TerminalState() {
		return fmt.Errorf("%w: job %q is %s", structs.ErrInvalidState, jobID, job.State)
	}

	updated := job.Copy()
	mutate(updated)
	updated.ModifyIndex = index
	if err := txn.Insert(TableJobs, updated); err != nil {
		return fmt.Errorf("job update failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableJobs, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}
