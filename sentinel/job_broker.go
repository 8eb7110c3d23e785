// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package sentinel

import (
	"fmt"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/hashstructure"

	"github.com/hashicorp/sentinel/helper/uuid"
	"github.com/hashicorp/sentinel/sentinel/structs"
)

// JobHandler executes one delivery of a job. Delivery is at least once, so
// handlers are idempotent; a non-nil error consumes one attempt.
type JobHandler func(job *structs.QueuedJob) error

// EnqueueRequest describes a job to run in the background.
type EnqueueRequest struct {
	Queue string
	Kind  string

	// Payload carries the job arguments by name.
	Payload map[string]string

	// ScheduleIn delays delivery.
	ScheduleIn time.Duration

	// UniquenessWindow drops the enqueue when a pending job with the same
	// queue, kind, and payload was created inside the window.
	UniquenessWindow time.Duration

	// MaxAttempts bounds deliveries; zero means one.
	MaxAttempts int
}

// JobBroker is the durable job queue of the server. Jobs are rows in the
// state store so they survive restarts; the broker holds only delivery
// bookkeeping in memory. Each named queue is drained by a bounded set of
// workers.
type JobBroker struct {
	logger hclog.Logger
	srv    *Server

	mu       sync.Mutex
	enabled  bool
	handlers map[string]JobHandler
	queues   map[string]chan string

	// parked holds delayed job ids by NotBefore; a timer releases each
	// when due. Inline mode parks every delayed job until DeliverParked.
	parked map[string]*parkedJob

	inline bool

	shutdownCh chan struct{}
	workers    []*Worker
}

type parkedJob struct {
	job   *structs.QueuedJob
	timer *time.Timer
}

// NewJobBroker returns a stopped broker; Start restores pending jobs and
// launches the queue workers.
func NewJobBroker(srv *Server) *JobBroker {
	return &JobBroker{
		logger:     srv.logger.Named("job_broker"),
		srv:        srv,
		handlers:   make(map[string]JobHandler),
		queues:     make(map[string]chan string),
		parked:     make(map[string]*parkedJob),
		inline:     srv.config.InlineJobs,
		shutdownCh: make(chan struct{}),
	}
}

// RegisterHandler binds a job kind to its handler. Kinds without a handler
// fail delivery.
func (b *JobBroker) RegisterHandler(kind string, fn JobHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = fn
}

// Enqueue persists a job and hands it to a worker, immediately or once its
// delay passes. In inline mode immediate jobs run synchronously in the caller
// and delayed jobs park until DeliverParked.
func (b *JobBroker) Enqueue(req *EnqueueRequest) (*structs.QueuedJob, error) {
	defer metrics.MeasureSince([]string{"sentinel", "job_broker", "enqueue"}, time.Now())

	maxAttempts := req.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	now := structs.TimestampNow()
	job := &structs.QueuedJob{
		ID:          uuid.Generate(),
		Queue:       req.Queue,
		Kind:        req.Kind,
		Payload:     req.Payload,
		State:       structs.JobStatePending,
		MaxAttempts: maxAttempts,
		CreateTime:  now,
	}
	if req.ScheduleIn > 0 {
		job.NotBefore = now.Add(req.ScheduleIn)
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}

	if req.UniquenessWindow > 0 {
		key, err := hashstructure.Hash(struct {
			Queue   string
			Kind    string
			Payload map[string]string
		}{req.Queue, req.Kind, req.Payload}, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to hash job payload: %v", err)
		}
		job.UniquenessKey = key
	}

	stored, created, err := b.srv.fsm().UpsertQueuedJob(b.srv.nextIndex(), job, req.UniquenessWindow)
	if err != nil {
		return nil, err
	}
	if !created {
		metrics.IncrCounter([]string{"sentinel", "job_broker", "deduped"}, 1)
		return stored, nil
	}

	b.deliver(stored)
	return stored, nil
}

// Start restores pending jobs from the state store and launches the workers.
func (b *JobBroker) Start() error {
	b.mu.Lock()
	if b.enabled {
		b.mu.Unlock()
		return nil
	}
	b.enabled = true

	if !b.inline {
		for _, queue := range []string{structs.JobQueueDefault, structs.JobQueueRollouts, structs.JobQueueMaintenance} {
			ch := make(chan string, 512)
			b.queues[queue] = ch
			for i := 0; i < b.srv.config.workers(queue); i++ {
				w := newWorker(b, queue, ch)
				b.workers = append(b.workers, w)
				go w.run()
			}
		}
	}
	b.mu.Unlock()

	pending, err := b.srv.fsm().PendingQueuedJobs(nil)
	if err != nil {
		return fmt.Errorf("failed to restore pending jobs: %v", err)
	}
	for _, job := range pending {
		b.deliver(job)
	}
	if len(pending) > 0 {
		b.logger.Info("restored pending jobs", "count", len(pending))
	}
	return nil
}

// Shutdown stops the workers and cancels parked timers. Pending jobs stay in
// the state store and redeliver on the next Start.
func (b *JobBroker) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.enabled {
		return
	}
	b.enabled = false
	close(b.shutdownCh)
	for _, parked := range b.parked {
		if parked.timer != nil {
			parked.timer.Stop()
		}
	}
	b.parked = make(map[string]*parkedJob)
}

// DeliverParked runs every parked job whose delivery time has passed and
// returns how many ran. Tests drive delayed jobs through it; with real
// workers the per-job timers make it unnecessary.
func (b *JobBroker) DeliverParked(now time.Time) int {
	b.mu.Lock()
	var due []*parkedJob
	for id, parked := range b.parked {
		if parked.job.NotBefore.After(now) {
			continue
		}
		if parked.timer != nil {
			parked.timer.Stop()
		}
		delete(b.parked, id)
		due = append(due, parked)
	}
	b.mu.Unlock()

	for _, parked := range due {
		b.dispatch(parked.job.ID)
	}
	return len(due)
}

// ParkedJobs returns the ids of jobs waiting out their delay.
func (b *JobBroker) ParkedJobs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.parked))
	for id := range b.parked {
		out = append(out, id)
	}
	return out
}

// deliver routes a job to a worker now or parks it until due.
func (b *JobBroker) deliver(job *structs.QueuedJob) {
	now := time.Now().UTC()
	if job.NotBefore.After(now) {
		b.park(job, job.NotBefore.Sub(now))
		return
	}

	if b.inline {
		b.dispatch(job.ID)
		return
	}

	b.mu.Lock()
	ch, ok := b.queues[job.Queue]
	enabled := b.enabled
	b.mu.Unlock()
	if !ok || !enabled {
		// Not started yet; Start will restore it from the store.
		return
	}

	select {
	case ch <- job.ID:
	case <-b.shutdownCh:
	}
}

func (b *JobBroker) park(job *structs.QueuedJob, wait time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.parked[job.ID]; ok {
		return
	}

	parked := &parkedJob{job: job}
	if !b.inline {
		parked.timer = time.AfterFunc(wait, func() {
			b.mu.Lock()
			_, ok := b.parked[job.ID]
			delete(b.parked, job.ID)
			b.mu.Unlock()
			if ok {
				b.dispatch(job.ID)
			}
		})
	}
	b.parked[job.ID] = parked
}

// dispatch runs one delivery of a job in the caller. Workers call it from
// their run loop; inline mode calls it from the enqueuer.
func (b *JobBroker) dispatch(jobID string) {
	// Re-read so redeliveries observe the current attempt count.
	job, err := b.srv.fsm().QueuedJobByID(nil, jobID)
	if err != nil {
		b.logger.Error("job lookup failed", "job_id", jobID, "error", err)
		return
	}
	if job == nil || job.TerminalState() {
		return
	}

	b.mu.Lock()
	handler, ok := b.handlers[job.Kind]
	b.mu.Unlock()

	var handlerErr error
	if !ok {
		handlerErr = fmt.Errorf("no handler for job kind %q", job.Kind)
	} else {
		defer metrics.MeasureSince([]string{"sentinel", "job_broker", "run", job.Kind}, time.Now())
		handlerErr = handler(job)
	}

	if handlerErr == nil {
		if err := b.srv.fsm().MarkQueuedJobComplete(b.srv.nextIndex(), job.ID); err != nil {
			b.logger.Error("failed to mark job complete", "job_id", job.ID, "error", err)
		}
		return
	}

	metrics.IncrCounter([]string{"sentinel", "job_broker", "nacks"}, 1)
	b.logger.Warn("job delivery failed", "job_id", job.ID, "kind", job.Kind,
		"attempt", job.Attempts+1, "error", handlerErr)

	updated, err := b.srv.fsm().RecordQueuedJobAttempt(b.srv.nextIndex(), job.ID, handlerErr.Error())
	if err != nil {
		b.logger.Error("failed to record job attempt", "job_id", job.ID, "error", err)
		return
	}
	if updated.State == structs.JobStateFailed {
		b.logger.Error("job exhausted its attempts", "job_id", job.ID, "kind", job.Kind,
			"attempts", updated.Attempts, "error", handlerErr)
		return
	}

	if !b.inline {
		// Back off one second between attempts.
		b.park(updated, time.Second)
	}
}
