// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package sentinel

import (
	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
)

// Worker drains one queue of the job broker. The per-queue worker count is
// the concurrency bound of that queue; a worker runs exactly one job at a
// time and never holds state across jobs.
type Worker struct {
	logger hclog.Logger
	broker *JobBroker
	queue  string
	ch     <-chan string
}

func newWorker(broker *JobBroker, queue string, ch <-chan string) *Worker {
	return &Worker{
		logger: broker.logger.Named("worker").With("queue", queue),
		broker: broker,
		queue:  queue,
		ch:     ch,
	}
}

func (w *Worker) run() {
	for {
		select {
		case <-w.broker.shutdownCh:
			return
		case jobID := <-w.ch:
			metrics.IncrCounter([]string{"sentinel", "worker", "dequeue", w.queue}, 1)
			w.broker.dispatch(jobID)
		}
	}
}
