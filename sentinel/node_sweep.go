// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package sentinel

import (
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/sentinel/sentinel/structs"
)

// nodeSweeper flags online nodes whose heartbeat went stale as unknown, so
// that step progression and drift scanning stop trusting their last report.
// Nodes flip back to online on their next heartbeat.
type nodeSweeper struct {
	srv    *Server
	logger hclog.Logger
}

func newNodeSweeper(srv *Server) *nodeSweeper {
	return &nodeSweeper{
		srv:    srv,
		logger: srv.logger.Named("node_sweeper"),
	}
}

// handleSweep is the job handler for node sweeps.
func (n *nodeSweeper) handleSweep(_ *structs.QueuedJob) error {
	defer n.reschedule()

	cutoff := structs.TimestampNow().Add(-n.srv.config.NodeStaleTTL)
	flagged, err := n.srv.fsm().MarkStaleNodesUnknown(n.srv.nextIndex(), cutoff)
	if err != nil {
		return err
	}
	if len(flagged) > 0 {
		n.logger.Warn("flagged stale nodes as unknown", "count", len(flagged))
	}
	return nil
}

func (n *nodeSweeper) reschedule() {
	if _, err := n.srv.jobBroker.Enqueue(&EnqueueRequest{
		Queue:            structs.JobQueueMaintenance,
		Kind:             structs.JobKindNodeSweep,
		ScheduleIn:       n.srv.config.NodeStaleTTL,
		UniquenessWindow: n.srv.config.NodeStaleTTL,
		MaxAttempts:      1,
	}); err != nil {
		n.logger.Error("failed to reschedule node sweep", "error", err)
	}
}
