// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package sentinel

import (
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/sentinel/sentinel/structs"
)

// Notifier receives drift notifications. The delivery channel (chat, email,
// pager) is an external collaborator; the server only decides when to fire.
type Notifier interface {
	// DriftDetected fires once per new drift event.
	DriftDetected(project *structs.Project, node *structs.Node, event *structs.DriftEvent)

	// DriftThresholdExceeded fires once per crossing of a project's drift
	// alert threshold.
	DriftThresholdExceeded(project *structs.Project, drifted, managed int)
}

// logNotifier is the fallback Notifier writing to the server log.
type logNotifier struct {
	logger hclog.Logger
}

func (n *logNotifier) DriftDetected(project *structs.Project, node *structs.Node, event *structs.DriftEvent) {
	n.logger.Warn("drift detected", "project_id", project.ID, "node_id", node.ID,
		"expected_bundle_id", event.ExpectedBundleID, "actual_bundle_id", event.ActualBundleID,
		"severity", event.Severity)
}

func (n *logNotifier) DriftThresholdExceeded(project *structs.Project, drifted, managed int) {
	n.logger.Error("project drift threshold exceeded", "project_id", project.ID,
		"drifted", drifted, "managed", managed)
}
