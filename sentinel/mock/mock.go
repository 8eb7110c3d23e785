// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package mock holds prefilled fixtures for the control plane's domain
// objects. Tests mutate the returned values as needed.
package mock

import (
	"time"

	"github.com/hashicorp/sentinel/helper/pointer"
	"github.com/hashicorp/sentinel/helper/uuid"
	"github.com/hashicorp/sentinel/sentinel/structs"
)

func Project() *structs.Project {
	return &structs.Project{
		ID:   uuid.Generate(),
		Name: "project-" + uuid.Short(),
	}
}

func Node() *structs.Node {
	return &structs.Node{
		ID:        uuid.Generate(),
		ProjectID: structs.DefaultProject,
		Name:      "node-" + uuid.Short(),
		Status:    structs.NodeStatusOnline,
		Labels: map[string]string{
			"region": "us-east-1",
			"tier":   "edge",
		},
		LastHeartbeatAt: structs.TimestampNow(),
	}
}

func NodeGroup() *structs.NodeGroup {
	return &structs.NodeGroup{
		ID:        uuid.Generate(),
		ProjectID: structs.DefaultProject,
		Name:      "group-" + uuid.Short(),
	}
}

func Bundle() *structs.Bundle {
	return &structs.Bundle{
		ID:        uuid.Generate(),
		ProjectID: structs.DefaultProject,
		Version:   "1.0.0",
		Status:    structs.BundleStatusCompiled,
		Checksum:  uuid.Generate(),
		Manifest: map[string]string{
			"listeners.conf": uuid.Short(),
			"routes.conf":    uuid.Short(),
			"upstreams.conf": uuid.Short(),
		},
		CreateTime: structs.TimestampNow(),
	}
}

func Rollout() *structs.Rollout {
	return &structs.Rollout{
		ID:        uuid.Generate(),
		ProjectID: structs.DefaultProject,
		BundleID:  uuid.Generate(),
		CreatedBy: "ops",
		TargetSelector: &structs.TargetSelector{
			Type: structs.TargetSelectorTypeAll,
		},
		Strategy:         structs.RolloutStrategyRolling,
		BatchSize:        2,
		MaxUnavailable:   1,
		ProgressDeadline: pointer.Of(10 * time.Minute),
		State:            structs.RolloutStatePending,
		ApprovalState:    structs.RolloutApprovalNotRequired,
	}
}

func Heartbeat() *structs.Heartbeat {
	return &structs.Heartbeat{
		NodeID: uuid.Generate(),
		Health: structs.HeartbeatHealth{Status: structs.HeartbeatHealthy},
		Metrics: structs.HeartbeatMetrics{
			ErrorRate:     0.1,
			LatencyP99MS:  120,
			CPUPercent:    35,
			MemoryPercent: 40,
		},
		CreateTime: structs.TimestampNow(),
	}
}

func User() *structs.User {
	return &structs.User{
		ID:    uuid.Generate(),
		Name:  "user-" + uuid.Short(),
		Roles: []string{structs.RoleOperator},
	}
}

func DriftEvent() *structs.DriftEvent {
	return &structs.DriftEvent{
		ID:               uuid.Generate(),
		NodeID:           uuid.Generate(),
		ProjectID:        structs.DefaultProject,
		ExpectedBundleID: uuid.Generate(),
		ActualBundleID:   uuid.Generate(),
		Severity:         structs.DriftSeverityLow,
		DiffStats:        structs.DiffStats{Additions: 1, Deletions: 1},
		DetectedAt:       structs.TimestampNow(),
	}
}

func HealthCheckEndpoint() *structs.HealthCheckEndpoint {
	return &structs.HealthCheckEndpoint{
		ID:             uuid.Generate(),
		ProjectID:      structs.DefaultProject,
		Name:           "edge-ready",
		URL:            "http://127.0.0.1:8080/ready",
		Method:         "GET",
		TimeoutMS:      500,
		ExpectedStatus: 200,
	}
}

func QueuedJob() *structs.QueuedJob {
	return &structs.QueuedJob{
		ID:          uuid.Generate(),
		Queue:       structs.JobQueueDefault,
		Kind:        "noop",
		Payload:     map[string]string{},
		State:       structs.JobStatePending,
		MaxAttempts: 3,
		CreateTime:  structs.TimestampNow(),
	}
}
