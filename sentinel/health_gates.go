// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package sentinel

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/hashicorp/sentinel/sentinel/structs"
)

// gateEvaluator checks a verifying step's health gates. Every enabled gate
// must pass for the step to complete; a failing gate leaves the step
// verifying until the progress deadline.
type gateEvaluator struct {
	srv    *Server
	client *http.Client
}

func newGateEvaluator(srv *Server) *gateEvaluator {
	return &gateEvaluator{
		srv:    srv,
		client: cleanhttp.DefaultClient(),
	}
}

// evaluate runs all enabled gates over the given nodes. The boolean reports
// whether every gate passed; the string names the first failing gate for the
// waiting log line. An error means the evaluation itself failed and the tick
// should be retried by the queue.
func (g *gateEvaluator) evaluate(gates *structs.HealthGates, nodeIDs []string) (bool, string, error) {
	if gates.Empty() {
		return true, "", nil
	}

	for _, nodeID := range nodeIDs {
		// At most one heartbeat read per node per evaluation; every
		// metric gate below works off this snapshot.
		hb, err := g.srv.fsm().HeartbeatByNodeID(nil, nodeID)
		if err != nil {
			return false, "", err
		}

		if gates.HeartbeatHealthy != nil && *gates.HeartbeatHealthy {
			if !hb.Healthy() {
				return false, fmt.Sprintf("node %s heartbeat not healthy", nodeID), nil
			}
		}

		// Missing heartbeats read as zero metrics.
		var m structs.HeartbeatMetrics
		if hb != nil {
			m = hb.Metrics
		}
		if gates.MaxErrorRate != nil && m.ErrorRate > *gates.MaxErrorRate {
			return false, fmt.Sprintf("node %s error rate %.3f above %.3f", nodeID, m.ErrorRate, *gates.MaxErrorRate), nil
		}
		if gates.MaxLatencyMS != nil && m.LatencyP99MS > *gates.MaxLatencyMS {
			return false, fmt.Sprintf("node %s p99 latency %.0fms above %.0fms", nodeID, m.LatencyP99MS, *gates.MaxLatencyMS), nil
		}
		if gates.MaxCPUPercent != nil && m.CPUPercent > *gates.MaxCPUPercent {
			return false, fmt.Sprintf("node %s cpu %.1f%% above %.1f%%", nodeID, m.CPUPercent, *gates.MaxCPUPercent), nil
		}
		if gates.MaxMemoryPercent != nil && m.MemoryPercent > *gates.MaxMemoryPercent {
			return false, fmt.Sprintf("node %s memory %.1f%% above %.1f%%", nodeID, m.MemoryPercent, *gates.MaxMemoryPercent), nil
		}
	}

	// Custom checks run once per endpoint per evaluation, not per node.
	for _, checkID := range gates.CustomHealthChecks {
		check, err := g.srv.fsm().HealthCheckByID(nil, checkID)
		if err != nil {
			return false, "", err
		}
		if check == nil {
			return false, fmt.Sprintf("unknown health check %s", checkID), nil
		}
		if ok, reason := g.invoke(check); !ok {
			return false, reason, nil
		}
	}

	return true, "", nil
}

// invoke runs one custom health check with the endpoint's own timeout and
// expectations.
func (g *gateEvaluator) invoke(check *structs.HealthCheckEndpoint) (bool, string) {
	method := check.Method
	if method == "" {
		method = http.MethodGet
	}
	expectedStatus := check.ExpectedStatus
	if expectedStatus == 0 {
		expectedStatus = http.StatusOK
	}
	timeout := time.Duration(check.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	req, err := http.NewRequest(method, check.URL, nil)
	if err != nil {
		return false, fmt.Sprintf("health check %s has invalid request: %v", check.Name, err)
	}

	client := *g.client
	client.Timeout = timeout
	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Sprintf("health check %s failed: %v", check.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != expectedStatus {
		return false, fmt.Sprintf("health check %s returned %d, want %d", check.Name, resp.StatusCode, expectedStatus)
	}
	if check.ExpectedBody != "" {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return false, fmt.Sprintf("health check %s body read failed: %v", check.Name, err)
		}
		if !strings.Contains(string(body), check.ExpectedBody) {
			return false, fmt.Sprintf("health check %s body missing %q", check.Name, check.ExpectedBody)
		}
	}
	return true, ""
}
