// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package sentinel

import (
	"testing"

	"github.com/hashicorp/sentinel/helper/testlog"
)

// TestServer returns a memory-only server running jobs inline: immediate
// jobs execute synchronously in the enqueuer, and delayed jobs park until
// the test releases them with JobBroker().DeliverParked. The server is shut
// down via test cleanup.
func TestServer(t testing.TB, cb func(*Config)) *Server {
	t.Helper()

	config := DefaultConfig()
	config.Logger = testlog.HCLogger(t)
	config.InlineJobs = true
	if cb != nil {
		cb(config)
	}

	srv, err := NewServer(config)
	if err != nil {
		t.Fatalf("failed to start test server: %v", err)
	}
	t.Cleanup(func() {
		if err := srv.Shutdown(); err != nil {
			t.Logf("failed to shut down test server: %v", err)
		}
	})
	return srv
}
