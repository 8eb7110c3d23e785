// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"net/http"
	"os"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/sentinel/ci"
	"github.com/hashicorp/sentinel/helper/testlog"
	"github.com/hashicorp/sentinel/sentinel"
	"github.com/hashicorp/sentinel/testutil"
)

// TestAgent encapsulates an Agent with a running HTTP server bound to a
// loopback port for use in tests.
type TestAgent struct {
	T testing.TB

	// Config is the agent configuration. A nil value is replaced by a dev
	// mode configuration during Start.
	Config *Config

	// Agent is the running agent, valid after Start.
	Agent *Agent

	// Server is the running HTTP server, valid after Start.
	Server *HTTPServer
}

// NewTestAgent returns a started test agent. The agent is shut down when the
// test finishes.
func NewTestAgent(t *testing.T, configCallback func(*Config)) *TestAgent {
	a := &TestAgent{T: t}

	config := DevConfig()
	config.BindAddr = "127.0.0.1"
	config.Ports.HTTP = ci.PortAllocator.One()
	if configCallback != nil {
		configCallback(config)
	}
	a.Config = config

	logger := testlog.HCLogger(t)
	agent, err := NewAgent(config, logger, os.Stderr)
	must.NoError(t, err)
	a.Agent = agent

	srv, err := NewHTTPServer(agent, config)
	must.NoError(t, err)
	a.Server = srv

	testutil.WaitForServer(t, a.RPC)

	t.Cleanup(a.Shutdown)
	return a
}

// HTTPAddr returns the base URL of the agent's HTTP API.
func (a *TestAgent) HTTPAddr() string {
	return "http://" + a.Server.Addr
}

// RPC invokes an RPC on the embedded server.
func (a *TestAgent) RPC(method string, args interface{}, reply interface{}) error {
	return a.Agent.RPC(method, args, reply)
}

// Client returns an http client pointed at the agent.
func (a *TestAgent) Client() *http.Client {
	return http.DefaultClient
}

// Shutdown stops the HTTP server and the agent.
func (a *TestAgent) Shutdown() {
	a.Server.Shutdown()
	if err := a.Agent.Shutdown(); err != nil {
		a.T.Logf("agent shutdown error: %v", err)
	}
}

// TestServer returns the embedded control plane server.
func (a *TestAgent) TestServer() *sentinel.Server {
	return a.Agent.Server()
}

// url returns the full URL of a path on the test agent.
func (a *TestAgent) url(path string) string {
	return fmt.Sprintf("%s%s", a.HTTPAddr(), path)
}
