// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package api

// Agent encapsulates an API client which talks to the agent endpoints of a
// specific server.
type Agent struct {
	client *Client
}

// Agent returns a handle on the agent endpoints.
func (c *Client) Agent() *Agent {
	return &Agent{client: c}
}

// AgentSelf represents the configuration and stats of the queried agent.
type AgentSelf struct {
	Config map[string]interface{} `json:"config"`
	Stats  map[string]string      `json:"stats"`
}

// AgentHealthResponse is the response from the agent health endpoint.
type AgentHealthResponse struct {
	Ok      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// Self is used to query the /v1/agent/self endpoint.
func (a *Agent) Self() (*AgentSelf, error) {
	var out AgentSelf
	_, err := a.client.query("/v1/agent/self", &out, nil)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Health queries the agent's health.
func (a *Agent) Health() (*AgentHealthResponse, error) {
	var out AgentHealthResponse
	_, err := a.client.query("/v1/agent/health", &out, nil)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
