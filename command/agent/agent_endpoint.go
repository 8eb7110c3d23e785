// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"

	"github.com/hashicorp/sentinel/sentinel/structs"
)

// agentSelf is the response of the /v1/agent/self endpoint.
type agentSelf struct {
	Config *Config           `json:"config"`
	Stats  map[string]string `json:"stats"`
}

func (s *HTTPServer) AgentSelfRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	self := agentSelf{
		Config: s.agent.config,
		Stats: map[string]string{
			"version": s.agent.config.Version.VersionNumber(),
		},
	}
	return self, nil
}

// healthResponse is the response of the /v1/agent/health endpoint.
type healthResponse struct {
	Ok      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

func (s *HTTPServer) HealthRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	var ping structs.PingResponse
	if err := s.agent.RPC("Status.Ping", &structs.GenericRequest{}, &ping); err != nil {
		resp.WriteHeader(http.StatusInternalServerError)
		return &healthResponse{Ok: false, Message: err.Error()}, nil
	}
	return &healthResponse{Ok: true, Message: ping.Status}, nil
}

func (s *HTTPServer) StatusPingRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	var out structs.PingResponse
	if err := s.agent.RPC("Status.Ping", &structs.GenericRequest{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *HTTPServer) StatusVersionRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	var out structs.VersionResponse
	if err := s.agent.RPC("Status.Version", &structs.GenericRequest{}, &out); err != nil {
		return nil, err
	}
	setIndex(resp, out.Index)
	return out, nil
}
