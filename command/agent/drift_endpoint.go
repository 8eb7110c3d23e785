// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"strings"

	"github.com/hashicorp/sentinel/sentinel/structs"
)

func (s *HTTPServer) DriftRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	query := req.URL.Query()
	args := structs.DriftListRequest{
		NodeID:         query.Get("node_id"),
		UnresolvedOnly: query.Get("unresolved") == "true",
	}
	s.parse(req, &args.QueryOptions)

	var out structs.DriftListResponse
	if err := s.agent.RPC("Drift.List", &args, &out); err != nil {
		return nil, err
	}
	setIndex(resp, out.Index)
	return out.Events, nil
}

func (s *HTTPServer) DriftSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	path := strings.TrimPrefix(req.URL.Path, "/v1/drift/")
	if !strings.HasSuffix(path, "/resolve") {
		return nil, CodedError(http.StatusNotFound, "not found")
	}
	if req.Method != http.MethodPut && req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	args := structs.DriftResolveRequest{
		EventID: strings.TrimSuffix(path, "/resolve"),
	}
	s.parseWriteRequest(req, &args.WriteRequest)

	var out structs.DriftResolveResponse
	if err := s.agent.RPC("Drift.Resolve", &args, &out); err != nil {
		return nil, err
	}
	setIndex(resp, out.Index)
	return out.Event, nil
}
