// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"strings"

	"github.com/hashicorp/sentinel/sentinel/structs"
)

func (s *HTTPServer) NodesRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	switch req.Method {
	case http.MethodGet:
		return s.nodeList(resp, req)
	case http.MethodPut, http.MethodPost:
		return s.nodeUpsert(resp, req)
	default:
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
}

func (s *HTTPServer) nodeList(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	args := structs.NodeListRequest{}
	s.parse(req, &args.QueryOptions)

	var out structs.NodeListResponse
	if err := s.agent.RPC("Node.List", &args, &out); err != nil {
		return nil, err
	}
	setIndex(resp, out.Index)
	return out.Nodes, nil
}

func (s *HTTPServer) nodeUpsert(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	var args structs.NodeUpsertRequest
	if err := decodeBody(req, &args); err != nil {
		return nil, CodedError(http.StatusBadRequest, err.Error())
	}
	s.parseWriteRequest(req, &args.WriteRequest)

	var out structs.NodeUpdateResponse
	if err := s.agent.RPC("Node.Upsert", &args, &out); err != nil {
		return nil, err
	}
	setIndex(resp, out.Index)
	return out.Node, nil
}

func (s *HTTPServer) NodeSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	path := strings.TrimPrefix(req.URL.Path, "/v1/node/")
	switch {
	case strings.HasSuffix(path, "/heartbeat"):
		nodeID := strings.TrimSuffix(path, "/heartbeat")
		return s.nodeHeartbeat(resp, req, nodeID)
	case strings.HasSuffix(path, "/bundle-report"):
		nodeID := strings.TrimSuffix(path, "/bundle-report")
		return s.nodeBundleReport(resp, req, nodeID)
	case strings.HasSuffix(path, "/status"):
		nodeID := strings.TrimSuffix(path, "/status")
		return s.nodeUpdateStatus(resp, req, nodeID)
	default:
		return s.nodeQuery(resp, req, path)
	}
}

func (s *HTTPServer) nodeQuery(resp http.ResponseWriter, req *http.Request, nodeID string) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	args := structs.NodeSpecificRequest{
		NodeID: nodeID,
	}
	s.parse(req, &args.QueryOptions)

	var out structs.SingleNodeResponse
	if err := s.agent.RPC("Node.Get", &args, &out); err != nil {
		return nil, err
	}
	setIndex(resp, out.Index)
	return out.Node, nil
}

func (s *HTTPServer) nodeHeartbeat(resp http.ResponseWriter, req *http.Request, nodeID string) (interface{}, error) {
	if req.Method != http.MethodPut && req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	var heartbeat structs.Heartbeat
	if err := decodeBody(req, &heartbeat); err != nil {
		return nil, CodedError(http.StatusBadRequest, err.Error())
	}
	if heartbeat.NodeID == "" {
		heartbeat.NodeID = nodeID
	}

	args := structs.NodeHeartbeatRequest{
		Heartbeat: &heartbeat,
	}
	s.parseWriteRequest(req, &args.WriteRequest)

	var out structs.NodeUpdateResponse
	if err := s.agent.RPC("Node.Heartbeat", &args, &out); err != nil {
		return nil, err
	}
	setIndex(resp, out.Index)
	return out.Node, nil
}

// nodeBundleReportBody is the request body of bundle report calls.
type nodeBundleReportBody struct {
	ActiveBundleID string
}

func (s *HTTPServer) nodeBundleReport(resp http.ResponseWriter, req *http.Request, nodeID string) (interface{}, error) {
	if req.Method != http.MethodPut && req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	var body nodeBundleReportBody
	if err := decodeBody(req, &body); err != nil {
		return nil, CodedError(http.StatusBadRequest, err.Error())
	}

	args := structs.NodeBundleReportRequest{
		NodeID:         nodeID,
		ActiveBundleID: body.ActiveBundleID,
	}
	s.parseWriteRequest(req, &args.WriteRequest)

	var out structs.NodeUpdateResponse
	if err := s.agent.RPC("Node.BundleReport", &args, &out); err != nil {
		return nil, err
	}
	setIndex(resp, out.Index)
	return out.Node, nil
}

// nodeStatusBody is the request body of status update calls.
type nodeStatusBody struct {
	Status string
}

func (s *HTTPServer) nodeUpdateStatus(resp http.ResponseWriter, req *http.Request, nodeID string) (interface{}, error) {
	if req.Method != http.MethodPut && req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	var body nodeStatusBody
	if err := decodeBody(req, &body); err != nil {
		return nil, CodedError(http.StatusBadRequest, err.Error())
	}

	args := structs.NodeUpdateStatusRequest{
		NodeID: nodeID,
		Status: body.Status,
	}
	s.parseWriteRequest(req, &args.WriteRequest)

	var out structs.NodeUpdateResponse
	if err := s.agent.RPC("Node.UpdateStatus", &args, &out); err != nil {
		return nil, err
	}
	setIndex(resp, out.Index)
	return out.Node, nil
}

func (s *HTTPServer) NodeGroupsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPut && req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	var args structs.NodeGroupUpsertRequest
	if err := decodeBody(req, &args); err != nil {
		return nil, CodedError(http.StatusBadRequest, err.Error())
	}
	s.parseWriteRequest(req, &args.WriteRequest)

	var out structs.GenericResponse
	if err := s.agent.RPC("Node.UpsertGroup", &args, &out); err != nil {
		return nil, err
	}
	setIndex(resp, out.Index)
	return nil, nil
}
