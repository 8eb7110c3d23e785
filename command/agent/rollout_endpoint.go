// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"strings"

	"github.com/hashicorp/sentinel/sentinel/structs"
)

func (s *HTTPServer) RolloutsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	switch req.Method {
	case http.MethodGet:
		return s.rolloutList(resp, req)
	case http.MethodPut, http.MethodPost:
		return s.rolloutCreate(resp, req)
	default:
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
}

func (s *HTTPServer) rolloutList(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	args := structs.RolloutListRequest{
		State: req.URL.Query().Get("state"),
	}
	s.parse(req, &args.QueryOptions)

	var out structs.RolloutListResponse
	if err := s.agent.RPC("Rollout.List", &args, &out); err != nil {
		return nil, err
	}
	setIndex(resp, out.Index)
	return out.Rollouts, nil
}

func (s *HTTPServer) rolloutCreate(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	var args structs.RolloutCreateRequest
	if err := decodeBody(req, &args); err != nil {
		return nil, CodedError(http.StatusBadRequest, err.Error())
	}
	s.parseWriteRequest(req, &args.WriteRequest)

	var out structs.RolloutCreateResponse
	if err := s.agent.RPC("Rollout.Create", &args, &out); err != nil {
		return nil, err
	}
	setIndex(resp, out.Index)
	return out.Rollout, nil
}

func (s *HTTPServer) RolloutSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	path := strings.TrimPrefix(req.URL.Path, "/v1/rollout/")
	switch {
	case strings.HasSuffix(path, "/pause"):
		rolloutID := strings.TrimSuffix(path, "/pause")
		return s.rolloutPause(resp, req, rolloutID)
	case strings.HasSuffix(path, "/resume"):
		rolloutID := strings.TrimSuffix(path, "/resume")
		return s.rolloutResume(resp, req, rolloutID)
	case strings.HasSuffix(path, "/cancel"):
		rolloutID := strings.TrimSuffix(path, "/cancel")
		return s.rolloutCancel(resp, req, rolloutID)
	case strings.HasSuffix(path, "/rollback"):
		rolloutID := strings.TrimSuffix(path, "/rollback")
		return s.rolloutRollback(resp, req, rolloutID)
	case strings.HasSuffix(path, "/approve"):
		rolloutID := strings.TrimSuffix(path, "/approve")
		return s.rolloutApprove(resp, req, rolloutID)
	case strings.HasSuffix(path, "/reject"):
		rolloutID := strings.TrimSuffix(path, "/reject")
		return s.rolloutReject(resp, req, rolloutID)
	default:
		return s.rolloutQuery(resp, req, path)
	}
}

func (s *HTTPServer) rolloutQuery(resp http.ResponseWriter, req *http.Request, rolloutID string) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	args := structs.RolloutSpecificRequest{
		RolloutID: rolloutID,
	}
	s.parse(req, &args.QueryOptions)

	var out structs.SingleRolloutResponse
	if err := s.agent.RPC("Rollout.Get", &args, &out); err != nil {
		return nil, err
	}
	setIndex(resp, out.Index)
	return out.Details, nil
}

func (s *HTTPServer) rolloutPause(resp http.ResponseWriter, req *http.Request, rolloutID string) (interface{}, error) {
	if req.Method != http.MethodPut && req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	args := structs.RolloutPauseRequest{
		RolloutID: rolloutID,
	}
	s.parseWriteRequest(req, &args.WriteRequest)

	var out structs.RolloutUpdateResponse
	if err := s.agent.RPC("Rollout.Pause", &args, &out); err != nil {
		return nil, err
	}
	setIndex(resp, out.Index)
	return out.Rollout, nil
}

func (s *HTTPServer) rolloutResume(resp http.ResponseWriter, req *http.Request, rolloutID string) (interface{}, error) {
	if req.Method != http.MethodPut && req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	args := structs.RolloutResumeRequest{
		RolloutID: rolloutID,
	}
	s.parseWriteRequest(req, &args.WriteRequest)

	var out structs.RolloutUpdateResponse
	if err := s.agent.RPC("Rollout.Resume", &args, &out); err != nil {
		return nil, err
	}
	setIndex(resp, out.Index)
	return out.Rollout, nil
}

func (s *HTTPServer) rolloutCancel(resp http.ResponseWriter, req *http.Request, rolloutID string) (interface{}, error) {
	if req.Method != http.MethodPut && req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	args := structs.RolloutCancelRequest{
		RolloutID: rolloutID,
	}
	s.parseWriteRequest(req, &args.WriteRequest)

	var out structs.RolloutUpdateResponse
	if err := s.agent.RPC("Rollout.Cancel", &args, &out); err != nil {
		return nil, err
	}
	setIndex(resp, out.Index)
	return out.Rollout, nil
}

func (s *HTTPServer) rolloutRollback(resp http.ResponseWriter, req *http.Request, rolloutID string) (interface{}, error) {
	if req.Method != http.MethodPut && req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	args := structs.RolloutRollbackRequest{
		RolloutID: rolloutID,
	}
	s.parseWriteRequest(req, &args.WriteRequest)

	var out structs.RolloutUpdateResponse
	if err := s.agent.RPC("Rollout.Rollback", &args, &out); err != nil {
		return nil, err
	}
	setIndex(resp, out.Index)
	return out.Rollout, nil
}

// rolloutDecisionBody is the request body of approve and reject calls.
type rolloutDecisionBody struct {
	Comment string
}

func (s *HTTPServer) rolloutApprove(resp http.ResponseWriter, req *http.Request, rolloutID string) (interface{}, error) {
	if req.Method != http.MethodPut && req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	var body rolloutDecisionBody
	if req.ContentLength != 0 {
		if err := decodeBody(req, &body); err != nil {
			return nil, CodedError(http.StatusBadRequest, err.Error())
		}
	}

	args := structs.RolloutApproveRequest{
		RolloutID: rolloutID,
		Comment:   body.Comment,
	}
	s.parseWriteRequest(req, &args.WriteRequest)

	var out structs.RolloutUpdateResponse
	if err := s.agent.RPC("Rollout.Approve", &args, &out); err != nil {
		return nil, err
	}
	setIndex(resp, out.Index)
	return out.Rollout, nil
}

func (s *HTTPServer) rolloutReject(resp http.ResponseWriter, req *http.Request, rolloutID string) (interface{}, error) {
	if req.Method != http.MethodPut && req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	var body rolloutDecisionBody
	if req.ContentLength != 0 {
		if err := decodeBody(req, &body); err != nil {
			return nil, CodedError(http.StatusBadRequest, err.Error())
		}
	}

	args := structs.RolloutRejectRequest{
		RolloutID: rolloutID,
		Comment:   body.Comment,
	}
	s.parseWriteRequest(req, &args.WriteRequest)

	var out structs.RolloutUpdateResponse
	if err := s.agent.RPC("Rollout.Reject", &args, &out); err != nil {
		return nil, err
	}
	setIndex(resp, out.Index)
	return out.Rollout, nil
}
