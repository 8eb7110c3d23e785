// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"strings"

	"github.com/hashicorp/sentinel/sentinel/structs"
)

func (s *HTTPServer) BundlesRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	switch req.Method {
	case http.MethodGet:
		return s.bundleList(resp, req)
	case http.MethodPut, http.MethodPost:
		return s.bundleUpsert(resp, req)
	default:
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
}

func (s *HTTPServer) bundleList(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	args := structs.BundleListRequest{}
	s.parse(req, &args.QueryOptions)

	var out structs.BundleListResponse
	if err := s.agent.RPC("Bundle.List", &args, &out); err != nil {
		return nil, err
	}
	setIndex(resp, out.Index)
	return out.Bundles, nil
}

func (s *HTTPServer) bundleUpsert(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	var args structs.BundleUpsertRequest
	if err := decodeBody(req, &args); err != nil {
		return nil, CodedError(http.StatusBadRequest, err.Error())
	}
	s.parseWriteRequest(req, &args.WriteRequest)

	var out structs.BundleUpsertResponse
	if err := s.agent.RPC("Bundle.Upsert", &args, &out); err != nil {
		return nil, err
	}
	setIndex(resp, out.Index)
	return out.Bundle, nil
}

func (s *HTTPServer) BundleSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	args := structs.BundleSpecificRequest{
		BundleID: strings.TrimPrefix(req.URL.Path, "/v1/bundle/"),
	}
	s.parse(req, &args.QueryOptions)

	var out structs.SingleBundleResponse
	if err := s.agent.RPC("Bundle.Get", &args, &out); err != nil {
		return nil, err
	}
	setIndex(resp, out.Index)
	return out.Bundle, nil
}
