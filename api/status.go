// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package api

// Status is used to query the status endpoints.
type Status struct {
	client *Client
}

// Status returns a handle on the status endpoints.
func (c *Client) Status() *Status {
	return &Status{client: c}
}

type pingResponse struct {
	Status string
}

type versionResponse struct {
	Version string
}

// Ping checks connectivity to the server.
func (s *Status) Ping(q *QueryOptions) (string, error) {
	var resp pingResponse
	_, err := s.client.query("/v1/status/ping", &resp, q)
	if err != nil {
		return "", err
	}
	return resp.Status, nil
}

// Version returns the version of the server.
func (s *Status) Version(q *QueryOptions) (string, error) {
	var resp versionResponse
	_, err := s.client.query("/v1/status/version", &resp, q)
	if err != nil {
		return "", err
	}
	return resp.Version, nil
}
