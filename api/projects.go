// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package api

// Project is a tenant of the control plane. Nodes, bundles, and rollouts
// all belong to exactly one project.
type Project struct {
	ID                string
	Name              string
	ApprovalsNeeded   int
	DriftAlertPercent float64
	DriftAlertCount   int
	CreateIndex       uint64
	ModifyIndex       uint64
}

// User is an operator identity used for approval accounting.
type User struct {
	ID          string
	Name        string
	Roles       []string
	CreateIndex uint64
	ModifyIndex uint64
}

// HealthCheckEndpoint is a custom HTTP probe a rollout's health gates may
// reference by name.
type HealthCheckEndpoint struct {
	ID             string
	ProjectID      string
	Name           string
	URL            string
	Method         string
	TimeoutMS      int
	ExpectedStatus int
	ExpectedBody   string
	CreateIndex    uint64
	ModifyIndex    uint64
}

// Projects is used to query the project endpoints.
type Projects struct {
	client *Client
}

// Projects returns a handle on the project endpoints.
func (c *Client) Projects() *Projects {
	return &Projects{client: c}
}

// projectUpsertRequest wraps a project for the upsert endpoint.
type projectUpsertRequest struct {
	Project *Project
}

// Upsert creates or updates a project.
func (p *Projects) Upsert(project *Project, w *WriteOptions) (*WriteMeta, error) {
	req := projectUpsertRequest{Project: project}
	return p.client.put("/v1/projects", req, nil, w)
}

// userUpsertRequest wraps a user for the upsert endpoint.
type userUpsertRequest struct {
	User *User
}

// UpsertUser creates or updates a user.
func (p *Projects) UpsertUser(user *User, w *WriteOptions) (*WriteMeta, error) {
	req := userUpsertRequest{User: user}
	return p.client.put("/v1/users", req, nil, w)
}

// healthCheckUpsertRequest wraps a health check endpoint for the upsert
// endpoint.
type healthCheckUpsertRequest struct {
	Check *HealthCheckEndpoint
}

// UpsertHealthCheck creates or updates a custom health check endpoint.
func (p *Projects) UpsertHealthCheck(check *HealthCheckEndpoint, w *WriteOptions) (*WriteMeta, error) {
	req := healthCheckUpsertRequest{Check: check}
	return p.client.put("/v1/health-checks", req, nil, w)
}
