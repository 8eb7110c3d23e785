// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"

	"golang.org/x/exp/slices"
)

const (
	// RoleOperator is required to approve or reject rollouts.
	RoleOperator = "operator"
)

// Project scopes nodes, bundles, and rollouts, and carries the approval and
// drift alerting policy applied to them.
type Project struct {
	ID   string
	Name string

	// ApprovalsNeeded is the approval quorum for new rollouts. Zero
	// disables the approval gate.
	ApprovalsNeeded int

	// DriftAlertPercent triggers a threshold notification when the
	// drifted share of managed nodes exceeds it. Zero disables.
	DriftAlertPercent float64

	// DriftAlertCount triggers a threshold notification when the count
	// of drifted nodes exceeds it. Zero disables.
	DriftAlertCount int

	// DriftAlerted latches threshold notifications so each crossing
	// notifies once. Cleared when the fleet returns below thresholds.
	DriftAlerted bool

	CreateIndex uint64
	ModifyIndex uint64
}

func (p *Project) Copy() *Project {
	if p == nil {
		return nil
	}
	np := new(Project)
	*np = *p
	return np
}

func (p *Project) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("missing project id")
	}
	if p.ApprovalsNeeded < 0 {
		return fmt.Errorf("approvals needed must not be negative")
	}
	if p.DriftAlertPercent < 0 || p.DriftAlertPercent > 100 {
		return fmt.Errorf("drift alert percent must be a percentage")
	}
	return nil
}

// User is an operator account. Authentication happens upstream; the control
// plane consumes the user id carried on requests and checks roles.
type User struct {
	ID    string
	Name  string
	Roles []string

	CreateIndex uint64
	ModifyIndex uint64
}

func (u *User) Copy() *User {
	if u == nil {
		return nil
	}
	nu := new(User)
	*nu = *u
	nu.Roles = slices.Clone(u.Roles)
	return nu
}

// HasRole returns whether the user carries the given role.
func (u *User) HasRole(role string) bool {
	return u != nil && slices.Contains(u.Roles, role)
}

// HealthCheckEndpoint is an HTTP check invoked by the custom health check
// gate during step verification.
type HealthCheckEndpoint struct {
	ID        string
	ProjectID string
	Name      string

	URL    string
	Method string

	// TimeoutMS bounds a single invocation.
	TimeoutMS int

	// ExpectedStatus is the HTTP status the check must return.
	ExpectedStatus int

	// ExpectedBody, when set, must appear in the response body.
	ExpectedBody string

	CreateIndex uint64
	ModifyIndex uint64
}

func (h *HealthCheckEndpoint) Copy() *HealthCheckEndpoint {
	if h == nil {
		return nil
	}
	nh := new(HealthCheckEndpoint)
	*nh = *h
	return nh
}

func (h *HealthCheckEndpoint) Validate() error {
	if h.ID == "" {
		return fmt.Errorf("missing health check id")
	}
	if h.URL == "" {
		return fmt.Errorf("missing health check url")
	}
	if h.TimeoutMS < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if h.ExpectedStatus < 0 {
		return fmt.Errorf("expected status must not be negative")
	}
	return nil
}

// ProjectUpsertRequest creates or updates a project.
type ProjectUpsertRequest struct {
	Project *Project
	WriteRequest
}

// UserUpsertRequest creates or updates a user.
type UserUpsertRequest struct {
	User *User
	WriteRequest
}

// HealthCheckUpsertRequest creates or updates a health check endpoint.
type HealthCheckUpsertRequest struct {
	Check *HealthCheckEndpoint
	WriteRequest
}
