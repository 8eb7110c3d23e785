// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package sentinel

import (
	"fmt"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/sentinel/sentinel/structs"
)

// Project endpoint manages projects and the policy entities scoped to them.
type Project struct {
	srv    *Server
	logger hclog.Logger
}

// Upsert creates or updates a project.
func (p *Project) Upsert(args *structs.ProjectUpsertRequest, reply *structs.GenericResponse) error {
	defer metrics.MeasureSince([]string{"sentinel", "project", "upsert"}, time.Now())

	if args.Project == nil {
		return fmt.Errorf("missing project")
	}
	if err := args.Project.Validate(); err != nil {
		return err
	}

	index := p.srv.nextIndex()
	if err := p.srv.fsm().UpsertProject(index, args.Project); err != nil {
		return err
	}
	reply.Index = index
	return nil
}

// UpsertUser creates or updates a user record.
func (p *Project) UpsertUser(args *structs.UserUpsertRequest, reply *structs.GenericResponse) error {
	defer metrics.MeasureSince([]string{"sentinel", "project", "upsert_user"}, time.Now())

	if args.User == nil || args.User.ID == "" {
		return fmt.Errorf("missing user id")
	}

	index := p.srv.nextIndex()
	if err := p.srv.fsm().UpsertUser(index, args.User); err != nil {
		return err
	}
	reply.Index = index
	return nil
}

// UpsertHealthCheck creates or updates a health check endpoint.
func (p *Project) UpsertHealthCheck(args *structs.HealthCheckUpsertRequest, reply *structs.GenericResponse) error {
	defer metrics.MeasureSince([]string{"sentinel", "project", "upsert_health_check"}, time.Now())

	if args.Check == nil {
		return fmt.Errorf("missing health check")
	}

	check := args.Check.Copy()
	if check.ProjectID == "" {
		check.ProjectID = args.Project
	}
	if check.ProjectID == "" {
		check.ProjectID = structs.DefaultProject
	}
	if err := check.Validate(); err != nil {
		return err
	}

	index := p.srv.nextIndex()
	if err := p.srv.fsm().UpsertHealthCheck(index, check); err != nil {
		return err
	}
	reply.Index = index
	return nil
}
