// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"

	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/sentinel/sentinel/structs"
)

// UpsertProject creates or replaces a project.
func (s *StateStore) UpsertProject(index uint64, project *structs.Project) error {
	txn := s.db.WriteTxnMsgT(structs.ProjectUpsertRequestType, index)
	defer txn.Abort()

	project = project.Copy()
	raw, err := txn.First(TableProjects, indexID, project.ID)
	if err != nil {
		return fmt.Errorf("project lookup failed: %v", err)
	}
	if raw != nil {
		project.CreateIndex = raw.(*structs.Project).CreateIndex
	} else {
		project.CreateIndex = index
	}
	project.ModifyIndex = index

	if err := txn.Insert(TableProjects, project); err != nil {
		return fmt.Errorf("project insert failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableProjects, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// ProjectByID returns the project with the given id.
func (s *StateStore) ProjectByID(ws memdb.WatchSet, id string) (*structs.Project, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	watchCh, existing, err := txn.FirstWatch(TableProjects, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("project lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.Project), nil
	}
	return nil, nil
}

// Projects returns an iterator over all projects.
func (s *StateStore) Projects(ws memdb.WatchSet) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	iter, err := txn.Get(TableProjects, indexID)
	if err != nil {
		return nil, err
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}

// SetProjectDriftAlerted latches or clears the project's drift threshold
// notification edge.
func (s *StateStore) SetProjectDriftAlerted(index uint64, projectID string, alerted bool) error {
	txn := s.db.WriteTxnMsgT(structs.ProjectUpsertRequestType, index)
	defer txn.Abort()

	raw, err := txn.First(TableProjects, indexID, projectID)
	if err != nil {
		return fmt.Errorf("project lookup failed: %v", err)
	}
	if raw == nil {
		return fmt.Errorf("%w %q", structs.ErrUnknownProject, projectID)
	}

	project := raw.(*structs.Project)
	if project.DriftAlerted == alerted {
		return txn.Commit()
	}

	updated := project.Copy()
	updated.DriftAlerted = alerted
	updated.ModifyIndex = index
	if err := txn.Insert(TableProjects, updated); err != nil {
		return fmt.Errorf("project update failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableProjects, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// UpsertUser creates or replaces a user.
func (s *StateStore) UpsertUser(index uint64, user *structs.User) error {
	txn := s.db.WriteTxnMsgT(structs.UserUpsertRequestType, index)
	defer txn.Abort()

	user = user.Copy()
	raw, err := txn.First(TableUsers, indexID, user.ID)
	if err != nil {
		return fmt.Errorf("user lookup failed: %v", err)
	}
	if raw != nil {
		user.CreateIndex = raw.(*structs.User).CreateIndex
	} else {
		user.CreateIndex = index
	}
	user.ModifyIndex = index

	if err := txn.Insert(TableUsers, user); err != nil {
		return fmt.Errorf("user insert failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableUsers, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// UserByID returns the user with the given id.
func (s *StateStore) UserByID(ws memdb.WatchSet, id string) (*structs.User, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	watchCh, existing, err := txn.FirstWatch(TableUsers, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("user lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.User), nil
	}
	return nil, nil
}

// UpsertHealthCheck creates or replaces a health check endpoint.
func (s *StateStore) UpsertHealthCheck(index uint64, check *structs.HealthCheckEndpoint) error {
	txn := s.db.WriteTxnMsgT(structs.HealthCheckUpsertRequestType, index)
	defer txn.Abort()

	check = check.Copy()
	raw, err := txn.First(TableHealthChecks, indexID, check.ID)
	if err != nil {
		return fmt.Errorf("health check lookup failed: %v", err)
	}
	if raw != nil {
		check.CreateIndex = raw.(*structs.HealthCheckEndpoint).CreateIndex
	} else {
		check.CreateIndex = index
	}
	check.ModifyIndex = index

	if err := txn.Insert(TableHealthChecks, check); err != nil {
		return fmt.Errorf("health check insert failed: %v", err)
	}
	if err := txn.Insert(tableIndex, &IndexEntry{TableHealthChecks, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}

	return txn.Commit()
}

// HealthCheckByID returns the health check endpoint with the given id.
func (s *StateStore) HealthCheckByID(ws memdb.WatchSet, id string) (*structs.HealthCheckEndpoint, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	watchCh, existing, err := txn.FirstWatch(TableHealthChecks, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("health check lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.HealthCheckEndpoint), nil
	}
	return nil, nil
}
