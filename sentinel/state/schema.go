// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-memdb"
)

const (
	tableIndex = "index"

	TableRollouts         = "rollouts"
	TableRolloutSteps     = "rollout_steps"
	TableNodeBundleStatus = "node_bundle_statuses"
	TableRolloutApprovals = "rollout_approvals"
	TableNodes            = "nodes"
	TableNodeGroups       = "node_groups"
	TableHeartbeats       = "heartbeats"
	TableBundles          = "bundles"
	TableProjects         = "projects"
	TableUsers            = "users"
	TableHealthChecks     = "health_checks"
	TableDriftEvents      = "drift_events"
	TableJobs             = "jobs"
)

const (
	indexID         = "id"
	indexProject    = "project"
	indexState      = "state"
	indexRollout    = "rollout"
	indexNode       = "node"
	indexUniqueness = "uniqueness"
)

var (
	schemaFactories SchemaFactories
	factoriesLock   sync.Mutex
)

// SchemaFactory is the factory method for returning a TableSchema
type SchemaFactory func() *memdb.TableSchema
type SchemaFactories []SchemaFactory

// RegisterSchemaFactories is used to register a table schema.
func RegisterSchemaFactories(factories ...SchemaFactory) {
	factoriesLock.Lock()
	defer factoriesLock.Unlock()
	schemaFactories = append(schemaFactories, factories...)
}

func GetFactories() SchemaFactories {
	factoriesLock.Lock()
	defer factoriesLock.Unlock()
	return schemaFactories
}

func init() {
	// Register all schemas
	RegisterSchemaFactories([]SchemaFactory{
		indexTableSchema,
		rolloutTableSchema,
		rolloutStepTableSchema,
		nodeBundleStatusTableSchema,
		rolloutApprovalTableSchema,
		nodeTableSchema,
		nodeGroupTableSchema,
		heartbeatTableSchema,
		bundleTableSchema,
		projectTableSchema,
		userTableSchema,
		healthCheckTableSchema,
		driftEventTableSchema,
		jobTableSchema,
	}...)
}

// stateStoreSchema is used to return the schema for the state store
func stateStoreSchema() *memdb.DBSchema {
	// Create the root DB schema
	db := &memdb.DBSchema{
		Tables: make(map[string]*memdb.TableSchema),
	}

	// Add each of the tables
	for _, schemaFn := range GetFactories() {
		schema := schemaFn()
		if _, ok := db.Tables[schema.Name]; ok {
			panic(fmt.Sprintf("duplicate table name: %s", schema.Name))
		}
		db.Tables[schema.Name] = schema
	}
	return db
}

// indexTableSchema is used for tracking the most recent index used for each
// table.
func indexTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tableIndex,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field:     "Key",
					Lowercase: true,
				},
			},
		},
	}
}

func rolloutTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableRollouts,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer:      &memdb.StringFieldIndex{Field: "ID"},
			},
			indexProject: {
				Name:         indexProject,
				AllowMissing: false,
				Unique:       false,
				Indexer:      &memdb.StringFieldIndex{Field: "ProjectID"},
			},
			indexState: {
				Name:         indexState,
				AllowMissing: false,
				Unique:       false,
				Indexer:      &memdb.StringFieldIndex{Field: "State"},
			},
		},
	}
}

// rolloutStepTableSchema keys steps by rollout id and step index. Step order
// within a rollout is the integer index, restored by sorting on read.
func rolloutStepTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableRolloutSteps,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "RolloutID"},
						&memdb.IntFieldIndex{Field: "StepIndex"},
					},
				},
			},
			indexRollout: {
				Name:         indexRollout,
				AllowMissing: false,
				Unique:       false,
				Indexer:      &memdb.StringFieldIndex{Field: "RolloutID"},
			},
		},
	}
}

func nodeBundleStatusTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableNodeBundleStatus,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "RolloutID"},
						&memdb.StringFieldIndex{Field: "NodeID"},
					},
				},
			},
			indexRollout: {
				Name:         indexRollout,
				AllowMissing: false,
				Unique:       false,
				Indexer:      &memdb.StringFieldIndex{Field: "RolloutID"},
			},
			indexNode: {
				Name:         indexNode,
				AllowMissing: false,
				Unique:       false,
				Indexer:      &memdb.StringFieldIndex{Field: "NodeID"},
			},
		},
	}
}

func rolloutApprovalTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableRolloutApprovals,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "RolloutID"},
						&memdb.StringFieldIndex{Field: "UserID"},
					},
				},
			},
			indexRollout: {
				Name:         indexRollout,
				AllowMissing: false,
				Unique:       false,
				Indexer:      &memdb.StringFieldIndex{Field: "RolloutID"},
			},
		},
	}
}

func nodeTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableNodes,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer:      &memdb.StringFieldIndex{Field: "ID"},
			},
			indexProject: {
				Name:         indexProject,
				AllowMissing: false,
				Unique:       false,
				Indexer:      &memdb.StringFieldIndex{Field: "ProjectID"},
			},
		},
	}
}

func nodeGroupTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableNodeGroups,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer:      &memdb.StringFieldIndex{Field: "ID"},
			},
			indexProject: {
				Name:         indexProject,
				AllowMissing: false,
				Unique:       false,
				Indexer:      &memdb.StringFieldIndex{Field: "ProjectID"},
			},
		},
	}
}

// heartbeatTableSchema keys the latest heartbeat by node id; exactly one row
// per node is retained.
func heartbeatTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableHeartbeats,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer:      &memdb.StringFieldIndex{Field: "NodeID"},
			},
		},
	}
}

func bundleTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableBundles,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer:      &memdb.StringFieldIndex{Field: "ID"},
			},
			indexProject: {
				Name:         indexProject,
				AllowMissing: false,
				Unique:       false,
				Indexer:      &memdb.StringFieldIndex{Field: "ProjectID"},
			},
		},
	}
}

func projectTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableProjects,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer:      &memdb.StringFieldIndex{Field: "ID"},
			},
		},
	}
}

func userTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableUsers,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer:      &memdb.StringFieldIndex{Field: "ID"},
			},
		},
	}
}

func healthCheckTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableHealthChecks,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer:      &memdb.StringFieldIndex{Field: "ID"},
			},
			indexProject: {
				Name:         indexProject,
				AllowMissing: false,
				Unique:       false,
				Indexer:      &memdb.StringFieldIndex{Field: "ProjectID"},
			},
		},
	}
}

func driftEventTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableDriftEvents,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer:      &memdb.StringFieldIndex{Field: "ID"},
			},
			indexProject: {
				Name:         indexProject,
				AllowMissing: false,
				Unique:       false,
				Indexer:      &memdb.StringFieldIndex{Field: "ProjectID"},
			},
			indexNode: {
				Name:         indexNode,
				AllowMissing: false,
				Unique:       false,
				Indexer:      &memdb.StringFieldIndex{Field: "NodeID"},
			},
		},
	}
}

func jobTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableJobs,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer:      &memdb.StringFieldIndex{Field: "ID"},
			},
			indexState: {
				Name:         indexState,
				AllowMissing: false,
				Unique:       false,
				Indexer:      &memdb.StringFieldIndex{Field: "State"},
			},
			indexUniqueness: {
				Name:         indexUniqueness,
				AllowMissing: true,
				Unique:       false,
				Indexer:      &memdb.UintFieldIndex{Field: "UniquenessKey"},
			},
		},
	}
}
