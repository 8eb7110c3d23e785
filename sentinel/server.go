// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package sentinel

import (
	"fmt"
	"net/rpc"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/sentinel/helper/boltdd"
	"github.com/hashicorp/sentinel/helper/codec"
	"github.com/hashicorp/sentinel/sentinel/state"
	"github.com/hashicorp/sentinel/sentinel/structs"
)

const (
	// durableDBFile is the bolt database within the data directory.
	durableDBFile = "sentinel.db"
)

// Server is the control plane process: the state store and its durable
// backing, the job broker and its workers, the background drivers, and the
// RPC endpoints serving the HTTP agent.
type Server struct {
	config *Config
	logger hclog.InterceptLogger

	state   *state.StateStore
	durable *boltdd.DB

	jobBroker *JobBroker
	ticker    *rolloutTicker
	scanner   *driftScanner
	gate      *scheduleGate
	sweeper   *nodeSweeper
	notifier  Notifier

	rpcServer *rpc.Server

	// stateIndex allocates write indexes for the single-writer store.
	// Seeded from the durable state on boot.
	stateIndex uint64

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

// NewServer validates the configuration, restores durable state, and starts
// the background machinery.
func NewServer(config *Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = hclog.NewInterceptLogger(&hclog.LoggerOptions{
			Name:  "sentinel",
			Level: hclog.Info,
		})
	}

	s := &Server{
		config:     config,
		logger:     config.Logger,
		rpcServer:  rpc.NewServer(),
		shutdownCh: make(chan struct{}),
	}

	s.notifier = config.Notifier
	if s.notifier == nil {
		s.notifier = &logNotifier{logger: s.logger.Named("notify")}
	}

	if config.DataDir != "" {
		if err := os.MkdirAll(config.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %v", err)
		}
		db, err := boltdd.Open(filepath.Join(config.DataDir, durableDBFile), 0o600, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open state database: %v", err)
		}
		s.durable = db
	}

	store, err := state.NewStateStore(&state.StateStoreConfig{
		Logger:          s.logger,
		EnablePublisher: config.EnableEventBroker,
		EventBufferSize: config.EventBufferSize,
		DurableDB:       s.durable,
	})
	if err != nil {
		return nil, err
	}
	s.state = store

	if s.durable != nil {
		if err := store.RestoreFromDurable(s.durable); err != nil {
			return nil, err
		}
	}

	latest, err := store.LatestIndex()
	if err != nil {
		return nil, err
	}
	atomic.StoreUint64(&s.stateIndex, latest)

	s.jobBroker = NewJobBroker(s)
	s.ticker = newRolloutTicker(s)
	s.scanner = newDriftScanner(s)
	s.gate = newScheduleGate(s)
	s.sweeper = newNodeSweeper(s)

	s.jobBroker.RegisterHandler(structs.JobKindRolloutTick, s.ticker.handleTick)
	s.jobBroker.RegisterHandler(structs.JobKindDriftScan, s.scanner.handleScan)
	s.jobBroker.RegisterHandler(structs.JobKindScheduleScan, s.gate.handleScan)
	s.jobBroker.RegisterHandler(structs.JobKindNodeSweep, s.sweeper.handleSweep)

	s.setupRPC()

	if err := s.jobBroker.Start(); err != nil {
		return nil, err
	}

	// Seed the periodic jobs. Their uniqueness windows absorb the
	// enqueue when a restored job already covers the period.
	if err := s.seedPeriodicJobs(); err != nil {
		return nil, err
	}

	s.logger.Info("sentinel server started", "data_dir", config.DataDir,
		"inline_jobs", config.InlineJobs)
	return s, nil
}

func (s *Server) setupRPC() {
	s.rpcServer.Register(&Status{srv: s})
	s.rpcServer.Register(&Rollout{srv: s, logger: s.logger.Named("rollout_endpoint")})
	s.rpcServer.Register(&Drift{srv: s, logger: s.logger.Named("drift_endpoint")})
	s.rpcServer.Register(&Node{srv: s, logger: s.logger.Named("node_endpoint")})
	s.rpcServer.Register(&Bundle{srv: s, logger: s.logger.Named("bundle_endpoint")})
	s.rpcServer.Register(&Project{srv: s, logger: s.logger.Named("project_endpoint")})
}

func (s *Server) seedPeriodicJobs() error {
	jobs := []*EnqueueRequest{
		{
			Queue:            structs.JobQueueMaintenance,
			Kind:             structs.JobKindDriftScan,
			ScheduleIn:       s.config.DriftCheckInterval,
			UniquenessWindow: s.config.DriftCheckInterval,
			MaxAttempts:      1,
		},
		{
			Queue:            structs.JobQueueMaintenance,
			Kind:             structs.JobKindScheduleScan,
			ScheduleIn:       s.config.ScheduleCheckInterval,
			UniquenessWindow: s.config.ScheduleCheckInterval,
			MaxAttempts:      1,
		},
	}
	if s.config.NodeStaleTTL > 0 {
		jobs = append(jobs, &EnqueueRequest{
			Queue:            structs.JobQueueMaintenance,
			Kind:             structs.JobKindNodeSweep,
			ScheduleIn:       s.config.NodeStaleTTL,
			UniquenessWindow: s.config.NodeStaleTTL,
			MaxAttempts:      1,
		})
	}
	for _, req := range jobs {
		if _, err := s.jobBroker.Enqueue(req); err != nil {
			return err
		}
	}
	return nil
}

// RPC dispatches a request to a local endpoint without going over a network.
func (s *Server) RPC(method string, args interface{}, reply interface{}) error {
	c := &codec.InmemCodec{
		Method: method,
		Args:   args,
		Reply:  reply,
	}
	if err := s.rpcServer.ServeRequest(c); err != nil {
		return err
	}
	return c.Err
}

// State returns the state store of the server.
func (s *Server) State() *state.StateStore {
	return s.state
}

// JobBroker returns the job broker of the server.
func (s *Server) JobBroker() *JobBroker {
	return s.jobBroker
}

// GetConfig returns the server configuration.
func (s *Server) GetConfig() *Config {
	return s.config
}

// fsm is shorthand for the state store in the write paths.
func (s *Server) fsm() *state.StateStore {
	return s.state
}

// nextIndex allocates the next state store write index.
func (s *Server) nextIndex() uint64 {
	return atomic.AddUint64(&s.stateIndex, 1)
}

// Shutdown stops the background machinery and closes the durable store.
func (s *Server) Shutdown() error {
	s.shutdownLock.Lock()
	defer s.shutdownLock.Unlock()
	if s.shutdown {
		return nil
	}
	s.shutdown = true
	close(s.shutdownCh)

	s.jobBroker.Shutdown()
	s.state.StopEventBroker()

	if s.durable != nil {
		if err := s.durable.Close(); err != nil {
			return err
		}
	}
	s.logger.Info("sentinel server shut down")
	return nil
}
