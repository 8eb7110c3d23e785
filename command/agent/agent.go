// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"io"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	metricsprom "github.com/armon/go-metrics/prometheus"
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/sentinel/sentinel"
)

// Agent glues the embedded control plane server to the HTTP API and the
// telemetry sinks. There is exactly one Agent per running process.
type Agent struct {
	config    *Config
	logger    hclog.InterceptLogger
	logOutput io.Writer

	// InmemSink holds the most recent metrics for the /v1/metrics endpoint
	// and the agent SIGUSR1 dump.
	InmemSink *metrics.InmemSink

	server *sentinel.Server

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

// NewAgent is used to create a new agent with the given configuration.
func NewAgent(config *Config, logger hclog.InterceptLogger, logOutput io.Writer) (*Agent, error) {
	a := &Agent{
		config:     config,
		logger:     logger,
		logOutput:  logOutput,
		shutdownCh: make(chan struct{}),
	}

	if err := a.setupTelemetry(config); err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	if err := a.setupServer(); err != nil {
		return nil, err
	}

	return a, nil
}

// serverConfig derives a sentinel server configuration from the agent
// configuration.
func (a *Agent) serverConfig() (*sentinel.Config, error) {
	conf := sentinel.DefaultConfig()
	conf.Logger = a.logger
	conf.DataDir = a.config.DataDir

	if a.config.DevMode {
		// Dev agents keep all state in memory.
		conf.DataDir = ""
	} else if conf.DataDir == "" {
		return nil, fmt.Errorf("must specify data directory")
	}

	srv := a.config.Server
	if srv.TickDelay != 0 {
		conf.TickDelay = srv.TickDelay
	}
	if srv.DriftCheckInterval != 0 {
		conf.DriftCheckInterval = srv.DriftCheckInterval
	}
	if srv.ScheduleCheckInterval != 0 {
		conf.ScheduleCheckInterval = srv.ScheduleCheckInterval
	}
	if srv.DefaultProgressDeadline != 0 {
		conf.DefaultProgressDeadline = srv.DefaultProgressDeadline
	}
	if srv.NodeStaleTTL != 0 {
		conf.NodeStaleTTL = srv.NodeStaleTTL
	}
	if srv.ApprovalsNeededDefault != 0 {
		conf.ApprovalsNeededDefault = srv.ApprovalsNeededDefault
	}
	if srv.EnableEventBroker != nil {
		conf.EnableEventBroker = *srv.EnableEventBroker
	}
	if srv.EventBufferSize != nil {
		conf.EventBufferSize = *srv.EventBufferSize
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setupServer starts the embedded control plane server.
func (a *Agent) setupServer() error {
	conf, err := a.serverConfig()
	if err != nil {
		return fmt.Errorf("server config setup failed: %w", err)
	}

	server, err := sentinel.NewServer(conf)
	if err != nil {
		return fmt.Errorf("server setup failed: %w", err)
	}
	a.server = server
	return nil
}

// setupTelemetry is used to configure the telemetry sinks.
func (a *Agent) setupTelemetry(config *Config) error {
	// Prepare metrics
	telConfig := config.Telemetry
	if telConfig == nil {
		telConfig = &Telemetry{}
	}
	if telConfig.collectionInterval == 0 {
		telConfig.collectionInterval = time.Second
	}

	inm := metrics.NewInmemSink(telConfig.collectionInterval, 2*telConfig.collectionInterval)
	metrics.DefaultInmemSignal(inm)
	a.InmemSink = inm

	metricsConf := metrics.DefaultConfig("sentinel")
	metricsConf.EnableHostname = !telConfig.DisableHostname

	var fanout metrics.FanoutSink
	if telConfig.PrometheusMetrics {
		promSink, err := metricsprom.NewPrometheusSink()
		if err != nil {
			return err
		}
		fanout = append(fanout, promSink)
	}

	if len(fanout) > 0 {
		fanout = append(fanout, inm)
		_, err := metrics.NewGlobal(metricsConf, fanout)
		if err != nil {
			return err
		}
	} else {
		metricsConf.EnableHostname = false
		_, err := metrics.NewGlobal(metricsConf, inm)
		if err != nil {
			return err
		}
	}
	return nil
}

// Server returns the embedded control plane server.
func (a *Agent) Server() *sentinel.Server {
	return a.server
}

// RPC invokes an RPC method on the embedded server.
func (a *Agent) RPC(method string, args interface{}, reply interface{}) error {
	return a.server.RPC(method, args, reply)
}

// Shutdown is used to terminate the agent.
func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()

	if a.shutdown {
		return nil
	}

	a.logger.Info("requesting shutdown")
	if a.server != nil {
		if err := a.server.Shutdown(); err != nil {
			a.logger.Error("server shutdown failed", "error", err)
		}
	}

	a.logger.Info("shutdown complete")
	a.shutdown = true
	close(a.shutdownCh)
	return nil
}
