// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/sentinel/version"
)

// Config is the configuration for the Sentinel agent.
type Config struct {
	// LogLevel is the level of the logs to put out
	LogLevel string `hcl:"log_level"`

	// LogJson enables log output in a JSON format
	LogJson bool `hcl:"log_json"`

	// BindAddr is the address on which the HTTP API listens
	BindAddr string `hcl:"bind_addr"`

	// EnableDebug is used to enable debugging HTTP endpoints
	EnableDebug bool `hcl:"enable_debug"`

	// Ports is used to control the network ports we bind to.
	Ports *Ports `hcl:"ports"`

	// DataDir is the directory holding the durable state database.
	DataDir string `hcl:"data_dir"`

	// Server configures the embedded control plane server.
	Server *ServerConfig `hcl:"server"`

	// Telemetry is used to configure metrics collection
	Telemetry *Telemetry `hcl:"telemetry"`

	// HTTPAPIResponseHeaders allows users to configure the Sentinel http
	// agent to set arbitrary headers on API responses
	HTTPAPIResponseHeaders map[string]string `hcl:"http_api_response_headers"`

	// DevMode is set by the -dev CLI flag.
	DevMode bool `hcl:"-"`

	// Version information is set at compilation time
	Version *version.VersionInfo

	// normalizedAddr is set by normalizeAddrs and holds the resolved
	// host:port the HTTP server binds to.
	normalizedAddr string
}

// Ports encapsulates the various ports we bind to for network services.
type Ports struct {
	HTTP int `hcl:"http"`
}

// Merge is used to merge two port configurations.
func (p *Ports) Merge(b *Ports) *Ports {
	result := *p

	if b.HTTP != 0 {
		result.HTTP = b.HTTP
	}
	return &result
}

// ServerConfig is configuration specific to the control plane server.
type ServerConfig struct {
	// TickDelay is the delay between consecutive ticks of one rollout.
	TickDelay    time.Duration
	TickDelayHCL string `hcl:"tick_delay" json:"-"`

	// DriftCheckInterval is the period of the drift scanner.
	DriftCheckInterval    time.Duration
	DriftCheckIntervalHCL string `hcl:"drift_check_interval" json:"-"`

	// ScheduleCheckInterval is the period of the schedule gate.
	ScheduleCheckInterval    time.Duration
	ScheduleCheckIntervalHCL string `hcl:"schedule_check_interval" json:"-"`

	// DefaultProgressDeadline applies to rollout steps that do not set
	// their own deadline.
	DefaultProgressDeadline    time.Duration
	DefaultProgressDeadlineHCL string `hcl:"default_progress_deadline" json:"-"`

	// NodeStaleTTL flags online nodes as unknown when their last
	// heartbeat is older than it.
	NodeStaleTTL    time.Duration
	NodeStaleTTLHCL string `hcl:"node_stale_ttl" json:"-"`

	// ApprovalsNeededDefault applies to projects that do not configure an
	// approval quorum.
	ApprovalsNeededDefault int `hcl:"approvals_needed_default"`

	// EnableEventBroker publishes state changes to the event stream.
	EnableEventBroker *bool `hcl:"enable_event_broker"`

	// EventBufferSize is the number of events to keep for late
	// subscribers.
	EventBufferSize *int64 `hcl:"event_buffer_size"`
}

// Merge is used to merge two server configs together.
func (s *ServerConfig) Merge(b *ServerConfig) *ServerConfig {
	result := *s

	if b.TickDelay != 0 {
		result.TickDelay = b.TickDelay
		result.TickDelayHCL = b.TickDelayHCL
	}
	if b.DriftCheckInterval != 0 {
		result.DriftCheckInterval = b.DriftCheckInterval
		result.DriftCheckIntervalHCL = b.DriftCheckIntervalHCL
	}
	if b.ScheduleCheckInterval != 0 {
		result.ScheduleCheckInterval = b.ScheduleCheckInterval
		result.ScheduleCheckIntervalHCL = b.ScheduleCheckIntervalHCL
	}
	if b.DefaultProgressDeadline != 0 {
		result.DefaultProgressDeadline = b.DefaultProgressDeadline
		result.DefaultProgressDeadlineHCL = b.DefaultProgressDeadlineHCL
	}
	if b.NodeStaleTTL != 0 {
		result.NodeStaleTTL = b.NodeStaleTTL
		result.NodeStaleTTLHCL = b.NodeStaleTTLHCL
	}
	if b.ApprovalsNeededDefault != 0 {
		result.ApprovalsNeededDefault = b.ApprovalsNeededDefault
	}
	if b.EnableEventBroker != nil {
		result.EnableEventBroker = b.EnableEventBroker
	}
	if b.EventBufferSize != nil {
		result.EventBufferSize = b.EventBufferSize
	}
	return &result
}

// Telemetry is the telemetry configuration for the server
type Telemetry struct {
	DisableHostname    bool   `hcl:"disable_hostname"`
	CollectionInterval string `hcl:"collection_interval"`
	collectionInterval time.Duration
	PrometheusMetrics  bool `hcl:"prometheus_metrics"`
	PublishNodeMetrics bool `hcl:"publish_node_metrics"`
}

// Merge is used to merge two telemetry configs together.
func (t *Telemetry) Merge(b *Telemetry) *Telemetry {
	result := *t

	if b.DisableHostname {
		result.DisableHostname = true
	}
	if b.CollectionInterval != "" {
		result.CollectionInterval = b.CollectionInterval
	}
	if b.collectionInterval != 0 {
		result.collectionInterval = b.collectionInterval
	}
	if b.PrometheusMetrics {
		result.PrometheusMetrics = b.PrometheusMetrics
	}
	if b.PublishNodeMetrics {
		result.PublishNodeMetrics = true
	}
	return &result
}

// DevConfig is a Config that is used for dev mode of Sentinel. State is kept
// in memory and the sweep of stale nodes is relaxed so local nodes survive a
// debugger pause.
func DevConfig() *Config {
	conf := DefaultConfig()
	conf.BindAddr = "127.0.0.1"
	conf.LogLevel = "DEBUG"
	conf.DevMode = true
	conf.EnableDebug = true
	conf.DataDir = ""
	conf.Server.NodeStaleTTL = 5 * time.Minute
	return conf
}

// DefaultConfig is the baseline configuration for Sentinel.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "INFO",
		BindAddr: "0.0.0.0",
		Ports: &Ports{
			HTTP: 4747,
		},
		Server: &ServerConfig{},
		Telemetry: &Telemetry{
			CollectionInterval: "1s",
			collectionInterval: 1 * time.Second,
		},
		Version: version.GetVersion(),
	}
}

// Merge merges two configurations, with values from b taking precedence.
func (c *Config) Merge(b *Config) *Config {
	result := *c

	if b.LogLevel != "" {
		result.LogLevel = b.LogLevel
	}
	if b.LogJson {
		result.LogJson = true
	}
	if b.BindAddr != "" {
		result.BindAddr = b.BindAddr
	}
	if b.EnableDebug {
		result.EnableDebug = true
	}
	if b.DataDir != "" {
		result.DataDir = b.DataDir
	}
	if b.DevMode {
		result.DevMode = true
	}

	// Apply the ports config
	if result.Ports == nil && b.Ports != nil {
		ports := *b.Ports
		result.Ports = &ports
	} else if b.Ports != nil {
		result.Ports = result.Ports.Merge(b.Ports)
	}

	// Apply the server config
	if result.Server == nil && b.Server != nil {
		server := *b.Server
		result.Server = &server
	} else if b.Server != nil {
		result.Server = result.Server.Merge(b.Server)
	}

	// Apply the telemetry config
	if result.Telemetry == nil && b.Telemetry != nil {
		telemetry := *b.Telemetry
		result.Telemetry = &telemetry
	} else if b.Telemetry != nil {
		result.Telemetry = result.Telemetry.Merge(b.Telemetry)
	}

	// Merge the response headers
	if b.HTTPAPIResponseHeaders != nil {
		if result.HTTPAPIResponseHeaders == nil {
			result.HTTPAPIResponseHeaders = make(map[string]string, len(b.HTTPAPIResponseHeaders))
		}
		for k, v := range b.HTTPAPIResponseHeaders {
			result.HTTPAPIResponseHeaders[k] = v
		}
	}

	return &result
}

// normalizeAddrs resolves the bind address and HTTP port into the host:port
// the HTTP server listens on.
func (c *Config) normalizeAddrs() error {
	if c.BindAddr == "" {
		return fmt.Errorf("bind address must be set")
	}
	if c.Ports == nil || c.Ports.HTTP <= 0 {
		return fmt.Errorf("http port must be positive")
	}
	if ip := net.ParseIP(c.BindAddr); ip == nil {
		return fmt.Errorf("unable to parse bind address %q", c.BindAddr)
	}
	c.normalizedAddr = net.JoinHostPort(c.BindAddr, fmt.Sprintf("%d", c.Ports.HTTP))
	return nil
}
