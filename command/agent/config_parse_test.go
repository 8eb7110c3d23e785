// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"os"
	"testing"
	"time"

	"github.com/hashicorp/sentinel/ci"
	"github.com/shoenig/test/must"
)

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func TestConfig_ParseConfigFile(t *testing.T) {
	ci.Parallel(t)

	c, err := ParseConfigFile("testdata/basic.hcl")
	must.NoError(t, err)

	must.Eq(t, "WARN", c.LogLevel)
	must.True(t, c.LogJson)
	must.Eq(t, "10.0.0.5", c.BindAddr)
	must.Eq(t, "/opt/sentinel/data", c.DataDir)
	must.Eq(t, 4848, c.Ports.HTTP)

	must.Eq(t, 250*time.Millisecond, c.Server.TickDelay)
	must.Eq(t, 30*time.Second, c.Server.DriftCheckInterval)
	must.Eq(t, 5*time.Second, c.Server.ScheduleCheckInterval)
	must.Eq(t, 15*time.Minute, c.Server.DefaultProgressDeadline)
	must.Eq(t, 90*time.Second, c.Server.NodeStaleTTL)
	must.Eq(t, 2, c.Server.ApprovalsNeededDefault)
	must.NotNil(t, c.Server.EnableEventBroker)
	must.True(t, *c.Server.EnableEventBroker)
	must.NotNil(t, c.Server.EventBufferSize)
	must.Eq(t, 200, *c.Server.EventBufferSize)

	must.Eq(t, "5s", c.Telemetry.CollectionInterval)
	must.Eq(t, 5*time.Second, c.Telemetry.collectionInterval)
	must.True(t, c.Telemetry.DisableHostname)
	must.True(t, c.Telemetry.PrometheusMetrics)

	must.Eq(t, "DENY", c.HTTPAPIResponseHeaders["X-Frame-Options"])
}

func TestConfig_ParseConfigFile_BadDuration(t *testing.T) {
	ci.Parallel(t)

	dir := t.TempDir()
	path := dir + "/bad.hcl"
	must.NoError(t, writeFile(path, `
server {
  tick_delay = "not-a-duration"
}
`))

	_, err := ParseConfigFile(path)
	must.Error(t, err)
	must.StrContains(t, err.Error(), "tick_delay")
}

func TestConfig_Merge(t *testing.T) {
	ci.Parallel(t)

	a := DefaultConfig()
	b := &Config{
		LogLevel: "TRACE",
		DataDir:  "/tmp/sentinel",
		Ports:    &Ports{HTTP: 9999},
		Server: &ServerConfig{
			TickDelay:              time.Second,
			ApprovalsNeededDefault: 3,
		},
		Telemetry: &Telemetry{PrometheusMetrics: true},
	}

	result := a.Merge(b)
	must.Eq(t, "TRACE", result.LogLevel)
	must.Eq(t, "/tmp/sentinel", result.DataDir)
	must.Eq(t, 9999, result.Ports.HTTP)
	must.Eq(t, time.Second, result.Server.TickDelay)
	must.Eq(t, 3, result.Server.ApprovalsNeededDefault)
	must.True(t, result.Telemetry.PrometheusMetrics)

	// defaults survive when b leaves them unset
	must.Eq(t, "1s", result.Telemetry.CollectionInterval)
	must.Eq(t, "0.0.0.0", result.BindAddr)
}

func TestConfig_LoadConfigDir(t *testing.T) {
	ci.Parallel(t)

	dir := t.TempDir()
	must.NoError(t, writeFile(dir+"/a.hcl", `log_level = "ERROR"`))
	must.NoError(t, writeFile(dir+"/b.hcl", `
log_level = "WARN"
ports {
  http = 4949
}
`))
	// non-config files are skipped
	must.NoError(t, writeFile(dir+"/README.md", `ignored`))

	c, err := LoadConfig(dir)
	must.NoError(t, err)

	// later files win
	must.Eq(t, "WARN", c.LogLevel)
	must.Eq(t, 4949, c.Ports.HTTP)
}

func TestConfig_NormalizeAddrs(t *testing.T) {
	ci.Parallel(t)

	c := DefaultConfig()
	c.BindAddr = "127.0.0.1"
	c.Ports.HTTP = 4747
	must.NoError(t, c.normalizeAddrs())
	must.Eq(t, "127.0.0.1:4747", c.normalizedAddr)

	c.BindAddr = "not-an-ip"
	must.Error(t, c.normalizeAddrs())

	c.BindAddr = "127.0.0.1"
	c.Ports.HTTP = 0
	must.Error(t, c.normalizeAddrs())
}
