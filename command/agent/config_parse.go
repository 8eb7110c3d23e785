// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/hcl"
)

// ParseConfigFile returns an agent.Config parsed from a file.
func ParseConfigFile(path string) (*Config, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	c := &Config{
		Ports:     &Ports{},
		Server:    &ServerConfig{},
		Telemetry: &Telemetry{},
	}

	if err := hcl.Decode(c, string(buf)); err != nil {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", path, err)
	}

	// convert strings to time.Durations
	tds := []durationConversionMap{
		{"server.tick_delay", &c.Server.TickDelay, &c.Server.TickDelayHCL},
		{"server.drift_check_interval", &c.Server.DriftCheckInterval, &c.Server.DriftCheckIntervalHCL},
		{"server.schedule_check_interval", &c.Server.ScheduleCheckInterval, &c.Server.ScheduleCheckIntervalHCL},
		{"server.default_progress_deadline", &c.Server.DefaultProgressDeadline, &c.Server.DefaultProgressDeadlineHCL},
		{"server.node_stale_ttl", &c.Server.NodeStaleTTL, &c.Server.NodeStaleTTLHCL},
		{"telemetry.collection_interval", &c.Telemetry.collectionInterval, &c.Telemetry.CollectionInterval},
	}
	if err := convertDurations(tds); err != nil {
		return nil, err
	}

	return c, nil
}

// durationConversionMap holds args for one duration conversion
type durationConversionMap struct {
	targetFieldPath string
	targetField     *time.Duration
	sourceField     *string
}

// convertDurations parses the duration strings specified in the config files
// into time.Durations
func convertDurations(xs []durationConversionMap) error {
	for _, x := range xs {
		if x.sourceField == nil || *x.sourceField == "" {
			continue
		}
		d, err := time.ParseDuration(*x.sourceField)
		if err != nil {
			return fmt.Errorf("%s can't parse time duration %s", x.targetFieldPath, *x.sourceField)
		}
		*x.targetField = d
	}
	return nil
}

// LoadConfig loads the configuration at the given path, regardless of its
// format (file or directory of files).
func LoadConfig(path string) (*Config, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if fi.IsDir() {
		return LoadConfigDir(path)
	}

	cleaned := filepath.Clean(path)
	config, err := ParseConfigFile(cleaned)
	if err != nil {
		return nil, fmt.Errorf("error loading %s: %w", cleaned, err)
	}
	return config, nil
}

// LoadConfigDir loads all the configurations in the given directory in
// alphabetical order.
func LoadConfigDir(dir string) (*Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed reading config directory %s: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".hcl") || strings.HasSuffix(name, ".json") {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)

	var result *Config
	for _, f := range files {
		config, err := ParseConfigFile(f)
		if err != nil {
			return nil, fmt.Errorf("error loading %s: %w", f, err)
		}
		if result == nil {
			result = config
		} else {
			result = result.Merge(config)
		}
	}

	if result == nil {
		result = &Config{}
	}
	return result, nil
}
