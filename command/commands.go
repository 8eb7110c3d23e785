// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"os"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/sentinel/command/agent"
	"github.com/hashicorp/sentinel/version"
	colorable "github.com/mattn/go-colorable"
)

const (
	// EnvSentinelCLINoColor is an env var that toggles colored UI output.
	EnvSentinelCLINoColor = `SENTINEL_CLI_NO_COLOR`

	// EnvSentinelCLIForceColor is an env var that forces colored UI output.
	EnvSentinelCLIForceColor = `SENTINEL_CLI_FORCE_COLOR`
)

// NamedCommand is a interface to denote a commmand's name.
type NamedCommand interface {
	Name() string
}

// Commands returns the mapping of CLI commands for Sentinel. The meta
// parameter lets you set meta options for all commands.
func Commands(metaPtr *Meta, agentUi cli.Ui) map[string]cli.CommandFactory {
	if metaPtr == nil {
		metaPtr = new(Meta)
	}

	meta := *metaPtr
	if meta.Ui == nil {
		meta.Ui = &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      colorable.NewColorableStdout(),
			ErrorWriter: colorable.NewColorableStderr(),
		}
	}

	all := map[string]cli.CommandFactory{
		"agent": func() (cli.Command, error) {
			return &agent.Command{
				Ui:         agentUi,
				ShutdownCh: make(chan struct{}),
			}, nil
		},
		"drift": func() (cli.Command, error) {
			return &DriftCommand{
				Meta: meta,
			}, nil
		},
		"drift list": func() (cli.Command, error) {
			return &DriftListCommand{
				Meta: meta,
			}, nil
		},
		"node": func() (cli.Command, error) {
			return &NodeCommand{
				Meta: meta,
			}, nil
		},
		"node status": func() (cli.Command, error) {
			return &NodeStatusCommand{
				Meta: meta,
			}, nil
		},
		"rollout": func() (cli.Command, error) {
			return &RolloutCommand{
				Meta: meta,
			}, nil
		},
		"rollout approve": func() (cli.Command, error) {
			return &RolloutApproveCommand{
				Meta: meta,
			}, nil
		},
		"rollout cancel": func() (cli.Command, error) {
			return &RolloutCancelCommand{
				Meta: meta,
			}, nil
		},
		"rollout list": func() (cli.Command, error) {
			return &RolloutListCommand{
				Meta: meta,
			}, nil
		},
		"rollout pause": func() (cli.Command, error) {
			return &RolloutPauseCommand{
				Meta: meta,
			}, nil
		},
		"rollout resume": func() (cli.Command, error) {
			return &RolloutResumeCommand{
				Meta: meta,
			}, nil
		},
		"rollout status": func() (cli.Command, error) {
			return &RolloutStatusCommand{
				Meta: meta,
			}, nil
		},
		"version": func() (cli.Command, error) {
			return &VersionCommand{
				Version: version.GetVersion(),
				Ui:      meta.Ui,
			}, nil
		},
	}

	return all
}
