// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	"github.com/posener/complete"
)

type RolloutPauseCommand struct {
	Meta
}

func (c *RolloutPauseCommand) Help() string {
	helpText := `
Usage: sentinel rollout pause [options] <rollout id>

Pause is used to pause a running rollout. Nodes already converged keep their
bundle; no further steps start until the rollout is resumed.

General Options:

  ` + generalOptionsUsage()
	return strings.TrimSpace(helpText)
}

func (c *RolloutPauseCommand) Synopsis() string {
	return "Pause a rollout"
}

func (c *RolloutPauseCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags(FlagSetClient)
}

func (c *RolloutPauseCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *RolloutPauseCommand) Name() string { return "rollout pause" }

func (c *RolloutPauseCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }

	if err := flags.Parse(args); err != nil {
		return 1
	}

	// Check that we got exactly one rollout
	args = flags.Args()
	if l := len(args); l != 1 {
		c.Ui.Error("This command takes one argument: <rollout id>")
		c.Ui.Error(commandErrorText(c))
		return 1
	}

	rID := args[0]

	// Get the HTTP client
	client, err := c.Meta.Client()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing client: %s", err))
		return 1
	}

	rollout, _, err := client.Rollouts().Pause(rID, nil)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error pausing rollout: %s", err))
		return 1
	}

	c.Ui.Output(fmt.Sprintf("Rollout %q paused", rollout.ID))
	return 0
}
