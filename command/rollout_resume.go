// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	"github.com/posener/complete"
)

type RolloutResumeCommand struct {
	Meta
}

func (c *RolloutResumeCommand) Help() string {
	helpText := `
Usage: sentinel rollout resume [options] <rollout id>

Resume is used to unpause a paused rollout. The rollout continues from the
step it was paused in.

General Options:

  ` + generalOptionsUsage()
	return strings.TrimSpace(helpText)
}

func (c *RolloutResumeCommand) Synopsis() string {
	return "Resume a paused rollout"
}

func (c *RolloutResumeCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags(FlagSetClient)
}

func (c *RolloutResumeCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *RolloutResumeCommand) Name() string { return "rollout resume" }

func (c *RolloutResumeCommand) Run(args []string) int {
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

	rollout, _, err := client.Rollouts().Resume(rID, nil)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error resuming rollout: %s", err))
		return 1
	}

	c.Ui.Output(fmt.Sprintf("Rollout %q resumed", rollout.ID))
	return 0
}
