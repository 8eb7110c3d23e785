// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	"github.com/posener/complete"
)

type RolloutCancelCommand struct {
	Meta
}

func (c *RolloutCancelCommand) Help() string {
	helpText := `
Usage: sentinel rollout cancel [options] <rollout id>

Cancel is used to terminate a rollout. Nodes that already converged keep the
new bundle; use 'sentinel rollout status' to see which nodes converged.

General Options:

  ` + generalOptionsUsage() + `

Cancel Options:

  -rollback
    Also revert staged and expected bundle assignments on nodes touched by
    the rollout.
`
	return strings.TrimSpace(helpText)
}

func (c *RolloutCancelCommand) Synopsis() string {
	return "Cancel a rollout"
}

func (c *RolloutCancelCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-rollback": complete.PredictNothing,
		})
}

func (c *RolloutCancelCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *RolloutCancelCommand) Name() string { return "rollout cancel" }

func (c *RolloutCancelCommand) Run(args []string) int {
	var rollback bool

	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.BoolVar(&rollback, "rollback", false, "")

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

	if rollback {
		rollout, _, err := client.Rollouts().Rollback(rID, nil)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error rolling back rollout: %s", err))
			return 1
		}
		c.Ui.Output(fmt.Sprintf("Rollout %q cancelled and rolled back", rollout.ID))
		return 0
	}

	rollout, _, err := client.Rollouts().Cancel(rID, nil)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error cancelling rollout: %s", err))
		return 1
	}

	c.Ui.Output(fmt.Sprintf("Rollout %q cancelled", rollout.ID))
	return 0
}
