// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	"github.com/posener/complete"
)

type RolloutApproveCommand struct {
	Meta
}

func (c *RolloutApproveCommand) Help() string {
	helpText := `
Usage: sentinel rollout approve [options] <rollout id>

Approve records an approval for a rollout awaiting approval. The rollout
starts once the project's required number of distinct approvers is reached.
The approving user is taken from the -token flag or SENTINEL_TOKEN.

General Options:

  ` + generalOptionsUsage() + `

Approve Options:

  -comment=<comment>
    An optional comment recorded with the approval.

  -reject
    Record a rejection instead. A comment is required and the rollout
    transitions to failed.
`
	return strings.TrimSpace(helpText)
}

func (c *RolloutApproveCommand) Synopsis() string {
	return "Approve or reject a rollout awaiting approval"
}

func (c *RolloutApproveCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-comment": complete.PredictAnything,
			"-reject":  complete.PredictNothing,
		})
}

func (c *RolloutApproveCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *RolloutApproveCommand) Name() string { return "rollout approve" }

func (c *RolloutApproveCommand) Run(args []string) int {
	var comment string
	var reject bool

	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&comment, "comment", "", "")
	flags.BoolVar(&reject, "reject", false, "")

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

	if reject {
		rollout, _, err := client.Rollouts().Reject(rID, comment, nil)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error rejecting rollout: %s", err))
			return 1
		}
		c.Ui.Output(fmt.Sprintf("Rollout %q rejected", rollout.ID))
		return 0
	}

	rollout, _, err := client.Rollouts().Approve(rID, comment, nil)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error approving rollout: %s", err))
		return 1
	}

	c.Ui.Output(fmt.Sprintf("Rollout %q approval recorded (state: %s)", rollout.ID, rollout.ApprovalState))
	return 0
}
