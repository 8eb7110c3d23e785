// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	"github.com/hashicorp/sentinel/api"
	"github.com/posener/complete"
)

type RolloutListCommand struct {
	Meta
}

func (c *RolloutListCommand) Help() string {
	helpText := `
Usage: sentinel rollout list [options]

List is used to list the rollouts of a project.

General Options:

  ` + generalOptionsUsage() + `

List Options:

  -state=<state>
    Filter rollouts by state, e.g. running or awaiting_approval.

  -json
    Output the rollouts in a JSON format.

  -t
    Format and display the rollouts using a Go template.

  -verbose
    Display full information.
`
	return strings.TrimSpace(helpText)
}

func (c *RolloutListCommand) Synopsis() string {
	return "List rollouts"
}

func (c *RolloutListCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-state":   complete.PredictAnything,
			"-json":    complete.PredictNothing,
			"-t":       complete.PredictAnything,
			"-verbose": complete.PredictNothing,
		})
}

func (c *RolloutListCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *RolloutListCommand) Name() string { return "rollout list" }

func (c *RolloutListCommand) Run(args []string) int {
	var json, verbose bool
	var state, tmpl string

	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&state, "state", "", "")
	flags.BoolVar(&json, "json", false, "")
	flags.StringVar(&tmpl, "t", "", "")
	flags.BoolVar(&verbose, "verbose", false, "")

	if err := flags.Parse(args); err != nil {
		return 1
	}

	// Check that we got no arguments
	args = flags.Args()
	if l := len(args); l != 0 {
		c.Ui.Error("This command takes no arguments")
		c.Ui.Error(commandErrorText(c))
		return 1
	}

	// Truncate the id unless full length is requested
	length := shortId
	if verbose {
		length = fullId
	}

	// Get the HTTP client
	client, err := c.Meta.Client()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing client: %s", err))
		return 1
	}

	rollouts, _, err := client.Rollouts().List(state, nil)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error retrieving rollouts: %s", err))
		return 1
	}

	if json || len(tmpl) > 0 {
		out, err := Format(json, tmpl, rollouts)
		if err != nil {
			c.Ui.Error(err.Error())
			return 1
		}

		c.Ui.Output(out)
		return 0
	}

	c.Ui.Output(formatRollouts(rollouts, length))
	return 0
}

func formatRollouts(rollouts []*api.Rollout, length int) string {
	if len(rollouts) == 0 {
		return "No rollouts found"
	}

	rows := make([]string, len(rollouts)+1)
	rows[0] = "ID|Bundle|Strategy|State|Approval|Created By"
	for i, r := range rollouts {
		rows[i+1] = fmt.Sprintf("%s|%s|%s|%s|%s|%s",
			limit(r.ID, length),
			limit(r.BundleID, length),
			r.Strategy,
			r.State,
			r.ApprovalState,
			r.CreatedBy)
	}
	return formatList(rows)
}
