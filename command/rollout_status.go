// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/sentinel/api"
	"github.com/posener/complete"
)

type RolloutStatusCommand struct {
	Meta
}

func (c *RolloutStatusCommand) Help() string {
	helpText := `
Usage: sentinel rollout status [options] <rollout id>

Status is used to display the status of a rollout, its steps, and the
per-node bundle progress.

General Options:

  ` + generalOptionsUsage() + `

Status Options:

  -json
    Output the rollout in a JSON format.

  -t
    Format and display the rollout using a Go template.

  -verbose
    Display full information.
`
	return strings.TrimSpace(helpText)
}

func (c *RolloutStatusCommand) Synopsis() string {
	return "Display the status of a rollout"
}

func (c *RolloutStatusCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-json":    complete.PredictNothing,
			"-t":       complete.PredictAnything,
			"-verbose": complete.PredictNothing,
		})
}

func (c *RolloutStatusCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *RolloutStatusCommand) Name() string { return "rollout status" }

func (c *RolloutStatusCommand) Run(args []string) int {
	var json, verbose bool
	var tmpl string

	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.BoolVar(&json, "json", false, "")
	flags.StringVar(&tmpl, "t", "", "")
	flags.BoolVar(&verbose, "verbose", false, "")

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

	details, _, err := client.Rollouts().Info(rID, nil)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error retrieving rollout: %s", err))
		return 1
	}

	if json || len(tmpl) > 0 {
		out, err := Format(json, tmpl, details)
		if err != nil {
			c.Ui.Error(err.Error())
			return 1
		}

		c.Ui.Output(out)
		return 0
	}

	rollout := details.Rollout
	basic := []string{
		fmt.Sprintf("ID|%s", limit(rollout.ID, length)),
		fmt.Sprintf("Bundle|%s", limit(rollout.BundleID, length)),
		fmt.Sprintf("Strategy|%s", rollout.Strategy),
		fmt.Sprintf("State|%s", rollout.State),
		fmt.Sprintf("Approval|%s", rollout.ApprovalState),
		fmt.Sprintf("Created By|%s", rollout.CreatedBy),
		fmt.Sprintf("Started At|%s", formatTime(rollout.StartedAt)),
		fmt.Sprintf("Completed At|%s", formatTime(rollout.CompletedAt)),
	}
	if rollout.ScheduledAt != nil {
		basic = append(basic, fmt.Sprintf("Scheduled At|%s", formatTimePointer(rollout.ScheduledAt)))
	}
	if rollout.Error != nil {
		basic = append(basic, fmt.Sprintf("Error|%s", rollout.Error.Reason))
	}
	c.Ui.Output(formatKV(basic))

	if len(details.Steps) > 0 {
		c.Ui.Output(c.Colorize().Color("\n[bold]Steps[reset]"))
		c.Ui.Output(formatRolloutSteps(details.Steps))
	}

	if len(details.NodeStatuses) > 0 {
		c.Ui.Output(c.Colorize().Color("\n[bold]Nodes[reset]"))
		c.Ui.Output(formatNodeBundleStatuses(details.NodeStatuses, length))
	}

	return 0
}

func formatRolloutSteps(steps []*api.RolloutStep) string {
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepIndex < steps[j].StepIndex })

	rows := make([]string, len(steps)+1)
	rows[0] = "Step|Nodes|State|Started At|Completed At"
	for i, s := range steps {
		rows[i+1] = fmt.Sprintf("%d|%d|%s|%s|%s",
			s.StepIndex,
			len(s.NodeIDs),
			s.State,
			formatTime(s.StartedAt),
			formatTime(s.CompletedAt))
	}
	return formatList(rows)
}

func formatNodeBundleStatuses(statuses []*api.NodeBundleStatus, length int) string {
	rows := make([]string, len(statuses)+1)
	rows[0] = "Node|State|Staged At|Activated At|Verified At"
	for i, ns := range statuses {
		rows[i+1] = fmt.Sprintf("%s|%s|%s|%s|%s",
			limit(ns.NodeID, length),
			ns.State,
			formatTime(ns.StagedAt),
			formatTime(ns.ActivatedAt),
			formatTime(ns.VerifiedAt))
	}
	return formatList(rows)
}
