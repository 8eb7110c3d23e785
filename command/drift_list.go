// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"strings"

	"github.com/hashicorp/sentinel/api"
	"github.com/posener/complete"
)

type DriftListCommand struct {
	Meta
}

func (c *DriftListCommand) Help() string {
	helpText := `
Usage: sentinel drift list [options]

List is used to list the drift events of a project.

General Options:

  ` + generalOptionsUsage() + `

List Options:

  -node=<node id>
    Only show drift events for the given node.

  -unresolved
    Only show drift events that have not been resolved.

  -json
    Output the drift events in a JSON format.

  -t
    Format and display the drift events using a Go template.

  -verbose
    Display full information.
`
	return strings.TrimSpace(helpText)
}

func (c *DriftListCommand) Synopsis() string {
	return "List drift events"
}

func (c *DriftListCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-node":       complete.PredictAnything,
			"-unresolved": complete.PredictNothing,
			"-json":       complete.PredictNothing,
			"-t":          complete.PredictAnything,
			"-verbose":    complete.PredictNothing,
		})
}

func (c *DriftListCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *DriftListCommand) Name() string { return "drift list" }

func (c *DriftListCommand) Run(args []string) int {
	var json, unresolved, verbose bool
	var nodeID, tmpl string

	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&nodeID, "node", "", "")
	flags.BoolVar(&unresolved, "unresolved", false, "")
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

	filter := &api.DriftListFilter{
		NodeID:         nodeID,
		UnresolvedOnly: unresolved,
	}
	events, _, err := client.Drift().List(filter, nil)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error retrieving drift events: %s", err))
		return 1
	}

	if json || len(tmpl) > 0 {
		out, err := Format(json, tmpl, events)
		if err != nil {
			c.Ui.Error(err.Error())
			return 1
		}

		c.Ui.Output(out)
		return 0
	}

	c.Ui.Output(formatDriftEvents(events, length))
	return 0
}

func formatDriftEvents(events []*api.DriftEvent, length int) string {
	if len(events) == 0 {
		return "No drift events found"
	}

	rows := make([]string, len(events)+1)
	rows[0] = "ID|Node|Severity|Expected|Actual|Detected At|Resolution"
	for i, e := range events {
		rows[i+1] = fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s",
			limit(e.ID, length),
			limit(e.NodeID, length),
			e.Severity,
			limit(e.ExpectedBundleID, length),
			limit(e.ActualBundleID, length),
			formatTime(e.DetectedAt),
			e.Resolution)
	}
	return formatList(rows)
}
