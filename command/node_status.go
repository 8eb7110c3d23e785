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

type NodeStatusCommand struct {
	Meta
}

func (c *NodeStatusCommand) Help() string {
	helpText := `
Usage: sentinel node status [options] [<node id>]

Status is used to display node status information and the bundles a node is
running. If no node id is given, a list of all registered nodes is shown.

General Options:

  ` + generalOptionsUsage() + `

Status Options:

  -json
    Output the node in a JSON format.

  -t
    Format and display the node using a Go template.

  -verbose
    Display full information.
`
	return strings.TrimSpace(helpText)
}

func (c *NodeStatusCommand) Synopsis() string {
	return "Display status information about nodes"
}

func (c *NodeStatusCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-json":    complete.PredictNothing,
			"-t":       complete.PredictAnything,
			"-verbose": complete.PredictNothing,
		})
}

func (c *NodeStatusCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *NodeStatusCommand) Name() string { return "node status" }

func (c *NodeStatusCommand) Run(args []string) int {
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

	args = flags.Args()
	if l := len(args); l > 1 {
		c.Ui.Error("This command takes either one or no arguments")
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

	// Use list mode if no node name was provided
	if len(args) == 0 {
		nodes, _, err := client.Nodes().List(nil)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error querying node status: %s", err))
			return 1
		}

		if json || len(tmpl) > 0 {
			out, err := Format(json, tmpl, nodes)
			if err != nil {
				c.Ui.Error(err.Error())
				return 1
			}

			c.Ui.Output(out)
			return 0
		}

		c.Ui.Output(formatNodes(nodes, length))
		return 0
	}

	node, _, err := client.Nodes().Info(args[0], nil)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error querying node: %s", err))
		return 1
	}

	if json || len(tmpl) > 0 {
		out, err := Format(json, tmpl, node)
		if err != nil {
			c.Ui.Error(err.Error())
			return 1
		}

		c.Ui.Output(out)
		return 0
	}

	basic := []string{
		fmt.Sprintf("ID|%s", limit(node.ID, length)),
		fmt.Sprintf("Name|%s", node.Name),
		fmt.Sprintf("Status|%s", node.Status),
		fmt.Sprintf("Active Bundle|%s", limit(node.ActiveBundleID, length)),
		fmt.Sprintf("Expected Bundle|%s", limit(node.ExpectedBundleID, length)),
		fmt.Sprintf("Last Heartbeat|%s", formatTime(node.LastHeartbeatAt)),
	}
	if node.StagedBundleID != "" {
		basic = append(basic, fmt.Sprintf("Staged Bundle|%s", limit(node.StagedBundleID, length)))
	}
	if node.PinnedBundleID != "" {
		basic = append(basic, fmt.Sprintf("Pinned Bundle|%s", limit(node.PinnedBundleID, length)))
	}
	if node.VersionConstraint != "" {
		basic = append(basic, fmt.Sprintf("Version Constraint|%s", node.VersionConstraint))
	}
	c.Ui.Output(formatKV(basic))

	if len(node.Labels) > 0 {
		c.Ui.Output(c.Colorize().Color("\n[bold]Labels[reset]"))
		c.Ui.Output(formatLabels(node.Labels))
	}

	return 0
}

func formatNodes(nodes []*api.Node, length int) string {
	if len(nodes) == 0 {
		return "No nodes registered"
	}

	rows := make([]string, len(nodes)+1)
	rows[0] = "ID|Name|Status|Active Bundle|Last Heartbeat"
	for i, n := range nodes {
		rows[i+1] = fmt.Sprintf("%s|%s|%s|%s|%s",
			limit(n.ID, length),
			n.Name,
			n.Status,
			limit(n.ActiveBundleID, length),
			formatTime(n.LastHeartbeatAt))
	}
	return formatList(rows)
}

func formatLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([]string, len(keys))
	for i, k := range keys {
		rows[i] = fmt.Sprintf("%s|%s", k, labels[k])
	}
	return formatKV(rows)
}
