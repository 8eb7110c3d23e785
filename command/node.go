// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import "github.com/hashicorp/cli"

type NodeCommand struct {
	Meta
}

func (f *NodeCommand) Help() string {
	return "This command is accessed by using one of the subcommands below."
}

func (f *NodeCommand) Synopsis() string {
	return "Interact with nodes"
}

func (f *NodeCommand) Name() string { return "node" }

func (f *NodeCommand) Run(args []string) int {
	return cli.RunResultHelp
}
