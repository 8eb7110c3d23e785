// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import "github.com/hashicorp/cli"

type DriftCommand struct {
	Meta
}

func (f *DriftCommand) Help() string {
	return "This command is accessed by using one of the subcommands below."
}

func (f *DriftCommand) Synopsis() string {
	return "Interact with drift events"
}

func (f *DriftCommand) Name() string { return "drift" }

func (f *DriftCommand) Run(args []string) int {
	return cli.RunResultHelp
}
