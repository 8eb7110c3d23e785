// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import "github.com/hashicorp/cli"

type RolloutCommand struct {
	Meta
}

func (f *RolloutCommand) Help() string {
	return "This command is accessed by using one of the subcommands below."
}

func (f *RolloutCommand) Synopsis() string {
	return "Interact with rollouts"
}

func (f *RolloutCommand) Name() string { return "rollout" }

func (f *RolloutCommand) Run(args []string) int {
	return cli.RunResultHelp
}
