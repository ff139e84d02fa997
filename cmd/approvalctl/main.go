package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"
)

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:                  "approvalctl",
		Usage:                 "Manage approval workflow definitions and instances",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the config file (yaml)",
				Sources: cli.EnvVars("APPROVAL_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			newMigrateCommand(),
			newDefinitionsCommand(),
			newMembersCommand(),
			newStartCommand(),
			newActCommand(),
			newDelegateCommand(),
			newCancelCommand(),
			newShowCommand(),
			newTasksCommand(),
			newResyncCommand(),
		},
	}
}

func main() {
	if err := newRootCommand().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
