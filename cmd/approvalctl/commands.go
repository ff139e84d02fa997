package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/blingmoon/approval-workflow/internal/definitionfile"
	"github.com/blingmoon/approval-workflow/workflow"
	"github.com/pkg/errors"
	cli "github.com/urfave/cli/v3"
)

// withApp 每个子命令都要先建好依赖，执行完关闭
func withApp(fn func(ctx context.Context, cmd *cli.Command, a *app) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		a, err := newApp(ctx, cmd.Root().String("config"))
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, cmd, a)
	}
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func instanceFlag() cli.Flag {
	return &cli.Int64Flag{Name: "instance", Aliases: []string{"i"}, Usage: "Workflow instance id", Required: true}
}

func actorFlag() cli.Flag {
	return &cli.Int64Flag{Name: "actor", Aliases: []string{"u"}, Usage: "Acting user id", Required: true}
}

func newMigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or update the workflow tables",
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			// newApp 已经迁移过
			_, err := fmt.Fprintln(cmd.Root().Writer, "migrated")
			return err
		}),
	}
}

func newDefinitionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "definitions",
		Aliases: []string{"defs"},
		Usage:   "Manage workflow definitions",
		Commands: []*cli.Command{
			{
				Name:      "load",
				Usage:     "Load definitions from yaml files or directories (default: definitions.paths)",
				ArgsUsage: "[path...]",
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
					paths := cmd.Args().Slice()
					if len(paths) == 0 {
						paths = a.cfg.Definitions.Paths
					}
					if len(paths) == 0 {
						return errors.New("no definition paths given")
					}
					files, err := definitionfile.LoadAll(paths)
					if err != nil {
						return err
					}
					saved, err := definitionfile.Apply(ctx, a.definitions, files)
					if err != nil {
						return err
					}
					for _, def := range saved {
						a.logger.InfoContext(ctx, "definition saved", "id", def.ID, "code", def.Code, "nodes", len(def.Nodes))
					}
					_, err = fmt.Fprintf(cmd.Root().Writer, "loaded %d definitions\n", len(saved))
					return err
				}),
			},
			{
				Name:  "list",
				Usage: "List all definitions",
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
					defs, err := a.definitions.ListDefinitions(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd.Root().Writer, defs)
				}),
			},
		},
	}
}

func newMembersCommand() *cli.Command {
	return &cli.Command{
		Name:  "members",
		Usage: "Maintain organisation unit members used by role assignees",
		Commands: []*cli.Command{
			{
				Name:  "set",
				Usage: "Add a user to a unit or change whether they are active",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "unit", Usage: "Unit (role/department) code", Required: true},
					&cli.Int64Flag{Name: "user", Usage: "User id", Required: true},
					&cli.BoolFlag{Name: "inactive", Usage: "Mark the user as inactive"},
				},
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
					return a.directory.SetMember(ctx, cmd.String("unit"), cmd.Int64("user"), !cmd.Bool("inactive"))
				}),
			},
			{
				Name:  "list",
				Usage: "List active users of a unit",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "unit", Usage: "Unit (role/department) code", Required: true},
				},
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
					users, err := a.directory.ActiveUsers(ctx, cmd.String("unit"))
					if err != nil {
						return err
					}
					return printJSON(cmd.Root().Writer, users)
				}),
			},
		},
	}
}

func newStartCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "Start a workflow for a business object",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "business-type", Aliases: []string{"t"}, Usage: "Business type, e.g. case_filing", Required: true},
			&cli.Int64Flag{Name: "business-id", Aliases: []string{"b"}, Usage: "Business object id", Required: true},
			&cli.Int64Flag{Name: "definition", Aliases: []string{"d"}, Usage: "Definition id; looked up by --classifier/--code when omitted"},
			&cli.StringFlag{Name: "classifier", Usage: "Definition classifier"},
			&cli.StringFlag{Name: "code", Usage: "Fallback definition code"},
			&cli.Int64Flag{Name: "initiator", Usage: "Initiator user id", Required: true},
			&cli.StringFlag{Name: "title", Usage: "Instance title"},
			&cli.Int64SliceFlag{Name: "assignee", Aliases: []string{"a"}, Usage: "Assignees chosen by the initiator"},
			&cli.StringFlag{Name: "context", Usage: "Business context as a JSON object"},
		},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			definitionID := cmd.Int64("definition")
			if definitionID == 0 {
				def, err := a.service.FindActiveDefinition(ctx, cmd.String("classifier"), cmd.String("code"))
				if err != nil {
					return err
				}
				definitionID = def.ID
			}
			var bizCtx map[string]any
			if raw := cmd.String("context"); raw != "" {
				if err := json.Unmarshal([]byte(raw), &bizCtx); err != nil {
					return errors.WithMessage(err, "parse --context failed")
				}
			}
			resp, err := a.service.StartWorkflow(ctx, &workflow.StartWorkflowReq{
				BusinessType: cmd.String("business-type"),
				BusinessID:   cmd.Int64("business-id"),
				Title:        cmd.String("title"),
				DefinitionID: definitionID,
				InitiatorID:  cmd.Int64("initiator"),
				Assignees:    cmd.Int64Slice("assignee"),
				Context:      bizCtx,
			})
			if errors.Is(err, workflow.ErrDuplicateActiveWorkflow) {
				// 已经有审批中的流程不算失败
				a.logger.WarnContext(ctx, "workflow already pending", "err", err)
				_, err = fmt.Fprintln(cmd.Root().Writer, "already pending")
				return err
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.Root().Writer, resp)
		}),
	}
}

func newActCommand() *cli.Command {
	return &cli.Command{
		Name:  "act",
		Usage: "Approve or reject the current node",
		Flags: []cli.Flag{
			instanceFlag(),
			actorFlag(),
			&cli.StringFlag{Name: "decision", Usage: "approve or reject", Required: true},
			&cli.StringFlag{Name: "comment", Usage: "Comment"},
		},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			resp, err := a.service.ActOnCurrentNode(ctx, &workflow.ActOnNodeReq{
				InstanceID: cmd.Int64("instance"),
				ActorID:    cmd.Int64("actor"),
				Decision:   workflow.Decision(cmd.String("decision")),
				Comment:    cmd.String("comment"),
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.Root().Writer, resp)
		}),
	}
}

func newDelegateCommand() *cli.Command {
	return &cli.Command{
		Name:  "delegate",
		Usage: "Hand the current node over to another user",
		Flags: []cli.Flag{
			instanceFlag(),
			actorFlag(),
			&cli.Int64Flag{Name: "to", Usage: "User id taking over", Required: true},
			&cli.StringFlag{Name: "comment", Usage: "Comment"},
		},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			return a.service.DelegateCurrentNode(ctx, &workflow.DelegateNodeReq{
				InstanceID: cmd.Int64("instance"),
				ActorID:    cmd.Int64("actor"),
				DelegateID: cmd.Int64("to"),
				Comment:    cmd.String("comment"),
			})
		}),
	}
}

func newCancelCommand() *cli.Command {
	return &cli.Command{
		Name:  "cancel",
		Usage: "Cancel a pending workflow",
		Flags: []cli.Flag{
			instanceFlag(),
			actorFlag(),
			&cli.StringFlag{Name: "reason", Usage: "Cancel reason"},
		},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			return a.service.CancelInstance(ctx, &workflow.CancelInstanceReq{
				InstanceID: cmd.Int64("instance"),
				ActorID:    cmd.Int64("actor"),
				Reason:     cmd.String("reason"),
			})
		}),
	}
}

func newShowCommand() *cli.Command {
	return &cli.Command{
		Name:  "show",
		Usage: "Show an instance with its node history",
		Flags: []cli.Flag{instanceFlag()},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			detail, err := a.service.GetInstance(ctx, cmd.Int64("instance"))
			if err != nil {
				return err
			}
			return printJSON(cmd.Root().Writer, detail)
		}),
	}
}

func newTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "List nodes waiting for a user",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "user", Aliases: []string{"u"}, Usage: "User id", Required: true},
			&cli.Int64Flag{Name: "page", Value: 1},
			&cli.Int64Flag{Name: "size", Value: 20},
		},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			tasks, err := a.service.ListPendingTasks(ctx, cmd.Int64("user"), &workflow.Pager{Page: cmd.Int64("page"), Size: cmd.Int64("size")})
			if err != nil {
				return err
			}
			return printJSON(cmd.Root().Writer, tasks)
		}),
	}
}

func newResyncCommand() *cli.Command {
	return &cli.Command{
		Name:  "resync",
		Usage: "Re-drive business status synchronization",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "instance", Aliases: []string{"i"}, Usage: "Only this instance; all failed instances when omitted"},
			&cli.IntFlag{Name: "limit", Value: 100, Usage: "Max failed instances per run"},
		},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			if instanceID := cmd.Int64("instance"); instanceID > 0 {
				if err := a.service.ResyncBusinessStatus(ctx, instanceID); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.Root().Writer, "resynced instance %d\n", instanceID)
				return err
			}
			succeeded, err := a.service.ResyncFailed(ctx, cmd.Int("limit"))
			if err != nil {
				a.logger.ErrorContext(ctx, "resync failed", "err", err)
			}
			_, printErr := fmt.Fprintf(cmd.Root().Writer, "resynced %d instances\n", succeeded)
			if err != nil {
				return err
			}
			return printErr
		}),
	}
}
