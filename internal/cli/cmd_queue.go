package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/classroll/classroll/internal/offline"
	"github.com/spf13/cobra"
)

func newQueueCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Offline mutation queue",
		Example: "  classroll --offline queue add insert attendance --data '{\"student_id\":\"s1\",\"session_id\":\"x\",\"present\":true}'\n" +
			"  classroll queue sync",
	}
	cmd.AddCommand(
		newQueueAddCommand(deps),
		newQueueListCommand(deps),
		newQueueSyncCommand(deps),
		newQueueClearCommand(deps),
	)
	return cmd
}

func newQueueAddCommand(deps commandDeps) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "add <insert|update|delete> <table>",
		Short: "Queue a write for later replay",
		Args:  exactArgs(2, "queue add requires <insert|update|delete> <table>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := offline.ParseActionKind(args[0])
			if err != nil {
				return usageErrorf("%v", err)
			}
			payload, err := parseRecord(data)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), deps, func(ctx context.Context, a *app) error {
				action, err := a.queue.QueueAction(ctx, kind, args[1], payload)
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, action)
				}
				_, err = fmt.Fprintln(deps.out, action.ID)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "Action payload as a JSON object")
	return cmd
}

func newQueueListCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List queued actions in replay order",
		Args:    exactArgs(0, "queue ls does not accept positional arguments"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), deps, func(ctx context.Context, a *app) error {
				actions, err := a.queue.Pending(ctx)
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					if actions == nil {
						actions = []offline.QueuedAction{}
					}
					return printJSON(deps.out, actions)
				}
				for _, action := range actions {
					_, err := fmt.Fprintf(deps.out, "%s %s %s retries=%d queued=%s\n",
						action.ID, action.Kind, action.Table, action.RetryCount, action.EnqueuedAt.Format(time.RFC3339))
					if err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newQueueSyncCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay queued actions now",
		Args:  exactArgs(0, "queue sync does not accept positional arguments"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), deps, func(ctx context.Context, a *app) error {
				ctx, cancel := context.WithTimeout(ctx, a.cfg.Queue.SyncTimeout)
				defer cancel()

				report, err := a.queue.ForceSync(ctx)
				if err != nil {
					return err
				}
				remaining, err := a.queue.Size(ctx)
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, struct {
						offline.SyncReport
						Remaining int `json:"remaining"`
					}{report, remaining})
				}
				_, err = fmt.Fprintf(deps.out, "applied=%d retained=%d dropped=%d remaining=%d\n",
					report.Applied, report.Retained, report.Dropped, remaining)
				return err
			})
		},
	}
}

func newQueueClearCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Discard every queued action",
		Args:  exactArgs(0, "queue clear does not accept positional arguments"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), deps, func(ctx context.Context, a *app) error {
				if err := a.queue.ClearQueue(ctx); err != nil {
					return err
				}
				return printStatus(deps, "cleared", true)
			})
		},
	}
}
