package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newSecureCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secure",
		Short: "Encrypted key-value storage",
		Example: "  classroll secure set auth_token abc123\n" +
			"  classroll secure get auth_token",
	}
	cmd.AddCommand(
		newSecureSetCommand(deps),
		newSecureGetCommand(deps),
		newSecureListCommand(deps),
		newSecureRemoveCommand(deps),
		newSecureClearCommand(deps),
	)
	return cmd
}

func newSecureSetCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Encrypt and store a value",
		Args:  exactArgs(2, "secure set requires <key> <value>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), deps, func(ctx context.Context, a *app) error {
				if err := a.secure.Set(ctx, args[0], args[1]); err != nil {
					return err
				}
				return printStatus(deps, "stored", args[0])
			})
		},
	}
}

func newSecureGetCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print a decrypted value",
		Args:  exactArgs(1, "secure get requires <key>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), deps, func(ctx context.Context, a *app) error {
				value, ok, err := a.secure.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return notFoundf("secure key %q", args[0])
				}
				if deps.globals.JSON {
					return printJSON(deps.out, map[string]string{"key": args[0], "value": value})
				}
				_, err = fmt.Fprintln(deps.out, value)
				return err
			})
		},
	}
}

func newSecureListCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List stored keys",
		Args:    exactArgs(0, "secure ls does not accept positional arguments"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), deps, func(ctx context.Context, a *app) error {
				keys, err := a.secure.Keys(ctx)
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					if keys == nil {
						keys = []string{}
					}
					return printJSON(deps.out, keys)
				}
				for _, key := range keys {
					if _, err := fmt.Fprintln(deps.out, key); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newSecureRemoveCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <key>",
		Aliases: []string{"remove"},
		Short:   "Remove a value",
		Args:    exactArgs(1, "secure rm requires <key>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), deps, func(ctx context.Context, a *app) error {
				if err := a.secure.Remove(ctx, args[0]); err != nil {
					return err
				}
				return printStatus(deps, "removed", args[0])
			})
		},
	}
}

func newSecureClearCommand(deps commandDeps) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every secure value",
		Args:  exactArgs(0, "secure clear does not accept positional arguments"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return usageErrorf("secure clear removes all secure values; pass --yes to confirm")
			}
			return withApp(cmd.Context(), deps, func(ctx context.Context, a *app) error {
				if err := a.secure.Clear(ctx); err != nil {
					return err
				}
				return printStatus(deps, "cleared", true)
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm removal")
	return cmd
}
