package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/classroll/classroll/internal/storage"
	"github.com/spf13/cobra"
)

func newDBCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Read and write records",
		Example: "  classroll db insert students --data '{\"name\":\"Ada\",\"class_id\":\"c1\"}'\n" +
			"  classroll db select students --where class_id=c1",
	}
	cmd.AddCommand(
		newDBInsertCommand(deps),
		newDBSelectCommand(deps),
		newDBUpdateCommand(deps),
		newDBDeleteCommand(deps),
		newDBQueryCommand(deps),
		newDBClearCommand(deps),
		newDBExportCommand(deps),
		newDBImportCommand(deps),
	)
	return cmd
}

func newDBInsertCommand(deps commandDeps) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "insert <table>",
		Short: "Insert a record and print its id",
		Args:  exactArgs(1, "db insert requires <table>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := parseRecord(data)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), deps, func(ctx context.Context, a *app) error {
				backend, err := a.backend(ctx)
				if err != nil {
					return err
				}
				id, err := backend.Insert(ctx, args[0], rec)
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					return printJSON(deps.out, map[string]any{"id": id, "table": args[0]})
				}
				_, err = fmt.Fprintln(deps.out, id)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "Record as a JSON object")
	return cmd
}

func newDBSelectCommand(deps commandDeps) *cobra.Command {
	var id, where string
	cmd := &cobra.Command{
		Use:   "select <table>",
		Short: "List records, optionally filtered",
		Args:  exactArgs(1, "db select requires <table>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			pred, err := parsePredicate(id, where)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), deps, func(ctx context.Context, a *app) error {
				backend, err := a.backend(ctx)
				if err != nil {
					return err
				}
				rows, err := backend.Select(ctx, args[0], pred)
				if err != nil {
					return err
				}
				if id != "" && len(rows) == 0 {
					return notFoundf("%s %q", args[0], id)
				}
				return printRecords(deps, rows)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Select a single record by id")
	cmd.Flags().StringVar(&where, "where", "", "Filter as field=value")
	return cmd
}

func newDBUpdateCommand(deps commandDeps) *cobra.Command {
	var id, data string
	cmd := &cobra.Command{
		Use:   "update <table>",
		Short: "Merge fields into a record",
		Args:  exactArgs(1, "db update requires <table>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(id) == "" {
				return usageErrorf("db update requires --id")
			}
			rec, err := parseRecord(data)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), deps, func(ctx context.Context, a *app) error {
				backend, err := a.backend(ctx)
				if err != nil {
					return err
				}
				n, err := backend.Update(ctx, args[0], rec, storage.ByID(id))
				if err != nil {
					return err
				}
				if n == 0 {
					return notFoundf("%s %q", args[0], id)
				}
				return printCount(deps, "updated", n)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Record id")
	cmd.Flags().StringVar(&data, "data", "", "Fields to set as a JSON object")
	return cmd
}

func newDBDeleteCommand(deps commandDeps) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "delete <table>",
		Short: "Delete a record",
		Args:  exactArgs(1, "db delete requires <table>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(id) == "" {
				return usageErrorf("db delete requires --id")
			}
			return withApp(cmd.Context(), deps, func(ctx context.Context, a *app) error {
				backend, err := a.backend(ctx)
				if err != nil {
					return err
				}
				n, err := backend.Delete(ctx, args[0], storage.ByID(id))
				if err != nil {
					return err
				}
				if n == 0 {
					return notFoundf("%s %q", args[0], id)
				}
				return printCount(deps, "deleted", n)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Record id")
	return cmd
}

func newDBQueryCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "query <statement> [args...]",
		Short: "Run a raw statement",
		Long: "Run a raw statement against the active backend. The key-value backend " +
			"understands only SELECT * FROM <table> [WHERE <field> = ?].",
		Example: "  classroll db query 'SELECT * FROM students WHERE class_id = ?' c1",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) == 0 {
				return usageErrorf("db query requires <statement>")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			queryArgs := make([]any, 0, len(args)-1)
			for _, arg := range args[1:] {
				queryArgs = append(queryArgs, arg)
			}
			return withApp(cmd.Context(), deps, func(ctx context.Context, a *app) error {
				backend, err := a.backend(ctx)
				if err != nil {
					return err
				}
				res, err := backend.Query(ctx, args[0], queryArgs...)
				if err != nil {
					return err
				}
				if deps.globals.JSON {
					if res.Rows == nil {
						res.Rows = []storage.Record{}
					}
					return printJSON(deps.out, res)
				}
				if res.Rows == nil && res.RowsAffected > 0 {
					return printCount(deps, "rows_affected", int(res.RowsAffected))
				}
				return printRecords(deps, res.Rows)
			})
		},
	}
}

func newDBClearCommand(deps commandDeps) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every record in every table",
		Args:  exactArgs(0, "db clear does not accept positional arguments"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return usageErrorf("db clear deletes all data; pass --yes to confirm")
			}
			return withApp(cmd.Context(), deps, func(ctx context.Context, a *app) error {
				backend, err := a.backend(ctx)
				if err != nil {
					return err
				}
				if err := backend.Clear(ctx); err != nil {
					return err
				}
				return printStatus(deps, "cleared", true)
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion")
	return cmd
}

func newDBExportCommand(deps commandDeps) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every table to a JSON file",
		Args:  exactArgs(0, "db export does not accept positional arguments"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(outPath) == "" {
				return usageErrorf("db export requires --out")
			}
			return withApp(cmd.Context(), deps, func(ctx context.Context, a *app) error {
				backend, err := a.backend(ctx)
				if err != nil {
					return err
				}
				snapshot, err := backend.ExportData(ctx)
				if err != nil {
					return err
				}
				data, err := json.MarshalIndent(snapshot, "", "  ")
				if err != nil {
					return fmt.Errorf("encode snapshot: %w", err)
				}
				if err := os.MkdirAll(filepath.Dir(outPath), 0o700); err != nil {
					return err
				}
				if err := os.WriteFile(outPath, data, 0o600); err != nil {
					return err
				}
				return printStatus(deps, "exported", outPath)
			})
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "Output file")
	return cmd
}

func newDBImportCommand(deps commandDeps) *cobra.Command {
	var inPath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Replace all data with the contents of a JSON export",
		Args:  exactArgs(0, "db import does not accept positional arguments"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(inPath) == "" {
				return usageErrorf("db import requires --in")
			}
			data, err := os.ReadFile(inPath)
			if err != nil {
				return mapCommandError(err)
			}
			var snapshot storage.Snapshot
			if err := json.Unmarshal(data, &snapshot); err != nil {
				return usageErrorf("decode %s: %v", inPath, err)
			}
			return withApp(cmd.Context(), deps, func(ctx context.Context, a *app) error {
				backend, err := a.backend(ctx)
				if err != nil {
					return err
				}
				if err := backend.ImportData(ctx, snapshot); err != nil {
					return err
				}
				return printStatus(deps, "imported", inPath)
			})
		},
	}
	cmd.Flags().StringVar(&inPath, "in", "", "Input file")
	return cmd
}

func exactArgs(n int, msg string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != n {
			return usageErrorf("%s", msg)
		}
		return nil
	}
}

func printRecords(deps commandDeps, rows []storage.Record) error {
	if deps.globals.JSON {
		if rows == nil {
			rows = []storage.Record{}
		}
		return printJSON(deps.out, rows)
	}
	for _, row := range rows {
		if _, err := fmt.Fprintln(deps.out, formatRecord(row)); err != nil {
			return err
		}
	}
	return nil
}

func printCount(deps commandDeps, label string, n int) error {
	if deps.globals.JSON {
		return printJSON(deps.out, map[string]int{label: n})
	}
	_, err := fmt.Fprintf(deps.out, "%s: %d\n", label, n)
	return err
}

func printStatus(deps commandDeps, label string, value any) error {
	if deps.globals.JSON {
		return printJSON(deps.out, map[string]any{label: value})
	}
	_, err := fmt.Fprintf(deps.out, "%s: %v\n", label, value)
	return err
}
