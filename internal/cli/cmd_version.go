package cli

import (
	"fmt"

	"github.com/classroll/classroll/internal/storage"
	"github.com/spf13/cobra"
)

type versionInfo struct {
	BuildInfo
	SchemaVersion int `json:"schema_version"`
}

func newVersionCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build and schema version",
		Long:  "Print the build metadata and the relational schema version this binary migrates stores to.",
		Example: "  classroll version\n" +
			"  classroll --json version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("version does not accept positional arguments")
			}
			info := versionInfo{BuildInfo: deps.build, SchemaVersion: storage.CurrentSchemaVersion()}
			if deps.globals.JSON {
				return mapCommandError(printJSON(deps.out, info))
			}
			_, err := fmt.Fprintf(deps.out, "version=%s commit=%s build_time=%s schema=%d\n",
				info.Version, info.Commit, info.BuildTime, info.SchemaVersion)
			return mapCommandError(err)
		},
	}
}
