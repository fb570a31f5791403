package cli

import (
	"io"

	"github.com/spf13/cobra"
)

type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// GlobalOptions are the persistent flags shared by every command.
type GlobalOptions struct {
	ConfigPath string
	DataDir    string
	Mode       string
	JSON       bool
	Offline    bool
}

type commandDeps struct {
	out     io.Writer
	build   BuildInfo
	globals *GlobalOptions
}

func NewRootCommand(out io.Writer, build BuildInfo) *cobra.Command {
	globals := &GlobalOptions{}
	deps := commandDeps{out: out, build: build, globals: globals}

	cmd := &cobra.Command{
		Use:           "classroll",
		Short:         "Classroll local data store",
		Long:          "Inspect and maintain the local Classroll store: records, secure values, the offline queue and backups.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageErrorf("%v", err)
	})

	flags := cmd.PersistentFlags()
	flags.StringVar(&globals.ConfigPath, "config", "", "Config file path")
	flags.StringVar(&globals.DataDir, "data-dir", "", "Data directory")
	flags.StringVar(&globals.Mode, "mode", "", "Storage mode (relational|keyvalue)")
	flags.BoolVar(&globals.JSON, "json", false, "Print output as JSON")
	flags.BoolVar(&globals.Offline, "offline", false, "Treat the device as offline")

	cmd.AddCommand(
		newVersionCommand(deps),
		newDBCommand(deps),
		newSecureCommand(deps),
		newQueueCommand(deps),
		newBackupCommand(deps),
	)
	cmd.InitDefaultCompletionCmd()
	return cmd
}
