package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/classroll/classroll/internal/backup"
	"github.com/spf13/cobra"
)

func newBackupCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Backup operations",
		Example: "  classroll backup create\n" +
			"  classroll backup create --s3\n" +
			"  classroll backup restore --in ./classroll.backup.tar.gz",
	}
	cmd.AddCommand(
		newBackupCreateCommand(deps),
		newBackupRestoreCommand(deps),
	)
	return cmd
}

func newBackupCreateCommand(deps commandDeps) *cobra.Command {
	var (
		outputPath string
		toS3       bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Snapshot every table into a backup archive",
		Args:  exactArgs(0, "backup create does not accept positional arguments"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if toS3 && strings.TrimSpace(outputPath) != "" {
				return usageErrorf("--out and --s3 are mutually exclusive")
			}
			return withApp(cmd.Context(), deps, func(ctx context.Context, a *app) error {
				now := time.Now().UTC()
				storageKey := a.factory.Config().StorageKey()

				dst, err := a.backupDestination(ctx, toS3, outputPath, func() string {
					name := fmt.Sprintf("%s-%s.tar.gz", storageKey, now.Format("20060102T150405Z"))
					return filepath.Join(a.cfg.Backup.Dir, name)
				})
				if err != nil {
					return err
				}

				backend, err := a.backend(ctx)
				if err != nil {
					return err
				}
				opts := backup.Options{StorageKey: storageKey, Now: func() time.Time { return now }}
				if a.cfg.Backup.Encrypt {
					opts.Crypto = a.crypto
				}
				manifest, err := backup.Export(ctx, backend, dst, opts)
				if err != nil {
					return err
				}
				return printBackupResult(deps, "backup created", dst, manifest)
			})
		},
	}
	cmd.Flags().StringVar(&outputPath, "out", "", "Backup output path (defaults to the backup directory)")
	cmd.Flags().BoolVar(&toS3, "s3", false, "Upload to the configured S3 bucket and key")
	return cmd
}

func newBackupRestoreCommand(deps commandDeps) *cobra.Command {
	var (
		inputPath string
		fromS3    bool
	)
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Replace all data with the contents of a backup",
		Args:  exactArgs(0, "backup restore does not accept positional arguments"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if fromS3 == (strings.TrimSpace(inputPath) != "") {
				return usageErrorf("backup restore requires exactly one of --in or --s3")
			}
			return withApp(cmd.Context(), deps, func(ctx context.Context, a *app) error {
				src, err := a.backupDestination(ctx, fromS3, inputPath, nil)
				if err != nil {
					return err
				}
				backend, err := a.backend(ctx)
				if err != nil {
					return err
				}
				manifest, err := backup.Restore(ctx, backend, src, a.crypto)
				if err != nil {
					return err
				}
				return printBackupResult(deps, "backup restored", src, manifest)
			})
		},
	}
	cmd.Flags().StringVar(&inputPath, "in", "", "Backup input path")
	cmd.Flags().BoolVar(&fromS3, "s3", false, "Download from the configured S3 bucket and key")
	return cmd
}

func (a *app) backupDestination(ctx context.Context, useS3 bool, path string, defaultPath func() string) (backup.Destination, error) {
	if useS3 {
		if a.cfg.Backup.S3Bucket == "" || a.cfg.Backup.S3Key == "" {
			return nil, usageErrorf("--s3 requires backup.s3_bucket and backup.s3_key in the config")
		}
		return newS3Destination(ctx, a.cfg.Backup)
	}
	if strings.TrimSpace(path) == "" && defaultPath != nil {
		path = defaultPath()
	}
	return backup.FileDestination{Path: path}, nil
}

func printBackupResult(deps commandDeps, label string, dst backup.Destination, manifest *backup.Manifest) error {
	if deps.globals.JSON {
		return printJSON(deps.out, map[string]any{
			"destination": dst.String(),
			"manifest":    manifest,
		})
	}
	_, err := fmt.Fprintf(deps.out, "%s: %s (%d rows, encrypted=%t)\n", label, dst.String(), manifest.Rows(), manifest.Encrypted)
	return err
}
