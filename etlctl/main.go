package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/department-for-transport-BODS/bods-backend-sub005/config"
	"github.com/department-for-transport-BODS/bods-backend-sub005/handler"
	"github.com/department-for-transport-BODS/bods-backend-sub005/logging"
	"github.com/department-for-transport-BODS/bods-backend-sub005/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg *config.Config

	rootCmd := &cobra.Command{
		Use:           "etlctl",
		Short:         "Operate the timetable ETL pipeline from a shell",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			c, err := config.Load()
			if err != nil {
				return err
			}
			logging.Setup(c.LogLevel, c.ProjectEnv)
			cfg = c
			return nil
		},
	}
	load := func() *config.Config { return cfg }

	rootCmd.AddCommand(
		newHandlersCmd(),
		newInvokeCmd(load),
		newRunCmd(load),
		newArchiveCmd(load),
		newMigrateCmd(load),
	)
	return rootCmd
}

func newHandlersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "handlers",
		Short: "List the handler names accepted by invoke",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			names := make([]string, 0)
			for name := range handler.NewRegistry() {
				names = append(names, name)
			}
			sort.Strings(names)
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(names, "\n"))
			return nil
		},
	}
}

func newInvokeCmd(load func() *config.Config) *cobra.Command {
	var payload string

	cmd := &cobra.Command{
		Use:   "invoke <handler>",
		Short: "Run one handler with a JSON payload",
		Long:  "Run one handler with a JSON payload. A payload starting with @ is read from that file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := []byte(payload)
			if strings.HasPrefix(payload, "@") {
				data, err := ioutil.ReadFile(strings.TrimPrefix(payload, "@"))
				if err != nil {
					return err
				}
				body = data
			}
			resp, err := handler.NewRuntime(load()).Invoke(context.Background(), args[0], body)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().StringVarP(&payload, "payload", "p", "{}", "JSON payload or @file")
	return cmd
}

func newRunCmd(load func() *config.Config) *cobra.Command {
	var bucket, key string

	cmd := &cobra.Command{
		Use:   "run <revision-id>",
		Short: "Run every step for one upload in-process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			revisionID, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid revision id %q", args[0])
			}
			cfg := load()
			if bucket == "" {
				bucket = cfg.FileBucket
			}
			deps, err := handler.BuildDeps(cfg)
			if err != nil {
				return err
			}
			status, err := handler.RunPipeline(context.Background(), deps, revisionID, bucket, key)
			if err != nil {
				return err
			}
			return printJSON(cmd, handler.FinalizeOutput{Status: status})
		},
	}
	cmd.Flags().StringVar(&bucket, "bucket", "", "bucket holding the upload (default FILE_BUCKET)")
	cmd.Flags().StringVar(&key, "key", "", "object key of the upload")
	cmd.MarkFlagRequired("key")
	return cmd
}

func newArchiveCmd(load func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:       "archive <VM|TL|RT>",
		Short:     "Snapshot a realtime feed into the archive bucket",
		Args:      cobra.ExactValidArgs(1),
		ValidArgs: []string{"VM", "TL", "RT"},
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := handler.BuildDeps(load())
			if err != nil {
				return err
			}
			result, err := deps.Archiver.Archive(context.Background(), storage.CAVLDataFormat(args[0]))
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
}

func newMigrateCmd(load func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the catalog tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := storage.NewPostgresORMDB(load().Postgres.URI())
			if err != nil {
				return err
			}
			defer db.Close()
			if err := storage.Migrate(db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "catalog migrated")
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
