package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/ScribeDrop/internal/app"
	"github.com/dharsanguruparan/ScribeDrop/internal/config"
	"github.com/dharsanguruparan/ScribeDrop/internal/database"
	"github.com/dharsanguruparan/ScribeDrop/internal/logging"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
			pool, err := database.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := database.EnsureSchema(ctx, pool); err != nil {
				return err
			}
			caps, err := database.DetectCapabilities(ctx, pool, cfg.SchemaExtended)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema ready (extended columns: %t)\n", caps.Extended)
			return nil
		},
	}
}

func newProcessCmd() *cobra.Command {
	var async bool
	cmd := &cobra.Command{
		Use:   "process <job-id>",
		Short: "Run a processing attempt for an uploaded job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				if async {
					taskID, err := a.Queue.Enqueue(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return printJSON(cmd, map[string]string{"jobId": args[0], "taskId": taskID})
				}
				job, err := a.Pipeline.StartProcessing(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, job)
			})
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "Enqueue the attempt instead of running it inline")
	return cmd
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Reset an errored job and process it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				job, err := a.Pipeline.Retry(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, job)
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show state and progress of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				status, err := a.Jobs.GetStatus(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, status)
			})
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a job and its stored blobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				if err := a.Jobs.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func newSweepCmd() *cobra.Command {
	var minutes int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Mark running jobs older than the threshold as errored",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				if !cmd.Flags().Changed("minutes") {
					minutes = a.Config.WatchdogMinutes
				}
				report, err := a.Watchdog.SweepStale(cmd.Context(), minutes)
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			})
		},
	}
	cmd.Flags().IntVar(&minutes, "minutes", 30, "Staleness threshold in minutes")
	return cmd
}
