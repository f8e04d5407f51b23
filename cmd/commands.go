package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yungbote/scenecast-backend/internal/app"
	"github.com/yungbote/scenecast-backend/internal/platform/envutil"
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "scenecast",
		Short:         "Script-to-video generation backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newWorkerCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newSweepCommand())
	return rootCmd
}

func newServeCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and progress hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Start(ctx, app.RoleServe); err != nil {
				return err
			}
			return a.Serve(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":"+envutil.String("PORT", "8080"), "HTTP listen address")
	return cmd
}

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the Temporal generation worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Start(ctx, app.RoleWorker); err != nil {
				return err
			}
			<-ctx.Done()
			a.Log.Info("worker shutting down")
			return nil
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := app.NewLogger()
			if err != nil {
				return err
			}
			defer log.Sync()
			dbs, err := app.OpenDB(log)
			if err != nil {
				return err
			}
			log.Info("schema up to date", "dialect", dbs.Dialect())
			return dbs.Close()
		},
	}
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fail stale processing jobs once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "settled %d stale job(s)\n", n)
			return nil
		},
	}
}

func newApp(cmd *cobra.Command) (*app.App, error) {
	log, err := app.NewLogger()
	if err != nil {
		return nil, err
	}
	a, err := app.New(cmd.Context(), log)
	if err != nil {
		log.Error("app init failed", "error", err)
		log.Sync()
		return nil, err
	}
	return a, nil
}
