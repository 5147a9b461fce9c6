package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"notification_scheduler/internal/app"
	"notification_scheduler/internal/domain/schedule"
	"notification_scheduler/internal/infra/config"
	idb "notification_scheduler/internal/infra/database"
	"notification_scheduler/internal/infra/logger"
)

func newRootCmd(version string) *cobra.Command {
	var cfg *config.AppConfig

	cmd := &cobra.Command{
		Use:          "scheduler",
		Short:        "Appointment notification scheduler and agent distribution router",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				return fmt.Errorf("could not load application configuration: %w", err)
			}
			logger.Init(loaded)
			cfg = loaded
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run extraction, dispatch, agent status and routing (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "init-db",
		Short: "Create the Postgres tables and indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.StorageDriver != config.StoragePostgres {
				return fmt.Errorf("init-db needs STORAGE_DRIVER=%s", config.StoragePostgres)
			}
			db, err := idb.NewPostgresConnection(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := idb.InitSchema(cmd.Context(), db); err != nil {
				return err
			}
			logger.Component("main").Info("Database schema initialized")
			return nil
		},
	})
	cmd.AddCommand(newResetCursorCmd(func() *config.AppConfig { return cfg }))

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)
	cmd.Version = version

	return cmd
}

func newResetCursorCmd(loadedConfig func() *config.AppConfig) *cobra.Command {
	var settingID int64

	cmd := &cobra.Command{
		Use:   "reset-cursor",
		Short: "Discard the extraction cursor of a schedule setting",
		RunE: func(cmd *cobra.Command, args []string) error {
			if settingID <= 0 {
				return fmt.Errorf("--setting must be a positive id")
			}
			cfg := loadedConfig()
			if cfg.StorageDriver != config.StoragePostgres {
				return fmt.Errorf("reset-cursor needs STORAGE_DRIVER=%s", config.StoragePostgres)
			}
			st, err := openStorage(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer st.Close()

			cursors := app.NewCursorManager(st.cursors, app.CursorConfig{}, logger.Component("cli"))
			err = cursors.Reset(cmd.Context(), settingID)
			switch {
			case errors.Is(err, schedule.ErrCursorNotFound):
				fmt.Fprintf(cmd.OutOrStdout(), "Setting %d has no extraction cursor.\n", settingID)
				return nil
			case err != nil:
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cursor of setting %d reset.\n", settingID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&settingID, "setting", 0, "Schedule setting id")
	_ = cmd.MarkFlagRequired("setting")
	return cmd
}
