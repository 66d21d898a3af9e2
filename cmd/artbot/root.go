package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/artbot/artbot/internal/config"
	"github.com/artbot/artbot/internal/store"
)

const appName = "artbot"

func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Artbot - image generation client for the Stable Horde",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(appName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().Bool("json", false, "output in JSON format")

	cmd.AddCommand(
		NewServeCmd(),
		NewImagesCmd(),
		NewDeleteCmd(),
		NewStagedCmd(),
	)
	return cmd
}

// setupLogging installs the JSON slog handler at the configured level.
func setupLogging(cfg *config.Config) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))
}

// openStore loads the configuration and opens the local image store.
func openStore() (*config.Config, *store.SQLiteStore, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}
