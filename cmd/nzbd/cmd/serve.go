package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/javi11/nzbd/internal/config"
	"github.com/javi11/nzbd/internal/engine"
	"github.com/javi11/nzbd/internal/slogutil"
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the download engine",
		Long:  `Start the nzbd download engine using configuration from a YAML file.`,
		RunE:  runServe,
	}

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	mgr := config.NewManager(configFile)
	cfg, err := mgr.Load()
	if err != nil {
		slog.Default().Error("failed to load config", "err", err)
		os.Exit(1)
	}

	slogutil.Setup(cfg.Log)

	eng := engine.New(*cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil {
		slog.Default().Error("engine failed", "err", err)
		os.Exit(1)
	}
	return nil
}
