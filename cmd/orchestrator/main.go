package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/web4ai/orchestrator/pkg/api"
	"github.com/web4ai/orchestrator/pkg/config"
	"github.com/web4ai/orchestrator/pkg/log"
	"github.com/web4ai/orchestrator/pkg/orchestrator"
	"github.com/web4ai/orchestrator/pkg/storage"
)

var version = "dev"

var (
	flagConfig   string
	flagListen   string
	flagDataDir  string
	flagLogLevel string
	flagLogJSON  bool
)

func main() {
	root := &cobra.Command{
		Use:   "orchestrator",
		Short: "Distributed compute network control plane",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "path to config file")
	serveCmd.Flags().StringVar(&flagListen, "listen", "", "api listen address (overrides config)")
	serveCmd.Flags().StringVar(&flagDataDir, "data-dir", "", "state directory (overrides config)")
	serveCmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	serveCmd.Flags().BoolVar(&flagLogJSON, "log-json", false, "emit JSON logs")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	root.AddCommand(serveCmd, versionCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	log.Init(log.Config{
		Level:      log.Level(flagLogLevel),
		JSONOutput: flagLogJSON,
	})

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagListen != "" {
		cfg.API.Listen = flagListen
	}
	if flagDataDir != "" {
		cfg.Storage.DataDir = flagDataDir
	}

	var store storage.Store
	if cfg.Storage.DataDir != "" {
		bs, err := storage.NewBoltStore(cfg.Storage.DataDir)
		if err != nil {
			return err
		}
		store = bs
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Config: cfg,
		Store:  store,
	})
	if err != nil {
		return err
	}
	if err := orch.Start(); err != nil {
		return err
	}

	server := api.NewServer(orch, cfg)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Logger.Error().Err(err).Msg("api shutdown failed")
	}
	return orch.Shutdown(ctx)
}
