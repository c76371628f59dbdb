package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/weiawesome/wes-chat-relay/internal/config"
	"github.com/weiawesome/wes-chat-relay/internal/supervisor"
	"github.com/weiawesome/wes-chat-relay/internal/worker"
	pkglog "github.com/weiawesome/wes-chat-relay/pkg/log"
)

const serviceName = "chat-relay"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "relay",
		Short:         "Multi-process chat relay",
		Long:          "Runs a pool of chat workers that share a message log and fan messages out to each other.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./config/config.yaml)")

	superviseCmd := &cobra.Command{
		Use:   "supervise",
		Short: "Start the coordinator and one worker process per CPU",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervisor(cmd.Context(), configPath)
		},
	}

	workerCmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run a single worker (normally spawned by supervise)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), configPath)
		},
	}

	standaloneCmd := &cobra.Command{
		Use:   "standalone",
		Short: "Run the worker pool inside one process over an in-memory bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStandalone(cmd.Context(), configPath)
		},
	}

	rootCmd.AddCommand(superviseCmd, workerCmd, standaloneCmd)
	rootCmd.RunE = superviseCmd.RunE

	return rootCmd
}

// loadConfig reads the config and initialises the global logger. Only
// worker processes tag their logs with a worker id.
func loadConfig(path string, isWorker bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	workerID := -1
	if isWorker {
		workerID = cfg.Server.WorkerID
	}
	pkglog.Init(cfg.Log.Logger(serviceName, workerID))
	return cfg, nil
}

func runSupervisor(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath, false)
	if err != nil {
		return err
	}
	logger := pkglog.L()

	coordinator, err := supervisor.NewCoordinator(cfg.PubSub, logger)
	if err != nil {
		logger.Error().Err(err).Msg("invalid pubsub configuration")
		return err
	}

	args := []string{"worker"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	launcher, err := supervisor.NewProcessLauncher(args...)
	if err != nil {
		return err
	}

	s := supervisor.New(
		supervisor.OptionsFromConfig(cfg.Supervisor),
		launcher,
		coordinator,
		supervisor.NewHTTPHealthChecker(cfg.Supervisor.HealthTimeout),
		logger,
	)
	if err := s.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("supervisor stopped")
		return err
	}
	return nil
}

func runWorker(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath, true)
	if err != nil {
		return err
	}
	return worker.New(cfg).Run(ctx)
}
