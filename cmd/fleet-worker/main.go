// fleet-worker is a simulated drone worker for exercising a fleet server.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/DevSkoll/drone-fleet-manager/internal/config"
	"github.com/DevSkoll/drone-fleet-manager/internal/logging"
	"github.com/DevSkoll/drone-fleet-manager/internal/worker"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	v := config.NewViper("")

	cmd := &cobra.Command{
		Use:          "fleet-worker",
		Short:        "Simulated drone worker",
		Long:         "fleet-worker connects to a fleet server, registers a drone, heartbeats, reports synthetic telemetry and acknowledges commands.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configFile != "" {
				v.SetConfigFile(configFile)
				v.SetConfigType("yaml")
			}
			cfg, err := config.LoadWorker(v)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "YAML config file")
	if err := config.BindWorkerFlags(v, cmd.Flags()); err != nil {
		panic(err)
	}
	return cmd
}

func run(cfg *config.Worker) error {
	log, closer, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	w := worker.New(cfg, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal")
		w.Shutdown()
	}()

	return w.Run()
}
