// fleetd is the drone fleet coordination server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/DevSkoll/drone-fleet-manager/internal/config"
	"github.com/DevSkoll/drone-fleet-manager/internal/drone"
	"github.com/DevSkoll/drone-fleet-manager/internal/logging"
	"github.com/DevSkoll/drone-fleet-manager/internal/server"
	"github.com/DevSkoll/drone-fleet-manager/internal/store"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "fleetd",
		Short:        "Drone fleet coordination server",
		SilenceUsage: true,
	}
	root.AddCommand(
		newServeCmd(),
		newHashKeyCmd(),
		newVersionCmd(),
	)
	return root
}

func newServeCmd() *cobra.Command {
	var configFile string
	v := config.NewViper("")

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fleet server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configFile != "" {
				v.SetConfigFile(configFile)
				v.SetConfigType("yaml")
			}
			cfg, err := config.Load(v)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "YAML config file")
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		panic(err)
	}
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, closer, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	log.Info().
		Str("version", version).
		Str("store", cfg.Store.Driver).
		Dur("idle_timeout", cfg.WebSocket.IdleTimeout).
		Bool("auth", cfg.Security.AuthEnabled).
		Msg("fleetd starting")

	var (
		drones drone.Store
		events *store.Store
	)
	switch cfg.Store.Driver {
	case "sqlite":
		db, err := store.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("initialize database: %w", err)
		}
		defer func() { _ = db.Close() }()
		events = store.New(log, db)
		drones = events
	default:
		drones = drone.NewMemoryStore()
	}

	srv := server.New(cfg, drones, events, log)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newHashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key [key]",
		Short: "Print the bcrypt hash of a worker key for security.worker_key_hash",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := readKey(cmd, args)
			if err != nil {
				return err
			}
			hash, err := server.HashKey(key)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
}

// readKey takes the key from args, or prompts without echo on a terminal,
// or reads one line from stdin.
func readKey(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "Worker key: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	b, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 4096))
	if err != nil {
		return "", err
	}
	key := strings.TrimRight(string(b), "\r\n")
	if key == "" {
		return "", errors.New("empty key")
	}
	return key, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
