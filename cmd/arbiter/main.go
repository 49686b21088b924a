package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/arbiter/client"
	"github.com/mistakeknot/arbiter/internal/auth"
	"github.com/mistakeknot/arbiter/internal/cli"
	"github.com/mistakeknot/arbiter/internal/config"
	"github.com/mistakeknot/arbiter/internal/coord"
	httpapi "github.com/mistakeknot/arbiter/internal/http"
	"github.com/mistakeknot/arbiter/internal/logging"
	"github.com/mistakeknot/arbiter/internal/server"
	"github.com/mistakeknot/arbiter/internal/storage/sqlite"
	"github.com/mistakeknot/arbiter/internal/ws"
)

func main() {
	root := &cobra.Command{
		Use:          "arbiter",
		Short:        "Cross-process coordination server",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), initKeysCmd(), statsCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default arbiter.yaml)")
	return cmd
}

func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.LoadFromEnv()
}

func runServe(ctx context.Context, cfg config.Config) error {
	log := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	defer store.Close()

	keyring, err := auth.LoadKeyring(cfg.KeysFile)
	if err != nil {
		return fmt.Errorf("auth init: %w", err)
	}

	c := coord.New(sqlite.NewResilient(store), coord.Config{
		LockTTL:          cfg.LockTTL,
		ClaimTTL:         cfg.ClaimTTL,
		CleanupInterval:  cfg.CleanupInterval,
		OrphanThreshold:  cfg.OrphanThreshold,
		WarningThreshold: cfg.WarningThreshold,
		JournalRetention: cfg.JournalRetention,
	}, coord.WithLogger(log))

	hub := ws.NewHub()
	c.Bus().Subscribe(hub.Broadcast)

	svc := httpapi.NewService(c).WithLogger(log)
	router := httpapi.NewRouter(svc, hub.Handler(), auth.Middleware(keyring))

	srv, err := server.New(server.Config{
		Addr:       cfg.Addr,
		SocketPath: cfg.SocketPath,
		Handler:    router,
	})
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper := coord.NewSweeper(c, cfg.CleanupInterval)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	log.Info("arbiter listening", "addr", cfg.Addr, "socket", cfg.SocketPath, "db", cfg.DBPath)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func initKeysCmd() *cobra.Command {
	var keysPath, project string
	cmd := &cobra.Command{
		Use:   "init-keys",
		Short: "Generate an API key for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if keysPath == "" {
				keysPath = auth.ResolveKeysPath()
			}
			key, err := cli.InitKeysFile(keysPath, project)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key added for %s in %s:\n%s\n", project, keysPath, key)
			return nil
		},
	}
	cmd.Flags().StringVar(&keysPath, "keys-file", "", "keys file path")
	cmd.Flags().StringVar(&project, "project", "dev", "project name")
	return cmd
}

func statsCmd() *cobra.Command {
	var baseURL, apiKey string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print server statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cl := client.New(baseURL, client.WithAPIKey(apiKey))
			stats, err := cl.Stats(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://127.0.0.1:7463", "server base URL")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "bearer key")
	return cmd
}
