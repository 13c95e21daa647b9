// Command aegis runs the prompt security gateway: a multi-tenant HTTP
// service that screens prompts through a three-layer defense pipeline
// before forwarding them to the core model.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"aegis/internal/config"
	"aegis/internal/gateway"
	"aegis/internal/ledger"
	"aegis/internal/logging"
	"aegis/internal/server"
)

var version = "dev"

var (
	flagConfig  string
	flagVerbose bool
)

func main() {
	// .env is optional; absence is not an error.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "aegis",
		Short:         "Multi-tenant prompt security gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to config file")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(serveCmd(), validateChainCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if flagVerbose {
		cfg.Logging.DebugMode = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newZap() (*zap.Logger, error) {
	if flagVerbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			zlog, err := newZap()
			if err != nil {
				return err
			}
			defer zlog.Sync()

			if err := logging.Initialize(cfg.LogsDir(), logging.Options{
				DebugMode:  cfg.Logging.DebugMode,
				Level:      cfg.Logging.Level,
				JSONFormat: cfg.Logging.JSONFormat,
				Categories: cfg.Logging.Categories,
			}); err != nil {
				return fmt.Errorf("failed to initialize category logs: %w", err)
			}
			defer logging.CloseAll()

			zlog.Info("booting gateway",
				zap.String("version", version),
				zap.String("provider", cfg.LLM.Provider),
				zap.String("addr", cfg.Server.Addr),
			)

			manager, err := gateway.NewManager(cfg)
			if err != nil {
				return err
			}

			srv := server.New(cfg, manager)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Run() }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				zlog.Info("shutting down", zap.String("signal", sig.String()))
			}

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				zlog.Warn("shutdown incomplete", zap.Error(err))
				return err
			}
			zlog.Info("shutdown complete")
			return nil
		},
	}
}

func validateChainCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "validate-chain [client-id]",
		Short: "Verify the integrity of tenant audit ledgers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := logging.Initialize(cfg.LogsDir(), logging.Options{}); err != nil {
				return err
			}
			defer logging.CloseAll()

			var tenants []string
			switch {
			case all:
				entries, err := os.ReadDir(filepath.Join(cfg.DataDir, "clients"))
				if err != nil {
					return fmt.Errorf("failed to list tenants: %w", err)
				}
				for _, e := range entries {
					if e.IsDir() {
						tenants = append(tenants, e.Name())
					}
				}
			case len(args) == 1:
				tenants = args
			default:
				return fmt.Errorf("pass a client id or --all")
			}

			failed := 0
			for _, id := range tenants {
				dir, err := cfg.TenantDir(id)
				if err != nil {
					return err
				}
				led, err := ledger.New(id, dir)
				if err != nil {
					return fmt.Errorf("tenant %s: %w", id, err)
				}
				if err := led.Validate(); err != nil {
					failed++
					fmt.Printf("%s: TAMPERED (%v)\n", id, err)
					continue
				}
				fmt.Printf("%s: OK (height %d)\n", id, led.Height())
			}
			if failed > 0 {
				return fmt.Errorf("%d chain(s) failed validation", failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "validate every tenant under the data dir")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("aegis", version)
		},
	}
}
