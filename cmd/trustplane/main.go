// Package main is the entry point for the trustplane binary. It provides a
// CLI for validating, inspecting, and serving TLS trust configuration.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/polisai/trustplane/internal/tlscontext"
	"github.com/polisai/trustplane/pkg/config"
	"github.com/polisai/trustplane/pkg/logging"
	"github.com/polisai/trustplane/pkg/stats"
	"github.com/polisai/trustplane/pkg/telemetry"
)

const (
	defaultConfigPath        = "trustplane.yaml"
	serviceName              = "trustplane"
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "trustplane",
		Short: "TLS trust-and-session engine",
		Long: `Builds immutable TLS contexts from configuration: certificate loading,
peer verification policy, ALPN negotiation, and encrypted session-resumption
tickets with key rotation.`,
	}

	rootCmd.PersistentFlags().StringP("config", "c", defaultConfigPath, "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newValidateCmd(), newInspectCmd(), newWatchCmd())
	return rootCmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration by building its TLS contexts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			manager, err := tlscontext.NewManager(cfg, tlscontext.Dependencies{Logger: newSlogger(cmd)})
			if err != nil {
				return fmt.Errorf("configuration rejected: %w", err)
			}
			defer manager.Close()

			fmt.Println("configuration OK")
			return nil
		},
	}
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Print certificate and context details for a configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			manager, err := tlscontext.NewManager(cfg, tlscontext.Dependencies{Logger: newSlogger(cmd)})
			if err != nil {
				return err
			}
			defer manager.Close()

			now := time.Now()
			printContext := func(label string, c *tlscontext.Context) {
				if c == nil {
					return
				}
				fmt.Printf("%s context %s\n", label, c.ID())
				fmt.Printf("  verify mode: %s\n", c.VerifyMode())
				if info := c.CACertInfo(now); info != "" {
					fmt.Printf("  CA: %s\n", info)
				}
				if info := c.CertChainInfo(now); info != "" {
					fmt.Printf("  chain: %s\n", info)
				}
				fmt.Printf("  days until first cert expires: %d\n", c.DaysUntilFirstCertExpires(now))
				if c.Role() == tlscontext.RoleServer {
					digest := c.SessionContextDigest()
					fmt.Printf("  session context digest: %x\n", digest)
				}
				if sni := c.SNI(); sni != "" {
					fmt.Printf("  sni: %s\n", sni)
				}
			}

			printContext("server", manager.ServerContext())
			printContext("client", manager.ClientContext())
			return nil
		},
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Serve metrics and rebuild contexts when certificate files change",
		RunE:  runWatch,
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, logLevel, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logging.SetupLogger(logging.Config{Level: logLevel, Pretty: cfg.Logging.Pretty})
	componentLogger := logging.Component(serviceName)
	componentLogger.Info().Msg("starting certificate watch daemon")
	logger := newSlogger(cmd)

	shutdownTelemetry, err := telemetry.SetupProvider(cmd.Context(), telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	store := stats.NewStore()
	manager, err := tlscontext.NewManager(cfg, tlscontext.Dependencies{
		Scope:  store,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer manager.Close()

	if err := manager.WatchFiles(); err != nil {
		return fmt.Errorf("certificate watching: %w", err)
	}

	expiryGauge := store.Gauge("ssl.days_until_first_cert_expiring")
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			expiryGauge.Set(float64(minDaysUntilExpiry(manager)))
			select {
			case <-ticker.C:
			case <-cmd.Context().Done():
				return
			}
		}
	}()

	addr := cfg.Metrics.ListenAddress
	if addr == "" {
		addr = ":9901"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", store.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func minDaysUntilExpiry(manager *tlscontext.Manager) uint32 {
	now := time.Now()
	days := uint32(math.MaxUint32)
	if c := manager.ServerContext(); c != nil {
		if d := c.DaysUntilFirstCertExpires(now); d < days {
			days = d
		}
	}
	if c := manager.ClientContext(); c != nil {
		if d := c.DaysUntilFirstCertExpires(now); d < days {
			days = d
		}
	}
	return days
}

func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, "", err
	}
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	if cfg.Logging.Level != "" {
		logLevel = cfg.Logging.Level
	}
	return cfg, logLevel, nil
}

func newSlogger(cmd *cobra.Command) *slog.Logger {
	levelName, _ := cmd.Flags().GetString("log-level")
	var level slog.Level
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
