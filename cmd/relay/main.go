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
	clientcmd "github.com/rzbill/relay/internal/cmd/client"
	serverrun "github.com/rzbill/relay/internal/cmd/server"
	cfgpkg "github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/internal/runtime"
	pebblestore "github.com/rzbill/relay/internal/storage/pebble"
	logpkg "github.com/rzbill/relay/pkg/log"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	level := os.Getenv("RELAY_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	// Redirect standard library logs (used by Pebble) to our logger
	logpkg.RedirectStdLog(logger)

	var dataDir, configPath string
	rootCmd := &cobra.Command{
		Use:     "relay",
		Short:   "relay backend and admin CLI",
		Long:    "relay runs a compute backend that tracks hash-identified tasks and fans out subfeed logs over a real-time transport.",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("RELAY_CONFIG"), "Path to a JSON config file")

	loadConfig := func() (cfgpkg.Config, error) {
		cfg, err := cfgpkg.Load(configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		cfgpkg.FromEnv(&cfg)
		return cfg, nil
	}
	storeDir := func() string {
		d := dataDir
		if d == "" {
			d = cfgpkg.DefaultDataDir()
		}
		return filepath.Join(d, "store")
	}

	backendCmd := &cobra.Command{Use: "backend", Short: "Backend commands"}
	backendStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the backend loop with its gRPC and HTTP servers",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			grpcAddr, _ := cmd.Flags().GetString("grpc")
			httpAddr, _ := cmd.Flags().GetString("http")
			label, _ := cmd.Flags().GetString("label")
			appURL, _ := cmd.Flags().GetString("app-url")
			fsyncMode, _ := cmd.Flags().GetString("fsync")
			fsyncIntervalMs, _ := cmd.Flags().GetInt("fsync-interval-ms")
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFormat, _ := cmd.Flags().GetString("log-format")

			mode := pebblestore.FsyncModeAlways
			switch fsyncMode {
			case "never":
				mode = pebblestore.FsyncModeNever
			case "interval":
				mode = pebblestore.FsyncModeInterval
			case "always":
				mode = pebblestore.FsyncModeAlways
			default:
				return fmt.Errorf("invalid --fsync; use always|interval|never")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if label != "" {
				cfg.Label = label
			}
			if appURL != "" {
				cfg.AppURL = appURL
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, serverrun.Options{
				DataDir:       dataDir,
				GRPCAddr:      grpcAddr,
				HTTPAddr:      httpAddr,
				Fsync:         mode,
				FsyncInterval: time.Duration(fsyncIntervalMs) * time.Millisecond,
				Config:        cfg,
				LogLevel:      logLevel,
				LogFormat:     logFormat,
				Version:       version,
			}); err != nil {
				return fmt.Errorf("backend error: %w", err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	backendStartCmd.Flags().String("grpc", "", "gRPC listen address (default from config, :50051)")
	backendStartCmd.Flags().String("http", "", "HTTP listen address (default from config, :8080)")
	backendStartCmd.Flags().String("label", "", "Backend label used in registration")
	backendStartCmd.Flags().String("app-url", "", "Web app base URL for registration (empty: local registration)")
	backendStartCmd.Flags().String("fsync", "always", "Fsync mode: always|interval|never")
	backendStartCmd.Flags().Int("fsync-interval-ms", 5, "When --fsync=interval, group-commit window in ms (default 5)")
	backendStartCmd.Flags().String("log-level", os.Getenv("RELAY_LOG_LEVEL"), "Log level: debug|info|warn|error")
	backendStartCmd.Flags().String("log-format", os.Getenv("RELAY_LOG_FORMAT"), "Log format: text|json (default text)")
	backendCmd.AddCommand(backendStartCmd)
	rootCmd.AddCommand(backendCmd)

	openStore := func() (*runtime.Runtime, error) {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		// Offline commands only touch the kv and feed stores.
		cfg.Objects.Kind = "local"
		return runtime.Open(runtime.Options{DataDir: storeDir(), Fsync: pebblestore.FsyncModeAlways, Config: cfg})
	}
	rootCmd.AddCommand(
		clientcmd.NewPermissionsCommand(openStore),
		clientcmd.NewSubfeedCommand(openStore, apiURL),
		clientcmd.NewStatusCommand(apiURL),
		clientcmd.NewHealthCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func apiURL() string {
	if v := os.Getenv("RELAY_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
