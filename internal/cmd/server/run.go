package serverrun

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rzbill/relay/internal/auth"
	"github.com/rzbill/relay/internal/backend"
	cfgpkg "github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/internal/jobs"
	"github.com/rzbill/relay/internal/objstore"
	"github.com/rzbill/relay/internal/permissions"
	"github.com/rzbill/relay/internal/registration"
	"github.com/rzbill/relay/internal/runtime"
	grpcserver "github.com/rzbill/relay/internal/server/grpc"
	httpserver "github.com/rzbill/relay/internal/server/http"
	pebblestore "github.com/rzbill/relay/internal/storage/pebble"
	"github.com/rzbill/relay/internal/transport"
	logpkg "github.com/rzbill/relay/pkg/log"
)

func getenvDefault(key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

// small wrapper to allow testing
var getenv = func(key string) string { return os.Getenv(key) }

type Options struct {
	DataDir       string
	GRPCAddr      string
	HTTPAddr      string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
	// LogLevel and LogFormat override RELAY_LOG_LEVEL and RELAY_LOG_FORMAT.
	LogLevel  string
	LogFormat string
	Version   string
	// Objects and Dialer override the configured object store and transport.
	Objects objstore.Store
	Dialer  transport.Dialer
}

// buildLogger applies level/format from opts, then env, then defaults.
func buildLogger(opts Options) (logpkg.Logger, *logpkg.Config) {
	cfg := &logpkg.Config{
		Level:  opts.LogLevel,
		Format: opts.LogFormat,
	}
	if cfg.Level == "" {
		cfg.Level = getenvDefault("RELAY_LOG_LEVEL", "info")
	}
	if cfg.Format == "" {
		cfg.Format = getenvDefault("RELAY_LOG_FORMAT", "text")
	}
	logger, err := logpkg.ApplyConfig(cfg)
	if err != nil {
		lvl := logpkg.InfoLevel
		if l, e := logpkg.ParseLevel(cfg.Level); e == nil {
			lvl = l
		}
		logger = logpkg.NewLogger(logpkg.WithLevel(lvl), logpkg.WithFormatter(&logpkg.TextFormatter{}))
	}
	return logger, cfg
}

// Run starts the backend loop with its gRPC and HTTP servers and blocks
// until ctx is cancelled or a signal arrives.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.DataDir == "" {
		opts.DataDir = cfgpkg.DefaultDataDir()
	}
	if opts.GRPCAddr == "" {
		opts.GRPCAddr = opts.Config.GRPCAddr
	}
	if opts.HTTPAddr == "" {
		opts.HTTPAddr = opts.Config.HTTPAddr
	}
	if err := opts.Config.Validate(); err != nil {
		return err
	}

	procLogger, logCfg := buildLogger(opts)
	// Pebble and the broker clients log through the standard logger.
	logpkg.RedirectStdLog(procLogger)

	storeDir := filepath.Join(opts.DataDir, "store")
	rt, err := runtime.Open(runtime.Options{
		DataDir:       storeDir,
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
		Config:        opts.Config,
		Objects:       opts.Objects,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg := opts.Config
	procLogger.Info("relay.start",
		logpkg.Str("label", cfg.Label),
		logpkg.Str("grpc", opts.GRPCAddr),
		logpkg.Str("http", opts.HTTPAddr),
		logpkg.Str("objects", cfg.Objects.Kind),
		logpkg.Str("transport", cfg.Transport.Kind),
		logpkg.Str("level", logCfg.Level),
		logpkg.Str("format", logCfg.Format),
	)

	dialer := opts.Dialer
	if dialer == nil {
		dialer, err = transport.New(cfg.Transport, procLogger)
		if err != nil {
			return err
		}
	}
	verifier, err := auth.New(cfg.Auth.Mode, cfg.Auth.Audience, cfg.Auth.Tokens)
	if err != nil {
		return err
	}
	authz, err := permissions.New(sctx, rt.KV(), cfg.AdminUserID, cfg.AppendPolicy, procLogger)
	if err != nil {
		return err
	}
	engine := jobs.NewEngine(jobs.Builtins(), cfg.Jobs.Workers, cfg.Jobs.QueueSize, procLogger)
	defer engine.Close()

	registrar := registration.NewWithLogger(registration.Options{
		AppURL:           cfg.AppURL,
		Label:            cfg.Label,
		ObjectStorageURL: cfg.Objects.PublicURL,
		Objects:          rt.Objects(),
	}, procLogger)

	b := backend.NewWithLogger(backend.Deps{
		Dialer:      dialer,
		Registrar:   registrar,
		Objects:     rt.Objects(),
		Feeds:       rt.Feeds(),
		Jobs:        engine,
		Permissions: authz,
		Verifier:    verifier,
	}, backend.Options{
		Timing:           cfg.Timing,
		MaxSubscriptions: cfg.MaxSubscriptions,
		Version:          opts.Version,
	}, procLogger)

	gsrv := grpcserver.New(rt, b, procLogger)
	hsrv := httpserver.New(rt, b, procLogger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := b.Run(sctx); err != nil {
			procLogger.Error("backend.run_failed", logpkg.Err(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gsrv.ListenAndServe(sctx, opts.GRPCAddr); err != nil && sctx.Err() == nil {
			procLogger.Error("grpc.serve_failed", logpkg.Err(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(sctx, opts.HTTPAddr); err != nil && sctx.Err() == nil {
			procLogger.Error("http.serve_failed", logpkg.Err(err))
		}
	}()

	<-sctx.Done()
	// Stop servers and the loop before closing the runtime/DB.
	gsrv.Close()
	hsrv.Close()
	wg.Wait()
	procLogger.Info("relay.stopped")
	return nil
}
