package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/weftworks/weft/internal/compiler"
	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/demo"
	"github.com/weftworks/weft/internal/engine"
	"github.com/weftworks/weft/internal/gateway"
	"github.com/weftworks/weft/internal/pgstore"
	"github.com/weftworks/weft/internal/store"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ConfigPath string

	// IDGen allows overriding the request-id generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDGen engine.IDGenerator
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and HTTP gateway",
		Long: `Run the weft engine and its HTTP gateway.

The server loads concept and rule manifests from the configured manifest
directory, opens the action log (SQLite or Postgres), and serves requests
on the configured listen address until SIGINT or SIGTERM. The config file
is watched; log-level changes apply without a restart.

Example:
  weft serve --config weft.yaml
  weft serve --config /etc/weft/weft.yaml --verbose`,
		Args:          exactArgs(0),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "weft.yaml", "path to config file")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	watcher, err := config.NewWatcher(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	defer func() {
		if stopErr := watcher.Stop(); stopErr != nil {
			slog.Error("error stopping config watcher", "error", stopErr)
		}
	}()
	cfg := watcher.Config()

	// Configure logging. The watcher adjusts the level when log_level
	// changes on disk; --verbose pins it to debug regardless.
	levelVar := new(slog.LevelVar)
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid log level", err)
	}
	if opts.Verbose {
		level = slog.LevelDebug
	}
	levelVar.Set(level)
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})
	slog.SetDefault(slog.New(handler))
	if !opts.Verbose {
		watcher.BindLogLevel(levelVar)
	}

	// Compile manifests
	slog.Info("loading manifests", "dir", cfg.ManifestDir)
	manifest, loadErrors := compiler.LoadDir(cfg.ManifestDir, demo.Guards(), compiler.LoadModeFailFast)
	if len(loadErrors) > 0 {
		return WrapExitError(ExitCommandError, "failed to load manifests", loadErrors[0])
	}
	rules, err := manifest.RuleRegistry()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to register rules", err)
	}
	slog.Info("manifests loaded",
		"files", manifest.FileCount,
		"concepts", len(manifest.Concepts),
		"rules", len(manifest.Rules),
	)

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Open the action log
	slog.Info("opening store", "driver", cfg.Store.Driver)
	log, closeLog, err := openLog(ctx, cfg.Store)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer func() {
		if closeErr := closeLog(); closeErr != nil {
			slog.Error("error closing store", "error", closeErr)
		}
	}()

	// Build the concept registry; ratings only when Redis is configured.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisOpts, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			return WrapExitError(ExitCommandError, "invalid redis_url", parseErr)
		}
		redisClient = redis.NewClient(redisOpts)
		defer func() {
			if closeErr := redisClient.Close(); closeErr != nil {
				slog.Error("error closing redis client", "error", closeErr)
			}
		}()
	}
	concepts, err := demo.Concepts(redisClient)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build concepts", err)
	}

	idGen := opts.IDGen
	if idGen == nil {
		idGen = engine.UUIDv7Generator{}
	}
	eng := engine.New(log, rules, concepts,
		engine.WithRequestTimeout(cfg.RequestTimeout.Duration()),
		engine.WithMaxDepth(cfg.MaxDepth),
		engine.WithIDGenerator(idGen),
	)
	if err := eng.Restore(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to restore engine clock", err)
	}

	if err := watcher.Start(); err != nil {
		return WrapExitError(ExitCommandError, "failed to watch config file", err)
	}

	engDone := make(chan error, 1)
	go func() { engDone <- eng.Run(ctx) }()

	fmt.Fprintf(cmd.OutOrStdout(), "Serving on %s. Press Ctrl-C to stop.\n", cfg.Listen)

	// Both stores can answer a ping, so /healthz reports backend
	// readiness rather than bare liveness.
	var gwOpts []gateway.Option
	if hc, ok := log.(gateway.HealthChecker); ok {
		gwOpts = append(gwOpts, gateway.WithHealth(hc))
	}
	gwErr := gateway.New(eng, gwOpts...).ListenAndServe(ctx, cfg.Listen)

	// The gateway has returned, on shutdown or on failure; either way the
	// engine must come down with it.
	cancel()
	runErr := <-engDone

	if gwErr != nil {
		return WrapExitError(ExitFailure, "gateway error", gwErr)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", runErr)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// openLog opens the configured action-log backend. Both drivers satisfy
// engine.Log; the returned closer releases whichever one was opened.
func openLog(ctx context.Context, sc config.StoreConfig) (engine.Log, func() error, error) {
	switch sc.Driver {
	case "postgres":
		st, err := pgstore.Open(ctx, sc.DSN)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	default:
		st, err := store.Open(sc.Path)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	}
}
