package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sandboxrunner/resource-slot/pkg/api"
	"github.com/sandboxrunner/resource-slot/pkg/config"
	"github.com/sandboxrunner/resource-slot/pkg/monitoring"
	"github.com/sandboxrunner/resource-slot/pkg/sandbox"
	"github.com/sandboxrunner/resource-slot/pkg/storage"
	"github.com/sandboxrunner/resource-slot/pkg/version"
)

var (
	// Global flags
	configFile    string
	logLevel      string
	logFormat     string
	listenAddress string
	httpPort      int
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "resource-slotd",
		Short: "Sandbox lifecycle and resource intent tracker",
		Long: `resource-slotd keeps a registry of sandboxes and their containers,
tracks their lifecycle status and the resources their specifications
declare, and serves it all over an HTTP API.`,
		Version:      version.Get().String(),
		SilenceUsage: true,
		RunE:         runServer,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&logFormat, "log-format", "f", "", "log format (json, text, console)")
	rootCmd.PersistentFlags().StringVar(&listenAddress, "address", "", "HTTP listen address")
	rootCmd.PersistentFlags().IntVarP(&httpPort, "port", "p", 0, "HTTP server port")

	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// applyFlags overrides configuration values with command line flags
func applyFlags(cfg *config.Config) error {
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if listenAddress != "" {
		cfg.Server.Address = listenAddress
	}
	if httpPort > 0 {
		cfg.Server.Port = httpPort
	}
	return cfg.Validate()
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := applyFlags(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, logOutput, err := setupLogging(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logOutput.Close()

	info := version.Get()
	logger.Info().
		Str("version", info.Version).
		Str("commit", info.GitCommit).
		Str("build_time", info.BuildTime).
		Str("address", cfg.ListenAddress()).
		Msg("Starting resource-slot daemon")

	if err := cfg.CreateDirectories(); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	d, err := newDaemon(cfg, logger)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress())
	if err != nil {
		_ = d.close(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddress(), err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.serve(ctx, listener); err != nil {
		logger.Error().Err(err).Msg("Server error")
		return err
	}

	logger.Info().Msg("Server shutdown complete")
	return nil
}

// daemon holds every component the server wires together
type daemon struct {
	cfg       *config.Config
	logger    zerolog.Logger
	tracing   *monitoring.TracingManager
	store     *storage.SQLiteStore
	sandboxer *sandbox.Sandboxer
	restAPI   *api.RESTAPI
	server    *http.Server
}

func newDaemon(cfg *config.Config, logger zerolog.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger}

	tracing, err := monitoring.NewTracingManager(tracingConfig(cfg.Tracing))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	d.tracing = tracing

	busConfig := sandbox.EventBusConfig{
		BufferSize:      cfg.Events.BufferSize,
		Retention:       cfg.Journal.Retention,
		CleanupInterval: cfg.Journal.CleanupInterval,
	}

	if cfg.Journal.Enabled {
		storeConfig := storage.DefaultConfig()
		storeConfig.DatabasePath = cfg.Journal.DatabasePath

		store, err := storage.NewSQLiteStore(storeConfig)
		if err != nil {
			_ = d.close(context.Background())
			return nil, fmt.Errorf("failed to open event journal: %w", err)
		}
		d.store = store
		busConfig.Persistence = storage.NewEventJournal(store)
	}

	policy, err := sandbox.ParseDuplicatePolicy(cfg.Registry.DuplicatePolicy)
	if err != nil {
		_ = d.close(context.Background())
		return nil, fmt.Errorf("invalid registry configuration: %w", err)
	}

	d.sandboxer = sandbox.NewSandboxer(sandbox.SandboxerConfig{
		EventBus:        sandbox.NewEventBus(busConfig),
		DuplicatePolicy: policy,
	})

	apiConfig := api.DefaultRESTAPIConfig()
	apiConfig.WaitTimeout = cfg.Server.WaitTimeout
	d.restAPI = api.NewRESTAPI(apiConfig, d.sandboxer, tracing, logger)

	d.server = &http.Server{
		Handler:      d.restAPI.GetRouter(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return d, nil
}

func tracingConfig(cfg config.TracingConfig) *monitoring.TracingConfig {
	tc := monitoring.DefaultTracingConfig()
	tc.Enabled = cfg.Enabled
	tc.ServiceName = cfg.ServiceName
	tc.ServiceVersion = version.Get().Version
	tc.Exporter = monitoring.TracingExporter(cfg.Exporter)
	tc.Endpoint = cfg.Endpoint
	tc.SamplingRatio = cfg.SamplingRatio
	return tc
}

// serve runs the HTTP server on listener until ctx is cancelled, then
// shuts everything down within the configured shutdown timeout
func (d *daemon) serve(ctx context.Context, listener net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		d.logger.Info().Str("address", listener.Addr().String()).Msg("HTTP server listening")
		errCh <- d.server.Serve(listener)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		d.logger.Info().Msg("Received shutdown signal")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := d.close(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// close releases components in reverse order of construction
func (d *daemon) close(ctx context.Context) error {
	var errs []error

	if d.restAPI != nil {
		d.restAPI.Close()
	}
	if d.server != nil {
		if err := d.server.Shutdown(ctx); err != nil {
			d.logger.Warn().Err(err).Msg("Graceful shutdown timeout, closing connections")
			errs = append(errs, fmt.Errorf("failed to shutdown http server: %w", err))
			_ = d.server.Close()
		}
	}
	if d.sandboxer != nil {
		if err := d.sandboxer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event journal: %w", err))
		}
	}
	if d.tracing != nil {
		if err := d.tracing.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown tracing: %w", err))
		}
	}

	return errors.Join(errs...)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// setupLogging configures the global logger. The returned closer releases
// the log file, if any, and must be closed after the last log line.
func setupLogging(cfg config.LoggingConfig) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("invalid log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if cfg.OutputFile != "" {
		logDir := filepath.Dir(cfg.OutputFile)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		file, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		closer = file
	}

	var logger zerolog.Logger
	switch cfg.Format {
	case "console":
		logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	case "text":
		logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339, NoColor: true}).With().Timestamp().Logger()
	default:
		logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// library packages log through the global logger
	log.Logger = logger

	return logger, closer, nil
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	var outputPath string
	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := outputPath
			if path == "" {
				path = "resource-slot.yaml"
			}

			if err := config.DefaultConfig().SaveConfig(path); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Generated default configuration: %s\n", path)
			return nil
		},
	}
	generateCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration is valid\n")
			fmt.Fprintf(out, "Listen address: %s\n", cfg.ListenAddress())
			fmt.Fprintf(out, "Duplicate policy: %s\n", cfg.Registry.DuplicatePolicy)
			if cfg.Journal.Enabled {
				fmt.Fprintf(out, "Event journal: %s\n", cfg.Journal.DatabasePath)
			} else {
				fmt.Fprintf(out, "Event journal: disabled\n")
			}
			if cfg.Tracing.Enabled {
				fmt.Fprintf(out, "Tracing: %s\n", cfg.Tracing.Exporter)
			} else {
				fmt.Fprintf(out, "Tracing: disabled\n")
			}

			return nil
		},
	}

	cmd.AddCommand(generateCmd)
	cmd.AddCommand(validateCmd)

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return version.Get().Print(cmd.OutOrStdout())
		},
	}
}
