package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/finlake/pkg/config"
	"github.com/ajitpratap0/finlake/pkg/logger"
	"github.com/ajitpratap0/finlake/pkg/observability"

	// Register sources and remotes
	_ "github.com/ajitpratap0/finlake/pkg/connector/destinations/gcs"
	_ "github.com/ajitpratap0/finlake/pkg/connector/destinations/local"
	_ "github.com/ajitpratap0/finlake/pkg/connector/destinations/s3"
	_ "github.com/ajitpratap0/finlake/pkg/connector/sources/anbima"
	_ "github.com/ajitpratap0/finlake/pkg/connector/sources/bcb"
	_ "github.com/ajitpratap0/finlake/pkg/connector/sources/fred"
)

var version = "0.1.0"

const defaultConfigFile = "finlake.yaml"

// app carries state shared by every command once the root pre-run has
// loaded configuration.
type app struct {
	configPath  string
	logLevel    string
	metricsAddr string

	cfg     *config.Config
	log     *zap.Logger
	metrics *http.Server
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	a := &app{}
	root := &cobra.Command{
		Use:   "finlake",
		Short: "finlake - public financial data ingestion into a local lake",
		Long: `finlake fetches series from rate-limited public financial APIs (FRED, BCB SGS, ANBIMA),
stores them as Parquet in a partitioned, content-addressed lake and mirrors the lake
to S3, GCS or a local directory.`,
		SilenceUsage:       true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.teardown,
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to YAML configuration (default "+defaultConfigFile+" when present)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&a.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		// version needs no configuration
		PersistentPreRunE:  func(*cobra.Command, []string) error { return nil },
		PersistentPostRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("finlake v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(
		a.runCommand(),
		a.syncCommand(),
		a.cacheCommand(),
		a.listCommand(),
		a.statusCommand(),
		a.verifyCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration and starts logging, tracing and the optional
// metrics endpoint.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.metricsAddr != "" {
		cfg.Observability.MetricsAddr = a.metricsAddr
	}

	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.cfg = cfg
	a.log = logger.Get().With(zap.String("component", "finlake-cli"), zap.String("command", cmd.Name()))

	cfg.Observability.Tracing.ServiceVersion = version
	if err := observability.InitTracing(cfg.Observability.Tracing); err != nil {
		a.log.Warn("tracing disabled", zap.Error(err))
	}

	if addr := cfg.Observability.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		a.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("metrics server failed", zap.String("addr", addr), zap.Error(err))
			}
		}()
		a.log.Info("serving metrics", zap.String("addr", addr))
	}
	return nil
}

func (a *app) teardown(*cobra.Command, []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.metrics != nil {
		_ = a.metrics.Shutdown(ctx)
	}
	if err := observability.Shutdown(ctx); err != nil && a.log != nil {
		a.log.Warn("failed to flush traces", zap.Error(err))
	}
	_ = logger.Sync()
	return nil
}

// loadConfig reads path, falling back to finlake.yaml in the working
// directory and then to the built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err != nil {
			cfg := config.Default()
			return cfg, cfg.Validate()
		}
		path = defaultConfigFile
	}

	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("configuration error in %s: %w", path, err)
	}
	return cfg, nil
}
