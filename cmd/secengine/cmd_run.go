package main

// ---------------------------------------------------------------------------
// cmd_run.go: start the engine and the metrics endpoint
// ---------------------------------------------------------------------------

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1sec-project/secengine/internal/engine"
)

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	logLevel := fs.String("log-level", "", "Log level override: debug, info, warn, error")
	metricsAddr := fs.String("metrics-addr", "-", "Metrics listen address override (empty disables)")
	dryRun := fs.Bool("dry-run", false, "Validate config and rules, then exit")
	quiet := fs.Bool("quiet", false, "Suppress banner and non-essential output")
	fs.BoolVar(quiet, "q", false, "Suppress banner and non-essential output")
	noColor := fs.Bool("no-color", false, "Disable color output")
	fs.Parse(args)

	*configPath = envConfig(*configPath)
	if *noColor {
		os.Setenv("NO_COLOR", "1")
	}
	if !*quiet {
		fmt.Fprint(os.Stderr, bannerText())
	}

	cfg := loadConfig(*configPath, *quiet)
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *metricsAddr != "-" {
		cfg.Metrics.ListenAddr = *metricsAddr
	}

	if *dryRun {
		errs := validateRuleFiles(cfg)
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "%s %v\n", red("✗"), err)
		}
		if len(errs) > 0 {
			os.Exit(1)
		}
		fmt.Fprintf(os.Stdout, "%s Config and rules valid.\n", green("✓"))
		os.Exit(0)
	}

	eng, err := engine.New(cfg, engine.WithConfigPath(*configPath))
	if err != nil {
		errorf("creating engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		eng.Close()
		errorf("starting engine: %v", err)
	}

	var srv *http.Server
	if cfg.Metrics.ListenAddr != "" {
		srv = metricsServer(cfg.Metrics.ListenAddr, eng.Healthy)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				eng.Logger.Error().Err(err).Str("addr", srv.Addr).Msg("metrics server failed")
			}
		}()
	}

	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s secengine running", green("✓"))
		if srv != nil {
			fmt.Fprintf(os.Stderr, ", metrics on %s", cfg.Metrics.ListenAddr)
		}
		if eng.Bus != nil {
			fmt.Fprintf(os.Stderr, ", bus %s", green("connected"))
		}
		fmt.Fprintln(os.Stderr)
		fmt.Fprintf(os.Stderr, "%s Press Ctrl+C to stop\n", dim("▸"))
	}

	<-ctx.Done()
	if !*quiet {
		fmt.Fprintf(os.Stderr, "\n%s Shutting down...\n", dim("▸"))
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}
	if err := eng.Close(); err != nil {
		warnf("shutdown: %v", err)
	}
	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s secengine stopped.\n", green("✓"))
	}
}

// metricsServer serves Prometheus metrics and a health probe that fails while
// health returns an error.
func metricsServer(addr string, health func() error) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if err := health(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
