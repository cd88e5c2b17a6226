package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"workescrow/config"
	"workescrow/observability/logging"
	telemetry "workescrow/observability/otel"
	"workescrow/services/escrowd"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./escrowd.toml", "path to escrowd configuration (TOML or YAML)")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "escrowd: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(cfg.Log.Env)
	if override := strings.TrimSpace(os.Getenv("ESCROWD_ENV")); override != "" {
		env = override
	}
	logger, closer := logging.Setup("escrowd", env, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer closer.Close()

	endpoint := strings.TrimSpace(cfg.Telemetry.Endpoint)
	if endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	}
	headers := telemetry.ParseHeaders(cfg.Telemetry.Headers)
	if len(headers) == 0 {
		headers = telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "escrowd",
		Environment: env,
		Endpoint:    endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	svc, err := escrowd.New(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := svc.ListenAndServe(ctx); err != nil {
		return err
	}
	logger.Info("escrowd stopped", "component", "escrowd")
	return nil
}
