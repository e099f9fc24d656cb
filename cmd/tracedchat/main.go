package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tracedchat/tracedchat/internal/api"
	"github.com/tracedchat/tracedchat/internal/chat"
	"github.com/tracedchat/tracedchat/internal/config"
	"github.com/tracedchat/tracedchat/internal/correlation"
	"github.com/tracedchat/tracedchat/internal/inference"
	"github.com/tracedchat/tracedchat/internal/langfuse"
	"github.com/tracedchat/tracedchat/internal/observability"
	"github.com/tracedchat/tracedchat/internal/trace"
	"github.com/tracedchat/tracedchat/internal/version"
)

const (
	defaultConfigPath   = "./config.yaml"
	otelShutdownTimeout = 3 * time.Second
	inferenceTimeout    = 60 * time.Second
	serverStopTimeout   = 5 * time.Second
)

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		return runServe(nil, errOut)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Fprintln(out, version.String())
		return 0
	case "serve":
		return runServe(args[1:], errOut)
	default:
		printUsage(errOut)
		return 2
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "usage: tracedchat [serve|version]")
	fmt.Fprintln(out, "  serve    start the traced chat server (default)")
	fmt.Fprintln(out, "  version  print the build version")
}

func runServe(args []string, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		return 1
	}
	// Refuse to serve without credentials, and report every missing
	// variable at once so the deployment is fixed in a single pass. This
	// happens before any listener is bound.
	if missing := cfg.MissingCredentials(); len(missing) > 0 {
		fmt.Fprintf(errOut, "missing required environment variables: %s\n", strings.Join(missing, ", "))
		return 1
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	logger := slog.New(observability.NewContextLogHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
	))

	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	sink, err := langfuse.NewClient(langfuse.Options{
		Host:           cfg.Langfuse.Host,
		PublicKey:      cfg.Langfuse.PublicKey,
		SecretKey:      cfg.Langfuse.SecretKey,
		Transport:      otelRuntime.WrapHTTPTransport(http.DefaultTransport),
		MaxRetries:     cfg.Langfuse.MaxRetries,
		RequestTimeout: time.Duration(cfg.Langfuse.RequestTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize telemetry sink: %v\n", err)
		return 1
	}

	writer := trace.NewWriter(sink, cfg.Telemetry.BufferSize)
	writer.SetMetrics(&trace.WriterMetrics{
		OnDrop: func() {
			logger.Warn("telemetry queue is full; dropping record")
			otelRuntime.RecordQueueDrop()
		},
	})
	writer.SetDeliveryFailureHandler(func(failure trace.DeliveryFailure) {
		logger.Error(
			"telemetry delivery failed; records dropped",
			"operation", failure.Operation,
			"batch_size", failure.BatchSize,
			"failed_count", failure.FailedCount,
			"error_class", failure.ErrorClass,
			"error", failure.Err,
		)
		otelRuntime.RecordDeliveryFailure(failure.ErrorClass, failure.FailedCount)
	})
	writer.Start(context.Background())
	defer shutdownTraceWriter(logger, writer, time.Duration(cfg.Telemetry.ShutdownTimeoutMS)*time.Millisecond)

	openaiOptions := []inference.OpenAIOption{
		inference.WithHTTPClient(&http.Client{
			Transport: otelRuntime.WrapHTTPTransport(http.DefaultTransport),
			Timeout:   inferenceTimeout,
		}),
	}
	if cfg.OpenAI.BaseURL != "" {
		openaiOptions = append(openaiOptions, inference.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	openaiClient := inference.NewOpenAIClient(cfg.OpenAI.APIKey, openaiOptions...)

	pipeline := chat.NewPipeline(chat.Options{
		Recorder: trace.NewRecorder(writer),
		Client:   openaiClient,
		Params: chat.ModelParams{
			Model:        cfg.Model.Name,
			Temperature:  cfg.Model.Temperature,
			MaxTokens:    cfg.Model.MaxTokens,
			SystemPrompt: cfg.Model.SystemPrompt,
		},
		TraceHost: cfg.Langfuse.Host,
		Logger:    logger,
	})

	var handler http.Handler = api.NewRouter(api.RouterOptions{
		AppVersion:  version.String(),
		Chat:        pipeline,
		TraceHost:   cfg.Langfuse.Host,
		Model:       cfg.Model.Name,
		Diagnostics: writer.Diagnostics,
	})
	handler = otelRuntime.SpanEnrichmentMiddleware(handler)
	handler = correlation.Middleware(handler)
	handler = otelRuntime.WrapHTTPHandler(handler)

	server := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"model", cfg.Model.Name,
		"langfuse_host", cfg.Langfuse.Host,
		"view_traces", langfuse.TracesURL(cfg.Langfuse.Host),
		"config_path", *configPath,
		"otel_enabled", otelRuntime.Enabled(),
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverStopTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("server stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
			return 1
		}
		return 0
	}
}

func shutdownTraceWriter(logger *slog.Logger, writer *trace.Writer, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := writer.Shutdown(ctx); err != nil {
		logger.Error("telemetry writer shutdown incomplete; queued records may be lost", "error", err)
	}
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := runtime.Shutdown(ctx); err != nil {
		logger.Error("opentelemetry shutdown incomplete", "error", err)
	}
}
