package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/backoffice/cmd/backoffice/cli"
	"github.com/odyssey-erp/backoffice/internal/app"
	"github.com/odyssey-erp/backoffice/internal/documents"
	"github.com/odyssey-erp/backoffice/jobs"
)

const usage = `usage:
  backoffice [serve]
  backoffice reconcile --type TYPE --id ID [--json] [--strict]
  backoffice jobs trigger NAME [--type TYPE] [--id ID] [--limit N] [--hours N]
  backoffice jobs stats
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	args := os.Args[1:]
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}
	switch command {
	case "serve":
		os.Exit(serve(ctx, cfg, logger))
	case "reconcile":
		os.Exit(reconcile(ctx, cfg, logger, args))
	case "jobs":
		os.Exit(jobsCommand(ctx, cfg, args))
	default:
		_, _ = fmt.Fprint(os.Stderr, usage)
		os.Exit(cli.ExitError)
	}
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) int {
	logger.Info("config loaded", slog.String("config", cfg.String()))
	deps, err := app.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("connect", slog.Any("error", err))
		return cli.ExitError
	}
	defer deps.Close(logger)

	inspector := asynq.NewInspector(cfg.AsynqRedis())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		DocumentsHandler: documents.NewHandler(logger, deps.Documents),
		JobHandler:       jobs.NewHandler(inspector, logger),
		Metrics:          deps.Metrics,
		Database:         deps.Pool,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	code := cli.ExitOK
	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("http server", slog.Any("error", err))
		code = cli.ExitError
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return code
}

func reconcile(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	docType := fs.String("type", "", "document type, e.g. INVOICE or sales-order")
	id := fs.Int64("id", 0, "document id")
	asJSON := fs.Bool("json", false, "print a JSON summary")
	strict := fs.Bool("strict", false, "treat any non-zero delta as a mismatch")
	if err := fs.Parse(args); err != nil {
		return cli.ExitError
	}

	// JSON output must stay parseable, so service logs are dropped.
	if *asJSON {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	deps, err := app.Connect(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "reconcile: %v\n", err)
		return cli.ExitError
	}
	defer deps.Close(logger)

	return cli.ReconcileCommand(ctx, deps.Documents, cli.ReconcileOptions{
		Type:       *docType,
		ID:         *id,
		JSONOutput: *asJSON,
		Strict:     *strict,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
	})
}

func jobsCommand(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(os.Stderr, usage)
		return cli.ExitError
	}
	action, args := args[0], args[1:]
	name := ""
	if action == "trigger" {
		if len(args) == 0 {
			_, _ = fmt.Fprintln(os.Stderr, "jobs trigger: job name required")
			return cli.ExitError
		}
		name, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var opts cli.TriggerOptions
	fs.StringVar(&opts.Type, "type", "", "document type for reconcile jobs")
	fs.Int64Var(&opts.ID, "id", 0, "document id for documents:reconcile")
	fs.IntVar(&opts.Limit, "limit", cfg.ReconcileSweepLimit, "open documents per type for the sweep")
	fs.IntVar(&opts.Hours, "hours", cfg.IdempotencyRetentionHrs, "idempotency key retention in hours")
	if err := fs.Parse(args); err != nil {
		return cli.ExitError
	}

	c := cli.NewJobsCLI(cfg.AsynqRedis())
	defer func() { _ = c.Close() }()
	return c.JobsCommand(ctx, action, name, opts, os.Stdout, os.Stderr)
}
