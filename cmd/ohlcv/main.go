// Command ohlcv collects exchange klines into a local candle store.
//
// Usage:
//
//	ohlcv collect --symbols BTCUSDT,ETHUSDT --intervals 1h,1d --days 30
//	ohlcv schedule --every 1h
//	ohlcv gaps --symbol BTCUSDT --interval 1h --days 7
//	ohlcv query --symbol BTCUSDT --interval 1d --start 2024-01-01 --format csv
//	ohlcv version
//
// Every command accepts --config <file>; OPEN_BACK_* environment variables
// override the file. Use "ohlcv <command> --help" for the command flags.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/PerterPon/open-back/internal/collector"
	"github.com/PerterPon/open-back/internal/config"
	"github.com/PerterPon/open-back/internal/exchange"
	"github.com/PerterPon/open-back/internal/gaps"
	"github.com/PerterPon/open-back/internal/logger"
	"github.com/PerterPon/open-back/internal/notify"
	"github.com/PerterPon/open-back/internal/ratelimit"
	"github.com/PerterPon/open-back/internal/storage"
	"github.com/PerterPon/open-back/internal/validator"
)

// Version is overridden at build time with -ldflags "-X main.Version=...".
var Version = "dev"

const AppName = "ohlcv"

// Exit codes
const (
	ExitSuccess     = 0
	ExitFailure     = 1 // a job or command failed
	ExitUsageError  = 2
	ExitConfigError = 3
	ExitInterrupt   = 130
)

// errJobsFailed marks a run that completed with failed jobs.
var errJobsFailed = errors.New("one or more jobs failed")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return ExitUsageError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// After the first signal the default handler is restored, so a second
	// one terminates immediately instead of waiting for running jobs.
	go func() {
		<-ctx.Done()
		stop()
	}()

	command, rest := args[0], args[1:]

	var err error
	switch command {
	case "collect":
		err = cmdCollect(ctx, rest, stdout)
	case "schedule":
		err = cmdSchedule(ctx, rest, stdout)
	case "gaps":
		err = cmdGaps(ctx, rest, stdout)
	case "query":
		err = cmdQuery(ctx, rest, stdout)
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "%s version %s\n", AppName, Version)
		return ExitSuccess
	case "help", "--help", "-h":
		printUsage(stdout)
		return ExitSuccess
	default:
		fmt.Fprintf(stderr, "Error: unknown command %q\n\n", command)
		printUsage(stderr)
		return ExitUsageError
	}

	return exitCode(ctx, err, stderr)
}

func exitCode(ctx context.Context, err error, stderr io.Writer) int {
	var usage *usageError
	var cfgErr *configError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &usage):
		if errors.Is(usage.err, flag.ErrHelp) {
			return ExitSuccess
		}
		fmt.Fprintf(stderr, "Error: %v\n", usage.err)
		return ExitUsageError
	case errors.As(err, &cfgErr):
		fmt.Fprintf(stderr, "Error: %v\n", cfgErr.err)
		return ExitConfigError
	case errors.Is(err, errJobsFailed):
		return ExitFailure
	case ctx.Err() != nil:
		fmt.Fprintf(stderr, "Interrupted: %v\n", err)
		return ExitInterrupt
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitFailure
	}
}

type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// app holds the components a command needs, built from the configuration.
type app struct {
	cfg       *config.AppConfig
	logs      *logger.Manager
	logger    *slog.Logger
	store     storage.CandleStore
	source    exchange.MarketDataSource
	gate      *ratelimit.Limiter
	fetcher   *collector.Fetcher
	scheduler *collector.Scheduler
	publisher notify.Publisher
}

// newApp loads the configuration and wires the engine. The store is
// initialized; callers must Close the app.
func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.NewManager(configPath, slog.New(slog.NewTextHandler(io.Discard, nil))).Load()
	if err != nil {
		return nil, &configError{err}
	}

	logs, err := logger.NewManager(cfg.Logging)
	if err != nil {
		return nil, &configError{fmt.Errorf("failed to set up logging: %w", err)}
	}
	a := &app{cfg: cfg, logs: logs, logger: logs.Logger()}
	slog.SetDefault(a.logger)

	store, err := storage.New(storage.Config{Backend: cfg.Storage.Backend, DSN: cfg.Storage.DSN}, logs.Component("storage"))
	if err != nil {
		a.Close()
		return nil, &configError{fmt.Errorf("failed to create storage: %w", err)}
	}
	a.store = store
	if err := a.store.Initialize(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	a.source, err = exchange.New(exchange.Config{
		Type:    cfg.Exchange.Type,
		BaseURL: cfg.Exchange.BaseURL,
		APIKey:  cfg.Exchange.APIKey,
		Secret:  cfg.Exchange.Secret,
		Timeout: cfg.Exchange.Timeout,
	}, logs.Component("exchange"))
	if err != nil {
		a.Close()
		return nil, &configError{err}
	}

	if cfg.Collector.RequestsPerSecond > 0 {
		a.gate, err = ratelimit.New(cfg.Collector.RequestsPerSecond, cfg.Collector.Burst)
		if err != nil {
			a.Close()
			return nil, &configError{err}
		}
	} else {
		a.gate = ratelimit.Unlimited()
	}

	a.fetcher = collector.NewFetcher(a.source, a.gate, collector.FetcherConfig{
		PageSize: cfg.Collector.PageSize,
		Policy:   cfg.Collector.Retry.Policy(),
	}, logs.Component("collector"))

	runner := collector.NewRunner(
		gaps.NewPlanner(a.store, logs.Component("planner")),
		a.fetcher,
		validator.New(a.source.Name(), logs.Component("validator")),
		a.store,
		nil,
		logs.Component("collector"),
	)
	a.scheduler = collector.NewScheduler(runner, logs.Component("collector"))

	a.publisher, err = notify.New(cfg.Notify, logs.Component("notify"))
	if err != nil {
		a.Close()
		return nil, &configError{err}
	}

	a.logger.Debug("application initialized",
		"storage", cfg.Storage.Backend,
		"exchange", a.source.Name(),
		"requests_per_second", a.gate.Limit(),
		"burst", a.gate.Burst())
	return a, nil
}

// Close releases the publisher, the store and the log output.
func (a *app) Close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("failed to close publisher", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close storage", "error", err)
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `%s - exchange kline collector

Usage:
  %s <command> [flags]

Commands:
  collect    Collect candles for symbols and intervals once
  schedule   Collect repeatedly on a fixed period until interrupted
  gaps       Report missing candles inside stored history
  query      Print stored candles as a table, JSON or CSV
  version    Print the version

Run "%s <command> --help" for command flags.
`, AppName, AppName, AppName)
}
