package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/PerterPon/open-back/internal/collector"
	"github.com/PerterPon/open-back/internal/config"
	"github.com/PerterPon/open-back/internal/gaps"
	"github.com/PerterPon/open-back/internal/models"
)

const dateLayout = "2006-01-02"

// rangeFlags selects a time window either explicitly or as the last N days.
type rangeFlags struct {
	start string
	end   string
	days  int
}

func (r *rangeFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&r.start, "start", "", "window start, YYYY-MM-DD or RFC3339 (UTC)")
	fs.StringVar(&r.end, "end", "", "window end, exclusive; defaults to now")
	fs.IntVar(&r.days, "days", 0, "look back this many days when --start is not set (default from config)")
}

// resolve returns [from, to). defaultDays applies when neither --start nor
// --days is given.
func (r *rangeFlags) resolve(now time.Time, defaultDays int) (time.Time, time.Time, error) {
	to := now.UTC()
	if r.end != "" {
		t, err := parseTime(r.end)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --end: %w", err)
		}
		to = t
	}

	var from time.Time
	switch {
	case r.start != "":
		t, err := parseTime(r.start)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --start: %w", err)
		}
		from = t
	case r.days < 0:
		return time.Time{}, time.Time{}, fmt.Errorf("--days must not be negative")
	default:
		days := r.days
		if days == 0 {
			days = defaultDays
		}
		from = to.AddDate(0, 0, -days)
	}

	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("start %s must be before end %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	return from, to, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("use YYYY-MM-DD or RFC3339: %q", s)
	}
	return t.UTC(), nil
}

// splitList splits a comma separated flag value, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() {
		fmt.Fprintf(out, "Usage: %s %s [flags]\n\nFlags:\n", AppName, name)
		fs.PrintDefaults()
	}
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return &usageError{err}
	}
	if fs.NArg() > 0 {
		return &usageError{fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))}
	}
	return nil
}

// batchFlags are shared by collect and schedule.
type batchFlags struct {
	configPath string
	symbols    string
	intervals  string
	maxWorkers int
	sequential bool
	rng        rangeFlags
}

func (b *batchFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&b.configPath, "config", "", "configuration file (YAML or JSON)")
	fs.StringVar(&b.symbols, "symbols", "", "comma separated symbols (default from config)")
	fs.StringVar(&b.intervals, "intervals", "", "comma separated intervals, e.g. 1h,4h,1d (default from config)")
	fs.IntVar(&b.maxWorkers, "max-workers", 0, "concurrent jobs (default from config)")
	fs.BoolVar(&b.sequential, "sequential", false, "run one job at a time")
	b.rng.register(fs)
}

// request builds the batch request for a run at now, filling unset flags
// from the configuration.
func (b *batchFlags) request(cfg config.CollectorConfig, now time.Time) (models.BatchRequest, error) {
	from, to, err := b.rng.resolve(now, cfg.Days)
	if err != nil {
		return models.BatchRequest{}, err
	}

	req := models.BatchRequest{
		Symbols:    splitList(b.symbols),
		Intervals:  splitList(b.intervals),
		From:       from,
		To:         to,
		MaxWorkers: b.maxWorkers,
		Sequential: b.sequential || cfg.Sequential,
	}
	if len(req.Symbols) == 0 {
		req.Symbols = cfg.Symbols
	}
	if len(req.Intervals) == 0 {
		req.Intervals = cfg.Intervals
	}
	if req.MaxWorkers == 0 {
		req.MaxWorkers = cfg.MaxWorkers
	}
	if err := req.Validate(); err != nil {
		return models.BatchRequest{}, err
	}
	return req, nil
}

func cmdCollect(ctx context.Context, args []string, stdout io.Writer) error {
	var flags batchFlags
	fs := newFlagSet("collect", stdout)
	flags.register(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	a, err := newApp(ctx, flags.configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	req, err := flags.request(a.cfg.Collector, time.Now())
	if err != nil {
		return &usageError{err}
	}

	summary, runErr := a.scheduler.Run(ctx, req)
	a.finishRun(ctx, summary, stdout)
	if runErr != nil {
		return runErr
	}
	if summary.HasFailures() {
		return errJobsFailed
	}
	return nil
}

// finishRun reports, logs and publishes a completed run. Publishing
// failures are logged only.
func (a *app) finishRun(ctx context.Context, summary models.ExecutionSummary, stdout io.Writer) {
	if err := collector.NewReporter(stdout).Report(summary); err != nil {
		a.logger.Warn("failed to write summary", "error", err)
	}

	m := a.fetcher.Metrics()
	a.logger.Info("collection metrics",
		"run_id", summary.RunID,
		"requests", m.Requests,
		"pages", m.PagesFetched,
		"candles_fetched", m.CandlesFetched,
		"candles_stored", m.CandlesStored,
		"discarded", m.Discarded,
		"retries", m.Retries,
		"rate_limit_hits", m.RateLimitHits,
		"avg_response_time", m.AvgResponseTime,
		"rate_gate_wait", a.gate.Waited())

	// the run context may already be cancelled; the summary still goes out
	pubCtx := context.WithoutCancel(ctx)
	if err := a.publisher.PublishSummary(pubCtx, summary); err != nil {
		a.logger.Warn("failed to publish run summary", "run_id", summary.RunID, "error", err)
	}
}

func cmdSchedule(ctx context.Context, args []string, stdout io.Writer) error {
	var flags batchFlags
	var every time.Duration
	fs := newFlagSet("schedule", stdout)
	flags.register(fs)
	fs.DurationVar(&every, "every", 0, "period between runs, e.g. 15m (default from config)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if flags.rng.start != "" || flags.rng.end != "" {
		return &usageError{fmt.Errorf("schedule slides its window with --days; --start and --end are not allowed")}
	}

	a, err := newApp(ctx, flags.configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if every <= 0 {
		every = a.cfg.Scheduler.Every
	}

	// validate once up front so a bad flag fails fast
	if _, err := flags.request(a.cfg.Collector, time.Now()); err != nil {
		return &usageError{err}
	}

	requestAt := func(now time.Time) models.BatchRequest {
		req, err := flags.request(a.cfg.Collector, now)
		if err != nil {
			a.logger.Error("failed to build batch request", "error", err)
		}
		return req
	}
	observe := func(ctx context.Context, summary models.ExecutionSummary, err error) {
		a.finishRun(ctx, summary, stdout)
	}

	p, err := collector.NewPeriodic(a.scheduler, every, requestAt, observe, a.logs.Component("scheduler"))
	if err != nil {
		return &usageError{err}
	}

	a.logger.Info("periodic collection started", "every", every)
	runs := p.Run(ctx)
	a.logger.Info("periodic collection finished", "runs", runs)
	return nil
}

func cmdGaps(ctx context.Context, args []string, stdout io.Writer) error {
	var (
		configPath string
		symbol     string
		interval   string
		rng        rangeFlags
	)
	fs := newFlagSet("gaps", stdout)
	fs.StringVar(&configPath, "config", "", "configuration file (YAML or JSON)")
	fs.StringVar(&symbol, "symbol", "", "symbol to audit (required)")
	fs.StringVar(&interval, "interval", "1h", "interval to audit")
	rng.register(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if symbol == "" {
		return &usageError{fmt.Errorf("--symbol is required")}
	}
	iv, err := models.ParseInterval(interval)
	if err != nil {
		return &usageError{err}
	}

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	from, to, err := rng.resolve(time.Now(), a.cfg.Collector.Days)
	if err != nil {
		return &usageError{err}
	}

	// the forming candle is never stored, so it is not a gap
	if formed := iv.Floor(time.Now()); to.After(formed) {
		to = formed
	}
	if !from.Before(to) {
		return &usageError{fmt.Errorf("window ends before the first closed candle")}
	}

	symbol = strings.ToUpper(symbol)
	found, err := gaps.NewAuditor(a.store, a.logs.Component("gaps")).Scan(ctx, symbol, iv, from, to)
	if err != nil {
		return fmt.Errorf("gap scan failed: %w", err)
	}
	return writeGaps(stdout, symbol, iv, from, to, found)
}

func cmdQuery(ctx context.Context, args []string, stdout io.Writer) error {
	var (
		configPath string
		symbol     string
		interval   string
		limit      int
		format     string
		rng        rangeFlags
	)
	fs := newFlagSet("query", stdout)
	fs.StringVar(&configPath, "config", "", "configuration file (YAML or JSON)")
	fs.StringVar(&symbol, "symbol", "", "symbol to print (required)")
	fs.StringVar(&interval, "interval", "1h", "interval to print")
	fs.IntVar(&limit, "limit", 100, "print at most this many candles, newest last; 0 for all")
	fs.StringVar(&format, "format", "table", "output format: table, json or csv")
	rng.register(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if symbol == "" {
		return &usageError{fmt.Errorf("--symbol is required")}
	}
	iv, err := models.ParseInterval(interval)
	if err != nil {
		return &usageError{err}
	}
	write, ok := candleWriters[format]
	if !ok {
		return &usageError{fmt.Errorf("unknown --format %q", format)}
	}

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	from, to, err := rng.resolve(time.Now(), a.cfg.Collector.Days)
	if err != nil {
		return &usageError{err}
	}

	candles, err := a.store.Range(ctx, strings.ToUpper(symbol), iv, from, to)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return write(stdout, candles)
}
