package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/marketmovers/internal/api"
	"github.com/rewired-gh/marketmovers/internal/category"
	"github.com/rewired-gh/marketmovers/internal/config"
	"github.com/rewired-gh/marketmovers/internal/csfloat"
	"github.com/rewired-gh/marketmovers/internal/export"
	"github.com/rewired-gh/marketmovers/internal/logger"
	"github.com/rewired-gh/marketmovers/internal/monitor"
	"github.com/rewired-gh/marketmovers/internal/period"
	"github.com/rewired-gh/marketmovers/internal/ranking"
	"github.com/rewired-gh/marketmovers/internal/scheduler"
	"github.com/rewired-gh/marketmovers/internal/storage"
	"github.com/rewired-gh/marketmovers/internal/telegram"
)

// app carries the per-process dependencies shared by all commands.
type app struct {
	cfg   *config.Config
	store *storage.Storage
	now   func() time.Time
}

func (a *app) clock() time.Time {
	if a.now != nil {
		return a.now().UTC()
	}
	return time.Now().UTC()
}

func (a *app) ingest(ctx context.Context) error {
	c := a.cfg.CSFloat
	client := csfloat.NewClient(c.URL, csfloat.ClientConfig{
		APIKey:     c.APIKey,
		Timeout:    c.Timeout,
		MaxRetries: c.MaxRetries,
		RetryWait:  c.RetryWait,
		UserAgent:  c.UserAgent,
	})

	now := a.clock()
	key := period.BucketKey(now, a.cfg.Granularity())

	listings, err := client.FetchPriceList(ctx)
	if err != nil {
		return err
	}
	obs, skipped := csfloat.Observations(listings, key)
	if err := a.store.UpsertObservations(ctx, obs, now); err != nil {
		return err
	}

	logger.Info("Ingested %d observations into %s (%d unnamed listings skipped)", len(obs), key, skipped)
	return nil
}

func (a *app) detector() *monitor.Detector {
	d := a.cfg.Detector
	policy := monitor.Policy{
		PricePercent:     d.PricePercentThreshold,
		QuantityPercent:  d.QuantityPercentThreshold,
		MinQuantityDelta: d.MinAbsoluteQuantityDelta,
	}
	return monitor.New(a.store, policy, monitor.Options{
		Granularity: a.cfg.Granularity(),
		BatchSize:   d.BatchSize,
		Workers:     d.Workers,
	})
}

// detect runs the detector for the bucket containing at.
func (a *app) detect(ctx context.Context, at time.Time) error {
	report, err := a.detector().Run(ctx, at)
	if err != nil {
		return err
	}
	if report.Skipped > 0 {
		logger.Warn("Detection run %s skipped %d items with unreadable values", report.RunID, report.Skipped)
	}
	return nil
}

func (a *app) builder() *ranking.Builder {
	var classifier ranking.Classifier
	if a.cfg.Ranking.Categorize {
		classifier = category.Default()
	}
	return ranking.NewBuilder(a.store, classifier, ranking.Config{
		Metric:          a.cfg.Metric(),
		Limit:           a.cfg.Ranking.TopNLimit,
		Modes:           a.cfg.Modes(),
		Categorize:      a.cfg.Ranking.Categorize,
		DisableFallback: a.cfg.Ranking.DisableFallback,
	})
}

// rankRange is the set of days one rank invocation builds.
type rankRange struct {
	first, last time.Time
	explicit    bool
}

// resolveRankRange turns --date/--from/--to and the configured override into
// days to build. Without any of them the current UTC day is built with
// fallback enabled.
func resolveRankRange(date, from, to, override string, now time.Time) (rankRange, error) {
	if date != "" && (from != "" || to != "") {
		return rankRange{}, errors.New("--date cannot be combined with --from/--to")
	}
	if (from == "") != (to == "") {
		return rankRange{}, errors.New("--from and --to must be given together")
	}

	if from != "" {
		first, err := period.ParseDay(from)
		if err != nil {
			return rankRange{}, fmt.Errorf("invalid --from: %w", err)
		}
		last, err := period.ParseDay(to)
		if err != nil {
			return rankRange{}, fmt.Errorf("invalid --to: %w", err)
		}
		if last.Before(first) {
			return rankRange{}, fmt.Errorf("--to %s is before --from %s", to, from)
		}
		return rankRange{first: first, last: last, explicit: true}, nil
	}

	if date == "" {
		date = override
	}
	if date != "" {
		day, err := period.ParseDay(date)
		if err != nil {
			return rankRange{}, fmt.Errorf("invalid --date: %w", err)
		}
		return rankRange{first: day, last: day, explicit: true}, nil
	}

	today := period.BucketStart(now, period.Daily)
	return rankRange{first: today, last: today}, nil
}

func (a *app) rank(ctx context.Context, r rankRange) error {
	b := a.builder()
	if r.explicit && !r.first.Equal(r.last) {
		_, err := b.BuildRange(ctx, r.first, r.last)
		return err
	}
	_, err := b.BuildDay(ctx, r.first, r.explicit)
	return err
}

func (a *app) prune(ctx context.Context) error {
	now := a.clock()
	stats, err := a.store.Prune(ctx,
		now.Add(-a.cfg.Storage.ChangeRetention),
		now.Add(-a.cfg.Storage.ObservationRetention))
	if err != nil {
		return err
	}
	logger.Info("Pruned %d change records and %d observations", stats.ChangeRecords, stats.Observations)
	return nil
}

func ingestCommand() *command {
	fs := pflag.NewFlagSet("ingest", pflag.ContinueOnError)
	return &command{flags: fs, run: func(ctx context.Context, a *app) error {
		return a.ingest(ctx)
	}}
}

func detectCommand() *command {
	fs := pflag.NewFlagSet("detect", pflag.ContinueOnError)
	bucket := fs.String("period", "", "Bucket key to detect (e.g. 2025-10-08T14:00); defaults to the current bucket")
	return &command{flags: fs, run: func(ctx context.Context, a *app) error {
		at := a.clock()
		if *bucket != "" {
			t, g, err := period.ParseKey(*bucket)
			if err != nil {
				return err
			}
			if g != a.cfg.Granularity() {
				return fmt.Errorf("--period %s does not match detector granularity %s", *bucket, a.cfg.Granularity())
			}
			at = t
		}
		return a.detect(ctx, at)
	}}
}

func rankCommand() *command {
	fs := pflag.NewFlagSet("rank", pflag.ContinueOnError)
	date := fs.String("date", "", "Build one explicit day (YYYY-MM-DD); disables fallback")
	from := fs.String("from", "", "First day of a backfill range (YYYY-MM-DD)")
	to := fs.String("to", "", "Last day of a backfill range, inclusive (YYYY-MM-DD)")
	return &command{flags: fs, run: func(ctx context.Context, a *app) error {
		r, err := resolveRankRange(*date, *from, *to, a.cfg.Ranking.SnapshotDateOverride, a.clock())
		if err != nil {
			return err
		}
		return a.rank(ctx, r)
	}}
}

func pruneCommand() *command {
	fs := pflag.NewFlagSet("prune", pflag.ContinueOnError)
	return &command{flags: fs, run: func(ctx context.Context, a *app) error {
		return a.prune(ctx)
	}}
}

func serveCommand() *command {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	addr := fs.String("addr", "", "Listen address (overrides api.listen_addr)")
	return &command{flags: fs, run: func(ctx context.Context, a *app) error {
		listen := a.cfg.API.ListenAddr
		if *addr != "" {
			listen = *addr
		}
		return api.NewServer(listen, a.store).Run(ctx)
	}}
}

func exportCommand() *command {
	fs := pflag.NewFlagSet("export", pflag.ContinueOnError)
	date := fs.String("date", "", "Day to export (YYYY-MM-DD); defaults to today UTC")
	out := fs.String("out", "", "Output workbook path; defaults to snapshots-<date>.xlsx")
	return &command{flags: fs, run: func(ctx context.Context, a *app) error {
		day := period.BucketStart(a.clock(), period.Daily)
		if *date != "" {
			d, err := period.ParseDay(*date)
			if err != nil {
				return fmt.Errorf("invalid --date: %w", err)
			}
			day = d
		}

		snaps, err := a.store.SnapshotsForDay(ctx, day)
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			return fmt.Errorf("no snapshots stored for %s", period.BucketKey(day, period.Daily))
		}

		path := *out
		if path == "" {
			path = filepath.Join(".", "snapshots-"+period.BucketKey(day, period.Daily)+".xlsx")
		}
		if err := export.WriteFile(path, snaps); err != nil {
			return err
		}
		logger.Info("Exported %d snapshots to %s", len(snaps), path)
		return nil
	}}
}

func daemonCommand() *command {
	fs := pflag.NewFlagSet("daemon", pflag.ContinueOnError)
	serve := fs.Bool("serve", false, "Also serve the read API")
	return &command{flags: fs, run: func(ctx context.Context, a *app) error {
		return a.daemon(ctx, *serve)
	}}
}

func (a *app) daemon(ctx context.Context, serve bool) error {
	// Initialize Telegram client
	var notifier scheduler.Notifier
	if a.cfg.Telegram.Enabled {
		client, err := telegram.NewClient(a.cfg.Telegram.BotToken, a.cfg.Telegram.ChatID, 3, time.Second)
		if err != nil {
			return fmt.Errorf("failed to initialize Telegram client: %w", err)
		}
		notifier = client
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	sched := scheduler.New(notifier, a.cfg.Schedule.MaxConsecutiveFailures)
	for _, job := range a.jobs() {
		if err := sched.Add(job); err != nil {
			return err
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		sched.Run(egCtx)
		return nil
	})
	if serve {
		srv := api.NewServer(a.cfg.API.ListenAddr, a.store)
		eg.Go(func() error { return srv.Run(egCtx) })
	}
	return eg.Wait()
}

// jobs returns the daemon's scheduled jobs. The rank job always builds the
// current UTC day, so a configured snapshot date override only applies to rank.
func (a *app) jobs() []scheduler.Job {
	if a.cfg.Ranking.SnapshotDateOverride != "" {
		logger.Warn("ranking.snapshot_date_override=%s is ignored by the daemon; the rank job builds the current UTC day", a.cfg.Ranking.SnapshotDateOverride)
	}
	s := a.cfg.Schedule
	return []scheduler.Job{
		{Name: "ingest", Spec: s.Ingest, Run: a.ingest},
		{Name: "detect", Spec: s.Detect, Run: func(ctx context.Context) error {
			return a.detect(ctx, a.clock())
		}},
		{Name: "rank", Spec: s.Rank, Run: func(ctx context.Context) error {
			r, err := resolveRankRange("", "", "", "", a.clock())
			if err != nil {
				return err
			}
			return a.rank(ctx, r)
		}},
		{Name: "prune", Spec: s.Prune, Run: a.prune},
	}
}
