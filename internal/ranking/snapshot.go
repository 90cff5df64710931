package ranking

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/marketmovers/internal/logger"
	"github.com/rewired-gh/marketmovers/internal/models"
	"github.com/rewired-gh/marketmovers/internal/period"
)

// Store is the persistence the snapshot builder reads from and writes to.
type Store interface {
	// ChangesInWindow returns every stored change with start <= period < end.
	ChangesInWindow(ctx context.Context, start, end time.Time) ([]models.Change, error)
	// ReplaceSnapshot overwrites the document keyed by (date, mode, category).
	ReplaceSnapshot(ctx context.Context, snap *models.Snapshot) error
}

// Config controls what a build produces.
type Config struct {
	Metric          models.Metric
	Limit           int
	Modes           []models.Mode
	Categorize      bool
	DisableFallback bool
}

// Builder materializes daily snapshot documents.
type Builder struct {
	store      Store
	classifier Classifier
	cfg        Config
	now        func() time.Time
}

// NewBuilder creates a Builder. A nil classifier disables categorization.
func NewBuilder(store Store, classifier Classifier, cfg Config) *Builder {
	if cfg.Metric == "" {
		cfg.Metric = models.MetricPercent
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 50
	}
	if len(cfg.Modes) == 0 {
		cfg.Modes = models.Modes
	}
	if classifier == nil {
		cfg.Categorize = false
	}
	return &Builder{store: store, classifier: classifier, cfg: cfg, now: time.Now}
}

// DocumentSummary describes one written snapshot.
type DocumentSummary struct {
	Mode     models.Mode
	Category models.Category
	Items    int
}

// BuildReport summarises one build.
type BuildReport struct {
	RunID        string
	SnapshotDate time.Time
	Window       models.Window
	FallbackUsed bool
	Records      int
	Documents    []DocumentSummary
}

// Snapshots computes the documents for one mode from changes already loaded
// for window: the overall ranking, plus one per category when enabled.
func (b *Builder) Snapshots(changes []models.Change, snapshotDate time.Time, window models.Window, mode models.Mode, fallbackUsed bool) []models.Snapshot {
	inWindow := changes[:0:0]
	for _, c := range changes {
		if window.Contains(c.Period) {
			inWindow = append(inWindow, c)
		}
	}

	ranked := Rank(inWindow, mode, b.cfg.Metric)
	generated := b.now().UTC()

	base := models.Snapshot{
		SnapshotDate: period.BucketStart(snapshotDate, period.Daily),
		Mode:         mode,
		Window:       window,
		Metric:       b.cfg.Metric,
		Limit:        b.cfg.Limit,
		FallbackUsed: fallbackUsed,
		GeneratedAt:  generated,
	}

	overall := base
	overall.Items = Truncate(ranked, b.cfg.Limit)
	docs := []models.Snapshot{overall}

	if b.cfg.Categorize {
		parts := Partition(ranked, b.classifier, b.cfg.Limit)
		for _, cat := range models.Categories {
			doc := base
			doc.Category = cat
			doc.Items = parts[cat]
			docs = append(docs, doc)
		}
	}
	return docs
}

// BuildDay builds and writes every configured snapshot for the UTC day
// containing day. When the day has no change records, explicit is false and
// fallback is enabled, the previous day's records are ranked instead; the
// documents stay keyed by the requested day and report the window used.
func (b *Builder) BuildDay(ctx context.Context, day time.Time, explicit bool) (*BuildReport, error) {
	start, end := period.DayWindow(day)
	report := &BuildReport{
		RunID:        uuid.New().String(),
		SnapshotDate: start,
		Window:       models.Window{Start: start, End: end},
	}

	changes, err := b.store.ChangesInWindow(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to read changes for %s: %w", period.BucketKey(start, period.Daily), err)
	}

	if len(changes) == 0 && !explicit && !b.cfg.DisableFallback {
		prevStart := start.AddDate(0, 0, -1)
		prev, err := b.store.ChangesInWindow(ctx, prevStart, start)
		if err != nil {
			return nil, fmt.Errorf("failed to read changes for %s: %w", period.BucketKey(prevStart, period.Daily), err)
		}
		if len(prev) > 0 {
			logger.Info("No changes for %s, falling back to %s (%d records)",
				period.BucketKey(start, period.Daily), period.BucketKey(prevStart, period.Daily), len(prev))
			changes = prev
			report.Window = models.Window{Start: prevStart, End: start}
			report.FallbackUsed = true
		} else {
			logger.Info("No changes for %s or the previous day, writing empty snapshots",
				period.BucketKey(start, period.Daily))
		}
	}
	report.Records = len(changes)

	for _, mode := range b.cfg.Modes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, doc := range b.Snapshots(changes, start, report.Window, mode, report.FallbackUsed) {
			if err := b.store.ReplaceSnapshot(ctx, &doc); err != nil {
				return nil, fmt.Errorf("failed to write %s snapshot: %w", mode, err)
			}
			report.Documents = append(report.Documents, DocumentSummary{
				Mode: doc.Mode, Category: doc.Category, Items: len(doc.Items),
			})
		}
	}

	logger.Info("Snapshot run %s complete: day=%s window=%s..%s fallback=%v records=%d documents=%d",
		report.RunID, period.BucketKey(start, period.Daily),
		report.Window.Start.Format(time.RFC3339), report.Window.End.Format(time.RFC3339),
		report.FallbackUsed, report.Records, len(report.Documents))
	return report, nil
}

// BuildRange builds every day from first to last inclusive as explicit days.
func (b *Builder) BuildRange(ctx context.Context, first, last time.Time) ([]*BuildReport, error) {
	if last.Before(first) {
		return nil, fmt.Errorf("range end %s is before start %s",
			period.BucketKey(last, period.Daily), period.BucketKey(first, period.Daily))
	}
	var reports []*BuildReport
	for _, day := range period.Days(first, last) {
		report, err := b.BuildDay(ctx, day, true)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}
