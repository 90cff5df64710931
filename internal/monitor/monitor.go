// Package monitor detects significant per-item changes between adjacent periods.
//
// For every tracked item the detector reads the values stored for the current
// bucket and the one immediately before it, applies the threshold Policy to
// price and quantity independently, and replaces the (item, period) change set
// in the store with whatever qualified on this run. Reruns for the same period
// therefore converge to the same stored state.
//
// A malformed stored value only skips that item: it is reported as a
// DetectionError and the batch continues. Store failures abort the run.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/marketmovers/internal/logger"
	"github.com/rewired-gh/marketmovers/internal/models"
	"github.com/rewired-gh/marketmovers/internal/period"
)

// SeriesReader returns the bounded two-period view of every tracked item.
type SeriesReader interface {
	ReadSeriesPairs(ctx context.Context, g period.Granularity, previousKey, currentKey string) ([]models.SeriesPair, error)
}

// ChangeWriter replaces stored change sets keyed by (item, period).
type ChangeWriter interface {
	ReplaceChangeSets(ctx context.Context, sets []models.ChangeSet) error
}

// Store is everything the detector needs from persistence.
type Store interface {
	SeriesReader
	ChangeWriter
}

// Options tunes batching of the detector's writes.
type Options struct {
	Granularity period.Granularity
	BatchSize   int
	Workers     int
}

// Detector diffs adjacent periods for all tracked items.
type Detector struct {
	store  Store
	policy Policy
	opts   Options
}

// New creates a new Detector
func New(store Store, policy Policy, opts Options) *Detector {
	if opts.Granularity == "" {
		opts.Granularity = period.Hourly
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Detector{store: store, policy: policy, opts: opts}
}

// DetectionError represents a per-item error during change detection
type DetectionError struct {
	ItemKey string
	Err     error
}

func (e DetectionError) Error() string {
	return fmt.Sprintf("detection error for item %s: %v", e.ItemKey, e.Err)
}

func (e DetectionError) Unwrap() error {
	return e.Err
}

// RunReport summarises one detector run.
type RunReport struct {
	RunID            string
	PeriodKey        string
	PreviousKey      string
	Scanned          int
	ItemsWithChanges int
	Qualifying       int
	Skipped          int
	Errors           []DetectionError
	Duration         time.Duration
}

// DetectItem evaluates one item's series pair and returns its qualifying
// changes stamped with the given period start.
func (d *Detector) DetectItem(pair models.SeriesPair, at time.Time) ([]models.Change, error) {
	prevPrice, err := pair.Previous.Price.Float()
	if err != nil {
		return nil, fmt.Errorf("price at %s: %w", pair.Previous.Key, err)
	}
	curPrice, err := pair.Current.Price.Float()
	if err != nil {
		return nil, fmt.Errorf("price at %s: %w", pair.Current.Key, err)
	}
	prevQty, err := pair.Previous.Quantity.Whole()
	if err != nil {
		return nil, fmt.Errorf("quantity at %s: %w", pair.Previous.Key, err)
	}
	curQty, err := pair.Current.Quantity.Whole()
	if err != nil {
		return nil, fmt.Errorf("quantity at %s: %w", pair.Current.Key, err)
	}

	var changes []models.Change
	for _, c := range []*models.Change{
		d.policy.Evaluate(models.FieldPrice, prevPrice, curPrice),
		d.policy.Evaluate(models.FieldQuantity, prevQty, curQty),
	} {
		if c == nil {
			continue
		}
		c.ItemKey = pair.ItemKey
		c.Period = at
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%s change: %w", c.Field, err)
		}
		changes = append(changes, *c)
	}
	return changes, nil
}

// DetectChanges reads the series pairs for the bucket containing now and its
// predecessor and evaluates every item. It returns one change set per scanned
// item (possibly empty), per-item errors (non-fatal), and a fatal error if the
// store could not be read.
func (d *Detector) DetectChanges(ctx context.Context, now time.Time) ([]models.ChangeSet, []DetectionError, error) {
	g := d.opts.Granularity
	current := period.BucketStart(now, g)
	curKey := period.BucketKey(current, g)
	prevKey := period.BucketKey(period.Previous(current, g), g)

	pairs, err := d.store.ReadSeriesPairs(ctx, g, prevKey, curKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read series for %s -> %s: %w", prevKey, curKey, err)
	}

	sets := make([]models.ChangeSet, 0, len(pairs))
	var detectionErrors []DetectionError
	for _, pair := range pairs {
		changes, err := d.DetectItem(pair, current)
		if err != nil {
			detectionErrors = append(detectionErrors, DetectionError{ItemKey: pair.ItemKey, Err: err})
			continue
		}
		sets = append(sets, models.ChangeSet{ItemKey: pair.ItemKey, Period: current, Changes: changes})
	}

	logger.Debug("DetectChanges: %s -> %s, pairs=%d, evaluated=%d, faults=%d",
		prevKey, curKey, len(pairs), len(sets), len(detectionErrors))

	return sets, detectionErrors, nil
}

// Run detects changes for the bucket containing now and writes them.
// Writes are split into chunks of BatchSize and flushed by at most Workers
// goroutines; every chunk is an idempotent replace, so completion order does
// not matter. Cancellation is checked between chunks.
func (d *Detector) Run(ctx context.Context, now time.Time) (*RunReport, error) {
	started := time.Now()
	g := d.opts.Granularity
	current := period.BucketStart(now, g)

	report := &RunReport{
		RunID:       uuid.New().String(),
		PeriodKey:   period.BucketKey(current, g),
		PreviousKey: period.BucketKey(period.Previous(current, g), g),
	}

	sets, detectionErrors, err := d.DetectChanges(ctx, now)
	if err != nil {
		return nil, err
	}
	report.Errors = detectionErrors
	report.Skipped = len(detectionErrors)
	report.Scanned = len(sets) + len(detectionErrors)
	for _, set := range sets {
		if len(set.Changes) > 0 {
			report.ItemsWithChanges++
			report.Qualifying += len(set.Changes)
		}
	}

	for _, detErr := range detectionErrors {
		logger.Warn("Skipping item %s: %v", detErr.ItemKey, detErr.Err)
	}

	if err := d.flush(ctx, sets); err != nil {
		return nil, err
	}

	report.Duration = time.Since(started)
	logger.Info("Detection run %s complete: period=%s scanned=%d with_changes=%d qualifying=%d skipped=%d in %v",
		report.RunID, report.PeriodKey, report.Scanned, report.ItemsWithChanges, report.Qualifying, report.Skipped, report.Duration)
	return report, nil
}

func (d *Detector) flush(ctx context.Context, sets []models.ChangeSet) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(d.opts.Workers)

	for start := 0; start < len(sets); start += d.opts.BatchSize {
		if err := egCtx.Err(); err != nil {
			break
		}
		end := min(start+d.opts.BatchSize, len(sets))
		chunk := sets[start:end]
		eg.Go(func() error {
			if err := d.store.ReplaceChangeSets(egCtx, chunk); err != nil {
				return fmt.Errorf("failed to write change sets: %w", err)
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
