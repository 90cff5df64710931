package storage

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rewired-gh/marketmovers/internal/models"
	"github.com/rewired-gh/marketmovers/internal/monitor"
	"github.com/rewired-gh/marketmovers/internal/period"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func fp(v float64) *float64 { return &v }
func ip(v int64) *int64     { return &v }

var (
	hour0 = time.Date(2025, 10, 8, 0, 0, 0, 0, time.UTC)
	hour1 = time.Date(2025, 10, 8, 1, 0, 0, 0, time.UTC)
)

func TestStorage_ObservationsRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	obs := []models.Observation{
		{ItemKey: "AK-47 | Redline (Field-Tested)", PeriodKey: "2025-10-08T00:00", Price: fp(26076), Quantity: ip(40)},
		{ItemKey: "AK-47 | Redline (Field-Tested)", PeriodKey: "2025-10-08T01:00", Price: fp(31404), Quantity: ip(41)},
		{ItemKey: "Clutch Case", PeriodKey: "2025-10-08T01:00", Quantity: ip(1200)},
	}
	if err := s.UpsertObservations(ctx, obs, hour1); err != nil {
		t.Fatalf("UpsertObservations failed: %v", err)
	}

	pairs, err := s.ReadSeriesPairs(ctx, period.Hourly, "2025-10-08T00:00", "2025-10-08T01:00")
	if err != nil {
		t.Fatalf("ReadSeriesPairs failed: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("expected 2 tracked items, got %d", len(pairs))
	}

	ak := pairs[0]
	if ak.ItemKey != "AK-47 | Redline (Field-Tested)" {
		t.Fatalf("unexpected first item %q", ak.ItemKey)
	}
	prev, err := ak.Previous.Price.Float()
	if err != nil || prev == nil || *prev != 26076 {
		t.Errorf("previous price = %v, %v", prev, err)
	}
	qty, err := ak.Current.Quantity.Whole()
	if err != nil || qty == nil || *qty != 41 {
		t.Errorf("current quantity = %v, %v", qty, err)
	}

	clutch := pairs[1]
	if clutch.Previous.Price.Present() || clutch.Previous.Quantity.Present() {
		t.Error("missing previous bucket should read as absent")
	}
	if clutch.Current.Price.Present() {
		t.Error("unreported price should read as absent")
	}
}

func TestStorage_ObservationUpsertOverwrites(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	key := "2025-10-08T01:00"
	if err := s.UpsertObservations(ctx, []models.Observation{{ItemKey: "a", PeriodKey: key, Price: fp(10)}}, hour1); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if err := s.UpsertObservations(ctx, []models.Observation{{ItemKey: "a", PeriodKey: key, Price: fp(12)}}, hour1); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	pairs, err := s.ReadSeriesPairs(ctx, period.Hourly, "2025-10-08T00:00", key)
	if err != nil {
		t.Fatalf("ReadSeriesPairs failed: %v", err)
	}
	got, _ := pairs[0].Current.Price.Float()
	if got == nil || *got != 12 {
		t.Errorf("expected overwritten price 12, got %v", got)
	}
}

func TestStorage_GranularitiesAreSeparate(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	obs := []models.Observation{
		{ItemKey: "a", PeriodKey: "2025-10-07", Price: fp(10)},
		{ItemKey: "a", PeriodKey: "2025-10-08", Price: fp(20)},
		{ItemKey: "a", PeriodKey: "2025-10-08T00:00", Price: fp(99)},
	}
	if err := s.UpsertObservations(ctx, obs, hour1); err != nil {
		t.Fatalf("UpsertObservations failed: %v", err)
	}

	pairs, err := s.ReadSeriesPairs(ctx, period.Daily, "2025-10-07", "2025-10-08")
	if err != nil {
		t.Fatalf("ReadSeriesPairs failed: %v", err)
	}
	cur, _ := pairs[0].Current.Price.Float()
	if cur == nil || *cur != 20 {
		t.Errorf("daily current price = %v, want 20", cur)
	}
}

func TestStorage_RejectsInvalidObservation(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	bad := []models.Observation{
		{ItemKey: "", PeriodKey: "2025-10-08T01:00"},
		{ItemKey: "a", PeriodKey: "2025-10-08T01:30"},
		{ItemKey: "a", PeriodKey: "2025-10-08T01:00", Price: fp(-1)},
	}
	for _, o := range bad {
		if err := s.UpsertObservations(ctx, []models.Observation{o}, hour1); err == nil {
			t.Errorf("expected error for %+v", o)
		}
	}
}

func changeSet(item string, at time.Time, prices ...float64) models.ChangeSet {
	set := models.ChangeSet{ItemKey: item, Period: at}
	for i := 0; i+1 < len(prices); i += 2 {
		prev, cur := prices[i], prices[i+1]
		set.Changes = append(set.Changes, models.Change{
			ItemKey: item, Period: at, Field: models.FieldPrice,
			PreviousValue: prev, CurrentValue: cur, AbsoluteDelta: cur - prev,
			PercentDelta: fp((cur - prev) / prev),
		})
	}
	return set
}

func TestStorage_ReplaceChangeSets(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if err := s.ReplaceChangeSets(ctx, []models.ChangeSet{
		changeSet("a", hour1, 100, 150),
		changeSet("b", hour1, 100, 130),
	}); err != nil {
		t.Fatalf("first replace failed: %v", err)
	}
	// rerun: a changed, b no longer qualifies
	if err := s.ReplaceChangeSets(ctx, []models.ChangeSet{
		changeSet("a", hour1, 100, 160),
		changeSet("b", hour1),
	}); err != nil {
		t.Fatalf("second replace failed: %v", err)
	}

	changes, err := s.ChangesInWindow(ctx, hour0, hour0.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("ChangesInWindow failed: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected 1 change after replace, got %d", len(changes))
	}
	c := changes[0]
	if c.ItemKey != "a" || c.CurrentValue != 160 {
		t.Errorf("unexpected change %+v", c)
	}
	if !c.Period.Equal(hour1) || c.Period.Location() != time.UTC {
		t.Errorf("period = %v, want %v UTC", c.Period, hour1)
	}
	if c.PercentDelta == nil || math.Abs(*c.PercentDelta-0.6) > 1e-12 {
		t.Errorf("percent delta = %v", c.PercentDelta)
	}
}

func TestStorage_ChangesInWindowHalfOpen(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	start := hour0
	end := start.Add(24 * time.Hour)
	if err := s.ReplaceChangeSets(ctx, []models.ChangeSet{
		changeSet("before", start.Add(-time.Hour), 10, 20),
		changeSet("first", start, 10, 20),
		changeSet("last", end.Add(-time.Hour), 10, 20),
		changeSet("after", end, 10, 20),
	}); err != nil {
		t.Fatalf("ReplaceChangeSets failed: %v", err)
	}

	changes, err := s.ChangesInWindow(ctx, start, end)
	if err != nil {
		t.Fatalf("ChangesInWindow failed: %v", err)
	}
	got := make(map[string]bool)
	for _, c := range changes {
		got[c.ItemKey] = true
	}
	if len(got) != 2 || !got["first"] || !got["last"] {
		t.Errorf("expected first and last only, got %v", got)
	}
}

func TestStorage_UndecodableChangeRecordSkipped(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if err := s.ReplaceChangeSets(ctx, []models.ChangeSet{changeSet("good", hour1, 10, 20)}); err != nil {
		t.Fatalf("ReplaceChangeSets failed: %v", err)
	}
	if _, err := s.db.Exec(`INSERT INTO change_records (item_key, period, changes) VALUES (?, ?, ?)`,
		"bad", hour1.Unix(), "{not json"); err != nil {
		t.Fatalf("raw insert failed: %v", err)
	}

	changes, err := s.ChangesInWindow(ctx, hour0, hour0.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("ChangesInWindow failed: %v", err)
	}
	if len(changes) != 1 || changes[0].ItemKey != "good" {
		t.Errorf("expected only the decodable record, got %+v", changes)
	}
}

func testSnapshot(day time.Time, mode models.Mode, cat models.Category, items ...string) *models.Snapshot {
	snap := &models.Snapshot{
		SnapshotDate: day,
		Mode:         mode,
		Category:     cat,
		Window:       models.Window{Start: day, End: day.AddDate(0, 0, 1)},
		Metric:       models.MetricPercent,
		Limit:        10,
		GeneratedAt:  day.Add(23 * time.Hour),
		Items:        []models.RankedEntry{},
	}
	for i, item := range items {
		snap.Items = append(snap.Items, models.RankedEntry{
			ItemKey: item, Field: models.FieldPrice, Period: day,
			PreviousValue: 100, CurrentValue: 150, AbsoluteDelta: 50,
			PercentDelta: fp(0.5), Score: float64(len(items) - i),
		})
	}
	return snap
}

func TestStorage_SnapshotReplaceAndGet(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	day := hour0

	if err := s.ReplaceSnapshot(ctx, testSnapshot(day, models.ModePrice, "", "a", "b")); err != nil {
		t.Fatalf("first replace failed: %v", err)
	}
	if err := s.ReplaceSnapshot(ctx, testSnapshot(day, models.ModePrice, "", "c")); err != nil {
		t.Fatalf("second replace failed: %v", err)
	}

	got, err := s.GetSnapshot(ctx, day, models.ModePrice, "")
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if len(got.Items) != 1 || got.Items[0].ItemKey != "c" {
		t.Errorf("expected replaced document, got %+v", got.Items)
	}
	if !got.SnapshotDate.Equal(day) {
		t.Errorf("snapshot date = %v", got.SnapshotDate)
	}

	if _, err := s.GetSnapshot(ctx, day, models.ModePrice, models.CategoryCase); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStorage_EmptySnapshotReadsAsEmptyList(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if err := s.ReplaceSnapshot(ctx, testSnapshot(hour0, models.ModeAny, models.CategorySticker)); err != nil {
		t.Fatalf("ReplaceSnapshot failed: %v", err)
	}
	got, err := s.GetSnapshot(ctx, hour0, models.ModeAny, models.CategorySticker)
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if got.Items == nil || len(got.Items) != 0 {
		t.Errorf("expected empty non-nil items, got %#v", got.Items)
	}
}

func TestStorage_RejectsInvalidSnapshot(t *testing.T) {
	s := newTestStorage(t)
	snap := testSnapshot(hour0.Add(time.Hour), models.ModePrice, "")
	if err := s.ReplaceSnapshot(context.Background(), snap); err == nil {
		t.Error("expected error for non-midnight snapshot date")
	}
}

func TestStorage_LatestAndDaySnapshots(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	day7 := hour0.AddDate(0, 0, -1)

	for _, snap := range []*models.Snapshot{
		testSnapshot(day7, models.ModeAny, "", "old"),
		testSnapshot(hour0, models.ModeAny, "", "new"),
		testSnapshot(hour0, models.ModeAny, models.CategoryWeapon, "new"),
		testSnapshot(hour0, models.ModePrice, "", "p"),
	} {
		if err := s.ReplaceSnapshot(ctx, snap); err != nil {
			t.Fatalf("ReplaceSnapshot failed: %v", err)
		}
	}

	latest, err := s.LatestSnapshot(ctx, models.ModeAny, "")
	if err != nil {
		t.Fatalf("LatestSnapshot failed: %v", err)
	}
	if !latest.SnapshotDate.Equal(hour0) {
		t.Errorf("latest date = %v, want %v", latest.SnapshotDate, hour0)
	}
	if _, err := s.LatestSnapshot(ctx, models.ModeQuantity, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	docs, err := s.SnapshotsForDay(ctx, hour0)
	if err != nil {
		t.Fatalf("SnapshotsForDay failed: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("expected 3 documents, got %d", len(docs))
	}
	if docs[0].Mode != models.ModeAny || docs[0].Category != "" {
		t.Errorf("expected overall any document first, got %s/%s", docs[0].Mode, docs[0].Category)
	}
}

func TestStorage_Prune(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if err := s.UpsertObservations(ctx, []models.Observation{
		{ItemKey: "a", PeriodKey: "2025-10-01T00:00", Price: fp(1)},
		{ItemKey: "a", PeriodKey: "2025-10-08T00:00", Price: fp(2)},
	}, hour1); err != nil {
		t.Fatalf("UpsertObservations failed: %v", err)
	}
	if err := s.ReplaceChangeSets(ctx, []models.ChangeSet{
		changeSet("a", hour0.AddDate(0, 0, -5), 10, 20),
		changeSet("a", hour1, 10, 20),
	}); err != nil {
		t.Fatalf("ReplaceChangeSets failed: %v", err)
	}

	stats, err := s.Prune(ctx, hour0.AddDate(0, 0, -3), hour0.AddDate(0, 0, -3))
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if stats.ChangeRecords != 1 || stats.Observations != 1 {
		t.Errorf("unexpected prune stats %+v", stats)
	}

	changes, err := s.ChangesInWindow(ctx, hour0.AddDate(0, 0, -10), hour0.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("ChangesInWindow failed: %v", err)
	}
	if len(changes) != 1 {
		t.Errorf("expected 1 surviving change, got %d", len(changes))
	}
}

func TestStorage_DetectorEndToEnd(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if err := s.UpsertObservations(ctx, []models.Observation{
		{ItemKey: "AK-47 | Redline (Field-Tested)", PeriodKey: "2025-10-08T00:00", Price: fp(26076), Quantity: ip(40)},
		{ItemKey: "AK-47 | Redline (Field-Tested)", PeriodKey: "2025-10-08T01:00", Price: fp(31404), Quantity: ip(41)},
		{ItemKey: "Broken", PeriodKey: "2025-10-08T00:00", Price: fp(10)},
		{ItemKey: "Steady", PeriodKey: "2025-10-08T00:00", Price: fp(100)},
		{ItemKey: "Steady", PeriodKey: "2025-10-08T01:00", Price: fp(101)},
	}, hour1); err != nil {
		t.Fatalf("UpsertObservations failed: %v", err)
	}
	// a value written by some other tool with the wrong type
	if _, err := s.db.Exec(
		`INSERT INTO observations (item_key, granularity, period_key, period_start, price) VALUES (?, ?, ?, ?, ?)`,
		"Broken", "hour", "2025-10-08T01:00", hour1.Unix(), "n/a"); err != nil {
		t.Fatalf("raw insert failed: %v", err)
	}

	policy := monitor.Policy{PricePercent: 0.15, QuantityPercent: 0.25, MinQuantityDelta: 3}
	d := monitor.New(s, policy, monitor.Options{Granularity: period.Hourly, BatchSize: 2, Workers: 2})

	report, err := d.Run(ctx, hour1.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Skipped != 1 {
		t.Errorf("expected the malformed item to be skipped, got %d", report.Skipped)
	}
	if report.Qualifying != 1 {
		t.Errorf("expected 1 qualifying change, got %d", report.Qualifying)
	}

	changes, err := s.ChangesInWindow(ctx, hour0, hour0.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("ChangesInWindow failed: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected 1 stored change, got %d", len(changes))
	}
	if pct := *changes[0].PercentDelta; math.Abs(pct-0.2043) > 1e-4 {
		t.Errorf("percent delta = %v, want ~0.2043", pct)
	}

	// a second run over the same buckets must not duplicate records
	if _, err := d.Run(ctx, hour1.Add(40*time.Minute)); err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	again, err := s.ChangesInWindow(ctx, hour0, hour0.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("ChangesInWindow failed: %v", err)
	}
	if len(again) != 1 {
		t.Errorf("rerun duplicated records: %d", len(again))
	}
}
