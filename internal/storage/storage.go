// Package storage persists observations, change records and snapshot
// documents in SQLite.
//
// Three logical stores share one database:
//
//   - items and observations: the per-item time series, one row per
//     (item, granularity, bucket) with nullable price and quantity
//   - change_records: one row per (item, period) holding the qualifying
//     changes as a JSON array; replaced wholesale on every detector run
//   - snapshots: one JSON document per (day, mode, category)
//
// Values are read back untyped so that rows written by other tools with the
// wrong type surface as per-item faults instead of failing the whole query.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rewired-gh/marketmovers/internal/logger"
	"github.com/rewired-gh/marketmovers/internal/models"
	"github.com/rewired-gh/marketmovers/internal/period"
)

// ErrNotFound is returned when a requested snapshot does not exist.
var ErrNotFound = errors.New("not found")

const dayLayout = "2006-01-02"

// Storage is a SQLite-backed store. It is safe for concurrent use.
type Storage struct {
	db *sql.DB
}

// New opens (and creates if needed) the database at dbPath. ":memory:" opens
// a private in-memory database.
func New(dbPath string) (*Storage, error) {
	dsn := dbPath
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "marketmovers", "marketmovers.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; also keeps a :memory: database on a single connection
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{db: db}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) initTables() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS items (
			item_key TEXT PRIMARY KEY,
			last_seen_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS observations (
			item_key TEXT NOT NULL,
			granularity TEXT NOT NULL,
			period_key TEXT NOT NULL,
			period_start INTEGER NOT NULL,
			price REAL,
			quantity INTEGER,
			PRIMARY KEY (item_key, granularity, period_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_observations_start ON observations (period_start)`,
		`CREATE TABLE IF NOT EXISTS change_records (
			item_key TEXT NOT NULL,
			period INTEGER NOT NULL,
			changes TEXT NOT NULL,
			PRIMARY KEY (item_key, period)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_change_records_period ON change_records (period)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			snapshot_date TEXT NOT NULL,
			mode TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			doc TEXT NOT NULL,
			generated_at INTEGER NOT NULL,
			PRIMARY KEY (snapshot_date, mode, category)
		)`,
	}
	for _, stmt := range tables {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}
	return nil
}

// UpsertObservations writes observations and registers their items as
// tracked. The granularity of each row is taken from its period key.
func (s *Storage) UpsertObservations(ctx context.Context, obs []models.Observation, seenAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range obs {
		o := &obs[i]
		if err := o.Validate(); err != nil {
			return fmt.Errorf("invalid observation for %q: %w", o.ItemKey, err)
		}
		start, g, err := period.ParseKey(o.PeriodKey)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO items (item_key, last_seen_at) VALUES (?, ?)
			 ON CONFLICT (item_key) DO UPDATE SET last_seen_at = excluded.last_seen_at`,
			o.ItemKey, seenAt.UTC().Unix()); err != nil {
			return fmt.Errorf("failed to upsert item %q: %w", o.ItemKey, err)
		}

		var price, quantity any
		if o.Price != nil {
			price = *o.Price
		}
		if o.Quantity != nil {
			quantity = *o.Quantity
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO observations (item_key, granularity, period_key, period_start, price, quantity)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (item_key, granularity, period_key)
			 DO UPDATE SET price = excluded.price, quantity = excluded.quantity`,
			o.ItemKey, string(g), o.PeriodKey, start.Unix(), price, quantity); err != nil {
			return fmt.Errorf("failed to upsert observation %q@%s: %w", o.ItemKey, o.PeriodKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit observations: %w", err)
	}
	return nil
}

// ReadSeriesPairs returns, for every tracked item, its stored values at
// previousKey and currentKey. Missing buckets come back as absent readings.
func (s *Storage) ReadSeriesPairs(ctx context.Context, g period.Granularity, previousKey, currentKey string) ([]models.SeriesPair, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT i.item_key, p.price, p.quantity, c.price, c.quantity
		 FROM items i
		 LEFT JOIN observations p
		   ON p.item_key = i.item_key AND p.granularity = ? AND p.period_key = ?
		 LEFT JOIN observations c
		   ON c.item_key = i.item_key AND c.granularity = ? AND c.period_key = ?
		 ORDER BY i.item_key`,
		string(g), previousKey, string(g), currentKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query series: %w", err)
	}
	defer rows.Close()

	var pairs []models.SeriesPair
	for rows.Next() {
		var (
			item               string
			prevPrice, prevQty any
			curPrice, curQty   any
		)
		if err := rows.Scan(&item, &prevPrice, &prevQty, &curPrice, &curQty); err != nil {
			return nil, fmt.Errorf("failed to scan series row: %w", err)
		}
		pairs = append(pairs, models.SeriesPair{
			ItemKey: item,
			Previous: models.PeriodReadings{
				Key:      previousKey,
				Price:    models.Reading{Raw: prevPrice},
				Quantity: models.Reading{Raw: prevQty},
			},
			Current: models.PeriodReadings{
				Key:      currentKey,
				Price:    models.Reading{Raw: curPrice},
				Quantity: models.Reading{Raw: curQty},
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read series rows: %w", err)
	}
	return pairs, nil
}

// ReplaceChangeSets overwrites the stored record of each (item, period). A
// set with no changes deletes the record, so a rerun that no longer finds a
// qualifying change leaves nothing stale behind.
func (s *Storage) ReplaceChangeSets(ctx context.Context, sets []models.ChangeSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range sets {
		set := &sets[i]
		if err := set.Validate(); err != nil {
			return fmt.Errorf("invalid change set for %q: %w", set.ItemKey, err)
		}
		at := set.Period.UTC().Unix()

		if len(set.Changes) == 0 {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM change_records WHERE item_key = ? AND period = ?`,
				set.ItemKey, at); err != nil {
				return fmt.Errorf("failed to delete changes for %q: %w", set.ItemKey, err)
			}
			continue
		}

		data, err := json.Marshal(set.Changes)
		if err != nil {
			return fmt.Errorf("failed to encode changes for %q: %w", set.ItemKey, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO change_records (item_key, period, changes) VALUES (?, ?, ?)
			 ON CONFLICT (item_key, period) DO UPDATE SET changes = excluded.changes`,
			set.ItemKey, at, string(data)); err != nil {
			return fmt.Errorf("failed to write changes for %q: %w", set.ItemKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit change sets: %w", err)
	}
	return nil
}

// ChangesInWindow returns every stored change with start <= period < end.
// Records that cannot be decoded are logged and skipped.
func (s *Storage) ChangesInWindow(ctx context.Context, start, end time.Time) ([]models.Change, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_key, period, changes FROM change_records
		 WHERE period >= ? AND period < ?
		 ORDER BY period, item_key`,
		start.UTC().Unix(), end.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	var changes []models.Change
	for rows.Next() {
		var (
			item string
			at   int64
			data string
		)
		if err := rows.Scan(&item, &at, &data); err != nil {
			return nil, fmt.Errorf("failed to scan change row: %w", err)
		}
		var decoded []models.Change
		if err := json.Unmarshal([]byte(data), &decoded); err != nil {
			logger.Warn("Skipping undecodable change record %s@%d: %v", item, at, err)
			continue
		}
		for _, c := range decoded {
			c.ItemKey = item
			c.Period = time.Unix(at, 0).UTC()
			changes = append(changes, c)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read change rows: %w", err)
	}
	return changes, nil
}

// ReplaceSnapshot overwrites the document keyed by (date, mode, category).
func (s *Storage) ReplaceSnapshot(ctx context.Context, snap *models.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (snapshot_date, mode, category, doc, generated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (snapshot_date, mode, category)
		 DO UPDATE SET doc = excluded.doc, generated_at = excluded.generated_at`,
		snap.SnapshotDate.UTC().Format(dayLayout), string(snap.Mode), string(snap.Category),
		string(data), snap.GeneratedAt.UTC().Unix())
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

func decodeSnapshot(data string) (*models.Snapshot, error) {
	var snap models.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snap.Items == nil {
		snap.Items = []models.RankedEntry{}
	}
	return &snap, nil
}

// GetSnapshot returns the document for (day, mode, category), or ErrNotFound.
func (s *Storage) GetSnapshot(ctx context.Context, day time.Time, mode models.Mode, category models.Category) (*models.Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM snapshots WHERE snapshot_date = ? AND mode = ? AND category = ?`,
		day.UTC().Format(dayLayout), string(mode), string(category)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return decodeSnapshot(data)
}

// LatestSnapshot returns the most recent document for (mode, category), or ErrNotFound.
func (s *Storage) LatestSnapshot(ctx context.Context, mode models.Mode, category models.Category) (*models.Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM snapshots WHERE mode = ? AND category = ?
		 ORDER BY snapshot_date DESC LIMIT 1`,
		string(mode), string(category)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return decodeSnapshot(data)
}

// SnapshotsForDay returns every document stored for day, ordered by mode
// then category with the overall document first.
func (s *Storage) SnapshotsForDay(ctx context.Context, day time.Time) ([]models.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM snapshots WHERE snapshot_date = ? ORDER BY mode, category`,
		day.UTC().Format(dayLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []models.Snapshot
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap, err := decodeSnapshot(data)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, *snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read snapshots: %w", err)
	}
	return snaps, nil
}

// PruneStats reports what Prune removed.
type PruneStats struct {
	ChangeRecords int64
	Observations  int64
}

// Prune deletes change records with a period before changesBefore and
// observations whose bucket starts before observationsBefore.
func (s *Storage) Prune(ctx context.Context, changesBefore, observationsBefore time.Time) (PruneStats, error) {
	var stats PruneStats

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM change_records WHERE period < ?`, changesBefore.UTC().Unix())
	if err != nil {
		return stats, fmt.Errorf("failed to prune change records: %w", err)
	}
	stats.ChangeRecords, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM observations WHERE period_start < ?`, observationsBefore.UTC().Unix())
	if err != nil {
		return stats, fmt.Errorf("failed to prune observations: %w", err)
	}
	stats.Observations, _ = res.RowsAffected()

	return stats, nil
}
