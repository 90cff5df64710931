package models

import (
	"errors"
	"time"
)

// Window is a half-open UTC interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// RankedEntry is one row of a snapshot: an item's winning change and its score.
type RankedEntry struct {
	ItemKey       string    `json:"item_key"`
	Field         Field     `json:"field"`
	Period        time.Time `json:"period"`
	PreviousValue float64   `json:"previous_value"`
	CurrentValue  float64   `json:"current_value"`
	AbsoluteDelta float64   `json:"absolute_delta"`
	PercentDelta  *float64  `json:"percent_delta"`
	Score         float64   `json:"score"`
}

// Snapshot is the materialized top-N view for one (day, mode, category).
// An empty Items list is a valid result, not an error.
type Snapshot struct {
	SnapshotDate time.Time     `json:"snapshot_date"` // UTC midnight of the requested day
	Mode         Mode          `json:"field_mode"`
	Category     Category      `json:"category,omitempty"` // empty for the uncategorized ranking
	Window       Window        `json:"window"`
	Metric       Metric        `json:"metric"`
	Limit        int           `json:"limit"`
	FallbackUsed bool          `json:"fallback_used"`
	GeneratedAt  time.Time     `json:"generated_at"`
	Items        []RankedEntry `json:"items"`
}

// Validate checks that all snapshot fields are valid
func (s *Snapshot) Validate() error {
	if s.SnapshotDate.IsZero() {
		return errors.New("snapshot date must be set")
	}
	d := s.SnapshotDate.UTC()
	if d.Hour() != 0 || d.Minute() != 0 || d.Second() != 0 || d.Nanosecond() != 0 {
		return errors.New("snapshot date must be a UTC midnight")
	}
	if _, err := ParseMode(string(s.Mode)); err != nil {
		return err
	}
	if s.Category != "" {
		if _, err := ParseCategory(string(s.Category)); err != nil {
			return err
		}
	}
	if !s.Window.End.After(s.Window.Start) {
		return errors.New("window end must be after window start")
	}
	if s.Metric != MetricPercent && s.Metric != MetricAbsolute {
		return errors.New("metric must be 'percent' or 'absolute'")
	}
	if s.Limit < 1 {
		return errors.New("limit must be at least 1")
	}
	if len(s.Items) > s.Limit {
		return errors.New("snapshot holds more items than its limit")
	}
	for i := 1; i < len(s.Items); i++ {
		a, b := s.Items[i-1], s.Items[i]
		if a.Score < b.Score || (a.Score == b.Score && a.Period.Before(b.Period)) {
			return errors.New("snapshot items must be sorted by score then period, descending")
		}
	}
	return nil
}
