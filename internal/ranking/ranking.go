// Package ranking turns accumulated change records into ranked top-N snapshots.
//
// Ranking is two-stage: each (item, field) keeps only its strongest record,
// then in best-of-fields mode each item keeps only its strongest field. The
// survivors are sorted by score descending, most recent period first on ties,
// and truncated. When categorized, the full ranked list is partitioned first
// and each category is truncated on its own, so one category's volume never
// starves another's top-N.
package ranking

import (
	"math"
	"sort"

	"github.com/rewired-gh/marketmovers/internal/models"
)

// Score returns the ranking score of a change under metric. The second value
// is false when the change carries no value for that metric.
func Score(c models.Change, metric models.Metric) (float64, bool) {
	switch metric {
	case models.MetricPercent:
		if c.PercentDelta == nil {
			return 0, false
		}
		return math.Abs(*c.PercentDelta), true
	case models.MetricAbsolute:
		return math.Abs(c.AbsoluteDelta), true
	}
	return 0, false
}

func entryFor(c models.Change, score float64) models.RankedEntry {
	return models.RankedEntry{
		ItemKey:       c.ItemKey,
		Field:         c.Field,
		Period:        c.Period,
		PreviousValue: c.PreviousValue,
		CurrentValue:  c.CurrentValue,
		AbsoluteDelta: c.AbsoluteDelta,
		PercentDelta:  c.PercentDelta,
		Score:         score,
	}
}

// ranksBefore is the total order of a ranked list: score desc, period desc,
// then item key and field ascending so equal entries sort deterministically.
func ranksBefore(a, b models.RankedEntry) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.Period.Equal(b.Period) {
		return a.Period.After(b.Period)
	}
	if a.ItemKey != b.ItemKey {
		return a.ItemKey < b.ItemKey
	}
	return a.Field < b.Field
}

type itemField struct {
	item  string
	field models.Field
}

// Rank scores, deduplicates and sorts changes for one mode. The result is
// not truncated.
func Rank(changes []models.Change, mode models.Mode, metric models.Metric) []models.RankedEntry {
	only := mode.Field()

	best := make(map[itemField]models.RankedEntry)
	for _, c := range changes {
		if only != "" && c.Field != only {
			continue
		}
		score, ok := Score(c, metric)
		if !ok {
			continue
		}
		e := entryFor(c, score)
		key := itemField{item: c.ItemKey, field: c.Field}
		if cur, exists := best[key]; !exists || ranksBefore(e, cur) {
			best[key] = e
		}
	}

	var entries []models.RankedEntry
	if mode == models.ModeAny {
		perItem := make(map[string]models.RankedEntry, len(best))
		for _, e := range best {
			if cur, exists := perItem[e.ItemKey]; !exists || ranksBefore(e, cur) {
				perItem[e.ItemKey] = e
			}
		}
		entries = make([]models.RankedEntry, 0, len(perItem))
		for _, e := range perItem {
			entries = append(entries, e)
		}
	} else {
		entries = make([]models.RankedEntry, 0, len(best))
		for _, e := range best {
			entries = append(entries, e)
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return ranksBefore(entries[i], entries[j])
	})
	return entries
}

// Truncate returns at most limit entries. The result is never nil.
func Truncate(entries []models.RankedEntry, limit int) []models.RankedEntry {
	if limit < 0 {
		limit = 0
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	if entries == nil {
		return []models.RankedEntry{}
	}
	return entries
}

// Top is Rank followed by Truncate.
func Top(changes []models.Change, mode models.Mode, metric models.Metric, limit int) []models.RankedEntry {
	return Truncate(Rank(changes, mode, metric), limit)
}

// Classifier assigns an item to a category.
type Classifier interface {
	Classify(itemKey string) models.Category
}

// Partition splits a ranked list by category and truncates each part to
// limit independently. Every category is present in the result, possibly
// with an empty list. Relative order within a category is preserved.
func Partition(ranked []models.RankedEntry, classifier Classifier, limit int) map[models.Category][]models.RankedEntry {
	parts := make(map[models.Category][]models.RankedEntry, len(models.Categories))
	for _, cat := range models.Categories {
		parts[cat] = []models.RankedEntry{}
	}
	for _, e := range ranked {
		cat := classifier.Classify(e.ItemKey)
		if len(parts[cat]) < limit {
			parts[cat] = append(parts[cat], e)
		}
	}
	return parts
}
