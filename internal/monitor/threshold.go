package monitor

import (
	"math"

	"github.com/rewired-gh/marketmovers/internal/models"
)

// Policy holds the fixed thresholds a transition must clear to count as a change.
type Policy struct {
	// PricePercent is the minimum |Δ|/previous for a price change.
	PricePercent float64
	// QuantityPercent is the minimum |Δ|/base for a quantity change.
	QuantityPercent float64
	// MinQuantityDelta is the minimum |Δ| in units for a quantity change.
	MinQuantityDelta float64
}

// Evaluate compares previous and current values of one field and returns the
// qualifying change, or nil. ItemKey and Period are left for the caller.
//
// Missing values never qualify. Price requires a non-zero previous value and
// |Δ|/previous >= PricePercent. Quantity requires both |Δ| >= MinQuantityDelta
// and |Δ|/base >= QuantityPercent, where base is previous, or max(current, 1)
// when previous is zero. PercentDelta is nil whenever previous is zero.
func (p Policy) Evaluate(field models.Field, previous, current *float64) *models.Change {
	if previous == nil || current == nil {
		return nil
	}
	prev, cur := *previous, *current
	abs := cur - prev

	var pct *float64
	if prev != 0 {
		v := abs / prev
		pct = &v
	}

	switch field {
	case models.FieldPrice:
		if pct == nil || math.Abs(*pct) < p.PricePercent {
			return nil
		}
	case models.FieldQuantity:
		if math.Abs(abs) < p.MinQuantityDelta {
			return nil
		}
		base := math.Abs(prev)
		if prev == 0 {
			base = math.Max(cur, 1)
		}
		if math.Abs(abs)/base < p.QuantityPercent {
			return nil
		}
	default:
		return nil
	}

	return &models.Change{
		Field:         field,
		PreviousValue: prev,
		CurrentValue:  cur,
		AbsoluteDelta: abs,
		PercentDelta:  pct,
	}
}
