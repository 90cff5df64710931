package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Reading is a single stored value as the time-series store returned it.
// Raw is nil when the period has no value for the field.
type Reading struct {
	Raw any
}

// Present reports whether a value was stored.
func (r Reading) Present() bool {
	return r.Raw != nil
}

// Float decodes the stored value. It returns (nil, nil) when the value is
// absent and an error when the stored value is not a finite number.
func (r Reading) Float() (*float64, error) {
	var v float64
	switch raw := r.Raw.(type) {
	case nil:
		return nil, nil
	case float64:
		v = raw
	case float32:
		v = float64(raw)
	case int64:
		v = float64(raw)
	case int:
		v = float64(raw)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("malformed value %q", raw)
		}
		v = f
	case []byte:
		f, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
		if err != nil {
			return nil, fmt.Errorf("malformed value %q", raw)
		}
		v = f
	default:
		return nil, fmt.Errorf("unsupported value type %T", raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("non-finite value %v", v)
	}
	return &v, nil
}

// Whole decodes the stored value and rejects fractional numbers.
func (r Reading) Whole() (*float64, error) {
	v, err := r.Float()
	if err != nil || v == nil {
		return v, err
	}
	if *v != math.Trunc(*v) {
		return nil, fmt.Errorf("quantity %v is not a whole number", *v)
	}
	return v, nil
}

// PeriodReadings holds an item's stored values for one period.
type PeriodReadings struct {
	Key      string
	Price    Reading
	Quantity Reading
}

// SeriesPair is the bounded view of an item's series needed for diffing:
// the immediately preceding period and the current one.
type SeriesPair struct {
	ItemKey  string
	Previous PeriodReadings
	Current  PeriodReadings
}
