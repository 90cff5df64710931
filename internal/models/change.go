package models

import (
	"errors"
	"math"
	"time"
)

// Change represents one detected, threshold-qualifying movement of a single field
// for an item between the previous period and Period.
type Change struct {
	ItemKey       string    `json:"item_key"`
	Period        time.Time `json:"period"` // start of the current bucket, UTC
	Field         Field     `json:"field"`
	PreviousValue float64   `json:"previous_value"`
	CurrentValue  float64   `json:"current_value"`
	AbsoluteDelta float64   `json:"absolute_delta"`
	PercentDelta  *float64  `json:"percent_delta"` // nil when the previous value is zero
}

// Validate checks that all change fields are valid
func (c *Change) Validate() error {
	if c.ItemKey == "" {
		return errors.New("item key must not be empty")
	}
	if c.Period.IsZero() {
		return errors.New("period must be set")
	}
	if _, err := ParseField(string(c.Field)); err != nil {
		return err
	}

	if math.IsNaN(c.AbsoluteDelta) || math.IsInf(c.AbsoluteDelta, 0) {
		return errors.New("absolute delta must be finite")
	}
	// Verify absolute delta equals current - previous
	if math.Abs(c.AbsoluteDelta-(c.CurrentValue-c.PreviousValue)) > 1e-9 {
		return errors.New("absolute delta must equal current_value - previous_value")
	}
	if c.PercentDelta != nil {
		if c.PreviousValue == 0 {
			return errors.New("percent delta must be empty when previous value is zero")
		}
		if math.IsNaN(*c.PercentDelta) || math.IsInf(*c.PercentDelta, 0) {
			return errors.New("percent delta must be finite")
		}
	}
	return nil
}

// Direction returns "increase" or "decrease".
func (c *Change) Direction() string {
	if c.AbsoluteDelta < 0 {
		return "decrease"
	}
	return "increase"
}

// ChangeSet is the full list of qualifying changes for one (item, period).
// Writing a ChangeSet replaces whatever was stored for that key.
type ChangeSet struct {
	ItemKey string    `json:"item_key"`
	Period  time.Time `json:"period"`
	Changes []Change  `json:"changes"`
}

// Validate checks the set key and every change in it.
func (s *ChangeSet) Validate() error {
	if s.ItemKey == "" {
		return errors.New("item key must not be empty")
	}
	if s.Period.IsZero() {
		return errors.New("period must be set")
	}
	for i := range s.Changes {
		c := &s.Changes[i]
		if c.ItemKey != s.ItemKey || !c.Period.Equal(s.Period) {
			return errors.New("change does not belong to this set")
		}
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}
