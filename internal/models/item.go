// Package models defines the core domain entities for the market movers engine.
// These models represent per-period observations of tradable items, detected
// changes between adjacent periods, and the ranked snapshots built from them.
// Models carry built-in validation so malformed records never reach a store.
//
// Terminology:
//   - Item: a tradable market item, keyed by its canonical display name.
//   - Period: an hour or UTC day bucket, keyed as "2025-10-08T14:00" or "2025-10-08".
//   - Change: one threshold-qualifying movement of one field for one item in one period.
package models

import (
	"errors"
	"fmt"
)

// Field is the observed quantity a change refers to.
type Field string

const (
	FieldPrice    Field = "price"
	FieldQuantity Field = "quantity"
)

// Fields lists every field in evaluation order.
var Fields = []Field{FieldPrice, FieldQuantity}

// ParseField validates a field name.
func ParseField(s string) (Field, error) {
	switch Field(s) {
	case FieldPrice, FieldQuantity:
		return Field(s), nil
	}
	return "", fmt.Errorf("unknown field %q", s)
}

// Mode selects which fields a ranking considers.
type Mode string

const (
	ModePrice    Mode = "price"
	ModeQuantity Mode = "quantity"
	// ModeAny ranks best-of-fields: one entry per item across both fields.
	ModeAny Mode = "any"
)

// Modes lists every ranking mode.
var Modes = []Mode{ModePrice, ModeQuantity, ModeAny}

// ParseMode validates a ranking mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModePrice, ModeQuantity, ModeAny:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown ranking mode %q", s)
}

// Field returns the single field a mode is restricted to, or "" for ModeAny.
func (m Mode) Field() Field {
	switch m {
	case ModePrice:
		return FieldPrice
	case ModeQuantity:
		return FieldQuantity
	}
	return ""
}

// Metric selects the delta a ranking scores by.
type Metric string

const (
	MetricPercent  Metric = "percent"
	MetricAbsolute Metric = "absolute"
)

// ParseMetric validates a metric name. "pct" and "abs" are accepted as aliases.
func ParseMetric(s string) (Metric, error) {
	switch s {
	case "percent", "pct":
		return MetricPercent, nil
	case "absolute", "abs":
		return MetricAbsolute, nil
	}
	return "", fmt.Errorf("unknown ranking metric %q", s)
}

// Category is the closed set of item categories used to partition rankings.
type Category string

const (
	CategorySticker Category = "sticker"
	CategoryWeapon  Category = "weapon"
	CategoryCase    Category = "case"
)

// Categories lists every category.
var Categories = []Category{CategorySticker, CategoryWeapon, CategoryCase}

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategorySticker, CategoryWeapon, CategoryCase:
		return Category(s), nil
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// Observation is one item's price and quantity for one period, as written by ingestion.
// Nil values mean the source did not report the field.
type Observation struct {
	ItemKey   string   `json:"item_key"`
	PeriodKey string   `json:"period_key"`
	Price     *float64 `json:"price"`
	Quantity  *int64   `json:"quantity"`
}

// Validate checks that the observation can be stored.
func (o *Observation) Validate() error {
	if o.ItemKey == "" {
		return errors.New("item key must not be empty")
	}
	if o.PeriodKey == "" {
		return errors.New("period key must not be empty")
	}
	if o.Price != nil && *o.Price < 0 {
		return errors.New("price must not be negative")
	}
	if o.Quantity != nil && *o.Quantity < 0 {
		return errors.New("quantity must not be negative")
	}
	return nil
}
