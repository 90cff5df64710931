// Package csfloat fetches the CSFloat aggregate price list and turns it into
// per-bucket observations.
package csfloat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/rewired-gh/marketmovers/internal/models"
)

// Client provides access to the CSFloat price list
type Client struct {
	url  string
	http *resty.Client
}

// ClientConfig holds HTTP client tuning
type ClientConfig struct {
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	RetryWait  time.Duration
	UserAgent  string
}

// Listing is one entry of the price list. Price and quantity are nil when
// the entry omits them or carries an unusable value.
type Listing struct {
	MarketHashName string
	MinPrice       *float64
	Quantity       *int64
}

type rawListing struct {
	MarketHashName string      `json:"market_hash_name"`
	MinPrice       json.Number `json:"min_price"`
	Qty            json.Number `json:"qty"`
}

// NewClient creates a new CSFloat client
func NewClient(url string, cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 250 * time.Millisecond
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(8*cfg.RetryWait).
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil || r == nil {
				return true
			}
			code := r.StatusCode()
			return code == http.StatusTooManyRequests || code >= 500
		})
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", cfg.APIKey)
	}

	return &Client{url: url, http: client}
}

// FetchPriceList retrieves the full price list.
func (c *Client) FetchPriceList(ctx context.Context) ([]Listing, error) {
	resp, err := c.http.R().SetContext(ctx).Get(c.url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch price list: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("failed to fetch price list: status %d", resp.StatusCode())
	}

	raw, err := decodeListings(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("failed to decode price list: %w", err)
	}

	listings := make([]Listing, 0, len(raw))
	for _, r := range raw {
		listings = append(listings, Listing{
			MarketHashName: r.MarketHashName,
			MinPrice:       parsePrice(r.MinPrice),
			Quantity:       parseQuantity(r.Qty),
		})
	}
	return listings, nil
}

// decodeListings accepts either a bare array or an object wrapping the array
// in "results" or "data".
func decodeListings(body []byte) ([]rawListing, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("empty response body")
	}

	if body[0] == '[' {
		var list []rawListing
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, err
		}
		return list, nil
	}

	var wrapped struct {
		Results []rawListing `json:"results"`
		Data    []rawListing `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, err
	}
	if len(wrapped.Results) > 0 {
		return wrapped.Results, nil
	}
	return wrapped.Data, nil
}

func parsePrice(n json.Number) *float64 {
	if n == "" {
		return nil
	}
	v, err := n.Float64()
	if err != nil || v < 0 {
		return nil
	}
	return &v
}

func parseQuantity(n json.Number) *int64 {
	if n == "" {
		return nil
	}
	if v, err := n.Int64(); err == nil && v >= 0 {
		return &v
	}
	f, err := n.Float64()
	if err != nil || f < 0 || f != float64(int64(f)) {
		return nil
	}
	v := int64(f)
	return &v
}

// Observations maps listings to observations for periodKey. Listings without
// a name are skipped; the second return value counts them.
func Observations(listings []Listing, periodKey string) ([]models.Observation, int) {
	obs := make([]models.Observation, 0, len(listings))
	skipped := 0
	for _, l := range listings {
		if l.MarketHashName == "" {
			skipped++
			continue
		}
		obs = append(obs, models.Observation{
			ItemKey:   l.MarketHashName,
			PeriodKey: periodKey,
			Price:     l.MinPrice,
			Quantity:  l.Quantity,
		})
	}
	return obs, skipped
}
