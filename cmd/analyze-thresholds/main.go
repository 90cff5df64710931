// Command analyze-thresholds replays stored observations against a grid of
// detector thresholds and reports how many changes each setting would have
// recorded, split by item category. It writes nothing.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/rewired-gh/marketmovers/internal/category"
	"github.com/rewired-gh/marketmovers/internal/config"
	"github.com/rewired-gh/marketmovers/internal/models"
	"github.com/rewired-gh/marketmovers/internal/monitor"
	"github.com/rewired-gh/marketmovers/internal/period"
	"github.com/rewired-gh/marketmovers/internal/storage"
)

// Candidate is one threshold setting under test.
type Candidate struct {
	Name   string
	Policy monitor.Policy
}

// Result is what one candidate would have produced over the replayed buckets.
type Result struct {
	Candidate  Candidate
	Buckets    int
	Changes    int
	Items      int
	ByCategory map[models.Category]int
	ByField    map[models.Field]int
	Faults     int
}

// PerBucket returns the mean number of changes per replayed bucket.
func (r Result) PerBucket() float64 {
	if r.Buckets == 0 {
		return 0
	}
	return float64(r.Changes) / float64(r.Buckets)
}

func defaultCandidates(base monitor.Policy) []Candidate {
	return []Candidate{
		{Name: "Sensitive", Policy: monitor.Policy{PricePercent: 0.10, QuantityPercent: 0.20, MinQuantityDelta: 2}},
		{Name: "Configured", Policy: base},
		{Name: "Medium", Policy: monitor.Policy{PricePercent: 0.20, QuantityPercent: 0.35, MinQuantityDelta: 5}},
		{Name: "Conservative", Policy: monitor.Policy{PricePercent: 0.30, QuantityPercent: 0.50, MinQuantityDelta: 10}},
	}
}

// Replay evaluates every candidate over the buckets ending at last.
func Replay(ctx context.Context, store monitor.SeriesReader, g period.Granularity, last time.Time, buckets int, candidates []Candidate) ([]Result, error) {
	results := make([]Result, len(candidates))
	seen := make([]map[string]bool, len(candidates))
	for i, c := range candidates {
		results[i] = Result{
			Candidate:  c,
			ByCategory: make(map[models.Category]int),
			ByField:    make(map[models.Field]int),
		}
		seen[i] = make(map[string]bool)
	}

	classifier := category.Default()
	current := period.BucketStart(last, g)
	for b := 0; b < buckets; b++ {
		prev := period.Previous(current, g)
		pairs, err := store.ReadSeriesPairs(ctx, g, period.BucketKey(prev, g), period.BucketKey(current, g))
		if err != nil {
			return nil, err
		}

		for i, c := range candidates {
			d := monitor.New(nil, c.Policy, monitor.Options{Granularity: g})
			results[i].Buckets++
			for _, pair := range pairs {
				changes, err := d.DetectItem(pair, current)
				if err != nil {
					results[i].Faults++
					continue
				}
				for _, ch := range changes {
					results[i].Changes++
					results[i].ByField[ch.Field]++
					results[i].ByCategory[classifier.Classify(ch.ItemKey)]++
					seen[i][ch.ItemKey] = true
				}
			}
		}
		current = prev
	}

	for i := range results {
		results[i].Items = len(seen[i])
	}
	return results, nil
}

func printResults(results []Result) {
	fmt.Printf("\n%-14s %-8s %-8s %-10s %-10s %-10s %-8s %-8s %-8s\n",
		"Setting", "Price", "Qty", "MinQty", "Changes", "Per bucket", "Items", "Sticker", "Case")
	fmt.Println(strings.Repeat("-", 92))
	for _, r := range results {
		p := r.Candidate.Policy
		fmt.Printf("%-14s %-8.2f %-8.2f %-10.0f %-10s %-10.1f %-8s %-8s %-8s\n",
			r.Candidate.Name, p.PricePercent, p.QuantityPercent, p.MinQuantityDelta,
			humanize.Comma(int64(r.Changes)), r.PerBucket(), humanize.Comma(int64(r.Items)),
			humanize.Comma(int64(r.ByCategory[models.CategorySticker])),
			humanize.Comma(int64(r.ByCategory[models.CategoryCase])))
	}
	if len(results) > 0 && results[0].Faults > 0 {
		fmt.Printf("\n%d unreadable series pairs were skipped per setting\n", results[0].Faults)
	}
}

func main() {
	configPath := pflag.String("config", "configs/config.yaml", "Path to configuration file")
	buckets := pflag.Int("buckets", 24, "Number of buckets to replay, ending at the current one")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if *buckets < 1 {
		log.Fatalf("--buckets must be at least 1")
	}

	store, err := storage.New(cfg.Storage.DBPath)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	base := monitor.Policy{
		PricePercent:     cfg.Detector.PricePercentThreshold,
		QuantityPercent:  cfg.Detector.QuantityPercentThreshold,
		MinQuantityDelta: cfg.Detector.MinAbsoluteQuantityDelta,
	}

	fmt.Println(strings.Repeat("=", 92))
	fmt.Printf("THRESHOLD REPLAY - last %d %s buckets\n", *buckets, cfg.Granularity())
	fmt.Println(strings.Repeat("=", 92))

	results, err := Replay(context.Background(), store, cfg.Granularity(), time.Now().UTC(), *buckets, defaultCandidates(base))
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay failed: %v\n", err)
		os.Exit(1)
	}
	printResults(results)
}
