package csfloat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(url string) *Client {
	return NewClient(url, ClientConfig{
		Timeout:    5 * time.Second,
		MaxRetries: 3,
		RetryWait:  time.Millisecond,
		UserAgent:  "marketmovers-test",
	})
}

func TestFetchPriceList_ResponseShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bare array", `[{"market_hash_name":"Clutch Case","min_price":42,"qty":1200},{"market_hash_name":"AK-47 | Redline (Field-Tested)","min_price":26076,"qty":40}]`},
		{"results object", `{"results":[{"market_hash_name":"Clutch Case","min_price":42,"qty":1200},{"market_hash_name":"AK-47 | Redline (Field-Tested)","min_price":26076,"qty":40}]}`},
		{"data object", `{"data":[{"market_hash_name":"Clutch Case","min_price":42,"qty":1200},{"market_hash_name":"AK-47 | Redline (Field-Tested)","min_price":26076,"qty":40}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("User-Agent") != "marketmovers-test" {
					t.Errorf("Unexpected user agent %q", r.Header.Get("User-Agent"))
				}
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			listings, err := testClient(server.URL).FetchPriceList(context.Background())
			if err != nil {
				t.Fatalf("FetchPriceList failed: %v", err)
			}
			if len(listings) != 2 {
				t.Fatalf("Expected 2 listings, got %d", len(listings))
			}
			ak := listings[1]
			if ak.MarketHashName != "AK-47 | Redline (Field-Tested)" {
				t.Errorf("Unexpected name %q", ak.MarketHashName)
			}
			if ak.MinPrice == nil || *ak.MinPrice != 26076 {
				t.Errorf("Unexpected price %v", ak.MinPrice)
			}
			if ak.Quantity == nil || *ak.Quantity != 40 {
				t.Errorf("Unexpected quantity %v", ak.Quantity)
			}
		})
	}
}

func TestFetchPriceList_MissingValues(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"market_hash_name":"a","min_price":null},{"market_hash_name":"b","qty":2.5},{"min_price":10,"qty":1}]`))
	}))
	defer server.Close()

	listings, err := testClient(server.URL).FetchPriceList(context.Background())
	if err != nil {
		t.Fatalf("FetchPriceList failed: %v", err)
	}
	if len(listings) != 3 {
		t.Fatalf("Expected 3 listings, got %d", len(listings))
	}
	if listings[0].MinPrice != nil || listings[0].Quantity != nil {
		t.Errorf("Expected absent values for a, got %+v", listings[0])
	}
	if listings[1].Quantity != nil {
		t.Errorf("Fractional quantity should be dropped, got %v", *listings[1].Quantity)
	}

	obs, skipped := Observations(listings, "2025-10-08T01:00")
	if skipped != 1 {
		t.Errorf("Expected 1 unnamed listing skipped, got %d", skipped)
	}
	if len(obs) != 2 || obs[0].PeriodKey != "2025-10-08T01:00" {
		t.Errorf("Unexpected observations %+v", obs)
	}
}

func TestFetchPriceList_RetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.Write([]byte(`[{"market_hash_name":"Clutch Case","min_price":42,"qty":1200}]`))
		}
	}))
	defer server.Close()

	listings, err := testClient(server.URL).FetchPriceList(context.Background())
	if err != nil {
		t.Fatalf("FetchPriceList failed: %v", err)
	}
	if len(listings) != 1 {
		t.Errorf("Expected 1 listing, got %d", len(listings))
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("Expected 3 calls, got %d", got)
	}
}

func TestFetchPriceList_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	if _, err := testClient(server.URL).FetchPriceList(context.Background()); err == nil {
		t.Fatal("Expected error for 403")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected a single call, got %d", got)
	}
}

func TestFetchPriceList_InvalidBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>maintenance</html>`))
	}))
	defer server.Close()

	if _, err := testClient(server.URL).FetchPriceList(context.Background()); err == nil {
		t.Error("Expected decode error")
	}
}
