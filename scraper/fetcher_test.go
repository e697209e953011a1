package scraper

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"golang.org/x/time/rate"

	"github.com/aluiziolira/go-scrape-nutrition/config"
)

func fetcherConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = "http://example.test"
	cfg.MaxRetries = 0
	cfg.Timeout = 2 * time.Second
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = 5 * time.Millisecond
	return cfg
}

func TestFetcherItemURL(t *testing.T) {
	cfg := fetcherConfig()
	f := NewFetcher(cfg, nil, NewMetrics())
	if got, want := f.ItemURL(42), "http://example.test/mag/lib/read_one.php?id=42"; got != want {
		t.Fatalf("item url = %q, want %q", got, want)
	}

	cfg.ItemKind = config.ItemKindFruit
	f = NewFetcher(cfg, nil, NewMetrics())
	if got, want := f.ItemURL(42), "http://example.test/mag/lib/read_one.php?id=42&type=fruit"; got != want {
		t.Fatalf("fruit item url = %q, want %q", got, want)
	}
}

func TestFetcherItemURLTrimsTrailingSlash(t *testing.T) {
	cfg := fetcherConfig()
	cfg.BaseURL = "http://example.test/"
	f := NewFetcher(cfg, nil, NewMetrics())
	if got, want := f.ItemURL(3), "http://example.test/mag/lib/read_one.php?id=3"; got != want {
		t.Fatalf("item url = %q, want %q", got, want)
	}
}

func TestFetcherFetchSuccess(t *testing.T) {
	cfg := fetcherConfig()
	f := NewFetcher(cfg, rate.NewLimiter(rate.Inf, 1), NewMetrics())

	httpmock.ActivateNonDefault(f.client.GetClient())
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder("GET", f.ItemURL(7),
		httpmock.NewStringResponder(http.StatusOK, "<html>ok</html>"))

	body, err := f.Fetch(context.Background(), 7)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(body) != "<html>ok</html>" {
		t.Fatalf("body = %q", body)
	}
}

func TestFetcherFetchNotFound(t *testing.T) {
	cfg := fetcherConfig()
	f := NewFetcher(cfg, nil, NewMetrics())

	httpmock.ActivateNonDefault(f.client.GetClient())
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder("GET", f.ItemURL(9),
		httpmock.NewStringResponder(http.StatusNotFound, "missing"))

	_, err := f.Fetch(context.Background(), 9)
	if err == nil {
		t.Fatalf("expected an error for status 404")
	}
	var notFound ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("error = %T, want ErrNotFound", err)
	}
	if got := errorTypeLabel(err); got != "not_found" {
		t.Fatalf("label = %q, want %q", got, "not_found")
	}
}

func TestFetcherRetriesServerErrors(t *testing.T) {
	cfg := fetcherConfig()
	cfg.MaxRetries = 2
	f := NewFetcher(cfg, nil, NewMetrics())

	httpmock.ActivateNonDefault(f.client.GetClient())
	defer httpmock.DeactivateAndReset()

	calls := 0
	httpmock.RegisterResponder("GET", f.ItemURL(11), func(*http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return httpmock.NewStringResponse(http.StatusInternalServerError, "boom"), nil
		}
		return httpmock.NewStringResponse(http.StatusOK, "recovered"), nil
	})

	body, err := f.Fetch(context.Background(), 11)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(body) != "recovered" {
		t.Fatalf("body = %q", body)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestFetcherCancelledContext(t *testing.T) {
	cfg := fetcherConfig()
	f := NewFetcher(cfg, rate.NewLimiter(rate.Limit(1), 1), NewMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.Fetch(ctx, 5); err == nil {
		t.Fatalf("expected an error from a cancelled context")
	}
}
