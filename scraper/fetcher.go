package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/aluiziolira/go-scrape-nutrition/config"
)

// Fetcher retrieves item detail pages over HTTP. Transient failures are
// retried with exponential backoff; a shared rate limiter caps the request
// rate across all workers when one is configured.
type Fetcher struct {
	client  *resty.Client
	limiter *rate.Limiter
	metrics *Metrics
	baseURL string
	kind    string
}

// NewFetcher builds a fetcher configured from cfg. The limiter and metrics
// may be nil.
func NewFetcher(cfg *config.Config, limiter *rate.Limiter, metrics *Metrics) *Fetcher {
	client := resty.New()
	client.SetTimeout(cfg.Timeout)
	client.SetHeader("User-Agent", cfg.UserAgent)
	client.SetTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})
	client.SetRetryCount(cfg.MaxRetries)
	client.SetRetryWaitTime(cfg.RetryBackoff)
	client.SetRetryMaxWaitTime(cfg.RetryBackoffMax)
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return !errors.Is(err, context.Canceled)
		}
		code := r.StatusCode()
		return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
	})
	client.AddRetryHook(func(_ *resty.Response, _ error) {
		metrics.IncRetries()
	})

	return &Fetcher{
		client:  client,
		limiter: limiter,
		metrics: metrics,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		kind:    cfg.ItemKind,
	}
}

// ItemURL returns the detail page URL for an identifier.
func (f *Fetcher) ItemURL(id int) string {
	url := fmt.Sprintf("%s/mag/lib/read_one.php?id=%d", f.baseURL, id)
	if f.kind == config.ItemKindFruit {
		url += "&type=fruit"
	}
	return url
}

// Fetch downloads the page body for one identifier. Failures come back as
// the typed transport errors so callers can branch on category.
func (f *Fetcher) Fetch(ctx context.Context, id int) ([]byte, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	f.metrics.IncRequest("item")
	start := time.Now()
	resp, err := f.client.R().SetContext(ctx).Get(f.ItemURL(id))
	f.metrics.ObserveDuration(time.Since(start))

	if err != nil {
		classified := classifyError(err, 0)
		f.metrics.IncError(errorTypeLabel(classified))
		return nil, classified
	}
	if resp.StatusCode() != http.StatusOK {
		classified := classifyError(fmt.Errorf("http status %d", resp.StatusCode()), resp.StatusCode())
		f.metrics.IncError(errorTypeLabel(classified))
		return nil, classified
	}
	return resp.Body(), nil
}
