package services

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/temoto/robotstxt"
	"golang.org/x/time/rate"
)

// Fetcher downloads pages for conversion. It owns the tuned HTTP transport,
// robots.txt compliance, per-domain and global rate limits, and the
// concurrency/body-size caps that keep one noisy page from starving the
// process.
type Fetcher struct {
	httpClient     *http.Client
	robotsClient   *http.Client
	robotsCache    *cache.Cache
	globalLimiter  *rate.Limiter
	domainLimiters sync.Map // map[string]*rate.Limiter
	semaphore      chan struct{}
	userAgent      string
	maxBodySize    int64
}

// NewFetcher creates a fetcher with the given user agent and limits.
func NewFetcher(userAgent string, timeout time.Duration, maxConcurrent int, maxBodySize int64) *Fetcher {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &Fetcher{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects (max 10)")
				}
				return nil
			},
		},
		robotsClient:  &http.Client{Timeout: 10 * time.Second},
		robotsCache:   cache.New(24*time.Hour, time.Hour),
		globalLimiter: rate.NewLimiter(rate.Limit(10), 20),
		semaphore:     make(chan struct{}, maxConcurrent),
		userAgent:     userAgent,
		maxBodySize:   maxBodySize,
	}
}

// Fetch validates the URL, applies robots.txt and rate limits, and returns
// the page body capped at the configured size.
func (f *Fetcher) Fetch(ctx context.Context, urlStr string) ([]byte, error) {
	parsedURL, err := f.validateURL(urlStr)
	if err != nil {
		return nil, err
	}

	allowed, crawlDelay := f.canFetch(ctx, parsedURL)
	if !allowed {
		return nil, fmt.Errorf("access blocked by robots.txt for: %s", urlStr)
	}

	if err := f.wait(ctx, parsedURL.Host, crawlDelay); err != nil {
		return nil, fmt.Errorf("rate limit error: %w", err)
	}

	select {
	case f.semaphore <- struct{}{}:
		defer func() { <-f.semaphore }()
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled while waiting for fetch slot: %w", ctx.Err())
	}

	req, err := http.NewRequestWithContext(ctx, "GET", urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, resp.Status)
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(contentType, "text/html") &&
		!strings.Contains(contentType, "application/xhtml+xml") &&
		!strings.Contains(contentType, "text/plain") {
		return nil, fmt.Errorf("unsupported content type: %s", contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) >= f.maxBodySize {
		return nil, fmt.Errorf("response body too large (max %d bytes)", f.maxBodySize)
	}
	return body, nil
}

// Download fetches an arbitrary resource (used for images) without robots
// checking, still subject to the size cap and per-domain pacing.
func (f *Fetcher) Download(ctx context.Context, urlStr string) ([]byte, string, error) {
	parsedURL, err := f.validateURL(urlStr)
	if err != nil {
		return nil, "", err
	}

	if err := f.wait(ctx, parsedURL.Host, 500*time.Millisecond); err != nil {
		return nil, "", fmt.Errorf("rate limit error: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", urlStr, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("HTTP error %d: %s", resp.StatusCode, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read body: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// validateURL rejects anything that is not plain HTTP(S) to a public host
// (SSRF protection).
func (f *Fetcher) validateURL(urlStr string) (*url.URL, error) {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("invalid URL format: %w", err)
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("only HTTP/HTTPS URLs are supported, got: %s", parsedURL.Scheme)
	}

	hostname := strings.ToLower(parsedURL.Hostname())
	if hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1" {
		return nil, fmt.Errorf("localhost URLs are not allowed")
	}

	privateRanges := []string{
		"192.168.", "10.", "172.16.", "172.17.", "172.18.", "172.19.",
		"172.20.", "172.21.", "172.22.", "172.23.", "172.24.", "172.25.",
		"172.26.", "172.27.", "172.28.", "172.29.", "172.30.", "172.31.",
		"169.254.",
		"fd",
	}
	for _, prefix := range privateRanges {
		if strings.HasPrefix(hostname, prefix) {
			return nil, fmt.Errorf("private IP addresses are not allowed")
		}
	}

	return parsedURL, nil
}

// canFetch checks robots.txt for the URL, caching per-domain results.
// Missing or unparseable robots.txt allows the fetch with a default delay.
func (f *Fetcher) canFetch(ctx context.Context, parsedURL *url.URL) (bool, time.Duration) {
	domain := parsedURL.Scheme + "://" + parsedURL.Host

	if cached, found := f.robotsCache.Get(domain); found {
		group := cached.(*robotstxt.RobotsData).FindGroup(f.userAgent)
		return group.Test(parsedURL.Path), crawlDelayFor(group)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", domain+"/robots.txt", nil)
	if err != nil {
		return true, time.Second
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.robotsClient.Do(req)
	if err != nil {
		return true, time.Second
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return true, time.Second
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return true, time.Second
	}

	robotsData, err := robotstxt.FromBytes(body)
	if err != nil {
		return true, time.Second
	}

	f.robotsCache.Set(domain, robotsData, cache.DefaultExpiration)

	group := robotsData.FindGroup(f.userAgent)
	return group.Test(parsedURL.Path), crawlDelayFor(group)
}

// wait applies the global limiter, then a per-domain limiter derived from
// the crawl delay.
func (f *Fetcher) wait(ctx context.Context, domain string, crawlDelay time.Duration) error {
	if err := f.globalLimiter.Wait(ctx); err != nil {
		return err
	}

	limiter := f.domainLimiter(domain, crawlDelay)
	return limiter.Wait(ctx)
}

func (f *Fetcher) domainLimiter(domain string, crawlDelay time.Duration) *rate.Limiter {
	if limiter, ok := f.domainLimiters.Load(domain); ok {
		return limiter.(*rate.Limiter)
	}

	requestsPerSecond := 1.0 / crawlDelay.Seconds()
	if requestsPerSecond > 5.0 {
		requestsPerSecond = 5.0
	}
	if requestsPerSecond < 0.2 {
		requestsPerSecond = 0.2
	}

	newLimiter := rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
	actual, loaded := f.domainLimiters.LoadOrStore(domain, newLimiter)
	if !loaded {
		log.Printf("🌐 [FETCH] New domain limiter for %s: %.1f req/s", domain, requestsPerSecond)
	}
	return actual.(*rate.Limiter)
}

func crawlDelayFor(group *robotstxt.Group) time.Duration {
	if group.CrawlDelay > 0 {
		delay := group.CrawlDelay
		if delay > 10*time.Second {
			delay = 10 * time.Second
		}
		return delay
	}
	return time.Second
}
