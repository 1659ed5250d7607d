package fetchers

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/ocsp"
)

// Common errors
var (
	ErrFetchFailed          = errors.New("fetch failed")
	ErrCRLParseFailed       = errors.New("CRL parse failed")
	ErrOCSPParseFailed      = errors.New("OCSP response parse failed")
	ErrNoDistributionPoints = errors.New("certificate carries no CRL distribution points")
	ErrNoOCSPServers        = errors.New("certificate carries no OCSP responder URL")
)

// FetcherConfig configures outbound fetching.
type FetcherConfig struct {
	// Timeout is the per-request budget. Default: 10 seconds.
	Timeout time.Duration

	// MaxResponseSize bounds response bodies. Default: 10 MiB.
	MaxResponseSize int64

	// UserAgent is sent on every request.
	UserAgent string

	// CacheTTL is the fallback response-cache lifetime used when the
	// payload does not state its own validity. Zero disables caching.
	CacheTTL time.Duration

	// Retry configures per-request retries. Nil selects defaults.
	Retry *RetryConfig

	// Breaker guards the service these fetches target. Nil disables
	// circuit breaking at this level.
	Breaker *CircuitBreaker

	// HTTPClient overrides the client. Nil builds one from Timeout.
	HTTPClient *http.Client

	// Clock is the cache time source. Defaults to the real clock.
	Clock clockwork.Clock
}

// DefaultFetcherConfig returns the default fetcher configuration.
func DefaultFetcherConfig() *FetcherConfig {
	return &FetcherConfig{
		Timeout:         10 * time.Second,
		MaxResponseSize: 10 * 1024 * 1024,
		UserAgent:       "gopeppol/1.0",
		CacheTTL:        1 * time.Hour,
	}
}

// Fetcher performs bounded, cached HTTP retrieval.
type Fetcher struct {
	config *FetcherConfig
	client *http.Client
	cache  *responseCache
}

// NewFetcher creates a Fetcher. A nil config selects defaults.
func NewFetcher(config *FetcherConfig) *Fetcher {
	if config == nil {
		config = DefaultFetcherConfig()
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxResponseSize <= 0 {
		config.MaxResponseSize = 10 * 1024 * 1024
	}
	if config.UserAgent == "" {
		config.UserAgent = "gopeppol/1.0"
	}
	client := config.HTTPClient
	if client == nil {
		client = NewSecureHTTPClient(config.Timeout)
	}
	clock := config.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	var cache *responseCache
	if config.CacheTTL > 0 {
		cache = newResponseCache(config.CacheTTL, clock)
	}
	return &Fetcher{config: config, client: client, cache: cache}
}

// Get fetches a URL with retries, honoring the configured breaker.
func (f *Fetcher) Get(ctx context.Context, urlStr string) ([]byte, error) {
	if f.cache != nil {
		if data, ok := f.cache.get(urlStr); ok {
			return data, nil
		}
	}
	if err := f.validateURL(urlStr); err != nil {
		return nil, err
	}

	data, err := f.guarded(func() ([]byte, error) {
		body, result := Retry(ctx, f.config.Retry, func(ctx context.Context) ([]byte, error) {
			return f.doGet(ctx, urlStr)
		})
		if !result.Success {
			return nil, result.AllErrors()
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	if f.cache != nil {
		f.cache.set(urlStr, data, 0)
	}
	return data, nil
}

// Post sends a body and returns the response, honoring the breaker. POST
// responses are never cached here; OCSP caching is handled by the caller
// using the response's own validity period.
func (f *Fetcher) Post(ctx context.Context, urlStr, contentType string, body []byte) ([]byte, error) {
	if err := f.validateURL(urlStr); err != nil {
		return nil, err
	}
	return f.guarded(func() ([]byte, error) {
		data, result := Retry(ctx, f.config.Retry, func(ctx context.Context) ([]byte, error) {
			return f.doPost(ctx, urlStr, contentType, body)
		})
		if !result.Success {
			return nil, result.AllErrors()
		}
		return data, nil
	})
}

// getOnce performs a single cached, breaker-guarded GET with no retry.
// Callers that own their own retry schedule use this instead of Get.
func (f *Fetcher) getOnce(ctx context.Context, urlStr string) ([]byte, error) {
	if f.cache != nil {
		if data, ok := f.cache.get(urlStr); ok {
			return data, nil
		}
	}
	if err := f.validateURL(urlStr); err != nil {
		return nil, err
	}
	data, err := f.guarded(func() ([]byte, error) {
		return f.doGet(ctx, urlStr)
	})
	if err != nil {
		return nil, err
	}
	if f.cache != nil {
		f.cache.set(urlStr, data, 0)
	}
	return data, nil
}

// guarded runs fn under the configured breaker, if any.
func (f *Fetcher) guarded(fn func() ([]byte, error)) ([]byte, error) {
	if f.config.Breaker == nil {
		return fn()
	}
	var data []byte
	err := f.config.Breaker.Do(func() error {
		var innerErr error
		data, innerErr = fn()
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (f *Fetcher) validateURL(urlStr string) error {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("%w: invalid URL: %v", ErrFetchFailed, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrFetchFailed, parsed.Scheme)
	}
	return nil
}

func (f *Fetcher) doGet(ctx context.Context, urlStr string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	return f.do(req)
}

func (f *Fetcher) doPost(ctx context.Context, urlStr, contentType string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, urlStr, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	req.Header.Set("Content-Type", contentType)
	return f.do(req)
}

func (f *Fetcher) do(req *http.Request) ([]byte, error) {
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d from %s", ErrFetchFailed, resp.StatusCode, req.URL.Host)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return data, nil
}

// responseCache is a TTL cache for fetched payloads.
type responseCache struct {
	mu         sync.RWMutex
	entries    map[string]cacheEntry
	defaultTTL time.Duration
	clock      clockwork.Clock
}

type cacheEntry struct {
	data      []byte
	expiresAt time.Time
}

func newResponseCache(ttl time.Duration, clock clockwork.Clock) *responseCache {
	return &responseCache{
		entries:    make(map[string]cacheEntry),
		defaultTTL: ttl,
		clock:      clock,
	}
}

func (c *responseCache) get(key string) ([]byte, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.clock.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.data, true
}

// set stores data. A zero ttl selects the default.
func (c *responseCache) set(key string, data []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{data: data, expiresAt: c.clock.Now().Add(ttl)}
}

// CRLFetcher retrieves certificate revocation lists.
type CRLFetcher struct {
	fetcher *Fetcher
}

// NewCRLFetcher creates a CRL fetcher.
func NewCRLFetcher(config *FetcherConfig) *CRLFetcher {
	return &CRLFetcher{fetcher: NewFetcher(config)}
}

// FetchCRL downloads and parses the CRL at urlStr.
func (f *CRLFetcher) FetchCRL(ctx context.Context, urlStr string) (*x509.RevocationList, error) {
	data, err := f.fetcher.Get(ctx, urlStr)
	if err != nil {
		return nil, err
	}
	crl, err := x509.ParseRevocationList(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCRLParseFailed, err)
	}
	return crl, nil
}

// FetchAnyCRLForCert fetches the first CRL that any of the certificate's
// distribution points serves.
func (f *CRLFetcher) FetchAnyCRLForCert(ctx context.Context, cert *x509.Certificate) (*x509.RevocationList, error) {
	if len(cert.CRLDistributionPoints) == 0 {
		return nil, ErrNoDistributionPoints
	}
	crl, result := RetryMultiURL(ctx, f.fetcher.config.Retry, cert.CRLDistributionPoints,
		func(ctx context.Context, url string) (*x509.RevocationList, error) {
			data, err := f.fetcher.getOnce(ctx, url)
			if err != nil {
				return nil, err
			}
			parsed, err := x509.ParseRevocationList(data)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCRLParseFailed, err)
			}
			return parsed, nil
		})
	if !result.Success {
		return nil, result.AllErrors()
	}
	return crl, nil
}

// OCSPFetcher queries OCSP responders.
type OCSPFetcher struct {
	fetcher *Fetcher
}

// NewOCSPFetcher creates an OCSP fetcher.
func NewOCSPFetcher(config *FetcherConfig) *OCSPFetcher {
	return &OCSPFetcher{fetcher: NewFetcher(config)}
}

// FetchOCSP builds a status request for cert/issuer and queries the first
// responder from the certificate's AIA extension.
func (f *OCSPFetcher) FetchOCSP(ctx context.Context, cert, issuer *x509.Certificate) (*ocsp.Response, error) {
	if len(cert.OCSPServer) == 0 {
		return nil, ErrNoOCSPServers
	}
	reqDER, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOCSPParseFailed, err)
	}

	var lastErr error
	for _, responder := range cert.OCSPServer {
		data, err := f.fetcher.Post(ctx, responder, "application/ocsp-request", reqDER)
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := ocsp.ParseResponseForCert(data, cert, issuer)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrOCSPParseFailed, err)
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}
