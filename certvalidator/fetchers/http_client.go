package fetchers

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// HTTPClientConfig configures construction of the HTTP clients used for
// metadata, OCSP and CRL traffic.
type HTTPClientConfig struct {
	// Timeout is the overall request timeout.
	// Default: 30 seconds.
	Timeout time.Duration

	// MinTLSVersion is the lowest accepted TLS version.
	// Default: TLS 1.2.
	MinTLSVersion uint16

	// MaxIdleConns caps idle keep-alive connections across hosts.
	// Default: 100.
	MaxIdleConns int

	// MaxIdleConnsPerHost caps idle connections per host. Metadata queries
	// against the same directory service reuse connections through this
	// pool. Default: 10.
	MaxIdleConnsPerHost int

	// IdleConnTimeout is how long an idle connection is kept.
	// Default: 90 seconds.
	IdleConnTimeout time.Duration

	// DialTimeout bounds connection establishment.
	// Default: 10 seconds.
	DialTimeout time.Duration

	// InsecureSkipVerify disables TLS certificate verification.
	// Only for tests against local fixtures.
	InsecureSkipVerify bool
}

// DefaultHTTPClientConfig returns the production client configuration.
func DefaultHTTPClientConfig() *HTTPClientConfig {
	return &HTTPClientConfig{
		Timeout:             30 * time.Second,
		MinTLSVersion:       tls.VersionTLS12,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         10 * time.Second,
	}
}

// NewHTTPClient creates an HTTP client from the configuration.
func NewHTTPClient(config *HTTPClientConfig) *http.Client {
	if config == nil {
		config = DefaultHTTPClientConfig()
	}

	tlsConfig := &tls.Config{
		MinVersion:         config.MinTLSVersion,
		InsecureSkipVerify: config.InsecureSkipVerify,
	}
	if tlsConfig.MinVersion == 0 {
		tlsConfig.MinVersion = tls.VersionTLS12
	}

	dialer := &net.Dialer{
		Timeout:   config.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsConfig,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
	}
}

// NewSecureHTTPClient creates a client with the default secure settings and
// the given overall timeout.
func NewSecureHTTPClient(timeout time.Duration) *http.Client {
	config := DefaultHTTPClientConfig()
	config.Timeout = timeout
	return NewHTTPClient(config)
}
