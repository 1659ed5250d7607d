// Package endpoint validates the transport endpoint advertised in service
// metadata: transport profile whitelist, URL shape, optional reachability
// probing, and optional comparison of the live TLS certificate against the
// certificate published in the metadata.
package endpoint

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/georgepadayatti/gopeppol/certvalidator"
)

// Common errors
var (
	ErrProfileNotAllowed    = errors.New("transport profile not in whitelist")
	ErrNotHTTPS             = errors.New("endpoint URL is not HTTPS")
	ErrMalformedURL         = errors.New("endpoint URL is malformed")
	ErrMissingHost          = errors.New("endpoint URL has no host")
	ErrInvalidPort          = errors.New("endpoint URL port out of range")
	ErrUnreachable          = errors.New("endpoint is not reachable")
	ErrTLSCertMismatch      = errors.New("live TLS certificate does not match metadata certificate")
	ErrTLSCertSubstituted   = errors.New("live TLS certificate subject matches but the key differs")
	ErrNoServerCertificate  = errors.New("endpoint presented no certificate")
	ErrMetadataCertRequired = errors.New("metadata certificate required for TLS comparison")
)

// DefaultTransportProfiles is the set of transport profiles accepted when
// no whitelist is configured.
var DefaultTransportProfiles = []string{
	"peppol-transport-as4-v2_0",
	"peppol-transport-as4-v1_0",
	"busdox-transport-as2-ver1p0",
	"busdox-transport-as2-ver2p0",
}

// Config configures endpoint validation.
type Config struct {
	// AllowedProfiles whitelists transport profiles, compared case
	// insensitively. Empty selects DefaultTransportProfiles.
	AllowedProfiles []string

	// ProbeConnectivity enables the HEAD reachability probe.
	ProbeConnectivity bool

	// CompareTLSCertificate enables fetching the live TLS certificate
	// and comparing it against the metadata certificate.
	CompareTLSCertificate bool

	// ProbeTimeout bounds the reachability probe and the TLS fetch.
	// Default: 10 seconds.
	ProbeTimeout time.Duration

	// HTTPClient overrides the probe client. Nil builds one from
	// ProbeTimeout.
	HTTPClient *http.Client

	// Logger receives per-validation debug output. Defaults to a
	// disabled logger.
	Logger zerolog.Logger
}

// DefaultConfig returns the default endpoint validation configuration.
func DefaultConfig() *Config {
	return &Config{
		ProbeTimeout: 10 * time.Second,
		Logger:       zerolog.Nop(),
	}
}

// Result reports each endpoint check independently.
type Result struct {
	// ProfileValid reports the transport profile whitelist check.
	ProfileValid bool
	// URLValid reports the URL shape checks: HTTPS, well formed,
	// non-empty host, in-range port.
	URLValid bool
	// Reachable reports the HEAD probe outcome. Only meaningful when
	// Probed is true.
	Reachable bool
	// Probed reports whether the reachability probe ran.
	Probed bool
	// TLSCertificateMatch compares the live TLS certificate to the
	// metadata certificate. Only meaningful when TLSCompared is true.
	TLSCertificateMatch certvalidator.MatchLevel
	// TLSCompared reports whether the TLS comparison ran.
	TLSCompared bool
	// Errors holds every failure encountered.
	Errors []error
}

// Valid reports whether every executed check passed.
func (r *Result) Valid() bool {
	if !r.ProfileValid || !r.URLValid {
		return false
	}
	if r.Probed && !r.Reachable {
		return false
	}
	if r.TLSCompared &&
		r.TLSCertificateMatch != certvalidator.MatchExact &&
		r.TLSCertificateMatch != certvalidator.MatchPublicKey {
		return false
	}
	return true
}

// Validator validates advertised transport endpoints.
type Validator struct {
	config *Config
	client *http.Client
	logger zerolog.Logger

	// fetchTLSCert obtains the endpoint's live certificate chain.
	// Replaceable in tests.
	fetchTLSCert func(ctx context.Context, host string, timeout time.Duration) (*x509.Certificate, error)
}

// NewValidator creates an endpoint validator. A nil config selects
// defaults.
func NewValidator(config *Config) *Validator {
	if config == nil {
		config = DefaultConfig()
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.ProbeTimeout}
	}
	return &Validator{
		config:       config,
		client:       client,
		logger:       config.Logger,
		fetchTLSCert: fetchServerCertificate,
	}
}

// Validate checks endpointURL and transportProfile from the metadata.
// metadataCert is the certificate published in the metadata, used only when
// TLS comparison is enabled.
func (v *Validator) Validate(ctx context.Context, endpointURL, transportProfile string, metadataCert *x509.Certificate) *Result {
	result := &Result{TLSCertificateMatch: certvalidator.MatchNone}

	v.checkProfile(transportProfile, result)
	parsed := v.checkURL(endpointURL, result)

	if !result.URLValid {
		return result
	}
	if v.config.ProbeConnectivity {
		v.probe(ctx, endpointURL, result)
	}
	if v.config.CompareTLSCertificate {
		v.compareTLS(ctx, parsed, metadataCert, result)
	}
	return result
}

func (v *Validator) checkProfile(profile string, result *Result) {
	allowed := v.config.AllowedProfiles
	if len(allowed) == 0 {
		allowed = DefaultTransportProfiles
	}
	for _, candidate := range allowed {
		if strings.EqualFold(candidate, profile) {
			result.ProfileValid = true
			return
		}
	}
	result.Errors = append(result.Errors, fmt.Errorf("%w: %q", ErrProfileNotAllowed, profile))
}

func (v *Validator) checkURL(endpointURL string, result *Result) *url.URL {
	parsed, err := url.Parse(endpointURL)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("%w: %v", ErrMalformedURL, err))
		return nil
	}
	ok := true
	if !strings.EqualFold(parsed.Scheme, "https") {
		result.Errors = append(result.Errors, fmt.Errorf("%w: scheme %q", ErrNotHTTPS, parsed.Scheme))
		ok = false
	}
	if parsed.Hostname() == "" {
		result.Errors = append(result.Errors, ErrMissingHost)
		ok = false
	}
	if port := parsed.Port(); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			result.Errors = append(result.Errors, fmt.Errorf("%w: %q", ErrInvalidPort, port))
			ok = false
		}
	}
	result.URLValid = ok
	if !ok {
		return nil
	}
	return parsed
}

// probe issues a HEAD request; anything in 2xx-3xx counts as reachable.
func (v *Validator) probe(ctx context.Context, endpointURL string, result *Result) {
	result.Probed = true

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpointURL, nil)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("%w: %v", ErrUnreachable, err))
		return
	}
	resp, err := v.client.Do(req)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("%w: %v", ErrUnreachable, err))
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		result.Reachable = true
		return
	}
	result.Errors = append(result.Errors, fmt.Errorf("%w: HTTP %d", ErrUnreachable, resp.StatusCode))
}

func (v *Validator) compareTLS(ctx context.Context, parsed *url.URL, metadataCert *x509.Certificate, result *Result) {
	result.TLSCompared = true
	if metadataCert == nil {
		result.Errors = append(result.Errors, ErrMetadataCertRequired)
		return
	}

	host := parsed.Host
	if parsed.Port() == "" {
		host = net.JoinHostPort(parsed.Hostname(), "443")
	}
	live, err := v.fetchTLSCert(ctx, host, v.config.ProbeTimeout)
	if err != nil {
		result.Errors = append(result.Errors, err)
		return
	}

	result.TLSCertificateMatch = certvalidator.Compare(metadataCert, live)
	switch result.TLSCertificateMatch {
	case certvalidator.MatchExact, certvalidator.MatchPublicKey:
	case certvalidator.MatchSubjectKeyMismatch:
		result.Errors = append(result.Errors, ErrTLSCertSubstituted)
	default:
		result.Errors = append(result.Errors, ErrTLSCertMismatch)
	}
}

// fetchServerCertificate dials the endpoint and returns its leaf
// certificate. Verification is skipped: the point is to compare the
// presented certificate, not to trust it.
func fetchServerCertificate(ctx context.Context, host string, timeout time.Duration) (*x509.Certificate, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: timeout},
		Config: &tls.Config{
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS12,
		},
	}
	rawConn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	conn := rawConn.(*tls.Conn)
	defer conn.Close()

	certs := conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil, ErrNoServerCertificate
	}
	return certs[0], nil
}
