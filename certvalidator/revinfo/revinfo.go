// Package revinfo determines certificate revocation status. OCSP is the
// primary source; when it cannot produce an answer a single CRL fallback is
// attempted. Responses are cached for their own validity window and each
// responder is rate limited independently.
package revinfo

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ocsp"
	"golang.org/x/time/rate"

	"github.com/georgepadayatti/gopeppol/certvalidator/fetchers"
)

// Common errors
var (
	ErrRevoked            = errors.New("certificate is revoked")
	ErrCRLExpired         = errors.New("CRL has expired")
	ErrCRLNotYetValid     = errors.New("CRL is not yet valid")
	ErrCRLSignature       = errors.New("CRL signature verification failed")
	ErrOCSPExpired        = errors.New("OCSP response has expired")
	ErrOCSPNotYetValid    = errors.New("OCSP response is not yet valid")
	ErrNoRevocationInfo   = errors.New("no revocation information available")
	ErrResponderThrottled = errors.New("revocation responder rate limit exceeded")
)

// RevocationStatus is the outcome of a revocation check.
type RevocationStatus int

const (
	// StatusUnknown means a source answered but could not classify the
	// certificate.
	StatusUnknown RevocationStatus = iota
	// StatusGood means the certificate is not revoked.
	StatusGood
	// StatusRevoked means a source reported the certificate revoked.
	StatusRevoked
	// StatusUnavailable means every source failed to answer. Callers
	// treat this as a degraded result, not a trust failure.
	StatusUnavailable
	// StatusError means the check itself could not be performed, for
	// example because the certificate names no sources at all.
	StatusError
)

// String returns the string representation of a revocation status.
func (s RevocationStatus) String() string {
	switch s {
	case StatusGood:
		return "good"
	case StatusRevoked:
		return "revoked"
	case StatusUnavailable:
		return "unavailable"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// RevocationReason is the reason a certificate was revoked.
type RevocationReason int

const (
	ReasonUnspecified          RevocationReason = 0
	ReasonKeyCompromise        RevocationReason = 1
	ReasonCACompromise         RevocationReason = 2
	ReasonAffiliationChanged   RevocationReason = 3
	ReasonSuperseded           RevocationReason = 4
	ReasonCessationOfOperation RevocationReason = 5
	ReasonCertificateHold      RevocationReason = 6
	ReasonRemoveFromCRL        RevocationReason = 8
	ReasonPrivilegeWithdrawn   RevocationReason = 9
	ReasonAACompromise         RevocationReason = 10
)

// String returns the string representation of a revocation reason.
func (r RevocationReason) String() string {
	switch r {
	case ReasonUnspecified:
		return "unspecified"
	case ReasonKeyCompromise:
		return "keyCompromise"
	case ReasonCACompromise:
		return "cACompromise"
	case ReasonAffiliationChanged:
		return "affiliationChanged"
	case ReasonSuperseded:
		return "superseded"
	case ReasonCessationOfOperation:
		return "cessationOfOperation"
	case ReasonCertificateHold:
		return "certificateHold"
	case ReasonRemoveFromCRL:
		return "removeFromCRL"
	case ReasonPrivilegeWithdrawn:
		return "privilegeWithdrawn"
	case ReasonAACompromise:
		return "aACompromise"
	default:
		return fmt.Sprintf("unknown(%d)", r)
	}
}

// RevocationInfo is the result of one revocation check.
type RevocationInfo struct {
	// Status is the revocation status.
	Status RevocationStatus
	// RevocationTime is when the certificate was revoked, if revoked.
	RevocationTime *time.Time
	// Reason is the revocation reason, if revoked.
	Reason RevocationReason
	// Source names the source that answered: "OCSP" or "CRL". Empty when
	// no source answered.
	Source string
	// ProducedAt is when the source produced its answer.
	ProducedAt time.Time
	// ThisUpdate is the thisUpdate time from the OCSP response or CRL.
	ThisUpdate time.Time
	// NextUpdate is when fresh information is expected, if stated.
	NextUpdate *time.Time
	// Err carries the source failures behind a degraded status.
	Err error
}

// IsValid reports whether the information is still within its own validity
// window at the given time.
func (ri *RevocationInfo) IsValid(at time.Time) bool {
	if ri.Status == StatusUnavailable || ri.Status == StatusError {
		return false
	}
	if at.Before(ri.ThisUpdate) {
		return false
	}
	if ri.NextUpdate != nil && at.After(*ri.NextUpdate) {
		return false
	}
	return true
}

// CheckerConfig configures a revocation checker.
type CheckerConfig struct {
	// OCSP configures the OCSP transport. Nil selects defaults. OCSP and
	// CRL are configured separately so each can carry its own circuit
	// breaker.
	OCSP *fetchers.FetcherConfig

	// CRL configures the CRL transport. Nil selects defaults.
	CRL *fetchers.FetcherConfig

	// ResponderRate is the sustained request rate allowed per responder
	// host. Default: 10 per second.
	ResponderRate rate.Limit

	// ResponderBurst is the per-responder burst. Default: 20.
	ResponderBurst int

	// CacheTTL bounds how long a cached answer may be reused when the
	// answer states no NextUpdate. Default: 1 hour.
	CacheTTL time.Duration

	// Clock is the time source. Defaults to the real clock.
	Clock clockwork.Clock

	// Logger receives per-check debug output. Defaults to a disabled
	// logger.
	Logger zerolog.Logger
}

// DefaultCheckerConfig returns the default checker configuration.
func DefaultCheckerConfig() *CheckerConfig {
	return &CheckerConfig{
		ResponderRate:  10,
		ResponderBurst: 20,
		CacheTTL:       1 * time.Hour,
		Logger:         zerolog.Nop(),
	}
}

// Checker determines the revocation status of certificates.
type Checker struct {
	config *CheckerConfig
	ocsp   *fetchers.OCSPFetcher
	crl    *fetchers.CRLFetcher
	clock  clockwork.Clock
	logger zerolog.Logger

	mu       sync.Mutex
	cache    map[string]*RevocationInfo
	cachedAt map[string]time.Time
	limiters map[string]*rate.Limiter
}

// NewChecker creates a revocation checker. A nil config selects defaults.
func NewChecker(config *CheckerConfig) *Checker {
	if config == nil {
		config = DefaultCheckerConfig()
	}
	clock := config.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if config.OCSP == nil {
		config.OCSP = fetchers.DefaultFetcherConfig()
	}
	if config.CRL == nil {
		config.CRL = fetchers.DefaultFetcherConfig()
	}
	// Retries belong to directory resolution; revocation sources get a
	// single attempt each, with the CRL fallback as the second chance.
	if config.OCSP.Retry == nil {
		config.OCSP.Retry = &fetchers.RetryConfig{MaxAttempts: 1}
	}
	if config.CRL.Retry == nil {
		config.CRL.Retry = &fetchers.RetryConfig{MaxAttempts: 1}
	}
	return &Checker{
		config:   config,
		ocsp:     fetchers.NewOCSPFetcher(config.OCSP),
		crl:      fetchers.NewCRLFetcher(config.CRL),
		clock:    clock,
		logger:   config.Logger,
		cache:    make(map[string]*RevocationInfo),
		cachedAt: make(map[string]time.Time),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Check determines the revocation status of cert, issued by issuer. OCSP is
// consulted first; if it fails or answers unknown, one CRL fallback is
// attempted. When both sources fail the returned info carries
// StatusUnavailable with the underlying errors in Err, and the error return
// is nil: the caller decides how severe an unanswered check is.
func (c *Checker) Check(ctx context.Context, cert, issuer *x509.Certificate) (*RevocationInfo, error) {
	if cert == nil || issuer == nil {
		return nil, errors.New("certificate and issuer are required")
	}
	key := cacheKey(cert)
	if info := c.cached(key); info != nil {
		return info, nil
	}

	if len(cert.OCSPServer) == 0 && len(cert.CRLDistributionPoints) == 0 {
		return &RevocationInfo{
			Status: StatusError,
			Err:    fmt.Errorf("%w: certificate names no OCSP responder or CRL distribution point", ErrNoRevocationInfo),
		}, nil
	}

	now := c.clock.Now()

	ocspInfo, ocspErr := c.checkOCSP(ctx, cert, issuer, now)
	if ocspErr == nil && ocspInfo.Status != StatusUnknown {
		c.store(key, ocspInfo)
		if ocspInfo.Status == StatusRevoked {
			return ocspInfo, ErrRevoked
		}
		return ocspInfo, nil
	}
	if ocspErr != nil {
		c.logger.Debug().Err(ocspErr).
			Str("serial", cert.SerialNumber.String()).
			Msg("OCSP check failed, falling back to CRL")
	}

	crlInfo, crlErr := c.checkCRL(ctx, cert, issuer, now)
	if crlErr == nil {
		c.store(key, crlInfo)
		if crlInfo.Status == StatusRevoked {
			return crlInfo, ErrRevoked
		}
		return crlInfo, nil
	}

	return &RevocationInfo{
		Status: StatusUnavailable,
		Err:    errors.Join(ocspErr, crlErr),
	}, nil
}

func (c *Checker) checkOCSP(ctx context.Context, cert, issuer *x509.Certificate, now time.Time) (*RevocationInfo, error) {
	if len(cert.OCSPServer) == 0 {
		return nil, fmt.Errorf("%w: no OCSP responder URL", ErrNoRevocationInfo)
	}
	if err := c.throttle(ctx, cert.OCSPServer[0]); err != nil {
		return nil, err
	}

	resp, err := c.ocsp.FetchOCSP(ctx, cert, issuer)
	if err != nil {
		return nil, err
	}
	if err := validateOCSPWindow(resp, now); err != nil {
		return nil, err
	}
	return ocspToInfo(resp), nil
}

func (c *Checker) checkCRL(ctx context.Context, cert, issuer *x509.Certificate, now time.Time) (*RevocationInfo, error) {
	if len(cert.CRLDistributionPoints) == 0 {
		return nil, fmt.Errorf("%w: no CRL distribution point", ErrNoRevocationInfo)
	}
	if err := c.throttle(ctx, cert.CRLDistributionPoints[0]); err != nil {
		return nil, err
	}

	crl, err := c.crl.FetchAnyCRLForCert(ctx, cert)
	if err != nil {
		return nil, err
	}
	// The list's contents mean nothing until its signature checks out.
	if err := crl.CheckSignatureFrom(issuer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCRLSignature, err)
	}
	if now.Before(crl.ThisUpdate) {
		return nil, ErrCRLNotYetValid
	}
	if !crl.NextUpdate.IsZero() && now.After(crl.NextUpdate) {
		return nil, ErrCRLExpired
	}
	return crlToInfo(crl, cert), nil
}

// throttle waits for the per-responder limiter, bounded by ctx.
func (c *Checker) throttle(ctx context.Context, responder string) error {
	c.mu.Lock()
	limiter, ok := c.limiters[responder]
	if !ok {
		limiter = rate.NewLimiter(c.config.ResponderRate, c.config.ResponderBurst)
		c.limiters[responder] = limiter
	}
	c.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrResponderThrottled, err)
	}
	return nil
}

func (c *Checker) cached(key string) *RevocationInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.cache[key]
	if !ok {
		return nil
	}
	now := c.clock.Now()
	if !info.IsValid(now) {
		delete(c.cache, key)
		delete(c.cachedAt, key)
		return nil
	}
	// Answers without a NextUpdate fall back to the configured TTL.
	if info.NextUpdate == nil && now.Sub(c.cachedAt[key]) > c.config.CacheTTL {
		delete(c.cache, key)
		delete(c.cachedAt, key)
		return nil
	}
	return info
}

func (c *Checker) store(key string, info *RevocationInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = info
	c.cachedAt[key] = c.clock.Now()
}

func cacheKey(cert *x509.Certificate) string {
	return fmt.Sprintf("%x:%s", cert.RawIssuer, cert.SerialNumber.String())
}

func validateOCSPWindow(resp *ocsp.Response, at time.Time) error {
	if at.Before(resp.ThisUpdate) {
		return ErrOCSPNotYetValid
	}
	if !resp.NextUpdate.IsZero() && at.After(resp.NextUpdate) {
		return ErrOCSPExpired
	}
	return nil
}

func ocspToInfo(resp *ocsp.Response) *RevocationInfo {
	info := &RevocationInfo{
		Source:     "OCSP",
		ProducedAt: resp.ProducedAt,
		ThisUpdate: resp.ThisUpdate,
	}
	if !resp.NextUpdate.IsZero() {
		next := resp.NextUpdate
		info.NextUpdate = &next
	}
	switch resp.Status {
	case ocsp.Good:
		info.Status = StatusGood
	case ocsp.Revoked:
		info.Status = StatusRevoked
		revokedAt := resp.RevokedAt
		info.RevocationTime = &revokedAt
		info.Reason = RevocationReason(resp.RevocationReason)
	default:
		info.Status = StatusUnknown
	}
	return info
}

func crlToInfo(crl *x509.RevocationList, cert *x509.Certificate) *RevocationInfo {
	info := &RevocationInfo{
		Source:     "CRL",
		Status:     StatusGood,
		ThisUpdate: crl.ThisUpdate,
	}
	if !crl.NextUpdate.IsZero() {
		next := crl.NextUpdate
		info.NextUpdate = &next
	}
	for _, entry := range crl.RevokedCertificateEntries {
		if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			revTime := entry.RevocationTime
			info.Status = StatusRevoked
			info.RevocationTime = &revTime
			info.Reason = RevocationReason(entry.ReasonCode)
			break
		}
	}
	return info
}
