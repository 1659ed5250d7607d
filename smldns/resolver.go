// Package smldns resolves participant identifiers to directory-service base
// URLs through the locator's hashed DNS scheme. A participant identifier
// `scheme::value` maps to the CNAME record
// `B-{lowercase-hex(MD5(value))}.{scheme}.{zone}`.
package smldns

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Common errors
var (
	ErrMalformedIdentifier = errors.New("malformed participant identifier")
	ErrParticipantNotFound = errors.New("participant not registered in the directory")
	ErrResolutionTimeout   = errors.New("DNS resolution timed out")
	ErrResolutionFailed    = errors.New("DNS resolution failed")
)

// Environment selects the DNS zone a lookup is performed against.
type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentTest       Environment = "test"
)

// Default zone domains per environment. These follow the CEF eDelivery
// locator zones and can be overridden through Config.
const (
	DefaultProductionZone = "edelivery.tech.ec.europa.eu"
	DefaultTestZone       = "acc.edelivery.tech.ec.europa.eu"
)

// CNAMELookuper performs a single CNAME lookup. *net.Resolver satisfies it;
// tests substitute fakes.
type CNAMELookuper interface {
	LookupCNAME(ctx context.Context, host string) (string, error)
}

// Config configures a Resolver.
type Config struct {
	// Zones maps environments to DNS zone domains. Missing entries fall
	// back to the package defaults.
	Zones map[Environment]string

	// MaxAttempts is the number of resolution attempts including the first.
	// Default: 3.
	MaxAttempts int

	// Backoff holds the delay before each retry. When attempts outnumber
	// entries, the last entry repeats. Default: 1s, 2s, 4s.
	Backoff []time.Duration

	// Timeout is the wall-clock budget for one resolution including
	// retries. Retrying never extends past it. Default: 10 seconds.
	Timeout time.Duration

	// ValidateDNSSEC requests DNSSEC validation when the checker supports
	// it. Unavailability is recorded, never fatal.
	ValidateDNSSEC bool

	// CacheTTL bounds how long successful resolutions are reused.
	// Zero disables caching.
	CacheTTL time.Duration
}

// DefaultConfig returns the default resolver configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		Backoff:     []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second},
		Timeout:     10 * time.Second,
		CacheTTL:    5 * time.Minute,
	}
}

// Result describes the outcome of one participant resolution.
// Values are never mutated after construction.
type Result struct {
	// DirectoryURL is the https:// base URL of the directory service.
	DirectoryURL string
	// DNSQueryName is the CNAME query that was issued.
	DNSQueryName string
	// ParticipantHash is the lowercase hex MD5 of the identifier value.
	ParticipantHash string
	// Duration is the total resolution time including retries.
	Duration time.Duration
	// DNSSECValidated records whether the answer was DNSSEC-validated.
	DNSSECValidated bool
	// Succeeded reports whether a directory URL was obtained.
	Succeeded bool
	// Err holds the terminal error when Succeeded is false.
	Err error
	// RetryCount is the number of retries performed (attempts - 1).
	RetryCount int
}

// Resolver resolves participants against the locator DNS zone.
type Resolver struct {
	config *Config
	lookup CNAMELookuper
	clock  clockwork.Clock
	cache  *resultCache
	log    zerolog.Logger
	dnssec func(ctx context.Context, name string) bool
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithLookuper substitutes the CNAME lookuper. Used by tests and by callers
// that need a resolver bound to a specific DNS server.
func WithLookuper(l CNAMELookuper) Option {
	return func(r *Resolver) { r.lookup = l }
}

// WithClock substitutes the clock used for backoff and cache expiry.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Resolver) {
		r.clock = clock
		if r.cache != nil {
			r.cache.clock = clock
		}
	}
}

// WithLogger attaches a logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Resolver) { r.log = log }
}

// WithDNSSECChecker installs the hook that reports whether a query name
// resolved with DNSSEC validation. Absent a hook the flag stays false.
func WithDNSSECChecker(check func(ctx context.Context, name string) bool) Option {
	return func(r *Resolver) { r.dnssec = check }
}

// NewResolver creates a Resolver. A nil config selects DefaultConfig.
func NewResolver(config *Config, opts ...Option) *Resolver {
	if config == nil {
		config = DefaultConfig()
	}
	r := &Resolver{
		config: config,
		lookup: net.DefaultResolver,
		clock:  clockwork.NewRealClock(),
		log:    zerolog.Nop(),
	}
	if config.CacheTTL > 0 {
		r.cache = newResultCache(config.CacheTTL, clockwork.NewRealClock())
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// QueryName builds the locator DNS query name for a participant identifier.
// The identifier must be of the form `scheme::value`; the MD5 digest covers
// the value only. MD5 is fixed by the locator protocol and is not a security
// boundary here.
func (r *Resolver) QueryName(participantID string, env Environment) (name, hash string, err error) {
	scheme, value, err := SplitIdentifier(participantID)
	if err != nil {
		return "", "", err
	}
	sum := md5.Sum([]byte(value))
	hash = hex.EncodeToString(sum[:])
	return fmt.Sprintf("B-%s.%s.%s", hash, scheme, r.zone(env)), hash, nil
}

// Resolve resolves a participant identifier to its directory-service URL.
// The returned Result is populated for both success and failure; Err carries
// the classification-relevant cause on failure.
func (r *Resolver) Resolve(ctx context.Context, participantID string, env Environment) *Result {
	start := r.clock.Now()

	name, hash, err := r.QueryName(participantID, env)
	if err != nil {
		return &Result{Err: err, Duration: r.clock.Since(start)}
	}

	res := &Result{DNSQueryName: name, ParticipantHash: hash}

	if r.cache != nil {
		if cached, ok := r.cache.get(name); ok {
			res.DirectoryURL = cached
			res.Succeeded = true
			res.Duration = r.clock.Since(start)
			return res
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			res.RetryCount++
			delay := r.backoffDelay(attempt - 1)
			r.log.Debug().Str("query", name).Int("attempt", attempt).Dur("delay", delay).Msg("retrying DNS resolution")
			select {
			case <-ctx.Done():
				res.Err = fmt.Errorf("%w: %v", ErrResolutionTimeout, ctx.Err())
				res.Duration = r.clock.Since(start)
				return res
			case <-r.clock.After(delay):
			}
		}

		target, err := r.lookup.LookupCNAME(ctx, name)
		if err == nil {
			host := strings.TrimSuffix(target, ".")
			res.DirectoryURL = "https://" + host
			res.Succeeded = true
			if r.config.ValidateDNSSEC && r.dnssec != nil {
				res.DNSSECValidated = r.dnssec(ctx, name)
			}
			res.Duration = r.clock.Since(start)
			if r.cache != nil {
				r.cache.set(name, res.DirectoryURL)
			}
			return res
		}

		lastErr = classifyLookupError(err)
		if errors.Is(lastErr, ErrParticipantNotFound) {
			// NXDOMAIN is authoritative; retrying cannot change it.
			break
		}
		// Attempt-level timeouts and server failures are transient; the
		// wall-clock budget above decides when to stop.
		if ctx.Err() != nil {
			lastErr = fmt.Errorf("%w: %v", ErrResolutionTimeout, ctx.Err())
			break
		}
	}

	res.Err = lastErr
	res.Duration = r.clock.Since(start)
	return res
}

func (r *Resolver) zone(env Environment) string {
	if z, ok := r.config.Zones[env]; ok && z != "" {
		return z
	}
	if env == EnvironmentTest {
		return DefaultTestZone
	}
	return DefaultProductionZone
}

func (r *Resolver) backoffDelay(retry int) time.Duration {
	backoff := r.config.Backoff
	if len(backoff) == 0 {
		return time.Second
	}
	if retry > len(backoff) {
		retry = len(backoff)
	}
	return backoff[retry-1]
}

// classifyLookupError maps a DNS error onto the package sentinel errors.
func classifyLookupError(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		switch {
		case dnsErr.IsNotFound:
			return fmt.Errorf("%w: %v", ErrParticipantNotFound, err)
		case dnsErr.IsTimeout:
			return fmt.Errorf("%w: %v", ErrResolutionTimeout, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrResolutionTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrResolutionFailed, err)
}

// SplitIdentifier splits a participant identifier into scheme and value.
func SplitIdentifier(participantID string) (scheme, value string, err error) {
	trimmed := strings.TrimSpace(participantID)
	idx := strings.Index(trimmed, "::")
	if idx <= 0 || idx == len(trimmed)-2 {
		return "", "", fmt.Errorf("%w: %q is not of the form scheme::value", ErrMalformedIdentifier, participantID)
	}
	scheme = trimmed[:idx]
	value = trimmed[idx+2:]
	if strings.ContainsAny(scheme, " \t\n") {
		return "", "", fmt.Errorf("%w: scheme contains whitespace", ErrMalformedIdentifier)
	}
	return scheme, value, nil
}
