package certvalidator

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"

	"github.com/georgepadayatti/gopeppol/certvalidator/fetchers"
)

// Common errors
var (
	ErrIssuerNotFound = errors.New("issuing certificate not found")
)

// IssuerResolverConfig configures issuer resolution.
type IssuerResolverConfig struct {
	// Candidates are certificates tried before any network fetch,
	// typically the configured trust anchors and known intermediates.
	Candidates []*x509.Certificate

	// Fetcher configures the AIA caIssuers transport. Nil selects
	// defaults with a single attempt per URL.
	Fetcher *fetchers.FetcherConfig
}

// IssuerResolver locates the certificate that issued a leaf. Self-issued
// certificates resolve to themselves; otherwise the local candidates are
// tried first, then the AIA caIssuers URLs published in the leaf are
// fetched. OCSP and CRL validation both need the real issuer, since
// responses and revocation lists are signed by it, not by the leaf.
type IssuerResolver struct {
	candidates []*x509.Certificate
	fetcher    *fetchers.Fetcher

	mu    sync.Mutex
	cache map[[sha256.Size]byte]*x509.Certificate
}

// NewIssuerResolver creates an issuer resolver. A nil config resolves
// self-issued certificates and AIA pointers only.
func NewIssuerResolver(config *IssuerResolverConfig) *IssuerResolver {
	if config == nil {
		config = &IssuerResolverConfig{}
	}
	fetcherConfig := config.Fetcher
	if fetcherConfig == nil {
		fetcherConfig = fetchers.DefaultFetcherConfig()
	}
	if fetcherConfig.Retry == nil {
		fetcherConfig.Retry = &fetchers.RetryConfig{MaxAttempts: 1}
	}
	return &IssuerResolver{
		candidates: config.Candidates,
		fetcher:    fetchers.NewFetcher(fetcherConfig),
		cache:      make(map[[sha256.Size]byte]*x509.Certificate),
	}
}

// Resolve returns the certificate that signed leaf. Every returned issuer
// has been verified with CheckSignatureFrom against the leaf.
func (r *IssuerResolver) Resolve(ctx context.Context, leaf *x509.Certificate) (*x509.Certificate, error) {
	if leaf == nil {
		return nil, ErrNoCertificate
	}
	if leaf.CheckSignatureFrom(leaf) == nil {
		return leaf, nil
	}

	key := sha256.Sum256(leaf.Raw)
	r.mu.Lock()
	cached := r.cache[key]
	r.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	for _, candidate := range r.candidates {
		if candidate != nil && leaf.CheckSignatureFrom(candidate) == nil {
			r.store(key, candidate)
			return candidate, nil
		}
	}

	var errs []error
	for _, url := range leaf.IssuingCertificateURL {
		issuer, err := r.fetchIssuer(ctx, url)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", url, err))
			continue
		}
		if err := leaf.CheckSignatureFrom(issuer); err != nil {
			errs = append(errs, fmt.Errorf("%s: served %q, which did not sign the leaf: %w", url, issuer.Subject.CommonName, err))
			continue
		}
		r.store(key, issuer)
		return issuer, nil
	}

	errs = append(errs, fmt.Errorf("%w: no candidate signed %q", ErrIssuerNotFound, leaf.Subject.String()))
	return nil, errors.Join(errs...)
}

func (r *IssuerResolver) store(key [sha256.Size]byte, issuer *x509.Certificate) {
	r.mu.Lock()
	r.cache[key] = issuer
	r.mu.Unlock()
}

func (r *IssuerResolver) fetchIssuer(ctx context.Context, url string) (*x509.Certificate, error) {
	data, err := r.fetcher.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	return parseIssuerData(data)
}

// parseIssuerData accepts a single DER certificate or a PEM block, the two
// encodings caIssuers endpoints serve in practice.
func parseIssuerData(data []byte) (*x509.Certificate, error) {
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("caIssuers payload is not a certificate: %w", err)
	}
	return cert, nil
}
