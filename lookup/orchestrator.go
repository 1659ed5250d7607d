// Package lookup runs the discovery-and-trust pipeline: participant
// resolution over DNS, signed metadata retrieval, and the fan-out of
// certificate, signature, revocation and endpoint validation into one
// composite trust verdict.
package lookup

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/georgepadayatti/gopeppol/certvalidator"
	"github.com/georgepadayatti/gopeppol/certvalidator/fetchers"
	"github.com/georgepadayatti/gopeppol/certvalidator/revinfo"
	"github.com/georgepadayatti/gopeppol/endpoint"
	"github.com/georgepadayatti/gopeppol/smldns"
	"github.com/georgepadayatti/gopeppol/smpclient"
	"github.com/georgepadayatti/gopeppol/xmlsig"
)

// DefaultDeadline bounds one complete lookup.
const DefaultDeadline = 60 * time.Second

// Request is one participant lookup.
type Request struct {
	// ParticipantID is the full participant identifier,
	// scheme::value.
	ParticipantID string
	// DocumentTypeID is the document type to discover an endpoint for.
	DocumentTypeID string
	// ProcessID selects the process. Empty selects the first advertised.
	ProcessID string
	// Environment selects the DNS zone.
	Environment smldns.Environment
	// ValidateEndpointConnectivity enables the reachability probe.
	ValidateEndpointConnectivity bool
	// IncludeFullCertificateChain includes the PEM chain in the
	// response.
	IncludeFullCertificateChain bool
	// IncludeTechnicalDetails includes timing, DNS and certificate
	// details in the response.
	IncludeTechnicalDetails bool
	// RequestID is echoed back for correlation.
	RequestID string
}

// TechnicalDetails carries diagnostic data for one lookup.
type TechnicalDetails struct {
	DNSQueryName         string                       `json:"dnsQueryName"`
	ParticipantHash      string                       `json:"participantHash"`
	DirectoryURL         string                       `json:"directoryUrl"`
	DNSSECValidated      bool                         `json:"dnssecValidated"`
	ResolutionDurationMs int64                        `json:"resolutionDurationMs"`
	MetadataDurationMs   int64                        `json:"metadataDurationMs"`
	MetadataHTTPStatus   int                          `json:"metadataHttpStatus"`
	RevocationSource     string                       `json:"revocationSource,omitempty"`
	CircuitStates        map[string]fetchers.Snapshot `json:"circuitStates,omitempty"`
}

// Response is the outcome of one lookup. Success reports that an endpoint
// was discovered; compliance is reported separately in ValidationResults,
// so a caller can distinguish "nothing found" from "found but not
// trustworthy".
type Response struct {
	Success               bool                            `json:"success"`
	EndpointURL           string                          `json:"endpointUrl,omitempty"`
	TransportProfile      string                          `json:"transportProfile,omitempty"`
	CertificatePEM        string                          `json:"certificate,omitempty"`
	CertificateChain      []string                        `json:"certificateChain,omitempty"`
	ServiceActivationDate *time.Time                      `json:"serviceActivationDate,omitempty"`
	ServiceExpirationDate *time.Time                      `json:"serviceExpirationDate,omitempty"`
	ValidationResults     *TrustVerdict                   `json:"validationResults"`
	CertificateDetails    *certvalidator.CertificateFacts `json:"certificateDetails,omitempty"`
	TechnicalDetails      *TechnicalDetails               `json:"technicalDetails,omitempty"`
	Errors                []*ClassifiedError              `json:"errors,omitempty"`
	ProcessingTimeMs      int64                           `json:"processingTimeMs"`
	Timestamp             time.Time                       `json:"timestamp"`
	RequestID             string                          `json:"requestId,omitempty"`
}

// Config configures an orchestrator. Every field is optional; nil selects
// the component's defaults.
type Config struct {
	Resolver    *smldns.Config
	Metadata    *smpclient.Config
	Certificate *certvalidator.Config
	Signature   *xmlsig.Config
	Revocation  *revinfo.CheckerConfig
	Endpoint    *endpoint.Config
	Breaker     *fetchers.BreakerConfig

	// Deadline bounds one complete lookup. Default: 60 seconds.
	Deadline time.Duration

	// Clock is the time source. Defaults to the real clock.
	Clock clockwork.Clock

	// Logger receives per-lookup output. Defaults to a disabled logger.
	Logger zerolog.Logger
}

// Orchestrator runs the pipeline. Safe for concurrent use; the circuit
// breaker registry and component caches are shared across lookups.
type Orchestrator struct {
	resolver       *smldns.Resolver
	metadata       *smpclient.Client
	chains         *certvalidator.ChainValidator
	signatures     *xmlsig.Validator
	revocation     *revinfo.Checker
	issuers        *certvalidator.IssuerResolver
	endpointConfig *endpoint.Config
	breakers       *fetchers.BreakerRegistry
	deadline       time.Duration
	clock          clockwork.Clock
	logger         zerolog.Logger
}

// NewOrchestrator creates an orchestrator. A nil config selects defaults
// throughout.
func NewOrchestrator(config *Config) *Orchestrator {
	if config == nil {
		config = &Config{}
	}
	clock := config.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	deadline := config.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	breakers := fetchers.NewBreakerRegistry(config.Breaker)

	revConfig := config.Revocation
	if revConfig == nil {
		revConfig = revinfo.DefaultCheckerConfig()
	}
	if revConfig.OCSP == nil {
		revConfig.OCSP = fetchers.DefaultFetcherConfig()
	}
	if revConfig.CRL == nil {
		revConfig.CRL = fetchers.DefaultFetcherConfig()
	}
	revConfig.OCSP.Breaker = breakers.Get(fetchers.ServiceOCSP)
	revConfig.CRL.Breaker = breakers.Get(fetchers.ServiceCRL)

	endpointConfig := config.Endpoint
	if endpointConfig == nil {
		endpointConfig = endpoint.DefaultConfig()
	}

	// The trust anchors double as local issuer candidates, so CA-issued
	// certificates resolve their issuer without a network fetch when the
	// CA is pinned.
	var anchors []*x509.Certificate
	if config.Certificate != nil {
		anchors = config.Certificate.TrustAnchors
	}
	issuers := certvalidator.NewIssuerResolver(&certvalidator.IssuerResolverConfig{
		Candidates: anchors,
	})

	return &Orchestrator{
		resolver:       smldns.NewResolver(config.Resolver),
		metadata:       smpclient.NewClient(config.Metadata),
		chains:         certvalidator.NewChainValidator(config.Certificate),
		signatures:     xmlsig.NewValidator(config.Signature),
		revocation:     revinfo.NewChecker(revConfig),
		issuers:        issuers,
		endpointConfig: endpointConfig,
		breakers:       breakers,
		deadline:       deadline,
		clock:          clock,
		logger:         config.Logger,
	}
}

// certCache memoizes chain validation by certificate fingerprint for the
// lifetime of one lookup, so the same certificate recurring across
// sub-checks is only walked once.
type certCache struct {
	mu      sync.Mutex
	results map[[sha256.Size]byte]*certvalidator.Result
}

func (c *certCache) validate(chains *certvalidator.ChainValidator, cert *x509.Certificate, chain []*x509.Certificate) *certvalidator.Result {
	key := sha256.Sum256(cert.Raw)
	c.mu.Lock()
	if cached, ok := c.results[key]; ok {
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	result, _ := chains.Validate(cert, chain)

	c.mu.Lock()
	if c.results == nil {
		c.results = make(map[[sha256.Size]byte]*certvalidator.Result)
	}
	c.results[key] = result
	c.mu.Unlock()
	return result
}

// Lookup resolves a participant and validates everything discovered. It
// never returns an error: every failure is classified and attached to the
// response alongside the partial verdict.
func (o *Orchestrator) Lookup(ctx context.Context, req Request) *Response {
	start := o.clock.Now()
	ctx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	verdict := &TrustVerdict{}
	resp := &Response{
		ValidationResults: verdict,
		RequestID:         req.RequestID,
	}
	logger := o.logger.With().Str("request_id", req.RequestID).
		Str("participant_id", req.ParticipantID).Logger()

	defer func() {
		verdict.Finalize()
		resp.ProcessingTimeMs = o.clock.Since(start).Milliseconds()
		resp.Timestamp = o.clock.Now()
		logger.Info().
			Bool("success", resp.Success).
			Bool("overall_compliant", verdict.OverallCompliant).
			Int("errors", len(resp.Errors)).
			Int64("processing_ms", resp.ProcessingTimeMs).
			Msg("lookup finished")
	}()

	// Stage 1: directory resolution.
	resolution := o.resolve(ctx, req, resp)
	if resolution == nil || !resolution.Succeeded {
		return resp
	}
	verdict.DNSResolutionSucceeded = true

	// Stage 2: metadata retrieval.
	metadata := o.fetchMetadata(ctx, req, resolution, resp)
	if metadata == nil {
		return resp
	}
	verdict.MetadataRetrieved = true
	resp.Success = true
	resp.EndpointURL = metadata.EndpointURL
	resp.TransportProfile = metadata.TransportProfile
	resp.ServiceActivationDate = metadata.ActivationTime
	resp.ServiceExpirationDate = metadata.ExpirationTime

	// Stages 3-6 share no mutable state and only read the metadata, so
	// they run concurrently. All must finish before the verdict exists.
	cache := &certCache{}
	var (
		certResult *certvalidator.Result
		sigResult  *xmlsig.Result
		revInfo    *revinfo.RevocationInfo
		revErr     error
		epResult   *endpoint.Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		certResult = cache.validate(o.chains, metadata.Certificate, nil)
		return nil
	})
	g.Go(func() error {
		sigResult, _ = o.signatures.Validate(metadata.SignedDocument, metadata.Certificate)
		if sigResult.SigningCertificate != nil {
			// Same certificate as the metadata one in the common
			// case; the cache makes this walk free.
			cache.validate(o.chains, sigResult.SigningCertificate, nil)
		}
		return nil
	})
	g.Go(func() error {
		revInfo, revErr = o.checkRevocation(gctx, metadata)
		return nil
	})
	g.Go(func() error {
		epResult = o.validateEndpoint(gctx, req, metadata)
		return nil
	})
	g.Wait()

	o.applyCertificate(certResult, verdict, resp, req)
	o.applySignature(sigResult, verdict, resp)
	o.applyRevocation(revInfo, revErr, verdict, resp)
	o.applyEndpoint(epResult, verdict, resp)
	o.applyServiceWindow(metadata, verdict, resp)

	if req.IncludeTechnicalDetails && resp.TechnicalDetails != nil {
		resp.TechnicalDetails.CircuitStates = o.breakers.States()
		if revInfo != nil {
			resp.TechnicalDetails.RevocationSource = revInfo.Source
		}
	}
	return resp
}

func (o *Orchestrator) resolve(ctx context.Context, req Request, resp *Response) *smldns.Result {
	if _, _, err := smldns.SplitIdentifier(req.ParticipantID); err != nil {
		resp.Errors = append(resp.Errors, ClassifyAll("directory", []error{err})...)
		return nil
	}

	breaker := o.breakers.Get(fetchers.ServiceDNS)
	if !breaker.Allow() {
		resp.Errors = append(resp.Errors, ClassifyAll("directory", []error{fetchers.ErrCircuitOpen})...)
		return nil
	}

	resolution := o.resolver.Resolve(ctx, req.ParticipantID, req.Environment)
	if resolution.Succeeded {
		breaker.RecordSuccess()
	} else {
		breaker.RecordFailure()
		resp.Errors = append(resp.Errors, ClassifyAll("directory", []error{resolution.Err})...)
	}

	if req.IncludeTechnicalDetails {
		resp.TechnicalDetails = &TechnicalDetails{
			DNSQueryName:         resolution.DNSQueryName,
			ParticipantHash:      resolution.ParticipantHash,
			DirectoryURL:         resolution.DirectoryURL,
			DNSSECValidated:      resolution.DNSSECValidated,
			ResolutionDurationMs: resolution.Duration.Milliseconds(),
		}
	}
	return resolution
}

func (o *Orchestrator) fetchMetadata(ctx context.Context, req Request, resolution *smldns.Result, resp *Response) *smpclient.MetadataResult {
	breaker := o.breakers.Get(fetchers.ServiceMetadata)
	if !breaker.Allow() {
		resp.Errors = append(resp.Errors, ClassifyAll("metadata", []error{fetchers.ErrCircuitOpen})...)
		return nil
	}

	metadata, err := o.metadata.Fetch(ctx, smpclient.Request{
		DirectoryURL:   resolution.DirectoryURL,
		ParticipantID:  req.ParticipantID,
		DocumentTypeID: req.DocumentTypeID,
		ProcessID:      req.ProcessID,
	})
	if resp.TechnicalDetails != nil && metadata != nil {
		resp.TechnicalDetails.MetadataDurationMs = metadata.QueryDuration.Milliseconds()
		resp.TechnicalDetails.MetadataHTTPStatus = metadata.HTTPStatus
	}
	if err != nil {
		breaker.RecordFailure()
		resp.Errors = append(resp.Errors, ClassifyAll("metadata", []error{err})...)
		return nil
	}
	breaker.RecordSuccess()

	if metadata.Certificate == nil {
		resp.Errors = append(resp.Errors, ClassifyAll("metadata", []error{certvalidator.ErrNoCertificate})...)
		return nil
	}
	return metadata
}

// checkRevocation resolves the issuing certificate before querying the
// revocation sources, since OCSP responses and CRLs are signed by the
// issuer, not the leaf. An unresolvable issuer degrades to the same
// unavailable status as unreachable responders.
func (o *Orchestrator) checkRevocation(ctx context.Context, metadata *smpclient.MetadataResult) (*revinfo.RevocationInfo, error) {
	issuer, err := o.issuers.Resolve(ctx, metadata.Certificate)
	if err != nil {
		return &revinfo.RevocationInfo{
			Status: revinfo.StatusUnavailable,
			Err:    err,
		}, nil
	}
	return o.revocation.Check(ctx, metadata.Certificate, issuer)
}

func (o *Orchestrator) validateEndpoint(ctx context.Context, req Request, metadata *smpclient.MetadataResult) *endpoint.Result {
	config := *o.endpointConfig
	if req.ValidateEndpointConnectivity {
		config.ProbeConnectivity = true
	}
	validator := endpoint.NewValidator(&config)
	return validator.Validate(ctx, metadata.EndpointURL, metadata.TransportProfile, metadata.Certificate)
}

func (o *Orchestrator) applyCertificate(result *certvalidator.Result, verdict *TrustVerdict, resp *Response, req Request) {
	if result == nil {
		resp.Errors = append(resp.Errors, ClassifyAll("certificate", []error{certvalidator.ErrNoCertificate})...)
		return
	}
	verdict.CertificateTimeValid = result.TimeValid
	verdict.CertificateNotExpired = result.NotExpired
	verdict.CertificateKeyLengthValid = result.KeyLengthValid
	verdict.CertificateKeyUsageValid = result.KeyUsageValid
	verdict.CertificateChainValid = result.ChainValid
	verdict.CertificatePolicyValid = result.PolicyValid
	verdict.CertificateAnchorValid = result.AnchorValid
	verdict.CertificateSubjectValid = result.SubjectValid
	resp.Errors = append(resp.Errors, ClassifyAll("certificate", result.Errors)...)

	if result.Facts != nil {
		resp.CertificatePEM = result.Facts.PEM()
		if req.IncludeTechnicalDetails {
			resp.CertificateDetails = result.Facts
		}
	}
	if req.IncludeFullCertificateChain && resp.CertificatePEM != "" {
		resp.CertificateChain = []string{resp.CertificatePEM}
	}
}

func (o *Orchestrator) applySignature(result *xmlsig.Result, verdict *TrustVerdict, resp *Response) {
	if result == nil {
		resp.Errors = append(resp.Errors, ClassifyAll("signature", []error{xmlsig.ErrNoSignature})...)
		return
	}
	verdict.SignaturePresent = result.SignaturePresent
	verdict.CanonicalizationValid = result.CanonicalizationValid
	verdict.SignatureAlgorithmValid = result.AlgorithmsValid
	verdict.SignatureValid = result.SignatureVerified
	verdict.SignatureCertificateMatch = result.CertificateMatch == certvalidator.MatchExact ||
		result.CertificateMatch == certvalidator.MatchPublicKey
	resp.Errors = append(resp.Errors, ClassifyAll("signature", result.Errors)...)
}

func (o *Orchestrator) applyRevocation(info *revinfo.RevocationInfo, err error, verdict *TrustVerdict, resp *Response) {
	if info == nil {
		verdict.RevocationChecked = false
		verdict.CertificateNotRevoked = false
		if err != nil {
			resp.Errors = append(resp.Errors, ClassifyAll("revocation", []error{err})...)
		}
		return
	}
	switch info.Status {
	case revinfo.StatusGood:
		verdict.RevocationChecked = true
		verdict.CertificateNotRevoked = true
	case revinfo.StatusRevoked:
		verdict.RevocationChecked = true
		verdict.CertificateNotRevoked = false
		resp.Errors = append(resp.Errors, ClassifyAll("revocation", []error{revinfo.ErrRevoked})...)
	default:
		// Unknown or unavailable: degraded, surfaced as WARNING.
		verdict.RevocationChecked = false
		verdict.CertificateNotRevoked = true
		cause := info.Err
		if cause == nil {
			cause = revinfo.ErrNoRevocationInfo
		}
		classified := Classify(cause)
		classified.Severity = SeverityWarning
		classified.Category = CategoryExternalService
		classified.Retryable = true
		if classified.Context == nil {
			classified.Context = map[string]string{}
		}
		classified.Context["stage"] = "revocation"
		resp.Errors = append(resp.Errors, classified)
	}
}

func (o *Orchestrator) applyEndpoint(result *endpoint.Result, verdict *TrustVerdict, resp *Response) {
	if result == nil {
		return
	}
	verdict.TransportProfileValid = result.ProfileValid
	verdict.EndpointURLValid = result.URLValid
	verdict.EndpointReachable = !result.Probed || result.Reachable
	verdict.TLSCertificateMatch = !result.TLSCompared ||
		result.TLSCertificateMatch == certvalidator.MatchExact ||
		result.TLSCertificateMatch == certvalidator.MatchPublicKey
	resp.Errors = append(resp.Errors, ClassifyAll("endpoint", result.Errors)...)
}

// applyServiceWindow checks the advertised activation and expiration
// timestamps against the current time.
func (o *Orchestrator) applyServiceWindow(metadata *smpclient.MetadataResult, verdict *TrustVerdict, resp *Response) {
	now := o.clock.Now()
	verdict.ServiceAvailable = true
	if metadata.ActivationTime != nil && now.Before(*metadata.ActivationTime) {
		verdict.ServiceAvailable = false
		resp.Errors = append(resp.Errors, &ClassifiedError{
			Code:     "METADATA_SERVICE_NOT_YET_ACTIVE",
			Category: CategoryMetadata,
			Severity: SeverityError,
			Message:  "service activation date is in the future",
			Context:  map[string]string{"stage": "endpoint"},
		})
	}
	if metadata.ExpirationTime != nil && now.After(*metadata.ExpirationTime) {
		verdict.ServiceAvailable = false
		resp.Errors = append(resp.Errors, &ClassifiedError{
			Code:     "METADATA_SERVICE_EXPIRED",
			Category: CategoryMetadata,
			Severity: SeverityError,
			Message:  "service expiration date has passed",
			Context:  map[string]string{"stage": "endpoint"},
		})
	}
}
