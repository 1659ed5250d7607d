package lookup

import (
	"context"
	"errors"
	"fmt"

	"github.com/georgepadayatti/gopeppol/certvalidator"
	"github.com/georgepadayatti/gopeppol/certvalidator/fetchers"
	"github.com/georgepadayatti/gopeppol/certvalidator/revinfo"
	"github.com/georgepadayatti/gopeppol/endpoint"
	"github.com/georgepadayatti/gopeppol/securexml"
	"github.com/georgepadayatti/gopeppol/smldns"
	"github.com/georgepadayatti/gopeppol/smpclient"
	"github.com/georgepadayatti/gopeppol/xmlsig"
)

// ErrorCategory names the component that detected a failure.
type ErrorCategory string

const (
	CategoryDirectory       ErrorCategory = "DIRECTORY"
	CategoryMetadata        ErrorCategory = "METADATA"
	CategoryCertificate     ErrorCategory = "CERTIFICATE"
	CategoryNetwork         ErrorCategory = "NETWORK"
	CategoryTrust           ErrorCategory = "TRUST"
	CategoryExternalService ErrorCategory = "EXTERNAL_SERVICE"
	CategoryInput           ErrorCategory = "INPUT"
	CategorySystem          ErrorCategory = "SYSTEM"
)

// Severity ranks how a failure affects the verdict.
type Severity string

const (
	// SeverityError means the corresponding trust fact is false and the
	// lookup is not compliant.
	SeverityError Severity = "ERROR"
	// SeverityWarning means degraded but usable.
	SeverityWarning Severity = "WARNING"
	// SeverityInfo is advisory.
	SeverityInfo Severity = "INFO"
)

// ClassifiedError is a failure expressed as data. Many may attach to one
// lookup; none aborts the pipeline.
type ClassifiedError struct {
	// Code identifies the failure kind.
	Code string `json:"code"`
	// Category names the component that detected it.
	Category ErrorCategory `json:"category"`
	// Severity ranks its effect on the verdict.
	Severity Severity `json:"severity"`
	// Message is the human-readable description.
	Message string `json:"message"`
	// Retryable reports whether retrying the lookup may help.
	Retryable bool `json:"retryable"`
	// Context carries key/value details, such as the stage name.
	Context map[string]string `json:"context,omitempty"`
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s/%s] %s: %s", e.Category, e.Severity, e.Code, e.Message)
}

// classification is one row of the sentinel-to-classification table.
type classification struct {
	sentinel  error
	code      string
	category  ErrorCategory
	severity  Severity
	retryable bool
}

// classifications maps every sentinel the pipeline's components return to
// its classification. Order matters where sentinels wrap each other; more
// specific entries come first.
var classifications = []classification{
	// Directory resolution.
	{smldns.ErrMalformedIdentifier, "INPUT_MALFORMED_IDENTIFIER", CategoryInput, SeverityError, false},
	{smldns.ErrParticipantNotFound, "DIRECTORY_PARTICIPANT_NOT_FOUND", CategoryDirectory, SeverityError, false},
	{smldns.ErrResolutionTimeout, "DIRECTORY_TIMEOUT", CategoryDirectory, SeverityError, true},
	{smldns.ErrResolutionFailed, "DIRECTORY_RESOLUTION_FAILED", CategoryDirectory, SeverityError, true},

	// Metadata retrieval and parsing.
	{securexml.ErrDoctypeForbidden, "METADATA_XML_DOCTYPE", CategoryMetadata, SeverityError, false},
	{securexml.ErrDocumentTooLarge, "METADATA_XML_TOO_LARGE", CategoryMetadata, SeverityError, false},
	{securexml.ErrEntityLimit, "METADATA_XML_ENTITY_FLOOD", CategoryMetadata, SeverityError, false},
	{securexml.ErrNestingTooDeep, "METADATA_XML_TOO_DEEP", CategoryMetadata, SeverityError, false},
	{securexml.ErrParseTimeout, "METADATA_XML_PARSE_TIMEOUT", CategoryMetadata, SeverityError, true},
	{securexml.ErrMalformedXML, "METADATA_XML_MALFORMED", CategoryMetadata, SeverityError, false},
	{securexml.ErrEmptyDocument, "METADATA_XML_EMPTY", CategoryMetadata, SeverityError, false},
	{smpclient.ErrUnexpectedStatus, "METADATA_HTTP_STATUS", CategoryMetadata, SeverityError, true},
	{smpclient.ErrMalformedMetadata, "METADATA_MALFORMED", CategoryMetadata, SeverityError, false},
	{smpclient.ErrProcessNotFound, "METADATA_PROCESS_NOT_FOUND", CategoryMetadata, SeverityError, false},
	{smpclient.ErrNoEndpoint, "METADATA_NO_ENDPOINT", CategoryMetadata, SeverityError, false},
	{smpclient.ErrMalformedCertificate, "METADATA_MALFORMED_CERTIFICATE", CategoryMetadata, SeverityError, false},

	// Certificate chain validation.
	{certvalidator.ErrNoCertificate, "CERTIFICATE_MISSING", CategoryCertificate, SeverityError, false},
	{certvalidator.ErrCertificateExpired, "CERTIFICATE_EXPIRED", CategoryCertificate, SeverityError, false},
	{certvalidator.ErrCertificateNotYetValid, "CERTIFICATE_NOT_YET_VALID", CategoryCertificate, SeverityError, false},
	{certvalidator.ErrWeakKey, "CERTIFICATE_WEAK_KEY", CategoryCertificate, SeverityError, false},
	{certvalidator.ErrKeyUsage, "CERTIFICATE_KEY_USAGE", CategoryCertificate, SeverityError, false},
	{certvalidator.ErrBrokenChain, "CERTIFICATE_BROKEN_CHAIN", CategoryCertificate, SeverityError, false},
	{certvalidator.ErrPolicyMissing, "CERTIFICATE_POLICY_MISSING", CategoryCertificate, SeverityError, false},
	{certvalidator.ErrNoTrustAnchor, "CERTIFICATE_UNTRUSTED_ROOT", CategoryCertificate, SeverityError, false},
	{certvalidator.ErrDegenerateSubject, "CERTIFICATE_DEGENERATE_SUBJECT", CategoryCertificate, SeverityError, false},

	// Signature validation. A substituted signer outranks a plain
	// mismatch: it signals a likely attack, not misconfiguration.
	{xmlsig.ErrCertificateSubstituted, "TRUST_SIGNER_SUBSTITUTED", CategoryTrust, SeverityError, false},
	{xmlsig.ErrCertificateMismatch, "TRUST_SIGNER_MISMATCH", CategoryTrust, SeverityError, false},
	{xmlsig.ErrNoSignature, "TRUST_SIGNATURE_MISSING", CategoryTrust, SeverityError, false},
	{xmlsig.ErrMultipleSignatures, "TRUST_SIGNATURE_AMBIGUOUS", CategoryTrust, SeverityError, false},
	{xmlsig.ErrCanonicalizationMethod, "TRUST_CANONICALIZATION", CategoryTrust, SeverityError, false},
	{xmlsig.ErrSignatureAlgorithm, "TRUST_WEAK_SIGNATURE_ALGORITHM", CategoryTrust, SeverityError, false},
	{xmlsig.ErrDigestAlgorithm, "TRUST_WEAK_DIGEST_ALGORITHM", CategoryTrust, SeverityError, false},
	{xmlsig.ErrSignatureInvalid, "TRUST_SIGNATURE_INVALID", CategoryTrust, SeverityError, false},
	{xmlsig.ErrNoSigningCertificate, "TRUST_SIGNER_CERTIFICATE_MISSING", CategoryTrust, SeverityError, false},
	{xmlsig.ErrMalformedCertificate, "TRUST_SIGNER_CERTIFICATE_MALFORMED", CategoryTrust, SeverityError, false},
	{xmlsig.ErrStructuralChecksRequired, "TRUST_SIGNATURE_STRUCTURE", CategoryTrust, SeverityError, false},

	// Revocation.
	{revinfo.ErrRevoked, "CERTIFICATE_REVOKED", CategoryCertificate, SeverityError, false},
	{revinfo.ErrNoRevocationInfo, "EXTERNAL_REVOCATION_UNAVAILABLE", CategoryExternalService, SeverityWarning, true},
	{revinfo.ErrCRLSignature, "CERTIFICATE_CRL_SIGNATURE", CategoryCertificate, SeverityError, false},
	{revinfo.ErrResponderThrottled, "EXTERNAL_REVOCATION_THROTTLED", CategoryExternalService, SeverityWarning, true},

	// Endpoint validation.
	{endpoint.ErrTLSCertSubstituted, "TRUST_TLS_CERTIFICATE_SUBSTITUTED", CategoryTrust, SeverityError, false},
	{endpoint.ErrTLSCertMismatch, "TRUST_TLS_CERTIFICATE_MISMATCH", CategoryTrust, SeverityError, false},
	{endpoint.ErrProfileNotAllowed, "METADATA_TRANSPORT_PROFILE", CategoryMetadata, SeverityError, false},
	{endpoint.ErrNotHTTPS, "METADATA_ENDPOINT_NOT_HTTPS", CategoryMetadata, SeverityError, false},
	{endpoint.ErrMalformedURL, "METADATA_ENDPOINT_URL", CategoryMetadata, SeverityError, false},
	{endpoint.ErrMissingHost, "METADATA_ENDPOINT_URL", CategoryMetadata, SeverityError, false},
	{endpoint.ErrInvalidPort, "METADATA_ENDPOINT_URL", CategoryMetadata, SeverityError, false},
	{endpoint.ErrUnreachable, "NETWORK_ENDPOINT_UNREACHABLE", CategoryNetwork, SeverityError, true},
	{endpoint.ErrNoServerCertificate, "NETWORK_NO_TLS_CERTIFICATE", CategoryNetwork, SeverityError, true},

	// Failure isolation and deadlines.
	{fetchers.ErrCircuitOpen, "EXTERNAL_CIRCUIT_OPEN", CategoryExternalService, SeverityError, true},
	{context.DeadlineExceeded, "SYSTEM_DEADLINE_EXCEEDED", CategorySystem, SeverityError, true},
	{context.Canceled, "SYSTEM_CANCELED", CategorySystem, SeverityError, false},
}

// Classify maps an error from any pipeline component to its classified
// form. Unrecognized errors classify as SYSTEM/ERROR, non-retryable.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	var already *ClassifiedError
	if errors.As(err, &already) {
		return already
	}
	for _, row := range classifications {
		if errors.Is(err, row.sentinel) {
			return &ClassifiedError{
				Code:      row.code,
				Category:  row.category,
				Severity:  row.severity,
				Message:   err.Error(),
				Retryable: row.retryable,
			}
		}
	}
	return &ClassifiedError{
		Code:     "SYSTEM_UNCLASSIFIED",
		Category: CategorySystem,
		Severity: SeverityError,
		Message:  err.Error(),
	}
}

// ClassifyAll classifies a list of errors, tagging each with the stage that
// produced it.
func ClassifyAll(stage string, errs []error) []*ClassifiedError {
	out := make([]*ClassifiedError, 0, len(errs))
	for _, err := range errs {
		classified := Classify(err)
		if classified == nil {
			continue
		}
		if classified.Context == nil {
			classified.Context = map[string]string{}
		}
		classified.Context["stage"] = stage
		out = append(out, classified)
	}
	return out
}
