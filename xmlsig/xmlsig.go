// Package xmlsig validates enveloped XML signatures on service metadata.
// Validation is staged: the signature's structure and algorithms are checked
// before any cryptography runs, and the signing certificate is compared
// against the certificate published in the metadata so that a substituted
// signer is reported distinctly from a broken signature.
package xmlsig

import (
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"github.com/moov-io/signedxml"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/georgepadayatti/gopeppol/certvalidator"
)

// Common errors
var (
	ErrNoSignature              = errors.New("document contains no signature")
	ErrMultipleSignatures       = errors.New("document contains multiple signatures")
	ErrCanonicalizationMethod   = errors.New("unsupported canonicalization method")
	ErrSignatureAlgorithm       = errors.New("signature algorithm not allowed")
	ErrDigestAlgorithm          = errors.New("digest algorithm not allowed")
	ErrNoSigningCertificate     = errors.New("signature carries no certificate")
	ErrMalformedCertificate     = errors.New("signature certificate cannot be parsed")
	ErrSignatureInvalid         = errors.New("signature verification failed")
	ErrCertificateMismatch      = errors.New("signing certificate does not match metadata certificate")
	ErrCertificateSubstituted   = errors.New("signing certificate subject matches but the key differs")
	ErrStructuralChecksRequired = errors.New("structural checks failed, signature not verified")
)

// XMLDSigNamespace is the XML digital signature namespace.
const XMLDSigNamespace = "http://www.w3.org/2000/09/xmldsig#"

// Digest method identifiers accepted by default.
const (
	DigestSHA256 = "http://www.w3.org/2001/04/xmlenc#sha256"
	DigestSHA384 = "http://www.w3.org/2001/04/xmldsig-more#sha384"
	DigestSHA512 = "http://www.w3.org/2001/04/xmlenc#sha512"
)

// Config configures signature validation.
type Config struct {
	// AllowedSignatureMethods whitelists SignatureMethod algorithm URIs.
	// Defaults to RSA with SHA-256, SHA-384 and SHA-512.
	AllowedSignatureMethods []string

	// AllowedDigestMethods whitelists Reference DigestMethod URIs.
	// Defaults to SHA-256, SHA-384 and SHA-512.
	AllowedDigestMethods []string

	// Verify replaces the cryptographic reference and signature check.
	// Nil selects the signedxml implementation. Structural checks always
	// run first regardless.
	Verify func(raw []byte, cert *x509.Certificate) error
}

// DefaultConfig returns the default validation configuration.
func DefaultConfig() *Config {
	return &Config{
		AllowedSignatureMethods: []string{
			dsig.RSASHA256SignatureMethod,
			dsig.RSASHA384SignatureMethod,
			dsig.RSASHA512SignatureMethod,
		},
		AllowedDigestMethods: []string{
			DigestSHA256,
			DigestSHA384,
			DigestSHA512,
		},
	}
}

// Result reports the outcome of each validation stage. Structural stages run
// unconditionally; cryptographic verification runs only when every
// structural stage passed, since a malformed signature cannot be trusted to
// verify anything.
type Result struct {
	// SignaturePresent reports that exactly one signature was found.
	SignaturePresent bool
	// CanonicalizationValid reports the canonicalization method check.
	CanonicalizationValid bool
	// AlgorithmsValid reports the signature and digest algorithm checks.
	AlgorithmsValid bool
	// CertificatePresent reports that a signing certificate was
	// extracted from the signature's KeyInfo.
	CertificatePresent bool
	// SignatureVerified reports cryptographic verification of the
	// references and signature value.
	SignatureVerified bool
	// CertificateMatch compares the signing certificate to the
	// certificate published in the metadata.
	CertificateMatch certvalidator.MatchLevel
	// SigningCertificate is the certificate extracted from the
	// signature, when present.
	SigningCertificate *x509.Certificate
	// Errors holds every failure encountered.
	Errors []error
}

// Valid reports whether every stage passed and the signing certificate is
// the metadata certificate, or a reissue of it carrying the same key.
func (r *Result) Valid() bool {
	return r.SignaturePresent &&
		r.CanonicalizationValid &&
		r.AlgorithmsValid &&
		r.CertificatePresent &&
		r.SignatureVerified &&
		(r.CertificateMatch == certvalidator.MatchExact ||
			r.CertificateMatch == certvalidator.MatchPublicKey)
}

// Validator validates enveloped XML signatures.
type Validator struct {
	config *Config

	// verify performs the cryptographic reference and signature checks.
	// Replaceable in tests.
	verify func(raw []byte, cert *x509.Certificate) error
}

// NewValidator creates a signature validator. A nil config selects defaults.
func NewValidator(config *Config) *Validator {
	if config == nil {
		config = DefaultConfig()
	}
	verify := config.Verify
	if verify == nil {
		verify = verifySignedXML
	}
	return &Validator{
		config: config,
		verify: verify,
	}
}

// Validate checks the enveloped signature on raw against expectedCert, the
// certificate published inside the signed metadata. The raw bytes must be
// the document exactly as received; re-serialized XML cannot verify.
func (v *Validator) Validate(raw []byte, expectedCert *x509.Certificate) (*Result, error) {
	result := &Result{CertificateMatch: certvalidator.MatchNone}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("%w: %v", ErrNoSignature, err))
		return result, result.Errors[0]
	}

	sig := v.checkStructure(doc, result)
	if sig != nil {
		v.checkCanonicalization(sig, result)
		v.checkAlgorithms(sig, result)
		v.checkCertificate(sig, result)
	}

	if !result.SignaturePresent || !result.CanonicalizationValid ||
		!result.AlgorithmsValid || !result.CertificatePresent {
		result.Errors = append(result.Errors, ErrStructuralChecksRequired)
		return result, errors.Join(result.Errors...)
	}

	// Identity before cryptography: a substituted signer must be flagged
	// before its certificate is handed to the verifier.
	result.CertificateMatch = certvalidator.Compare(expectedCert, result.SigningCertificate)
	switch result.CertificateMatch {
	case certvalidator.MatchExact, certvalidator.MatchPublicKey:
	case certvalidator.MatchSubjectKeyMismatch:
		result.Errors = append(result.Errors, ErrCertificateSubstituted)
	default:
		result.Errors = append(result.Errors, ErrCertificateMismatch)
	}

	if err := v.verify(raw, result.SigningCertificate); err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("%w: %v", ErrSignatureInvalid, err))
		return result, result.Errors[0]
	}
	result.SignatureVerified = true

	if len(result.Errors) > 0 {
		return result, result.Errors[0]
	}
	return result, nil
}

// checkStructure locates the document's single signature element.
func (v *Validator) checkStructure(doc *etree.Document, result *Result) *etree.Element {
	signatures := findSignatures(doc.Root())
	switch len(signatures) {
	case 0:
		result.Errors = append(result.Errors, ErrNoSignature)
		return nil
	case 1:
		result.SignaturePresent = true
		return signatures[0]
	default:
		result.Errors = append(result.Errors, fmt.Errorf("%w: found %d", ErrMultipleSignatures, len(signatures)))
		return signatures[0]
	}
}

func (v *Validator) checkCanonicalization(sig *etree.Element, result *Result) {
	elem := findChild(sig, "SignedInfo", "CanonicalizationMethod")
	if elem == nil {
		result.Errors = append(result.Errors, fmt.Errorf("%w: no CanonicalizationMethod element", ErrCanonicalizationMethod))
		return
	}
	algorithm := elem.SelectAttrValue("Algorithm", "")
	if algorithm != dsig.CanonicalXML10RecAlgorithmId.String() {
		result.Errors = append(result.Errors, fmt.Errorf("%w: %q", ErrCanonicalizationMethod, algorithm))
		return
	}
	result.CanonicalizationValid = true
}

func (v *Validator) checkAlgorithms(sig *etree.Element, result *Result) {
	ok := true

	method := findChild(sig, "SignedInfo", "SignatureMethod")
	if method == nil {
		result.Errors = append(result.Errors, fmt.Errorf("%w: no SignatureMethod element", ErrSignatureAlgorithm))
		ok = false
	} else if algorithm := method.SelectAttrValue("Algorithm", ""); !contains(v.config.AllowedSignatureMethods, algorithm) {
		result.Errors = append(result.Errors, fmt.Errorf("%w: %q", ErrSignatureAlgorithm, algorithm))
		ok = false
	}

	signedInfo := findChild(sig, "SignedInfo")
	if signedInfo != nil {
		for _, ref := range childrenNamed(signedInfo, "Reference") {
			digest := findChild(ref, "DigestMethod")
			if digest == nil {
				result.Errors = append(result.Errors, fmt.Errorf("%w: reference without DigestMethod", ErrDigestAlgorithm))
				ok = false
				continue
			}
			if algorithm := digest.SelectAttrValue("Algorithm", ""); !contains(v.config.AllowedDigestMethods, algorithm) {
				result.Errors = append(result.Errors, fmt.Errorf("%w: %q", ErrDigestAlgorithm, algorithm))
				ok = false
			}
		}
	}

	result.AlgorithmsValid = ok
}

func (v *Validator) checkCertificate(sig *etree.Element, result *Result) {
	elem := findChild(sig, "KeyInfo", "X509Data", "X509Certificate")
	if elem == nil {
		result.Errors = append(result.Errors, ErrNoSigningCertificate)
		return
	}
	der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(elem.Text()), ""))
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("%w: %v", ErrMalformedCertificate, err))
		return
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("%w: %v", ErrMalformedCertificate, err))
		return
	}
	result.CertificatePresent = true
	result.SigningCertificate = cert
}

// verifySignedXML performs full reference and signature verification over
// the verbatim document bytes.
func verifySignedXML(raw []byte, cert *x509.Certificate) error {
	validator, err := signedxml.NewValidator(string(raw))
	if err != nil {
		return err
	}
	if cert != nil {
		validator.Certificates = []x509.Certificate{*cert}
	}
	if _, err := validator.ValidateReferences(); err != nil {
		return err
	}
	return nil
}

// findSignatures walks the tree collecting Signature elements in the
// XML digital signature namespace.
func findSignatures(root *etree.Element) []*etree.Element {
	if root == nil {
		return nil
	}
	var found []*etree.Element
	var walk func(e *etree.Element)
	walk = func(e *etree.Element) {
		if e.Tag == "Signature" && namespaceOf(e) == XMLDSigNamespace {
			found = append(found, e)
			return
		}
		for _, child := range e.ChildElements() {
			walk(child)
		}
	}
	walk(root)
	return found
}

// namespaceOf resolves the namespace URI for an element's prefix.
func namespaceOf(e *etree.Element) string {
	attr := "xmlns"
	if e.Space != "" {
		attr = "xmlns:" + e.Space
	}
	for cur := e; cur != nil; cur = cur.Parent() {
		if val := cur.SelectAttrValue(attr, ""); val != "" {
			return val
		}
	}
	return ""
}

// findChild descends through the named child elements, matching on local
// name regardless of prefix.
func findChild(e *etree.Element, path ...string) *etree.Element {
	cur := e
	for _, name := range path {
		var next *etree.Element
		for _, child := range cur.ChildElements() {
			if child.Tag == name {
				next = child
				break
			}
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

func childrenNamed(e *etree.Element, name string) []*etree.Element {
	var out []*etree.Element
	for _, child := range e.ChildElements() {
		if child.Tag == name {
			out = append(out, child)
		}
	}
	return out
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
