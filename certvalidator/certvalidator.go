// Package certvalidator validates X.509 certificate chains against the
// directory network's trust rules: temporal validity, key strength, key
// usage, chain integrity, policy compliance and trust-anchor termination.
// Every rule is checked independently and all violations are reported in one
// pass so callers can produce complete compliance reports.
package certvalidator

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// Common errors
var (
	ErrNoCertificate          = errors.New("no certificate provided")
	ErrCertificateExpired     = errors.New("certificate expired")
	ErrCertificateNotYetValid = errors.New("certificate not yet valid")
	ErrWeakKey                = errors.New("certificate key is too weak")
	ErrKeyUsage               = errors.New("certificate key usage does not permit digital signatures")
	ErrBrokenChain            = errors.New("certificate chain integrity broken")
	ErrPolicyMissing          = errors.New("required certificate policy missing")
	ErrNoTrustAnchor          = errors.New("chain does not terminate at a trusted anchor")
	ErrDegenerateSubject      = errors.New("certificate subject is degenerate")
)

// oidCommonName is the CN attribute type in subject DNs.
var oidCommonName = asn1.ObjectIdentifier{2, 5, 4, 3}

// Config configures a ChainValidator.
type Config struct {
	// MinRSABits is the minimum accepted RSA modulus size.
	// Default: 2048.
	MinRSABits int

	// RequiredPolicyOIDs lists certificate-policy OIDs of which at least
	// one must appear in the leaf's certificatePolicies extension. Empty
	// means no policy is mandated and the check passes.
	RequiredPolicyOIDs []string

	// TrustAnchors is the set of accepted root authorities. When empty,
	// only intra-chain signature consistency is checked and the anchor
	// fact reports true.
	TrustAnchors []*x509.Certificate

	// RequiredSubjectRDNs lists subject attribute types that must be
	// present on the leaf. The attribute may carry a blank value; it must
	// merely exist. Default: CN.
	RequiredSubjectRDNs []asn1.ObjectIdentifier
}

// DefaultConfig returns the default chain validation configuration.
func DefaultConfig() *Config {
	return &Config{
		MinRSABits:          2048,
		RequiredSubjectRDNs: []asn1.ObjectIdentifier{oidCommonName},
	}
}

// Result carries the outcome of every independent chain check. Facts are
// reported individually; Valid is the conjunction of all of them.
type Result struct {
	// TimeValid reports that now lies within [NotBefore, NotAfter].
	TimeValid bool
	// NotExpired reports that NotAfter has not passed. Implied by
	// TimeValid but kept separate for compliance reporting.
	NotExpired bool
	// KeyLengthValid reports sufficient public key strength.
	KeyLengthValid bool
	// KeyUsageValid reports that digitalSignature usage is permitted.
	KeyUsageValid bool
	// ChainValid reports that every link's signature verifies against its
	// issuer walking leaf to root.
	ChainValid bool
	// PolicyValid reports presence of a mandated certificate policy.
	PolicyValid bool
	// AnchorValid reports termination at a configured trust anchor.
	AnchorValid bool
	// SubjectValid reports non-degenerate subject and issuer DNs.
	SubjectValid bool

	// Errors lists every violation found, in check order.
	Errors []error

	// Facts describes the leaf certificate.
	Facts *CertificateFacts
}

// Valid reports whether every check passed.
func (r *Result) Valid() bool {
	return r.TimeValid && r.NotExpired && r.KeyLengthValid && r.KeyUsageValid &&
		r.ChainValid && r.PolicyValid && r.AnchorValid && r.SubjectValid
}

// ChainValidator validates leaf certificates and their chains.
type ChainValidator struct {
	config *Config
	clock  clockwork.Clock
}

// NewChainValidator creates a ChainValidator.
// A nil config selects DefaultConfig.
func NewChainValidator(config *Config) *ChainValidator {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MinRSABits == 0 {
		config.MinRSABits = 2048
	}
	if len(config.RequiredSubjectRDNs) == 0 {
		config.RequiredSubjectRDNs = []asn1.ObjectIdentifier{oidCommonName}
	}
	return &ChainValidator{config: config, clock: clockwork.NewRealClock()}
}

// NewChainValidatorWithClock creates a ChainValidator with an explicit clock.
func NewChainValidatorWithClock(config *Config, clock clockwork.Clock) *ChainValidator {
	v := NewChainValidator(config)
	v.clock = clock
	return v
}

// Validate validates a leaf certificate and an optional chain ordered leaf
// to root. chain may be nil or contain only the leaf; intermediate and root
// certificates extend the integrity and anchor checks. All checks run; the
// Result reports each outcome.
func (v *ChainValidator) Validate(leaf *x509.Certificate, chain []*x509.Certificate) (*Result, error) {
	if leaf == nil {
		return nil, ErrNoCertificate
	}
	if len(chain) == 0 || !bytes.Equal(chain[0].Raw, leaf.Raw) {
		chain = append([]*x509.Certificate{leaf}, chain...)
	}

	res := &Result{Facts: ExtractFacts(leaf, v.clock)}

	v.checkTemporal(leaf, res)
	v.checkKeyStrength(leaf, res)
	v.checkKeyUsage(leaf, res)
	v.checkChainIntegrity(chain, res)
	v.checkPolicy(leaf, res)
	v.checkAnchor(chain, res)
	v.checkSubject(leaf, res)

	return res, nil
}

func (v *ChainValidator) checkTemporal(leaf *x509.Certificate, res *Result) {
	now := v.clock.Now()
	res.NotExpired = !now.After(leaf.NotAfter)
	notYetValid := now.Before(leaf.NotBefore)
	res.TimeValid = res.NotExpired && !notYetValid

	if !res.NotExpired {
		res.Errors = append(res.Errors, fmt.Errorf("%w: notAfter %s",
			ErrCertificateExpired, leaf.NotAfter.Format(time.RFC3339)))
	}
	if notYetValid {
		res.Errors = append(res.Errors, fmt.Errorf("%w: notBefore %s",
			ErrCertificateNotYetValid, leaf.NotBefore.Format(time.RFC3339)))
	}
}

func (v *ChainValidator) checkKeyStrength(leaf *x509.Certificate, res *Result) {
	switch key := leaf.PublicKey.(type) {
	case *rsa.PublicKey:
		bits := key.N.BitLen()
		res.KeyLengthValid = bits >= v.config.MinRSABits
		if !res.KeyLengthValid {
			res.Errors = append(res.Errors, fmt.Errorf("%w: RSA %d bits, need %d",
				ErrWeakKey, bits, v.config.MinRSABits))
		}
	case *ecdsa.PublicKey:
		bits := key.Curve.Params().BitSize
		res.KeyLengthValid = bits >= 256
		if !res.KeyLengthValid {
			res.Errors = append(res.Errors, fmt.Errorf("%w: ECDSA %d bits, need 256", ErrWeakKey, bits))
		}
	default:
		res.KeyLengthValid = false
		res.Errors = append(res.Errors, fmt.Errorf("%w: unsupported key type %T", ErrWeakKey, leaf.PublicKey))
	}
}

func (v *ChainValidator) checkKeyUsage(leaf *x509.Certificate, res *Result) {
	// The digitalSignature bit must be present. A usage set restricted to
	// encipherment is a hard failure, not a warning.
	if leaf.KeyUsage == 0 {
		// No key usage extension at all.
		res.KeyUsageValid = false
		res.Errors = append(res.Errors, fmt.Errorf("%w: key usage extension absent", ErrKeyUsage))
		return
	}
	res.KeyUsageValid = leaf.KeyUsage&x509.KeyUsageDigitalSignature != 0
	if !res.KeyUsageValid {
		res.Errors = append(res.Errors, fmt.Errorf("%w: usage %s", ErrKeyUsage, describeKeyUsage(leaf.KeyUsage)))
	}
}

func (v *ChainValidator) checkChainIntegrity(chain []*x509.Certificate, res *Result) {
	res.ChainValid = true
	for i := 0; i < len(chain)-1; i++ {
		child, issuer := chain[i], chain[i+1]
		if err := child.CheckSignatureFrom(issuer); err != nil {
			res.ChainValid = false
			res.Errors = append(res.Errors, fmt.Errorf("%w: link %d (%s) not signed by %s: %v",
				ErrBrokenChain, i, child.Subject.CommonName, issuer.Subject.CommonName, err))
		}
	}
	if len(chain) == 1 && !isSelfSigned(chain[0]) {
		// Lone non-self-signed leaf: intra-chain consistency is vacuous.
		return
	}
	if len(chain) >= 1 && isSelfSigned(chain[len(chain)-1]) {
		root := chain[len(chain)-1]
		if err := root.CheckSignature(root.SignatureAlgorithm, root.RawTBSCertificate, root.Signature); err != nil {
			res.ChainValid = false
			res.Errors = append(res.Errors, fmt.Errorf("%w: self-signed root signature invalid: %v", ErrBrokenChain, err))
		}
	}
}

func (v *ChainValidator) checkPolicy(leaf *x509.Certificate, res *Result) {
	if len(v.config.RequiredPolicyOIDs) == 0 {
		res.PolicyValid = true
		return
	}
	present := make(map[string]bool, len(leaf.PolicyIdentifiers))
	for _, oid := range leaf.PolicyIdentifiers {
		present[oid.String()] = true
	}
	for _, want := range v.config.RequiredPolicyOIDs {
		if present[want] {
			res.PolicyValid = true
			return
		}
	}
	res.PolicyValid = false
	res.Errors = append(res.Errors, fmt.Errorf("%w: want one of %s",
		ErrPolicyMissing, strings.Join(v.config.RequiredPolicyOIDs, ", ")))
}

func (v *ChainValidator) checkAnchor(chain []*x509.Certificate, res *Result) {
	if len(v.config.TrustAnchors) == 0 {
		// No anchor set supplied: anchor matching is a separate optional
		// stage; intra-chain consistency was checked above.
		res.AnchorValid = true
		return
	}
	top := chain[len(chain)-1]
	for _, anchor := range v.config.TrustAnchors {
		if bytes.Equal(anchor.Raw, top.Raw) {
			res.AnchorValid = true
			return
		}
		// The chain may stop one short of the root: accept a top link
		// issued directly by an anchor.
		if err := top.CheckSignatureFrom(anchor); err == nil {
			res.AnchorValid = true
			return
		}
	}
	res.AnchorValid = false
	res.Errors = append(res.Errors, fmt.Errorf("%w: chain terminates at %q",
		ErrNoTrustAnchor, top.Subject.String()))
}

func (v *ChainValidator) checkSubject(leaf *x509.Certificate, res *Result) {
	res.SubjectValid = true
	for _, required := range v.config.RequiredSubjectRDNs {
		if !dnHasAttribute(leaf.Subject, required) {
			res.SubjectValid = false
			res.Errors = append(res.Errors, fmt.Errorf("%w: subject missing attribute %s",
				ErrDegenerateSubject, required.String()))
		}
	}
	if len(leaf.Issuer.Names) == 0 {
		res.SubjectValid = false
		res.Errors = append(res.Errors, fmt.Errorf("%w: empty issuer DN", ErrDegenerateSubject))
	}
}

// dnHasAttribute reports whether the DN carries the attribute type at all.
// A present-but-blank value is acceptable.
func dnHasAttribute(name pkix.Name, oid asn1.ObjectIdentifier) bool {
	for _, atv := range name.Names {
		if atv.Type.Equal(oid) {
			return true
		}
	}
	return false
}

func isSelfSigned(cert *x509.Certificate) bool {
	return bytes.Equal(cert.RawSubject, cert.RawIssuer)
}

func describeKeyUsage(ku x509.KeyUsage) string {
	var parts []string
	usages := []struct {
		bit  x509.KeyUsage
		name string
	}{
		{x509.KeyUsageDigitalSignature, "digitalSignature"},
		{x509.KeyUsageContentCommitment, "contentCommitment"},
		{x509.KeyUsageKeyEncipherment, "keyEncipherment"},
		{x509.KeyUsageDataEncipherment, "dataEncipherment"},
		{x509.KeyUsageKeyAgreement, "keyAgreement"},
		{x509.KeyUsageCertSign, "certSign"},
		{x509.KeyUsageCRLSign, "crlSign"},
		{x509.KeyUsageEncipherOnly, "encipherOnly"},
		{x509.KeyUsageDecipherOnly, "decipherOnly"},
	}
	for _, u := range usages {
		if ku&u.bit != 0 {
			parts = append(parts, u.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}
