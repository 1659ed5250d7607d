package certvalidator

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// CertificateFacts is a read-only description of a certificate used for
// reporting. DaysUntilExpiry is derived from the clock at extraction time.
type CertificateFacts struct {
	Subject               string
	Issuer                string
	SerialNumber          string
	NotBefore             time.Time
	NotAfter              time.Time
	KeyAlgorithm          string
	KeyLengthBits         int
	SignatureAlgorithm    string
	FingerprintSHA1       string
	FingerprintSHA256     string
	KeyUsage              string
	PolicyOIDs            []string
	OCSPServers           []string
	CRLDistributionPoints []string

	cert  *x509.Certificate
	clock clockwork.Clock
}

// ExtractFacts derives CertificateFacts from a parsed certificate.
func ExtractFacts(cert *x509.Certificate, clock clockwork.Clock) *CertificateFacts {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	sha1Sum := sha1.Sum(cert.Raw)
	sha256Sum := sha256.Sum256(cert.Raw)

	keyAlg, keyBits := describePublicKey(cert)

	policies := make([]string, 0, len(cert.PolicyIdentifiers))
	for _, oid := range cert.PolicyIdentifiers {
		policies = append(policies, oid.String())
	}

	return &CertificateFacts{
		Subject:               cert.Subject.String(),
		Issuer:                cert.Issuer.String(),
		SerialNumber:          cert.SerialNumber.String(),
		NotBefore:             cert.NotBefore,
		NotAfter:              cert.NotAfter,
		KeyAlgorithm:          keyAlg,
		KeyLengthBits:         keyBits,
		SignatureAlgorithm:    cert.SignatureAlgorithm.String(),
		FingerprintSHA1:       hex.EncodeToString(sha1Sum[:]),
		FingerprintSHA256:     hex.EncodeToString(sha256Sum[:]),
		KeyUsage:              describeKeyUsage(cert.KeyUsage),
		PolicyOIDs:            policies,
		OCSPServers:           append([]string(nil), cert.OCSPServer...),
		CRLDistributionPoints: append([]string(nil), cert.CRLDistributionPoints...),
		cert:                  cert,
		clock:                 clock,
	}
}

// DaysUntilExpiry returns whole days until NotAfter, negative once expired.
// Recomputed on every read.
func (f *CertificateFacts) DaysUntilExpiry() int {
	return int(f.NotAfter.Sub(f.clock.Now()).Hours() / 24)
}

// Certificate returns the underlying parsed certificate.
func (f *CertificateFacts) Certificate() *x509.Certificate {
	return f.cert
}

// PEM renders the certificate in PEM encoding.
func (f *CertificateFacts) PEM() string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: f.cert.Raw}))
}

func describePublicKey(cert *x509.Certificate) (alg string, bits int) {
	switch key := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		return "RSA", key.N.BitLen()
	case *ecdsa.PublicKey:
		return fmt.Sprintf("ECDSA %s", key.Curve.Params().Name), key.Curve.Params().BitSize
	default:
		return cert.PublicKeyAlgorithm.String(), 0
	}
}

// MatchLevel describes how two certificates relate.
type MatchLevel int

const (
	// MatchExact means byte-identical certificates.
	MatchExact MatchLevel = iota
	// MatchPublicKey means different certificates carrying the same key.
	MatchPublicKey
	// MatchSubjectKeyMismatch means the same subject DN presents a
	// different public key, the signature of a substitution rather than a
	// misconfiguration. Callers must treat this as higher severity than a
	// plain mismatch.
	MatchSubjectKeyMismatch
	// MatchNone means the certificates are unrelated.
	MatchNone
)

// String returns a human-readable representation of the match level.
func (m MatchLevel) String() string {
	switch m {
	case MatchExact:
		return "exact"
	case MatchPublicKey:
		return "public-key"
	case MatchSubjectKeyMismatch:
		return "subject-key-mismatch"
	default:
		return "none"
	}
}

// Compare determines the relation between an expected and a presented
// certificate, in decreasing order of trust.
func Compare(expected, presented *x509.Certificate) MatchLevel {
	if expected == nil || presented == nil {
		return MatchNone
	}
	if bytes.Equal(expected.Raw, presented.Raw) {
		return MatchExact
	}
	if bytes.Equal(expected.RawSubjectPublicKeyInfo, presented.RawSubjectPublicKeyInfo) {
		return MatchPublicKey
	}
	if bytes.Equal(expected.RawSubject, presented.RawSubject) {
		return MatchSubjectKeyMismatch
	}
	return MatchNone
}
