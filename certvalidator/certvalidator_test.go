package certvalidator

import (
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"testing"
	"time"
)

func TestValidateHealthyChain(t *testing.T) {
	ca := newTestCA(t, "Test Root CA")
	leaf, _ := ca.issueLeaf(t, defaultLeafOptions())

	v := NewChainValidator(&Config{TrustAnchors: []*x509.Certificate{ca.cert}})
	res, err := v.Validate(leaf, []*x509.Certificate{leaf, ca.cert})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !res.Valid() {
		t.Fatalf("Valid() = false, errors: %v", res.Errors)
	}
	if len(res.Errors) != 0 {
		t.Errorf("Errors = %v, want none", res.Errors)
	}
}

func TestValidateExpiredCertificate(t *testing.T) {
	ca := newTestCA(t, "Test Root CA")
	opts := defaultLeafOptions()
	opts.notBefore = time.Now().Add(-48 * time.Hour)
	opts.notAfter = time.Now().Add(-24 * time.Hour)
	leaf, _ := ca.issueLeaf(t, opts)

	v := NewChainValidator(nil)
	res, err := v.Validate(leaf, nil)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if res.NotExpired {
		t.Error("NotExpired = true, want false")
	}
	if res.TimeValid {
		t.Error("TimeValid = true, want false")
	}
	if res.Valid() {
		t.Error("Valid() = true, want false")
	}
	if !hasError(res.Errors, ErrCertificateExpired) {
		t.Errorf("Errors = %v, want ErrCertificateExpired", res.Errors)
	}
	// Independent checks still run and pass.
	if !res.KeyLengthValid || !res.KeyUsageValid {
		t.Error("unrelated checks failed for an expired certificate")
	}
}

func TestValidateNotYetValidCertificate(t *testing.T) {
	ca := newTestCA(t, "Test Root CA")
	opts := defaultLeafOptions()
	opts.notBefore = time.Now().Add(24 * time.Hour)
	opts.notAfter = time.Now().Add(48 * time.Hour)
	leaf, _ := ca.issueLeaf(t, opts)

	v := NewChainValidator(nil)
	res, _ := v.Validate(leaf, nil)
	if res.TimeValid {
		t.Error("TimeValid = true, want false")
	}
	if !res.NotExpired {
		t.Error("NotExpired = false, want true")
	}
	if !hasError(res.Errors, ErrCertificateNotYetValid) {
		t.Errorf("Errors = %v, want ErrCertificateNotYetValid", res.Errors)
	}
}

func TestValidateWeakRSAKey(t *testing.T) {
	ca := newTestCA(t, "Test Root CA")
	opts := defaultLeafOptions()
	opts.keyBits = 1024
	leaf, _ := ca.issueLeaf(t, opts)

	v := NewChainValidator(nil)
	res, _ := v.Validate(leaf, nil)
	if res.KeyLengthValid {
		t.Error("KeyLengthValid = true for 1024-bit key, want false")
	}
	if res.Valid() {
		t.Error("Valid() = true, want false")
	}
	if !hasError(res.Errors, ErrWeakKey) {
		t.Errorf("Errors = %v, want ErrWeakKey", res.Errors)
	}
}

func TestValidateKeyUsage(t *testing.T) {
	ca := newTestCA(t, "Test Root CA")

	tests := []struct {
		name  string
		usage x509.KeyUsage
		valid bool
	}{
		{"digital signature", x509.KeyUsageDigitalSignature, true},
		{"signature and encipherment", x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment, true},
		{"encipherment only", x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := defaultLeafOptions()
			opts.keyUsage = tt.usage
			leaf, _ := ca.issueLeaf(t, opts)

			v := NewChainValidator(nil)
			res, _ := v.Validate(leaf, nil)
			if res.KeyUsageValid != tt.valid {
				t.Errorf("KeyUsageValid = %v, want %v", res.KeyUsageValid, tt.valid)
			}
		})
	}
}

func TestValidateBrokenChain(t *testing.T) {
	ca := newTestCA(t, "Test Root CA")
	other := newTestCA(t, "Unrelated CA")
	leaf, _ := ca.issueLeaf(t, defaultLeafOptions())

	v := NewChainValidator(nil)
	// Claim the leaf chains to an authority that never signed it.
	res, _ := v.Validate(leaf, []*x509.Certificate{leaf, other.cert})
	if res.ChainValid {
		t.Error("ChainValid = true for broken chain, want false")
	}
	if !hasError(res.Errors, ErrBrokenChain) {
		t.Errorf("Errors = %v, want ErrBrokenChain", res.Errors)
	}
}

func TestValidatePolicyOIDs(t *testing.T) {
	ca := newTestCA(t, "Test Root CA")
	policyOID := asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 1, 1}

	opts := defaultLeafOptions()
	opts.policies = []asn1.ObjectIdentifier{policyOID}
	withPolicy, _ := ca.issueLeaf(t, opts)
	withoutPolicy, _ := ca.issueLeaf(t, defaultLeafOptions())

	v := NewChainValidator(&Config{RequiredPolicyOIDs: []string{policyOID.String()}})

	res, _ := v.Validate(withPolicy, nil)
	if !res.PolicyValid {
		t.Errorf("PolicyValid = false for certificate carrying the policy, errors: %v", res.Errors)
	}

	res, _ = v.Validate(withoutPolicy, nil)
	if res.PolicyValid {
		t.Error("PolicyValid = true for certificate without the policy")
	}
	if !hasError(res.Errors, ErrPolicyMissing) {
		t.Errorf("Errors = %v, want ErrPolicyMissing", res.Errors)
	}
}

func TestValidateAnchorMatching(t *testing.T) {
	ca := newTestCA(t, "Test Root CA")
	stranger := newTestCA(t, "Stranger CA")
	leaf, _ := ca.issueLeaf(t, defaultLeafOptions())

	trusted := NewChainValidator(&Config{TrustAnchors: []*x509.Certificate{ca.cert}})
	res, _ := trusted.Validate(leaf, []*x509.Certificate{leaf, ca.cert})
	if !res.AnchorValid {
		t.Errorf("AnchorValid = false with matching anchor, errors: %v", res.Errors)
	}

	// Chain stopping short of the root still anchors when the top link is
	// signed by a configured anchor.
	res, _ = trusted.Validate(leaf, nil)
	if !res.AnchorValid {
		t.Errorf("AnchorValid = false for leaf issued by anchor, errors: %v", res.Errors)
	}

	untrusted := NewChainValidator(&Config{TrustAnchors: []*x509.Certificate{stranger.cert}})
	res, _ = untrusted.Validate(leaf, []*x509.Certificate{leaf, ca.cert})
	if res.AnchorValid {
		t.Error("AnchorValid = true with mismatched anchor set")
	}
	if !hasError(res.Errors, ErrNoTrustAnchor) {
		t.Errorf("Errors = %v, want ErrNoTrustAnchor", res.Errors)
	}
}

func TestValidateWithoutAnchorsSkipsAnchorStage(t *testing.T) {
	ca := newTestCA(t, "Test Root CA")
	leaf, _ := ca.issueLeaf(t, defaultLeafOptions())

	v := NewChainValidator(nil)
	res, _ := v.Validate(leaf, []*x509.Certificate{leaf, ca.cert})
	if !res.AnchorValid {
		t.Error("AnchorValid = false without a configured anchor set")
	}
	if !res.ChainValid {
		t.Errorf("ChainValid = false, errors: %v", res.Errors)
	}
}

func TestValidateIdempotent(t *testing.T) {
	ca := newTestCA(t, "Test Root CA")
	leaf, _ := ca.issueLeaf(t, defaultLeafOptions())
	chain := []*x509.Certificate{leaf, ca.cert}

	v := NewChainValidator(&Config{TrustAnchors: []*x509.Certificate{ca.cert}})
	first, _ := v.Validate(leaf, chain)
	second, _ := v.Validate(leaf, chain)

	if first.Valid() != second.Valid() ||
		first.TimeValid != second.TimeValid ||
		first.KeyLengthValid != second.KeyLengthValid ||
		first.KeyUsageValid != second.KeyUsageValid ||
		first.ChainValid != second.ChainValid ||
		first.PolicyValid != second.PolicyValid ||
		first.AnchorValid != second.AnchorValid ||
		first.SubjectValid != second.SubjectValid {
		t.Error("repeated validation with identical inputs produced different results")
	}
}

func TestValidateNilCertificate(t *testing.T) {
	v := NewChainValidator(nil)
	if _, err := v.Validate(nil, nil); !errors.Is(err, ErrNoCertificate) {
		t.Errorf("Validate(nil) error = %v, want ErrNoCertificate", err)
	}
}

func hasError(errs []error, target error) bool {
	for _, err := range errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
