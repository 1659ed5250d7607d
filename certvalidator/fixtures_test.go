package certvalidator

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"
)

// testCA is a self-signed issuing authority for test chains.
type testCA struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

var serialCounter int64 = 1000

func nextSerial() *big.Int {
	serialCounter++
	return big.NewInt(serialCounter)
}

func newTestCA(t *testing.T, cn string) *testCA {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate CA key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"Test Trust Services"}, Country: []string{"BE"}},
		NotBefore:             time.Now().Add(-24 * time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create CA cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse CA cert: %v", err)
	}
	return &testCA{cert: cert, key: key}
}

// leafOptions varies the leaf certificates issued for tests.
type leafOptions struct {
	cn         string
	keyBits    int
	notBefore  time.Time
	notAfter   time.Time
	keyUsage   x509.KeyUsage
	policies   []asn1.ObjectIdentifier
	key        *rsa.PrivateKey
	ocspServer []string
	crlDP      []string
	aiaIssuers []string
}

func defaultLeafOptions() leafOptions {
	return leafOptions{
		cn:        "POP000123",
		keyBits:   2048,
		notBefore: time.Now().Add(-time.Hour),
		notAfter:  time.Now().Add(365 * 24 * time.Hour),
		keyUsage:  x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
}

// policyOIDs converts the asn1 identifiers to the Policies field form,
// which is the one CreateCertificate marshals into certificatePolicies.
func policyOIDs(t *testing.T, oids []asn1.ObjectIdentifier) []x509.OID {
	t.Helper()
	var out []x509.OID
	for _, oid := range oids {
		ints := make([]uint64, len(oid))
		for i, v := range oid {
			ints[i] = uint64(v)
		}
		parsed, err := x509.OIDFromInts(ints)
		if err != nil {
			t.Fatalf("policy oid %v: %v", oid, err)
		}
		out = append(out, parsed)
	}
	return out
}

func (ca *testCA) issueLeaf(t *testing.T, opts leafOptions) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	key := opts.key
	if key == nil {
		var err error
		key, err = rsa.GenerateKey(rand.Reader, opts.keyBits)
		if err != nil {
			t.Fatalf("generate leaf key: %v", err)
		}
	}
	tmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: opts.cn, Organization: []string{"Test Participant"}, Country: []string{"BE"}},
		NotBefore:             opts.notBefore,
		NotAfter:              opts.notAfter,
		KeyUsage:              opts.keyUsage,
		PolicyIdentifiers:     opts.policies,
		Policies:              policyOIDs(t, opts.policies),
		OCSPServer:            opts.ocspServer,
		CRLDistributionPoints: opts.crlDP,
		IssuingCertificateURL: opts.aiaIssuers,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		t.Fatalf("create leaf cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse leaf cert: %v", err)
	}
	return cert, key
}
