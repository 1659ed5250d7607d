package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

func newTestCert(t *testing.T, cn string, selfSigned bool, parent *x509.Certificate, parentKey *rsa.PrivateKey) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName:   cn,
			Organization: []string{"Test Org"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	signer := template
	signerKey := key
	if !selfSigned && parent != nil {
		signer = parent
		signerKey = parentKey
	}
	der, err := x509.CreateCertificate(rand.Reader, template, signer, &key.PublicKey, signerKey)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}
	return cert, key
}

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func pemEncode(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

func TestIsPEM(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected bool
	}{
		{"PEM data", []byte("-----BEGIN CERTIFICATE-----\ndata\n-----END CERTIFICATE-----"), true},
		{"DER data", []byte{0x30, 0x82, 0x01, 0x22}, false},
		{"Empty", []byte{}, false},
		{"Short data", []byte("----"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := isPEM(tt.data)
			if result != tt.expected {
				t.Errorf("isPEM() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestLoadCertsFromPemDerData_PEM(t *testing.T) {
	cert, _ := newTestCert(t, "Test Cert", true, nil, nil)

	certs, err := LoadCertsFromPemDerData(pemEncode(cert))
	if err != nil {
		t.Fatalf("LoadCertsFromPemDerData failed: %v", err)
	}
	if len(certs) != 1 {
		t.Errorf("Expected 1 cert, got %d", len(certs))
	}
	if certs[0].Subject.CommonName != "Test Cert" {
		t.Errorf("Expected CommonName 'Test Cert', got '%s'", certs[0].Subject.CommonName)
	}
}

func TestLoadCertsFromPemDerData_MultiplePEM(t *testing.T) {
	first, _ := newTestCert(t, "First", true, nil, nil)
	second, _ := newTestCert(t, "Second", true, nil, nil)

	data := append(pemEncode(first), pemEncode(second)...)
	certs, err := LoadCertsFromPemDerData(data)
	if err != nil {
		t.Fatalf("LoadCertsFromPemDerData failed: %v", err)
	}
	if len(certs) != 2 {
		t.Fatalf("Expected 2 certs, got %d", len(certs))
	}
}

func TestLoadCertsFromPemDerData_DER(t *testing.T) {
	cert, _ := newTestCert(t, "DER Cert", true, nil, nil)

	certs, err := LoadCertsFromPemDerData(cert.Raw)
	if err != nil {
		t.Fatalf("LoadCertsFromPemDerData failed: %v", err)
	}
	if len(certs) != 1 || certs[0].Subject.CommonName != "DER Cert" {
		t.Errorf("Unexpected result: %d certs", len(certs))
	}
}

func TestLoadCertsFromPemDerData_Garbage(t *testing.T) {
	if _, err := LoadCertsFromPemDerData([]byte{0x01, 0x02, 0x03, 0x04}); err == nil {
		t.Error("Expected an error for garbage input")
	}
}

func TestLoadCertsFromPemDerData_NoCertBlocks(t *testing.T) {
	data := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: []byte{0x01}})
	if _, err := LoadCertsFromPemDerData(data); !errors.Is(err, ErrNoCertFound) {
		t.Errorf("Expected ErrNoCertFound, got %v", err)
	}
}

func TestLoadCertFromPemDer_RejectsBundle(t *testing.T) {
	first, _ := newTestCert(t, "First", true, nil, nil)
	second, _ := newTestCert(t, "Second", true, nil, nil)
	path := writeTempFile(t, "bundle.pem", append(pemEncode(first), pemEncode(second)...))

	if _, err := LoadCertFromPemDer(path); !errors.Is(err, ErrMultipleCerts) {
		t.Errorf("Expected ErrMultipleCerts, got %v", err)
	}
}

func TestLoadTruststorePKCS12(t *testing.T) {
	anchor, _ := newTestCert(t, "Trust Anchor", true, nil, nil)
	data, err := pkcs12.Modern.EncodeTrustStore([]*x509.Certificate{anchor}, "changeit")
	if err != nil {
		t.Fatalf("Failed to encode truststore: %v", err)
	}
	path := writeTempFile(t, "truststore.p12", data)

	certs, err := LoadTruststorePKCS12(path, "changeit")
	if err != nil {
		t.Fatalf("LoadTruststorePKCS12 failed: %v", err)
	}
	if len(certs) != 1 || certs[0].Subject.CommonName != "Trust Anchor" {
		t.Errorf("Unexpected truststore content: %d certs", len(certs))
	}
}

func TestLoadTruststorePKCS12_WrongPassword(t *testing.T) {
	anchor, _ := newTestCert(t, "Trust Anchor", true, nil, nil)
	data, err := pkcs12.Modern.EncodeTrustStore([]*x509.Certificate{anchor}, "changeit")
	if err != nil {
		t.Fatalf("Failed to encode truststore: %v", err)
	}
	path := writeTempFile(t, "truststore.p12", data)

	if _, err := LoadTruststorePKCS12(path, "wrong"); !errors.Is(err, ErrTruststore) {
		t.Errorf("Expected ErrTruststore, got %v", err)
	}
}

func TestLoadTrustStoreCombined(t *testing.T) {
	pemAnchor, _ := newTestCert(t, "PEM Anchor", true, nil, nil)
	p12Anchor, _ := newTestCert(t, "P12 Anchor", true, nil, nil)

	pemPath := writeTempFile(t, "anchor.pem", pemEncode(pemAnchor))
	p12Data, err := pkcs12.Modern.EncodeTrustStore([]*x509.Certificate{p12Anchor}, "changeit")
	if err != nil {
		t.Fatalf("Failed to encode truststore: %v", err)
	}
	p12Path := writeTempFile(t, "truststore.p12", p12Data)

	store, err := LoadTrustStore([]string{pemPath}, p12Path, "changeit")
	if err != nil {
		t.Fatalf("LoadTrustStore failed: %v", err)
	}
	if len(store.Anchors) != 2 {
		t.Fatalf("Expected 2 anchors, got %d", len(store.Anchors))
	}
	if store.Pool() == nil {
		t.Error("Pool returned nil")
	}
}

func TestLoadTrustStoreEmpty(t *testing.T) {
	store, err := LoadTrustStore(nil, "", "")
	if err != nil {
		t.Fatalf("LoadTrustStore failed: %v", err)
	}
	if len(store.Anchors) != 0 {
		t.Errorf("Expected empty store, got %d anchors", len(store.Anchors))
	}
}

func TestLoadCertificateChain(t *testing.T) {
	root, rootKey := newTestCert(t, "Root", true, nil, nil)
	intermediate, intKey := newTestCert(t, "Intermediate", false, root, rootKey)
	leaf, _ := newTestCert(t, "Leaf", false, intermediate, intKey)

	leafPath := writeTempFile(t, "leaf.pem", pemEncode(leaf))
	chainPath := writeTempFile(t, "chain.pem", append(pemEncode(intermediate), pemEncode(root)...))

	chain, err := LoadCertificateChain([]string{leafPath, chainPath})
	if err != nil {
		t.Fatalf("LoadCertificateChain failed: %v", err)
	}
	if chain.EndEntity.Subject.CommonName != "Leaf" {
		t.Errorf("EndEntity = %q", chain.EndEntity.Subject.CommonName)
	}
	if len(chain.Intermediates) != 1 || chain.Intermediates[0].Subject.CommonName != "Intermediate" {
		t.Errorf("Intermediates = %d", len(chain.Intermediates))
	}
	if chain.Root == nil || chain.Root.Subject.CommonName != "Root" {
		t.Error("Root not detected")
	}
	if got := len(chain.Certificates()); got != 3 {
		t.Errorf("Certificates() length = %d, want 3", got)
	}
}
