// Package keys loads trust anchor certificates from PEM, DER and PKCS#12
// truststore files.
package keys

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// Common errors
var (
	ErrNoCertFound     = errors.New("no certificate found in data")
	ErrInvalidPEMBlock = errors.New("invalid PEM block")
	ErrMultipleCerts   = errors.New("expected exactly one certificate")
	ErrTruststore      = errors.New("failed to decode PKCS#12 truststore")
)

// LoadCertFromPemDer loads a single certificate from a PEM or DER encoded file.
func LoadCertFromPemDer(filename string) (*x509.Certificate, error) {
	certs, err := LoadCertsFromPemDer(filename)
	if err != nil {
		return nil, err
	}
	if len(certs) != 1 {
		return nil, fmt.Errorf("%w: found %d certificates in %s", ErrMultipleCerts, len(certs), filename)
	}
	return certs[0], nil
}

// LoadCertsFromPemDer loads certificates from a PEM or DER encoded file.
func LoadCertsFromPemDer(filename string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	return LoadCertsFromPemDerData(data)
}

// LoadCertsFromPemDerData loads certificates from PEM or DER encoded data.
func LoadCertsFromPemDerData(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate

	if isPEM(data) {
		rest := data
		for len(rest) > 0 {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			if block.Type == "CERTIFICATE" {
				cert, err := x509.ParseCertificate(block.Bytes)
				if err != nil {
					return nil, fmt.Errorf("failed to parse certificate: %w", err)
				}
				certs = append(certs, cert)
			}
		}
	} else {
		// DER, either a single certificate or a concatenated bundle.
		cert, err := x509.ParseCertificate(data)
		if err != nil {
			parsedCerts, parseErr := x509.ParseCertificates(data)
			if parseErr != nil {
				return nil, fmt.Errorf("failed to parse DER certificate: %w", err)
			}
			certs = parsedCerts
		} else {
			certs = []*x509.Certificate{cert}
		}
	}

	if len(certs) == 0 {
		return nil, ErrNoCertFound
	}
	return certs, nil
}

// LoadCertsFromPemDerFiles loads certificates from multiple files.
func LoadCertsFromPemDerFiles(filenames []string) ([]*x509.Certificate, error) {
	var allCerts []*x509.Certificate
	for _, filename := range filenames {
		certs, err := LoadCertsFromPemDer(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to load certs from %s: %w", filename, err)
		}
		allCerts = append(allCerts, certs...)
	}
	return allCerts, nil
}

// LoadTruststorePKCS12 loads trust anchor certificates from a PKCS#12
// truststore file, the distribution format used for access point trust
// bundles.
func LoadTruststorePKCS12(filename, password string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	certs, err := pkcs12.DecodeTrustStore(data, password)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTruststore, filename, err)
	}
	if len(certs) == 0 {
		return nil, ErrNoCertFound
	}
	return certs, nil
}

// TrustStore is a set of trust anchors assembled from any mix of PEM, DER
// and PKCS#12 sources.
type TrustStore struct {
	Anchors []*x509.Certificate
}

// LoadTrustStore assembles a trust store. pemDerFiles and the PKCS#12
// truststore are both optional; an empty store is valid and means no anchor
// pinning.
func LoadTrustStore(pemDerFiles []string, p12File, p12Password string) (*TrustStore, error) {
	store := &TrustStore{}
	if len(pemDerFiles) > 0 {
		certs, err := LoadCertsFromPemDerFiles(pemDerFiles)
		if err != nil {
			return nil, err
		}
		store.Anchors = append(store.Anchors, certs...)
	}
	if p12File != "" {
		certs, err := LoadTruststorePKCS12(p12File, p12Password)
		if err != nil {
			return nil, err
		}
		store.Anchors = append(store.Anchors, certs...)
	}
	return store, nil
}

// Pool returns the anchors as an x509.CertPool.
func (s *TrustStore) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	for _, cert := range s.Anchors {
		pool.AddCert(cert)
	}
	return pool
}

// CertificateChain represents a chain of certificates ordered leaf first.
type CertificateChain struct {
	// EndEntity is the end-entity (leaf) certificate.
	EndEntity *x509.Certificate

	// Intermediates are the intermediate certificates.
	Intermediates []*x509.Certificate

	// Root is the root certificate, when the chain carries one.
	Root *x509.Certificate
}

// Certificates returns the full chain leaf first.
func (c *CertificateChain) Certificates() []*x509.Certificate {
	out := []*x509.Certificate{c.EndEntity}
	out = append(out, c.Intermediates...)
	if c.Root != nil {
		out = append(out, c.Root)
	}
	return out
}

// LoadCertificateChain loads a certificate chain from files. The first file
// must contain the end-entity certificate.
func LoadCertificateChain(certFiles []string) (*CertificateChain, error) {
	if len(certFiles) == 0 {
		return nil, errors.New("no certificate files provided")
	}

	allCerts, err := LoadCertsFromPemDerFiles(certFiles)
	if err != nil {
		return nil, err
	}

	chain := &CertificateChain{EndEntity: allCerts[0]}
	if len(allCerts) > 1 {
		chain.Intermediates = allCerts[1:]
		lastCert := allCerts[len(allCerts)-1]
		if isSelfSigned(lastCert) {
			chain.Root = lastCert
			chain.Intermediates = allCerts[1 : len(allCerts)-1]
		}
	}
	return chain, nil
}

// isSelfSigned checks if a certificate is self-signed.
func isSelfSigned(cert *x509.Certificate) bool {
	return cert.Subject.String() == cert.Issuer.String()
}

// isPEM checks if the data appears to be PEM encoded.
func isPEM(data []byte) bool {
	return len(data) > 10 && string(data[:5]) == "-----"
}
