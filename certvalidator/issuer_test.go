package certvalidator

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestIssuerResolveSelfIssued(t *testing.T) {
	ca := newTestCA(t, "Self Issued Root")

	issuer, err := NewIssuerResolver(nil).Resolve(context.Background(), ca.cert)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if issuer != ca.cert {
		t.Error("self-issued certificate did not resolve to itself")
	}
}

func TestIssuerResolveFromCandidates(t *testing.T) {
	ca := newTestCA(t, "Issuing CA")
	leaf, _ := ca.issueLeaf(t, defaultLeafOptions())

	resolver := NewIssuerResolver(&IssuerResolverConfig{
		Candidates: []*x509.Certificate{ca.cert},
	})
	issuer, err := resolver.Resolve(context.Background(), leaf)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if issuer != ca.cert {
		t.Error("issuer not taken from the candidate list")
	}
}

func TestIssuerResolveViaAIA(t *testing.T) {
	ca := newTestCA(t, "Issuing CA")

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(ca.cert.Raw)
	}))
	defer server.Close()

	opts := defaultLeafOptions()
	opts.aiaIssuers = []string{server.URL}
	leaf, _ := ca.issueLeaf(t, opts)

	resolver := NewIssuerResolver(nil)
	issuer, err := resolver.Resolve(context.Background(), leaf)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !issuer.Equal(ca.cert) {
		t.Error("AIA fetch returned the wrong certificate")
	}

	// The resolved issuer is cached per leaf.
	if _, err := resolver.Resolve(context.Background(), leaf); err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("caIssuers endpoint hit %d times, want 1", got)
	}
}

func TestIssuerResolveAcceptsPEMPayload(t *testing.T) {
	ca := newTestCA(t, "Issuing CA")

	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.cert.Raw})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(pemBytes)
	}))
	defer server.Close()

	opts := defaultLeafOptions()
	opts.aiaIssuers = []string{server.URL}
	leaf, _ := ca.issueLeaf(t, opts)

	issuer, err := NewIssuerResolver(nil).Resolve(context.Background(), leaf)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !issuer.Equal(ca.cert) {
		t.Error("PEM caIssuers payload not accepted")
	}
}

func TestIssuerResolveRejectsForeignIssuer(t *testing.T) {
	ca := newTestCA(t, "Issuing CA")
	other := newTestCA(t, "Unrelated CA")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(other.cert.Raw)
	}))
	defer server.Close()

	opts := defaultLeafOptions()
	opts.aiaIssuers = []string{server.URL}
	leaf, _ := ca.issueLeaf(t, opts)

	_, err := NewIssuerResolver(nil).Resolve(context.Background(), leaf)
	if !errors.Is(err, ErrIssuerNotFound) {
		t.Fatalf("Resolve = %v, want ErrIssuerNotFound", err)
	}
}

func TestIssuerResolveNothingToTry(t *testing.T) {
	ca := newTestCA(t, "Issuing CA")
	leaf, _ := ca.issueLeaf(t, defaultLeafOptions())

	_, err := NewIssuerResolver(nil).Resolve(context.Background(), leaf)
	if !errors.Is(err, ErrIssuerNotFound) {
		t.Fatalf("Resolve = %v, want ErrIssuerNotFound", err)
	}
}
