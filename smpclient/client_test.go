package smpclient

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testEndpointCert(t *testing.T) *x509.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "POP000123"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing certificate: %v", err)
	}
	return cert
}

func sampleMetadata(cert *x509.Certificate) string {
	certB64 := base64.StdEncoding.EncodeToString(cert.Raw)
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<SignedServiceMetadata xmlns="http://busdox.org/serviceMetadata/publishing/1.0/">
  <ServiceMetadata>
    <ServiceInformation>
      <ParticipantIdentifier scheme="iso6523-actorid-upis">9915:test</ParticipantIdentifier>
      <DocumentIdentifier scheme="busdox-docid-qns">urn:oasis:names:specification:ubl:schema:xsd:Invoice-2</DocumentIdentifier>
      <ProcessList>
        <Process>
          <ProcessIdentifier scheme="cenbii-procid-ubl">urn:fdc:peppol.eu:2017:poacc:billing:01:1.0</ProcessIdentifier>
          <ServiceEndpointList>
            <Endpoint transportProfile="peppol-transport-as4-v2_0">
              <EndpointReference xmlns:wsa="http://www.w3.org/2005/08/addressing">
                <wsa:Address>https://ap.example.com/as4</wsa:Address>
              </EndpointReference>
              <ServiceActivationDate>2024-01-01T00:00:00Z</ServiceActivationDate>
              <ServiceExpirationDate>2030-12-31T23:59:59Z</ServiceExpirationDate>
              <Certificate>%s</Certificate>
            </Endpoint>
          </ServiceEndpointList>
        </Process>
        <Process>
          <ProcessIdentifier scheme="cenbii-procid-ubl">urn:fdc:peppol.eu:2017:poacc:ordering:01:1.0</ProcessIdentifier>
          <ServiceEndpointList>
            <Endpoint transportProfile="peppol-transport-as4-v1_0">
              <EndpointReference xmlns:wsa="http://www.w3.org/2005/08/addressing">
                <wsa:Address>https://ap.example.com/as4-ordering</wsa:Address>
              </EndpointReference>
              <Certificate>%s</Certificate>
            </Endpoint>
          </ServiceEndpointList>
        </Process>
      </ProcessList>
    </ServiceInformation>
  </ServiceMetadata>
  <ds:Signature xmlns:ds="http://www.w3.org/2000/09/xmldsig#">
    <ds:SignedInfo>
      <ds:CanonicalizationMethod Algorithm="http://www.w3.org/TR/2001/REC-xml-c14n-20010315"/>
      <ds:SignatureMethod Algorithm="http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"/>
    </ds:SignedInfo>
    <ds:SignatureValue>AAAA</ds:SignatureValue>
  </ds:Signature>
</SignedServiceMetadata>`, certB64, certB64)
}

func TestServiceURL(t *testing.T) {
	cases := []struct {
		name        string
		directory   string
		participant string
		docType     string
		want        string
	}{
		{
			name:        "plain identifiers",
			directory:   "https://smp.example.com",
			participant: "iso6523-actorid-upis::9915:test",
			docType:     "busdox-docid-qns::urn:invoice",
			want:        "https://smp.example.com/iso6523-actorid-upis::9915:test/services/busdox-docid-qns::urn:invoice",
		},
		{
			name:        "trailing slash trimmed",
			directory:   "https://smp.example.com/",
			participant: "iso6523-actorid-upis::9915:test",
			docType:     "busdox-docid-qns::urn:invoice",
			want:        "https://smp.example.com/iso6523-actorid-upis::9915:test/services/busdox-docid-qns::urn:invoice",
		},
		{
			name:        "hash in document type escaped",
			directory:   "https://smp.example.com",
			participant: "iso6523-actorid-upis::9915:test",
			docType:     "doc##fragment",
			want:        "https://smp.example.com/iso6523-actorid-upis::9915:test/services/doc%23%23fragment",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ServiceURL(tc.directory, tc.participant, tc.docType); got != tc.want {
				t.Errorf("ServiceURL = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFetchExtractsMetadata(t *testing.T) {
	cert := testEndpointCert(t)
	body := sampleMetadata(cert)

	var gotPath, gotAccept string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(body))
	}))
	defer server.Close()

	client := NewClient(nil)
	result, err := client.Fetch(context.Background(), Request{
		DirectoryURL:   server.URL,
		ParticipantID:  "iso6523-actorid-upis::9915:test",
		DocumentTypeID: "busdox-docid-qns::urn:invoice",
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if gotAccept != "application/xml" {
		t.Errorf("Accept = %q, want application/xml", gotAccept)
	}
	if !strings.Contains(gotPath, "/services/") {
		t.Errorf("request path = %q, want a /services/ segment", gotPath)
	}
	if result.HTTPStatus != http.StatusOK {
		t.Errorf("HTTPStatus = %d, want 200", result.HTTPStatus)
	}
	if result.EndpointURL != "https://ap.example.com/as4" {
		t.Errorf("EndpointURL = %q, want the billing endpoint", result.EndpointURL)
	}
	if result.TransportProfile != "peppol-transport-as4-v2_0" {
		t.Errorf("TransportProfile = %q", result.TransportProfile)
	}
	if result.Certificate == nil || result.Certificate.Subject.CommonName != "POP000123" {
		t.Error("endpoint certificate was not decoded")
	}
	if result.ActivationTime == nil || result.ActivationTime.Year() != 2024 {
		t.Error("activation time was not parsed")
	}
	if result.ExpirationTime == nil || result.ExpirationTime.Year() != 2030 {
		t.Error("expiration time was not parsed")
	}
	if len(result.Processes) != 2 {
		t.Errorf("parsed %d processes, want 2", len(result.Processes))
	}
	if string(result.SignedDocument) != body {
		t.Error("SignedDocument does not hold the verbatim response body")
	}
	if len(result.RawSignatureElement) == 0 {
		t.Error("RawSignatureElement is empty")
	}
}

func TestFetchSelectsRequestedProcess(t *testing.T) {
	cert := testEndpointCert(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleMetadata(cert)))
	}))
	defer server.Close()

	client := NewClient(nil)
	result, err := client.Fetch(context.Background(), Request{
		DirectoryURL:   server.URL,
		ParticipantID:  "iso6523-actorid-upis::9915:test",
		DocumentTypeID: "busdox-docid-qns::urn:invoice",
		ProcessID:      "urn:fdc:peppol.eu:2017:poacc:ordering:01:1.0",
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result.EndpointURL != "https://ap.example.com/as4-ordering" {
		t.Errorf("EndpointURL = %q, want the ordering endpoint", result.EndpointURL)
	}
	if result.TransportProfile != "peppol-transport-as4-v1_0" {
		t.Errorf("TransportProfile = %q", result.TransportProfile)
	}
}

func TestFetchUnknownProcess(t *testing.T) {
	cert := testEndpointCert(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleMetadata(cert)))
	}))
	defer server.Close()

	client := NewClient(nil)
	_, err := client.Fetch(context.Background(), Request{
		DirectoryURL:   server.URL,
		ParticipantID:  "iso6523-actorid-upis::9915:test",
		DocumentTypeID: "busdox-docid-qns::urn:invoice",
		ProcessID:      "urn:no:such:process",
	})
	if !errors.Is(err, ErrProcessNotFound) {
		t.Errorf("Fetch = %v, want ErrProcessNotFound", err)
	}
}

func TestFetchReportsHTTPStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such participant", http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(nil)
	result, err := client.Fetch(context.Background(), Request{
		DirectoryURL:   server.URL,
		ParticipantID:  "iso6523-actorid-upis::9915:absent",
		DocumentTypeID: "busdox-docid-qns::urn:invoice",
	})
	if !errors.Is(err, ErrUnexpectedStatus) {
		t.Fatalf("Fetch = %v, want ErrUnexpectedStatus", err)
	}
	if result == nil || result.HTTPStatus != http.StatusNotFound {
		t.Error("HTTPStatus was not recorded on the failed result")
	}
}

func TestFetchRejectsDoctype(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?><!DOCTYPE foo [<!ENTITY x "y">]><SignedServiceMetadata/>`))
	}))
	defer server.Close()

	client := NewClient(nil)
	_, err := client.Fetch(context.Background(), Request{
		DirectoryURL:   server.URL,
		ParticipantID:  "iso6523-actorid-upis::9915:test",
		DocumentTypeID: "busdox-docid-qns::urn:invoice",
	})
	if err == nil {
		t.Fatal("Fetch accepted a document with a DOCTYPE declaration")
	}
}

func TestFetchRejectsGarbageCertificate(t *testing.T) {
	cert := testEndpointCert(t)
	body := strings.Replace(sampleMetadata(cert),
		base64.StdEncoding.EncodeToString(cert.Raw), "bm90IGEgY2VydA==", 2)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer server.Close()

	client := NewClient(nil)
	_, err := client.Fetch(context.Background(), Request{
		DirectoryURL:   server.URL,
		ParticipantID:  "iso6523-actorid-upis::9915:test",
		DocumentTypeID: "busdox-docid-qns::urn:invoice",
	})
	if !errors.Is(err, ErrMalformedCertificate) {
		t.Errorf("Fetch = %v, want ErrMalformedCertificate", err)
	}
}

func TestFetchNoProcesses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?><SignedServiceMetadata><ServiceMetadata/></SignedServiceMetadata>`))
	}))
	defer server.Close()

	client := NewClient(nil)
	_, err := client.Fetch(context.Background(), Request{
		DirectoryURL:   server.URL,
		ParticipantID:  "iso6523-actorid-upis::9915:test",
		DocumentTypeID: "busdox-docid-qns::urn:invoice",
	})
	if !errors.Is(err, ErrNoEndpoint) {
		t.Errorf("Fetch = %v, want ErrNoEndpoint", err)
	}
}

func TestParseServiceDateFormats(t *testing.T) {
	cases := []struct {
		value string
		ok    bool
	}{
		{"2024-01-01T00:00:00Z", true},
		{"2024-01-01T00:00:00.000+01:00", true},
		{"2024-01-01T00:00:00", true},
		{"2024-01-01", true},
		{"", false},
		{"not a date", false},
	}
	for _, tc := range cases {
		if _, ok := parseServiceDate(tc.value); ok != tc.ok {
			t.Errorf("parseServiceDate(%q) ok = %v, want %v", tc.value, ok, tc.ok)
		}
	}
}
