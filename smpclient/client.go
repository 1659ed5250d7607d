// Package smpclient retrieves signed service metadata from a participant's
// directory service. The response body is kept verbatim: the enveloped
// signature covers the exact bytes served, so the document must never be
// re-serialized before signature checking.
package smpclient

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/georgepadayatti/gopeppol/certvalidator/fetchers"
	"github.com/georgepadayatti/gopeppol/securexml"
)

// Common errors
var (
	ErrUnexpectedStatus     = errors.New("directory service returned unexpected status")
	ErrMalformedMetadata    = errors.New("malformed service metadata")
	ErrNoEndpoint           = errors.New("metadata names no endpoint")
	ErrProcessNotFound      = errors.New("requested process not present in metadata")
	ErrMalformedCertificate = errors.New("metadata certificate cannot be decoded")
)

// Config configures a metadata client.
type Config struct {
	// Timeout is the per-request budget. Default: 30 seconds.
	Timeout time.Duration

	// UserAgent is sent on every request.
	UserAgent string

	// XMLLimits bounds response parsing. Nil selects securexml defaults.
	XMLLimits *securexml.Limits

	// HTTPClient overrides the client. Nil builds one from Timeout with
	// connection reuse across requests.
	HTTPClient *http.Client

	// Clock is the time source for query timing. Defaults to the real
	// clock.
	Clock clockwork.Clock

	// Logger receives per-query debug output. Defaults to a disabled
	// logger.
	Logger zerolog.Logger
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *Config {
	return &Config{
		Timeout:   30 * time.Second,
		UserAgent: "gopeppol/1.0",
		Logger:    zerolog.Nop(),
	}
}

// Endpoint is one transport endpoint advertised for a process.
type Endpoint struct {
	// URL is the delivery address.
	URL string
	// TransportProfile identifies the protocol the endpoint speaks.
	TransportProfile string
	// CertificateDER is the endpoint certificate as decoded DER bytes.
	CertificateDER []byte
	// Certificate is the parsed form of CertificateDER.
	Certificate *x509.Certificate
	// ActivationTime is when the service becomes usable, if stated.
	ActivationTime *time.Time
	// ExpirationTime is when the service stops being usable, if stated.
	ExpirationTime *time.Time
}

// Process groups the endpoints advertised for one process identifier.
type Process struct {
	// ID is the process identifier value.
	ID string
	// Scheme is the process identifier scheme, if stated.
	Scheme string
	// Endpoints are the transport endpoints for this process.
	Endpoints []Endpoint
}

// MetadataResult is the outcome of one metadata query. The selected
// endpoint's fields are lifted to the top level; every advertised process
// remains available under Processes.
type MetadataResult struct {
	// EndpointURL is the selected endpoint's delivery address.
	EndpointURL string
	// TransportProfile is the selected endpoint's transport profile.
	TransportProfile string
	// CertificateDER is the selected endpoint's certificate DER.
	CertificateDER []byte
	// Certificate is the parsed endpoint certificate.
	Certificate *x509.Certificate
	// ActivationTime is the selected endpoint's activation time.
	ActivationTime *time.Time
	// ExpirationTime is the selected endpoint's expiration time.
	ExpirationTime *time.Time
	// Processes holds every process advertised in the metadata.
	Processes []Process
	// SignedDocument is the response body exactly as received.
	SignedDocument []byte
	// RawSignatureElement is the re-serialized signature subtree, kept
	// for diagnostics. Signature verification must use SignedDocument.
	RawSignatureElement []byte
	// HTTPStatus is the response status code.
	HTTPStatus int
	// QueryDuration is how long the query took.
	QueryDuration time.Duration
}

// Request identifies the metadata to fetch.
type Request struct {
	// DirectoryURL is the participant's directory service base URL.
	DirectoryURL string
	// ParticipantID is the full participant identifier.
	ParticipantID string
	// DocumentTypeID is the document type identifier.
	DocumentTypeID string
	// ProcessID selects the process whose endpoint is lifted into the
	// result. Empty selects the first advertised endpoint.
	ProcessID string
}

// Client queries directory services for signed service metadata.
type Client struct {
	config *Config
	client *http.Client
	reader *securexml.Reader
	clock  clockwork.Clock
	logger zerolog.Logger
}

// NewClient creates a metadata client. A nil config selects defaults.
func NewClient(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	client := config.HTTPClient
	if client == nil {
		client = fetchers.NewSecureHTTPClient(config.Timeout)
	}
	clock := config.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Client{
		config: config,
		client: client,
		reader: securexml.NewReader(config.XMLLimits),
		clock:  clock,
		logger: config.Logger,
	}
}

// ServiceURL builds the metadata query URL for a participant and document
// type, percent-encoding both identifiers.
func ServiceURL(directoryURL, participantID, documentTypeID string) string {
	return fmt.Sprintf("%s/%s/services/%s",
		strings.TrimSuffix(directoryURL, "/"),
		url.PathEscape(participantID),
		url.PathEscape(documentTypeID))
}

// Fetch retrieves and parses the service metadata for req.
func (c *Client) Fetch(ctx context.Context, req Request) (*MetadataResult, error) {
	queryURL := ServiceURL(req.DirectoryURL, req.ParticipantID, req.DocumentTypeID)
	start := c.clock.Now()

	c.logger.Debug().Str("url", queryURL).Msg("querying service metadata")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, queryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMetadata, err)
	}
	httpReq.Header.Set("Accept", "application/xml")
	httpReq.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	result := &MetadataResult{HTTPStatus: resp.StatusCode}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		result.QueryDuration = c.clock.Since(start)
		return result, fmt.Errorf("%w: HTTP %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	doc, raw, err := c.reader.Parse(ctx, resp.Body)
	if err != nil {
		result.QueryDuration = c.clock.Since(start)
		return result, err
	}
	result.SignedDocument = raw

	if err := c.extract(doc, req.ProcessID, result); err != nil {
		result.QueryDuration = c.clock.Since(start)
		return result, err
	}
	result.QueryDuration = c.clock.Since(start)

	c.logger.Debug().
		Str("endpoint", result.EndpointURL).
		Str("transport_profile", result.TransportProfile).
		Dur("duration", result.QueryDuration).
		Msg("service metadata retrieved")
	return result, nil
}

// extract pulls the process list, endpoints and signature subtree out of
// the parsed document and selects the endpoint for processID.
func (c *Client) extract(doc *etree.Document, processID string, result *MetadataResult) error {
	root := doc.Root()
	if root == nil {
		return fmt.Errorf("%w: empty document", ErrMalformedMetadata)
	}

	if sig := findFirst(root, "Signature"); sig != nil {
		sigDoc := etree.NewDocument()
		sigDoc.SetRoot(sig.Copy())
		if data, err := sigDoc.WriteToBytes(); err == nil {
			result.RawSignatureElement = data
		}
	}

	for _, procElem := range findAll(root, "Process") {
		proc := Process{}
		if id := findFirst(procElem, "ProcessIdentifier"); id != nil {
			proc.ID = strings.TrimSpace(id.Text())
			proc.Scheme = id.SelectAttrValue("scheme", "")
		}
		for _, epElem := range findAll(procElem, "Endpoint") {
			ep, err := parseEndpoint(epElem)
			if err != nil {
				return err
			}
			proc.Endpoints = append(proc.Endpoints, ep)
		}
		result.Processes = append(result.Processes, proc)
	}
	if len(result.Processes) == 0 {
		return fmt.Errorf("%w: no Process elements", ErrNoEndpoint)
	}

	selected, err := selectEndpoint(result.Processes, processID)
	if err != nil {
		return err
	}
	result.EndpointURL = selected.URL
	result.TransportProfile = selected.TransportProfile
	result.CertificateDER = selected.CertificateDER
	result.Certificate = selected.Certificate
	result.ActivationTime = selected.ActivationTime
	result.ExpirationTime = selected.ExpirationTime
	return nil
}

// parseEndpoint reads one Endpoint element. The endpoint address appears as
// a wsa:Address inside an EndpointReference in older metadata and as an
// EndpointURI in newer metadata; both are accepted.
func parseEndpoint(elem *etree.Element) (Endpoint, error) {
	ep := Endpoint{
		TransportProfile: elem.SelectAttrValue("transportProfile", ""),
	}

	if addr := findFirst(elem, "Address"); addr != nil {
		ep.URL = strings.TrimSpace(addr.Text())
	} else if uri := findFirst(elem, "EndpointURI"); uri != nil {
		ep.URL = strings.TrimSpace(uri.Text())
	}
	if ep.URL == "" {
		return ep, fmt.Errorf("%w: Endpoint without address", ErrNoEndpoint)
	}

	if certElem := findFirst(elem, "Certificate"); certElem != nil {
		der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(certElem.Text()), ""))
		if err != nil {
			return ep, fmt.Errorf("%w: %v", ErrMalformedCertificate, err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return ep, fmt.Errorf("%w: %v", ErrMalformedCertificate, err)
		}
		ep.CertificateDER = der
		ep.Certificate = cert
	}

	if t, ok := parseServiceDate(findText(elem, "ServiceActivationDate")); ok {
		ep.ActivationTime = &t
	}
	if t, ok := parseServiceDate(findText(elem, "ServiceExpirationDate")); ok {
		ep.ExpirationTime = &t
	}
	return ep, nil
}

// selectEndpoint picks the first endpoint of the process matching
// processID, or the first endpoint of the first process when no process is
// requested.
func selectEndpoint(processes []Process, processID string) (*Endpoint, error) {
	if processID == "" {
		for i := range processes {
			if len(processes[i].Endpoints) > 0 {
				return &processes[i].Endpoints[0], nil
			}
		}
		return nil, ErrNoEndpoint
	}
	for i := range processes {
		if processes[i].ID != processID {
			continue
		}
		if len(processes[i].Endpoints) == 0 {
			return nil, fmt.Errorf("%w: process %q has no endpoints", ErrNoEndpoint, processID)
		}
		return &processes[i].Endpoints[0], nil
	}
	return nil, fmt.Errorf("%w: %q", ErrProcessNotFound, processID)
}

// parseServiceDate accepts the timestamp shapes seen in service metadata.
func parseServiceDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05.000Z07:00",
		"2006-01-02T15:04:05",
		"2006-01-02",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// findFirst returns the first descendant with the given local name.
func findFirst(root *etree.Element, tag string) *etree.Element {
	if root.Tag == tag {
		return root
	}
	for _, child := range root.ChildElements() {
		if found := findFirst(child, tag); found != nil {
			return found
		}
	}
	return nil
}

// findAll returns every descendant with the given local name, not
// descending into matches.
func findAll(root *etree.Element, tag string) []*etree.Element {
	var out []*etree.Element
	for _, child := range root.ChildElements() {
		if child.Tag == tag {
			out = append(out, child)
			continue
		}
		out = append(out, findAll(child, tag)...)
	}
	return out
}

func findText(root *etree.Element, tag string) string {
	if elem := findFirst(root, tag); elem != nil {
		return elem.Text()
	}
	return ""
}
