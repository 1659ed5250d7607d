// Package securexml provides hardened XML parsing for documents retrieved
// from untrusted remote sources. It rejects DOCTYPE declarations outright,
// bounds document size, entity usage and element nesting depth, and enforces
// a wall-clock parse budget.
package securexml

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/beevik/etree"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// Common errors
var (
	ErrDoctypeForbidden = errors.New("DOCTYPE declarations are not allowed")
	ErrDocumentTooLarge = errors.New("document exceeds maximum size")
	ErrEntityLimit      = errors.New("entity usage exceeds limit")
	ErrNestingTooDeep   = errors.New("element nesting exceeds maximum depth")
	ErrParseTimeout     = errors.New("parse exceeded time budget")
	ErrMalformedXML     = errors.New("malformed XML")
	ErrEmptyDocument    = errors.New("empty document")
)

// Limits bounds the resources a single parse may consume.
type Limits struct {
	// MaxDocumentBytes is the maximum accepted document size.
	// Default: 10 MiB.
	MaxDocumentBytes int64

	// MaxNestingDepth is the maximum element nesting depth.
	// Default: 100.
	MaxNestingDepth int

	// MaxEntityReferences caps the number of entity references in the
	// document. Go's XML decoder does not expand external entities, but the
	// cap guards against amplification through internal references.
	// Default: 64000.
	MaxEntityReferences int

	// ParseTimeout is the wall-clock budget for one parse.
	// Default: 30 seconds.
	ParseTimeout time.Duration
}

// DefaultLimits returns the limits applied when none are provided.
func DefaultLimits() *Limits {
	return &Limits{
		MaxDocumentBytes:    10 * 1024 * 1024,
		MaxNestingDepth:     100,
		MaxEntityReferences: 64000,
		ParseTimeout:        30 * time.Second,
	}
}

// Reader parses untrusted XML documents under the configured limits.
type Reader struct {
	limits *Limits
}

// NewReader creates a Reader with the given limits.
// A nil limits value selects DefaultLimits.
func NewReader(limits *Limits) *Reader {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Reader{limits: limits}
}

// Parse reads and parses an XML document from r.
// The raw bytes of the document are returned alongside the parsed tree so
// callers can retain the exact bytes received for signature verification.
// On any limit violation no partial document is returned.
func (sr *Reader) Parse(ctx context.Context, r io.Reader) (*etree.Document, []byte, error) {
	limited := io.LimitReader(r, sr.limits.MaxDocumentBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedXML, err)
	}
	if int64(len(raw)) > sr.limits.MaxDocumentBytes {
		return nil, nil, fmt.Errorf("%w: more than %d bytes", ErrDocumentTooLarge, sr.limits.MaxDocumentBytes)
	}

	doc, err := sr.ParseBytes(ctx, raw)
	if err != nil {
		return nil, nil, err
	}
	return doc, raw, nil
}

// ParseBytes parses an XML document held in memory.
func (sr *Reader) ParseBytes(ctx context.Context, raw []byte) (*etree.Document, error) {
	if int64(len(raw)) > sr.limits.MaxDocumentBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrDocumentTooLarge, sr.limits.MaxDocumentBytes)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyDocument
	}
	if containsDoctype(raw) {
		return nil, ErrDoctypeForbidden
	}
	if n := countEntityReferences(raw); n > sr.limits.MaxEntityReferences {
		return nil, fmt.Errorf("%w: %d references", ErrEntityLimit, n)
	}
	if depth := scanNestingDepth(raw, sr.limits.MaxNestingDepth); depth > sr.limits.MaxNestingDepth {
		return nil, fmt.Errorf("%w: depth %d", ErrNestingTooDeep, depth)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseTimeout, err)
	}
	ctx, cancel := context.WithTimeout(ctx, sr.limits.ParseTimeout)
	defer cancel()

	type parseResult struct {
		doc *etree.Document
		err error
	}
	done := make(chan parseResult, 1)
	go func() {
		doc := etree.NewDocument()
		doc.ReadSettings.Permissive = false
		doc.ReadSettings.CharsetReader = charsetReader
		if err := doc.ReadFromBytes(raw); err != nil {
			done <- parseResult{nil, fmt.Errorf("%w: %v", ErrMalformedXML, err)}
			return
		}
		done <- parseResult{doc, nil}
	}()

	select {
	case <-ctx.Done():
		// The goroutine is abandoned; its result is discarded.
		return nil, fmt.Errorf("%w: %v", ErrParseTimeout, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		if res.doc.Root() == nil {
			return nil, ErrEmptyDocument
		}
		// Re-verify depth on the parsed tree. The raw-byte checks above run
		// before parsing; this pass catches anything a decoder quirk let
		// through.
		if depth := treeDepth(res.doc.Root()); depth > sr.limits.MaxNestingDepth {
			return nil, fmt.Errorf("%w: depth %d", ErrNestingTooDeep, depth)
		}
		return res.doc, nil
	}
}

// charsetReader decodes documents declared in an encoding other than UTF-8.
// External DTDs are never consulted; only the declared charset label is used.
func charsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := ianaindex.IANA.Encoding(label)
	if err != nil || enc == nil {
		return nil, fmt.Errorf("%w: unsupported charset %q", ErrMalformedXML, label)
	}
	return transform.NewReader(input, enc.NewDecoder()), nil
}

// containsDoctype reports whether the raw document carries a DOCTYPE
// declaration. The scan is case-insensitive and deliberately coarse: a
// document that merely mentions the token inside CDATA is also rejected,
// which is acceptable for the protocol payloads this package handles.
func containsDoctype(raw []byte) bool {
	upper := bytes.ToUpper(raw)
	return bytes.Contains(upper, []byte("<!DOCTYPE"))
}

// countEntityReferences counts `&name;` style references in the document.
func countEntityReferences(raw []byte) int {
	count := 0
	for i := 0; i < len(raw); i++ {
		if raw[i] != '&' {
			continue
		}
		// Look for a terminating semicolon within a sane distance.
		end := i + 32
		if end > len(raw) {
			end = len(raw)
		}
		if j := bytes.IndexByte(raw[i:end], ';'); j > 1 {
			count++
			i += j
		}
	}
	return count
}

// scanNestingDepth walks the raw bytes and returns the deepest element
// nesting observed, stopping as soon as the depth exceeds limit. Running
// before the parser keeps a deeply nested document from ever reaching the
// decoder; the tree walk after parsing re-verifies the same bound.
// Comments, CDATA sections, processing instructions and declarations do not
// contribute to depth. Malformed markup is left to the parser to reject.
func scanNestingDepth(raw []byte, limit int) int {
	depth, maxDepth := 0, 0
	for i := 0; i < len(raw); i++ {
		if raw[i] != '<' {
			continue
		}
		rest := raw[i:]
		switch {
		case bytes.HasPrefix(rest, []byte("<!--")):
			end := bytes.Index(rest, []byte("-->"))
			if end < 0 {
				return maxDepth
			}
			i += end + 2
		case bytes.HasPrefix(rest, []byte("<![CDATA[")):
			end := bytes.Index(rest, []byte("]]>"))
			if end < 0 {
				return maxDepth
			}
			i += end + 2
		case bytes.HasPrefix(rest, []byte("<?")), bytes.HasPrefix(rest, []byte("<!")):
			end := bytes.IndexByte(rest, '>')
			if end < 0 {
				return maxDepth
			}
			i += end
		case bytes.HasPrefix(rest, []byte("</")):
			if depth > 0 {
				depth--
			}
			end := bytes.IndexByte(rest, '>')
			if end < 0 {
				return maxDepth
			}
			i += end
		default:
			end := bytes.IndexByte(rest, '>')
			if end < 0 {
				return maxDepth
			}
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
			if maxDepth > limit {
				return maxDepth
			}
			if rest[end-1] == '/' {
				depth--
			}
			i += end
		}
	}
	return maxDepth
}

// treeDepth returns the maximum element depth below el, counting el as 1.
func treeDepth(el *etree.Element) int {
	max := 1
	for _, child := range el.ChildElements() {
		if d := 1 + treeDepth(child); d > max {
			max = d
		}
	}
	return max
}
