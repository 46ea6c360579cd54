package rets

import (
	"bytes"
	"fmt"
	"log/slog"
	"mime"
	"net/textproto"
	"strings"
)

// DefaultBoundary is the multipart boundary CREA uses when the Content-Type omits one.
const DefaultBoundary = "creaboundary"

// ObjectRecord is one retrieved object (a photo) and its header metadata.
// A record without Content is a "no object at this id" sentinel.
type ObjectRecord struct {
	ContentType string
	ContentID   string
	ObjectID    string
	Preferred   bool
	Location    string
	Description string
	Headers     map[string]string
	Content     []byte
}

// HasContent reports whether the record carries object bytes.
func (r ObjectRecord) HasContent() bool {
	return len(r.Content) > 0
}

// ObjectParser turns GetObject replies into records. Boundary is used when the reply
// does not declare its own.
type ObjectParser struct {
	Boundary string
	logger   *slog.Logger
}

// NewObjectParser creates a parser with the CREA default boundary.
func NewObjectParser(logger *slog.Logger) *ObjectParser {
	return &ObjectParser{
		Boundary: DefaultBoundary,
		logger:   logger.With("component", "rets_objects"),
	}
}

// ParseObjects handles the three reply shapes: an XML error document, a multipart
// body with one part per object, or a single object body.
func (p *ObjectParser) ParseObjects(resp *Response) ([]ObjectRecord, error) {
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Type")))
		params = nil
	}

	switch {
	case isXML(mediaType):
		if err := CheckReply(resp.Body); err != nil {
			return nil, err
		}
		return nil, nil
	case strings.HasPrefix(mediaType, "multipart/"):
		boundary := params["boundary"]
		if boundary == "" {
			boundary = p.Boundary
		}
		return p.ParseMultipart(resp.Body, boundary), nil
	default:
		return []ObjectRecord{singleObject(resp)}, nil
	}
}

// ParseMultipart splits body into parts and parses each independently. A malformed
// part is logged and skipped; the remaining parts are still returned.
func (p *ObjectParser) ParseMultipart(body []byte, boundary string) []ObjectRecord {
	var records []ObjectRecord
	for i, part := range SplitParts(body, boundary) {
		part = bytes.Trim(part, "\r\n")
		if len(part) == 0 || bytes.Equal(part, []byte("--")) {
			continue
		}

		rec, err := parsePart(part)
		if err != nil {
			p.logger.Warn("skipping malformed multipart part", "part", i, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records
}

// SplitParts cuts body on "--" + boundary. JoinParts is its exact inverse.
func SplitParts(body []byte, boundary string) [][]byte {
	return bytes.Split(body, []byte("--"+boundary))
}

// JoinParts reassembles parts produced by SplitParts.
func JoinParts(parts [][]byte, boundary string) []byte {
	return bytes.Join(parts, []byte("--"+boundary))
}

func parsePart(part []byte) (ObjectRecord, error) {
	headerBlock, body, _ := bytes.Cut(part, []byte("\r\n\r\n"))

	headers := make(map[string]string)
	for _, line := range bytes.Split(headerBlock, []byte("\r\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		key, value, ok := strings.Cut(string(line), ":")
		if !ok {
			return ObjectRecord{}, fmt.Errorf("header line without colon: %q", truncate(string(line), 64))
		}
		headers[textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}

	rec := recordFromHeaders(func(k string) string { return headers[k] })
	rec.Headers = headers

	if isXML(rec.ContentType) {
		// per-object error document, e.g. "no object found" for one id
		return rec, nil
	}
	if len(body) > 0 {
		rec.Content = body
	}
	return rec, nil
}

func singleObject(resp *Response) ObjectRecord {
	rec := recordFromHeaders(resp.Header.Get)
	rec.Headers = make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		rec.Headers[k] = resp.Header.Get(k)
	}
	if len(resp.Body) > 0 {
		rec.Content = resp.Body
	}
	return rec
}

func recordFromHeaders(get func(string) string) ObjectRecord {
	return ObjectRecord{
		ContentType: get("Content-Type"),
		ContentID:   get("Content-Id"),
		ObjectID:    get("Object-Id"),
		Preferred:   get("Preferred") == "1",
		Location:    get("Location"),
		Description: get("Content-Description"),
	}
}

func isXML(mediaType string) bool {
	mediaType = strings.ToLower(mediaType)
	return strings.HasPrefix(mediaType, "text/xml") || strings.HasPrefix(mediaType, "application/xml")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
