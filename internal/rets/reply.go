package rets

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
)

// Reply codes the pipeline reacts to. Everything else non-zero is surfaced as is.
const (
	ReplySuccess        = 0
	ReplyNoRecordsFound = 20201
	ReplyNoObjectFound  = 20403
	ReplyInvalidLogin   = 20036
	ReplyMissingAuth    = 20037
)

// ErrNotLoggedIn is returned by session calls issued before a successful Login.
var ErrNotLoggedIn = errors.New("rets: not logged in")

// ReplyError is a protocol-level rejection carried in an otherwise successful HTTP response.
type ReplyError struct {
	Code int
	Text string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("rets reply %d: %s", e.Code, e.Text)
}

// IsNoRecords reports whether err is a "no records found" reply.
func IsNoRecords(err error) bool {
	return hasReplyCode(err, ReplyNoRecordsFound)
}

// IsNoObject reports whether err is a "no object found" reply.
func IsNoObject(err error) bool {
	return hasReplyCode(err, ReplyNoObjectFound)
}

func hasReplyCode(err error, code int) bool {
	var re *ReplyError
	return errors.As(err, &re) && re.Code == code
}

// CheckReply reads the ReplyCode of the root RETS element and returns a *ReplyError
// for any non-success code. It must run before any data is extracted from body.
func CheckReply(body []byte) error {
	dec := newDecoder(body)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return errors.New("rets: empty reply body")
		}
		if err != nil {
			return fmt.Errorf("decode reply: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "RETS" {
			return fmt.Errorf("rets: unexpected root element %q", start.Name.Local)
		}

		codeAttr, found := attr(start.Attr, "ReplyCode")
		if !found {
			return errors.New("rets: reply without ReplyCode")
		}
		code, err := strconv.Atoi(strings.TrimSpace(codeAttr))
		if err != nil {
			return fmt.Errorf("rets: invalid ReplyCode %q", codeAttr)
		}
		if code != ReplySuccess {
			text, _ := attr(start.Attr, "ReplyText")
			return &ReplyError{Code: code, Text: text}
		}
		return nil
	}
}

func attr(attrs []xml.Attr, name string) (string, bool) {
	for _, a := range attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func newDecoder(body []byte) *xml.Decoder {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = charsetReader
	dec.Strict = false
	return dec
}

// charsetReader lets feeds that declare e.g. ISO-8859-1 bodies decode to UTF-8.
func charsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := ianaindex.IANA.Encoding(label)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", label, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("unsupported charset %q", label)
	}
	return enc.NewDecoder().Reader(input), nil
}
