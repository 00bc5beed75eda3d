package headercodec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"
)

const (
	// QueryHeadersToSend carries headers the proxy attaches to its upstream request
	QueryHeadersToSend = "headers-to-send"
	// QueryHeadersToReturn carries headers the origin attaches to its response
	QueryHeadersToReturn = "headers-to-return"

	autoETagValue = "auto"
)

// Header is a single name/value pair as it appeared on the wire or in a scripted header line
type Header struct {
	Name  string
	Value string
}

// Pairs is an ordered header list. Unlike http.Header it keeps insertion order
// and repeated names as separate entries.
type Pairs []Header

// Add appends a pair
func (p *Pairs) Add(name, value string) {
	*p = append(*p, Header{Name: name, Value: value})
}

// Get returns the first value whose name matches case-insensitively
func (p Pairs) Get(name string) (string, bool) {
	for _, h := range p {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Values returns every value whose name matches case-insensitively, in order
func (p Pairs) Values(name string) []string {
	var vals []string
	for _, h := range p {
		if strings.EqualFold(h.Name, name) {
			vals = append(vals, h.Value)
		}
	}
	return vals
}

// Clone returns a copy that shares no backing array with p
func (p Pairs) Clone() Pairs {
	if p == nil {
		return Pairs{}
	}
	out := make(Pairs, len(p))
	copy(out, p)
	return out
}

// Apply adds every valid pair to h and returns the ones that can't be put on the wire.
func (p Pairs) Apply(h http.Header) Pairs {
	var skipped Pairs
	for _, hdr := range p {
		if !Valid(hdr) {
			skipped = append(skipped, hdr)
			continue
		}
		h.Add(hdr.Name, hdr.Value)
	}
	return skipped
}

// MarshalJSON encodes the pairs as [[name, value], ...]
func (p Pairs) MarshalJSON() ([]byte, error) {
	out := make([][2]string, 0, len(p))
	for _, h := range p {
		out = append(out, [2]string{h.Name, h.Value})
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes [[name, value], ...]
func (p *Pairs) UnmarshalJSON(b []byte) error {
	var in [][]string
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	out := make(Pairs, 0, len(in))
	for i, pair := range in {
		if len(pair) != 2 {
			return fmt.Errorf("header pair %d has %d elements", i, len(pair))
		}
		out = append(out, Header{Name: pair[0], Value: pair[1]})
	}
	*p = out
	return nil
}

// Valid reports whether the pair is a legal HTTP header field
func Valid(h Header) bool {
	return httpguts.ValidHeaderFieldName(h.Name) && httpguts.ValidHeaderFieldValue(h.Value)
}

// Encode produces the query parameter value for a scripted header
func Encode(name, value string) string {
	return base64.StdEncoding.EncodeToString([]byte(name + ":" + value))
}

// DecodeLine decodes one scripted header. Bad base64 decodes to an empty line
// and a line without a colon has an empty name.
func DecodeLine(encoded string) Header {
	line := decodeBase64(encoded)
	idx := strings.Index(line, ":")
	if idx == -1 {
		return Header{Value: line}
	}
	return Header{Name: line[:idx], Value: line[idx+1:]}
}

// Decode decodes every value of a repeatable query parameter, in order
func Decode(values []string) Pairs {
	out := make(Pairs, 0, len(values))
	for _, v := range values {
		out = append(out, DecodeLine(v))
	}
	return out
}

// RequestHeader builds the headers for an outbound request from headers-to-send.
// A later entry with the same name replaces an earlier one.
func RequestHeader(query url.Values) (http.Header, Pairs) {
	header := http.Header{}
	var skipped Pairs
	for _, hdr := range Decode(query[QueryHeadersToSend]) {
		if !Valid(hdr) {
			skipped = append(skipped, hdr)
			continue
		}
		header.Set(hdr.Name, hdr.Value)
	}
	return header, skipped
}

// ResponseHeaders builds the scripted response headers from headers-to-return.
// "etag:auto" turns into the quoted body, or disappears if the body is empty.
func ResponseHeaders(query url.Values, body string) Pairs {
	out := Pairs{}
	for _, hdr := range Decode(query[QueryHeadersToReturn]) {
		if strings.EqualFold(hdr.Name, "etag") && strings.EqualFold(hdr.Value, autoETagValue) {
			if body == "" {
				continue
			}
			hdr.Value = `"` + body + `"`
		}
		out = append(out, hdr)
	}
	return out
}

func decodeBase64(s string) string {
	// Query decoding turns '+' into ' '
	s = strings.ReplaceAll(s, " ", "+")
	s = strings.TrimRight(s, "=")
	enc := base64.RawStdEncoding
	if strings.ContainsAny(s, "-_") {
		enc = base64.RawURLEncoding
	}
	b, err := enc.DecodeString(s)
	if err != nil {
		return ""
	}
	return string(b)
}
