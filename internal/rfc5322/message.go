// Package rfc5322 implements the header/body split and folded-header
// joining used by the authentication pipeline, plus parsing for the
// Received-SPF trace header. It does not parse Authentication-Results
// headers or address lists.
package rfc5322

import (
	"strings"
)

// Header is one header field as it appeared in the message, in the order
// it appeared; continuation lines stay folded in Value.
type Header struct {
	Name  string
	Value string
}

// Message is the parsed header section plus the raw (still CRLF-using)
// body.
type Message struct {
	Headers []Header
	Body    string
}

// Parse splits message on the first blank line into headers and body,
// joining continuation lines (leading whitespace) onto their parent
// header's value with the CRLF fold kept (net/mail would unfold them), and
// preserving header order and
// duplicate names instead of collapsing into a map — needed since DKIM/ARC
// signature verification must walk headers in their original order and
// handle repeated header names (RFC 6376 §5.4.2).
func Parse(message string) (*Message, error) {
	headers, body := splitHeaders(message)

	var hs []Header
	for i := 0; i < len(headers); i++ {
		line := headers[i]
		if line == "" {
			continue
		}
		name, value, ok := cutHeader(line)
		if !ok {
			continue
		}
		for i+1 < len(headers) && isContinuation(headers[i+1]) {
			i++
			value += "\r\n" + headers[i]
		}
		hs = append(hs, Header{Name: name, Value: value})
	}

	return &Message{Headers: hs, Body: body}, nil
}

func splitHeaders(message string) (headerLines []string, body string) {
	idx := strings.Index(message, "\r\n\r\n")
	var headerBlock string
	if idx < 0 {
		// Tolerate bare-LF separated test fixtures.
		idx = strings.Index(message, "\n\n")
		if idx < 0 {
			return strings.Split(message, "\n"), ""
		}
		headerBlock, body = message[:idx], message[idx+2:]
		return strings.Split(headerBlock, "\n"), body
	}
	headerBlock, body = message[:idx], message[idx+4:]
	return strings.Split(headerBlock, "\r\n"), body
}

func isContinuation(line string) bool {
	return len(line) > 0 && (line[0] == ' ' || line[0] == '\t')
}

func cutHeader(line string) (name, value string, ok bool) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return "", "", false
	}
	return line[:i], strings.TrimSpace(line[i+1:]), true
}

// FindAll returns the values of every header with the given name
// (case-insensitive), in message order.
func (m *Message) FindAll(name string) []string {
	var out []string
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

// Find returns the first header value with the given name, and whether it
// was present.
func (m *Message) Find(name string) (string, bool) {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// ToCRLF rewrites bare LF line endings to CRLF, for callers that buffer
// messages internally with the simplified LF convention (as the dot-reader
// does) but need canonical wire line endings before DKIM/ARC
// canonicalization, which is defined in terms of CRLF.
func ToCRLF(s string) string {
	if !strings.Contains(s, "\r") {
		return strings.ReplaceAll(s, "\n", "\r\n")
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' && (i == 0 || s[i-1] != '\r') {
			b.WriteByte('\r')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// PrependHeader adds a header to the front of data (LF-convention,
// matching the dot-reader's internal representation), folding multi-line
// values with a leading tab, mirroring the teacher's envelope.AddHeader.
func PrependHeader(data []byte, name, value string) []byte {
	if len(value) > 0 && value[len(value)-1] == '\n' {
		value = value[:len(value)-1]
	}
	value = strings.ReplaceAll(value, "\n", "\n\t")

	header := []byte(name + ": " + value + "\n")
	return append(header, data...)
}
