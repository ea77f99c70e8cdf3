package dkim

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"strings"
)

type Signer struct {
	// Domain to sign for.
	Domain string

	// Selector to use.
	Selector string

	// Signer containing the private key.
	// This can be an *rsa.PrivateKey or a ed25519.PrivateKey.
	Signer crypto.Signer
}

// headersToSign lists the header fields included by default when signing,
// beyond whatever RFC 6376 §5.4.1 itself requires. It covers the envelope
// and threading headers the teacher's list already had, plus the MIME and
// bulk-mail headers a general-purpose signer (not just a single-purpose
// submission relay) should also protect: a signature that leaves
// Content-Type or Precedence unsigned lets a relay downgrade a multipart
// message to text/plain, or strip a List-* bulk marker, without breaking
// the signature.
var headersToSign = []string{
	// https://datatracker.ietf.org/doc/html/rfc6376#section-5.4.1
	"From", // Required.
	"Reply-To",
	"Subject",
	"Date",
	"To", "Cc",
	"Resent-Date", "Resent-From", "Resent-To", "Resent-Cc",
	"In-Reply-To", "References",
	"List-Id", "List-Help", "List-Unsubscribe", "List-Subscribe", "List-Post",
	"List-Owner", "List-Archive",

	// Our additions.
	"Message-ID",

	// MIME structure and bulk-mail markers: left unsigned, a relay can
	// change how the body is interpreted, or strip bulk-mail signaling,
	// without invalidating the signature.
	"MIME-Version", "Content-Type", "Content-Transfer-Encoding",
	"Content-Language",
	"Sender",
	"Feedback-ID", "Precedence",
}

var extraHeadersToSign = []string{
	// Headers to add an extra of, to prevent additions after signing.
	// If they're included here, they must be in headersToSign too.
	"From",
	"Subject", "Date",
	"To", "Cc",
	"Message-ID",
}

// Sign signs the given message. It returns the *value* of the
// DKIM-Signature header to be added to the message. It will usually be
// multi-line, but without indenting.
//
// Sign is a convenience wrapper: it parses the whole message up front and
// drives it through the same StreamSigner a caller that already has the
// headers and body in hand (e.g. as they come off the wire) would use
// directly.
func (s *Signer) Sign(ctx context.Context, message string) (string, error) {
	hs, body, err := parseMessage(message)
	if err != nil {
		return "", err
	}

	ss := NewStreamSigner(ctx, s)
	ss.headers = hs
	ss.EOH()
	ss.Body([]byte(body))
	return ss.EOM()
}

func (s *Signer) algoStr() (string, error) {
	switch k := s.Signer.(type) {
	case *rsa.PrivateKey:
		return "rsa-sha256", nil
	case ed25519.PrivateKey:
		return "ed25519-sha256", nil
	default:
		return "", fmt.Errorf("%w: %T", errUnsupportedKeyType, k)
	}
}

func (s *Signer) sign(bSum []byte) ([]byte, error) {
	var h crypto.Hash
	switch s.Signer.(type) {
	case *rsa.PrivateKey:
		h = crypto.SHA256
	case ed25519.PrivateKey:
		h = crypto.Hash(0)
	}

	return s.Signer.Sign(rand.Reader, bSum, h)
}

func breakLongLines(s string) string {
	// Break long lines, indenting with 2 spaces for continuation (to make
	// it clear it's under the same tag).
	const limit = 70
	var sb strings.Builder
	for len(s) > 0 {
		if len(s) > limit {
			sb.WriteString(s[:limit])
			sb.WriteString("\r\n  ")
			s = s[limit:]
		} else {
			sb.WriteString(s)
			s = ""
		}
	}
	return sb.String()
}

func formatHeaders(hs []string) string {
	// Format the list of headers for inclusion in the DKIM-Signature header.
	// This includes converting them to lowercase, and line-wrapping.
	// Extra lines will be indented with 2 spaces, to make it clear they're
	// under the same tag.
	const limit = 70
	var sb strings.Builder
	line := ""
	for i, h := range hs {
		if len(line)+1+len(h) > limit {
			sb.WriteString(line + "\r\n  ")
			line = ""
		}

		if i > 0 {
			line += ":"
		}
		line += h
	}
	sb.WriteString(line)

	return strings.TrimSpace(strings.ToLower(sb.String()))
}
