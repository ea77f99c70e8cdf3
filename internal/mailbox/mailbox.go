// Package mailbox implements the RFC 5321 reverse-path/forward-path grammar
// used on the wire, and the RFC 5322 addr-spec grammar used in message
// headers, sharing a single local-part/domain split and size-limit policy.
package mailbox

import (
	"errors"
	"strings"

	"github.com/gene-hightower/ghsmtp-sub000/internal/domain"
	"github.com/gene-hightower/ghsmtp-sub000/internal/set"
)

// Limits from RFC 5321 §4.5.3.1.
const (
	MaxLocalPart = 64
	MaxPath      = 256
)

var (
	ErrEmpty        = errors.New("mailbox: empty path")
	ErrSyntax       = errors.New("mailbox: invalid syntax")
	ErrLocalTooLong = errors.New("mailbox: local-part exceeds 64 octets")
	ErrPathTooLong  = errors.New("mailbox: path exceeds 256 octets")
)

// Mailbox is a parsed user@domain address. Null is the special "<>" reverse
// path used for bounces; its String form is the empty string.
type Mailbox struct {
	Local  string
	Domain domain.Domain
	Null   bool
}

func (m Mailbox) String() string {
	if m.Null {
		return ""
	}
	return m.Local + "@" + m.Domain.ASCII()
}

// Split divides a raw "user@domain" address into its two halves without
// validating either. Addresses with no "@" return the whole string as the
// local part, mirroring the teacher's envelope.Split behavior so callers
// that only need a best-effort split (logging, loop detection) keep working
// on malformed input.
func Split(addr string) (user, dom string) {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return addr, ""
	}
	return addr[:i], addr[i+1:]
}

// DomainIn reports whether addr's domain is a member of locals. An address
// with no domain part is treated as local (matches the teacher's
// envelope.DomainIn, used for e.g. Postmaster).
func DomainIn(addr string, locals *set.String) bool {
	_, dom := Split(addr)
	if dom == "" {
		return true
	}
	return locals.Has(strings.ToLower(dom))
}

// ParsePath parses the contents of a MAIL FROM or RCPT TO angle-bracket
// path (without the surrounding "<" ">"), per RFC 5321 §4.1.2. An empty
// string is accepted as the null reverse-path.
func ParsePath(s string) (Mailbox, error) {
	if s == "" {
		return Mailbox{Null: true}, nil
	}

	if len(s) > MaxPath {
		return Mailbox{}, ErrPathTooLong
	}

	local, dom, err := splitAddrSpec(s)
	if err != nil {
		return Mailbox{}, err
	}

	if len(local) > MaxLocalPart {
		return Mailbox{}, ErrLocalTooLong
	}

	d, err := domain.New(dom)
	if err != nil {
		return Mailbox{}, ErrSyntax
	}

	return Mailbox{Local: local, Domain: d}, nil
}

// ParseAddrSpec parses an RFC 5322 addr-spec, as found inside a header
// address (From:, To:, Cc:, ...). Unlike ParsePath it rejects the null
// path, since headers never carry one.
func ParseAddrSpec(s string) (Mailbox, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Mailbox{}, ErrEmpty
	}
	return ParsePath(s)
}

// splitAddrSpec splits "local@domain" honoring RFC 5321/5322 quoted-string
// local-parts, where an "@" inside a quoted string or bracketed literal does
// not terminate the local-part.
func splitAddrSpec(s string) (local, dom string, err error) {
	inQuotes := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuotes = !inQuotes
		case '\\':
			if inQuotes && i+1 < len(s) {
				i++
			}
		case '@':
			if !inQuotes {
				local, dom = s[:i], s[i+1:]
				if local == "" || dom == "" {
					return "", "", ErrSyntax
				}
				return local, dom, nil
			}
		}
	}
	return "", "", ErrSyntax
}
