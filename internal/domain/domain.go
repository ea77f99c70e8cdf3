// Package domain implements canonical DNS name handling: IDNA ASCII/U-label
// conversion, address-literal recognition, reverse-lookup name construction,
// and private-range classification.
package domain

import (
	"errors"
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

// Domain is a canonical DNS name carrying both its ASCII (A-label) and UTF-8
// (U-label) forms. The zero value is not a valid Domain; use New.
type Domain struct {
	ascii string
	utf8  string
}

var (
	ErrEmpty   = errors.New("domain: empty name")
	ErrInvalid = errors.New("domain: invalid name")
)

// New parses s, which may be given in either ASCII or UTF-8 form, and
// returns the canonical Domain. Trailing dots are elided.
func New(s string) (Domain, error) {
	s = strings.TrimSuffix(s, ".")
	if s == "" {
		return Domain{}, ErrEmpty
	}

	if lit, ok := addressLiteral(s); ok {
		return Domain{ascii: lit, utf8: lit}, nil
	}

	a, err := idna.ToASCII(s)
	if err != nil {
		return Domain{}, ErrInvalid
	}

	u, err := idna.ToUnicode(a)
	if err != nil {
		// ToASCII already validated the name; fall back to the ASCII form
		// rather than fail outright.
		u = a
	}
	u = norm.NFC.String(u)

	return Domain{ascii: strings.ToLower(a), utf8: u}, nil
}

// ASCII returns the A-label (ASCII-compatible) form.
func (d Domain) ASCII() string { return d.ascii }

// UTF8 returns the U-label (Unicode) form.
func (d Domain) UTF8() string { return d.utf8 }

// IsZero reports whether d is the zero value.
func (d Domain) IsZero() bool { return d.ascii == "" }

// Equal compares two domains case-insensitively on their ASCII form.
func (d Domain) Equal(o Domain) bool {
	return strings.EqualFold(d.ascii, o.ascii)
}

func (d Domain) String() string { return d.ascii }

// IsAddressLiteral reports whether d's ASCII form is an address literal,
// e.g. "[192.0.2.1]" or "[IPv6:2001:db8::1]".
func (d Domain) IsAddressLiteral() bool {
	return strings.HasPrefix(d.ascii, "[") && strings.HasSuffix(d.ascii, "]")
}

// addressLiteral recognizes RFC 5321 §4.1.3 address literals and returns
// the canonical bracketed form.
func addressLiteral(s string) (string, bool) {
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return "", false
	}
	inner := s[1 : len(s)-1]
	if strings.HasPrefix(inner, "IPv6:") {
		ip := net.ParseIP(strings.TrimPrefix(inner, "IPv6:"))
		if ip == nil || ip.To4() != nil {
			return "", false
		}
		return "[IPv6:" + ip.String() + "]", true
	}
	ip := net.ParseIP(inner)
	if ip == nil || ip.To4() == nil {
		return "", false
	}
	return "[" + ip.String() + "]", true
}

// IsIPv4Literal reports whether s parses as a dotted-quad IPv4 address.
func IsIPv4Literal(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil
}

// IsIPv6Literal reports whether s parses as an IPv6 address.
func IsIPv6Literal(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() == nil
}

// ToAddressLiteral formats ip as an RFC 5321 address literal.
func ToAddressLiteral(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return "[" + v4.String() + "]"
	}
	return "[IPv6:" + ip.String() + "]"
}

// Reverse builds the reverse-lookup name (in-addr.arpa / ip6.arpa) for ip.
func Reverse(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return strconv.Itoa(int(v4[3])) + "." + strconv.Itoa(int(v4[2])) + "." +
			strconv.Itoa(int(v4[1])) + "." + strconv.Itoa(int(v4[0])) + ".in-addr.arpa."
	}

	v6 := ip.To16()
	const hex = "0123456789abcdef"
	var b strings.Builder
	for i := len(v6) - 1; i >= 0; i-- {
		lo := v6[i] & 0x0f
		hi := v6[i] >> 4
		b.WriteByte(hex[lo])
		b.WriteByte('.')
		b.WriteByte(hex[hi])
		b.WriteByte('.')
	}
	b.WriteString("ip6.arpa.")
	return b.String()
}

// private IPv4 ranges: RFC 1918 plus loopback (127/8). IPv4 link-local
// (169.254/16) is not in the list.
var privateV4 = []net.IPNet{
	{IP: net.IPv4(10, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
	{IP: net.IPv4(172, 16, 0, 0), Mask: net.CIDRMask(12, 32)},
	{IP: net.IPv4(192, 168, 0, 0), Mask: net.CIDRMask(16, 32)},
	{IP: net.IPv4(127, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
}

// IsPrivate reports whether ip is within a private, loopback, link-local, or
// unique-local range.
func IsPrivate(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		for _, n := range privateV4 {
			if n.Contains(v4) {
				return true
			}
		}
		return false
	}

	if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
		return true
	}
	// fc00::/7, unique local addresses.
	return len(ip) == net.IPv6len && ip[0]&0xfe == 0xfc
}
