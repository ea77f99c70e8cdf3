// Package dnsbl checks a connecting peer's address against a DNS
// blocklist zone, grounded on foxcpp-maddy's check/dnsbl/common.go but
// built on top of internal/dnsresolve instead of net.Resolver so lookups
// share the validating resolver used by the rest of the authentication
// pipeline.
package dnsbl

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/gene-hightower/ghsmtp-sub000/internal/dnsresolve"
	"github.com/gene-hightower/ghsmtp-sub000/internal/domain"
)

// Listed describes a positive hit against a zone. Identity is the IP or
// domain that was looked up.
type Listed struct {
	Identity string
	Zone     string
	Reason   string
}

func (l *Listed) Error() string {
	return l.Identity + " is listed in " + l.Zone
}

// Check queries zone for ip, using the conventional reversed-octet DNSBL
// query form (e.g. "1.0.0.127.zone.example." for 127.0.0.1). A nil, nil
// return means the address is not listed.
func Check(ctx context.Context, resolver *dnsresolve.Resolver, zone string, ip net.IP) (*Listed, error) {
	query := reverseOctets(ip) + "." + zone

	a, addrs, err := resolver.LookupA(ctx, query)
	if err != nil {
		return nil, err
	}
	if a.NXDomain() || len(addrs) == 0 {
		return nil, nil
	}

	reason := ""
	if _, txts, err := resolver.LookupTXT(ctx, query); err == nil && len(txts) > 0 {
		reason = strings.Join(txts, "; ")
	}

	return &Listed{Identity: ip.String(), Zone: zone, Reason: reason}, nil
}

// CheckDomain queries zone for name directly (the URIBL convention, as
// opposed to the reversed-octet convention Check uses for IPs). A nil, nil
// return means the domain is not listed.
func CheckDomain(ctx context.Context, resolver *dnsresolve.Resolver, zone, name string) (*Listed, error) {
	query := name + "." + zone

	a, addrs, err := resolver.LookupA(ctx, query)
	if err != nil {
		return nil, err
	}
	if a.NXDomain() || len(addrs) == 0 {
		return nil, nil
	}

	reason := ""
	if _, txts, err := resolver.LookupTXT(ctx, query); err == nil && len(txts) > 0 {
		reason = strings.Join(txts, "; ")
	}

	return &Listed{Identity: name, Zone: zone, Reason: reason}, nil
}

// reverseOctets renders ip in the reversed-label form DNSBL zones expect.
// IPv6 peers are not supported by most public blocklists, so this only
// handles IPv4 and relies on domain.Reverse's nibble format being unsuited
// for the dotted form DNSBL zones use; callers should skip IPv6 peers.
func reverseOctets(ip net.IP) string {
	v4 := ip.To4()
	if v4 == nil {
		return domain.Reverse(ip)
	}
	return strings.Join([]string{
		strconv.Itoa(int(v4[3])), strconv.Itoa(int(v4[2])),
		strconv.Itoa(int(v4[1])), strconv.Itoa(int(v4[0])),
	}, ".")
}
