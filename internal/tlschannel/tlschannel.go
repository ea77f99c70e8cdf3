// Package tlschannel implements opportunistic STARTTLS over an existing
// net.Conn, plus DANE TLSA verification per RFC 6698/7671, generalizing the
// teacher's STARTTLS handling in smtpsrv/conn.go and courier/smtp.go.
package tlschannel

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"

	"github.com/gene-hightower/ghsmtp-sub000/internal/dnsresolve"
	"github.com/gene-hightower/ghsmtp-sub000/internal/tlsconst"
)

// SecLevel classifies the outcome of a TLS handshake, mirroring the
// teacher's secLevel enum in courier/smtp.go but folded into this package
// since both receive and send sides need it.
type SecLevel int

const (
	Plain SecLevel = iota
	Insecure
	Secure
	DANEVerified
)

func (s SecLevel) String() string {
	switch s {
	case Plain:
		return "plain"
	case Insecure:
		return "tls-insecure"
	case Secure:
		return "tls-secure"
	case DANEVerified:
		return "tls-dane"
	default:
		return "unknown"
	}
}

// Channel wraps a *tls.Conn together with the security level reached.
type Channel struct {
	*tls.Conn
	Level SecLevel
}

// Info summarizes the negotiated connection for logging/Received headers.
func (c *Channel) Info() string {
	st := c.ConnectionState()
	return fmt.Sprintf("version=%s cipher=%s",
		tlsconst.VersionName(st.Version), tlsconst.CipherSuiteName(st.CipherSuite))
}

// ServerHandshake upgrades conn to TLS as a server, presenting cert.
func ServerHandshake(conn net.Conn, cert tls.Certificate) (*Channel, error) {
	cfg := &tls.Config{
		Certificates:           []tls.Certificate{cert},
		SessionTicketsDisabled: true, // avoids a known Windows SChannel client bug.
	}
	tc := tls.Server(conn, cfg)
	if err := tc.Handshake(); err != nil {
		return nil, err
	}
	return &Channel{Conn: tc, Level: Secure}, nil
}

var (
	// ErrDANERequired is returned when enforceDane is set and no TLSA
	// record matched the presented certificate chain.
	ErrDANERequired = errors.New("tlschannel: DANE verification required but no TLSA record matched")
)

// ClientHandshake upgrades conn to TLS as a client connecting to sni
// (used for both SNI and certificate-name verification unless DANE
// matching overrides it). tlsaRRs is the set of TLSA records retrieved for
// the destination, if any; enforceDane requires at least one to match
// when tlsaRRs is non-empty and the resolver reported DNSSEC-authenticated
// data for them.
func ClientHandshake(conn net.Conn, sni string, tlsaRRs []dnsresolve.TLSA, enforceDane bool) (*Channel, error) {
	cfg := &tls.Config{
		ServerName:         sni,
		InsecureSkipVerify: true, // we verify manually below, PKIX or DANE.
	}
	tc := tls.Client(conn, cfg)
	if err := tc.Handshake(); err != nil {
		return nil, err
	}

	st := tc.ConnectionState()
	if len(st.PeerCertificates) == 0 {
		tc.Close()
		return nil, errors.New("tlschannel: no peer certificates presented")
	}

	eeRecs, taRecs := splitTLSA(tlsaRRs)

	if len(eeRecs) > 0 || len(taRecs) > 0 {
		if err := verifyDANE(eeRecs, taRecs, st.PeerCertificates); err == nil {
			return &Channel{Conn: tc, Level: DANEVerified}, nil
		} else if enforceDane {
			tc.Close()
			return nil, ErrDANERequired
		}
	}

	// Fall back to standard PKIX verification.
	opts := x509.VerifyOptions{
		DNSName:       sni,
		Intermediates: x509.NewCertPool(),
	}
	for _, c := range st.PeerCertificates[1:] {
		opts.Intermediates.AddCert(c)
	}
	if _, err := st.PeerCertificates[0].Verify(opts); err != nil {
		return &Channel{Conn: tc, Level: Insecure}, nil
	}
	return &Channel{Conn: tc, Level: Secure}, nil
}

// SplitTLSA separates a TLSA record set into end-entity (usage 1 or 3) and
// trust-anchor (usage 0 or 2) records, for callers that drive their own
// tls.Config.VerifyConnection (e.g. internal/smtpsend, which goes through
// net/smtp rather than ClientHandshake directly).
func SplitTLSA(recs []dnsresolve.TLSA) (ee, ta []dnsresolve.TLSA) {
	return splitTLSA(recs)
}

// VerifyChain checks a presented certificate chain against end-entity and
// trust-anchor TLSA record sets. It is exported so callers driving their
// own tls.Config.VerifyConnection callback (rather than ClientHandshake)
// can still reuse this package's DANE matching logic.
func VerifyChain(ee, ta []dnsresolve.TLSA, chain []*x509.Certificate) error {
	return verifyDANE(ee, ta, chain)
}

func splitTLSA(recs []dnsresolve.TLSA) (ee, ta []dnsresolve.TLSA) {
	for _, r := range recs {
		switch r.Usage {
		case dnsresolve.UsageDomainIssuedCert, dnsresolve.UsageServiceCertificate:
			ee = append(ee, r)
		case dnsresolve.UsageTrustAnchor, dnsresolve.UsageCAConstraint:
			ta = append(ta, r)
		}
	}
	return ee, ta
}

// verifyDANE checks the presented chain against end-entity and
// trust-anchor TLSA records, following the same decision tree as the
// pack's DANE implementation: end-entity records match the leaf
// certificate directly; trust-anchor records must match some certificate
// in the chain, after which the leaf is PKIX-verified against that anchor.
func verifyDANE(ee, ta []dnsresolve.TLSA, chain []*x509.Certificate) error {
	leaf := chain[0]

	for _, rec := range ee {
		if rec.Verify(leaf) == nil {
			return nil
		}
	}

	for _, rec := range ta {
		for _, cert := range chain {
			if rec.Verify(cert) != nil {
				continue
			}
			roots := x509.NewCertPool()
			roots.AddCert(cert)
			opts := x509.VerifyOptions{Roots: roots, Intermediates: x509.NewCertPool()}
			for _, c := range chain {
				if c != cert {
					opts.Intermediates.AddCert(c)
				}
			}
			if _, err := leaf.Verify(opts); err == nil {
				return nil
			}
		}
	}

	return ErrDANERequired
}
