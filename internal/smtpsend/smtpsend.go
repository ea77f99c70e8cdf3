// Package smtpsend implements outgoing mail delivery: MX lookup, MTA-STS
// and opportunistic DANE TLS, and the MAIL/RCPT/DATA dialog, generalizing
// the teacher's internal/courier/smtp.go and internal/smtp/smtp.go into a
// standalone client that does not depend on the dropped protobuf queue or
// domaininfo packages.
package smtpsend

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/foxcpp/go-mtasts"
	"golang.org/x/net/idna"

	"github.com/gene-hightower/ghsmtp-sub000/internal/dnsresolve"
	"github.com/gene-hightower/ghsmtp-sub000/internal/expvarom"
	"github.com/gene-hightower/ghsmtp-sub000/internal/mailbox"
	"github.com/gene-hightower/ghsmtp-sub000/internal/tlschannel"
	"github.com/gene-hightower/ghsmtp-sub000/internal/trace"
)

var (
	tlsCount = expvarom.NewMap("ghsmtp/smtpOut/tlsCount",
		"result", "count of TLS status on outgoing connections")
	mtastsModeCount = expvarom.NewMap("ghsmtp/smtpOut/sts/mode",
		"mode", "count of MTA-STS policy modes seen on outgoing connections")
)

// Dialer delivers mail to remote MXs, looking up MX/TLSA records via
// Resolver and enforcing MTA-STS via STSCache (both optional; a nil
// STSCache disables MTA-STS entirely and a nil Resolver falls back to
// net.LookupMX/net.DialTimeout).
type Dialer struct {
	HelloDomain string
	Resolver    *dnsresolve.Resolver
	STSCache    *mtasts.Cache

	// DialTimeout bounds each TCP connection attempt; TotalTimeout bounds
	// the whole delivery attempt to one MX, mirroring the teacher's
	// courier timeouts.
	DialTimeout  time.Duration
	TotalTimeout time.Duration

	// Port is the outgoing SMTP port, overridable for testing.
	Port string

	// EnforceDANE requires a DANE match when TLSA records are present and
	// DNSSEC-authenticated, refusing to fall back to plain PKIX or plain
	// text in that case.
	EnforceDANE bool
}

func (d *Dialer) dialTimeout() time.Duration {
	if d.DialTimeout != 0 {
		return d.DialTimeout
	}
	return 1 * time.Minute
}

func (d *Dialer) totalTimeout() time.Duration {
	if d.TotalTimeout != 0 {
		return d.TotalTimeout
	}
	return 10 * time.Minute
}

func (d *Dialer) port() string {
	if d.Port != "" {
		return d.Port
	}
	return "25"
}

func (d *Dialer) portNum() int {
	n, err := strconv.Atoi(d.port())
	if err != nil {
		return 25
	}
	return n
}

// Deliver sends one message from "from" to "to", trying each MX in
// preference order. It returns the last error seen and whether it is
// permanent (matching the teacher's (error, bool) return shape).
func (d *Dialer) Deliver(ctx context.Context, from, to string, data []byte) (error, bool) {
	_, toDomain := mailbox.Split(to)

	tr := trace.New("smtpsend.Deliver", to)
	defer tr.Finish()
	tr.Debugf("%s -> %s", from, to)

	if from == "<>" {
		from = ""
	}

	mxs, err, perm := d.lookupMXs(ctx, tr, toDomain)
	if err != nil || len(mxs) == 0 {
		return tr.Errorf("could not find mail server: %v", err), perm
	}

	policy := d.fetchSTSPolicy(ctx, tr, toDomain)

	var lastErr error
	for _, mx := range mxs {
		if policy != nil && !policy.Match(mx) {
			tr.Printf("%q skipped, not covered by MTA-STS policy", mx)
			continue
		}

		err, permanent := d.deliverTo(ctx, tr, mx, policy, from, to, data)
		if err == nil {
			return nil, false
		}
		lastErr = err
		if permanent {
			return err, true
		}
		tr.Errorf("%q returned transient error: %v", mx, err)
	}

	return tr.Errorf("all MXs returned transient failures (last: %v)", lastErr), false
}

func (d *Dialer) deliverTo(ctx context.Context, tr *trace.Trace, mx string, policy *mtasts.Policy, from, to string, data []byte) (error, bool) {
	skipTLS := false

retry:
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(mx, d.port()), d.dialTimeout())
	if err != nil {
		return tr.Errorf("could not dial %s: %v", mx, err), false
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(d.totalTimeout()))

	c, err := smtp.NewClient(conn, mx)
	if err != nil {
		return tr.Errorf("error creating client: %v", err), false
	}
	defer c.Close()

	if err = c.Hello(d.HelloDomain); err != nil {
		return tr.Errorf("error saying hello: %v", err), false
	}

	level := tlschannel.Plain
	if ok, _ := c.Extension("STARTTLS"); ok && !skipTLS {
		var eeRecs, taRecs []dnsresolve.TLSA
		if d.Resolver != nil {
			if a, recs, err := d.Resolver.LookupTLSA(ctx, d.portNum(), mx); err == nil && a.AuthenticData() {
				eeRecs, taRecs = tlschannel.SplitTLSA(recs)
			}
		}

		cfg := &tls.Config{
			ServerName:         mx,
			InsecureSkipVerify: true, // verified manually below, PKIX or DANE.
			VerifyConnection: func(cs tls.ConnectionState) error {
				level = verifyOutgoing(cs, eeRecs, taRecs)
				return nil
			},
		}

		if err = c.StartTLS(cfg); err != nil {
			tlsCount.Add("failed", 1)
			tr.Errorf("TLS error, retrying without TLS: %v", err)
			skipTLS = true
			conn.Close()
			goto retry
		}
		tlsCount.Add(level.String(), 1)

		if d.EnforceDANE && (len(eeRecs) > 0 || len(taRecs) > 0) && level != tlschannel.DANEVerified {
			return tr.Errorf("DANE required by published TLSA records but the handshake did not match"), false
		}
	} else {
		if d.EnforceDANE && d.Resolver != nil {
			if a, recs, err := d.Resolver.LookupTLSA(ctx, d.portNum(), mx); err == nil && a.AuthenticData() {
				if ee, ta := tlschannel.SplitTLSA(recs); len(ee) > 0 || len(ta) > 0 {
					return tr.Errorf("DANE required by published TLSA records but TLS is not in use"), false
				}
			}
		}
		tlsCount.Add("plain", 1)
		tr.Debugf("insecure - NOT using TLS")
	}

	if policy != nil && policy.Mode == mtasts.ModeEnforce {
		mtastsModeCount.Add("enforce", 1)
		if level != tlschannel.Secure && level != tlschannel.DANEVerified {
			return tr.Errorf("MTA-STS enforce policy requires valid TLS, got %s", level), false
		}
	}

	cl := &client{Client: c}
	if err = cl.MailAndRcpt(from, to); err != nil {
		return tr.Errorf("MAIL+RCPT: %v", err), isPermanent(err)
	}

	w, err := c.Data()
	if err != nil {
		return tr.Errorf("DATA: %v", err), isPermanent(err)
	}
	if _, err = w.Write(data); err != nil {
		return tr.Errorf("DATA writing: %v", err), isPermanent(err)
	}
	if err = w.Close(); err != nil {
		return tr.Errorf("DATA closing: %v", err), isPermanent(err)
	}

	_ = c.Quit()
	tr.Debugf("done")
	return nil, false
}

// verifyOutgoing classifies a handshake's security level: DANE if a
// TLSA record matched, otherwise standard PKIX, otherwise insecure.
func verifyOutgoing(cs tls.ConnectionState, ee, ta []dnsresolve.TLSA) tlschannel.SecLevel {
	if len(cs.PeerCertificates) == 0 {
		return tlschannel.Insecure
	}
	if len(ee) > 0 || len(ta) > 0 {
		if tlschannel.VerifyChain(ee, ta, cs.PeerCertificates) == nil {
			return tlschannel.DANEVerified
		}
	}

	opts := x509.VerifyOptions{
		DNSName:       cs.ServerName,
		Intermediates: x509.NewCertPool(),
	}
	for _, cert := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}
	if _, err := cs.PeerCertificates[0].Verify(opts); err != nil {
		return tlschannel.Insecure
	}
	return tlschannel.Secure
}

func (d *Dialer) fetchSTSPolicy(ctx context.Context, tr *trace.Trace, domain string) *mtasts.Policy {
	if d.STSCache == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 1*time.Minute)
	defer cancel()

	policy, err := d.STSCache.Get(ctx, domain)
	if err != nil {
		tr.Debugf("MTA-STS policy fetch error for %s: %v", domain, err)
		return nil
	}
	tr.Debugf("got MTA-STS policy for %s, mode=%s", domain, policy.Mode)
	return policy
}

// lookupMXs resolves domain's MXs, falling back to an implicit MX (the
// domain itself) when no MX records exist, per RFC 5321 §5.1. It prefers
// the resolver's own MX lookup when one is configured, and falls back to
// net.LookupMX otherwise.
func (d *Dialer) lookupMXs(ctx context.Context, tr *trace.Trace, domain string) ([]string, error, bool) {
	domain, err := idna.ToASCII(domain)
	if err != nil {
		return nil, err, true
	}

	var hosts []string

	if d.Resolver != nil {
		_, mxs, err := d.Resolver.LookupMX(ctx, domain)
		if err != nil {
			return nil, err, false
		}
		if len(mxs) == 0 {
			tr.Debugf("no MX for %s, falling back to implicit MX", domain)
			hosts = []string{domain}
		} else {
			for _, mx := range mxs {
				hosts = append(hosts, mx.Exchange)
			}
		}
	} else {
		mxRecords, err := net.LookupMX(domain)
		if err != nil {
			dnsErr, ok := err.(*net.DNSError)
			if !ok {
				return nil, err, false
			}
			if dnsErr.IsNotFound {
				hosts = []string{domain}
			} else {
				return nil, err, !dnsErr.Temporary()
			}
		} else {
			for _, r := range mxRecords {
				hosts = append(hosts, r.Host)
			}
		}
	}

	if len(hosts) > 5 {
		hosts = hosts[:5]
	}
	tr.Debugf("MXs for %s: %v", domain, hosts)
	return hosts, nil, true
}

// client extends *smtp.Client with SMTPUTF8 handling, generalizing the
// teacher's internal/smtp.Client to use internal/mailbox instead of the
// dropped internal/envelope.
type client struct {
	*smtp.Client
}

func (c *client) cmd(expectCode int, format string, args ...interface{}) (int, string, error) {
	id, err := c.Text.Cmd(format, args...)
	if err != nil {
		return 0, "", err
	}
	c.Text.StartResponse(id)
	defer c.Text.EndResponse(id)
	return c.Text.ReadResponse(expectCode)
}

// MailAndRcpt issues MAIL FROM and RCPT TO, adding BODY=8BITMIME and
// SMTPUTF8 parameters as needed and supported.
func (c *client) MailAndRcpt(from, to string) error {
	from, fromNeeds, err := c.prepareForSMTPUTF8(from)
	if err != nil {
		return err
	}
	to, toNeeds, err := c.prepareForSMTPUTF8(to)
	if err != nil {
		return err
	}
	needsUTF8 := fromNeeds || toNeeds

	cmdStr := "MAIL FROM:<%s>"
	if ok, _ := c.Extension("8BITMIME"); ok {
		cmdStr += " BODY=8BITMIME"
	}
	if needsUTF8 {
		cmdStr += " SMTPUTF8"
	}
	if _, _, err = c.cmd(250, cmdStr, from); err != nil {
		return err
	}

	_, _, err = c.cmd(25, "RCPT TO:<%s>", to)
	return err
}

func (c *client) prepareForSMTPUTF8(addr string) (string, bool, error) {
	if isASCII(addr) {
		return addr, false, nil
	}
	if ok, _ := c.Extension("SMTPUTF8"); ok {
		return addr, true, nil
	}

	user, dom := mailbox.Split(addr)
	if !isASCII(user) {
		return addr, true, &textproto.Error{Code: 599,
			Msg: "local part is not ASCII but server does not support SMTPUTF8"}
	}

	dom, err := idna.ToASCII(dom)
	if err != nil {
		return addr, true, &textproto.Error{Code: 599,
			Msg: "non-ASCII domain is not IDNA safe"}
	}
	return user + "@" + dom, false, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

// isPermanent reports whether err carries a 5xx SMTP reply code, per RFC
// 5321 §4.2.1.
func isPermanent(err error) bool {
	if err == nil {
		return false
	}
	if tpErr, ok := err.(*textproto.Error); ok {
		return tpErr.Code >= 500 && tpErr.Code < 600
	}
	return false
}
