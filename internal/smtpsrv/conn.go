package smtpsrv

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/mail"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/emersion/go-msgauth/authres"

	"github.com/gene-hightower/ghsmtp-sub000/internal/dkim"
	"github.com/gene-hightower/ghsmtp-sub000/internal/dmarc"
	"github.com/gene-hightower/ghsmtp-sub000/internal/dnsbl"
	"github.com/gene-hightower/ghsmtp-sub000/internal/dnsresolve"
	"github.com/gene-hightower/ghsmtp-sub000/internal/domain"
	"github.com/gene-hightower/ghsmtp-sub000/internal/expvarom"
	"github.com/gene-hightower/ghsmtp-sub000/internal/mailbox"
	"github.com/gene-hightower/ghsmtp-sub000/internal/maildir"
	"github.com/gene-hightower/ghsmtp-sub000/internal/rfc5322"
	"github.com/gene-hightower/ghsmtp-sub000/internal/set"
	ispf "github.com/gene-hightower/ghsmtp-sub000/internal/spf"
	"github.com/gene-hightower/ghsmtp-sub000/internal/tlsconst"
	"github.com/gene-hightower/ghsmtp-sub000/internal/trace"

	"blitiri.com.ar/go/spf"
)

// Exported variables.
var (
	commandCount = expvarom.NewMap("ghsmtpd/smtpIn/commandCount",
		"command", "count of SMTP commands received, by command")
	responseCodeCount = expvarom.NewMap("ghsmtpd/smtpIn/responseCodeCount",
		"code", "response codes returned to SMTP commands")
	spfResultCount = expvarom.NewMap("ghsmtpd/smtpIn/spfResultCount",
		"result", "SPF result count")
	loopsDetected = expvarom.NewInt("ghsmtpd/smtpIn/loopsDetected",
		"count of loops detected")
	tlsCount = expvarom.NewMap("ghsmtpd/smtpIn/tlsCount",
		"status", "count of TLS usage in incoming connections")
	hookResults = expvarom.NewMap("ghsmtpd/smtpIn/hookResults",
		"result", "count of hook invocations, by result")
	wrongProtoCount = expvarom.NewMap("ghsmtpd/smtpIn/wrongProtoCount",
		"command", "count of commands for other protocols")
	dmarcAdviceCount = expvarom.NewMap("ghsmtpd/smtpIn/dmarcAdviceCount",
		"advice", "count of DMARC dispositions applied to accepted mail")
)

var (
	maxReceivedHeaders = flag.Int("testing__max_received_headers", 50,
		"max Received headers, for loop detection; ONLY FOR TESTING")

	// Some tests disable SPF and the greeting delay, to avoid leaking DNS
	// lookups and to keep tests fast.
	disableSPFForTesting    = false
	disableBannerDelayForTesting = false
)

// SocketMode represents the mode for a socket (listening or connection).
// Unlike the teacher, we have no AUTH-gated submission port: every listener
// either speaks plain SMTP with opportunistic STARTTLS, or is wrapped in
// TLS from the first byte (the "SMTPS" style some peers still expect).
type SocketMode struct {
	TLS bool
}

func (mode SocketMode) String() string {
	if mode.TLS {
		return "SMTP+TLS"
	}
	return "SMTP"
}

// Valid socket modes.
var (
	ModeSMTP    = SocketMode{TLS: false}
	ModeSMTPTLS = SocketMode{TLS: true}
)

// Conn represents an incoming SMTP connection.
type Conn struct {
	// Main hostname, used for display and the Received header.
	hostname string

	// Maximum data size.
	maxDataSize int64

	// Post-DATA hook location.
	postDataHook string

	// Connection information.
	conn         net.Conn
	mode         SocketMode
	tlsConnState *tls.ConnectionState
	remoteAddr   net.Addr

	// Reader and text writer, so we can control limits.
	reader *bufio.Reader
	writer *bufio.Writer

	// Tracer to use.
	tr *trace.Trace

	// TLS configuration.
	tlsConfig *tls.Config

	// Domain given at HELO/EHLO.
	ehloDomain string

	// Envelope.
	haveMailFrom bool
	mailFrom     mailbox.Mailbox
	rcptTo       []mailbox.Mailbox
	data         []byte

	// Set by MAIL FROM BODY=BINARYMIME; DATA then refuses the message
	// (only BDAT can carry it), per RFC 3030 §3.
	binaryMIME bool

	// Set once the first BDAT of a message has been seen, so DATA and BDAT
	// cannot be mixed in the same message.
	usingBDAT bool

	// Set when an in-progress BDAT transfer has overflowed maxDataSize;
	// further BDATs are consumed and discarded until LAST.
	sizeError bool

	// SPF results.
	spfResult spf.Result
	spfError  error

	// Are we using TLS?
	onTLS bool

	// Have we used EHLO?
	isESMTP bool

	// Local domains, DKIM signers, the Maildir store and the resolver
	// driving the authentication pipeline, taken from the server at
	// creation time.
	localDomains   *set.String
	dkimSigners    map[string][]*dkim.Signer
	dnsblZones     []string
	dnsblWhitelist *set.String
	maildir        *maildir.Store
	resolver       *dnsresolve.Resolver

	// When we should close this connection, no matter what.
	deadline time.Time

	// Time we wait for command round-trips (excluding DATA/BDAT).
	commandTimeout time.Duration
}

// Close the connection.
func (c *Conn) Close() {
	c.conn.Close()
}

// Handle implements the main protocol loop (reading commands, sending
// replies).
func (c *Conn) Handle() {
	defer c.Close()

	c.tr = trace.New("SMTP.Conn", c.conn.RemoteAddr().String())
	defer c.tr.Finish()
	c.tr.Debugf("Connected, mode: %s", c.mode)

	// Set the first deadline, which covers possibly the TLS handshake and
	// then our initial greeting.
	c.conn.SetDeadline(time.Now().Add(c.commandTimeout))

	if tc, ok := c.conn.(*tls.Conn); ok {
		if err := tc.Handshake(); err != nil {
			c.tr.Errorf("error completing TLS handshake: %v", err)
			return
		}

		cstate := tc.ConnectionState()
		c.tlsConnState = &cstate
		if name := c.tlsConnState.ServerName; name != "" {
			c.hostname = name
		}
	}

	c.remoteAddr = c.conn.RemoteAddr()

	// Pre-greeting pause: if the client is impatient enough to send bytes
	// before our banner, it is almost certainly a spam bot pipelining
	// blindly; reject it before spending a command round-trip on it.
	if !disableBannerDelayForTesting && c.earlyTalker() {
		c.printfLine("421 4.3.2 input before greeting")
		return
	}

	// Set up a buffered reader and writer from the conn.
	c.reader = bufio.NewReader(c.conn)
	c.writer = bufio.NewWriter(c.conn)

	c.printfLine("220 %s ESMTP ghsmtp", c.hostname)

	var cmd, params string
	var err error
	var errCount int

loop:
	for {
		if time.Since(c.deadline) > 0 {
			err = fmt.Errorf("connection deadline exceeded")
			c.tr.Error(err)
			break
		}

		c.conn.SetDeadline(time.Now().Add(c.commandTimeout))

		cmd, params, err = c.readCommand()
		if err != nil {
			c.printfLine("554 error reading command: %v", err)
			break
		}

		c.tr.Debugf("-> %s %s", cmd, params)

		var code int
		var msg string

		switch cmd {
		case "HELO":
			code, msg = c.HELO(params)
		case "EHLO":
			code, msg = c.EHLO(params)
		case "HELP":
			code, msg = c.HELP(params)
		case "NOOP":
			code, msg = c.NOOP(params)
		case "RSET":
			code, msg = c.RSET(params)
		case "VRFY":
			code, msg = c.VRFY(params)
		case "EXPN":
			code, msg = c.EXPN(params)
		case "MAIL":
			code, msg = c.MAIL(params)
		case "RCPT":
			code, msg = c.RCPT(params)
		case "DATA":
			code, msg = c.DATA(params)
		case "BDAT":
			code, msg = c.BDAT(params)
		case "STARTTLS":
			code, msg = c.STARTTLS(params)
		case "QUIT":
			_ = c.writeResponse(221, "2.0.0 Be seeing you...")
			break loop
		case "GET", "POST", "CONNECT":
			// HTTP protocol detection, to prevent cross-protocol attacks
			// (e.g. https://alpaca-attack.com/).
			wrongProtoCount.Add(cmd, 1)
			c.tr.Errorf("http command, closing connection")
			_ = c.writeResponse(502, "5.7.0 You hear someone cursing shoplifters")
			break loop
		default:
			cmd = fmt.Sprintf("unknown<%.6q>", cmd)
			code = 500
			msg = "5.5.1 Unknown command"
		}

		commandCount.Add(cmd, 1)
		if code > 0 {
			c.tr.Debugf("<- %d  %s", code, msg)

			if code >= 400 {
				c.tr.Errorf("%s failed: %d  %s", cmd, code, msg)

				// Close the connection after 3 errors.
				errCount++
				if errCount >= 3 {
					// https://tools.ietf.org/html/rfc5321#section-4.3.2
					c.tr.Errorf("too many errors, breaking connection")
					_ = c.writeResponse(421, "4.5.0 Too many errors, bye")
					break
				}
			}

			err = c.writeResponse(code, msg)
			if err != nil {
				break
			}

			// 421 means we are closing the channel (RFC 5321 §3.8).
			if code == 421 {
				break
			}
		}
	}

	if err != nil {
		if err == io.EOF {
			c.tr.Debugf("client closed the connection")
		} else {
			c.tr.Errorf("exiting with error: %v", err)
		}
	}
}

// earlyTalker peeks for a short, random interval to see if the client sends
// anything before we've had a chance to greet it.
func (c *Conn) earlyTalker() bool {
	wait := 500*time.Millisecond + time.Duration(rand.Int63n(int64(9500*time.Millisecond)))
	c.conn.SetReadDeadline(time.Now().Add(wait))
	defer c.conn.SetReadDeadline(time.Time{})

	var b [1]byte
	n, err := c.conn.Read(b[:])
	if n > 0 {
		return true
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return false
		}
	}
	return false
}

// HELO SMTP command handler.
func (c *Conn) HELO(params string) (code int, msg string) {
	arg := strings.Fields(params)
	if len(arg) == 0 || !validHELODomain(arg[0], c.remoteAddr) {
		return 501, "Invisible customers are not welcome!"
	}
	c.ehloDomain = arg[0]

	types := []string{
		"general store", "used armor dealership", "second-hand bookstore",
		"liquor emporium", "antique weapons outlet", "delicatessen",
		"jewelers", "quality apparel and accessories", "hardware",
		"rare books", "lighting store"}
	t := types[rand.Int()%len(types)]
	msg = fmt.Sprintf("Hello my friend, welcome to ghsmtp's %s!", t)

	return 250, msg
}

// EHLO SMTP command handler.
func (c *Conn) EHLO(params string) (code int, msg string) {
	arg := strings.Fields(params)
	if len(arg) == 0 || !validHELODomain(arg[0], c.remoteAddr) {
		return 501, "Invisible customers are not welcome!"
	}
	c.ehloDomain = arg[0]
	c.isESMTP = true

	buf := bytes.NewBuffer(nil)
	fmt.Fprintf(buf, c.hostname+" - Your hour of destiny has come.\n")
	fmt.Fprintf(buf, "8BITMIME\n")
	fmt.Fprintf(buf, "BINARYMIME\n")
	fmt.Fprintf(buf, "CHUNKING\n")
	fmt.Fprintf(buf, "PIPELINING\n")
	fmt.Fprintf(buf, "SMTPUTF8\n")
	fmt.Fprintf(buf, "ENHANCEDSTATUSCODES\n")
	fmt.Fprintf(buf, "SIZE %d\n", c.maxDataSize)
	if !c.onTLS {
		fmt.Fprintf(buf, "STARTTLS\n")
	}
	fmt.Fprintf(buf, "HELP\n")
	return 250, buf.String()
}

// validHELODomain checks that s looks like a domain or address literal, has
// at least two labels, and is not a loopback self-identification from a
// peer that is not itself loopback (a common anti-spoofing check).
func validHELODomain(s string, remote net.Addr) bool {
	if domain.IsIPv4Literal(s) || domain.IsIPv6Literal(s) {
		return true
	}

	d, err := domain.New(s)
	if err != nil {
		return false
	}
	if d.IsAddressLiteral() {
		return true
	}

	if d.ASCII() == "localhost" {
		tcp, ok := remote.(*net.TCPAddr)
		return ok && tcp.IP.IsLoopback()
	}

	return strings.Contains(d.ASCII(), ".")
}

// HELP SMTP command handler.
func (c *Conn) HELP(params string) (code int, msg string) {
	return 214, "2.0.0 Hoy por ti, mañana por mi"
}

// RSET SMTP command handler.
func (c *Conn) RSET(params string) (code int, msg string) {
	c.resetEnvelope()

	msgs := []string{
		"Who was that Maud person anyway?",
		"Thinking of Maud you forget everything else.",
		"Your mind releases itself from mundane concerns.",
		"As your mind turns inward on itself, you forget everything else.",
	}
	return 250, "2.0.0 " + msgs[rand.Int()%len(msgs)]
}

// VRFY SMTP command handler.
func (c *Conn) VRFY(params string) (code int, msg string) {
	// We intentionally don't implement this command.
	return 502, "5.5.1 You have a strange feeling for a moment, then it passes."
}

// EXPN SMTP command handler.
func (c *Conn) EXPN(params string) (code int, msg string) {
	// We intentionally don't implement this command.
	return 502, "5.5.1 You feel disoriented for a moment."
}

// NOOP SMTP command handler.
func (c *Conn) NOOP(params string) (code int, msg string) {
	return 250, "2.0.0 You hear a faint typing noise."
}

// MAIL SMTP command handler.
func (c *Conn) MAIL(params string) (code int, msg string) {
	if !strings.HasPrefix(strings.ToLower(params), "from:") {
		return 500, "5.5.2 Unknown command"
	}
	if c.ehloDomain == "" {
		return 503, "5.5.1 Invisible customers are not welcome!"
	}

	path, opts := splitPathAndParams(params[5:])

	c.resetEnvelope()

	mb, err := mailbox.ParsePath(path)
	if err != nil {
		return 501, "5.1.7 Sender address malformed"
	}

	for _, opt := range opts {
		k, v, _ := strings.Cut(opt, "=")
		switch strings.ToUpper(k) {
		case "SIZE":
			n, err := strconv.ParseInt(v, 10, 64)
			if err == nil && c.maxDataSize > 0 && n > c.maxDataSize {
				return 552, "5.3.4 Message size exceeds fixed maximum"
			}
		case "BODY":
			if strings.EqualFold(v, "BINARYMIME") {
				c.binaryMIME = true
			}
		}
	}

	if !mb.Null {
		if listed := c.checkDNSBL(mb.Domain.ASCII()); listed != nil {
			c.tr.Errorf("rejected %s: %v", mb, listed)
			return 421, "4.7.1 Our envoy has recognized you as a hostile spirit"
		}

		// https://tools.ietf.org/html/rfc7208#section-2.4
		// We opt not to fail on errors, to avoid accidents from preventing
		// delivery.
		c.spfResult, c.spfError = c.checkSPF(mb.String())
		if c.spfResult == spf.Fail {
			// https://tools.ietf.org/html/rfc7208#section-8.4
			c.tr.Errorf("rejected %s: failed SPF: %v", mb, c.spfError)
			return 550, fmt.Sprintf("5.7.23 SPF check failed: %v", c.spfError)
		}
	}

	c.mailFrom = mb
	c.haveMailFrom = true
	return 250, "2.1.5 You feel like you are being watched"
}

// splitPathAndParams pulls the bracketed "<addr>" (or bare address, which
// some clients send against spec) out of params, returning it along with
// any trailing ESMTP parameters.
func splitPathAndParams(s string) (path string, opts []string) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") {
		if i := strings.IndexByte(s, '>'); i >= 0 {
			path = s[1:i]
			if rest := strings.TrimSpace(s[i+1:]); rest != "" {
				opts = strings.Fields(rest)
			}
			return path, opts
		}
	}
	fields := strings.Fields(s)
	if len(fields) > 0 {
		path = strings.Trim(fields[0], "<>")
		opts = fields[1:]
	}
	return path, opts
}

// checkSPF for the given address, based on the current connection.
func (c *Conn) checkSPF(addr string) (spf.Result, error) {
	if disableSPFForTesting {
		return "", nil
	}

	tcp, ok := c.remoteAddr.(*net.TCPAddr)
	if !ok {
		return "", nil
	}

	spfTr := trace.New("SMTP.SPF", tcp.IP.String())
	defer spfTr.Finish()

	_, fromDomain := mailbox.Split(addr)
	res, err := spf.CheckHostWithSender(tcp.IP, fromDomain, addr,
		spf.WithTraceFunc(func(f string, a ...interface{}) {
			spfTr.Debugf(f, a...)
		}))

	c.tr.Debugf("SPF %v (%v)", res, err)
	spfResultCount.Add(string(res), 1)

	return res, err
}

// checkDNSBL looks the sender domain up against every configured zone,
// unless it is whitelisted. It returns the first hit, if any.
func (c *Conn) checkDNSBL(senderDomain string) *dnsbl.Listed {
	if len(c.dnsblZones) == 0 || c.dnsblWhitelist.Has(senderDomain) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, zone := range c.dnsblZones {
		listed, err := dnsbl.CheckDomain(ctx, c.resolver, zone, senderDomain)
		if err != nil {
			c.tr.Debugf("dnsbl %s: %v", zone, err)
			continue
		}
		if listed != nil {
			return listed
		}
	}
	return nil
}

// RCPT SMTP command handler.
func (c *Conn) RCPT(params string) (code int, msg string) {
	if !strings.HasPrefix(strings.ToLower(params), "to:") {
		return 500, "5.5.2 Unknown command"
	}
	if !c.haveMailFrom {
		return 503, "5.5.1 Sender not yet given"
	}

	// RFC says 100 is the minimum limit for this, but it seems excessive.
	// https://tools.ietf.org/html/rfc5321#section-4.5.3.1.8
	if len(c.rcptTo) > 100 {
		return 452, "4.5.3 Too many recipients"
	}

	path, _ := splitPathAndParams(params[3:])
	if strings.EqualFold(path, "Postmaster") {
		path = "postmaster@" + c.hostname
	}

	mb, err := mailbox.ParsePath(path)
	if err != nil || mb.Null {
		return 501, "5.1.3 Malformed destination address"
	}

	if !c.localDomains.Has(mb.Domain.ASCII()) {
		c.tr.Errorf("relay denied for %s", mb)
		return 550, "5.7.1 Relay not allowed"
	}

	c.rcptTo = append(c.rcptTo, mb)
	return 250, "2.1.5 You have an eerie feeling..."
}

// DATA SMTP command handler.
func (c *Conn) DATA(params string) (code int, msg string) {
	if c.ehloDomain == "" {
		return 503, "5.5.1 Invisible customers are not welcome!"
	}
	if !c.haveMailFrom {
		return 503, "5.5.1 Sender not yet given"
	}
	if len(c.rcptTo) == 0 {
		return 503, "5.5.1 Need an address to send to"
	}
	if c.binaryMIME {
		return 503, "5.5.1 BINARYMIME requires BDAT, not DATA"
	}
	if c.usingBDAT {
		return 503, "5.5.1 BDAT sequence already in progress"
	}

	err := c.writeResponse(354, "You suddenly realize it is unnaturally quiet")
	if err != nil {
		return 554, fmt.Sprintf("5.4.0 Error writing DATA response: %v", err)
	}
	c.tr.Debugf("<- 354  You suddenly realize it is unnaturally quiet")
	if c.onTLS {
		tlsCount.Add("tls", 1)
	} else {
		tlsCount.Add("plain", 1)
	}

	// Increase the deadline for the data transfer to the connection-level
	// one, we don't want the command timeout to interfere.
	c.conn.SetDeadline(c.deadline)

	data, err := readUntilDot(c.reader, c.maxDataSize)
	c.data = data
	if err != nil {
		if err == errMessageTooLarge {
			return 552, "5.3.4 Message too big"
		}
		return 554, fmt.Sprintf("5.4.0 Error reading DATA: %v", err)
	}

	c.tr.Debugf("-> ... %d bytes of data", len(c.data))
	return c.finalizeMessage()
}

// BDAT SMTP command handler, implementing RFC 3030 chunking.
func (c *Conn) BDAT(params string) (code int, msg string) {
	if c.ehloDomain == "" {
		return 503, "5.5.1 Invisible customers are not welcome!"
	}
	if !c.haveMailFrom {
		return 503, "5.5.1 Sender not yet given"
	}
	if len(c.rcptTo) == 0 {
		return 503, "5.5.1 Need an address to send to"
	}

	fields := strings.Fields(params)
	if len(fields) == 0 {
		return 501, "5.5.4 Malformed BDAT command"
	}
	size, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || size < 0 {
		return 501, "5.5.4 Malformed BDAT size"
	}
	last := len(fields) == 2 && strings.EqualFold(fields[1], "LAST")

	c.usingBDAT = true
	c.conn.SetDeadline(c.deadline)

	if c.sizeError || int64(len(c.data))+size > c.maxDataSize {
		// Still consume the announced octets, so the stream stays in sync
		// even though we discard them.
		if _, err := io.CopyN(io.Discard, c.reader, size); err != nil {
			return 554, fmt.Sprintf("5.4.0 Error reading BDAT: %v", err)
		}
		c.sizeError = true
	} else {
		buf := make([]byte, size)
		if _, err := io.ReadFull(c.reader, buf); err != nil {
			return 554, fmt.Sprintf("5.4.0 Error reading BDAT: %v", err)
		}
		c.data = append(c.data, buf...)
	}

	if !last {
		return 250, fmt.Sprintf("2.0.0 %d octets received", size)
	}

	if c.sizeError {
		c.resetEnvelope()
		return 552, "5.3.4 Message too big"
	}

	return c.finalizeMessage()
}

// finalizeMessage runs loop detection, the post-DATA hook, and the
// authentication pipeline over c.data, then persists it, the shared tail
// end of both DATA and BDAT LAST.
func (c *Conn) finalizeMessage() (code int, msg string) {
	if err := checkData(c.data); err != nil {
		c.tr.Errorf("rejected: %v", err)
		c.resetEnvelope()
		return 554, err.Error()
	}

	c.addReceivedHeader()

	hookOut, permanent, err := c.runPostDataHook(c.data)
	if err != nil {
		c.tr.Errorf("post-data hook: %v", err)
		c.resetEnvelope()
		if permanent {
			return 554, err.Error()
		}
		return 451, err.Error()
	}
	c.data = append(hookOut, c.data...)

	advice := c.runAuthPipeline()
	dmarcAdviceCount.Add(string(advice), 1)
	if advice == dmarc.AdviceReject {
		c.tr.Errorf("rejected by DMARC policy")
		c.resetEnvelope()
		return 550, "5.7.1 Message rejected by DMARC policy"
	}

	path, err := c.store()
	if err != nil {
		return 451, fmt.Sprintf("4.3.0 Failed to store message: %v", err)
	}
	c.tr.Printf("stored from %s to %s - %s", c.mailFrom, c.rcptTo, path)

	// It is very important that we reset the envelope before returning, so
	// clients can send other emails right away without needing to RSET.
	c.resetEnvelope()

	msgs := []string{
		"You offer the Amulet of Yendor to Anhur...",
		"An invisible choir sings, and you are bathed in radiance...",
		"The voice of Anhur booms out: Congratulations, mortal!",
		"In return to thy service, I grant thee the gift of Immortality!",
		"You ascend to the status of Demigod(dess)...",
	}
	return 250, "2.0.0 " + msgs[rand.Int()%len(msgs)]
}

// store persists c.data as a new Maildir message.
func (c *Conn) store() (string, error) {
	m, err := c.maildir.Create()
	if err != nil {
		return "", err
	}
	if _, err := m.Write(c.data); err != nil {
		m.Abort()
		return "", err
	}
	return m.Commit()
}

// runAuthPipeline runs SPF-result ingestion, DKIM/ARC verification and
// DMARC evaluation over c.data, prepends the resulting Authentication-
// Results header (and a fresh ARC seal, if we have a signer configured
// for our hostname), and returns the DMARC-recommended disposition.
func (c *Conn) runAuthPipeline() dmarc.Advice {
	ctx := context.Background()
	ctx = dkim.WithTraceFunc(ctx, c.tr.Debugf)
	ctx = dkim.WithLookupTXTFunc(ctx, func(ctx context.Context, domain string) ([]string, error) {
		_, txt, err := c.resolver.LookupTXT(ctx, domain)
		return txt, err
	})

	wire := rfc5322.ToCRLF(string(c.data))
	parsed, err := rfc5322.Parse(wire)
	if err != nil {
		c.tr.Errorf("authentication pipeline: parsing message: %v", err)
		return dmarc.AdviceNone
	}

	dkimRes, err := dkim.VerifyMessage(ctx, wire)
	if err != nil {
		c.tr.Errorf("DKIM verification: %v", err)
		dkimRes = &dkim.VerifyResult{}
	}

	arcRes, err := dkim.VerifyARC(ctx, wire)
	if err != nil {
		c.tr.Errorf("ARC verification: %v", err)
		arcRes = &dkim.ARCResult{Status: dkim.ChainFail}
	}

	_, fromDomain := mailbox.Split(c.mailFrom.String())

	results := []authres.Result{
		&authres.SPFResult{Value: spfToAuthres(c.spfResult), From: fromDomain},
	}
	for _, r := range dkimRes.Results {
		results = append(results, &authres.DKIMResult{
			Value:  dkimStateToAuthres(r.State),
			Domain: r.Domain,
		})
	}

	// Mail relayed through an upstream MTA may already carry its own
	// Received-SPF trace headers (e.g. a mailing list re-sending under its
	// own envelope). Surface those verdicts too, since our own live check
	// above only covers this hop's MAIL FROM.
	upstreamSPF := ispf.Ingest(parsed)
	for _, v := range upstreamSPF {
		if v.Domain == "" || strings.EqualFold(v.Domain, fromDomain) {
			continue
		}
		results = append(results, &authres.SPFResult{
			Value: ingestedSPFToAuthres(v.Result), From: v.Domain})
	}

	advice := dmarc.AdviceNone
	eval := dmarc.New(c.resolver)
	eval.Connect()
	if err := eval.ExtractDomains(parsed); err != nil {
		c.tr.Debugf("DMARC: %v", err)
	} else {
		eval.StoreSPF(fromDomain, spfToAuthres(c.spfResult))
		for _, v := range upstreamSPF {
			if strings.EqualFold(v.Domain, fromDomain) {
				eval.StoreSPF(fromDomain, ingestedSPFToAuthres(v.Result))
			}
		}
		for _, r := range dkimRes.Results {
			eval.StoreDKIM(r.Domain, dkimStateToAuthres(r.State))
		}

		dmarcRes, adv, err := eval.Evaluate(ctx)
		if err != nil {
			c.tr.Debugf("DMARC evaluation: %v", err)
		} else {
			results = append(results, &dmarcRes)
			advice = adv
		}
	}

	arValue := authres.Format(c.hostname, results)
	if arcRes.Status != dkim.ChainNone {
		arValue += fmt.Sprintf(";arc=%s", arcRes.Status)
	}
	c.data = rfc5322.PrependHeader(c.data, "Authentication-Results", arValue)

	c.sealARC(ctx, wire, arcRes, arValue, parsed)

	return advice
}

func spfToAuthres(r spf.Result) authres.ResultValue {
	switch r {
	case spf.Pass:
		return authres.ResultPass
	case spf.Fail:
		return authres.ResultFail
	case spf.SoftFail:
		return authres.ResultSoftFail
	case spf.Neutral:
		return authres.ResultNeutral
	case spf.TempError:
		return authres.ResultTempError
	case spf.PermError:
		return authres.ResultPermError
	default:
		return authres.ResultNone
	}
}

func ingestedSPFToAuthres(r ispf.Result) authres.ResultValue {
	switch r {
	case ispf.Pass:
		return authres.ResultPass
	case ispf.Fail:
		return authres.ResultFail
	case ispf.SoftFail:
		return authres.ResultSoftFail
	case ispf.Neutral:
		return authres.ResultNeutral
	case ispf.TempError:
		return authres.ResultTempError
	case ispf.PermError:
		return authres.ResultPermError
	default:
		return authres.ResultNone
	}
}

func dkimStateToAuthres(s dkim.EvaluationState) authres.ResultValue {
	switch s {
	case dkim.SUCCESS:
		return authres.ResultPass
	case dkim.TEMPFAIL:
		return authres.ResultTempError
	default:
		return authres.ResultFail
	}
}

// sealARC extends the ARC chain on an accepted message, if we hold a
// signing key for our own hostname. Messages we accept here may be
// forwarded on (e.g. via internal/smtpsend), so sealing happens
// unconditionally rather than only when relaying is detected.
func (c *Conn) sealARC(ctx context.Context, wire string, arcRes *dkim.ARCResult, authResults string, parsed *rfc5322.Message) {
	signers := c.dkimSigners[c.hostname]
	if len(signers) == 0 {
		return
	}
	signer := signers[0]

	sealer := &dkim.Sealer{Domain: signer.Domain, Selector: signer.Selector, Signer: signer}
	prevInstance := len(parsed.FindAll("ARC-Seal"))

	lines, err := sealer.Seal(ctx, wire, arcRes.Status, authResults, prevInstance)
	if err != nil {
		c.tr.Errorf("ARC sealing: %v", err)
		return
	}
	c.data = prependLines(c.data, lines)
}

func prependLines(data []byte, lines []string) []byte {
	var b bytes.Buffer
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	b.Write(data)
	return b.Bytes()
}

func (c *Conn) addReceivedHeader() {
	var v string

	// Format is semi-structured, defined by
	// https://tools.ietf.org/html/rfc5321#section-4.4
	v += fmt.Sprintf("from [%s] (%s)\n", addrLiteral(c.remoteAddr), c.ehloDomain)
	v += fmt.Sprintf("by %s (ghsmtp) ", c.hostname)

	// https://www.iana.org/assignments/mail-parameters/mail-parameters.xhtml#mail-parameters-7
	with := "SMTP"
	if c.isESMTP {
		with = "ESMTP"
	}
	if c.onTLS {
		with += "S"
	}
	v += fmt.Sprintf("with %s\n", with)

	if c.tlsConnState != nil {
		// https://tools.ietf.org/html/rfc8314#section-4.3
		v += fmt.Sprintf("tls %s\n", tlsconst.CipherSuiteName(c.tlsConnState.CipherSuite))
	}

	v += fmt.Sprintf("(over %s, ", c.mode)
	if c.tlsConnState != nil {
		v += fmt.Sprintf("%s, ", tlsconst.VersionName(c.tlsConnState.Version))
	} else {
		v += "plain text!, "
	}

	// Note we must NOT include c.rcptTo, that would leak BCCs.
	v += fmt.Sprintf("envelope from %q)\n", c.mailFrom.String())

	// This should be the last part in the Received header, by RFC.
	// https://tools.ietf.org/html/rfc5322#section-3.6.7
	v += fmt.Sprintf("; %s\n", time.Now().Format(time.RFC1123Z))
	c.data = rfc5322.PrependHeader(c.data, "Received", v)

	if c.spfResult != "" {
		// https://tools.ietf.org/html/rfc7208#section-9.1
		v = fmt.Sprintf("%s (%v)", c.spfResult, c.spfError)
		c.data = rfc5322.PrependHeader(c.data, "Received-SPF", v)
	}
}

// addrLiteral converts a net.Addr (must be TCP) into a string for use as an
// address literal, compliant with
// https://tools.ietf.org/html/rfc5321#section-4.1.3.
func addrLiteral(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}
	s := tcp.IP.String()
	if strings.Contains(s, ":") {
		return "IPv6:" + s
	}
	return s
}

// checkData performs very basic checks on the body of the email, to help
// detect very broad problems like email loops.
func checkData(data []byte) error {
	msg, err := mail.ReadMessage(bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("5.6.0 Error parsing message: %v", err)
	}

	// This serves as a basic form of loop prevention. It's not infallible
	// but should catch most instances of accidental looping.
	// https://tools.ietf.org/html/rfc5321#section-6.3
	if len(msg.Header["Received"]) > *maxReceivedHeaders {
		loopsDetected.Add(1)
		return fmt.Errorf("5.4.6 Loop detected (%d hops)", *maxReceivedHeaders)
	}

	return nil
}

// sanitizeEHLODomain makes an EHLO/HELO domain shell-safe, for use in the
// post-data hook's environment.
func sanitizeEHLODomain(s string) string {
	n := ""
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z',
			c >= 'A' && c <= 'Z',
			c >= '0' && c <= '9',
			c == '-', c == '.',
			c == '[', c == ']', c == ':':
			n += string(c)
		}
	}
	return n
}

// runPostDataHook and return the new headers to add, and on error a boolean
// indicating if it's permanent, and the error itself.
func (c *Conn) runPostDataHook(data []byte) ([]byte, bool, error) {
	if _, err := os.Stat(c.postDataHook); os.IsNotExist(err) {
		hookResults.Add("post-data:skip", 1)
		return nil, false, nil
	}
	tr := trace.New("Hook.Post-DATA", c.remoteAddr.String())
	defer tr.Finish()

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
	defer cancel()
	cmd := exec.CommandContext(ctx, c.postDataHook)
	cmd.Stdin = bytes.NewReader(data)

	for _, v := range strings.Fields("USER PWD SHELL PATH") {
		cmd.Env = append(cmd.Env, v+"="+os.Getenv(v))
	}
	cmd.Env = append(cmd.Env, "REMOTE_ADDR="+c.remoteAddr.String())
	cmd.Env = append(cmd.Env, "EHLO_DOMAIN="+sanitizeEHLODomain(c.ehloDomain))
	cmd.Env = append(cmd.Env, "EHLO_DOMAIN_RAW="+c.ehloDomain)
	cmd.Env = append(cmd.Env, "MAIL_FROM="+c.mailFrom.String())

	rcpts := make([]string, len(c.rcptTo))
	for i, r := range c.rcptTo {
		rcpts[i] = r.String()
	}
	cmd.Env = append(cmd.Env, "RCPT_TO="+strings.Join(rcpts, " "))
	cmd.Env = append(cmd.Env, "ON_TLS="+boolToStr(c.onTLS))
	cmd.Env = append(cmd.Env, "SPF_PASS="+boolToStr(c.spfResult == spf.Pass))

	out, err := cmd.Output()
	tr.Debugf("stdout: %q", out)
	if err != nil {
		hookResults.Add("post-data:fail", 1)
		tr.Error(err)

		permanent := false
		if ee, ok := err.(*exec.ExitError); ok {
			tr.Printf("stderr: %q", string(ee.Stderr))
			if status, ok := ee.Sys().(syscall.WaitStatus); ok {
				permanent = status.ExitStatus() == 20
			}
		}

		err = fmt.Errorf(lastLine(string(out)))
		return nil, permanent, err
	}

	if !isHeader(out) {
		hookResults.Add("post-data:badoutput", 1)
		tr.Errorf("error parsing post-data output: %q", out)
		return nil, false, nil
	}

	tr.Debugf("success")
	hookResults.Add("post-data:success", 1)
	return out, false, nil
}

// isHeader checks if the given buffer is a valid MIME header.
func isHeader(b []byte) bool {
	s := string(b)
	if len(s) == 0 {
		return true
	}
	if s == "\n" || strings.Contains(s, "\n\n") {
		return false
	}
	if s[len(s)-1] != '\n' {
		return false
	}

	seen := false
	for _, line := range strings.SplitAfter(s, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			if !seen {
				return false
			}
			continue
		}
		if !strings.Contains(line, ":") {
			return false
		}
		seen = true
	}
	return true
}

func lastLine(s string) string {
	l := strings.Split(s, "\n")
	if len(l) < 2 {
		return ""
	}
	return l[len(l)-2]
}

func boolToStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// STARTTLS SMTP command handler.
func (c *Conn) STARTTLS(params string) (code int, msg string) {
	if c.onTLS {
		return 503, "5.5.1 You are already wearing that!"
	}

	err := c.writeResponse(220, "2.0.0 You experience a strange sense of peace")
	if err != nil {
		return 554, fmt.Sprintf("5.4.0 Error writing STARTTLS response: %v", err)
	}
	c.tr.Debugf("<- 220  You experience a strange sense of peace")

	server := tls.Server(c.conn, c.tlsConfig)
	if err := server.Handshake(); err != nil {
		return 554, fmt.Sprintf("5.5.0 Error in TLS handshake: %v", err)
	}
	c.tr.Debugf("<> ...  jump to TLS was successful")

	// Override the connection, protocol resets to pre-EHLO state.
	c.conn = server
	c.reader = bufio.NewReader(c.conn)
	c.writer = bufio.NewWriter(c.conn)

	cstate := server.ConnectionState()
	c.tlsConnState = &cstate

	c.ehloDomain = ""
	c.isESMTP = false
	c.resetEnvelope()

	c.onTLS = true

	if name := c.tlsConnState.ServerName; name != "" {
		c.hostname = name
	}

	// 0 indicates not to send back a reply.
	return 0, ""
}

func (c *Conn) resetEnvelope() {
	c.haveMailFrom = false
	c.mailFrom = mailbox.Mailbox{}
	c.rcptTo = nil
	c.data = nil
	c.spfResult = ""
	c.spfError = nil
	c.binaryMIME = false
	c.usingBDAT = false
	c.sizeError = false
}

func (c *Conn) readCommand() (cmd, params string, err error) {
	msg, err := c.readLine()
	if err != nil {
		return "", "", err
	}

	sp := strings.SplitN(msg, " ", 2)
	cmd = strings.ToUpper(sp[0])
	if len(sp) > 1 {
		params = sp[1]
	}

	return cmd, params, err
}

func (c *Conn) readLine() (line string, err error) {
	// The bufio reader's ReadLine will only read up to the buffer size,
	// which prevents DoS due to memory exhaustion on extremely long lines.
	l, more, err := c.reader.ReadLine()
	if err != nil {
		return "", err
	}

	// As per RFC, the maximum length of a text line is 1000 octets.
	// https://tools.ietf.org/html/rfc5321#section-4.5.3.1.6
	if len(l) > 1000 || more {
		for more && err == nil {
			_, more, err = c.reader.ReadLine()
		}
		return "", fmt.Errorf("line too long")
	}

	return string(l), nil
}

func (c *Conn) writeResponse(code int, msg string) error {
	defer c.writer.Flush()

	responseCodeCount.Add(strconv.Itoa(code), 1)
	return writeResponse(c.writer, code, msg)
}

func (c *Conn) printfLine(format string, args ...interface{}) {
	fmt.Fprintf(c.writer, format+"\r\n", args...)
	c.writer.Flush()
}

// writeResponse writes a multi-line response to the given writer.
// This is the writing version of textproto.Reader.ReadResponse().
func writeResponse(w io.Writer, code int, msg string) error {
	var i int
	lines := strings.Split(msg, "\n")

	for i = 0; i < len(lines)-2; i++ {
		_, err := w.Write([]byte(fmt.Sprintf("%d-%s\r\n", code, lines[i])))
		if err != nil {
			return err
		}
	}

	_, err := w.Write([]byte(fmt.Sprintf("%d %s\r\n", code, lines[i])))
	if err != nil {
		return err
	}

	return nil
}
