// ghsmtp-send is a one-shot SMTP submission/relay client: it reads a
// message body (or several) and delivers it to the recipient's MX,
// optionally DKIM-signing it first.
package main

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"net"
	"net/smtp"
	"os"
	"strings"
	"time"

	"blitiri.com.ar/go/log"

	"github.com/gene-hightower/ghsmtp-sub000/internal/dkim"
	"github.com/gene-hightower/ghsmtp-sub000/internal/dnsresolve"
	"github.com/gene-hightower/ghsmtp-sub000/internal/mailbox"
	"github.com/gene-hightower/ghsmtp-sub000/internal/rfc5322"
	"github.com/gene-hightower/ghsmtp-sub000/internal/smtpsend"
)

var (
	sender = flag.String("sender", "",
		"our FQDN, used as the EHLO/HELO identity "+
			"(defaults to $GHSMTP_CLIENT_ID, then the OS hostname)")
	mxHost = flag.String("mx_host", "",
		"skip MX lookup and connect directly to this host")

	from = flag.String("from", "", "envelope and header From address")
	to   = flag.String("to", "", "envelope and header To address")

	smtpFrom = flag.String("smtp_from", "",
		"envelope MAIL FROM address, if different from -from")
	smtpTo = flag.String("smtp_to", "",
		"envelope RCPT TO address, if different from -to")

	subject = flag.String("subject", "", "message Subject header")

	use4 = flag.Bool("4", false, "connect over IPv4 only")
	use6 = flag.Bool("6", false, "connect over IPv6 only")

	useTLS        = flag.Bool("use_tls", true, "use STARTTLS when offered")
	requireTLS    = flag.Bool("require_tls", false, "with -mx_host, -nosend or -username: abort if STARTTLS is not offered; on MX-lookup delivery: require a DANE match where DNSSEC-authenticated TLSA records exist (plain text is still used when there are none); not checked with -pipe")
	useSMTPUTF8   = flag.Bool("use_smtputf8", false, "use SMTPUTF8 when needed and offered")
	forceSMTPUTF8 = flag.Bool("force_smtputf8", false,
		"use SMTPUTF8 even if not advertised by the server")

	useDKIM     = flag.Bool("use_dkim", false, "DKIM-sign the message before sending")
	selector    = flag.String("selector", "ghsmtp", "DKIM selector")
	dkimKeyFile = flag.String("dkim_key_file", "", "PEM-encoded DKIM private key (PKCS8)")

	username = flag.String("username", "", "AUTH username")
	password = flag.String("password", "", "AUTH password")

	nosend = flag.Bool("nosend", false, "exit after RCPT TO, without sending DATA")
	pipe   = flag.Bool("pipe", false, "use stdin/stdout as the SMTP connection instead of dialing")

	port = flag.String("port", "25", "SMTP port to connect to")
)

func main() {
	flag.Parse()

	body, err := readBodies(flag.Args())
	if err != nil {
		log.Fatalf("reading message body: %v", err)
	}

	fromAddr := *from
	toAddr := *to
	envFrom := orDefault(*smtpFrom, fromAddr)
	envTo := orDefault(*smtpTo, toAddr)
	if envTo == "" {
		log.Fatalf("no recipient: pass -to (and optionally -smtp_to)")
	}

	msg := composeMessage(fromAddr, toAddr, *subject, body)

	if *useDKIM {
		signed, err := signMessage(msg, envFrom)
		if err != nil {
			log.Fatalf("signing message: %v", err)
		}
		msg = signed
	}

	helloDomain := resolveSenderID()

	if *pipe {
		if err := deliverOverPipe(helloDomain, envFrom, envTo, msg); err != nil {
			log.Fatalf("delivery over stdin/stdout failed: %v", err)
		}
		return
	}

	if *mxHost != "" || *nosend || *username != "" {
		if err := deliverDirect(helloDomain, *mxHost, envFrom, envTo, msg); err != nil {
			log.Fatalf("delivery failed: %v", err)
		}
		return
	}

	d := &smtpsend.Dialer{
		HelloDomain: helloDomain,
		Resolver:    dnsresolve.New(nil),
		Port:        *port,
		EnforceDANE: *requireTLS,
	}

	ctx := context.Background()
	if err, _ := d.Deliver(ctx, envFrom, envTo, msg); err != nil {
		log.Fatalf("delivery failed: %v", err)
	}
}

func orDefault(s, def string) string {
	if s != "" {
		return s
	}
	return def
}

func resolveSenderID() string {
	if *sender != "" {
		return *sender
	}
	if s := os.Getenv("GHSMTP_CLIENT_ID"); s != "" {
		return s
	}
	h, err := os.Hostname()
	if err != nil {
		log.Fatalf("could not determine sender identity, pass -sender: %v", err)
	}
	return h
}

func readBodies(args []string) ([]byte, error) {
	if len(args) == 0 {
		args = []string{"body.txt"}
	}
	var out []byte
	for _, path := range args {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// composeMessage builds a minimal RFC 5322 message from the given body,
// adding From/To/Subject/Date/Message-ID headers when a body doesn't
// already look like a full message (i.e. has no header block of its own).
func composeMessage(from, to, subject string, body []byte) []byte {
	s := rfc5322.ToCRLF(string(body))
	if looksLikeMessage(s) {
		return []byte(s)
	}

	var b strings.Builder
	if from != "" {
		fmt.Fprintf(&b, "From: %s\r\n", from)
	}
	if to != "" {
		fmt.Fprintf(&b, "To: %s\r\n", to)
	}
	if subject != "" {
		fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	}
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%d@%s>\r\n", time.Now().UnixNano(), resolveSenderID())
	b.WriteString("\r\n")
	b.WriteString(s)
	return []byte(b.String())
}

func looksLikeMessage(s string) bool {
	head := s
	if i := strings.Index(s, "\r\n\r\n"); i >= 0 {
		head = s[:i]
	}
	return strings.Contains(head, ": ") || strings.HasPrefix(head, "From:") ||
		strings.HasPrefix(head, "Subject:")
}

func signMessage(msg []byte, domain string) ([]byte, error) {
	if *dkimKeyFile == "" {
		return nil, fmt.Errorf("-use_dkim requires -dkim_key_file")
	}
	key, err := os.ReadFile(*dkimKeyFile)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(key)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", *dkimKeyFile)
	}
	priv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	var signer crypto.Signer
	switch k := priv.(type) {
	case *rsa.PrivateKey:
		signer = k
	case ed25519.PrivateKey:
		signer = k
	default:
		return nil, fmt.Errorf("unsupported DKIM key type %T", k)
	}

	_, signDomain := mailbox.Split(domain)
	s := &dkim.Signer{Domain: signDomain, Selector: *selector, Signer: signer}

	sig, err := s.Sign(context.Background(), string(msg))
	if err != nil {
		return nil, err
	}
	return rfc5322.PrependHeader(msg, "DKIM-Signature", sig), nil
}

// deliverDirect drives the SMTP dialog manually for cases smtpsend.Dialer
// doesn't cover: a forced MX host, AUTH, or -nosend (stop after RCPT).
func deliverDirect(helloDomain, host, envFrom, envTo string, msg []byte) error {
	if host == "" {
		_, dom := mailbox.Split(envTo)
		mxs, err := net.LookupMX(dom)
		if err != nil || len(mxs) == 0 {
			host = dom
		} else {
			host = mxs[0].Host
		}
	}

	network := "tcp"
	switch {
	case *use4:
		network = "tcp4"
	case *use6:
		network = "tcp6"
	}

	conn, err := net.Dial(network, net.JoinHostPort(host, *port))
	if err != nil {
		return fmt.Errorf("dial %s: %w", host, err)
	}
	defer conn.Close()

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Hello(helloDomain); err != nil {
		return fmt.Errorf("EHLO: %w", err)
	}

	if ok, _ := c.Extension("STARTTLS"); ok && *useTLS {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	} else if *requireTLS {
		return fmt.Errorf("server does not offer STARTTLS")
	}

	if *username != "" {
		auth := pickAuth(c, *username, *password, host)
		if auth != nil {
			if err := c.Auth(auth); err != nil {
				return fmt.Errorf("AUTH: %w", err)
			}
		}
	}

	needsUTF8 := *forceSMTPUTF8 || (*useSMTPUTF8 && !isASCII(envFrom+envTo))
	mailCmd := "MAIL FROM:<%s>"
	if ok, _ := c.Extension("8BITMIME"); ok {
		mailCmd += " BODY=8BITMIME"
	}
	if ok, _ := c.Extension("SMTPUTF8"); (ok || *forceSMTPUTF8) && needsUTF8 {
		mailCmd += " SMTPUTF8"
	}
	if _, err := cmdWithCode(c, 250, mailCmd, envFrom); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if _, err := cmdWithCode(c, 25, "RCPT TO:<%s>", envTo); err != nil {
		return fmt.Errorf("RCPT TO: %w", err)
	}

	if *nosend {
		return c.Quit()
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// loginAuth implements the AUTH LOGIN mechanism, which net/smtp doesn't
// provide a helper for (only PLAIN and CRAM-MD5).
type loginAuthImpl struct {
	username, password string
}

func loginAuth(username, password string) smtp.Auth {
	return &loginAuthImpl{username, password}
}

func (a *loginAuthImpl) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	return "LOGIN", nil, nil
}

func (a *loginAuthImpl) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	switch strings.ToLower(string(fromServer)) {
	case "username:":
		return []byte(a.username), nil
	case "password:":
		return []byte(a.password), nil
	default:
		return nil, fmt.Errorf("unexpected AUTH LOGIN server prompt %q", fromServer)
	}
}

func cmdWithCode(c *smtp.Client, expectCode int, format string, args ...interface{}) (string, error) {
	id, err := c.Text.Cmd(format, args...)
	if err != nil {
		return "", err
	}
	c.Text.StartResponse(id)
	defer c.Text.EndResponse(id)
	_, msg, err := c.Text.ReadResponse(expectCode)
	return msg, err
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

func pickAuth(c *smtp.Client, user, pass, host string) smtp.Auth {
	ok, mechs := c.Extension("AUTH")
	if !ok {
		return nil
	}
	if strings.Contains(mechs, "PLAIN") {
		return smtp.PlainAuth("", user, pass, host)
	}
	if strings.Contains(mechs, "LOGIN") {
		return loginAuth(user, pass)
	}
	return nil
}

// deliverOverPipe runs the SMTP client side of the dialog over our own
// stdin/stdout, for use under a transport already established by a
// wrapper process (e.g. an ssh ProxyCommand-style pipe to the peer).
func deliverOverPipe(helloDomain, envFrom, envTo string, msg []byte) error {
	conn, err := net.FileConn(os.Stdin)
	if err != nil {
		return fmt.Errorf("stdin is not a connected socket: %w", err)
	}
	defer conn.Close()

	c, err := smtp.NewClient(conn, helloDomain)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Hello(helloDomain); err != nil {
		return err
	}
	if err := c.Mail(envFrom); err != nil {
		return err
	}
	if err := c.Rcpt(envTo); err != nil {
		return err
	}
	if *nosend {
		return c.Quit()
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}
