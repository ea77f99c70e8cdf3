// ghsmtpd is the SMTP receive daemon: it speaks the state machine in
// internal/smtpsrv over a single connection.
//
// By default it is meant to be launched per-connection by a superserver
// (inetd, xinetd, systemd socket units configured as Accept=yes, or a
// simple TCP forking acceptor), with the connection already attached to
// its stdin/stdout. Pass -listen to have it bind and accept connections
// itself instead, for standalone use or testing.
package main

import (
	"flag"
	"net"
	"net/http"
	"os"
	"strings"

	"blitiri.com.ar/go/log"

	"github.com/gene-hightower/ghsmtp-sub000/internal/dnsresolve"
	"github.com/gene-hightower/ghsmtp-sub000/internal/expvarom"
	"github.com/gene-hightower/ghsmtp-sub000/internal/maildir"
	"github.com/gene-hightower/ghsmtp-sub000/internal/smtpsrv"
)

var (
	hostname = flag.String("hostname", "",
		"server FQDN, used in the banner and Received headers "+
			"(defaults to $GHSMTP_SERVER_ID, then the OS hostname)")
	maildirRoot = flag.String("maildir", "",
		"root of the maildir tree to deliver into (defaults to $MAILDIR)")
	maxDataSize = flag.Int64("max_data_size", 50*1024*1024,
		"maximum accepted message size, in bytes")
	hookPath = flag.String("hook_path", "",
		"directory containing an optional post-data hook executable")

	listenAddr = flag.String("listen", "",
		"if set, listen on this address instead of serving stdin/stdout "+
			"(e.g. :25); repeat -listen_tls for a TLS-wrapped socket")
	listenTLSAddr = flag.String("listen_tls", "",
		"if set, listen on this address with implicit TLS (SMTPS)")

	certFile = flag.String("cert", "", "TLS certificate chain (PEM)")
	keyFile  = flag.String("key", "", "TLS private key (PEM)")

	localDomain = flag.String("domain", "",
		"comma-separated local domains RCPT TO is accepted for, in "+
			"addition to -hostname and localhost")

	dkimKey = flag.String("dkim_key", "",
		"comma-separated domain:selector:keypath triples used to seal "+
			"the ARC chain (and optionally re-sign) outgoing mail")

	dnsblZone = flag.String("dnsbl_zone", "",
		"comma-separated uRIBL zones checked against the MAIL FROM domain")
	dnsblWhitelist = flag.String("dnsbl_whitelist", "",
		"comma-separated sender domains exempt from dnsbl_zone checks")

	nameservers = flag.String("nameservers", "",
		"comma-separated resolver addresses (host:port); "+
			"defaults to the system resolver")

	monitoringAddress = flag.String("monitoring_address", "",
		"if set, serve expvar/openmetrics on this address")
)

func main() {
	flag.Parse()
	log.Init()

	s := smtpsrv.NewServer()
	s.Hostname = resolveHostname()
	s.MaxDataSize = *maxDataSize
	s.HookPath = *hookPath

	s.AddDomain(s.Hostname)
	s.AddDomain("localhost")
	for _, d := range splitNonEmpty(*localDomain) {
		s.AddDomain(d)
	}

	for _, z := range splitNonEmpty(*dnsblZone) {
		s.AddDNSBLZone(z)
	}
	for _, d := range splitNonEmpty(*dnsblWhitelist) {
		s.AddDNSBLWhitelist(d)
	}

	for _, triple := range splitNonEmpty(*dkimKey) {
		parts := strings.SplitN(triple, ":", 3)
		if len(parts) != 3 {
			log.Fatalf("invalid -dkim_key entry %q, want domain:selector:keypath", triple)
		}
		if err := s.AddDKIMSigner(parts[0], parts[1], parts[2]); err != nil {
			log.Fatalf("loading DKIM key for %s/%s: %v", parts[0], parts[1], err)
		}
	}

	if *certFile != "" || *keyFile != "" {
		if err := s.AddCerts(*certFile, *keyFile); err != nil {
			log.Fatalf("loading TLS certificate: %v", err)
		}
	}

	s.Resolver = dnsresolve.New(splitNonEmpty(*nameservers))

	root := *maildirRoot
	if root == "" {
		root = os.Getenv("MAILDIR")
	}
	if root == "" {
		log.Fatalf("no maildir configured: pass -maildir or set $MAILDIR")
	}
	md := &maildir.Store{Dir: root, Hostname: s.Hostname}
	if err := md.Init(); err != nil {
		log.Fatalf("initializing maildir %q: %v", root, err)
	}
	s.Maildir = md

	if *monitoringAddress != "" {
		go launchMonitoringServer(*monitoringAddress)
	}

	if *listenAddr == "" && *listenTLSAddr == "" {
		serveStdio(s)
		return
	}

	if *listenAddr != "" {
		s.AddAddr(*listenAddr, smtpsrv.ModeSMTP)
	}
	if *listenTLSAddr != "" {
		s.AddAddr(*listenTLSAddr, smtpsrv.ModeSMTPTLS)
	}
	s.ListenAndServe()
}

// resolveHostname picks the server identity: -hostname flag, then
// $GHSMTP_SERVER_ID, then the OS hostname.
func resolveHostname() string {
	if *hostname != "" {
		return *hostname
	}
	if h := os.Getenv("GHSMTP_SERVER_ID"); h != "" {
		return h
	}
	h, err := os.Hostname()
	if err != nil {
		log.Fatalf("could not determine hostname, pass -hostname: %v", err)
	}
	return h
}

// serveStdio runs one connection handed to us by a superserver over our
// own stdin/stdout, the way inetd-style Unix daemons have always worked.
func serveStdio(s *smtpsrv.Server) {
	conn, err := net.FileConn(os.Stdin)
	if err != nil {
		log.Fatalf("stdin is not a connected socket: %v", err)
	}
	defer conn.Close()

	mode := smtpsrv.ModeSMTP
	if *listenTLSAddr != "" {
		// main only calls serveStdio when -listen_tls is unset (a set
		// -listen_tls makes it listen on that address instead), so this
		// branch is not taken and stdio connections use ModeSMTP.
		mode = smtpsrv.ModeSMTPTLS
	}
	s.ServeOne(conn, mode)
}

func launchMonitoringServer(addr string) {
	log.Infof("monitoring HTTP server listening on %s", addr)
	http.HandleFunc("/metrics", expvarom.MetricsHandler)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Errorf("monitoring server failed: %v", err)
	}
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
