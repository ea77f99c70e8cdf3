// Package smtpsrv implements the inbound SMTP receive engine: the
// connection/command state machine, the message authentication pipeline
// (SPF, DKIM, ARC, DMARC), and Maildir persistence, generalizing the
// teacher's own internal/smtpsrv.
package smtpsrv

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"blitiri.com.ar/go/log"

	"github.com/gene-hightower/ghsmtp-sub000/internal/dkim"
	"github.com/gene-hightower/ghsmtp-sub000/internal/dnsresolve"
	"github.com/gene-hightower/ghsmtp-sub000/internal/maildir"
	"github.com/gene-hightower/ghsmtp-sub000/internal/set"
)

// Server represents an SMTP receive instance: one process handles one
// connection (see cmd/ghsmtpd), but keeps this type around so all the
// connection-independent configuration lives in one place, the way the
// teacher's listening daemon does.
type Server struct {
	// Main hostname, used for display and the Received header.
	Hostname string

	// Maximum data size, in bytes.
	MaxDataSize int64

	addrs     map[SocketMode][]string
	listeners map[SocketMode][]net.Listener

	// TLS config (including loaded certificates).
	tlsConfig *tls.Config

	// Local domains: RCPT TO is only accepted for these, since relaying
	// and local-delivery authentication are out of scope.
	localDomains *set.String

	// Map of domain -> DKIM signers, used to seal ARC chains we extend and
	// (optionally) resign outgoing mail.
	dkimSigners map[string][]*dkim.Signer

	// DNSBL zones checked against the MAIL FROM domain, and domains exempt
	// from that check.
	dnsblZones     []string
	dnsblWhitelist *set.String

	// Time before we give up on a connection, even if it's sending data.
	connTimeout time.Duration

	// Time we wait for command round-trips (excluding DATA).
	commandTimeout time.Duration

	// Store for accepted mail.
	Maildir *maildir.Store

	// Resolver used for the DKIM/ARC/DMARC authentication pipeline.
	Resolver *dnsresolve.Resolver

	// Path to the post-DATA hook, if any.
	HookPath string
}

// NewServer returns a new empty Server.
func NewServer() *Server {
	return &Server{
		addrs:     map[SocketMode][]string{},
		listeners: map[SocketMode][]net.Listener{},

		// Disable session tickets, working around a long-standing
		// Microsoft SChannel bug that otherwise hurts deliverability.
		tlsConfig: &tls.Config{
			SessionTicketsDisabled: true,
		},

		connTimeout:    20 * time.Minute,
		commandTimeout: 1 * time.Minute,
		localDomains:   &set.String{},
		dkimSigners:    map[string][]*dkim.Signer{},
		dnsblWhitelist: &set.String{},
	}
}

// AddCerts (TLS) to the server.
func (s *Server) AddCerts(certPath, keyPath string) error {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return err
	}
	s.tlsConfig.Certificates = append(s.tlsConfig.Certificates, cert)
	return nil
}

// AddAddr adds an address for the server to listen on.
func (s *Server) AddAddr(a string, m SocketMode) {
	s.addrs[m] = append(s.addrs[m], a)
}

// AddListeners adds listeners for the server to listen on (e.g. handed
// down by a superserver).
func (s *Server) AddListeners(ls []net.Listener, m SocketMode) {
	s.listeners[m] = append(s.listeners[m], ls...)
}

// AddDomain adds a local domain to the server: mail addressed to it will
// be accepted and delivered to the Maildir.
func (s *Server) AddDomain(d string) {
	s.localDomains.Add(d)
}

// AddDNSBLZone adds a DNSBL/uRIBL zone to check the MAIL FROM domain
// against.
func (s *Server) AddDNSBLZone(zone string) {
	s.dnsblZones = append(s.dnsblZones, zone)
}

// AddDNSBLWhitelist exempts a sender domain from DNSBL checks.
func (s *Server) AddDNSBLWhitelist(d string) {
	s.dnsblWhitelist.Add(d)
}

var (
	errDecodingPEMBlock     = fmt.Errorf("error decoding PEM block")
	errUnsupportedBlockType = fmt.Errorf("unsupported block type")
	errUnsupportedKeyType   = fmt.Errorf("unsupported key type")
)

// AddDKIMSigner registers a signing key for the given domain and
// selector, used to seal the ARC chain of mail we relay onward.
func (s *Server) AddDKIMSigner(domain, selector, keyPath string) error {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return err
	}

	block, _ := pem.Decode(key)
	if block == nil {
		return errDecodingPEMBlock
	}
	if strings.ToUpper(block.Type) != "PRIVATE KEY" {
		return fmt.Errorf("%w: %s", errUnsupportedBlockType, block.Type)
	}

	signer, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return err
	}

	switch k := signer.(type) {
	case *rsa.PrivateKey, ed25519.PrivateKey:
		// Supported.
	default:
		return fmt.Errorf("%w: %T", errUnsupportedKeyType, k)
	}

	s.dkimSigners[domain] = append(s.dkimSigners[domain], &dkim.Signer{
		Domain:   domain,
		Selector: selector,
		Signer:   signer.(crypto.Signer),
	})
	return nil
}

// ListenAndServe on the addresses and listeners that were previously
// added. This function does not return.
func (s *Server) ListenAndServe() {
	if len(s.tlsConfig.Certificates) == 0 {
		log.Errorf("No SSL/TLS certificates found")
		log.Fatalf("At least one valid certificate is needed")
	}
	if s.Maildir == nil {
		log.Fatalf("No Maildir store configured")
	}

	for m, addrs := range s.addrs {
		for _, addr := range addrs {
			l, err := net.Listen("tcp", addr)
			if err != nil {
				log.Fatalf("Error listening: %v", err)
			}
			log.Infof("Server listening on %s (%v)", addr, m)
			go s.serve(l, m)
		}
	}

	for m, ls := range s.listeners {
		for _, l := range ls {
			log.Infof("Server listening on %s (%v, via superserver)", l.Addr(), m)
			go s.serve(l, m)
		}
	}

	for {
		time.Sleep(24 * time.Hour)
	}
}

func (s *Server) serve(l net.Listener, mode SocketMode) {
	if mode.TLS {
		l = tls.NewListener(l, s.tlsConfig)
	}

	pdhook := path.Join(s.HookPath, "post-data")

	for {
		conn, err := l.Accept()
		if err != nil {
			log.Fatalf("Error accepting: %v", err)
		}

		sc := &Conn{
			hostname:       s.Hostname,
			maxDataSize:    s.MaxDataSize,
			postDataHook:   pdhook,
			conn:           conn,
			mode:           mode,
			tlsConfig:      s.tlsConfig,
			onTLS:          mode.TLS,
			localDomains:   s.localDomains,
			dkimSigners:    s.dkimSigners,
			dnsblZones:     s.dnsblZones,
			dnsblWhitelist: s.dnsblWhitelist,
			maildir:        s.Maildir,
			resolver:       s.Resolver,
			deadline:       time.Now().Add(s.connTimeout),
			commandTimeout: s.commandTimeout,
		}
		go sc.Handle()
	}
}

// ServeOne runs the receive state machine over a single already-connected
// socket, e.g. one handed to us on stdin/stdout by a superserver, and
// blocks until the connection closes. This is the per-connection
// invocation style cmd/ghsmtpd uses by default.
func (s *Server) ServeOne(conn net.Conn, mode SocketMode) {
	if len(s.tlsConfig.Certificates) == 0 {
		log.Errorf("No SSL/TLS certificates found")
		log.Fatalf("At least one valid certificate is needed")
	}
	if s.Maildir == nil {
		log.Fatalf("No Maildir store configured")
	}

	if mode.TLS {
		conn = tls.Server(conn, s.tlsConfig)
	}

	sc := &Conn{
		hostname:       s.Hostname,
		maxDataSize:    s.MaxDataSize,
		postDataHook:   path.Join(s.HookPath, "post-data"),
		conn:           conn,
		mode:           mode,
		tlsConfig:      s.tlsConfig,
		onTLS:          mode.TLS,
		localDomains:   s.localDomains,
		dkimSigners:    s.dkimSigners,
		dnsblZones:     s.dnsblZones,
		dnsblWhitelist: s.dnsblWhitelist,
		maildir:        s.Maildir,
		resolver:       s.Resolver,
		deadline:       time.Now().Add(s.connTimeout),
		commandTimeout: s.commandTimeout,
	}
	sc.Handle()
}
