// Package dnsresolve implements a stub DNS resolver that multiplexes
// queries over a single persistent, length-prefixed TCP connection to a
// configured recursive nameserver. Wire message construction and parsing is
// delegated to github.com/miekg/dns; the framing, reconnection,
// id/question validation, and FCrDNS logic here are this package's own.
package dnsresolve

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/gene-hightower/ghsmtp-sub000/internal/domain"
)

var (
	// ErrBogus is returned when an answer does not correspond to its
	// question (mismatched id, name, or type) — "bogus or indeterminate"
	// in the spec's terminology.
	ErrBogus   = errors.New("dnsresolve: bogus or indeterminate answer")
	ErrTimeout = errors.New("dnsresolve: query timed out")
)

// Resolver is a stub resolver talking to a fixed set of recursive
// nameservers over a persistent TCP connection, trying each in randomized
// order until one answers.
type Resolver struct {
	Nameservers []string // host:port
	DialTimeout time.Duration

	mu      sync.Mutex
	conn    net.Conn
	pending map[uint16]chan *dns.Msg
}

// New returns a Resolver configured to use the given nameservers.
func New(nameservers []string) *Resolver {
	return &Resolver{
		Nameservers: nameservers,
		DialTimeout: 10 * time.Second,
		pending:     map[uint16]chan *dns.Msg{},
	}
}

func (r *Resolver) ensureConn() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return nil
	}

	order := rand.Perm(len(r.Nameservers))
	var lastErr error
	for _, i := range order {
		ns := r.Nameservers[i]
		c, err := net.DialTimeout("tcp", ns, r.DialTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		r.conn = c
		go r.readLoop(c)
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("dnsresolve: no nameservers configured")
	}
	return lastErr
}

// readLoop drains length-prefixed responses from conn and dispatches them
// to the pending query matching their transaction id, until the connection
// breaks.
func (r *Resolver) readLoop(conn net.Conn) {
	defer func() {
		r.mu.Lock()
		if r.conn == conn {
			r.conn = nil
		}
		for id, ch := range r.pending {
			close(ch)
			delete(r.pending, id)
		}
		r.mu.Unlock()
		conn.Close()
	}()

	for {
		var lenBuf [2]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint16(lenBuf[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}

		m := new(dns.Msg)
		if err := m.Unpack(buf); err != nil {
			continue
		}

		r.mu.Lock()
		ch, ok := r.pending[m.Id]
		if ok {
			delete(r.pending, m.Id)
		}
		r.mu.Unlock()

		if ok {
			ch <- m
			close(ch)
		}
	}
}

// exchange sends m and waits for the matching response, validating that the
// response id and question section echo the query.
func (r *Resolver) exchange(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
	if err := r.ensureConn(); err != nil {
		return nil, err
	}

	ch := make(chan *dns.Msg, 1)

	r.mu.Lock()
	r.pending[m.Id] = ch
	conn := r.conn
	r.mu.Unlock()

	raw, err := m.Pack()
	if err != nil {
		return nil, err
	}

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(raw)))

	if _, err := conn.Write(lenBuf[:]); err != nil {
		return nil, err
	}
	if _, err := conn.Write(raw); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrTimeout
		}
		if err := validate(m, resp); err != nil {
			return nil, err
		}
		return resp, nil
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, m.Id)
		r.mu.Unlock()
		return nil, ctx.Err()
	}
}

// validate checks that resp actually answers query: matching id and an
// echoed question section of the same name/type/class.
func validate(query, resp *dns.Msg) error {
	if resp.Id != query.Id {
		return ErrBogus
	}
	if len(resp.Question) != len(query.Question) {
		return ErrBogus
	}
	for i, q := range query.Question {
		rq := resp.Question[i]
		if rq.Qtype != q.Qtype || rq.Qclass != q.Qclass ||
			!strings.EqualFold(rq.Name, q.Name) {
			return ErrBogus
		}
	}
	return nil
}

func newQuery(name string, qtype uint16) *dns.Msg {
	m := new(dns.Msg)
	m.Id = uint16(rand.Intn(1 << 16))
	m.RecursionDesired = true
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.SetEdns0(4096, true) // DO bit set: trust upstream AD validation.
	return m
}

// Answer wraps a validated response with typed accessors.
type Answer struct {
	msg *dns.Msg
}

// AuthenticData reports whether the upstream resolver set the AD bit,
// meaning it performed and trusts DNSSEC validation for this answer. This
// resolver does not itself validate signatures (spec Non-goal); it trusts
// the upstream.
func (a *Answer) AuthenticData() bool { return a.msg.AuthenticatedData }

// NXDomain reports whether the response was NXDOMAIN.
func (a *Answer) NXDomain() bool { return a.msg.Rcode == dns.RcodeNameError }

// HasRecords reports whether the answer section is non-empty.
func (a *Answer) HasRecords() bool { return len(a.msg.Answer) > 0 }

func (r *Resolver) lookup(ctx context.Context, name string, qtype uint16) (*Answer, error) {
	resp, err := r.exchange(ctx, newQuery(name, qtype))
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
		return nil, fmt.Errorf("dnsresolve: rcode %s", dns.RcodeToString[resp.Rcode])
	}
	return &Answer{msg: resp}, nil
}

// LookupA returns the IPv4 addresses for name.
func (r *Resolver) LookupA(ctx context.Context, name string) (*Answer, []net.IP, error) {
	a, err := r.lookup(ctx, name, dns.TypeA)
	if err != nil {
		return nil, nil, err
	}
	var ips []net.IP
	for _, rr := range a.msg.Answer {
		if rec, ok := rr.(*dns.A); ok {
			ips = append(ips, rec.A)
		}
	}
	return a, ips, nil
}

// LookupAAAA returns the IPv6 addresses for name.
func (r *Resolver) LookupAAAA(ctx context.Context, name string) (*Answer, []net.IP, error) {
	a, err := r.lookup(ctx, name, dns.TypeAAAA)
	if err != nil {
		return nil, nil, err
	}
	var ips []net.IP
	for _, rr := range a.msg.Answer {
		if rec, ok := rr.(*dns.AAAA); ok {
			ips = append(ips, rec.AAAA)
		}
	}
	return a, ips, nil
}

// MX is one preference/exchange pair.
type MX struct {
	Preference uint16
	Exchange   string
}

// LookupMX returns the MX records for domain, sorted by ascending
// preference as the wire order is not guaranteed.
func (r *Resolver) LookupMX(ctx context.Context, name string) (*Answer, []MX, error) {
	a, err := r.lookup(ctx, name, dns.TypeMX)
	if err != nil {
		return nil, nil, err
	}
	var mxs []MX
	for _, rr := range a.msg.Answer {
		if rec, ok := rr.(*dns.MX); ok {
			mxs = append(mxs, MX{Preference: rec.Preference, Exchange: strings.TrimSuffix(rec.Mx, ".")})
		}
	}
	for i := 1; i < len(mxs); i++ {
		for j := i; j > 0 && mxs[j-1].Preference > mxs[j].Preference; j-- {
			mxs[j-1], mxs[j] = mxs[j], mxs[j-1]
		}
	}
	return a, mxs, nil
}

// LookupTXT returns the TXT record strings for name (each DNS string
// segment within a record is joined, matching the conventional treatment
// of TXT records used for SPF/DKIM/DMARC).
func (r *Resolver) LookupTXT(ctx context.Context, name string) (*Answer, []string, error) {
	a, err := r.lookup(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, nil, err
	}
	var out []string
	for _, rr := range a.msg.Answer {
		if rec, ok := rr.(*dns.TXT); ok {
			out = append(out, strings.Join(rec.Txt, ""))
		}
	}
	return a, out, nil
}

// LookupPTR returns the PTR targets for the reverse-lookup name of ip (use
// domain.Reverse to build it).
func (r *Resolver) LookupPTR(ctx context.Context, reverseName string) (*Answer, []string, error) {
	a, err := r.lookup(ctx, reverseName, dns.TypePTR)
	if err != nil {
		return nil, nil, err
	}
	var out []string
	for _, rr := range a.msg.Answer {
		if rec, ok := rr.(*dns.PTR); ok {
			out = append(out, strings.TrimSuffix(rec.Ptr, "."))
		}
	}
	return a, out, nil
}

// TLSA is one TLSA resource record, per RFC 6698.
type TLSA struct {
	Usage        uint8
	Selector     uint8
	MatchingType uint8
	Data         []byte
}

// LookupTLSA returns the TLSA records at "_<port>._tcp.<name>".
func (r *Resolver) LookupTLSA(ctx context.Context, port int, name string) (*Answer, []TLSA, error) {
	q := fmt.Sprintf("_%d._tcp.%s", port, name)
	a, err := r.lookup(ctx, q, dns.TypeTLSA)
	if err != nil {
		return nil, nil, err
	}
	var out []TLSA
	for _, rr := range a.msg.Answer {
		if rec, ok := rr.(*dns.TLSA); ok {
			data, derr := hexDecode(rec.Certificate)
			if derr != nil {
				continue
			}
			out = append(out, TLSA{
				Usage:        rec.Usage,
				Selector:     rec.Selector,
				MatchingType: rec.MatchingType,
				Data:         data,
			})
		}
	}
	return a, out, nil
}

func hexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// FCrDNS performs a forward-confirmed reverse DNS check: it looks up the
// PTR name(s) for ip, keeps only those whose forward A/AAAA lookup (matching
// ip's family) contains ip, and returns the survivors sorted shortest-name
// first, since the shortest confirmed name is the best guess at the
// canonical one.
func (r *Resolver) FCrDNS(ctx context.Context, ip net.IP) ([]domain.Domain, error) {
	revName := domain.Reverse(ip)
	_, ptrs, err := r.LookupPTR(ctx, revName)
	if err != nil {
		return nil, err
	}

	var confirmed []domain.Domain
	for _, ptr := range ptrs {
		var ips []net.IP
		if ip.To4() != nil {
			_, ips, err = r.LookupA(ctx, ptr)
		} else {
			_, ips, err = r.LookupAAAA(ctx, ptr)
		}
		if err != nil {
			continue
		}
		for _, cand := range ips {
			if cand.Equal(ip) {
				d, derr := domain.New(ptr)
				if derr != nil {
					continue
				}
				confirmed = append(confirmed, d)
				break
			}
		}
	}

	sort.Slice(confirmed, func(i, j int) bool {
		return len(confirmed[i].String()) < len(confirmed[j].String())
	})

	return confirmed, nil
}
