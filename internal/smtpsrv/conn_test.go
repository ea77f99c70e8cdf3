package smtpsrv

import (
	"net"
	"testing"

	"github.com/gene-hightower/ghsmtp-sub000/internal/set"
	"github.com/gene-hightower/ghsmtp-sub000/internal/trace"
)

func TestIsHeader(t *testing.T) {
	no := []string{
		"a", "\n", "\n\n", " \n", " ",
		"a:b", "a:  b\nx: y",
		"\na:b\n", " a\nb:c\n",
	}
	for _, s := range no {
		if isHeader([]byte(s)) {
			t.Errorf("%q accepted as header, should be rejected", s)
		}
	}

	yes := []string{
		"", "a:b\n",
		"X-Post-Data: success\n",
	}
	for _, s := range yes {
		if !isHeader([]byte(s)) {
			t.Errorf("%q rejected as header, should be accepted", s)
		}
	}
}

func TestAddrLiteral(t *testing.T) {
	casesTCP := []struct {
		addr     net.IP
		expected string
	}{
		{net.IPv4(1, 2, 3, 4), "1.2.3.4"},
		{net.IPv4(0, 0, 0, 0), "0.0.0.0"},
		{net.ParseIP("1.2.3.4"), "1.2.3.4"},
		{net.ParseIP("2001:db8::68"), "IPv6:2001:db8::68"},
		{net.ParseIP("::1"), "IPv6:::1"},
	}
	for _, c := range casesTCP {
		tcp := &net.TCPAddr{
			IP:   c.addr,
			Port: 12345,
		}
		s := addrLiteral(tcp)
		if s != c.expected {
			t.Errorf("%v: expected %q, got %q", tcp, c.expected, s)
		}
	}

	casesOther := []net.Addr{
		&net.UDPAddr{
			IP:   net.ParseIP("1.2.3.4"),
			Port: 12345,
		},
	}
	for _, addr := range casesOther {
		s := addrLiteral(addr)
		if s != addr.String() {
			t.Errorf("%v: expected %q, got %q", addr, addr.String(), s)
		}
	}
}

func TestValidHELODomain(t *testing.T) {
	loopback := &net.TCPAddr{IP: net.ParseIP("127.0.0.1")}
	remote := &net.TCPAddr{IP: net.ParseIP("198.51.100.7")}

	cases := []struct {
		domain string
		remote net.Addr
		want   bool
	}{
		{"example.com", remote, true},
		{"[198.51.100.7]", remote, true},
		{"localhost", loopback, true},
		{"localhost", remote, false},
		{"nodots", remote, false},
		{"", remote, false},
	}
	for _, c := range cases {
		got := validHELODomain(c.domain, c.remote)
		if got != c.want {
			t.Errorf("validHELODomain(%q, %v) = %v, want %v", c.domain, c.remote, got, c.want)
		}
	}
}

func TestSplitPathAndParams(t *testing.T) {
	cases := []struct {
		in       string
		wantPath string
		wantOpts []string
	}{
		{"<a@b>", "a@b", nil},
		{"<a@b> SIZE=100 BODY=8BITMIME", "a@b", []string{"SIZE=100", "BODY=8BITMIME"}},
		{"<>", "", nil},
		{"a@b", "a@b", nil},
	}
	for _, c := range cases {
		path, opts := splitPathAndParams(c.in)
		if path != c.wantPath {
			t.Errorf("splitPathAndParams(%q) path = %q, want %q", c.in, path, c.wantPath)
		}
		if len(opts) != len(c.wantOpts) {
			t.Errorf("splitPathAndParams(%q) opts = %v, want %v", c.in, opts, c.wantOpts)
			continue
		}
		for i := range opts {
			if opts[i] != c.wantOpts[i] {
				t.Errorf("splitPathAndParams(%q) opts[%d] = %q, want %q", c.in, i, opts[i], c.wantOpts[i])
			}
		}
	}
}

func TestMailRcptFlow(t *testing.T) {
	c := &Conn{
		tr:           trace.New("testconn", "testconn"),
		hostname:     "mx.example.com",
		ehloDomain:   "client.example.com",
		remoteAddr:   &net.TCPAddr{IP: net.ParseIP("198.51.100.7")},
		localDomains: &set.String{},
	}
	c.localDomains.Add("localhost")
	c.localDomains.Add("mx.example.com")
	disableSPFForTesting = true
	defer func() { disableSPFForTesting = false }()

	if code, _ := c.MAIL("FROM:<from@somewhere.com>"); code != 250 {
		t.Fatalf("MAIL = %d, want 250", code)
	}
	if !c.haveMailFrom {
		t.Fatalf("haveMailFrom not set after MAIL")
	}

	if code, _ := c.RCPT("TO:<to@somewhere-else.com>"); code != 550 {
		t.Errorf("RCPT to non-local domain = %d, want 550", code)
	}

	if code, _ := c.RCPT("TO:<to@localhost>"); code != 250 {
		t.Errorf("RCPT to local domain = %d, want 250", code)
	}
	if len(c.rcptTo) != 1 {
		t.Errorf("rcptTo = %v, want 1 entry", c.rcptTo)
	}

	if code, _ := c.RCPT("TO:<Postmaster>"); code != 250 {
		t.Errorf("RCPT to Postmaster = %d, want 250", code)
	}
	if len(c.rcptTo) != 2 || c.rcptTo[1].Domain.ASCII() != "mx.example.com" {
		t.Errorf("Postmaster not resolved against hostname: %+v", c.rcptTo)
	}
}

func TestRcptBeforeMail(t *testing.T) {
	c := &Conn{
		tr:           trace.New("testconn", "testconn"),
		ehloDomain:   "client.example.com",
		localDomains: &set.String{},
	}
	if code, _ := c.RCPT("TO:<to@localhost>"); code != 503 {
		t.Errorf("RCPT before MAIL = %d, want 503", code)
	}
}

func TestDataRequiresRecipients(t *testing.T) {
	c := &Conn{
		tr:           trace.New("testconn", "testconn"),
		ehloDomain:   "client.example.com",
		haveMailFrom: true,
		localDomains: &set.String{},
	}
	if code, _ := c.DATA(""); code != 503 {
		t.Errorf("DATA without RCPT = %d, want 503", code)
	}
}

func TestResetEnvelope(t *testing.T) {
	c := &Conn{
		tr: trace.New("testconn", "testconn"),
	}
	c.haveMailFrom = true
	c.binaryMIME = true
	c.usingBDAT = true
	c.sizeError = true
	c.data = []byte("x")

	c.resetEnvelope()

	if c.haveMailFrom || c.binaryMIME || c.usingBDAT || c.sizeError || c.data != nil {
		t.Errorf("resetEnvelope left state behind: %+v", c)
	}
}
