package dnsresolve

import (
	"testing"

	"github.com/miekg/dns"
)

func TestValidate(t *testing.T) {
	q := newQuery("example.com", dns.TypeMX)

	resp := new(dns.Msg)
	resp.SetReply(q)

	if err := validate(q, resp); err != nil {
		t.Errorf("validate: unexpected error: %v", err)
	}

	bad := new(dns.Msg)
	bad.SetReply(q)
	bad.Id = q.Id + 1
	if err := validate(q, bad); err != ErrBogus {
		t.Errorf("validate: expected ErrBogus for id mismatch, got %v", err)
	}

	mismatched := new(dns.Msg)
	mismatched.SetReply(q)
	mismatched.Question[0].Name = "other.com."
	if err := validate(q, mismatched); err != ErrBogus {
		t.Errorf("validate: expected ErrBogus for name mismatch, got %v", err)
	}
}

func TestTLSAVerifyUnsupported(t *testing.T) {
	rec := TLSA{Usage: UsageDomainIssuedCert, Selector: 9, MatchingType: 1, Data: []byte{1, 2, 3}}
	if err := rec.Verify(nil); err == nil {
		t.Error("expected error for unsupported selector")
	}
}
