package tlschannel

import (
	"testing"

	"github.com/gene-hightower/ghsmtp-sub000/internal/dnsresolve"
)

func TestSplitTLSA(t *testing.T) {
	recs := []dnsresolve.TLSA{
		{Usage: dnsresolve.UsageDomainIssuedCert},
		{Usage: dnsresolve.UsageTrustAnchor},
		{Usage: dnsresolve.UsageCAConstraint},
		{Usage: dnsresolve.UsageServiceCertificate},
	}
	ee, ta := splitTLSA(recs)
	if len(ee) != 2 || len(ta) != 2 {
		t.Errorf("splitTLSA: got ee=%d ta=%d, want 2/2", len(ee), len(ta))
	}
}

func TestSecLevelString(t *testing.T) {
	if Secure.String() != "tls-secure" {
		t.Errorf("Secure.String() = %q", Secure.String())
	}
	if DANEVerified.String() != "tls-dane" {
		t.Errorf("DANEVerified.String() = %q", DANEVerified.String())
	}
}
