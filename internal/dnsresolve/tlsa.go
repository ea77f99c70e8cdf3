package dnsresolve

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"errors"
)

// Usage values, RFC 6698 §2.1.1.
const (
	UsageCAConstraint        = 0
	UsageServiceCertificate  = 1
	UsageTrustAnchor         = 2
	UsageDomainIssuedCert    = 3 // end-entity, the only usage DANE-SMTP (RFC 7672) requires.
)

var errTLSAMismatch = errors.New("dnsresolve: certificate does not match TLSA record")

// Verify checks cert against this TLSA record's selector and matching type,
// per RFC 6698 §2.1, following the same match-then-compare approach as
// the pack's DANE verification code.
func (t TLSA) Verify(cert *x509.Certificate) error {
	var selected []byte
	switch t.Selector {
	case 0: // full certificate
		selected = cert.Raw
	case 1: // SubjectPublicKeyInfo
		selected = cert.RawSubjectPublicKeyInfo
	default:
		return errors.New("dnsresolve: unsupported TLSA selector")
	}

	var digest []byte
	switch t.MatchingType {
	case 0: // exact match
		digest = selected
	case 1:
		sum := sha256.Sum256(selected)
		digest = sum[:]
	case 2:
		sum := sha512.Sum512(selected)
		digest = sum[:]
	default:
		return errors.New("dnsresolve: unsupported TLSA matching type")
	}

	if !bytesEqual(digest, t.Data) {
		return errTLSAMismatch
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
