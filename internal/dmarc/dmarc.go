// Package dmarc evaluates DMARC policy for an incoming message, grounded
// directly on the alignment/record-fetch logic the pack's foxcpp-maddy
// repository implements in check/dmarc/evaluate.go, adapted from that
// package's free functions into a stateful per-connection Evaluator that
// accumulates SPF/DKIM results the way internal/smtpsrv accumulates
// connection state.
package dmarc

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/emersion/go-msgauth/authres"
	edmarc "github.com/emersion/go-msgauth/dmarc"
	"golang.org/x/net/publicsuffix"

	"github.com/gene-hightower/ghsmtp-sub000/internal/dnsresolve"
	"github.com/gene-hightower/ghsmtp-sub000/internal/rfc5322"
)

// Advice is the disposition a DMARC evaluation recommends.
type Advice string

const (
	AdviceNone       Advice = "none"
	AdviceQuarantine Advice = "quarantine"
	AdviceReject     Advice = "reject"
)

// Evaluator accumulates the inputs needed to evaluate DMARC for one
// message: the From-header domain, and the SPF/DKIM authentication
// results gathered earlier in the pipeline.
type Evaluator struct {
	resolver *dnsresolve.Resolver

	orgDomain  string
	fromDomain string
	results    []authres.Result
}

// New returns an Evaluator that will use resolver for _dmarc TXT lookups.
func New(resolver *dnsresolve.Resolver) *Evaluator {
	return &Evaluator{resolver: resolver}
}

// Connect resets per-message accumulated state; call it once per message
// before Store*/Evaluate.
func (e *Evaluator) Connect() {
	e.orgDomain = ""
	e.fromDomain = ""
	e.results = nil
}

// ExtractDomains parses the message's From header and stores its
// organisational and exact domain for alignment checks. Exactly one From
// header with exactly one address is required, per RFC 7489 §6.6.1.
func (e *Evaluator) ExtractDomains(msg *rfc5322.Message) error {
	froms := msg.FindAll("From")
	if len(froms) != 1 {
		return errors.New("dmarc: message must have exactly one From header")
	}

	addr, err := extractSingleAddress(froms[0])
	if err != nil {
		return err
	}

	_, dom, ok := strings.Cut(addr, "@")
	if !ok || dom == "" {
		return errors.New("dmarc: From header has no domain")
	}

	org, err := publicsuffix.EffectiveTLDPlusOne(dom)
	if err != nil {
		return fmt.Errorf("dmarc: %w", err)
	}

	e.fromDomain = strings.ToLower(dom)
	e.orgDomain = strings.ToLower(org)
	return nil
}

// extractSingleAddress parses an RFC 5322 address-list header value and
// requires exactly one address in it. net/mail's parser is reused here,
// matching the teacher's own habit of leaning on the standard library for
// address-list grammar rather than reimplementing it.
func extractSingleAddress(headerValue string) (string, error) {
	list, err := mail.ParseAddressList(headerValue)
	if err != nil {
		return "", fmt.Errorf("dmarc: malformed From header: %w", err)
	}
	if len(list) != 1 {
		return "", errors.New("dmarc: From header must have exactly one address")
	}
	return list[0].Address, nil
}

// StoreSPF records an SPF ingestion verdict for alignment purposes.
func (e *Evaluator) StoreSPF(domain string, value authres.ResultValue) {
	e.results = append(e.results, &authres.SPFResult{Value: value, From: domain})
}

// StoreDKIM records a DKIM verification verdict for alignment purposes.
func (e *Evaluator) StoreDKIM(domain string, value authres.ResultValue) {
	e.results = append(e.results, &authres.DKIMResult{Value: value, Domain: domain})
}

// FetchRecord looks up the DMARC policy for the stored From-domain,
// trying the exact domain first and falling back to the organisational
// domain, per RFC 7489 §6.6.3.
func (e *Evaluator) FetchRecord(ctx context.Context) (*edmarc.Record, error) {
	_, txts, err := e.resolver.LookupTXT(ctx, "_dmarc."+e.fromDomain)
	if err != nil {
		return nil, err
	}
	if len(txts) == 0 {
		_, txts, err = e.resolver.LookupTXT(ctx, "_dmarc."+e.orgDomain)
		if err != nil {
			return nil, err
		}
		if len(txts) == 0 {
			return nil, nil
		}
	}

	var records []string
	for _, txt := range txts {
		if strings.HasPrefix(txt, "v=DMARC1") {
			records = append(records, txt)
		}
	}
	if len(records) != 1 {
		return nil, nil
	}

	return edmarc.Parse(records[0])
}

// Evaluate fetches the policy and returns the alignment result plus the
// advice it implies.
func (e *Evaluator) Evaluate(ctx context.Context) (authres.DMARCResult, Advice, error) {
	record, err := e.FetchRecord(ctx)
	if err != nil {
		return authres.DMARCResult{}, AdviceNone, err
	}
	if record == nil {
		return authres.DMARCResult{Value: authres.ResultNone, From: e.orgDomain}, AdviceNone, nil
	}

	result := evaluateAlignment(e.orgDomain, record, e.results)

	advice := AdviceNone
	if result.Value == authres.ResultFail {
		switch record.Policy {
		case edmarc.PolicyReject:
			advice = AdviceReject
		case edmarc.PolicyQuarantine:
			advice = AdviceQuarantine
		}
	}
	return result, advice, nil
}

func evaluateAlignment(orgDomain string, record *edmarc.Record, results []authres.Result) authres.DMARCResult {
	var spfAligned, spfTempFail, spfPresent bool
	var dkimAligned, dkimTempFail, dkimPresent bool

	for _, res := range results {
		switch r := res.(type) {
		case *authres.DKIMResult:
			dkimPresent = true
			if isAligned(orgDomain, r.Domain, record.DKIMAlignment) {
				switch r.Value {
				case authres.ResultPass:
					dkimAligned = true
				case authres.ResultTempError:
					dkimTempFail = true
				}
			}
		case *authres.SPFResult:
			spfPresent = true
			if isAligned(orgDomain, r.From, record.SPFAlignment) {
				switch r.Value {
				case authres.ResultPass:
					spfAligned = true
				case authres.ResultTempError:
					spfTempFail = true
				}
			}
		}
	}

	if !spfPresent || !dkimPresent {
		return authres.DMARCResult{Value: authres.ResultNone, Reason: "required checks not available", From: orgDomain}
	}
	if dkimTempFail && !dkimAligned && !spfAligned {
		return authres.DMARCResult{Value: authres.ResultTempError, Reason: "DKIM temporary error", From: orgDomain}
	}
	if !dkimAligned && spfTempFail {
		return authres.DMARCResult{Value: authres.ResultTempError, Reason: "SPF temporary error", From: orgDomain}
	}
	if dkimAligned || spfAligned {
		return authres.DMARCResult{Value: authres.ResultPass, From: orgDomain}
	}
	return authres.DMARCResult{Value: authres.ResultFail, From: orgDomain}
}

func isAligned(orgDomain, authDomain string, mode edmarc.AlignmentMode) bool {
	authDomain = strings.ToLower(authDomain)
	switch mode {
	case edmarc.AlignmentStrict:
		return strings.EqualFold(orgDomain, authDomain)
	default: // relaxed, including the zero value
		return strings.EqualFold(orgDomain, authDomain) || strings.HasSuffix(authDomain, "."+orgDomain)
	}
}
