// Package spf ingests Received-SPF trace headers already present on a
// message into the result type the DMARC evaluator expects. It does not
// itself perform DNS-based SPF evaluation: the live check against the
// connecting peer is done by blitiri.com.ar/go/spf from within
// internal/smtpsrv, which writes the Received-SPF header this package then
// reads back (including headers possibly added further upstream by a
// relaying MTA).
package spf

import (
	"github.com/gene-hightower/ghsmtp-sub000/internal/rfc5322"
)

// Result mirrors the RFC 7208 §8 result strings, which are used verbatim
// in Received-SPF and Authentication-Results headers.
type Result string

const (
	None      = Result("none")
	Neutral   = Result("neutral")
	Pass      = Result("pass")
	Fail      = Result("fail")
	SoftFail  = Result("softfail")
	TempError = Result("temperror")
	PermError = Result("permerror")
)

func resultFromString(s string) Result {
	switch Result(s) {
	case Neutral, Pass, Fail, SoftFail, TempError, PermError:
		return Result(s)
	default:
		return None
	}
}

// Verdict is one ingested SPF trace: the domain checked and the result
// reached for it.
type Verdict struct {
	Domain string // the address checked, from the envelope-from param, else the identity param
	Result Result
}

// Ingest extracts every Received-SPF header from msg and returns the
// corresponding verdicts, in header order (outermost/most-recently-added
// first, matching the header's prepend position).
func Ingest(msg *rfc5322.Message) []Verdict {
	var out []Verdict
	for _, v := range msg.FindAll("Received-SPF") {
		rs := rfc5322.ParseReceivedSPF(v)
		dom := rs.Params["envelope-from"]
		if dom == "" {
			dom = rs.Params["identity"]
		}
		out = append(out, Verdict{Domain: dom, Result: resultFromString(rs.Result)})
	}
	return out
}
