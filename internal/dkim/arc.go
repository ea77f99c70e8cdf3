package dkim

import (
	"bytes"
	"context"
	"crypto"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ChainStatus is the cv= value a sealer writes, and the overall result a
// verifier reaches for an ARC set, per RFC 8617 §5.
type ChainStatus string

const (
	ChainNone ChainStatus = "none"
	ChainPass ChainStatus = "pass"
	ChainFail ChainStatus = "fail"
)

var (
	errNoARCSet        = errors.New("dkim: incomplete ARC set")
	errARCInstanceGap  = errors.New("dkim: ARC instance numbering has a gap")
	errARCChainTooLong = errors.New("dkim: ARC chain instance count exceeds limit")
)

// MaxARCInstances bounds the chain length a verifier will walk, mirroring
// the DoS protections DKIM verification applies to signature counts.
const MaxARCInstances = 50

// arcInstance groups the three headers belonging to one ARC set.
type arcInstance struct {
	num int
	aar header // ARC-Authentication-Results
	ams header // ARC-Message-Signature
	as  header // ARC-Seal
}

// collectARCInstances groups ARC-* headers by their i= tag, in ascending
// instance order. It does not validate signatures; it only parses the
// instance numbering.
func collectARCInstances(hs headers) (map[int]*arcInstance, int, error) {
	insts := map[int]*arcInstance{}
	maxInst := 0

	assign := func(h header, tags tags) error {
		n, err := strconv.Atoi(tags["i"])
		if err != nil || n < 1 {
			return fmt.Errorf("%w: bad i= tag", errInvalidTag)
		}
		if n > maxInst {
			maxInst = n
		}
		if insts[n] == nil {
			insts[n] = &arcInstance{num: n}
		}
		return nil
	}

	for _, h := range hs.FindAll("ARC-Authentication-Results") {
		tags, err := parseTags(h.Value)
		if err != nil {
			return nil, 0, err
		}
		if err := assign(h, tags); err != nil {
			return nil, 0, err
		}
		insts[mustAtoi(tags["i"])].aar = h
	}
	for _, h := range hs.FindAll("ARC-Message-Signature") {
		tags, err := parseTags(h.Value)
		if err != nil {
			return nil, 0, err
		}
		if err := assign(h, tags); err != nil {
			return nil, 0, err
		}
		insts[mustAtoi(tags["i"])].ams = h
	}
	for _, h := range hs.FindAll("ARC-Seal") {
		tags, err := parseTags(h.Value)
		if err != nil {
			return nil, 0, err
		}
		if err := assign(h, tags); err != nil {
			return nil, 0, err
		}
		insts[mustAtoi(tags["i"])].as = h
	}

	if maxInst > MaxARCInstances {
		return nil, 0, errARCChainTooLong
	}

	for i := 1; i <= maxInst; i++ {
		inst, ok := insts[i]
		if !ok || inst.aar.Name == "" || inst.ams.Name == "" || inst.as.Name == "" {
			return nil, 0, errNoARCSet
		}
	}

	return insts, maxInst, nil
}

func mustAtoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// ARCResult is the outcome of verifying an ARC chain on an incoming
// message.
type ARCResult struct {
	Status ChainStatus
	Error  error
}

// VerifyARC validates the ARC chain present on message, if any. A message
// with no ARC-Seal headers returns ChainNone with a nil error: there is
// simply no chain to evaluate, which is itself a valid (if uninformative)
// outcome for a DMARC evaluator to see.
func VerifyARC(ctx context.Context, message string) (*ARCResult, error) {
	hs, body, err := parseMessage(message)
	if err != nil {
		return nil, err
	}

	if len(hs.FindAll("ARC-Seal")) == 0 {
		return &ARCResult{Status: ChainNone}, nil
	}

	insts, n, err := collectARCInstances(hs)
	if err != nil {
		return &ARCResult{Status: ChainFail, Error: err}, nil
	}

	order := make([]int, 0, n)
	for i := 1; i <= n; i++ {
		order = append(order, i)
	}
	sort.Ints(order)

	for _, i := range order {
		inst := insts[i]

		asTags, err := parseTags(inst.as.Value)
		if err != nil {
			return &ARCResult{Status: ChainFail, Error: err}, nil
		}
		cv := asTags["cv"]
		if i == 1 && cv != "none" {
			return &ARCResult{Status: ChainFail, Error: errARCInstanceGap}, nil
		}
		if i > 1 && cv == "fail" {
			return &ARCResult{Status: ChainFail}, nil
		}

		if err := verifyAMS(ctx, inst, hs, body); err != nil {
			return &ARCResult{Status: ChainFail, Error: err}, nil
		}
		if err := verifyAS(ctx, insts, i); err != nil {
			return &ARCResult{Status: ChainFail, Error: err}, nil
		}
	}

	return &ARCResult{Status: ChainPass}, nil
}

// verifyAMS checks instance i's ARC-Message-Signature the same way a
// DKIM-Signature is checked: same tag grammar, same canonicalization, same
// key lookup (ARC reuses the selector._domainkey.domain TXT infrastructure
// per RFC 8617 §4.1.3), just without the "h= must contain from" rule DKIM
// enforces.
func verifyAMS(ctx context.Context, inst *arcInstance, hs headers, body string) error {
	sig, err := parseARCSignatureTags(inst.ams.Value)
	if err != nil {
		return err
	}

	bodyC := sig.cB.body(body)
	if sig.l > 0 && sig.l < uint64(len(bodyC)) {
		bodyC = bodyC[:sig.l]
	}
	bodyH := hashWith(sig.Hash, []byte(bodyC))
	if !bytes.Equal(bodyH, sig.bh) {
		return ErrBodyHashMismatch
	}

	b := sig.Hash.New()
	for _, h := range headersToInclude(inst.ams, sig.h, hs) {
		b.Write([]byte(sig.cH.header(h).Source + "\r\n"))
	}
	sigC := sig.cH.header(inst.ams)
	b.Write([]byte(bTag.ReplaceAllString(sigC.Source, "$1")))
	bSum := b.Sum(nil)

	pubKeys, err := findPublicKeys(ctx, sig.d, sig.s)
	if err != nil {
		return err
	}
	for _, pk := range pubKeys {
		if !pk.Matches(sig.KeyType, sig.Hash) {
			continue
		}
		if pk.verify(sig.Hash, bSum, sig.b) == nil {
			return nil
		}
	}
	return ErrVerificationFailed
}

// verifyAS checks instance i's ARC-Seal: it covers the full ordered set of
// ARC-Authentication-Results/ARC-Message-Signature/ARC-Seal headers for
// instances 1..i, with instance i's own ARC-Seal b= tag blanked, per RFC
// 8617 §5.1.2.
func verifyAS(ctx context.Context, insts map[int]*arcInstance, i int) error {
	sig, err := parseARCSignatureTags(insts[i].as.Value)
	if err != nil {
		return err
	}

	b := sig.Hash.New()
	for j := 1; j <= i; j++ {
		inst := insts[j]
		b.Write([]byte(simpleCanonicalization.header(inst.aar).Source + "\r\n"))
		b.Write([]byte(simpleCanonicalization.header(inst.ams).Source + "\r\n"))
		if j < i {
			b.Write([]byte(simpleCanonicalization.header(inst.as).Source + "\r\n"))
		}
	}
	asC := simpleCanonicalization.header(insts[i].as)
	b.Write([]byte(bTag.ReplaceAllString(asC.Source, "$1")))
	bSum := b.Sum(nil)

	pubKeys, err := findPublicKeys(ctx, sig.d, sig.s)
	if err != nil {
		return err
	}
	for _, pk := range pubKeys {
		if !pk.Matches(sig.KeyType, sig.Hash) {
			continue
		}
		if pk.verify(sig.Hash, bSum, sig.b) == nil {
			return nil
		}
	}
	return ErrVerificationFailed
}

// parseARCSignatureTags parses an ARC-Message-Signature or ARC-Seal tag
// list into the same shape as a DKIM-Signature, skipping the "v=1" and
// "h= contains from" checks that are specific to DKIM-Signature.
func parseARCSignatureTags(raw string) (*dkimSignature, error) {
	tv, err := parseTags(raw)
	if err != nil {
		return nil, err
	}

	sig := &dkimSignature{a: tv["a"], d: tv["d"], s: tv["s"], i: tv["i"]}

	ktS, hS, found := strings.Cut(sig.a, "-")
	if !found {
		return nil, errBadATag
	}
	sig.KeyType, err = keyTypeFromString(ktS)
	if err != nil {
		return nil, err
	}
	sig.Hash, err = hashFromString(hS)
	if err != nil {
		return nil, err
	}

	sig.b, err = base64.StdEncoding.DecodeString(eatWhitespace.Replace(tv["b"]))
	if err != nil {
		return nil, err
	}
	if bh, ok := tv["bh"]; ok {
		sig.bh, err = base64.StdEncoding.DecodeString(eatWhitespace.Replace(bh))
		if err != nil {
			return nil, err
		}
	}

	if err := sig.canonicalizationFromString(tv["c"]); err != nil {
		return nil, err
	}
	if tv["h"] != "" {
		sig.h = strings.Split(eatWhitespace.Replace(tv["h"]), ":")
	}
	if tv["l"] != "" {
		l, err := strconv.ParseUint(tv["l"], 10, 64)
		if err != nil {
			return nil, err
		}
		sig.l = l
	}

	return sig, nil
}

// Seal builds a new ARC set (ARC-Authentication-Results, ARC-Message-
// Signature, ARC-Seal) to prepend to an accepted message, continuing the
// chain at instance prevInstance+1.
type Sealer struct {
	Domain   string
	Selector string
	Signer   *Signer // reused for its crypto.Signer and algorithm selection
}

// Seal signs the message (whose existing ARC set, if any, has chain status
// cv) and returns the three header lines to prepend, outermost first.
func (s *Sealer) Seal(ctx context.Context, message string, cv ChainStatus, authResults string, prevInstance int) ([]string, error) {
	hs, body, err := parseMessage(message)
	if err != nil {
		return nil, err
	}

	inst := prevInstance + 1
	algo, err := s.Signer.algoStr()
	if err != nil {
		return nil, err
	}

	aar := fmt.Sprintf("i=%d; %s", inst, authResults)

	ams := fmt.Sprintf("i=%d; a=%s; c=relaxed/relaxed; d=%s; s=%s; t=%d;",
		inst, algo, s.Domain, s.Selector, time.Now().Unix())
	hsForHeader := append(append([]string{}, headersToSign...), extraHeadersToSign...)
	ams += fmt.Sprintf(" h=%s;", formatHeaders(hsForHeader))

	hashAlgo := crypto.SHA256 // only sha256 is a valid DKIM/ARC body-hash algorithm (RFC 8301/8463).
	bodyH := hashWith(hashAlgo, []byte(relaxedCanonicalization.body(body)))
	ams += fmt.Sprintf(" bh=%s;", base64.StdEncoding.EncodeToString(bodyH))

	bAMS := hashAlgo.New()
	for _, h := range headersToSign {
		for _, hdr := range hs.FindAll(h) {
			bAMS.Write([]byte(relaxedCanonicalization.header(hdr).Source + "\r\n"))
		}
	}
	amsForSigning := ams + " b="
	amsHdr := header{Name: "ARC-Message-Signature", Value: amsForSigning, Source: "ARC-Message-Signature: " + amsForSigning}
	bAMS.Write([]byte(relaxedCanonicalization.header(amsHdr).Source))
	sigAMS, err := s.Signer.sign(bAMS.Sum(nil))
	if err != nil {
		return nil, err
	}
	ams += " b=" + breakLongLines(base64.StdEncoding.EncodeToString(sigAMS))

	as := fmt.Sprintf("i=%d; a=%s; cv=%s; d=%s; s=%s; t=%d;",
		inst, algo, cv, s.Domain, s.Selector, time.Now().Unix())

	bAS := hashAlgo.New()
	bAS.Write([]byte("arc-authentication-results:" + aar + "\r\n"))
	bAS.Write([]byte("arc-message-signature:" + ams + "\r\n"))
	asForSigning := as + " b="
	bAS.Write([]byte("arc-seal:" + asForSigning))
	sigAS, err := s.Signer.sign(bAS.Sum(nil))
	if err != nil {
		return nil, err
	}
	as += " b=" + breakLongLines(base64.StdEncoding.EncodeToString(sigAS))

	return []string{
		"ARC-Authentication-Results: " + aar,
		"ARC-Message-Signature: " + ams,
		"ARC-Seal: " + as,
	}, nil
}
