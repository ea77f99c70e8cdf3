package dkim

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"net"
	"strings"
	"time"
)

// StreamSigner and StreamVerifier implement the RFC 6376 §3.7 / §6.1
// signing and verification math incrementally: signed headers are
// canonicalized and hashed the moment they're known (at EOH, since DATA
// always delivers headers before body), and the body is canonicalized and
// hashed one chunk at a time as it arrives, rather than requiring the
// whole message to be assembled into one string first. Sign and
// VerifyMessage below are convenience wrappers over this same engine for
// callers that already have a complete message in hand.

// addContinuation appends line to hs as a folded continuation of its last
// header if line starts with whitespace and hs is non-empty. It reports
// whether it did so.
func addContinuation(hs *headers, line string) bool {
	if len(*hs) == 0 {
		return false
	}
	if !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "\t") {
		return false
	}
	last := &(*hs)[len(*hs)-1]
	last.Value += "\r\n" + line
	last.Source += "\r\n" + line
	return true
}

// StreamSigner drives a Signer through the streaming contract: feed
// header lines, call EOH, feed body chunks, then EOM to get the finished
// DKIM-Signature header value.
type StreamSigner struct {
	ctx    context.Context
	signer *Signer

	headers    headers
	headerHash hash.Hash
	preamble   string
	bodyW      *bodyCanonWriter
	err        error
}

// NewStreamSigner returns a StreamSigner that signs for signer.
func NewStreamSigner(ctx context.Context, signer *Signer) *StreamSigner {
	return &StreamSigner{ctx: ctx, signer: signer}
}

// Header feeds one physical header line (CRLF already stripped); a line
// starting with whitespace is treated as a folded continuation of the
// previous header.
func (s *StreamSigner) Header(line string) {
	if addContinuation(&s.headers, line) {
		return
	}
	h, err := parseHeader(line)
	if err != nil {
		s.err = err
		return
	}
	s.headers = append(s.headers, h)
}

// EOH marks the end of headers. All headers to be signed are known by
// this point, so the signed-header hash is computed here, before any body
// bytes arrive.
func (s *StreamSigner) EOH() {
	if s.err != nil {
		return
	}

	algoStr, err := s.signer.algoStr()
	if err != nil {
		s.err = err
		return
	}
	trace(s.ctx, "Signing for %s / %s with %s",
		s.signer.Domain, s.signer.Selector, algoStr)

	preamble := fmt.Sprintf("v=1; a=%s; c=relaxed/relaxed;\r\n", algoStr)
	preamble += fmt.Sprintf("d=%s; s=%s; t=%d;\r\n",
		s.signer.Domain, s.signer.Selector, time.Now().Unix())

	hsForHeader := []string{}
	for _, h := range headersToSign {
		for i := 0; i < len(s.headers.FindAll(h)); i++ {
			hsForHeader = append(hsForHeader, h)
		}
	}
	hsForHeader = append(hsForHeader, extraHeadersToSign...)
	preamble += fmt.Sprintf("h=%s;\r\n", formatHeaders(hsForHeader))
	s.preamble = preamble

	s.headerHash = sha256.New()
	for _, h := range headersToSign {
		for _, header := range s.headers.FindAll(h) {
			hsrc := relaxedCanonicalization.header(header).Source + "\r\n"
			trace(s.ctx, "Hashing header: %q", hsrc)
			s.headerHash.Write([]byte(hsrc))
		}
	}

	s.bodyW = newBodyCanonWriter(true, sha256.New(), 0)
}

// Body feeds one chunk of the message body, exactly as received
// (dot-unstuffed, CRLF-terminated lines).
func (s *StreamSigner) Body(chunk []byte) {
	if s.err != nil {
		return
	}
	s.bodyW.Write(chunk)
}

// EOM finishes the message and returns the DKIM-Signature header value to
// prepend.
func (s *StreamSigner) EOM() (string, error) {
	if s.err != nil {
		return "", s.err
	}

	bodyH := s.bodyW.Sum()
	dkimSignature := s.preamble + fmt.Sprintf(
		"bh=%s;\r\n", base64.StdEncoding.EncodeToString(bodyH))

	// Now, the (canonicalized) DKIM-Signature header itself, but with an
	// empty b= tag, without a trailing \r\n, and ending with ";". We
	// include the ";" because we will add it at the end (see below). We
	// replace \r\n with \r\n\t so the canonicalization considers them
	// proper continuations, and works correctly.
	dkimSignature += "b="
	dkimSignatureForSigning := strings.ReplaceAll(
		dkimSignature, "\r\n", "\r\n\t") + ";"
	relaxedDH := relaxedCanonicalization.header(header{
		Name:   "DKIM-Signature",
		Value:  dkimSignatureForSigning,
		Source: dkimSignatureForSigning,
	})
	s.headerHash.Write([]byte(relaxedDH.Source))
	trace(s.ctx, "Hashing header: %q", relaxedDH.Source)
	bSum := s.headerHash.Sum(nil)
	trace(s.ctx, "Resulting hash: %q", base64.StdEncoding.EncodeToString(bSum))

	sig, err := s.signer.sign(bSum)
	if err != nil {
		return "", err
	}
	sigb64 := base64.StdEncoding.EncodeToString(sig)

	dkimSignature += breakLongLines(sigb64) + ";"
	return dkimSignature, nil
}

// pendingVerify tracks one DKIM-Signature header through the two phases
// of verification: everything that depends only on headers (tag parsing,
// key lookup, header hash) runs at EOH; everything that needs the body
// (body hash, final signature check) waits for EOM.
type pendingVerify struct {
	result *OneResult

	sig       *dkimSignature
	pubKeys   []*publicKey
	headerSum []byte
	body      *bodyCanonWriter
}

// StreamVerifier drives DKIM-Signature verification through the same
// streaming contract StreamSigner uses.
type StreamVerifier struct {
	ctx     context.Context
	headers headers
	pending []*pendingVerify
}

// NewStreamVerifier returns an empty StreamVerifier.
func NewStreamVerifier(ctx context.Context) *StreamVerifier {
	return &StreamVerifier{ctx: ctx}
}

// Header feeds one physical header line (CRLF already stripped).
func (s *StreamVerifier) Header(line string) {
	if addContinuation(&s.headers, line) {
		return
	}
	h, err := parseHeader(line)
	if err != nil {
		return
	}
	s.headers = append(s.headers, h)
}

// EOH marks the end of headers: every DKIM-Signature header is now known,
// so tag parsing, public key lookup, and signed-header hashing happen
// here, ahead of the body.
func (s *StreamVerifier) EOH() {
	sigs := s.headers.FindAll("DKIM-Signature")
	max := maxHeaders(s.ctx)
	for i, sigH := range sigs {
		if i >= max {
			// Protect from potential DoS by capping the number of
			// signatures.
			// https://datatracker.ietf.org/doc/html/rfc6376#section-4.2
			// https://datatracker.ietf.org/doc/html/rfc6376#section-8.4
			trace(s.ctx, "Too many DKIM-Signature headers found")
			break
		}
		trace(s.ctx, "Found DKIM-Signature header: %s", sigH.Value)
		s.pending = append(s.pending, s.startVerify(sigH))
	}
}

func (s *StreamVerifier) startVerify(sigH header) *pendingVerify {
	pv := &pendingVerify{result: &OneResult{SignatureHeader: sigH.Value}}

	sig, err := dkimSignatureFromHeader(sigH.Value)
	if err != nil {
		// Header validation errors are a PERMFAIL.
		// https://datatracker.ietf.org/doc/html/rfc6376#section-6.1.1
		pv.result.Error = err
		pv.result.State = PERMFAIL
		return pv
	}
	pv.sig = sig
	pv.result.Domain = sig.d
	pv.result.Selector = sig.s
	pv.result.B = base64.StdEncoding.EncodeToString(sig.b)

	// Get the public key.
	// https://datatracker.ietf.org/doc/html/rfc6376#section-6.1.2
	pubKeys, err := findPublicKeys(s.ctx, sig.d, sig.s)
	if err != nil {
		pv.result.Error = err

		// DNS errors when looking up the public key are a TEMPFAIL; all
		// others are PERMFAIL.
		if dnsErr, ok := err.(*net.DNSError); ok && dnsErr.Temporary() {
			pv.result.State = TEMPFAIL
		} else {
			pv.result.State = PERMFAIL
		}
		return pv
	}
	pv.pubKeys = pubKeys

	// Hash the (canonicalized) headers that appear in the h= tag, plus the
	// DKIM-Signature header itself (with an empty b= tag). Nothing here
	// depends on the body, so it can run now instead of waiting for EOM.
	b := sig.Hash.New()
	for _, hdr := range headersToInclude(sigH, sig.h, s.headers) {
		hsrc := sig.cH.header(hdr).Source + "\r\n"
		trace(s.ctx, "Hashing header: %q", hsrc)
		b.Write([]byte(hsrc))
	}
	sigC := sig.cH.header(sigH)
	sigCStr := bTag.ReplaceAllString(sigC.Source, "$1")
	trace(s.ctx, "Hashing header: %q", sigCStr)
	b.Write([]byte(sigCStr))
	pv.headerSum = b.Sum(nil)

	var limit int64
	if sig.l > 0 {
		limit = int64(sig.l)
	}
	pv.body = newBodyCanonWriter(sig.cB == relaxedCanonicalization, sig.Hash.New(), limit)

	return pv
}

// Body feeds one chunk of the message body to every signature still
// awaiting its body hash.
func (s *StreamVerifier) Body(chunk []byte) {
	for _, pv := range s.pending {
		if pv.body != nil {
			pv.body.Write(chunk)
		}
	}
}

// EOM finishes verification of every signature found and returns the
// aggregate result.
func (s *StreamVerifier) EOM() (*VerifyResult, error) {
	result := &VerifyResult{Results: []*OneResult{}}
	for _, pv := range s.pending {
		result.Found++
		s.finish(pv)
		result.Results = append(result.Results, pv.result)
		if pv.result.State == SUCCESS {
			result.Valid++
		}
	}
	trace(s.ctx, "Found %d signatures, %d valid", result.Found, result.Valid)
	return result, nil
}

func (s *StreamVerifier) finish(pv *pendingVerify) {
	if pv.result.State != "" {
		// Already failed during the header phase (bad tags, or the key
		// lookup failed); there's nothing left to check.
		return
	}

	// Step 1-2: hash the canonicalized (and possibly l=-truncated) body.
	// https://datatracker.ietf.org/doc/html/rfc6376#section-3.7
	bodyH := pv.body.Sum()

	// Step 3: verify the hash of the body by comparing it with bh=.
	if !bytes.Equal(bodyH, pv.sig.bh) {
		bodyHStr := base64.StdEncoding.EncodeToString(bodyH)
		trace(s.ctx, "Body hash mismatch: %q", bodyHStr)
		pv.result.Error = fmt.Errorf("%w (got %s)", ErrBodyHashMismatch, bodyHStr)
		pv.result.State = PERMFAIL
		return
	}
	trace(s.ctx, "Body hash matches: %q", base64.StdEncoding.EncodeToString(bodyH))

	// Step 4: validate the signature against each candidate public key.
	for _, pubKey := range pv.pubKeys {
		if !pubKey.Matches(pv.sig.KeyType, pv.sig.Hash) {
			trace(s.ctx, "PK %v: key type or hash mismatch, skipping", pubKey)
			continue
		}

		if pv.sig.i != "" && pubKey.StrictDomainCheck() {
			_, dom, _ := strings.Cut(pv.sig.i, "@")
			if dom != pv.sig.d {
				trace(s.ctx, "PK %v: Strict domain check failed: %q != %q (%q)",
					pubKey, pv.sig.d, dom, pv.sig.i)
				continue
			}
			trace(s.ctx, "PK %v: Strict domain check passed", pubKey)
		}

		if err := pubKey.verify(pv.sig.Hash, pv.headerSum, pv.sig.b); err != nil {
			trace(s.ctx, "PK %v: Verification failed: %v", pubKey, err)
			continue
		}
		trace(s.ctx, "PK %v: Verification succeeded", pubKey)
		pv.result.State = SUCCESS
		return
	}

	pv.result.State = PERMFAIL
	pv.result.Error = ErrVerificationFailed
}

// VerifyMessage splits message into headers and body and drives them
// through a StreamVerifier.
func VerifyMessage(ctx context.Context, message string) (*VerifyResult, error) {
	hs, body, err := parseMessage(message)
	if err != nil {
		trace(ctx, "Error parsing message: %v", err)
		return nil, err
	}

	sv := NewStreamVerifier(ctx)
	sv.headers = hs
	sv.EOH()
	sv.Body([]byte(body))
	return sv.EOM()
}
