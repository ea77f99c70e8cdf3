package dkim

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
)

// sumOf canonicalizes body the old, whole-string way and returns the
// base64 digest, for comparison against the incremental bodyCanonWriter.
func sumOf(relaxed bool, body string) string {
	var canon string
	if relaxed {
		canon = relaxedCanonicalization.body(body)
	} else {
		canon = simpleCanonicalization.body(body)
	}
	h := sha256.Sum256([]byte(canon))
	return base64.StdEncoding.EncodeToString(h[:])
}

func TestBodyCanonWriterMatchesWholeString(t *testing.T) {
	cases := []struct {
		name    string
		relaxed bool
		body    string
		// chunk boundaries: how to split body across successive Write calls.
		splits []int
	}{
		{"empty/simple", false, "", nil},
		{"empty/relaxed", true, "", nil},
		{"no-trailing-crlf/simple", false, "a", nil},
		{"no-trailing-crlf/relaxed", true, "a", nil},
		{"trailing-blank-run/simple", false, "Body \r\n\r\n\r\n", nil},
		{"trailing-blank-run/relaxed", true, "Body \r\n\r\n\r\n", nil},
		{"rfc-example/simple", false, " C \r\nD \t E\r\n\r\n\r\n", nil},
		{"rfc-example/relaxed", true, " C \r\nD \t E\r\n\r\n\r\n", nil},
		{"only-blank-lines/simple", false, "\r\n\r\n\r\n", nil},
		{"only-blank-lines/relaxed", true, "\r\n\r\n\r\n", nil},
		{
			"split-mid-line", true,
			"Hello, World!\r\n\r\nSecond paragraph.\r\n",
			[]int{5, 12, 20},
		},
		{
			"split-on-crlf", false,
			"one\r\ntwo\r\n\r\n\r\n",
			[]int{5, 10},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			w := newBodyCanonWriter(c.relaxed, sha256.New(), 0)
			body := c.body
			for _, at := range c.splits {
				if at > len(body) {
					continue
				}
				w.Write([]byte(body[:at]))
				body = body[at:]
			}
			w.Write([]byte(body))

			got := base64.StdEncoding.EncodeToString(w.Sum())
			want := sumOf(c.relaxed, c.body)
			if got != want {
				t.Errorf("bodyCanonWriter(%q) = %s, want %s", c.body, got, want)
			}
		})
	}
}

func TestBodyCanonWriterLimit(t *testing.T) {
	body := "0123456789\r\nmore content here\r\n"

	w := newBodyCanonWriter(false, sha256.New(), 5)
	w.Write([]byte(body))
	got := base64.StdEncoding.EncodeToString(w.Sum())

	// l= counts octets of the canonicalized body, so the hash covers the
	// first 5 canonicalized bytes, with no CRLF appended after them.
	canon := simpleCanonicalization.body(body)[:5]
	sum := sha256.Sum256([]byte(canon))
	want := base64.StdEncoding.EncodeToString(sum[:])
	if got != want {
		t.Errorf("bodyCanonWriter with limit=5 = %s, want %s", got, want)
	}
}

func TestBodyCanonWriterLimitBeyondBody(t *testing.T) {
	// A limit larger than the canonicalized body must not panic or read out
	// of bounds; it should behave as if unlimited.
	body := "short\r\n"

	w := newBodyCanonWriter(true, sha256.New(), 10_000)
	w.Write([]byte(body))
	got := base64.StdEncoding.EncodeToString(w.Sum())

	want := sumOf(true, body)
	if got != want {
		t.Errorf("bodyCanonWriter with oversized limit = %s, want %s", got, want)
	}
}

func TestBodyCanonWriterCloseIdempotent(t *testing.T) {
	w := newBodyCanonWriter(true, sha256.New(), 0)
	w.Write([]byte("a\r\n\r\n\r\n"))
	first := w.Sum()
	second := w.Sum()
	if string(first) != string(second) {
		t.Errorf("Sum() not idempotent: %x != %x", first, second)
	}
}
