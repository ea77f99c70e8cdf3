package main

import "testing"

func TestLooksLikeMessage(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"From: a@b\r\nTo: c@d\r\n\r\nhello\r\n", true},
		{"Subject: hi\r\n\r\nbody\r\n", true},
		{"just a plain body\r\nwith no headers\r\n", false},
		{"", false},
	}
	for _, c := range cases {
		if got := looksLikeMessage(c.in); got != c.want {
			t.Errorf("looksLikeMessage(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestComposeMessagePassesThroughFullMessage(t *testing.T) {
	body := []byte("From: a@b\r\nSubject: hi\r\n\r\nhello\r\n")
	got := composeMessage("a@b", "c@d", "hi", body)
	if string(got) != string(body) {
		t.Errorf("composeMessage altered a full message: %q", got)
	}
}

func TestComposeMessageAddsHeaders(t *testing.T) {
	got := string(composeMessage("a@b", "c@d", "hi", []byte("hello\r\n")))
	for _, want := range []string{"From: a@b\r\n", "To: c@d\r\n", "Subject: hi\r\n"} {
		if !containsAll(got, want) {
			t.Errorf("composeMessage() missing %q in %q", want, got)
		}
	}
}

func containsAll(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func TestOrDefault(t *testing.T) {
	if got := orDefault("a", "b"); got != "a" {
		t.Errorf("orDefault(a, b) = %q, want a", got)
	}
	if got := orDefault("", "b"); got != "b" {
		t.Errorf("orDefault(\"\", b) = %q, want b", got)
	}
}

func TestIsASCII(t *testing.T) {
	if !isASCII("plain@example.com") {
		t.Errorf("isASCII failed on plain address")
	}
	if isASCII("café@example.com") {
		t.Errorf("isASCII accepted non-ASCII input")
	}
}
