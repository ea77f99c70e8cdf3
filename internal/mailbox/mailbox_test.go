package mailbox

import "testing"

func TestParsePath(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
		local   string
		dom     string
		null    bool
	}{
		{"", false, "", "", true},
		{"user@example.com", false, "user", "example.com", false},
		{"\"quoted user\"@example.com", false, "\"quoted user\"", "example.com", false},
		{"no-at-sign", true, "", "", false},
		{"@example.com", true, "", "", false},
		{"user@", true, "", "", false},
	}

	for _, c := range cases {
		mb, err := ParsePath(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParsePath(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePath(%q): unexpected error: %v", c.in, err)
			continue
		}
		if mb.Null != c.null || mb.Local != c.local || (!c.null && mb.Domain.ASCII() != c.dom) {
			t.Errorf("ParsePath(%q) = %+v", c.in, mb)
		}
	}
}

func TestSplit(t *testing.T) {
	user, dom := Split("user@example.com")
	if user != "user" || dom != "example.com" {
		t.Errorf("Split = %q, %q", user, dom)
	}

	user, dom = Split("postmaster")
	if user != "postmaster" || dom != "" {
		t.Errorf("Split = %q, %q", user, dom)
	}
}

func TestLocalTooLong(t *testing.T) {
	long := make([]byte, MaxLocalPart+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err := ParsePath(string(long) + "@example.com")
	if err != ErrLocalTooLong {
		t.Errorf("expected ErrLocalTooLong, got %v", err)
	}
}
