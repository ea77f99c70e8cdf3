package domain

import (
	"net"
	"testing"
)

func TestNew(t *testing.T) {
	cases := []struct {
		in        string
		wantASCII string
		wantErr   bool
	}{
		{"example.com", "example.com", false},
		{"EXAMPLE.com.", "example.com", false},
		{"exámple.com", "xn--exmple-qta.com", false},
		{"[192.0.2.1]", "[192.0.2.1]", false},
		{"[IPv6:2001:db8::1]", "[IPv6:2001:db8::1]", false},
		{"", "", true},
	}

	for _, c := range cases {
		d, err := New(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("New(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("New(%q): unexpected error: %v", c.in, err)
			continue
		}
		if d.ASCII() != c.wantASCII {
			t.Errorf("New(%q).ASCII() = %q, want %q", c.in, d.ASCII(), c.wantASCII)
		}
	}
}

func TestEqual(t *testing.T) {
	a, _ := New("Example.COM")
	b, _ := New("example.com.")
	if !a.Equal(b) {
		t.Errorf("expected %v == %v", a, b)
	}
}

func TestReverse(t *testing.T) {
	got := Reverse(net.ParseIP("192.0.2.1"))
	want := "1.2.0.192.in-addr.arpa."
	if got != want {
		t.Errorf("Reverse(192.0.2.1) = %q, want %q", got, want)
	}
}

func TestIsPrivate(t *testing.T) {
	cases := []struct {
		ip   string
		want bool
	}{
		{"10.1.2.3", true},
		{"172.16.0.1", true},
		{"192.168.1.1", true},
		{"8.8.8.8", false},
		{"::1", true},
		{"fc00::1", true},
		{"2001:db8::1", false},
	}
	for _, c := range cases {
		got := IsPrivate(net.ParseIP(c.ip))
		if got != c.want {
			t.Errorf("IsPrivate(%q) = %v, want %v", c.ip, got, c.want)
		}
	}
}
