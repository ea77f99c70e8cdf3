package dnsbl

import (
	"net"
	"testing"
)

func TestReverseOctets(t *testing.T) {
	got := reverseOctets(net.ParseIP("127.0.0.2"))
	want := "2.0.0.127"
	if got != want {
		t.Errorf("reverseOctets = %q, want %q", got, want)
	}
}
