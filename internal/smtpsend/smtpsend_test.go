package smtpsend

import (
	"fmt"
	"net/textproto"
	"testing"
)

func TestIsPermanent(t *testing.T) {
	cases := []struct {
		err       error
		permanent bool
	}{
		{&textproto.Error{Code: 499, Msg: ""}, false},
		{&textproto.Error{Code: 500, Msg: ""}, true},
		{&textproto.Error{Code: 599, Msg: ""}, true},
		{&textproto.Error{Code: 600, Msg: ""}, false},
		{fmt.Errorf("something"), false},
		{nil, false},
	}
	for _, c := range cases {
		if p := isPermanent(c.err); p != c.permanent {
			t.Errorf("%v: expected %v, got %v", c.err, c.permanent, p)
		}
	}
}

func TestIsASCII(t *testing.T) {
	cases := []struct {
		str   string
		ascii bool
	}{
		{"", true},
		{"<>", true},
		{"lalala", true},
		{"ñaca", false},
		{"año", false},
	}
	for _, c := range cases {
		if ascii := isASCII(c.str); ascii != c.ascii {
			t.Errorf("%q: expected %v, got %v", c.str, c.ascii, ascii)
		}
	}
}

func TestDialerDefaults(t *testing.T) {
	d := &Dialer{}
	if got := d.port(); got != "25" {
		t.Errorf("port() = %q, want 25", got)
	}
	if got := d.portNum(); got != 25 {
		t.Errorf("portNum() = %d, want 25", got)
	}

	d.Port = "465"
	if got := d.portNum(); got != 465 {
		t.Errorf("portNum() with Port=465 = %d, want 465", got)
	}
}
