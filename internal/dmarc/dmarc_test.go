package dmarc

import (
	"testing"

	"github.com/emersion/go-msgauth/authres"
	edmarc "github.com/emersion/go-msgauth/dmarc"
)

func TestIsAligned(t *testing.T) {
	cases := []struct {
		org, auth string
		mode      edmarc.AlignmentMode
		want      bool
	}{
		{"example.com", "example.com", edmarc.AlignmentStrict, true},
		{"example.com", "mail.example.com", edmarc.AlignmentStrict, false},
		{"example.com", "mail.example.com", edmarc.AlignmentRelaxed, true},
		{"example.com", "other.com", edmarc.AlignmentRelaxed, false},
	}
	for _, c := range cases {
		if got := isAligned(c.org, c.auth, c.mode); got != c.want {
			t.Errorf("isAligned(%q, %q, %v) = %v, want %v", c.org, c.auth, c.mode, got, c.want)
		}
	}
}

func TestEvaluateAlignmentPass(t *testing.T) {
	record := &edmarc.Record{DKIMAlignment: edmarc.AlignmentRelaxed, SPFAlignment: edmarc.AlignmentRelaxed}
	results := []authres.Result{
		&authres.SPFResult{Value: authres.ResultPass, From: "example.com"},
		&authres.DKIMResult{Value: authres.ResultFail, Domain: "example.com"},
	}
	got := evaluateAlignment("example.com", record, results)
	if got.Value != authres.ResultPass {
		t.Errorf("Value = %v, want pass", got.Value)
	}
}

func TestEvaluateAlignmentNone(t *testing.T) {
	record := &edmarc.Record{}
	got := evaluateAlignment("example.com", record, nil)
	if got.Value != authres.ResultNone {
		t.Errorf("Value = %v, want none", got.Value)
	}
}
