package spf

import (
	"testing"

	"github.com/gene-hightower/ghsmtp-sub000/internal/rfc5322"
)

func TestIngest(t *testing.T) {
	raw := "Received-SPF: pass (mx.example.com: domain of a@b.com designates 192.0.2.1 as permitted sender) client-ip=192.0.2.1; envelope-from=a@b.com;\r\n\r\nbody"
	msg, err := rfc5322.Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	got := Ingest(msg)
	if len(got) != 1 {
		t.Fatalf("Ingest: got %d verdicts, want 1", len(got))
	}
	if got[0].Result != Pass {
		t.Errorf("Result = %q, want pass", got[0].Result)
	}
	if got[0].Domain != "a@b.com" {
		t.Errorf("Domain = %q, want a@b.com", got[0].Domain)
	}
}

func TestIngestNone(t *testing.T) {
	raw := "Subject: hi\r\n\r\nbody"
	msg, _ := rfc5322.Parse(raw)
	if got := Ingest(msg); len(got) != 0 {
		t.Errorf("Ingest: got %d verdicts, want 0", len(got))
	}
}
