package rfc5322

import "testing"

func TestParseFolded(t *testing.T) {
	msg := "From: a@example.com\r\nSubject: hello\r\n world\r\n\r\nbody line\r\n"
	m, err := Parse(msg)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	subj, ok := m.Find("Subject")
	if !ok {
		t.Fatal("Subject header missing")
	}
	want := "hello\r\n world"
	if subj != want {
		t.Errorf("Subject = %q, want %q", subj, want)
	}
	if m.Body != "body line\r\n" {
		t.Errorf("Body = %q", m.Body)
	}
}

func TestFindAllDuplicate(t *testing.T) {
	msg := "Received: one\r\nReceived: two\r\n\r\nbody"
	m, _ := Parse(msg)
	got := m.FindAll("received")
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Errorf("FindAll = %v", got)
	}
}

func TestToCRLF(t *testing.T) {
	got := ToCRLF("a\nb\r\nc\n")
	want := "a\r\nb\r\nc\r\n"
	if got != want {
		t.Errorf("ToCRLF = %q, want %q", got, want)
	}
}

func TestPrependHeader(t *testing.T) {
	data := []byte("Subject: hi\n\nbody\n")
	got := PrependHeader(data, "Received", "from x\nby y")
	want := "Received: from x\n\tby y\nSubject: hi\n\nbody\n"
	if string(got) != want {
		t.Errorf("PrependHeader = %q, want %q", got, want)
	}
}

func TestParseReceivedSPF(t *testing.T) {
	v := "pass (mx.example.com: domain of a@b.com designates 192.0.2.1 as permitted sender) client-ip=192.0.2.1; envelope-from=a@b.com;"
	rs := ParseReceivedSPF(v)
	if rs.Result != "pass" {
		t.Errorf("Result = %q", rs.Result)
	}
	if rs.Params["client-ip"] != "192.0.2.1" {
		t.Errorf("client-ip = %q", rs.Params["client-ip"])
	}
	if rs.Params["envelope-from"] != "a@b.com" {
		t.Errorf("envelope-from = %q", rs.Params["envelope-from"])
	}
}
