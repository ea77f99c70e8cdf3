package dkim

import (
	"context"
	"testing"
)

func TestVerifyARCNoChain(t *testing.T) {
	msg := "From: a@b\r\nSubject: hi\r\n\r\nbody\r\n"
	res, err := VerifyARC(context.Background(), msg)
	if err != nil {
		t.Fatalf("VerifyARC: %v", err)
	}
	if res.Status != ChainNone {
		t.Errorf("Status = %q, want none", res.Status)
	}
}

func TestCollectARCInstancesIncomplete(t *testing.T) {
	msg := "ARC-Seal: i=1; a=rsa-sha256; cv=none; d=example.com; s=sel; t=1; b=YQ==\r\n" +
		"From: a@b\r\nSubject: hi\r\n\r\nbody\r\n"
	hs, _, err := parseMessage(msg)
	if err != nil {
		t.Fatalf("parseMessage: %v", err)
	}
	_, _, err = collectARCInstances(hs)
	if err != errNoARCSet {
		t.Errorf("collectARCInstances: got %v, want errNoARCSet", err)
	}
}
