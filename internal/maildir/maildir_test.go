package maildir

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCommitAndFreeze(t *testing.T) {
	dir := t.TempDir()
	s := &Store{Dir: dir, Hostname: "test.example.com"}
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	m, err := s.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Write([]byte("hello world")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	path, err := m.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if filepath.Dir(path) != filepath.Join(dir, "new") {
		t.Errorf("Commit path = %q, want under new/", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("committed file missing: %v", err)
	}

	fr, err := Freeze(path)
	if err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	defer fr.Close()

	if string(fr.Bytes()) != "hello world" {
		t.Errorf("Bytes() = %q", fr.Bytes())
	}
}

func TestAbort(t *testing.T) {
	dir := t.TempDir()
	s := &Store{Dir: dir, Hostname: "test.example.com"}
	s.Init()

	m, err := s.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if _, err := os.Stat(m.tmpPath); !os.IsNotExist(err) {
		t.Errorf("expected tmp file to be removed")
	}
}
