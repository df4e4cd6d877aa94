package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestComputeBlake3HashStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("agent:\n  name: a\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	h1, err := ComputeBlake3Hash(path)
	if err != nil {
		t.Fatalf("ComputeBlake3Hash() failed: %v", err)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h1))
	}
	if h1 != HashBytes([]byte("agent:\n  name: a\n")) {
		t.Fatal("file hash and byte hash disagree")
	}
	if err := VerifyFileHash(path, h1); err != nil {
		t.Fatalf("VerifyFileHash() = %v", err)
	}

	if err := os.WriteFile(path, []byte("agent:\n  name: b\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	err = VerifyFileHash(path, h1)
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("expected hash mismatch, got %v", err)
	}
}

func TestFingerprint(t *testing.T) {
	if _, err := Defaults().Fingerprint(); err == nil {
		t.Fatal("expected error for config without source file")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("agent:\n  worker_binary: /bin/true\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	fp, err := cfg.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint() failed: %v", err)
	}
	if !strings.HasPrefix(fp, "blake3:") {
		t.Fatalf("fingerprint %q lacks prefix", fp)
	}
}
