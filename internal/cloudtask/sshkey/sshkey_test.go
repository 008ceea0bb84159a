package sshkey

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateProducesUsableKey(t *testing.T) {
	k, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if k.Fingerprint == "" {
		t.Error("expected a non-empty fingerprint")
	}
	if !strings.HasPrefix(k.Label, "cloudtask-") {
		t.Errorf("label = %q, want cloudtask-<uuid> prefix", k.Label)
	}
	line := k.AuthorizedKeysLine()
	if !strings.HasSuffix(line, k.Fingerprint) {
		t.Errorf("authorized_keys line %q does not end with fingerprint %q", line, k.Fingerprint)
	}
	if k.Signer() == nil {
		t.Error("expected a non-nil signer")
	}
}

func TestFingerprintIsStable(t *testing.T) {
	k, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if fingerprint(k.public) != k.Fingerprint {
		t.Error("fingerprint is not deterministic for the same public key")
	}
}

func TestTwoKeysDifferByFingerprint(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if a.Fingerprint == b.Fingerprint {
		t.Error("expected distinct fingerprints for two generated keys")
	}
}

func TestWritePrivateKeyPEMProducesReadablePEMFile(t *testing.T) {
	k, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := k.WritePrivateKeyPEM(path); err != nil {
		t.Fatalf("WritePrivateKeyPEM: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat written key: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "PRIVATE KEY") {
		t.Errorf("expected a PEM private key block, got %q", string(data))
	}
}
