// Package sshkey generates the per-session ephemeral keypair described
// in SPEC_FULL.md §3 (EphemeralSessionKey): a random-label Ed25519
// keypair installed on each worker during setup and removed during
// teardown, with a stable SHA-1 fingerprint of the public half used to
// match authorized_keys entries for removal.
package sshkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

// Key is a generated keypair plus the label used to tag it.
type Key struct {
	Label       string
	priv        ed25519.PrivateKey
	public      ssh.PublicKey
	signer      ssh.Signer
	Fingerprint string
}

// Generate creates a new Ed25519 keypair with a random label.
func Generate() (*Key, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("build signer: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("build public key: %w", err)
	}
	return &Key{
		Label:       "cloudtask-" + uuid.NewString(),
		priv:        priv,
		public:      sshPub,
		signer:      signer,
		Fingerprint: fingerprint(sshPub),
	}, nil
}

// Signer returns the ssh.Signer used to authenticate as this key.
func (k *Key) Signer() ssh.Signer {
	return k.signer
}

// AuthorizedKeysLine renders the public half the way it is appended to
// a worker's authorized_keys file: "<key> <fingerprint>".
func (k *Key) AuthorizedKeysLine() string {
	line := strings.TrimSuffix(string(ssh.MarshalAuthorizedKey(k.public)), "\n")
	return line + " " + k.Fingerprint
}

// WritePrivateKeyPEM writes the private half to path (mode 0600), for
// rsync's `ssh -i <path>` invocation in ApplyOverlay — the only
// consumer that needs the key as a file rather than an in-process
// ssh.Signer.
func (k *Key) WritePrivateKeyPEM(path string) error {
	block, err := ssh.MarshalPrivateKey(k.priv, k.Label)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0o600)
}

// fingerprint is a stable hash of the public material: SHA-1 hex of the
// serialized key, per SPEC_FULL.md §4.1.
func fingerprint(pub ssh.PublicKey) string {
	sum := sha1.Sum(pub.Marshal())
	return hex.EncodeToString(sum[:])
}
