// ABOUTME: Tests for SSH key fingerprinting
// ABOUTME: Covers fingerprint computation and authorized_keys parsing

package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// generateTestKeyPair creates a new ed25519 key pair for testing
func generateTestKeyPair(t *testing.T) (ssh.Signer, ssh.PublicKey, string) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	pubkeyStr := string(ssh.MarshalAuthorizedKey(signer.PublicKey()))
	return signer, signer.PublicKey(), pubkeyStr
}

func TestComputeFingerprint(t *testing.T) {
	_, pub, _ := generateTestKeyPair(t)

	fp := ComputeFingerprint(pub)
	assert.Len(t, fp, 64)
	assert.Regexp(t, "^[0-9a-f]{64}$", fp)
	assert.Equal(t, fp, ComputeFingerprint(pub), "fingerprint is deterministic")

	_, other, _ := generateTestKeyPair(t)
	assert.NotEqual(t, fp, ComputeFingerprint(other))
}

func TestParseFingerprintFromKey(t *testing.T) {
	_, pub, pubkeyStr := generateTestKeyPair(t)

	fp, err := ParseFingerprintFromKey(pubkeyStr)
	require.NoError(t, err)
	assert.Equal(t, ComputeFingerprint(pub), fp)

	_, err = ParseFingerprintFromKey("ssh-ed25519 not-base64")
	assert.Error(t, err)
}

func TestReadPublicKeyFile(t *testing.T) {
	_, pub, pubkeyStr := generateTestKeyPair(t)
	path := filepath.Join(t.TempDir(), "id_ed25519.pub")
	require.NoError(t, os.WriteFile(path, []byte(pubkeyStr[:len(pubkeyStr)-1]+" ops@laptop\n"), 0o600))

	got, comment, err := ReadPublicKeyFile(path)
	require.NoError(t, err)
	assert.Equal(t, ComputeFingerprint(pub), ComputeFingerprint(got))
	assert.Equal(t, "ops@laptop", comment)

	_, _, err = ReadPublicKeyFile(filepath.Join(t.TempDir(), "missing.pub"))
	assert.Error(t, err)
}
