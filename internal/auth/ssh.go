// ABOUTME: SSH public key fingerprinting shared by the daemon and the CLI
// ABOUTME: Fingerprints are lowercase hex SHA-256 of the wire-format key

package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// ComputeFingerprint computes the SHA256 fingerprint of a public key.
// Returns lowercase hex encoding without colons.
func ComputeFingerprint(pubkey ssh.PublicKey) string {
	hash := sha256.Sum256(pubkey.Marshal())
	return hex.EncodeToString(hash[:])
}

// ParseFingerprintFromKey parses an authorized_keys line and returns its
// fingerprint.
func ParseFingerprintFromKey(pubkeyStr string) (string, error) {
	pubkey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pubkeyStr))
	if err != nil {
		return "", fmt.Errorf("invalid public key: %w", err)
	}
	return ComputeFingerprint(pubkey), nil
}

// ReadPublicKeyFile reads the first key of an authorized_keys style file and
// returns the key with its comment.
func ReadPublicKeyFile(path string) (ssh.PublicKey, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("reading public key: %w", err)
	}
	pubkey, comment, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, "", fmt.Errorf("invalid public key in %s: %w", path, err)
	}
	return pubkey, comment, nil
}
