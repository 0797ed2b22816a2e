// ABOUTME: Tests for the public key callback and capability loading
// ABOUTME: Runs against a real SQLite store in a temp dir

package auth

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/2389/coven-sshd/internal/capability"
	"github.com/2389/coven-sshd/internal/store"
)

type fakeConn struct{}

func (fakeConn) User() string          { return "ops" }
func (fakeConn) SessionID() []byte     { return []byte("session") }
func (fakeConn) ClientVersion() []byte { return []byte("SSH-2.0-test") }
func (fakeConn) ServerVersion() []byte { return []byte("SSH-2.0-coven") }
func (fakeConn) RemoteAddr() net.Addr  { return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 50022} }
func (fakeConn) LocalAddr() net.Addr   { return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 2222} }

func setupTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func registerKey(t *testing.T, s *store.SQLiteStore, id string, pub ssh.PublicKey, status store.PrincipalStatus) {
	t.Helper()
	require.NoError(t, s.CreatePrincipal(context.Background(), &store.Principal{
		ID:          id,
		PubkeyFP:    ComputeFingerprint(pub),
		DisplayName: strings.ToUpper(id),
		Status:      status,
	}))
}

func newTestAuthenticator(t *testing.T, s *store.SQLiteStore) (*Authenticator, *bytes.Buffer) {
	t.Helper()
	var logs bytes.Buffer
	a := NewAuthenticator(s, slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(a.Close)
	return a, &logs
}

func TestPublicKeyCallback_Approved(t *testing.T) {
	s := setupTestStore(t)
	a, _ := newTestAuthenticator(t, s)
	_, pub, _ := generateTestKeyPair(t)
	registerKey(t, s, "alice", pub, store.PrincipalStatusApproved)

	perms, err := a.PublicKeyCallback(fakeConn{}, pub)
	require.NoError(t, err)

	id, err := IdentityFromPermissions(perms)
	require.NoError(t, err)
	assert.Equal(t, Identity{PrincipalID: "alice", Fingerprint: ComputeFingerprint(pub), DisplayName: "ALICE"}, id)

	p, err := s.GetPrincipal(context.Background(), "alice")
	require.NoError(t, err)
	assert.NotNil(t, p.LastSeen, "successful login records last_seen")
}

func TestPublicKeyCallback_Refused(t *testing.T) {
	s := setupTestStore(t)
	a, _ := newTestAuthenticator(t, s)

	_, revokedKey, _ := generateTestKeyPair(t)
	_, pendingKey, _ := generateTestKeyPair(t)
	_, unknownKey, _ := generateTestKeyPair(t)
	registerKey(t, s, "mallory", revokedKey, store.PrincipalStatusRevoked)
	registerKey(t, s, "newbie", pendingKey, store.PrincipalStatusPending)

	_, err := a.PublicKeyCallback(fakeConn{}, revokedKey)
	assert.ErrorIs(t, err, ErrNotApproved)
	_, err = a.PublicKeyCallback(fakeConn{}, pendingKey)
	assert.ErrorIs(t, err, ErrNotApproved)
	_, err = a.PublicKeyCallback(fakeConn{}, unknownKey)
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestPublicKeyCallback_RepeatedRejectionsLoggedOnce(t *testing.T) {
	s := setupTestStore(t)
	a, logs := newTestAuthenticator(t, s)
	_, unknownKey, _ := generateTestKeyPair(t)

	for i := 0; i < 10; i++ {
		_, err := a.PublicKeyCallback(fakeConn{}, unknownKey)
		require.ErrorIs(t, err, ErrUnknownKey)
	}
	assert.Equal(t, 1, strings.Count(logs.String(), "public key rejected"))
}

func TestCapabilities(t *testing.T) {
	s := setupTestStore(t)
	a, _ := newTestAuthenticator(t, s)
	ctx := context.Background()
	_, pub, _ := generateTestKeyPair(t)
	registerKey(t, s, "alice", pub, store.PrincipalStatusApproved)

	caps, err := a.Capabilities(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, caps.Len())

	require.NoError(t, s.GrantCapability(ctx, "alice", "ADMIN"))
	require.NoError(t, s.GrantCapability(ctx, "alice", "VIEW_QUEUE"))

	caps, err = a.Capabilities(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []capability.Capability{"ADMIN", "VIEW_QUEUE"}, caps.Slice())
}

func TestIdentityFromPermissions_Missing(t *testing.T) {
	_, err := IdentityFromPermissions(nil)
	assert.ErrorIs(t, err, ErrNoIdentity)
	_, err = IdentityFromPermissions(&ssh.Permissions{})
	assert.ErrorIs(t, err, ErrNoIdentity)
}
