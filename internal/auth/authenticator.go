// ABOUTME: Public key callback for the SSH server backed by the principal store
// ABOUTME: Also loads a principal's capability set at session creation

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/2389/coven-sshd/internal/capability"
	"github.com/2389/coven-sshd/internal/dedupe"
	"github.com/2389/coven-sshd/internal/store"
)

// Permission extension keys set by PublicKeyCallback.
const (
	ExtPrincipalID = "coven-principal-id"
	ExtFingerprint = "coven-pubkey-fp"
	ExtDisplayName = "coven-display-name"
)

const (
	// RejectionLogWindow is how long repeated rejections of one key are folded
	// into a single log line.
	RejectionLogWindow = 5 * time.Minute

	rejectionCacheSize = 10000
	lookupTimeout      = 5 * time.Second
)

var (
	ErrUnknownKey  = errors.New("public key not registered")
	ErrNotApproved = errors.New("principal not approved")
	ErrNoIdentity  = errors.New("connection carries no principal")
)

// Principals is the part of the store the authenticator reads.
type Principals interface {
	GetPrincipalByFingerprint(ctx context.Context, fingerprint string) (*store.Principal, error)
	TouchPrincipal(ctx context.Context, id string, seen time.Time) error
	ListCapabilities(ctx context.Context, principalID string) ([]string, error)
}

// Authenticator decides who may open SSH sessions.
type Authenticator struct {
	principals Principals
	rejections *dedupe.Cache
	logger     *slog.Logger
}

// NewAuthenticator creates an Authenticator. Call Close when done.
func NewAuthenticator(principals Principals, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		principals: principals,
		rejections: dedupe.New(RejectionLogWindow, rejectionCacheSize),
		logger:     logger.With("component", "auth"),
	}
}

// Close releases the rejection cache.
func (a *Authenticator) Close() {
	a.rejections.Close()
}

// PublicKeyCallback implements ssh.ServerConfig.PublicKeyCallback.
func (a *Authenticator) PublicKeyCallback(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	fp := ComputeFingerprint(key)
	p, err := a.principals.GetPrincipalByFingerprint(ctx, fp)
	if errors.Is(err, store.ErrNotFound) {
		a.logRejection(conn, fp, "unknown key")
		return nil, ErrUnknownKey
	}
	if err != nil {
		a.logger.Error("principal lookup failed", "fingerprint", fp, "error", err)
		return nil, fmt.Errorf("looking up principal: %w", err)
	}
	if p.Status != store.PrincipalStatusApproved {
		a.logRejection(conn, fp, "principal "+string(p.Status))
		return nil, ErrNotApproved
	}

	if err := a.principals.TouchPrincipal(ctx, p.ID, time.Now()); err != nil {
		a.logger.Debug("failed to record last_seen", "principal", p.ID, "error", err)
	}

	a.logger.Info("principal authenticated",
		"principal", p.ID,
		"name", p.DisplayName,
		"user", conn.User(),
		"remote", conn.RemoteAddr().String(),
	)
	return &ssh.Permissions{
		Extensions: map[string]string{
			ExtPrincipalID: p.ID,
			ExtFingerprint: fp,
			ExtDisplayName: p.DisplayName,
		},
	}, nil
}

func (a *Authenticator) logRejection(conn ssh.ConnMetadata, fp, reason string) {
	host := conn.RemoteAddr().String()
	if report, suppressed := a.rejections.Observe(fp + "|" + reason); report {
		a.logger.Warn("public key rejected",
			"fingerprint", fp,
			"reason", reason,
			"user", conn.User(),
			"remote", host,
			"suppressed", suppressed,
		)
	}
}

// Capabilities loads the capability set granted to a principal.
func (a *Authenticator) Capabilities(ctx context.Context, principalID string) (capability.Set, error) {
	names, err := a.principals.ListCapabilities(ctx, principalID)
	if err != nil {
		return capability.Set{}, fmt.Errorf("loading capabilities: %w", err)
	}
	return capability.Parse(names...), nil
}

// Identity is what PublicKeyCallback attached to a connection.
type Identity struct {
	PrincipalID string
	Fingerprint string
	DisplayName string
}

// IdentityFromPermissions reads the identity back from an authenticated
// connection's permissions.
func IdentityFromPermissions(perms *ssh.Permissions) (Identity, error) {
	if perms == nil || perms.Extensions[ExtPrincipalID] == "" {
		return Identity{}, ErrNoIdentity
	}
	return Identity{
		PrincipalID: perms.Extensions[ExtPrincipalID],
		Fingerprint: perms.Extensions[ExtFingerprint],
		DisplayName: perms.Extensions[ExtDisplayName],
	}, nil
}
