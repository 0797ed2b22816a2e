// ABOUTME: Store interfaces, sentinel errors and shared helpers
// ABOUTME: SQLiteStore satisfies every interface declared here

package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicatePubkey is returned when a principal's fingerprint is taken
	ErrDuplicatePubkey = errors.New("public key already registered")

	// ErrDuplicatePrincipal is returned when a principal id is taken
	ErrDuplicatePrincipal = errors.New("principal already exists")

	// ErrInvalidStatus is returned for unknown principal statuses
	ErrInvalidStatus = errors.New("invalid principal status")
)

// PrincipalStore manages SSH identities.
type PrincipalStore interface {
	CreatePrincipal(ctx context.Context, p *Principal) error
	GetPrincipal(ctx context.Context, id string) (*Principal, error)
	GetPrincipalByFingerprint(ctx context.Context, fingerprint string) (*Principal, error)
	ListPrincipals(ctx context.Context, f PrincipalFilter) ([]Principal, error)
	UpdatePrincipalStatus(ctx context.Context, id string, status PrincipalStatus) error
	TouchPrincipal(ctx context.Context, id string, seen time.Time) error
	DeletePrincipal(ctx context.Context, id string) error
}

// CapabilityStore manages capability grants.
type CapabilityStore interface {
	GrantCapability(ctx context.Context, principalID, capability string) error
	RevokeCapability(ctx context.Context, principalID, capability string) error
	ListCapabilities(ctx context.Context, principalID string) ([]string, error)
}

// AuditStore records and lists audit entries.
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// QueryStore gives the admin query shell direct access to the database.
type QueryStore interface {
	Query(ctx context.Context, statement string) (*QueryResult, error)
	Tables(ctx context.Context) ([]string, error)
	Columns(ctx context.Context, table string) ([]ColumnInfo, error)
}

// Store is everything the daemon persists.
type Store interface {
	PrincipalStore
	CapabilityStore
	AuditStore
	QueryStore
	Close() error
}

var _ Store = (*SQLiteStore)(nil)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
