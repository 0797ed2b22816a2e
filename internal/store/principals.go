// ABOUTME: Principal entity and store methods for SSH identities
// ABOUTME: A principal is one public key fingerprint with a lifecycle status

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PrincipalStatus is the lifecycle state of a principal.
type PrincipalStatus string

const (
	PrincipalStatusPending  PrincipalStatus = "pending"
	PrincipalStatusApproved PrincipalStatus = "approved"
	PrincipalStatusRevoked  PrincipalStatus = "revoked"
)

// Valid reports whether s is a known status.
func (s PrincipalStatus) Valid() bool {
	switch s {
	case PrincipalStatusPending, PrincipalStatusApproved, PrincipalStatusRevoked:
		return true
	}
	return false
}

// Principal is an identity allowed to open SSH sessions.
type Principal struct {
	ID          string
	PubkeyFP    string // hex SHA-256 of the wire-format public key
	DisplayName string
	Status      PrincipalStatus
	CreatedAt   time.Time
	LastSeen    *time.Time
	Metadata    map[string]any
}

// PrincipalFilter narrows ListPrincipals.
type PrincipalFilter struct {
	Status *PrincipalStatus
}

// CreatePrincipal inserts p. It returns ErrDuplicatePubkey when the
// fingerprint is already registered and ErrDuplicatePrincipal when the id is.
func (s *SQLiteStore) CreatePrincipal(ctx context.Context, p *Principal) error {
	if !p.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, p.Status)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	var metadataJSON *string
	if p.Metadata != nil {
		data, err := json.Marshal(p.Metadata)
		if err != nil {
			return fmt.Errorf("marshaling metadata: %w", err)
		}
		str := string(data)
		metadataJSON = &str
	}

	query := `
		INSERT INTO principals (principal_id, pubkey_fingerprint, display_name, status, created_at, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		p.ID,
		p.PubkeyFP,
		p.DisplayName,
		p.Status,
		formatTime(p.CreatedAt),
		metadataJSON,
	)
	if err != nil {
		if isConstraintViolation(err) {
			if strings.Contains(err.Error(), "pubkey_fingerprint") {
				return ErrDuplicatePubkey
			}
			return ErrDuplicatePrincipal
		}
		return fmt.Errorf("inserting principal: %w", err)
	}

	s.logger.Debug("created principal", "id", p.ID, "name", p.DisplayName)
	return nil
}

const principalColumns = `principal_id, pubkey_fingerprint, display_name, status, created_at, last_seen, metadata_json`

func scanPrincipal(scanner interface{ Scan(dest ...any) error }) (Principal, error) {
	var p Principal
	var status, createdAt string
	var lastSeen, metadataJSON *string

	if err := scanner.Scan(&p.ID, &p.PubkeyFP, &p.DisplayName, &status, &createdAt, &lastSeen, &metadataJSON); err != nil {
		return p, err
	}
	p.Status = PrincipalStatus(status)

	var err error
	p.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return p, fmt.Errorf("parsing created_at: %w", err)
	}
	if lastSeen != nil {
		t, err := time.Parse(time.RFC3339, *lastSeen)
		if err != nil {
			return p, fmt.Errorf("parsing last_seen: %w", err)
		}
		p.LastSeen = &t
	}
	if metadataJSON != nil {
		if err := json.Unmarshal([]byte(*metadataJSON), &p.Metadata); err != nil {
			return p, fmt.Errorf("unmarshaling metadata: %w", err)
		}
	}
	return p, nil
}

func (s *SQLiteStore) getPrincipalBy(ctx context.Context, column, value string) (*Principal, error) {
	query := `SELECT ` + principalColumns + ` FROM principals WHERE ` + column + ` = ?`
	p, err := scanPrincipal(s.db.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying principal: %w", err)
	}
	return &p, nil
}

// GetPrincipal retrieves a principal by id.
func (s *SQLiteStore) GetPrincipal(ctx context.Context, id string) (*Principal, error) {
	return s.getPrincipalBy(ctx, "principal_id", id)
}

// GetPrincipalByFingerprint retrieves the principal owning a key fingerprint.
func (s *SQLiteStore) GetPrincipalByFingerprint(ctx context.Context, fingerprint string) (*Principal, error) {
	return s.getPrincipalBy(ctx, "pubkey_fingerprint", fingerprint)
}

// ListPrincipals returns principals ordered by display name.
func (s *SQLiteStore) ListPrincipals(ctx context.Context, f PrincipalFilter) ([]Principal, error) {
	var status *string
	if f.Status != nil {
		str := string(*f.Status)
		status = &str
	}

	query := `SELECT ` + principalColumns + ` FROM principals
		WHERE (? IS NULL OR status = ?)
		ORDER BY display_name, principal_id`
	rows, err := s.db.QueryContext(ctx, query, status, status)
	if err != nil {
		return nil, fmt.Errorf("listing principals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	principals := []Principal{}
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning principal: %w", err)
		}
		principals = append(principals, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating principals: %w", err)
	}
	return principals, nil
}

// UpdatePrincipalStatus changes a principal's status.
func (s *SQLiteStore) UpdatePrincipalStatus(ctx context.Context, id string, status PrincipalStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return s.execOne(ctx, "updating principal status",
		`UPDATE principals SET status = ? WHERE principal_id = ?`, status, id)
}

// TouchPrincipal records when a principal last authenticated.
func (s *SQLiteStore) TouchPrincipal(ctx context.Context, id string, seen time.Time) error {
	return s.execOne(ctx, "updating last_seen",
		`UPDATE principals SET last_seen = ? WHERE principal_id = ?`, formatTime(seen), id)
}

// DeletePrincipal removes a principal and its grants.
func (s *SQLiteStore) DeletePrincipal(ctx context.Context, id string) error {
	return s.execOne(ctx, "deleting principal", `DELETE FROM principals WHERE principal_id = ?`, id)
}

// execOne runs a statement that must affect exactly one row.
func (s *SQLiteStore) execOne(ctx context.Context, what, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
