// ABOUTME: Capability grant store methods
// ABOUTME: Grants are idempotent (principal, capability) pairs loaded at session start

package store

import (
	"context"
	"fmt"
	"time"
)

// GrantCapability gives a principal a capability. Granting an existing
// capability succeeds silently. Returns ErrNotFound for unknown principals.
func (s *SQLiteStore) GrantCapability(ctx context.Context, principalID, capability string) error {
	query := `
		INSERT OR IGNORE INTO capability_grants (principal_id, capability, created_at)
		VALUES (?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query, principalID, capability, formatTime(time.Now()))
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("granting capability: %w", err)
	}

	s.logger.Debug("granted capability", "principal", principalID, "capability", capability)
	return nil
}

// RevokeCapability removes a grant. Removing a missing grant succeeds silently.
func (s *SQLiteStore) RevokeCapability(ctx context.Context, principalID, capability string) error {
	query := `DELETE FROM capability_grants WHERE principal_id = ? AND capability = ?`

	if _, err := s.db.ExecContext(ctx, query, principalID, capability); err != nil {
		return fmt.Errorf("revoking capability: %w", err)
	}

	s.logger.Debug("revoked capability", "principal", principalID, "capability", capability)
	return nil
}

// ListCapabilities returns a principal's capabilities sorted by name. Returns
// an empty slice if there are none.
func (s *SQLiteStore) ListCapabilities(ctx context.Context, principalID string) ([]string, error) {
	query := `
		SELECT capability FROM capability_grants
		WHERE principal_id = ?
		ORDER BY capability
	`

	rows, err := s.db.QueryContext(ctx, query, principalID)
	if err != nil {
		return nil, fmt.Errorf("listing capabilities: %w", err)
	}
	defer rows.Close()

	caps := []string{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scanning capability: %w", err)
		}
		caps = append(caps, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating capabilities: %w", err)
	}
	return caps, nil
}
