// ABOUTME: Tests for principals store operations
// ABOUTME: Covers create, lookup by fingerprint, listing and status changes

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFP = "abcd1234abcd1234abcd1234abcd1234abcd1234abcd1234abcd1234abcd1234"

func TestPrincipalStore_Create(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	p := &Principal{
		ID:          "principal-123",
		PubkeyFP:    testFP,
		DisplayName: "Test Operator",
		Status:      PrincipalStatusApproved,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
		Metadata:    map[string]any{"team": "infra"},
	}

	err := store.CreatePrincipal(ctx, p)
	require.NoError(t, err)

	retrieved, err := store.GetPrincipal(ctx, "principal-123")
	require.NoError(t, err)
	assert.Equal(t, "principal-123", retrieved.ID)
	assert.Equal(t, testFP, retrieved.PubkeyFP)
	assert.Equal(t, "Test Operator", retrieved.DisplayName)
	assert.Equal(t, PrincipalStatusApproved, retrieved.Status)
	assert.Equal(t, p.CreatedAt, retrieved.CreatedAt)
	assert.Nil(t, retrieved.LastSeen)
	assert.Equal(t, "infra", retrieved.Metadata["team"])
}

func TestPrincipalStore_Create_Duplicates(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreatePrincipal(ctx, &Principal{
		ID: "principal-1", PubkeyFP: testFP, DisplayName: "First", Status: PrincipalStatusApproved,
	}))

	err := store.CreatePrincipal(ctx, &Principal{
		ID: "principal-2", PubkeyFP: testFP, DisplayName: "Second", Status: PrincipalStatusApproved,
	})
	assert.ErrorIs(t, err, ErrDuplicatePubkey)

	err = store.CreatePrincipal(ctx, &Principal{
		ID: "principal-1", PubkeyFP: "ffff", DisplayName: "Third", Status: PrincipalStatusApproved,
	})
	assert.ErrorIs(t, err, ErrDuplicatePrincipal)
}

func TestPrincipalStore_Create_InvalidStatus(t *testing.T) {
	store := setupTestStore(t)

	err := store.CreatePrincipal(context.Background(), &Principal{
		ID: "p", PubkeyFP: testFP, DisplayName: "p", Status: "online",
	})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestPrincipalStore_GetByFingerprint(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	p := createTestPrincipal(t, store, "alice")

	got, err := store.GetPrincipalByFingerprint(ctx, p.PubkeyFP)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.ID)

	_, err = store.GetPrincipalByFingerprint(ctx, "0000")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetPrincipal(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPrincipalStore_ListAndStatus(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestPrincipal(t, store, "b")
	createTestPrincipal(t, store, "a")
	createTestPrincipal(t, store, "c")
	require.NoError(t, store.UpdatePrincipalStatus(ctx, "c", PrincipalStatusRevoked))

	all, err := store.ListPrincipals(ctx, PrincipalFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ID)

	revoked := PrincipalStatusRevoked
	only, err := store.ListPrincipals(ctx, PrincipalFilter{Status: &revoked})
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "c", only[0].ID)

	assert.ErrorIs(t, store.UpdatePrincipalStatus(ctx, "nobody", PrincipalStatusApproved), ErrNotFound)
	assert.ErrorIs(t, store.UpdatePrincipalStatus(ctx, "a", "bogus"), ErrInvalidStatus)
}

func TestPrincipalStore_Touch(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestPrincipal(t, store, "alice")
	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.TouchPrincipal(ctx, "alice", seen))

	got, err := store.GetPrincipal(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, got.LastSeen)
	assert.Equal(t, seen, *got.LastSeen)
}

func TestPrincipalStore_DeleteCascadesGrants(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestPrincipal(t, store, "alice")
	require.NoError(t, store.GrantCapability(ctx, "alice", "ADMIN"))

	require.NoError(t, store.DeletePrincipal(ctx, "alice"))
	assert.ErrorIs(t, store.DeletePrincipal(ctx, "alice"), ErrNotFound)

	caps, err := store.ListCapabilities(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, caps)
}
