// ABOUTME: Tests for raw statement execution used by the query shell
// ABOUTME: Covers row-returning and data-changing statements plus introspection

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuery_Select(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestPrincipal(t, store, "alice")

	res, err := store.Query(ctx, "SELECT principal_id, status, 1 + 1 AS two, NULL AS nothing FROM principals")
	require.NoError(t, err)
	assert.True(t, res.HasRows)
	assert.Equal(t, []string{"principal_id", "status", "two", "nothing"}, res.Columns)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, []any{"alice", "approved", int64(2), nil}, res.Rows[0])
}

func TestQuery_EmptySelectHasNoRows(t *testing.T) {
	store := setupTestStore(t)

	res, err := store.Query(context.Background(), "select * from principals")
	require.NoError(t, err)
	assert.True(t, res.HasRows)
	assert.NotNil(t, res.Rows)
	assert.Empty(t, res.Rows)
}

func TestQuery_Exec(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestPrincipal(t, store, "alice")
	createTestPrincipal(t, store, "bob")

	res, err := store.Query(ctx, "UPDATE principals SET display_name = 'x'")
	require.NoError(t, err)
	assert.False(t, res.HasRows)
	assert.Equal(t, int64(2), res.RowsAffected)
}

func TestQuery_SyntaxError(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.Query(context.Background(), "SELEC nonsense")
	assert.Error(t, err)
}

func TestReturnsRows(t *testing.T) {
	tests := []struct {
		stmt string
		want bool
	}{
		{"SELECT 1", true},
		{"  select 1", true},
		{"-- comment\nSELECT 1", true},
		{"/* hi */ PRAGMA table_info(principals)", true},
		{"(SELECT 1)", true},
		{"WITH x AS (SELECT 1) SELECT * FROM x", true},
		{"INSERT INTO t VALUES (1)", false},
		{"delete from principals", false},
		{"-- only a comment", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.stmt, func(t *testing.T) {
			assert.Equal(t, tt.want, returnsRows(tt.stmt))
		})
	}
}

func TestColumns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	cols, err := store.Columns(ctx, "capability_grants")
	require.NoError(t, err)
	require.Len(t, cols, 3)
	assert.Equal(t, ColumnInfo{Name: "principal_id", Type: "TEXT", NotNull: true, PrimaryKey: true}, cols[0])

	_, err = store.Columns(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
