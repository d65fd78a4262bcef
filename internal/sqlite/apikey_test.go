package sqlite

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAPIKeyRepository(t *testing.T) {
	db := NewTestDB(t)
	ctx := context.Background()
	repo := NewAPIKeyRepository(db)

	token, err := repo.Create(ctx, "ci", "pipeline key")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(token, "ick_"))

	owner, err := repo.ResolveKey(ctx, token)
	require.NoError(t, err)
	require.Equal(t, "ci", owner)

	_, err = repo.ResolveKey(ctx, "wrong")
	require.ErrorIs(t, err, ErrUnknownKey)

	require.NoError(t, repo.Add(ctx, "fixed-token", "alice", ""))
	require.ErrorIs(t, repo.Add(ctx, "fixed-token", "bob", ""), ErrInvalidKey)

	_, err = repo.Create(ctx, "", "")
	require.ErrorIs(t, err, ErrInvalidKey)

	var stored string
	require.NoError(t, db.QueryRow(`SELECT key_hash FROM api_keys WHERE owner = 'alice'`).Scan(&stored))
	require.Equal(t, HashToken("fixed-token"), stored)
}
