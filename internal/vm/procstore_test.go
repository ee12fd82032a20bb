package vm

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storedProgram() map[string]any {
	return seq(map[string]any{"op": "return", "value": lit("ok")})
}

func TestProcedureStore_StoreAndGet(t *testing.T) {
	store := NewProcedureStore(0, 0)

	token, err := store.Store(storedProgram(), StoreProcedureOptions{OwnerHint: "tests"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, TokenPrefix))
	assert.True(t, IsToken(token))

	entry, err := store.Get(token)
	require.NoError(t, err)
	assert.Equal(t, "tests", entry.OwnerHint)
	assert.Greater(t, entry.Size, 0)
	assert.False(t, entry.Expired())
}

func TestProcedureStore_RejectsNonSeqRoot(t *testing.T) {
	store := NewProcedureStore(0, 0)
	_, err := store.Store(map[string]any{"op": "varSet"}, StoreProcedureOptions{})
	require.ErrorIs(t, err, ErrRootNotSeq)
}

func TestProcedureStore_SizeCap(t *testing.T) {
	store := NewProcedureStore(0, 64)
	big := seq(map[string]any{"op": "varSet", "key": "x", "value": lit(strings.Repeat("y", 256))})
	_, err := store.Store(big, StoreProcedureOptions{})
	require.ErrorIs(t, err, ErrProcedureTooLarge)
}

func TestProcedureStore_TTLExpiry(t *testing.T) {
	store := NewProcedureStore(0, 0)
	token, err := store.Store(storedProgram(), StoreProcedureOptions{TTL: time.Millisecond})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = store.Get(token)
	require.ErrorIs(t, err, ErrProcedureExpired)
}

func TestProcedureStore_Release(t *testing.T) {
	store := NewProcedureStore(0, 0)
	token, err := store.Store(storedProgram(), StoreProcedureOptions{})
	require.NoError(t, err)

	assert.True(t, store.Release(token))
	assert.False(t, store.Release(token), "double release reports no deletion")
	_, err = store.Get(token)
	require.ErrorIs(t, err, ErrProcedureNotFound)
}

func TestProcedureStore_ClearExpired(t *testing.T) {
	store := NewProcedureStore(0, 0)
	_, err := store.Store(storedProgram(), StoreProcedureOptions{TTL: time.Millisecond})
	require.NoError(t, err)
	keep, err := store.Store(storedProgram(), StoreProcedureOptions{TTL: time.Hour})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, store.ClearExpired())

	count, bytes := store.Stats()
	assert.Equal(t, 1, count)
	assert.Greater(t, bytes, 0)
	_, err = store.Get(keep)
	require.NoError(t, err)
}

func TestProcedureStore_TokensAreUnique(t *testing.T) {
	store := NewProcedureStore(0, 0)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, err := store.Store(storedProgram(), StoreProcedureOptions{})
		require.NoError(t, err)
		require.False(t, seen[token])
		seen[token] = true
	}
}
