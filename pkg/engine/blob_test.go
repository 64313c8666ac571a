package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/value"
)

func TestFSBlobStoreRoundTrip(t *testing.T) {
	store, err := NewFSBlobStore(t.TempDir())
	require.NoError(t, err)

	ref, err := store.Put(t.Context(), "exec-1/node-a", []byte(`{"n":3}`))
	require.NoError(t, err)
	assert.Equal(t, "exec-1/node-a", ref.Key)
	assert.Equal(t, int64(7), ref.Size)

	data, err := store.Get(t.Context(), "exec-1/node-a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":3}`, string(data))

	require.NoError(t, store.Delete(t.Context(), "exec-1/node-a"))
	_, err = store.Get(t.Context(), "exec-1/node-a")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))

	// deleting a missing blob is not an error
	require.NoError(t, store.Delete(t.Context(), "exec-1/node-a"))
}

func TestFSBlobStoreOverwrites(t *testing.T) {
	store, err := NewFSBlobStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Put(t.Context(), "k", []byte("one"))
	require.NoError(t, err)
	_, err = store.Put(t.Context(), "k", []byte("two"))
	require.NoError(t, err)

	data, err := store.Get(t.Context(), "k")
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestFSBlobStoreRequiresDir(t *testing.T) {
	_, err := NewFSBlobStore("")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidConfig))
}

func TestNodeOutputDataJSON(t *testing.T) {
	inline := NodeOutputData{Inline: value.Object(map[string]value.Value{
		"n": value.Int(3),
	})}
	raw, err := json.Marshal(inline)
	require.NoError(t, err)
	assert.JSONEq(t, `{"inline":{"n":3}}`, string(raw))

	var back NodeOutputData
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.True(t, back.Inlined())
	assert.True(t, inline.Inline.Equal(back.Inline))

	spilled := NodeOutputData{Blob: &BlobRef{
		Key: "exec/node", Size: 2048, ContentType: "application/json",
	}}
	raw, err = json.Marshal(spilled)
	require.NoError(t, err)
	assert.JSONEq(t, `{"blob":{"key":"exec/node","size":2048,"content_type":"application/json"}}`, string(raw))

	require.NoError(t, json.Unmarshal(raw, &back))
	assert.False(t, back.Inlined())
	assert.Equal(t, int64(2048), back.Blob.Size)
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	k1 := IdempotencyKey("exec-1", "node-a", 1)
	k2 := IdempotencyKey("exec-1", "node-a", 1)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 64)

	// distinct across attempts, nodes and executions
	seen := map[string]struct{}{k1: {}}
	for _, k := range []string{
		IdempotencyKey("exec-1", "node-a", 2),
		IdempotencyKey("exec-1", "node-a", 3),
		IdempotencyKey("exec-1", "node-b", 1),
		IdempotencyKey("exec-2", "node-a", 1),
	} {
		_, dup := seen[k]
		assert.False(t, dup)
		seen[k] = struct{}{}
	}
}

func TestKeySetSeen(t *testing.T) {
	s := newKeySet()
	assert.False(t, s.Seen("k"))
	assert.True(t, s.Seen("k"))
	assert.False(t, s.Seen("other"))
}
