package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/polite-fetch/internal/storage"
)

func TestBlobStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewBlobStore()

	ok, err := s.Exists(ctx, "a/b.json")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Read(ctx, "a/b.json")
	require.ErrorIs(t, err, storage.ErrNotFound)

	data := []byte(`{"status":200}`)
	require.NoError(t, s.Write(ctx, "a/b.json", data))
	data[0] = 'x'

	got, err := s.Read(ctx, "a/b.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":200}`, string(got))
	assert.Equal(t, []string{"a/b.json"}, s.Keys())
}
