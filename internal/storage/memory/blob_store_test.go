package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte(`[{"no":1}]`)
	uri, err := store.PutObject(context.Background(), "forum/g/page.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://forum/g/page.json", uri)

	payload[0] = 'X'
	stored, ok := store.Get("forum/g/page.json")
	require.True(t, ok)
	require.Equal(t, `[{"no":1}]`, string(stored))
	require.Equal(t, []string{"forum/g/page.json"}, store.Paths())
}
