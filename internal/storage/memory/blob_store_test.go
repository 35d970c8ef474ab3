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
	payload := []byte(`{"title":"Go Engineer"}`)
	uri, err := store.PutObject(context.Background(), "listings/ab/abcd.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://listings/ab/abcd.json", uri)

	payload[0] = '['
	data, contentType, ok := store.Object("listings/ab/abcd.json")
	require.True(t, ok)
	require.Equal(t, "application/json", contentType)
	require.Equal(t, `{"title":"Go Engineer"}`, string(data))
	require.Equal(t, 1, store.Len())
}

func TestBlobStoreRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().PutObject(context.Background(), "", "text/plain", bytes.NewReader(nil))
	require.Error(t, err)
}
