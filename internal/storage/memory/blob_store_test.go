package memory

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-archiver/internal/crawler"
)

func TestBlobStorePutCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.Put(context.Background(), "job/page_0.pdf", "application/pdf", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://job/page_0.pdf", uri)

	payload[0] = 'C'
	rc, err := store.Open(context.Background(), "job/page_0.pdf")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "content", string(got))

	ct, ok := store.ContentType("job/page_0.pdf")
	require.True(t, ok)
	require.Equal(t, "application/pdf", ct)
}

func TestBlobStoreListByPrefix(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	for _, key := range []string{"job/page_1.pdf", "job/page_0.pdf", "job_all.zip", "other/page_0.pdf"} {
		_, err := store.Put(ctx, key, "", bytes.NewReader(nil))
		require.NoError(t, err)
	}

	keys, err := store.List(ctx, "job/")
	require.NoError(t, err)
	require.Equal(t, []string{"job/page_0.pdf", "job/page_1.pdf"}, keys)
}

func TestBlobStoreErrors(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	_, err := store.Open(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrArtifactNotFound)

	_, err = store.Put(context.Background(), "../escape", "", bytes.NewReader(nil))
	require.ErrorIs(t, err, crawler.ErrInvalidArtifactKey)
}
