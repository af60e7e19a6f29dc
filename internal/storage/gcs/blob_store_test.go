package gcs_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	gcsapi "cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/site-archiver/internal/crawler"
	"github.com/JakeFAU/site-archiver/internal/storage/gcs"
)

const bucketName = "test-bucket"

// newTestStore creates a BlobStore pointed at a test server.
func newTestStore(t *testing.T, prefix string, handler http.Handler) *gcs.BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := gcsapi.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := gcs.New(client, gcs.Config{Bucket: bucketName, Prefix: prefix})
	require.NoError(t, err)
	return store
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := gcs.New(nil, gcs.Config{Bucket: bucketName})
	require.Error(t, err)

	client, err := gcsapi.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	_, err = gcs.New(client, gcs.Config{})
	require.Error(t, err)
}

func TestPutUploadsUnderPrefix(t *testing.T) {
	t.Parallel()

	data := []byte("%PDF-1.4 test")
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, fmt.Sprintf("/upload/storage/v1/b/%s/o", bucketName))
		assert.Equal(t, "archives/job/page_0.pdf", r.URL.Query().Get("name"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), string(data))

		fmt.Fprintln(w, `{"name": "archives/job/page_0.pdf", "bucket": "`+bucketName+`"}`)
	})
	store := newTestStore(t, "archives", handler)

	loc, err := store.Put(context.Background(), "job/page_0.pdf", "application/pdf", bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, "gs://test-bucket/archives/job/page_0.pdf", loc)
}

func TestPutSurfacesServerError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))

	_, err := store.Put(context.Background(), "job/page_0.pdf", "application/pdf", bytes.NewReader([]byte("x")))
	require.Error(t, err)
}

func TestPutRejectsBadKey(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "", http.NotFoundHandler())
	_, err := store.Put(context.Background(), "../x", "", bytes.NewReader(nil))
	require.ErrorIs(t, err, crawler.ErrInvalidArtifactKey)
}

func TestListStripsPrefix(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, fmt.Sprintf("/b/%s/o", bucketName))
		assert.Equal(t, "archives/job/", r.URL.Query().Get("prefix"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"items": [
			{"name": "archives/job/merged.pdf", "bucket": "test-bucket"},
			{"name": "archives/job/page_0.pdf", "bucket": "test-bucket"}
		]}`)
	})
	store := newTestStore(t, "archives", handler)

	keys, err := store.List(context.Background(), "job/")
	require.NoError(t, err)
	require.Equal(t, []string{"job/merged.pdf", "job/page_0.pdf"}, keys)
}

func TestOpenMissingObject(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "", http.NotFoundHandler())
	_, err := store.Open(context.Background(), "job/page_0.pdf")
	require.ErrorIs(t, err, crawler.ErrArtifactNotFound)
}
