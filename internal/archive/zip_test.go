package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-archiver/internal/crawler"
)

func entry(name, body string) crawler.ArchiveEntry {
	return crawler.ArchiveEntry{
		Name: name,
		Open: func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(body)), nil },
	}
}

func readZip(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	out := map[string]string{}
	var order []string
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		out[f.Name] = string(body)
		order = append(order, f.Name)
	}
	out["__order"] = strings.Join(order, ",")
	return out
}

func TestArchiveWritesEntriesInNameOrder(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := NewZip(-1).Archive(context.Background(), &buf, []crawler.ArchiveEntry{
		entry("page_1.pdf", "one"),
		entry("merged.pdf", "all"),
		entry("page_0.pdf", "zero"),
	})
	require.NoError(t, err)

	files := readZip(t, buf.Bytes())
	require.Equal(t, "merged.pdf,page_0.pdf,page_1.pdf", files["__order"])
	require.Equal(t, "zero", files["page_0.pdf"])
	require.Equal(t, "all", files["merged.pdf"])
}

func TestArchiveEmptyIsValidZip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, NewZip(9).Archive(context.Background(), &buf, nil))
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Empty(t, zr.File)
}

func TestArchiveOpenFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("disk gone")
	var buf bytes.Buffer
	err := NewZip(5).Archive(context.Background(), &buf, []crawler.ArchiveEntry{
		{Name: "page_0.pdf", Open: func() (io.ReadCloser, error) { return nil, boom }},
	})
	require.ErrorIs(t, err, boom)
}

func TestArchiveRejectsUnsafeNames(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"", "/abs", "../up", "a/../b"} {
		var buf bytes.Buffer
		err := NewZip(5).Archive(context.Background(), &buf, []crawler.ArchiveEntry{entry(name, "x")})
		require.ErrorIs(t, err, crawler.ErrInvalidArtifactKey, name)
	}

	var buf bytes.Buffer
	err := NewZip(5).Archive(context.Background(), &buf, []crawler.ArchiveEntry{entry("a", "1"), entry("a", "2")})
	require.ErrorContains(t, err, "duplicate")
}
