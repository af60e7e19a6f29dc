package merge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/stretchr/testify/require"
)

// onePagePDF builds a minimal single-page PDF with a correct xref table.
func onePagePDF(t *testing.T) []byte {
	t.Helper()

	content := "0 0 m 100 100 l S"
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 200 200] /Resources << >> /Contents 4 0 R >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func TestMergeConcatenatesInOrder(t *testing.T) {
	t.Parallel()

	m := New()
	docs := []io.ReadSeeker{
		bytes.NewReader(onePagePDF(t)),
		bytes.NewReader(onePagePDF(t)),
		bytes.NewReader(onePagePDF(t)),
	}
	var out bytes.Buffer
	require.NoError(t, m.Merge(context.Background(), &out, docs))

	n, err := api.PageCount(bytes.NewReader(out.Bytes()), m.conf)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestMergeRejectsEmptyInput(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	require.Error(t, New().Merge(context.Background(), &out, nil))
}

func TestMergeRejectsGarbage(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	docs := []io.ReadSeeker{bytes.NewReader(onePagePDF(t)), bytes.NewReader([]byte("not a pdf"))}
	require.Error(t, New().Merge(context.Background(), &out, docs))
}

func TestMergeHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	err := New().Merge(ctx, &out, []io.ReadSeeker{bytes.NewReader(onePagePDF(t))})
	require.ErrorIs(t, err, context.Canceled)
}
