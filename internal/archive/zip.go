// Package archive bundles job artifacts into a zip file.
package archive

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/JakeFAU/site-archiver/internal/crawler"
)

// Zip implements crawler.Archiver with Deflate-compressed entries.
type Zip struct {
	level int
}

// NewZip returns an archiver. Levels outside flate's range use the default.
func NewZip(level int) *Zip {
	if level < flate.HuffmanOnly || level > flate.BestCompression {
		level = flate.DefaultCompression
	}
	return &Zip{level: level}
}

// Archive writes entries to w in name order. No entries yields a valid empty
// archive. Any failure leaves w with a partial archive.
func (z *Zip) Archive(ctx context.Context, w io.Writer, entries []crawler.ArchiveEntry) error {
	sorted := make([]crawler.ArchiveEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, z.level)
	})

	seen := make(map[string]struct{}, len(sorted))
	for _, entry := range sorted {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("archive canceled: %w", err)
		}
		if err := validName(entry.Name); err != nil {
			return err
		}
		if _, dup := seen[entry.Name]; dup {
			return fmt.Errorf("duplicate archive entry %q", entry.Name)
		}
		seen[entry.Name] = struct{}{}
		if err := addEntry(zw, entry); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize zip: %w", err)
	}
	return nil
}

func addEntry(zw *zip.Writer, entry crawler.ArchiveEntry) error {
	rc, err := entry.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", entry.Name, err)
	}
	defer rc.Close() //nolint:errcheck // read-only

	fw, err := zw.CreateHeader(&zip.FileHeader{Name: entry.Name, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("create zip entry %s: %w", entry.Name, err)
	}
	if _, err := io.Copy(fw, rc); err != nil {
		return fmt.Errorf("write zip entry %s: %w", entry.Name, err)
	}
	return nil
}

func validName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || path.Clean(name) != name || strings.HasPrefix(name, "../") {
		return fmt.Errorf("%w: archive entry %q", crawler.ErrInvalidArtifactKey, name)
	}
	return nil
}
