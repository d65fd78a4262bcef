package dataset

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

const (
	// MaxEntryBytes bounds the uncompressed size of one archive entry.
	MaxEntryBytes = 64 << 20
	// MaxArchiveEntries bounds the number of entries one archive may carry.
	MaxArchiveEntries = 100_000
)

// entry is one archive member, normalised to a slash-separated relative
// path.
type entry struct {
	name  string
	dir   bool
	size  int64
	open  func() (io.ReadCloser, error)
	parts []string
}

// readArchive lists the members of a zip, tar or gzip-compressed tar archive
// and rejects it as a whole when any member could land outside the
// extraction root.
func readArchive(data []byte) ([]entry, error) {
	var (
		entries []entry
		err     error
	)
	switch {
	case bytes.HasPrefix(data, []byte("PK\x03\x04")), bytes.HasPrefix(data, []byte("PK\x05\x06")):
		entries, err = readZip(data)
	case bytes.HasPrefix(data, []byte{0x1f, 0x8b}):
		gz, gzErr := gzip.NewReader(bytes.NewReader(data))
		if gzErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, gzErr)
		}
		defer gz.Close()
		entries, err = readTar(gz)
	case len(data) > 262 && string(data[257:262]) == "ustar":
		entries, err = readTar(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("%w: unrecognized archive format", ErrInvalidArchive)
	}
	if err != nil {
		return nil, err
	}

	for i := range entries {
		parts, err := safeParts(entries[i].name)
		if err != nil {
			return nil, err
		}
		entries[i].parts = parts
	}
	return entries, nil
}

func readZip(data []byte) ([]entry, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	if len(zr.File) > MaxArchiveEntries {
		return nil, fmt.Errorf("%w: more than %d entries", ErrInvalidArchive, MaxArchiveEntries)
	}

	entries := make([]entry, 0, len(zr.File))
	for _, f := range zr.File {
		mode := f.Mode()
		if !mode.IsDir() && !mode.IsRegular() {
			return nil, fmt.Errorf("%w: %s is not a regular file", ErrInvalidArchive, f.Name)
		}
		entries = append(entries, entry{
			name: f.Name,
			dir:  mode.IsDir() || strings.HasSuffix(f.Name, "/"),
			size: int64(f.UncompressedSize64),
			open: f.Open,
		})
	}
	return entries, nil
}

// readTar buffers the members of a tar stream, since a tar can only be
// walked once and every member must be validated before anything is
// written.
func readTar(r io.Reader) ([]entry, error) {
	tr := tar.NewReader(r)
	var entries []entry
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
		}
		if len(entries) >= MaxArchiveEntries {
			return nil, fmt.Errorf("%w: more than %d entries", ErrInvalidArchive, MaxArchiveEntries)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			entries = append(entries, entry{name: hdr.Name, dir: true})
		case tar.TypeReg:
			if hdr.Size > MaxEntryBytes {
				// recorded but never read; reported as too large.
				entries = append(entries, entry{name: hdr.Name, size: hdr.Size})
				continue
			}
			buf, err := io.ReadAll(io.LimitReader(tr, MaxEntryBytes+1))
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
			}
			entries = append(entries, entry{
				name: hdr.Name,
				size: int64(len(buf)),
				open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(buf)), nil },
			})
		case tar.TypeXGlobalHeader, tar.TypeXHeader:
			continue
		default:
			return nil, fmt.Errorf("%w: %s is not a regular file", ErrInvalidArchive, hdr.Name)
		}
	}
	return entries, nil
}

// safeParts splits an archive path into components, rejecting absolute
// paths and any path that steps above its root.
func safeParts(name string) ([]string, error) {
	p := strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(p, "/") || (len(p) >= 2 && p[1] == ':') {
		return nil, fmt.Errorf("%w: absolute path %q", ErrInvalidArchive, name)
	}
	for _, c := range strings.Split(p, "/") {
		if c == ".." {
			return nil, fmt.Errorf("%w: path traversal in %q", ErrInvalidArchive, name)
		}
	}
	clean := path.Clean(p)
	if clean == "." {
		return nil, nil
	}
	return strings.Split(clean, "/"), nil
}
