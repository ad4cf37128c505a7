// Package archive packs and unpacks batch frame archives. The
// container is a store-only zip: PNG frames are already compressed, so
// entries are stored flat at the archive root without recompression.
package archive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// framePattern is the required entry name shape, frame_%06d.png.
var framePattern = regexp.MustCompile(`^frame_\d{6}\.png$`)

// MaxEntryBytes bounds a single decompressed entry to guard against
// malformed archives.
const MaxEntryBytes = 256 * 1024 * 1024

// Pack builds a store-only archive from the named files inside dir.
// Entries are written in ascending filename order so equal file sets
// produce identical archives.
func Pack(dir string, names []string) ([]byte, error) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for _, name := range sorted {
		if err := validateEntryName(name); err != nil {
			return nil, err
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading frame %s: %w", name, err)
		}

		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:   name,
			Method: zip.Store,
		})
		if err != nil {
			return nil, fmt.Errorf("creating archive entry %s: %w", name, err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("writing archive entry %s: %w", name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing archive: %w", err)
	}
	return buf.Bytes(), nil
}

// PackDir archives every frame file in dir.
func PackDir(dir string) ([]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading directory %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if framePattern.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	return Pack(dir, names)
}

// Unpack extracts an archive into dir and returns the extracted
// filenames in ascending order. Entries with absolute names, path
// separators or traversal components are rejected.
func Unpack(data []byte, dir string) ([]string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}

	var names []string
	for _, f := range zr.File {
		if err := validateEntryName(f.Name); err != nil {
			return nil, err
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening archive entry %s: %w", f.Name, err)
		}

		data, err := io.ReadAll(io.LimitReader(rc, MaxEntryBytes+1))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("reading archive entry %s: %w", f.Name, err)
		}
		if len(data) > MaxEntryBytes {
			return nil, fmt.Errorf("archive entry %s exceeds %d bytes", f.Name, MaxEntryBytes)
		}

		if err := os.WriteFile(filepath.Join(dir, f.Name), data, 0o644); err != nil {
			return nil, fmt.Errorf("writing %s: %w", f.Name, err)
		}
		names = append(names, f.Name)
	}

	sort.Strings(names)
	return names, nil
}

// validateEntryName enforces flat frame_%06d.png entries and rejects
// traversal attempts.
func validateEntryName(name string) error {
	if filepath.IsAbs(name) ||
		strings.Contains(name, "..") ||
		strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("unsafe archive entry name %q", name)
	}
	if !framePattern.MatchString(name) {
		return fmt.Errorf("archive entry %q does not match frame_%%06d.png", name)
	}
	return nil
}

// FrameName formats a 1-based frame index as frame_%06d.png.
func FrameName(index int) string {
	return fmt.Sprintf("frame_%06d.png", index)
}
