package testutil

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/gzip"
)

// WriteTree creates files below root. Keys are slash separated relative
// paths, values are file contents.
func WriteTree(t testing.TB, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

// TarEntry is one entry read back from a bundle
type TarEntry struct {
	Mode     int64
	Linkname string
	Content  string
}

// ReadTarGz reads a gzip compressed tar into a map keyed by entry name
func ReadTarGz(t testing.TB, path string) map[string]TarEntry {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = f.Close()
	}()

	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("open gzip stream: %v", err)
	}
	tr := tar.NewReader(gz)

	entries := make(map[string]TarEntry)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read tar: %v", err)
		}
		if _, dup := entries[hdr.Name]; dup {
			t.Fatalf("duplicate tar entry %s", hdr.Name)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		entries[hdr.Name] = TarEntry{Mode: hdr.Mode, Linkname: hdr.Linkname, Content: string(data)}
	}
	return entries
}

// Names returns the sorted keys of a tar entry map
func Names(entries map[string]TarEntry) []string {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
