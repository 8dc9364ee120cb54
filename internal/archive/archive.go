package archive

import (
	"archive/tar"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/zeebo/blake3"
)

// ErrEmptyTree is returned when no file survives the exclusion rules
var ErrEmptyTree = errors.New("source tree is empty after exclusions")

// SourceTree is a local directory to bundle and the rules that trim it
type SourceTree struct {
	Root string
	// ExcludeDirs are directory names pruned at any depth.
	ExcludeDirs []string
	// ExcludeSuffixes are file name suffixes, e.g. ".zip" or ".tar.gz".
	ExcludeSuffixes []string
	// ExcludePaths are substrings of the slash separated path below Root,
	// which is matched with a leading "/".
	ExcludePaths []string
}

// Bundle is a compressed archive of a SourceTree
type Bundle struct {
	Path string
	// Digest identifies the bundle content: names, modes and file bytes.
	// Modification times do not contribute.
	Digest string
	Files  []string
	Size   int64
}

// ArchiveError reports a source tree that cannot be bundled
type ArchiveError struct {
	Root string
	Err  error
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("archive %s: %v", e.Root, e.Err)
}

func (e *ArchiveError) Unwrap() error {
	return e.Err
}

// ShortDigest returns a prefix of the digest suitable for file names
func (b *Bundle) ShortDigest() string {
	if len(b.Digest) <= 12 {
		return b.Digest
	}
	return b.Digest[:12]
}

// Remove deletes the bundle file from local disk
func (b *Bundle) Remove() error {
	if err := os.Remove(b.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (t SourceTree) skipDir(name, rel string) bool {
	for _, d := range t.ExcludeDirs {
		if name == d {
			return true
		}
	}
	return t.blocked(rel + "/")
}

func (t SourceTree) skipFile(name, rel string) bool {
	for _, suffix := range t.ExcludeSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return t.blocked(rel)
}

func (t SourceTree) blocked(rel string) bool {
	p := "/" + rel
	for _, sub := range t.ExcludePaths {
		if sub != "" && strings.Contains(p, filepath.ToSlash(sub)) {
			return true
		}
	}
	return false
}

// Discover returns the slash separated paths, relative to the root, of every
// regular file and symlink that survives the exclusion rules. Excluded
// directories are never entered.
func Discover(tree SourceTree) ([]string, error) {
	info, err := os.Stat(tree.Root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", tree.Root)
	}

	var files []string
	err = filepath.WalkDir(tree.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == tree.Root {
			return nil
		}

		rel, err := filepath.Rel(tree.Root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if tree.skipDir(d.Name(), rel) {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() && d.Type()&fs.ModeSymlink == 0 {
			// sockets, devices and pipes have no place in a bundle
			return nil
		}
		if tree.skipFile(d.Name(), rel) {
			return nil
		}

		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

// Build writes a gzip compressed tar of tree into destDir (the OS temp dir
// when empty). The caller owns the returned bundle file and must remove it.
func Build(tree SourceTree, destDir string) (*Bundle, error) {
	files, err := Discover(tree)
	if err != nil {
		return nil, &ArchiveError{Root: tree.Root, Err: err}
	}
	if len(files) == 0 {
		return nil, &ArchiveError{Root: tree.Root, Err: ErrEmptyTree}
	}

	out, err := os.CreateTemp(destDir, "pushdeploy-*.tar.gz")
	if err != nil {
		return nil, &ArchiveError{Root: tree.Root, Err: fmt.Errorf("create bundle file: %w", err)}
	}
	bundlePath := out.Name()

	digest, err := writeArchive(out, tree.Root, files)
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(bundlePath)
		return nil, &ArchiveError{Root: tree.Root, Err: err}
	}

	info, err := os.Stat(bundlePath)
	if err != nil {
		_ = os.Remove(bundlePath)
		return nil, &ArchiveError{Root: tree.Root, Err: err}
	}

	return &Bundle{
		Path:   bundlePath,
		Digest: digest,
		Files:  files,
		Size:   info.Size(),
	}, nil
}

// writeArchive streams files into w and returns the content digest
func writeArchive(w io.Writer, root string, files []string) (string, error) {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	hasher := blake3.New()

	for _, rel := range files {
		if err := addEntry(tw, hasher, root, rel); err != nil {
			return "", fmt.Errorf("add %s: %w", rel, err)
		}
	}

	if err := tw.Close(); err != nil {
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func addEntry(tw *tar.Writer, hasher io.Writer, root, rel string) error {
	path := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}

	link := ""
	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(path); err != nil {
			return err
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = rel
	hdr.Uname = ""
	hdr.Gname = ""

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(hasher, "%s\x00%o\x00", rel, uint32(info.Mode())); err != nil {
		return err
	}

	if link != "" {
		_, err = io.WriteString(hasher, link+"\x00")
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	if _, err := io.Copy(io.MultiWriter(tw, hasher), f); err != nil {
		return err
	}
	_, err = hasher.Write([]byte{0})
	return err
}
