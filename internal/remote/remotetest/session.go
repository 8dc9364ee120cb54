package remotetest

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/schaermu/pushdeploy/internal/remote"
)

// HandlerFunc answers a command matched by On
type HandlerFunc func(command string) (*remote.Result, error)

type handler struct {
	pattern string
	fn      HandlerFunc
}

type file struct {
	content []byte
	mode    os.FileMode
}

// Session is a fake remote host. Files live in memory; a handful of shell
// commands (mkdir, test -d, rm -rf, tar -xzf) are emulated against them and
// every other command succeeds unless a handler says otherwise.
type Session struct {
	mu       sync.Mutex
	files    map[string]file
	dirs     map[string]bool
	handlers []handler
	commands []string
	uploads  []string
	writes   []string
	closed   bool

	// UploadErr fails every Upload when set.
	UploadErr error
	// WriteErrs fails WriteFile for the given paths.
	WriteErrs map[string]error
}

var _ remote.Session = (*Session)(nil)

// New returns an empty fake host
func New() *Session {
	return &Session{
		files:     make(map[string]file),
		dirs:      make(map[string]bool),
		WriteErrs: make(map[string]error),
	}
}

// SetFile seeds a remote file
func (s *Session) SetFile(name, content string, mode os.FileMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = file{content: []byte(content), mode: mode}
}

// File returns the content of a remote file
func (s *Session) File(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[name]
	return string(f.content), ok
}

// Mode returns the permission bits of a remote file
func (s *Session) Mode(name string) os.FileMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files[name].mode
}

// Paths returns every remote file path, sorted
func (s *Session) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// On registers fn for commands containing pattern. Handlers are consulted
// in registration order before any emulation.
func (s *Session) On(pattern string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler{pattern: pattern, fn: fn})
}

// OnExit makes commands containing pattern exit with status
func (s *Session) OnExit(pattern string, status int, stderr string) {
	s.On(pattern, func(string) (*remote.Result, error) {
		return &remote.Result{ExitStatus: status, Stderr: []byte(stderr)}, nil
	})
}

// Commands returns every command run so far
func (s *Session) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Index returns the position of the first command containing pattern, or -1
func (s *Session) Index(pattern string) int {
	for i, c := range s.Commands() {
		if strings.Contains(c, pattern) {
			return i
		}
	}
	return -1
}

// Uploads returns the remote paths passed to Upload
func (s *Session) Uploads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.uploads...)
}

// Writes returns the paths passed to WriteFile, in order
func (s *Session) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

// Closed reports whether Close was called
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Run implements remote.Session
func (s *Session) Run(ctx context.Context, command string) (*remote.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.commands = append(s.commands, command)
	handlers := append([]handler(nil), s.handlers...)
	s.mu.Unlock()

	for _, h := range handlers {
		if strings.Contains(command, h.pattern) {
			return h.fn(command)
		}
	}

	return s.emulate(command), nil
}

// Upload implements remote.Session
func (s *Session) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.UploadErr != nil {
		return &remote.TransferError{Op: "upload", Path: remotePath, Err: s.UploadErr}
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return &remote.TransferError{Op: "upload", Path: remotePath, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = append(s.uploads, remotePath)
	s.files[remotePath] = file{content: data, mode: 0644}
	return nil
}

// ReadFile implements remote.Session
func (s *Session) ReadFile(ctx context.Context, name string) ([]byte, os.FileMode, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[name]
	if !ok {
		return nil, 0, fmt.Errorf("open %s: %w", name, os.ErrNotExist)
	}
	return append([]byte(nil), f.content...), f.mode, nil
}

// WriteFile implements remote.Session
func (s *Session) WriteFile(ctx context.Context, name string, content []byte, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.WriteErrs[name]; err != nil {
		return err
	}
	s.writes = append(s.writes, name)
	s.files[name] = file{content: append([]byte(nil), content...), mode: mode}
	return nil
}

// Remove implements remote.Session
func (s *Session) Remove(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, name)
	return nil
}

// Close implements remote.Session
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Session) emulate(command string) *remote.Result {
	args := splitArgs(command)
	ok := &remote.Result{}
	if len(args) == 0 {
		return ok
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case args[0] == "mkdir" && len(args) == 3 && args[1] == "-p":
		s.dirs[args[2]] = true
	case args[0] == "mkdir" && len(args) == 2:
		if s.dirs[args[1]] {
			return &remote.Result{ExitStatus: 1, Stderr: []byte("mkdir: cannot create directory: File exists")}
		}
		s.dirs[args[1]] = true
	case args[0] == "test" && len(args) == 3 && args[1] == "-d":
		if !s.dirs[args[2]] {
			return &remote.Result{ExitStatus: 1}
		}
	case args[0] == "rm" && len(args) == 3 && args[1] == "-rf":
		s.removeTree(args[2])
	case args[0] == "tar" && len(args) == 5 && args[1] == "-xzf" && args[3] == "-C":
		if err := s.extract(args[2], args[4]); err != nil {
			return &remote.Result{ExitStatus: 2, Stderr: []byte(err.Error())}
		}
	}
	return ok
}

func (s *Session) removeTree(root string) {
	delete(s.dirs, root)
	delete(s.files, root)
	prefix := strings.TrimSuffix(root, "/") + "/"
	for p := range s.files {
		if strings.HasPrefix(p, prefix) {
			delete(s.files, p)
		}
	}
	for d := range s.dirs {
		if strings.HasPrefix(d, prefix) {
			delete(s.dirs, d)
		}
	}
}

func (s *Session) extract(archivePath, dir string) error {
	f, ok := s.files[archivePath]
	if !ok {
		return fmt.Errorf("tar: %s: Cannot open: No such file or directory", archivePath)
	}
	gz, err := gzip.NewReader(bytes.NewReader(f.content))
	if err != nil {
		return err
	}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		s.files[path.Join(dir, hdr.Name)] = file{content: data, mode: os.FileMode(hdr.Mode).Perm()}
	}
}

// splitArgs splits a command on spaces, honouring single quotes as
// produced by remote.Quote.
func splitArgs(command string) []string {
	var (
		args    []string
		cur     strings.Builder
		inQuote bool
		started bool
	)
	for i := 0; i < len(command); i++ {
		c := command[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			started = true
		case c == '\\' && !inQuote && i+1 < len(command):
			i++
			cur.WriteByte(command[i])
			started = true
		case c == ' ' && !inQuote:
			if started {
				args = append(args, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteByte(c)
			started = true
		}
	}
	if started {
		args = append(args, cur.String())
	}
	return args
}

// Dialer hands out a fixed session
type Dialer struct {
	Session *Session
	Err     error
	Calls   int
}

// Dial returns the configured session or error
func (d *Dialer) Dial(ctx context.Context) (remote.Session, error) {
	d.Calls++
	if d.Err != nil {
		return nil, d.Err
	}
	return d.Session, nil
}
