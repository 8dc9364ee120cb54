package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrCommandTimeout is returned when a remote command outlives its deadline
var ErrCommandTimeout = errors.New("remote command timed out")

// Session is one authenticated channel to the target host. Every step of a
// deployment shares the same session.
type Session interface {
	// Run executes a shell command and blocks until it exits. A non-zero
	// exit status is reported in the result, not as an error.
	Run(ctx context.Context, command string) (*Result, error)
	// Upload copies a local file to remotePath, creating parent directories
	Upload(ctx context.Context, localPath, remotePath string) error
	// ReadFile returns the content and permission bits of a remote file
	ReadFile(ctx context.Context, path string) ([]byte, os.FileMode, error)
	// WriteFile replaces path by writing path+".tmp" and renaming it over path
	WriteFile(ctx context.Context, path string, content []byte, mode os.FileMode) error
	// Remove deletes a remote file; a missing file is not an error
	Remove(ctx context.Context, path string) error
	Close() error
}

// Result holds the outcome of a remote command
type Result struct {
	ExitStatus int
	Stdout     []byte
	Stderr     []byte
}

// Success reports whether the command exited with status 0
func (r *Result) Success() bool {
	return r.ExitStatus == 0
}

// Output returns trimmed stderr, or stdout when stderr is empty, for error
// messages.
func (r *Result) Output() string {
	if s := strings.TrimSpace(string(r.Stderr)); s != "" {
		return s
	}
	return strings.TrimSpace(string(r.Stdout))
}

// ConnectionError reports an authentication, host key or network failure
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TransferError reports a failed upload or extraction
type TransferError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Quote wraps s in single quotes for a POSIX shell, escaping any embedded
// single quotes.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// MustSucceed runs command and turns a non-zero exit status into an error
// carrying the command output.
func MustSucceed(ctx context.Context, s Session, command string) (*Result, error) {
	res, err := s.Run(ctx, command)
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return res, fmt.Errorf("%q exited with status %d: %s", command, res.ExitStatus, res.Output())
	}
	return res, nil
}
