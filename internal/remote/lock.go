package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"
)

const releaseTimeout = 30 * time.Second

// ErrLocked is returned when another deployment holds the remote lock
var ErrLocked = errors.New("remote lock is held by another deployment")

// DirLock is an advisory lock on the target host built on the atomicity of
// mkdir. It keeps two deployments from patching the same files at once.
type DirLock struct {
	Path string
	// Owner is written into the lock directory for operators to inspect.
	Owner string
}

// NewDirLock returns a lock at lockPath owned by this process
func NewDirLock(lockPath string) *DirLock {
	host, _ := os.Hostname()
	return &DirLock{
		Path:  lockPath,
		Owner: fmt.Sprintf("%s pid=%d since=%s", host, os.Getpid(), time.Now().UTC().Format(time.RFC3339)),
	}
}

// Acquire takes the lock or fails with ErrLocked
func (l *DirLock) Acquire(ctx context.Context, s Session) error {
	if parent := path.Dir(l.Path); parent != "." && parent != "/" {
		if _, err := MustSucceed(ctx, s, "mkdir -p "+Quote(parent)); err != nil {
			return fmt.Errorf("failed to create lock parent directory: %w", err)
		}
	}

	res, err := s.Run(ctx, "mkdir "+Quote(l.Path))
	if err != nil {
		return err
	}
	if !res.Success() {
		// Only an existing directory means another deployment holds the lock.
		exists, err := s.Run(ctx, "test -d "+Quote(l.Path))
		if err != nil {
			return err
		}
		if !exists.Success() {
			return fmt.Errorf("failed to create lock directory %s: exit status %d: %s", l.Path, res.ExitStatus, res.Output())
		}
		owner := "unknown owner"
		if data, _, readErr := s.ReadFile(ctx, path.Join(l.Path, "owner")); readErr == nil {
			owner = strings.TrimSpace(string(data))
		}
		return fmt.Errorf("%w: %s (%s)", ErrLocked, l.Path, owner)
	}

	if err := s.WriteFile(ctx, path.Join(l.Path, "owner"), []byte(l.Owner+"\n"), 0644); err != nil {
		err = fmt.Errorf("failed to record lock owner: %w", err)
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if relErr := l.Release(cctx, s); relErr != nil {
			return errors.Join(err, relErr)
		}
		return err
	}
	return nil
}

// Release removes the lock directory whoever holds it
func (l *DirLock) Release(ctx context.Context, s Session) error {
	if _, err := MustSucceed(ctx, s, "rm -rf "+Quote(l.Path)); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
