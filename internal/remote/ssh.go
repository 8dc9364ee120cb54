package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Target identifies the remote host and how to authenticate against it
type Target struct {
	Host    string
	Port    int
	User    string
	Auth    []ssh.AuthMethod
	HostKey ssh.HostKeyCallback
	// ConnectTimeout bounds TCP connect plus SSH handshake.
	ConnectTimeout time.Duration
	// CommandTimeout bounds each Run whose context carries no deadline.
	CommandTimeout time.Duration
}

// Addr returns host:port
func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// SSHSession implements Session over one SSH connection and one SFTP
// subsystem channel.
type SSHSession struct {
	addr    string
	client  *ssh.Client
	sftp    *sftp.Client
	timeout time.Duration
	// abortGrace is how long a cancelled transfer may take to wind down
	// before the connection is closed under it.
	abortGrace time.Duration
}

const defaultAbortGrace = 5 * time.Second

var _ Session = (*SSHSession)(nil)

// Dial connects and authenticates once. There is no retry; any failure is
// a *ConnectionError.
func Dial(ctx context.Context, t Target) (*SSHSession, error) {
	addr := t.Addr()
	if t.HostKey == nil {
		return nil, &ConnectionError{Addr: addr, Err: errors.New("no host key callback configured")}
	}

	dialer := net.Dialer{Timeout: t.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Err: err}
	}

	if t.ConnectTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(t.ConnectTimeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            t.User,
		Auth:            t.Auth,
		HostKeyCallback: t.HostKey,
		Timeout:         t.ConnectTimeout,
	})
	if err != nil {
		_ = conn.Close()
		return nil, &ConnectionError{Addr: addr, Err: err}
	}
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(c, chans, reqs)
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, &ConnectionError{Addr: addr, Err: fmt.Errorf("start sftp subsystem: %w", err)}
	}

	return &SSHSession{
		addr:       addr,
		client:     client,
		sftp:       sftpClient,
		timeout:    t.CommandTimeout,
		abortGrace: defaultAbortGrace,
	}, nil
}

// HostKeyCallback verifies host keys against a known_hosts file
// (~/.ssh/known_hosts when empty). insecure disables verification and must
// be an explicit operator choice.
func HostKeyCallback(knownHostsFile string, insecure bool) (ssh.HostKeyCallback, error) {
	if insecure {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if knownHostsFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		knownHostsFile = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(knownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts: %w", err)
	}
	return cb, nil
}

// Run implements Session
func (s *SSHSession) Run(ctx context.Context, command string) (*Result, error) {
	if _, ok := ctx.Deadline(); !ok && s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return nil, &ConnectionError{Addr: s.addr, Err: err}
	}
	defer func() {
		_ = sess.Close()
	}()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	if err := sess.Start(command); err != nil {
		return nil, &ConnectionError{Addr: s.addr, Err: err}
	}

	done := make(chan error, 1)
	go func() {
		done <- sess.Wait()
	}()

	select {
	case err := <-done:
		res := &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitStatus = exitErr.ExitStatus()
			return res, nil
		}
		return nil, &ConnectionError{Addr: s.addr, Err: err}

	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrCommandTimeout, command)
		}
		return nil, ctx.Err()
	}
}

// Upload implements Session. The remote size is compared with the local
// size once the copy is closed.
func (s *SSHSession) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer s.closeOnStall(ctx)()

	src, err := os.Open(localPath)
	if err != nil {
		return &TransferError{Op: "upload", Path: remotePath, Err: err}
	}
	defer func() {
		_ = src.Close()
	}()

	info, err := src.Stat()
	if err != nil {
		return &TransferError{Op: "upload", Path: remotePath, Err: err}
	}

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := s.sftp.MkdirAll(dir); err != nil {
			return &TransferError{Op: "upload", Path: remotePath, Err: fmt.Errorf("create remote directory: %w", err)}
		}
	}

	dst, err := s.sftp.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return &TransferError{Op: "upload", Path: remotePath, Err: err}
	}
	if _, err := dst.ReadFrom(&ctxReader{ctx: ctx, r: src}); err != nil {
		_ = dst.Close()
		return &TransferError{Op: "upload", Path: remotePath, Err: err}
	}
	if err := dst.Chmod(info.Mode().Perm()); err != nil {
		_ = dst.Close()
		return &TransferError{Op: "upload", Path: remotePath, Err: err}
	}
	if err := dst.Close(); err != nil {
		return &TransferError{Op: "upload", Path: remotePath, Err: err}
	}

	st, err := s.sftp.Stat(remotePath)
	if err != nil {
		return &TransferError{Op: "upload", Path: remotePath, Err: err}
	}
	if st.Size() != info.Size() {
		return &TransferError{Op: "upload", Path: remotePath,
			Err: fmt.Errorf("size mismatch: local %d bytes, remote %d bytes", info.Size(), st.Size())}
	}

	return nil
}

// ReadFile implements Session
func (s *SSHSession) ReadFile(ctx context.Context, name string) ([]byte, os.FileMode, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	defer s.closeOnStall(ctx)()

	f, err := s.sftp.Open(name)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", name, err)
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("stat %s: %w", name, err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&ctxWriter{ctx: ctx, w: &buf}); err != nil {
		return nil, 0, fmt.Errorf("read %s: %w", name, err)
	}

	return buf.Bytes(), info.Mode().Perm(), nil
}

// WriteFile implements Session. Servers without the posix-rename extension
// get the rename through the command channel instead.
func (s *SSHSession) WriteFile(ctx context.Context, name string, content []byte, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if mode == 0 {
		mode = 0644
	}
	defer s.closeOnStall(ctx)()

	tmp := name + ".tmp"
	f, err := s.sftp.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		_ = s.sftp.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		_ = s.sftp.Remove(tmp)
		return fmt.Errorf("chmod %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = s.sftp.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}

	if err := s.sftp.PosixRename(tmp, name); err != nil {
		if _, mvErr := MustSucceed(ctx, s, fmt.Sprintf("mv -f %s %s", Quote(tmp), Quote(name))); mvErr != nil {
			_ = s.sftp.Remove(tmp)
			return fmt.Errorf("rename %s: %w", tmp, errors.Join(err, mvErr))
		}
	}

	return nil
}

// Remove implements Session
func (s *SSHSession) Remove(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.sftp.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

// closeOnStall closes the connection when ctx is done and the transfer has
// not returned within abortGrace. SFTP calls do not take a context, so a
// stalled connection would otherwise block them forever. The returned func
// must be called once the transfer returns.
func (s *SSHSession) closeOnStall(ctx context.Context) func() {
	done := make(chan struct{})
	unregister := context.AfterFunc(ctx, func() {
		t := time.NewTimer(s.abortGrace)
		defer t.Stop()
		select {
		case <-done:
		case <-t.C:
			_ = s.client.Close()
		}
	})
	return func() {
		unregister()
		close(done)
	}
}

// ctxReader stops a copy at the next read once ctx is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// ctxWriter stops a copy at the next write once ctx is done
type ctxWriter struct {
	ctx context.Context
	w   io.Writer
}

func (c *ctxWriter) Write(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.w.Write(p)
}

// Close implements Session
func (s *SSHSession) Close() error {
	sftpErr := s.sftp.Close()
	clientErr := s.client.Close()
	if clientErr != nil && !errors.Is(clientErr, net.ErrClosed) {
		return clientErr
	}
	return sftpErr
}
