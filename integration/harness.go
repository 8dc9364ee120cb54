//go:build integration

package integration

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/schaermu/pushdeploy/internal/config"
	"github.com/schaermu/pushdeploy/internal/deploy"
	"github.com/schaermu/pushdeploy/internal/git"
	"github.com/schaermu/pushdeploy/internal/remote/sshtest"
	"github.com/schaermu/pushdeploy/internal/testutil"
)

const defaultTimeout = 2 * time.Minute

// Remote paths below the server home
const (
	backendDir  = "srv/backend"
	composeFile = "srv/backend/docker-compose.yml"
	nginxFile   = "etc/nginx/sites-available/default"
	restartsLog = "restarts.log"
	recordFile  = ".pushdeploy/state.json"
	lockDir     = ".pushdeploy/lock"
)

// Harness wires a source tree, a pushdeploy.yaml and an SSH target together
type Harness struct {
	t          *testing.T
	Server     *sshtest.Server
	Source     string
	ConfigPath string
	// Healthy controls the verify probe endpoint.
	Healthy atomic.Bool
}

// NewHarness starts the SSH server and health endpoint and writes the
// initial source tree, remote files and config
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	h := &Harness{
		t:      t,
		Server: sshtest.Start(t),
		Source: t.TempDir(),
	}
	h.Healthy.Store(true)

	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(health.Close)

	testutil.WriteTree(t, h.Source, map[string]string{
		"Program.cs":         "app.Run();\n",
		"docker-compose.yml": "services:\n  backend:\n    volumes:\n      - ./uploads:/app/wwwroot/uploads\n",
		"wwwroot/index.html": "<html></html>\n",
		"bin/Debug/app.dll":  "dll",
	})
	h.WriteRemote(nginxFile, "server {\n    listen 80;\n\n    location /api/ {\n        proxy_pass http://127.0.0.1:5000;\n    }\n}\n")
	h.WriteRemote(backendDir+"/wwwroot/uploads/user.png", "png")
	h.WriteRemote(backendDir+"/stale.dll", "old")

	secrets := t.TempDir()
	passwordFile := filepath.Join(secrets, "password")
	if err := os.WriteFile(passwordFile, []byte(sshtest.Password+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	knownHosts := filepath.Join(secrets, "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(h.Server.Addr)}, h.Server.HostKey)
	if err := os.WriteFile(knownHosts, []byte(line+"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PUSHDEPLOY_IT_HOME", h.Server.Home)
	h.ConfigPath = filepath.Join(t.TempDir(), "pushdeploy.yaml")
	content := fmt.Sprintf(`source:
  root: %q
  exclude_dirs: [bin, obj]
target:
  host: %q
  port: %d
  user: %q
  auth:
    password_file: %q
  known_hosts_file: %q
  command_timeout: 30s
vars:
  REMOTE: "${PUSHDEPLOY_IT_HOME}"
extract:
  - dir: "${REMOTE}/%s"
    clean: true
    keep: [wwwroot]
files:
  - path: "${REMOTE}/%s"
    rules:
      - name: uploads volume
        mode: replace-line
        matcher: "- ./uploads:"
        replacement: "- /srv/uploads:/app/wwwroot/uploads"
  - path: "${REMOTE}/%s"
    rules:
      - name: uploads location
        mode: insert-before
        matcher: "location /api/"
        replacement: "    location /uploads/ {\n        alias /srv/uploads/;\n    }\n"
        check: "location /uploads/"
services:
  - name: backend
    restart: "echo backend >> '${REMOTE}/%s'"
    triggers: ["${REMOTE}/%s"]
  - name: nginx
    restart: "echo nginx >> '${REMOTE}/%s'"
    health: "test -f '${REMOTE}/%s'"
    after: [backend]
    triggers: ["${REMOTE}/%s"]
    cascade: true
verify:
  - name: health endpoint
    url: %q
    retries: 2
    interval: 10ms
    timeout: 2s
`,
		h.Source, h.Server.Host, h.Server.Port, sshtest.User, passwordFile, knownHosts,
		backendDir, composeFile, nginxFile,
		restartsLog, backendDir,
		restartsLog, nginxFile, nginxFile,
		health.URL)
	if err := os.WriteFile(h.ConfigPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return h
}

// Deploy loads the config and runs one deployment
func (h *Harness) Deploy(ctx context.Context, opts deploy.Options) (*deploy.Result, error) {
	h.t.Helper()

	cfg, err := config.Load(h.ConfigPath)
	if err != nil {
		h.t.Fatalf("load config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(&testWriter{t: h.t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	opts.BundleDir = h.t.TempDir()

	d := deploy.New(cfg, deploy.NewSSHDialer(cfg, false), git.NewShellClient(), logger, opts)
	return d.Run(ctx)
}

// Remote returns the local path of a remote file
func (h *Harness) Remote(rel string) string {
	return filepath.Join(h.Server.Home, filepath.FromSlash(rel))
}

// WriteRemote creates or replaces a remote file
func (h *Harness) WriteRemote(rel, content string) {
	h.t.Helper()
	p := h.Remote(rel)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		h.t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		h.t.Fatal(err)
	}
}

// ReadRemote returns the content of a remote file or "" when missing
func (h *Harness) ReadRemote(rel string) string {
	h.t.Helper()
	data, err := os.ReadFile(h.Remote(rel))
	if os.IsNotExist(err) {
		return ""
	}
	if err != nil {
		h.t.Fatal(err)
	}
	return string(data)
}

// RemoteExists reports whether a remote path exists
func (h *Harness) RemoteExists(rel string) bool {
	_, err := os.Stat(h.Remote(rel))
	return err == nil
}

// Restarts returns the restart commands run so far, in order
func (h *Harness) Restarts() []string {
	return strings.Fields(h.ReadRemote(restartsLog))
}

// testWriter forwards log output to t.Log
type testWriter struct {
	t *testing.T
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
