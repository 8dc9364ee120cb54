package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/pushdeploy/internal/archive"
	"github.com/schaermu/pushdeploy/internal/config"
	"github.com/schaermu/pushdeploy/internal/git"
	"github.com/schaermu/pushdeploy/internal/patch"
	"github.com/schaermu/pushdeploy/internal/remote"
	"github.com/schaermu/pushdeploy/internal/remote/remotetest"
	"github.com/schaermu/pushdeploy/internal/service"
	"github.com/schaermu/pushdeploy/internal/testutil"
)

// mockGitClient implements git.Client for testing.
type mockGitClient struct {
	rev    *git.Revision
	err    error
	called bool
}

func (m *mockGitClient) Describe(_ context.Context, _ string) (*git.Revision, error) {
	m.called = true
	return m.rev, m.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const (
	composeFile = "/srv/backend/docker-compose.yml"
	nginxFile   = "/etc/nginx/sites-available/default"
	recordFile  = ".pushdeploy/state.json"
)

const composeSource = `services:
  backend:
    build: .
    volumes:
      - ./uploads:/app/wwwroot/uploads
`

const nginxConf = `server {
    listen 80;
    server_name shop.example.org;

    location /api/ {
        proxy_pass http://127.0.0.1:5000;
    }
}
`

type fixture struct {
	cfg       *config.Config
	sess      *remotetest.Session
	dialer    *remotetest.Dialer
	git       *mockGitClient
	src       string
	bundleDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	src := t.TempDir()
	testutil.WriteTree(t, src, map[string]string{
		"Program.cs":              "app.Run();\n",
		"docker-compose.yml":      composeSource,
		"wwwroot/index.html":      "<html></html>\n",
		"wwwroot/uploads/cat.png": "png",
		"bin/Debug/app.dll":       "dll",
		"publish.zip":             "zip",
	})

	cfg := &config.Config{
		Source: config.SourceConfig{
			Root:            src,
			ExcludeDirs:     []string{".git", "bin", "obj"},
			ExcludeSuffixes: []string{".zip"},
			ExcludePaths:    []string{"wwwroot/uploads"},
		},
		Target: config.TargetConfig{
			Host:       "vps.example.org",
			Port:       22,
			User:       "deploy",
			Auth:       config.AuthConfig{UseAgent: true},
			StagingDir: ".pushdeploy",
		},
		Extract: []config.ExtractConfig{{Dir: "/srv/backend"}},
		Files: []config.FileConfig{
			{
				Path: composeFile,
				Rules: []config.RuleConfig{{
					Name:        "uploads volume",
					Mode:        string(patch.ModeReplaceLine),
					Matcher:     "- ./uploads:",
					Replacement: "- /srv/uploads:/app/wwwroot/uploads",
				}},
			},
			{
				Path: nginxFile,
				Rules: []config.RuleConfig{{
					Name:        "uploads location",
					Mode:        string(patch.ModeInsertBefore),
					Matcher:     "location /api/",
					Replacement: "    location /uploads/ {\n        alias /srv/uploads/;\n    }\n",
					Check:       "location /uploads/",
				}},
			},
		},
		Services: []config.ServiceConfig{
			{
				Name:     "backend",
				Restart:  "docker compose -f /srv/backend/docker-compose.yml up -d --build",
				Triggers: []string{"/srv/backend"},
			},
			{
				Name:     "nginx",
				Restart:  "systemctl reload nginx",
				Health:   "nginx -t",
				After:    []string{"backend"},
				Triggers: []string{nginxFile},
				Cascade:  true,
			},
		},
		Restart: config.RestartChanged,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("fixture config invalid: %v", err)
	}

	sess := remotetest.New()
	sess.SetFile(nginxFile, nginxConf, 0644)

	return &fixture{
		cfg:       cfg,
		sess:      sess,
		dialer:    &remotetest.Dialer{Session: sess},
		git:       &mockGitClient{rev: &git.Revision{Commit: "0123456789abcdef0123456789abcdef01234567"}},
		src:       src,
		bundleDir: t.TempDir(),
	}
}

func (f *fixture) run(t *testing.T, opts Options) (*Result, error) {
	t.Helper()
	opts.BundleDir = f.bundleDir
	d := New(f.cfg, f.dialer, f.git, testLogger(), opts)
	d.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return d.Run(context.Background())
}

func (f *fixture) record(t *testing.T) *Record {
	t.Helper()
	data, ok := f.sess.File(recordFile)
	if !ok {
		t.Fatal("deploy record not written")
	}
	rec := &Record{}
	if err := json.Unmarshal([]byte(data), rec); err != nil {
		t.Fatalf("invalid deploy record: %v", err)
	}
	return rec
}

func (f *fixture) countCommands(substr string) int {
	n := 0
	for _, c := range f.sess.Commands() {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

func TestRun_FullDeployment(t *testing.T) {
	f := newFixture(t)

	result, err := f.run(t, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Reached != StageVerified {
		t.Errorf("expected to reach verified, got %s", result.Reached)
	}
	if !f.git.called || result.Revision == nil {
		t.Error("expected source revision to be described")
	}

	// Bundle staged under the staging dir and removed after extraction
	staged := ".pushdeploy/bundle-" + result.Digest[:12] + ".tar.gz"
	if !reflect.DeepEqual(f.sess.Uploads(), []string{staged}) {
		t.Errorf("unexpected uploads %v", f.sess.Uploads())
	}
	if _, ok := f.sess.File(staged); ok {
		t.Error("staged bundle must be removed after extraction")
	}
	if entries, _ := os.ReadDir(f.bundleDir); len(entries) != 0 {
		t.Errorf("local bundle must be removed, found %d entries", len(entries))
	}

	// Extraction honours exclusions
	for _, p := range []string{"/srv/backend/Program.cs", "/srv/backend/wwwroot/index.html"} {
		if _, ok := f.sess.File(p); !ok {
			t.Errorf("expected %s to be extracted", p)
		}
	}
	for _, p := range []string{"/srv/backend/bin/Debug/app.dll", "/srv/backend/wwwroot/uploads/cat.png", "/srv/backend/publish.zip"} {
		if _, ok := f.sess.File(p); ok {
			t.Errorf("excluded file %s must not be extracted", p)
		}
	}

	// Managed files patched, previous content backed up
	compose, _ := f.sess.File(composeFile)
	if !strings.Contains(compose, "      - /srv/uploads:/app/wwwroot/uploads\n") {
		t.Errorf("compose file not patched:\n%s", compose)
	}
	nginx, _ := f.sess.File(nginxFile)
	if !strings.Contains(nginx, "    location /uploads/ {\n        alias /srv/uploads/;\n    }\n    location /api/ {") {
		t.Errorf("nginx config not patched:\n%s", nginx)
	}
	if backup, ok := f.sess.File(nginxFile + ".pushdeploy.bak"); !ok || backup != nginxConf {
		t.Error("expected nginx backup with the original content")
	}
	if backup, ok := f.sess.File(composeFile + ".pushdeploy.bak"); !ok || backup != composeSource {
		t.Error("expected compose backup with the extracted content")
	}
	if !reflect.DeepEqual(result.Patched, []string{composeFile, nginxFile}) {
		t.Errorf("unexpected patched files %v", result.Patched)
	}

	// Services restarted in dependency order after patching
	if !reflect.DeepEqual(result.Restarted, []string{"backend", "nginx"}) {
		t.Errorf("unexpected restarted services %v", result.Restarted)
	}
	tar := f.sess.Index("tar -xzf")
	backend := f.sess.Index("docker compose")
	reload := f.sess.Index("systemctl reload nginx")
	health := f.sess.Index("nginx -t")
	if !(tar < backend && backend < reload && reload < health) {
		t.Errorf("unexpected command order: %v", f.sess.Commands())
	}
	writes := f.sess.Writes()
	lastWrite := -1
	for i, w := range writes {
		if w == nginxFile || w == composeFile {
			lastWrite = i
		}
	}
	if lastWrite < 0 {
		t.Fatal("expected managed file writes")
	}

	// Record saved, lock released
	rec := f.record(t)
	if rec.Extracted["/srv/backend"].Digest != result.Digest {
		t.Errorf("record does not hold bundle digest: %+v", rec.Extracted)
	}
	if rec.Extracted["/srv/backend"].Revision == nil {
		t.Error("record should carry the source revision")
	}
	if rec.Stage != "verified" {
		t.Errorf("expected record stage verified, got %s", rec.Stage)
	}
	if rec.Files[nginxFile].SHA256 != contentHash([]byte(nginx)) {
		t.Error("record hash does not match patched nginx config")
	}
	if f.sess.Mode(recordFile) != 0600 {
		t.Errorf("expected record mode 0600, got %o", f.sess.Mode(recordFile))
	}
	if _, ok := f.sess.File(".pushdeploy/lock/owner"); ok {
		t.Error("lock must be released")
	}
	if f.sess.Index("mkdir '.pushdeploy/lock'") > tar {
		t.Error("lock must be acquired before extraction")
	}
	if !f.sess.Closed() {
		t.Error("session must be closed")
	}
}

func TestRun_SecondRunIsNoop(t *testing.T) {
	f := newFixture(t)

	if _, err := f.run(t, Options{}); err != nil {
		t.Fatal(err)
	}
	commandsBefore := len(f.sess.Commands())
	writesBefore := len(f.sess.Writes())
	nginxBefore, _ := f.sess.File(nginxFile)

	result, err := f.run(t, Options{})
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if result.Reached != StageVerified {
		t.Errorf("expected verified, got %s", result.Reached)
	}
	if result.Uploaded || len(f.sess.Uploads()) != 1 {
		t.Error("second run must not upload")
	}
	if len(result.Extracted) != 0 || len(result.Patched) != 0 || len(result.Restarted) != 0 {
		t.Errorf("second run changed something: %+v", result)
	}
	for _, cmd := range f.sess.Commands()[commandsBefore:] {
		if strings.Contains(cmd, "tar") || strings.Contains(cmd, "docker") || strings.Contains(cmd, "systemctl") {
			t.Errorf("unexpected command on second run: %s", cmd)
		}
	}
	for _, w := range f.sess.Writes()[writesBefore:] {
		if w == nginxFile || w == composeFile || w == recordFile {
			t.Errorf("unexpected write on second run: %s", w)
		}
	}
	if nginxAfter, _ := f.sess.File(nginxFile); nginxAfter != nginxBefore {
		t.Error("nginx config changed on second run")
	}
	if !reflect.DeepEqual(result.Plan.Current, []string{"/srv/backend"}) {
		t.Errorf("expected extract target to be current, got %v", result.Plan.Current)
	}
}

func TestRun_ChangedSourceRestartsBackendAndCascades(t *testing.T) {
	f := newFixture(t)

	if _, err := f.run(t, Options{}); err != nil {
		t.Fatal(err)
	}
	testutil.WriteTree(t, f.src, map[string]string{"Program.cs": "app.MapGet(\"/\", () => \"v2\");\napp.Run();\n"})

	result, err := f.run(t, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Uploaded || !reflect.DeepEqual(result.Extracted, []string{"/srv/backend"}) {
		t.Errorf("expected re-extraction, got %+v", result)
	}
	// Extraction restored the unpatched compose file, so it is patched again.
	if !reflect.DeepEqual(result.Patched, []string{composeFile}) {
		t.Errorf("expected only compose file to be patched again, got %v", result.Patched)
	}
	if !reflect.DeepEqual(result.Restarted, []string{"backend", "nginx"}) {
		t.Errorf("expected backend and cascading nginx restart, got %v", result.Restarted)
	}
	if content, _ := f.sess.File("/srv/backend/Program.cs"); !strings.Contains(content, "v2") {
		t.Error("new source not extracted")
	}
}

func TestRun_ForceReextracts(t *testing.T) {
	f := newFixture(t)

	if _, err := f.run(t, Options{}); err != nil {
		t.Fatal(err)
	}
	result, err := f.run(t, Options{Force: true})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Uploaded || len(f.sess.Uploads()) != 2 {
		t.Error("forced run must upload again")
	}
}

func TestRun_NginxOnlyChange(t *testing.T) {
	f := newFixture(t)
	f.cfg.Extract = nil
	f.cfg.Files = f.cfg.Files[1:]

	result, err := f.run(t, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Uploaded {
		t.Error("nothing to extract, nothing to upload")
	}
	if !reflect.DeepEqual(result.Restarted, []string{"nginx"}) {
		t.Errorf("expected only nginx to restart, got %v", result.Restarted)
	}
}

func TestRun_AnchorMissing(t *testing.T) {
	f := newFixture(t)
	f.sess.SetFile(nginxFile, "server {\n    listen 80;\n}\n", 0644)

	result, err := f.run(t, Options{})
	if err == nil {
		t.Fatal("expected error")
	}

	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StagePatched {
		t.Fatalf("expected patched stage error, got %v", err)
	}
	var anchorErr *patch.AnchorNotFoundError
	if !errors.As(err, &anchorErr) || anchorErr.Rule != "uploads location" {
		t.Errorf("expected AnchorNotFoundError for nginx rule, got %v", err)
	}
	if code := ExitCode(err); code != ExitPatch {
		t.Errorf("expected exit code %d, got %d", ExitPatch, code)
	}
	if result.Reached != StageExtracted {
		t.Errorf("expected to reach extracted, got %s", result.Reached)
	}

	// The compose rule succeeded but nothing may be written.
	for _, w := range f.sess.Writes() {
		if w == composeFile || w == nginxFile || strings.HasSuffix(w, ".pushdeploy.bak") {
			t.Errorf("no managed file may be written, got write to %s", w)
		}
	}
	if f.countCommands("docker") != 0 || f.countCommands("systemctl") != 0 {
		t.Error("no service may be restarted")
	}

	// Extraction happened, so the record reflects it.
	rec := f.record(t)
	if rec.Stage != "extracted" || rec.Extracted["/srv/backend"].Digest != result.Digest {
		t.Errorf("unexpected record %+v", rec)
	}
	if len(rec.Files) != 0 {
		t.Errorf("no file may be recorded as patched, got %v", rec.Files)
	}
}

func TestRun_MissingManagedFile(t *testing.T) {
	f := newFixture(t)
	_ = f.sess.Remove(context.Background(), nginxFile)

	_, err := f.run(t, Options{})
	if ExitCode(err) != ExitPatch {
		t.Fatalf("expected patch failure, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist in chain, got %v", err)
	}
}

func TestRun_WriteFailure(t *testing.T) {
	f := newFixture(t)
	f.sess.WriteErrs[nginxFile] = errors.New("permission denied")

	result, err := f.run(t, Options{})
	if ExitCode(err) != ExitPatch {
		t.Fatalf("expected patch failure, got %v", err)
	}
	// The compose file was written first and is recorded as such.
	if !reflect.DeepEqual(result.Patched, []string{composeFile}) {
		t.Errorf("unexpected patched list %v", result.Patched)
	}
	rec := f.record(t)
	if _, ok := rec.Files[composeFile]; !ok {
		t.Error("record must reflect the compose file written before the failure")
	}
}

func TestRun_RestartFailure(t *testing.T) {
	f := newFixture(t)
	f.sess.OnExit("systemctl reload nginx", 1, "Job for nginx.service failed")

	result, err := f.run(t, Options{})

	var restartErr *service.RestartError
	if !errors.As(err, &restartErr) || restartErr.Service != "nginx" {
		t.Fatalf("expected nginx RestartError, got %v", err)
	}
	if ExitCode(err) != ExitRestart {
		t.Errorf("expected exit code %d, got %d", ExitRestart, ExitCode(err))
	}
	if result.Reached != StagePatched {
		t.Errorf("expected to reach patched, got %s", result.Reached)
	}
	if !reflect.DeepEqual(result.Restarted, []string{"backend"}) {
		t.Errorf("backend must stay restarted, got %v", result.Restarted)
	}
	if f.sess.Index("nginx -t") != -1 {
		t.Error("health check must not run after a failed restart")
	}
	rec := f.record(t)
	if rec.Stage != "patched" {
		t.Errorf("expected record stage patched, got %s", rec.Stage)
	}
	if !reflect.DeepEqual(rec.Pending, []string{"nginx"}) {
		t.Errorf("expected nginx to stay pending, got %v", rec.Pending)
	}
}

func TestRun_RerunRetriesFailedRestart(t *testing.T) {
	f := newFixture(t)
	calls := 0
	f.sess.On("docker compose", func(string) (*remote.Result, error) {
		calls++
		if calls == 1 {
			return &remote.Result{ExitStatus: 1, Stderr: []byte("failed to build image")}, nil
		}
		return &remote.Result{}, nil
	})

	if _, err := f.run(t, Options{}); ExitCode(err) != ExitRestart {
		t.Fatalf("expected restart failure, got %v", err)
	}
	if rec := f.record(t); !reflect.DeepEqual(rec.Pending, []string{"backend", "nginx"}) {
		t.Fatalf("expected both services pending, got %v", rec.Pending)
	}

	result, err := f.run(t, Options{})
	if err != nil {
		t.Fatalf("rerun failed: %v", err)
	}
	if result.Uploaded || len(result.Extracted) != 0 {
		t.Error("bundle is already extracted, rerun must not upload again")
	}
	if !reflect.DeepEqual(result.Restarted, []string{"backend", "nginx"}) {
		t.Errorf("expected pending services to restart, got %v", result.Restarted)
	}
	if calls != 2 {
		t.Errorf("expected backend restart to be retried once, got %d calls", calls)
	}
	rec := f.record(t)
	if len(rec.Pending) != 0 || len(rec.Changed) != 0 {
		t.Errorf("expected nothing outstanding, got pending %v changed %v", rec.Pending, rec.Changed)
	}

	result, err = f.run(t, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Restarted) != 0 {
		t.Errorf("third run must not restart anything, got %v", result.Restarted)
	}
}

func TestRun_RerunAfterPatchFailureRestartsExtracted(t *testing.T) {
	f := newFixture(t)
	// Only the nginx file is managed, so the backend restart can only come
	// from the extraction of the first run.
	f.cfg.Files = f.cfg.Files[1:]
	f.sess.SetFile(nginxFile, "server {\n    listen 80;\n}\n", 0644)

	if _, err := f.run(t, Options{}); ExitCode(err) != ExitPatch {
		t.Fatalf("expected patch failure, got %v", err)
	}
	if rec := f.record(t); !reflect.DeepEqual(rec.Changed, []string{"/srv/backend"}) {
		t.Fatalf("expected extract dir to stay changed, got %v", rec.Changed)
	}

	f.sess.SetFile(nginxFile, nginxConf, 0644)
	result, err := f.run(t, Options{})
	if err != nil {
		t.Fatalf("rerun failed: %v", err)
	}
	if len(result.Extracted) != 0 {
		t.Errorf("bundle is already extracted, got %v", result.Extracted)
	}
	if !reflect.DeepEqual(result.Restarted, []string{"backend", "nginx"}) {
		t.Errorf("expected backend and nginx to restart, got %v", result.Restarted)
	}
}

func TestRun_DryRunShowsOutstandingRestarts(t *testing.T) {
	f := newFixture(t)
	f.sess.OnExit("systemctl reload nginx", 1, "Job for nginx.service failed")
	if _, err := f.run(t, Options{}); ExitCode(err) != ExitRestart {
		t.Fatalf("expected restart failure, got %v", err)
	}

	result, err := f.run(t, Options{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(result.Plan.Services, []string{"nginx"}) {
		t.Errorf("expected nginx in plan, got %v", result.Plan.Services)
	}
}

func TestRun_ConnectionFailure(t *testing.T) {
	f := newFixture(t)
	f.dialer.Err = &remote.ConnectionError{Addr: "vps.example.org:22", Err: errors.New("ssh: unable to authenticate")}

	result, err := f.run(t, Options{})
	if ExitCode(err) != ExitConnection {
		t.Fatalf("expected connection failure, got %v", err)
	}
	if result.Reached != StageBuilt {
		t.Errorf("expected to reach built, got %s", result.Reached)
	}
	if len(f.sess.Commands()) != 0 {
		t.Error("no command may run without a session")
	}
	if entries, _ := os.ReadDir(f.bundleDir); len(entries) != 0 {
		t.Error("local bundle must be removed on failure")
	}
}

func TestRun_ArchiveFailure(t *testing.T) {
	f := newFixture(t)
	f.cfg.Source.Root = filepath.Join(t.TempDir(), "missing")

	result, err := f.run(t, Options{})
	var archiveErr *archive.ArchiveError
	if !errors.As(err, &archiveErr) {
		t.Fatalf("expected ArchiveError, got %v", err)
	}
	if ExitCode(err) != ExitArchive {
		t.Errorf("expected exit code %d, got %d", ExitArchive, ExitCode(err))
	}
	if result.Reached != StageNone {
		t.Errorf("expected no stage reached, got %s", result.Reached)
	}
	if f.dialer.Calls != 0 {
		t.Error("must not connect without a bundle")
	}
}

func TestRun_UploadFailure(t *testing.T) {
	f := newFixture(t)
	f.sess.UploadErr = errors.New("sftp: no space left on device")

	result, err := f.run(t, Options{})
	var transferErr *remote.TransferError
	if !errors.As(err, &transferErr) {
		t.Fatalf("expected TransferError, got %v", err)
	}
	if ExitCode(err) != ExitUpload {
		t.Errorf("expected exit code %d, got %d", ExitUpload, ExitCode(err))
	}
	if result.Reached != StageConnected {
		t.Errorf("expected to reach connected, got %s", result.Reached)
	}
	if f.sess.Index("tar") != -1 {
		t.Error("must not extract after a failed upload")
	}
	if _, ok := f.sess.File(recordFile); ok {
		t.Error("nothing changed, record must not be written")
	}
	if _, ok := f.sess.File(".pushdeploy/lock/owner"); ok {
		t.Error("lock must be released after failure")
	}
}

func TestRun_ExtractFailure(t *testing.T) {
	f := newFixture(t)
	f.sess.OnExit("tar -xzf", 2, "gzip: stdin: unexpected end of file")

	result, err := f.run(t, Options{})
	if ExitCode(err) != ExitExtract {
		t.Fatalf("expected extract failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "unexpected end of file") {
		t.Errorf("expected tar output in error, got %v", err)
	}
	if result.Reached != StageUploaded {
		t.Errorf("expected to reach uploaded, got %s", result.Reached)
	}
	staged := ".pushdeploy/bundle-" + result.Digest[:12] + ".tar.gz"
	if _, ok := f.sess.File(staged); ok {
		t.Error("staged bundle must be removed even when extraction fails")
	}
}

func TestRun_LockHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.sess.Run(ctx, "mkdir -p .pushdeploy"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.sess.Run(ctx, "mkdir .pushdeploy/lock"); err != nil {
		t.Fatal(err)
	}

	result, err := f.run(t, Options{})
	if !errors.Is(err, remote.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if ExitCode(err) != ExitLocked {
		t.Errorf("expected exit code %d, got %d", ExitLocked, ExitCode(err))
	}
	if result.Reached != StageBuilt {
		t.Errorf("expected to reach built, got %s", result.Reached)
	}
	if len(f.sess.Uploads()) != 0 {
		t.Error("must not upload while another deployment holds the lock")
	}
	if f.countCommands("rm -rf '.pushdeploy/lock'") != 0 {
		t.Error("must not release a lock it does not hold")
	}
}

func TestRun_LockOwnerWriteFailure(t *testing.T) {
	f := newFixture(t)
	f.sess.WriteErrs[".pushdeploy/lock/owner"] = errors.New("no space left on device")

	_, err := f.run(t, Options{})
	if ExitCode(err) != ExitConnection {
		t.Fatalf("expected connection stage failure, got %v", err)
	}
	if errors.Is(err, remote.ErrLocked) {
		t.Errorf("a failed owner write is not a held lock: %v", err)
	}

	delete(f.sess.WriteErrs, ".pushdeploy/lock/owner")
	if _, err := f.run(t, Options{}); err != nil {
		t.Fatalf("expected next run to take the lock, got %v", err)
	}
}

func TestRun_LockDisabled(t *testing.T) {
	f := newFixture(t)
	off := false
	f.cfg.Target.Lock = &off

	if _, err := f.run(t, Options{}); err != nil {
		t.Fatal(err)
	}
	if f.countCommands(".pushdeploy/lock") != 0 {
		t.Error("lock commands must not run when the lock is disabled")
	}
}

func TestRun_DryRun(t *testing.T) {
	f := newFixture(t)

	result, err := f.run(t, Options{DryRun: true})
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if !result.DryRun || result.Reached != StageConnected {
		t.Errorf("unexpected result %+v", result)
	}
	if len(f.sess.Uploads()) != 0 || len(f.sess.Writes()) != 0 || len(f.sess.Commands()) != 0 {
		t.Errorf("dry run touched the host: uploads=%v writes=%v commands=%v",
			f.sess.Uploads(), f.sess.Writes(), f.sess.Commands())
	}

	plan := result.Plan
	if !plan.Upload || len(plan.Extract) != 1 {
		t.Errorf("expected extraction to be planned, got %+v", plan)
	}
	// The compose file is not on the host yet and is evaluated from the source tree.
	if !reflect.DeepEqual(plan.Files, []string{composeFile, nginxFile}) {
		t.Errorf("unexpected planned files %v", plan.Files)
	}
	if !reflect.DeepEqual(plan.Services, []string{"backend", "nginx"}) {
		t.Errorf("unexpected planned services %v", plan.Services)
	}
}

func TestRun_DryRunAfterDeployment(t *testing.T) {
	f := newFixture(t)
	if _, err := f.run(t, Options{}); err != nil {
		t.Fatal(err)
	}
	writes := len(f.sess.Writes())

	result, err := f.run(t, Options{DryRun: true})
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if result.Plan.Upload || len(result.Plan.Files) != 0 || len(result.Plan.Services) != 0 {
		t.Errorf("expected empty plan, got %+v", result.Plan)
	}
	if len(f.sess.Writes()) != writes {
		t.Error("dry run must not write")
	}
}

func TestRun_DryRunAnchorMissing(t *testing.T) {
	f := newFixture(t)
	f.sess.SetFile(nginxFile, "server {}\n", 0644)

	_, err := f.run(t, Options{DryRun: true})
	if ExitCode(err) != ExitPatch {
		t.Fatalf("expected patch failure in dry run, got %v", err)
	}
	if len(f.sess.Writes()) != 0 {
		t.Error("dry run must not write")
	}
}

func TestRun_VerifyWarnings(t *testing.T) {
	f := newFixture(t)
	f.cfg.Verify = []config.ProbeConfig{
		{Name: "backend port", Command: "ss -ltn | grep -q :5000", Interval: time.Millisecond},
		{Name: "container", Command: "docker ps --filter name=backend -q", Interval: time.Millisecond},
	}
	f.sess.OnExit("ss -ltn", 1, "")

	result, err := f.run(t, Options{})
	if err != nil {
		t.Fatalf("warnings must not fail the run: %v", err)
	}
	if ExitCode(err) != ExitOK {
		t.Errorf("expected exit code 0, got %d", ExitCode(err))
	}
	if result.Reached != StageVerified {
		t.Errorf("expected verified, got %s", result.Reached)
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Probe != "backend port" {
		t.Errorf("unexpected warnings %v", result.Warnings)
	}
}

func TestRun_RestartPolicies(t *testing.T) {
	tests := []struct {
		policy config.RestartPolicy
		want   []string
	}{
		{policy: config.RestartNone, want: nil},
		{policy: config.RestartAll, want: []string{"backend", "nginx"}},
		{policy: config.RestartChanged, want: nil},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			f := newFixture(t)
			f.cfg.Restart = config.RestartNone
			if _, err := f.run(t, Options{}); err != nil {
				t.Fatal(err)
			}

			// Second run changes nothing; only "all" restarts anyway.
			f.cfg.Restart = tt.policy
			result, err := f.run(t, Options{})
			if err != nil {
				t.Fatal(err)
			}
			if len(result.Restarted) != len(tt.want) || (len(tt.want) > 0 && !reflect.DeepEqual(result.Restarted, tt.want)) {
				t.Errorf("got %v, want %v", result.Restarted, tt.want)
			}
		})
	}
}

func TestRun_CorruptRecord(t *testing.T) {
	f := newFixture(t)
	f.sess.SetFile(recordFile, "{not json", 0600)

	result, err := f.run(t, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Uploaded {
		t.Error("a corrupt record means a fresh deployment")
	}
	if rec := f.record(t); rec.Version != recordVersion {
		t.Errorf("expected record to be rewritten, got version %d", rec.Version)
	}
}

func TestRun_CleanKeepsListedEntries(t *testing.T) {
	f := newFixture(t)
	f.cfg.Extract[0].Clean = true
	f.cfg.Extract[0].Keep = []string{"wwwroot", "appsettings.Production.json"}

	if _, err := f.run(t, Options{}); err != nil {
		t.Fatal(err)
	}

	want := "if [ -d '/srv/backend' ]; then find '/srv/backend' -mindepth 1 -maxdepth 1 " +
		"! -name 'wwwroot' ! -name 'appsettings.Production.json' -exec rm -rf {} +; fi"
	clean := f.sess.Index(want)
	if clean < 0 {
		t.Fatalf("clean command not issued, commands: %v", f.sess.Commands())
	}
	if clean > f.sess.Index("tar -xzf") {
		t.Error("clean must run before extraction")
	}
}

func TestRun_CleanWouldDeleteStagingDir(t *testing.T) {
	f := newFixture(t)
	f.cfg.Extract[0] = config.ExtractConfig{Dir: "/home/deploy", Clean: true}
	f.sess.On("pwd", func(string) (*remote.Result, error) {
		return &remote.Result{Stdout: []byte("/home/deploy\n")}, nil
	})

	_, err := f.run(t, Options{})
	if ExitCode(err) != ExitExtract {
		t.Fatalf("expected extract failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "staging dir") {
		t.Errorf("expected staging dir in error, got %v", err)
	}
	if f.countCommands("find '/home/deploy'") != 0 {
		t.Error("the home directory must not be cleaned")
	}
}

func TestRun_GitErrorIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.git.rev = nil
	f.git.err = errors.New("git status failed")

	result, err := f.run(t, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Revision != nil {
		t.Errorf("expected no revision, got %+v", result.Revision)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: ExitOK},
		{name: "plain error", err: errors.New("bad flag"), want: ExitConfig},
		{name: "built", err: &StageError{Stage: StageBuilt, Err: errors.New("x")}, want: ExitArchive},
		{name: "connected", err: &StageError{Stage: StageConnected, Err: errors.New("x")}, want: ExitConnection},
		{name: "uploaded", err: &StageError{Stage: StageUploaded, Err: errors.New("x")}, want: ExitUpload},
		{name: "extracted", err: &StageError{Stage: StageExtracted, Err: errors.New("x")}, want: ExitExtract},
		{name: "patched", err: &StageError{Stage: StagePatched, Err: errors.New("x")}, want: ExitPatch},
		{name: "restarted", err: &StageError{Stage: StageRestarted, Err: errors.New("x")}, want: ExitRestart},
		{name: "locked", err: &StageError{Stage: StageConnected, Err: fmt.Errorf("%w: held", remote.ErrLocked)}, want: ExitLocked},
		{name: "wrapped", err: fmt.Errorf("deploy: %w", &StageError{Stage: StagePatched, Err: errors.New("x")}), want: ExitPatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestStageString(t *testing.T) {
	if StageVerified.String() != "verified" || StageNone.String() != "none" {
		t.Error("unexpected stage names")
	}
	if Stage(42).String() != "stage(42)" {
		t.Errorf("unexpected name for unknown stage: %s", Stage(42).String())
	}
}
