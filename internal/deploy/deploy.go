package deploy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/schaermu/pushdeploy/internal/archive"
	"github.com/schaermu/pushdeploy/internal/config"
	"github.com/schaermu/pushdeploy/internal/git"
	"github.com/schaermu/pushdeploy/internal/patch"
	"github.com/schaermu/pushdeploy/internal/remote"
	"github.com/schaermu/pushdeploy/internal/service"
	"github.com/schaermu/pushdeploy/internal/verify"
)

const (
	backupSuffix   = ".pushdeploy.bak"
	cleanupTimeout = 30 * time.Second
)

// Dialer opens the remote session for a run
type Dialer interface {
	Dial(ctx context.Context) (remote.Session, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context) (remote.Session, error)

// Dial implements Dialer
func (f DialerFunc) Dial(ctx context.Context) (remote.Session, error) {
	return f(ctx)
}

// Options tunes a Deployer
type Options struct {
	// DryRun connects and computes the plan without changing anything.
	DryRun bool
	// Force extracts the bundle even when the deploy record says the
	// target already holds it.
	Force bool
	// BundleDir holds the local bundle; empty means the OS temp dir.
	BundleDir string
}

// Deployer orchestrates deployments of one configuration
type Deployer struct {
	cfg    *config.Config
	dialer Dialer
	git    git.Client
	logger *slog.Logger
	opts   Options
	now    func() time.Time
}

// New creates a deployer. gitClient may be nil.
func New(cfg *config.Config, dialer Dialer, gitClient git.Client, logger *slog.Logger, opts Options) *Deployer {
	return &Deployer{
		cfg:    cfg,
		dialer: dialer,
		git:    gitClient,
		logger: logger,
		opts:   opts,
		now:    time.Now,
	}
}

// run holds the state of a single Run call
type run struct {
	*Deployer
	result  *Result
	session remote.Session
	bundle  *archive.Bundle
	record  *Record
	dirty   bool
}

// Run executes the deployment. The result is returned even on failure and
// tells how far the run got; the error is a *StageError.
func (d *Deployer) Run(ctx context.Context) (*Result, error) {
	r := &run{
		Deployer: d,
		result:   &Result{DryRun: d.opts.DryRun, Plan: &Plan{}},
	}
	err := r.execute(ctx)
	if err != nil {
		d.logger.Error("deployment failed",
			"reached", r.result.Reached.String(),
			"error", err)
	}
	return r.result, err
}

func (r *run) execute(ctx context.Context) error {
	r.logger.Info("starting deployment",
		"host", r.cfg.Target.Host,
		"source", r.cfg.Source.Root,
		"dry_run", r.opts.DryRun)

	// Built
	bundle, err := archive.Build(r.cfg.SourceTree(), r.opts.BundleDir)
	if err != nil {
		return &StageError{Stage: StageBuilt, Err: err}
	}
	defer func() {
		if err := bundle.Remove(); err != nil {
			r.logger.Warn("failed to remove local bundle", "path", bundle.Path, "error", err)
		}
	}()
	r.bundle = bundle
	r.result.Digest = bundle.Digest
	r.result.Revision = r.describe(ctx)
	r.logger.Info("bundle built",
		"files", len(bundle.Files),
		"bytes", bundle.Size,
		"digest", bundle.ShortDigest(),
		"revision", r.result.Revision.String())
	r.reach(StageBuilt)

	// Connected
	r.logger.Info("connecting", "host", r.cfg.Target.Host, "user", r.cfg.Target.User)
	sess, err := r.dialer.Dial(ctx)
	if err != nil {
		return &StageError{Stage: StageConnected, Err: err}
	}
	defer func() {
		_ = sess.Close()
	}()
	r.session = sess

	if !r.opts.DryRun {
		if _, err := remote.MustSucceed(ctx, sess, "mkdir -p "+remote.Quote(r.cfg.Target.StagingDir)); err != nil {
			return &StageError{Stage: StageConnected, Err: fmt.Errorf("failed to create staging directory: %w", err)}
		}
		if r.cfg.Target.LockEnabled() {
			lock := remote.NewDirLock(r.cfg.Target.LockPath())
			if err := lock.Acquire(ctx, sess); err != nil {
				return &StageError{Stage: StageConnected, Err: err}
			}
			defer func() {
				cctx, cancel := cleanupContext(ctx)
				defer cancel()
				if err := lock.Release(cctx, sess); err != nil {
					r.logger.Warn("failed to release remote lock", "path", lock.Path, "error", err)
				}
			}()
		}
	}

	r.record = r.loadRecord(ctx)
	if len(r.record.Changed) > 0 || len(r.record.Pending) > 0 {
		r.logger.Warn("previous deployment left restarts outstanding",
			"changed", r.record.Changed,
			"pending", r.record.Pending)
	}
	r.reach(StageConnected)

	// Registered after the lock so the record is saved before the lock is released.
	defer r.saveRecord(ctx)

	r.planExtraction()
	if r.opts.DryRun {
		return r.dryRun(ctx)
	}

	// Uploaded
	staged := ""
	if r.result.Plan.Upload {
		staged = path.Join(r.cfg.Target.StagingDir, "bundle-"+bundle.ShortDigest()+".tar.gz")
		r.logger.Info("uploading bundle", "dest", staged, "bytes", bundle.Size)
		if err := sess.Upload(ctx, bundle.Path, staged); err != nil {
			return &StageError{Stage: StageUploaded, Err: err}
		}
		r.result.Uploaded = true
	} else {
		r.logger.Info("bundle already extracted on target, skipping upload", "digest", bundle.ShortDigest())
	}
	r.reach(StageUploaded)

	// Extracted
	if err := r.extract(ctx, staged); err != nil {
		return &StageError{Stage: StageExtracted, Err: err}
	}
	r.reach(StageExtracted)

	// Patched
	patches, err := r.computePatches(ctx)
	if err != nil {
		return &StageError{Stage: StagePatched, Err: err}
	}
	if err := r.writePatches(ctx, patches); err != nil {
		return &StageError{Stage: StagePatched, Err: err}
	}
	r.reach(StagePatched)

	// Restarted
	services, err := r.selectServices(r.record.Changed, r.record.Pending)
	if err != nil {
		return &StageError{Stage: StageRestarted, Err: err}
	}
	r.result.Plan.Services = service.Names(services)
	if len(services) == 0 {
		r.logger.Info("no services to restart", "policy", string(r.cfg.Restart))
	}
	if len(r.record.Changed) > 0 || len(r.record.Pending) > 0 || len(services) > 0 {
		r.dirty = true
	}
	r.record.Changed = nil
	r.record.Pending = slices.Clone(r.result.Plan.Services)
	restarted, err := service.NewCoordinator(sess, r.logger).Restart(ctx, services)
	r.result.Restarted = restarted
	r.record.settle(restarted)
	if err != nil {
		return &StageError{Stage: StageRestarted, Err: err}
	}
	r.reach(StageRestarted)

	// Verified
	if probes := r.cfg.Probes(); len(probes) > 0 {
		r.result.Warnings = verify.NewRunner(sess, r.logger).Run(ctx, probes)
	}
	r.reach(StageVerified)

	if len(r.result.Warnings) > 0 {
		r.logger.Warn("deployment completed with warnings", "warnings", len(r.result.Warnings))
	} else {
		r.logger.Info("deployment completed successfully")
	}
	return nil
}

func (r *run) reach(s Stage) {
	r.result.Reached = s
	r.logger.Debug("stage reached", "stage", s.String())
}

func (r *run) describe(ctx context.Context) *git.Revision {
	if r.git == nil {
		return nil
	}
	rev, err := r.git.Describe(ctx, r.cfg.Source.Root)
	if err != nil {
		r.logger.Warn("failed to describe source revision", "error", err)
		return nil
	}
	return rev
}

// planExtraction decides which extract targets need the bundle
func (r *run) planExtraction() {
	plan := r.result.Plan
	for _, e := range r.cfg.Extract {
		if !r.opts.Force && r.record.holds(e.Dir, r.bundle) {
			plan.Current = append(plan.Current, e.Dir)
			continue
		}
		plan.Extract = append(plan.Extract, e)
	}
	plan.Upload = len(plan.Extract) > 0

	r.logger.Info("deployment plan",
		"extract", len(plan.Extract),
		"current", len(plan.Current),
		"managed_files", len(r.cfg.Files),
		"services", len(r.cfg.Services))
}

// extract unpacks the staged bundle into every planned directory. The
// staged archive is removed whatever happens.
func (r *run) extract(ctx context.Context, staged string) error {
	if len(r.result.Plan.Extract) == 0 {
		return nil
	}
	defer func() {
		cctx, cancel := cleanupContext(ctx)
		defer cancel()
		if err := r.session.Remove(cctx, staged); err != nil {
			r.logger.Warn("failed to remove staged bundle", "path", staged, "error", err)
		}
	}()

	for _, e := range r.result.Plan.Extract {
		r.logger.Info("extracting bundle", "dir", e.Dir, "clean", e.Clean)
		if err := r.guardStaging(ctx, e); err != nil {
			return &remote.TransferError{Op: "extract", Path: e.Dir, Err: err}
		}

		commands := make([]string, 0, 3)
		if e.Clean {
			commands = append(commands, cleanCommand(e))
		}
		commands = append(commands,
			"mkdir -p "+remote.Quote(e.Dir),
			fmt.Sprintf("tar -xzf %s -C %s", remote.Quote(staged), remote.Quote(e.Dir)))

		for _, cmd := range commands {
			res, err := r.session.Run(ctx, cmd)
			if err != nil {
				return &remote.TransferError{Op: "extract", Path: e.Dir, Err: err}
			}
			if !res.Success() {
				return &remote.TransferError{
					Op:   "extract",
					Path: e.Dir,
					Err:  fmt.Errorf("%q exited with status %d: %s", cmd, res.ExitStatus, res.Output()),
				}
			}
		}

		r.record.Extracted[e.Dir] = ExtractRecord{
			Digest:      r.bundle.Digest,
			Files:       len(r.bundle.Files),
			Revision:    r.result.Revision,
			ExtractedAt: r.now().UTC(),
		}
		r.record.markChanged(e.Dir)
		r.dirty = true
		r.result.Extracted = append(r.result.Extracted, e.Dir)
	}
	return nil
}

// guardStaging fails when cleaning e would delete the staging dir. Config
// validation catches this unless exactly one of the two paths is relative
// to the remote login directory, which is resolved here.
func (r *run) guardStaging(ctx context.Context, e config.ExtractConfig) error {
	staging := r.cfg.Target.StagingDir
	if !e.Clean || path.IsAbs(e.Dir) == path.IsAbs(staging) {
		return nil
	}
	res, err := remote.MustSucceed(ctx, r.session, "pwd")
	if err != nil {
		return err
	}
	home := strings.TrimSpace(string(res.Stdout))
	if !path.IsAbs(home) {
		r.logger.Warn("could not resolve remote login directory", "output", home)
		return nil
	}
	if !path.IsAbs(e.Dir) {
		e.Dir = path.Join(home, e.Dir)
	}
	if !path.IsAbs(staging) {
		staging = path.Join(home, staging)
	}
	if e.CleanRemoves(staging) {
		return fmt.Errorf("cleaning %s would delete the staging dir %s", e.Dir, staging)
	}
	return nil
}

// cleanCommand empties dir except for the entries listed in Keep
func cleanCommand(e config.ExtractConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "if [ -d %[1]s ]; then find %[1]s -mindepth 1 -maxdepth 1", remote.Quote(e.Dir))
	for _, k := range e.Keep {
		fmt.Fprintf(&b, " ! -name %s", remote.Quote(k))
	}
	b.WriteString(" -exec rm -rf {} +; fi")
	return b.String()
}

// computePatches reads every managed file and applies its rules in memory.
// Any failure aborts the stage before a single file is written.
func (r *run) computePatches(ctx context.Context) ([]*filePatch, error) {
	var (
		patches []*filePatch
		errs    []error
	)
	for _, f := range r.cfg.Files {
		content, mode, err := r.readManaged(ctx, f.Path)
		if err != nil {
			errs = append(errs, fmt.Errorf("read managed file %s: %w", f.Path, err))
			continue
		}

		r.checkDrift(f.Path, content)

		newContent, outcomes, err := patch.ApplyAll(string(content), f.PatchRules())
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.Path, err))
			continue
		}

		p := &filePatch{
			file:     f,
			original: content,
			mode:     mode,
			content:  newContent,
			outcomes: outcomes,
		}
		for _, o := range outcomes {
			r.logger.Debug("patch rule evaluated", "path", f.Path, "rule", o.Rule, "applied", o.Applied)
		}
		if p.changed() {
			r.result.Plan.Files = append(r.result.Plan.Files, f.Path)
		}
		patches = append(patches, p)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return patches, nil
}

// readManaged returns the current content of a managed file. A dry run has
// not extracted anything yet, so files the bundle is about to overwrite are
// read from the local source tree instead of the host.
func (r *run) readManaged(ctx context.Context, filePath string) ([]byte, os.FileMode, error) {
	if r.opts.DryRun {
		for _, e := range r.result.Plan.Extract {
			rel, ok := strings.CutPrefix(filePath, strings.TrimSuffix(e.Dir, "/")+"/")
			if !ok || !slices.Contains(r.bundle.Files, rel) {
				continue
			}
			local := filepath.Join(r.cfg.Source.Root, filepath.FromSlash(rel))
			info, err := os.Stat(local)
			if err != nil {
				return nil, 0, err
			}
			content, err := os.ReadFile(local)
			return content, info.Mode().Perm(), err
		}
	}
	return r.session.ReadFile(ctx, filePath)
}

// checkDrift logs managed files edited on the host since the last run.
// Files under a directory extracted by this run are expected to differ.
func (r *run) checkDrift(filePath string, content []byte) {
	prev, ok := r.record.Files[filePath]
	if !ok || prev.SHA256 == contentHash(content) {
		return
	}
	for _, dir := range r.result.Extracted {
		if strings.HasPrefix(filePath, strings.TrimSuffix(dir, "/")+"/") {
			return
		}
	}
	r.logger.Warn("managed file changed on host since last deployment", "path", filePath)
}

// writePatches backs up and replaces every file with at least one applied
// rule. Files where every rule was a no-op are never written.
func (r *run) writePatches(ctx context.Context, patches []*filePatch) error {
	for _, p := range patches {
		if !p.changed() {
			r.logger.Info("managed file up to date", "path", p.file.Path)
			if _, ok := r.record.Files[p.file.Path]; !ok {
				r.record.Files[p.file.Path] = FileRecord{SHA256: contentHash(p.original), PatchedAt: r.now().UTC()}
			}
			continue
		}

		if p.file.BackupEnabled() {
			backup := p.file.Path + backupSuffix
			if err := r.session.WriteFile(ctx, backup, p.original, p.mode); err != nil {
				return fmt.Errorf("failed to back up %s: %w", p.file.Path, err)
			}
		}

		r.logger.Info("patching managed file", "path", p.file.Path, "rules", p.applied())
		if err := r.session.WriteFile(ctx, p.file.Path, []byte(p.content), p.mode); err != nil {
			return fmt.Errorf("failed to write %s: %w", p.file.Path, err)
		}

		r.record.Files[p.file.Path] = FileRecord{
			SHA256:    contentHash([]byte(p.content)),
			Rules:     p.applied(),
			PatchedAt: r.now().UTC(),
		}
		r.record.markChanged(p.file.Path)
		r.dirty = true
		r.result.Patched = append(r.result.Patched, p.file.Path)
	}
	return nil
}

// selectServices applies the restart policy to the changed paths. Services
// left pending by an earlier run are selected again under the changed
// policy.
func (r *run) selectServices(changed, pending []string) ([]service.Descriptor, error) {
	ordered, err := service.Order(r.cfg.ServiceDescriptors())
	if err != nil {
		return nil, err
	}

	switch r.cfg.Restart {
	case config.RestartNone:
		return nil, nil
	case config.RestartAll:
		return ordered, nil
	case config.RestartChanged:
		return service.Affected(ordered, changed, pending...), nil
	default:
		return nil, fmt.Errorf("unknown restart policy: %s", r.cfg.Restart)
	}
}

// dryRun logs what a real run would do without touching the host. Rules
// whose anchor is missing still fail the run so the problem surfaces
// before a real deployment.
func (r *run) dryRun(ctx context.Context) error {
	plan := r.result.Plan
	changed := slices.Clone(r.record.Changed)

	for _, e := range plan.Extract {
		r.logger.Info("[dry-run] would extract bundle", "dir", e.Dir, "clean", e.Clean, "digest", r.bundle.ShortDigest())
		changed = append(changed, e.Dir)
	}
	for _, dir := range plan.Current {
		r.logger.Info("[dry-run] bundle already extracted", "dir", dir)
	}

	patches, patchErr := r.computePatches(ctx)
	if patchErr != nil {
		r.logger.Warn("[dry-run] patching would fail", "error", patchErr)
	}
	for _, p := range patches {
		if p.changed() {
			r.logger.Info("[dry-run] would patch", "path", p.file.Path, "rules", p.applied())
			changed = append(changed, p.file.Path)
		}
	}

	services, err := r.selectServices(changed, r.record.Pending)
	if err != nil {
		return &StageError{Stage: StageRestarted, Err: err}
	}
	plan.Services = service.Names(services)
	for _, s := range services {
		r.logger.Info("[dry-run] would restart", "service", s.Name)
	}
	for _, p := range r.cfg.Probes() {
		r.logger.Info("[dry-run] would verify", "probe", p.Name)
	}

	if patchErr != nil {
		return &StageError{Stage: StagePatched, Err: patchErr}
	}
	r.logger.Info("dry-run complete, no changes applied")
	return nil
}

// loadRecord reads the deploy record. A missing or unreadable record means
// a fresh deployment.
func (r *run) loadRecord(ctx context.Context) *Record {
	data, _, err := r.session.ReadFile(ctx, r.cfg.Target.RecordPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.logger.Info("no deploy record on target, treating as fresh deployment")
		} else {
			r.logger.Warn("failed to read deploy record (will treat as fresh deployment)", "error", err)
		}
		return newRecord()
	}

	rec := newRecord()
	if err := json.Unmarshal(data, rec); err != nil {
		r.logger.Warn("failed to parse deploy record (will treat as fresh deployment)", "error", err)
		return newRecord()
	}
	if rec.Extracted == nil {
		rec.Extracted = make(map[string]ExtractRecord)
	}
	if rec.Files == nil {
		rec.Files = make(map[string]FileRecord)
	}
	return rec
}

// saveRecord persists the record when this run changed the host
func (r *run) saveRecord(ctx context.Context) {
	if !r.dirty || r.opts.DryRun {
		return
	}
	r.record.Version = recordVersion
	r.record.Stage = r.result.Reached.String()
	r.record.UpdatedAt = r.now().UTC()

	data, err := json.MarshalIndent(r.record, "", "  ")
	if err != nil {
		r.logger.Error("failed to encode deploy record", "error", err)
		return
	}

	cctx, cancel := cleanupContext(ctx)
	defer cancel()
	if err := r.session.WriteFile(cctx, r.cfg.Target.RecordPath(), data, 0600); err != nil {
		r.logger.Error("failed to save deploy record", "path", r.cfg.Target.RecordPath(), "error", err)
	}
}

// cleanupContext outlives cancellation of ctx so cleanup still reaches the
// host after an interrupt
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

func contentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
