package deploy

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/schaermu/pushdeploy/internal/archive"
	"github.com/schaermu/pushdeploy/internal/config"
	"github.com/schaermu/pushdeploy/internal/git"
	"github.com/schaermu/pushdeploy/internal/patch"
	"github.com/schaermu/pushdeploy/internal/remote"
	"github.com/schaermu/pushdeploy/internal/verify"
)

// Stage is a state of the deployment pipeline
type Stage int

const (
	StageNone Stage = iota
	StageBuilt
	StageConnected
	StageUploaded
	StageExtracted
	StagePatched
	StageRestarted
	StageVerified
)

var stageNames = [...]string{"none", "built", "connected", "uploaded", "extracted", "patched", "restarted", "verified"}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// StageError reports the stage a deployment failed to reach
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Exit codes returned by the CLI
const (
	ExitOK         = 0
	ExitConfig     = 1
	ExitArchive    = 2
	ExitConnection = 3
	ExitUpload     = 4
	ExitExtract    = 5
	ExitPatch      = 6
	ExitRestart    = 7
	ExitLocked     = 8
)

// ExitCode maps a Run error to a process exit code. Each failed stage has
// its own code so callers can tell "nothing happened" from "partially
// deployed".
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if errors.Is(err, remote.ErrLocked) {
		return ExitLocked
	}

	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		return ExitConfig
	}
	switch stageErr.Stage {
	case StageBuilt:
		return ExitArchive
	case StageConnected:
		return ExitConnection
	case StageUploaded:
		return ExitUpload
	case StageExtracted:
		return ExitExtract
	case StagePatched:
		return ExitPatch
	case StageRestarted:
		return ExitRestart
	default:
		return ExitConfig
	}
}

// Plan is what a run intends to change on the target host
type Plan struct {
	// Upload is set when at least one extract target needs the bundle.
	Upload  bool
	Extract []config.ExtractConfig
	// Current lists extract directories already holding this bundle.
	Current []string
	// Files lists managed files that receive at least one rule.
	Files []string
	// Services lists the services to restart, in order.
	Services []string
}

// Result describes how far a run got and what it changed
type Result struct {
	DryRun    bool
	Reached   Stage
	Digest    string
	Revision  *git.Revision
	Plan      *Plan
	Uploaded  bool
	Extracted []string
	Patched   []string
	Restarted []string
	Warnings  []verify.VerificationWarning
}

// filePatch holds the computed edit of one managed file
type filePatch struct {
	file     config.FileConfig
	original []byte
	mode     os.FileMode
	content  string
	outcomes []patch.Outcome
}

func (p *filePatch) changed() bool {
	return patch.AnyApplied(p.outcomes)
}

func (p *filePatch) applied() []string {
	var names []string
	for _, o := range p.outcomes {
		if o.Applied {
			names = append(names, o.Rule)
		}
	}
	return names
}

const recordVersion = 1

// Record is the deploy record kept on the target host. It remembers which
// bundle each extract directory holds, the content hash of every managed
// file after patching and the restarts a failed run left outstanding.
type Record struct {
	Version   int                      `json:"version"`
	Extracted map[string]ExtractRecord `json:"extracted"`
	Files     map[string]FileRecord    `json:"files"`
	// Changed lists remote paths changed since services were last selected
	// for restart.
	Changed []string `json:"changed,omitempty"`
	// Pending lists services selected for restart that have not settled.
	Pending   []string  `json:"pending,omitempty"`
	Stage     string    `json:"stage"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExtractRecord describes the bundle extracted into one directory
type ExtractRecord struct {
	Digest      string        `json:"digest"`
	Files       int           `json:"files"`
	Revision    *git.Revision `json:"revision,omitempty"`
	ExtractedAt time.Time     `json:"extracted_at"`
}

// FileRecord describes the last patched content of a managed file
type FileRecord struct {
	SHA256    string    `json:"sha256"`
	Rules     []string  `json:"rules,omitempty"`
	PatchedAt time.Time `json:"patched_at"`
}

func newRecord() *Record {
	return &Record{
		Version:   recordVersion,
		Extracted: make(map[string]ExtractRecord),
		Files:     make(map[string]FileRecord),
	}
}

// markChanged adds a remote path whose services still need selecting
func (r *Record) markChanged(p string) {
	if !slices.Contains(r.Changed, p) {
		r.Changed = append(r.Changed, p)
	}
}

// settle drops restarted services from the pending list
func (r *Record) settle(restarted []string) {
	r.Pending = slices.DeleteFunc(r.Pending, func(name string) bool {
		return slices.Contains(restarted, name)
	})
	if len(r.Pending) == 0 {
		r.Pending = nil
	}
}

// holds reports whether dir already contains the bundle
func (r *Record) holds(dir string, b *archive.Bundle) bool {
	e, ok := r.Extracted[dir]
	return ok && e.Digest == b.Digest
}
