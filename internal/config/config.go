package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/schaermu/pushdeploy/internal/archive"
	"github.com/schaermu/pushdeploy/internal/credential"
	"github.com/schaermu/pushdeploy/internal/patch"
	"github.com/schaermu/pushdeploy/internal/service"
	"github.com/schaermu/pushdeploy/internal/verify"
)

// RestartPolicy defines which services restart after a deployment
type RestartPolicy string

const (
	RestartNone    RestartPolicy = "none"
	RestartChanged RestartPolicy = "changed"
	RestartAll     RestartPolicy = "all"
)

const (
	defaultPort           = 22
	defaultStagingDir     = ".pushdeploy"
	defaultConnectTimeout = 15 * time.Second
	defaultCommandTimeout = 10 * time.Minute
	defaultHealthRetries  = 10
	defaultHealthInterval = 3 * time.Second
	defaultProbeInterval  = 2 * time.Second
	defaultProbeTimeout   = 10 * time.Second
)

// DefaultExcludeDirs are pruned from the source tree when source.exclude_dirs
// is not set
var DefaultExcludeDirs = []string{".git", "bin", "obj", ".vs", ".idea"}

// Config represents the complete pushdeploy configuration
type Config struct {
	Source   SourceConfig      `yaml:"source"`
	Target   TargetConfig      `yaml:"target"`
	Vars     map[string]string `yaml:"vars"`
	Extract  []ExtractConfig   `yaml:"extract"`
	Files    []FileConfig      `yaml:"files"`
	Services []ServiceConfig   `yaml:"services"`
	Restart  RestartPolicy     `yaml:"restart"`
	Verify   []ProbeConfig     `yaml:"verify"`
}

// SourceConfig configures the local tree that is bundled
type SourceConfig struct {
	Root            string   `yaml:"root"`
	ExcludeDirs     []string `yaml:"exclude_dirs"`
	ExcludeSuffixes []string `yaml:"exclude_suffixes"`
	ExcludePaths    []string `yaml:"exclude_paths"`
}

// TargetConfig configures the remote host
type TargetConfig struct {
	Host                  string        `yaml:"host"`
	Port                  int           `yaml:"port"`
	User                  string        `yaml:"user"`
	Auth                  AuthConfig    `yaml:"auth"`
	KnownHostsFile        string        `yaml:"known_hosts_file"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key"`
	StagingDir            string        `yaml:"staging_dir"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	CommandTimeout        time.Duration `yaml:"command_timeout"`
	Lock                  *bool         `yaml:"lock"`
}

// AuthConfig references the operator's SSH credentials. Secrets themselves
// never appear in the configuration file.
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	PassphraseFile string `yaml:"passphrase_file"`
	PasswordFile   string `yaml:"password_file"`
	UseAgent       bool   `yaml:"use_agent"`
	PromptPassword bool   `yaml:"prompt_password"`
}

// ExtractConfig names a remote directory that receives the bundle
type ExtractConfig struct {
	Dir string `yaml:"dir"`
	// Clean removes the directory contents before extracting.
	Clean bool `yaml:"clean"`
	// Keep lists top-level entries spared by Clean.
	Keep []string `yaml:"keep"`
}

// CleanRemoves reports whether cleaning the directory deletes p. Both
// paths must be absolute or relative to the same directory.
func (e ExtractConfig) CleanRemoves(p string) bool {
	if !e.Clean {
		return false
	}
	dir, p := path.Clean(e.Dir), path.Clean(p)
	if dir == p {
		return true
	}
	rel, ok := strings.CutPrefix(p, strings.TrimSuffix(dir, "/")+"/")
	if !ok {
		return false
	}
	top, _, _ := strings.Cut(rel, "/")
	return !slices.Contains(e.Keep, top)
}

// FileConfig configures a managed remote configuration file
type FileConfig struct {
	Path   string       `yaml:"path"`
	Backup *bool        `yaml:"backup"`
	Rules  []RuleConfig `yaml:"rules"`
}

// RuleConfig configures one patch rule
type RuleConfig struct {
	Name        string `yaml:"name"`
	Mode        string `yaml:"mode"`
	Matcher     string `yaml:"matcher"`
	Regex       bool   `yaml:"regex"`
	Replacement string `yaml:"replacement"`
	Check       string `yaml:"check"`
	BlockEnd    string `yaml:"block_end"`
}

// ServiceConfig configures a restartable remote service
type ServiceConfig struct {
	Name           string        `yaml:"name"`
	Restart        string        `yaml:"restart"`
	Health         string        `yaml:"health"`
	After          []string      `yaml:"after"`
	HealthRetries  int           `yaml:"health_retries"`
	HealthInterval time.Duration `yaml:"health_interval"`
	Timeout        time.Duration `yaml:"timeout"`
	Triggers       []string      `yaml:"triggers"`
	Cascade        bool          `yaml:"cascade"`
}

// ProbeConfig configures a post-deployment verification probe
type ProbeConfig struct {
	Name         string        `yaml:"name"`
	URL          string        `yaml:"url"`
	Command      string        `yaml:"command"`
	ExpectStatus int           `yaml:"expect_status"`
	Retries      int           `yaml:"retries"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Load reads and parses the configuration file. A relative source root is
// resolved against the directory holding the file.
func Load(configPath string) (*Config, error) {
	// Expand environment variables in path
	configPath = os.ExpandEnv(configPath)

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.expandEnv(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Source.Root != "" && !filepath.IsAbs(cfg.Source.Root) {
		cfg.Source.Root = filepath.Join(filepath.Dir(configPath), cfg.Source.Root)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

var varRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expander resolves ${NAME} references from vars, then the environment.
// Bare $NAME is left alone so nginx and shell variables survive.
type expander struct {
	vars    map[string]string
	missing map[string]bool
}

func (e *expander) expand(s string) string {
	return varRef.ReplaceAllStringFunc(s, func(ref string) string {
		name := varRef.FindStringSubmatch(ref)[1]
		if v, ok := e.vars[name]; ok {
			return v
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		e.missing[name] = true
		return ref
	})
}

func (e *expander) all(list []string) {
	for i := range list {
		list[i] = e.expand(list[i])
	}
}

// expandEnv expands ${NAME} references in all string fields. Values in the
// vars map may themselves reference the environment.
func (c *Config) expandEnv() error {
	env := &expander{missing: make(map[string]bool)}
	for k, v := range c.Vars {
		c.Vars[k] = env.expand(v)
	}

	e := &expander{vars: c.Vars, missing: env.missing}

	c.Source.Root = e.expand(c.Source.Root)
	e.all(c.Source.ExcludePaths)

	c.Target.Host = e.expand(c.Target.Host)
	c.Target.User = e.expand(c.Target.User)
	c.Target.Auth.SSHKeyFile = e.expand(c.Target.Auth.SSHKeyFile)
	c.Target.Auth.PassphraseFile = e.expand(c.Target.Auth.PassphraseFile)
	c.Target.Auth.PasswordFile = e.expand(c.Target.Auth.PasswordFile)
	c.Target.KnownHostsFile = e.expand(c.Target.KnownHostsFile)
	c.Target.StagingDir = e.expand(c.Target.StagingDir)

	for i := range c.Extract {
		c.Extract[i].Dir = e.expand(c.Extract[i].Dir)
	}
	for i := range c.Files {
		f := &c.Files[i]
		f.Path = e.expand(f.Path)
		for j := range f.Rules {
			r := &f.Rules[j]
			r.Matcher = e.expand(r.Matcher)
			r.Replacement = e.expand(r.Replacement)
			r.Check = e.expand(r.Check)
			r.BlockEnd = e.expand(r.BlockEnd)
		}
	}
	for i := range c.Services {
		s := &c.Services[i]
		s.Restart = e.expand(s.Restart)
		s.Health = e.expand(s.Health)
		e.all(s.Triggers)
	}
	for i := range c.Verify {
		c.Verify[i].URL = e.expand(c.Verify[i].URL)
		c.Verify[i].Command = e.expand(c.Verify[i].Command)
	}

	if len(e.missing) > 0 {
		names := make([]string, 0, len(e.missing))
		for name := range e.missing {
			names = append(names, name)
		}
		sort.Strings(names)
		return fmt.Errorf("undefined variables: %s", strings.Join(names, ", "))
	}
	return nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Source.ExcludeDirs == nil {
		c.Source.ExcludeDirs = append([]string(nil), DefaultExcludeDirs...)
	}
	if c.Target.Port == 0 {
		c.Target.Port = defaultPort
	}
	if c.Target.StagingDir == "" {
		c.Target.StagingDir = defaultStagingDir
	}
	if c.Target.ConnectTimeout == 0 {
		c.Target.ConnectTimeout = defaultConnectTimeout
	}
	if c.Target.CommandTimeout == 0 {
		c.Target.CommandTimeout = defaultCommandTimeout
	}
	if c.Restart == "" {
		c.Restart = RestartChanged
	}
	for i := range c.Files {
		for j := range c.Files[i].Rules {
			r := &c.Files[i].Rules[j]
			if r.Name == "" {
				r.Name = fmt.Sprintf("%s#%d", path.Base(c.Files[i].Path), j+1)
			}
		}
	}
	for i := range c.Services {
		s := &c.Services[i]
		if s.Health != "" && s.HealthRetries == 0 {
			s.HealthRetries = defaultHealthRetries
		}
		if s.Health != "" && s.HealthInterval == 0 {
			s.HealthInterval = defaultHealthInterval
		}
	}
	for i := range c.Verify {
		p := &c.Verify[i]
		if p.Interval == 0 {
			p.Interval = defaultProbeInterval
		}
		if p.Timeout == 0 {
			p.Timeout = defaultProbeTimeout
		}
		if p.Name == "" {
			p.Name = p.URL
			if p.Name == "" {
				p.Name = p.Command
			}
		}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Source.Root == "" {
		return fmt.Errorf("source.root is required")
	}

	if c.Target.Host == "" {
		return fmt.Errorf("target.host is required")
	}
	if c.Target.User == "" {
		return fmt.Errorf("target.user is required")
	}
	if c.Target.Port < 1 || c.Target.Port > 65535 {
		return fmt.Errorf("target.port out of range: %d", c.Target.Port)
	}
	if c.Target.ConnectTimeout < 0 || c.Target.CommandTimeout < 0 {
		return fmt.Errorf("target timeouts must not be negative")
	}
	if !c.Target.Auth.configured() {
		return fmt.Errorf("target.auth: configure at least one of ssh_key_file, password_file, use_agent or prompt_password")
	}
	if c.Target.Auth.PassphraseFile != "" && c.Target.Auth.SSHKeyFile == "" {
		return fmt.Errorf("target.auth.passphrase_file requires ssh_key_file")
	}
	if c.Target.InsecureIgnoreHostKey && c.Target.KnownHostsFile != "" {
		return fmt.Errorf("target: only one of known_hosts_file or insecure_ignore_host_key may be set")
	}

	if len(c.Extract) == 0 && len(c.Files) == 0 {
		return fmt.Errorf("nothing to deploy: configure extract targets or managed files")
	}

	seenDirs := make(map[string]bool)
	for i, e := range c.Extract {
		if e.Dir == "" {
			return fmt.Errorf("extract[%d].dir is required", i)
		}
		if clean := path.Clean(e.Dir); clean == "/" || clean == "." {
			return fmt.Errorf("extract[%d].dir must not be %q", i, e.Dir)
		}
		if seenDirs[path.Clean(e.Dir)] {
			return fmt.Errorf("extract[%d].dir %s is listed twice", i, e.Dir)
		}
		seenDirs[path.Clean(e.Dir)] = true
		for _, k := range e.Keep {
			if k == "" || strings.Contains(k, "/") {
				return fmt.Errorf("extract[%d].keep entries must be top-level names: %q", i, k)
			}
		}
		if path.IsAbs(e.Dir) == path.IsAbs(c.Target.StagingDir) && e.CleanRemoves(c.Target.StagingDir) {
			return fmt.Errorf("extract[%d].dir %s is cleaned and contains target.staging_dir %s; keep it or move the staging dir", i, e.Dir, c.Target.StagingDir)
		}
	}

	seenFiles := make(map[string]bool)
	for i, f := range c.Files {
		if f.Path == "" {
			return fmt.Errorf("files[%d].path is required", i)
		}
		if seenFiles[f.Path] {
			return fmt.Errorf("files[%d].path %s is listed twice", i, f.Path)
		}
		seenFiles[f.Path] = true
		if len(f.Rules) == 0 {
			return fmt.Errorf("files[%d] (%s) has no rules", i, f.Path)
		}
		for _, r := range f.PatchRules() {
			if err := r.Validate(); err != nil {
				return fmt.Errorf("files[%d] (%s) rule %q: %w", i, f.Path, r.Name, err)
			}
		}
	}

	for i, s := range c.Services {
		if s.Name == "" {
			return fmt.Errorf("services[%d].name is required", i)
		}
		if s.Restart == "" {
			return fmt.Errorf("services[%d] (%s): restart command is required", i, s.Name)
		}
		if s.HealthRetries < 0 || s.HealthInterval < 0 || s.Timeout < 0 {
			return fmt.Errorf("services[%d] (%s): retries, interval and timeout must not be negative", i, s.Name)
		}
	}
	if _, err := service.Order(c.ServiceDescriptors()); err != nil {
		return fmt.Errorf("services: %w", err)
	}

	switch c.Restart {
	case RestartNone, RestartChanged, RestartAll:
		// valid
	default:
		return fmt.Errorf("invalid restart policy: %s (must be none, changed, or all)", c.Restart)
	}

	for i, p := range c.Verify {
		if (p.URL == "") == (p.Command == "") {
			return fmt.Errorf("verify[%d]: exactly one of url or command is required", i)
		}
		if p.URL != "" && !strings.HasPrefix(p.URL, "http://") && !strings.HasPrefix(p.URL, "https://") {
			return fmt.Errorf("verify[%d]: url must use http or https: %s", i, p.URL)
		}
		if p.Retries < 0 {
			return fmt.Errorf("verify[%d]: retries must not be negative", i)
		}
	}

	return nil
}

func (a AuthConfig) configured() bool {
	return a.SSHKeyFile != "" || a.PasswordFile != "" || a.UseAgent || a.PromptPassword
}

// LockEnabled reports whether the remote deployment lock is used
func (t TargetConfig) LockEnabled() bool {
	return t.Lock == nil || *t.Lock
}

// LockPath returns the remote lock directory
func (t TargetConfig) LockPath() string {
	return path.Join(t.StagingDir, "lock")
}

// RecordPath returns the remote deploy record file
func (t TargetConfig) RecordPath() string {
	return path.Join(t.StagingDir, "state.json")
}

// BackupEnabled reports whether previous content is saved before patching
func (f FileConfig) BackupEnabled() bool {
	return f.Backup == nil || *f.Backup
}

// SourceTree returns the archive description of the source section
func (c *Config) SourceTree() archive.SourceTree {
	return archive.SourceTree{
		Root:            c.Source.Root,
		ExcludeDirs:     c.Source.ExcludeDirs,
		ExcludeSuffixes: c.Source.ExcludeSuffixes,
		ExcludePaths:    c.Source.ExcludePaths,
	}
}

// CredentialOptions returns the credential provider options for the target
func (c *Config) CredentialOptions() credential.Options {
	return credential.Options{
		SSHKeyFile:     c.Target.Auth.SSHKeyFile,
		PassphraseFile: c.Target.Auth.PassphraseFile,
		PasswordFile:   c.Target.Auth.PasswordFile,
		UseAgent:       c.Target.Auth.UseAgent,
		PromptPassword: c.Target.Auth.PromptPassword,
		PromptLabel:    c.Target.User + "@" + c.Target.Host,
	}
}

// PatchRules converts the rule configs of f
func (f FileConfig) PatchRules() []patch.Rule {
	rules := make([]patch.Rule, len(f.Rules))
	for i, r := range f.Rules {
		rules[i] = patch.Rule{
			Name:        r.Name,
			Mode:        patch.Mode(r.Mode),
			Matcher:     r.Matcher,
			Regex:       r.Regex,
			Replacement: r.Replacement,
			Check:       r.Check,
			BlockEnd:    r.BlockEnd,
		}
	}
	return rules
}

// ServiceDescriptors returns the services in declaration order
func (c *Config) ServiceDescriptors() []service.Descriptor {
	ds := make([]service.Descriptor, len(c.Services))
	for i, s := range c.Services {
		ds[i] = service.Descriptor{
			Name:           s.Name,
			Restart:        s.Restart,
			Health:         s.Health,
			After:          s.After,
			HealthRetries:  s.HealthRetries,
			HealthInterval: s.HealthInterval,
			Timeout:        s.Timeout,
			Triggers:       s.Triggers,
			Cascade:        s.Cascade,
		}
	}
	return ds
}

// Probes returns the verification probes
func (c *Config) Probes() []verify.Probe {
	probes := make([]verify.Probe, len(c.Verify))
	for i, p := range c.Verify {
		probes[i] = verify.Probe{
			Name:         p.Name,
			URL:          p.URL,
			Command:      p.Command,
			ExpectStatus: p.ExpectStatus,
			Retries:      p.Retries,
			Interval:     p.Interval,
			Timeout:      p.Timeout,
		}
	}
	return probes
}
