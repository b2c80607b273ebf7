package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/davarch/redeploy/internal/domain"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Command is an argv plus execution options. In YAML it is either a mapping
// or a bare sequence: `[git, rev-parse, HEAD]`.
type Command struct {
	Run     []string          `yaml:"run"`
	Dir     string            `yaml:"dir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
}

func (c *Command) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.SequenceNode {
		return n.Decode(&c.Run)
	}
	type plain Command
	return n.Decode((*plain)(c))
}

func (c Command) Domain() domain.Command {
	if len(c.Run) == 0 {
		return domain.Command{}
	}
	return domain.Command{
		Program: c.Run[0],
		Args:    append([]string(nil), c.Run[1:]...),
		Dir:     c.Dir,
		Env:     c.Env,
		Timeout: c.Timeout,
	}
}

func commands(cs []Command) []domain.Command {
	out := make([]domain.Command, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Domain())
	}
	return out
}

type Target struct {
	Name      string `yaml:"name"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port,omitempty"`
	User      string `yaml:"user,omitempty"`
	Transport string `yaml:"transport,omitempty"`
	Workdir   string `yaml:"workdir,omitempty"`
	Enabled   bool   `yaml:"enabled"`
}

func (t Target) Domain() domain.Target {
	return domain.Target{
		Name:      t.Name,
		Host:      t.Host,
		Port:      t.Port,
		User:      t.User,
		Transport: t.Transport,
		Workdir:   t.Workdir,
		Enabled:   t.Enabled,
	}
}

type Expect struct {
	ExitCode       *int     `yaml:"exit_code,omitempty"`
	StdoutContains string   `yaml:"stdout_contains,omitempty"`
	StdoutExcludes string   `yaml:"stdout_excludes,omitempty"`
	StdoutMatches  string   `yaml:"stdout_matches,omitempty"`
	Below          *float64 `yaml:"below,omitempty"`
	Above          *float64 `yaml:"above,omitempty"`
}

type Probe struct {
	Name     string  `yaml:"name"`
	Weight   float64 `yaml:"weight"`
	Critical bool    `yaml:"critical,omitempty"`
	Command  Command `yaml:"command"`
	Expect   Expect  `yaml:"expect,omitempty"`
}

func (p Probe) Domain() domain.Probe {
	return domain.Probe{
		Name:     p.Name,
		Weight:   p.Weight,
		Critical: p.Critical,
		Command:  p.Command.Domain(),
		Expect: domain.Expect{
			ExitCode:       p.Expect.ExitCode,
			StdoutContains: p.Expect.StdoutContains,
			StdoutExcludes: p.Expect.StdoutExcludes,
			StdoutMatches:  p.Expect.StdoutMatches,
			Below:          p.Expect.Below,
			Above:          p.Expect.Above,
		},
	}
}

type Checkpoint struct {
	Revision    Command       `yaml:"revision"`
	Label       Command       `yaml:"label,omitempty"`
	Checkout    Command       `yaml:"checkout"`
	DataDump    Command       `yaml:"data_dump,omitempty"`
	DataRestore Command       `yaml:"data_restore,omitempty"`
	DataPrune   Command       `yaml:"data_prune,omitempty"`
	DumpDir     string        `yaml:"dump_dir,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	Keep        int           `yaml:"keep"`
	MaxAge      time.Duration `yaml:"max_age,omitempty"`
}

type Phases struct {
	Sync           []Command     `yaml:"sync"`
	Install        []Command     `yaml:"install,omitempty"`
	PreVerify      []Command     `yaml:"pre_verify,omitempty"`
	Build          []Command     `yaml:"build,omitempty"`
	Activate       []Command     `yaml:"activate"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// Commands maps the configured lists onto pipeline phases.
func (p Phases) Commands() map[domain.PhaseName][]domain.Command {
	return map[domain.PhaseName][]domain.Command{
		domain.PhaseSync:      commands(p.Sync),
		domain.PhaseInstall:   commands(p.Install),
		domain.PhasePreVerify: commands(p.PreVerify),
		domain.PhaseBuild:     commands(p.Build),
		domain.PhaseActivate:  commands(p.Activate),
	}
}

func (p Phases) ActivateCommands() []domain.Command { return commands(p.Activate) }

type Health struct {
	Threshold       float64       `yaml:"threshold"`
	Parallelism     int           `yaml:"parallelism"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	Retries         int           `yaml:"retries"`
	RetryInterval   time.Duration `yaml:"retry_interval,omitempty"`
	Deadline        time.Duration `yaml:"deadline"`
	InitialInterval time.Duration `yaml:"initial_interval,omitempty"`
	MaxInterval     time.Duration `yaml:"max_interval,omitempty"`
	Soak            time.Duration `yaml:"soak,omitempty"`
	SoakInterval    time.Duration `yaml:"soak_interval,omitempty"`
	Probes          []Probe       `yaml:"probes"`
}

func (h Health) DomainProbes() []domain.Probe {
	out := make([]domain.Probe, 0, len(h.Probes))
	for _, p := range h.Probes {
		out = append(out, p.Domain())
	}
	return out
}

type Config struct {
	Targets []Target `yaml:"targets"`

	SSH struct {
		IdentitySecret        string        `yaml:"identity_secret,omitempty"`
		PasswordSecret        string        `yaml:"password_secret,omitempty"`
		KnownHosts            string        `yaml:"known_hosts,omitempty"`
		InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key,omitempty"`
		DialTimeout           time.Duration `yaml:"dial_timeout"`
	} `yaml:"ssh"`

	Checkpoint Checkpoint `yaml:"checkpoint"`
	Phases     Phases     `yaml:"phases"`
	Health     Health     `yaml:"health"`

	Rollback struct {
		RestoreData bool `yaml:"restore_data"`
	} `yaml:"rollback"`

	GitLab struct {
		Enabled     bool          `yaml:"enabled"`
		BaseURL     string        `yaml:"base_url"`
		ProjectID   int64         `yaml:"project_id,omitempty"`
		TokenSecret string        `yaml:"token_secret,omitempty"`
		Timeout     time.Duration `yaml:"timeout"`
	} `yaml:"gitlab"`

	History struct {
		Path string `yaml:"path"`
	} `yaml:"history"`

	Status struct {
		Path string `yaml:"path"`
	} `yaml:"status"`

	Metrics struct {
		Textfile string `yaml:"textfile,omitempty"`
	} `yaml:"metrics"`

	Lock struct {
		Dir string `yaml:"dir"`
	} `yaml:"lock"`

	Notify struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"notify"`

	CancelFile string `yaml:"cancel_file,omitempty"`
}

func defaults(c *Config) {
	c.SSH.DialTimeout = 10 * time.Second
	c.SSH.KnownHosts = "~/.ssh/known_hosts"
	c.Checkpoint.Keep = 10
	c.Checkpoint.DumpDir = ".redeploy/dumps"
	c.Phases.CommandTimeout = 10 * time.Minute
	c.Health.Threshold = 0.8
	c.Health.Parallelism = 4
	c.Health.ProbeTimeout = 10 * time.Second
	c.Health.Retries = 2
	c.Health.Deadline = 2 * time.Minute
	c.GitLab.BaseURL = "https://gitlab.com"
	c.GitLab.Timeout = 10 * time.Second
	c.History.Path = "~/.local/state/redeploy/history"
	c.Status.Path = "~/.cache/redeploy_status.json"
	c.Lock.Dir = os.TempDir()
}

// Load applies defaults, then the YAML file at path (if it exists), then
// environment overrides, and validates the result.
func Load(path string) (Config, error) {
	var c Config
	defaults(&c)

	if path != "" {
		if b, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(b, &c); err != nil {
				return c, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if v := os.Getenv("REDEPLOY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Health.Threshold = f
		}
	}

	if v := os.Getenv("REDEPLOY_PROBE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Health.ProbeTimeout = d
		}
	}

	if v := os.Getenv("REDEPLOY_HISTORY_PATH"); v != "" {
		c.History.Path = v
	}

	if v := os.Getenv("REDEPLOY_STATUS_PATH"); v != "" {
		c.Status.Path = v
	}

	if v := os.Getenv("GITLAB_BASE_URL"); v != "" {
		c.GitLab.BaseURL = v
	}

	if v := os.Getenv("GITLAB_PROJECT_ID"); v != "" {
		if pid, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.GitLab.ProjectID = pid
		}
	}

	c.History.Path = expandHome(c.History.Path)
	c.Status.Path = expandHome(c.Status.Path)
	c.SSH.KnownHosts = expandHome(c.SSH.KnownHosts)
	c.Metrics.Textfile = expandHome(c.Metrics.Textfile)
	c.CancelFile = expandHome(c.CancelFile)

	for i := range c.Targets {
		if c.Targets[i].Transport == "" {
			c.Targets[i].Transport = "ssh"
		}
		if c.Targets[i].Port == 0 && c.Targets[i].Transport == "ssh" {
			c.Targets[i].Port = 22
		}
	}

	if c.Phases.CommandTimeout <= 0 {
		c.Phases.CommandTimeout = 10 * time.Minute
	}

	if c.GitLab.Timeout <= 0 {
		c.GitLab.Timeout = 10 * time.Second
	}

	return c, c.Validate()
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs *multierror.Error

	if len(c.Targets) == 0 {
		errs = multierror.Append(errs, errors.New("no targets configured"))
	}
	seen := map[string]bool{}
	for i, t := range c.Targets {
		switch {
		case t.Name == "":
			errs = multierror.Append(errs, fmt.Errorf("targets[%d]: name is required", i))
		case seen[t.Name]:
			errs = multierror.Append(errs, fmt.Errorf("targets[%d]: duplicate name %q", i, t.Name))
		}
		seen[t.Name] = true

		switch t.Transport {
		case "ssh":
			if t.Host == "" {
				errs = multierror.Append(errs, fmt.Errorf("target %q: host is required for ssh", t.Name))
			}
		case "local":
		default:
			errs = multierror.Append(errs, fmt.Errorf("target %q: unknown transport %q", t.Name, t.Transport))
		}
	}

	if len(c.Checkpoint.Revision.Run) == 0 {
		errs = multierror.Append(errs, errors.New("checkpoint.revision is required"))
	}
	if len(c.Checkpoint.Checkout.Run) == 0 {
		errs = multierror.Append(errs, errors.New("checkpoint.checkout is required"))
	}
	if len(c.Checkpoint.DataDump.Run) > 0 && len(c.Checkpoint.DataRestore.Run) == 0 && c.Rollback.RestoreData {
		errs = multierror.Append(errs, errors.New("rollback.restore_data needs checkpoint.data_restore"))
	}
	if c.Checkpoint.Keep < 0 {
		errs = multierror.Append(errs, errors.New("checkpoint.keep must not be negative"))
	}

	if len(c.Phases.Activate) == 0 {
		errs = multierror.Append(errs, errors.New("phases.activate is required"))
	}
	for name, list := range map[string][]Command{
		"sync": c.Phases.Sync, "install": c.Phases.Install, "pre_verify": c.Phases.PreVerify,
		"build": c.Phases.Build, "activate": c.Phases.Activate,
	} {
		for i, cmd := range list {
			if len(cmd.Run) == 0 {
				errs = multierror.Append(errs, fmt.Errorf("phases.%s[%d]: empty command", name, i))
			}
		}
	}

	if err := ValidateThreshold(c.Health.Threshold); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.Health.ProbeTimeout <= 0 {
		errs = multierror.Append(errs, errors.New("health.probe_timeout must be positive"))
	}
	if len(c.Health.Probes) == 0 {
		errs = multierror.Append(errs, errors.New("health.probes: at least one probe is required"))
	}
	names := map[string]bool{}
	for i, p := range c.Health.Probes {
		if p.Name == "" {
			errs = multierror.Append(errs, fmt.Errorf("health.probes[%d]: name is required", i))
		} else if names[p.Name] {
			errs = multierror.Append(errs, fmt.Errorf("health.probes[%d]: duplicate name %q", i, p.Name))
		}
		names[p.Name] = true
		if p.Weight <= 0 {
			errs = multierror.Append(errs, fmt.Errorf("probe %q: weight must be positive", p.Name))
		}
		if len(p.Command.Run) == 0 {
			errs = multierror.Append(errs, fmt.Errorf("probe %q: command is required", p.Name))
		}
	}

	if c.GitLab.Enabled && c.GitLab.ProjectID == 0 {
		errs = multierror.Append(errs, errors.New("gitlab.project_id is required when gitlab is enabled"))
	}

	return errs.ErrorOrNil()
}

func ValidateThreshold(f float64) error {
	if f < 0 || f > 1 {
		return fmt.Errorf("threshold %v out of range [0,1]", f)
	}
	return nil
}

func (c *Config) Target(name string) (*Target, bool) {
	for i := range c.Targets {
		if c.Targets[i].Name == name {
			return &c.Targets[i], true
		}
	}
	return nil, false
}

func (c *Config) TargetNames() []string {
	out := make([]string, 0, len(c.Targets))
	for _, t := range c.Targets {
		out = append(out, t.Name)
	}
	return out
}

func Save(path string, c Config) error {
	if path == "" {
		return errors.New("empty config path")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	lockFile := path + ".lock"
	lf, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = lf.Close() }()

	if runtime.GOOS != "windows" {
		if err := syscall.Flock(int(lf.Fd()), syscall.LOCK_EX); err != nil {
			return err
		}
		defer func() { _ = syscall.Flock(int(lf.Fd()), syscall.LOCK_UN) }()
	}

	b, err := yaml.Marshal(&c)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	defer func() { _ = f.Close() }()

	if _, err := f.Write(b); err != nil {
		return err
	}

	if err := f.Sync(); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if h, _ := os.UserHomeDir(); h != "" {
			return h + p[1:]
		}
	}
	return p
}
