// Package config provides configuration structs and utilities for prguard.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config represents the root configuration.
type Config struct {
	Workspace     WorkspaceConfig     `yaml:"workspace"`
	Policy        PolicyConfig        `yaml:"policy"`
	Approval      ApprovalConfig      `yaml:"approval"`
	GitHub        GitHubConfig        `yaml:"github"`
	Secrets       SecretsConfig       `yaml:"secrets"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// WorkspaceConfig controls workspace provisioning and lifetime.
type WorkspaceConfig struct {
	RootDir            string        `yaml:"root_dir"`
	DefaultTTL         time.Duration `yaml:"default_ttl"`
	MaxTTL             time.Duration `yaml:"max_ttl"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	LockWaitTimeout    time.Duration `yaml:"lock_wait_timeout"`
	ProvisionTimeout   time.Duration `yaml:"provision_timeout"`
	TeardownTimeout    time.Duration `yaml:"teardown_timeout"`
	TombstoneRetention time.Duration `yaml:"tombstone_retention"` // How long destroyed ids keep reporting their fate
}

// PolicyConfig holds command execution policy. It is hot-reloaded.
type PolicyConfig struct {
	CommandTimeout    time.Duration `yaml:"command_timeout"`
	MaxCommandTimeout time.Duration `yaml:"max_command_timeout"`
	KillGrace         time.Duration `yaml:"kill_grace"`
	MaxChangedFiles   int           `yaml:"max_changed_files"`
	MaxPatchLines     int           `yaml:"max_patch_lines"`
	MaxOutputBytes    int           `yaml:"max_output_bytes"`
	ExtraExecutables  []string      `yaml:"extra_executables,omitempty"`  // Added to the safe allowlist
	ExpertExecutables []string      `yaml:"expert_executables,omitempty"` // Added to the expert allowlist
	AllowedCompounds  []string      `yaml:"allowed_compounds,omitempty"`
	BranchPrefix      string        `yaml:"branch_prefix"`
	TokenPatterns     bool          `yaml:"token_patterns"` // Redact credential-shaped strings as well as configured secrets
}

// ApprovalConfig controls the approval gate.
type ApprovalConfig struct {
	Decider        string        `yaml:"decider"` // client, interactive, deny
	TokenTTL       time.Duration `yaml:"token_ttl"`
	AutoCloseVerbs []string      `yaml:"auto_close_verbs,omitempty"`
}

// GitHubConfig configures the Git hosting service.
type GitHubConfig struct {
	APIURL         string        `yaml:"api_url"`
	GitHost        string        `yaml:"git_host"`
	Username       string        `yaml:"username"`
	AllowedRepos   []string      `yaml:"allowed_repos,omitempty"`
	TokenEnv       string        `yaml:"token_env"`
	TokenEncrypted string        `yaml:"token_encrypted,omitempty"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
}

// SecretsConfig lists environment variables whose values are always redacted.
type SecretsConfig struct {
	Env []string `yaml:"env"`
}

// LedgerConfig selects the run ledger store.
type LedgerConfig struct {
	Driver string `yaml:"driver"` // memory, sqlite
	Path   string `yaml:"path"`
}

// ServerConfig configures the stdio tool server.
type ServerConfig struct {
	Name               string `yaml:"name"`
	MaxConcurrentCalls int    `yaml:"max_concurrent_calls"`
}

// LoggingConfig holds configuration for application logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// ObservabilityConfig holds configuration for metrics and tracing.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig holds configuration for metrics collection.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"` // host:port for /metrics; empty disables the listener
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ExporterType string  `yaml:"exporter_type"` // none, stdout, otlp
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
	ServiceName  string  `yaml:"service_name"`
}

// Default configuration values.
const (
	DefaultWorkspaceRoot       = "~/.prguard/workspaces"
	DefaultTTL                 = 60 * time.Minute
	DefaultMaxTTL              = 360 * time.Minute
	DefaultSweepInterval       = 30 * time.Second
	DefaultLockWaitTimeout     = 6 * time.Minute
	DefaultProvisionTimeout    = 2 * time.Minute
	DefaultTeardownTimeout     = 30 * time.Second
	DefaultTombstoneRetention  = 24 * time.Hour
	DefaultCommandTimeout      = 300 * time.Second
	DefaultMaxCommandTimeout   = 30 * time.Minute
	DefaultKillGrace           = 5 * time.Second
	DefaultMaxChangedFiles     = 50
	DefaultMaxPatchLines       = 5000
	DefaultMaxOutputBytes      = 1 << 20
	DefaultBranchPrefix        = "issue"
	DefaultDecider             = "client"
	DefaultTokenTTL            = 30 * time.Minute
	DefaultGitHubAPIURL        = "https://api.github.com"
	DefaultGitHost             = "github.com"
	DefaultGitHubTokenEnv      = "GITHUB_TOKEN"
	DefaultGitHubTimeout       = 30 * time.Second
	DefaultGitHubMaxRetries    = 3
	DefaultLedgerDriver        = "memory"
	DefaultLedgerPath          = "~/.prguard/ledger.db"
	DefaultServerName          = "prguard"
	DefaultMaxConcurrentCalls  = 8
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultMetricsEnabled      = true
	DefaultTracingEnabled      = false
	DefaultTracingExporterType = "none"
	DefaultTracingSampleRate   = 1.0
	DefaultTracingServiceName  = "prguard"
)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validLogFormats = map[string]bool{"json": true, "text": true}

var validTracingExporterTypes = map[string]bool{"none": true, "stdout": true, "otlp": true}

var validDeciders = map[string]bool{"client": true, "interactive": true, "deny": true}

var validLedgerDrivers = map[string]bool{"memory": true, "sqlite": true}

// NewDefaultConfig creates a new Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		Workspace: WorkspaceConfig{
			RootDir:            DefaultWorkspaceRoot,
			DefaultTTL:         DefaultTTL,
			MaxTTL:             DefaultMaxTTL,
			SweepInterval:      DefaultSweepInterval,
			LockWaitTimeout:    DefaultLockWaitTimeout,
			ProvisionTimeout:   DefaultProvisionTimeout,
			TeardownTimeout:    DefaultTeardownTimeout,
			TombstoneRetention: DefaultTombstoneRetention,
		},
		Policy: PolicyConfig{
			CommandTimeout:    DefaultCommandTimeout,
			MaxCommandTimeout: DefaultMaxCommandTimeout,
			KillGrace:         DefaultKillGrace,
			MaxChangedFiles:   DefaultMaxChangedFiles,
			MaxPatchLines:     DefaultMaxPatchLines,
			MaxOutputBytes:    DefaultMaxOutputBytes,
			BranchPrefix:      DefaultBranchPrefix,
			TokenPatterns:     true,
		},
		Approval: ApprovalConfig{
			Decider:  DefaultDecider,
			TokenTTL: DefaultTokenTTL,
		},
		GitHub: GitHubConfig{
			APIURL:     DefaultGitHubAPIURL,
			GitHost:    DefaultGitHost,
			TokenEnv:   DefaultGitHubTokenEnv,
			Timeout:    DefaultGitHubTimeout,
			MaxRetries: DefaultGitHubMaxRetries,
		},
		Secrets: SecretsConfig{
			Env: []string{DefaultGitHubTokenEnv},
		},
		Ledger: LedgerConfig{
			Driver: DefaultLedgerDriver,
			Path:   DefaultLedgerPath,
		},
		Server: ServerConfig{
			Name:               DefaultServerName,
			MaxConcurrentCalls: DefaultMaxConcurrentCalls,
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: DefaultMetricsEnabled,
			},
			Tracing: TracingConfig{
				Enabled:      DefaultTracingEnabled,
				ExporterType: DefaultTracingExporterType,
				SampleRate:   DefaultTracingSampleRate,
				ServiceName:  DefaultTracingServiceName,
			},
		},
	}
}

// Validate checks if the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Workspace.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("workspace: %w", err))
	}
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("policy: %w", err))
	}
	if err := c.Approval.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("approval: %w", err))
	}
	if err := c.GitHub.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("github: %w", err))
	}
	if err := c.Ledger.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ledger: %w", err))
	}
	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if err := c.Observability.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("observability: %w", err))
	}

	return errors.Join(errs...)
}

// Validate checks the workspace configuration.
func (w *WorkspaceConfig) Validate() error {
	var errs []error
	if w.RootDir == "" {
		errs = append(errs, errors.New("root_dir is required"))
	}
	if w.MaxTTL < time.Minute {
		errs = append(errs, fmt.Errorf("max_ttl must be at least 1m, got %v", w.MaxTTL))
	}
	if w.DefaultTTL < time.Minute || w.DefaultTTL > w.MaxTTL {
		errs = append(errs, fmt.Errorf("default_ttl must be within [1m, max_ttl], got %v", w.DefaultTTL))
	}
	for name, d := range map[string]time.Duration{
		"sweep_interval":    w.SweepInterval,
		"lock_wait_timeout": w.LockWaitTimeout,
		"provision_timeout": w.ProvisionTimeout,
		"teardown_timeout":  w.TeardownTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, d))
		}
	}
	if w.TombstoneRetention < 0 {
		errs = append(errs, fmt.Errorf("tombstone_retention cannot be negative, got %v", w.TombstoneRetention))
	}
	return errors.Join(errs...)
}

// Validate checks the policy configuration.
func (p *PolicyConfig) Validate() error {
	var errs []error
	if p.MaxCommandTimeout < time.Second {
		errs = append(errs, fmt.Errorf("max_command_timeout must be at least 1s, got %v", p.MaxCommandTimeout))
	}
	if p.CommandTimeout < time.Second || p.CommandTimeout > p.MaxCommandTimeout {
		errs = append(errs, fmt.Errorf("command_timeout must be within [1s, max_command_timeout], got %v", p.CommandTimeout))
	}
	if p.KillGrace <= 0 {
		errs = append(errs, fmt.Errorf("kill_grace must be positive, got %v", p.KillGrace))
	}
	if p.MaxChangedFiles <= 0 {
		errs = append(errs, fmt.Errorf("max_changed_files must be positive, got %d", p.MaxChangedFiles))
	}
	if p.MaxPatchLines <= 0 {
		errs = append(errs, fmt.Errorf("max_patch_lines must be positive, got %d", p.MaxPatchLines))
	}
	if p.MaxOutputBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_output_bytes must be positive, got %d", p.MaxOutputBytes))
	}
	for _, e := range append(append([]string{}, p.ExtraExecutables...), p.ExpertExecutables...) {
		if e == "" || strings.ContainsAny(e, "/ \t") {
			errs = append(errs, fmt.Errorf("executable %q must be a bare program name", e))
		}
	}
	if strings.TrimSpace(p.BranchPrefix) == "" {
		errs = append(errs, errors.New("branch_prefix is required"))
	}
	return errors.Join(errs...)
}

// Validate checks the approval configuration.
func (a *ApprovalConfig) Validate() error {
	var errs []error
	if !validDeciders[a.Decider] {
		errs = append(errs, fmt.Errorf("invalid decider %q: must be one of client, interactive, deny", a.Decider))
	}
	if a.TokenTTL < time.Second {
		errs = append(errs, fmt.Errorf("token_ttl must be at least 1s, got %v", a.TokenTTL))
	}
	return errors.Join(errs...)
}

// Validate checks the GitHub configuration.
func (g *GitHubConfig) Validate() error {
	var errs []error
	if u, err := url.Parse(g.APIURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid api_url %q", g.APIURL))
	}
	if g.GitHost == "" {
		errs = append(errs, errors.New("git_host is required"))
	}
	if g.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %v", g.Timeout))
	}
	if g.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries cannot be negative, got %d", g.MaxRetries))
	}
	for _, r := range g.AllowedRepos {
		if r != "*" && strings.Count(r, "/") != 1 {
			errs = append(errs, fmt.Errorf("allowed_repos entry %q must be *, owner/* or owner/name", r))
		}
	}
	return errors.Join(errs...)
}

// EffectiveAllowedRepos returns the configured allowlist, defaulting to every
// repository owned by the configured user.
func (g *GitHubConfig) EffectiveAllowedRepos() []string {
	if len(g.AllowedRepos) > 0 || g.Username == "" {
		return g.AllowedRepos
	}
	return []string{g.Username + "/*"}
}

// Validate checks the ledger configuration.
func (l *LedgerConfig) Validate() error {
	if !validLedgerDrivers[l.Driver] {
		return fmt.Errorf("invalid driver %q: must be one of memory, sqlite", l.Driver)
	}
	if l.Driver == "sqlite" && l.Path == "" {
		return errors.New("path is required for the sqlite driver")
	}
	return nil
}

// Validate checks the server configuration.
func (s *ServerConfig) Validate() error {
	if s.MaxConcurrentCalls <= 0 {
		return fmt.Errorf("max_concurrent_calls must be positive, got %d", s.MaxConcurrentCalls)
	}
	return nil
}

// Validate checks the logging configuration.
func (l *LoggingConfig) Validate() error {
	var errs []error
	if !validLogLevels[l.Level] {
		errs = append(errs, fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", l.Level))
	}
	if !validLogFormats[l.Format] {
		errs = append(errs, fmt.Errorf("invalid log format %q: must be one of json, text", l.Format))
	}
	return errors.Join(errs...)
}

// Validate checks the observability configuration.
func (o *ObservabilityConfig) Validate() error {
	var errs []error
	t := o.Tracing
	if !validTracingExporterTypes[t.ExporterType] {
		errs = append(errs, fmt.Errorf("invalid tracing exporter_type %q: must be one of none, stdout, otlp", t.ExporterType))
	}
	if t.SampleRate < 0 || t.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing sample_rate must be within [0, 1], got %v", t.SampleRate))
	}
	if t.Enabled && t.ExporterType == "otlp" && t.OTLPEndpoint == "" {
		errs = append(errs, errors.New("tracing otlp_endpoint is required for the otlp exporter"))
	}
	return errors.Join(errs...)
}
