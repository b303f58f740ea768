// Package application provides application-level services and dependency injection.
package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/jbctechsolutions/prguard/internal/adapters/decider"
	"github.com/jbctechsolutions/prguard/internal/adapters/githost/github"
	adapterMCP "github.com/jbctechsolutions/prguard/internal/adapters/mcp"
	"github.com/jbctechsolutions/prguard/internal/adapters/sandbox/local"
	"github.com/jbctechsolutions/prguard/internal/adapters/storage/sqlite"
	"github.com/jbctechsolutions/prguard/internal/application/approval"
	"github.com/jbctechsolutions/prguard/internal/application/ledger"
	"github.com/jbctechsolutions/prguard/internal/application/ports"
	"github.com/jbctechsolutions/prguard/internal/application/tools"
	"github.com/jbctechsolutions/prguard/internal/application/workspace"
	"github.com/jbctechsolutions/prguard/internal/domain/branch"
	domainLedger "github.com/jbctechsolutions/prguard/internal/domain/ledger"
	"github.com/jbctechsolutions/prguard/internal/domain/policy"
	"github.com/jbctechsolutions/prguard/internal/infrastructure/config"
	"github.com/jbctechsolutions/prguard/internal/infrastructure/crypto"
	"github.com/jbctechsolutions/prguard/internal/infrastructure/logging"
	"github.com/jbctechsolutions/prguard/internal/infrastructure/metrics"
	"github.com/jbctechsolutions/prguard/internal/infrastructure/storage"
	"github.com/jbctechsolutions/prguard/internal/infrastructure/tracing"
)

// Options are the container's inputs besides the configuration. Zero values
// select production collaborators.
type Options struct {
	Version    string
	ConfigPath string // Watched for policy hot reload when non-empty
	ConfigDir  string // Holds the encryption salt; defaults to ~/.prguard
	Verbose    bool   // Raise the log level to debug
	Getenv     func(string) string
	LogOutput  io.Writer // Defaults to stderr; stdout carries the protocol

	Provisioner ports.ProvisionerPort
	Host        ports.ChangeRequestHostPort
	Decider     ports.DeciderPort
	Clock       ports.Clock
}

// Container holds all application dependencies and provides a central
// point for dependency injection. It manages the lifecycle of services
// and ensures proper initialization order.
type Container struct {
	config *config.Config
	opts   Options

	logger  *logging.Logger
	tracer  *tracing.Tracer
	metrics *metrics.Collectors
	secrets []string

	policy     *policy.Engine
	store      ports.LedgerStoragePort
	ledger     *ledger.Service
	workspaces *workspace.Registry
	gate       *approval.Gate
	tools      *tools.Registry
	sweeper    *workspace.Sweeper
	server     *adapterMCP.Server

	watcher       *config.Watcher
	metricsServer *metrics.Server

	closeOnce sync.Once
	closeErr  error
}

// NewContainer creates a new dependency injection container with all services
// initialized based on the provided configuration.
func NewContainer(ctx context.Context, cfg *config.Config, opts Options) (*Container, error) {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.LogOutput == nil {
		opts.LogOutput = os.Stderr
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c := &Container{config: cfg, opts: opts}
	c.initObservability(ctx)

	token, err := c.resolveToken()
	if err != nil {
		return nil, err
	}
	c.secrets = cfg.Secrets.Values(opts.Getenv)
	if token != "" && !slices.Contains(c.secrets, token) {
		c.secrets = append(c.secrets, token)
	}
	c.policy = policy.NewEngine(PolicySettings(cfg, c.secrets))

	if err := c.initLedger(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize ledger: %w", err)
	}
	if err := c.initServices(token); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	return c, nil
}

func (c *Container) initObservability(ctx context.Context) {
	lc := logging.DefaultConfig()
	lc.Level = logging.Level(c.config.Logging.Level)
	lc.Format = logging.Format(c.config.Logging.Format)
	lc.Output = c.opts.LogOutput
	if c.opts.Verbose {
		lc.Level = logging.LevelDebug
	}
	c.logger = logging.New(lc)

	if c.config.Observability.Metrics.Enabled {
		c.metrics = metrics.New()
	}

	tc := c.config.Observability.Tracing
	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:      tc.Enabled,
		ExporterType: tracing.ExporterType(tc.ExporterType),
		OTLPEndpoint: tc.OTLPEndpoint,
		ServiceName:  tc.ServiceName,
		SampleRate:   tc.SampleRate,
		Output:       c.opts.LogOutput,
	})
	if err != nil {
		c.logger.Warn("tracing disabled", "error", err)
		tracer = tracing.Noop()
	}
	c.tracer = tracer
}

// resolveToken returns the hosting token, or "" when none is configured.
func (c *Container) resolveToken() (string, error) {
	var dec config.Decrypter
	if c.config.GitHub.TokenEncrypted != "" {
		dir, err := c.configDir()
		if err != nil {
			return "", err
		}
		enc, err := crypto.NewEncryptor(dir)
		if err != nil {
			return "", fmt.Errorf("failed to initialize encryption: %w", err)
		}
		dec = enc
	}
	token, err := c.config.GitHub.ResolveToken(c.opts.Getenv, dec)
	if errors.Is(err, config.ErrNoGitHubToken) {
		c.logger.Warn("no github token configured; fork, push and pull request tools will fail")
		return "", nil
	}
	return token, err
}

func (c *Container) configDir() (string, error) {
	if c.opts.ConfigDir != "" {
		return c.opts.ConfigDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".prguard"), nil
}

func (c *Container) initLedger(ctx context.Context) error {
	store, err := OpenLedgerStore(c.config.Ledger)
	if err != nil {
		return err
	}
	svc, err := ledger.NewService(ctx, store, c.policy, c.opts.Clock)
	if err != nil {
		_ = store.Close()
		return err
	}
	c.store = store
	c.ledger = svc
	return nil
}

// OpenLedgerStore opens the configured ledger store.
func OpenLedgerStore(cfg config.LedgerConfig) (ports.LedgerStoragePort, error) {
	switch cfg.Driver {
	case "memory", "":
		return storage.NewMemoryLedger(), nil
	case "sqlite":
		path, err := config.ExpandHome(cfg.Path)
		if err != nil {
			return nil, err
		}
		conn, err := sqlite.NewConnection(path)
		if err != nil {
			return nil, err
		}
		if err := conn.Open(); err != nil {
			return nil, err
		}
		db, err := conn.DB()
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		return storage.NewLedgerRepository(db, conn.Close), nil
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
	}
}

func (c *Container) initServices(token string) error {
	cfg := c.config

	prov := c.opts.Provisioner
	if prov == nil {
		root, err := config.ExpandHome(cfg.Workspace.RootDir)
		if err != nil {
			return err
		}
		p, err := local.NewProvisioner(local.Config{
			Root:     root,
			Token:    token,
			Username: cfg.GitHub.Username,
		})
		if err != nil {
			return fmt.Errorf("failed to prepare workspace root: %w", err)
		}
		prov = p
	}

	c.workspaces = workspace.NewRegistry(workspace.Config{
		DefaultTTL:         cfg.Workspace.DefaultTTL,
		MaxTTL:             cfg.Workspace.MaxTTL,
		LockWaitTimeout:    cfg.Workspace.LockWaitTimeout,
		ProvisionTimeout:   cfg.Workspace.ProvisionTimeout,
		TeardownTimeout:    cfg.Workspace.TeardownTimeout,
		TombstoneRetention: cfg.Workspace.TombstoneRetention,
		CommandTimeout:     cfg.Policy.CommandTimeout,
		MaxCommandTimeout:  cfg.Policy.MaxCommandTimeout,
		KillGrace:          cfg.Policy.KillGrace,
		MaxOutputBytes:     cfg.Policy.MaxOutputBytes,
	}, prov, c.policy, c.ledger, workspace.Options{
		Clock:   c.opts.Clock,
		Logger:  c.logger,
		Metrics: c.metrics,
		Tracer:  c.tracer,
	})

	dec := c.opts.Decider
	if dec == nil {
		d, err := decider.New(cfg.Approval.Decider)
		if err != nil {
			return err
		}
		dec = d
	}
	c.gate = approval.NewGate(approval.Config{
		TokenTTL:       cfg.Approval.TokenTTL,
		AutoCloseVerbs: cfg.Approval.AutoCloseVerbs,
	}, c.policy, dec, c.ledger, approval.Options{
		Clock:   c.opts.Clock,
		Logger:  c.logger,
		Metrics: c.metrics,
	})

	host := c.opts.Host
	if host == nil {
		host = github.NewClient(github.Config{
			APIURL:     cfg.GitHub.APIURL,
			Token:      token,
			Username:   cfg.GitHub.Username,
			Timeout:    cfg.GitHub.Timeout,
			MaxRetries: cfg.GitHub.MaxRetries,
		}, github.WithTracer(c.tracer))
	}

	reg, err := tools.NewRegistry(tools.Deps{
		Workspaces: c.workspaces,
		Gate:       c.gate,
		Ledger:     c.ledger,
		Policy:     c.policy,
		Branches:   branch.NewStrategy(cfg.Policy.BranchPrefix),
		Host:       host,
	})
	if err != nil {
		return err
	}
	c.tools = reg

	c.sweeper = workspace.NewSweeper(c.workspaces, c.gate, cfg.Workspace.SweepInterval)
	c.server = adapterMCP.NewServer(c.tools, adapterMCP.Options{
		Name:               cfg.Server.Name,
		Version:            c.opts.Version,
		MaxConcurrentCalls: cfg.Server.MaxConcurrentCalls,
		Logger:             c.logger,
		Metrics:            c.metrics,
		Tracer:             c.tracer,
	})
	return nil
}

// PolicySettings derives the reloadable policy from cfg.
func PolicySettings(cfg *config.Config, secrets []string) policy.Settings {
	rules := policy.DefaultRules()
	rules.SafeExecutables = append(rules.SafeExecutables, cfg.Policy.ExtraExecutables...)
	rules.ExpertExecutables = append(rules.ExpertExecutables, cfg.Policy.ExpertExecutables...)
	rules.AllowedCompounds = append(rules.AllowedCompounds, cfg.Policy.AllowedCompounds...)
	return policy.Settings{
		Rules:         rules,
		Limits:        policy.Limits{MaxFiles: cfg.Policy.MaxChangedFiles, MaxLines: cfg.Policy.MaxPatchLines},
		Repos:         policy.NewRepoAllowlist(cfg.GitHub.EffectiveAllowedRepos(), cfg.GitHub.Username),
		Secrets:       secrets,
		TokenPatterns: cfg.Policy.TokenPatterns,
	}
}

// Start launches the sweeper, the metrics listener and the config watcher.
func (c *Container) Start(ctx context.Context) error {
	if err := c.sweeper.Start(ctx); err != nil {
		return err
	}
	if addr := c.config.Observability.Metrics.Listen; addr != "" && c.metrics != nil {
		srv, err := c.metrics.Listen(addr)
		if err != nil {
			return fmt.Errorf("failed to start metrics listener: %w", err)
		}
		c.metricsServer = srv
		c.logger.Info("metrics listening", "addr", srv.Addr())
	}
	if c.opts.ConfigPath != "" {
		if _, err := os.Stat(c.opts.ConfigPath); err == nil {
			if err := c.watch(ctx); err != nil {
				return err
			}
		}
	}
	c.record(ctx, domainLedger.ActionServerStarted, map[string]any{
		"version": c.opts.Version,
		"decider": c.gate.Decider(),
	})
	return nil
}

func (c *Container) watch(ctx context.Context) error {
	loader, err := config.NewLoader(filepath.Dir(c.opts.ConfigPath))
	if err != nil {
		return err
	}
	w, err := config.NewWatcher(c.opts.ConfigPath, loader, config.DefaultReloadDebounce,
		func(next *config.Config) { c.Reload(ctx, next) },
		func(err error) { c.logger.Warn("config reload rejected", "error", err) },
	)
	if err != nil {
		return fmt.Errorf("failed to watch config: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	c.watcher = w
	return nil
}

// Reload applies the hot-reloadable parts of next: command policy, limits,
// repository allowlist, approval settings and log level. Workspace root,
// ledger and server settings need a restart.
func (c *Container) Reload(ctx context.Context, next *config.Config) {
	config.ApplyEnv(next, c.opts.Getenv)
	if err := next.Validate(); err != nil {
		c.logger.Warn("config reload rejected", "error", err)
		return
	}
	c.policy.Apply(PolicySettings(next, c.secrets))
	c.workspaces.SetCommandLimits(workspace.CommandLimits{
		CommandTimeout:    next.Policy.CommandTimeout,
		MaxCommandTimeout: next.Policy.MaxCommandTimeout,
		KillGrace:         next.Policy.KillGrace,
		MaxOutputBytes:    next.Policy.MaxOutputBytes,
	})
	c.gate.Reconfigure(approval.Config{
		TokenTTL:       next.Approval.TokenTTL,
		AutoCloseVerbs: next.Approval.AutoCloseVerbs,
	})
	if !c.opts.Verbose {
		c.logger.SetLevel(logging.Level(next.Logging.Level))
	}
	c.logger.Info("configuration reloaded")
	c.record(ctx, domainLedger.ActionConfigReloaded, map[string]any{
		"max_changed_files": next.Policy.MaxChangedFiles,
		"max_patch_lines":   next.Policy.MaxPatchLines,
		"allowed_repos":     next.GitHub.EffectiveAllowedRepos(),
	})
}

func (c *Container) record(ctx context.Context, action string, payload any) {
	if _, err := c.ledger.Append(ctx, "", action, payload); err != nil {
		c.logger.Warn("ledger append failed", "action", action, "error", err)
	}
}

// Close releases every resource: live workspaces are torn down, then the
// ledger is closed. Later calls return the first result.
func (c *Container) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.close() })
	return c.closeErr
}

func (c *Container) close() error {
	ctx := context.Background()
	var errs []error
	if c.watcher != nil {
		errs = append(errs, c.watcher.Close())
	}
	if c.sweeper != nil {
		c.sweeper.Stop()
	}
	if c.workspaces != nil {
		c.workspaces.Shutdown(ctx)
	}
	if c.metricsServer != nil {
		errs = append(errs, c.metricsServer.Shutdown(ctx))
	}
	if c.tracer != nil {
		errs = append(errs, c.tracer.Shutdown(ctx))
	}
	if c.store != nil {
		errs = append(errs, c.store.Close())
	}
	return errors.Join(errs...)
}

// Config returns the configuration.
func (c *Container) Config() *config.Config { return c.config }

// Logger returns the logger.
func (c *Container) Logger() *logging.Logger { return c.logger }

// Policy returns the policy engine.
func (c *Container) Policy() *policy.Engine { return c.policy }

// Ledger returns the run ledger service.
func (c *Container) Ledger() *ledger.Service { return c.ledger }

// Workspaces returns the workspace registry.
func (c *Container) Workspaces() *workspace.Registry { return c.workspaces }

// Gate returns the approval gate.
func (c *Container) Gate() *approval.Gate { return c.gate }

// Tools returns the tool registry.
func (c *Container) Tools() *tools.Registry { return c.tools }

// Server returns the stdio tool server.
func (c *Container) Server() *adapterMCP.Server { return c.server }

// Metrics returns the collectors, or nil when metrics are disabled.
func (c *Container) Metrics() *metrics.Collectors { return c.metrics }
