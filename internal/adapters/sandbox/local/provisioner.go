// Package local provisions workspace environments as private directories on
// the host, running each command as a supervised process group.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jbctechsolutions/prguard/internal/application/ports"
	"github.com/jbctechsolutions/prguard/internal/domain/workspace"
	"github.com/jbctechsolutions/prguard/internal/infrastructure/security"
)

// askpassScript answers git's credential prompts from the environment.
const askpassScript = `#!/bin/sh
case "$1" in
  Username*) printf '%s\n' "${PRGUARD_GIT_USERNAME:-x-access-token}" ;;
  *) printf '%s\n' "$PRGUARD_GIT_PASSWORD" ;;
esac
`

// Config configures the provisioner.
type Config struct {
	Root        string // Directory holding every workspace; created if missing
	Token       string // Git hosting token exposed to credentialed git runs
	Username    string // Git hosting account used for HTTPS auth
	AuthorName  string
	AuthorEmail string
	Path        string // PATH for child processes; defaults to the server's PATH
}

// Provisioner creates one directory per workspace under Config.Root.
type Provisioner struct {
	cfg       Config
	validator *security.PathValidator

	mu   sync.Mutex
	envs map[string]*Environment
}

var _ ports.ProvisionerPort = (*Provisioner)(nil)

// NewProvisioner prepares the workspace root.
func NewProvisioner(cfg Config) (*Provisioner, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	v, err := security.NewPathValidator(root)
	if err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		cfg.Path = os.Getenv("PATH")
	}
	if cfg.AuthorName == "" {
		cfg.AuthorName = "prguard"
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = "prguard@localhost"
	}
	cfg.Root = v.Root()
	return &Provisioner{cfg: cfg, validator: v, envs: make(map[string]*Environment)}, nil
}

// Provision creates the workspace directory, its private HOME and the askpass
// helper.
func (p *Provisioner) Provision(ctx context.Context, id string, mode workspace.Mode) (ports.EnvironmentPort, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return nil, fmt.Errorf("invalid workspace id %q", id)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := filepath.Join(p.cfg.Root, id)
	if err := p.validator.ValidateForDeletion(dir); err != nil {
		return nil, err
	}
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}
	meta := filepath.Join(dir, metaDir)
	for _, d := range []string{filepath.Join(meta, "home"), filepath.Join(meta, "tmp")} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("failed to prepare workspace: %w", err)
		}
	}
	askpass := filepath.Join(meta, "askpass.sh")
	if err := os.WriteFile(askpass, []byte(askpassScript), 0o700); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to write askpass helper: %w", err)
	}

	env := newEnvironment(p, id, dir, mode, askpass)
	p.mu.Lock()
	p.envs[id] = env
	p.mu.Unlock()
	return env, nil
}

// Teardown kills anything still running in the workspace and removes its
// directory. Unknown ids are not an error.
func (p *Provisioner) Teardown(ctx context.Context, id string) error {
	p.mu.Lock()
	env := p.envs[id]
	delete(p.envs, id)
	p.mu.Unlock()
	if env != nil {
		env.close()
	}

	dir := filepath.Join(p.cfg.Root, id)
	if err := p.validator.ValidateForDeletion(dir); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove workspace directory: %w", err)
	}
	return nil
}

// Root returns the directory holding every workspace.
func (p *Provisioner) Root() string {
	return p.cfg.Root
}
