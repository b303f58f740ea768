package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/jbctechsolutions/prguard/internal/application/ports"
	"github.com/jbctechsolutions/prguard/internal/domain/workspace"
	"github.com/jbctechsolutions/prguard/internal/infrastructure/process"
)

// metaDir holds the private HOME, TMPDIR and askpass helper of a workspace.
const metaDir = ".prguard"

// NotFoundExitCode is reported when the executable does not exist.
const NotFoundExitCode = 127

// maxFileBytes caps file reads.
const maxFileBytes = 8 << 20

// Environment is one workspace directory.
type Environment struct {
	p       *Provisioner
	id      string
	dir     string
	mode    workspace.Mode
	askpass string

	life   context.Context
	cancel context.CancelFunc
}

var _ ports.EnvironmentPort = (*Environment)(nil)

func newEnvironment(p *Provisioner, id, dir string, mode workspace.Mode, askpass string) *Environment {
	life, cancel := context.WithCancel(context.Background())
	return &Environment{p: p, id: id, dir: dir, mode: mode, askpass: askpass, life: life, cancel: cancel}
}

// close kills running commands.
func (e *Environment) close() {
	e.cancel()
}

// Dir returns the workspace directory.
func (e *Environment) Dir() string {
	return e.dir
}

// Exec runs req.Argv with a minimal environment. Commands run on a pseudo
// terminal in desktop mode.
func (e *Environment) Exec(ctx context.Context, req ports.ExecRequest) (ports.ExecResult, error) {
	if len(req.Argv) == 0 {
		return ports.ExecResult{}, process.ErrEmptyCommand
	}
	if e.life.Err() != nil {
		return ports.ExecResult{}, errors.New("workspace environment has been torn down")
	}

	dir, err := e.resolve(req.Dir)
	if err != nil {
		return ports.ExecResult{}, err
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return ports.ExecResult{ExitCode: 1, Stderr: fmt.Sprintf("working directory %s does not exist\n", req.Dir)}, nil
	}

	env := e.environ(req.Credentials)
	if _, err := lookPath(req.Argv[0], env); err != nil {
		return ports.ExecResult{
			ExitCode: NotFoundExitCode,
			Stderr:   fmt.Sprintf("%s: command not found\n", req.Argv[0]),
		}, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.life, cancel)
	defer stop()

	var stdin io.Reader
	if req.Stdin != nil {
		stdin = bytes.NewReader(req.Stdin)
	}
	res, err := process.Run(runCtx, process.Spec{
		Argv:      req.Argv,
		Dir:       dir,
		Env:       env,
		Stdin:     stdin,
		Timeout:   req.Timeout,
		KillGrace: req.KillGrace,
		MaxOutput: req.MaxOutput,
		PTY:       e.mode == workspace.ModeDesktop,
	})
	if err != nil {
		return ports.ExecResult{}, err
	}
	return ports.ExecResult{
		ExitCode:  res.ExitCode,
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		Duration:  res.Duration,
		TimedOut:  res.TimedOut,
		Truncated: res.Truncated,
	}, nil
}

// ReadFile reads a file below the workspace directory.
func (e *Environment) ReadFile(_ context.Context, path string) ([]byte, error) {
	full, err := e.resolve(path)
	if err != nil {
		return nil, err
	}
	if err := e.guardMeta(full); err != nil {
		return nil, err
	}
	fi, err := os.Stat(full)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if fi.Size() > maxFileBytes {
		return nil, fmt.Errorf("%s is larger than %d bytes", path, maxFileBytes)
	}
	return os.ReadFile(full)
}

// WriteFile writes a file below the workspace directory.
func (e *Environment) WriteFile(_ context.Context, path string, data []byte) error {
	full, err := e.resolve(path)
	if err != nil {
		return err
	}
	if err := e.guardMeta(full); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}

func (e *Environment) resolve(rel string) (string, error) {
	if rel == "" {
		rel = "."
	}
	return e.p.validator.Resolve(e.dir, filepath.FromSlash(rel))
}

func (e *Environment) guardMeta(full string) error {
	meta := filepath.Join(e.dir, metaDir)
	if full == meta || strings.HasPrefix(full, meta+string(filepath.Separator)) {
		return errors.New("path is reserved")
	}
	return nil
}

// environ builds the child environment. Nothing is inherited from the server
// except PATH.
func (e *Environment) environ(credentials bool) []string {
	cfg := e.p.cfg
	meta := filepath.Join(e.dir, metaDir)
	env := []string{
		"PATH=" + cfg.Path,
		"HOME=" + filepath.Join(meta, "home"),
		"TMPDIR=" + filepath.Join(meta, "tmp"),
		"LANG=C.UTF-8",
		"GIT_TERMINAL_PROMPT=0",
		"GIT_CONFIG_NOSYSTEM=1",
		"GIT_AUTHOR_NAME=" + cfg.AuthorName,
		"GIT_AUTHOR_EMAIL=" + cfg.AuthorEmail,
		"GIT_COMMITTER_NAME=" + cfg.AuthorName,
		"GIT_COMMITTER_EMAIL=" + cfg.AuthorEmail,
	}
	if e.mode == workspace.ModeDesktop {
		env = append(env, "TERM=xterm-256color")
	} else {
		env = append(env, "TERM=dumb")
	}
	if credentials && cfg.Token != "" {
		env = append(env,
			"GIT_ASKPASS="+e.askpass,
			"PRGUARD_GIT_PASSWORD="+cfg.Token,
		)
		if cfg.Username != "" {
			env = append(env, "PRGUARD_GIT_USERNAME="+cfg.Username)
		}
	}
	return env
}

// lookPath resolves name against the child's PATH rather than the server's.
func lookPath(name string, env []string) (string, error) {
	if strings.Contains(name, "/") {
		return exec.LookPath(name)
	}
	var path string
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			path = v
		}
	}
	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			dir = "."
		}
		candidate := filepath.Join(dir, name)
		if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() && fi.Mode()&0o111 != 0 {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s: %w", name, exec.ErrNotFound)
}
