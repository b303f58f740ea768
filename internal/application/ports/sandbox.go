package ports

import (
	"context"
	"time"

	"github.com/jbctechsolutions/prguard/internal/domain/workspace"
)

// ExecRequest describes one process run inside a workspace environment.
type ExecRequest struct {
	Argv      []string      // Program and arguments, no shell interpretation
	Dir       string        // Working directory relative to the environment root
	Timeout   time.Duration // Supervisory timeout
	KillGrace time.Duration // Upper bound on reaping a killed process group
	MaxOutput int           // Raw capture cap per stream in bytes
	Stdin     []byte        // Optional standard input

	// Credentials exposes the Git hosting token to the process through an
	// askpass helper. Only internal git runs set it.
	Credentials bool
}

// ExecResult is the raw, unredacted outcome of an ExecRequest.
type ExecResult struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Duration  time.Duration
	TimedOut  bool
	Truncated bool
}

// EnvironmentPort is a provisioned, isolated execution environment.
type EnvironmentPort interface {
	// Exec runs a process and blocks until it exits or is killed.
	// A non-zero exit status is reported in the result, not as an error.
	Exec(ctx context.Context, req ExecRequest) (ExecResult, error)

	// ReadFile reads a file relative to the environment root.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile writes a file relative to the environment root,
	// creating parent directories as needed.
	WriteFile(ctx context.Context, path string, data []byte) error
}

// ProvisionerPort creates and releases environments.
type ProvisionerPort interface {
	// Provision creates the environment for a workspace id.
	Provision(ctx context.Context, id string, mode workspace.Mode) (EnvironmentPort, error)

	// Teardown releases every resource held for id. It must be safe to call
	// more than once.
	Teardown(ctx context.Context, id string) error
}
