package tools

import (
	"context"
	"time"

	"github.com/jbctechsolutions/prguard/internal/application/workspace"
	domainLedger "github.com/jbctechsolutions/prguard/internal/domain/ledger"
	"github.com/jbctechsolutions/prguard/internal/domain/policy"
)

type workspaceCreateArgs struct {
	Mode       string `json:"mode" validate:"omitempty,oneof=code desktop" desc:"Environment kind; defaults to code"`
	TTLMinutes int    `json:"ttl_minutes" validate:"gte=0" desc:"Lifetime in minutes; 0 selects the configured default"`
}

type workspaceRef struct {
	WorkspaceID string `json:"workspace_id" validate:"required,max=64"`
}

type commandRunArgs struct {
	WorkspaceID string `json:"workspace_id" validate:"required,max=64"`
	Command     string `json:"command" validate:"required,max=4096"`
	Cwd         string `json:"cwd" desc:"Working directory relative to the repository"`
	Timeout     int    `json:"timeout" validate:"gte=0,lte=86400" desc:"Timeout in seconds; 0 selects the configured default"`
	Mode        string `json:"mode" validate:"omitempty,oneof=safe expert"`
}

type fileReadArgs struct {
	WorkspaceID string `json:"workspace_id" validate:"required,max=64"`
	Path        string `json:"path" validate:"required,max=1024" desc:"Path relative to the repository"`
}

type fileWriteArgs struct {
	WorkspaceID string `json:"workspace_id" validate:"required,max=64"`
	Path        string `json:"path" validate:"required,max=1024" desc:"Path relative to the repository"`
	Content     string `json:"content"`
}

type workspaceView struct {
	WorkspaceID string    `json:"workspace_id"`
	Mode        string    `json:"mode"`
	State       string    `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	TTLMinutes  int       `json:"ttl_minutes"`
	Repository  string    `json:"repository,omitempty"`
	Fork        string    `json:"fork,omitempty"`
	BaseBranch  string    `json:"base_branch,omitempty"`
}

type commandView struct {
	workspace.CommandResult
	DurationMS int64 `json:"duration_ms"`
}

func (r *Registry) workspaceCreate(ctx context.Context, args workspaceCreateArgs) (any, error) {
	mode := args.Mode
	if mode == "" {
		mode = "code"
	}
	ws, err := r.deps.Workspaces.Create(ctx, mode, args.TTLMinutes)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"workspace_id": ws.ID,
		"mode":         ws.Mode,
		"state":        ws.State,
		"created_at":   ws.CreatedAt.UTC(),
		"expires_at":   ws.ExpiresAt.UTC(),
		"ttl_minutes":  ws.TTLMinutes(),
	}, nil
}

func (r *Registry) workspaceGet(_ context.Context, args workspaceRef) (any, error) {
	ws, err := r.deps.Workspaces.Get(args.WorkspaceID)
	if err != nil {
		return nil, err
	}
	return workspaceView{
		WorkspaceID: ws.ID,
		Mode:        string(ws.Mode),
		State:       string(ws.State),
		CreatedAt:   ws.CreatedAt.UTC(),
		ExpiresAt:   ws.ExpiresAt.UTC(),
		TTLMinutes:  ws.TTLMinutes(),
		Repository:  ws.Repository,
		Fork:        ws.Fork,
		BaseBranch:  ws.BaseBranch,
	}, nil
}

func (r *Registry) workspaceDestroy(ctx context.Context, args workspaceRef) (any, error) {
	return map[string]bool{"destroyed": r.deps.Workspaces.Destroy(ctx, args.WorkspaceID)}, nil
}

func (r *Registry) commandRun(ctx context.Context, args commandRunArgs) (any, error) {
	res, err := r.deps.Workspaces.Execute(ctx, args.WorkspaceID, workspace.CommandRequest{
		Command: args.Command,
		Cwd:     args.Cwd,
		Timeout: time.Duration(args.Timeout) * time.Second,
		Mode:    policy.ExecMode(args.Mode),
	})
	if err != nil {
		return nil, err
	}
	return commandView{CommandResult: res, DurationMS: res.Duration.Milliseconds()}, nil
}

func (r *Registry) fileRead(ctx context.Context, args fileReadArgs) (any, error) {
	content, err := r.deps.Workspaces.ReadFile(ctx, args.WorkspaceID, args.Path)
	if err != nil {
		return nil, err
	}
	return map[string]string{"content": content}, nil
}

func (r *Registry) fileWrite(ctx context.Context, args fileWriteArgs) (any, error) {
	if err := r.deps.Workspaces.WriteFile(ctx, args.WorkspaceID, args.Path, args.Content); err != nil {
		return nil, err
	}
	return map[string]bool{"written": true}, nil
}

func (r *Registry) ledgerRead(ctx context.Context, args workspaceRef) (any, error) {
	records, err := r.deps.Ledger.Records(ctx, args.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []domainLedger.Record{}
	}
	return map[string]any{"records": records}, nil
}
