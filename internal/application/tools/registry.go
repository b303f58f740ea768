// Package tools implements the closed set of tools served to the client. Each
// tool decodes its arguments into a typed struct, validates it and delegates
// to the workspace registry, the approval gate or the ledger.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/jbctechsolutions/prguard/internal/application/approval"
	"github.com/jbctechsolutions/prguard/internal/application/ledger"
	"github.com/jbctechsolutions/prguard/internal/application/ports"
	"github.com/jbctechsolutions/prguard/internal/application/workspace"
	"github.com/jbctechsolutions/prguard/internal/domain/branch"
	domainErrors "github.com/jbctechsolutions/prguard/internal/domain/errors"
	domainMCP "github.com/jbctechsolutions/prguard/internal/domain/mcp"
	"github.com/jbctechsolutions/prguard/internal/domain/policy"
)

// Policy is the subset of the policy engine the tools need.
type Policy interface {
	EnforceLimits(unified string) (policy.DiffStats, error)
	Redact(text string) string
	Repos() policy.RepoAllowlist
}

// Deps are the collaborators behind the tools.
type Deps struct {
	Workspaces *workspace.Registry
	Gate       *approval.Gate
	Ledger     *ledger.Service
	Policy     Policy
	Branches   branch.Strategy
	Host       ports.ChangeRequestHostPort
}

// Handler runs a tool against raw JSON arguments.
type Handler func(ctx context.Context, raw json.RawMessage) (any, error)

// Tool is one entry of the registry.
type Tool struct {
	Name        string
	Description string
	Annotations *domainMCP.ToolAnnotations
	Schema      json.RawMessage
	handler     Handler
}

// Definition returns the tools/list representation.
func (t *Tool) Definition() domainMCP.ToolDefinition {
	return domainMCP.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: t.Schema,
		Annotations: t.Annotations,
	}
}

// Registry is the closed set of tools.
type Registry struct {
	deps     Deps
	validate *validator.Validate
	tools    map[string]*Tool
}

// NewRegistry builds the registry with every tool.
func NewRegistry(deps Deps) (*Registry, error) {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.Split(f.Tag.Get("json"), ",")[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("slug", validateSlug); err != nil {
		return nil, fmt.Errorf("failed to register slug validation: %w", err)
	}

	r := &Registry{deps: deps, validate: v, tools: make(map[string]*Tool)}
	for _, t := range r.definitions() {
		if err := r.add(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) add(t *Tool) error {
	if err := domainMCP.ValidateToolName(t.Name); err != nil {
		return err
	}
	if _, dup := r.tools[t.Name]; dup {
		return fmt.Errorf("tool %s registered twice", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// List returns the tool definitions sorted by name.
func (r *Registry) List() []domainMCP.ToolDefinition {
	out := make([]domainMCP.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Definition())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the named tool.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Call runs the named tool.
func (r *Registry) Call(ctx context.Context, name string, raw json.RawMessage) (any, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, domainErrors.Newf(domainErrors.KindInvalidArgument, "%v: %s", domainMCP.ErrToolNotFound, name)
	}
	return t.handler(ctx, raw)
}

// ErrorBody is the client-visible form of a failed call.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

// Outcome is the body of a tools/call response: exactly one of Result and
// Error is set.
type Outcome struct {
	Result any        `json:"result,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
}

// Invoke runs the named tool and folds any error into a redacted Outcome.
func (r *Registry) Invoke(ctx context.Context, name string, raw json.RawMessage) Outcome {
	res, err := r.Call(ctx, name, raw)
	if err != nil {
		return Outcome{Error: r.errorBody(err)}
	}
	if res == nil {
		res = map[string]any{}
	}
	return Outcome{Result: res}
}

func (r *Registry) errorBody(err error) *ErrorBody {
	var coded *domainErrors.Error
	if !stdErrors.As(err, &coded) {
		coded = domainErrors.Wrap(domainErrors.KindInternal, "internal error", err)
	}
	msg := coded.Message
	if msg == "" {
		msg = string(coded.Kind)
	}
	// Backend and internal failures carry their cause.
	if coded.Cause != nil && (coded.Kind == domainErrors.KindBackendUnavailable || coded.Kind == domainErrors.KindInternal) {
		msg += ": " + coded.Cause.Error()
	}
	return &ErrorBody{
		Kind:    string(coded.Kind),
		Reason:  string(coded.Reason),
		Message: r.deps.Policy.Redact(msg),
	}
}

// bind adapts a typed handler: arguments are decoded strictly and validated
// before fn runs.
func bind[T any](r *Registry, fn func(ctx context.Context, args T) (any, error)) Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args T
		if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
			dec := json.NewDecoder(bytes.NewReader(trimmed))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&args); err != nil {
				return nil, domainErrors.Wrap(domainErrors.KindInvalidArgument, "invalid arguments: "+err.Error(), err)
			}
		}
		if err := r.validate.Struct(args); err != nil {
			return nil, validationError(err)
		}
		return fn(ctx, args)
	}
}

// tool builds a Tool whose schema is derived from T.
func tool[T any](r *Registry, name, desc string, ann *domainMCP.ToolAnnotations, fn func(ctx context.Context, args T) (any, error)) *Tool {
	return &Tool{
		Name:        name,
		Description: desc,
		Annotations: ann,
		Schema:      schemaFor(reflect.TypeFor[T]()),
		handler:     bind(r, fn),
	}
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !stdErrors.As(err, &verrs) {
		return domainErrors.Wrap(domainErrors.KindInvalidArgument, "invalid arguments", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", field, fe.Param()))
		case "slug":
			msgs = append(msgs, field+" must be owner/name")
		default:
			if fe.Param() != "" {
				msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
			} else {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
			}
		}
	}
	return domainErrors.Wrap(domainErrors.KindInvalidArgument, "invalid arguments: "+strings.Join(msgs, "; "), err)
}

func validateSlug(fl validator.FieldLevel) bool {
	_, _, err := policy.ParseSlug(fl.Field().String())
	return err == nil
}

var (
	readOnly    = &domainMCP.ToolAnnotations{ReadOnlyHint: true}
	destructive = &domainMCP.ToolAnnotations{DestructiveHint: true}
	external    = &domainMCP.ToolAnnotations{DestructiveHint: true, OpenWorldHint: true}
	lookup      = &domainMCP.ToolAnnotations{ReadOnlyHint: true, OpenWorldHint: true}
)

func (r *Registry) definitions() []*Tool {
	return []*Tool{
		tool(r, "workspace.create", "Provision an ephemeral workspace.", nil, r.workspaceCreate),
		tool(r, "workspace.get", "Describe a workspace.", readOnly, r.workspaceGet),
		tool(r, "workspace.destroy", "Destroy a workspace and release its environment.", destructive, r.workspaceDestroy),
		tool(r, "command.run", "Run an allowlisted command inside the repository checkout.", nil, r.commandRun),
		tool(r, "file.read", "Read a repository file. Secrets are redacted.", readOnly, r.fileRead),
		tool(r, "file.write", "Write a repository file.", nil, r.fileWrite),
		tool(r, "patch.apply", "Apply a unified diff within the change-size limits.", nil, r.patchApply),
		tool(r, "repo.clone", "Fork an allowlisted repository and clone the fork with an upstream remote.", external, r.repoClone),
		tool(r, "repo.diff", "Show the working tree changes against a base ref.", readOnly, r.repoDiff),
		tool(r, "repo.search", "Search repository files for literal text. Secrets are redacted.", readOnly, r.repoSearch),
		tool(r, "repo.branch.create_or_reuse", "Check out a work branch, reusing or renaming on collision.", nil, r.branchCreateOrReuse),
		tool(r, "repo.commit", "Stage all changes and commit them.", nil, r.repoCommit),
		tool(r, "repo.push", "Push the approved branch to the fork. Consumes the push approval.", external, r.repoPush),
		tool(r, "project.detect", "Detect the project type and its default check commands.", readOnly, r.projectDetect),
		tool(r, "deps.install", "Install dependencies from the repository's manifest.", nil, r.depsInstall),
		tool(r, "qa.test", "Run the test suite and list failing tests.", nil, r.qaTest),
		tool(r, "qa.lint", "Run the linter.", nil, r.qaLint),
		tool(r, "qa.typecheck", "Run the type checker.", nil, r.qaTypecheck),
		tool(r, "qa.format", "Run the formatter.", nil, r.qaFormat),
		tool(r, "qa.precommit", "Run pre-commit hooks when the repository configures them.", nil, r.qaPrecommit),
		tool(r, "qa.report", "Compare failing tests before and after a change.", readOnly, r.qaReport),
		tool(r, "issue.get", "Fetch an issue of an allowlisted repository.", lookup, r.issueGet),
		tool(r, "change_request.find_for_issue", "List change requests that mention an issue.", lookup, r.changeRequestsForIssue),
		tool(r, "change_request.draft", "Render a change request body.", readOnly, r.changeRequestDraft),
		tool(r, "change_request.open", "Open a change request from the fork. Consumes the open_pr approval.", external, r.changeRequestOpen),
		tool(r, "approval.request", "Submit an evidence bundle for approval.", nil, r.approvalRequest),
		tool(r, "ledger.read", "Return the ledger records of a workspace.", readOnly, r.ledgerRead),
	}
}
