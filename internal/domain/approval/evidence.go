// Package approval models evidence bundles, the compliance rules applied to them
// and the scoped tokens that gate irreversible actions.
package approval

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jbctechsolutions/prguard/internal/domain/branch"
	"github.com/jbctechsolutions/prguard/internal/domain/errors"
)

// ActionKind is an irreversible action a token can authorise.
type ActionKind string

const (
	ActionPush   ActionKind = "push"
	ActionOpenPR ActionKind = "open_pr"
)

// AllActions lists every action a token authorises.
var AllActions = []ActionKind{ActionPush, ActionOpenPR}

// ParseActionKind converts a string to an ActionKind.
func ParseActionKind(s string) (ActionKind, error) {
	switch ActionKind(s) {
	case ActionPush, ActionOpenPR:
		return ActionKind(s), nil
	default:
		return "", fmt.Errorf("unknown action %q: must be one of push, open_pr", s)
	}
}

// CheckResult is the outcome of one verification step reported by the client.
type CheckResult struct {
	Passed  bool   `json:"passed"`
	Command string `json:"command,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// Evidence is the bundle presented for approval.
type Evidence struct {
	WorkspaceID string                 `json:"workspace_id,omitempty"`
	Summary     string                 `json:"summary"`
	UnifiedDiff string                 `json:"unified_diff"`
	Checks      map[string]CheckResult `json:"checks"`
	BranchPlan  branch.Plan            `json:"branch_plan"`
	PRTitle     string                 `json:"pr_title,omitempty"`
	PRBody      string                 `json:"pr_body,omitempty"`
	IssueURL    string                 `json:"issue_url,omitempty"`
	Notes       string                 `json:"notes,omitempty"`

	// ClientApproval is the client's own verdict, consulted only by the client decider.
	ClientApproval *bool `json:"-"`
}

// Validate checks that the mandatory parts of the bundle are present.
func (e Evidence) Validate() error {
	var missing []string
	if strings.TrimSpace(e.Summary) == "" {
		missing = append(missing, "summary")
	}
	if strings.TrimSpace(e.UnifiedDiff) == "" {
		missing = append(missing, "unified_diff")
	}
	if e.Checks == nil {
		missing = append(missing, "checks")
	}
	if e.BranchPlan.FinalName == "" {
		missing = append(missing, "branch_plan.final_name")
	}
	if len(missing) > 0 {
		return errors.Newf(errors.KindInvalidArgument, "evidence is missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// FailedChecks returns the names of checks that did not pass.
func (e Evidence) FailedChecks() []string {
	var failed []string
	for name, c := range e.Checks {
		if !c.Passed {
			failed = append(failed, name)
		}
	}
	return failed
}

// Digest returns the hex SHA-256 of the bundle's canonical JSON encoding.
func (e Evidence) Digest() string {
	// encoding/json sorts map keys, so the encoding is stable.
	data, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
