package mcp

import (
	"errors"
	"testing"
)

func TestValidateToolName(t *testing.T) {
	valid := []string{"workspace.create", "repo.branch.create_or_reuse", "ping"}
	for _, n := range valid {
		if err := ValidateToolName(n); err != nil {
			t.Errorf("ValidateToolName(%q) = %v", n, err)
		}
	}

	invalid := []string{"", "Workspace.create", "repo..diff", ".x", "x.", "a b", "a-b", "tools/1"}
	for _, n := range invalid {
		if err := ValidateToolName(n); !errors.Is(err, ErrInvalidToolName) {
			t.Errorf("ValidateToolName(%q) = %v, want ErrInvalidToolName", n, err)
		}
	}
}
