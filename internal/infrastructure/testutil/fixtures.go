package testutil

import (
	"fmt"
	"strings"

	"github.com/jbctechsolutions/prguard/internal/domain/approval"
	"github.com/jbctechsolutions/prguard/internal/domain/branch"
)

// SmallDiff is a one-file unified diff with two changed lines.
const SmallDiff = `diff --git a/app/main.py b/app/main.py
--- a/app/main.py
+++ b/app/main.py
@@ -1,3 +1,3 @@
 import sys
-print("helo")
+print("hello")
 sys.exit(0)
`

// ManyFilesDiff returns a unified diff touching n files with one added line each.
func ManyFilesDiff(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("pkg/file%d.py", i)
		fmt.Fprintf(&b, "diff --git a/%s b/%s\n--- a/%s\n+++ b/%s\n@@ -1,1 +1,2 @@\n x = 1\n+y = 2\n", name, name, name, name)
	}
	return b.String()
}

// NewEvidence returns a complete, compliant evidence bundle.
func NewEvidence(workspaceID string) *approval.Evidence {
	return &approval.Evidence{
		WorkspaceID: workspaceID,
		Summary:     "Fix greeting typo",
		UnifiedDiff: SmallDiff,
		Checks: map[string]approval.CheckResult{
			"tests": {Passed: true, Command: "pytest -q", Summary: "12 passed"},
		},
		BranchPlan: branch.Plan{
			DesiredName: "issue/42-greeting",
			BaseRef:     "main",
			Resolution:  branch.ResolutionCreated,
			FinalName:   "issue/42-greeting",
		},
		PRTitle:  "Fix greeting typo",
		PRBody:   "## Summary\nFix greeting typo\n\n## Related Issue\nRelated to #42\n",
		IssueURL: "https://github.com/octo/widget/issues/42",
	}
}
