package decider

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbctechsolutions/prguard/internal/domain/approval"
	"github.com/jbctechsolutions/prguard/internal/domain/branch"
	"github.com/jbctechsolutions/prguard/internal/infrastructure/testutil"
)

func boolPtr(b bool) *bool { return &b }

func TestClient_UsesClientVerdict(t *testing.T) {
	ev := testutil.NewEvidence("w1")

	dec, err := Client{}.Decide(context.Background(), ev)
	require.NoError(t, err)
	assert.False(t, dec.Approved, "no verdict means refused")

	ev.ClientApproval = boolPtr(false)
	dec, _ = Client{}.Decide(context.Background(), ev)
	assert.False(t, dec.Approved)

	ev.ClientApproval = boolPtr(true)
	ev.Notes = "reviewed"
	dec, _ = Client{}.Decide(context.Background(), ev)
	assert.True(t, dec.Approved)
	assert.Equal(t, "reviewed", dec.Notes)
}

func TestDeny(t *testing.T) {
	ev := testutil.NewEvidence("w1")
	ev.ClientApproval = boolPtr(true)
	dec, err := Deny{}.Decide(context.Background(), ev)
	require.NoError(t, err)
	assert.False(t, dec.Approved)
}

func TestNew(t *testing.T) {
	for name, want := range map[string]string{"": NameClient, NameClient: NameClient, NameDeny: NameDeny, NameInteractive: NameInteractive} {
		d, err := New(name)
		require.NoError(t, err)
		assert.Equal(t, want, d.Name())
	}
	_, err := New("auto")
	assert.Error(t, err)
}

func interactive(input string) (*Interactive, *bytes.Buffer) {
	var out bytes.Buffer
	return NewInteractive(InteractiveOptions{In: io.NopCloser(strings.NewReader(input)), Out: &out}), &out
}

func TestInteractive_Approve(t *testing.T) {
	d, out := interactive("y\nship it\n")
	ev := testutil.NewEvidence("w1")
	ev.PRTitle = "Fix parser"

	dec, err := d.Decide(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, dec.Approved)
	assert.Equal(t, "ship it", dec.Notes)
	assert.Contains(t, out.String(), "Fix parser")
	assert.Contains(t, out.String(), ev.BranchPlan.FinalName)
}

func TestInteractive_Refuse(t *testing.T) {
	d, _ := interactive("n\ntoo broad\n")
	ev := testutil.NewEvidence("w1")
	dec, err := d.Decide(context.Background(), ev)
	require.NoError(t, err)
	assert.False(t, dec.Approved)
	assert.Equal(t, "too broad", dec.Notes)

	d, _ = interactive("")
	dec, err = d.Decide(context.Background(), ev)
	require.NoError(t, err)
	assert.False(t, dec.Approved, "end of input refuses")
}

func TestInteractive_CancelAbandonsPrompt(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	d := NewInteractive(InteractiveOptions{In: pr, Out: io.Discard})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	ev := testutil.NewEvidence("w1")
	_, err := d.Decide(ctx, ev)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRenderEvidence(t *testing.T) {
	ev := approval.Evidence{
		Summary:     "Fix the parser",
		UnifiedDiff: testutil.SmallDiff,
		Checks: map[string]approval.CheckResult{
			"tests": {Passed: true, Command: "pytest -q"},
			"lint":  {Passed: false},
		},
		BranchPlan: branch.Plan{FinalName: "fix/parser", BaseRef: "main", Resolution: branch.ResolutionCreated},
	}
	got := renderEvidence(&ev)
	assert.Contains(t, got, "fix/parser")
	assert.Contains(t, got, "[ok] tests: pytest -q")
	assert.Contains(t, got, "[FAIL] lint")
	assert.Less(t, strings.Index(got, "lint"), strings.Index(got, "tests"))
	assert.Contains(t, got, "Diff: 1 files")
}
