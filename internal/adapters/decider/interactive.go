package decider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/mattn/go-isatty"

	"github.com/jbctechsolutions/prguard/internal/application/ports"
	"github.com/jbctechsolutions/prguard/internal/domain/approval"
	"github.com/jbctechsolutions/prguard/internal/domain/policy"
)

// ttyPath is the controlling terminal. Stdin and stdout carry the protocol.
const ttyPath = "/dev/tty"

// ErrNoTerminal is returned when no controlling terminal is available.
var ErrNoTerminal = errors.New("no controlling terminal for interactive approval")

// InteractiveOptions configures the interactive decider. When In is nil the
// controlling terminal is opened for every prompt.
type InteractiveOptions struct {
	In  io.ReadCloser
	Out io.Writer
}

// Interactive asks an operator at the controlling terminal. Prompts are
// serialized so concurrent requests do not interleave on screen.
type Interactive struct {
	opts InteractiveOptions
	mu   sync.Mutex
}

var _ ports.DeciderPort = (*Interactive)(nil)

// NewInteractive creates an interactive decider.
func NewInteractive(opts InteractiveOptions) *Interactive {
	return &Interactive{opts: opts}
}

// Name implements ports.DeciderPort.
func (d *Interactive) Name() string { return NameInteractive }

// Decide shows the bundle and waits for y or n. Cancelling ctx abandons the
// prompt with an error.
func (d *Interactive) Decide(ctx context.Context, ev *approval.Evidence) (ports.Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	in, out, isTerm, closeFn, err := d.terminal()
	if err != nil {
		return ports.Decision{}, err
	}
	defer closeFn()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:         "Approve? [y/N]: ",
		Stdin:          in,
		Stdout:         out,
		Stderr:         out,
		FuncIsTerminal: func() bool { return isTerm },
	})
	if err != nil {
		return ports.Decision{}, fmt.Errorf("could not create readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprint(rl.Stdout(), renderEvidence(ev))

	type answer struct {
		decision ports.Decision
		err      error
	}
	done := make(chan answer, 1)
	go func() {
		dec, err := prompt(rl)
		done <- answer{dec, err}
	}()

	select {
	case a := <-done:
		return a.decision, a.err
	case <-ctx.Done():
		return ports.Decision{}, fmt.Errorf("approval prompt abandoned: %w", ctx.Err())
	}
}

func prompt(rl *readline.Instance) (ports.Decision, error) {
	for {
		line, err := rl.Readline()
		if err == io.EOF || err == readline.ErrInterrupt {
			return ports.Decision{Notes: "operator cancelled"}, nil
		}
		if err != nil {
			return ports.Decision{}, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			rl.SetPrompt("Notes (optional): ")
			notes, err := rl.Readline()
			if err != nil && err != io.EOF {
				notes = ""
			}
			return ports.Decision{Approved: true, Notes: strings.TrimSpace(notes)}, nil
		case "", "n", "no":
			rl.SetPrompt("Reason (optional): ")
			reason, err := rl.Readline()
			if err != nil && err != io.EOF {
				reason = ""
			}
			reason = strings.TrimSpace(reason)
			if reason == "" {
				reason = "refused by operator"
			}
			return ports.Decision{Notes: reason}, nil
		}
	}
}

func (d *Interactive) terminal() (io.ReadCloser, io.Writer, bool, func(), error) {
	if d.opts.In != nil {
		out := d.opts.Out
		if out == nil {
			out = io.Discard
		}
		return d.opts.In, out, false, func() {}, nil
	}
	f, err := os.OpenFile(ttyPath, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, false, nil, fmt.Errorf("%w: %v", ErrNoTerminal, err)
	}
	if !isatty.IsTerminal(f.Fd()) {
		_ = f.Close()
		return nil, nil, false, nil, ErrNoTerminal
	}
	return f, f, true, func() { _ = f.Close() }, nil
}

// renderEvidence formats the redacted bundle for the operator.
func renderEvidence(ev *approval.Evidence) string {
	var b strings.Builder
	b.WriteString("\n=== Approval requested ===\n")
	if ev.WorkspaceID != "" {
		fmt.Fprintf(&b, "Workspace: %s\n", ev.WorkspaceID)
	}
	fmt.Fprintf(&b, "Branch:    %s (%s from %s)\n", ev.BranchPlan.FinalName, ev.BranchPlan.Resolution, ev.BranchPlan.BaseRef)
	if ev.PRTitle != "" {
		fmt.Fprintf(&b, "Title:     %s\n", ev.PRTitle)
	}
	if ev.IssueURL != "" {
		fmt.Fprintf(&b, "Issue:     %s\n", ev.IssueURL)
	}
	fmt.Fprintf(&b, "\n%s\n", ev.Summary)

	if stats, err := policy.ParseDiff(ev.UnifiedDiff); err == nil {
		fmt.Fprintf(&b, "\nDiff: %d files, +%d -%d\n", stats.FilesChanged(), stats.Insertions, stats.Deletions)
		for _, f := range stats.Files {
			fmt.Fprintf(&b, "  %s\n", f)
		}
	}

	names := make([]string, 0, len(ev.Checks))
	for name := range ev.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > 0 {
		b.WriteString("\nChecks:\n")
	}
	for _, name := range names {
		c := ev.Checks[name]
		mark := "FAIL"
		if c.Passed {
			mark = "ok"
		}
		fmt.Fprintf(&b, "  [%s] %s", mark, name)
		if c.Command != "" {
			fmt.Fprintf(&b, ": %s", c.Command)
		}
		b.WriteString("\n")
	}
	if ev.Notes != "" {
		fmt.Fprintf(&b, "\nNotes: %s\n", ev.Notes)
	}
	b.WriteString("\n")
	return b.String()
}
