package ports

import (
	"context"

	"github.com/jbctechsolutions/prguard/internal/domain/approval"
)

// Decision is a decider's verdict on an evidence bundle.
type Decision struct {
	Approved bool
	Notes    string
}

// DeciderPort approves or refuses compliant evidence bundles.
type DeciderPort interface {
	// Name identifies the decider in logs and results.
	Name() string

	// Decide returns the verdict. An error means no verdict could be reached.
	Decide(ctx context.Context, ev *approval.Evidence) (Decision, error)
}
