// Package decider provides the approval deciders consulted by the gate once an
// evidence bundle has passed the local compliance rules.
package decider

import (
	"context"
	"fmt"

	"github.com/jbctechsolutions/prguard/internal/application/ports"
	"github.com/jbctechsolutions/prguard/internal/domain/approval"
)

const (
	NameClient      = "client"
	NameInteractive = "interactive"
	NameDeny        = "deny"
)

// Client trusts the verdict the tool client sent with the bundle. A bundle
// without a verdict is refused.
type Client struct{}

var _ ports.DeciderPort = Client{}

// Name implements ports.DeciderPort.
func (Client) Name() string { return NameClient }

// Decide implements ports.DeciderPort.
func (Client) Decide(_ context.Context, ev *approval.Evidence) (ports.Decision, error) {
	switch {
	case ev.ClientApproval == nil:
		return ports.Decision{Notes: "client did not state approval"}, nil
	case !*ev.ClientApproval:
		return ports.Decision{Notes: "client refused"}, nil
	default:
		return ports.Decision{Approved: true, Notes: ev.Notes}, nil
	}
}

// Deny refuses every bundle.
type Deny struct{}

var _ ports.DeciderPort = Deny{}

// Name implements ports.DeciderPort.
func (Deny) Name() string { return NameDeny }

// Decide implements ports.DeciderPort.
func (Deny) Decide(context.Context, *approval.Evidence) (ports.Decision, error) {
	return ports.Decision{Notes: "approvals are disabled"}, nil
}

// New returns the decider registered under name.
func New(name string) (ports.DeciderPort, error) {
	switch name {
	case NameClient, "":
		return Client{}, nil
	case NameDeny:
		return Deny{}, nil
	case NameInteractive:
		return NewInteractive(InteractiveOptions{}), nil
	default:
		return nil, fmt.Errorf("unknown decider %q", name)
	}
}
