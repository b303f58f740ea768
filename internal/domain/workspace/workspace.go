// Package workspace defines the ephemeral workspace model and its lifecycle states.
package workspace

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects the kind of environment provisioned for a workspace.
type Mode string

const (
	ModeCode    Mode = "code"    // Headless command execution
	ModeDesktop Mode = "desktop" // Commands attached to a pseudo terminal
)

// ParseMode converts a string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeCode:
		return ModeCode, nil
	case ModeDesktop:
		return ModeDesktop, nil
	default:
		return "", fmt.Errorf("unknown workspace mode %q: must be one of code, desktop", s)
	}
}

// State is the lifecycle state of a workspace.
type State string

const (
	StateProvisioning State = "Provisioning"
	StateReady        State = "Ready"
	StateExpired      State = "Expired"
	StateDestroyed    State = "Destroyed"
)

// transitions lists the allowed target states per source state.
var transitions = map[State][]State{
	StateProvisioning: {StateReady, StateDestroyed},
	StateReady:        {StateExpired, StateDestroyed},
	StateExpired:      {StateDestroyed},
}

// CanTransition reports whether a workspace may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RepoDir is the repository checkout directory, relative to the workspace root.
const RepoDir = "repo"

// Workspace is an ephemeral, isolated environment bound to one repository checkout.
type Workspace struct {
	ID         string
	Mode       Mode
	State      State
	CreatedAt  time.Time
	TTL        time.Duration
	ExpiresAt  time.Time
	RepoPath   string // Repository directory inside the environment
	Repository string // Upstream owner/name once cloned
	Fork       string // Fork owner/name used as origin
	BaseBranch string // Upstream branch checked out by clone

	// DestroyedByExpiry distinguishes a sweep teardown from an explicit destroy.
	DestroyedByExpiry bool
}

// New builds a workspace in the Provisioning state.
func New(id string, mode Mode, ttl time.Duration, now time.Time) Workspace {
	return Workspace{
		ID:        id,
		Mode:      mode,
		State:     StateProvisioning,
		CreatedAt: now,
		TTL:       ttl,
		ExpiresAt: now.Add(ttl),
		RepoPath:  RepoDir,
	}
}

// TTLMinutes returns the TTL in whole minutes.
func (w Workspace) TTLMinutes() int {
	return int(w.TTL / time.Minute)
}

// IsExpired reports whether the TTL has elapsed at now.
func (w Workspace) IsExpired(now time.Time) bool {
	return !now.Before(w.ExpiresAt)
}

// AcceptsCommands reports whether commands may run against the workspace at now.
func (w Workspace) AcceptsCommands(now time.Time) bool {
	return w.State == StateReady && !w.IsExpired(now)
}

// Transition moves the workspace to the target state.
func (w *Workspace) Transition(to State) error {
	if !CanTransition(w.State, to) {
		return fmt.Errorf("invalid workspace transition %s -> %s", w.State, to)
	}
	w.State = to
	return nil
}
