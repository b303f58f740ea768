// Package ledger defines the append-only, hash-chained run record.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Action names recorded in the ledger.
const (
	ActionWorkspaceCreated   = "workspace.created"
	ActionWorkspaceDestroyed = "workspace.destroyed"
	ActionWorkspaceExpired   = "workspace.expired"
	ActionTeardownFailed     = "workspace.teardown_failed"
	ActionCommandExecuted    = "command.executed"
	ActionCommandRejected    = "command.rejected"
	ActionGitExecuted        = "git.executed"
	ActionFileRead           = "file.read"
	ActionFileWritten        = "file.written"
	ActionPatchApplied       = "patch.applied"
	ActionPatchRejected      = "patch.rejected"
	ActionRepoSearched       = "repo.searched"
	ActionBranchResolved     = "branch.resolved"
	ActionRepoCloned         = "repo.cloned"
	ActionCommitted          = "repo.committed"
	ActionApprovalIssued     = "approval.issued"
	ActionApprovalDenied     = "approval.denied"
	ActionTokenConsumed      = "approval.consumed"
	ActionPushed             = "repo.pushed"
	ActionChangeRequest      = "change_request.opened"
	ActionServerStarted      = "server.started"
	ActionConfigReloaded     = "config.reloaded"
)

// Record is one immutable ledger entry.
type Record struct {
	Seq         int64           `json:"seq"`
	EventID     string          `json:"event_id"`
	Scope       string          `json:"scope"`
	Timestamp   time.Time       `json:"timestamp"`
	Action      string          `json:"action"`
	Payload     json.RawMessage `json:"payload"`
	PrevHash    string          `json:"prev_hash"`
	PayloadHash string          `json:"payload_hash"`
	Hash        string          `json:"hash"`
}

// ComputeHashes returns the payload hash and the chained record hash.
func ComputeHashes(payload []byte, prevHash string) (payloadHash, hash string) {
	ph := sha256.Sum256(payload)
	payloadHash = hex.EncodeToString(ph[:])
	h := sha256.Sum256([]byte(payloadHash + "\n" + prevHash))
	return payloadHash, hex.EncodeToString(h[:])
}

// Seal fills in the hashes of r, chaining it to prevHash.
func (r *Record) Seal(prevHash string) {
	r.PrevHash = prevHash
	r.PayloadHash, r.Hash = ComputeHashes(r.Payload, prevHash)
}

// ChainError describes the first broken link found by VerifyChain.
type ChainError struct {
	Seq    int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("ledger chain broken at seq %d: %s", e.Seq, e.Reason)
}

// Verifier checks records one at a time, in sequence order.
type Verifier struct {
	prev    string
	lastSeq int64
	count   int
}

// Next checks r against the records seen so far.
func (v *Verifier) Next(r Record) error {
	if v.count > 0 && r.Seq <= v.lastSeq {
		return &ChainError{Seq: r.Seq, Reason: "sequence not increasing"}
	}
	if r.PrevHash != v.prev {
		return &ChainError{Seq: r.Seq, Reason: "prev_hash mismatch"}
	}
	ph, h := ComputeHashes(r.Payload, r.PrevHash)
	if ph != r.PayloadHash {
		return &ChainError{Seq: r.Seq, Reason: "payload_hash mismatch"}
	}
	if h != r.Hash {
		return &ChainError{Seq: r.Seq, Reason: "hash mismatch"}
	}
	v.prev = r.Hash
	v.lastSeq = r.Seq
	v.count++
	return nil
}

// Count returns how many records verified.
func (v *Verifier) Count() int {
	return v.count
}

// VerifyChain re-computes hashes over records in sequence order.
func VerifyChain(records []Record) error {
	var v Verifier
	for _, r := range records {
		if err := v.Next(r); err != nil {
			return err
		}
	}
	return nil
}
