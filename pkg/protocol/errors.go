package protocol

import "fmt"

// DuplicateChunkError reports an inject for a chunk that already has a work
// unit record, in any status.
type DuplicateChunkError struct {
	ChunkID string
	Status  Status // status of the existing record
}

func (e *DuplicateChunkError) Error() string {
	return fmt.Sprintf("chunk %s already tracked (status %s)", e.ChunkID, e.Status)
}

// NotFoundError reports a lookup for a chunk with no work unit record.
type NotFoundError struct {
	ChunkID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("work unit %s not found", e.ChunkID)
}

// InvalidStateError reports an operation attempted against a unit whose
// current status does not permit it, including state machine edge
// violations.
type InvalidStateError struct {
	ChunkID string
	Status  Status
	Op      string // operation or attempted target status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("work unit %s is %s: %s not permitted", e.ChunkID, e.Status, e.Op)
}

// AgentError reports a backend execution failure signalled by the backend's
// structured error flag.
type AgentError struct {
	ChunkID string
	Phase   Phase
	Output  string // backend result text
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent failed for %s (phase %s): %s", e.ChunkID, e.Phase, e.Output)
}

// ConflictError reports overlapping declared work detected before dispatch.
type ConflictError struct {
	Record ConflictRecord
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("chunk %s %s", e.Record.ChunkID, e.Record.Reason())
}

// VerificationError reports a phase whose backend output failed validation,
// e.g. the process exited without producing a parseable structured result.
type VerificationError struct {
	ChunkID string
	Phase   Phase
	Reason  string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("phase output verification failed for %s (phase %s): %s", e.ChunkID, e.Phase, e.Reason)
}

// SandboxViolationError reports a command the interception hook rejected
// because its effective path or git target lay outside the assigned
// worktree. Violations are always logged, never silently allowed.
type SandboxViolationError struct {
	ChunkID string
	Command string
	Reason  string
}

func (e *SandboxViolationError) Error() string {
	return fmt.Sprintf("sandbox violation for %s: %s (%s)", e.ChunkID, e.Reason, e.Command)
}

// GitOperationError reports a worktree create/commit/merge failure.
// Transient marks failure classes worth a bounded retry (lock contention,
// transient network); everything else needs operator attention.
type GitOperationError struct {
	Op        string // e.g. "worktree add", "commit", "rebase"
	Detail    string // trimmed git stderr
	Files     []string
	Transient bool
}

func (e *GitOperationError) Error() string {
	if len(e.Files) > 0 {
		return fmt.Sprintf("git %s failed: %s (files: %v)", e.Op, e.Detail, e.Files)
	}
	return fmt.Sprintf("git %s failed: %s", e.Op, e.Detail)
}

// UnknownVerdictError reports a conflict resolution request with a verdict
// this build does not implement.
type UnknownVerdictError struct {
	Verdict Verdict
}

func (e *UnknownVerdictError) Error() string {
	return fmt.Sprintf("unknown conflict verdict %q", e.Verdict)
}
