package protocol

import (
	"fmt"
	"sort"
	"time"
)

// Status is the lifecycle state of a work unit.
type Status string

// Work unit status constants.
const (
	StatusReady          Status = "READY"
	StatusRunning        Status = "RUNNING"
	StatusBlocked        Status = "BLOCKED"
	StatusNeedsAttention Status = "NEEDS_ATTENTION"
	StatusDone           Status = "DONE" // terminal
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusReady, StatusRunning, StatusBlocked, StatusNeedsAttention, StatusDone:
		return true
	}
	return false
}

// allowedTransitions is the work unit state machine. A missing edge means
// the transition is rejected. DONE has no outgoing edges.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusReady: {
		StatusRunning:        {}, // dispatch
		StatusNeedsAttention: {}, // conflict detected at dispatch
	},
	StatusRunning: {
		StatusDone:           {}, // merged after COMPLETE
		StatusNeedsAttention: {}, // backend error, question, or merge failure
	},
	StatusNeedsAttention: {
		StatusRunning: {}, // answer accepted, resume at prior phase
		StatusBlocked: {}, // SERIALIZE resolution
	},
	StatusBlocked: {
		StatusReady: {}, // blocked_by drained
	},
	StatusDone: {},
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to Status) bool {
	_, ok := allowedTransitions[from][to]
	return ok
}

// Phase is one of the ordered backend execution stages of a running unit.
type Phase string

// Phase constants, in execution order.
const (
	PhasePlan      Phase = "PLAN"
	PhaseImplement Phase = "IMPLEMENT"
	PhaseComplete  Phase = "COMPLETE"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhasePlan, PhaseImplement, PhaseComplete:
		return true
	}
	return false
}

// Next returns the phase after p. ok is false when p is the last phase.
func (p Phase) Next() (next Phase, ok bool) {
	switch p {
	case PhasePlan:
		return PhaseImplement, true
	case PhaseImplement:
		return PhaseComplete, true
	default:
		return "", false
	}
}

// WorkUnit is the orchestrator's record for one chunk under management.
// Status, phase and worktree fields are mutated only by the scheduler loop.
type WorkUnit struct {
	ChunkID         string     `json:"chunk_id"`
	Status          Status     `json:"status"`
	Phase           Phase      `json:"phase,omitempty"`
	BlockedBy       []string   `json:"blocked_by,omitempty"`
	AttentionReason string     `json:"attention_reason,omitempty"`
	SessionToken    string     `json:"session_token,omitempty"`
	WorktreePath    string     `json:"worktree_path,omitempty"`
	BranchName      string     `json:"branch_name,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	AttentionAt     *time.Time `json:"attention_at,omitempty"`
	RetryCount      int        `json:"retry_count"`
}

// BlockedOn reports whether chunkID is in the unit's blocked_by set.
func (u *WorkUnit) BlockedOn(chunkID string) bool {
	for _, id := range u.BlockedBy {
		if id == chunkID {
			return true
		}
	}
	return false
}

// AddBlocker inserts chunkID into blocked_by, keeping the set sorted and
// duplicate-free.
func (u *WorkUnit) AddBlocker(chunkID string) {
	if u.BlockedOn(chunkID) {
		return
	}
	u.BlockedBy = append(u.BlockedBy, chunkID)
	sort.Strings(u.BlockedBy)
}

// RemoveBlocker deletes chunkID from blocked_by and reports whether it was
// present.
func (u *WorkUnit) RemoveBlocker(chunkID string) bool {
	for i, id := range u.BlockedBy {
		if id == chunkID {
			u.BlockedBy = append(u.BlockedBy[:i], u.BlockedBy[i+1:]...)
			return true
		}
	}
	return false
}

// ResultKind classifies the outcome of one backend phase execution.
type ResultKind string

// Phase result kinds.
const (
	ResultCompleted ResultKind = "completed"
	ResultError     ResultKind = "error"
	ResultSuspended ResultKind = "suspended" // backend asked an operator question
)

// PhaseResult is the outcome of running one phase for one unit. Exactly one
// kind applies; ErrorText is set for ResultError, QuestionText for
// ResultSuspended. SessionToken carries the backend conversation handle when
// the backend reported one, regardless of kind.
type PhaseResult struct {
	Kind         ResultKind `json:"kind"`
	ErrorText    string     `json:"error_text,omitempty"`
	QuestionText string     `json:"question_text,omitempty"`
	SessionToken string     `json:"session_token,omitempty"`
}

// ConflictRecord describes one detected overlap between two units' declared
// code references. Transient: persisted only as the attention reason text.
type ConflictRecord struct {
	ChunkID          string `json:"chunk_id"`
	CompetingChunkID string `json:"competing_chunk_id"`
	Description      string `json:"description"`
}

// Reason renders the attention reason for a detected conflict.
func (c ConflictRecord) Reason() string {
	return fmt.Sprintf("conflicts with %s: %s", c.CompetingChunkID, c.Description)
}

// CodeRef is one declared code reference from a chunk's documentation:
// a file plus an optional symbol path (dotted, e.g. "Server.Start") or line
// range (e.g. "L10-L40"). An empty Symbol claims the whole file.
type CodeRef struct {
	File   string `json:"file" yaml:"file"`
	Symbol string `json:"symbol,omitempty" yaml:"symbol,omitempty"`
}

func (r CodeRef) String() string {
	if r.Symbol == "" {
		return r.File
	}
	return r.File + "#" + r.Symbol
}

// AttentionItem is one row of the computed attention queue view.
type AttentionItem struct {
	ChunkID     string `json:"chunk_id"`
	Priority    int    `json:"priority"`
	WaitSeconds int64  `json:"wait_seconds"`
	Reason      string `json:"reason"`
}

// Verdict is an operator decision for a detected conflict. The type is open
// so new verdicts can be added without breaking the wire format; only the
// constants below have semantics today.
type Verdict string

// VerdictSerialize defers the conflicting unit behind its competitor via
// blocked_by.
const VerdictSerialize Verdict = "SERIALIZE"

// Valid reports whether v is a verdict this build implements.
func (v Verdict) Valid() bool {
	return v == VerdictSerialize
}

// Model constants for backend routing.
const (
	ModelOpus   = "claude-opus-4-6"
	ModelSonnet = "claude-sonnet-4-5-20250929"
	ModelHaiku  = "claude-haiku-4-5-20251001"
)

// DefaultModel is used when the config file does not pick one.
const DefaultModel = ModelSonnet
