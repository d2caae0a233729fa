// Package scheduler owns the work unit state machine. Every transition runs
// on a single goroutine fed by a call channel, so no two operations can
// interleave their reads and writes. Phase executions happen on worker
// goroutines and report back through a results channel; merges and unblock
// scans run on the scheduler goroutine itself, which keeps main-line git
// writes serialized and makes a freed dependent visible to the very next
// dispatch decision.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"loom/pkg/attention"
	"loom/pkg/conflict"
	"loom/pkg/protocol"
)

// Store is the slice of the state store the scheduler reads and writes.
type Store interface {
	Get(ctx context.Context, chunkID string) (*protocol.WorkUnit, error)
	ListByStatus(ctx context.Context, status protocol.Status) ([]protocol.WorkUnit, error)
	ListAll(ctx context.Context) ([]protocol.WorkUnit, error)
	ListBlockedBy(ctx context.Context, chunkID string) ([]protocol.WorkUnit, error)
	CountsByStatus(ctx context.Context) (map[string]int, error)
	Upsert(ctx context.Context, unit *protocol.WorkUnit) error
	LogEvent(ctx context.Context, eventType, chunkID, detail string) error
}

// Worktrees is the slice of the worktree manager the scheduler drives.
type Worktrees interface {
	Create(ctx context.Context, chunkID string) (path, branch string, err error)
	Restore(ctx context.Context, chunkID string) (path, branch string, err error)
	CommitChanges(ctx context.Context, chunkID string) (bool, error)
	MergeAndRemove(ctx context.Context, chunkID string) (string, error)
	Remove(ctx context.Context, chunkID string) error
}

// Runner executes one phase of one unit against the agent backend.
type Runner interface {
	RunPhase(ctx context.Context, unit *protocol.WorkUnit, phase protocol.Phase) (protocol.PhaseResult, error)
	ResumeWithAnswer(ctx context.Context, unit *protocol.WorkUnit, answer string) (protocol.PhaseResult, error)
}

// Detector reports whether a chunk's declared references overlap a unit that
// is already RUNNING or READY.
type Detector interface {
	Detect(ctx context.Context, chunkID string) (*protocol.ConflictRecord, error)
}

// Config tunes the scheduler. Zero values take defaults.
type Config struct {
	// MaxAgents caps concurrently RUNNING units.
	MaxAgents int
	// RetryLimit bounds consecutive transient git retries per unit.
	RetryLimit int
}

func (c Config) withDefaults() Config {
	if c.MaxAgents <= 0 {
		c.MaxAgents = 3
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = 3
	}
	return c
}

// Snapshot summarizes the scheduler for status reporting.
type Snapshot struct {
	Counts       map[string]int `json:"counts"`
	ActiveAgents int            `json:"active_agents"`
	MaxAgents    int            `json:"max_agents"`
}

// phaseOutcome is what a worker goroutine reports back after one execution.
type phaseOutcome struct {
	chunkID string
	phase   protocol.Phase
	result  protocol.PhaseResult
	err     error
}

// Scheduler serializes all state transitions through its Run loop.
type Scheduler struct {
	cfg    Config
	store  Store
	trees  Worktrees
	runner Runner
	oracle Detector

	calls   chan func(context.Context)
	results chan phaseOutcome

	// running and pendingMerge belong to the Run goroutine. running holds
	// chunk ids with a live worker; pendingMerge holds RUNNING units whose
	// finalize hit a transient git failure and will be re-attempted on the
	// next tick.
	running      map[string]struct{}
	pendingMerge map[string]struct{}

	wg sync.WaitGroup

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New returns a Scheduler wired to its collaborators. Call Run before any
// operation; operations block until the loop picks them up.
func New(cfg Config, store Store, trees Worktrees, runner Runner, oracle Detector) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:          cfg,
		store:        store,
		trees:        trees,
		runner:       runner,
		oracle:       oracle,
		calls:        make(chan func(context.Context)),
		results:      make(chan phaseOutcome, cfg.MaxAgents),
		running:      make(map[string]struct{}),
		pendingMerge: make(map[string]struct{}),
		nowFunc:      time.Now,
	}
}

// Run processes calls and worker results until ctx is cancelled, then waits
// for in-flight workers to exit. Results that arrive during shutdown are
// dropped; startup recovery reconciles any unit left RUNNING.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return nil
		case fn := <-s.calls:
			fn(ctx)
		case out := <-s.results:
			s.handleResult(ctx, out)
		}
	}
}

// do runs fn on the scheduler goroutine and waits for it to finish. The
// closure receives the loop context so a caller hanging up cannot abort a
// mutation halfway.
func (s *Scheduler) do(ctx context.Context, fn func(context.Context)) error {
	done := make(chan struct{})
	wrapped := func(loopCtx context.Context) {
		defer close(done)
		fn(loopCtx)
	}
	select {
	case s.calls <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inject registers a new chunk as READY. Chunk ids are write-once: any
// existing record, DONE included, is a duplicate.
func (s *Scheduler) Inject(ctx context.Context, chunkID string) (*protocol.WorkUnit, error) {
	var (
		unit  *protocol.WorkUnit
		opErr error
	)
	if err := s.do(ctx, func(loopCtx context.Context) {
		unit, opErr = s.inject(loopCtx, chunkID)
	}); err != nil {
		return nil, err
	}
	return unit, opErr
}

// Tick re-attempts deferred merges, then dispatches READY units oldest first
// until every agent slot is taken. It returns the number of units dispatched.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	var (
		n     int
		opErr error
	)
	if err := s.do(ctx, func(loopCtx context.Context) {
		n, opErr = s.tick(loopCtx)
	}); err != nil {
		return 0, err
	}
	return n, opErr
}

// Answer resumes a suspended unit with the operator's reply. The unit must be
// NEEDS_ATTENTION with a session to resume, and a worker slot must be free.
func (s *Scheduler) Answer(ctx context.Context, chunkID, text string) (*protocol.WorkUnit, error) {
	var (
		unit  *protocol.WorkUnit
		opErr error
	)
	if err := s.do(ctx, func(loopCtx context.Context) {
		unit, opErr = s.answer(loopCtx, chunkID, text)
	}); err != nil {
		return nil, err
	}
	return unit, opErr
}

// Resolve applies an operator verdict to a conflict-parked unit.
func (s *Scheduler) Resolve(ctx context.Context, chunkID, competingChunkID string, verdict protocol.Verdict) (*protocol.WorkUnit, error) {
	var (
		unit  *protocol.WorkUnit
		opErr error
	)
	if err := s.do(ctx, func(loopCtx context.Context) {
		unit, opErr = s.resolve(loopCtx, chunkID, competingChunkID, verdict)
	}); err != nil {
		return nil, err
	}
	return unit, opErr
}

// Get returns one unit by chunk id.
func (s *Scheduler) Get(ctx context.Context, chunkID string) (*protocol.WorkUnit, error) {
	var (
		unit  *protocol.WorkUnit
		opErr error
	)
	if err := s.do(ctx, func(loopCtx context.Context) {
		unit, opErr = s.store.Get(loopCtx, chunkID)
	}); err != nil {
		return nil, err
	}
	return unit, opErr
}

// Units lists work units, filtered to one status unless status is empty.
func (s *Scheduler) Units(ctx context.Context, status protocol.Status) ([]protocol.WorkUnit, error) {
	var (
		units []protocol.WorkUnit
		opErr error
	)
	if err := s.do(ctx, func(loopCtx context.Context) {
		if status == "" {
			units, opErr = s.store.ListAll(loopCtx)
		} else {
			units, opErr = s.store.ListByStatus(loopCtx, status)
		}
	}); err != nil {
		return nil, err
	}
	return units, opErr
}

// Attention returns the prioritized attention queue.
func (s *Scheduler) Attention(ctx context.Context) ([]protocol.AttentionItem, error) {
	var (
		items []protocol.AttentionItem
		opErr error
	)
	if err := s.do(ctx, func(loopCtx context.Context) {
		var units []protocol.WorkUnit
		units, opErr = s.store.ListAll(loopCtx)
		if opErr == nil {
			items = attention.Build(units, s.nowFunc())
		}
	}); err != nil {
		return nil, err
	}
	return items, opErr
}

// Status returns unit counts and slot usage.
func (s *Scheduler) Status(ctx context.Context) (Snapshot, error) {
	var (
		snap  Snapshot
		opErr error
	)
	if err := s.do(ctx, func(loopCtx context.Context) {
		var counts map[string]int
		counts, opErr = s.store.CountsByStatus(loopCtx)
		if opErr != nil {
			return
		}
		snap = Snapshot{
			Counts:       counts,
			ActiveAgents: len(s.running),
			MaxAgents:    s.cfg.MaxAgents,
		}
	}); err != nil {
		return Snapshot{}, err
	}
	return snap, opErr
}

// --- Loop-side operations. Everything below runs on the Run goroutine. ---

func (s *Scheduler) inject(ctx context.Context, chunkID string) (*protocol.WorkUnit, error) {
	if err := protocol.ValidateChunkID(chunkID); err != nil {
		return nil, err
	}
	existing, err := s.store.Get(ctx, chunkID)
	if err == nil {
		return nil, &protocol.DuplicateChunkError{ChunkID: chunkID, Status: existing.Status}
	}
	var notFound *protocol.NotFoundError
	if !errors.As(err, &notFound) {
		return nil, fmt.Errorf("inject %s: %w", chunkID, err)
	}

	now := s.nowFunc()
	unit := &protocol.WorkUnit{
		ChunkID:   chunkID,
		Status:    protocol.StatusReady,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Upsert(ctx, unit); err != nil {
		return nil, fmt.Errorf("inject %s: %w", chunkID, err)
	}
	s.logEvent(ctx, "inject", chunkID, "")
	return unit, nil
}

func (s *Scheduler) tick(ctx context.Context) (int, error) {
	for chunkID := range s.pendingMerge {
		delete(s.pendingMerge, chunkID)
		unit, err := s.store.Get(ctx, chunkID)
		if err != nil || unit.Status != protocol.StatusRunning {
			continue
		}
		s.finalize(ctx, unit)
	}

	ready, err := s.store.ListByStatus(ctx, protocol.StatusReady)
	if err != nil {
		return 0, fmt.Errorf("tick: %w", err)
	}
	dispatched := 0
	for i := range ready {
		if len(s.running) >= s.cfg.MaxAgents {
			break
		}
		unit := ready[i]
		if _, busy := s.running[unit.ChunkID]; busy {
			continue
		}
		if s.dispatch(ctx, &unit) {
			dispatched++
		}
	}
	return dispatched, nil
}

// dispatch moves one READY unit toward RUNNING at PLAN. It returns true only
// when a worker slot was consumed; a unit parked for attention or left READY
// for a later retry does not take a slot.
func (s *Scheduler) dispatch(ctx context.Context, unit *protocol.WorkUnit) bool {
	record, err := s.oracle.Detect(ctx, unit.ChunkID)
	if err != nil {
		s.toAttention(ctx, unit, fmt.Sprintf("conflict detection failed: %v", err))
		return false
	}
	if record != nil {
		s.logEvent(ctx, "conflict_detected", unit.ChunkID, record.CompetingChunkID)
		s.toAttention(ctx, unit, record.Reason())
		return false
	}

	path, branch, err := s.trees.Create(ctx, unit.ChunkID)
	if err != nil {
		if s.deferTransient(ctx, unit, err, "create worktree") {
			return false // still READY, next tick retries
		}
		s.toAttention(ctx, unit, fmt.Sprintf("create worktree: %v", err))
		return false
	}

	unit.Status = protocol.StatusRunning
	unit.Phase = protocol.PhasePlan
	unit.WorktreePath = path
	unit.BranchName = branch
	unit.RetryCount = 0
	unit.UpdatedAt = s.nowFunc()
	if err := s.store.Upsert(ctx, unit); err != nil {
		_ = s.trees.Remove(ctx, unit.ChunkID)
		s.logEvent(ctx, "store_error", unit.ChunkID, fmt.Sprintf("dispatch: %v", err))
		return false
	}
	s.logEvent(ctx, "dispatch", unit.ChunkID, string(protocol.PhasePlan))
	s.startWorker(ctx, unit, unit.Phase, "")
	return true
}

// startWorker launches one phase execution. The worker gets a copy of the
// unit; the scheduler goroutine keeps sole ownership of stored state.
func (s *Scheduler) startWorker(ctx context.Context, unit *protocol.WorkUnit, phase protocol.Phase, answer string) {
	s.running[unit.ChunkID] = struct{}{}
	u := *unit
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var (
			res protocol.PhaseResult
			err error
		)
		if answer == "" {
			res, err = s.runner.RunPhase(ctx, &u, phase)
		} else {
			res, err = s.runner.ResumeWithAnswer(ctx, &u, answer)
		}
		select {
		case s.results <- phaseOutcome{chunkID: u.ChunkID, phase: phase, result: res, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (s *Scheduler) handleResult(ctx context.Context, out phaseOutcome) {
	delete(s.running, out.chunkID)

	if out.err != nil {
		// Runner errors mean the context was cancelled mid-run. The unit
		// stays RUNNING in the store; startup recovery reconciles it.
		s.logEvent(ctx, "run_aborted", out.chunkID, out.err.Error())
		return
	}

	unit, err := s.store.Get(ctx, out.chunkID)
	if err != nil {
		s.logEvent(ctx, "store_error", out.chunkID, fmt.Sprintf("result: %v", err))
		return
	}
	if unit.Status != protocol.StatusRunning {
		s.logEvent(ctx, "stale_result", out.chunkID, string(unit.Status))
		return
	}

	if out.result.SessionToken != "" {
		unit.SessionToken = out.result.SessionToken
	}

	switch out.result.Kind {
	case protocol.ResultCompleted:
		s.advance(ctx, unit)
	case protocol.ResultSuspended:
		s.logEvent(ctx, "question", unit.ChunkID, out.result.QuestionText)
		s.toAttention(ctx, unit, out.result.QuestionText)
	default:
		s.toAttention(ctx, unit, out.result.ErrorText)
	}
}

// advance moves a unit that completed its current phase either into the next
// phase or, past COMPLETE, through the merge into DONE.
func (s *Scheduler) advance(ctx context.Context, unit *protocol.WorkUnit) {
	next, ok := unit.Phase.Next()
	if !ok {
		s.finalize(ctx, unit)
		return
	}
	unit.Phase = next
	unit.RetryCount = 0
	unit.UpdatedAt = s.nowFunc()
	if err := s.store.Upsert(ctx, unit); err != nil {
		s.logEvent(ctx, "store_error", unit.ChunkID, fmt.Sprintf("advance: %v", err))
		return
	}
	s.logEvent(ctx, "phase_advance", unit.ChunkID, string(next))
	s.startWorker(ctx, unit, next, "")
}

// finalize lands a unit whose final phase completed: mechanical commit, merge
// into main, DONE, dependents unblocked. It runs on the scheduler goroutine
// so main-line writes are serialized and the unblock scan finishes before the
// next dispatch decision.
func (s *Scheduler) finalize(ctx context.Context, unit *protocol.WorkUnit) {
	if _, err := s.trees.CommitChanges(ctx, unit.ChunkID); err != nil {
		if s.deferTransient(ctx, unit, err, "mechanical commit") {
			s.pendingMerge[unit.ChunkID] = struct{}{}
			return
		}
		s.toAttention(ctx, unit, fmt.Sprintf("mechanical commit: %v", err))
		return
	}

	sha, err := s.trees.MergeAndRemove(ctx, unit.ChunkID)
	if err != nil {
		if s.deferTransient(ctx, unit, err, "merge") {
			s.pendingMerge[unit.ChunkID] = struct{}{}
			return
		}
		s.toAttention(ctx, unit, fmt.Sprintf("merge: %v", err))
		return
	}

	unit.Status = protocol.StatusDone
	unit.WorktreePath = ""
	unit.BranchName = ""
	unit.AttentionReason = ""
	unit.AttentionAt = nil
	unit.UpdatedAt = s.nowFunc()
	if err := s.store.Upsert(ctx, unit); err != nil {
		s.logEvent(ctx, "store_error", unit.ChunkID, fmt.Sprintf("finalize: %v", err))
		return
	}
	s.logEvent(ctx, "done", unit.ChunkID, sha)
	s.unblockDependents(ctx, unit.ChunkID)
}

// deferTransient absorbs a transient git failure by bumping the retry count,
// bounded by the retry limit. It reports true when the operation should be
// re-attempted later; the caller decides where the unit waits.
func (s *Scheduler) deferTransient(ctx context.Context, unit *protocol.WorkUnit, err error, op string) bool {
	var gitErr *protocol.GitOperationError
	if !errors.As(err, &gitErr) || !gitErr.Transient || unit.RetryCount >= s.cfg.RetryLimit {
		return false
	}
	unit.RetryCount++
	unit.UpdatedAt = s.nowFunc()
	if uerr := s.store.Upsert(ctx, unit); uerr != nil {
		s.logEvent(ctx, "store_error", unit.ChunkID, fmt.Sprintf("retry: %v", uerr))
		return false
	}
	s.logEvent(ctx, "retry", unit.ChunkID, fmt.Sprintf("%s: %v", op, err))
	return true
}

// toAttention parks a unit for the operator. A unit that still holds a
// worktree gets its uncommitted work checkpointed to the branch first, then
// the worktree is removed; the branch keeps everything recoverable.
func (s *Scheduler) toAttention(ctx context.Context, unit *protocol.WorkUnit, reason string) {
	if unit.WorktreePath != "" {
		s.checkpoint(ctx, unit)
	}
	now := s.nowFunc()
	unit.Status = protocol.StatusNeedsAttention
	unit.AttentionReason = reason
	unit.AttentionAt = &now
	unit.WorktreePath = ""
	unit.BranchName = ""
	unit.UpdatedAt = now
	if err := s.store.Upsert(ctx, unit); err != nil {
		s.logEvent(ctx, "store_error", unit.ChunkID, fmt.Sprintf("attention: %v", err))
		return
	}
	s.logEvent(ctx, "needs_attention", unit.ChunkID, reason)
}

func (s *Scheduler) checkpoint(ctx context.Context, unit *protocol.WorkUnit) {
	committed, err := s.trees.CommitChanges(ctx, unit.ChunkID)
	switch {
	case err != nil:
		s.logEvent(ctx, "worktree_error", unit.ChunkID, fmt.Sprintf("checkpoint: %v", err))
	case committed:
		s.logEvent(ctx, "checkpoint", unit.ChunkID, unit.BranchName)
	}
	if err := s.trees.Remove(ctx, unit.ChunkID); err != nil {
		s.logEvent(ctx, "worktree_error", unit.ChunkID, fmt.Sprintf("remove: %v", err))
	}
}

// unblockDependents drains doneID from every dependent's blocked_by and
// promotes units whose last blocker cleared. Draining an id that was already
// removed is a no-op, so replays are safe.
func (s *Scheduler) unblockDependents(ctx context.Context, doneID string) {
	blocked, err := s.store.ListBlockedBy(ctx, doneID)
	if err != nil {
		s.logEvent(ctx, "store_error", doneID, fmt.Sprintf("unblock scan: %v", err))
		return
	}
	for i := range blocked {
		u := blocked[i]
		if u.Status != protocol.StatusBlocked || !u.RemoveBlocker(doneID) {
			continue
		}
		if len(u.BlockedBy) == 0 {
			u.Status = protocol.StatusReady
		}
		u.UpdatedAt = s.nowFunc()
		if err := s.store.Upsert(ctx, &u); err != nil {
			s.logEvent(ctx, "store_error", u.ChunkID, fmt.Sprintf("unblock: %v", err))
			continue
		}
		if u.Status == protocol.StatusReady {
			s.logEvent(ctx, "unblocked", u.ChunkID, doneID)
		}
	}
}

func (s *Scheduler) answer(ctx context.Context, chunkID, text string) (*protocol.WorkUnit, error) {
	unit, err := s.store.Get(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	if unit.Status != protocol.StatusNeedsAttention {
		return nil, &protocol.InvalidStateError{ChunkID: chunkID, Status: unit.Status, Op: "answer"}
	}
	if unit.SessionToken == "" {
		return nil, fmt.Errorf("answer %s: no suspended session to resume (conflicts are resolved, not answered)", chunkID)
	}
	if len(s.running) >= s.cfg.MaxAgents {
		return nil, fmt.Errorf("answer %s: all %d agent slots are busy", chunkID, s.cfg.MaxAgents)
	}

	path, branch, err := s.trees.Restore(ctx, chunkID)
	if err != nil {
		return nil, fmt.Errorf("answer %s: restore worktree: %w", chunkID, err)
	}

	unit.Status = protocol.StatusRunning
	unit.AttentionReason = ""
	unit.AttentionAt = nil
	unit.WorktreePath = path
	unit.BranchName = branch
	unit.UpdatedAt = s.nowFunc()
	if err := s.store.Upsert(ctx, unit); err != nil {
		_ = s.trees.Remove(ctx, chunkID)
		return nil, fmt.Errorf("answer %s: %w", chunkID, err)
	}
	s.logEvent(ctx, "answer", chunkID, text)
	s.startWorker(ctx, unit, unit.Phase, text)
	return unit, nil
}

func (s *Scheduler) resolve(ctx context.Context, chunkID, competingChunkID string, verdict protocol.Verdict) (*protocol.WorkUnit, error) {
	unit, err := s.store.Get(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	if unit.Status != protocol.StatusNeedsAttention {
		return nil, &protocol.InvalidStateError{ChunkID: chunkID, Status: unit.Status, Op: "resolve"}
	}
	competing, err := s.store.Get(ctx, competingChunkID)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: competing chunk: %w", chunkID, err)
	}
	if err := conflict.Resolve(unit, competingChunkID, verdict); err != nil {
		return nil, err
	}
	unit.UpdatedAt = s.nowFunc()
	if err := s.store.Upsert(ctx, unit); err != nil {
		return nil, fmt.Errorf("resolve %s: %w", chunkID, err)
	}
	s.logEvent(ctx, "resolved", chunkID, fmt.Sprintf("%s after %s", verdict, competingChunkID))

	// A verdict against an already-DONE competitor unblocks immediately.
	if competing.Status == protocol.StatusDone {
		s.unblockDependents(ctx, competingChunkID)
		if fresh, err := s.store.Get(ctx, chunkID); err == nil {
			return fresh, nil
		}
	}
	return unit, nil
}

func (s *Scheduler) logEvent(ctx context.Context, eventType, chunkID, detail string) {
	_ = s.store.LogEvent(ctx, eventType, chunkID, detail)
}
