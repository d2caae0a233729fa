package daemon //nolint:testpackage // white-box: tests drive unexported loops with injected fakes

import (
	"context"
	"sync"
	"testing"
	"time"

	"loom/pkg/protocol"
	"loom/pkg/scheduler"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// fakeSched is an in-memory Scheduler with just enough semantics for the
// daemon surfaces: duplicate and not-found checks, status gating on answer
// and resolve, and call counting for the tick loop.
type fakeSched struct {
	mu       sync.Mutex
	units    map[string]*protocol.WorkUnit
	order    []string
	items    []protocol.AttentionItem
	snap     scheduler.Snapshot
	ticks    int
	tickErr  error
	answers  []string
	resolves []string
}

func newFakeSched() *fakeSched {
	return &fakeSched{units: make(map[string]*protocol.WorkUnit)}
}

func (f *fakeSched) seed(u protocol.WorkUnit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.units[u.ChunkID] = &u
	f.order = append(f.order, u.ChunkID)
}

func (f *fakeSched) get(chunkID string) protocol.WorkUnit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.units[chunkID]
}

func (f *fakeSched) tickCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ticks
}

func (f *fakeSched) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *fakeSched) Inject(_ context.Context, chunkID string) (*protocol.WorkUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.units[chunkID]; ok {
		return nil, &protocol.DuplicateChunkError{ChunkID: chunkID, Status: existing.Status}
	}
	u := &protocol.WorkUnit{
		ChunkID:   chunkID,
		Status:    protocol.StatusReady,
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
	f.units[chunkID] = u
	f.order = append(f.order, chunkID)
	out := *u
	return &out, nil
}

func (f *fakeSched) Tick(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks++
	return 0, f.tickErr
}

func (f *fakeSched) Answer(_ context.Context, chunkID, text string) (*protocol.WorkUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[chunkID]
	if !ok {
		return nil, &protocol.NotFoundError{ChunkID: chunkID}
	}
	if u.Status != protocol.StatusNeedsAttention {
		return nil, &protocol.InvalidStateError{ChunkID: chunkID, Status: u.Status, Op: "answer"}
	}
	u.Status = protocol.StatusRunning
	u.AttentionReason = ""
	u.AttentionAt = nil
	f.answers = append(f.answers, chunkID+":"+text)
	out := *u
	return &out, nil
}

func (f *fakeSched) Resolve(_ context.Context, chunkID, competingChunkID string, verdict protocol.Verdict) (*protocol.WorkUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !verdict.Valid() {
		return nil, &protocol.UnknownVerdictError{Verdict: verdict}
	}
	u, ok := f.units[chunkID]
	if !ok {
		return nil, &protocol.NotFoundError{ChunkID: chunkID}
	}
	if u.Status != protocol.StatusNeedsAttention {
		return nil, &protocol.InvalidStateError{ChunkID: chunkID, Status: u.Status, Op: "resolve"}
	}
	u.Status = protocol.StatusBlocked
	u.AddBlocker(competingChunkID)
	u.AttentionReason = ""
	u.AttentionAt = nil
	f.resolves = append(f.resolves, chunkID+"<-"+competingChunkID)
	out := *u
	return &out, nil
}

func (f *fakeSched) Get(_ context.Context, chunkID string) (*protocol.WorkUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[chunkID]
	if !ok {
		return nil, &protocol.NotFoundError{ChunkID: chunkID}
	}
	out := *u
	return &out, nil
}

func (f *fakeSched) Units(_ context.Context, status protocol.Status) ([]protocol.WorkUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.WorkUnit
	for _, id := range f.order {
		u := f.units[id]
		if status == "" || u.Status == status {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (f *fakeSched) Attention(_ context.Context) ([]protocol.AttentionItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.AttentionItem(nil), f.items...), nil
}

func (f *fakeSched) Status(_ context.Context) (scheduler.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, nil
}

// fakeRecoveryStore records upserts and events for startup recovery tests.
type fakeRecoveryStore struct {
	mu        sync.Mutex
	running   []protocol.WorkUnit
	listErr   error
	upsertErr error
	upserts   []protocol.WorkUnit
	events    []string
}

func (f *fakeRecoveryStore) ListByStatus(_ context.Context, status protocol.Status) ([]protocol.WorkUnit, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if status != protocol.StatusRunning {
		return nil, nil
	}
	return append([]protocol.WorkUnit(nil), f.running...), nil
}

func (f *fakeRecoveryStore) Upsert(_ context.Context, unit *protocol.WorkUnit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts = append(f.upserts, *unit)
	return nil
}

func (f *fakeRecoveryStore) LogEvent(_ context.Context, eventType, chunkID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType+":"+chunkID)
	return nil
}

func (f *fakeRecoveryStore) hasEvent(eventType, chunkID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e == eventType+":"+chunkID {
			return true
		}
	}
	return false
}

// fakeRecoveryTrees reports configured worktrees and records cleanup calls.
type fakeRecoveryTrees struct {
	mu        sync.Mutex
	exists    map[string]bool
	commitErr error
	removeErr error
	committed []string
	removed   []string
	pruned    bool
	aborted   bool
}

func (f *fakeRecoveryTrees) Exists(chunkID string) bool {
	return f.exists[chunkID]
}

func (f *fakeRecoveryTrees) CommitChanges(_ context.Context, chunkID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return false, f.commitErr
	}
	f.committed = append(f.committed, chunkID)
	return true, nil
}

func (f *fakeRecoveryTrees) Remove(_ context.Context, chunkID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, chunkID)
	return nil
}

func (f *fakeRecoveryTrees) Prune(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned = true
	return nil
}

func (f *fakeRecoveryTrees) Abort() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = true
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
