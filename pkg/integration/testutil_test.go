package integration_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"loom/pkg/daemon"
	"loom/pkg/protocol"
	"loom/pkg/scheduler"
	"loom/pkg/store"
)

// stubTrees satisfies the scheduler and recovery worktree interfaces without
// touching git. Paths and branches follow the real manager's naming.
type stubTrees struct{}

func (stubTrees) Create(_ context.Context, chunkID string) (string, string, error) {
	return "/tmp/wt/" + chunkID, protocol.BranchPrefix + chunkID, nil
}

func (stubTrees) Restore(_ context.Context, chunkID string) (string, string, error) {
	return "/tmp/wt/" + chunkID, protocol.BranchPrefix + chunkID, nil
}

func (stubTrees) CommitChanges(context.Context, string) (bool, error) { return true, nil }

func (stubTrees) MergeAndRemove(context.Context, string) (string, error) { return "fff0000", nil }

func (stubTrees) Remove(context.Context, string) error { return nil }

func (stubTrees) Exists(string) bool { return false }

func (stubTrees) Prune(context.Context) error { return nil }

func (stubTrees) Abort() {}

// scriptedRunner is the agent backend stand-in. Phases complete immediately
// unless a chunk is held (blocks until released) or scripted to suspend with
// a question at a given phase.
type scriptedRunner struct {
	mu       sync.Mutex
	holds    map[string]chan struct{}
	suspends map[string]protocol.Phase
	answers  []string
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{
		holds:    make(map[string]chan struct{}),
		suspends: make(map[string]protocol.Phase),
	}
}

// hold makes every phase of chunkID block until release is called.
func (r *scriptedRunner) hold(chunkID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.holds[chunkID] = make(chan struct{})
}

func (r *scriptedRunner) release(chunkID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.holds[chunkID]; ok {
		close(ch)
		delete(r.holds, chunkID)
	}
}

// suspendAt scripts one question at the given phase of chunkID.
func (r *scriptedRunner) suspendAt(chunkID string, phase protocol.Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suspends[chunkID] = phase
}

func (r *scriptedRunner) answered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.answers...)
}

func (r *scriptedRunner) RunPhase(ctx context.Context, unit *protocol.WorkUnit, phase protocol.Phase) (protocol.PhaseResult, error) {
	r.mu.Lock()
	hold := r.holds[unit.ChunkID]
	suspend := r.suspends[unit.ChunkID] == phase
	if suspend {
		delete(r.suspends, unit.ChunkID)
	}
	r.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return protocol.PhaseResult{}, ctx.Err()
		}
	}
	token := "sess-" + unit.ChunkID
	if suspend {
		return protocol.PhaseResult{
			Kind:         protocol.ResultSuspended,
			QuestionText: "which hash algorithm?",
			SessionToken: token,
		}, nil
	}
	return protocol.PhaseResult{Kind: protocol.ResultCompleted, SessionToken: token}, nil
}

func (r *scriptedRunner) ResumeWithAnswer(_ context.Context, unit *protocol.WorkUnit, answer string) (protocol.PhaseResult, error) {
	r.mu.Lock()
	r.answers = append(r.answers, unit.ChunkID+":"+answer)
	r.mu.Unlock()
	return protocol.PhaseResult{Kind: protocol.ResultCompleted, SessionToken: unit.SessionToken}, nil
}

// scriptedOracle reports conflicts from a mutable table.
type scriptedOracle struct {
	mu        sync.Mutex
	conflicts map[string]*protocol.ConflictRecord
}

func newScriptedOracle() *scriptedOracle {
	return &scriptedOracle{conflicts: make(map[string]*protocol.ConflictRecord)}
}

func (o *scriptedOracle) conflict(chunkID, competingID, description string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conflicts[chunkID] = &protocol.ConflictRecord{
		ChunkID:          chunkID,
		CompetingChunkID: competingID,
		Description:      description,
	}
}

func (o *scriptedOracle) clear(chunkID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.conflicts, chunkID)
}

func (o *scriptedOracle) Detect(_ context.Context, chunkID string) (*protocol.ConflictRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conflicts[chunkID], nil
}

// harness is one running daemon over a real store and scheduler, backed by
// the scripted agent and oracle.
type harness struct {
	paths  daemon.Paths
	store  *store.Store
	runner *scriptedRunner
	oracle *scriptedOracle
}

// startHarness boots a daemon in-process and returns once its control socket
// accepts connections. Everything shuts down with the test.
func startHarness(t *testing.T) *harness {
	t.Helper()

	dir := t.TempDir()
	paths := daemon.Paths{
		RepoRoot:   dir,
		LoomDir:    dir,
		ConfigPath: filepath.Join(dir, "config.toml"),
		PIDPath:    filepath.Join(dir, "loom.pid"),
		SocketPath: filepath.Join(dir, "loom.sock"),
		DBPath:     filepath.Join(dir, "state.db"),
		PortPath:   filepath.Join(dir, "http.port"),
	}

	ctx, cancel := context.WithCancel(context.Background())
	st, err := store.Open(ctx, paths.DBPath)
	if err != nil {
		cancel()
		t.Fatalf("open store: %v", err)
	}

	runner := newScriptedRunner()
	oracle := newScriptedOracle()
	trees := stubTrees{}
	sched := scheduler.New(scheduler.Config{MaxAgents: 2, RetryLimit: 2}, st, trees, runner, oracle)

	cfg := daemon.Config{MaxAgents: 2, TickInterval: "25ms"}
	d := daemon.New(cfg, paths, sched, st, trees)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitFor(t, 3*time.Second, func() bool {
		_, err := os.Stat(paths.SocketPath)
		return err == nil
	}, "daemon control socket")

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("daemon run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("daemon did not shut down")
		}
		_ = st.Close()
	})

	return &harness{paths: paths, store: st, runner: runner, oracle: oracle}
}

// control is one CLI connection to the daemon's socket.
type control struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

func dialControl(t *testing.T, sockPath string) *control {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial control socket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &control{conn: conn, scanner: bufio.NewScanner(conn)}
}

// roundTrip sends one request and decodes the single-line reply.
func (c *control) roundTrip(t *testing.T, req protocol.Request) protocol.Response {
	t.Helper()
	if err := json.NewEncoder(c.conn).Encode(req); err != nil {
		t.Fatalf("send %s: %v", req.Op, err)
	}
	if !c.scanner.Scan() {
		t.Fatalf("no reply to %s: %v", req.Op, c.scanner.Err())
	}
	var resp protocol.Response
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		t.Fatalf("decode reply to %s: %v", req.Op, err)
	}
	return resp
}

// mustOK fails the test on an error reply.
func (c *control) mustOK(t *testing.T, req protocol.Request) protocol.Response {
	t.Helper()
	resp := c.roundTrip(t, req)
	if !resp.OK {
		t.Fatalf("%s %s failed: %s", req.Op, req.ChunkID, resp.Error)
	}
	return resp
}

// waitStatus polls show until the unit reaches the wanted status.
func (c *control) waitStatus(t *testing.T, chunkID string, want protocol.Status) protocol.WorkUnit {
	t.Helper()
	var unit protocol.WorkUnit
	waitFor(t, 5*time.Second, func() bool {
		resp := c.roundTrip(t, protocol.Request{Op: protocol.OpShow, ChunkID: chunkID})
		if !resp.OK || resp.Unit == nil {
			return false
		}
		unit = *resp.Unit
		return unit.Status == want
	}, chunkID+" to reach "+string(want))
	return unit
}

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
