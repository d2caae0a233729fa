package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// runGuard executes the guard subcommand with the given stdin payload and
// returns what it wrote to stdout.
func runGuard(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"guard"}, args...))
	err := root.Execute()
	return buf.String(), err
}

func TestGuardAllowsWorktreeCommand(t *testing.T) {
	worktree := t.TempDir()
	runDir := t.TempDir()
	payload := `{"session_id":"sess-1","cwd":"` + worktree + `","tool_name":"Bash","tool_input":{"command":"go test ./..."}}`

	out, err := runGuard(t, payload,
		"--chunk", "auth-1", "--worktree", worktree, "--run-dir", runDir)
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	if strings.TrimSpace(out) != "{}" {
		t.Errorf("decision = %q, want allow", out)
	}
}

func TestGuardDeniesEscapingCommand(t *testing.T) {
	worktree := t.TempDir()
	runDir := t.TempDir()
	payload := `{"session_id":"sess-1","cwd":"` + worktree + `","tool_name":"Bash","tool_input":{"command":"cd /etc"}}`

	out, err := runGuard(t, payload,
		"--chunk", "auth-1", "--worktree", worktree, "--run-dir", runDir)
	if err != nil {
		t.Fatalf("guard: %v", err)
	}

	var decision struct {
		PermissionDecision       string `json:"permissionDecision"`
		PermissionDecisionReason string `json:"permissionDecisionReason"`
	}
	if err := json.Unmarshal([]byte(out), &decision); err != nil {
		t.Fatalf("decision is not JSON: %v\n%s", err, out)
	}
	if decision.PermissionDecision != "deny" {
		t.Errorf("decision = %q, want deny", decision.PermissionDecision)
	}
	if !strings.Contains(decision.PermissionDecisionReason, "outside the worktree") {
		t.Errorf("reason = %q", decision.PermissionDecisionReason)
	}

	// The violation is recorded for the orchestrator.
	if _, err := os.Stat(filepath.Join(runDir, "violations.log")); err != nil {
		t.Errorf("violations log not written: %v", err)
	}
}

func TestGuardDeniesGarbagePayload(t *testing.T) {
	worktree := t.TempDir()

	out, err := runGuard(t, "not json",
		"--chunk", "auth-1", "--worktree", worktree, "--run-dir", t.TempDir())
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	if !strings.Contains(out, `"deny"`) {
		t.Errorf("decision = %q, want deny for unparseable payload", out)
	}
}

func TestGuardCapturesQuestion(t *testing.T) {
	runDir := t.TempDir()
	payload := `{"session_id":"sess-1","tool_name":"AskUserQuestion","tool_input":{"question":"which hash algorithm?"}}`

	out, err := runGuard(t, payload, "--run-dir", runDir, "--capture-question")
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	if !strings.Contains(out, `"deny"`) {
		t.Errorf("decision = %q, want deny so the turn ends", out)
	}

	data, err := os.ReadFile(filepath.Join(runDir, "question.json")) //nolint:gosec // test file, path is from t.TempDir
	if err != nil {
		t.Fatalf("question file not written: %v", err)
	}
	if !strings.Contains(string(data), "which hash algorithm?") {
		t.Errorf("question file = %s", data)
	}
}

func TestGuardRequiresChunkAndWorktree(t *testing.T) {
	_, err := runGuard(t, "{}", "--run-dir", t.TempDir())
	if err == nil {
		t.Fatal("expected error without --chunk and --worktree")
	}
}
