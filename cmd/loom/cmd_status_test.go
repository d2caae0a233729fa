package main

import (
	"strings"
	"testing"

	"loom/pkg/protocol"
)

func TestStatusCommand(t *testing.T) {
	paths := setTestPaths(t)
	startFakeDaemon(t, paths.SocketPath, func(protocol.Request) protocol.Response {
		return protocol.Response{
			OK:           true,
			Counts:       map[string]int{"READY": 2, "RUNNING": 1, "DONE": 4},
			ActiveAgents: 1,
			MaxAgents:    3,
		}
	})

	out, err := runCLI(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}

	if !strings.Contains(out, "agents 1/3 active") {
		t.Errorf("output missing agent summary:\n%s", out)
	}
	for _, want := range []string{"READY", "RUNNING", "BLOCKED", "NEEDS_ATTENTION", "DONE"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %s row:\n%s", want, out)
		}
	}
}

func TestStatusCommandNoDaemon(t *testing.T) {
	setTestPaths(t)

	_, err := runCLI(t, "status")
	if err == nil {
		t.Fatal("expected error when daemon is not running")
	}
	if !strings.Contains(err.Error(), "loom start") {
		t.Errorf("error = %v, want a hint to run 'loom start'", err)
	}
}

func TestFormatStatusTable(t *testing.T) {
	resp := &protocol.Response{
		Counts:       map[string]int{"READY": 5},
		ActiveAgents: 0,
		MaxAgents:    3,
	}

	out := formatStatusTable(resp)

	if !strings.Contains(out, "agents 0/3 active") {
		t.Errorf("missing agent summary: %q", out)
	}
	// Statuses absent from the counts map render as zero.
	if !strings.Contains(out, "DONE") {
		t.Errorf("missing DONE row: %q", out)
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 7 { // summary, blank, five statuses
		t.Errorf("got %d lines, want 7:\n%s", len(lines), out)
	}
}
