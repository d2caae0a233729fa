package main

import (
	"strings"
	"testing"
	"time"

	"loom/pkg/protocol"
)

func TestReadyCommand(t *testing.T) {
	paths := setTestPaths(t)
	created := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	startFakeDaemon(t, paths.SocketPath, func(protocol.Request) protocol.Response {
		return protocol.Response{
			OK: true,
			Units: []protocol.WorkUnit{
				{ChunkID: "auth-1", Status: protocol.StatusReady, CreatedAt: created},
				{ChunkID: "auth-2", Status: protocol.StatusReady, RetryCount: 2, CreatedAt: created.Add(time.Minute)},
			},
		}
	})

	out, err := runCLI(t, "ready")
	if err != nil {
		t.Fatalf("ready: %v", err)
	}

	if !strings.Contains(out, "CHUNK") || !strings.Contains(out, "RETRIES") {
		t.Errorf("output missing header:\n%s", out)
	}
	if !strings.Contains(out, "auth-1") || !strings.Contains(out, "auth-2") {
		t.Errorf("output missing units:\n%s", out)
	}
	if !strings.Contains(out, "2026-03-10 12:00:00") {
		t.Errorf("output missing created timestamp:\n%s", out)
	}
	// Queue order is preserved.
	if strings.Index(out, "auth-1") > strings.Index(out, "auth-2") {
		t.Errorf("units out of order:\n%s", out)
	}
}

func TestFormatReadyTableEmpty(t *testing.T) {
	out := formatReadyTable(nil)
	if out != "no READY units\n" {
		t.Errorf("formatReadyTable(nil) = %q", out)
	}
}
