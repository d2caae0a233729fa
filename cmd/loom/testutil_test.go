package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"loom/pkg/daemon"
	"loom/pkg/protocol"
)

// setTestPaths points every state path override at one temp directory so
// commands resolve paths there instead of the checkout. Returns the paths
// the CLI will see.
func setTestPaths(t *testing.T) daemon.Paths {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("LOOM_DIR", dir)
	t.Setenv("LOOM_PID_PATH", filepath.Join(dir, "loom.pid"))
	t.Setenv("LOOM_SOCKET_PATH", filepath.Join(dir, "loom.sock"))
	t.Setenv("LOOM_DB_PATH", filepath.Join(dir, "state.db"))
	t.Setenv("LOOM_HTTP_PORT_PATH", filepath.Join(dir, "http.port"))

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	return daemon.ResolvePaths(cwd)
}

// fakeDaemonServer answers control requests over a unix socket with canned
// responses, recording what the CLI sent.
type fakeDaemonServer struct {
	mu      sync.Mutex
	reqs    []protocol.Request
	handler func(protocol.Request) protocol.Response
}

// startFakeDaemon listens at sockPath and serves handler until the test ends.
func startFakeDaemon(t *testing.T, sockPath string, handler func(protocol.Request) protocol.Response) *fakeDaemonServer {
	t.Helper()

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen %s: %v", sockPath, err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	srv := &fakeDaemonServer{handler: handler}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serve(conn)
		}
	}()
	return srv
}

func (s *fakeDaemonServer) serve(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req protocol.Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			return
		}
		s.mu.Lock()
		s.reqs = append(s.reqs, req)
		s.mu.Unlock()

		data, err := json.Marshal(s.handler(req))
		if err != nil {
			return
		}
		data = append(data, '\n')
		if _, err := conn.Write(data); err != nil {
			return
		}
	}
}

// requests returns a copy of everything the server received so far.
func (s *fakeDaemonServer) requests() []protocol.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Request(nil), s.reqs...)
}

// runCLI executes the root command with args and captures its output.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// fakeCmd is a scripted CmdRunner for tests that must not shell out.
type fakeCmd struct {
	calls  [][]string // each call is [name, arg1, arg2, ...]
	output map[string]string
	errs   map[string]error
}

func newFakeCmd() *fakeCmd {
	return &fakeCmd{
		output: make(map[string]string),
		errs:   make(map[string]error),
	}
}

// key builds a lookup key from a command and its args.
func key(name string, args ...string) string {
	return name + " " + strings.Join(args, " ")
}

func (f *fakeCmd) Run(name string, args ...string) (string, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	k := key(name, args...)
	if err, ok := f.errs[k]; ok {
		return f.output[k], err
	}
	return f.output[k], nil
}

// findCall returns the first recorded call matching name and first arg.
func findCall(calls [][]string, name, subcmd string) []string {
	for _, call := range calls {
		if len(call) >= 2 && call[0] == name && call[1] == subcmd {
			return call
		}
	}
	return nil
}
