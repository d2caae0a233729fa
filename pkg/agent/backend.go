// Package agent runs work unit phases through the external claude backend.
// Each phase is a short-lived subprocess scoped to the unit's worktree: the
// prompt carries the phase instructions, a generated settings file installs
// the command guard hooks, and the process environment pins git operations
// to the worktree.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrNoStructuredResult marks backend output that carried no parseable
// result record. Callers classify it apart from transport failures.
var ErrNoStructuredResult = errors.New("no result record in backend output")

// SessionOpts is the invocation context shared by fresh and resumed runs.
type SessionOpts struct {
	WorkingDir string // worktree the process runs in
	Model      string
	RunDir     string   // per-run scratch directory holding settings and captures
	Env        []string // extra environment appended to the parent's
}

// ExecRequest describes one fresh backend conversation.
type ExecRequest struct {
	Prompt string
	SessionOpts
}

// ExecResult is the structured outcome of one backend invocation. IsError
// comes from the backend's machine-readable result record, never from
// scanning output text.
type ExecResult struct {
	IsError      bool
	Text         string
	SessionToken string // opaque handle to resume this conversation
	Question     string // non-empty when the run suspended on an operator question
}

// Backend executes agent conversations and reports structured results.
type Backend interface {
	// Execute starts a fresh conversation and blocks until it finishes.
	Execute(ctx context.Context, req ExecRequest) (*ExecResult, error)
	// Resume re-enters a suspended conversation with the operator's answer.
	Resume(ctx context.Context, token, answer string, opts SessionOpts) (*ExecResult, error)
}

// CommandRunner abstracts subprocess execution so tests can fake the CLI.
type CommandRunner interface {
	Run(ctx context.Context, dir string, env []string, name string, args ...string) (stdout, stderr string, err error)
}

// ClaudeBackend drives the claude CLI in print mode with JSON output.
type ClaudeBackend struct {
	runner  CommandRunner
	command string
}

// NewClaudeBackend creates a backend that shells out to the claude CLI.
func NewClaudeBackend(runner CommandRunner) *ClaudeBackend {
	return &ClaudeBackend{runner: runner, command: "claude"}
}

// NewClaudeBackendCommand is NewClaudeBackend with the binary name taken
// from configuration. An empty command keeps the default.
func NewClaudeBackendCommand(runner CommandRunner, command string) *ClaudeBackend {
	b := NewClaudeBackend(runner)
	if command != "" {
		b.command = command
	}
	return b
}

// cliResult is the final record claude -p emits under --output-format json.
type cliResult struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	IsError   bool   `json:"is_error"`
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
}

// Execute runs a fresh conversation in the worktree.
func (b *ClaudeBackend) Execute(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	return b.invoke(ctx, []string{"-p", req.Prompt}, req.SessionOpts)
}

// Resume re-enters the conversation identified by token with the answer text.
func (b *ClaudeBackend) Resume(ctx context.Context, token, answer string, opts SessionOpts) (*ExecResult, error) {
	if token == "" {
		return nil, fmt.Errorf("agent: resume requires a session token")
	}
	return b.invoke(ctx, []string{"-p", answer, "--resume", token}, opts)
}

func (b *ClaudeBackend) invoke(ctx context.Context, args []string, opts SessionOpts) (*ExecResult, error) {
	args = append(args,
		"--output-format", "json",
		"--model", opts.Model,
		"--settings", filepath.Join(opts.RunDir, SettingsFile),
	)

	stdout, stderr, runErr := b.runner.Run(ctx, opts.WorkingDir, opts.Env, b.command, args...)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// The CLI exits non-zero when the agent reports an error, so the exit
	// code alone says nothing. Only the result record decides.
	res, parseErr := parseCLIResult(stdout)
	if parseErr != nil {
		if runErr != nil {
			return nil, fmt.Errorf("agent: backend exited with %v (stderr: %s): %w", runErr, firstLine(stderr), ErrNoStructuredResult)
		}
		return nil, parseErr
	}

	out := &ExecResult{
		IsError:      res.IsError,
		Text:         res.Result,
		SessionToken: res.SessionID,
	}
	question, err := readQuestion(opts.RunDir)
	if err != nil {
		return nil, err
	}
	out.Question = question
	return out, nil
}

// parseCLIResult extracts the result record from the CLI's stdout. The record
// is normally the whole output, but the stream may carry leading noise, so
// fall back to scanning for a line that decodes as a result object.
func parseCLIResult(stdout string) (*cliResult, error) {
	trimmed := strings.TrimSpace(stdout)

	var res cliResult
	if err := json.Unmarshal([]byte(trimmed), &res); err == nil && res.Type == "result" {
		return &res, nil
	}

	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var res cliResult
		if err := json.Unmarshal([]byte(line), &res); err != nil {
			continue
		}
		if res.Type == "result" {
			return &res, nil
		}
	}
	return nil, fmt.Errorf("agent: %w", ErrNoStructuredResult)
}

// firstLine returns the first non-empty line of s, for compact error text.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return "(empty)"
}
