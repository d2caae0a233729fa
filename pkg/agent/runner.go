package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"loom/pkg/protocol"
)

// EventLogger records orchestrator events. Satisfied by *store.Store.
type EventLogger interface {
	LogEvent(ctx context.Context, eventType, chunkID, detail string) error
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Backend  Backend
	RepoRoot string // main checkout root
	LoomDir  string // state directory holding transcripts and run scratch
	DocsDir  string // chunk description documents, may be empty
	Model    string
	GuardExe string      // orchestrator binary, re-invoked for guard hooks
	Events   EventLogger // may be nil
}

// Runner executes work unit phases through the backend. Each run gets its
// own scratch directory with a generated settings file; transcripts append
// to one log per chunk and phase.
type Runner struct {
	backend  Backend
	repoRoot string
	loomDir  string
	docsDir  string
	model    string
	guardExe string
	events   EventLogger
}

// NewRunner creates a Runner from cfg.
func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{
		backend:  cfg.Backend,
		repoRoot: cfg.RepoRoot,
		loomDir:  cfg.LoomDir,
		docsDir:  cfg.DocsDir,
		model:    cfg.Model,
		guardExe: cfg.GuardExe,
		events:   cfg.Events,
	}
}

// RunPhase executes one phase of a work unit and classifies the outcome.
// Classification uses only the backend's structured result: a captured
// question suspends, the is_error flag fails, anything else completes. The
// returned error is non-nil only when ctx was cancelled; every other failure
// folds into the result so the scheduler routes it through the attention
// path.
func (r *Runner) RunPhase(ctx context.Context, unit *protocol.WorkUnit, phase protocol.Phase) (protocol.PhaseResult, error) {
	if unit.WorktreePath == "" {
		return errorResult(fmt.Errorf("agent: %s has no worktree", unit.ChunkID)), nil
	}

	runID, runDir, err := r.newRunDir(unit.ChunkID)
	if err != nil {
		return errorResult(err), nil
	}
	policy := Policy{ChunkID: unit.ChunkID, Worktree: unit.WorktreePath}
	if _, err := WriteSettings(runDir, policy, r.guardExe); err != nil {
		return errorResult(err), nil
	}

	prompt := AssemblePrompt(PromptParams{
		ChunkID:      unit.ChunkID,
		Phase:        phase,
		WorktreePath: unit.WorktreePath,
		DocPath:      r.docPath(unit.ChunkID),
		RetryAttempt: unit.RetryCount,
		LastError:    unit.AttentionReason,
	})

	res, runErr := r.backend.Execute(ctx, ExecRequest{
		Prompt: prompt,
		SessionOpts: SessionOpts{
			WorkingDir: unit.WorktreePath,
			Model:      r.model,
			RunDir:     runDir,
			Env:        GitEnv(unit.WorktreePath, r.repoRoot),
		},
	})
	return r.afterRun(ctx, unit.ChunkID, phase, runID, runDir, prompt, res, runErr)
}

// ResumeWithAnswer re-enters the unit's suspended backend session with the
// operator's answer. The worktree must already be restored.
func (r *Runner) ResumeWithAnswer(ctx context.Context, unit *protocol.WorkUnit, answer string) (protocol.PhaseResult, error) {
	if unit.SessionToken == "" {
		return errorResult(fmt.Errorf("agent: %s has no session to resume", unit.ChunkID)), nil
	}
	if unit.WorktreePath == "" {
		return errorResult(fmt.Errorf("agent: %s has no worktree", unit.ChunkID)), nil
	}

	runID, runDir, err := r.newRunDir(unit.ChunkID)
	if err != nil {
		return errorResult(err), nil
	}
	policy := Policy{ChunkID: unit.ChunkID, Worktree: unit.WorktreePath}
	if _, err := WriteSettings(runDir, policy, r.guardExe); err != nil {
		return errorResult(err), nil
	}

	res, runErr := r.backend.Resume(ctx, unit.SessionToken, answer, SessionOpts{
		WorkingDir: unit.WorktreePath,
		Model:      r.model,
		RunDir:     runDir,
		Env:        GitEnv(unit.WorktreePath, r.repoRoot),
	})
	transcript := fmt.Sprintf("(answer to suspended session)\n\n%s", answer)
	return r.afterRun(ctx, unit.ChunkID, unit.Phase, runID, runDir, transcript, res, runErr)
}

// afterRun logs violations, appends the transcript, and classifies the
// backend outcome into a PhaseResult.
func (r *Runner) afterRun(ctx context.Context, chunkID string, phase protocol.Phase, runID, runDir, prompt string, res *ExecResult, runErr error) (protocol.PhaseResult, error) {
	r.logViolations(ctx, chunkID, runDir)
	r.appendTranscript(chunkID, phase, runID, prompt, res, runErr)

	if runErr != nil {
		if ctx.Err() != nil {
			return protocol.PhaseResult{}, ctx.Err()
		}
		if errors.Is(runErr, ErrNoStructuredResult) {
			return errorResult(&protocol.VerificationError{
				ChunkID: chunkID,
				Phase:   phase,
				Reason:  runErr.Error(),
			}), nil
		}
		return errorResult(runErr), nil
	}
	if res.Question != "" {
		return protocol.PhaseResult{
			Kind:         protocol.ResultSuspended,
			QuestionText: res.Question,
			SessionToken: res.SessionToken,
		}, nil
	}
	if res.IsError {
		return protocol.PhaseResult{
			Kind:         protocol.ResultError,
			ErrorText:    res.Text,
			SessionToken: res.SessionToken,
		}, nil
	}
	return protocol.PhaseResult{
		Kind:         protocol.ResultCompleted,
		SessionToken: res.SessionToken,
	}, nil
}

func errorResult(err error) protocol.PhaseResult {
	return protocol.PhaseResult{Kind: protocol.ResultError, ErrorText: err.Error()}
}

// newRunDir allocates a scratch directory for one backend invocation.
func (r *Runner) newRunDir(chunkID string) (runID, runDir string, err error) {
	runID = uuid.New().String()
	runDir = filepath.Join(r.loomDir, protocol.RunsDir, chunkID, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", "", fmt.Errorf("agent: create run dir: %w", err)
	}
	return runID, runDir, nil
}

// docPath returns the chunk's description document, or "" when none exists.
func (r *Runner) docPath(chunkID string) string {
	if r.docsDir == "" {
		return ""
	}
	p := filepath.Join(r.docsDir, chunkID+".md")
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// logViolations forwards sandbox violations recorded by the guard hook to
// the event log. Violations are logged even though the hook already blocked
// the command.
func (r *Runner) logViolations(ctx context.Context, chunkID, runDir string) {
	if r.events == nil {
		return
	}
	lines, err := ReadViolations(runDir)
	if err != nil {
		_ = r.events.LogEvent(ctx, "sandbox_violation", chunkID, err.Error())
		return
	}
	for _, line := range lines {
		_ = r.events.LogEvent(ctx, "sandbox_violation", chunkID, line)
	}
}

// appendTranscript appends one run's prompt and outcome to the chunk's
// per-phase log under <loom>/logs/<chunk>/<phase>.log.
func (r *Runner) appendTranscript(chunkID string, phase protocol.Phase, runID, prompt string, res *ExecResult, runErr error) {
	dir := filepath.Join(r.loomDir, protocol.LogsDir, chunkID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "=== run %s %s ===\n", runID, time.Now().UTC().Format(time.RFC3339))
	b.WriteString(prompt)
	if !strings.HasSuffix(prompt, "\n") {
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "--- outcome: %s ---\n", outcome(res, runErr))
	switch {
	case runErr != nil:
		b.WriteString(runErr.Error())
	case res.Question != "":
		b.WriteString(res.Question)
	default:
		b.WriteString(res.Text)
	}
	b.WriteString("\n\n")

	path := filepath.Join(dir, strings.ToLower(string(phase))+".log")
	_ = appendFile(path, b.String())
}

func outcome(res *ExecResult, runErr error) string {
	switch {
	case runErr != nil:
		return "error"
	case res.Question != "":
		return "suspended"
	case res.IsError:
		return "error"
	default:
		return "completed"
	}
}
