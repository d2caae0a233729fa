// Package worktree manages the per-chunk git worktrees: creation from the
// current main line HEAD at dispatch time, mechanical commits, and the
// serialized rebase + fast-forward merge that lands a finished unit.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"loom/pkg/protocol"
)

// GitRunner abstracts git command execution for testability.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout string, stderr string, err error)
}

// Manager owns the worktree lifecycle for every chunk. Merges are serialized
// behind a mutex so the main line moves one unit at a time.
type Manager struct {
	repoRoot   string
	mainBranch string
	git        GitRunner

	mu sync.Mutex // one merge at a time

	// abortMu protects activeWorktree for concurrent access from Abort().
	abortMu        sync.Mutex
	activeWorktree string // non-empty while a merge is in progress
}

// NewManager returns a Manager rooted at the host repository.
func NewManager(repoRoot string, git GitRunner) *Manager {
	return &Manager{
		repoRoot:   repoRoot,
		mainBranch: "main",
		git:        git,
	}
}

// Path returns the canonical worktree directory for a chunk. The path is
// stable across restore cycles so resumed backend sessions see the same
// file locations.
func (m *Manager) Path(chunkID string) string {
	return filepath.Join(m.repoRoot, protocol.WorktreesDir, chunkID)
}

// Branch returns the branch name for a chunk.
func (m *Manager) Branch(chunkID string) string {
	return protocol.BranchPrefix + chunkID
}

// Exists reports whether the chunk's worktree directory is present.
func (m *Manager) Exists(chunkID string) bool {
	info, err := os.Stat(m.Path(chunkID))
	return err == nil && info.IsDir()
}

// Create materializes a new worktree and branch from the current HEAD of the
// main line. Called at dispatch time, never at injection time, so a unit
// that waited in the queue sees everything that merged while it waited.
// A stale branch left by an abandoned earlier attempt is deleted first.
func (m *Manager) Create(ctx context.Context, chunkID string) (path, branch string, err error) {
	if err := protocol.ValidateChunkID(chunkID); err != nil {
		return "", "", fmt.Errorf("invalid chunk id: %w", err)
	}

	path = m.Path(chunkID)
	branch = m.Branch(chunkID)

	// Best-effort: a leftover branch from a prior discarded attempt would
	// make worktree add fail.
	_, _, _ = m.git.Run(ctx, m.repoRoot, "branch", "-D", branch)

	_, stderr, err := m.git.Run(ctx, m.repoRoot,
		"worktree", "add", path, "-b", branch, m.mainBranch)
	if err != nil {
		return "", "", gitErr("worktree add", stderr, err)
	}
	return path, branch, nil
}

// Restore re-materializes the worktree at its canonical path from the
// chunk's existing branch. Used when a suspended unit resumes: the branch
// preserved its checkpointed work, the directory comes back where the
// backend session left it.
func (m *Manager) Restore(ctx context.Context, chunkID string) (path, branch string, err error) {
	if err := protocol.ValidateChunkID(chunkID); err != nil {
		return "", "", fmt.Errorf("invalid chunk id: %w", err)
	}

	path = m.Path(chunkID)
	branch = m.Branch(chunkID)

	_, stderr, err := m.git.Run(ctx, m.repoRoot,
		"worktree", "add", path, branch)
	if err != nil {
		return "", "", gitErr("worktree add", stderr, err)
	}
	return path, branch, nil
}

// HasUncommittedChanges reports whether the chunk's worktree has staged or
// unstaged changes.
func (m *Manager) HasUncommittedChanges(ctx context.Context, chunkID string) (bool, error) {
	out, stderr, err := m.git.Run(ctx, m.Path(chunkID), "status", "--porcelain")
	if err != nil {
		return false, gitErr("status", stderr, err)
	}
	return strings.TrimSpace(out) != "", nil
}

// CommitChanges stages everything in the chunk's worktree and commits with a
// generated message. Returns false with no error when there is nothing to
// commit.
func (m *Manager) CommitChanges(ctx context.Context, chunkID string) (bool, error) {
	wt := m.Path(chunkID)

	if _, stderr, err := m.git.Run(ctx, wt, "add", "-A"); err != nil {
		return false, gitErr("add", stderr, err)
	}
	out, stderr, err := m.git.Run(ctx, wt, "status", "--porcelain")
	if err != nil {
		return false, gitErr("status", stderr, err)
	}
	if strings.TrimSpace(out) == "" {
		return false, nil
	}
	msg := fmt.Sprintf("%s: mechanical commit", chunkID)
	if _, stderr, err := m.git.Run(ctx, wt, "commit", "-m", msg); err != nil {
		return false, gitErr("commit", stderr, err)
	}
	return true, nil
}

// MergeAndRemove lands the chunk's branch on the main line and deletes the
// worktree, observed as one operation:
//
//  1. git rebase <main> <branch> (in the worktree)
//  2. git worktree remove <path>
//  3. git merge --ff-only <branch> (in the primary repo)
//
// The fast-forward keeps the branch's commit SHAs on main. On rebase
// conflict the rebase is aborted, the branch keeps its commits, the worktree
// stays in place, and the returned GitOperationError names the conflicting
// files; the main line is never left half-merged. Only one merge runs at a
// time.
func (m *Manager) MergeAndRemove(ctx context.Context, chunkID string) (sha string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wt := m.Path(chunkID)
	branch := m.Branch(chunkID)

	func() {
		m.abortMu.Lock()
		defer m.abortMu.Unlock()
		m.activeWorktree = wt
	}()
	defer func() {
		m.abortMu.Lock()
		defer m.abortMu.Unlock()
		m.activeWorktree = ""
	}()

	// A branch with nothing beyond main skips the rebase entirely.
	merged, headSHA, checkErr := m.isBranchMerged(ctx, wt, branch)
	if checkErr == nil && merged {
		if err := m.removeWorktree(ctx, wt); err != nil {
			return "", err
		}
		m.deleteBranch(ctx, branch)
		return headSHA, nil
	}

	_, stderr, err := m.git.Run(ctx, wt, "rebase", m.mainBranch, branch)
	if err != nil {
		// Cancellation takes priority over conflict handling.
		if ctx.Err() != nil {
			return "", fmt.Errorf("merge cancelled: %w", ctx.Err())
		}
		// Best-effort abort, then surface the conflict.
		_, _, _ = m.git.Run(ctx, wt, "rebase", "--abort")
		return "", &protocol.GitOperationError{
			Op:        "rebase",
			Detail:    summarize(stderr, err),
			Files:     parseConflictFiles(stderr),
			Transient: isTransientGit(stderr),
		}
	}

	if err := m.removeWorktree(ctx, wt); err != nil {
		return "", fmt.Errorf("worktree remove failed (branch %s still intact): %w", branch, err)
	}

	if _, stderr, err := m.git.Run(ctx, m.repoRoot, "merge", "--ff-only", branch); err != nil {
		return "", gitErr("merge --ff-only", stderr, err)
	}
	m.deleteBranch(ctx, branch)

	out, stderr, err := m.git.Run(ctx, m.repoRoot, "rev-parse", "HEAD")
	if err != nil {
		return "", gitErr("rev-parse", stderr, err)
	}
	return strings.TrimSpace(out), nil
}

// Remove force-deletes the chunk's worktree, keeping the branch. Used when
// a unit leaves RUNNING without merging: checkpointed work survives on the
// branch. Removing an already-absent worktree is a no-op.
func (m *Manager) Remove(ctx context.Context, chunkID string) error {
	if !m.Exists(chunkID) {
		return nil
	}
	wt := m.Path(chunkID)
	if _, stderr, err := m.git.Run(ctx, m.repoRoot, "worktree", "remove", wt, "--force"); err != nil {
		// Fall back to removing the directory and letting git prune the
		// bookkeeping.
		if rmErr := os.RemoveAll(wt); rmErr != nil {
			return gitErr("worktree remove", stderr, err)
		}
		_, _, _ = m.git.Run(ctx, m.repoRoot, "worktree", "prune")
	}
	return nil
}

// Prune cleans up orphaned worktree state left by a previous crash. It runs
// `git worktree prune`, then removes every directory under the worktrees
// dir. Errors do not prevent startup; this method always returns nil.
func (m *Manager) Prune(ctx context.Context) error {
	_, _, _ = m.git.Run(ctx, m.repoRoot, "worktree", "prune")

	worktreesDir := filepath.Join(m.repoRoot, protocol.WorktreesDir)
	entries, err := os.ReadDir(worktreesDir)
	if err != nil {
		return nil //nolint:nilerr // missing dir is expected, not an error
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		_ = os.RemoveAll(filepath.Join(worktreesDir, entry.Name()))
	}
	return nil
}

// Abort runs best-effort `git rebase --abort` on any in-progress merge
// worktree. Safe to call concurrently with MergeAndRemove; uses a fresh
// context because the caller's is typically already cancelled at shutdown.
func (m *Manager) Abort() {
	var wt string
	func() {
		m.abortMu.Lock()
		defer m.abortMu.Unlock()
		wt = m.activeWorktree
	}()
	if wt == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, _ = m.git.Run(ctx, wt, "rebase", "--abort")
}

// isBranchMerged checks whether every commit on branch is already reachable
// from the main line and the trees are identical.
func (m *Manager) isBranchMerged(ctx context.Context, wt, branch string) (merged bool, headSHA string, err error) {
	out, _, err := m.git.Run(ctx, wt, "rev-list", "--count", m.mainBranch+".."+branch)
	if err != nil {
		return false, "", fmt.Errorf("rev-list --count: %w", err)
	}
	if strings.TrimSpace(out) != "0" {
		return false, "", nil
	}
	diffOut, _, diffErr := m.git.Run(ctx, wt, "diff", m.mainBranch+".."+branch)
	if diffErr != nil {
		return false, "", nil //nolint:nilerr // fail-open: diff error means proceed to rebase
	}
	if strings.TrimSpace(diffOut) != "" {
		return false, "", nil
	}
	sha, _, err := m.git.Run(ctx, wt, "rev-parse", m.mainBranch)
	if err != nil {
		return false, "", fmt.Errorf("rev-parse %s: %w", m.mainBranch, err)
	}
	return true, strings.TrimSpace(sha), nil
}

func (m *Manager) removeWorktree(ctx context.Context, wt string) error {
	if _, stderr, err := m.git.Run(ctx, m.repoRoot, "worktree", "remove", wt); err != nil {
		return gitErr("worktree remove", stderr, err)
	}
	return nil
}

// deleteBranch is best-effort tidying after a successful merge.
func (m *Manager) deleteBranch(ctx context.Context, branch string) {
	_, _, _ = m.git.Run(ctx, m.repoRoot, "branch", "-d", branch)
}

// conflictPattern matches git's CONFLICT output lines.
// Examples:
//
//	CONFLICT (content): Merge conflict in src/main.go
//	CONFLICT (add/add): Merge conflict in new_file.go
var conflictPattern = regexp.MustCompile(`CONFLICT \([^)]+\): Merge conflict in (.+)`)

// parseConflictFiles extracts file paths from git rebase stderr output.
func parseConflictFiles(stderr string) []string {
	matches := conflictPattern.FindAllStringSubmatch(stderr, -1)
	if len(matches) == 0 {
		return nil
	}
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		files = append(files, strings.TrimSpace(m[1]))
	}
	return files
}

// transientMarkers are stderr fragments that indicate contention worth a
// bounded retry rather than operator attention.
var transientMarkers = []string{
	"index.lock",
	"cannot lock ref",
	"could not lock",
	"Resource temporarily unavailable",
}

func isTransientGit(stderr string) bool {
	for _, marker := range transientMarkers {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}

func summarize(stderr string, err error) string {
	if s := strings.TrimSpace(stderr); s != "" {
		return s
	}
	return err.Error()
}

func gitErr(op, stderr string, err error) *protocol.GitOperationError {
	return &protocol.GitOperationError{
		Op:        op,
		Detail:    summarize(stderr, err),
		Transient: isTransientGit(stderr),
	}
}
