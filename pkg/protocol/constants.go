package protocol

// Directory and path constants used throughout loom.
const (
	// WorktreesDir is the directory (relative to the repository root) where
	// per-chunk git worktrees are created.
	WorktreesDir = ".worktrees"

	// LoomDir is the per-repository state directory.
	LoomDir = ".loom"

	// LogsDir holds per-chunk phase transcripts, under LoomDir.
	LogsDir = "logs"

	// RunsDir holds per-execution scratch (hook settings, question capture,
	// violation log), under LoomDir.
	RunsDir = "runs"

	// BranchPrefix is the git branch prefix for agent worktrees.
	BranchPrefix = "agent/"
)
