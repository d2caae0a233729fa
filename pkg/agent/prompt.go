package agent

import (
	"fmt"
	"strings"

	"loom/pkg/protocol"
)

// PromptParams contains the inputs needed to assemble a phase prompt.
type PromptParams struct {
	ChunkID      string
	Phase        protocol.Phase
	WorktreePath string
	DocPath      string // chunk description document, may be empty
	RetryAttempt int    // 0 = first attempt
	LastError    string // error text from the attempt being retried
}

// section writes a markdown section (## header + body) to the builder.
func section(b *strings.Builder, header, body string) {
	fmt.Fprintf(b, "## %s\n\n%s\n\n", header, body)
}

// AssemblePrompt builds the phase prompt passed to the backend when a work
// unit is dispatched or advanced into a new phase.
func AssemblePrompt(params PromptParams) string {
	var b strings.Builder

	// 1. Role
	section(&b, "Role", "You are a loom agent. You work one chunk through one phase, then stop.")

	// 2. Chunk
	chunkBody := fmt.Sprintf("- **ID:** %s\n- **Phase:** %s", params.ChunkID, params.Phase)
	if params.DocPath != "" {
		chunkBody += fmt.Sprintf("\n- **Description:** read `%s` before doing anything else.", params.DocPath)
	}
	if params.RetryAttempt > 0 {
		chunkBody += fmt.Sprintf("\n\n> **Retry attempt %d.** The previous run of this phase failed.", params.RetryAttempt)
	}
	section(&b, "Chunk", chunkBody)

	// 2b. Previous Failure (only on retries with error text)
	if params.RetryAttempt > 0 && params.LastError != "" {
		section(&b, "Previous Failure",
			fmt.Sprintf("Fix the failure below before doing anything else.\n\n```\n%s\n```", params.LastError))
	}

	// 3. Task
	section(&b, "Task", phaseTask(params.Phase))

	appendStaticSections(&b, params.WorktreePath, params.ChunkID)

	// 8. Exit
	b.WriteString("## Exit\n\n")
	b.WriteString(phaseExit(params.Phase))
	return b.String()
}

// phaseTask returns the phase-specific task body.
func phaseTask(phase protocol.Phase) string {
	switch phase {
	case protocol.PhasePlan:
		return strings.Join([]string{
			"Study the chunk and the code it touches, then write `PLAN.md` at the worktree root:",
			"- the files you will change",
			"- the approach, in a few sentences per file",
			"- the tests you will add",
			"Commit `PLAN.md`. Do not implement yet.",
		}, "\n")
	case protocol.PhaseImplement:
		return strings.Join([]string{
			"Follow `PLAN.md` from the planning phase.",
			"Write tests first, then the implementation. Commit as you go.",
			"If the plan turns out wrong, update `PLAN.md` in the same commit that deviates from it.",
		}, "\n")
	case protocol.PhaseComplete:
		return strings.Join([]string{
			"Verify the implementation:",
			"- run the full test suite and fix anything broken",
			"- make sure the build is clean",
			"- remove leftover scaffolding and debug output",
			"Leave the worktree ready to merge.",
		}, "\n")
	default:
		return fmt.Sprintf("Unknown phase %q. Stop and report an error.", phase)
	}
}

// phaseExit returns the phase-specific exit line.
func phaseExit(phase protocol.Phase) string {
	switch phase {
	case protocol.PhasePlan:
		return "When PLAN.md is written and committed, exit.\n"
	case protocol.PhaseImplement:
		return "When the plan is implemented, tests pass, and everything is committed, exit.\n"
	default:
		return "When the worktree is verified and ready to merge, exit.\n"
	}
}

// appendStaticSections writes the invariant sections of the phase prompt.
func appendStaticSections(b *strings.Builder, worktreePath, chunkID string) {
	// 4. Worktree
	section(b, "Worktree", fmt.Sprintf(
		"You are in `%s`. Commit to branch `%s%s`.", worktreePath, protocol.BranchPrefix, chunkID,
	))
	// 5. Git
	section(b, "Git", "Use conventional commits (`feat(scope): msg`, `fix(scope): msg`, `test(scope): msg`).\nNo amend, new commits only.")
	// 6. Questions
	section(b, "Questions", strings.Join([]string{
		"If you need an operator decision, ask it with your question tool and stop.",
		"Never guess at requirements and never answer your own question.",
	}, "\n"))
	// 7. Constraints
	section(b, "Constraints", strings.Join([]string{
		"- Do not git push",
		"- Do not modify files outside your worktree",
		"- Do not touch the main branch or other agents' worktrees",
		"- Do not run commands against paths outside your worktree",
	}, "\n"))
}
