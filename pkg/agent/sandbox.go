package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"loom/pkg/protocol"
)

// Files the guard hooks and the backend exchange through the run directory.
const (
	SettingsFile   = "settings.json"
	QuestionFile   = "question.json"
	ViolationsFile = "violations.log"
)

// Policy is the per-run command sandbox. Every shell command the agent
// issues must act inside Worktree; commands that target a path outside it
// are rejected before execution.
type Policy struct {
	ChunkID  string
	Worktree string
}

// Evaluate checks one shell command observed by the pre-execution hook.
// cwd is the directory the command would run in. The returned error is a
// *protocol.SandboxViolationError when the command must be blocked.
func (p Policy) Evaluate(cwd, command string) error {
	wt, err := filepath.Abs(p.Worktree)
	if err != nil {
		return fmt.Errorf("agent: resolve worktree %s: %w", p.Worktree, err)
	}

	base := wt
	if cwd != "" {
		base = resolvePath(wt, cwd)
		if !within(wt, base) {
			return &protocol.SandboxViolationError{
				ChunkID: p.ChunkID,
				Command: command,
				Reason:  fmt.Sprintf("working directory %s is outside the worktree", base),
			}
		}
	}

	for _, target := range pathTargets(splitTokens(command)) {
		resolved := resolvePath(base, target)
		if !within(wt, resolved) {
			return &protocol.SandboxViolationError{
				ChunkID: p.ChunkID,
				Command: command,
				Reason:  fmt.Sprintf("path %s is outside the worktree", resolved),
			}
		}
	}
	return nil
}

// resolvePath makes target absolute relative to base.
func resolvePath(base, target string) string {
	if filepath.IsAbs(target) {
		return filepath.Clean(target)
	}
	return filepath.Join(base, target)
}

// within reports whether p is root or a descendant of root. Both paths must
// already be absolute and clean.
func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}

var envAssignPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)

// pathTargets extracts the filesystem paths a command would act on outside
// its working directory: cd/pushd targets, git -C / --git-dir / --work-tree
// values, and GIT_DIR / GIT_WORK_TREE environment prefixes.
func pathTargets(tokens []string) []string {
	var targets []string
	cmdWord := ""
	expectCmd := true
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if isOperator(tok) {
			expectCmd = true
			continue
		}
		if expectCmd {
			if envAssignPattern.MatchString(tok) {
				name, value, _ := strings.Cut(tok, "=")
				if (name == "GIT_DIR" || name == "GIT_WORK_TREE") && value != "" {
					targets = append(targets, value)
				}
				continue
			}
			cmdWord = filepath.Base(tok)
			expectCmd = false
			continue
		}
		switch {
		case (cmdWord == "cd" || cmdWord == "pushd") && !strings.HasPrefix(tok, "-"):
			targets = append(targets, tok)
			cmdWord = ""
		case cmdWord == "git" && tok == "-C" && i+1 < len(tokens):
			targets = append(targets, tokens[i+1])
			i++
		case cmdWord == "git" && strings.HasPrefix(tok, "--git-dir="):
			targets = append(targets, strings.TrimPrefix(tok, "--git-dir="))
		case cmdWord == "git" && tok == "--git-dir" && i+1 < len(tokens):
			targets = append(targets, tokens[i+1])
			i++
		case cmdWord == "git" && strings.HasPrefix(tok, "--work-tree="):
			targets = append(targets, strings.TrimPrefix(tok, "--work-tree="))
		case cmdWord == "git" && tok == "--work-tree" && i+1 < len(tokens):
			targets = append(targets, tokens[i+1])
			i++
		}
	}
	return targets
}

func isOperator(tok string) bool {
	switch tok {
	case "&&", "||", ";", "|", "&":
		return true
	}
	return false
}

// splitTokens splits a shell command into words. Single and double quotes
// group words; unquoted ;, |, & become operator tokens. No expansions are
// performed, so the split is conservative rather than a full shell parse.
func splitTokens(command string) []string {
	var tokens []string
	var cur strings.Builder
	inToken := false

	flush := func() {
		if inToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			inToken = false
		}
	}

	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		switch {
		case ch == '\'' || ch == '"':
			quote := ch
			inToken = true
			for i++; i < len(runes) && runes[i] != quote; i++ {
				cur.WriteRune(runes[i])
			}
		case ch == ' ' || ch == '\t' || ch == '\n':
			flush()
		case ch == ';' || ch == '|' || ch == '&':
			flush()
			op := string(ch)
			if i+1 < len(runes) && runes[i+1] == ch && ch != ';' {
				op += string(ch)
				i++
			}
			tokens = append(tokens, op)
		default:
			inToken = true
			cur.WriteRune(ch)
		}
	}
	flush()
	return tokens
}

// GitEnv returns environment overrides that pin git to the worktree. The
// ceiling stops repository discovery from walking up into the main checkout
// when a command runs outside any git directory.
func GitEnv(worktree, repoRoot string) []string {
	return []string{
		"GIT_DIR=" + filepath.Join(worktree, ".git"),
		"GIT_WORK_TREE=" + worktree,
		"GIT_CEILING_DIRECTORIES=" + filepath.Dir(repoRoot),
	}
}

// --- Settings generation ---

type settingsDoc struct {
	Hooks map[string][]hookMatcher `json:"hooks"`
}

type hookMatcher struct {
	Matcher string        `json:"matcher"`
	Hooks   []hookCommand `json:"hooks"`
}

type hookCommand struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

// WriteSettings generates the backend settings file for one run. It installs
// two pre-execution hooks: a Bash guard that enforces the worktree sandbox,
// and a question capture that records operator questions in the run
// directory. guardExe is the orchestrator binary, re-invoked in guard mode.
func WriteSettings(runDir string, policy Policy, guardExe string) (string, error) {
	guard := fmt.Sprintf("%s guard --chunk %s --worktree %s --run-dir %s",
		shellQuote(guardExe), shellQuote(policy.ChunkID), shellQuote(policy.Worktree), shellQuote(runDir))

	doc := settingsDoc{
		Hooks: map[string][]hookMatcher{
			"PreToolUse": {
				{
					Matcher: "Bash",
					Hooks:   []hookCommand{{Type: "command", Command: guard}},
				},
				{
					Matcher: "AskUserQuestion",
					Hooks:   []hookCommand{{Type: "command", Command: guard + " --capture-question"}},
				},
			},
		},
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("agent: marshal settings: %w", err)
	}
	path := filepath.Join(runDir, SettingsFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("agent: write settings: %w", err)
	}
	return path, nil
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$&|;<>(){}*?#~`") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// --- Hook payloads ---

// HookInput is the JSON payload the backend pipes to a pre-execution hook.
type HookInput struct {
	SessionID string          `json:"session_id"`
	Cwd       string          `json:"cwd"`
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
}

// ParseHookInput decodes a hook payload from r.
func ParseHookInput(r io.Reader) (*HookInput, error) {
	var in HookInput
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return nil, fmt.Errorf("agent: decode hook input: %w", err)
	}
	return &in, nil
}

// BashCommand returns the shell command of a Bash tool call.
func (in *HookInput) BashCommand() (string, error) {
	var input struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(in.ToolInput, &input); err != nil {
		return "", fmt.Errorf("agent: decode bash input: %w", err)
	}
	return input.Command, nil
}

// QuestionText returns the question of an AskUserQuestion tool call. The
// tool input carries either a single question or a questions array.
func (in *HookInput) QuestionText() (string, error) {
	var input struct {
		Question  string `json:"question"`
		Questions []struct {
			Question string `json:"question"`
		} `json:"questions"`
	}
	if err := json.Unmarshal(in.ToolInput, &input); err != nil {
		return "", fmt.Errorf("agent: decode question input: %w", err)
	}
	if input.Question != "" {
		return input.Question, nil
	}
	var parts []string
	for _, q := range input.Questions {
		if q.Question != "" {
			parts = append(parts, q.Question)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("agent: question tool call carries no question text")
	}
	return strings.Join(parts, "\n"), nil
}

// GuardBash evaluates a Bash hook payload against the policy. A violation is
// appended to the run's violations log before the error is returned, so the
// orchestrator can report it even though the hook process exits immediately.
func GuardBash(runDir string, policy Policy, in *HookInput) error {
	command, err := in.BashCommand()
	if err != nil {
		return err
	}
	evalErr := policy.Evaluate(in.Cwd, command)
	if evalErr == nil {
		return nil
	}
	line := fmt.Sprintf("%s\t%s\n", time.Now().UTC().Format(time.RFC3339), evalErr.Error())
	if err := appendFile(filepath.Join(runDir, ViolationsFile), line); err != nil {
		return fmt.Errorf("agent: record violation: %w (original: %s)", err, evalErr)
	}
	return evalErr
}

// capturedQuestion is the record the question hook leaves in the run
// directory for the orchestrator to pick up.
type capturedQuestion struct {
	Question   string `json:"question"`
	SessionID  string `json:"session_id"`
	RecordedAt string `json:"recorded_at"`
}

// CaptureQuestion records the agent's question in the run directory. The
// hook still blocks the tool call; the scheduler surfaces the question on
// the attention queue and resumes the session with the operator's answer.
func CaptureQuestion(runDir string, in *HookInput) error {
	question, err := in.QuestionText()
	if err != nil {
		return err
	}
	rec := capturedQuestion{
		Question:   question,
		SessionID:  in.SessionID,
		RecordedAt: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("agent: marshal question: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, QuestionFile), data, 0o644); err != nil {
		return fmt.Errorf("agent: write question: %w", err)
	}
	return nil
}

// --- Hook decisions ---

// AllowDecision is the hook response that lets a tool call proceed.
var AllowDecision = []byte("{}")

// hookDecision is the PreToolUse response protocol: an empty object allows
// the call, a deny decision blocks it with a reason the agent sees.
type hookDecision struct {
	PermissionDecision       string `json:"permissionDecision"`
	PermissionDecisionReason string `json:"permissionDecisionReason"`
}

func denyDecision(reason string) []byte {
	out, err := json.Marshal(hookDecision{
		PermissionDecision:       "deny",
		PermissionDecisionReason: reason,
	})
	if err != nil {
		return []byte(`{"permissionDecision":"deny","permissionDecisionReason":"sandbox guard error"}`)
	}
	return out
}

// HandleBashHook processes one Bash PreToolUse payload and returns the hook
// response. The guard fails closed: payloads it cannot parse are denied.
func HandleBashHook(runDir string, policy Policy, input []byte) []byte {
	in, err := ParseHookInput(bytes.NewReader(input))
	if err != nil {
		return denyDecision(fmt.Sprintf("unparseable hook payload: %v", err))
	}
	if in.ToolName != "" && in.ToolName != "Bash" {
		return AllowDecision
	}
	if err := GuardBash(runDir, policy, in); err != nil {
		return denyDecision(err.Error())
	}
	return AllowDecision
}

// HandleQuestionHook records the agent's question and denies the tool call,
// ending the turn so the operator can answer through the attention queue.
func HandleQuestionHook(runDir string, input []byte) []byte {
	in, err := ParseHookInput(bytes.NewReader(input))
	if err != nil {
		return denyDecision(fmt.Sprintf("unparseable hook payload: %v", err))
	}
	if err := CaptureQuestion(runDir, in); err != nil {
		return denyDecision(fmt.Sprintf("question not recorded: %v", err))
	}
	return denyDecision("Question recorded for the operator. Stop working and end this turn; the session will be resumed with the answer.")
}

// readQuestion returns the captured question text for a run, or "" when the
// run asked none.
func readQuestion(runDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(runDir, QuestionFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("agent: read question: %w", err)
	}
	var rec capturedQuestion
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", fmt.Errorf("agent: decode question: %w", err)
	}
	return rec.Question, nil
}

// ReadViolations returns the violation log lines recorded during a run.
func ReadViolations(runDir string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(runDir, ViolationsFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("agent: read violations: %w", err)
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func appendFile(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line)
	return err
}
