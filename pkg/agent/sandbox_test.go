package agent //nolint:testpackage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"loom/pkg/protocol"
)

func TestPolicyEvaluate(t *testing.T) {
	t.Parallel()

	const wt = "/work/.worktrees/chunk-a"
	policy := Policy{ChunkID: "chunk-a", Worktree: wt}

	tests := []struct {
		name    string
		cwd     string
		command string
		wantErr bool
	}{
		{"plain command inside", wt, "ls -la", false},
		{"subdir cwd inside", wt + "/pkg", "go test ./...", false},
		{"cwd outside worktree", "/work", "ls", true},
		{"cwd is main checkout", "/work/src", "git status", true},
		{"cd absolute outside", wt, "cd /etc && cat passwd", true},
		{"cd relative inside", wt, "cd pkg/store && go test", false},
		{"cd relative escape", wt, "cd ../../.. && ls", true},
		{"cd quoted outside", wt, "cd '/var/log'", true},
		{"git -C outside", wt, "git -C /work/src log", true},
		{"git -C relative inside", wt, "git -C ./pkg status", false},
		{"git dir flag outside", wt, "git --git-dir=/work/src/.git status", true},
		{"git dir flag inside", wt, "git --git-dir=.git status", false},
		{"git dir split flag outside", wt, "git --git-dir /work/src/.git log", true},
		{"work tree flag outside", wt, "git --work-tree=/work/src checkout -- .", true},
		{"GIT_DIR env outside", wt, "GIT_DIR=/work/src/.git git status", true},
		{"GIT_WORK_TREE env escape", wt, "GIT_WORK_TREE=../other git checkout .", true},
		{"escape after operator", wt, "make test && git -C /work/src rebase", true},
		{"pipe stays inside", wt, "cat notes.txt | grep TODO", false},
		{"grep -C is not a path flag", wt, "grep -C 3 pattern main.go", false},
		{"subdir named like parent prefix", wt, "cd /work/.worktrees/chunk-a/sub", false},
		{"sibling worktree", wt, "cd /work/.worktrees/chunk-b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := policy.Evaluate(tt.cwd, tt.command)
			if tt.wantErr && err == nil {
				t.Fatalf("Evaluate(%q, %q) = nil, want violation", tt.cwd, tt.command)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Evaluate(%q, %q) = %v, want nil", tt.cwd, tt.command, err)
			}
			if tt.wantErr {
				var violation *protocol.SandboxViolationError
				if !errors.As(err, &violation) {
					t.Fatalf("error type = %T, want *protocol.SandboxViolationError", err)
				}
				if violation.ChunkID != "chunk-a" {
					t.Errorf("violation.ChunkID = %q, want chunk-a", violation.ChunkID)
				}
				if violation.Command != tt.command {
					t.Errorf("violation.Command = %q, want %q", violation.Command, tt.command)
				}
			}
		})
	}
}

func TestWithin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		root string
		p    string
		want bool
	}{
		{"/work/wt", "/work/wt", true},
		{"/work/wt", "/work/wt/sub/deep", true},
		{"/work/wt", "/work", false},
		{"/work/wt", "/work/wt2", false},
		{"/work/wt", "/other", false},
		{"/work/wt", "/", false},
	}
	for _, tt := range tests {
		if got := within(tt.root, tt.p); got != tt.want {
			t.Errorf("within(%q, %q) = %v, want %v", tt.root, tt.p, got, tt.want)
		}
	}
}

func TestSplitTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		command string
		want    []string
	}{
		{"ls -la", []string{"ls", "-la"}},
		{"cd '/etc/nginx conf'", []string{"cd", "/etc/nginx conf"}},
		{`echo "a b" c`, []string{"echo", "a b", "c"}},
		{"a && b", []string{"a", "&&", "b"}},
		{"a;b", []string{"a", ";", "b"}},
		{"a | b || c", []string{"a", "|", "b", "||", "c"}},
		{"GIT_DIR=/x git status", []string{"GIT_DIR=/x", "git", "status"}},
	}
	for _, tt := range tests {
		if got := splitTokens(tt.command); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("splitTokens(%q) = %q, want %q", tt.command, got, tt.want)
		}
	}
}

func TestWriteSettings(t *testing.T) {
	t.Parallel()

	runDir := t.TempDir()
	policy := Policy{ChunkID: "auth-1", Worktree: "/work/.worktrees/auth-1"}

	path, err := WriteSettings(runDir, policy, "/usr/local/bin/loom")
	if err != nil {
		t.Fatalf("WriteSettings: %v", err)
	}
	if path != filepath.Join(runDir, SettingsFile) {
		t.Errorf("settings path = %q, want %q", path, filepath.Join(runDir, SettingsFile))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read settings: %v", err)
	}
	var doc settingsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("settings is not valid JSON: %v", err)
	}

	matchers := doc.Hooks["PreToolUse"]
	if len(matchers) != 2 {
		t.Fatalf("PreToolUse matchers = %d, want 2", len(matchers))
	}
	byMatcher := map[string]string{}
	for _, m := range matchers {
		if len(m.Hooks) != 1 {
			t.Fatalf("matcher %q has %d hooks, want 1", m.Matcher, len(m.Hooks))
		}
		byMatcher[m.Matcher] = m.Hooks[0].Command
	}

	bash := byMatcher["Bash"]
	if !strings.Contains(bash, "guard") || !strings.Contains(bash, "--chunk auth-1") || !strings.Contains(bash, "--worktree") {
		t.Errorf("Bash hook command missing guard flags: %q", bash)
	}
	if strings.Contains(bash, "--capture-question") {
		t.Errorf("Bash hook must not capture questions: %q", bash)
	}
	question := byMatcher["AskUserQuestion"]
	if !strings.Contains(question, "--capture-question") {
		t.Errorf("AskUserQuestion hook missing --capture-question: %q", question)
	}
}

func TestShellQuote(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"/usr/local/bin/loom", "/usr/local/bin/loom"},
		{"has space", "'has space'"},
		{"", "''"},
		{"it's", `'it'\''s'`},
	}
	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGuardBashRecordsViolation(t *testing.T) {
	t.Parallel()

	runDir := t.TempDir()
	policy := Policy{ChunkID: "auth-1", Worktree: "/work/.worktrees/auth-1"}
	in := &HookInput{
		Cwd:       "/work/.worktrees/auth-1",
		ToolName:  "Bash",
		ToolInput: json.RawMessage(`{"command": "git -C /work/src rebase main"}`),
	}

	err := GuardBash(runDir, policy, in)
	var violation *protocol.SandboxViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("GuardBash error = %v, want sandbox violation", err)
	}

	lines, err := ReadViolations(runDir)
	if err != nil {
		t.Fatalf("ReadViolations: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("violation lines = %d, want 1", len(lines))
	}
	if !strings.Contains(lines[0], "outside the worktree") {
		t.Errorf("violation line missing reason: %q", lines[0])
	}
}

func TestGuardBashAllowsInsideCommand(t *testing.T) {
	t.Parallel()

	runDir := t.TempDir()
	policy := Policy{ChunkID: "auth-1", Worktree: "/work/.worktrees/auth-1"}
	in := &HookInput{
		Cwd:       "/work/.worktrees/auth-1",
		ToolName:  "Bash",
		ToolInput: json.RawMessage(`{"command": "go test ./..."}`),
	}

	if err := GuardBash(runDir, policy, in); err != nil {
		t.Fatalf("GuardBash = %v, want nil", err)
	}
	lines, err := ReadViolations(runDir)
	if err != nil {
		t.Fatalf("ReadViolations: %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("violation lines = %d, want 0", len(lines))
	}
}

func TestHandleBashHookDecisions(t *testing.T) {
	t.Parallel()

	policy := Policy{ChunkID: "auth-1", Worktree: "/work/.worktrees/auth-1"}

	tests := []struct {
		name     string
		input    string
		wantDeny bool
	}{
		{
			"inside allowed",
			`{"cwd":"/work/.worktrees/auth-1","tool_name":"Bash","tool_input":{"command":"go build ./..."}}`,
			false,
		},
		{
			"outside denied",
			`{"cwd":"/work/.worktrees/auth-1","tool_name":"Bash","tool_input":{"command":"git -C /work/src rebase"}}`,
			true,
		},
		{
			"garbage payload fails closed",
			`not json at all`,
			true,
		},
		{
			"other tool passes through",
			`{"tool_name":"Read","tool_input":{"file_path":"/etc/passwd"}}`,
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out := HandleBashHook(t.TempDir(), policy, []byte(tt.input))
			var decision hookDecision
			if err := json.Unmarshal(out, &decision); err != nil {
				t.Fatalf("response is not JSON: %v (%s)", err, out)
			}
			denied := decision.PermissionDecision == "deny"
			if denied != tt.wantDeny {
				t.Errorf("deny = %v, want %v (response %s)", denied, tt.wantDeny, out)
			}
			if tt.wantDeny && decision.PermissionDecisionReason == "" {
				t.Error("deny without a reason")
			}
		})
	}
}

func TestHandleQuestionHookDeniesAndRecords(t *testing.T) {
	t.Parallel()

	runDir := t.TempDir()
	input := `{"session_id":"s1","tool_name":"AskUserQuestion","tool_input":{"question":"Which port?"}}`

	out := HandleQuestionHook(runDir, []byte(input))
	var decision hookDecision
	if err := json.Unmarshal(out, &decision); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if decision.PermissionDecision != "deny" {
		t.Fatalf("decision = %q, want deny", decision.PermissionDecision)
	}
	if !strings.Contains(decision.PermissionDecisionReason, "recorded") {
		t.Errorf("reason = %q", decision.PermissionDecisionReason)
	}

	got, err := readQuestion(runDir)
	if err != nil {
		t.Fatalf("readQuestion: %v", err)
	}
	if got != "Which port?" {
		t.Errorf("question = %q", got)
	}
}

func TestCaptureQuestionRoundTrip(t *testing.T) {
	t.Parallel()

	runDir := t.TempDir()
	in := &HookInput{
		SessionID: "sess-9",
		ToolName:  "AskUserQuestion",
		ToolInput: json.RawMessage(`{"questions": [{"question": "Which database should sessions use?"}]}`),
	}

	if err := CaptureQuestion(runDir, in); err != nil {
		t.Fatalf("CaptureQuestion: %v", err)
	}
	got, err := readQuestion(runDir)
	if err != nil {
		t.Fatalf("readQuestion: %v", err)
	}
	if got != "Which database should sessions use?" {
		t.Errorf("question = %q", got)
	}
}

func TestReadQuestionMissingFile(t *testing.T) {
	t.Parallel()

	got, err := readQuestion(t.TempDir())
	if err != nil {
		t.Fatalf("readQuestion: %v", err)
	}
	if got != "" {
		t.Errorf("question = %q, want empty", got)
	}
}

func TestParseHookInput(t *testing.T) {
	t.Parallel()

	payload := `{"session_id":"s1","cwd":"/wt","tool_name":"Bash","tool_input":{"command":"ls"}}`
	in, err := ParseHookInput(strings.NewReader(payload))
	if err != nil {
		t.Fatalf("ParseHookInput: %v", err)
	}
	if in.SessionID != "s1" || in.Cwd != "/wt" || in.ToolName != "Bash" {
		t.Errorf("parsed input = %+v", in)
	}
	cmd, err := in.BashCommand()
	if err != nil {
		t.Fatalf("BashCommand: %v", err)
	}
	if cmd != "ls" {
		t.Errorf("command = %q, want ls", cmd)
	}
}

func TestQuestionTextForms(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"single question field", `{"question": "Use Redis?"}`, "Use Redis?", false},
		{"questions array", `{"questions": [{"question": "A?"}, {"question": "B?"}]}`, "A?\nB?", false},
		{"no question text", `{"options": []}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := &HookInput{ToolInput: json.RawMessage(tt.input)}
			got, err := in.QuestionText()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("QuestionText = %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("QuestionText: %v", err)
			}
			if got != tt.want {
				t.Errorf("QuestionText = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGitEnv(t *testing.T) {
	t.Parallel()

	env := GitEnv("/work/.worktrees/auth-1", "/work/src")
	want := []string{
		"GIT_DIR=/work/.worktrees/auth-1/.git",
		"GIT_WORK_TREE=/work/.worktrees/auth-1",
		"GIT_CEILING_DIRECTORIES=/work",
	}
	if !reflect.DeepEqual(env, want) {
		t.Errorf("GitEnv = %q, want %q", env, want)
	}
}
