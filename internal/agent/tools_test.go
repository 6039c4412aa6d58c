package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

func testAgent(t *testing.T) *Agent {
	t.Helper()
	a := New(Workspace{
		Group:  t.TempDir(),
		Global: t.TempDir(),
		IPC:    t.TempDir(),
	}, nil)
	a.input = protocol.ContainerInput{ChannelID: "tg:42", GroupFolder: "family"}
	return a
}

func runTool(t *testing.T, a *Agent, name string, args map[string]any) (string, error) {
	t.Helper()
	for _, tool := range a.tools() {
		if tool.Decl.Name == name {
			return tool.Run(context.Background(), args)
		}
	}
	t.Fatalf("tool %q not registered", name)
	return "", nil
}

func TestToolRegistry(t *testing.T) {
	a := testAgent(t)
	want := []string{
		"bash", "read_file", "write_file", "edit_file", "list_files", "search_files",
		"google_search", "web_fetch",
		"send_message", "schedule_task", "list_tasks", "pause_task", "resume_task", "cancel_task",
	}
	got := make(map[string]bool)
	for _, tool := range a.tools() {
		got[tool.Decl.Name] = true
	}
	for _, name := range want {
		if !got[name] {
			t.Errorf("missing tool %q", name)
		}
	}
	if len(got) != len(want) {
		t.Errorf("got %d tools, want %d", len(got), len(want))
	}
}

func TestWriteReadEditFile(t *testing.T) {
	a := testAgent(t)

	if _, err := runTool(t, a, "write_file", map[string]any{"path": "notes/todo.txt", "content": "buy milk\n"}); err != nil {
		t.Fatalf("write_file: %v", err)
	}
	out, err := runTool(t, a, "read_file", map[string]any{"path": "notes/todo.txt"})
	if err != nil {
		t.Fatalf("read_file: %v", err)
	}
	if out != "buy milk\n" {
		t.Errorf("read got %q", out)
	}

	if _, err := runTool(t, a, "edit_file", map[string]any{
		"path": "notes/todo.txt", "old_string": "milk", "new_string": "bread",
	}); err != nil {
		t.Fatalf("edit_file: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(a.ws.Group, "notes/todo.txt"))
	if string(data) != "buy bread\n" {
		t.Errorf("after edit got %q", data)
	}

	// Ambiguous old_string is rejected.
	os.WriteFile(filepath.Join(a.ws.Group, "dup.txt"), []byte("aa aa"), 0644)
	if _, err := runTool(t, a, "edit_file", map[string]any{
		"path": "dup.txt", "old_string": "aa", "new_string": "bb",
	}); err == nil {
		t.Error("expected error for non-unique old_string")
	}
}

func TestPathEscapeRejected(t *testing.T) {
	a := testAgent(t)
	for _, path := range []string{"../outside.txt", "/etc/passwd", "a/../../x"} {
		if _, err := runTool(t, a, "write_file", map[string]any{"path": path, "content": "x"}); err == nil {
			t.Errorf("write to %q should be rejected", path)
		}
	}
	// Reads from the global mount are allowed.
	os.WriteFile(filepath.Join(a.ws.Global, "GEMINI.md"), []byte("shared"), 0644)
	out, err := runTool(t, a, "read_file", map[string]any{"path": filepath.Join(a.ws.Global, "GEMINI.md")})
	if err != nil || out != "shared" {
		t.Errorf("global read got %q, %v", out, err)
	}
}

func TestListAndSearchFiles(t *testing.T) {
	a := testAgent(t)
	os.MkdirAll(filepath.Join(a.ws.Group, "sub"), 0755)
	os.MkdirAll(filepath.Join(a.ws.Group, ".sessions"), 0755)
	os.WriteFile(filepath.Join(a.ws.Group, "a.txt"), []byte("needle here\n"), 0644)
	os.WriteFile(filepath.Join(a.ws.Group, "sub/b.txt"), []byte("nothing\nneedle again\n"), 0644)
	os.WriteFile(filepath.Join(a.ws.Group, ".sessions/s.json"), []byte("needle hidden"), 0644)

	out, err := runTool(t, a, "list_files", nil)
	if err != nil {
		t.Fatalf("list_files: %v", err)
	}
	if !strings.Contains(out, "a.txt") || !strings.Contains(out, "sub/") {
		t.Errorf("listing missing entries: %q", out)
	}

	out, err = runTool(t, a, "search_files", map[string]any{"pattern": "needle"})
	if err != nil {
		t.Fatalf("search_files: %v", err)
	}
	if !strings.Contains(out, "a.txt:1") || !strings.Contains(out, "needle again") {
		t.Errorf("search results: %q", out)
	}
	if strings.Contains(out, ".sessions") {
		t.Errorf("search should skip hidden dirs: %q", out)
	}
}

func TestBashTool(t *testing.T) {
	a := testAgent(t)
	out, err := runTool(t, a, "bash", map[string]any{"command": "echo hello && pwd"})
	if err != nil {
		t.Fatalf("bash: %v", err)
	}
	if !strings.Contains(out, "hello") {
		t.Errorf("output %q", out)
	}
	if !strings.Contains(out, a.ws.Group) {
		t.Errorf("cwd should be the group dir, got %q", out)
	}

	if _, err := runTool(t, a, "bash", map[string]any{"command": "exit 3"}); err == nil {
		t.Error("nonzero exit should error")
	}
}

func TestBashToolStripsSecrets(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "sk-secret")
	t.Setenv("GEMINI_MODEL", "gemini-2.5-flash")
	a := testAgent(t)
	out, err := runTool(t, a, "bash", map[string]any{
		"command": `echo "key=${GEMINI_API_KEY:-unset} model=${GEMINI_MODEL:-unset}"`,
	})
	if err != nil {
		t.Fatalf("bash: %v", err)
	}
	if !strings.Contains(out, "key=unset") || !strings.Contains(out, "model=unset") {
		t.Errorf("secrets leaked into child env: %q", out)
	}
}

func TestSafeEnv(t *testing.T) {
	env := safeEnv([]string{"PATH=/bin", "GEMINI_API_KEY=x", "GEMINI_MODEL=y", "HOME=/root"})
	joined := strings.Join(env, "\n")
	if strings.Contains(joined, "GEMINI") {
		t.Errorf("safeEnv kept secrets: %v", env)
	}
	if !strings.Contains(joined, "PATH=/bin") || !strings.Contains(joined, "HOME=/root") {
		t.Errorf("safeEnv dropped too much: %v", env)
	}
}

func TestSendMessageWritesEnvelope(t *testing.T) {
	a := testAgent(t)
	if _, err := runTool(t, a, "send_message", map[string]any{"text": "ping"}); err != nil {
		t.Fatalf("send_message: %v", err)
	}

	files := ipcFiles(t, filepath.Join(a.ws.IPC, "messages"))
	if len(files) != 1 {
		t.Fatalf("expected 1 envelope, got %v", files)
	}
	var env protocol.IPCEnvelope
	data, _ := os.ReadFile(files[0])
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Type != protocol.IPCMessage || env.ChannelID != "tg:42" || env.Text != "ping" {
		t.Errorf("envelope %+v", env)
	}
	if env.Timestamp == "" {
		t.Error("timestamp not set")
	}
}

func TestScheduleTaskDefaults(t *testing.T) {
	a := testAgent(t)
	if _, err := runTool(t, a, "schedule_task", map[string]any{
		"prompt": "water the plants", "schedule_type": "cron", "schedule_value": "0 9 * * *",
	}); err != nil {
		t.Fatalf("schedule_task: %v", err)
	}

	files := ipcFiles(t, filepath.Join(a.ws.IPC, "tasks"))
	if len(files) != 1 {
		t.Fatalf("expected 1 envelope, got %v", files)
	}
	var env protocol.IPCEnvelope
	data, _ := os.ReadFile(files[0])
	json.Unmarshal(data, &env)
	if env.Type != protocol.IPCScheduleTask || env.TargetChannelID != "tg:42" || env.ContextMode != "group" {
		t.Errorf("envelope %+v", env)
	}
}

func TestTaskControlTools(t *testing.T) {
	a := testAgent(t)
	for _, name := range []string{"pause_task", "resume_task", "cancel_task"} {
		if _, err := runTool(t, a, name, map[string]any{"taskId": "t-1"}); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}
	files := ipcFiles(t, filepath.Join(a.ws.IPC, "tasks"))
	if len(files) != 3 {
		t.Fatalf("expected 3 envelopes, got %d", len(files))
	}
	seen := make(map[string]bool)
	for _, f := range files {
		var env protocol.IPCEnvelope
		data, _ := os.ReadFile(f)
		json.Unmarshal(data, &env)
		if env.TaskID != "t-1" {
			t.Errorf("taskId %q in %s", env.TaskID, f)
		}
		seen[env.Type] = true
	}
	for _, typ := range []string{protocol.IPCPauseTask, protocol.IPCResumeTask, protocol.IPCCancelTask} {
		if !seen[typ] {
			t.Errorf("missing envelope type %s", typ)
		}
	}
}

func TestListTasksSnapshot(t *testing.T) {
	a := testAgent(t)

	out, err := runTool(t, a, "list_tasks", nil)
	if err != nil || out != "no scheduled tasks" {
		t.Errorf("without snapshot got %q, %v", out, err)
	}

	snapshot := []protocol.TaskView{{
		ID: "t-9", ChannelID: "tg:42", Prompt: "daily digest",
		ScheduleType: "cron", ScheduleValue: "0 8 * * *",
		Status: "active", NextRun: "2026-08-26T08:00:00.000Z",
	}}
	data, _ := json.Marshal(snapshot)
	os.WriteFile(filepath.Join(a.ws.IPC, "tasks.json"), data, 0644)

	out, err = runTool(t, a, "list_tasks", nil)
	if err != nil {
		t.Fatalf("list_tasks: %v", err)
	}
	for _, want := range []string{"t-9", "active", "0 8 * * *", "daily digest", "2026-08-26T08:00:00.000Z"} {
		if !strings.Contains(out, want) {
			t.Errorf("listing missing %q: %q", want, out)
		}
	}
}

// ipcFiles returns finished envelopes and fails on leftover tmp files.
func ipcFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read %s: %v", dir, err)
	}
	var files []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("leftover tmp file %s", e.Name())
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	return files
}
