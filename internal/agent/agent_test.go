package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

// fakeModel serves canned generateContent responses in order and
// records the request bodies it saw.
type fakeModel struct {
	t         *testing.T
	responses []string
	requests  []generateRequest
}

func (f *fakeModel) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			f.t.Errorf("decode request: %v", err)
		}
		f.requests = append(f.requests, req)
		if len(f.responses) == 0 {
			f.t.Error("fake model exhausted")
			http.Error(w, "exhausted", http.StatusInternalServerError)
			return
		}
		resp := f.responses[0]
		f.responses = f.responses[1:]
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(resp))
	}
}

func modelResponse(parts ...string) string {
	return `{"candidates":[{"content":{"role":"model","parts":[` + strings.Join(parts, ",") + `]},"finishReason":"STOP"}]}`
}

func newTestAgent(t *testing.T, fake *fakeModel) *Agent {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	client := &GeminiClient{
		baseURL: srv.URL,
		apiKey:  "test-key",
		model:   "test-model",
		http:    srv.Client(),
	}
	return New(Workspace{
		Group:  t.TempDir(),
		Global: t.TempDir(),
		IPC:    t.TempDir(),
	}, client)
}

func execute(t *testing.T, a *Agent, input string) string {
	t.Helper()
	var out bytes.Buffer
	if err := a.Execute(context.Background(), strings.NewReader(input), &out); err != nil {
		t.Fatalf("execute: %v", err)
	}
	return out.String()
}

func TestExecuteTextReply(t *testing.T) {
	fake := &fakeModel{t: t, responses: []string{
		modelResponse(`{"text":"All done."}`),
	}}
	a := newTestAgent(t, fake)

	stdout := execute(t, a, `{"prompt":"<messages>hi</messages>","groupFolder":"family","channelId":"tg:42","isMain":false}`)

	out, err := protocol.ExtractOutput(stdout)
	if err != nil {
		t.Fatalf("parse frame: %v", err)
	}
	if out.Status != "success" {
		t.Fatalf("status %q, error %q", out.Status, out.Error)
	}
	if out.Result.OutputType != "message" || out.Result.UserMessage != "All done." {
		t.Errorf("result %+v", out.Result)
	}
	if out.NewSessionID == "" {
		t.Error("expected a generated session id")
	}

	// Session persisted under the new id.
	path := filepath.Join(a.ws.Group, ".sessions", out.NewSessionID+".json")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("session file: %v", err)
	}

	// Transcript written for today.
	day := time.Now().UTC().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(a.ws.Group, "conversations", day+".md"))
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	if !strings.Contains(string(data), "All done.") {
		t.Errorf("transcript content: %q", data)
	}
}

func TestExecuteFunctionCallLoop(t *testing.T) {
	fake := &fakeModel{t: t, responses: []string{
		modelResponse(`{"functionCall":{"name":"write_file","args":{"path":"note.txt","content":"remember"}},"thoughtSignature":"sig-abc"}`),
		modelResponse(`{"text":"Saved it."}`),
	}}
	a := newTestAgent(t, fake)

	stdout := execute(t, a, `{"prompt":"save a note","groupFolder":"family","channelId":"tg:42"}`)
	out, err := protocol.ExtractOutput(stdout)
	if err != nil {
		t.Fatalf("parse frame: %v", err)
	}
	if out.Result.UserMessage != "Saved it." {
		t.Fatalf("result %+v", out.Result)
	}

	// The tool ran for real.
	data, err := os.ReadFile(filepath.Join(a.ws.Group, "note.txt"))
	if err != nil || string(data) != "remember" {
		t.Errorf("tool side effect: %q, %v", data, err)
	}

	// Second request carried the model turn and a functionResponse.
	if len(fake.requests) != 2 {
		t.Fatalf("expected 2 model calls, got %d", len(fake.requests))
	}
	second := fake.requests[1]
	last := second.Contents[len(second.Contents)-1]
	if last.Role != "user" || !strings.Contains(string(last.Parts[0]), "functionResponse") {
		t.Errorf("last turn %s: %s", last.Role, last.Parts[0])
	}
	if !strings.Contains(string(last.Parts[0]), "wrote 8 bytes") {
		t.Errorf("functionResponse payload: %s", last.Parts[0])
	}

	// Opaque part fields round-trip into the session file untouched.
	session, err := os.ReadFile(filepath.Join(a.ws.Group, ".sessions", out.NewSessionID+".json"))
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if !strings.Contains(string(session), `"thoughtSignature":"sig-abc"`) {
		t.Error("thoughtSignature lost in session round trip")
	}
}

func TestExecuteResumesSession(t *testing.T) {
	fake := &fakeModel{t: t, responses: []string{
		modelResponse(`{"text":"continuing"}`),
	}}
	a := newTestAgent(t, fake)

	prior := []Content{
		{Role: "user", Parts: []json.RawMessage{json.RawMessage(`{"text":"earlier question"}`)}},
		{Role: "model", Parts: []json.RawMessage{json.RawMessage(`{"text":"earlier answer","thoughtSignature":"keep-me"}`)}},
	}
	os.MkdirAll(filepath.Join(a.ws.Group, ".sessions"), 0755)
	data, _ := json.Marshal(prior)
	os.WriteFile(filepath.Join(a.ws.Group, ".sessions", "s1.json"), data, 0644)

	stdout := execute(t, a, `{"prompt":"follow up","sessionId":"s1","groupFolder":"family","channelId":"tg:42"}`)
	out, err := protocol.ExtractOutput(stdout)
	if err != nil {
		t.Fatalf("parse frame: %v", err)
	}
	if out.NewSessionID != "s1" {
		t.Errorf("session id %q", out.NewSessionID)
	}

	req := fake.requests[0]
	if len(req.Contents) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(req.Contents))
	}
	if !strings.Contains(string(req.Contents[1].Parts[0]), "keep-me") {
		t.Error("prior model turn lost opaque fields")
	}
}

func TestExecuteSilentReply(t *testing.T) {
	fake := &fakeModel{t: t, responses: []string{
		modelResponse(`{"text":"[SILENT]"}`),
	}}
	a := newTestAgent(t, fake)

	stdout := execute(t, a, `{"prompt":"nothing to say","groupFolder":"family","channelId":"tg:42"}`)
	out, err := protocol.ExtractOutput(stdout)
	if err != nil {
		t.Fatalf("parse frame: %v", err)
	}
	if out.Result.OutputType != "log" {
		t.Errorf("silent reply should be log output, got %+v", out.Result)
	}
	if out.Result.UserMessage != "" {
		t.Errorf("no user message expected, got %q", out.Result.UserMessage)
	}
}

func TestExecuteSystemPromptLayers(t *testing.T) {
	fake := &fakeModel{t: t, responses: []string{
		modelResponse(`{"text":"ok"}`),
	}}
	a := newTestAgent(t, fake)
	os.WriteFile(filepath.Join(a.ws.Global, "GEMINI.md"), []byte("GLOBAL-RULES"), 0644)
	os.WriteFile(filepath.Join(a.ws.Group, "GEMINI.md"), []byte("GROUP-RULES"), 0644)

	execute(t, a, `{"prompt":"hi","groupFolder":"family","channelId":"tg:42","isMain":false}`)

	system := fake.requests[0].SystemInstruction.Parts[0].Text
	if !strings.Contains(system, "GLOBAL-RULES") || !strings.Contains(system, "GROUP-RULES") {
		t.Errorf("system prompt missing layers: %q", system)
	}
	if strings.Index(system, "GLOBAL-RULES") > strings.Index(system, "GROUP-RULES") {
		t.Error("global instructions should precede group ones")
	}
}

func TestExecuteMainSkipsGlobalPrompt(t *testing.T) {
	fake := &fakeModel{t: t, responses: []string{
		modelResponse(`{"text":"ok"}`),
	}}
	a := newTestAgent(t, fake)
	os.WriteFile(filepath.Join(a.ws.Global, "GEMINI.md"), []byte("GLOBAL-RULES"), 0644)

	execute(t, a, `{"prompt":"hi","groupFolder":"main","channelId":"wa:admin","isMain":true}`)

	system := fake.requests[0].SystemInstruction.Parts[0].Text
	if strings.Contains(system, "GLOBAL-RULES") {
		t.Error("main group should not inherit global instructions")
	}
}

func TestExecuteInlineImages(t *testing.T) {
	fake := &fakeModel{t: t, responses: []string{
		modelResponse(`{"text":"nice photo"}`),
	}}
	a := newTestAgent(t, fake)

	execute(t, a, `{"prompt":"look","groupFolder":"family","channelId":"tg:42","images":[{"name":"p.jpg","mimeType":"image/jpeg","data":"aGVsbG8="}]}`)

	first := fake.requests[0].Contents[0]
	if len(first.Parts) != 2 {
		t.Fatalf("expected text+image parts, got %d", len(first.Parts))
	}
	if !strings.Contains(string(first.Parts[1]), `"mimeType":"image/jpeg"`) {
		t.Errorf("image part: %s", first.Parts[1])
	}
}

func TestExecuteBadInputEmitsErrorFrame(t *testing.T) {
	a := New(Workspace{Group: t.TempDir(), IPC: t.TempDir()}, nil)
	var out bytes.Buffer
	if err := a.Execute(context.Background(), strings.NewReader("not json"), &out); err != nil {
		t.Fatalf("execute: %v", err)
	}
	parsed, err := protocol.ExtractOutput(out.String())
	if err != nil {
		t.Fatalf("parse frame: %v", err)
	}
	if parsed.Status != protocol.StatusError || parsed.Error == "" {
		t.Errorf("expected error frame, got %+v", parsed)
	}
}

func TestExecuteModelErrorEmitsErrorFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"code":400,"message":"bad","status":"INVALID_ARGUMENT"}}`, http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)
	a := New(Workspace{Group: t.TempDir(), IPC: t.TempDir()},
		&GeminiClient{baseURL: srv.URL, apiKey: "k", model: "m", http: srv.Client()})

	var out bytes.Buffer
	if err := a.Execute(context.Background(), strings.NewReader(`{"prompt":"hi","groupFolder":"g","channelId":"c"}`), &out); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), `"status":"error"`) {
		t.Errorf("expected error frame: %q", out.String())
	}
}

func TestStripSilent(t *testing.T) {
	cases := map[string]string{
		"[SILENT]":            "",
		"  [SILENT]  ":        "",
		"before [SILENT]":     "before",
		"plain reply":         "plain reply",
		"[SILENT][SILENT]":    "",
		"a [SILENT] b":        "a  b",
	}
	for in, want := range cases {
		if got := stripSilent(in); got != want {
			t.Errorf("stripSilent(%q) = %q, want %q", in, got, want)
		}
	}
}
