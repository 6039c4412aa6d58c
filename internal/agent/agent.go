// Package agent is the sandbox side of the system: it reads one
// ContainerInput from stdin, runs a Gemini function-calling loop with
// workspace, web and IPC tools, persists the session, and emits the
// framed ContainerOutput on stdout. Everything else on stdout would
// corrupt the frame, so all logging goes to stderr.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

const maxTurns = 30

// Workspace names the container mounts the agent works against.
type Workspace struct {
	Group   string // read-write group dir
	Global  string // read-only shared instructions (non-main only)
	Project string // project root, mounted for main
	IPC     string // this group's IPC drop dirs and snapshots
}

// DefaultWorkspace matches the mount layout the host runner sets up.
func DefaultWorkspace() Workspace {
	return Workspace{
		Group:   "/workspace/group",
		Global:  "/workspace/global",
		Project: "/workspace/project",
		IPC:     "/workspace/ipc",
	}
}

// Agent runs one invocation. It is single-use: Execute consumes stdin
// and the process exits afterwards.
type Agent struct {
	ws     Workspace
	client *GeminiClient
	input  protocol.ContainerInput
}

func New(ws Workspace, client *GeminiClient) *Agent {
	return &Agent{ws: ws, client: client}
}

// Execute decodes the input, runs the loop and writes the framed
// output. Failures still produce a well-formed error frame so the host
// sees a parseable result instead of a bare nonzero exit.
func (a *Agent) Execute(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	var input protocol.ContainerInput
	if err := json.NewDecoder(stdin).Decode(&input); err != nil {
		return a.emit(stdout, &protocol.ContainerOutput{
			Status: protocol.StatusError,
			Error:  fmt.Sprintf("decode input: %v", err),
		})
	}
	a.input = input

	out, err := a.run(ctx)
	if err != nil {
		slog.Error("agent.run_failed", "error", err)
		return a.emit(stdout, &protocol.ContainerOutput{
			Status: protocol.StatusError,
			Error:  err.Error(),
		})
	}
	return a.emit(stdout, out)
}

func (a *Agent) emit(stdout io.Writer, out *protocol.ContainerOutput) error {
	framed, err := protocol.FrameOutput(*out)
	if err != nil {
		return fmt.Errorf("frame output: %w", err)
	}
	_, err = io.WriteString(stdout, framed)
	return err
}

func (a *Agent) run(ctx context.Context) (*protocol.ContainerOutput, error) {
	sessionID := a.input.SessionID
	var contents []Content
	if sessionID != "" {
		contents = a.loadContents(sessionID)
	} else {
		sessionID = uuid.NewString()
	}

	contents = append(contents, Content{Role: "user", Parts: a.userParts()})

	tools := a.tools()
	decls := make([]FunctionDecl, len(tools))
	byName := make(map[string]Tool, len(tools))
	for i, t := range tools {
		decls[i] = t.Decl
		byName[t.Decl.Name] = t
	}
	system := a.systemPrompt()

	var finalText string
	for turn := 0; turn < maxTurns; turn++ {
		parts, err := a.client.Generate(ctx, system, contents, decls)
		if err != nil {
			return nil, fmt.Errorf("model call: %w", err)
		}
		contents = append(contents, Content{Role: "model", Parts: parts})

		text, calls := probeParts(parts)
		if len(calls) == 0 {
			finalText = text
			break
		}

		slog.Info("agent.tool_turn", "turn", turn, "calls", len(calls))
		responses := make([]json.RawMessage, 0, len(calls))
		for _, call := range calls {
			responses = append(responses, a.execCall(ctx, byName, call))
		}
		contents = append(contents, Content{Role: "user", Parts: responses})
	}

	if err := a.saveContents(sessionID, contents); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	reply := stripSilent(finalText)
	result := &protocol.AgentResult{}
	if reply == "" {
		result.OutputType = protocol.OutputLog
		result.InternalLog = strings.TrimSpace(finalText)
		if result.InternalLog == "" {
			result.InternalLog = "agent produced no reply"
		}
	} else {
		result.OutputType = protocol.OutputMessage
		result.UserMessage = reply
	}

	if err := a.appendTranscript(time.Now(), a.input.ChannelID, a.input.Prompt, finalText); err != nil {
		slog.Warn("agent.transcript_failed", "error", err)
	}

	return &protocol.ContainerOutput{
		Status:       protocol.StatusSuccess,
		Result:       result,
		NewSessionID: sessionID,
	}, nil
}

// execCall runs one tool and wraps the outcome as a functionResponse
// part. Tool errors go back to the model as data; only the transport
// around the loop can fail the run.
func (a *Agent) execCall(ctx context.Context, byName map[string]Tool, call FunctionCall) json.RawMessage {
	var response map[string]any
	tool, ok := byName[call.Name]
	if !ok {
		response = map[string]any{"error": fmt.Sprintf("unknown tool %q", call.Name)}
	} else if out, err := tool.Run(ctx, call.Args); err != nil {
		slog.Warn("agent.tool_failed", "tool", call.Name, "error", err)
		response = map[string]any{"error": err.Error()}
	} else {
		response = map[string]any{"result": out}
	}

	part, err := json.Marshal(map[string]any{
		"functionResponse": map[string]any{
			"name":     call.Name,
			"response": response,
		},
	})
	if err != nil {
		part = []byte(`{"functionResponse":{"name":"` + call.Name + `","response":{"error":"encode failure"}}}`)
	}
	return part
}

func (a *Agent) tools() []Tool {
	tools := a.fsTools()
	tools = append(tools, a.webTools()...)
	tools = append(tools, a.ipcTools()...)
	return tools
}

// userParts builds the opening user turn: the prompt text plus any
// inline images the host attached.
func (a *Agent) userParts() []json.RawMessage {
	parts := []json.RawMessage{mustPart(map[string]any{"text": a.input.Prompt})}
	for _, img := range a.input.Images {
		parts = append(parts, mustPart(map[string]any{
			"inlineData": map[string]any{
				"mimeType": img.MimeType,
				"data":     img.Data,
			},
		}))
	}
	return parts
}

func mustPart(v map[string]any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// systemPrompt layers the built-in contract under the operator-written
// instructions: global ones first for non-main groups, then the
// group's own GEMINI.md.
func (a *Agent) systemPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, `You are an assistant embedded in a group chat, running in a sandboxed container.
Channel: %s
Current time: %s

Messages arrive as a <messages> block; reply to the conversation, not to the block format.
Your working directory persists between conversations. Use the tools to read and write files, run commands, search the web, and manage scheduled tasks.
If no reply is warranted, answer with exactly [SILENT].`,
		a.input.ChannelID, time.Now().UTC().Format(time.RFC3339))
	if a.input.IsScheduledTask {
		b.WriteString("\nThis invocation is an automated scheduled task, not a user message.")
	}

	if !a.input.IsMain {
		if data, err := os.ReadFile(filepath.Join(a.ws.Global, "GEMINI.md")); err == nil {
			b.WriteString("\n\n")
			b.Write(data)
		}
	}
	if data, err := os.ReadFile(filepath.Join(a.ws.Group, "GEMINI.md")); err == nil {
		b.WriteString("\n\n")
		b.Write(data)
	}
	return b.String()
}

// stripSilent removes the no-reply token; a reply that was only the
// token (or empty) becomes a log-only result.
func stripSilent(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "[SILENT]", ""))
}
