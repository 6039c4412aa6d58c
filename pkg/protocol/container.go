// Package protocol holds the wire contract between the supervisor host
// and the sandboxed agent: the stdin/stdout JSON shapes, the stdout
// framing markers, and the file-IPC payloads. Both sides import this
// package and nothing else from each other.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Stdout framing markers. The sandbox writes exactly one framed block;
// the host parses the content between the LAST matching pair so agent
// tool output echoed to stdout cannot spoof a result.
const (
	OutputStartMarker = "---NANOCLAW_OUTPUT_START---"
	OutputEndMarker   = "---NANOCLAW_OUTPUT_END---"
)

// ContainerInput is the single JSON object the host writes to the
// sandbox's stdin before closing it.
type ContainerInput struct {
	Prompt          string       `json:"prompt"`
	SessionID       string       `json:"sessionId,omitempty"`
	GroupFolder     string       `json:"groupFolder"`
	ChannelID       string       `json:"channelId"`
	IsMain          bool         `json:"isMain"`
	IsScheduledTask bool         `json:"isScheduledTask,omitempty"`
	Images          []InputImage `json:"images,omitempty"`
}

// InputImage is one inline image forwarded to the model.
type InputImage struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

// Output statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Output types inside AgentResult.
const (
	OutputMessage = "message"
	OutputLog     = "log"
)

// ContainerOutput is the framed JSON block the sandbox writes to stdout.
type ContainerOutput struct {
	Status       string       `json:"status"`
	Result       *AgentResult `json:"result"`
	NewSessionID string       `json:"newSessionId,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// AgentResult is the agent's answer for one invocation. OutputType
// "message" carries user-visible text; "log" means the agent chose
// silence and UserMessage is empty.
type AgentResult struct {
	OutputType  string `json:"outputType"`
	UserMessage string `json:"userMessage,omitempty"`
	InternalLog string `json:"internalLog,omitempty"`
}

// FrameOutput renders a ContainerOutput as the framed block the host
// expects: start marker, single-line JSON, end marker.
func FrameOutput(out ContainerOutput) (string, error) {
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("marshal container output: %w", err)
	}
	return OutputStartMarker + "\n" + string(data) + "\n" + OutputEndMarker + "\n", nil
}

// ExtractOutput finds the last framed block in a sandbox's stdout and
// decodes it. Everything outside the markers is noise.
func ExtractOutput(stdout string) (*ContainerOutput, error) {
	start := strings.LastIndex(stdout, OutputStartMarker)
	if start < 0 {
		return nil, fmt.Errorf("no output start marker")
	}
	rest := stdout[start+len(OutputStartMarker):]
	end := strings.Index(rest, OutputEndMarker)
	if end < 0 {
		return nil, fmt.Errorf("no output end marker")
	}
	payload := strings.TrimSpace(rest[:end])

	var out ContainerOutput
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return nil, fmt.Errorf("decode container output: %w", err)
	}
	if out.Status != StatusSuccess && out.Status != StatusError {
		return nil, fmt.Errorf("unknown output status %q", out.Status)
	}
	return &out, nil
}
