package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const (
	defaultModel   = "gemini-2.5-flash"
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
)

// Content is one conversation turn. Parts stay raw JSON end to end:
// the API returns opaque fields (thoughtSignature among them) that must
// survive the session-file round trip byte for byte, so we never decode
// a part into a struct we would re-encode.
type Content struct {
	Role  string            `json:"role"`
	Parts []json.RawMessage `json:"parts"`
}

// FunctionCall is the decoded view of a functionCall part.
type FunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// FunctionDecl describes one callable tool to the model.
type FunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// partProbe decodes just enough of a raw part to route it.
type partProbe struct {
	Text         string        `json:"text"`
	Thought      bool          `json:"thought"`
	FunctionCall *FunctionCall `json:"functionCall"`
}

type generateRequest struct {
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
	Contents          []Content          `json:"contents"`
	Tools             []requestTools     `json:"tools,omitempty"`
}

type systemInstruction struct {
	Parts []textPart `json:"parts"`
}

type textPart struct {
	Text string `json:"text"`
}

type requestTools struct {
	FunctionDeclarations []FunctionDecl `json:"functionDeclarations"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Role  string            `json:"role"`
			Parts []json.RawMessage `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// GeminiClient calls the generateContent REST endpoint.
type GeminiClient struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

// NewGeminiClient builds a client from the environment the host injects
// into the container (GEMINI_API_KEY, GEMINI_MODEL).
func NewGeminiClient() (*GeminiClient, error) {
	key := os.Getenv("GEMINI_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is not set")
	}
	model := os.Getenv("GEMINI_MODEL")
	if model == "" {
		model = defaultModel
	}
	return &GeminiClient{
		baseURL: defaultBaseURL,
		apiKey:  key,
		model:   model,
		http:    &http.Client{Timeout: 120 * time.Second},
	}, nil
}

// Generate runs one generateContent call and returns the first
// candidate's parts, raw. Transient statuses (429, 5xx) are retried
// with a short backoff.
func (c *GeminiClient) Generate(ctx context.Context, system string, contents []Content, tools []FunctionDecl) ([]json.RawMessage, error) {
	req := generateRequest{Contents: contents}
	if system != "" {
		req.SystemInstruction = &systemInstruction{Parts: []textPart{{Text: system}}}
	}
	if len(tools) > 0 {
		req.Tools = []requestTools{{FunctionDeclarations: tools}}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 2 * time.Second):
			}
		}
		parts, retryable, err := c.call(ctx, url, body)
		if err == nil {
			return parts, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *GeminiClient) call(ctx context.Context, url string, body []byte) (parts []json.RawMessage, retryable bool, err error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, true, fmt.Errorf("gemini request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read gemini response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		retryable := httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500
		return nil, retryable, fmt.Errorf("gemini status %d: %s", httpResp.StatusCode, truncate(string(respBody), 500))
	}

	var resp generateResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, false, fmt.Errorf("decode gemini response: %w", err)
	}
	if resp.Error != nil {
		return nil, false, fmt.Errorf("gemini error %s: %s", resp.Error.Status, resp.Error.Message)
	}
	if len(resp.Candidates) == 0 {
		return nil, false, fmt.Errorf("gemini returned no candidates")
	}
	return resp.Candidates[0].Content.Parts, false, nil
}

// probeParts splits raw parts into visible text and function calls.
// Thought parts are skipped in the text but stay in the raw slice.
func probeParts(parts []json.RawMessage) (text string, calls []FunctionCall) {
	for _, raw := range parts {
		var p partProbe
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		if p.FunctionCall != nil {
			calls = append(calls, *p.FunctionCall)
			continue
		}
		if p.Thought {
			continue
		}
		text += p.Text
	}
	return text, calls
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
