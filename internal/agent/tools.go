package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	bashTimeout    = 2 * time.Minute
	maxToolOutput  = 50_000
	maxSearchHits  = 100
	maxSearchDepth = 12
)

// Tool couples a function declaration with its executor. The returned
// string goes back to the model verbatim inside a functionResponse.
type Tool struct {
	Decl FunctionDecl
	Run  func(ctx context.Context, args map[string]any) (string, error)
}

// safeEnv is the child environment for the bash tool: everything the
// container has except the model credentials. Prompt-injected commands
// must not be able to read the API key.
func safeEnv(environ []string) []string {
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		name, _, _ := strings.Cut(kv, "=")
		if name == "GEMINI_API_KEY" || name == "GEMINI_MODEL" {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// resolveRead maps a tool path onto the filesystem, allowing any of the
// readable mounts. Relative paths are group-relative.
func (a *Agent) resolveRead(path string) (string, error) {
	roots := []string{a.ws.Group, a.ws.Global, a.ws.Project}
	return a.resolve(path, roots)
}

// resolveWrite restricts writes to the group mount.
func (a *Agent) resolveWrite(path string) (string, error) {
	return a.resolve(path, []string{a.ws.Group})
}

func (a *Agent) resolve(path string, roots []string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(a.ws.Group, abs)
	}
	abs = filepath.Clean(abs)
	for _, root := range roots {
		if root == "" {
			continue
		}
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", fmt.Errorf("path %q is outside the workspace", path)
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func (a *Agent) fsTools() []Tool {
	return []Tool{
		{
			Decl: FunctionDecl{
				Name:        "bash",
				Description: "Run a shell command in the group workspace and return its output.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"command": map[string]any{"type": "string", "description": "Shell command to execute."},
					},
					"required": []string{"command"},
				},
			},
			Run: a.runBash,
		},
		{
			Decl: FunctionDecl{
				Name:        "read_file",
				Description: "Read the contents of a file.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{"type": "string", "description": "File path, absolute or relative to the group workspace."},
					},
					"required": []string{"path"},
				},
			},
			Run: func(_ context.Context, args map[string]any) (string, error) {
				abs, err := a.resolveRead(stringArg(args, "path"))
				if err != nil {
					return "", err
				}
				data, err := os.ReadFile(abs)
				if err != nil {
					return "", fmt.Errorf("read file: %w", err)
				}
				return clipOutput(string(data)), nil
			},
		},
		{
			Decl: FunctionDecl{
				Name:        "write_file",
				Description: "Write content to a file, creating parent directories as needed.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path":    map[string]any{"type": "string", "description": "Destination path inside the group workspace."},
						"content": map[string]any{"type": "string", "description": "Full file content."},
					},
					"required": []string{"path", "content"},
				},
			},
			Run: func(_ context.Context, args map[string]any) (string, error) {
				abs, err := a.resolveWrite(stringArg(args, "path"))
				if err != nil {
					return "", err
				}
				if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
					return "", err
				}
				content := stringArg(args, "content")
				if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
					return "", fmt.Errorf("write file: %w", err)
				}
				return fmt.Sprintf("wrote %d bytes to %s", len(content), stringArg(args, "path")), nil
			},
		},
		{
			Decl: FunctionDecl{
				Name:        "edit_file",
				Description: "Replace an exact string in a file. The old string must occur exactly once.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path":       map[string]any{"type": "string", "description": "File to edit."},
						"old_string": map[string]any{"type": "string", "description": "Exact text to replace."},
						"new_string": map[string]any{"type": "string", "description": "Replacement text."},
					},
					"required": []string{"path", "old_string", "new_string"},
				},
			},
			Run: func(_ context.Context, args map[string]any) (string, error) {
				abs, err := a.resolveWrite(stringArg(args, "path"))
				if err != nil {
					return "", err
				}
				data, err := os.ReadFile(abs)
				if err != nil {
					return "", fmt.Errorf("read file: %w", err)
				}
				oldStr := stringArg(args, "old_string")
				if oldStr == "" {
					return "", fmt.Errorf("old_string is required")
				}
				switch n := strings.Count(string(data), oldStr); n {
				case 0:
					return "", fmt.Errorf("old_string not found in %s", stringArg(args, "path"))
				case 1:
				default:
					return "", fmt.Errorf("old_string occurs %d times, must be unique", n)
				}
				updated := strings.Replace(string(data), oldStr, stringArg(args, "new_string"), 1)
				if err := os.WriteFile(abs, []byte(updated), 0644); err != nil {
					return "", fmt.Errorf("write file: %w", err)
				}
				return "edit applied", nil
			},
		},
		{
			Decl: FunctionDecl{
				Name:        "list_files",
				Description: "List directory entries. Directories are suffixed with /.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{"type": "string", "description": "Directory to list. Defaults to the group workspace root."},
					},
				},
			},
			Run: func(_ context.Context, args map[string]any) (string, error) {
				path := stringArg(args, "path")
				if path == "" {
					path = "."
				}
				abs, err := a.resolveRead(path)
				if err != nil {
					return "", err
				}
				entries, err := os.ReadDir(abs)
				if err != nil {
					return "", fmt.Errorf("list directory: %w", err)
				}
				names := make([]string, 0, len(entries))
				for _, e := range entries {
					name := e.Name()
					if e.IsDir() {
						name += "/"
					}
					names = append(names, name)
				}
				sort.Strings(names)
				if len(names) == 0 {
					return "(empty directory)", nil
				}
				return strings.Join(names, "\n"), nil
			},
		},
		{
			Decl: FunctionDecl{
				Name:        "search_files",
				Description: "Search file contents under the group workspace with a regular expression.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"pattern": map[string]any{"type": "string", "description": "Go regular expression to match against lines."},
						"path":    map[string]any{"type": "string", "description": "Directory to search. Defaults to the group workspace root."},
					},
					"required": []string{"pattern"},
				},
			},
			Run: a.runSearch,
		},
	}
}

func (a *Agent) runBash(ctx context.Context, args map[string]any) (string, error) {
	command := stringArg(args, "command")
	if command == "" {
		return "", fmt.Errorf("command is required")
	}
	ctx, cancel := context.WithTimeout(ctx, bashTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = a.ws.Group
	cmd.Env = safeEnv(os.Environ())

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	out := stdout.String()
	if stderr.Len() > 0 {
		if out != "" {
			out += "\n"
		}
		out += "STDERR:\n" + stderr.String()
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("command timed out after %s", bashTimeout)
		}
		if out == "" {
			out = err.Error()
		}
		return "", fmt.Errorf("command failed: %s", clipOutput(out))
	}
	if out == "" {
		out = "(command completed with no output)"
	}
	return clipOutput(out), nil
}

func (a *Agent) runSearch(_ context.Context, args map[string]any) (string, error) {
	pattern := stringArg(args, "pattern")
	if pattern == "" {
		return "", fmt.Errorf("pattern is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid pattern: %w", err)
	}
	path := stringArg(args, "path")
	if path == "" {
		path = "."
	}
	root, err := a.resolveRead(path)
	if err != nil {
		return "", err
	}

	var hits []string
	err = filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && p != root {
				return filepath.SkipDir
			}
			if depth := strings.Count(strings.TrimPrefix(p, root), string(filepath.Separator)); depth > maxSearchDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if len(hits) >= maxSearchHits {
			return filepath.SkipAll
		}
		data, err := os.ReadFile(p)
		if err != nil || bytes.IndexByte(data, 0) >= 0 {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				hits = append(hits, fmt.Sprintf("%s:%d: %s", rel, i+1, strings.TrimSpace(line)))
				if len(hits) >= maxSearchHits {
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "no matches", nil
	}
	return strings.Join(hits, "\n"), nil
}

func clipOutput(s string) string {
	if len(s) <= maxToolOutput {
		return s
	}
	return s[:maxToolOutput] + "\n... (output truncated)"
}
