package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	webTimeout      = 30 * time.Second
	fetchMaxChars   = 50_000
	searchMaxCount  = 10
	searchUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

var webClient = &http.Client{Timeout: webTimeout}

func (a *Agent) webTools() []Tool {
	return []Tool{
		{
			Decl: FunctionDecl{
				Name:        "google_search",
				Description: "Search the web and return result titles, URLs and snippets.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{"type": "string", "description": "Search query."},
						"count": map[string]any{"type": "number", "description": "Number of results, max 10. Default 5."},
					},
					"required": []string{"query"},
				},
			},
			Run: runWebSearch,
		},
		{
			Decl: FunctionDecl{
				Name:        "web_fetch",
				Description: "Fetch a URL and return its content as plain text.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"url": map[string]any{"type": "string", "description": "HTTP or HTTPS URL to fetch."},
					},
					"required": []string{"url"},
				},
			},
			Run: runWebFetch,
		},
	}
}

var (
	ddgLinkRe    = regexp.MustCompile(`<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>([\s\S]*?)</a>`)
	ddgSnippetRe = regexp.MustCompile(`<a class="result__snippet[^"]*".*?>([\s\S]*?)</a>`)
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
	scriptRe     = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

func runWebSearch(ctx context.Context, args map[string]any) (string, error) {
	query := stringArg(args, "query")
	if query == "" {
		return "", fmt.Errorf("query is required")
	}
	count := 5
	if c, ok := args["count"].(float64); ok && int(c) > 0 {
		count = int(c)
		if count > searchMaxCount {
			count = searchMaxCount
		}
	}

	searchURL := "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", searchUserAgent)

	resp, err := webClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read search response: %w", err)
	}

	results := extractSearchResults(string(body), count)
	if len(results) == 0 {
		return "no results", nil
	}
	return strings.Join(results, "\n\n"), nil
}

func extractSearchResults(html string, count int) []string {
	links := ddgLinkRe.FindAllStringSubmatch(html, count+5)
	snippets := ddgSnippetRe.FindAllStringSubmatch(html, count+5)

	var results []string
	for i := 0; i < len(links) && i < count; i++ {
		rawURL := unwrapRedirect(links[i][1])
		title := strings.TrimSpace(htmlTagRe.ReplaceAllString(links[i][2], ""))
		entry := fmt.Sprintf("%s\n%s", title, rawURL)
		if i < len(snippets) {
			if desc := strings.TrimSpace(htmlTagRe.ReplaceAllString(snippets[i][1], "")); desc != "" {
				entry += "\n" + desc
			}
		}
		results = append(results, entry)
	}
	return results
}

// unwrapRedirect extracts the target URL from the search engine's
// redirect wrapper (the uddg query parameter).
func unwrapRedirect(rawURL string) string {
	if !strings.Contains(rawURL, "uddg=") {
		return rawURL
	}
	u, err := url.QueryUnescape(rawURL)
	if err != nil {
		return rawURL
	}
	idx := strings.Index(u, "uddg=")
	if idx < 0 {
		return rawURL
	}
	target := u[idx+5:]
	if amp := strings.Index(target, "&"); amp >= 0 {
		target = target[:amp]
	}
	return target
}

func runWebFetch(ctx context.Context, args map[string]any) (string, error) {
	rawURL := stringArg(args, "url")
	if rawURL == "" {
		return "", fmt.Errorf("url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("only http and https urls are supported")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", searchUserAgent)

	resp, err := webClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	text := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		text = htmlToText(text)
	}
	if len(text) > fetchMaxChars {
		text = text[:fetchMaxChars] + "\n... (truncated)"
	}
	return text, nil
}

func htmlToText(html string) string {
	text := scriptRe.ReplaceAllString(html, "")
	text = htmlTagRe.ReplaceAllString(text, "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	return strings.TrimSpace(blankLinesRe.ReplaceAllString(text, "\n\n"))
}
