// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/jeranaias/graphite/internal/util"
)

const maxSearchResults = 20

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// =============================================================================
// SEARCH EXECUTOR
// =============================================================================

// SearchConfig configures the search capability.
type SearchConfig struct {
	// BaseURL is the DuckDuckGo HTML endpoint (default https://html.duckduckgo.com/html/)
	BaseURL string

	// MaxResults is the default number of results (default 5, max 10)
	MaxResults int

	// RatePerSecond limits outgoing searches (default 1, burst 1)
	RatePerSecond float64

	// Timeout bounds one search (default 15s)
	Timeout time.Duration

	// UserAgent is the User-Agent header to send
	UserAgent string

	// Client overrides the HTTP client
	Client *http.Client
}

// SearchExecutor implements web search using DuckDuckGo HTML.
type SearchExecutor struct {
	cfg     SearchConfig
	limiter *rate.Limiter
	client  *http.Client
}

// SearchResult represents a single search result.
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// NewSearchExecutor fills defaults and builds the rate limiter.
func NewSearchExecutor(cfg SearchConfig) *SearchExecutor {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://html.duckduckgo.com/html/"
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return errors.New("too many redirects")
				}
				return nil
			},
		}
	}
	return &SearchExecutor{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		client:  client,
	}
}

// Execute performs a DuckDuckGo search and returns formatted results.
func (e *SearchExecutor) Execute(ctx context.Context, params map[string]interface{}) (Result, error) {
	query := strings.TrimSpace(getStringParam(params, "query", ""))
	if query == "" {
		return Fail(ErrorFatal, "query parameter is required"), nil
	}
	maxResults := getIntParam(params, "max_results", e.cfg.MaxResults)
	if maxResults < 1 {
		maxResults = 1
	}
	if maxResults > 10 {
		maxResults = 10
	}

	results, err := e.Search(ctx, query)
	if err != nil {
		return Result{}, err
	}
	if len(results) > maxResults {
		results = results[:maxResults]
	}

	items := make([]interface{}, len(results))
	for i, r := range results {
		items[i] = map[string]interface{}{"title": r.Title, "url": r.URL, "snippet": r.Snippet}
	}
	return Result{
		Success:    true,
		Output:     formatResults(query, results),
		Structured: map[string]interface{}{"query": query, "results": items},
	}, nil
}

// Search waits for the rate limiter, then queries DuckDuckGo.
func (e *SearchExecutor) Search(ctx context.Context, query string) ([]SearchResult, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	searchURL := e.cfg.BaseURL + "?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, &InvocationError{Capability: "search", Kind: ErrorFatal, Err: err}
	}
	// Go's client negotiates gzip itself; setting Accept-Encoding disables that.
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &InvocationError{Capability: "search", Kind: httpKind(resp.StatusCode), Err: fmt.Errorf("HTTP error: %s", resp.Status)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, err
	}
	return parseResults(string(body)), nil
}

// httpKind maps a response status to an error kind.
func httpKind(code int) ErrorKind {
	if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500 {
		return ErrorTransient
	}
	return ErrorFatal
}

// parseResults extracts search results from DuckDuckGo HTML.
//
// Structure:
//
//	<a rel="nofollow" class="result__a" href="//duckduckgo.com/l/?uddg=URL">Title</a>
//	<a class="result__snippet" href="...">Snippet text</a>
//
// A snippet belongs to the nearest result link before it.
func parseResults(src string) []SearchResult {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil
	}

	var found []SearchResult
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case n.Data == "a" && hasClass(n, "result__a"):
				found = append(found, SearchResult{
					Title: textContent(n),
					URL:   extractActualURL(attr(n, "href")),
				})
				return
			case hasClass(n, "result__snippet"):
				if last := len(found) - 1; last >= 0 && found[last].Snippet == "" {
					found[last].Snippet = textContent(n)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	var results []SearchResult
	for _, r := range found {
		if r.URL == "" || r.Title == "" {
			continue
		}
		results = append(results, r)
		if len(results) >= maxSearchResults {
			break
		}
	}
	return results
}

// extractActualURL extracts the real URL from DuckDuckGo's redirect wrapper.
func extractActualURL(ddgURL string) string {
	if strings.Contains(ddgURL, "uddg=") {
		if strings.HasPrefix(ddgURL, "//") {
			ddgURL = "https:" + ddgURL
		}
		parsed, err := url.Parse(ddgURL)
		if err != nil {
			return ""
		}
		if target := parsed.Query().Get("uddg"); target != "" {
			return target
		}
	}
	if strings.HasPrefix(ddgURL, "http://") || strings.HasPrefix(ddgURL, "https://") {
		return ddgURL
	}
	return ""
}

// formatResults formats search results as readable text.
func formatResults(query string, results []SearchResult) string {
	var output strings.Builder

	fmt.Fprintf(&output, "Search results for: %s\n", query)
	fmt.Fprintf(&output, "Found %d results\n\n", len(results))
	if len(results) == 0 {
		output.WriteString("No results found.\n")
		return output.String()
	}

	for i, result := range results {
		fmt.Fprintf(&output, "[%d] %s\n", i+1, result.Title)
		fmt.Fprintf(&output, "    URL: %s\n", result.URL)
		if result.Snippet != "" {
			fmt.Fprintf(&output, "    %s\n", util.TruncateRunes(result.Snippet, 300))
		}
		output.WriteString("\n")
	}
	return strings.TrimRight(output.String(), "\n") + "\n"
}

// =============================================================================
// TOOL DEFINITION
// =============================================================================

// NewSearchTool builds the "search" capability.
func NewSearchTool(cfg SearchConfig) *Tool {
	exec := NewSearchExecutor(cfg)
	return &Tool{
		Name:        "search",
		Description: "Search the web with DuckDuckGo and return titles, URLs and snippets.",
		Schema: Schema{
			Parameters: []Parameter{
				{Name: "query", Type: "string", Required: true, Description: "Search query"},
				{Name: "max_results", Type: "integer", Description: "Number of results (1-10)", Default: exec.cfg.MaxResults},
			},
		},
		Timeout:  exec.cfg.Timeout + 5*time.Second,
		Executor: exec,
	}
}
