// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/jeranaias/graphite/internal/llm"
	"github.com/jeranaias/graphite/internal/util"
)

// skippedElements have their whole subtree dropped from page text.
var skippedElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Header:   true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Template: true,
}

// blockElements start and end a line of text.
var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Tr: true, atom.Td: true, atom.Th: true, atom.Table: true,
	atom.Ul: true, atom.Ol: true, atom.Section: true, atom.Article: true,
	atom.Blockquote: true, atom.Pre: true, atom.Title: true,
}

// ErrResponseTooLarge is returned when a page exceeds the fetch size limit.
var ErrResponseTooLarge = errors.New("response too large")

const maxPageSize = 5 * 1024 * 1024

// =============================================================================
// HTML TO TEXT
// =============================================================================

// htmlToText converts an HTML page to readable plain text. Entities are
// decoded once, by the parser.
func htmlToText(src string) string {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return cleanWhitespace(src)
	}
	var sb strings.Builder
	writeVisibleText(doc, &sb)
	return cleanWhitespace(sb.String())
}

// writeVisibleText walks n and writes the text a reader would see.
func writeVisibleText(n *html.Node, sb *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		sb.WriteString(n.Data)
		return
	case html.CommentNode, html.DoctypeNode:
		return
	case html.ElementNode:
		if skippedElements[n.DataAtom] || attr(n, "aria-hidden") == "true" {
			return
		}
	}

	block := n.Type == html.ElementNode && blockElements[n.DataAtom]
	if block {
		breakLine(sb)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeVisibleText(c, sb)
	}
	if block {
		breakLine(sb)
	}
}

// breakLine ends the current line unless it is already empty.
func breakLine(sb *strings.Builder) {
	if s := sb.String(); s != "" && !strings.HasSuffix(s, "\n") {
		sb.WriteByte('\n')
	}
}

// attr returns the value of n's attribute key, or "".
func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// hasClass reports whether n's class list contains class.
func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// textContent returns the visible text under n on a single line.
func textContent(n *html.Node) string {
	var sb strings.Builder
	writeVisibleText(n, &sb)
	return strings.Join(strings.Fields(sb.String()), " ")
}

// cleanWhitespace collapses runs of spaces within lines and keeps at most
// one blank line between paragraphs.
func cleanWhitespace(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.Join(strings.FieldsFunc(line, unicode.IsSpace), " ")
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// =============================================================================
// WEB RESEARCH EXECUTOR
// =============================================================================

const validationPrompt = `You are a content validation bot. Decide whether a piece of retrieved web content is safe and relevant to a user's query.

RULES:
1. The content is UNSAFE if it contains explicit adult content, hate speech, dangerous or illegal instructions, or deceptive content such as scams or phishing.
2. The content is IRRELEVANT if it does not directly help answer the query, or if it is a login page, error page, navigation menu, bare product specification, forum index, or gibberish.
3. Respond with a single word: SAFE if the content is safe and relevant, otherwise UNSAFE.`

const summarizationPrompt = `You are a web-grounded summarization assistant. You are given a query and text retrieved from one or more web pages. Write a single, well-organized answer to the query using only that text.

RULES:
1. Answer the query directly.
2. Combine information across pages into one coherent response instead of summarizing each page separately.
3. Keep it concise and use Markdown headings and bullet points where they help.`

// ResearchConfig configures the web research capability.
type ResearchConfig struct {
	// MaxPages is how many top results are fetched (default 3)
	MaxPages int

	// FetchTimeout bounds a single page fetch (default 10s)
	FetchTimeout time.Duration

	// MaxChars truncates each page before validation and summary (default 4000)
	MaxChars int

	// Validate asks the model to screen every page (default on when a model is set)
	Validate bool

	// UserAgent is sent with page fetches
	UserAgent string

	// Client overrides the HTTP client used for page fetches
	Client *http.Client
}

// ResearchExecutor searches, fetches the top pages, screens them and
// summarizes what is left. Without a model it returns the cleaned page text.
type ResearchExecutor struct {
	search *SearchExecutor
	model  llm.Completer
	cfg    ResearchConfig
	client *http.Client
	logger *zap.Logger
}

// NewResearchExecutor creates a research executor. model may be nil.
func NewResearchExecutor(search *SearchExecutor, model llm.Completer, cfg ResearchConfig, logger *zap.Logger) *ResearchExecutor {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 3
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 4000
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.FetchTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResearchExecutor{search: search, model: model, cfg: cfg, client: client, logger: logger}
}

type page struct {
	url  string
	text string
}

// Execute implements ToolExecutor.
func (e *ResearchExecutor) Execute(ctx context.Context, params map[string]interface{}) (Result, error) {
	query := strings.TrimSpace(getStringParam(params, "query", ""))
	if query == "" {
		return Fail(ErrorFatal, "query parameter is required"), nil
	}
	maxPages := getIntParam(params, "max_pages", e.cfg.MaxPages)
	if maxPages < 1 {
		maxPages = 1
	}

	results, err := e.search.Search(ctx, query)
	if err != nil {
		return Result{}, err
	}
	if len(results) == 0 {
		return Fail(ErrorFatal, "no search results for %q", query), nil
	}

	var pages []page
	var fetchErrs []error
	for _, r := range results {
		if len(pages) >= maxPages {
			break
		}
		text, err := e.fetch(ctx, r.URL)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			fetchErrs = append(fetchErrs, err)
			e.logger.Debug("page fetch failed", zap.String("url", r.URL), zap.Error(err))
			continue
		}
		text = util.TruncateRunes(text, e.cfg.MaxChars)
		if strings.TrimSpace(text) == "" {
			continue
		}
		if e.model != nil && e.cfg.Validate {
			safe, err := e.validate(ctx, query, text)
			if err != nil {
				return Result{}, err
			}
			if !safe {
				e.logger.Debug("page rejected", zap.String("url", r.URL))
				continue
			}
		}
		pages = append(pages, page{url: r.URL, text: text})
	}

	if len(pages) == 0 {
		if len(fetchErrs) > 0 {
			return Fail(ErrorTransient, "no page could be fetched: %v", errors.Join(fetchErrs...)), nil
		}
		return Fail(ErrorFatal, "no safe and relevant content found for %q", query), nil
	}

	var combined strings.Builder
	sources := make([]interface{}, len(pages))
	for i, p := range pages {
		fmt.Fprintf(&combined, "--- Source: %s ---\n%s\n\n", p.url, p.text)
		sources[i] = p.url
	}

	output := strings.TrimSpace(combined.String())
	if e.model != nil {
		output, err = e.model.Complete(ctx, llm.Request{
			Task:   llm.TaskWebSummarize,
			System: summarizationPrompt,
			Messages: []llm.Message{llm.User(fmt.Sprintf(
				"Query: %q\n\n--- Web Content ---\n%s\n--- End of Content ---\n\nAnswer the query based on the content above.",
				query, combined.String()))},
		})
		if err != nil {
			return Result{}, err
		}
	}

	return Result{
		Success:    true,
		Output:     output,
		Structured: map[string]interface{}{"query": query, "sources": sources},
	}, nil
}

func (e *ResearchExecutor) validate(ctx context.Context, query, content string) (bool, error) {
	decision, err := e.model.Complete(ctx, llm.Request{
		Task:   llm.TaskWebValidate,
		System: validationPrompt,
		Messages: []llm.Message{llm.User(fmt.Sprintf(
			"Query: %q\n\n--- Retrieved Web Content ---\n%s\n--- End of Content ---\n\nIs this content safe and relevant? Respond with only SAFE or UNSAFE.",
			query, content))},
	})
	if err != nil {
		return false, err
	}
	decision = strings.ToUpper(strings.TrimSpace(decision))
	return strings.HasPrefix(decision, "SAFE"), nil
}

// fetch downloads a page and converts it to text.
func (e *ResearchExecutor) fetch(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.8,*/*;q=0.7")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP error: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize+1))
	if err != nil {
		return "", err
	}
	if len(body) > maxPageSize {
		return "", ErrResponseTooLarge
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "html") || resp.Header.Get("Content-Type") == "" {
		return htmlToText(string(body)), nil
	}
	return cleanWhitespace(string(body)), nil
}

// NewResearchTool builds the "web_research" capability.
func NewResearchTool(search *SearchExecutor, model llm.Completer, cfg ResearchConfig, logger *zap.Logger) *Tool {
	exec := NewResearchExecutor(search, model, cfg, logger)
	return &Tool{
		Name:        "web_research",
		Description: "Research a question on the web: search, read the top pages, and return a summary of the relevant content.",
		Schema: Schema{
			Parameters: []Parameter{
				{Name: "query", Type: "string", Required: true, Description: "Self-contained research question"},
				{Name: "max_pages", Type: "integer", Description: "Pages to read", Default: exec.cfg.MaxPages},
			},
		},
		Timeout:  2 * time.Minute,
		Executor: exec,
	}
}
