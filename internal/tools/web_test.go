// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/graphite/internal/llm"
)

// =============================================================================
// HTML TESTS
// =============================================================================

func TestHTMLToText(t *testing.T) {
	html := `<html><head><style>body{color:red}</style><script>alert(1)</script></head>
<body><nav>Home | About</nav><header>Site</header>
<h1>Bitcoin&nbsp;Price</h1><p>Today it is &#36;42,000 &amp; rising.</p>
<!-- hidden -->
<footer>(c) site</footer><svg><path/></svg></body></html>`

	text := htmlToText(html)
	assert.Contains(t, text, "Bitcoin Price")
	assert.Contains(t, text, "Today it is $42,000 & rising.")
	for _, gone := range []string{"alert", "color:red", "Home | About", "Site", "hidden", "(c) site", "<"} {
		assert.NotContains(t, text, gone)
	}
}

func TestHTMLToText_EdgeCases(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{"end tag with trailing space", `<script>alert(1)</script ><p>Body</p>`, "Body"},
		{"unclosed script", `<p>Body</p><script>alert(1)`, "Body"},
		{"markup inside script", `<script>document.write("<p>x</p>")</script><p>Body</p>`, "Body"},
		{"angle bracket in attribute", `<p title="a > b">Price</p>`, "Price"},
		{"named and hex entities", `<p>it&#x27;s &eacute;t&eacute;</p>`, "it's été"},
		{"entities decode once", `<p>&amp;#60;tag&amp;#62;</p>`, "&#60;tag&#62;"},
		{"aria hidden", `<p>shown</p><div aria-hidden="true">hidden</div>`, "shown"},
		{"blocks become lines", `<ul><li>one</li><li>two</li></ul>`, "one\ntwo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, htmlToText(tt.html))
		})
	}
}

func TestCleanWhitespace(t *testing.T) {
	assert.Equal(t, "a b\n\nc", cleanWhitespace("  a \t b \n\n\n\n  c  "))
}

func TestParseResults(t *testing.T) {
	html := `
<a rel="nofollow" class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fbtc&amp;rut=1">BTC <b>Price</b></a>
<a class="result__snippet" href="x">The <b>price</b> of bitcoin</a>
<a rel="nofollow" class="result__a" href="https://other.example/page">Other</a>
<a class="result__snippet" href="y">Second snippet</a>
<a rel="nofollow" class="result__a" href="/relative">Dropped</a>
<div class="result__snippet">orphan of the dropped link</div>
<a rel="nofollow" class="result__a extra" href="https://third.example/?a=1&amp;b=2">Fish &amp; Chips</a>`

	results := parseResults(html)
	require.Len(t, results, 3)
	assert.Equal(t, SearchResult{Title: "BTC Price", URL: "https://example.com/btc", Snippet: "The price of bitcoin"}, results[0])
	assert.Equal(t, SearchResult{Title: "Other", URL: "https://other.example/page", Snippet: "Second snippet"}, results[1])
	assert.Equal(t, SearchResult{Title: "Fish & Chips", URL: "https://third.example/?a=1&b=2"}, results[2])

	out := formatResults("btc", results)
	assert.Contains(t, out, "Found 3 results")
	assert.Contains(t, out, "[1] BTC Price")
	assert.Contains(t, formatResults("none", nil), "No results found.")
}

// =============================================================================
// SEARCH AND RESEARCH TESTS
// =============================================================================

// webFixture serves a DuckDuckGo-style result page and the pages it links to.
func webFixture(t *testing.T, pages map[string]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/html/", func(w http.ResponseWriter, r *http.Request) {
		var sb strings.Builder
		for _, name := range []string{"one", "two", "three", "four"} {
			if _, ok := pages[name]; !ok {
				continue
			}
			fmt.Fprintf(&sb, `<a rel="nofollow" class="result__a" href="%s/page/%s">Page %s</a>`+"\n", srv.URL, name, name)
			fmt.Fprintf(&sb, `<a class="result__snippet" href="#">snippet %s</a>`+"\n", name)
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(sb.String()))
	})
	mux.HandleFunc("/page/", func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[strings.TrimPrefix(r.URL.Path, "/page/")]
		if !ok || body == "" {
			http.Error(w, "gone", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(body))
	})
	return srv
}

func TestSearchExecutor(t *testing.T) {
	srv := webFixture(t, map[string]string{"one": "x", "two": "y"})
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(NewSearchTool(SearchConfig{BaseURL: srv.URL + "/html/", RatePerSecond: 100})))

	res, err := reg.Invoke(context.Background(), "search", map[string]interface{}{"query": "btc", "max_results": 1}, 0)
	require.NoError(t, err)
	assert.Contains(t, res.Output, "Page one")
	assert.NotContains(t, res.Output, "Page two")
	items := res.Structured["results"].([]interface{})
	assert.Len(t, items, 1)
}

func TestSearchExecutor_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(NewSearchTool(SearchConfig{BaseURL: srv.URL, RatePerSecond: 100})))

	_, err := reg.Invoke(context.Background(), "search", map[string]interface{}{"query": "btc"}, 0)
	require.Error(t, err)
	assert.Equal(t, ErrorTransient, KindOf(err))
}

func fakeWebModel(validations *int32) llm.Completer {
	return llm.CompleterFunc(func(ctx context.Context, req llm.Request) (string, error) {
		switch req.Task {
		case llm.TaskWebValidate:
			atomic.AddInt32(validations, 1)
			if strings.Contains(req.Messages[0].Content, "casino") {
				return "UNSAFE", nil
			}
			return "SAFE", nil
		case llm.TaskWebSummarize:
			return fmt.Sprintf("summary of %d sources", strings.Count(req.Messages[0].Content, "--- Source:")), nil
		}
		return "", fmt.Errorf("unexpected task %s", req.Task)
	})
}

func TestResearch_ValidatesAndSummarizes(t *testing.T) {
	srv := webFixture(t, map[string]string{
		"one":   "<p>Bitcoin trades at 42k.</p>",
		"two":   "<p>Win big at our casino!</p>",
		"three": "<p>Analysts expect volatility.</p>",
		"four":  "<p>Never fetched.</p>",
	})
	var validations int32
	search := NewSearchExecutor(SearchConfig{BaseURL: srv.URL + "/html/", RatePerSecond: 100})
	tool := NewResearchTool(search, fakeWebModel(&validations), ResearchConfig{Validate: true}, nil)

	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(tool))

	res, err := reg.Invoke(context.Background(), "web_research", map[string]interface{}{"query": "btc outlook"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "summary of 3 sources", res.Output)
	assert.Equal(t, int32(4), atomic.LoadInt32(&validations))

	sources := res.Structured["sources"].([]interface{})
	require.Len(t, sources, 3)
	for _, s := range sources {
		assert.NotContains(t, s, "/page/two")
	}
}

func TestResearch_WithoutModelReturnsCleanedText(t *testing.T) {
	srv := webFixture(t, map[string]string{
		"one": "<script>x()</script><p>Plain &amp; simple.</p>",
		"two": "",
	})
	search := NewSearchExecutor(SearchConfig{BaseURL: srv.URL + "/html/", RatePerSecond: 100})
	exec := NewResearchExecutor(search, nil, ResearchConfig{MaxChars: 10}, nil)

	res, err := exec.Execute(context.Background(), map[string]interface{}{"query": "q"})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Contains(t, res.Output, "--- Source: "+srv.URL+"/page/one ---")
	assert.Contains(t, res.Output, "Plain &...")
	assert.NotContains(t, res.Output, "simple")
	assert.NotContains(t, res.Output, "x()")
}

func TestResearch_AllPagesRejected(t *testing.T) {
	srv := webFixture(t, map[string]string{"one": "<p>casino</p>"})
	var validations int32
	search := NewSearchExecutor(SearchConfig{BaseURL: srv.URL + "/html/", RatePerSecond: 100})
	exec := NewResearchExecutor(search, fakeWebModel(&validations), ResearchConfig{Validate: true}, nil)

	res, err := exec.Execute(context.Background(), map[string]interface{}{"query": "q"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ErrorFatal, res.ErrorKind)
	assert.Contains(t, res.Error, "no safe and relevant content")
}

func TestResearch_UnreachablePagesAreTransient(t *testing.T) {
	srv := webFixture(t, map[string]string{"one": "", "two": ""})
	search := NewSearchExecutor(SearchConfig{BaseURL: srv.URL + "/html/", RatePerSecond: 100})
	exec := NewResearchExecutor(search, nil, ResearchConfig{}, nil)

	res, err := exec.Execute(context.Background(), map[string]interface{}{"query": "q"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ErrorTransient, res.ErrorKind)
}
