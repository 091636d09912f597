package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/quarrylabs/quarry/internal/mcp"
)

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// SearchClient performs web searches. The production implementation talks to
// Google Custom Search; tests inject fakes.
type SearchClient interface {
	Search(ctx context.Context, query string, num int) ([]SearchResult, error)
}

// GoogleSearchClient queries the Google Custom Search JSON API.
type GoogleSearchClient struct {
	APIKey   string
	EngineID string
	BaseURL  string // override in tests; default production endpoint
	Client   *http.Client
}

const googleSearchURL = "https://www.googleapis.com/customsearch/v1"

// Search runs one query. Zero results is a success with an empty slice.
func (g *GoogleSearchClient) Search(ctx context.Context, query string, num int) ([]SearchResult, error) {
	if num <= 0 {
		num = 3
	}
	if num > 10 {
		num = 10 // API page limit
	}

	base := g.BaseURL
	if base == "" {
		base = googleSearchURL
	}
	q := url.Values{
		"key": {g.APIKey},
		"cx":  {g.EngineID},
		"q":   {query},
		"num": {strconv.Itoa(num)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	client := g.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search upstream status %d", resp.StatusCode)
	}

	var parsed struct {
		Items []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse search response: %w", err)
	}

	out := make([]SearchResult, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		out = append(out, SearchResult{Title: item.Title, URL: item.Link, Snippet: item.Snippet})
	}
	return out, nil
}

func searchInputSchema() *Schema {
	return &Schema{Fields: []Field{
		{Name: "query", Type: "string", Description: "Search query", Required: true, MaxLength: 2048},
		{Name: "num_results", Type: "integer", Description: "Number of results", Min: f64(1), Max: f64(10), Default: 3},
	}}
}

// RegisterSearchTools adds google_search, academic_search, and patent_search
// over the given client. The academic and patent variants decorate the query
// with site restrictions and keep separate cache namespaces.
func RegisterSearchTools(reg *Registry, client SearchClient) {
	register := func(name, title, desc, decorate string) {
		reg.Register(&Spec{
			Name:        name,
			Title:       title,
			Description: desc,
			Input:       searchInputSchema(),
			DefaultTTL:  30 * time.Minute,
			Timeout:     20 * time.Second,
			Cacheable:   true,
			Handler: func(ctx context.Context, call *Call) (*mcp.CallToolResult, error) {
				query := argString(call.Args, "query", "")
				num := argInt(call.Args, "num_results", 3)
				if decorate != "" {
					query = query + " " + decorate
				}
				results, err := client.Search(ctx, query, num)
				if err != nil {
					return nil, err
				}
				return searchToolResult(results)
			},
		})
	}

	register("google_search", "Web Search",
		"Search the web and return titles, URLs, and snippets.", "")
	register("academic_search", "Academic Search",
		"Search academic sources (arXiv, PubMed, Semantic Scholar).",
		"(site:arxiv.org OR site:pubmed.ncbi.nlm.nih.gov OR site:semanticscholar.org)")
	register("patent_search", "Patent Search",
		"Search patent filings.", "site:patents.google.com")
}

func searchToolResult(results []SearchResult) (*mcp.CallToolResult, error) {
	structured, err := json.Marshal(map[string]any{"results": results})
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	if len(results) == 0 {
		b.WriteString("No results found.")
	}
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&b, "   %s\n", r.Snippet)
		}
	}
	return mcp.TextResult(b.String(), structured), nil
}
