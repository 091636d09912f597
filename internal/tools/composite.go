package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quarrylabs/quarry/internal/mcp"
	"github.com/quarrylabs/quarry/internal/urlcheck"
)

// Source is one scraped entry in a search_and_scrape result. A failed source
// keeps its slot with Error set instead of aborting the call.
type Source struct {
	URL      string  `json:"url"`
	Title    string  `json:"title,omitempty"`
	Content  string  `json:"content,omitempty"`
	Quality  float64 `json:"quality"`
	Citation string  `json:"citation,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// compositeStats summarizes a search_and_scrape run.
type compositeStats struct {
	Requested       int  `json:"requested"`
	Succeeded       int  `json:"succeeded"`
	Failed          int  `json:"failed"`
	EstimatedTokens int  `json:"estimatedTokens"`
	Truncated       bool `json:"truncated"`
}

const (
	scrapeParallelism    = 5
	perSourceTimeout     = 25 * time.Second
	defaultPerSourceMax  = 50000
	defaultTotalMax      = 300000
	compositeCallTimeout = 90 * time.Second
)

// RegisterCompositeTool adds search_and_scrape: search, then fetch the top
// results concurrently and aggregate them with dedup, quality scoring, and
// size shaping. Partial failure is not fatal; the call errors only when
// every source fails.
func RegisterCompositeTool(reg *Registry, search SearchClient, scraper PageScraper, policy *urlcheck.Policy) {
	reg.Register(&Spec{
		Name:        "search_and_scrape",
		Title:       "Search and Scrape",
		Description: "Search the web and return the full content of the top results, deduplicated and ranked by quality.",
		Input: &Schema{Fields: []Field{
			{Name: "query", Type: "string", Description: "Search query", Required: true, MaxLength: 2048},
			{Name: "num_results", Type: "integer", Description: "Sources to fetch", Min: f64(1), Max: f64(10), Default: 3},
			{Name: "include_sources", Type: "boolean", Description: "Include per-source entries", Default: true},
			{Name: "deduplicate", Type: "boolean", Description: "Drop repeated paragraphs across sources", Default: true},
			{Name: "max_length_per_source", Type: "integer", Min: f64(1), Default: defaultPerSourceMax},
			{Name: "total_max_length", Type: "integer", Min: f64(1), Default: defaultTotalMax},
			{Name: "filter_by_query", Type: "boolean", Description: "Drop sources with zero query relevance", Default: false},
		}},
		DefaultTTL: 30 * time.Minute,
		Timeout:    compositeCallTimeout,
		Cacheable:  true,
		Handler: func(ctx context.Context, call *Call) (*mcp.CallToolResult, error) {
			return runComposite(ctx, call.Args, search, scraper, policy)
		},
	})
}

func runComposite(ctx context.Context, args map[string]any, search SearchClient, scraper PageScraper, policy *urlcheck.Policy) (*mcp.CallToolResult, error) {
	query := argString(args, "query", "")
	num := argInt(args, "num_results", 3)
	perSourceMax := argInt(args, "max_length_per_source", defaultPerSourceMax)
	totalMax := argInt(args, "total_max_length", defaultTotalMax)

	results, err := search.Search(ctx, query, num)
	if err != nil {
		return nil, fmt.Errorf("search phase: %w", err)
	}
	if len(results) == 0 {
		structured, merr := json.Marshal(map[string]any{
			"sources":  []Source{},
			"combined": "",
			"stats":    compositeStats{},
		})
		if merr != nil {
			return nil, merr
		}
		return mcp.TextResult("No results found.", structured), nil
	}

	sources := make([]Source, len(results))
	pages := make([]*Page, len(results))

	// Fetch concurrently with bounded parallelism and per-source deadlines.
	// A failure fills the source's Error slot; it never cancels siblings.
	var g errgroup.Group
	g.SetLimit(scrapeParallelism)
	for i, r := range results {
		g.Go(func() error {
			sources[i] = Source{URL: r.URL, Title: r.Title}

			srcCtx, cancel := context.WithTimeout(ctx, perSourceTimeout)
			defer cancel()

			if err := policy.Validate(srcCtx, r.URL); err != nil {
				sources[i].Error = err.Error()
				return nil
			}
			page, err := scraper.Scrape(srcCtx, r.URL)
			if err != nil {
				sources[i].Error = err.Error()
				return nil
			}
			pages[i] = page
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Aggregation runs single-threaded: dedupe in source order, then score.
	seen := make(map[string]bool)
	stats := compositeStats{Requested: len(results)}
	for i := range sources {
		if sources[i].Error != "" {
			stats.Failed++
			continue
		}
		page := pages[i]
		content := page.Content
		if argBool(args, "deduplicate", true) {
			content = dedupeParagraphs(content, seen)
		}
		var truncated bool
		content, truncated = truncateAtBoundary(content, perSourceMax)
		stats.Truncated = stats.Truncated || truncated

		sources[i].Content = content
		sources[i].Citation = buildCitation(page.Metadata, sources[i].URL, time.Now())
		sources[i].Quality = scoreSource(query, sources[i].Title, content, hostOf(sources[i].URL), page.Metadata.Published)
		if page.Metadata.Title != "" {
			sources[i].Title = page.Metadata.Title
		}
		stats.Succeeded++
	}

	if stats.Succeeded == 0 {
		return nil, fmt.Errorf("all %d sources failed", stats.Requested)
	}

	if argBool(args, "filter_by_query", false) {
		sources = filterByRelevance(sources, query, &stats)
	}

	// Successful sources sort descending by quality; failures keep their
	// slots at the end.
	sort.SliceStable(sources, func(i, j int) bool {
		if (sources[i].Error == "") != (sources[j].Error == "") {
			return sources[i].Error == ""
		}
		return sources[i].Quality > sources[j].Quality
	})

	combined, combinedTruncated := combineSources(sources, totalMax)
	stats.Truncated = stats.Truncated || combinedTruncated
	stats.EstimatedTokens = estimateTokens(len(combined))

	payload := map[string]any{
		"combined": combined,
		"stats":    stats,
	}
	if argBool(args, "include_sources", true) {
		payload["sources"] = sources
	}
	structured, merr := json.Marshal(payload)
	if merr != nil {
		return nil, merr
	}

	out := mcp.TextResult(combined, structured)
	if stats.Failed > 0 {
		// Partial success: flagged for the client but still a success.
		out.Content[0].Annotations = &mcp.Annotations{Audience: []string{"assistant"}, Priority: 0.5}
	}
	return out, nil
}

// filterByRelevance drops zero-relevance sources, counting them as failed.
func filterByRelevance(sources []Source, query string, stats *compositeStats) []Source {
	kept := sources[:0]
	for _, src := range sources {
		if src.Error == "" && relevanceScore(query, src.Title, src.Content) == 0 {
			src.Content = ""
			src.Error = "filtered: no query relevance"
			stats.Succeeded--
			stats.Failed++
		}
		kept = append(kept, src)
	}
	return kept
}

// combineSources concatenates source sections under the total length budget.
func combineSources(sources []Source, totalMax int) (string, bool) {
	var b strings.Builder
	truncated := false
	for _, src := range sources {
		if src.Error != "" || src.Content == "" {
			continue
		}
		section := fmt.Sprintf("## %s\n%s\n\n%s\n\n", src.Title, src.URL, src.Content)
		if b.Len()+len(section) > totalMax {
			remaining := totalMax - b.Len()
			if remaining > 0 {
				cut, _ := truncateAtBoundary(section, remaining)
				b.WriteString(cut)
			}
			truncated = true
			break
		}
		b.WriteString(section)
	}
	return strings.TrimRight(b.String(), "\n"), truncated
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
