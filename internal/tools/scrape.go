package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quarrylabs/quarry/internal/mcp"
	"github.com/quarrylabs/quarry/internal/urlcheck"
)

// Page is the scraper's view of one fetched document.
type Page struct {
	URL            string       `json:"url"`
	ContentType    string       `json:"contentType"`
	Content        string       `json:"content,omitempty"`
	Metadata       PageMetadata `json:"metadata"`
	Truncated      bool         `json:"truncated"`
	OriginalLength int          `json:"originalLength,omitempty"`
}

// PageScraper fetches and extracts a page. The built-in implementation is a
// static fetcher; a headless-browser scraper can be swapped in.
type PageScraper interface {
	Scrape(ctx context.Context, rawURL string) (*Page, error)
}

// StaticScraper fetches pages with a plain HTTP client and extracts text
// from the static HTML.
type StaticScraper struct {
	Client  *http.Client
	MaxBody int64 // response byte cap; default 5 MiB
}

const scraperUserAgent = "quarry-research/1.0"

func (s *StaticScraper) Scrape(ctx context.Context, rawURL string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", scraperUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	maxBody := s.MaxBody
	if maxBody <= 0 {
		maxBody = 5 << 20
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}

	contentType, _, _ := strings.Cut(resp.Header.Get("Content-Type"), ";")
	contentType = strings.TrimSpace(contentType)

	page := &Page{URL: rawURL, ContentType: contentType}
	switch {
	case strings.Contains(contentType, "html"):
		page.Metadata, page.Content = extractPage(body)
	case strings.HasPrefix(contentType, "text/"):
		page.Content = string(body)
	default:
		return nil, fmt.Errorf("unsupported content type %q", contentType)
	}
	page.OriginalLength = len(page.Content)
	return page, nil
}

// TranscriptError classifies YouTube transcript extraction failures.
type TranscriptError struct {
	Kind    string // one of the Transcript* constants
	Message string
}

func (e *TranscriptError) Error() string {
	return fmt.Sprintf("transcript error %s: %s", e.Kind, e.Message)
}

// Transcript error kinds.
const (
	TranscriptDisabled      = "TRANSCRIPT_DISABLED"
	TranscriptUnavailable   = "VIDEO_UNAVAILABLE"
	TranscriptNotFound      = "VIDEO_NOT_FOUND"
	TranscriptNetworkError  = "NETWORK_ERROR"
	TranscriptRateLimited   = "RATE_LIMITED"
	TranscriptTimeout       = "TIMEOUT"
	TranscriptParsingError  = "PARSING_ERROR"
	TranscriptRegionBlocked = "REGION_BLOCKED"
	TranscriptPrivateVideo  = "PRIVATE_VIDEO"
	TranscriptUnknown       = "UNKNOWN"
)

// TranscriptFetcher extracts a transcript for a YouTube video id. Failures
// return a *TranscriptError.
type TranscriptFetcher interface {
	Transcript(ctx context.Context, videoID string) (string, error)
}

// youtubeVideoID extracts a video id from watch/shorts/youtu.be URLs,
// returning "" for non-YouTube URLs.
func youtubeVideoID(u *url.URL) string {
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch host {
	case "youtube.com", "m.youtube.com":
		if u.Path == "/watch" {
			return u.Query().Get("v")
		}
		if id, ok := strings.CutPrefix(u.Path, "/shorts/"); ok {
			return id
		}
	case "youtu.be":
		return strings.TrimPrefix(u.Path, "/")
	}
	return ""
}

const previewLength = 1024

// RegisterScrapeTool adds scrape_page. Outbound fetches are gated by the URL
// policy. The transcript fetcher is optional; without one, YouTube URLs fail
// with a typed transcript error.
func RegisterScrapeTool(reg *Registry, scraper PageScraper, transcripts TranscriptFetcher, policy *urlcheck.Policy) {
	reg.Register(&Spec{
		Name:        "scrape_page",
		Title:       "Scrape Page",
		Description: "Fetch a URL and extract readable text plus metadata. YouTube URLs return the video transcript.",
		Input: &Schema{Fields: []Field{
			{Name: "url", Type: "string", Description: "URL to fetch", Required: true, MaxLength: 4096},
			{Name: "max_length", Type: "integer", Description: "Content byte cap", Min: f64(1), Default: 50000},
			{Name: "mode", Type: "string", Description: "Extraction mode", Enum: []string{"full", "preview"}, Default: "full"},
		}},
		DefaultTTL: time.Hour,
		Timeout:    30 * time.Second,
		Cacheable:  true,
		Handler: func(ctx context.Context, call *Call) (*mcp.CallToolResult, error) {
			rawURL := argString(call.Args, "url", "")
			maxLength := argInt(call.Args, "max_length", 50000)
			preview := argString(call.Args, "mode", "full") == "preview"

			if err := policy.Validate(ctx, rawURL); err != nil {
				return nil, err
			}

			if u, err := url.Parse(rawURL); err == nil {
				if videoID := youtubeVideoID(u); videoID != "" {
					return transcriptResult(ctx, transcripts, rawURL, videoID, maxLength)
				}
			}

			page, err := scraper.Scrape(ctx, rawURL)
			if err != nil {
				return nil, err
			}

			limit := maxLength
			if preview && limit > previewLength {
				limit = previewLength
			}
			page.Content, page.Truncated = truncateAtBoundary(page.Content, limit)

			result := map[string]any{
				"url":         page.URL,
				"contentType": page.ContentType,
				"content":     page.Content,
				"metadata":    page.Metadata,
				"citation":    buildCitation(page.Metadata, page.URL, time.Now()),
				"truncated":   page.Truncated,
			}
			if page.Truncated {
				result["originalLength"] = page.OriginalLength
			}
			structured, err := json.Marshal(result)
			if err != nil {
				return nil, err
			}

			out := mcp.TextResult(page.Content, structured)
			if !page.Metadata.Published.IsZero() {
				out.Content[0].Annotations = &mcp.Annotations{
					Audience:     []string{"assistant"},
					LastModified: page.Metadata.Published.Format(time.RFC3339),
				}
			}
			return out, nil
		},
	})
}

// transcriptResult handles the YouTube path of scrape_page. Extraction
// failures surface as an error result with the transcript error kind, not as
// an RPC error, so clients can branch on the taxonomy.
func transcriptResult(ctx context.Context, fetcher TranscriptFetcher, rawURL, videoID string, maxLength int) (*mcp.CallToolResult, error) {
	var text string
	var err error
	if fetcher == nil {
		err = &TranscriptError{Kind: TranscriptUnknown, Message: "transcript extraction not configured"}
	} else {
		text, err = fetcher.Transcript(ctx, videoID)
	}
	if err != nil {
		terr := &TranscriptError{Kind: TranscriptUnknown, Message: err.Error()}
		if te, ok := err.(*TranscriptError); ok {
			terr = te
		}
		structured, merr := json.Marshal(map[string]any{
			"url":       rawURL,
			"videoId":   videoID,
			"errorKind": terr.Kind,
			"error":     terr.Message,
		})
		if merr != nil {
			return nil, merr
		}
		out := mcp.TextResult(terr.Error(), structured)
		out.IsError = true
		return out, nil
	}

	text, truncated := truncateAtBoundary(text, maxLength)
	structured, merr := json.Marshal(map[string]any{
		"url":         rawURL,
		"videoId":     videoID,
		"contentType": "text/vtt",
		"content":     text,
		"truncated":   truncated,
	})
	if merr != nil {
		return nil, merr
	}
	return mcp.TextResult(text, structured), nil
}

// buildCitation formats a human-readable citation from page metadata.
func buildCitation(meta PageMetadata, rawURL string, accessed time.Time) string {
	var parts []string
	if meta.Author != "" {
		parts = append(parts, meta.Author)
	}
	if !meta.Published.IsZero() {
		parts = append(parts, fmt.Sprintf("(%d)", meta.Published.Year()))
	}
	if meta.Title != "" {
		parts = append(parts, meta.Title+".")
	}
	if meta.SiteName != "" {
		parts = append(parts, meta.SiteName+".")
	}
	parts = append(parts, rawURL)
	parts = append(parts, "Accessed "+accessed.Format("2 January 2006")+".")
	return strings.Join(parts, " ")
}
