package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/quarrylabs/quarry/internal/mcp"
	"github.com/quarrylabs/quarry/internal/urlcheck"
)

// ParsedDocument is the parser's view of a PDF/DOCX/PPTX document.
type ParsedDocument struct {
	URL       string `json:"url"`
	Format    string `json:"format"` // "pdf", "docx", "pptx"
	Title     string `json:"title,omitempty"`
	Text      string `json:"text"`
	PageCount int    `json:"pageCount,omitempty"`
}

// DocumentParser extracts text from binary document formats. Implementations
// live outside this module and are injected at startup.
type DocumentParser interface {
	Parse(ctx context.Context, rawURL string) (*ParsedDocument, error)
}

// RegisterDocumentTool adds parse_document over an injected parser. Skipped
// entirely when no parser is configured, so the tool is not advertised.
func RegisterDocumentTool(reg *Registry, parser DocumentParser, policy *urlcheck.Policy) {
	if parser == nil {
		return
	}
	reg.Register(&Spec{
		Name:        "parse_document",
		Title:       "Parse Document",
		Description: "Download a PDF, DOCX, or PPTX document and extract its text.",
		Input: &Schema{Fields: []Field{
			{Name: "url", Type: "string", Description: "Document URL", Required: true, MaxLength: 4096},
			{Name: "max_length", Type: "integer", Description: "Content byte cap", Min: f64(1), Default: 50000},
		}},
		DefaultTTL: time.Hour,
		Timeout:    60 * time.Second,
		Cacheable:  true,
		Handler: func(ctx context.Context, call *Call) (*mcp.CallToolResult, error) {
			rawURL := argString(call.Args, "url", "")
			maxLength := argInt(call.Args, "max_length", 50000)

			if err := policy.Validate(ctx, rawURL); err != nil {
				return nil, err
			}
			doc, err := parser.Parse(ctx, rawURL)
			if err != nil {
				return nil, err
			}

			text, truncated := truncateAtBoundary(doc.Text, maxLength)
			structured, merr := json.Marshal(map[string]any{
				"url":       doc.URL,
				"format":    doc.Format,
				"title":     doc.Title,
				"content":   text,
				"pageCount": doc.PageCount,
				"truncated": truncated,
			})
			if merr != nil {
				return nil, merr
			}
			return mcp.TextResult(text, structured), nil
		},
	})
}
