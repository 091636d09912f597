package tools

import (
	"bytes"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// PageMetadata is extracted from an HTML document's head.
type PageMetadata struct {
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	Author      string    `json:"author,omitempty"`
	SiteName    string    `json:"siteName,omitempty"`
	Canonical   string    `json:"canonical,omitempty"`
	Published   time.Time `json:"published,omitzero"`
}

// skipElements never contribute to extracted text.
var skipElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"nav": true, "footer": true, "aside": true, "iframe": true,
	"svg": true, "form": true, "button": true,
}

// blockElements force a paragraph break around their text.
var blockElements = map[string]bool{
	"p": true, "div": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"li": true, "blockquote": true, "pre": true, "td": true, "tr": true,
	"br": true,
}

// extractPage parses an HTML document into metadata plus readable text with
// paragraph boundaries preserved as blank lines.
func extractPage(body []byte) (PageMetadata, string) {
	var meta PageMetadata

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return meta, ""
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "title":
				if meta.Title == "" {
					meta.Title = strings.TrimSpace(textOf(n))
				}
				return
			case "meta":
				readMetaTag(n, &meta)
				return
			case "link":
				if attr(n, "rel") == "canonical" {
					meta.Canonical = attr(n, "href")
				}
				return
			}
			if skipElements[n.Data] {
				return
			}
			if blockElements[n.Data] {
				b.WriteString("\n\n")
			}
		case html.TextNode:
			if text := strings.TrimSpace(n.Data); text != "" {
				if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
					b.WriteString(" ")
				}
				b.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return meta, collapseBlankLines(b.String())
}

func readMetaTag(n *html.Node, meta *PageMetadata) {
	content := attr(n, "content")
	if content == "" {
		return
	}
	switch attr(n, "name") {
	case "description":
		if meta.Description == "" {
			meta.Description = content
		}
	case "author":
		meta.Author = content
	}
	switch attr(n, "property") {
	case "og:title":
		meta.Title = content
	case "og:description":
		meta.Description = content
	case "og:site_name":
		meta.SiteName = content
	case "article:published_time":
		if t, err := time.Parse(time.RFC3339, content); err == nil {
			meta.Published = t
		}
	}
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}

// collapseBlankLines squeezes runs of blank lines to one paragraph break and
// trims per-line whitespace.
func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := true
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}
