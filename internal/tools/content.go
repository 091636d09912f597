package tools

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"
)

// Content shaping for scraped text: boundary-aware truncation, cross-source
// paragraph deduplication, and source quality scoring.

// truncateAtBoundary cuts s to at most max bytes, preferring a paragraph
// break and falling back to a sentence end. Returns the text and whether
// truncation happened.
func truncateAtBoundary(s string, max int) (string, bool) {
	if max <= 0 || len(s) <= max {
		return s, false
	}
	cut := s[:max]

	if idx := strings.LastIndex(cut, "\n\n"); idx > max/2 {
		return cut[:idx], true
	}
	if idx := lastSentenceEnd(cut); idx > max/2 {
		return cut[:idx], true
	}
	if idx := strings.LastIndexFunc(cut, unicode.IsSpace); idx > 0 {
		return cut[:idx], true
	}
	return cut, true
}

func lastSentenceEnd(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		switch s[i] {
		case '.', '!', '?':
			return i + 1
		}
	}
	return -1
}

// dedupeParagraphs drops paragraphs whose normalized hash was already seen,
// keeping the first occurrence. The seen set is shared across sources so a
// syndicated paragraph appears only once in combined output.
func dedupeParagraphs(text string, seen map[string]bool) string {
	paragraphs := strings.Split(text, "\n\n")
	kept := paragraphs[:0]
	for _, p := range paragraphs {
		normalized := normalizeParagraph(p)
		if normalized == "" {
			continue
		}
		// Short paragraphs (headings, bylines) repeat legitimately.
		if len(normalized) < 80 {
			kept = append(kept, p)
			continue
		}
		h := sha256.Sum256([]byte(normalized))
		key := hex.EncodeToString(h[:8])
		if seen[key] {
			continue
		}
		seen[key] = true
		kept = append(kept, p)
	}
	return strings.Join(kept, "\n\n")
}

func normalizeParagraph(p string) string {
	return strings.ToLower(strings.Join(strings.Fields(p), " "))
}

// Quality score weights.
const (
	weightRelevance = 0.35
	weightFreshness = 0.20
	weightAuthority = 0.25
	weightContent   = 0.20
)

// scoreSource computes a weighted quality score in [0,1].
func scoreSource(query, title, content, host string, published time.Time) float64 {
	score := weightRelevance*relevanceScore(query, title, content) +
		weightFreshness*freshnessScore(published) +
		weightAuthority*authorityScore(host) +
		weightContent*contentScore(content)
	if score > 1 {
		score = 1
	}
	return score
}

// relevanceScore is the fraction of query terms present in title or content.
func relevanceScore(query, title, content string) float64 {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return 0.5
	}
	haystack := strings.ToLower(title + " " + content)
	hits := 0
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

// freshnessScore decays linearly over two years; unknown dates score 0.5.
func freshnessScore(published time.Time) float64 {
	if published.IsZero() {
		return 0.5
	}
	age := time.Since(published)
	if age < 0 {
		return 1
	}
	const horizon = 2 * 365 * 24 * time.Hour
	if age >= horizon {
		return 0
	}
	return 1 - float64(age)/float64(horizon)
}

// authorityHosts are domains with a fixed authority boost.
var authorityHosts = map[string]float64{
	"wikipedia.org":      0.9,
	"arxiv.org":          0.9,
	"nature.com":         0.9,
	"sciencedirect.com":  0.85,
	"ieee.org":           0.85,
	"acm.org":            0.85,
	"patents.google.com": 0.8,
	"github.com":         0.7,
}

func authorityScore(host string) float64 {
	host = strings.ToLower(host)
	for domain, score := range authorityHosts {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return score
		}
	}
	switch {
	case strings.HasSuffix(host, ".gov"), strings.HasSuffix(host, ".edu"):
		return 0.85
	case strings.HasSuffix(host, ".org"):
		return 0.6
	default:
		return 0.5
	}
}

// contentScore rewards substantial, structured text.
func contentScore(content string) float64 {
	n := len(content)
	if n == 0 {
		return 0
	}
	var score float64
	switch {
	case n >= 5000:
		score = 0.8
	case n >= 1000:
		score = 0.6
	case n >= 200:
		score = 0.4
	default:
		score = 0.2
	}
	if strings.Contains(content, "\n\n") {
		score += 0.2
	}
	if score > 1 {
		score = 1
	}
	return score
}

// estimateTokens approximates LLM token count at 4 bytes per token.
func estimateTokens(n int) int {
	return (n + 3) / 4
}
