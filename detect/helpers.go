package detect

import (
	"html"
	"regexp"
	"strings"

	"github.com/mastomod/vigil/mastodon"
)

var (
	tagPattern        = regexp.MustCompile(`<[^>]*>`)
	digitPattern      = regexp.MustCompile(`[0-9]`)
	whitespacePattern = regexp.MustCompile(`\s+`)
	urlPattern        = regexp.MustCompile(`https?://[^\s<>"']+`)
)

// StripHTML flattens status HTML to plain text for matching.
func StripHTML(s string) string {
	out := tagPattern.ReplaceAllString(s, " ")
	out = html.UnescapeString(out)
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(out, " "))
}

// NormalizeContent produces the fuzzy-duplicate form of a status: lower-case,
// digits stripped, whitespace collapsed.
func NormalizeContent(s string) string {
	out := strings.ToLower(StripHTML(s))
	out = digitPattern.ReplaceAllString(out, "")
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(out, " "))
}

func extractURLs(content string) []string {
	return urlPattern.FindAllString(content, -1)
}

func urlHost(raw string) string {
	rest := raw
	if idx := strings.Index(rest, "://"); idx >= 0 {
		rest = rest[idx+3:]
	}
	if idx := strings.IndexAny(rest, "/?#"); idx >= 0 {
		rest = rest[:idx]
	}
	return strings.ToLower(rest)
}

// statusText returns a status's matchable plain text, following reblogs.
func statusText(st *mastodon.Status) string {
	if st.Reblog != nil {
		return StripHTML(st.Reblog.Content)
	}
	return StripHTML(st.Content)
}
