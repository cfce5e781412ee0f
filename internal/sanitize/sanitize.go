// Package sanitize normalizes user-submitted comment bodies: markup is
// reduced to a small allow-list and bare URLs are turned into anchors.
package sanitize

import (
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var policy = newPolicy()

func newPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("code", "i", "strong", "p", "br", "em", "b")
	p.AllowAttrs("href", "title").OnElements("a")
	p.AllowStandardURLs()
	return p
}

var (
	anchorRe = regexp.MustCompile(`(?is)<a\b[^>]*>.*?</a>`)
	urlRe    = regexp.MustCompile(`(?i)(?:https?://|www\.)[^\s<>"']+`)
)

// Sanitize strips everything outside the allow-list (a, code, i, strong, p,
// br, em, b; anchors keep only href/title) and converts bare URLs into
// anchor tags. mailto auto-linking is intentionally not performed.
// Sanitize(Sanitize(x)) == Sanitize(x) for any input.
func Sanitize(raw string) string {
	cleaned := policy.Sanitize(raw)
	return linkify(cleaned)
}

// linkify wraps bare URLs in anchor tags, skipping text that is already
// inside an anchor.
func linkify(input string) string {
	if input == "" {
		return ""
	}

	var out strings.Builder
	last := 0
	for _, loc := range anchorRe.FindAllStringIndex(input, -1) {
		out.WriteString(linkifySegment(input[last:loc[0]]))
		out.WriteString(input[loc[0]:loc[1]])
		last = loc[1]
	}
	out.WriteString(linkifySegment(input[last:]))
	return out.String()
}

func linkifySegment(segment string) string {
	if segment == "" {
		return segment
	}
	return urlRe.ReplaceAllStringFunc(segment, func(match string) string {
		trimmed := strings.TrimRight(match, ".,;:!?)")
		if trimmed == "" {
			return match
		}
		tail := match[len(trimmed):]
		href := trimmed
		if !strings.HasPrefix(strings.ToLower(href), "http") {
			href = "http://" + href
		}
		return `<a href="` + href + `">` + trimmed + `</a>` + tail
	})
}
