package notification

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const shortTextLimit = 100

var (
	fencePattern      = regexp.MustCompile("(?s)```[^\\n]*\\n?(.*?)```")
	imagePattern      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	linkPattern       = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	headingPattern    = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s+`)
	quotePattern      = regexp.MustCompile(`(?m)^\s*>\s?`)
	listPattern       = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+[.)])\s+`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// Go regexps have no backreferences, so each emphasis marker gets its own
// pattern. Longer markers go first.
var emphasisPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\*\*(\S(?:.*?\S)?)\*\*`),
	regexp.MustCompile(`__(\S(?:.*?\S)?)__`),
	regexp.MustCompile(`~~(\S(?:.*?\S)?)~~`),
	regexp.MustCompile(`\*(\S(?:.*?\S)?)\*`),
	regexp.MustCompile(`\b_(\S(?:.*?\S)?)_\b`),
	regexp.MustCompile("`([^`]+)`"),
}

// PlainText reduces markdown to the text a reader would see.
func PlainText(markdown string) string {
	text := fencePattern.ReplaceAllString(markdown, "$1")
	text = imagePattern.ReplaceAllString(text, "$1")
	text = linkPattern.ReplaceAllString(text, "$1")
	text = headingPattern.ReplaceAllString(text, "")
	text = quotePattern.ReplaceAllString(text, "")
	text = listPattern.ReplaceAllString(text, "")
	for _, pattern := range emphasisPatterns {
		text = pattern.ReplaceAllString(text, "$1")
	}
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))
}

// ShortText is the notification preview: the first 100 characters of the
// plain text, with an ellipsis when cut.
func ShortText(markdown string) string {
	text := PlainText(markdown)
	if utf8.RuneCountInString(text) <= shortTextLimit {
		return text
	}
	runes := []rune(text)
	return string(runes[:shortTextLimit]) + "..."
}
