// Package format converts the worker's markdown-like output into Telegram
// HTML and splits long text into message-sized chunks.
package format

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxMessageLen is Telegram's hard limit on message text length.
const MaxMessageLen = 4096

var (
	headerRe = regexp.MustCompile(`^#+\s+(.*)$`)
	boldRe   = regexp.MustCompile(`\*\*(.*?)\*\*`)
	codeRe   = regexp.MustCompile("`(.*?)`")
)

const ruleSeparator = "<b>──────────────</b>"

// Render converts text to Telegram HTML. Reserved characters are escaped
// before any markup is injected, so task output can never smuggle its own
// tags. Consecutive table rows are wrapped in a <pre> block, leading # runs
// become bold, rule lines become a styled separator, then inline **bold** and
// `code` spans are converted.
func Render(text string) string {
	escaped := EscapeHTML(text)

	lines := strings.Split(escaped, "\n")
	out := make([]string, 0, len(lines))
	var table []string

	flushTable := func() {
		if len(table) == 0 {
			return
		}
		out = append(out, "<pre>"+strings.Join(table, "\n")+"</pre>")
		table = table[:0]
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "|") {
			table = append(table, line)
			continue
		}
		flushTable()
		switch {
		case headerRe.MatchString(line):
			out = append(out, headerRe.ReplaceAllString(line, "<b>$1</b>"))
		case trimmed == "---" || trimmed == "***":
			out = append(out, ruleSeparator)
		default:
			out = append(out, line)
		}
	}
	flushTable()

	result := strings.Join(out, "\n")
	result = boldRe.ReplaceAllString(result, "<b>$1</b>")
	result = codeRe.ReplaceAllString(result, "<code>$1</code>")
	return result
}

// EscapeHTML escapes the characters Telegram's HTML parse mode reserves.
func EscapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// Chunk splits text into pieces no longer than max, preferring to cut at the
// last newline at or before the limit. The newline a cut lands on is consumed,
// and each remainder is left-trimmed before the next search. A text within the
// limit is returned unchanged as a single chunk.
func Chunk(text string, max int) []string {
	if max <= 0 || len(text) <= max {
		return []string{text}
	}
	var chunks []string
	rest := text
	for len(rest) > max {
		cut := strings.LastIndexByte(rest[:max+1], '\n')
		if cut <= 0 {
			// no natural boundary in range, hard cut
			end := runeBound(rest, max)
			chunks = append(chunks, rest[:end])
			rest = strings.TrimLeft(rest[end:], " \n")
			continue
		}
		chunks = append(chunks, rest[:cut])
		rest = strings.TrimLeft(rest[cut+1:], " \n")
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// HardSplit slices text into fixed-width pieces with no boundary preference.
// It is the fallback when the delivery sink rejects an already-chunked piece
// as oversized.
func HardSplit(text string, max int) []string {
	if max <= 0 || len(text) <= max {
		return []string{text}
	}
	chunks := make([]string, 0, len(text)/max+1)
	for len(text) > max {
		end := runeBound(text, max)
		chunks = append(chunks, text[:end])
		text = text[end:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// runeBound backs i off to the nearest rune start so a cut at i never splits
// a multibyte character. When i lands inside the text's first rune, i is
// returned unchanged; the text cannot be cut validly at that width.
func runeBound(s string, i int) int {
	b := i
	for b > 0 && !utf8.RuneStart(s[b]) {
		b--
	}
	if b == 0 {
		return i
	}
	return b
}
