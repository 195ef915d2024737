package rewrite

import (
	"regexp"
	"strings"
)

var (
	anchorRe   = regexp.MustCompile(`(?is)<a\s[^>]*href\s*=\s*["']([^"']*)["'][^>]*>(.*?)</a>`)
	blockEndRe = regexp.MustCompile(`(?i)</(p|div|h[1-6]|li|tr|blockquote)>|<br\s*/?>`)
	tagRe      = regexp.MustCompile(`(?s)<[^>]*>`)
	scriptRe   = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	blankRe    = regexp.MustCompile(`\n{3,}`)
	spaceRe    = regexp.MustCompile(`[ \t]+`)
)

// PlainText derives the text/plain alternative from message HTML. Anchors
// keep their destination as "text (href)"; block boundaries become line
// breaks.
func PlainText(html string) string {
	out := scriptRe.ReplaceAllString(html, "")

	out = anchorRe.ReplaceAllStringFunc(out, func(match string) string {
		groups := anchorRe.FindStringSubmatch(match)
		href := strings.TrimSpace(groups[1])
		text := strings.TrimSpace(tagRe.ReplaceAllString(groups[2], ""))
		switch {
		case text == "" && href == "":
			return ""
		case text == "":
			return href
		case href == "" || text == href:
			return text
		default:
			return text + " (" + href + ")"
		}
	})

	out = blockEndRe.ReplaceAllString(out, "\n")
	out = tagRe.ReplaceAllString(out, "")

	out = strings.ReplaceAll(out, "&nbsp;", " ")
	out = strings.ReplaceAll(out, "&amp;", "&")
	out = strings.ReplaceAll(out, "&lt;", "<")
	out = strings.ReplaceAll(out, "&gt;", ">")
	out = strings.ReplaceAll(out, "&quot;", `"`)
	out = strings.ReplaceAll(out, "&#39;", "'")

	out = spaceRe.ReplaceAllString(out, " ")

	lines := strings.Split(out, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	out = strings.Join(lines, "\n")
	out = blankRe.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}
