// Package rewrite prepares campaign HTML for sending: bare URLs in text
// become anchors, every outbound link is routed through the click redirect,
// and an open pixel is injected. It also derives the plain-text alternative.
//
// The engine treats message bodies as opaque author content, so all of this
// is regex-and-scan surgery on the raw markup rather than a DOM round trip,
// which would reserialize (and subtly alter) the author's HTML.
package rewrite

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Rewriter rewrites message HTML for one tracking host.
type Rewriter struct {
	baseURL string
}

// New creates a Rewriter. baseURL is the public host serving the tracking
// endpoints, without a trailing slash.
func New(baseURL string) *Rewriter {
	return &Rewriter{baseURL: strings.TrimRight(baseURL, "/")}
}

var (
	hrefRe = regexp.MustCompile(`href\s*=\s*(?:"([^"]*)"|'([^']*)')`)

	// Linkable tokens, in match-preference order: explicit scheme,
	// protocol-relative, www-prefixed, bare host.tld[/path].
	bareURLRe = regexp.MustCompile(`(?i)https?://[^\s<>"']+` +
		`|//[a-z0-9][^\s<>"']*` +
		`|www\.[^\s<>"']+` +
		`|\b[a-z0-9][a-z0-9.-]*\.[a-z]{2,}(?:/[^\s<>"']*)?`)

	bodyEndRe = regexp.MustCompile(`(?i)</body>`)
)

// Rewrite produces the tracked variant of html for one recipient.
// Order matters: autolinking first so the new anchors get click-wrapped by
// the href pass like any hand-written link.
func (r *Rewriter) Rewrite(html, campaignID, contactID string) string {
	out := autolink(html)
	out = r.rewriteHrefs(out, campaignID, contactID)
	return r.injectPixel(out, campaignID, contactID)
}

// OpenPixelURL returns the tracking-pixel URL for one recipient. The t
// parameter busts client-side image caches so repeat opens reach the server.
func (r *Rewriter) OpenPixelURL(campaignID, contactID string) string {
	return fmt.Sprintf("%s/api/track/open/%s/%s?t=%d",
		r.baseURL, campaignID, contactID, time.Now().UnixMilli())
}

// ClickURL returns the redirect URL wrapping target for one recipient.
func (r *Rewriter) ClickURL(campaignID, contactID, target string) string {
	return fmt.Sprintf("%s/api/track/click/%s/%s?u=%s&o=1",
		r.baseURL, campaignID, contactID, url.QueryEscape(EncodeClickParam(target)))
}

// rewriteHrefs routes every trackable href through the click redirect,
// preserving the author's quote style. Anchors that cannot meaningfully be
// tracked (mailto:, tel:, fragments, template placeholders) pass through,
// as do links already pointing at this tracking host.
func (r *Rewriter) rewriteHrefs(html, campaignID, contactID string) string {
	return hrefRe.ReplaceAllStringFunc(html, func(match string) string {
		groups := hrefRe.FindStringSubmatch(match)
		target, quote := groups[1], `"`
		if groups[1] == "" && groups[2] != "" {
			target, quote = groups[2], `'`
		}
		if !trackable(target, r.baseURL) {
			return match
		}
		return fmt.Sprintf(`href=%s%s%s`, quote, r.ClickURL(campaignID, contactID, target), quote)
	})
}

func trackable(target, baseURL string) bool {
	t := strings.TrimSpace(target)
	if t == "" {
		return false
	}
	lower := strings.ToLower(t)
	switch {
	case strings.HasPrefix(lower, "mailto:"),
		strings.HasPrefix(lower, "tel:"),
		strings.HasPrefix(lower, "#"),
		strings.HasPrefix(lower, "{"),
		baseURL != "" && strings.HasPrefix(lower, strings.ToLower(baseURL)):
		return false
	}
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// injectPixel appends the open pixel just before </body>, or at the end of
// the document when no body close tag exists.
func (r *Rewriter) injectPixel(html, campaignID, contactID string) string {
	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" style="display:none" alt=""/>`,
		r.OpenPixelURL(campaignID, contactID))

	if loc := bodyEndRe.FindStringIndex(html); loc != nil {
		return html[:loc[0]] + pixel + html[loc[0]:]
	}
	return html + pixel
}

// autolink wraps bare URLs appearing in text into anchors. Only text is
// touched: URLs inside tags (attribute values) or inside existing anchor,
// script, or style elements are left alone.
func autolink(html string) string {
	var b strings.Builder
	b.Grow(len(html))

	skipDepth := 0 // inside <a>/<script>/<style>
	i := 0
	for i < len(html) {
		lt := strings.IndexByte(html[i:], '<')
		if lt == -1 {
			b.WriteString(linkifyText(html[i:], skipDepth > 0))
			break
		}
		lt += i

		b.WriteString(linkifyText(html[i:lt], skipDepth > 0))

		gt := strings.IndexByte(html[lt:], '>')
		if gt == -1 {
			// Malformed tail; emit as-is
			b.WriteString(html[lt:])
			break
		}
		gt += lt
		tag := html[lt : gt+1]
		b.WriteString(tag)

		switch tagName(tag) {
		case "a", "script", "style":
			if strings.HasPrefix(tag, "</") {
				if skipDepth > 0 {
					skipDepth--
				}
			} else if !strings.HasSuffix(tag, "/>") {
				skipDepth++
			}
		}
		i = gt + 1
	}
	return b.String()
}

func linkifyText(text string, skip bool) string {
	if skip || text == "" {
		return text
	}
	matches := bareURLRe.FindAllStringIndex(text, -1)
	if matches == nil {
		return text
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		// The host part of an email address is not a link, and a lone
		// "//" right after a scheme colon was already consumed above.
		if start > 0 && (text[start-1] == '@' || text[start-1] == ':') {
			continue
		}
		token := text[start:end]
		// Trailing punctuation belongs to the sentence, not the URL
		trimmed := strings.TrimRight(token, ".,;:!?)")
		if trimmed == "" {
			continue
		}
		b.WriteString(text[last:start])
		b.WriteString(fmt.Sprintf(`<a href="%s">%s</a>`, hrefFor(trimmed), trimmed))
		b.WriteString(token[len(trimmed):])
		last = end
	}
	b.WriteString(text[last:])
	return b.String()
}

// hrefFor turns a matched token into a fetchable target: protocol-relative
// gets https, schemeless hosts get http. Display text keeps the author's
// form.
func hrefFor(token string) string {
	lower := strings.ToLower(token)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return token
	case strings.HasPrefix(token, "//"):
		return "https:" + token
	default:
		return "http://" + token
	}
}

func tagName(tag string) string {
	name := strings.TrimPrefix(strings.TrimPrefix(tag, "<"), "/")
	end := strings.IndexAny(name, " \t\n\r/>")
	if end == -1 {
		return strings.ToLower(name)
	}
	return strings.ToLower(name[:end])
}
