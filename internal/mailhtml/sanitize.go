// Package mailhtml renders inbound message bodies to a cleaned HTML fragment
// safe to drop into an agent workspace. Provider HTML is stripped of scripts,
// hidden elements, tracking pixels, and footer boilerplate; plain text is
// escaped and wrapped in <pre>.
package mailhtml

import (
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

var allowedTags = map[string]struct{}{
	"html": {}, "body": {}, "p": {}, "br": {}, "div": {}, "span": {},
	"a": {}, "img": {}, "ul": {}, "ol": {}, "li": {},
	"strong": {}, "em": {}, "b": {}, "i": {}, "u": {},
	"blockquote": {}, "pre": {}, "code": {},
	"h1": {}, "h2": {}, "h3": {}, "h4": {}, "h5": {}, "h6": {},
	"table": {}, "thead": {}, "tbody": {}, "tr": {}, "td": {}, "th": {},
}

var dropTags = map[string]struct{}{
	"script": {}, "style": {}, "head": {}, "meta": {}, "link": {},
	"title": {}, "noscript": {},
}

var footerCandidates = map[string]struct{}{
	"div": {}, "p": {}, "span": {}, "td": {}, "li": {}, "section": {}, "footer": {},
}

var footerHints = []string{
	"unsubscribe",
	"notification settings",
	"manage notifications",
	"email preferences",
	"manage your email",
	"view this email in your browser",
	"view in browser",
	"you are receiving this",
	"to stop receiving",
	"opt out",
	"reply to this email directly",
}

// Render picks the HTML body when present and non-empty after cleaning,
// otherwise wraps the text body as escaped <pre>.
func Render(htmlBody, textBody string) string {
	if strings.TrimSpace(htmlBody) != "" {
		cleaned := Clean(htmlBody)
		if strings.TrimSpace(cleaned) != "" {
			return cleaned
		}
	}
	if strings.TrimSpace(textBody) == "" {
		return "<pre>(no content)</pre>"
	}
	return WrapText(textBody)
}

// Clean sanitizes an HTML document and returns the body's inner HTML. Running
// Clean over its own output is a no-op.
func Clean(input string) string {
	doc, err := html.Parse(strings.NewReader(input))
	if err != nil {
		return WrapText(input)
	}
	removeComments(doc)
	removeHidden(doc)
	removeTrackingPixels(doc)
	removeFooterBlocks(doc)
	sanitizeElements(doc)
	return innerBodyHTML(doc)
}

// WrapText escapes text and wraps it in a <pre> block.
func WrapText(input string) string {
	return "<pre>" + html.EscapeString(input) + "</pre>"
}

// StripTags removes markup, leaving only text content. Used for chat-channel
// previews where HTML is meaningless.
func StripTags(input string) string {
	var out strings.Builder
	out.Grow(len(input))
	inTag := false
	for _, ch := range input {
		switch {
		case ch == '<':
			inTag = true
		case ch == '>':
			inTag = false
		case !inTag:
			out.WriteRune(ch)
		}
	}
	return out.String()
}

// TruncatePreview cuts input to at most max bytes on a rune boundary,
// appending an ellipsis when truncated.
func TruncatePreview(input string, max int) string {
	if len(input) <= max {
		return input
	}
	end := max
	for end > 0 && !isRuneStart(input, end) {
		end--
	}
	return input[:end] + "..."
}

func isRuneStart(s string, i int) bool {
	if i == 0 || i >= len(s) {
		return true
	}
	return s[i]&0xC0 != 0x80
}

func descendants(root *html.Node) []*html.Node {
	var nodes []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			nodes = append(nodes, c)
			walk(c)
		}
	}
	walk(root)
	return nodes
}

func detach(n *html.Node) {
	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}

// unwrap replaces a node with its children.
func unwrap(n *html.Node) {
	parent := n.Parent
	if parent == nil {
		return
	}
	for n.FirstChild != nil {
		child := n.FirstChild
		n.RemoveChild(child)
		parent.InsertBefore(child, n)
	}
	parent.RemoveChild(n)
}

func removeComments(doc *html.Node) {
	for _, n := range descendants(doc) {
		if n.Type == html.CommentNode {
			detach(n)
		}
	}
}

func removeHidden(doc *html.Node) {
	for _, n := range descendants(doc) {
		if n.Type == html.ElementNode && isHidden(n) {
			detach(n)
		}
	}
}

func removeTrackingPixels(doc *html.Node) {
	for _, n := range descendants(doc) {
		if n.Type == html.ElementNode && n.Data == "img" && isTrackingPixel(n) {
			detach(n)
		}
	}
}

func removeFooterBlocks(doc *html.Node) {
	for _, n := range descendants(doc) {
		if n.Type != html.ElementNode {
			continue
		}
		if _, ok := footerCandidates[n.Data]; !ok {
			continue
		}
		if n.Parent == nil {
			continue
		}
		if hasFooterMarker(n) || containsFooterHint(textContent(n)) {
			detach(n)
		}
	}
}

func sanitizeElements(doc *html.Node) {
	for _, n := range descendants(doc) {
		if n.Type != html.ElementNode {
			continue
		}
		if _, drop := dropTags[n.Data]; drop {
			detach(n)
			continue
		}
		if _, ok := allowedTags[n.Data]; !ok {
			unwrap(n)
			continue
		}
		pruneAttributes(n)
	}
}

func innerBodyHTML(doc *html.Node) string {
	body := findElement(doc, "body")
	if body == nil {
		var out strings.Builder
		html.Render(&out, doc)
		return out.String()
	}
	var out strings.Builder
	for c := body.FirstChild; c != nil; c = c.NextSibling {
		html.Render(&out, c)
	}
	return out.String()
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func attr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func isHidden(n *html.Node) bool {
	if _, ok := attr(n, "hidden"); ok {
		return true
	}
	if v, ok := attr(n, "aria-hidden"); ok && strings.EqualFold(strings.TrimSpace(v), "true") {
		return true
	}
	if style, ok := attr(n, "style"); ok && styleHidden(style) {
		return true
	}
	return false
}

func styleHidden(style string) bool {
	normalized := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, style)
	return strings.Contains(normalized, "display:none") ||
		strings.Contains(normalized, "visibility:hidden") ||
		strings.Contains(normalized, "opacity:0") ||
		strings.Contains(normalized, "max-height:0")
}

func isTrackingPixel(n *html.Node) bool {
	if style, ok := attr(n, "style"); ok && styleHidden(style) {
		return true
	}
	src, _ := attr(n, "src")
	srcLower := strings.ToLower(src)
	for _, marker := range []string{"tracking", "pixel", "beacon", "open.gif"} {
		if strings.Contains(srcLower, marker) {
			return true
		}
	}
	width := dimensionOf(n, "width")
	height := dimensionOf(n, "height")
	switch {
	case width != nil && height != nil:
		return *width <= 1 && *height <= 1
	case width != nil:
		return *width <= 1
	case height != nil:
		return *height <= 1
	}
	return false
}

func dimensionOf(n *html.Node, key string) *int {
	if raw, ok := attr(n, key); ok {
		if v := parseDimension(raw); v != nil {
			return v
		}
	}
	if style, ok := attr(n, "style"); ok {
		for _, part := range strings.Split(style, ";") {
			name, value, found := strings.Cut(part, ":")
			if found && strings.EqualFold(strings.TrimSpace(name), key) {
				return parseDimension(value)
			}
		}
	}
	return nil
}

func parseDimension(raw string) *int {
	trimmed := strings.TrimSpace(raw)
	end := 0
	for end < len(trimmed) && trimmed[end] >= '0' && trimmed[end] <= '9' {
		end++
	}
	if end == 0 {
		return nil
	}
	v := 0
	for _, ch := range trimmed[:end] {
		v = v*10 + int(ch-'0')
	}
	return &v
}

func hasFooterMarker(n *html.Node) bool {
	for _, key := range []string{"class", "id"} {
		v, ok := attr(n, key)
		if !ok {
			continue
		}
		lower := strings.ToLower(v)
		for _, marker := range []string{"footer", "unsubscribe", "notification", "preferences"} {
			if strings.Contains(lower, marker) {
				return true
			}
		}
	}
	return false
}

func containsFooterHint(text string) bool {
	lower := strings.ToLower(text)
	for _, hint := range footerHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	var out strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			out.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out.String()
}

func pruneAttributes(n *html.Node) {
	var kept []html.Attribute
	for _, a := range n.Attr {
		keep := false
		switch n.Data {
		case "a":
			keep = a.Key == "href" && isSafeURL(a.Val)
		case "img":
			switch a.Key {
			case "src":
				keep = isSafeURL(a.Val)
			case "alt", "width", "height":
				keep = true
			}
		}
		if keep {
			kept = append(kept, a)
		}
	}
	n.Attr = kept
}

func isSafeURL(value string) bool {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return false
	}
	lower := strings.ToLower(trimmed)
	return !strings.HasPrefix(lower, "javascript:") && !strings.HasPrefix(lower, "vbscript:")
}
