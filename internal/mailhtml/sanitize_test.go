package mailhtml

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderPrefersCleanedHTML(t *testing.T) {
	out := Render("<p>Hello <b>world</b></p>", "ignored")
	assert.Equal(t, "<p>Hello <b>world</b></p>", out)
}

func TestRenderFallsBackToText(t *testing.T) {
	out := Render("", "line one <script>")
	assert.Equal(t, "<pre>line one &lt;script&gt;</pre>", out)

	assert.Equal(t, "<pre>(no content)</pre>", Render("", "   "))
}

func TestRenderFallsBackWhenHTMLCleansToNothing(t *testing.T) {
	out := Render("<script>alert(1)</script>", "plain body")
	assert.Equal(t, "<pre>plain body</pre>", out)
}

func TestCleanStripsScriptsStylesComments(t *testing.T) {
	out := Clean(`<html><head><title>x</title><style>p{}</style></head>
<body><!-- hidden --><script>evil()</script><p>kept</p></body></html>`)
	assert.NotContains(t, out, "script")
	assert.NotContains(t, out, "style")
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "<p>kept</p>")
}

func TestCleanRemovesHiddenElements(t *testing.T) {
	out := Clean(`<div style="display: none">secret</div>` +
		`<div aria-hidden="true">also secret</div>` +
		`<div hidden>gone</div>` +
		`<p>visible</p>`)
	assert.NotContains(t, out, "secret")
	assert.NotContains(t, out, "gone")
	assert.Contains(t, out, "visible")
}

func TestCleanRemovesTrackingPixels(t *testing.T) {
	out := Clean(`<img src="https://x.test/open.gif" width="1" height="1">` +
		`<img src="https://x.test/t/pixel.png">` +
		`<img src="https://x.test/photo.jpg" width="400" alt="photo">`)
	assert.NotContains(t, out, "open.gif")
	assert.NotContains(t, out, "pixel")
	assert.Contains(t, out, "photo.jpg")
}

func TestCleanRemovesFooterBlocks(t *testing.T) {
	out := Clean(`<p>real content</p>` +
		`<div class="email-footer">Company Inc</div>` +
		`<p>Click here to unsubscribe from these emails</p>`)
	assert.Contains(t, out, "real content")
	assert.NotContains(t, out, "Company Inc")
	assert.NotContains(t, out, "unsubscribe")
}

func TestCleanUnwrapsUnknownTags(t *testing.T) {
	out := Clean(`<article><p>inside</p></article>`)
	assert.NotContains(t, out, "article")
	assert.Contains(t, out, "<p>inside</p>")
}

func TestCleanPrunesUnsafeAttributes(t *testing.T) {
	out := Clean(`<a href="javascript:alert(1)" onclick="x()">link</a>` +
		`<a href="https://example.com">ok</a>` +
		`<img src="vbscript:x" alt="pic">`)
	assert.NotContains(t, out, "javascript")
	assert.NotContains(t, out, "onclick")
	assert.NotContains(t, out, "vbscript")
	assert.Contains(t, out, `href="https://example.com"`)
	assert.Contains(t, out, `alt="pic"`)
}

func TestCleanIsIdempotent(t *testing.T) {
	input := `<div><p>Hello <a href="https://example.com">there</a></p>` +
		`<img src="https://x.test/a.png" width="300"></div>`
	once := Clean(input)
	assert.Equal(t, once, Clean(once))
}

func TestStripTags(t *testing.T) {
	assert.Equal(t, "hello world", StripTags("<p>hello <b>world</b></p>"))
}

func TestTruncatePreview(t *testing.T) {
	assert.Equal(t, "short", TruncatePreview("short", 10))
	assert.Equal(t, "abc...", TruncatePreview("abcdefgh", 3))
	// Never splits a multibyte rune.
	assert.Equal(t, "héllo"[:3]+"...", TruncatePreview("héllo", 3))
}
