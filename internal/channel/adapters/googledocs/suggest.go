package googledocs

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/dowhiz/dowhiz/internal/channel"
)

var (
	deletionColor  = map[string]any{"color": map[string]any{"rgbColor": map[string]any{"red": 1.0, "green": 0.0, "blue": 0.0}}}
	insertionColor = map[string]any{"color": map[string]any{"rgbColor": map[string]any{"red": 0.0, "green": 0.0, "blue": 1.0}}}
)

type span struct {
	start int64
	end   int64
}

// FindTextPosition locates search in the document body and returns its
// start and end indices. Found is false when the text is absent.
func (c *Client) FindTextPosition(ctx context.Context, documentID, search string) (start, end int64, found bool, err error) {
	doc, err := c.GetDocument(ctx, documentID)
	if err != nil {
		return 0, 0, false, err
	}
	start, end, found = findInDocument(doc, search)
	return start, end, found, nil
}

// findInDocument concatenates the body text and maps a substring match back
// to document indices through (string offset, document index) breakpoints.
func findInDocument(doc *Document, search string) (int64, int64, bool) {
	var full strings.Builder
	type breakpoint struct {
		strPos   int
		docIndex int64
	}
	var breakpoints []breakpoint

	doc.textRuns(func(start, _ int64, run *TextRun) {
		breakpoints = append(breakpoints, breakpoint{strPos: full.Len(), docIndex: start})
		full.WriteString(run.Content)
	})

	pos := strings.Index(full.String(), search)
	if pos < 0 {
		return 0, 0, false
	}
	var docStart int64
	for _, bp := range breakpoints {
		if bp.strPos <= pos {
			docStart = bp.docIndex + int64(pos-bp.strPos)
		}
	}
	return docStart, docStart + int64(len(search)), true
}

func styleRequest(start, end int64, style map[string]any, fields string) map[string]any {
	return map[string]any{
		"updateTextStyle": map[string]any{
			"range":     map[string]any{"startIndex": start, "endIndex": end},
			"textStyle": style,
			"fields":    fields,
		},
	}
}

func deleteRequest(start, end int64) map[string]any {
	return map[string]any{
		"deleteContentRange": map[string]any{
			"range": map[string]any{"startIndex": start, "endIndex": end},
		},
	}
}

// MarkDeletion styles text red with strikethrough, the suggesting-mode mark
// for text that will be removed.
func (c *Client) MarkDeletion(ctx context.Context, documentID, text string) error {
	start, end, found, err := c.FindTextPosition(ctx, documentID, text)
	if err != nil {
		return err
	}
	if !found {
		return channel.SendErrorf("text not found in document: %q", text)
	}
	return c.BatchUpdate(ctx, documentID, []map[string]any{
		styleRequest(start, end, map[string]any{
			"foregroundColor": deletionColor,
			"strikethrough":   true,
		}, "foregroundColor,strikethrough"),
	})
}

// InsertSuggestion inserts text after the anchor and styles it blue, with
// strikethrough cleared in case the anchor carries a deletion mark.
func (c *Client) InsertSuggestion(ctx context.Context, documentID, afterText, newText string) error {
	_, end, found, err := c.FindTextPosition(ctx, documentID, afterText)
	if err != nil {
		return err
	}
	if !found {
		return channel.SendErrorf("anchor text not found: %q", afterText)
	}
	return c.BatchUpdate(ctx, documentID, []map[string]any{
		{
			"insertText": map[string]any{
				"location": map[string]any{"index": end},
				"text":     newText,
			},
		},
		styleRequest(end, end+int64(utf8.RuneCountInString(newText)), map[string]any{
			"foregroundColor": insertionColor,
			"strikethrough":   false,
		}, "foregroundColor,strikethrough"),
	})
}

// SuggestReplace marks old text as deleted and inserts the blue replacement
// right after it, in one batch.
func (c *Client) SuggestReplace(ctx context.Context, documentID, oldText, newText string) error {
	start, end, found, err := c.FindTextPosition(ctx, documentID, oldText)
	if err != nil {
		return err
	}
	if !found {
		return channel.SendErrorf("text to replace not found: %q", oldText)
	}
	return c.BatchUpdate(ctx, documentID, []map[string]any{
		styleRequest(start, end, map[string]any{
			"foregroundColor": deletionColor,
			"strikethrough":   true,
		}, "foregroundColor,strikethrough"),
		{
			"insertText": map[string]any{
				"location": map[string]any{"index": end},
				"text":     newText,
			},
		},
		styleRequest(end, end+int64(utf8.RuneCountInString(newText)), map[string]any{
			"foregroundColor": insertionColor,
			"strikethrough":   false,
		}, "foregroundColor,strikethrough"),
	})
}

// ApplySuggestions accepts every revision mark: red strikethrough ranges are
// deleted and blue ranges restyled to the default color.
func (c *Client) ApplySuggestions(ctx context.Context, documentID string) error {
	doc, err := c.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}

	var toDelete, toNormalize []span
	doc.textRuns(func(start, end int64, run *TextRun) {
		switch {
		case run.TextStyle.isDeletionMark():
			toDelete = append(toDelete, span{start, end})
		case run.TextStyle.isInsertionMark():
			toNormalize = append(toNormalize, span{start, end})
		}
	})

	requests := deletionRequests(toDelete)
	for _, s := range toNormalize {
		adjStart, adjEnd := adjustForDeletions(s, toDelete)
		requests = append(requests, styleRequest(adjStart, adjEnd, map[string]any{
			"foregroundColor": map[string]any{},
		}, "foregroundColor"))
	}
	return c.BatchUpdate(ctx, documentID, requests)
}

// DiscardSuggestions rejects every revision mark: blue ranges are deleted
// and red strikethrough ranges restored to normal text.
func (c *Client) DiscardSuggestions(ctx context.Context, documentID string) error {
	doc, err := c.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}

	var toDelete, toRestore []span
	doc.textRuns(func(start, end int64, run *TextRun) {
		switch {
		case run.TextStyle.isInsertionMark():
			toDelete = append(toDelete, span{start, end})
		case run.TextStyle.isDeletionMark():
			toRestore = append(toRestore, span{start, end})
		}
	})

	requests := deletionRequests(toDelete)
	for _, s := range toRestore {
		adjStart, adjEnd := adjustForDeletions(s, toDelete)
		requests = append(requests, styleRequest(adjStart, adjEnd, map[string]any{
			"foregroundColor": map[string]any{},
			"strikethrough":   false,
		}, "foregroundColor,strikethrough"))
	}
	return c.BatchUpdate(ctx, documentID, requests)
}

// deletionRequests deletes spans in descending start order so earlier
// deletions do not shift the indices of later ones.
func deletionRequests(spans []span) []map[string]any {
	ordered := make([]span, len(spans))
	copy(ordered, spans)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].start > ordered[j].start })

	var requests []map[string]any
	for _, s := range ordered {
		requests = append(requests, deleteRequest(s.start, s.end))
	}
	return requests
}

// adjustForDeletions shifts a span left by the total length of deletions
// that end at or before its start.
func adjustForDeletions(s span, deleted []span) (int64, int64) {
	start, end := s.start, s.end
	for _, d := range deleted {
		if d.end <= s.start {
			length := d.end - d.start
			start -= length
			end -= length
		}
	}
	return start, end
}

// StyleOptions selects the text style properties SetTextStyle applies. Nil
// fields are left untouched.
type StyleOptions struct {
	Color      string
	FontFamily string
	FontSize   float64
	Bold       *bool
	Italic     *bool
}

// SetTextStyle styles the first occurrence of text with the given options.
// Color is a hex string like "#FF0000".
func (c *Client) SetTextStyle(ctx context.Context, documentID, text string, opts StyleOptions) error {
	start, end, found, err := c.FindTextPosition(ctx, documentID, text)
	if err != nil {
		return err
	}
	if !found {
		return channel.SendErrorf("text not found in document: %q", text)
	}

	style := map[string]any{}
	var fields []string
	if opts.Color != "" {
		rgb, ok := parseHexColor(opts.Color)
		if ok {
			style["foregroundColor"] = map[string]any{"color": map[string]any{"rgbColor": rgb}}
			fields = append(fields, "foregroundColor")
		}
	}
	if opts.FontFamily != "" {
		style["weightedFontFamily"] = map[string]any{"fontFamily": opts.FontFamily, "weight": 400}
		fields = append(fields, "weightedFontFamily")
	}
	if opts.FontSize > 0 {
		style["fontSize"] = map[string]any{"magnitude": opts.FontSize, "unit": "PT"}
		fields = append(fields, "fontSize")
	}
	if opts.Bold != nil {
		style["bold"] = *opts.Bold
		fields = append(fields, "bold")
	}
	if opts.Italic != nil {
		style["italic"] = *opts.Italic
		fields = append(fields, "italic")
	}
	if len(fields) == 0 {
		return channel.ConfigErrorf("no style properties specified")
	}

	return c.BatchUpdate(ctx, documentID, []map[string]any{
		styleRequest(start, end, style, strings.Join(fields, ",")),
	})
}

func parseHexColor(value string) (map[string]any, bool) {
	hex := strings.TrimPrefix(strings.TrimSpace(value), "#")
	if len(hex) != 6 {
		return nil, false
	}
	parse := func(s string) (float64, bool) {
		n, err := strconv.ParseUint(s, 16, 8)
		if err != nil {
			return 0, false
		}
		return float64(n) / 255.0, true
	}
	r, okR := parse(hex[0:2])
	g, okG := parse(hex[2:4])
	b, okB := parse(hex[4:6])
	if !okR || !okG || !okB {
		return nil, false
	}
	return map[string]any{"red": r, "green": g, "blue": b}, true
}
