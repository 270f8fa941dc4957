package googledocs

// Document is the subset of the Docs API document model the revision
// workflow walks.
type Document struct {
	DocumentID string  `json:"documentId"`
	Title      string  `json:"title"`
	Body       DocBody `json:"body"`
}

// DocBody is the document body content list.
type DocBody struct {
	Content []StructuralElement `json:"content"`
}

// StructuralElement is one top-level body element.
type StructuralElement struct {
	Paragraph *Paragraph `json:"paragraph,omitempty"`
}

// Paragraph holds the text runs of a paragraph.
type Paragraph struct {
	Elements []ParagraphElement `json:"elements"`
}

// ParagraphElement is a positioned run inside a paragraph.
type ParagraphElement struct {
	StartIndex int64    `json:"startIndex"`
	EndIndex   int64    `json:"endIndex"`
	TextRun    *TextRun `json:"textRun,omitempty"`
}

// TextRun is styled text content.
type TextRun struct {
	Content   string     `json:"content"`
	TextStyle *TextStyle `json:"textStyle,omitempty"`
}

// TextStyle is the styling subset the revision marks use.
type TextStyle struct {
	Strikethrough   bool             `json:"strikethrough,omitempty"`
	ForegroundColor *ForegroundColor `json:"foregroundColor,omitempty"`
}

// ForegroundColor wraps the nested color model of the Docs API.
type ForegroundColor struct {
	Color *OptionalColor `json:"color,omitempty"`
}

// OptionalColor holds an RGB color.
type OptionalColor struct {
	RGBColor *RGBColor `json:"rgbColor,omitempty"`
}

// RGBColor is a color with components in [0,1].
type RGBColor struct {
	Red   float64 `json:"red,omitempty"`
	Green float64 `json:"green,omitempty"`
	Blue  float64 `json:"blue,omitempty"`
}

func (s *TextStyle) rgb() (r, g, b float64, ok bool) {
	if s == nil || s.ForegroundColor == nil || s.ForegroundColor.Color == nil || s.ForegroundColor.Color.RGBColor == nil {
		return 0, 0, 0, false
	}
	c := s.ForegroundColor.Color.RGBColor
	return c.Red, c.Green, c.Blue, true
}

// isDeletionMark reports red strikethrough text, the in-place deletion mark.
func (s *TextStyle) isDeletionMark() bool {
	if s == nil || !s.Strikethrough {
		return false
	}
	r, g, b, ok := s.rgb()
	return ok && r > 0.8 && g < 0.2 && b < 0.2
}

// isInsertionMark reports blue text, the insertion mark.
func (s *TextStyle) isInsertionMark() bool {
	r, g, b, ok := s.rgb()
	return ok && r < 0.2 && g < 0.2 && b > 0.8
}

// textRuns walks every positioned text run in document order.
func (d *Document) textRuns(visit func(start, end int64, run *TextRun)) {
	for _, element := range d.Body.Content {
		if element.Paragraph == nil {
			continue
		}
		for i := range element.Paragraph.Elements {
			pe := element.Paragraph.Elements[i]
			if pe.TextRun != nil {
				visit(pe.StartIndex, pe.EndIndex, pe.TextRun)
			}
		}
	}
}
