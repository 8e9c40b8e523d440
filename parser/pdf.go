package parser

import (
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFParser extracts text from PDFs page by page, splitting each page on
// heading-like lines so section structure survives into the text.
type PDFParser struct{}

func (p *PDFParser) SupportedFormats() []string { return []string{"pdf"} }

func (p *PDFParser) Parse(ctx context.Context, path string) (*Document, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	totalPages := reader.NumPage()
	var sections []Section
	for i := 1; i <= totalPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Pages with broken font tables extract nothing, not an error.
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		sections = append(sections, splitPageSections(text, i)...)
	}

	if len(sections) == 0 {
		return nil, fmt.Errorf("no extractable text in PDF")
	}
	return &Document{
		Sections: sections,
		Metadata: map[string]string{"pages": fmt.Sprintf("%d", totalPages)},
	}, nil
}

// splitPageSections breaks page text on heading-like lines.
func splitPageSections(text string, page int) []Section {
	lines := strings.Split(text, "\n")
	var sections []Section
	var body strings.Builder
	var heading string
	level := 0

	flush := func() {
		content := strings.TrimSpace(body.String())
		if content == "" && heading == "" {
			return
		}
		sections = append(sections, Section{
			Heading: heading,
			Content: content,
			Level:   level,
			Page:    page,
		})
		body.Reset()
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if body.Len() > 0 {
				body.WriteString("\n")
			}
			continue
		}
		if isLikelyHeading(trimmed) {
			flush()
			heading = trimmed
			level = headingLevel(trimmed)
			continue
		}
		if body.Len() > 0 {
			body.WriteString("\n")
		}
		body.WriteString(trimmed)
	}
	flush()

	if len(sections) == 0 {
		sections = append(sections, Section{Content: text, Page: page})
	}
	return sections
}

// isLikelyHeading recognizes short all-caps lines, numbered section lines,
// and the usual structural prefixes.
func isLikelyHeading(line string) bool {
	if len(line) > 120 {
		return false
	}
	if len(line) > 2 && len(line) < 100 && line == strings.ToUpper(line) {
		return true
	}
	if line[0] >= '0' && line[0] <= '9' {
		head := line
		if len(head) > 10 {
			head = head[:10]
		}
		if strings.Contains(head, ".") {
			return true
		}
	}
	lower := strings.ToLower(line)
	for _, prefix := range []string{"section ", "article ", "chapter ", "part ", "appendix ", "annex "} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// headingLevel infers the heading depth from its numbering, like "3.1.2".
func headingLevel(heading string) int {
	first, _, _ := strings.Cut(heading, " ")
	if dots := strings.Count(first, "."); dots > 0 {
		return dots
	}
	if heading == strings.ToUpper(heading) {
		return 1
	}
	return 2
}
