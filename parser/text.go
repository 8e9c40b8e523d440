package parser

import (
	"context"
	"fmt"
	"os"
)

// TextParser handles plain text and markdown files. Markdown passes
// through untouched; its own headings already mark section boundaries.
type TextParser struct{}

func (p *TextParser) SupportedFormats() []string { return []string{"txt", "md", "markdown"} }

func (p *TextParser) Parse(ctx context.Context, path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading text file: %w", err)
	}
	if len(data) == 0 {
		return &Document{}, nil
	}
	return &Document{
		Sections: []Section{{Content: string(data)}},
	}, nil
}
