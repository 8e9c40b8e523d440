// Package parser converts document files into plain text suitable for
// ingestion. Formats are detected by extension; each parser produces
// ordered sections that flatten into chunker-friendly text.
package parser

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrUnsupported means no parser is registered for the file's format.
var ErrUnsupported = errors.New("parser: unsupported format")

// Section is one logical block of a parsed document.
type Section struct {
	Heading string
	Content string
	Level   int // heading level, 1 is top
	Page    int // source page where the format has pages, else 0
}

// Document is a parsed file ready for submission.
type Document struct {
	Label    string
	Format   string
	Sections []Section
	Metadata map[string]string
}

// Text flattens the sections into plain text. Headings become markdown
// style header lines so section boundaries survive as paragraph breaks.
func (d *Document) Text() string {
	var b strings.Builder
	for _, s := range d.Sections {
		if s.Heading != "" {
			level := s.Level
			if level < 1 {
				level = 1
			}
			if level > 6 {
				level = 6
			}
			b.WriteString(strings.Repeat("#", level))
			b.WriteString(" ")
			b.WriteString(s.Heading)
			b.WriteString("\n\n")
		}
		content := strings.TrimSpace(s.Content)
		if content != "" {
			b.WriteString(content)
			b.WriteString("\n\n")
		}
	}
	return strings.TrimSpace(b.String())
}

// Parser reads one document format.
type Parser interface {
	Parse(ctx context.Context, path string) (*Document, error)
	SupportedFormats() []string
}

// Registry maps file formats to parsers.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry builds a registry with the built-in parsers.
func NewRegistry() *Registry {
	r := &Registry{parsers: map[string]Parser{}}
	for _, p := range []Parser{&TextParser{}, &PDFParser{}, &DOCXParser{}, &XLSXParser{}} {
		for _, f := range p.SupportedFormats() {
			r.parsers[f] = p
		}
	}
	return r
}

// Register adds or replaces the parser for a format.
func (r *Registry) Register(format string, p Parser) {
	r.parsers[strings.ToLower(format)] = p
}

// Formats lists the registered formats.
func (r *Registry) Formats() []string {
	out := make([]string, 0, len(r.parsers))
	for f := range r.parsers {
		out = append(out, f)
	}
	return out
}

// ParseFile detects the format from the file extension and parses it. The
// document label defaults to the file name without extension.
func (r *Registry) ParseFile(ctx context.Context, path string) (*Document, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	p, ok := r.parsers[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, ext)
	}
	doc, err := p.Parse(ctx, path)
	if err != nil {
		return nil, err
	}
	if doc.Label == "" {
		base := filepath.Base(path)
		doc.Label = strings.TrimSuffix(base, filepath.Ext(base))
	}
	doc.Format = ext
	return doc, nil
}
