package parser

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDocumentText(t *testing.T) {
	d := &Document{
		Sections: []Section{
			{Heading: "Introduction", Level: 1, Content: "Opening words."},
			{Heading: "Details", Level: 2, Content: "  Body text.  "},
			{Content: "Unheaded trailing paragraph."},
			{Heading: "Empty section", Level: 9},
		},
	}
	want := "# Introduction\n\nOpening words.\n\n## Details\n\nBody text.\n\nUnheaded trailing paragraph.\n\n###### Empty section"
	if got := d.Text(); got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}
}

func TestDocumentTextEmpty(t *testing.T) {
	d := &Document{}
	if got := d.Text(); got != "" {
		t.Errorf("Text() of empty document = %q", got)
	}
}

func TestRegistryFormats(t *testing.T) {
	r := NewRegistry()
	formats := map[string]bool{}
	for _, f := range r.Formats() {
		formats[f] = true
	}
	for _, want := range []string{"txt", "md", "markdown", "pdf", "docx", "xlsx"} {
		if !formats[want] {
			t.Errorf("format %q not registered", want)
		}
	}
}

func TestParseFileText(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "My Notes.txt")
	if err := os.WriteFile(path, []byte("line one\n\nline two"), 0644); err != nil {
		t.Fatal(err)
	}

	doc, err := NewRegistry().ParseFile(context.Background(), path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if doc.Label != "My Notes" {
		t.Errorf("Label = %q, want file name without extension", doc.Label)
	}
	if doc.Format != "txt" {
		t.Errorf("Format = %q", doc.Format)
	}
	if doc.Text() != "line one\n\nline two" {
		t.Errorf("Text() = %q", doc.Text())
	}
}

func TestParseFileUnsupported(t *testing.T) {
	_, err := NewRegistry().ParseFile(context.Background(), "/tmp/image.png")
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}
}

func TestParseFileExtensionCase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "UPPER.TXT")
	if err := os.WriteFile(path, []byte("content"), 0644); err != nil {
		t.Fatal(err)
	}
	doc, err := NewRegistry().ParseFile(context.Background(), path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if doc.Format != "txt" {
		t.Errorf("Format = %q, extension matching should be case-insensitive", doc.Format)
	}
}

func TestIsLikelyHeading(t *testing.T) {
	cases := []struct {
		line string
		want bool
	}{
		{"INTRODUCTION", true},
		{"1. Scope", true},
		{"3.1.2 Error handling", true},
		{"Chapter Four", true},
		{"Appendix B", true},
		{"An ordinary sentence about gravity.", false},
		{"2000 participants were surveyed in the spring", false},
	}
	for _, tc := range cases {
		if got := isLikelyHeading(tc.line); got != tc.want {
			t.Errorf("isLikelyHeading(%q) = %v, want %v", tc.line, got, tc.want)
		}
	}
}

func TestHeadingLevel(t *testing.T) {
	cases := []struct {
		heading string
		want    int
	}{
		{"3.1 Overview", 1},
		{"3.1.2 Details", 2},
		{"INTRODUCTION", 1},
		{"Chapter Four", 2},
	}
	for _, tc := range cases {
		if got := headingLevel(tc.heading); got != tc.want {
			t.Errorf("headingLevel(%q) = %d, want %d", tc.heading, got, tc.want)
		}
	}
}

func TestHeadingStyleLevel(t *testing.T) {
	cases := []struct {
		style string
		want  int
	}{
		{"Title", 1},
		{"Heading1", 1},
		{"heading3", 3},
		{"Heading9", 9},
		{"Heading10", 0},
		{"Normal", 0},
		{"", 0},
	}
	for _, tc := range cases {
		if got := headingStyleLevel(tc.style); got != tc.want {
			t.Errorf("headingStyleLevel(%q) = %d, want %d", tc.style, got, tc.want)
		}
	}
}
