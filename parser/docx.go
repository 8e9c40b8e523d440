package parser

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// DOCXParser reads word/document.xml out of the docx archive and maps
// paragraph styles onto section headings.
type DOCXParser struct{}

func (p *DOCXParser) SupportedFormats() []string { return []string{"docx"} }

func (p *DOCXParser) Parse(ctx context.Context, path string) (*Document, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening DOCX: %w", err)
	}
	defer r.Close()

	var docFile *zip.File
	for _, f := range r.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return nil, fmt.Errorf("word/document.xml not found in DOCX")
	}

	rc, err := docFile.Open()
	if err != nil {
		return nil, fmt.Errorf("opening document.xml: %w", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}

	sections, err := parseDocxXML(data)
	if err != nil {
		return nil, fmt.Errorf("parsing DOCX XML: %w", err)
	}
	if len(sections) == 0 {
		return nil, fmt.Errorf("no extractable text in DOCX")
	}
	return &Document{Sections: sections}, nil
}

type docxBody struct {
	Paragraphs []docxPara `xml:"body>p"`
}

type docxPara struct {
	Props docxParaProps `xml:"pPr"`
	Runs  []docxRun     `xml:"r"`
}

type docxParaProps struct {
	Style struct {
		Val string `xml:"val,attr"`
	} `xml:"pStyle"`
}

type docxRun struct {
	Text []string `xml:"t"`
}

func parseDocxXML(data []byte) ([]Section, error) {
	var body docxBody
	if err := xml.Unmarshal(data, &body); err != nil {
		return nil, err
	}

	var sections []Section
	var content strings.Builder
	var heading string
	level := 0

	flush := func() {
		text := strings.TrimSpace(content.String())
		if text == "" && heading == "" {
			return
		}
		sections = append(sections, Section{Heading: heading, Content: text, Level: level})
		content.Reset()
	}

	for _, para := range body.Paragraphs {
		text := paraText(para)
		if text == "" {
			if content.Len() > 0 {
				content.WriteString("\n")
			}
			continue
		}
		if lvl := headingStyleLevel(para.Props.Style.Val); lvl > 0 {
			flush()
			heading = text
			level = lvl
			continue
		}
		if content.Len() > 0 {
			content.WriteString("\n")
		}
		content.WriteString(text)
	}
	flush()
	return sections, nil
}

func paraText(para docxPara) string {
	var b strings.Builder
	for _, run := range para.Runs {
		for _, t := range run.Text {
			b.WriteString(t)
		}
	}
	return strings.TrimSpace(b.String())
}

// headingStyleLevel maps styles like Heading1 or Title to a level, 0 for
// body styles.
func headingStyleLevel(style string) int {
	lower := strings.ToLower(style)
	if lower == "title" {
		return 1
	}
	if n, ok := strings.CutPrefix(lower, "heading"); ok {
		if lvl, err := strconv.Atoi(n); err == nil && lvl >= 1 && lvl <= 9 {
			return lvl
		}
	}
	return 0
}
