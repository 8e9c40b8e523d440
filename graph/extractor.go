// Package graph turns document chunks into concepts, evidence instances,
// and typed relationships, and applies them to the store.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/aaronsb/knowledge-graph-system-sub013/llm"
)

// ErrMalformed is returned when the model response cannot be parsed as a
// valid extraction after retrying.
var ErrMalformed = errors.New("graph: malformed extraction response")

const extractPrompt = `You are building a knowledge graph from a document. Extract the concepts discussed in the text below, the exact quotes that evidence them, and the relationships between them.

Concepts already known in this area (reuse their concept_id when the text discusses the same concept):
%s

Return ONLY a JSON object, no other text:
{
  "concepts": [
    {"concept_id": "short_snake_case_id", "label": "Human Readable Name", "confidence": 0.9, "search_terms": ["alternative phrasing", "synonym"]}
  ],
  "instances": [
    {"concept_id": "short_snake_case_id", "quote": "exact verbatim quote from the text"}
  ],
  "relationships": [
    {"from_concept_id": "id_a", "to_concept_id": "id_b", "relationship_type": "SUPPORTS", "confidence": 0.8}
  ]
}

Rules:
- Quotes must be copied verbatim from the text, character for character.
- relationship_type is an UPPER_SNAKE_CASE verb phrase naming how the source concept relates to the target (IMPLIES, PART_OF, ENABLES, CONTRADICTS, or a better fit you choose).
- Confidence is your certainty in [0,1] that the concept or relationship is really present.
- Extract only what the text states. Do not invent concepts from background knowledge.

Text:
%s`

const extractRetryPrompt = `Your previous response could not be parsed. Respond with ONLY the JSON object described below. No markdown fences, no commentary, no trailing text.

Schema:
{"concepts": [{"concept_id": "...", "label": "...", "confidence": 0.9, "search_terms": ["..."]}], "instances": [{"concept_id": "...", "quote": "..."}], "relationships": [{"from_concept_id": "...", "to_concept_id": "...", "relationship_type": "...", "confidence": 0.8}]}

Text:
%s`

// maxContextConcepts caps how many known concepts are shown to the model.
const maxContextConcepts = 50

// ContextConcept is a known concept offered to the model for reuse.
type ContextConcept struct {
	ConceptID   string   `json:"concept_id"`
	Label       string   `json:"label"`
	SearchTerms []string `json:"search_terms,omitempty"`
}

// ExtractedConcept is one concept proposed by the model for a chunk.
type ExtractedConcept struct {
	ConceptID   string   `json:"concept_id"`
	Label       string   `json:"label"`
	Confidence  float64  `json:"confidence"`
	SearchTerms []string `json:"search_terms"`
}

// ExtractedInstance is a verbatim quote evidencing a concept.
type ExtractedInstance struct {
	ConceptID string `json:"concept_id"`
	Quote     string `json:"quote"`
}

// ExtractedRelationship is a typed edge proposed by the model.
type ExtractedRelationship struct {
	From       string  `json:"from_concept_id"`
	To         string  `json:"to_concept_id"`
	Type       string  `json:"relationship_type"`
	Confidence float64 `json:"confidence"`
}

// Extraction is the parsed model output for one chunk.
type Extraction struct {
	Concepts      []ExtractedConcept      `json:"concepts"`
	Instances     []ExtractedInstance     `json:"instances"`
	Relationships []ExtractedRelationship `json:"relationships"`
}

// Extractor drives the extraction model for one chunk at a time.
type Extractor struct {
	provider llm.Provider
	model    string
	log      *slog.Logger
}

// NewExtractor wraps a chat-capable provider.
func NewExtractor(provider llm.Provider, model string) *Extractor {
	return &Extractor{
		provider: provider,
		model:    model,
		log:      slog.Default().With("stage", "extract"),
	}
}

// Extract asks the model for the concepts, instances, and relationships in
// chunkText. Known concepts are passed as context so the model reuses their
// IDs. A single malformed response is retried once with a stricter prompt;
// a second failure returns ErrMalformed.
func (e *Extractor) Extract(ctx context.Context, chunkText string, known []ContextConcept) (*Extraction, error) {
	if len(known) > maxContextConcepts {
		known = known[:maxContextConcepts]
	}
	contextJSON := "[]"
	if len(known) > 0 {
		b, err := json.Marshal(known)
		if err == nil {
			contextJSON = string(b)
		}
	}

	prompt := fmt.Sprintf(extractPrompt, contextJSON, chunkText)
	ext, err := e.extractOnce(ctx, prompt)
	if err == nil {
		return ext, nil
	}
	if !errors.Is(err, ErrMalformed) {
		return nil, err
	}

	e.log.Warn("extraction response malformed, retrying with strict prompt", "error", err)
	ext, err = e.extractOnce(ctx, fmt.Sprintf(extractRetryPrompt, chunkText))
	if err != nil {
		return nil, err
	}
	return ext, nil
}

func (e *Extractor) extractOnce(ctx context.Context, prompt string) (*Extraction, error) {
	resp, err := e.provider.Chat(ctx, llm.ChatRequest{
		Model: e.model,
		Messages: []llm.Message{
			{Role: "user", Content: prompt},
		},
		Temperature:    0.0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, fmt.Errorf("extraction chat: %w", err)
	}

	jsonStr := extractJSON(resp.Content)
	if jsonStr == "" {
		return nil, fmt.Errorf("%w: no JSON object in response", ErrMalformed)
	}
	var ext Extraction
	if err := json.Unmarshal([]byte(jsonStr), &ext); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return sanitize(&ext), nil
}

// sanitize drops entries missing required fields and clamps confidences.
func sanitize(ext *Extraction) *Extraction {
	out := &Extraction{}
	for _, c := range ext.Concepts {
		c.ConceptID = strings.TrimSpace(c.ConceptID)
		c.Label = strings.TrimSpace(c.Label)
		if c.ConceptID == "" || c.Label == "" {
			continue
		}
		c.Confidence = clamp01(c.Confidence)
		out.Concepts = append(out.Concepts, c)
	}
	for _, in := range ext.Instances {
		in.ConceptID = strings.TrimSpace(in.ConceptID)
		if in.ConceptID == "" || in.Quote == "" {
			continue
		}
		out.Instances = append(out.Instances, in)
	}
	for _, r := range ext.Relationships {
		r.From = strings.TrimSpace(r.From)
		r.To = strings.TrimSpace(r.To)
		r.Type = strings.TrimSpace(r.Type)
		if r.From == "" || r.To == "" || r.Type == "" {
			continue
		}
		r.Confidence = clamp01(r.Confidence)
		out.Relationships = append(out.Relationships, r)
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// extractJSON pulls a JSON object out of a model response that may wrap it
// in markdown fences or surrounding prose.
func extractJSON(s string) string {
	if m := codeBlockRe.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return ""
	}
	return s[start : end+1]
}
