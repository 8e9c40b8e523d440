// Package chunker splits documents into ordered, overlapping,
// word-bounded chunks for extraction.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Config controls the chunking behaviour, all bounds in words.
type Config struct {
	TargetWords  int // preferred chunk size
	MinWords     int // interior chunks below this merge into their predecessor
	MaxWords     int // hard upper bound
	OverlapWords int // tail words carried into the next chunk
}

// Chunk is one ordered piece of a document. Text carries the overlap
// prefix from the previous chunk followed by the body; Start and End are
// byte offsets of the body in the original document, so concatenating
// the bodies of all chunks reproduces the document verbatim.
type Chunk struct {
	Index       int
	Text        string
	Start       int
	End         int
	OverlapLen  int // byte length of the overlap prefix inside Text
	WordCount   int // words in the body
	ContentHash string
}

// Body returns the non-overlap region of the chunk.
func (c Chunk) Body() string {
	return c.Text[c.OverlapLen:]
}

// Chunker converts document text into chunks.
type Chunker struct {
	cfg Config
}

// New returns a Chunker with the given configuration.
// Zero-value fields are replaced with sensible defaults.
func New(cfg Config) *Chunker {
	if cfg.TargetWords == 0 {
		cfg.TargetWords = 1000
	}
	if cfg.MinWords == 0 {
		cfg.MinWords = 800
	}
	if cfg.MaxWords == 0 {
		cfg.MaxWords = 1500
	}
	if cfg.OverlapWords == 0 {
		cfg.OverlapWords = 200
	}
	return &Chunker{cfg: cfg}
}

// Config returns the effective configuration.
func (c *Chunker) Config() Config {
	return c.cfg
}

var sentenceEnd = regexp.MustCompile(`[.!?]\s+`)

// Chunk splits the document. The algorithm walks paragraphs accumulating
// word counts, emits a chunk when it reaches the target or when the next
// paragraph would exceed the maximum, and splits oversized single
// paragraphs at sentence boundaries. An interior chunk below the minimum
// merges into its predecessor; the final chunk stands alone however
// short. Output is deterministic for a given input and config.
func (c *Chunker) Chunk(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	// Paragraph spans, separators retained on the preceding span so the
	// spans concatenate back to the document.
	spans := paragraphSpans(text)

	// Split any single span whose word count exceeds the maximum.
	var pieces []span
	for _, sp := range spans {
		if countWords(text[sp.start:sp.end]) > c.cfg.MaxWords {
			pieces = append(pieces, c.splitLongSpan(text, sp)...)
		} else {
			pieces = append(pieces, sp)
		}
	}

	// Accumulate pieces into chunks.
	var bodies []span
	cur := span{start: pieces[0].start, end: pieces[0].start}
	words := 0
	for _, sp := range pieces {
		w := countWords(text[sp.start:sp.end])
		if words > 0 && (words >= c.cfg.TargetWords || words+w > c.cfg.MaxWords) {
			bodies = append(bodies, cur)
			cur = span{start: sp.start, end: sp.start}
			words = 0
		}
		cur.end = sp.end
		words += w
	}
	if cur.end > cur.start {
		bodies = append(bodies, cur)
	}

	// An interior chunk below the minimum joins its predecessor. The final
	// chunk is exempt and stands alone however short, so a short document
	// tail never inflates its predecessor past the maximum.
	for i := 1; i < len(bodies)-1; {
		if countWords(text[bodies[i].start:bodies[i].end]) < c.cfg.MinWords {
			bodies[i-1].end = bodies[i].end
			bodies = append(bodies[:i], bodies[i+1:]...)
		} else {
			i++
		}
	}

	chunks := make([]Chunk, 0, len(bodies))
	for i, b := range bodies {
		body := text[b.start:b.end]
		overlap := ""
		if i > 0 && c.cfg.OverlapWords > 0 {
			overlap = tailWords(text[bodies[i-1].start:bodies[i-1].end], c.cfg.OverlapWords)
		}
		chunks = append(chunks, Chunk{
			Index:       i,
			Text:        overlap + body,
			Start:       b.start,
			End:         b.end,
			OverlapLen:  len(overlap),
			WordCount:   countWords(body),
			ContentHash: contentHash(body),
		})
	}
	return chunks
}

// ChunkFrom re-chunks the document and returns only chunks at or after
// the given index, used to resume an interrupted ingestion.
func (c *Chunker) ChunkFrom(text string, index int) []Chunk {
	chunks := c.Chunk(text)
	if index <= 0 {
		return chunks
	}
	if index >= len(chunks) {
		return nil
	}
	return chunks[index:]
}

type span struct {
	start, end int
}

var paragraphSep = regexp.MustCompile(`\n\s*\n`)

// paragraphSpans returns paragraph byte ranges covering the whole text,
// each span including its trailing separator.
func paragraphSpans(text string) []span {
	seps := paragraphSep.FindAllStringIndex(text, -1)
	var spans []span
	start := 0
	for _, sep := range seps {
		spans = append(spans, span{start: start, end: sep[1]})
		start = sep[1]
	}
	if start < len(text) {
		spans = append(spans, span{start: start, end: len(text)})
	}
	return spans
}

// splitLongSpan cuts an oversized paragraph at sentence boundaries, or by
// raw word runs when no sentence boundary lands inside the budget.
func (c *Chunker) splitLongSpan(text string, sp span) []span {
	var out []span
	start := sp.start
	for start < sp.end {
		rest := text[start:sp.end]
		if countWords(rest) <= c.cfg.MaxWords {
			out = append(out, span{start: start, end: sp.end})
			break
		}

		// Byte offset of the target-words point.
		cut := wordOffset(rest, c.cfg.TargetWords)

		// Prefer the last sentence end before the cut.
		if loc := lastSentenceEnd(rest[:cut]); loc > 0 {
			cut = loc
		}
		out = append(out, span{start: start, end: start + cut})
		start += cut
	}
	return out
}

// lastSentenceEnd returns the byte offset just after the final sentence
// boundary in s, or 0 when none exists.
func lastSentenceEnd(s string) int {
	locs := sentenceEnd.FindAllStringIndex(s, -1)
	if len(locs) == 0 {
		return 0
	}
	return locs[len(locs)-1][1]
}

// wordOffset returns the byte offset just past the n-th word of s.
func wordOffset(s string, n int) int {
	inWord := false
	count := 0
	for i, r := range s {
		isSpace := r == ' ' || r == '\t' || r == '\n' || r == '\r'
		if !isSpace && !inWord {
			inWord = true
			count++
		} else if isSpace && inWord {
			inWord = false
			if count >= n {
				return i
			}
		}
	}
	return len(s)
}

// tailWords returns the suffix of s containing its last n words.
func tailWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) <= n {
		return s
	}
	// Find the byte offset where the (len-n)-th word begins.
	skip := len(fields) - n
	inWord := false
	count := 0
	for i, r := range s {
		isSpace := r == ' ' || r == '\t' || r == '\n' || r == '\r'
		if !isSpace && !inWord {
			inWord = true
			count++
			if count == skip+1 {
				return s[i:]
			}
		} else if isSpace && inWord {
			inWord = false
		}
	}
	return s
}

func countWords(s string) int {
	return len(strings.Fields(s))
}

func contentHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
