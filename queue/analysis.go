package queue

import (
	"fmt"
	"strings"

	"github.com/aaronsb/knowledge-graph-system-sub013/store"
)

// Token and concept density constants, tuned against observed extraction
// runs. Estimates aim at the right order of magnitude, not precision.
const (
	tokensPerWord        = 0.5
	promptOverheadTokens = 500
	highEstimateFactor   = 1.6
	conceptsPerChunk     = 6.5
	tokensPerConceptEmb  = 8
	largeJobChunks       = 50
)

// chatPricePerMTok maps known chat models to USD per million tokens.
// Blended input and output rate.
var chatPricePerMTok = map[string]float64{
	"gpt-4o":       5.00,
	"gpt-4o-mini":  0.30,
	"gpt-4.1":      4.00,
	"gpt-4.1-mini": 0.80,
	"o3-mini":      2.20,
}

// embedPricePerMTok maps known embedding models to USD per million tokens.
var embedPricePerMTok = map[string]float64{
	"text-embedding-3-small": 0.02,
	"text-embedding-3-large": 0.13,
}

// Analysis estimates chunking, token usage, and cost for a submission
// before any model is called.
type Analysis struct {
	TargetWords     int
	ExtractionModel string
	EmbeddingModel  string
	// LocalExtraction and LocalEmbedding mark providers with no per-token
	// price, like ollama and lmstudio.
	LocalExtraction bool
	LocalEmbedding  bool
}

// Analyze estimates the work a document represents. Chunk count assumes
// chunks land slightly under the target size; token counts cover the
// extraction prompt per chunk plus the text itself, with a high estimate
// for verbose models.
func (a *Analysis) Analyze(content string) *store.JobAnalysis {
	words := len(strings.Fields(content))
	target := a.TargetWords
	if target <= 0 {
		target = 1000
	}
	chunks := words / int(float64(target)*0.9)
	if chunks < 1 {
		chunks = 1
	}

	tokensMid := int(float64(words)*tokensPerWord) + chunks*promptOverheadTokens
	tokensHigh := int(float64(tokensMid) * highEstimateFactor)
	embTokens := int(conceptsPerChunk*float64(chunks)*tokensPerConceptEmb) +
		int(float64(words)*tokensPerWord)

	out := &store.JobAnalysis{
		WordCount:       words,
		ChunkCount:      chunks,
		TokensMid:       tokensMid,
		TokensHigh:      tokensHigh,
		EmbeddingTokens: embTokens,
		ExtractionModel: a.ExtractionModel,
		EmbeddingModel:  a.EmbeddingModel,
	}

	switch {
	case a.LocalExtraction:
		out.Warnings = append(out.Warnings, "extraction runs on a local model, cost estimated at $0")
	default:
		price, ok := chatPricePerMTok[a.ExtractionModel]
		if !ok {
			out.Warnings = append(out.Warnings,
				fmt.Sprintf("no pricing for model %q, extraction cost unknown", a.ExtractionModel))
		} else {
			out.CostMidUSD = float64(tokensMid) / 1e6 * price
			out.CostHighUSD = float64(tokensHigh) / 1e6 * price
		}
	}

	switch {
	case a.LocalEmbedding:
		// Local embeddings are free, leave the cost at zero.
	default:
		price, ok := embedPricePerMTok[a.EmbeddingModel]
		if !ok {
			out.Warnings = append(out.Warnings,
				fmt.Sprintf("no pricing for embedding model %q, embedding cost unknown", a.EmbeddingModel))
		} else {
			out.EmbeddingCostUSD = float64(embTokens) / 1e6 * price
		}
	}

	if chunks >= largeJobChunks {
		out.Warnings = append(out.Warnings,
			fmt.Sprintf("large document, %d chunks will take a while to process", chunks))
	}
	return out
}
