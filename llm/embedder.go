package llm

import (
	"context"
	"fmt"
	"sync/atomic"
)

// EmbedderInfo describes the active embedding configuration.
type EmbedderInfo struct {
	Provider   string
	Model      string
	Dimensions int
	// SimilarityThreshold is the concept-merge threshold carried with the
	// active config.
	SimilarityThreshold float64
}

type embedderState struct {
	provider Provider
	info     EmbedderInfo
}

// Embedder is a hot-reloadable embedding provider. Reads are lock-free;
// Reload atomically swaps the underlying provider so the next Embed call
// uses the new configuration while in-flight calls complete against the
// old one.
type Embedder struct {
	state atomic.Pointer[embedderState]
}

// NewEmbedder builds an Embedder from a provider config.
func NewEmbedder(cfg Config, dimensions int, similarityThreshold float64) (*Embedder, error) {
	p, err := NewProvider(cfg)
	if err != nil {
		return nil, err
	}
	e := &Embedder{}
	e.state.Store(&embedderState{
		provider: p,
		info: EmbedderInfo{
			Provider:            cfg.Provider,
			Model:               cfg.Model,
			Dimensions:          dimensions,
			SimilarityThreshold: similarityThreshold,
		},
	})
	return e, nil
}

// Embed generates embeddings for texts under the active configuration.
// A provider returning vectors of the wrong dimension is an error, never
// a silent downgrade.
func (e *Embedder) Embed(ctx context.Context, texts []string, role Role) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	st := e.state.Load()
	vecs, err := st.provider.Embed(ctx, texts, role)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedder: got %d vectors for %d texts", len(vecs), len(texts))
	}
	for i, v := range vecs {
		if len(v) != st.info.Dimensions {
			return nil, fmt.Errorf("embedder: vector %d has dimension %d, expected %d",
				i, len(v), st.info.Dimensions)
		}
	}
	return vecs, nil
}

// EmbedOne embeds a single text.
func (e *Embedder) EmbedOne(ctx context.Context, text string, role Role) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text}, role)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Info returns a snapshot of the active configuration.
func (e *Embedder) Info() EmbedderInfo {
	return e.state.Load().info
}

// Reload swaps in a new provider configuration. In-flight Embed calls
// keep their original provider reference.
func (e *Embedder) Reload(cfg Config, dimensions int, similarityThreshold float64) error {
	p, err := NewProvider(cfg)
	if err != nil {
		return err
	}
	e.state.Store(&embedderState{
		provider: p,
		info: EmbedderInfo{
			Provider:            cfg.Provider,
			Model:               cfg.Model,
			Dimensions:          dimensions,
			SimilarityThreshold: similarityThreshold,
		},
	})
	return nil
}
