// Package vocab maintains the bounded, self-extending relationship-type
// registry: canonical types, their embeddings, and the zone-based growth
// policy that decides when a proposed type becomes a new entry versus a
// synonym of an existing one.
package vocab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aaronsb/knowledge-graph-system-sub013/llm"
	"github.com/aaronsb/knowledge-graph-system-sub013/store"
)

var (
	// ErrUnknownType is returned when an operation names a type that is
	// not in the registry.
	ErrUnknownType = errors.New("vocab: unknown relationship type")

	// ErrBuiltinMerge is returned when a merge would delete a builtin type.
	ErrBuiltinMerge = errors.New("vocab: cannot merge away a builtin type")
)

// Type is an in-memory vocabulary entry.
type Type struct {
	Name          string    `json:"type_name"`
	Category      string    `json:"category"`
	SupportWeight float64   `json:"support_weight"`
	IsBuiltin     bool      `json:"is_builtin"`
	Synonyms      []string  `json:"synonyms"`
	UsageCount    int       `json:"usage_count"`
	Embedding     []float32 `json:"-"`
}

// Status summarizes the registry for the admin surface.
type Status struct {
	Size           int            `json:"size"`
	Zone           Zone           `json:"zone"`
	Aggressiveness float64        `json:"aggressiveness"`
	Categories     map[string]int `json:"categories"`
	EmbeddedCount  int            `json:"embedded_count"`
	Degraded       bool           `json:"degraded"`
}

// Resolution is the outcome of resolving a suggested type name.
type Resolution struct {
	TypeName   string
	Created    bool // a new type was registered
	Merged     bool // suggestion recorded as a synonym of an existing type
	Degraded   bool // forced nearest-match under pressure or emergency
	Similarity float64
}

// snapshot is the immutable read view. Reads are lock-free; every write
// path rebuilds and swaps it.
type snapshot struct {
	types map[string]*Type
}

// Registry is the relationship-type vocabulary backed by the store.
type Registry struct {
	store    *store.Store
	embedder *llm.Embedder
	bounds   Bounds
	merge    float64 // base merge threshold

	mu   sync.Mutex // serializes writes
	snap atomic.Pointer[snapshot]
}

// New creates an unloaded registry. Call Init before use.
func New(st *store.Store, embedder *llm.Embedder, bounds Bounds, mergeThreshold float64) *Registry {
	if mergeThreshold == 0 {
		mergeThreshold = 0.92
	}
	r := &Registry{store: st, embedder: embedder, bounds: bounds, merge: mergeThreshold}
	r.snap.Store(&snapshot{types: map[string]*Type{}})
	return r
}

// Init loads persisted types, seeding builtins on first run. Embedding
// failures during seeding do not abort startup; the registry comes up
// degraded and reports it through Status.
func (r *Registry) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.store.ListVocabTypes(ctx)
	if err != nil {
		return fmt.Errorf("loading vocabulary: %w", err)
	}

	if len(rows) == 0 {
		if err := r.seedBuiltins(ctx); err != nil {
			return err
		}
		rows, err = r.store.ListVocabTypes(ctx)
		if err != nil {
			return fmt.Errorf("reloading vocabulary: %w", err)
		}
	}

	embeddings, err := r.store.LoadVocabEmbeddings(ctx)
	if err != nil {
		return fmt.Errorf("loading vocabulary embeddings: %w", err)
	}

	types := make(map[string]*Type, len(rows))
	for _, row := range rows {
		types[row.TypeName] = &Type{
			Name:          row.TypeName,
			Category:      row.Category,
			SupportWeight: row.SupportWeight,
			IsBuiltin:     row.IsBuiltin,
			Synonyms:      row.Synonyms,
			UsageCount:    row.UsageCount,
			Embedding:     embeddings[row.TypeName],
		}
	}
	r.snap.Store(&snapshot{types: types})

	if missing := len(types) - len(embeddings); missing > 0 {
		slog.Warn("vocab: registry is degraded, some types have no embedding",
			"types", len(types), "embedded", len(embeddings), "missing", missing)
	}
	return nil
}

func (r *Registry) seedBuiltins(ctx context.Context) error {
	slog.Info("vocab: seeding builtin relationship types", "count", len(builtins))

	texts := make([]string, len(builtins))
	for i, b := range builtins {
		texts[i] = embedText(b.Name)
	}
	vecs, err := r.embedder.Embed(ctx, texts, llm.RoleDocument)
	if err != nil {
		// Seed without embeddings rather than failing startup; resolution
		// degrades to exact and fuzzy name matching until a reload.
		slog.Warn("vocab: embedding builtins failed, seeding without vectors", "error", err)
		vecs = make([][]float32, len(builtins))
	}

	for i, b := range builtins {
		row := store.VocabRow{
			TypeName:      b.Name,
			Category:      b.Category,
			SupportWeight: b.SupportWeight,
			IsBuiltin:     true,
		}
		if err := r.store.InsertVocabType(ctx, row, vecs[i]); err != nil {
			return fmt.Errorf("seeding %s: %w", b.Name, err)
		}
	}
	return nil
}

// Has reports whether a canonical type exists.
func (r *Registry) Has(name string) bool {
	_, ok := r.snap.Load().types[name]
	return ok
}

// SupportWeightOf returns the signed weight of a type, 0 for unknown.
func (r *Registry) SupportWeightOf(name string) float64 {
	if t, ok := r.snap.Load().types[name]; ok {
		return t.SupportWeight
	}
	return 0
}

// Weights returns a name-to-weight map for the grounding computation.
func (r *Registry) Weights() map[string]float64 {
	snap := r.snap.Load()
	out := make(map[string]float64, len(snap.types))
	for name, t := range snap.types {
		out[name] = t.SupportWeight
	}
	return out
}

// ListTypes returns all types sorted by the store's canonical order.
func (r *Registry) ListTypes(ctx context.Context) ([]store.VocabRow, error) {
	return r.store.ListVocabTypes(ctx)
}

// Status reports size, zone, aggressiveness, and per-category counts.
// The embedded count comes from the store's vector index, the durable
// truth the resolver searches against.
func (r *Registry) Status(ctx context.Context) (*Status, error) {
	snap := r.snap.Load()
	categories := map[string]int{}
	for _, t := range snap.types {
		categories[t.Category]++
	}
	embedded, err := r.store.VocabEmbeddedCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting embedded types: %w", err)
	}
	size := len(snap.types)
	return &Status{
		Size:           size,
		Zone:           r.bounds.ZoneFor(size),
		Aggressiveness: r.bounds.Aggressiveness(size),
		Categories:     categories,
		EmbeddedCount:  embedded,
		Degraded:       embedded < size,
	}, nil
}

// Resolve maps a suggested relationship type to a canonical one,
// creating a new type only when the growth zone allows it.
//
// The embedding parameter is the suggestion's document-role embedding;
// it may be nil, which limits resolution to name matching.
func (r *Registry) Resolve(ctx context.Context, suggestion string, embedding []float32) (*Resolution, error) {
	name := Normalize(suggestion)
	if name == "" {
		return nil, fmt.Errorf("%w: empty suggestion", ErrUnknownType)
	}

	// Fast path: exact or near-exact name match against existing types
	// and their synonyms, no lock needed.
	snap := r.snap.Load()
	if _, ok := snap.types[name]; ok {
		return &Resolution{TypeName: name, Similarity: 1}, nil
	}
	if canonical := r.nameMatch(snap, name); canonical != "" {
		return &Resolution{TypeName: canonical, Merged: true, Similarity: 1}, nil
	}

	// Slow path: takes the registry write lock so two workers cannot
	// race to create the same or near-identical types.
	r.mu.Lock()
	defer r.mu.Unlock()

	snap = r.snap.Load()
	if _, ok := snap.types[name]; ok {
		return &Resolution{TypeName: name, Similarity: 1}, nil
	}
	if canonical := r.nameMatch(snap, name); canonical != "" {
		return &Resolution{TypeName: canonical, Merged: true, Similarity: 1}, nil
	}

	best, bestSim := r.nearest(ctx, snap, embedding)

	size := len(snap.types)
	zone := r.bounds.ZoneFor(size)
	aggr := r.bounds.Aggressiveness(size)

	// The merge bar rises with aggressiveness; under pressure a looser
	// match is still folded into the nearest type instead of growing the
	// registry.
	mergeAt := r.merge + (1-r.merge)*aggr*0.5
	createBelow := r.merge - 0.3*aggr

	if best != "" && bestSim >= mergeAt {
		if err := r.recordSynonym(ctx, best, name); err != nil {
			return nil, err
		}
		return &Resolution{TypeName: best, Merged: true, Similarity: bestSim}, nil
	}

	mayCreate := false
	switch zone {
	case ZoneComfort, ZoneNormal:
		mayCreate = true
	case ZonePressure:
		mayCreate = best == "" || bestSim < createBelow
	case ZoneEmergency:
		mayCreate = false
	}

	if mayCreate {
		if err := r.createType(ctx, name, embedding); err != nil {
			return nil, err
		}
		return &Resolution{TypeName: name, Created: true, Similarity: bestSim}, nil
	}

	// Degraded merge: refuse growth, fold into the nearest existing type.
	if best == "" {
		return nil, fmt.Errorf("%w: registry full and no nearest match for %q", ErrUnknownType, suggestion)
	}
	slog.Warn("vocab: degraded merge, registry refuses new types",
		"suggestion", name, "merged_into", best, "similarity", bestSim,
		"zone", zone, "size", size)
	if err := r.recordSynonym(ctx, best, name); err != nil {
		return nil, err
	}
	return &Resolution{TypeName: best, Merged: true, Degraded: true, Similarity: bestSim}, nil
}

// nameMatch returns the canonical type whose name or synonym is a
// near-exact string match of name, or "".
func (r *Registry) nameMatch(snap *snapshot, name string) string {
	const fuzzyFloor = 0.7
	bestName := ""
	bestRatio := 0.0
	for canonical, t := range snap.types {
		for _, candidate := range append([]string{canonical}, t.Synonyms...) {
			if ratio := similarRatio(name, Normalize(candidate)); ratio >= fuzzyFloor && ratio > bestRatio {
				bestName = canonical
				bestRatio = ratio
			}
		}
	}
	return bestName
}

// nearest finds the closest existing type to the embedding, consulting
// the store's vector index first and falling back to an in-memory scan
// when the index cannot serve the query (empty, or mid dimension change).
func (r *Registry) nearest(ctx context.Context, snap *snapshot, embedding []float32) (string, float64) {
	if embedding == nil {
		return "", 0
	}
	matches, err := r.store.VectorSearchVocab(ctx, embedding, 1)
	if err != nil {
		slog.Warn("vocab: vector index search failed, scanning in memory", "error", err)
		return nearestByEmbedding(snap, embedding)
	}
	if len(matches) == 0 {
		return nearestByEmbedding(snap, embedding)
	}
	return matches[0].TypeName, matches[0].Similarity
}

func nearestByEmbedding(snap *snapshot, embedding []float32) (string, float64) {
	if embedding == nil {
		return "", 0
	}
	best := ""
	bestSim := -1.0
	for name, t := range snap.types {
		if t.Embedding == nil {
			continue
		}
		sim := cosine(embedding, t.Embedding)
		if sim > bestSim {
			best = name
			bestSim = sim
		}
	}
	if best == "" {
		return "", 0
	}
	return best, bestSim
}

func (r *Registry) recordSynonym(ctx context.Context, canonical, synonym string) error {
	if err := r.store.AddVocabSynonym(ctx, canonical, synonym); err != nil {
		return fmt.Errorf("recording synonym %q of %s: %w", synonym, canonical, err)
	}
	r.rebuildWith(func(types map[string]*Type) {
		t := types[canonical]
		for _, s := range t.Synonyms {
			if s == synonym {
				return
			}
		}
		t.Synonyms = append(append([]string{}, t.Synonyms...), synonym)
	})
	return nil
}

func (r *Registry) createType(ctx context.Context, name string, embedding []float32) error {
	row := store.VocabRow{
		TypeName: name,
		Category: "llm_generated",
	}
	if err := r.store.InsertVocabType(ctx, row, embedding); err != nil {
		return fmt.Errorf("registering type %s: %w", name, err)
	}
	slog.Info("vocab: registered new relationship type", "type", name)
	r.rebuildWith(func(types map[string]*Type) {
		types[name] = &Type{
			Name:      name,
			Category:  "llm_generated",
			Embedding: embedding,
		}
	})
	return nil
}

// rebuildWith clones the current snapshot, applies fn, and swaps it in.
// Callers must hold mu.
func (r *Registry) rebuildWith(fn func(map[string]*Type)) {
	old := r.snap.Load()
	types := make(map[string]*Type, len(old.types)+1)
	for name, t := range old.types {
		copied := *t
		types[name] = &copied
	}
	fn(types)
	r.snap.Store(&snapshot{types: types})
}

// Merge is the administrative merge: every edge of type a is redirected
// to type b, a's synonyms fold into b, and a is deleted. Returns the
// rowids of concepts whose edges moved so the caller can recompute
// grounding.
func (r *Registry) Merge(ctx context.Context, a, b, reason string) ([]int64, error) {
	a, b = Normalize(a), Normalize(b)
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.snap.Load()
	ta, ok := snap.types[a]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, a)
	}
	if _, ok := snap.types[b]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, b)
	}
	if ta.IsBuiltin {
		return nil, fmt.Errorf("%w: %s", ErrBuiltinMerge, a)
	}

	affected, err := r.store.MergeVocabTypes(ctx, a, b)
	if err != nil {
		return nil, fmt.Errorf("merging %s into %s: %w", a, b, err)
	}
	slog.Info("vocab: merged types", "from", a, "into", b, "reason", reason,
		"edges_touching_concepts", len(affected))

	r.rebuildWith(func(types map[string]*Type) {
		tb := types[b]
		for _, syn := range append(types[a].Synonyms, a) {
			dup := false
			for _, s := range tb.Synonyms {
				if s == syn {
					dup = true
					break
				}
			}
			if !dup {
				tb.Synonyms = append(tb.Synonyms, syn)
			}
		}
		tb.UsageCount += types[a].UsageCount
		delete(types, a)
	})
	return affected, nil
}

// ReloadEmbeddings re-embeds every type with the active embedder. Must be
// invoked after an embedding config activation; holds the write lock for
// the full rebuild.
func (r *Registry) ReloadEmbeddings(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.snap.Load()
	names := make([]string, 0, len(snap.types))
	texts := make([]string, 0, len(snap.types))
	for name := range snap.types {
		names = append(names, name)
		texts = append(texts, embedText(name))
	}

	vecs, err := r.embedder.Embed(ctx, texts, llm.RoleDocument)
	if err != nil {
		return fmt.Errorf("re-embedding vocabulary: %w", err)
	}

	for i, name := range names {
		if err := r.store.SetVocabEmbedding(ctx, name, vecs[i]); err != nil {
			return fmt.Errorf("storing embedding for %s: %w", name, err)
		}
	}

	r.rebuildWith(func(types map[string]*Type) {
		for i, name := range names {
			types[name].Embedding = vecs[i]
		}
	})
	slog.Info("vocab: re-embedded vocabulary", "types", len(names))
	return nil
}

// BumpUsage increments a type's in-memory usage counter. The durable
// counter is incremented inside the upsert transaction.
func (r *Registry) BumpUsage(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.snap.Load().types[name]; !ok {
		return
	}
	r.rebuildWith(func(types map[string]*Type) {
		types[name].UsageCount++
	})
}

// Normalize converts a suggestion to canonical UPPER_SNAKE_CASE.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToUpper(s) {
		switch {
		case r >= 'A' && r <= 'Z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}

// embedText is the text embedded for a type name.
func embedText(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "_", " "))
}

// similarRatio is a Ratcliff-Obershelp similarity in [0,1].
func similarRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	matched := matchingChars(a, b)
	return 2 * float64(matched) / float64(len(a)+len(b))
}

func matchingChars(a, b string) int {
	i1, j1, size := longestCommonSubstring(a, b)
	if size == 0 {
		return 0
	}
	return size +
		matchingChars(a[:i1], b[:j1]) +
		matchingChars(a[i1+size:], b[j1+size:])
}

func longestCommonSubstring(a, b string) (int, int, int) {
	bestI, bestJ, bestLen := 0, 0, 0
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 0; i < len(a); i++ {
		for j := 0; j < len(b); j++ {
			if a[i] == b[j] {
				cur[j+1] = prev[j] + 1
				if cur[j+1] > bestLen {
					bestLen = cur[j+1]
					bestI = i - bestLen + 1
					bestJ = j - bestLen + 1
				}
			} else {
				cur[j+1] = 0
			}
		}
		prev, cur = cur, prev
	}
	return bestI, bestJ, bestLen
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
