package graph

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/aaronsb/knowledge-graph-system-sub013/llm"
	"github.com/aaronsb/knowledge-graph-system-sub013/store"
	"github.com/aaronsb/knowledge-graph-system-sub013/vocab"
)

// selfLoopBanned lists relationship types that make no sense reflexively.
var selfLoopBanned = map[string]bool{
	"SUPPORTS":    true,
	"CONTRADICTS": true,
}

// UpsertReport summarizes what one extraction changed in the graph.
type UpsertReport struct {
	ConceptsCreated      int
	ConceptsUpdated      int
	InstancesCreated     int
	InstancesSkipped     int
	RelationshipsCreated int
	RelationshipsDropped int
}

// Add accumulates another report into this one.
func (r *UpsertReport) Add(o UpsertReport) {
	r.ConceptsCreated += o.ConceptsCreated
	r.ConceptsUpdated += o.ConceptsUpdated
	r.InstancesCreated += o.InstancesCreated
	r.InstancesSkipped += o.InstancesSkipped
	r.RelationshipsCreated += o.RelationshipsCreated
	r.RelationshipsDropped += o.RelationshipsDropped
}

// UpsertEngine applies extraction results to the store. All writes for one
// chunk happen in a single transaction, serialized per ontology so chunks
// of concurrent jobs in the same ontology cannot interleave.
type UpsertEngine struct {
	st       *store.Store
	embedder *llm.Embedder
	vocab    *vocab.Registry
	log      *slog.Logger

	mu       sync.Mutex
	ontLocks map[string]*sync.Mutex
}

// NewUpsertEngine wires the engine over its collaborators.
func NewUpsertEngine(st *store.Store, embedder *llm.Embedder, reg *vocab.Registry) *UpsertEngine {
	return &UpsertEngine{
		st:       st,
		embedder: embedder,
		vocab:    reg,
		log:      slog.Default().With("stage", "upsert"),
		ontLocks: map[string]*sync.Mutex{},
	}
}

func (u *UpsertEngine) ontologyLock(ontology string) *sync.Mutex {
	u.mu.Lock()
	defer u.mu.Unlock()
	m, ok := u.ontLocks[ontology]
	if !ok {
		m = &sync.Mutex{}
		u.ontLocks[ontology] = m
	}
	return m
}

// Apply upserts one chunk's extraction into the graph. The source row, the
// concept and instance rows, the relationship edges, and the grounding
// updates for touched concepts commit or roll back together. Vocabulary
// growth happens before the transaction and is not rolled back on failure;
// a learned type is knowledge about language, not about this chunk.
func (u *UpsertEngine) Apply(ctx context.Context, ext *Extraction, src store.Source) (*UpsertReport, error) {
	// Embedding and vocabulary resolution talk to the embedding provider
	// and take their own short transactions, so they run before the
	// ontology lock and the write transaction.
	conceptVecs, err := u.embedConcepts(ctx, ext.Concepts)
	if err != nil {
		return nil, err
	}
	relTypes, err := u.resolveRelationshipTypes(ctx, ext.Relationships)
	if err != nil {
		return nil, err
	}

	lock := u.ontologyLock(src.Ontology)
	lock.Lock()
	defer lock.Unlock()

	report := &UpsertReport{}
	usedTypes := map[string]int{}
	err = u.st.WithTx(ctx, func(tx *sql.Tx) error {
		sourceRowID, err := u.st.CreateSourceTx(ctx, tx, src)
		if err != nil {
			return fmt.Errorf("create source: %w", err)
		}

		resolved, err := u.applyConcepts(ctx, tx, ext.Concepts, conceptVecs, src, sourceRowID, report)
		if err != nil {
			return err
		}
		if err := u.applyInstances(ctx, tx, ext.Instances, resolved, src, sourceRowID, report); err != nil {
			return err
		}
		touched, err := u.applyRelationships(ctx, tx, ext.Relationships, relTypes, resolved, usedTypes, report)
		if err != nil {
			return err
		}
		for name := range usedTypes {
			if err := u.st.IncrementVocabUsageTx(ctx, tx, name); err != nil {
				return err
			}
		}
		return recomputeGroundingTx(ctx, u.st, tx, touched, u.vocab.Weights())
	})
	if err != nil {
		return nil, err
	}
	for name := range usedTypes {
		u.vocab.BumpUsage(name)
	}
	return report, nil
}

// embedConcepts embeds label plus search terms for every extracted concept
// in one batch.
func (u *UpsertEngine) embedConcepts(ctx context.Context, concepts []ExtractedConcept) ([][]float32, error) {
	if len(concepts) == 0 {
		return nil, nil
	}
	texts := make([]string, len(concepts))
	for i, c := range concepts {
		texts[i] = conceptEmbedText(c.Label, c.SearchTerms)
	}
	vecs, err := u.embedder.Embed(ctx, texts, llm.RoleDocument)
	if err != nil {
		return nil, fmt.Errorf("embed concepts: %w", err)
	}
	return vecs, nil
}

// resolveRelationshipTypes maps every suggested type to a canonical
// vocabulary type, embedding only the suggestions the registry has never
// seen.
func (u *UpsertEngine) resolveRelationshipTypes(ctx context.Context, rels []ExtractedRelationship) (map[string]string, error) {
	unique := map[string]struct{}{}
	var unknown []string
	for _, r := range rels {
		name := vocab.Normalize(r.Type)
		if name == "" {
			continue
		}
		if _, seen := unique[name]; seen {
			continue
		}
		unique[name] = struct{}{}
		if !u.vocab.Has(name) {
			unknown = append(unknown, name)
		}
	}
	if len(unique) == 0 {
		return nil, nil
	}

	embeddings := map[string][]float32{}
	if len(unknown) > 0 {
		texts := make([]string, len(unknown))
		for i, name := range unknown {
			texts[i] = strings.ToLower(strings.ReplaceAll(name, "_", " "))
		}
		vecs, err := u.embedder.Embed(ctx, texts, llm.RoleDocument)
		if err != nil {
			return nil, fmt.Errorf("embed relationship types: %w", err)
		}
		for i, name := range unknown {
			embeddings[name] = vecs[i]
		}
	}

	out := map[string]string{}
	for name := range unique {
		res, err := u.vocab.Resolve(ctx, name, embeddings[name])
		if err != nil {
			return nil, fmt.Errorf("resolve type %q: %w", name, err)
		}
		out[name] = res.TypeName
	}
	return out, nil
}

// resolvedConcept ties a model-suggested concept id to a graph concept.
type resolvedConcept struct {
	rowID     int64
	conceptID string
}

func (u *UpsertEngine) applyConcepts(ctx context.Context, tx *sql.Tx, concepts []ExtractedConcept, vecs [][]float32, src store.Source, sourceRowID int64, report *UpsertReport) (map[string]resolvedConcept, error) {
	threshold := u.embedder.Info().SimilarityThreshold
	resolved := map[string]resolvedConcept{}
	for i, c := range concepts {
		existing, err := u.matchConcept(ctx, tx, c, vecs[i], threshold)
		if err != nil {
			return nil, err
		}
		var rc resolvedConcept
		if existing != nil {
			terms := unionTerms(existing.SearchTerms, c.SearchTerms)
			if err := u.st.UpdateConceptTx(ctx, tx, existing.RowID, terms, vecs[i]); err != nil {
				return nil, fmt.Errorf("update concept %s: %w", existing.ConceptID, err)
			}
			rc = resolvedConcept{rowID: existing.RowID, conceptID: existing.ConceptID}
			report.ConceptsUpdated++
		} else {
			info := u.embedder.Info()
			rowID, err := u.st.CreateConceptTx(ctx, tx, store.Concept{
				ConceptID:      newConceptID(src.SourceID, c.Label),
				Label:          c.Label,
				SearchTerms:    unionTerms(nil, c.SearchTerms),
				EmbeddingModel: info.Model,
				EmbeddingDim:   info.Dimensions,
				Compatible:     true,
			}, vecs[i])
			if err != nil {
				return nil, fmt.Errorf("create concept %q: %w", c.Label, err)
			}
			rc = resolvedConcept{rowID: rowID, conceptID: newConceptID(src.SourceID, c.Label)}
			report.ConceptsCreated++
		}
		if _, err := u.st.LinkSourceTx(ctx, tx, rc.rowID, sourceRowID); err != nil {
			return nil, err
		}
		resolved[c.ConceptID] = rc
	}
	return resolved, nil
}

// matchConcept finds an existing concept for an extracted one: first by the
// suggested id, which catches reuse of context concepts, then by embedding
// similarity. Ties at the top similarity break to the lexicographically
// smallest concept id so matching is deterministic.
func (u *UpsertEngine) matchConcept(ctx context.Context, tx *sql.Tx, c ExtractedConcept, vec []float32, threshold float64) (*store.Concept, error) {
	byID, err := u.st.GetConceptTx(ctx, tx, c.ConceptID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if byID != nil {
		return byID, nil
	}

	matches, err := u.st.VectorSearchConceptsTx(ctx, tx, vec, 5, threshold, "")
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}
	best := matches[0]
	for _, m := range matches[1:] {
		if m.Similarity == best.Similarity && m.ConceptID < best.ConceptID {
			best = m
		}
	}
	return u.st.GetConceptTx(ctx, tx, best.ConceptID)
}

func (u *UpsertEngine) applyInstances(ctx context.Context, tx *sql.Tx, instances []ExtractedInstance, resolved map[string]resolvedConcept, src store.Source, sourceRowID int64, report *UpsertReport) error {
	for _, in := range instances {
		rc, ok := resolved[in.ConceptID]
		if !ok {
			u.log.Warn("instance references unknown concept, skipping",
				"concept", in.ConceptID, "source", src.SourceID)
			report.InstancesSkipped++
			continue
		}
		if !strings.Contains(src.FullText, in.Quote) {
			u.log.Warn("instance quote is not verbatim, skipping",
				"concept", in.ConceptID, "source", src.SourceID)
			report.InstancesSkipped++
			continue
		}
		id := uuid.NewString()
		if err := u.st.InsertInstanceTx(ctx, tx, id, rc.rowID, sourceRowID, in.Quote); err != nil {
			return fmt.Errorf("insert instance: %w", err)
		}
		report.InstancesCreated++
	}
	return nil
}

func (u *UpsertEngine) applyRelationships(ctx context.Context, tx *sql.Tx, rels []ExtractedRelationship, relTypes map[string]string, resolved map[string]resolvedConcept, usedTypes map[string]int, report *UpsertReport) (map[int64]struct{}, error) {
	touched := map[int64]struct{}{}
	for _, rel := range rels {
		canonical, ok := relTypes[vocab.Normalize(rel.Type)]
		if !ok {
			report.RelationshipsDropped++
			continue
		}
		from, err := u.endpoint(ctx, tx, resolved, rel.From)
		if err != nil {
			return nil, err
		}
		to, err := u.endpoint(ctx, tx, resolved, rel.To)
		if err != nil {
			return nil, err
		}
		if from == nil || to == nil {
			u.log.Warn("relationship endpoint not found, dropping",
				"from", rel.From, "to", rel.To, "type", canonical)
			report.RelationshipsDropped++
			continue
		}
		if from.rowID == to.rowID && selfLoopBanned[canonical] {
			u.log.Warn("self referential edge dropped", "concept", from.conceptID, "type", canonical)
			report.RelationshipsDropped++
			continue
		}
		created, err := u.st.UpsertRelationshipTx(ctx, tx, from.rowID, to.rowID, canonical, rel.Confidence)
		if err != nil {
			return nil, fmt.Errorf("upsert relationship: %w", err)
		}
		if created {
			report.RelationshipsCreated++
		}
		usedTypes[canonical]++
		touched[from.rowID] = struct{}{}
		touched[to.rowID] = struct{}{}
	}
	return touched, nil
}

// endpoint resolves a relationship endpoint suggestion, falling back to a
// direct concept id lookup for edges pointing at context concepts the model
// did not re-extract.
func (u *UpsertEngine) endpoint(ctx context.Context, tx *sql.Tx, resolved map[string]resolvedConcept, suggestion string) (*resolvedConcept, error) {
	if rc, ok := resolved[suggestion]; ok {
		return &rc, nil
	}
	c, err := u.st.GetConceptTx(ctx, tx, suggestion)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &resolvedConcept{rowID: c.RowID, conceptID: c.ConceptID}, nil
}

// unionTerms merges search terms case-insensitively, keeping first-seen
// order and casing.
func unionTerms(existing, added []string) []string {
	out := make([]string, 0, len(existing)+len(added))
	seen := map[string]struct{}{}
	for _, t := range existing {
		key := strings.ToLower(strings.TrimSpace(t))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	for _, t := range added {
		key := strings.ToLower(strings.TrimSpace(t))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}

func conceptEmbedText(label string, terms []string) string {
	if len(terms) == 0 {
		return label
	}
	return label + " " + strings.Join(terms, " ")
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// newConceptID builds a stable id from the source and label, suffixed with
// a short hash so distinct concepts with colliding slugs stay distinct.
func newConceptID(sourceID, label string) string {
	slug := strings.Trim(slugRe.ReplaceAllString(strings.ToLower(label), "_"), "_")
	if slug == "" {
		slug = "concept"
	}
	sum := sha256.Sum256([]byte(sourceID + "\x00" + label))
	return sourceID + "_" + slug + "_" + hex.EncodeToString(sum[:3])
}
