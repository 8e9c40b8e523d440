package graph

import (
	"context"
	"database/sql"
	"math"

	"github.com/aaronsb/knowledge-graph-system-sub013/store"
)

// GroundingStrength computes how well supported a concept is by its incident
// edges. Each edge contributes its type's support weight scaled by the edge
// confidence; the signed sum is normalized by the total absolute weight and
// mapped from [-1,1] into [0,1].
//
// Returns nil when no incident edge has a nonzero support weight, meaning
// the evidence is neutral rather than weak.
func GroundingStrength(edges []store.AdjacentEdge, weights map[string]float64) *float64 {
	var num, denom float64
	for _, e := range edges {
		w := weights[e.Type]
		if w == 0 {
			continue
		}
		num += w * e.Confidence
		denom += math.Abs(w)
	}
	if denom == 0 {
		return nil
	}
	g := (num/denom + 1) / 2
	return &g
}

// weightSource supplies support weights per relationship type. Satisfied by
// vocab.Registry.
type weightSource interface {
	Weights() map[string]float64
}

// RecomputeGrounding recalculates grounding for every concept in the store.
// Used after vocabulary merges or weight changes invalidate stored values.
func RecomputeGrounding(ctx context.Context, st *store.Store, ws weightSource) error {
	concepts, err := st.AllConcepts(ctx, "")
	if err != nil {
		return err
	}
	weights := ws.Weights()
	return st.WithTx(ctx, func(tx *sql.Tx) error {
		for _, c := range concepts {
			edges, err := st.AdjacentEdgesTx(ctx, tx, c.RowID)
			if err != nil {
				return err
			}
			if err := st.SetGroundingTx(ctx, tx, c.RowID, GroundingStrength(edges, weights)); err != nil {
				return err
			}
		}
		return nil
	})
}

// recomputeGroundingTx updates grounding for a set of concept rowids inside
// an existing transaction.
func recomputeGroundingTx(ctx context.Context, st *store.Store, tx *sql.Tx, rowIDs map[int64]struct{}, weights map[string]float64) error {
	for rowID := range rowIDs {
		edges, err := st.AdjacentEdgesTx(ctx, tx, rowID)
		if err != nil {
			return err
		}
		if err := st.SetGroundingTx(ctx, tx, rowID, GroundingStrength(edges, weights)); err != nil {
			return err
		}
	}
	return nil
}
