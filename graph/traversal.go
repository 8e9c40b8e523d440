package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/aaronsb/knowledge-graph-system-sub013/store"
)

// maxConnectionPaths caps how many paths FindConnection returns.
const maxConnectionPaths = 5

// Path is one route between two concepts. Relationships[i] labels the edge
// between Nodes[i] and Nodes[i+1].
type Path struct {
	Nodes         []string `json:"nodes"`
	Relationships []string `json:"relationships"`
	Hops          int      `json:"hops"`
}

// RelatedConcept is a concept reachable from a starting concept.
type RelatedConcept struct {
	ConceptID string   `json:"concept_id"`
	Label     string   `json:"label"`
	Distance  int      `json:"distance"`
	PathTypes []string `json:"path_types"`
}

// edge is one direction of a stored relationship in the in-memory graph.
type edge struct {
	to      string
	relType string
}

// adjacency loads all relationships into an undirected adjacency map.
// Graphs here are small enough that loading beats per-hop queries.
func adjacency(ctx context.Context, st *store.Store) (map[string][]edge, error) {
	rels, err := st.AllRelationships(ctx, "")
	if err != nil {
		return nil, err
	}
	adj := map[string][]edge{}
	for _, r := range rels {
		adj[r.FromConceptID] = append(adj[r.FromConceptID], edge{to: r.ToConceptID, relType: r.Type})
		adj[r.ToConceptID] = append(adj[r.ToConceptID], edge{to: r.FromConceptID, relType: r.Type})
	}
	return adj, nil
}

// FindConnection returns up to five shortest paths between two concepts,
// treating relationships as undirected, within maxHops edges. An empty
// slice means the concepts are not connected within the limit.
func FindConnection(ctx context.Context, st *store.Store, fromID, toID string, maxHops int) ([]Path, error) {
	if maxHops <= 0 {
		maxHops = 5
	}
	if _, err := st.GetConcept(ctx, fromID); err != nil {
		return nil, fmt.Errorf("from concept: %w", err)
	}
	if _, err := st.GetConcept(ctx, toID); err != nil {
		return nil, fmt.Errorf("to concept: %w", err)
	}
	if fromID == toID {
		return []Path{{Nodes: []string{fromID}, Relationships: []string{}, Hops: 0}}, nil
	}

	adj, err := adjacency(ctx, st)
	if err != nil {
		return nil, err
	}

	type walk struct {
		nodes []string
		rels  []string
	}
	var found []Path
	foundDepth := -1
	depth := map[string]int{fromID: 0}
	frontier := []walk{{nodes: []string{fromID}}}

	// Breadth first over whole paths. Once a path reaches the target,
	// only paths of that same length are still collected.
	for len(frontier) > 0 && len(found) < maxConnectionPaths {
		var next []walk
		for _, wk := range frontier {
			cur := wk.nodes[len(wk.nodes)-1]
			hops := len(wk.rels)
			if foundDepth >= 0 && hops+1 > foundDepth {
				continue
			}
			if hops+1 > maxHops {
				continue
			}
			for _, e := range adj[cur] {
				if d, seen := depth[e.to]; seen && d < hops+1 {
					continue
				}
				nodes := append(append([]string{}, wk.nodes...), e.to)
				rels := append(append([]string{}, wk.rels...), e.relType)
				if e.to == toID {
					found = append(found, Path{Nodes: nodes, Relationships: rels, Hops: len(rels)})
					foundDepth = len(rels)
					if len(found) >= maxConnectionPaths {
						break
					}
					continue
				}
				depth[e.to] = hops + 1
				next = append(next, walk{nodes: nodes, rels: rels})
			}
		}
		frontier = next
	}
	return found, nil
}

// FindRelated returns every concept within maxDepth undirected hops of a
// concept, with its distance and the relationship types along one shortest
// path to it. Results are ordered by distance then concept id.
func FindRelated(ctx context.Context, st *store.Store, conceptID string, maxDepth int) ([]RelatedConcept, error) {
	if maxDepth <= 0 {
		maxDepth = 2
	}
	if _, err := st.GetConcept(ctx, conceptID); err != nil {
		return nil, fmt.Errorf("concept: %w", err)
	}

	adj, err := adjacency(ctx, st)
	if err != nil {
		return nil, err
	}

	type visit struct {
		id    string
		depth int
		types []string
	}
	seen := map[string]visit{conceptID: {id: conceptID}}
	queue := []visit{{id: conceptID}}
	var order []string

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxDepth {
			continue
		}
		for _, e := range adj[cur.id] {
			if _, ok := seen[e.to]; ok {
				continue
			}
			v := visit{
				id:    e.to,
				depth: cur.depth + 1,
				types: append(append([]string{}, cur.types...), e.relType),
			}
			seen[e.to] = v
			order = append(order, e.to)
			queue = append(queue, v)
		}
	}
	if len(order) == 0 {
		return nil, nil
	}

	concepts, err := st.GetConceptsByIDs(ctx, order)
	if err != nil {
		return nil, err
	}
	labels := make(map[string]string, len(concepts))
	for _, c := range concepts {
		labels[c.ConceptID] = c.Label
	}

	out := make([]RelatedConcept, 0, len(order))
	for _, id := range order {
		v := seen[id]
		out = append(out, RelatedConcept{
			ConceptID: id,
			Label:     labels[id],
			Distance:  v.depth,
			PathTypes: v.types,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].ConceptID < out[j].ConceptID
	})
	return out, nil
}
