// Package memindex is an in-process vector index for single-node
// deployments and tests. Each collection is an HNSW graph with cosine
// distance; payloads live alongside in a map.
package memindex

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"

	"github.com/coder/hnsw"

	"github.com/linnemanlabs/sentinel/internal/retrieve"
)

type collection struct {
	graph    *hnsw.Graph[string]
	dims     int
	payloads map[string]map[string]any
}

// Index implements retrieve.VectorSearcher.
type Index struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

// New returns an empty index.
func New() *Index {
	return &Index{collections: make(map[string]*collection)}
}

func newCollection(dims int) *collection {
	g := hnsw.NewGraph[string]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.EfSearch = 32
	return &collection{graph: g, dims: dims, payloads: make(map[string]map[string]any)}
}

// Upsert inserts or replaces the point id in collection. Collections are
// created on first write and fix their dimensionality then.
func (x *Index) Upsert(_ context.Context, name, id string, vector []float32, payload map[string]any) error {
	if len(vector) == 0 {
		return fmt.Errorf("memindex: empty vector for %s", id)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	c, ok := x.collections[name]
	if !ok {
		c = newCollection(len(vector))
		x.collections[name] = c
	}
	if len(vector) != c.dims {
		return fmt.Errorf("memindex: %s expects %d dimensions, got %d", name, c.dims, len(vector))
	}

	if _, exists := c.graph.Lookup(id); exists {
		c.graph.Delete(id)
	}
	c.graph.Add(hnsw.MakeNode(id, slices.Clone(vector)))
	c.payloads[id] = maps.Clone(payload)
	return nil
}

// Query returns up to q.Limit points scoring at least q.Threshold, where the
// score is cosine similarity. Unknown collections return no hits.
func (x *Index) Query(_ context.Context, q retrieve.Query) ([]retrieve.Hit, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	c, ok := x.collections[q.Collection]
	if !ok || c.graph.Len() == 0 {
		return nil, nil
	}
	if len(q.Vector) != c.dims {
		return nil, fmt.Errorf("memindex: %s expects %d dimensions, got %d", q.Collection, c.dims, len(q.Vector))
	}

	limit := q.Limit
	if limit <= 0 {
		limit = retrieve.DefaultLimit
	}
	k := limit
	if len(q.Filter) > 0 {
		// filtered-out candidates would otherwise shrink the result
		k = min(c.graph.Len(), limit*4)
	}

	var hits []retrieve.Hit
	for _, n := range c.graph.Search(q.Vector, k) {
		score := 1 - float64(hnsw.CosineDistance(q.Vector, n.Value))
		if score < q.Threshold {
			continue
		}
		payload := c.payloads[n.Key]
		if !matches(payload, q.Filter) {
			continue
		}
		hits = append(hits, retrieve.Hit{ID: n.Key, Score: score, Payload: maps.Clone(payload)})
	}

	slices.SortStableFunc(hits, func(a, b retrieve.Hit) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Len returns the number of points in collection.
func (x *Index) Len(name string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if c, ok := x.collections[name]; ok {
		return c.graph.Len()
	}
	return 0
}

func matches(payload, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := payload[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}
