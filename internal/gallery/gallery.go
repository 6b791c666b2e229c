// Package gallery holds the read-only view of enrolled identities used during a session.
package gallery

import (
	"errors"
	"fmt"
	"sync"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/coder/hnsw"
)

var (
	// ErrEmptyGallery is returned when no identity has a reference embedding.
	ErrEmptyGallery = errors.New("gallery has no reference embeddings")
	// ErrZeroDimension is returned when reference embeddings are empty vectors.
	ErrZeroDimension = errors.New("gallery embeddings have zero dimension")
	// ErrMixedDimension is returned when references do not share one dimensionality.
	ErrMixedDimension = errors.New("gallery embeddings have mixed dimensions")
	// ErrDuplicateIdentity is returned when two identities share an id.
	ErrDuplicateIdentity = errors.New("duplicate identity id")
)

// Identity is an enrolled person and their reference embeddings.
type Identity struct {
	ID          int64
	DisplayName string
	References  []types.Embedding
}

// Index is an immutable snapshot of the enrolled identities of one group.
type Index struct {
	identities []*Identity // enrollment order, used for tie-breaks
	byID       map[int64]*Identity
	dim        int
	refs       int

	candidates *candidateIndex
}

// Option configures an Index.
type Option func(*options)

type options struct {
	candidateMinRefs int
}

// WithCandidateIndex builds an HNSW graph over all references when the gallery
// holds more than minRefs of them. Zero disables the graph.
func WithCandidateIndex(minRefs int) Option {
	return func(o *options) {
		o.candidateMinRefs = minRefs
	}
}

// New builds an Index from identities. The input is copied.
func New(identities []Identity, opts ...Option) (*Index, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	idx := &Index{
		identities: make([]*Identity, 0, len(identities)),
		byID:       make(map[int64]*Identity, len(identities)),
	}

	for _, in := range identities {
		if _, dup := idx.byID[in.ID]; dup {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateIdentity, in.ID)
		}

		id := &Identity{
			ID:          in.ID,
			DisplayName: in.DisplayName,
			References:  make([]types.Embedding, 0, len(in.References)),
		}
		for _, ref := range in.References {
			if len(ref) == 0 {
				return nil, fmt.Errorf("identity %d: %w", in.ID, ErrZeroDimension)
			}
			if idx.dim == 0 {
				idx.dim = len(ref)
			} else if len(ref) != idx.dim {
				return nil, fmt.Errorf("identity %d: %w (%d != %d)", in.ID, ErrMixedDimension, len(ref), idx.dim)
			}
			id.References = append(id.References, append(types.Embedding(nil), ref...))
			idx.refs++
		}

		idx.identities = append(idx.identities, id)
		idx.byID[id.ID] = id
	}

	if idx.refs == 0 {
		return nil, ErrEmptyGallery
	}

	if o.candidateMinRefs > 0 && idx.refs > o.candidateMinRefs {
		idx.candidates = buildCandidateIndex(idx.identities)
	}

	return idx, nil
}

// Identities returns the identities in enrollment order.
func (x *Index) Identities() []*Identity {
	out := make([]*Identity, len(x.identities))
	copy(out, x.identities)
	return out
}

// Lookup returns the identity with the given id.
func (x *Index) Lookup(id int64) (*Identity, bool) {
	i, ok := x.byID[id]
	return i, ok
}

// Len returns the number of identities.
func (x *Index) Len() int { return len(x.identities) }

// Dim returns the shared embedding dimensionality.
func (x *Index) Dim() int { return x.dim }

// ReferenceCount returns the total number of reference embeddings.
func (x *Index) ReferenceCount() int { return x.refs }

// HasCandidateIndex reports whether the HNSW candidate graph was built.
func (x *Index) HasCandidateIndex() bool { return x.candidates != nil }

// Candidates returns the identities owning the pool references nearest to query,
// in enrollment order. ok is false when no candidate graph was built.
func (x *Index) Candidates(query types.Embedding, pool int) (ids []*Identity, ok bool) {
	if x.candidates == nil {
		return nil, false
	}
	owners := x.candidates.search(query, pool)

	out := make([]*Identity, 0, len(owners))
	for _, id := range x.identities {
		if _, hit := owners[id.ID]; hit {
			out = append(out, id)
		}
	}
	return out, true
}

// candidateIndex wraps the HNSW graph over every reference embedding.
type candidateIndex struct {
	mu    sync.Mutex // hnsw search is not documented as concurrency safe
	graph *hnsw.Graph[int]
	owner []int64 // node key -> identity id
}

func buildCandidateIndex(identities []*Identity) *candidateIndex {
	g := hnsw.NewGraph[int]()
	g.M = hnswMaxNeighbors
	g.Ml = 1.0 / float64(hnswMaxNeighbors)
	g.EfSearch = hnswEfSearch
	g.Distance = hnsw.EuclideanDistance

	c := &candidateIndex{graph: g}
	for _, id := range identities {
		for _, ref := range id.References {
			key := len(c.owner)
			c.owner = append(c.owner, id.ID)
			g.Add(hnsw.MakeNode(key, []float32(ref)))
		}
	}
	return c
}

func (c *candidateIndex) search(query types.Embedding, k int) map[int64]struct{} {
	c.mu.Lock()
	neighbors := c.graph.Search([]float32(query), k)
	c.mu.Unlock()

	owners := make(map[int64]struct{}, len(neighbors))
	for _, n := range neighbors {
		if n.Key >= 0 && n.Key < len(c.owner) {
			owners[c.owner[n.Key]] = struct{}{}
		}
	}
	return owners
}

// HNSW parameters for face embeddings
const (
	hnswMaxNeighbors = 16
	hnswEfSearch     = 100
)
