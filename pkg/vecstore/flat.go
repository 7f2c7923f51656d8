package vecstore

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dishu2607/missing-person-detection/pkg/identity"
)

// Config configures Open.
type Config struct {
	// Dim is the embedding dimension. Zero means identity.Dim, unless the
	// persisted table already records a dimension.
	Dim int

	// Persister stores the vector table and mapping. Nil keeps the index
	// in memory only.
	Persister Persister

	Logger *slog.Logger
}

// Flat is an exact, brute-force inner-product index.
type Flat struct {
	mu        sync.RWMutex
	dim       int
	vectors   []float32 // len == len(ids) * dim
	ids       []string
	persister Persister
	logger    *slog.Logger
	closed    bool
}

// NewFlat returns an empty in-memory index of the given dimension.
func NewFlat(dim int) *Flat {
	if dim <= 0 {
		dim = identity.Dim
	}
	return &Flat{dim: dim, logger: slog.Default()}
}

// Open loads the index from cfg.Persister, or starts empty if nothing has
// been persisted yet. A table whose vector count differs from its mapping
// length, or whose dimension differs from cfg.Dim, is IndexCorrupt.
func Open(ctx context.Context, cfg Config) (*Flat, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	f := &Flat{dim: cfg.Dim, persister: cfg.Persister, logger: logger}
	if cfg.Persister == nil {
		if f.dim <= 0 {
			f.dim = identity.Dim
		}
		return f, nil
	}

	snap, err := cfg.Persister.Load(ctx)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		if f.dim <= 0 {
			f.dim = identity.Dim
		}
		logger.DebugContext(ctx, "vecstore: no persisted index, starting empty", "persister", cfg.Persister.String())
		return f, nil
	}
	if err := snap.check(); err != nil {
		return nil, err
	}
	if f.dim > 0 && snap.Dim != f.dim {
		return nil, identity.Errorf(identity.KindIndexCorrupt, "vecstore.open",
			"persisted dimension %d, configured %d", snap.Dim, f.dim)
	}
	f.dim = snap.Dim
	f.vectors = snap.Vectors
	f.ids = snap.IDs
	logger.InfoContext(ctx, "vecstore: index loaded",
		"persister", cfg.Persister.String(),
		"vectors", len(f.ids),
		"dim", f.dim,
	)
	return f, nil
}

// normalize validates vec against the index dimension and returns a
// unit-length copy.
func (f *Flat) normalize(op string, vec []float32) (identity.Embedding, error) {
	e := identity.Embedding(vec)
	if err := e.Validate(f.dim); err != nil {
		return nil, identity.Reop(err, op)
	}
	return e.Normalize()
}

func (f *Flat) Add(ctx context.Context, id string, vec []float32) (int, error) {
	return f.BatchAdd(ctx, []string{id}, [][]float32{vec})
}

func (f *Flat) BatchAdd(ctx context.Context, ids []string, vecs [][]float32) (int, error) {
	if len(ids) != len(vecs) {
		return 0, identity.Errorf(identity.KindInvalidRecord, "vecstore.add",
			"length mismatch: %d ids, %d vectors", len(ids), len(vecs))
	}
	// Validate everything before taking the lock so a bad record never
	// leaves a partial batch behind.
	normed := make([]identity.Embedding, len(vecs))
	for i, v := range vecs {
		if ids[i] == "" {
			return 0, identity.Errorf(identity.KindInvalidRecord, "vecstore.add", "empty id at %d", i)
		}
		n, err := f.normalize("vecstore.add", v)
		if err != nil {
			return 0, err
		}
		normed[i] = n
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}

	from := len(f.ids)
	prevVecs := len(f.vectors)
	for i, n := range normed {
		f.vectors = append(f.vectors, n...)
		f.ids = append(f.ids, ids[i])
	}
	if len(normed) == 0 {
		return from, nil
	}

	if f.persister != nil {
		snap := &Snapshot{Dim: f.dim, Vectors: f.vectors, IDs: f.ids}
		if err := f.persister.Commit(ctx, snap, from); err != nil {
			// Memory must never run ahead of durable storage.
			f.vectors = f.vectors[:prevVecs]
			f.ids = f.ids[:from]
			return 0, fmt.Errorf("vecstore: persist: %w", err)
		}
	}
	f.logger.DebugContext(ctx, "vecstore: added", "count", len(normed), "first_slot", from, "total", len(f.ids))
	return from, nil
}

// Search scans every stored vector. The query is normalized first; an empty
// index yields no matches.
func (f *Flat) Search(ctx context.Context, query []float32, k int) ([]Match, error) {
	q, err := f.normalize("vecstore.search", query)
	if err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrClosed
	}
	n := len(f.ids)
	if n == 0 || k <= 0 {
		return nil, nil
	}

	slots, sims, err := f.topK(ctx, q, k)
	if err != nil {
		return nil, err
	}
	matches := make([]Match, 0, len(slots))
	for i, slot := range slots {
		// Unfilled buffer positions carry slot -1.
		if slot < 0 || slot >= n {
			continue
		}
		matches = append(matches, Match{ID: f.ids[slot], Slot: slot, Similarity: sims[i]})
	}
	return matches, nil
}

// topK fills a result buffer of min(k, Len) entries, best first.
// Positions with no result hold slot -1.
func (f *Flat) topK(ctx context.Context, q identity.Embedding, k int) ([]int, []float64, error) {
	k = min(k, len(f.ids))
	h := make(minHeap, 0, k)
	dim := f.dim
	for slot := range len(f.ids) {
		if slot%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
		}
		row := f.vectors[slot*dim : (slot+1)*dim]
		var dot float64
		for j, v := range row {
			dot += float64(v) * float64(q[j])
		}
		c := hit{slot: slot, sim: max(-1, min(1, dot))}
		if len(h) < k {
			heap.Push(&h, c)
		} else if c.better(h[0]) {
			h[0] = c
			heap.Fix(&h, 0)
		}
	}

	slots := make([]int, k)
	sims := make([]float64, k)
	for i := range slots {
		slots[i] = -1
	}
	for i := len(h) - 1; i >= 0; i-- {
		c := heap.Pop(&h).(hit)
		slots[i] = c.slot
		sims[i] = c.sim
	}
	return slots, sims, nil
}

func (f *Flat) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.ids)
}

func (f *Flat) Dim() int { return f.dim }

// IDAt returns the id stored at slot.
func (f *Flat) IDAt(slot int) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if slot < 0 || slot >= len(f.ids) {
		return "", false
	}
	return f.ids[slot], true
}

func (f *Flat) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st := Stats{Vectors: len(f.ids), Dim: f.dim, Bytes: len(f.vectors) * 4, Persister: "memory"}
	if f.persister != nil {
		st.Persister = f.persister.String()
	}
	return st
}

// Close releases the persister. Further calls fail with ErrClosed.
func (f *Flat) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.vectors, f.ids = nil, nil
	if f.persister != nil {
		return f.persister.Close()
	}
	return nil
}

type hit struct {
	slot int
	sim  float64
}

// better orders by similarity, then by lower slot.
func (a hit) better(b hit) bool {
	if a.sim != b.sim {
		return a.sim > b.sim
	}
	return a.slot < b.slot
}

// minHeap keeps the worst retained hit at the root.
type minHeap []hit

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[j].better(h[i]) }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(hit)) }
func (h *minHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

var _ Index = (*Flat)(nil)
