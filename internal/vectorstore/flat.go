// Package vectorstore provides an exact inner-product index over unit-normalized
// embedding vectors, with concurrent top-K search and a compact binary file
// format for persistence.
package vectorstore

import (
	"container/heap"
	"fmt"
	"runtime"
	"sort"
)

// parallelThreshold is the vector count below which search runs on a single goroutine.
const parallelThreshold = 2048

// Hit is a single search result: a row id and its inner-product score.
type Hit struct {
	ID    int
	Score float32
}

// FlatIndex stores vectors contiguously and answers searches by exhaustive
// inner product. Row ids are insertion ordinals. A FlatIndex is not safe for
// concurrent Add, but concurrent Search calls on a fully built index are fine.
type FlatIndex struct {
	dim  int
	data []float32
}

// NewFlatIndex creates an empty index for vectors of the given dimension.
func NewFlatIndex(dim int) (*FlatIndex, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("invalid dim: %d", dim)
	}
	return &FlatIndex{dim: dim}, nil
}

// Dim returns the vector dimension.
func (f *FlatIndex) Dim() int { return f.dim }

// Len returns the number of stored vectors.
func (f *FlatIndex) Len() int { return len(f.data) / f.dim }

// Add appends vec and returns its row id.
func (f *FlatIndex) Add(vec []float32) (int, error) {
	if len(vec) != f.dim {
		return 0, fmt.Errorf("dimension mismatch: got %d, want %d", len(vec), f.dim)
	}
	id := f.Len()
	f.data = append(f.data, vec...)
	return id, nil
}

// vector returns the stored vector for id, or nil when out of range.
func (f *FlatIndex) vector(id int) []float32 {
	if id < 0 || id >= f.Len() {
		return nil
	}
	return f.data[id*f.dim : (id+1)*f.dim]
}

// scoredItem is used by the per-worker min-heap to track top-K results.
type scoredItem struct {
	score float32
	id    int
}

// topKHeap keeps the worst retained item at the root. Among equal scores the
// higher id is considered worse, so lower ids survive ties.
type topKHeap []scoredItem

func (h topKHeap) Len() int { return len(h) }
func (h topKHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h topKHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *topKHeap) Push(x interface{}) { *h = append(*h, x.(scoredItem)) }
func (h *topKHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Search returns the k rows with the highest inner product against query,
// sorted by score descending and then by id ascending. The work is partitioned
// across goroutines for large indexes.
func (f *FlatIndex) Search(query []float32, k int) ([]Hit, error) {
	if len(query) != f.dim {
		return nil, fmt.Errorf("query dimension mismatch: got %d, want %d", len(query), f.dim)
	}
	total := f.Len()
	if k <= 0 || total == 0 {
		return nil, nil
	}
	k = min(k, total)

	numWorkers := 1
	if total >= parallelThreshold {
		numWorkers = min(runtime.NumCPU(), total)
	}
	partSize := (total + numWorkers - 1) / numWorkers
	resultsCh := make(chan topKHeap, numWorkers)

	for w := 0; w < numWorkers; w++ {
		start := w * partSize
		end := min(start+partSize, total)
		go func(start, end int) {
			h := make(topKHeap, 0, k+1)
			for id := start; id < end; id++ {
				item := scoredItem{score: Dot(query, f.data[id*f.dim:(id+1)*f.dim]), id: id}
				if len(h) < k {
					heap.Push(&h, item)
					continue
				}
				if worse(h[0], item) {
					h[0] = item
					heap.Fix(&h, 0)
				}
			}
			resultsCh <- h
		}(start, end)
	}

	merged := make([]scoredItem, 0, k*numWorkers)
	for w := 0; w < numWorkers; w++ {
		merged = append(merged, <-resultsCh...)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].score != merged[j].score {
			return merged[i].score > merged[j].score
		}
		return merged[i].id < merged[j].id
	})
	if len(merged) > k {
		merged = merged[:k]
	}

	hits := make([]Hit, len(merged))
	for i, m := range merged {
		hits[i] = Hit{ID: m.id, Score: m.score}
	}
	return hits, nil
}

// worse reports whether a ranks below b.
func worse(a, b scoredItem) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	return a.id > b.id
}
