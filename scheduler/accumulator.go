package scheduler

import (
	"sort"
	"sync"

	"github.com/bitrise-io/go-chunkupload/chunk"
)

// Outcome is the result of one chunk attempt.
type Outcome struct {
	Index     int
	Size      int64
	Completed bool
	Err       error
}

// Accumulator holds the completed and errored chunk indices of one upload session.
// A completed index stays completed; an index is never completed and errored at the same time.
type Accumulator struct {
	mu        sync.Mutex
	completed map[int]int64
	errored   map[int]struct{}
}

// NewAccumulator ...
func NewAccumulator() *Accumulator {
	return &Accumulator{
		completed: map[int]int64{},
		errored:   map[int]struct{}{},
	}
}

// Seed marks the given indices of chunks as completed, e.g. the chunks a server already stored.
// Unknown indices are ignored.
func (a *Accumulator) Seed(chunks []chunk.Chunk, indices []int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, i := range indices {
		if i < 0 || i >= len(chunks) {
			continue
		}
		a.completed[i] = chunks[i].Len()
		delete(a.errored, i)
	}
}

// IsCompleted ...
func (a *Accumulator) IsCompleted(index int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.completed[index]
	return ok
}

// CompletedCount ...
func (a *Accumulator) CompletedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.completed)
}

// CompletedBytes returns the summed size of the completed chunks.
func (a *Accumulator) CompletedBytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var n int64
	for _, size := range a.completed {
		n += size
	}
	return n
}

// Completed returns the completed indices in ascending order.
func (a *Accumulator) Completed() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return sortedKeys(a.completed)
}

// Errored returns the errored indices in ascending order.
func (a *Accumulator) Errored() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return sortedKeys(a.errored)
}

// fold records o and reports whether the errored set reached threshold.
// On halt the errored set is cleared.
func (a *Accumulator) fold(o Outcome, threshold int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if o.Completed {
		a.completed[o.Index] = o.Size
		delete(a.errored, o.Index)
	} else if _, done := a.completed[o.Index]; !done {
		a.errored[o.Index] = struct{}{}
	}

	if len(a.errored) >= threshold {
		a.errored = map[int]struct{}{}
		return true
	}
	return false
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
