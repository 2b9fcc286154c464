// Package replay implements a fixed-capacity ring buffer of transitions with
// uniform sampling without replacement.
package replay

import (
	"errors"
	"fmt"
	"math/rand"

	"astrorl/internal/model"
)

var ErrCapacity = errors.New("replay capacity must be > 0")

// Buffer keeps at most Capacity transitions. Once full, each Store overwrites
// the oldest slot. A Buffer is owned by a single agent and is not safe for
// concurrent use.
type Buffer struct {
	rng      *rand.Rand
	slots    []model.Transition
	capacity int
	cursor   int
}

func New(capacity int, rng *rand.Rand) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrCapacity, capacity)
	}
	if rng == nil {
		return nil, errors.New("random source is required")
	}
	return &Buffer{
		rng:      rng,
		slots:    make([]model.Transition, 0, capacity),
		capacity: capacity,
	}, nil
}

func (b *Buffer) Capacity() int { return b.capacity }
func (b *Buffer) Size() int     { return len(b.slots) }

// Store keeps a private copy of t.
func (b *Buffer) Store(t model.Transition) {
	copied := t.Clone()
	if len(b.slots) < b.capacity {
		b.slots = append(b.slots, copied)
		return
	}
	b.slots[b.cursor] = copied
	b.cursor = (b.cursor + 1) % b.capacity
}

// CanSample reports whether batchSize transitions are available.
func (b *Buffer) CanSample(batchSize int) bool {
	return batchSize > 0 && batchSize <= len(b.slots)
}

// Sample returns batchSize transitions drawn from distinct slots. Requests
// larger than the current occupancy are clamped to Size. The order of the
// returned transitions is unspecified.
func (b *Buffer) Sample(batchSize int) []model.Transition {
	indices := b.sampleIndices(batchSize)
	if len(indices) == 0 {
		return nil
	}
	out := make([]model.Transition, len(indices))
	for i, idx := range indices {
		out[i] = b.slots[idx].Clone()
	}
	return out
}

// Visit passes copies of stored transitions to fn in a random order, never
// visiting a slot twice, until fn has accepted want of them or every slot has
// been seen. It returns the number accepted and stops at the first error.
func (b *Buffer) Visit(want int, fn func(model.Transition) (bool, error)) (int, error) {
	n := len(b.slots)
	// Lazy Fisher-Yates: swapped holds only the permuted positions touched so far.
	swapped := make(map[int]int)
	at := func(i int) int {
		if v, ok := swapped[i]; ok {
			return v
		}
		return i
	}
	accepted := 0
	for i := 0; i < n && accepted < want; i++ {
		j := i + b.rng.Intn(n-i)
		idx := at(j)
		swapped[j] = at(i)
		ok, err := fn(b.slots[idx].Clone())
		if err != nil {
			return accepted, err
		}
		if ok {
			accepted++
		}
	}
	return accepted, nil
}

// sampleIndices picks k distinct indices in [0, Size) using Floyd's algorithm.
func (b *Buffer) sampleIndices(k int) []int {
	n := len(b.slots)
	if k > n {
		k = n
	}
	if k <= 0 {
		return nil
	}
	chosen := make(map[int]struct{}, k)
	out := make([]int, 0, k)
	for j := n - k; j < n; j++ {
		pick := b.rng.Intn(j + 1)
		if _, taken := chosen[pick]; taken {
			pick = j
		}
		chosen[pick] = struct{}{}
		out = append(out, pick)
	}
	return out
}

// Contents returns copies of the stored transitions from oldest to newest.
func (b *Buffer) Contents() []model.Transition {
	out := make([]model.Transition, 0, len(b.slots))
	if len(b.slots) < b.capacity {
		for _, t := range b.slots {
			out = append(out, t.Clone())
		}
		return out
	}
	for i := 0; i < b.capacity; i++ {
		out = append(out, b.slots[(b.cursor+i)%b.capacity].Clone())
	}
	return out
}

func (b *Buffer) Clear() {
	b.slots = b.slots[:0]
	b.cursor = 0
}
