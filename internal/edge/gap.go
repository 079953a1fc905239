package edge

import "sync"

// GapBuffer accumulates timestamped items and hands them off as one batch once
// no item has arrived for longer than the idle gap. Append and Take are safe
// for one producer and one consumer running concurrently: Take swaps the
// backing slice under the lock, so an item either lands in the batch being
// taken or in the fresh buffer, never both and never neither.
type GapBuffer[T any] struct {
	mu     sync.Mutex
	items  []T
	lastUS uint64
	gapUS  uint64
}

// NewGapBuffer returns a buffer that closes after gapUS microseconds of quiet.
func NewGapBuffer[T any](gapUS uint64) *GapBuffer[T] {
	return &GapBuffer[T]{gapUS: gapUS}
}

// Append adds items received at atUS.
func (g *GapBuffer[T]) Append(atUS uint64, items ...T) {
	if len(items) == 0 {
		return
	}
	g.mu.Lock()
	g.items = append(g.items, items...)
	g.lastUS = atUS
	g.mu.Unlock()
}

// Len reports the number of buffered items.
func (g *GapBuffer[T]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.items)
}

// Take returns the buffered batch if more than the idle gap has elapsed
// between the last append and nowUS. The returned slice is owned by the
// caller.
func (g *GapBuffer[T]) Take(nowUS uint64) (batch []T, lastUS uint64, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.items) == 0 || elapsed(g.lastUS, nowUS) <= g.gapUS {
		return nil, 0, false
	}
	batch = g.items
	g.items = make([]T, 0, cap(batch))
	return batch, g.lastUS, true
}

// Flush returns whatever is buffered regardless of the gap, for shutdown.
func (g *GapBuffer[T]) Flush() (batch []T, lastUS uint64, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.items) == 0 {
		return nil, 0, false
	}
	batch, lastUS = g.items, g.lastUS
	g.items = nil
	return batch, lastUS, true
}
