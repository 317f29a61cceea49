package gloomstore

import (
	"io"
	"sync"
	"sync/atomic"
)

// Guard coordinates access to one filter across its generations.
//
// Add and Contains hold the read lock, so any number of them run in parallel
// (bit flips are atomic inside BitStore). The write lock is only taken to swap
// in a reloaded filter or to clear, so its hold time does not depend on the
// filter size. Guard never performs I/O; the Manager sequences
// snapshot -> unlock -> encode -> storage.
type Guard struct {
	mu   sync.RWMutex
	f    *Filter
	gen  uint64
	name string

	// seeding is set while a background reseed rebuilds the filter. A
	// partially rebuilt filter is never persisted.
	seeding atomic.Bool
}

// NewGuard wraps f under the given name.
func NewGuard(name string, f *Filter) *Guard {
	return &Guard{f: f, gen: 1, name: name}
}

// Name returns the storage name of the guarded filter.
func (g *Guard) Name() string {
	return g.name
}

// Add inserts data.
func (g *Guard) Add(data []byte) {
	g.mu.RLock()
	g.f.Add(data)
	g.mu.RUnlock()
}

// AddString inserts s.
func (g *Guard) AddString(s string) {
	g.mu.RLock()
	g.f.AddString(s)
	g.mu.RUnlock()
}

// Contains reports whether data might be in the filter.
func (g *Guard) Contains(data []byte) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.f.Contains(data)
}

// ContainsString reports whether s might be in the filter.
func (g *Guard) ContainsString(s string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.f.ContainsString(s)
}

// Clear removes all items and marks the filter clean.
func (g *Guard) Clear() {
	g.mu.Lock()
	g.f.Clear()
	g.mu.Unlock()
}

// Dirty reports whether the current generation has unsaved mutations.
func (g *Guard) Dirty() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.f.Dirty()
}

// Generation returns the current generation, starting at 1 and incremented by
// every Swap.
func (g *Guard) Generation() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.gen
}

// Seeding reports whether a background reseed is still rebuilding the filter.
// The Manager does not save a guard while it is seeding.
func (g *Guard) Seeding() bool {
	return g.seeding.Load()
}

// Config returns the configuration of the current generation.
func (g *Guard) Config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.f.cfg
}

// view runs fn against the current filter under the read lock.
func (g *Guard) view(fn func(f *Filter)) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	fn(g.f)
}

// Snapshot is a point-in-time copy of a guarded filter's words.
type Snapshot struct {
	Name       string
	Generation uint64

	header Header
	seq    uint64
	words  []uint64
	pool   *WordPool
}

// WriteTo encodes the snapshot in the persisted format.
func (s *Snapshot) WriteTo(w io.Writer) (int64, error) {
	return encodeWords(w, s.header, s.words)
}

// Size returns the encoded size in bytes.
func (s *Snapshot) Size() int64 {
	return int64(HeaderSize + len(s.words)*8)
}

// Release returns the snapshot buffer to the pool.
func (s *Snapshot) Release() {
	if s.words != nil {
		s.pool.Put(s.words)
		s.words = nil
	}
}

// Snapshot copies the current words into a pooled buffer. The read lock is
// held only for the copy, so concurrent Adds keep running; any Add that is
// not captured keeps the filter dirty after MarkSaved.
func (g *Guard) Snapshot() *Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	f := g.f
	// Read the sequence before copying: mutations racing with the copy then
	// count as unsaved even if the copy happened to include them.
	seq := f.seq.Load()
	pool := f.bits.Pool()
	words := pool.Get(f.bits.Words())
	f.bits.SnapshotInto(words)

	return &Snapshot{
		Name:       g.name,
		Generation: g.gen,
		header:     headerFor(f.cfg),
		seq:        seq,
		words:      words,
		pool:       pool,
	}
}

// MarkSaved records a successful save of snap. It has no effect if the filter
// was swapped since the snapshot was taken.
func (g *Guard) MarkSaved(snap *Snapshot) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.gen == snap.Generation {
		g.f.markSaved(snap.seq)
	}
}

// Swap installs f as the new generation and releases the previous filter's
// bit array. f must be fully built and validated; the write lock is held only
// for the pointer assignment.
func (g *Guard) Swap(f *Filter) uint64 {
	g.mu.Lock()
	old := g.f
	g.f = f
	g.gen++
	gen := g.gen
	g.seeding.Store(false)
	g.mu.Unlock()

	// No reader can still reference old: they all held the read lock, which
	// the write lock above waited out.
	old.Release()
	return gen
}
