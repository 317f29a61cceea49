package gloomstore

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

// WordPool recycles word buffers keyed by their length. Filters of the same
// configuration always need buffers of the same length, so reloads and
// snapshots of a filter reuse each other's memory instead of allocating a
// fresh large slice every time.
//
// We store *[]uint64 rather than []uint64 to avoid interface wrapping
// allocations (SA6002).
type WordPool struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool
}

// NewWordPool returns an empty pool.
func NewWordPool() *WordPool {
	return &WordPool{pools: make(map[int]*sync.Pool)}
}

// defaultWordPool is shared by filters that were not given a pool.
var defaultWordPool = NewWordPool()

func (p *WordPool) pool(n int) *sync.Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp, ok := p.pools[n]
	if !ok {
		sp = &sync.Pool{}
		p.pools[n] = sp
	}
	return sp
}

// Get returns a buffer of exactly n words. Its contents are undefined.
func (p *WordPool) Get(n int) []uint64 {
	if v := p.pool(n).Get(); v != nil {
		return *(v.(*[]uint64))
	}
	return make([]uint64, n)
}

// Put returns a buffer to the pool. The caller must not use it afterwards.
func (p *WordPool) Put(words []uint64) {
	if len(words) == 0 {
		return
	}
	p.pool(len(words)).Put(&words)
}

// BitStore is a fixed-size bit array packed into 64-bit words.
//
// Set and Test are safe to call concurrently: Set is an atomic OR on the owning
// word and Test an atomic load. Clear and SnapshotInto touch every word and
// need external coordination (see Guard) to observe a consistent state.
type BitStore struct {
	words []uint64
	bits  uint64
	pool  *WordPool
}

// NewBitStore returns a zeroed store of the given number of bits whose word
// buffer comes from pool (or the package default pool when nil).
func NewBitStore(numBits uint64, pool *WordPool) *BitStore {
	if pool == nil {
		pool = defaultWordPool
	}
	words := pool.Get(int(wordsFor(numBits)))
	clear(words)
	return &BitStore{words: words, bits: numBits, pool: pool}
}

// Set sets bit i.
func (s *BitStore) Set(i uint64) {
	atomic.OrUint64(&s.words[i>>6], uint64(1)<<(i&63))
}

// Test reports whether bit i is set.
func (s *BitStore) Test(i uint64) bool {
	return atomic.LoadUint64(&s.words[i>>6])&(uint64(1)<<(i&63)) != 0
}

// Clear zeroes every word.
func (s *BitStore) Clear() {
	for i := range s.words {
		atomic.StoreUint64(&s.words[i], 0)
	}
}

// SnapshotInto copies the current words into dst, which must hold Words()
// elements.
func (s *BitStore) SnapshotInto(dst []uint64) {
	for i := range s.words {
		dst[i] = atomic.LoadUint64(&s.words[i])
	}
}

// Snapshot copies the current words into a buffer taken from the store's pool.
// The caller returns it with Pool().Put.
func (s *BitStore) Snapshot() []uint64 {
	dst := s.pool.Get(len(s.words))
	s.SnapshotInto(dst)
	return dst
}

// Cap returns the capacity in bits.
func (s *BitStore) Cap() uint64 {
	return s.bits
}

// Words returns the number of backing words.
func (s *BitStore) Words() int {
	return len(s.words)
}

// Pool returns the pool backing this store.
func (s *BitStore) Pool() *WordPool {
	return s.pool
}

// OnesCount returns the number of set bits.
func (s *BitStore) OnesCount() uint64 {
	var n uint64
	for i := range s.words {
		n += uint64(bits.OnesCount64(atomic.LoadUint64(&s.words[i])))
	}
	return n
}

// Release hands the word buffer back to the pool. The store must not be used
// afterwards. It is safe to call Release more than once.
func (s *BitStore) Release() {
	if s.words == nil {
		return
	}
	s.pool.Put(s.words)
	s.words = nil
}
