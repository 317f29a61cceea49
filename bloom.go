package gloomstore

import (
	"bytes"
	"math"
	"sync/atomic"
)

// Filter is a Bloom filter over a pooled BitStore.
//
// Add and Contains are safe for concurrent use: bits are set with atomic OR
// and read with atomic loads. A Filter on its own never performs I/O and has
// no notion of names or generations; Guard and Manager layer those on top.
type Filter struct {
	cfg  Config
	hs   HashStrategy
	bits *BitStore

	// seq counts mutations; saved is the highest seq known to be persisted.
	// The filter is dirty while seq > saved.
	seq   atomic.Uint64
	saved atomic.Uint64
}

// New creates an empty filter for cfg using the default word pool.
func New(cfg Config) (*Filter, error) {
	return NewWithPool(cfg, nil)
}

// NewWithPool creates an empty filter whose bit array is drawn from pool.
func NewWithPool(cfg Config, pool *WordPool) (*Filter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ShardCount() > 1 {
		// Shard sizing is the Manager's job; a bare Filter is always unsharded.
		cfg.ShardingThresholdBytes = 0
	}
	return newFilter(cfg, pool), nil
}

func newFilter(cfg Config, pool *WordPool) *Filter {
	hs := NewHashStrategy(cfg)
	return &Filter{
		cfg:  cfg,
		hs:   hs,
		bits: NewBitStore(hs.Bits, pool),
	}
}

// Add inserts data.
func (f *Filter) Add(data []byte) {
	h1, h2 := f.hs.Pair(data)
	f.addHashes(h1, h2)
}

// AddString inserts s without allocating.
func (f *Filter) AddString(s string) {
	h1, h2 := f.hs.PairString(s)
	f.addHashes(h1, h2)
}

func (f *Filter) addHashes(h1, h2 uint64) {
	m := f.hs.Bits
	for i := uint32(0); i < f.hs.K; i++ {
		f.bits.Set(fastRange(h1+uint64(i)*h2, m))
	}
	f.seq.Add(1)
}

// Contains reports whether data might be in the filter. False means data was
// definitely never added.
func (f *Filter) Contains(data []byte) bool {
	h1, h2 := f.hs.Pair(data)
	return f.containsHashes(h1, h2)
}

// ContainsString is Contains for strings, without allocating.
func (f *Filter) ContainsString(s string) bool {
	h1, h2 := f.hs.PairString(s)
	return f.containsHashes(h1, h2)
}

func (f *Filter) containsHashes(h1, h2 uint64) bool {
	m := f.hs.Bits
	for i := uint32(0); i < f.hs.K; i++ {
		if !f.bits.Test(fastRange(h1+uint64(i)*h2, m)) {
			return false
		}
	}
	return true
}

// Clear removes all items and marks the filter clean.
func (f *Filter) Clear() {
	f.bits.Clear()
	f.saved.Store(f.seq.Load())
}

// Dirty reports whether the filter has mutations that were not saved.
func (f *Filter) Dirty() bool {
	return f.seq.Load() > f.saved.Load()
}

// markSaved records that all mutations up to seq are persisted.
func (f *Filter) markSaved(seq uint64) {
	for {
		cur := f.saved.Load()
		if seq <= cur || f.saved.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// markDirty forces the filter dirty, e.g. after reseeding into it.
func (f *Filter) markDirty() {
	f.seq.Add(1)
}

// Fingerprint returns the configuration fingerprint stored in the header.
func (f *Filter) Fingerprint() uint64 {
	return f.cfg.Fingerprint()
}

// Config returns the filter's configuration.
func (f *Filter) Config() Config {
	return f.cfg
}

// Cap returns the capacity of the filter in bits.
func (f *Filter) Cap() uint64 {
	return f.hs.Bits
}

// K returns the number of hash functions.
func (f *Filter) K() uint32 {
	return f.hs.K
}

// EstimatedFillRatio returns the proportion of bits that are set.
func (f *Filter) EstimatedFillRatio() float64 {
	return float64(f.bits.OnesCount()) / float64(f.hs.Bits)
}

// EstimatedFalsePositiveRate estimates the current false positive rate from
// the fill ratio: fill^k.
func (f *Filter) EstimatedFalsePositiveRate() float64 {
	return math.Pow(f.EstimatedFillRatio(), float64(f.hs.K))
}

// MarshalBinary encodes the filter in the persisted wire format.
func (f *Filter) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(HeaderSize + f.bits.Words()*8)
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Release returns the bit array to its pool. The filter must not be used
// afterwards.
func (f *Filter) Release() {
	f.bits.Release()
}
