package gloomstore

import (
	"math/bits"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/xxh3"
)

// HashStrategy maps an item to K bit positions in a bit array of Bits bits.
//
// A single seeded 128-bit xxh3 hash supplies two independent 64-bit values h1
// and h2, and position i is fastRange(h1 + i*h2, Bits) (Kirsch-Mitzenmacher
// double hashing with Lemire's multiply-shift reduction).
type HashStrategy struct {
	Bits uint64
	K    uint32
	Seed uint64
}

// NewHashStrategy returns the strategy for a configuration.
func NewHashStrategy(cfg Config) HashStrategy {
	m, k := OptimalParams(cfg.ExpectedItems, cfg.ErrorRate)
	return HashStrategy{Bits: m, K: k, Seed: uint64(cfg.HashSeed)}
}

// Pair returns the two base hashes of data.
func (h HashStrategy) Pair(data []byte) (h1, h2 uint64) {
	u := xxh3.Hash128Seed(data, h.Seed)
	return u.Lo, u.Hi
}

// PairString returns the two base hashes of s without allocating.
func (h HashStrategy) PairString(s string) (h1, h2 uint64) {
	u := xxh3.HashString128Seed(s, h.Seed)
	return u.Lo, u.Hi
}

// Positions appends the K bit positions of data to dst.
func (h HashStrategy) Positions(dst []uint64, data []byte) []uint64 {
	h1, h2 := h.Pair(data)
	for i := uint32(0); i < h.K; i++ {
		dst = append(dst, fastRange(h1+uint64(i)*h2, h.Bits))
	}
	return dst
}

// fastRange maps x uniformly onto [0, n) by taking the high word of the
// 128-bit product x*n. For power-of-two n this is the top log2(n) bits of x.
func fastRange(x, n uint64) uint64 {
	hi, _ := bits.Mul64(x, n)
	return hi
}

// routeHash is the item hash used for shard selection. It comes from a
// different hash family than the position hashes so that shard choice and
// in-shard positions stay uncorrelated.
func routeHash(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// routeHashString is routeHash for strings.
func routeHashString(s string) uint64 {
	return xxhash.Sum64String(s)
}
