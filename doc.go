// Package gloomstore provides persistent, concurrent Bloom filters.
//
// A bloom filter is a space-efficient probabilistic data structure that tests
// whether an element is a member of a set. False positive matches are possible,
// but false negatives are not: if the filter says an element is not present,
// it definitely is not.
//
// Gloomstore keeps named filters in memory, serves lock-free-in-practice
// membership queries from many goroutines, persists filters to pluggable
// storage in a checksummed binary format, and rebuilds them from an item
// source when persisted data is missing, corrupt or stale.
//
// # Architecture
//
// [BitStore] is a pooled array of 64-bit words. Bits are set with atomic OR
// ([sync/atomic.OrUint64], Go 1.23+) and read with atomic loads, so concurrent
// Add and Contains calls never lose updates.
//
// [HashStrategy] derives k bit positions from one seeded 128-bit xxh3 hash
// using double hashing (Kirsch and Mitzenmacher): position i is
// h1 + i*h2 reduced onto the bit array with Lemire's multiply-shift
// (fastrange) instead of a modulo.
//
// [Filter] combines the two and tracks whether it has unsaved mutations.
//
// [Guard] wraps a filter with a read/write lock and a generation counter.
// Queries hold the read lock; the write lock is only taken to swap in a
// reloaded generation or to clear.
//
// [ShardRouter] spreads one logical filter over several guards when it would
// exceed Config.ShardingThresholdBytes. Each shard is persisted separately.
//
// [Manager] resolves names to filters, hydrates them from [Storage] on first
// use (one load per name no matter how many callers race), saves, reloads,
// and reseeds through a [Seeder].
//
// # Choosing Parameters
//
// Size a filter with the expected number of items and the target false
// positive rate:
//
//	cfg := gloomstore.DefaultConfig("users", 1_000_000, 0.01)
//
// The bit array size and number of hash functions are derived from these:
//
//	m = ceil(-n * ln(p) / ln(2)^2)
//	k = round(m/n * ln(2))
//
// Example: 1 million items at 1% FP rate is about 1.2 MB.
//
// # Persisted Format
//
// A persisted filter is a 36-byte little-endian header followed by the raw
// words of the bit array. The header carries a magic number, a format version,
// an xxh3-64 checksum of the body, the bit array size, the hash count and a
// fingerprint of the configuration that produced it. Loading verifies all of
// them before a filter is served. See [Header].
//
// # Errors
//
// Corrupt data is reported as [ErrDataIntegrity], data written under a
// different configuration as [ErrConfigMismatch], and data in an unknown
// format as [ErrFormatMismatch]. With Config.AutoReseed the Manager recovers
// from all three by starting empty and reseeding in the background.
//
// # Storage
//
// [MemoryStorage] is built in. The storage sub-packages provide local files
// (storage/filestore), Amazon S3 (storage/s3store), MinIO and other
// S3-compatible servers (storage/miniostore), and transparent compression
// (storage/compress).
//
// # References
//
//   - Less Hashing, Same Performance: https://www.eecs.harvard.edu/~michaelm/postscripts/rsa2008.pdf
//   - Fast alternative to the modulo reduction: https://lemire.me/blog/2016/06/27/a-fast-alternative-to-the-modulo-reduction/
package gloomstore
