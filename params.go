package gloomstore

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

const (
	// ln2 is the natural logarithm of 2.
	ln2 = 0.6931471805599453
	// ln2Squared is ln(2)^2.
	ln2Squared = 0.4804530139182014

	// maxSizeInBits bounds a single filter (or shard) at 2^40 bits (128 GiB).
	maxSizeInBits = uint64(1) << 40

	// maxShards bounds the number of shards a single name can be split into.
	maxShards = 4096
)

// Config describes one named filter.
//
// ExpectedItems and ErrorRate determine the bit array size and the number of
// hash functions; HashSeed perturbs item hashing. All three, together with the
// format version, feed the fingerprint stored in the persisted header, so
// changing any of them invalidates previously saved data.
type Config struct {
	// Name identifies the filter in the manager and in storage.
	Name string

	// ExpectedItems is the number of items the filter is sized for. Must be > 0.
	ExpectedItems int64

	// ErrorRate is the target false positive rate, 0 < ErrorRate < 1.
	ErrorRate float64

	// HashSeed seeds item hashing.
	HashSeed int64

	// ShardingThresholdBytes splits the filter into independently persisted
	// shards once its bit array would exceed this many bytes. Zero disables
	// sharding.
	ShardingThresholdBytes int64

	// AutoReseed recovers from corrupt or mismatched persisted data by starting
	// empty and repopulating from the registered ItemSource in the background.
	AutoReseed bool

	// SkipIntegrityCheck disables body checksum verification on load. The
	// fingerprint is always verified.
	SkipIntegrityCheck bool

	// IgnoreStorageErrors makes Save swallow storage failures (logging them and
	// keeping the filter dirty) instead of returning them.
	IgnoreStorageErrors bool
}

// DefaultConfig returns a Config with auto-reseed enabled and sharding off.
func DefaultConfig(name string, expectedItems int64, errorRate float64) Config {
	return Config{
		Name:          name,
		ExpectedItems: expectedItems,
		ErrorRate:     errorRate,
		AutoReseed:    true,
	}
}

// Validate checks the configuration invariants.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidConfig)
	}
	if c.ExpectedItems <= 0 {
		return fmt.Errorf("%w: expected items must be positive (got %d)", ErrInvalidConfig, c.ExpectedItems)
	}
	if !(c.ErrorRate > 0 && c.ErrorRate < 1) {
		return fmt.Errorf("%w: error rate must be in (0, 1) (got %v)", ErrInvalidConfig, c.ErrorRate)
	}
	if c.ShardingThresholdBytes < 0 {
		return fmt.Errorf("%w: negative sharding threshold", ErrInvalidConfig)
	}
	m := c.SizeInBits()
	if m == 0 || m > maxSizeInBits*maxShards {
		return fmt.Errorf("%w: filter size %d bits out of range", ErrInvalidConfig, m)
	}
	if c.ShardCount() == 1 && m > maxSizeInBits {
		return fmt.Errorf("%w: filter of %d bits needs a sharding threshold", ErrInvalidConfig, m)
	}
	return nil
}

// SizeInBits returns ceil(-n*ln(p) / ln(2)^2).
func (c Config) SizeInBits() uint64 {
	m, _ := OptimalParams(c.ExpectedItems, c.ErrorRate)
	return m
}

// HashCount returns round((m/n) * ln(2)), at least 1.
func (c Config) HashCount() uint32 {
	_, k := OptimalParams(c.ExpectedItems, c.ErrorRate)
	return k
}

// SizeInBytes returns the size of the word-aligned bit array in bytes.
func (c Config) SizeInBytes() uint64 {
	return wordsFor(c.SizeInBits()) * 8
}

// Fingerprint returns a stable hash of the parameters that determine the
// filter's bit layout: expected items, error rate, hash seed and format version.
func (c Config) Fingerprint() uint64 {
	var buf [28]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(c.ExpectedItems))
	binary.LittleEndian.PutUint64(buf[8:16], math.Float64bits(c.ErrorRate))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(c.HashSeed))
	binary.LittleEndian.PutUint32(buf[24:28], FormatVersion)
	return xxhash.Sum64(buf[:])
}

// ShardCount returns how many shards the filter is split into. It is 1 unless
// the bit array exceeds ShardingThresholdBytes.
func (c Config) ShardCount() int {
	if c.ShardingThresholdBytes <= 0 {
		return 1
	}
	size := c.SizeInBytes()
	threshold := uint64(c.ShardingThresholdBytes)
	if size <= threshold {
		return 1
	}
	n := (size + threshold - 1) / threshold
	if n > maxShards {
		n = maxShards
	}
	return int(n)
}

// ShardConfigs returns the per-shard configurations. Each shard is sized for
// ceil(ExpectedItems/N) items at the same error rate and seed and is persisted
// under "<name>_s<i>". An unsharded config returns itself.
func (c Config) ShardConfigs() []Config {
	n := c.ShardCount()
	if n == 1 {
		return []Config{c}
	}
	perShard := (c.ExpectedItems + int64(n) - 1) / int64(n)
	out := make([]Config, n)
	for i := range out {
		sc := c
		sc.Name = ShardName(c.Name, i)
		sc.ExpectedItems = perShard
		sc.ShardingThresholdBytes = 0
		out[i] = sc
	}
	return out
}

// ShardName returns the storage name of shard i of a filter.
func ShardName(name string, i int) string {
	return name + "_s" + strconv.Itoa(i)
}

// OptimalParams calculates the bit array size and hash count for the given
// expected item count and false positive rate.
func OptimalParams(expectedItems int64, fpRate float64) (sizeInBits uint64, k uint32) {
	if expectedItems <= 0 || !(fpRate > 0 && fpRate < 1) {
		return 0, 0
	}
	n := float64(expectedItems)

	// m = -n * ln(p) / ln(2)^2
	m := math.Ceil(-n * math.Log(fpRate) / ln2Squared)
	if m < 1 {
		m = 1
	}
	if m >= float64(math.MaxUint64) {
		return math.MaxUint64, 1
	}
	sizeInBits = uint64(m)

	// k = (m/n) * ln(2)
	kFloat := math.Round(float64(sizeInBits) / n * ln2)
	k = uint32(max(kFloat, 1))

	return sizeInBits, k
}

// EstimateFalsePositiveRate estimates the false positive rate for the given
// parameters after itemsAdded insertions: (1 - e^(-kn/m))^k.
func EstimateFalsePositiveRate(sizeInBits uint64, k uint32, itemsAdded uint64) float64 {
	m := float64(sizeInBits)
	n := float64(itemsAdded)
	kf := float64(k)

	if m == 0 || n == 0 {
		return 0
	}

	return math.Pow(1-math.Exp(-kf*n/m), kf)
}

// wordsFor returns the number of 64-bit words needed to hold bits.
func wordsFor(bits uint64) uint64 {
	return (bits + 63) / 64
}
