package gloomstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStorage wraps MemoryStorage, counting calls and optionally slowing
// loads down or failing saves.
type countingStorage struct {
	*MemoryStorage
	loads     atomic.Int64
	saves     atomic.Int64
	loadDelay time.Duration
	saveErr   error
}

func newCountingStorage() *countingStorage {
	return &countingStorage{MemoryStorage: NewMemoryStorage()}
}

func (s *countingStorage) Load(ctx context.Context, name string) (io.ReadCloser, error) {
	s.loads.Add(1)
	if s.loadDelay > 0 {
		select {
		case <-time.After(s.loadDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.MemoryStorage.Load(ctx, name)
}

func (s *countingStorage) Save(ctx context.Context, name string, r io.Reader) error {
	s.saves.Add(1)
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.MemoryStorage.Save(ctx, name, r)
}

func newTestManager(t *testing.T, storage Storage, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(storage, opts...)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

// persist writes a filter for cfg containing items straight into storage.
func persist(t *testing.T, mem *MemoryStorage, cfg Config, items ...string) {
	t.Helper()
	f, err := New(cfg)
	require.NoError(t, err)
	for _, it := range items {
		f.AddString(it)
	}
	data, err := f.MarshalBinary()
	require.NoError(t, err)
	mem.Put(cfg.Name, data)
}

// corrupt flips one body bit of the data stored under name.
func corrupt(t *testing.T, mem *MemoryStorage, name string) {
	t.Helper()
	data, ok := mem.Get(name)
	require.True(t, ok, "nothing stored under %q", name)
	data[len(data)-1] ^= 0x01
	mem.Put(name, data)
}

func sourceOf(items ...string) ItemSource {
	return func(context.Context) iter.Seq2[[]byte, error] {
		return func(yield func([]byte, error) bool) {
			for _, it := range items {
				if !yield([]byte(it), nil) {
					return
				}
			}
		}
	}
}

func TestManagerGetUnknown(t *testing.T) {
	m := newTestManager(t, NewMemoryStorage())
	_, err := m.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownFilter)
}

func TestManagerRegisterInvalid(t *testing.T) {
	m := newTestManager(t, NewMemoryStorage())
	err := m.Register(Config{Name: "bad"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestManagerAbsentDataStartsEmpty(t *testing.T) {
	m := newTestManager(t, NewMemoryStorage())
	h, err := m.Open(context.Background(), DefaultConfig("fresh", 1000, 0.01))
	require.NoError(t, err)

	assert.Equal(t, "fresh", h.Name())
	assert.False(t, h.Dirty())
	assert.False(t, h.ContainsString("anything"))
}

func TestManagerSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStorage()
	cfg := DefaultConfig("users", 1000, 0.01)

	m1 := newTestManager(t, mem)
	h, err := m1.Open(ctx, cfg)
	require.NoError(t, err)
	for i := range 500 {
		h.AddString(fmt.Sprintf("user-%d", i))
	}
	require.True(t, h.Dirty())
	require.NoError(t, m1.Save(ctx, "users"))
	assert.False(t, h.Dirty())

	m2 := newTestManager(t, mem)
	h2, err := m2.Open(ctx, cfg)
	require.NoError(t, err)
	assert.False(t, h2.Dirty())
	for i := range 500 {
		require.True(t, h2.ContainsString(fmt.Sprintf("user-%d", i)), "user-%d", i)
	}
}

func TestManagerStampede(t *testing.T) {
	ctx := context.Background()
	storage := newCountingStorage()
	storage.loadDelay = 50 * time.Millisecond

	m := newTestManager(t, storage)
	require.NoError(t, m.Register(DefaultConfig("hot", 1000, 0.01)))

	const callers = 32
	handles := make([]Handle, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := m.Get(ctx, "hot")
			assert.NoError(t, err)
			handles[i] = h
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), storage.loads.Load())
	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}

	// Later calls are served from memory.
	_, err := m.Get(ctx, "hot")
	require.NoError(t, err)
	assert.Equal(t, int64(1), storage.loads.Load())
}

func TestManagerCorruptWithoutAutoReseed(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStorage()
	cfg := DefaultConfig("strict", 1000, 0.01)
	cfg.AutoReseed = false

	persist(t, mem, cfg, "a")
	corrupt(t, mem, "strict")

	m := newTestManager(t, mem)
	require.NoError(t, m.Register(cfg))

	_, err := m.Get(ctx, "strict")
	require.ErrorIs(t, err, ErrDataIntegrity)
	var cm *ChecksumMismatchError
	assert.ErrorAs(t, err, &cm)

	// Nothing was registered; once the data is fixed the next access retries.
	persist(t, mem, cfg, "a")
	h, err := m.Get(ctx, "strict")
	require.NoError(t, err)
	assert.True(t, h.ContainsString("a"))
}

func TestManagerConfigMismatchWithoutAutoReseed(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStorage()
	old := DefaultConfig("cfg", 1000, 0.01)
	persist(t, mem, old, "a")

	cfg := old
	cfg.HashSeed = 9
	cfg.AutoReseed = false

	m := newTestManager(t, mem)
	_, err := m.Open(ctx, cfg)
	assert.ErrorIs(t, err, ErrConfigMismatch)
	assert.NotErrorIs(t, err, ErrDataIntegrity)
}

func TestManagerReseedOnCorruption(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStorage()
	cfg := DefaultConfig("healing", 1000, 0.01)

	persist(t, mem, cfg, "stale")
	corrupt(t, mem, "healing")

	metrics := &BasicMetricsCollector{}
	m := newTestManager(t, mem, WithMetrics(metrics))
	m.RegisterSource("healing", sourceOf("a", "b", "c"))

	h, err := m.Open(ctx, cfg)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return metrics.Reseeds.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), metrics.ReseedErrors.Load())
	assert.Equal(t, int64(3), metrics.ReseededItems.Load())

	for _, it := range []string{"a", "b", "c"} {
		assert.True(t, h.ContainsString(it), it)
	}
	assert.False(t, h.Dirty(), "reseed should end with a save")

	// The repaired data is loadable.
	_, err = UnmarshalBinary(mustGet(t, mem, "healing"), cfg)
	assert.NoError(t, err)
}

func TestManagerReseedOnConfigMismatch(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStorage()
	old := DefaultConfig("resized", 1000, 0.01)
	persist(t, mem, old, "a")

	cfg := old
	cfg.ExpectedItems = 5000

	metrics := &BasicMetricsCollector{}
	m := newTestManager(t, mem, WithMetrics(metrics))
	m.RegisterSource("resized", sourceOf("a", "b"))

	h, err := m.Open(ctx, cfg)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return metrics.Reseeds.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	assert.True(t, h.ContainsString("a"))
	assert.True(t, h.ContainsString("b"))

	restored, err := UnmarshalBinary(mustGet(t, mem, "resized"), cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.SizeInBits(), restored.Cap())
}

func TestManagerReseedFailureReported(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStorage()
	cfg := DefaultConfig("broken-source", 1000, 0.01)
	persist(t, mem, cfg)
	corrupt(t, mem, "broken-source")

	errc := make(chan error, 1)
	m := newTestManager(t, mem, WithBackgroundErrorHandler(func(name string, err error) {
		errc <- err
	}))
	m.RegisterSource("broken-source", func(context.Context) iter.Seq2[[]byte, error] {
		return func(yield func([]byte, error) bool) {
			if !yield([]byte("x"), nil) {
				return
			}
			yield(nil, errors.New("source unavailable"))
		}
	})

	h, err := m.Open(ctx, cfg)
	require.NoError(t, err)

	select {
	case err := <-errc:
		assert.ErrorContains(t, err, "source unavailable")
	case <-time.After(5 * time.Second):
		t.Fatal("background error not reported")
	}
	assert.True(t, h.Dirty(), "partially seeded filter stays dirty")

	// The discarded object is kept so the next start reseeds again.
	require.NoError(t, m.SaveAllDirty(ctx))
	_, err = UnmarshalBinary(mustGet(t, mem, "broken-source"), cfg)
	assert.ErrorIs(t, err, ErrDataIntegrity)
}

func TestManagerRecoverWithoutSource(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStorage()
	cfg := DefaultConfig("orphan", 1000, 0.01)
	persist(t, mem, cfg, "a")
	corrupt(t, mem, "orphan")

	m := newTestManager(t, mem)
	h, err := m.Open(ctx, cfg)
	require.NoError(t, err)
	assert.False(t, h.ContainsString("a"))
	assert.True(t, h.Dirty(), "recovered filter must replace the corrupt data on the next save")

	require.NoError(t, m.SaveAllDirty(ctx))
	_, err = UnmarshalBinary(mustGet(t, mem, "orphan"), cfg)
	assert.NoError(t, err)
}

func TestManagerSaveStorageError(t *testing.T) {
	ctx := context.Background()
	storage := newCountingStorage()
	storage.saveErr = errors.New("disk full")

	m := newTestManager(t, storage)
	h, err := m.Open(ctx, DefaultConfig("strict", 1000, 0.01))
	require.NoError(t, err)
	h.AddString("x")

	err = m.Save(ctx, "strict")
	assert.ErrorContains(t, err, "disk full")
	assert.True(t, h.Dirty())

	storage.saveErr = nil
	require.NoError(t, m.Save(ctx, "strict"))
	assert.False(t, h.Dirty())
}

func TestManagerIgnoreStorageErrors(t *testing.T) {
	ctx := context.Background()
	storage := newCountingStorage()
	storage.saveErr = errors.New("disk full")

	cfg := DefaultConfig("lenient", 1000, 0.01)
	cfg.IgnoreStorageErrors = true

	metrics := &BasicMetricsCollector{}
	m := newTestManager(t, storage, WithMetrics(metrics))
	h, err := m.Open(ctx, cfg)
	require.NoError(t, err)
	h.AddString("x")

	assert.NoError(t, m.Save(ctx, "lenient"))
	assert.True(t, h.Dirty())
	assert.Equal(t, int64(1), metrics.SaveErrors.Load())

	storage.saveErr = nil
}

func TestManagerSaveAllDirty(t *testing.T) {
	ctx := context.Background()
	storage := newCountingStorage()
	m := newTestManager(t, storage)

	a, err := m.Open(ctx, DefaultConfig("a", 1000, 0.01))
	require.NoError(t, err)
	_, err = m.Open(ctx, DefaultConfig("b", 1000, 0.01))
	require.NoError(t, err)

	a.AddString("x")
	require.NoError(t, m.SaveAllDirty(ctx))
	assert.Equal(t, int64(1), storage.saves.Load())
	assert.Equal(t, []string{"a"}, storage.List(""))

	// Nothing dirty, nothing saved.
	require.NoError(t, m.SaveAllDirty(ctx))
	assert.Equal(t, int64(1), storage.saves.Load())
}

func TestManagerSaveAllDirtyReportsFailures(t *testing.T) {
	ctx := context.Background()
	storage := newCountingStorage()
	storage.saveErr = errors.New("unavailable")

	var reported atomic.Int64
	m := newTestManager(t, storage, WithBackgroundErrorHandler(func(string, error) {
		reported.Add(1)
	}))
	for _, name := range []string{"a", "b", "c"} {
		h, err := m.Open(ctx, DefaultConfig(name, 1000, 0.01))
		require.NoError(t, err)
		h.AddString("x")
	}

	err := m.SaveAllDirty(ctx)
	assert.ErrorContains(t, err, "unavailable")
	assert.Equal(t, int64(3), storage.saves.Load(), "every dirty filter is attempted")
	assert.Equal(t, int64(3), reported.Load())

	storage.saveErr = nil
}

func TestManagerReload(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStorage()
	cfg := DefaultConfig("shared", 1000, 0.01)

	reader := newTestManager(t, mem)
	h, err := reader.Open(ctx, cfg)
	require.NoError(t, err)

	// Absent data keeps the current generation.
	require.NoError(t, reader.Reload(ctx, "shared"))
	st, err := reader.Stats("shared")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, st.Generations)

	writer := newTestManager(t, mem)
	w, err := writer.Open(ctx, cfg)
	require.NoError(t, err)
	w.AddString("published")
	require.NoError(t, writer.Save(ctx, "shared"))

	assert.False(t, h.ContainsString("published"))
	require.NoError(t, reader.Reload(ctx, "shared"))
	assert.True(t, h.ContainsString("published"), "handle serves the new generation")

	st, err = reader.Stats("shared")
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, st.Generations)
	assert.False(t, st.Dirty)
}

func TestManagerReloadCorruptKeepsServing(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStorage()
	cfg := DefaultConfig("keep", 1000, 0.01)

	m := newTestManager(t, mem)
	h, err := m.Open(ctx, cfg)
	require.NoError(t, err)
	h.AddString("live")
	require.NoError(t, m.Save(ctx, "keep"))

	corrupt(t, mem, "keep")
	err = m.Reload(ctx, "keep")
	assert.ErrorIs(t, err, ErrDataIntegrity)

	assert.True(t, h.ContainsString("live"))
	st, err := m.Stats("keep")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, st.Generations)
}

func TestManagerSharded(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStorage()
	cfg := DefaultConfig("big", 100000, 0.01)
	cfg.ShardingThresholdBytes = 32 << 10
	shards := cfg.ShardCount()
	require.Greater(t, shards, 1)

	m := newTestManager(t, mem)
	h, err := m.Open(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, "big", h.Name())
	for i := range 5000 {
		h.AddString(fmt.Sprintf("item-%d", i))
	}
	require.NoError(t, m.Save(ctx, "big"))

	names := mem.List("big")
	require.Len(t, names, shards)
	for i := range shards {
		assert.Contains(t, names, ShardName("big", i))
	}
	_, ok := mem.Get("big")
	assert.False(t, ok, "a sharded filter is never stored under its own name")

	m2 := newTestManager(t, mem)
	h2, err := m2.Open(ctx, cfg)
	require.NoError(t, err)
	for i := range 5000 {
		require.True(t, h2.ContainsString(fmt.Sprintf("item-%d", i)), "item-%d", i)
	}

	st, err := m2.Stats("big")
	require.NoError(t, err)
	assert.Equal(t, shards, st.Shards)
	assert.Len(t, st.Generations, shards)
}

func TestManagerShardedReseedsOnlyBrokenShard(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStorage()
	cfg := DefaultConfig("parts", 100000, 0.01)
	cfg.ShardingThresholdBytes = 32 << 10

	items := make([]string, 2000)
	for i := range items {
		items[i] = fmt.Sprintf("item-%d", i)
	}

	seed := newTestManager(t, mem)
	h, err := seed.Open(ctx, cfg)
	require.NoError(t, err)
	for _, it := range items {
		h.AddString(it)
	}
	require.NoError(t, seed.Save(ctx, "parts"))

	corrupt(t, mem, ShardName("parts", 1))

	metrics := &BasicMetricsCollector{}
	m := newTestManager(t, mem, WithMetrics(metrics))
	m.RegisterSource("parts", sourceOf(items...))
	h2, err := m.Open(ctx, cfg)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return metrics.Reseeds.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	for _, it := range items {
		require.True(t, h2.ContainsString(it), it)
	}

	r := h2.(*ShardRouter)
	for i := range r.NumShards() {
		assert.False(t, r.Shard(i).Dirty(), "shard %d", i)
		assert.Equal(t, uint64(1), r.Shard(i).Generation())
	}
}

func TestManagerLoadCancelled(t *testing.T) {
	storage := newCountingStorage()
	storage.loadDelay = time.Second
	m := newTestManager(t, storage)
	require.NoError(t, m.Register(DefaultConfig("slow", 1000, 0.01)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.Get(ctx, "slow")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	storage.loadDelay = 0
	_, err = m.Get(context.Background(), "slow")
	assert.NoError(t, err)
}

func TestManagerRegisterAlreadyLoaded(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewMemoryStorage())
	cfg := DefaultConfig("x", 1000, 0.01)
	_, err := m.Open(ctx, cfg)
	require.NoError(t, err)

	assert.NoError(t, m.Register(cfg), "same config is a no-op")

	changed := cfg
	changed.ExpectedItems = 2000
	assert.ErrorIs(t, m.Register(changed), ErrAlreadyLoaded)
}

func TestManagerNamesAndStats(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewMemoryStorage())
	require.NoError(t, m.Register(DefaultConfig("b", 1000, 0.01)))
	require.NoError(t, m.Register(DefaultConfig("a", 1000, 0.01)))
	assert.Equal(t, []string{"a", "b"}, m.Names())

	st, err := m.Stats("a")
	require.NoError(t, err)
	assert.False(t, st.Loaded)
	assert.Equal(t, DefaultConfig("a", 1000, 0.01).SizeInBytes(), st.SizeInBytes)

	h, err := m.Get(ctx, "a")
	require.NoError(t, err)
	h.AddString("x")

	st, err = m.Stats("a")
	require.NoError(t, err)
	assert.True(t, st.Loaded)
	assert.True(t, st.Dirty)
	assert.Equal(t, 1, st.Shards)
	assert.Greater(t, st.FillRatio, 0.0)

	_, err = m.Stats("missing")
	assert.ErrorIs(t, err, ErrUnknownFilter)
}

func TestManagerClose(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStorage()
	m := NewManager(mem)

	h, err := m.Open(ctx, DefaultConfig("flush", 1000, 0.01))
	require.NoError(t, err)
	h.AddString("pending")

	require.NoError(t, m.Close(ctx))
	_, ok := mem.Get("flush")
	assert.True(t, ok, "Close flushes dirty filters")

	_, err = m.Get(ctx, "flush")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Save(ctx, "flush"), ErrClosed)
	assert.ErrorIs(t, m.SaveAllDirty(ctx), ErrClosed)
	assert.ErrorIs(t, m.Reload(ctx, "flush"), ErrClosed)
	assert.ErrorIs(t, m.Close(ctx), ErrClosed)
}

func TestManagerCloseCancelsReseed(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStorage()
	cfg := DefaultConfig("endless", 1000, 0.01)
	persist(t, mem, cfg)
	corrupt(t, mem, "endless")

	started := make(chan struct{})
	m := NewManager(mem)
	m.RegisterSource("endless", func(ctx context.Context) iter.Seq2[[]byte, error] {
		return func(yield func([]byte, error) bool) {
			close(started)
			for i := 0; ; i++ {
				if ctx.Err() != nil {
					return
				}
				if !yield(fmt.Appendf(nil, "%d", i), nil) {
					return
				}
			}
		}
	})
	_, err := m.Open(ctx, cfg)
	require.NoError(t, err)
	<-started

	done := make(chan error, 1)
	go func() { done <- m.Close(ctx) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not stop the reseed")
	}
}

func TestManagerCloseDuringReseedKeepsDiscardedData(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStorage()
	cfg := DefaultConfig("interrupted", 1000, 0.01)

	items := make([]string, 100)
	for i := range items {
		items[i] = fmt.Sprintf("item-%d", i)
	}
	persist(t, mem, cfg, items...)
	corrupt(t, mem, "interrupted")

	stalled := make(chan struct{})
	m := NewManager(mem)
	m.RegisterSource("interrupted", func(ctx context.Context) iter.Seq2[[]byte, error] {
		return func(yield func([]byte, error) bool) {
			for _, it := range items[:10] {
				if !yield([]byte(it), nil) {
					return
				}
			}
			close(stalled)
			<-ctx.Done()
		}
	})
	_, err := m.Open(ctx, cfg)
	require.NoError(t, err)
	<-stalled

	st, err := m.Stats("interrupted")
	require.NoError(t, err)
	assert.True(t, st.Seeding)

	// Neither explicit saves nor Close persist the partial filter.
	require.NoError(t, m.SaveAllDirty(ctx))
	require.NoError(t, m.Save(ctx, "interrupted"))
	require.NoError(t, m.Close(ctx))

	_, err = UnmarshalBinary(mustGet(t, mem, "interrupted"), cfg)
	require.ErrorIs(t, err, ErrDataIntegrity)

	// After a restart the filter is rebuilt in full.
	metrics := &BasicMetricsCollector{}
	m2 := newTestManager(t, mem, WithMetrics(metrics))
	m2.RegisterSource("interrupted", sourceOf(items...))
	h, err := m2.Open(ctx, cfg)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return metrics.Reseeds.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, int64(0), metrics.ReseedErrors.Load())

	for _, it := range items {
		assert.True(t, h.ContainsString(it), it)
	}
	restored, err := UnmarshalBinary(mustGet(t, mem, "interrupted"), cfg)
	require.NoError(t, err)
	for _, it := range items {
		assert.True(t, restored.ContainsString(it), it)
	}
}

func mustGet(t *testing.T, mem *MemoryStorage, name string) []byte {
	t.Helper()
	data, ok := mem.Get(name)
	require.True(t, ok, "nothing stored under %q", name)
	return data
}
