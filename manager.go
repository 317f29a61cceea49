package gloomstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Handle is the caller-facing view of a loaded filter. Sharded and unsharded
// filters look the same through it.
type Handle interface {
	Name() string
	Add(data []byte)
	AddString(s string)
	Contains(data []byte) bool
	ContainsString(s string) bool
	Clear()
	Dirty() bool
}

var (
	_ Handle = (*Guard)(nil)
	_ Handle = (*ShardRouter)(nil)
)

// instance is a loaded filter: one guard, or one guard per shard.
type instance struct {
	cfg    Config
	guards []*Guard
	handle Handle
}

// Manager owns a set of named filters and their persistence.
//
// Filters are registered by configuration and hydrated from Storage lazily,
// on first access. Concurrent first accesses to the same name share one load.
// Corrupt or mismatched persisted data is either reported or, with
// Config.AutoReseed, replaced by an empty filter that is repopulated in the
// background from the name's ItemSource.
type Manager struct {
	storage Storage
	opts    options
	log     *Logger
	seeder  *Seeder

	mu      sync.RWMutex
	configs map[string]Config
	sources map[string]ItemSource
	loaded  map[string]*instance
	closed  bool

	loads singleflight.Group
	seeds *semaphore.Weighted

	// bg scopes background reseeds; cancelled by Close.
	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager persisting to storage.
func NewManager(storage Storage, opts ...Option) *Manager {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	bg, cancel := context.WithCancel(context.Background())
	m := &Manager{
		storage: storage,
		opts:    o,
		log:     o.logger,
		configs: make(map[string]Config),
		sources: make(map[string]ItemSource),
		loaded:  make(map[string]*instance),
		seeds:   semaphore.NewWeighted(o.maxBackgroundSeeds),
		bg:      bg,
		cancel:  cancel,
	}
	m.seeder = &Seeder{m: m, every: o.seedEvery, interval: o.seedInterval}
	return m
}

// Seeder returns the manager's seeder.
func (m *Manager) Seeder() *Seeder {
	return m.seeder
}

// Register adds or replaces the configuration for cfg.Name. Replacing the
// configuration of a loaded filter with a different one fails with
// ErrAlreadyLoaded.
func (m *Manager) Register(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if inst, ok := m.loaded[cfg.Name]; ok && inst.cfg != cfg {
		return fmt.Errorf("%w: %q", ErrAlreadyLoaded, cfg.Name)
	}
	m.configs[cfg.Name] = cfg
	return nil
}

// RegisterSource sets the ItemSource used to reseed name.
func (m *Manager) RegisterSource(name string, src ItemSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[name] = src
}

// Open registers cfg and returns its handle.
func (m *Manager) Open(ctx context.Context, cfg Config) (Handle, error) {
	if err := m.Register(cfg); err != nil {
		return nil, err
	}
	return m.Get(ctx, cfg.Name)
}

// Get returns the filter registered under name, loading it from storage on
// first access. If the load fails and AutoReseed is off, the error is returned
// and the next Get retries.
func (m *Manager) Get(ctx context.Context, name string) (Handle, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	if inst, ok := m.loaded[name]; ok {
		m.mu.RUnlock()
		return inst.handle, nil
	}
	cfg, ok := m.configs[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFilter, name)
	}

	v, err, _ := m.loads.Do(name, func() (any, error) {
		m.mu.RLock()
		inst, ok := m.loaded[name]
		m.mu.RUnlock()
		if ok {
			return inst, nil
		}
		return m.hydrate(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	return v.(*instance).handle, nil
}

// hydrate loads every shard of cfg, registers the result and starts a reseed
// for any shard whose persisted data had to be discarded.
func (m *Manager) hydrate(ctx context.Context, cfg Config) (*instance, error) {
	cfgs := cfg.ShardConfigs()
	guards := make([]*Guard, len(cfgs))
	causes := make([]error, len(cfgs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.saveConcurrency)
	for i, scfg := range cfgs {
		g.Go(func() error {
			f, _, err := m.load(gctx, scfg)
			if err != nil {
				if !cfg.AutoReseed || !IsRecoverable(err) {
					return fmt.Errorf("gloomstore: load %q: %w", scfg.Name, err)
				}
				m.log.LogRecovery(gctx, scfg.Name, err)
				f = newFilter(scfg, m.opts.pool)
				// Dirty, so the next save replaces the discarded data. While a
				// source reseeds the filter, the guard is flagged and not saved.
				f.markDirty()
				causes[i] = err
			}
			guards[i] = NewGuard(scfg.Name, f)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		releaseGuards(guards)
		return nil, err
	}

	inst := &instance{cfg: cfg, guards: guards}
	if len(guards) == 1 {
		inst.handle = guards[0]
	} else {
		inst.handle = NewShardRouter(cfg.Name, guards)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		releaseGuards(guards)
		return nil, ErrClosed
	}
	if cur, ok := m.configs[cfg.Name]; !ok || cur != cfg {
		// Re-registered while loading; the result no longer matches.
		m.mu.Unlock()
		releaseGuards(guards)
		return nil, fmt.Errorf("gloomstore: %q was re-registered during load", cfg.Name)
	}
	m.loaded[cfg.Name] = inst
	src := m.sources[cfg.Name]
	if slices.ContainsFunc(causes, func(err error) bool { return err != nil }) {
		m.startReseed(inst, src, causes)
	}
	m.mu.Unlock()

	return inst, nil
}

func releaseGuards(guards []*Guard) {
	for _, g := range guards {
		if g != nil {
			g.f.Release()
		}
	}
}

// load reads one filter (or shard) from storage. Absent data yields an empty
// filter and found == false.
func (m *Manager) load(ctx context.Context, cfg Config) (f *Filter, found bool, err error) {
	start := time.Now()
	defer func() {
		d := time.Since(start)
		m.opts.metrics.RecordLoad(cfg.Name, found, d, err)
		m.log.LogLoad(ctx, cfg.Name, found, d, err)
	}()

	rc, err := m.storage.Load(ctx, cfg.Name)
	if errors.Is(err, ErrNotFound) {
		return newFilter(cfg, m.opts.pool), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer rc.Close()

	f, err = ReadFilter(rc, cfg, m.opts.pool)
	if err != nil {
		return nil, true, err
	}
	return f, true, nil
}

// startReseed repopulates the shards with a non-nil cause from src in the
// background, then saves the filter. Must be called with m.mu held.
func (m *Manager) startReseed(inst *instance, src ItemSource, causes []error) {
	name := inst.cfg.Name
	cause := errors.Join(causes...)
	if src == nil {
		m.log.WithFilter(name).WarnContext(m.bg, "no item source registered, filter stays empty until items are added",
			"kind", ErrorKind(cause),
		)
		return
	}

	// Until the reseed completes, the discarded object stays in storage so a
	// restart reseeds again instead of loading a partial filter.
	var seeding []*Guard
	for i, err := range causes {
		if err != nil {
			inst.guards[i].seeding.Store(true)
			seeding = append(seeding, inst.guards[i])
		}
	}

	add := inst.handle.Add
	if r, ok := inst.handle.(*ShardRouter); ok {
		add = func(data []byte) {
			i := r.ShardIndex(data)
			if causes[i] != nil {
				r.Shard(i).Add(data)
			}
		}
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		var items uint64
		err := m.seeds.Acquire(m.bg, 1)
		if err == nil {
			items, err = m.seeder.fill(m.bg, name, add, src(m.bg))
			m.seeds.Release(1)
		}
		if err == nil {
			for _, g := range seeding {
				g.seeding.Store(false)
			}
			err = m.saveInstance(m.bg, inst, false)
		}

		m.opts.metrics.RecordReseed(name, cause, items, err)
		if err != nil {
			m.opts.onBackgroundError(name, fmt.Errorf("gloomstore: reseed %q: %w", name, err))
		}
	}()
}

// Save persists every shard of name. A name that is registered but not yet
// loaded has nothing to save.
func (m *Manager) Save(ctx context.Context, name string) error {
	inst, err := m.instance(name)
	if err != nil || inst == nil {
		return err
	}
	return m.saveInstance(ctx, inst, false)
}

// SaveAllDirty saves every loaded filter or shard with unsaved mutations. All
// saves are attempted; the first failure is returned and every failure is
// passed to the background error handler.
func (m *Manager) SaveAllDirty(ctx context.Context) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	insts := make([]*instance, 0, len(m.loaded))
	for _, inst := range m.loaded {
		insts = append(insts, inst)
	}
	m.mu.RUnlock()

	return m.saveDirty(ctx, insts)
}

func (m *Manager) saveDirty(ctx context.Context, insts []*instance) error {
	var g errgroup.Group
	g.SetLimit(m.opts.saveConcurrency)
	for _, inst := range insts {
		for _, gd := range inst.guards {
			if !gd.Dirty() || gd.Seeding() {
				continue
			}
			g.Go(func() error {
				err := m.saveGuard(ctx, inst.cfg, gd)
				if err != nil {
					m.opts.onBackgroundError(gd.Name(), err)
				}
				return err
			})
		}
	}
	return g.Wait()
}

// saveInstance saves the shards of inst; with onlyDirty, clean shards are
// skipped.
func (m *Manager) saveInstance(ctx context.Context, inst *instance, onlyDirty bool) error {
	if len(inst.guards) == 1 {
		if onlyDirty && !inst.guards[0].Dirty() {
			return nil
		}
		return m.saveGuard(ctx, inst.cfg, inst.guards[0])
	}

	var g errgroup.Group
	g.SetLimit(m.opts.saveConcurrency)
	errs := make([]error, len(inst.guards))
	for i, gd := range inst.guards {
		if onlyDirty && !gd.Dirty() {
			continue
		}
		g.Go(func() error {
			errs[i] = m.saveGuard(ctx, inst.cfg, gd)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// saveGuard snapshots g and streams the encoding into storage. No lock is held
// while encoding or during I/O. Dirtiness is cleared only after storage
// accepted the data. A guard that is still being reseeded is skipped.
func (m *Manager) saveGuard(ctx context.Context, cfg Config, g *Guard) (err error) {
	if g.Seeding() {
		m.log.WithFilter(g.Name()).DebugContext(ctx, "skipping save while reseeding")
		return nil
	}
	start := time.Now()
	snap := g.Snapshot()
	defer snap.Release()

	var written int64
	defer func() {
		m.opts.metrics.RecordSave(snap.Name, written, time.Since(start), err)
		m.log.LogSave(ctx, snap.Name, snap.Generation, written, err)
		if err != nil && cfg.IgnoreStorageErrors {
			m.log.WithFilter(snap.Name).WarnContext(ctx, "ignoring storage error, filter stays dirty",
				"error", err,
			)
			err = nil
		}
	}()

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		n, werr := snap.WriteTo(pw)
		written = n
		pw.CloseWithError(werr)
		done <- werr
	}()

	err = m.storage.Save(ctx, snap.Name, pr)
	// Unblocks the encoder if storage returned without draining the pipe.
	pr.Close()
	encErr := <-done
	if err == nil && encErr != nil {
		err = encErr
	}
	if err != nil {
		return fmt.Errorf("gloomstore: save %q: %w", snap.Name, err)
	}

	g.MarkSaved(snap)
	return nil
}

// Reload re-reads name from storage and swaps the result in. Shards with no
// persisted data keep their current generation. If any shard fails to load or
// validate, nothing is swapped and the error is returned. Unsaved mutations of
// swapped shards are discarded. A name that is not loaded yet is loaded.
func (m *Manager) Reload(ctx context.Context, name string) error {
	inst, err := m.instance(name)
	if err != nil {
		return err
	}
	if inst == nil {
		_, err := m.Get(ctx, name)
		return err
	}

	start := time.Now()
	fresh := make([]*Filter, len(inst.guards))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.saveConcurrency)
	for i, gd := range inst.guards {
		g.Go(func() error {
			f, found, err := m.load(gctx, gd.Config())
			if err != nil {
				return fmt.Errorf("gloomstore: reload %q: %w", gd.Name(), err)
			}
			if found {
				fresh[i] = f
			} else {
				f.Release()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, f := range fresh {
			if f != nil {
				f.Release()
			}
		}
		m.opts.metrics.RecordReload(name, time.Since(start), err)
		m.log.LogReload(ctx, name, 0, err)
		return err
	}

	for i, f := range fresh {
		if f == nil {
			continue
		}
		gen := inst.guards[i].Swap(f)
		m.log.LogReload(ctx, inst.guards[i].Name(), gen, nil)
	}
	m.opts.metrics.RecordReload(name, time.Since(start), nil)
	return nil
}

// instance returns the loaded instance for name, nil if it is registered but
// not loaded.
func (m *Manager) instance(name string) (*instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	if inst, ok := m.loaded[name]; ok {
		return inst, nil
	}
	if _, ok := m.configs[name]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFilter, name)
	}
	return nil, nil
}

// Names returns the registered filter names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.configs))
	for name := range m.configs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Stats describes one registered filter.
type Stats struct {
	Name        string
	Loaded      bool
	Shards      int
	Generations []uint64
	Dirty       bool
	Seeding     bool
	SizeInBytes uint64

	// FillRatio is the proportion of set bits across all shards.
	FillRatio float64
	// EstimatedFalsePositiveRate is derived from the fill ratio of each shard.
	EstimatedFalsePositiveRate float64
}

// Stats reports on name without loading it.
func (m *Manager) Stats(name string) (Stats, error) {
	m.mu.RLock()
	cfg, ok := m.configs[name]
	inst := m.loaded[name]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return Stats{}, ErrClosed
	}
	if !ok {
		return Stats{}, fmt.Errorf("%w: %q", ErrUnknownFilter, name)
	}

	st := Stats{Name: name, Shards: cfg.ShardCount()}
	if inst == nil {
		for _, sc := range cfg.ShardConfigs() {
			st.SizeInBytes += sc.SizeInBytes()
		}
		return st, nil
	}

	st.Loaded = true
	var ones, bits uint64
	var fp float64
	for _, g := range inst.guards {
		st.Generations = append(st.Generations, g.Generation())
		st.Dirty = st.Dirty || g.Dirty()
		st.Seeding = st.Seeding || g.Seeding()
		g.view(func(f *Filter) {
			st.SizeInBytes += uint64(f.bits.Words()) * 8
			ones += f.bits.OnesCount()
			bits += f.Cap()
			fp += f.EstimatedFalsePositiveRate()
		})
	}
	if bits > 0 {
		st.FillRatio = float64(ones) / float64(bits)
	}
	st.EstimatedFalsePositiveRate = fp / float64(len(inst.guards))
	return st, nil
}

// Close stops background reseeds, waits for them, and saves every dirty
// filter. Every later call returns ErrClosed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.closed = true
	insts := make([]*instance, 0, len(m.loaded))
	for _, inst := range m.loaded {
		insts = append(insts, inst)
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	err := m.saveDirty(ctx, insts)
	m.log.InfoContext(ctx, "manager closed", "filters", len(insts))
	return err
}
