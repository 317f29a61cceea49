package gloomstore

import (
	"sync/atomic"
	"time"
)

// MetricsCollector receives lifecycle events from a Manager.
// Implement this interface to integrate with monitoring systems; the
// metrics/promcollector package provides a Prometheus implementation.
type MetricsCollector interface {
	// RecordLoad is called after each hydration from storage. found reports
	// whether persisted data existed.
	RecordLoad(name string, found bool, duration time.Duration, err error)

	// RecordSave is called after each save of one filter or shard.
	RecordSave(name string, bytes int64, duration time.Duration, err error)

	// RecordReload is called after each reload of one filter or shard.
	RecordReload(name string, duration time.Duration, err error)

	// RecordReseed is called when a reseed finishes. cause is the load error
	// that triggered it, err the seeding outcome.
	RecordReseed(name string, cause error, items uint64, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordLoad(string, bool, time.Duration, error) {}
func (NoopMetricsCollector) RecordSave(string, int64, time.Duration, error) {}
func (NoopMetricsCollector) RecordReload(string, time.Duration, error) {}
func (NoopMetricsCollector) RecordReseed(string, error, uint64, error) {}

// BasicMetricsCollector keeps process-local counters.
// Useful for tests and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	Loads         atomic.Int64
	LoadMisses    atomic.Int64
	LoadErrors    atomic.Int64
	Saves         atomic.Int64
	SaveErrors    atomic.Int64
	BytesSaved    atomic.Int64
	Reloads       atomic.Int64
	ReloadErrors  atomic.Int64
	Reseeds       atomic.Int64
	ReseedErrors  atomic.Int64
	ReseededItems atomic.Int64
}

// RecordLoad implements MetricsCollector.
func (b *BasicMetricsCollector) RecordLoad(_ string, found bool, _ time.Duration, err error) {
	b.Loads.Add(1)
	if err != nil {
		b.LoadErrors.Add(1)
	} else if !found {
		b.LoadMisses.Add(1)
	}
}

// RecordSave implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSave(_ string, bytes int64, _ time.Duration, err error) {
	b.Saves.Add(1)
	if err != nil {
		b.SaveErrors.Add(1)
		return
	}
	b.BytesSaved.Add(bytes)
}

// RecordReload implements MetricsCollector.
func (b *BasicMetricsCollector) RecordReload(_ string, _ time.Duration, err error) {
	b.Reloads.Add(1)
	if err != nil {
		b.ReloadErrors.Add(1)
	}
}

// RecordReseed implements MetricsCollector.
func (b *BasicMetricsCollector) RecordReseed(_ string, _ error, items uint64, err error) {
	b.Reseeds.Add(1)
	b.ReseededItems.Add(int64(items))
	if err != nil {
		b.ReseedErrors.Add(1)
	}
}
