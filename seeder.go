package gloomstore

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"iter"
	"time"

	"golang.org/x/time/rate"
)

// ItemSource yields the items a filter should contain. Each call starts a
// fresh pass, so a source can be used for any number of reseeds.
type ItemSource func(ctx context.Context) iter.Seq2[[]byte, error]

// Seeder bulk-loads filters from item sequences.
type Seeder struct {
	m        *Manager
	every    int
	interval time.Duration
}

// Seed adds every item of items to name and saves it. It returns the number of
// items added. If items yields an error or ctx is cancelled, Seed stops and
// leaves the filter partially seeded, dirty and unsaved.
func (s *Seeder) Seed(ctx context.Context, name string, items iter.Seq2[[]byte, error]) (uint64, error) {
	h, err := s.m.Get(ctx, name)
	if err != nil {
		return 0, err
	}
	n, err := s.fill(ctx, name, h.Add, items)
	if err != nil {
		return n, err
	}
	return n, s.m.Save(ctx, name)
}

// SeedFrom runs Seed over a fresh pass of src.
func (s *Seeder) SeedFrom(ctx context.Context, name string, src ItemSource) (uint64, error) {
	return s.Seed(ctx, name, src(ctx))
}

func (s *Seeder) fill(ctx context.Context, name string, add func([]byte), items iter.Seq2[[]byte, error]) (n uint64, err error) {
	start := time.Now()
	log := s.m.log
	defer func() {
		log.LogSeedDone(ctx, name, n, time.Since(start), err)
	}()

	progress := rate.Sometimes{Every: s.every, Interval: s.interval}
	report := s.every > 0 || s.interval > 0

	for item, ierr := range items {
		if ierr != nil {
			return n, fmt.Errorf("gloomstore: seed %q after %d items: %w", name, n, ierr)
		}
		// Checked per item so a source that ignores ctx still stops promptly.
		if err := ctx.Err(); err != nil {
			return n, err
		}
		add(item)
		n++
		if report {
			progress.Do(func() { log.LogSeedProgress(ctx, name, n) })
		}
	}
	return n, nil
}

// Project adapts a sequence of values into an item sequence using project to
// obtain the bytes to insert.
func Project[T any](seq iter.Seq2[T, error], project func(T) []byte) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for v, err := range seq {
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(project(v), nil) {
				return
			}
		}
	}
}

// Values adapts an infallible sequence into an item sequence.
func Values[T any](seq iter.Seq[T], project func(T) []byte) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for v := range seq {
			if !yield(project(v), nil) {
				return
			}
		}
	}
}

// Lines yields each newline-delimited line of r as an item, without the line
// terminator. Empty lines are skipped. The yielded slice is only valid until
// the next iteration.
func Lines(r io.Reader) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}
			if !yield(line, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(nil, err)
		}
	}
}
