// Package compress wraps a gloomstore.Storage with transparent stream
// compression.
//
// Saves are compressed with the configured algorithm. Loads detect the
// algorithm from the stream's magic number, so data written uncompressed or
// with another algorithm stays readable after the setting changes. The
// persisted filter format inside the compressed stream is unchanged.
//
// Sparse filters compress well; filters near capacity are close to random and
// barely shrink, so LZ4 is usually the better trade-off for hot filters and
// zstd for large, rarely loaded ones.
package compress

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jcalabro/gloomstore"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm selects the compression used for saves.
type Algorithm uint8

const (
	// None stores data uncompressed.
	None Algorithm = iota
	// LZ4 uses the LZ4 frame format (fast, moderate ratio).
	LZ4
	// Zstd uses the zstd frame format (better ratio).
	Zstd
)

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// ParseAlgorithm parses "none", "lz4" or "zstd".
func ParseAlgorithm(s string) (Algorithm, error) {
	switch s {
	case "", "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	}
	return None, fmt.Errorf("compress: unknown algorithm %q", s)
}

func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	}
	return fmt.Sprintf("Algorithm(%d)", a)
}

// Store compresses data on its way to an inner Storage.
type Store struct {
	inner gloomstore.Storage
	alg   Algorithm
	level zstd.EncoderLevel
}

// Option configures a Store.
type Option func(*Store)

// WithZstdLevel sets the zstd encoder level (1-22, zstd command line scale).
func WithZstdLevel(level int) Option {
	return func(s *Store) { s.level = zstd.EncoderLevelFromZstd(level) }
}

// New wraps inner, compressing saves with alg.
func New(inner gloomstore.Storage, alg Algorithm, opts ...Option) *Store {
	s := &Store{inner: inner, alg: alg, level: zstd.SpeedDefault}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save compresses r and stores the result under name. Compression runs
// concurrently with the inner save through a pipe.
func (s *Store) Save(ctx context.Context, name string, r io.Reader) error {
	if s.alg == None {
		return s.inner.Save(ctx, name, r)
	}

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		err := s.compress(pw, r)
		pw.CloseWithError(err)
		done <- err
	}()

	err := s.inner.Save(ctx, name, pr)
	pr.Close()
	// ErrClosedPipe only means the inner save stopped reading after failing
	// itself; on inner success it means the object was cut short.
	if cerr := <-done; err == nil && cerr != nil {
		err = cerr
	}
	return err
}

func (s *Store) compress(w io.Writer, r io.Reader) error {
	switch s.alg {
	case Zstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(s.level))
		if err != nil {
			return err
		}
		if _, err := io.Copy(enc, r); err != nil {
			enc.Close()
			return err
		}
		return enc.Close()
	case LZ4:
		zw := lz4.NewWriter(w)
		if _, err := io.Copy(zw, r); err != nil {
			zw.Close()
			return err
		}
		return zw.Close()
	}
	return fmt.Errorf("compress: unsupported algorithm %v", s.alg)
}

// Load opens name and decompresses it according to its magic number.
func (s *Store) Load(ctx context.Context, name string) (io.ReadCloser, error) {
	rc, err := s.inner.Load(ctx, name)
	if err != nil {
		return nil, err
	}

	br := bufio.NewReader(rc)
	magic, err := br.Peek(4)
	if err != nil && !errors.Is(err, io.EOF) {
		rc.Close()
		return nil, err
	}

	switch {
	case bytes.Equal(magic, zstdMagic):
		dec, err := zstd.NewReader(br, zstd.WithDecoderConcurrency(1))
		if err != nil {
			rc.Close()
			return nil, err
		}
		return &readCloser{Reader: dec, close: func() error {
			dec.Close()
			return rc.Close()
		}}, nil
	case bytes.Equal(magic, lz4Magic):
		return &readCloser{Reader: lz4.NewReader(br), close: rc.Close}, nil
	default:
		// Uncompressed, or not ours; the codec reports unknown formats.
		return &readCloser{Reader: br, close: rc.Close}, nil
	}
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r *readCloser) Close() error {
	return r.close()
}
