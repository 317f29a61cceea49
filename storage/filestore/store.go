// Package filestore persists filters as files in a local directory.
//
// Saves are atomic: data is written to a temporary file in the same
// directory, flushed to disk, and renamed over the previous file, so a crash
// leaves either the old or the new filter, never a torn one.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jcalabro/gloomstore"
)

const ext = ".glmb"

// Store implements gloomstore.Storage on a local directory.
type Store struct {
	root string
	sync bool
}

// Option configures a Store.
type Option func(*Store)

// WithoutSync skips flushing files and the directory to disk on save. Saves
// remain atomic against concurrent readers but not against power loss.
func WithoutSync() Option {
	return func(s *Store) { s.sync = false }
}

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &Store{root: dir, sync: true}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the store directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("filestore: invalid name %q", name)
	}
	return filepath.Join(s.root, name+ext), nil
}

// Save atomically replaces the file for name with the contents of r.
func (s *Store) Save(ctx context.Context, name string, r io.Reader) (err error) {
	path, err := s.path(name)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.root, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, contextReader{ctx, r}); err != nil {
		return err
	}
	if s.sync {
		if err = syncData(tmp); err != nil {
			return err
		}
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	if s.sync {
		return syncDir(s.root)
	}
	return nil
}

// Load opens the file for name.
func (s *Store) Load(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("filestore: %q: %w", name, gloomstore.ErrNotFound)
		}
		return nil, err
	}
	adviseSequential(f)
	return f, nil
}

// Delete removes the file for name. Deleting a missing name is not an error.
func (s *Store) Delete(_ context.Context, name string) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List returns the stored names with the given prefix, sorted.
func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		name, ok := strings.CutSuffix(e.Name(), ext)
		if ok && strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
