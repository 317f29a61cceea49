package filestore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jcalabro/gloomstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ gloomstore.Storage = (*Store)(nil)

func TestStoreSaveLoad(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, "users", strings.NewReader("hello")))

	rc, err := s.Load(ctx, "users")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "hello", string(data))

	// Replacing keeps only the new contents.
	require.NoError(t, s.Save(ctx, "users", strings.NewReader("hi")))
	rc, err = s.Load(ctx, "users")
	require.NoError(t, err)
	data, _ = io.ReadAll(rc)
	_ = rc.Close()
	assert.Equal(t, "hi", string(data))
}

func TestStoreLoadMissing(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, gloomstore.ErrNotFound)
}

type failingReader struct{ n int }

func (r *failingReader) Read(p []byte) (int, error) {
	if r.n == 0 {
		return 0, errors.New("stream broke")
	}
	r.n--
	p[0] = 'x'
	return 1, nil
}

func TestStoreFailedSaveKeepsPrevious(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, "f", strings.NewReader("good")))
	err = s.Save(ctx, "f", &failingReader{n: 3})
	require.ErrorContains(t, err, "stream broke")

	rc, err := s.Load(ctx, "f")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	assert.Equal(t, "good", string(data))

	// No temporary files are left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStoreSaveCancelled(t *testing.T) {
	s, err := New(t.TempDir(), WithoutSync())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Save(ctx, "f", strings.NewReader("data"))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = s.Load(context.Background(), "f")
	assert.ErrorIs(t, err, gloomstore.ErrNotFound)
}

func TestStoreListDelete(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"big_s1", "big_s0", "small"} {
		require.NoError(t, s.Save(ctx, name, bytes.NewReader([]byte(name))))
	}
	// Unrelated files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "notes.txt"), nil, 0o644))

	names, err := s.List(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, []string{"big_s0", "big_s1"}, names)

	require.NoError(t, s.Delete(ctx, "big_s0"))
	require.NoError(t, s.Delete(ctx, "big_s0"))
	names, err = s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"big_s1", "small"}, names)
}

func TestStoreInvalidName(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"", "..", "a/b", `a\b`} {
		assert.Error(t, s.Save(context.Background(), name, strings.NewReader("x")), name)
	}
}

func TestStoreWithManager(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := gloomstore.DefaultConfig("emails", 10000, 0.01)

	s, err := New(dir)
	require.NoError(t, err)
	m := gloomstore.NewManager(s)
	h, err := m.Open(ctx, cfg)
	require.NoError(t, err)
	h.AddString("a@example.com")
	require.NoError(t, m.Close(ctx))

	s2, err := New(dir)
	require.NoError(t, err)
	m2 := gloomstore.NewManager(s2)
	defer m2.Close(ctx)
	h2, err := m2.Open(ctx, cfg)
	require.NoError(t, err)
	assert.True(t, h2.ContainsString("a@example.com"))
}
