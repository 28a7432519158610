package preview

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	return NewManager(dir, slog.New(slog.NewTextHandler(io.Discard, nil))), dir
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func previews(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "preview-*"))
	require.NoError(t, err)
	return matches
}

func TestSelectCopiesSource(t *testing.T) {
	m, dir := newManager(t)
	src := writeFile(t, "cat.PNG", "pixels")

	h, err := m.Select(src)
	require.NoError(t, err)
	require.Equal(t, src, h.Source)
	require.Equal(t, ".png", filepath.Ext(h.Path))

	data, err := os.ReadFile(h.Path)
	require.NoError(t, err)
	require.Equal(t, "pixels", string(data))
	require.Equal(t, 1, m.Live())
	require.Len(t, previews(t, dir), 1)
}

func TestSequentialSelectionsDoNotLeak(t *testing.T) {
	m, dir := newManager(t)

	var last *Handle
	for i := 0; i < 10; i++ {
		src := writeFile(t, fmt.Sprintf("img%d.jpg", i), fmt.Sprintf("body %d", i))
		h, err := m.Select(src)
		require.NoError(t, err)
		if last != nil {
			_, err := os.Stat(last.Path)
			require.True(t, os.IsNotExist(err), "previous preview must be removed before a new one exists")
		}
		last = h
		require.Equal(t, 1, m.Live())
	}
	require.Len(t, previews(t, dir), 1)
	require.Same(t, last, m.Current())
}

func TestFailedSelectReleasesPrevious(t *testing.T) {
	m, dir := newManager(t)
	_, err := m.Select(writeFile(t, "a.png", "a"))
	require.NoError(t, err)

	_, err = m.Select(filepath.Join(t.TempDir(), "missing.png"))
	require.Error(t, err)
	require.Equal(t, 0, m.Live())
	require.Nil(t, m.Current())
	require.Empty(t, previews(t, dir))
}

func TestReleaseOnlyCurrent(t *testing.T) {
	m, _ := newManager(t)
	first, err := m.Select(writeFile(t, "a.csv", "x,y"))
	require.NoError(t, err)
	second, err := m.Select(writeFile(t, "b.csv", "x,y"))
	require.NoError(t, err)

	m.Release(first)
	require.Same(t, second, m.Current())
	require.Equal(t, 1, m.Live())

	m.Release(second)
	require.Nil(t, m.Current())
	require.Equal(t, 0, m.Live())
}

func TestCloseReleases(t *testing.T) {
	m, dir := newManager(t)
	_, err := m.Select(writeFile(t, "a.png", "a"))
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.Equal(t, 0, m.Live())
	require.Empty(t, previews(t, dir))

	m.Clear()
	require.Equal(t, 0, m.Live())
}
