package pathmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTranscript(t *testing.T, dir, name, cwd string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	line := `{"type":"user","cwd":"` + cwd + `","uuid":"u1","timestamp":"2025-01-01T00:00:00Z"}` + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(line), 0o644))
}

func TestEncode_ASCIIRoundTrips(t *testing.T) {
	assert.Equal(t, "-home-user-myproject", Encode("/home/user/myproject"))
}

func TestPreload_LearnsFromCwdLine(t *testing.T) {
	root := t.TempDir()
	writeTranscript(t, filepath.Join(root, "-home-user-proj"), "abc.jsonl", "/home/user/proj")

	m := New(root)
	require.NoError(t, m.Preload())

	encoded, err := m.Resolve("/home/user/proj")
	require.NoError(t, err)
	assert.Equal(t, "-home-user-proj", encoded)
}

func TestPreload_SkipsDirWithoutCwdLine(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "-home-user-empty"), 0o755))

	m := New(root)
	require.NoError(t, m.Preload())

	_, err := m.Resolve("/home/user/empty")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_MissTriggersRefresh(t *testing.T) {
	root := t.TempDir()
	writeTranscript(t, filepath.Join(root, "-home-user-proj"), "abc.jsonl", "/home/user/proj")

	m := New(root) // no Preload

	encoded, err := m.Resolve("/home/user/proj")
	require.NoError(t, err)
	assert.Equal(t, "-home-user-proj", encoded)
}

func TestResolve_EvictsVanishedDirectory(t *testing.T) {
	root := t.TempDir()
	dirPath := filepath.Join(root, "-home-user-proj")
	writeTranscript(t, dirPath, "abc.jsonl", "/home/user/proj")

	m := New(root)
	require.NoError(t, m.Preload())

	require.NoError(t, os.RemoveAll(dirPath))

	_, err := m.Resolve("/home/user/proj")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnsureDir_SynthesizesAndCreates(t *testing.T) {
	root := t.TempDir()
	m := New(root)

	encoded, err := m.EnsureDir("/home/user/newproj")
	require.NoError(t, err)
	assert.Equal(t, "-home-user-newproj", encoded)

	info, err := os.Stat(filepath.Join(root, encoded))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Resolving again should hit the cache without needing a cwd line.
	again, err := m.Resolve("/home/user/newproj")
	require.NoError(t, err)
	assert.Equal(t, encoded, again)
}

func TestResolve_FreshBasenameFallback(t *testing.T) {
	root := t.TempDir()
	dirPath := filepath.Join(root, "-home-user-fresh")
	require.NoError(t, os.MkdirAll(dirPath, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dirPath, "partial.jsonl"), []byte(""), 0o644))

	m := New(root)
	encoded, err := m.Resolve("/home/user/fresh")
	require.NoError(t, err)
	assert.Equal(t, "-home-user-fresh", encoded)
}

func TestLearn_OverridesCache(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "-weird-unicode-encoded"), 0o755))

	m := New(root)
	m.Learn("/weird/ünïcode/path", "-weird-unicode-encoded")

	encoded, err := m.Resolve("/weird/ünïcode/path")
	require.NoError(t, err)
	assert.Equal(t, "-weird-unicode-encoded", encoded)
}
