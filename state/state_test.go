package state

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestSnapshot_MissingDirCreatedEmpty(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "new-project")
	r := NewReader(dir)

	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, snap.Paths)

	_, statErr := os.Stat(dir)
	assert.NoError(t, statErr)
}

func TestSnapshot_SkipsDirsAndDotfiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/main.go", "package main")
	writeFile(t, root, "node_modules/pkg/index.js", "module.exports = {}")
	writeFile(t, root, ".git/HEAD", "ref: refs/heads/main")
	writeFile(t, root, ".env", "SECRET=1")
	writeFile(t, root, "README.md", "# hi")

	snap, err := NewReader(root).Snapshot()
	require.NoError(t, err)

	assert.Contains(t, snap.Paths, "README.md")
	assert.Contains(t, snap.Paths, "src/main.go")
	for _, p := range snap.Paths {
		assert.NotContains(t, p, "node_modules")
		assert.NotContains(t, p, ".git")
		assert.NotEqual(t, ".env", p)
	}
}

func TestSnapshot_SortedAndTruncated(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 520; i++ {
		writeFile(t, root, "files/f"+strconv.Itoa(i)+".txt", "x")
	}

	snap, err := NewReader(root).Snapshot()
	require.NoError(t, err)

	assert.True(t, snap.Truncated)
	require.Len(t, snap.Paths, MaxEntries+1)
	assert.Equal(t, TruncationSentinel, snap.Paths[len(snap.Paths)-1])
	assert.True(t, sortedAscending(snap.Paths[:len(snap.Paths)-1]))
}

func sortedAscending(ss []string) bool {
	for i := 1; i < len(ss); i++ {
		if ss[i-1] > ss[i] {
			return false
		}
	}
	return true
}

func TestReadContents_TruncatesAndReplacesInvalidUTF8(t *testing.T) {
	root := t.TempDir()
	long := make([]byte, 40)
	for i := range long {
		long[i] = 'a'
	}
	writeFile(t, root, "big.txt", string(long))
	writeFile(t, root, "bad.txt", "")
	require.NoError(t, os.WriteFile(filepath.Join(root, "bad.txt"), []byte{0xff, 0xfe, 'h', 'i'}, 0o644))

	r := NewReader(root)
	out := r.ReadContents([]string{"big.txt", "bad.txt"}, 10)

	assert.Contains(t, out["big.txt"], "... (truncated)")
	assert.True(t, len(out["big.txt"]) > 10)
	assert.Contains(t, out["bad.txt"], "hi")
}

func TestReadContents_BinaryPlaceholder(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "logo.png", "not-really-a-png-but-5-bytes")

	out := NewReader(root).ReadContents([]string{"logo.png"}, 0)
	assert.Regexp(t, `^\(binary file, \d+ bytes\)$`, out["logo.png"])
}

func TestReadContents_MissingFileSkipped(t *testing.T) {
	root := t.TempDir()
	out := NewReader(root).ReadContents([]string{"nope.txt"}, 0)
	_, ok := out["nope.txt"]
	assert.False(t, ok)
}

func TestReadContents_RefusesUnsafePaths(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "secret.txt", "top secret")

	out := NewReader(root).ReadContents([]string{"/etc/passwd", "../secret.txt"}, 0)
	assert.Empty(t, out)
}
