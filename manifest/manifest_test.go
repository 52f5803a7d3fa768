package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestBuild(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"game.exe":            "binary",
		"data/level1.pak":     "level one",
		"data/sub/level2.pak": "level two",
		"symbols/game.pdb":    "debug",
		"logs/run.log":        "noise",
	})
	require.NoError(t, os.Symlink("game.exe", filepath.Join(root, "link")))

	m, err := Build(context.Background(), root, []string{"*.pdb", "logs/**"})
	require.NoError(t, err)

	assert.Equal(t, []string{"data/level1.pak", "data/sub/level2.pak", "game.exe"}, m.Paths())
	assert.Equal(t, int64(len("binary")), m["game.exe"].Size)
	assert.Len(t, m["game.exe"].Fingerprint, 64)
	assert.Equal(t, int64(6+9+9), m.TotalSize())
}

func TestBuildIsDeterministic(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	files := map[string]string{"x/y.txt": "same", "z.bin": "content"}
	writeTree(t, a, files)
	writeTree(t, b, files)

	ma, err := Build(context.Background(), a, nil)
	require.NoError(t, err)
	mb, err := Build(context.Background(), b, nil)
	require.NoError(t, err)
	assert.Equal(t, ma, mb)
}

func TestBuildErrors(t *testing.T) {
	_, err := Build(context.Background(), filepath.Join(t.TempDir(), "missing"), nil)
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = Build(context.Background(), file, nil)
	require.Error(t, err)

	_, err = Build(context.Background(), t.TempDir(), []string{"[unclosed"})
	require.Error(t, err)
}

func TestBuildRejectsMalformedExclude(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"secret.pdb": "debug"})

	m, err := Build(context.Background(), root, []string{"*.log", "[unclosed"})
	require.ErrorIs(t, err, doublestar.ErrBadPattern)
	assert.Contains(t, err.Error(), "[unclosed")
	assert.Nil(t, m)

	require.NoError(t, ValidateExcludes([]string{"*.pdb", "logs/**", "{a,b}/*.bin"}))
	require.Error(t, ValidateExcludes([]string{"{a,b"}))
}

func TestBuildCancelled(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.bin": "a", "b/c.bin": "c"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Build(ctx, root, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDiff(t *testing.T) {
	prev := Manifest{
		"keep":   {Path: "keep", Size: 1, Mode: 0o644, Fingerprint: "aa"},
		"modify": {Path: "modify", Size: 1, Mode: 0o644, Fingerprint: "bb"},
		"chmod":  {Path: "chmod", Size: 1, Mode: 0o644, Fingerprint: "cc"},
		"gone":   {Path: "gone", Size: 1, Mode: 0o644, Fingerprint: "dd"},
	}
	next := Manifest{
		"keep":   {Path: "keep", Size: 1, Mode: 0o644, Fingerprint: "aa"},
		"modify": {Path: "modify", Size: 1, Mode: 0o644, Fingerprint: "b2"},
		"chmod":  {Path: "chmod", Size: 1, Mode: 0o755, Fingerprint: "cc"},
		"new":    {Path: "new", Size: 3, Mode: 0o644, Fingerprint: "ee"},
	}

	changed, removed := Diff(prev, next)
	assert.Equal(t, []string{"chmod", "modify", "new"}, changed)
	assert.Equal(t, []string{"gone"}, removed)

	changed, removed = Diff(next, next)
	assert.Empty(t, changed)
	assert.Empty(t, removed)

	changed, removed = Diff(nil, next)
	assert.Len(t, changed, 4)
	assert.Empty(t, removed)
}

func TestExcluded(t *testing.T) {
	patterns := []string{"*.pdb", "build/cache/**"}
	assert.True(t, Excluded("a.pdb", patterns))
	assert.True(t, Excluded("deep/dir/a.pdb", patterns))
	assert.True(t, Excluded("build/cache/x/y", patterns))
	assert.False(t, Excluded("build/out/x", patterns))
	assert.False(t, Excluded("a.exe", patterns))
}
