package volumes

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscover_SortedDirectoriesOnly(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	require.NoError(t, os.Mkdir(filepath.Join(root, "disk2"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "disk1"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, ".hidden"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0o644))

	vols, warnings := Discover(root)

	require.Empty(t, warnings)
	require.Len(t, vols, 2)
	assert.Equal(t, "disk1", vols[0].Name)
	assert.Equal(t, filepath.Join(root, "disk1"), vols[0].Path)
	assert.Equal(t, "disk2", vols[1].Name)
}

func TestDiscover_MissingRootWarns(t *testing.T) {
	t.Parallel()

	vols, warnings := Discover(filepath.Join(t.TempDir(), "nope"))

	assert.Empty(t, vols)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "does not exist")
}

func TestDiscover_SymlinkedVolume(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	target := t.TempDir()

	require.NoError(t, os.Symlink(target, filepath.Join(root, "linked")))

	vols, warnings := Discover(root)

	require.Empty(t, warnings)
	require.Len(t, vols, 1)
	assert.Equal(t, "linked", vols[0].Name)
}

func TestSubdirNames(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	require.NoError(t, os.Mkdir(filepath.Join(dir, "zeta"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "alpha"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file"), nil, 0o644))

	names, warnings := SubdirNames(dir)

	assert.Empty(t, warnings)
	assert.Equal(t, []string{"alpha", "zeta"}, names)
}

func TestSubdirNames_MissingDirSilent(t *testing.T) {
	t.Parallel()

	names, warnings := SubdirNames(filepath.Join(t.TempDir(), "absent"))

	assert.Empty(t, names)
	assert.Empty(t, warnings)
}
