package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-io/cutout/store"
)

func TestPackager_NothingToPackage(t *testing.T) {
	t.Parallel()

	p := Packager{Artifacts: store.Artifacts{Root: filepath.Join(t.TempDir(), "out")}}
	art, err := p.Package("job", nil, t.TempDir())
	require.ErrorIs(t, err, ErrNoOutput)
	assert.Nil(t, art)
	assert.NoDirExists(t, p.Artifacts.Root)
}

func TestPackager_SingleItemMoved(t *testing.T) {
	t.Parallel()

	scratch := t.TempDir()
	src := writePNG(t, scratch, "processed_cat.png", 2, 2, red)
	p := Packager{Artifacts: store.Artifacts{Root: filepath.Join(t.TempDir(), "out")}}

	art, err := p.Package("job1", []string{src}, scratch)
	require.NoError(t, err)
	assert.Equal(t, KindSingle, art.Kind)
	assert.Equal(t, filepath.Join(p.Artifacts.Root, "job1.png"), art.Path)
	assert.FileExists(t, art.Path)
	assert.NoFileExists(t, src)

	located, err := p.Artifacts.Locate("job1")
	require.NoError(t, err)
	assert.Equal(t, art.Path, located)
}

func TestPackager_ArchiveNameCollision(t *testing.T) {
	t.Parallel()

	scratch := t.TempDir()
	one := filepath.Join(scratch, "one")
	two := filepath.Join(scratch, "two")
	require.NoError(t, os.MkdirAll(one, 0o755))
	require.NoError(t, os.MkdirAll(two, 0o755))
	items := []string{
		writePNG(t, one, "a.png", 2, 2, red),
		writePNG(t, two, "a.png", 2, 2, green),
	}
	p := Packager{Artifacts: store.Artifacts{Root: filepath.Join(t.TempDir(), "out")}}

	art, err := p.Package("job2", items, scratch)
	require.NoError(t, err)
	assert.Equal(t, KindArchive, art.Kind)
	assert.Equal(t, 2, art.Entries)
	assert.Equal(t, []string{"1_a.png", "a.png"}, zipEntries(t, art.Path))
	assert.NoFileExists(t, filepath.Join(scratch, "job2.zip.part"))

	located, err := p.Artifacts.Locate("job2")
	require.NoError(t, err)
	assert.Equal(t, p.Artifacts.ArchivePath("job2"), located)
}

func TestPackager_MissingItemFailsArchive(t *testing.T) {
	t.Parallel()

	scratch := t.TempDir()
	items := []string{
		writePNG(t, scratch, "a.png", 2, 2, red),
		filepath.Join(scratch, "gone.png"),
	}
	p := Packager{Artifacts: store.Artifacts{Root: filepath.Join(t.TempDir(), "out")}}

	_, err := p.Package("job3", items, scratch)
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(scratch, "job3.zip.part"))
	assert.NoFileExists(t, p.Artifacts.ArchivePath("job3"))
}
