package labels

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nzoschke/genrelab/pkg/errs"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, nil, 0644))
}

func TestAdd(t *testing.T) {
	r := New()
	assert.Equal(t, 0, r.Add("rock"))
	assert.Equal(t, 1, r.Add("jazz"))
	assert.Equal(t, 0, r.Add("rock"))
	assert.Equal(t, 2, r.Len())

	i, ok := r.Index("jazz")
	assert.True(t, ok)
	assert.Equal(t, 1, i)

	name, ok := r.Name(0)
	assert.True(t, ok)
	assert.Equal(t, "rock", name)

	_, ok = r.Name(2)
	assert.False(t, ok)
	assert.Equal(t, []string{"rock", "jazz"}, r.Names())
}

func TestBuild(t *testing.T) {
	root := t.TempDir()
	for _, f := range []string{"rock/a.mel", "rock/b.mel", "jazz/c.mel", "jazz/d_30bef.mel", "blues/readme.txt", "pop/e.wav"} {
		touch(t, filepath.Join(root, f))
	}

	r, err := Build(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"jazz", "rock"}, r.Names(), "only directories with caches, in walk order")

	for i := range r.Len() {
		name, ok := r.Name(i)
		require.True(t, ok)
		j, ok := r.Index(name)
		require.True(t, ok)
		assert.Equal(t, i, j)
	}

	_, err = Build(filepath.Join(root, "missing"))
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFile)

	r := New()
	for _, g := range []string{"rock", "jazz", "classical", "hiphop"} {
		r.Add(g)
	}
	require.NoError(t, r.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, r.Names(), got.Names())

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestLoadRejectsGaps(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"gap.json":    `{"rock": 0, "jazz": 2}`,
		"dup.json":    `{"rock": 0, "jazz": 0}`,
		"broken.json": `{"rock": `,
	} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0644))
		_, err := Load(path)
		assert.ErrorIs(t, err, errs.ErrDecode, name)
	}
}

func TestGenre(t *testing.T) {
	assert.Equal(t, "rock", Genre(filepath.Join("corpus", "rock", "a.mel")))
}
