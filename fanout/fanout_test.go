package fanout

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/evensen/konvert/catalog"
	"github.com/evensen/konvert/identify"
)

func TestAppendArchiveMembers(t *testing.T) {
	logger := logrus.New()
	logger.Level = logrus.ErrorLevel

	base := t.TempDir()
	cat, err := catalog.Open(filepath.Join(base, "catalog.db"), catalog.Server{}, logger)
	assert.NoError(t, err)

	// The container row, as the runner would have left it
	_, err = cat.Append([]catalog.Entry{catalog.NewEntry("bundle.zip")})
	assert.NoError(t, err)
	container, err := cat.SelectOne(catalog.Query{})
	assert.NoError(t, err)

	// Simulated extraction tree under the destination
	dst := filepath.Join(base, "dst")
	expanded := filepath.Join(dst, "bundle")
	for _, rel := range []string{"a.txt", "b/c.txt", "d.csv"} {
		full := filepath.Join(expanded, filepath.FromSlash(rel))
		assert.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		assert.NoError(t, os.WriteFile(full, []byte("content\n"), 0644))
	}

	f := New(cat, identify.New(logger), logger)
	added, err := f.Append(container.ID, "bundle", expanded)
	assert.NoError(t, err)
	assert.Equal(t, 3, added)

	members, err := cat.Select(catalog.Query{Subpath: "bundle/"}, 0)
	assert.NoError(t, err)
	assert.Len(t, members, 3)
	for _, m := range members {
		assert.Equal(t, container.ID, m.SourceID.Int64)
		assert.Equal(t, catalog.StatusNew, m.Status)
	}
	assert.Equal(t, "bundle/a.txt", members[0].Path)
	assert.Equal(t, "bundle/b/c.txt", members[1].Path)
	assert.Equal(t, "bundle/d.csv", members[2].Path)

	// The temporary member list is cleaned up
	_, err = os.Stat(expanded + "-filelist.txt")
	assert.True(t, os.IsNotExist(err))

	// Appending again is a no-op (paths already present)
	added, err = f.Append(container.ID, "bundle", expanded)
	assert.NoError(t, err)
	assert.Equal(t, 0, added)
}
