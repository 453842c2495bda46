// Tests for the konvert batch driver

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/evensen/konvert/catalog"
	"github.com/evensen/konvert/config"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.Level = logrus.ErrorLevel
	return logger
}

type driverEnv struct {
	base  string
	src   string
	dst   string
	db    string
	rules string
}

func newDriverEnv(t *testing.T, rules string) *driverEnv {
	base := t.TempDir()
	env := &driverEnv{
		base:  base,
		src:   filepath.Join(base, "src"),
		dst:   filepath.Join(base, "dst"),
		db:    filepath.Join(base, "catalog.db"),
		rules: filepath.Join(base, "converters.yml"),
	}
	assert.NoError(t, os.MkdirAll(env.src, 0755))
	assert.NoError(t, os.WriteFile(env.rules, []byte(rules), 0644))
	return env
}

func (env *driverEnv) writeSource(t *testing.T, rel, content string) {
	full := filepath.Join(env.src, filepath.FromSlash(rel))
	assert.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	assert.NoError(t, os.WriteFile(full, []byte(content), 0644))
}

func (env *driverEnv) options(t *testing.T) *BatchOptions {
	cfg, err := config.Unmarshal(nil)
	assert.NoError(t, err)
	cfg.Converters = env.rules
	cfg.ConvertersLocal = ""
	return &BatchOptions{
		config:    cfg,
		sourceDir: env.src,
		destDir:   env.dst,
		dbPath:    env.db,
		assumeYes: true,
	}
}

func (env *driverEnv) newBatch(t *testing.T, opts *BatchOptions) *Batch {
	batch, err := NewBatch(testLogger(), opts)
	assert.NoError(t, err)
	return batch
}

func (env *driverEnv) allEntries(t *testing.T, batch *Batch) []catalog.Entry {
	entries, err := batch.cat.Select(catalog.Query{Finished: true}, 0)
	assert.NoError(t, err)
	return entries
}

const acceptTextRules = `
text/plain:
  accept: true
`

func TestTextPassthrough(t *testing.T) {
	env := newDriverEnv(t, acceptTextRules)
	env.writeSource(t, "notes.txt", "plain utf-8 notes\n")

	batch := env.newBatch(t, env.options(t))
	assert.NoError(t, batch.Run())

	entries := env.allEntries(t, batch)
	assert.Len(t, entries, 1)
	assert.Equal(t, catalog.StatusAccepted, entries[0].Status)
	assert.True(t, entries[0].Kept)

	data, err := os.ReadFile(filepath.Join(env.dst, "notes.txt"))
	assert.NoError(t, err)
	assert.Equal(t, "plain utf-8 notes\n", string(data))
}

func TestSecondRunIsIdempotent(t *testing.T) {
	env := newDriverEnv(t, acceptTextRules)
	env.writeSource(t, "notes.txt", "text\n")
	env.writeSource(t, "more/extra.txt", "more text\n")

	batch := env.newBatch(t, env.options(t))
	assert.NoError(t, batch.Run())
	first := env.allEntries(t, batch)

	// Nothing changed on disk: the second batch selects nothing and the
	// catalog keeps its state
	batch2 := env.newBatch(t, env.options(t))
	assert.NoError(t, batch2.Run())
	second := env.allEntries(t, batch2)

	assert.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, first[i].Status, second[i].Status)
		assert.Equal(t, first[i].StatusTS, second[i].StatusTS)
	}
}

const zipRules = `
text/plain:
  accept: true
application/zip:
  command: mkdir -p <dest> && echo a > <dest>/a.txt && mkdir -p <dest>/b && echo c > <dest>/b/c.txt && echo d > <dest>/d.csv
  dest-ext: null
`

func TestZipExpansion(t *testing.T) {
	env := newDriverEnv(t, zipRules)
	env.writeSource(t, "bundle.zip", "PK\x03\x04junkjunkjunk")

	batch := env.newBatch(t, env.options(t))
	assert.NoError(t, batch.Run())

	entries := env.allEntries(t, batch)
	assert.Len(t, entries, 4)

	byPath := make(map[string]catalog.Entry)
	for _, e := range entries {
		byPath[e.Path] = e
	}
	zipRow := byPath["bundle.zip"]
	assert.Equal(t, catalog.StatusConverted, zipRow.Status)
	assert.True(t, zipRow.IsRoot())

	for _, member := range []string{"bundle/a.txt", "bundle/b/c.txt", "bundle/d.csv"} {
		row, ok := byPath[member]
		if !ok {
			t.Fatalf("missing member row %s", member)
		}
		assert.Equal(t, zipRow.ID, row.SourceID.Int64)
		assert.Equal(t, catalog.StatusAccepted, row.Status)
	}
}

func TestReconvertCascades(t *testing.T) {
	env := newDriverEnv(t, zipRules)
	env.writeSource(t, "bundle.zip", "PK\x03\x04junkjunkjunk")

	batch := env.newBatch(t, env.options(t))
	assert.NoError(t, batch.Run())
	first := env.allEntries(t, batch)
	assert.Len(t, first, 4)

	opts := env.options(t)
	opts.reconvert = true
	batch2 := env.newBatch(t, opts)
	assert.NoError(t, batch2.Run())

	second := env.allEntries(t, batch2)
	assert.Len(t, second, 4)
	var zipRow catalog.Entry
	memberIDs := []int64{}
	for _, e := range second {
		if e.Path == "bundle.zip" {
			zipRow = e
		} else {
			memberIDs = append(memberIDs, e.ID)
		}
	}
	assert.Equal(t, catalog.StatusConverted, zipRow.Status)
	assert.Len(t, memberIDs, 3)
	// The cascade deleted the old member rows; the new ones have ids
	// assigned after the originals
	for _, old := range first {
		if old.Path == "bundle.zip" {
			continue
		}
		for _, id := range memberIDs {
			assert.NotEqual(t, old.ID, id)
		}
	}
}

func TestTimeoutThenRetry(t *testing.T) {
	const hangingRules = `
text/plain:
  command: sleep 30
  dest-ext: pdf
  timeout: 1
`
	const workingRules = `
text/plain:
  command: echo '%PDF-1.4 fake' > <dest>
  dest-ext: pdf
application/pdf:
  accept: true
`
	env := newDriverEnv(t, hangingRules)
	env.writeSource(t, "slow.txt", "zzz\n")

	batch := env.newBatch(t, env.options(t))
	assert.NoError(t, batch.Run())
	entries := env.allEntries(t, batch)
	assert.Len(t, entries, 1)
	assert.Equal(t, catalog.StatusTimeout, entries[0].Status)

	// A plain second batch leaves the timed-out row alone
	batch2 := env.newBatch(t, env.options(t))
	assert.NoError(t, batch2.Run())
	entries = env.allEntries(t, batch2)
	assert.Equal(t, catalog.StatusTimeout, entries[0].Status)

	// Fixed converter + --retry picks the same row up again
	assert.NoError(t, os.WriteFile(env.rules, []byte(workingRules), 0644))
	opts := env.options(t)
	opts.retry = true
	batch3 := env.newBatch(t, opts)
	assert.NoError(t, batch3.Run())

	entries = env.allEntries(t, batch3)
	byPath := make(map[string]catalog.Entry)
	for _, e := range entries {
		byPath[e.Path] = e
	}
	assert.Equal(t, catalog.StatusConverted, byPath["slow.txt"].Status)
	assert.Equal(t, catalog.StatusAccepted, byPath["slow.pdf"].Status)
}

func TestMultiPartitionsBySubfolder(t *testing.T) {
	env := newDriverEnv(t, acceptTextRules)
	env.writeSource(t, "a/x.txt", "x\n")
	env.writeSource(t, "a/deep/y.txt", "y\n")
	env.writeSource(t, "b/z.txt", "z\n")
	env.writeSource(t, "top.txt", "t\n")

	opts := env.options(t)
	opts.multi = true
	batch := env.newBatch(t, opts)
	assert.NoError(t, batch.Run())

	entries := env.allEntries(t, batch)
	assert.Len(t, entries, 4)
	for _, e := range entries {
		assert.Equal(t, catalog.StatusAccepted, e.Status)
	}
}

func TestMimeFilterRestrictsSelection(t *testing.T) {
	env := newDriverEnv(t, acceptTextRules)
	env.writeSource(t, "notes.txt", "text\n")
	env.writeSource(t, "image.png", "\x89PNG\r\n\x1a\njunk")

	opts := env.options(t)
	opts.identifyOnly = true
	batch := env.newBatch(t, opts)
	assert.NoError(t, batch.Run())

	// Second pass converts only the identified text files
	opts2 := env.options(t)
	opts2.mime = "text/plain"
	opts2.retry = true
	batch2 := env.newBatch(t, opts2)
	assert.NoError(t, batch2.Run())

	entries := env.allEntries(t, batch2)
	byPath := make(map[string]catalog.Entry)
	for _, e := range entries {
		byPath[e.Path] = e
	}
	assert.Equal(t, catalog.StatusAccepted, byPath["notes.txt"].Status)
	assert.NotEqual(t, catalog.StatusAccepted, byPath["image.png"].Status)
}

func TestFilecheckLeavesStatusWithoutAnswer(t *testing.T) {
	env := newDriverEnv(t, acceptTextRules)
	env.writeSource(t, "notes.txt", "text\n")

	batch := env.newBatch(t, env.options(t))
	assert.NoError(t, batch.Run())

	// Everything on disk: nothing to ask about
	assert.NoError(t, batch.Filecheck())

	// The original vanishes from the source tree; without an operator
	// answer (stdin is closed under test) the status must stay untouched
	assert.NoError(t, os.Remove(filepath.Join(env.src, "notes.txt")))
	assert.NoError(t, batch.Filecheck())

	entries := env.allEntries(t, batch)
	assert.Len(t, entries, 1)
	assert.Equal(t, catalog.StatusAccepted, entries[0].Status)
}

func TestSourceMissing(t *testing.T) {
	env := newDriverEnv(t, acceptTextRules)
	opts := env.options(t)
	opts.sourceDir = filepath.Join(env.base, "nope")
	batch := env.newBatch(t, opts)
	assert.Error(t, batch.Run())
}
