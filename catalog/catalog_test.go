package catalog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func testCatalog(t *testing.T) *Catalog {
	logger := logrus.New()
	logger.Level = logrus.ErrorLevel
	cat, err := Open(filepath.Join(t.TempDir(), "catalog.db"), Server{}, logger)
	if err != nil {
		t.Fatalf("Error opening catalog: %v", err)
	}
	return cat
}

func seedEntries(t *testing.T, cat *Catalog, paths ...string) []Entry {
	entries := make([]Entry, 0, len(paths))
	for _, p := range paths {
		entries = append(entries, NewEntry(p))
	}
	n, err := cat.Append(entries)
	assert.NoError(t, err)
	assert.Equal(t, len(paths), n)
	got, err := cat.Select(Query{}, 0)
	assert.NoError(t, err)
	return got
}

func TestAppendDeduplicates(t *testing.T) {
	cat := testCatalog(t)
	seedEntries(t, cat, "a.txt", "b/c.doc")

	n, err := cat.Append([]Entry{NewEntry("a.txt"), NewEntry("d.pdf")})
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	count, err := cat.Count(Query{})
	assert.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestNewEntryExt(t *testing.T) {
	e := NewEntry("b/Report.DOCX")
	assert.Equal(t, "docx", e.Ext.String)
	assert.Equal(t, "Report", e.Stem())
	assert.Equal(t, "b", e.Parent())
	assert.True(t, e.IsRoot())

	noExt := NewEntry("README")
	assert.False(t, noExt.Ext.Valid)
	assert.Equal(t, "README", noExt.Stem())
	assert.Equal(t, "", noExt.Parent())
}

func TestUpdateStampsStatusTS(t *testing.T) {
	cat := testCatalog(t)
	entries := seedEntries(t, cat, "a.txt")
	e := &entries[0]
	assert.False(t, e.StatusTS.Valid)

	e.Status = StatusConverted
	e.Mime = NullString("text/plain")
	assert.NoError(t, cat.Update(e))
	first := e.StatusTS.Time
	assert.True(t, e.StatusTS.Valid)

	got, err := cat.Select(Query{Finished: true}, 0)
	assert.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, StatusConverted, got[0].Status)
	assert.Equal(t, "text/plain", got[0].Mime.String)

	// status_ts is non-decreasing
	e.Status = StatusAccepted
	assert.NoError(t, cat.Update(e))
	assert.False(t, e.StatusTS.Time.Before(first))
}

func TestDefaultSelectionSkipsTouchedRows(t *testing.T) {
	cat := testCatalog(t)
	entries := seedEntries(t, cat, "a.txt", "b.txt")
	batchTS := time.Now().UTC()

	// Simulate a worker having processed a.txt in this batch
	entries[0].Status = StatusFailed
	assert.NoError(t, cat.Update(&entries[0]))

	got, err := cat.Select(Query{BatchTS: batchTS}, 0)
	assert.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, "b.txt", got[0].Path)

	// A later batch still won't pick the failed row without retry
	later := time.Now().UTC().Add(time.Second)
	got, err = cat.Select(Query{BatchTS: later}, 0)
	assert.NoError(t, err)
	assert.Len(t, got, 1)

	// retry mode includes terminal failures from earlier batches
	got, err = cat.Select(Query{Retry: true, BatchTS: later}, 0)
	assert.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestFinishedSelection(t *testing.T) {
	cat := testCatalog(t)
	entries := seedEntries(t, cat, "a.txt", "b.txt", "c.txt")
	batchTS := time.Now().UTC().Add(-time.Second)

	entries[0].Status = StatusConverted
	assert.NoError(t, cat.Update(&entries[0]))
	entries[1].Status = StatusAccepted
	assert.NoError(t, cat.Update(&entries[1]))

	got, err := cat.Select(Query{Finished: true, BatchTS: batchTS}, 0)
	assert.NoError(t, err)
	assert.Len(t, got, 2)

	tally, err := cat.StatusTally(batchTS)
	assert.NoError(t, err)
	assert.Equal(t, map[string]int{StatusConverted: 1, StatusAccepted: 1}, tally)
}

func TestSelectFilters(t *testing.T) {
	cat := testCatalog(t)
	entries := seedEntries(t, cat, "a/x.txt", "a/y.pdf", "b/z.txt")
	entries[1].Mime = NullString("application/pdf")
	entries[1].Puid = NullString("fmt/14")
	entries[1].Status = StatusNew
	assert.NoError(t, cat.Update(&entries[1]))

	got, err := cat.Select(Query{Subpath: "a/", Retry: true}, 0)
	assert.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = cat.Select(Query{Ext: "txt"}, 0)
	assert.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = cat.Select(Query{Mime: "application/pdf", Retry: true}, 0)
	assert.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, "a/y.pdf", got[0].Path)

	got, err = cat.Select(Query{FromPath: "a/y", ToPath: "b/", Retry: true}, 0)
	assert.NoError(t, err)
	assert.Len(t, got, 1)

	one, err := cat.SelectOne(Query{})
	assert.NoError(t, err)
	assert.Equal(t, "a/x.txt", one.Path)
}

func TestAddChildAndLineage(t *testing.T) {
	cat := testCatalog(t)
	entries := seedEntries(t, cat, "bundle.zip")
	root := &entries[0]

	child := NewEntry("bundle/a.txt")
	child.SourceID = NullInt64(root.ID)
	assert.NoError(t, cat.Add(&child))
	assert.NotZero(t, child.ID)

	grandchild := NewEntry("bundle/a.txt.pdf")
	grandchild.SourceID = NullInt64(child.ID)
	grandchild.Status = StatusFailed
	assert.NoError(t, cat.Add(&grandchild))
	// Settled rows are stamped so the batch does not reselect them
	assert.True(t, grandchild.StatusTS.Valid)

	lineage, err := cat.FileRoots()
	assert.NoError(t, err)
	assert.Len(t, lineage, 3)
	for _, l := range lineage {
		assert.Equal(t, root.ID, l.RootID)
	}

	// Original-only selection sees just the root
	got, err := cat.Select(Query{Original: true, Retry: true}, 0)
	assert.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, "bundle.zip", got[0].Path)
}

func TestDeleteDescendants(t *testing.T) {
	cat := testCatalog(t)
	entries := seedEntries(t, cat, "bundle.zip", "other.txt")
	root := &entries[0]

	child := NewEntry("bundle/a.txt")
	child.SourceID = NullInt64(root.ID)
	assert.NoError(t, cat.Add(&child))
	grandchild := NewEntry("bundle/a.txt.pdf")
	grandchild.SourceID = NullInt64(child.ID)
	assert.NoError(t, cat.Add(&grandchild))

	assert.NoError(t, cat.DeleteDescendants(root.ID))

	got, err := cat.Select(Query{Retry: true}, 0)
	assert.NoError(t, err)
	assert.Len(t, got, 2)
	for _, e := range got {
		assert.True(t, e.IsRoot())
	}
}

func TestReconvertFlow(t *testing.T) {
	cat := testCatalog(t)
	entries := seedEntries(t, cat, "doc.docx")
	root := &entries[0]
	root.Status = StatusConverted
	assert.NoError(t, cat.Update(root))

	child := NewEntry("doc.docx.pdf")
	child.SourceID = NullInt64(root.ID)
	child.Status = StatusAccepted
	child.Kept = true
	assert.NoError(t, cat.Add(&child))

	// reconvert mode ignores the status filter and selects roots only
	q := Query{Reconvert: true}
	got, err := cat.Select(q, 0)
	assert.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, "doc.docx", got[0].Path)

	assert.NoError(t, cat.DeleteDescendants(got[0].ID))
	assert.NoError(t, cat.UpdateStatus(q, StatusNew))

	all, err := cat.Select(Query{Retry: true}, 0)
	assert.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, StatusNew, all[0].Status)
}

func TestSubfolders(t *testing.T) {
	cat := testCatalog(t)
	seedEntries(t, cat, "a/x.txt", "a/sub/y.txt", "b/z.txt", "top.txt")

	folders, err := cat.Subfolders(Query{})
	assert.NoError(t, err)
	assert.Equal(t, []string{"", "a", "b"}, folders)
}

func TestRootLevelSelection(t *testing.T) {
	cat := testCatalog(t)
	seedEntries(t, cat, "a/x.txt", "top.txt")

	got, err := cat.Select(Query{RootLevel: true}, 0)
	assert.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, "top.txt", got[0].Path)
}

func TestDeleteRow(t *testing.T) {
	cat := testCatalog(t)
	entries := seedEntries(t, cat, "a.txt", "b.txt")
	assert.NoError(t, cat.Delete(&entries[0]))
	count, err := cat.Count(Query{})
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMimeTally(t *testing.T) {
	cat := testCatalog(t)
	entries := seedEntries(t, cat, "a.txt", "b.txt", "c.pdf")
	for i := range entries {
		if entries[i].Ext.String == "txt" {
			entries[i].Mime = NullString("text/plain")
		} else {
			entries[i].Mime = NullString("application/pdf")
		}
		entries[i].Status = StatusNew
		assert.NoError(t, cat.Update(&entries[i]))
	}

	tally, err := cat.MimeTally(Query{Retry: true})
	assert.NoError(t, err)
	assert.Len(t, tally, 2)
	assert.Equal(t, "text/plain", tally[0].Mime)
	assert.Equal(t, 2, tally[0].Count)
}

func TestStatusValuesAreClosed(t *testing.T) {
	assert.Len(t, Statuses, 10)
	seen := make(map[string]bool)
	for _, s := range Statuses {
		assert.False(t, seen[s])
		seen[s] = true
	}
}
