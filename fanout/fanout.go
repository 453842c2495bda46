// Package fanout appends the members of an expanded archive to the
// catalog. After a conversion unpacks into a directory, the extraction
// tree is walked, a temporary file list is written, each member is
// identified with the usual puid fixups, and the rows are bulk-appended
// pointing back at their container.
package fanout

import (
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/evensen/konvert/catalog"
	"github.com/evensen/konvert/identify"
	"github.com/evensen/konvert/pathtree"
	"github.com/evensen/konvert/report"
)

type Fanout struct {
	cat    *catalog.Catalog
	ident  *identify.Identifier
	logger *logrus.Logger
}

func New(cat *catalog.Catalog, ident *identify.Identifier, logger *logrus.Logger) *Fanout {
	return &Fanout{cat: cat, ident: ident, logger: logger}
}

// Append walks the extraction tree at expandedDir and appends one child
// row per member, with source_id set to containerID and paths joined
// under the container's destination-relative directory (containerRel).
// Returns the number of rows added.
func (f *Fanout) Append(containerID int64, containerRel string, expandedDir string) (int, error) {
	tree, err := pathtree.FromDir(expandedDir, false)
	if err != nil {
		return 0, errors.Wrapf(err, "walk %s", expandedDir)
	}
	members := tree.Files()

	listPath := expandedDir + "-filelist.txt"
	if err := report.WriteFileList(listPath, members); err != nil {
		f.logger.Debugf("write member list %s: %v", listPath, err)
	}
	defer os.Remove(listPath)

	entries := make([]catalog.Entry, 0, len(members))
	for _, member := range members {
		e := catalog.NewEntry(path.Join(containerRel, member))
		e.SourceID = catalog.NullInt64(containerID)
		if id, err := f.ident.Identify(filepath.Join(expandedDir, filepath.FromSlash(member)), e.Ext.String); err == nil {
			e.Mime = catalog.NullString(identify.NormalizeMime(id.Mime, id.Puid))
			e.Format = catalog.NullString(id.Format)
			e.Version = catalog.NullString(id.Version)
			e.Puid = catalog.NullString(id.Puid)
			e.Encoding = catalog.NullString(id.Encoding)
			if id.Size > 0 {
				e.Size = catalog.NullInt64(id.Size)
			}
		}
		entries = append(entries, e)
	}

	added, err := f.cat.Append(entries)
	if err != nil {
		return added, errors.Wrap(err, "append archive members")
	}
	f.logger.Infof("unpacked %s: %d member(s) appended", containerRel, added)
	return added, nil
}
