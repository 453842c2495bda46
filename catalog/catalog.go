// Package catalog is the durable work queue and provenance store: one
// row per discovered or produced file, a recursive lineage view, and the
// predicate-based selection every batch phase runs on.
//
// Two storage engines are supported behind the same interface: an
// embedded sqlite file (default) and a postgres server, chosen at open
// time by the shape of the catalog path. Every operation opens its own
// short-lived connection so lock windows stay small under sqlite.
package catalog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	driverSqlite   = "sqlite3"
	driverPostgres = "postgres"
)

// lockRetryDelay - backoff before the single retry on a transient
// "database is locked" error from sqlite under concurrent workers.
const lockRetryDelay = 250 * time.Millisecond

// Server - connection details for the networked variant.
type Server struct {
	Host string
	Port int
	User string
	Pass string
}

// Catalog - handle on the file table. Safe for concurrent use: no state
// beyond the connection strings is shared.
type Catalog struct {
	driver string
	dsn    string
	logger *logrus.Logger
}

const createTableSqlite = `
CREATE TABLE IF NOT EXISTS file(
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	path VARCHAR(255) NOT NULL UNIQUE,
	size DECIMAL,
	puid VARCHAR(10),
	format VARCHAR(100),
	version VARCHAR(32),
	mime VARCHAR(100),
	encoding VARCHAR(30),
	ext VARCHAR(10),
	status VARCHAR(10) NOT NULL DEFAULT 'new',
	status_ts TIMESTAMP,
	kept BOOLEAN NOT NULL DEFAULT 0,
	source_id INTEGER REFERENCES file(id)
)`

const createTablePostgres = `
CREATE TABLE IF NOT EXISTS file(
	id SERIAL PRIMARY KEY,
	path VARCHAR(255) NOT NULL UNIQUE,
	size DECIMAL,
	puid VARCHAR(10),
	format VARCHAR(100),
	version VARCHAR(32),
	mime VARCHAR(100),
	encoding VARCHAR(30),
	ext VARCHAR(10),
	status VARCHAR(10) NOT NULL DEFAULT 'new',
	status_ts TIMESTAMP,
	kept BOOLEAN NOT NULL DEFAULT FALSE,
	source_id INTEGER REFERENCES file(id)
)`

const createViewFileRoot = `
CREATE VIEW file_root AS
WITH RECURSIVE cte AS (
	SELECT id, path, source_id, id AS root_id
	FROM file
	WHERE source_id IS NULL
	UNION
	SELECT f.id, f.path, f.source_id, h.root_id AS root_id
	FROM file f
	JOIN cte h ON h.id = f.source_id
	WHERE f.id != f.source_id
)
SELECT * FROM cte`

const entryColumns = "id, path, size, puid, format, version, mime, encoding, ext, status, status_ts, kept, source_id"

// Open opens (creating if necessary) the catalog. A path whose base name
// contains a dot is an embedded sqlite file; anything else is taken as a
// database name on the configured server.
func Open(path string, server Server, logger *logrus.Logger) (*Catalog, error) {
	c := &Catalog{logger: logger}
	if strings.Contains(filepath.Base(path), ".") {
		c.driver = driverSqlite
		dir := filepath.Dir(path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, errors.Wrap(err, "create catalog directory")
			}
		}
		c.dsn = fmt.Sprintf("file:%s?_busy_timeout=5000", path)
	} else {
		c.driver = driverPostgres
		c.dsn = postgresDSN(server, path)
		if err := ensureDatabase(server, path); err != nil {
			return nil, err
		}
	}
	if err := c.initSchema(); err != nil {
		return nil, err
	}
	return c, nil
}

func postgresDSN(server Server, dbname string) string {
	host := server.Host
	if host == "" {
		host = "localhost"
	}
	port := server.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		host, port, server.User, server.Pass, dbname)
}

// ensureDatabase creates the named database on the server if missing.
func ensureDatabase(server Server, dbname string) error {
	admin, err := sql.Open(driverPostgres, postgresDSN(server, "postgres"))
	if err != nil {
		return errors.Wrap(err, "connect to catalog server")
	}
	defer admin.Close()
	var exists int
	err = admin.QueryRow("SELECT 1 FROM pg_database WHERE datname = $1", dbname).Scan(&exists)
	if err == sql.ErrNoRows {
		if _, err := admin.Exec(fmt.Sprintf(`CREATE DATABASE "%s"`, dbname)); err != nil {
			return errors.Wrapf(err, "create catalog database %s", dbname)
		}
		return nil
	}
	return errors.Wrap(err, "probe catalog database")
}

func (c *Catalog) initSchema() error {
	return c.withConn(func(db *sql.DB) error {
		createTable := createTableSqlite
		if c.driver == driverPostgres {
			createTable = createTablePostgres
		}
		if _, err := db.Exec(createTable); err != nil {
			return errors.Wrap(err, "create file table")
		}
		if _, err := db.Exec("CREATE INDEX IF NOT EXISTS file_status ON file(status)"); err != nil {
			return errors.Wrap(err, "create status index")
		}
		if _, err := db.Exec("CREATE INDEX IF NOT EXISTS file_status_ts ON file(status_ts)"); err != nil {
			return errors.Wrap(err, "create status_ts index")
		}
		if !c.hasView(db) {
			if _, err := db.Exec(createViewFileRoot); err != nil {
				return errors.Wrap(err, "create file_root view")
			}
		}
		return nil
	})
}

func (c *Catalog) hasView(db *sql.DB) bool {
	var name string
	var err error
	if c.driver == driverSqlite {
		err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='view' AND name='file_root'").Scan(&name)
	} else {
		err = db.QueryRow("SELECT table_name FROM information_schema.views WHERE table_name='file_root'").Scan(&name)
	}
	return err == nil
}

// withConn runs fn on a fresh connection, retrying once on a transient
// sqlite lock.
func (c *Catalog) withConn(fn func(db *sql.DB) error) error {
	run := func() error {
		db, err := sql.Open(c.driver, c.dsn)
		if err != nil {
			return errors.Wrap(err, "open catalog")
		}
		defer db.Close()
		return fn(db)
	}
	err := run()
	if err != nil && strings.Contains(err.Error(), "database is locked") {
		c.logger.Debugf("catalog locked, retrying in %v", lockRetryDelay)
		time.Sleep(lockRetryDelay)
		err = run()
	}
	return err
}

// rebind rewrites `?` placeholders to `$n` for postgres.
func (c *Catalog) rebind(query string) string {
	if c.driver != driverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func now() time.Time {
	return time.Now().UTC()
}

// Append bulk-inserts enumerated or unpacked entries, skipping any whose
// path already exists in the catalog. Returns the number inserted.
func (c *Catalog) Append(entries []Entry) (int, error) {
	inserted := 0
	err := c.withConn(func(db *sql.DB) error {
		existing := make(map[string]bool)
		rows, err := db.Query("SELECT path FROM file")
		if err != nil {
			return errors.Wrap(err, "list existing paths")
		}
		defer rows.Close()
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				return err
			}
			existing[p] = true
		}
		if err := rows.Err(); err != nil {
			return err
		}

		tx, err := db.Begin()
		if err != nil {
			return errors.Wrap(err, "begin append")
		}
		defer tx.Rollback()
		stmt, err := tx.Prepare(c.rebind(`INSERT INTO file
			(path, size, puid, format, version, mime, encoding, ext, status, kept, source_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
		if err != nil {
			return errors.Wrap(err, "prepare append")
		}
		defer stmt.Close()
		for _, e := range entries {
			if existing[e.Path] {
				continue
			}
			status := e.Status
			if status == "" {
				status = StatusNew
			}
			if _, err := stmt.Exec(e.Path, e.Size, e.Puid, e.Format, e.Version,
				e.Mime, e.Encoding, e.Ext, status, e.Kept, e.SourceID); err != nil {
				return errors.Wrapf(err, "append %s", e.Path)
			}
			existing[e.Path] = true
			inserted++
		}
		return tx.Commit()
	})
	return inserted, err
}

// Update upserts the identification and status fields of one row and
// stamps status_ts.
func (c *Catalog) Update(e *Entry) error {
	e.StatusTS = sql.NullTime{Time: now(), Valid: true}
	return c.withConn(func(db *sql.DB) error {
		_, err := db.Exec(c.rebind(`UPDATE file SET
			path = ?, size = ?, puid = ?, format = ?, version = ?, mime = ?,
			encoding = ?, ext = ?, status = ?, status_ts = ?, kept = ?
			WHERE id = ?`),
			e.Path, e.Size, e.Puid, e.Format, e.Version, e.Mime,
			e.Encoding, e.Ext, e.Status, e.StatusTS, e.Kept, e.ID)
		return errors.Wrapf(err, "update %s", e.Path)
	})
}

// Add inserts a derived child row (archive member or kept intermediate)
// and fills in its assigned id. Rows added with a settled status are
// stamped so they are not reselected within the batch.
func (c *Catalog) Add(e *Entry) error {
	if e.Status != StatusNew {
		e.StatusTS = sql.NullTime{Time: now(), Valid: true}
	}
	return c.withConn(func(db *sql.DB) error {
		if c.driver == driverPostgres {
			return db.QueryRow(c.rebind(`INSERT INTO file
				(path, size, puid, format, version, mime, encoding, ext, status, status_ts, kept, source_id)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
				e.Path, e.Size, e.Puid, e.Format, e.Version, e.Mime,
				e.Encoding, e.Ext, e.Status, e.StatusTS, e.Kept, e.SourceID).Scan(&e.ID)
		}
		res, err := db.Exec(`INSERT INTO file
			(path, size, puid, format, version, mime, encoding, ext, status, status_ts, kept, source_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.Path, e.Size, e.Puid, e.Format, e.Version, e.Mime,
			e.Encoding, e.Ext, e.Status, e.StatusTS, e.Kept, e.SourceID)
		if err != nil {
			return errors.Wrapf(err, "add %s", e.Path)
		}
		e.ID, err = res.LastInsertId()
		return err
	})
}

// Delete removes one row; used when a discarded intermediate is dropped.
func (c *Catalog) Delete(e *Entry) error {
	return c.withConn(func(db *sql.DB) error {
		_, err := db.Exec(c.rebind("DELETE FROM file WHERE id = ?"), e.ID)
		return errors.Wrapf(err, "delete %s", e.Path)
	})
}

// DeleteDescendants removes every entry whose root ancestor is id,
// excluding id itself. Used by reconvert to cascade away produced rows.
func (c *Catalog) DeleteDescendants(id int64) error {
	return c.withConn(func(db *sql.DB) error {
		_, err := db.Exec(c.rebind(`
			WITH RECURSIVE descendant AS (
				SELECT a.id, a.source_id FROM file a WHERE a.id = ?
				UNION ALL
				SELECT b.id, b.source_id FROM file b
				INNER JOIN descendant c ON c.id = b.source_id
			)
			DELETE FROM file
			WHERE id IN (SELECT id FROM descendant WHERE source_id IS NOT NULL)`), id)
		return errors.Wrapf(err, "delete descendants of %d", id)
	})
}

// Select returns entries matching q in primary-key order. limit <= 0
// means no limit.
func (c *Catalog) Select(q Query, limit int) ([]Entry, error) {
	conds, params := q.conds()
	query := "SELECT " + entryColumns + " FROM file" + whereClause(conds) + " ORDER BY id"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	var entries []Entry
	err := c.withConn(func(db *sql.DB) error {
		rows, err := db.Query(c.rebind(query), params...)
		if err != nil {
			return errors.Wrap(err, "select entries")
		}
		defer rows.Close()
		for rows.Next() {
			var e Entry
			if err := rows.Scan(&e.ID, &e.Path, &e.Size, &e.Puid, &e.Format,
				&e.Version, &e.Mime, &e.Encoding, &e.Ext, &e.Status,
				&e.StatusTS, &e.Kept, &e.SourceID); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return rows.Err()
	})
	return entries, err
}

// SelectOne returns the next entry matching q, or nil when the predicate
// selects nothing.
func (c *Catalog) SelectOne(q Query) (*Entry, error) {
	entries, err := c.Select(q, 1)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

// Count returns the number of entries matching q.
func (c *Catalog) Count(q Query) (int, error) {
	conds, params := q.conds()
	count := 0
	err := c.withConn(func(db *sql.DB) error {
		query := "SELECT COUNT(*) FROM file" + whereClause(conds)
		return db.QueryRow(c.rebind(query), params...).Scan(&count)
	})
	return count, errors.Wrap(err, "count entries")
}

// Subfolders returns the distinct top-level path segments of entries
// matching q. Entries directly under the root are reported as "".
func (c *Catalog) Subfolders(q Query) ([]string, error) {
	conds, params := q.conds()
	var expr string
	if c.driver == driverSqlite {
		expr = "substr(path, 0, instr(path, '/'))"
	} else {
		expr = "CASE WHEN position('/' in path) = 0 THEN '' ELSE split_part(path, '/', 1) END"
	}
	query := "SELECT DISTINCT " + expr + " AS dir FROM file" + whereClause(conds) + " ORDER BY dir"
	var folders []string
	err := c.withConn(func(db *sql.DB) error {
		rows, err := db.Query(c.rebind(query), params...)
		if err != nil {
			return errors.Wrap(err, "select subfolders")
		}
		defer rows.Close()
		for rows.Next() {
			var dir string
			if err := rows.Scan(&dir); err != nil {
				return err
			}
			folders = append(folders, dir)
		}
		return rows.Err()
	})
	return folders, err
}

// UpdateStatus bulk-rewrites the status of every entry matching q;
// reconvert uses it to put roots back to "new" before selection.
func (c *Catalog) UpdateStatus(q Query, status string) error {
	conds, params := q.conds()
	query := "UPDATE file SET status = ?" + whereClause(conds)
	all := append([]interface{}{status}, params...)
	return c.withConn(func(db *sql.DB) error {
		_, err := db.Exec(c.rebind(query), all...)
		return errors.Wrap(err, "bulk status update")
	})
}

// StatusTally returns per-status counts; when since is non-zero only
// rows touched after it are counted (the end-of-batch report).
func (c *Catalog) StatusTally(since time.Time) (map[string]int, error) {
	query := "SELECT status, COUNT(*) FROM file"
	params := []interface{}{}
	if !since.IsZero() {
		query += " WHERE status_ts > ?"
		params = append(params, since)
	}
	query += " GROUP BY status"
	tally := make(map[string]int)
	err := c.withConn(func(db *sql.DB) error {
		rows, err := db.Query(c.rebind(query), params...)
		if err != nil {
			return errors.Wrap(err, "status tally")
		}
		defer rows.Close()
		for rows.Next() {
			var status string
			var count int
			if err := rows.Scan(&status, &count); err != nil {
				return err
			}
			tally[status] = count
		}
		return rows.Err()
	})
	return tally, err
}

// MimeTally returns per-mime counts of entries matching q, most frequent
// first.
type MimeCount struct {
	Mime  string
	Count int
}

func (c *Catalog) MimeTally(q Query) ([]MimeCount, error) {
	conds, params := q.conds()
	query := "SELECT COUNT(*) AS no, mime FROM file" + whereClause(conds) +
		" GROUP BY mime ORDER BY COUNT(*) DESC"
	var tally []MimeCount
	err := c.withConn(func(db *sql.DB) error {
		rows, err := db.Query(c.rebind(query), params...)
		if err != nil {
			return errors.Wrap(err, "mime tally")
		}
		defer rows.Close()
		for rows.Next() {
			var mc MimeCount
			var mime sql.NullString
			if err := rows.Scan(&mc.Count, &mime); err != nil {
				return err
			}
			mc.Mime = mime.String
			tally = append(tally, mc)
		}
		return rows.Err()
	})
	return tally, err
}

// Lineage - one row of the file_root view.
type Lineage struct {
	ID       int64
	Path     string
	SourceID sql.NullInt64
	RootID   int64
}

// FileRoots returns the recursive lineage view: every entry with its
// root ancestor resolved.
func (c *Catalog) FileRoots() ([]Lineage, error) {
	var lineage []Lineage
	err := c.withConn(func(db *sql.DB) error {
		rows, err := db.Query("SELECT id, path, source_id, root_id FROM file_root ORDER BY path")
		if err != nil {
			return errors.Wrap(err, "select file_root")
		}
		defer rows.Close()
		for rows.Next() {
			var l Lineage
			if err := rows.Scan(&l.ID, &l.Path, &l.SourceID, &l.RootID); err != nil {
				return err
			}
			lineage = append(lineage, l)
		}
		return rows.Err()
	})
	return lineage, err
}
