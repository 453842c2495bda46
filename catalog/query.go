package catalog

import (
	"strings"
	"time"
)

// Query - composable selection predicate. Zero value selects the default
// conversion work set. Clauses AND together; the mode flags switch
// between the conversion, reconvert, retry and finished selections.
type Query struct {
	Mime     string
	Puid     string
	Status   string
	Ext      string
	Subpath  string // path prefix, e.g. "letters/"
	FromPath string // path >= FromPath
	ToPath   string // path < ToPath
	Original bool   // source_id IS NULL

	// RootLevel restricts to paths without a directory component; used
	// for the top-level partition in multi mode.
	RootLevel bool

	Reconvert bool
	Retry     bool
	Finished  bool

	// BatchTS bounds the batch: conversion modes exclude rows already
	// touched at or after it, finished mode selects only those rows.
	BatchTS time.Time
}

// conds renders the predicate as SQL conditions with `?` placeholders.
func (q Query) conds() ([]string, []interface{}) {
	conds := []string{}
	params := []interface{}{}

	if q.Original || q.Reconvert {
		conds = append(conds, "source_id IS NULL")
	}

	if !q.Finished && !q.Reconvert {
		conds = append(conds, "(status IS NULL OR status NOT IN (?, ?, ?, ?))")
		for _, s := range finishedStatuses {
			params = append(params, s)
		}
	}

	// Default conversion mode only visits untouched rows; retry and
	// reconvert deliberately revisit rows with a recorded outcome.
	if !q.Retry && !q.Reconvert && !q.Finished {
		conds = append(conds, "status_ts IS NULL")
	}

	if q.Mime != "" {
		conds = append(conds, "mime = ?")
		params = append(params, q.Mime)
	}
	if q.Puid != "" {
		conds = append(conds, "puid = ?")
		params = append(params, q.Puid)
	}
	if q.Status != "" {
		conds = append(conds, "status = ?")
		params = append(params, q.Status)
	}
	if q.Subpath != "" {
		conds = append(conds, `path LIKE ? ESCAPE '\'`)
		params = append(params, likePrefix(q.Subpath))
	}
	if q.RootLevel {
		conds = append(conds, "path NOT LIKE ?")
		params = append(params, "%/%")
	}
	if q.FromPath != "" {
		conds = append(conds, "path >= ?")
		params = append(params, q.FromPath)
	}
	if q.ToPath != "" {
		conds = append(conds, "path < ?")
		params = append(params, q.ToPath)
	}
	if q.Ext != "" {
		conds = append(conds, "ext = ?")
		params = append(params, q.Ext)
	}
	if !q.BatchTS.IsZero() {
		if q.Finished {
			conds = append(conds, "status_ts > ?")
		} else {
			conds = append(conds, "(status_ts IS NULL OR status_ts < ?)")
		}
		params = append(params, q.BatchTS)
	}

	return conds, params
}

func likePrefix(prefix string) string {
	// Escape LIKE metacharacters in the literal prefix
	prefix = strings.ReplaceAll(prefix, `\`, `\\`)
	prefix = strings.ReplaceAll(prefix, "%", `\%`)
	prefix = strings.ReplaceAll(prefix, "_", `\_`)
	return prefix + "%"
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}
