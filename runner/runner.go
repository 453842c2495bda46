// Package runner drives the conversion lifecycle for one catalog entry:
// plan, execute the external converter with a timeout, classify the
// outcome, and hand any produced files on — archive expansions as
// directories for fan-out, intermediates as child entries run
// recursively.
package runner

import (
	"database/sql"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/evensen/konvert/catalog"
	"github.com/evensen/konvert/identify"
	"github.com/evensen/konvert/registry"
)

// passwordMarker on a converter's stdout is reserved: it maps the file
// to the protected status.
const passwordMarker = "file requires a password for access"

// settleDelay - pause after deleting partial output so the filesystem
// catches up before the entry is retried or reported.
const settleDelay = 100 * time.Millisecond

// DefaultScratchDir - scratch area for case-colliding conversions.
const DefaultScratchDir = "/tmp/convert"

// maxChainDepth bounds intermediate recursion; a converter chain deeper
// than this is misconfigured.
const maxChainDepth = 8

// Options - immutable per-batch settings for the runner.
type Options struct {
	SourceDir      string
	DestDir        string
	DefaultTimeout time.Duration
	ScratchDir     string
	KeepOriginals  bool
	OrigExt        bool
	SetSourceExt   bool
	IdentifyOnly   bool
}

// Outcome - what a run produced beyond the entry's own status update.
// ExpandedDir is set when the conversion unpacked into a directory; the
// batch driver walks it and appends children under ContainerID.
type Outcome struct {
	ExpandedDir string
	ContainerID int64
}

// Runner - converts single files. Safe to share across workers: all
// mutable state lives in the entry being processed.
type Runner struct {
	cat    *catalog.Catalog
	ident  *identify.Identifier
	reg    registry.Registry
	opts   Options
	logger *logrus.Logger
}

func New(cat *catalog.Catalog, ident *identify.Identifier, reg registry.Registry, opts Options, logger *logrus.Logger) *Runner {
	if opts.ScratchDir == "" {
		opts.ScratchDir = DefaultScratchDir
	}
	if opts.DefaultTimeout == 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	return &Runner{cat: cat, ident: ident, reg: reg, opts: opts, logger: logger}
}

// Run performs the full lifecycle for one entry and persists its final
// state. Per-file failures are recorded in the status, never returned.
func (r *Runner) Run(e *catalog.Entry) *Outcome {
	outcome := r.runFile(e, 0)
	if err := r.cat.Update(e); err != nil {
		r.logger.Errorf("update %s: %v", e.Path, err)
	}
	return outcome
}

func (r *Runner) runFile(e *catalog.Entry, depth int) *Outcome {
	// A derived entry lives under the destination tree; an original
	// under the source tree.
	sourcePath := filepath.Join(r.opts.SourceDir, filepath.FromSlash(e.Path))
	if !e.IsRoot() {
		sourcePath = filepath.Join(r.opts.DestDir, filepath.FromSlash(e.Path))
	}

	renamed := false
	if !e.Mime.Valid || e.Mime.String == "" {
		id, err := r.ident.Identify(sourcePath, e.Ext.String)
		if err != nil {
			r.logger.Errorf("identify %s: %v", e.Path, err)
			e.Status = catalog.StatusFailed
			return nil
		}
		applyIdentification(e, id)
		if id.Rename {
			// The wrong extension folds into the stem
			renamed = true
			e.Ext = sql.NullString{}
		}
	}

	rule, haveRule := r.reg.Resolve(e.Mime.String, e.Puid.String, e.Ext.String)
	if !haveRule {
		e.Status = catalog.StatusSkipped
	}
	mimeExt := identify.ExtensionFor(e.Mime.String, rule.Ext)

	if r.opts.SetSourceExt && e.IsRoot() && mimeExt != "" && mimeExt != "."+e.Ext.String {
		newRel := joinRel(e.Parent(), e.Stem()+mimeExt)
		newAbs := filepath.Join(r.opts.SourceDir, filepath.FromSlash(newRel))
		if err := os.Rename(sourcePath, newAbs); err != nil {
			r.logger.Errorf("rename %s: %v", e.Path, err)
		} else {
			e.Path = newRel
			e.Ext = catalog.NullString(strings.TrimPrefix(mimeExt, "."))
			sourcePath = newAbs
			renamed = false
		}
	}

	if r.opts.IdentifyOnly {
		return nil
	}

	// Mirror originals into the destination tree. A file whose wrong
	// extension was folded away is mirrored under its corrected name.
	copyPath := filepath.Join(r.opts.DestDir, filepath.FromSlash(e.Path))
	normPath := ""
	keep := r.opts.KeepOriginals || rule.KeepOriginal()
	if e.IsRoot() {
		if err := os.MkdirAll(filepath.Dir(copyPath), 0755); err != nil {
			r.logger.Errorf("mkdir for %s: %v", e.Path, err)
		}
		if renamed && e.Mime.String != "application/octet-stream" {
			destName := e.Stem()
			if mimeExt != "" {
				destName += mimeExt
			}
			copyPath = filepath.Join(r.opts.DestDir, filepath.FromSlash(joinRel(e.Parent(), destName)))
			normPath = relSlash(r.opts.DestDir, copyPath)
		}
		if r.opts.SourceDir != r.opts.DestDir {
			if err := copyFile(sourcePath, copyPath); err != nil {
				r.logger.Errorf("copy %s: %v", e.Path, err)
			}
		} else if normPath != "" {
			if err := os.Rename(sourcePath, copyPath); err != nil {
				r.logger.Errorf("move %s: %v", e.Path, err)
			}
		}
	}

	destBase := filepath.Join(r.opts.DestDir, filepath.FromSlash(joinRel(e.Parent(), e.Stem())))
	tempPath := filepath.Join(r.opts.ScratchDir, filepath.FromSlash(e.Path))

	switch {
	case normPath != "":
		e.Status = catalog.StatusRenamed
	case rule.Accept.Matches(e.Version.String, e.Encoding.String):
		e.Status = catalog.StatusAccepted
		e.Kept = true
		return nil
	case e.Mime.String == "application/encrypted":
		e.Status = catalog.StatusProtected
		e.Kept = true
		return nil
	case rule.Command != "":
		var failed bool
		normPath, failed = r.execute(e, rule, sourcePath, destBase, tempPath, copyPath)
		if failed {
			return nil
		}
	case rule.RemoveFile():
		e.Status = catalog.StatusRemoved
		if !keep {
			os.Remove(copyPath)
		}
		return nil
	default:
		e.Status = catalog.StatusSkipped
		return nil
	}

	return r.handleProduced(e, rule, normPath, copyPath, keep, depth)
}

// execute plans the destination path, runs the converter command and
// classifies the result. Returns the destination-relative path of the
// produced file, or failed=true with the status already recorded.
func (r *Runner) execute(e *catalog.Entry, rule registry.Rule, sourcePath, destBase, tempPath, copyPath string) (normPath string, failed bool) {
	srcExt := ""
	if e.Ext.Valid && e.Ext.String != "" {
		srcExt = "." + e.Ext.String
	}
	destExt := srcExt
	if rule.DestExt.Present {
		if rule.DestExt.Value == "" {
			destExt = ""
		} else {
			destExt = "." + strings.Trim(rule.DestExt.Value, ".")
		}
	}
	if r.opts.OrigExt && destExt != srcExt {
		destExt = srcExt + destExt
	}
	destPath := destBase + destExt

	// A case-insensitive collision between source and destination means
	// the converter would read and write the same file; run from scratch
	// space instead.
	fromPath := sourcePath
	moved := false
	if strings.EqualFold(fromPath, destPath) {
		if err := os.MkdirAll(filepath.Dir(tempPath), 0755); err != nil {
			r.logger.Errorf("mkdir scratch for %s: %v", e.Path, err)
		}
		if err := os.Rename(sourcePath, tempPath); err != nil {
			r.logger.Errorf("move to scratch %s: %v", e.Path, err)
			e.Status = catalog.StatusFailed
			return "", true
		}
		fromPath = tempPath
		moved = true
	}

	if registry.NeedsTemp(rule.Command) {
		if err := os.MkdirAll(filepath.Dir(tempPath), 0755); err != nil {
			r.logger.Errorf("mkdir scratch for %s: %v", e.Path, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		r.logger.Errorf("mkdir for %s: %v", e.Path, err)
	}

	cmdLine := registry.ExpandCommand(rule.Command, registry.Vars{
		Source:       fromPath,
		Dest:         destPath,
		Temp:         tempPath,
		MimeType:     e.Mime.String,
		SourceParent: filepath.Dir(fromPath),
		DestParent:   filepath.Dir(destPath),
		Stem:         e.Stem(),
		Pid:          os.Getpid(),
	})

	timeout := r.opts.DefaultTimeout
	if rule.Timeout > 0 {
		timeout = time.Duration(rule.Timeout) * time.Second
	}

	// Idempotence: a destination produced by an earlier invocation is
	// trusted; the command is not run again. The mirrored copy of the
	// original does not count as produced output.
	var res CmdResult
	if st, err := os.Stat(destPath); err == nil && e.Size.Valid &&
		st.Size() == e.Size.Int64 && !strings.EqualFold(destPath, copyPath) {
		r.logger.Debugf("destination %s already present, command not re-run", destPath)
		res = CmdResult{ExitCode: 0}
	} else {
		r.logger.Debugf("command: %s", cmdLine)
		res = RunShellCommand(cmdLine, "", timeout)
	}

	_, destErr := os.Stat(destPath)
	if res.ExitCode != 0 || destErr != nil {
		switch {
		case strings.Contains(res.Stdout, passwordMarker):
			e.Status = catalog.StatusProtected
			e.Kept = true
		case res.TimedOut:
			e.Status = catalog.StatusTimeout
		default:
			e.Status = catalog.StatusFailed
		}
		r.logger.Debugf("command failed (%d): %s", res.ExitCode, cmdLine)
		if res.Stdout != "" || res.Stderr != "" {
			r.logger.Debugf("out: %s err: %s", res.Stdout, res.Stderr)
		}
		if destErr == nil {
			// Remove possibly corrupted partial output
			os.RemoveAll(destPath)
			time.Sleep(settleDelay)
		}
		if moved {
			if err := copyFile(tempPath, sourcePath); err != nil {
				r.logger.Errorf("restore %s from scratch: %v", e.Path, err)
			}
		}
		r.cleanupScratch(tempPath)
		return "", true
	}

	e.Status = catalog.StatusConverted
	r.cleanupScratch(tempPath)
	return relSlash(r.opts.DestDir, destPath), false
}

// handleProduced takes care of destination hygiene and of whatever the
// conversion yielded: a directory for archive fan-out, or a file that
// becomes a child entry and may itself need converting.
func (r *Runner) handleProduced(e *catalog.Entry, rule registry.Rule, normPath, copyPath string, keep bool, depth int) *Outcome {
	destAbs := filepath.Join(r.opts.DestDir, filepath.FromSlash(normPath))

	// The pre-copied original goes away once conversion produced output
	// elsewhere, unless a keep flag retains it.
	if !rule.KeepOriginal() && !(r.opts.KeepOriginals && keepDefaultTrue(rule)) &&
		fileExists(copyPath) && !strings.EqualFold(destAbs, copyPath) {
		os.Remove(copyPath)
	} else if keep && e.Status != catalog.StatusRenamed {
		e.Kept = true
	}

	if st, err := os.Stat(destAbs); err == nil && st.IsDir() {
		return &Outcome{ExpandedDir: destAbs, ContainerID: e.ID}
	}

	if depth >= maxChainDepth {
		r.logger.Errorf("conversion chain for %s exceeded %d steps", e.Path, maxChainDepth)
		return nil
	}

	sourceID := e.ID
	if sourceID == 0 {
		sourceID = e.SourceID.Int64
	}
	child := catalog.NewEntry(normPath)
	child.SourceID = catalog.NullInt64(sourceID)
	if id, err := r.ident.Identify(destAbs, child.Ext.String); err == nil {
		applyIdentification(&child, id)
	} else {
		r.logger.Errorf("identify produced file %s: %v", normPath, err)
	}

	if e.Status == catalog.StatusRenamed && keep {
		r.persistChild(&child)
		return nil
	}

	if e.ID == 0 && child.Format.Valid && child.Format.String == e.Format.String {
		// The converter fell back to the parent's own format (a pdf/a
		// tool writing an ordinary pdf); keep it for diagnostics.
		child.Status = catalog.StatusFailed
		child.Kept = true
		r.persistChild(&child)
		return nil
	}

	outcome := r.runFile(&child, depth+1)
	if r.shouldPersist(&child, outcome) {
		r.persistChild(&child)
		if outcome != nil && outcome.ContainerID == 0 {
			outcome.ContainerID = child.ID
		}
	}
	return outcome
}

func (r *Runner) shouldPersist(child *catalog.Entry, outcome *Outcome) bool {
	if child.Kept {
		return true
	}
	switch child.Status {
	case catalog.StatusFailed, catalog.StatusTimeout, catalog.StatusProtected:
		return true
	}
	// An expanded archive must exist as the container of its members
	return outcome != nil && outcome.ExpandedDir != "" && outcome.ContainerID == 0
}

func (r *Runner) persistChild(child *catalog.Entry) {
	if child.Status == "" {
		child.Status = catalog.StatusNew
	}
	if err := r.cat.Add(child); err != nil {
		r.logger.Errorf("add %s: %v", child.Path, err)
	}
}

func (r *Runner) cleanupScratch(tempPath string) {
	if err := os.RemoveAll(tempPath); err != nil {
		r.logger.Debugf("cleanup scratch %s: %v", tempPath, err)
	}
}

func applyIdentification(e *catalog.Entry, id identify.Identification) {
	e.Mime = catalog.NullString(id.Mime)
	e.Format = catalog.NullString(id.Format)
	e.Version = catalog.NullString(id.Version)
	e.Puid = catalog.NullString(id.Puid)
	e.Encoding = catalog.NullString(id.Encoding)
	if id.Size > 0 {
		e.Size = catalog.NullInt64(id.Size)
	}
}

func keepDefaultTrue(rule registry.Rule) bool {
	return rule.Keep == nil || *rule.Keep
}

func joinRel(parent, name string) string {
	if parent == "" {
		return name
	}
	return path.Join(parent, name)
}

func relSlash(base, target string) string {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return target
	}
	return filepath.ToSlash(rel)
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
