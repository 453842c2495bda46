package main

// konvert program
// Batch file-normalization engine: mirrors a source directory of
// heterogeneous documents into an archival-format destination tree,
// driving external converter programs per file type and recording
// per-file provenance, identification and outcome in a durable catalog.
//
// Design:
// The batch driver enumerates the source tree and seeds the catalog with
// status=new rows. Work is then selected through the catalog's predicate
// API one entry at a time: the runner identifies the file, resolves a
// converter rule, executes the external command with a timeout and
// classifies the outcome. Conversions that unpack an archive produce a
// directory; its members are appended as child rows pointing back at
// their container, and the worker keeps going until the predicate
// selects nothing.
//
// Parallelism is coarse: one worker per top-level subfolder, sharing
// nothing but the catalog (which opens a short-lived connection per
// operation to keep sqlite lock windows small).

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alitto/pond"
	"github.com/pkg/profile"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/evensen/konvert/catalog"
	"github.com/evensen/konvert/config"
	"github.com/evensen/konvert/fanout"
	"github.com/evensen/konvert/identify"
	"github.com/evensen/konvert/pathtree"
	"github.com/evensen/konvert/registry"
	"github.com/evensen/konvert/report"
	"github.com/evensen/konvert/runner"
	"github.com/evensen/konvert/version"
)

// BatchOptions - everything one driver invocation runs under. Built
// once in main from config + flags; workers receive it read-only.
type BatchOptions struct {
	config       *config.Config
	sourceDir    string
	destDir      string
	dbPath       string
	mime         string
	puid         string
	ext          string
	status       string
	subpath      string
	fromPath     string
	toPath       string
	reconvert    bool
	retry        bool
	identifyOnly bool
	multi        bool
	assumeYes    bool
}

// Batch - one driver invocation, bounded in time by batchTS.
type Batch struct {
	opts    *BatchOptions
	cat     *catalog.Catalog
	run     *runner.Runner
	fan     *fanout.Fanout
	logger  *logrus.Logger
	batchTS time.Time

	// Shared progress counters. Display only: correctness never reads
	// them.
	remains     int64
	finished    int64
	interrupted int32
	bar         *progressbar.ProgressBar
}

func NewBatch(logger *logrus.Logger, opts *BatchOptions) (*Batch, error) {
	cat, err := catalog.Open(opts.dbPath, catalog.Server{
		Host: opts.config.DBServer.Host,
		Port: opts.config.DBServer.Port,
		User: opts.config.DBServer.User,
		Pass: opts.config.DBServer.Pass,
	}, logger)
	if err != nil {
		return nil, err
	}
	reg, err := registry.LoadWithOverride(opts.config.Converters, opts.config.ConvertersLocal)
	if err != nil {
		return nil, err
	}
	ident := identify.New(logger)
	run := runner.New(cat, ident, reg, runner.Options{
		SourceDir:      opts.sourceDir,
		DestDir:        opts.destDir,
		DefaultTimeout: time.Duration(opts.config.Timeout) * time.Second,
		KeepOriginals:  opts.config.KeepOriginals,
		OrigExt:        opts.config.OrigExt,
		SetSourceExt:   opts.config.SetSourceExt,
		IdentifyOnly:   opts.identifyOnly,
	}, logger)
	return &Batch{
		opts:   opts,
		cat:    cat,
		run:    run,
		fan:    fanout.New(cat, ident, logger),
		logger: logger,
	}, nil
}

// workQuery builds the selection predicate for this batch from the CLI
// filters and mode flags. batchTS is threaded into every selection so a
// worker never reprocesses an entry already touched in this batch.
func (b *Batch) workQuery() catalog.Query {
	return catalog.Query{
		Mime:      b.opts.mime,
		Puid:      b.opts.puid,
		Ext:       b.opts.ext,
		Status:    b.opts.status,
		Subpath:   b.opts.subpath,
		FromPath:  b.opts.fromPath,
		ToPath:    b.opts.toPath,
		Retry:     b.opts.retry,
		Reconvert: b.opts.reconvert,
		BatchTS:   b.batchTS,
	}
}

// Run executes one batch and reports the per-status tally.
func (b *Batch) Run() error {
	if _, err := os.Stat(b.opts.sourceDir); err != nil {
		return fmt.Errorf("source directory %s: %v", b.opts.sourceDir, err)
	}
	if err := os.MkdirAll(b.opts.destDir, 0755); err != nil {
		return fmt.Errorf("create destination %s: %v", b.opts.destDir, err)
	}
	b.batchTS = time.Now().UTC()

	if err := b.seed(); err != nil {
		return err
	}

	if b.opts.reconvert {
		if err := b.resetRoots(); err != nil {
			return err
		}
	}

	remaining, err := b.cat.Count(b.workQuery())
	if err != nil {
		return err
	}
	if remaining == 0 {
		b.logger.Infof("Nothing to do")
		return nil
	}
	if !b.confirm(remaining) {
		return fmt.Errorf("aborted by user")
	}

	atomic.StoreInt64(&b.remains, int64(remaining))
	b.bar = progressbar.NewOptions64(int64(remaining),
		progressbar.OptionSetDescription("converting"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWriter(os.Stderr),
	)

	b.trapInterrupt()

	if b.opts.multi {
		folders, err := b.cat.Subfolders(b.workQuery())
		if err != nil {
			return err
		}
		pool := pond.New(len(folders), 0, pond.MinWorkers(len(folders)))
		for _, folder := range folders {
			folder := folder
			pool.Submit(func() {
				b.workerLoop(folder, true)
			})
		}
		pool.StopAndWait()
	} else {
		b.workerLoop("", false)
	}
	fmt.Fprintln(os.Stderr)

	tally, err := b.cat.StatusTally(b.batchTS)
	if err != nil {
		return err
	}
	rep := &report.Report{}
	rep.SetWriter(os.Stdout)
	rep.WriteTally(tally)
	b.logger.Infof("Details are in the catalog at %s", b.opts.dbPath)

	if atomic.LoadInt32(&b.interrupted) != 0 {
		return fmt.Errorf("interrupted")
	}
	return nil
}

// seed enumerates the source tree into the catalog. Runs when the
// catalog is empty or when the per-batch enumeration sidecar is present.
func (b *Batch) seed() error {
	total, err := b.cat.StatusTally(time.Time{})
	if err != nil {
		return err
	}
	rows := 0
	for _, n := range total {
		rows += n
	}
	listPath := report.FileListPath(b.opts.destDir)
	_, sidecarErr := os.Stat(listPath)
	if rows > 0 && sidecarErr != nil {
		return nil
	}

	tree, err := pathtree.FromDir(b.opts.sourceDir, false)
	if err != nil {
		return fmt.Errorf("enumerate %s: %v", b.opts.sourceDir, err)
	}
	files := tree.Files()
	if err := report.WriteFileList(listPath, files); err != nil {
		return err
	}
	entries := make([]catalog.Entry, 0, len(files))
	for _, f := range files {
		entries = append(entries, catalog.NewEntry(f))
	}
	added, err := b.cat.Append(entries)
	if err != nil {
		return err
	}
	os.Remove(listPath)
	b.logger.Infof("Enumerated %d file(s), %d new", len(files), added)
	return nil
}

// resetRoots cascades away the descendants of every selected root and
// puts the roots back to status=new before selection starts.
func (b *Batch) resetRoots() error {
	q := b.workQuery()
	roots, err := b.cat.Select(q, 0)
	if err != nil {
		return err
	}
	for i := range roots {
		if err := b.cat.DeleteDescendants(roots[i].ID); err != nil {
			return err
		}
	}
	if err := b.cat.UpdateStatus(q, catalog.StatusNew); err != nil {
		return err
	}
	b.logger.Infof("Reset %d root(s) for reconversion", len(roots))
	return nil
}

func (b *Batch) confirm(remaining int) bool {
	fmt.Printf("About to process %d file(s) from %s into %s\n",
		remaining, b.opts.sourceDir, b.opts.destDir)
	if b.opts.assumeYes {
		return true
	}
	fmt.Print("Continue? [Y/n] ")
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return true
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "" || answer == "y" || answer == "yes"
}

// trapInterrupt lets a worker finish the current file's catalog update,
// then stops the loops and terminates outstanding converter groups.
func (b *Batch) trapInterrupt() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		b.logger.Infof("Interrupt received, finishing current file(s)")
		atomic.StoreInt32(&b.interrupted, 1)
		runner.KillActiveGroups()
	}()
}

// workerLoop processes one partition sequentially: select one entry,
// run it, repeat until the predicate selects nothing. Unpacked archive
// members are appended mid-loop and picked up by the same selection
// where it matches them. Reconvert selects roots only, and the root-level
// partition selects no path with a directory, so members appended there
// stay new for a later batch.
func (b *Batch) workerLoop(folder string, partitioned bool) {
	q := b.workQuery()
	if partitioned {
		if folder == "" {
			q.RootLevel = true
		} else {
			q.Subpath = folder + "/"
		}
	}
	for {
		if atomic.LoadInt32(&b.interrupted) != 0 {
			return
		}
		entry, err := b.cat.SelectOne(q)
		if err != nil {
			b.logger.Errorf("select work: %v", err)
			return
		}
		if entry == nil {
			return
		}
		b.logger.Infof("(%d left) %s (%s)", atomic.LoadInt64(&b.remains), entry.Path, entry.Mime.String)
		outcome := b.run.Run(entry)
		if outcome != nil && outcome.ExpandedDir != "" {
			containerRel := relSlash(b.opts.destDir, outcome.ExpandedDir)
			added, err := b.fan.Append(outcome.ContainerID, containerRel, outcome.ExpandedDir)
			if err != nil {
				b.logger.Errorf("fan out %s: %v", entry.Path, err)
			}
			if added > 0 {
				atomic.AddInt64(&b.remains, int64(added))
				b.bar.ChangeMax64(b.bar.GetMax64() + int64(added))
			}
		}
		atomic.AddInt64(&b.finished, 1)
		atomic.AddInt64(&b.remains, -1)
		b.bar.Add(1)
	}
}

// Filecheck compares the catalog against one walk of the source and
// destination trees and asks, per file missing on disk, whether to mark
// it deleted. Nothing is marked without an answer.
func (b *Batch) Filecheck() error {
	entries, err := b.cat.Select(catalog.Query{Finished: true}, 0)
	if err != nil {
		return err
	}
	srcTree, err := walkOrEmpty(b.opts.sourceDir)
	if err != nil {
		return err
	}
	dstTree, err := walkOrEmpty(b.opts.destDir)
	if err != nil {
		return err
	}
	reader := bufio.NewReader(os.Stdin)
	missing := 0
	for i := range entries {
		e := &entries[i]
		tree := dstTree
		if e.IsRoot() && e.Status != catalog.StatusConverted && e.Status != catalog.StatusRenamed {
			tree = srcTree
		}
		if tree.FindFile(e.Path) {
			continue
		}
		missing++
		fmt.Printf("%s (%s) is missing on disk. Mark deleted? [y/N] ", e.Path, e.Status)
		answer, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		if answer == "y" || answer == "yes" {
			e.Status = catalog.StatusDeleted
			if err := b.cat.Update(e); err != nil {
				return err
			}
		}
	}
	b.logger.Infof("Filecheck done, %d file(s) missing", missing)
	return nil
}

// walkOrEmpty returns the path tree for dir, or an empty tree when the
// directory does not exist yet.
func walkOrEmpty(dir string) (*pathtree.Node, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return pathtree.NewNode("", false), nil
	}
	return pathtree.FromDir(dir, false)
}

func relSlash(base, target string) string {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return target
	}
	return filepath.ToSlash(rel)
}

func main() {
	var (
		configFile = kingpin.Flag(
			"config",
			"Application config file for konvert.",
		).Default("application.yml").Short('c').String()
		source = kingpin.Arg(
			"source",
			"Source directory to normalize (overrides config).",
		).String()
		dest = kingpin.Flag(
			"dest",
			"Destination directory (overrides config, default <source>-norm).",
		).Short('t').String()
		db = kingpin.Flag(
			"db",
			"Catalog: a file path for the embedded store, a name for the server store (default <dest>.db).",
		).String()
		convertersFile = kingpin.Flag(
			"converters",
			"Converter rule file (overrides config).",
		).String()
		mime = kingpin.Flag(
			"mime",
			"Only process files with this mime type.",
		).String()
		puid = kingpin.Flag(
			"puid",
			"Only process files with this PUID.",
		).String()
		ext = kingpin.Flag(
			"ext",
			"Only process files with this source extension.",
		).String()
		status = kingpin.Flag(
			"status",
			"Only process files with this status.",
		).String()
		subpath = kingpin.Flag(
			"subpath",
			"Only process files under this path prefix.",
		).String()
		fromPath = kingpin.Flag(
			"from-path",
			"Only process files with path >= this value.",
		).String()
		toPath = kingpin.Flag(
			"to-path",
			"Only process files with path < this value.",
		).String()
		reconvert = kingpin.Flag(
			"reconvert",
			"Reset selected originals to new (cascades away their descendants) and convert again.",
		).Bool()
		retry = kingpin.Flag(
			"retry",
			"Also select files whose last run failed, timed out or was password protected.",
		).Bool()
		identifyOnly = kingpin.Flag(
			"identify-only",
			"Identify files without converting.",
		).Bool()
		filecheck = kingpin.Flag(
			"filecheck",
			"Check catalog entries against files on disk instead of converting.",
		).Bool()
		multi = kingpin.Flag(
			"multi",
			"Run one worker per top-level subfolder (overrides config).",
		).Bool()
		keepOriginals = kingpin.Flag(
			"keep-originals",
			"Keep original files in the destination tree (overrides config).",
		).Bool()
		origExt = kingpin.Flag(
			"orig-ext",
			"Keep the original extension in converted file names, e.g. name.xls.pdf (overrides config).",
		).Bool()
		setSourceExt = kingpin.Flag(
			"set-source-ext",
			"Rename source files to their identified extension after identification (overrides config).",
		).Bool()
		assumeYes = kingpin.Flag(
			"yes",
			"Skip the confirmation prompt.",
		).Short('y').Bool()
		debug = kingpin.Flag(
			"debug",
			"Enable debugging level.",
		).Int()
		memProfile = kingpin.Flag(
			"memprofile",
			"Write a memory profile on exit.",
		).Bool()
	)
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("konvert")).Author("Arne Evensen")
	kingpin.CommandLine.Help = "Normalizes a directory tree of documents into archival formats, recording provenance in a catalog\n"
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug > 0 {
		logger.Level = logrus.DebugLevel
	}
	if *memProfile {
		defer profile.Start(profile.MemProfile).Stop()
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		logger.Errorf("error loading config file: %v", err)
		os.Exit(1)
	}
	if *source != "" {
		cfg.Source = *source
	}
	if *dest != "" {
		cfg.Dest = *dest
	}
	if *db != "" {
		cfg.DB = *db
	}
	if *convertersFile != "" {
		cfg.Converters = *convertersFile
	}
	if *multi {
		cfg.Multi = true
	}
	if *keepOriginals {
		cfg.KeepOriginals = true
	}
	if *origExt {
		cfg.OrigExt = true
	}
	if *setSourceExt {
		cfg.SetSourceExt = true
	}
	if cfg.Source == "" {
		logger.Errorf("no source directory given (argument or config)")
		os.Exit(1)
	}
	if cfg.Dest == "" {
		cfg.Dest = strings.TrimRight(cfg.Source, "/") + "-norm"
	}
	if cfg.DB == "" {
		cfg.DB = strings.TrimRight(cfg.Dest, "/") + ".db"
	}

	startTime := time.Now()
	logger.Infof("%v", version.Print("konvert"))
	logger.Infof("Starting %s, source: %v", startTime, cfg.Source)

	opts := &BatchOptions{
		config:       cfg,
		sourceDir:    cfg.Source,
		destDir:      cfg.Dest,
		dbPath:       cfg.DB,
		mime:         *mime,
		puid:         *puid,
		ext:          *ext,
		status:       *status,
		subpath:      *subpath,
		fromPath:     *fromPath,
		toPath:       *toPath,
		reconvert:    *reconvert,
		retry:        *retry,
		identifyOnly: *identifyOnly,
		multi:        cfg.Multi,
		assumeYes:    *assumeYes,
	}

	batch, err := NewBatch(logger, opts)
	if err != nil {
		logger.Errorf("error opening catalog: %v", err)
		os.Exit(1)
	}
	if *filecheck {
		if err := batch.Filecheck(); err != nil {
			logger.Errorf("filecheck: %v", err)
			os.Exit(1)
		}
		return
	}
	if err := batch.Run(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	logger.Infof("Finished in %v", time.Since(startTime).Round(time.Second))
}

// loadConfig reads the application config, falling back to defaults when
// the default config file is absent.
func loadConfig(filename string) (*config.Config, error) {
	local := strings.TrimSuffix(filename, ".yml") + ".local.yml"
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return config.Unmarshal(nil)
	}
	return config.LoadConfigFile(filename, local)
}
