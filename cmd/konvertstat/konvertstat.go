package main

// konvertstat program
// Prints what is left in a conversion catalog: per-mime counts of
// unconverted files, and the per-status tally.

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/evensen/konvert/catalog"
	"github.com/evensen/konvert/report"
	"github.com/evensen/konvert/version"
)

func main() {
	var (
		db = kingpin.Flag(
			"db",
			"Catalog to read: a file path for the embedded store, a name for the server store.",
		).Required().String()
		mime = kingpin.Flag(
			"mime",
			"Restrict the tally to this mime type.",
		).String()
		retry = kingpin.Flag(
			"retry",
			"Include files whose last run failed, timed out or was password protected.",
		).Bool()
		debug = kingpin.Flag(
			"debug",
			"Enable debugging level.",
		).Int()
	)
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("konvertstat")).Author("Arne Evensen")
	kingpin.CommandLine.Help = "Prints per-mime and per-status tallies for a conversion catalog\n"
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug > 0 {
		logger.Level = logrus.DebugLevel
	}

	cat, err := catalog.Open(*db, catalog.Server{}, logger)
	if err != nil {
		logger.Errorf("error opening catalog: %v", err)
		os.Exit(1)
	}

	mimes, err := cat.MimeTally(catalog.Query{Mime: *mime, Retry: *retry})
	if err != nil {
		logger.Errorf("error reading mime tally: %v", err)
		os.Exit(1)
	}
	if len(mimes) > 0 {
		fmt.Println("Unconverted files by mime type:")
		for _, mc := range mimes {
			name := mc.Mime
			if name == "" {
				name = "(unidentified)"
			}
			fmt.Printf("%8d  %s\n", mc.Count, name)
		}
		fmt.Println()
	}

	tally, err := cat.StatusTally(time.Time{})
	if err != nil {
		logger.Errorf("error reading status tally: %v", err)
		os.Exit(1)
	}
	fmt.Println("All files by status:")
	rep := &report.Report{}
	rep.SetWriter(os.Stdout)
	rep.WriteTally(tally)
}
