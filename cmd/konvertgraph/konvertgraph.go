package main

// konvertgraph program
// Reads a conversion catalog and writes the lineage forest (originals,
// archive members, kept intermediates) as a graphviz dot file, and
// optionally renders it to an image.

import (
	"fmt"
	"os"

	"github.com/emicklei/dot"
	"github.com/goccy/go-graphviz"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/evensen/konvert/catalog"
	"github.com/evensen/konvert/version"
)

func buildGraph(lineage []catalog.Lineage) *dot.Graph {
	g := dot.NewGraph(dot.Directed)
	nodes := make(map[int64]dot.Node)
	for _, l := range lineage {
		n := g.Node(fmt.Sprintf("%d", l.ID)).Label(l.Path)
		if !l.SourceID.Valid {
			n.Attr("shape", "box")
		}
		nodes[l.ID] = n
	}
	for _, l := range lineage {
		if !l.SourceID.Valid {
			continue
		}
		if parent, ok := nodes[l.SourceID.Int64]; ok {
			g.Edge(parent, nodes[l.ID])
		}
	}
	return g
}

func main() {
	var (
		db = kingpin.Flag(
			"db",
			"Catalog to read: a file path for the embedded store, a name for the server store.",
		).Required().String()
		graphFile = kingpin.Flag(
			"graphfile",
			"Graphviz dot file to write.",
		).Default("lineage.dot").String()
		renderFile = kingpin.Flag(
			"render",
			"Optional PNG file to render the graph to.",
		).String()
		debug = kingpin.Flag(
			"debug",
			"Enable debugging level.",
		).Int()
	)
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("konvertgraph")).Author("Arne Evensen")
	kingpin.CommandLine.Help = "Writes the catalog's file lineage as a graphviz graph\n"
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
	lineage, err := cat.FileRoots()
	if err != nil {
		logger.Errorf("error reading lineage: %v", err)
		os.Exit(1)
	}
	g := buildGraph(lineage)

	f, err := os.OpenFile(*graphFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		logger.Errorf("error writing %s: %v", *graphFile, err)
		os.Exit(1)
	}
	if _, err := f.Write([]byte(g.String())); err != nil {
		logger.Errorf("error writing %s: %v", *graphFile, err)
		os.Exit(1)
	}
	f.Close()
	logger.Infof("Wrote %d entries to %s", len(lineage), *graphFile)

	if *renderFile != "" {
		gv := graphviz.New()
		parsed, err := graphviz.ParseBytes([]byte(g.String()))
		if err != nil {
			logger.Errorf("error parsing graph: %v", err)
			os.Exit(1)
		}
		if err := gv.RenderFilename(parsed, graphviz.PNG, *renderFile); err != nil {
			logger.Errorf("error rendering %s: %v", *renderFile, err)
			os.Exit(1)
		}
		logger.Infof("Rendered %s", *renderFile)
	}
}
