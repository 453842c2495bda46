// Package report writes the batch enumeration sidecar and the
// end-of-batch status tally.
package report

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/evensen/konvert/catalog"
)

// Report - a writer for batch summaries.
type Report struct {
	w io.Writer
}

func (r *Report) SetWriter(w io.Writer) {
	r.w = w
}

// WriteHeader records what this batch ran over.
func (r *Report) WriteHeader(source, dest string, batchTS time.Time) {
	fmt.Fprintf(r.w, "source: %s\n", source)
	fmt.Fprintf(r.w, "dest:   %s\n", dest)
	fmt.Fprintf(r.w, "batch:  %s\n", batchTS.Format(time.RFC3339))
}

// WriteTally prints per-status counts in the fixed status order so runs
// are comparable, skipping zero rows.
func (r *Report) WriteTally(tally map[string]int) {
	total := 0
	for _, status := range catalog.Statuses {
		count := tally[status]
		if count == 0 {
			continue
		}
		fmt.Fprintf(r.w, "%-10s %d\n", status, count)
		total += count
	}
	fmt.Fprintf(r.w, "%-10s %d\n", "total", total)
}

// FileListPath returns the enumeration sidecar path for a destination
// directory. Its presence tells the driver to run the append path.
func FileListPath(dest string) string {
	return strings.TrimRight(dest, "/") + "-filelist.txt"
}

// WriteFileList writes one relative path per line.
func WriteFileList(filename string, files []string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, file := range files {
		fmt.Fprintln(w, file)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadFileList reads a sidecar back, skipping blank lines.
func ReadFileList(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var files []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			files = append(files, line)
		}
	}
	return files, scanner.Err()
}
