// Package identify resolves the identification record for a file: mime,
// format, version, PUID, size and (for text) character encoding. The
// primary identifier is a siegfried-compatible tool emitting JSON; a
// libmagic-style content probe is the fallback when siegfried is missing
// or comes back empty.
package identify

import (
	"encoding/json"
	"mime"
	"os"
	"os/exec"
	"strings"

	"github.com/h2non/filetype"
	"github.com/saintfish/chardet"
	"github.com/sirupsen/logrus"
)

// Identification - the resolved record for one file.
type Identification struct {
	Mime     string
	Format   string
	Version  string
	Puid     string
	Encoding string
	Size     int64

	// Rename is set when the file's current extension does not belong
	// to the identified mime type: the extension should be folded into
	// the stem and the entry's extension blanked.
	Rename bool
}

// mimes that never trigger a rename: either too generic to trust or
// customarily carried under any extension.
var noRenameMimes = map[string]bool{
	"application/octet-stream": true,
	"application/xml":          true,
	"text/plain":               true,
}

// Identifier - runs the identification chain. SfCmd is the siegfried
// binary ("sf" by default); runSF is swappable for tests.
type Identifier struct {
	SfCmd  string
	logger *logrus.Logger
	runSF  func(sfCmd, path string) ([]byte, error)
}

func New(logger *logrus.Logger) *Identifier {
	return &Identifier{
		SfCmd:  "sf",
		logger: logger,
		runSF:  runSiegfried,
	}
}

// sfOutput mirrors the siegfried JSON shape for a single file.
type sfOutput struct {
	Files []struct {
		Filesize int64  `json:"filesize"`
		Errors   string `json:"errors"`
		Matches  []struct {
			ID      string `json:"id"`
			Format  string `json:"format"`
			Version string `json:"version"`
			Mime    string `json:"mime"`
		} `json:"matches"`
	} `json:"files"`
}

func runSiegfried(sfCmd, path string) ([]byte, error) {
	return exec.Command(sfCmd, "-json", path).Output()
}

// Identify resolves the identification record for the file at absPath.
// ext is the entry's current extension (no dot) used for the rename
// signal.
func (i *Identifier) Identify(absPath string, ext string) (Identification, error) {
	var id Identification

	out, err := i.runSF(i.SfCmd, absPath)
	if err == nil {
		id = parseSiegfried(out)
	} else {
		i.logger.Debugf("siegfried failed for %s: %v", absPath, err)
	}

	if id.Mime == "" {
		if err := i.fallbackProbe(absPath, &id); err != nil {
			return id, err
		}
	}

	if id.Size == 0 {
		if st, err := os.Stat(absPath); err == nil {
			id.Size = st.Size()
		}
	}

	Normalize(&id)

	if strings.HasPrefix(id.Mime, "text/") {
		id.Encoding = detectEncoding(absPath)
	}

	id.Rename = needsRename(id.Mime, ext)
	return id, nil
}

func parseSiegfried(out []byte) Identification {
	var id Identification
	var sf sfOutput
	if err := json.Unmarshal(out, &sf); err != nil {
		return id
	}
	if len(sf.Files) == 0 {
		return id
	}
	f := sf.Files[0]
	id.Size = f.Filesize
	if len(f.Matches) == 0 {
		return id
	}
	m := f.Matches[0]
	// siegfried may report "mime; charset=..." style parameters
	id.Mime = strings.TrimSpace(strings.SplitN(m.Mime, ";", 2)[0])
	id.Format = m.Format
	id.Version = m.Version
	if m.ID != "UNKNOWN" {
		id.Puid = m.ID
	}
	return id
}

// fallbackProbe fills mime and format from file content magic numbers.
func (i *Identifier) fallbackProbe(absPath string, id *Identification) error {
	t, err := filetype.MatchFile(absPath)
	if err != nil {
		return err
	}
	if t == filetype.Unknown {
		// No magic match; text content is the last resort guess
		if looksLikeText(absPath) {
			id.Mime = "text/plain"
			id.Format = "Plain Text File"
		} else {
			id.Mime = "application/octet-stream"
		}
		return nil
	}
	id.Mime = t.MIME.Value
	id.Format = strings.ToUpper(t.Extension)
	return nil
}

// Normalize applies the PUID fixups: formats siegfried only matches by
// extension get their mime forced.
func Normalize(id *Identification) {
	switch id.Puid {
	case "x-fmt/18": // csv, extension match only
		id.Mime = "text/plain"
	case "fmt/979":
		id.Mime = "application/xml"
	}
}

// NormalizeMime applies the same fixups to a bare (mime, puid) pair;
// used by archive fan-out when appending member rows.
func NormalizeMime(mimeType, puid string) string {
	id := Identification{Mime: mimeType, Puid: puid}
	Normalize(&id)
	return id.Mime
}

const probeLimit = 64 * 1024

func detectEncoding(absPath string) string {
	blob, err := readHead(absPath, probeLimit)
	if err != nil || len(blob) == 0 {
		return ""
	}
	result, err := chardet.NewTextDetector().DetectBest(blob)
	if err != nil {
		return ""
	}
	return result.Charset
}

func looksLikeText(absPath string) bool {
	blob, err := readHead(absPath, 8*1024)
	if err != nil || len(blob) == 0 {
		return false
	}
	for _, b := range blob {
		if b == 0 {
			return false
		}
	}
	return true
}

func readHead(absPath string, limit int) ([]byte, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, limit)
	n, err := f.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	return nil, err
}

// needsRename reports whether the current extension contradicts the
// identified mime type. Generic mimes never force a rename, and a file
// without an extension has nothing to fold in.
func needsRename(mimeType, ext string) bool {
	if mimeType == "" || ext == "" || noRenameMimes[mimeType] {
		return false
	}
	extensions, err := mime.ExtensionsByType(mimeType)
	if err != nil || len(extensions) == 0 {
		return false
	}
	want := "." + strings.ToLower(ext)
	for _, e := range extensions {
		if strings.ToLower(e) == want {
			return false
		}
	}
	return true
}

// ExtensionFor returns the canonical extension (with dot) for a mime
// type, preferring the registry's per-mime `ext` when given. The
// platform guesser calls application/xml ".xsl", which is never what an
// archival tree wants.
func ExtensionFor(mimeType, registryExt string) string {
	if registryExt != "" {
		return "." + strings.TrimPrefix(registryExt, ".")
	}
	if mimeType == "application/xml" {
		return ".xml"
	}
	extensions, err := mime.ExtensionsByType(mimeType)
	if err != nil || len(extensions) == 0 {
		return ""
	}
	return extensions[0]
}
