package registry

import (
	"fmt"
	"strings"
)

// Vars - values substituted into a command template before execution.
// Path values are shell-quoted; Pid is numeric.
type Vars struct {
	Source       string
	Dest         string
	Temp         string
	MimeType     string
	SourceParent string
	DestParent   string
	Stem         string
	Pid          int
}

// ExpandCommand substitutes the template placeholders. Every path value
// is quoted so filenames with spaces or shell metacharacters survive the
// `sh -c` invocation.
func ExpandCommand(cmd string, v Vars) string {
	replacer := strings.NewReplacer(
		"<source>", ShellQuote(v.Source),
		"<dest>", ShellQuote(v.Dest),
		"<temp>", ShellQuote(v.Temp),
		"<mime-type>", ShellQuote(v.MimeType),
		"<source-parent>", ShellQuote(v.SourceParent),
		"<dest-parent>", ShellQuote(v.DestParent),
		"<stem>", ShellQuote(v.Stem),
		"<pid>", fmt.Sprintf("%d", v.Pid),
	)
	return replacer.Replace(cmd)
}

// NeedsTemp reports whether the template references the scratch path.
func NeedsTemp(cmd string) bool {
	return strings.Contains(cmd, "<temp>")
}

// ShellQuote wraps s in single quotes, escaping embedded single quotes.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
