// Package registry loads the declarative converter rule set: a yaml
// document keyed by MIME type, optionally refined per PUID or per source
// extension. Rule resolution is an explicit shallow merge of the refinement
// over the base entry.
package registry

import (
	"fmt"
	"os"
	"strings"

	yaml "gopkg.in/yaml.v2"
)

// Accept - acceptance rule for a converter entry. Either a blanket
// `accept: true`, or a list of versions/encodings that need no conversion.
type Accept struct {
	Always    bool
	Versions  []string
	Encodings []string
}

// UnmarshalYAML accepts both the scalar and the mapping form.
func (a *Accept) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var b bool
	if err := unmarshal(&b); err == nil {
		a.Always = b
		return nil
	}
	var aux struct {
		Version  []string `yaml:"version"`
		Encoding []string `yaml:"encoding"`
	}
	if err := unmarshal(&aux); err != nil {
		return err
	}
	a.Versions = aux.Version
	a.Encodings = aux.Encoding
	return nil
}

// Matches reports whether a file with the given version and encoding is
// already in an acceptable archival form.
func (a *Accept) Matches(version, encoding string) bool {
	if a == nil {
		return false
	}
	if a.Always {
		return true
	}
	if len(a.Versions) > 0 && version != "" {
		for _, v := range a.Versions {
			if v == version {
				return true
			}
		}
		return false
	}
	if len(a.Encodings) > 0 && encoding != "" {
		for _, e := range a.Encodings {
			// chardet reports canonical upper-case charset names
			if strings.EqualFold(e, encoding) {
				return true
			}
		}
	}
	return false
}

// OptString - a string field that distinguishes "key absent" from
// "key present but null". dest-ext needs this: absent means keep the
// source extension, null means drop it.
type OptString struct {
	Present bool
	Value   string
}

func (o *OptString) UnmarshalYAML(unmarshal func(interface{}) error) error {
	o.Present = true
	var s *string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s != nil {
		o.Value = *s
	}
	return nil
}

// Rule - one converter entry, either a base entry for a MIME type or a
// puid/source-ext refinement of one.
type Rule struct {
	Command   string          `yaml:"command"`
	Accept    *Accept         `yaml:"accept"`
	DestExt   OptString       `yaml:"dest-ext"`
	Ext       string          `yaml:"ext"`
	Timeout   int             `yaml:"timeout"`
	Keep      *bool           `yaml:"keep"`
	Remove    *bool           `yaml:"remove"`
	Puid      map[string]Rule `yaml:"puid"`
	SourceExt map[string]Rule `yaml:"source-ext"`
}

// UnmarshalYAML decodes a rule and records whether the dest-ext key was
// given at all: yaml does not call OptString's unmarshaler for a null
// value, so `dest-ext: null` is detected from the rule's own keys.
func (r *Rule) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain Rule
	if err := unmarshal((*plain)(r)); err != nil {
		return err
	}
	var keys map[string]interface{}
	if err := unmarshal(&keys); err != nil {
		return err
	}
	if _, ok := keys["dest-ext"]; ok {
		r.DestExt.Present = true
	}
	return nil
}

// KeepOriginal reports the keep flag, false when unset.
func (r *Rule) KeepOriginal() bool {
	return r.Keep != nil && *r.Keep
}

// RemoveFile reports the remove flag, false when unset.
func (r *Rule) RemoveFile() bool {
	return r.Remove != nil && *r.Remove
}

// Registry - the full rule table keyed by MIME type.
type Registry map[string]Rule

// Load reads a rule file.
func Load(filename string) (Registry, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	return Unmarshal(content)
}

// LoadWithOverride reads a rule file plus an optional override file of
// the same shape. Entries in the override file replace base entries with
// the same MIME key (matching the original local-file behaviour).
func LoadWithOverride(filename, overrideFilename string) (Registry, error) {
	reg, err := Load(filename)
	if err != nil {
		return nil, err
	}
	if overrideFilename == "" {
		return reg, nil
	}
	content, err := os.ReadFile(overrideFilename)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, fmt.Errorf("failed to load %v: %v", overrideFilename, err.Error())
	}
	override, err := Unmarshal(content)
	if err != nil {
		return nil, err
	}
	for mime, rule := range override {
		reg[mime] = rule
	}
	return reg, nil
}

// Unmarshal parses a rule document.
func Unmarshal(content []byte) (Registry, error) {
	reg := make(Registry)
	if err := yaml.Unmarshal(content, &reg); err != nil {
		return nil, fmt.Errorf("invalid converter rules: %v. make sure to use 'single quotes' around strings with special characters", err.Error())
	}
	return reg, nil
}

// Resolve returns the rule applicable to a file with the given mime, puid
// and source extension (extension without leading dot). The puid
// refinement wins over the source-ext one; both shallow-merge over the
// base entry.
func (reg Registry) Resolve(mime, puid, ext string) (Rule, bool) {
	base, ok := reg[mime]
	if !ok {
		return Rule{}, false
	}
	rule := base
	if puid != "" {
		if overlay, ok := base.Puid[puid]; ok {
			rule = merge(base, overlay)
			rule.Puid = nil
			rule.SourceExt = nil
			return rule, true
		}
	}
	if ext != "" {
		if overlay, ok := base.SourceExt[ext]; ok {
			rule = merge(base, overlay)
		}
	}
	rule.Puid = nil
	rule.SourceExt = nil
	return rule, true
}

func merge(base, overlay Rule) Rule {
	out := base
	if overlay.Command != "" {
		out.Command = overlay.Command
	}
	if overlay.Accept != nil {
		out.Accept = overlay.Accept
	}
	if overlay.DestExt.Present {
		out.DestExt = overlay.DestExt
	}
	if overlay.Ext != "" {
		out.Ext = overlay.Ext
	}
	if overlay.Timeout > 0 {
		out.Timeout = overlay.Timeout
	}
	if overlay.Keep != nil {
		out.Keep = overlay.Keep
	}
	if overlay.Remove != nil {
		out.Remove = overlay.Remove
	}
	return out
}
