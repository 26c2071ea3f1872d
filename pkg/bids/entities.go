// Package bids indexes a single participant of a BIDS dataset and answers
// entity queries against it.
package bids

import (
	"strings"
)

// entityAliases maps the long entity names used in filter files to the short
// keys that appear in filenames.
var entityAliases = map[string]string{
	"subject":        "sub",
	"session":        "ses",
	"task":           "task",
	"acquisition":    "acq",
	"ceagent":        "ce",
	"tracer":         "trc",
	"reconstruction": "rec",
	"direction":      "dir",
	"run":            "run",
	"modality":       "mod",
	"echo":           "echo",
	"flip":           "flip",
	"inversion":      "inv",
	"mtransfer":      "mt",
	"part":           "part",
	"chunk":          "chunk",
	"space":          "space",
	"description":    "desc",
}

// EntityKey normalizes an entity name to its filename key.
func EntityKey(name string) string {
	if short, ok := entityAliases[name]; ok {
		return short
	}
	return name
}

// ParsedName is a BIDS filename broken into its parts.
type ParsedName struct {
	Entities  map[string]string
	Suffix    string
	Extension string
}

// SplitExtension separates everything from the first dot.
func SplitExtension(filename string) (stem, ext string) {
	if i := strings.Index(filename, "."); i >= 0 {
		return filename[:i], filename[i:]
	}
	return filename, ""
}

// ParseFilename extracts key-value entities, the suffix and the extension of
// a filename such as sub-01_ses-1_acq-mprage_T1w.nii.gz.
func ParseFilename(filename string) ParsedName {
	stem, ext := SplitExtension(filename)
	p := ParsedName{
		Entities:  make(map[string]string),
		Extension: ext,
	}

	parts := strings.Split(stem, "_")
	for i, part := range parts {
		key, value, found := strings.Cut(part, "-")
		if found && key != "" {
			p.Entities[key] = value
			continue
		}
		if i == len(parts)-1 {
			p.Suffix = part
		}
	}
	return p
}

// subsetOf reports whether every entity of p is present with the same value in other.
func (p ParsedName) subsetOf(other map[string]string) bool {
	for k, v := range p.Entities {
		if other[k] != v {
			return false
		}
	}
	return true
}

// StripPrefix removes a "sub-" or "ses-" style prefix from an identifier.
func StripPrefix(id, prefix string) string {
	return strings.TrimPrefix(id, prefix+"-")
}
