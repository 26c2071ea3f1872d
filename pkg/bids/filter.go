package bids

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"tractoprep/internal/models"
)

// Query constrains records by entity. Values may be a string or number
// (exact match), a list (any of), or nil (entity must be absent). The special
// keys suffix, extension and datatype match the corresponding record fields.
type Query map[string]any

// Filter is the content of a bids_filter_ses-<session>.json file.
type Filter struct {
	T1w Query `json:"t1w"`
	DWI Query `json:"dwi"`
}

// FilterPath returns the expected filter file location for a session.
func FilterPath(dir, session string) string {
	return filepath.Join(dir, fmt.Sprintf("bids_filter_ses-%s.json", session))
}

// LoadFilter reads the filter file for a session. found is false when the
// file does not exist.
func LoadFilter(dir, session string) (filter *Filter, found bool, err error) {
	path := FilterPath(dir, session)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("error reading filter file: %w", err)
	}

	filter = &Filter{}
	if err := json.Unmarshal(data, filter); err != nil {
		return nil, false, fmt.Errorf("error parsing filter file %s: %w", path, err)
	}
	return filter, true, nil
}

// DefaultQueries selects T1w and dwi images of one session.
func DefaultQueries(session string) (anat, dwi Query) {
	return Query{"suffix": "T1w", "session": session},
		Query{"suffix": "dwi", "session": session}
}

// With returns a copy of q with key set to value.
func (q Query) With(key string, value any) Query {
	out := make(Query, len(q)+1)
	for k, v := range q {
		out[k] = v
	}
	out[key] = value
	return out
}

// Matches reports whether rec satisfies every constraint of q.
func (q Query) Matches(rec models.AcquisitionRecord) bool {
	for name, want := range q {
		got, present := recordValue(rec, name)
		if !matchValue(got, present, want) {
			return false
		}
	}
	return true
}

func recordValue(rec models.AcquisitionRecord, name string) (string, bool) {
	switch name {
	case "suffix":
		return rec.Suffix, rec.Suffix != ""
	case "extension":
		return rec.Extension, rec.Extension != ""
	case "datatype":
		return rec.Datatype, rec.Datatype != ""
	}
	v, ok := rec.Entities[EntityKey(name)]
	return v, ok
}

func matchValue(got string, present bool, want any) bool {
	switch w := want.(type) {
	case nil:
		return !present
	case []any:
		for _, option := range w {
			if matchValue(got, present, option) {
				return true
			}
		}
		return false
	case string:
		return present && equalLabel(got, w)
	case float64:
		return present && equalLabel(got, strconv.FormatFloat(w, 'f', -1, 64))
	case int:
		return present && equalLabel(got, strconv.Itoa(w))
	case bool:
		// true: entity present with any value
		return present == w
	default:
		return present && got == fmt.Sprint(w)
	}
}

// equalLabel compares labels, treating zero-padded integers as equal (run-01 == 1).
func equalLabel(a, b string) bool {
	if a == b {
		return true
	}
	ai, errA := strconv.Atoi(a)
	bi, errB := strconv.Atoi(b)
	return errA == nil && errB == nil && ai == bi
}
