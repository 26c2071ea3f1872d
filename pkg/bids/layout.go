package bids

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"tractoprep/internal/models"
	"tractoprep/pkg/nifti"
)

// ErrSubjectNotFound is returned when the participant directory does not exist.
var ErrSubjectNotFound = errors.New("participant not found in dataset")

// imageExtensions are the file types indexed as acquisitions.
var imageExtensions = map[string]bool{
	".nii":    true,
	".nii.gz": true,
}

// Layout is the index of one participant. Records are kept in lexical path
// order, which is the index order used by every selection step.
type Layout struct {
	Root        string
	Participant string

	records  []models.AcquisitionRecord
	sidecars []sidecar
	log      log.FieldLogger
}

type sidecar struct {
	path  string
	depth int
	name  ParsedName
}

// NewLayout walks root/sub-<participant> and indexes every image file with its
// sidecar metadata and gradient companions. Files of other participants are
// never visited.
func NewLayout(root, participant string, logger log.FieldLogger) (*Layout, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	participant = StripPrefix(participant, "sub")

	subDir := filepath.Join(root, "sub-"+participant)
	info, err := os.Stat(subDir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrSubjectNotFound, subDir)
	}

	l := &Layout{
		Root:        root,
		Participant: participant,
		log:         logger,
	}

	// dataset-level sidecars apply to every participant
	top, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset root: %w", err)
	}
	for _, e := range top {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			l.addSidecar(filepath.Join(root, e.Name()), 0)
		}
	}

	var images []string
	err = filepath.WalkDir(subDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		_, ext := SplitExtension(d.Name())
		rel, _ := filepath.Rel(root, path)
		depth := strings.Count(filepath.ToSlash(rel), "/")
		switch {
		case ext == ".json":
			l.addSidecar(path, depth)
		case imageExtensions[ext]:
			images = append(images, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to index %s: %w", subDir, err)
	}

	sort.Strings(images)
	for _, path := range images {
		rec, err := l.buildRecord(path)
		if err != nil {
			return nil, err
		}
		l.records = append(l.records, rec)
	}

	logger.WithFields(log.Fields{
		"participant": participant,
		"images":      len(l.records),
		"sidecars":    len(l.sidecars),
	}).Debug("Indexed participant")
	return l, nil
}

func (l *Layout) addSidecar(path string, depth int) {
	l.sidecars = append(l.sidecars, sidecar{
		path:  path,
		depth: depth,
		name:  ParseFilename(filepath.Base(path)),
	})
}

func (l *Layout) buildRecord(path string) (models.AcquisitionRecord, error) {
	filename := filepath.Base(path)
	name := ParseFilename(filename)
	stem := strings.TrimSuffix(path, name.Extension)

	rec := models.AcquisitionRecord{
		Path:      path,
		Filename:  filename,
		Entities:  name.Entities,
		Suffix:    name.Suffix,
		Extension: name.Extension,
		Datatype:  filepath.Base(filepath.Dir(path)),
		Source:    nifti.File{Path: path},
	}

	if fileExists(stem+".bval") && fileExists(stem+".bvec") {
		rec.BvalPath = stem + ".bval"
		rec.BvecPath = stem + ".bvec"
	}

	meta, err := l.mergedMetadata(filepath.Dir(path), name)
	if err != nil {
		return models.AcquisitionRecord{}, err
	}
	rec.Metadata = meta
	return rec, nil
}

// mergedMetadata applies the inheritance principle: every sidecar in the
// image directory or one of its parents, with the same suffix and a subset
// of the image entities, contributes. Least specific sidecars come first, so
// the closest one wins on conflicting keys.
func (l *Layout) mergedMetadata(dir string, name ParsedName) (map[string]any, error) {
	var applicable []sidecar
	for _, sc := range l.sidecars {
		if !isAncestor(filepath.Dir(sc.path), dir) {
			continue
		}
		if sc.name.Suffix == name.Suffix && sc.name.subsetOf(name.Entities) {
			applicable = append(applicable, sc)
		}
	}
	sort.SliceStable(applicable, func(i, j int) bool {
		if applicable[i].depth != applicable[j].depth {
			return applicable[i].depth < applicable[j].depth
		}
		return len(applicable[i].name.Entities) < len(applicable[j].name.Entities)
	})

	meta := make(map[string]any)
	for _, sc := range applicable {
		data, err := os.ReadFile(sc.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read sidecar: %w", err)
		}
		var fields map[string]any
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("failed to parse sidecar %s: %w", sc.path, err)
		}
		for k, v := range fields {
			meta[k] = v
		}
	}
	return meta, nil
}

// Records returns every indexed image in index order.
func (l *Layout) Records() []models.AcquisitionRecord {
	return l.records
}

// Get returns the records matching q, in index order.
func (l *Layout) Get(q Query) []models.AcquisitionRecord {
	var out []models.AcquisitionRecord
	for _, rec := range l.records {
		if q.Matches(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// isAncestor reports whether dir equals child or contains it.
func isAncestor(dir, child string) bool {
	rel, err := filepath.Rel(dir, child)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
