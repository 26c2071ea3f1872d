package models

import (
	"fmt"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// VolumeSource gives lazy access to the pixel data of an acquisition.
type VolumeSource interface {
	// Shape returns the axis sizes without reading voxel data.
	Shape() ([]int, error)

	// Load reads the full volume into memory.
	Load() (*Volume, error)
}

// AcquisitionRecord is one imaging file found in the dataset together with
// its sidecar metadata. Records are never modified after indexing.
type AcquisitionRecord struct {
	// Path is the absolute or dataset-relative location of the image file.
	Path string

	// Filename is the base name of the image file.
	Filename string

	// Entities holds the key-value pairs parsed from the filename (sub, ses,
	// acq, run, ...). The suffix and extension are stored separately.
	Entities map[string]string

	// Suffix is the trailing label of the filename, e.g. T1w or dwi.
	Suffix string

	// Extension is the file extension including the leading dot.
	Extension string

	// Datatype is the name of the folder the file lives in (anat, dwi).
	Datatype string

	// Metadata is the merged JSON sidecar content.
	Metadata map[string]any

	// Source loads the pixel data.
	Source VolumeSource

	// BvalPath and BvecPath point at the companion gradient files. They are
	// empty when the file does not exist on disk.
	BvalPath string
	BvecPath string
}

// EntityCount is the number of identifying key-value pairs in the filename.
func (r AcquisitionRecord) EntityCount() int {
	return len(r.Entities)
}

// HasGradients reports whether both companion gradient files exist.
func (r AcquisitionRecord) HasGradients() bool {
	return r.BvalPath != "" && r.BvecPath != ""
}

// MetaString returns the metadata value for key as a string. Missing keys
// and JSON nulls report ok=false.
func (r AcquisitionRecord) MetaString(key string) (string, bool) {
	v, ok := r.Metadata[key]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return fmt.Sprint(t), true
	}
}

// GradientTable pairs the b-values of a series with its 3xN b-vector matrix.
type GradientTable struct {
	BValues  []float64
	BVectors *mat.Dense
}

// ZeroGradients returns a table of n b=0 volumes with null directions.
func ZeroGradients(n int) GradientTable {
	return GradientTable{
		BValues:  make([]float64, n),
		BVectors: mat.NewDense(3, n, nil),
	}
}

// Len is the number of volumes described by the table.
func (g GradientTable) Len() int {
	return len(g.BValues)
}

// Validate checks that the b-vector matrix has three rows and one column per b-value.
func (g GradientTable) Validate() error {
	if g.BVectors == nil {
		return fmt.Errorf("missing b-vectors")
	}
	r, c := g.BVectors.Dims()
	if r != 3 {
		return fmt.Errorf("b-vector matrix has %d rows, expected 3", r)
	}
	if c != len(g.BValues) {
		return fmt.Errorf("%d b-values but %d b-vectors", len(g.BValues), c)
	}
	return nil
}

// WeightedCount counts the volumes with a non-zero b-value.
func (g GradientTable) WeightedCount() int {
	n := 0
	for _, b := range g.BValues {
		if b != 0 {
			n++
		}
	}
	return n
}

// ConcatGradients appends the tables in order along the volume axis.
func ConcatGradients(tables ...GradientTable) GradientTable {
	if len(tables) == 0 {
		return GradientTable{}
	}

	out := GradientTable{
		BValues:  append([]float64(nil), tables[0].BValues...),
		BVectors: mat.DenseCopyOf(tables[0].BVectors),
	}
	for _, t := range tables[1:] {
		out.BValues = append(out.BValues, t.BValues...)
		var next mat.Dense
		next.Augment(out.BVectors, t.BVectors)
		out.BVectors = &next
	}
	return out
}

// Exclusion records a diffusion file left out of a merge and why.
type Exclusion struct {
	Filename string `yaml:"filename"`
	Label    string `yaml:"label"`
	Reason   string `yaml:"reason"`
}

// MergedDiffusionSeries is the result of merging the diffusion candidates of
// one session.
type MergedDiffusionSeries struct {
	// Image is the primary series; its volume axis matches Gradients.
	Image     *Volume
	Gradients GradientTable

	// ReadoutTime is the total readout time of the primary series in seconds.
	ReadoutTime float64

	// Phase is the canonical phase-encoding axis: x, y or z.
	Phase string

	// PrimaryLabel is the raw phase-encoding label of the primary series.
	PrimaryLabel string

	// ReversePE is the mean of the other cohort, or nil when there is none.
	ReversePE *Volume

	// Included and Excluded list the files that were and were not merged.
	Included []string
	Excluded []Exclusion
}

// ShellProfile describes the diffusion shells of a series and the spherical
// harmonic order that can be fitted to it.
type ShellProfile struct {
	Shells     []int `yaml:"shells"`
	Directions int   `yaml:"directions"`
	LMax       int   `yaml:"lmax"`
	Order      int   `yaml:"order"`
}

// ShellList joins the shells with single spaces.
func (p ShellProfile) ShellList() string {
	parts := make([]string, len(p.Shells))
	for i, s := range p.Shells {
		parts[i] = strconv.Itoa(s)
	}
	return strings.Join(parts, " ")
}
