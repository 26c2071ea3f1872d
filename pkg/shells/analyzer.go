// Package shells derives the diffusion shells of a gradient table and the
// spherical harmonic order that the downstream fit can support.
package shells

import (
	"fmt"
	"math"
	"os"
	"sort"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"tractoprep/internal/models"
	"tractoprep/pkg/dwi"
)

// Analyzer computes shell profiles. Orders above OrderThreshold are reported
// as OrderCeiling, the highest order the pipeline supports.
type Analyzer struct {
	OrderThreshold int
	OrderCeiling   int

	log log.FieldLogger
}

// NewAnalyzer creates an analyzer. A nil logger means the standard logger.
func NewAnalyzer(threshold, ceiling int, logger log.FieldLogger) Analyzer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return Analyzer{OrderThreshold: threshold, OrderCeiling: ceiling, log: logger}
}

// DefaultAnalyzer returns the analyzer used by the pipeline.
func DefaultAnalyzer() Analyzer {
	return NewAnalyzer(6, 8, nil)
}

func (a Analyzer) logger() log.FieldLogger {
	if a.log == nil {
		return log.StandardLogger()
	}
	return a.log
}

// Analyze derives the shell profile of a gradient table.
func (a Analyzer) Analyze(g models.GradientTable) (models.ShellProfile, error) {
	if err := g.Validate(); err != nil {
		return models.ShellProfile{}, fmt.Errorf("invalid gradient table: %w", err)
	}

	n := UniqueDirections(g)
	lmax := MaxOrder(n)
	order := lmax
	if lmax > a.OrderThreshold {
		order = a.OrderCeiling
	}

	p := models.ShellProfile{
		Shells:     UniqueShells(g.BValues),
		Directions: n,
		LMax:       lmax,
		Order:      order,
	}

	logger := a.logger()
	logger.WithFields(log.Fields{
		"shells":     p.ShellList(),
		"directions": n,
		"lmax":       lmax,
	}).Infof("The largest supported lmax using the whole dMRI sequence is: %d", lmax)
	logger.WithField("order", order).Info("Fitting lmax")
	return p, nil
}

// AnalyzeFiles reads a bval/bvec pair and analyzes it.
func (a Analyzer) AnalyzeFiles(bvalPath, bvecPath string) (models.ShellProfile, error) {
	g, err := dwi.ReadGradientTable(bvalPath, bvecPath)
	if err != nil {
		return models.ShellProfile{}, err
	}
	return a.Analyze(g)
}

// UniqueShells returns the distinct b-values, b0 included, as ascending integers.
func UniqueShells(bvals []float64) []int {
	sorted := append([]float64(nil), bvals...)
	sort.Float64s(sorted)

	var out []int
	for _, b := range sorted {
		v := int(b)
		if len(out) == 0 || out[len(out)-1] != v {
			out = append(out, v)
		}
	}
	return out
}

// UniqueDirections counts the distinct b-vector columns among the volumes
// with a non-zero b-value.
func UniqueDirections(g models.GradientTable) int {
	var seen [][]float64
	for j, b := range g.BValues {
		if b == 0 {
			continue
		}
		col := mat.Col(nil, j, g.BVectors)
		dup := false
		for _, s := range seen {
			if floats.Equal(s, col) {
				dup = true
				break
			}
		}
		if !dup {
			seen = append(seen, col)
		}
	}
	return len(seen)
}

// MaxOrder is the largest spherical harmonic order whose coefficient count,
// (l+1)(l+2)/2, does not exceed n directions.
func MaxOrder(n int) int {
	l := int(math.Floor((-3 + math.Sqrt(1+8*float64(n))) / 2))
	if l < 0 {
		return 0
	}
	return l
}

// WriteEnvFile appends shell-sourceable assignments of the profile to path.
func WriteEnvFile(path string, p models.ShellProfile) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open env file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "export TFBVAL=%q\nexport TFSHOD=\"%d\"\n", p.ShellList(), p.Order); err != nil {
		return fmt.Errorf("failed to write env file: %w", err)
	}
	return f.Close()
}
