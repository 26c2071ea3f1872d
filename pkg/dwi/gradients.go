package dwi

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"tractoprep/internal/models"
)

// readRows parses a whitespace separated numeric text table.
func readRows(path string) ([][]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var rows [][]float64
	for n, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		row := make([]float64, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("%s line %d: %w", path, n+1, err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ReadBvals reads every number in an FSL bval file, whether stored as a row
// or as a column.
func ReadBvals(path string) ([]float64, error) {
	rows, err := readRows(path)
	if err != nil {
		return nil, err
	}
	var out []float64
	for _, r := range rows {
		out = append(out, r...)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s has no b-values", path)
	}
	return out, nil
}

// ReadBvecs reads an FSL bvec file into a 3xN matrix. Files stored as N rows
// of three columns are transposed.
func ReadBvecs(path string) (*mat.Dense, error) {
	rows, err := readRows(path)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s has no b-vectors", path)
	}

	cols := len(rows[0])
	for i, r := range rows {
		if len(r) != cols {
			return nil, fmt.Errorf("%s: row %d has %d columns, expected %d", path, i+1, len(r), cols)
		}
	}

	flat := make([]float64, 0, len(rows)*cols)
	for _, r := range rows {
		flat = append(flat, r...)
	}
	m := mat.NewDense(len(rows), cols, flat)

	switch {
	case len(rows) == 3:
		return m, nil
	case cols == 3:
		return mat.DenseCopyOf(m.T()), nil
	default:
		return nil, fmt.Errorf("%s is %dx%d, expected 3xN", path, len(rows), cols)
	}
}

// ReadGradientTable loads a bval/bvec pair.
func ReadGradientTable(bvalPath, bvecPath string) (models.GradientTable, error) {
	bvals, err := ReadBvals(bvalPath)
	if err != nil {
		return models.GradientTable{}, fmt.Errorf("failed to read bval: %w", err)
	}
	bvecs, err := ReadBvecs(bvecPath)
	if err != nil {
		return models.GradientTable{}, fmt.Errorf("failed to read bvec: %w", err)
	}
	return models.GradientTable{BValues: bvals, BVectors: bvecs}, nil
}

// WriteBvals writes the b-values as one space separated row of integers.
func WriteBvals(path string, bvals []float64) error {
	parts := make([]string, len(bvals))
	for i, b := range bvals {
		parts[i] = strconv.FormatFloat(b, 'f', 0, 64)
	}
	return os.WriteFile(path, []byte(strings.Join(parts, " ")+"\n"), 0644)
}

// WriteBvecs writes the three rows of the b-vector matrix with six decimals.
func WriteBvecs(path string, bvecs *mat.Dense) error {
	r, c := bvecs.Dims()
	var sb strings.Builder
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if j > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(strconv.FormatFloat(bvecs.At(i, j), 'f', 6, 64))
		}
		sb.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(sb.String()), 0644)
}

// WriteGradientTable writes both files of a table.
func WriteGradientTable(bvalPath, bvecPath string, g models.GradientTable) error {
	if err := WriteBvals(bvalPath, g.BValues); err != nil {
		return fmt.Errorf("failed to write bval: %w", err)
	}
	if err := WriteBvecs(bvecPath, g.BVectors); err != nil {
		return fmt.Errorf("failed to write bvec: %w", err)
	}
	return nil
}
