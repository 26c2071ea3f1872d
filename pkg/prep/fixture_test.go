package prep

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"tractoprep/internal/models"
	"tractoprep/pkg/bids"
	"tractoprep/pkg/dwi"
	"tractoprep/pkg/nifti"
)

// dataset builds a synthetic BIDS tree for one participant
type dataset struct {
	root string

	// voxelSize, when set, scales the affine of every added image
	voxelSize [3]float64
}

// imagePath places a filename in its sub/ses/datatype directory
func (d dataset) imagePath(filename string) string {
	name := bids.ParseFilename(filename)
	datatype := "anat"
	if name.Suffix == "dwi" {
		datatype = "dwi"
	}
	dir := d.root
	if sub, ok := name.Entities["sub"]; ok {
		dir = filepath.Join(dir, "sub-"+sub)
	}
	if ses, ok := name.Entities["ses"]; ok {
		dir = filepath.Join(dir, "ses-"+ses)
	}
	return filepath.Join(dir, datatype, filename)
}

// addImage writes a volume whose volume t holds value+t everywhere, with an
// optional sidecar
func (d dataset) addImage(filename string, shape []int, value float64, meta map[string]any) error {
	path := d.imagePath(filename)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	vol := models.NewVolume(shape, nil)
	if d.voxelSize[0] != 0 {
		for i, size := range d.voxelSize {
			vol.Affine.Set(i, i, size)
		}
	}
	per := vol.VoxelsPerVolume()
	for i := range vol.Data {
		vol.Data[i] = value + float64(i/per)
	}
	if err := nifti.Write(path, vol); err != nil {
		return err
	}

	if meta == nil {
		return nil
	}
	return d.addSidecar(trimExtension(path)+".json", meta)
}

func (d dataset) addSidecar(path string, meta map[string]any) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// addGradients writes the bval/bvec pair of an image. Non-zero b-values get
// the direction (1, j, seed), so distinct seeds give distinct directions.
func (d dataset) addGradients(filename string, bvals []float64, seed float64) error {
	stem := trimExtension(d.imagePath(filename))
	vecs := mat.NewDense(3, len(bvals), nil)
	for j, b := range bvals {
		if b == 0 {
			continue
		}
		vecs.Set(0, j, 1)
		vecs.Set(1, j, float64(j))
		vecs.Set(2, j, seed)
	}
	return dwi.WriteGradientTable(stem+".bval", stem+".bvec",
		models.GradientTable{BValues: bvals, BVectors: vecs})
}

// trimExtension drops .nii or .nii.gz from a path
func trimExtension(path string) string {
	return strings.TrimSuffix(strings.TrimSuffix(path, ".gz"), ".nii")
}

func quietLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func sameContent(a, b string) (bool, error) {
	da, err := os.ReadFile(a)
	if err != nil {
		return false, err
	}
	db, err := os.ReadFile(b)
	if err != nil {
		return false, err
	}
	return string(da) == string(db), nil
}
