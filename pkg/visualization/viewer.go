// Package visualization renders quality-control previews of prepared volumes.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/stat"

	"tractoprep/internal/models"
)

// Viewer extracts 2D slices from the first volume of an image. Intensities
// are windowed between the low and high percentiles of the non-zero voxels.
type Viewer struct {
	// volumeData holds the 3D volume being previewed
	volumeData []float64

	// dimensions of the volume
	width  int
	height int
	depth  int

	// intensity window
	low  float64
	high float64
}

// Window percentiles, as fractions.
const (
	lowQuantile  = 0.02
	highQuantile = 0.98
)

// NewViewer creates a viewer over volume t of vol.
func NewViewer(vol *models.Volume, t int) (*Viewer, error) {
	if vol == nil {
		return nil, fmt.Errorf("no volume to preview")
	}
	if t < 0 || t >= vol.NumVolumes() {
		return nil, fmt.Errorf("volume %d out of range [0, %d)", t, vol.NumVolumes())
	}
	s := vol.SpatialShape()
	v := &Viewer{
		volumeData: vol.VolumeAt(t),
		width:      s[0],
		height:     s[1],
		depth:      s[2],
	}
	v.low, v.high = intensityWindow(v.volumeData)
	return v, nil
}

// intensityWindow returns the percentile window of the non-zero voxels.
func intensityWindow(data []float64) (low, high float64) {
	var nz []float64
	for _, x := range data {
		if x != 0 && !math.IsNaN(x) {
			nz = append(nz, x)
		}
	}
	if len(nz) == 0 {
		return 0, 1
	}
	sort.Float64s(nz)
	low = stat.Quantile(lowQuantile, stat.Empirical, nz, nil)
	high = stat.Quantile(highQuantile, stat.Empirical, nz, nil)
	if high <= low {
		high = low + 1
	}
	return low, high
}

func (v *Viewer) gray(value float64) color.Gray16 {
	f := (value - v.low) / (v.high - v.low)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, f*65535)))}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var img *image.Gray16

	switch axis {
	case "x", "X":
		// YZ plane, superior at the top
		if position >= v.width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.width)
		}
		img = image.NewGray16(image.Rect(0, 0, v.height, v.depth))
		for z := 0; z < v.depth; z++ {
			for y := 0; y < v.height; y++ {
				idx := z*v.width*v.height + y*v.width + position
				img.SetGray16(y, v.depth-1-z, v.gray(v.volumeData[idx]))
			}
		}

	case "y", "Y":
		// XZ plane
		if position >= v.height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.height)
		}
		img = image.NewGray16(image.Rect(0, 0, v.width, v.depth))
		for z := 0; z < v.depth; z++ {
			for x := 0; x < v.width; x++ {
				idx := z*v.width*v.height + position*v.width + x
				img.SetGray16(x, v.depth-1-z, v.gray(v.volumeData[idx]))
			}
		}

	case "z", "Z":
		// XY plane, anterior at the top
		if position >= v.depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.depth)
		}
		img = image.NewGray16(image.Rect(0, 0, v.width, v.height))
		for y := 0; y < v.height; y++ {
			for x := 0; x < v.width; x++ {
				idx := position*v.width*v.height + y*v.width + x
				img.SetGray16(x, v.height-1-y, v.gray(v.volumeData[idx]))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// MidSlice extracts the central slice along axis.
func (v *Viewer) MidSlice(axis string) (image.Image, error) {
	switch axis {
	case "x", "X":
		return v.ExtractSlice(axis, v.width/2)
	case "y", "Y":
		return v.ExtractSlice(axis, v.height/2)
	default:
		return v.ExtractSlice(axis, v.depth/2)
	}
}

// Scale resizes img so that its longer side is size pixels.
func Scale(img image.Image, size int) image.Image {
	b := img.Bounds()
	if size <= 0 || b.Dx() == 0 || b.Dy() == 0 {
		return img
	}
	w, h := size, size
	if b.Dx() > b.Dy() {
		h = int(math.Max(1, math.Round(float64(size*b.Dy())/float64(b.Dx()))))
	} else {
		w = int(math.Max(1, math.Round(float64(size*b.Dx())/float64(b.Dy()))))
	}
	dst := image.NewGray16(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// SaveSlice saves an extracted slice as a PNG image
func SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := png.Encode(file, img); err != nil {
		return err
	}
	return file.Close()
}

// SaveMidSlices writes the three orthogonal central slices of the first
// volume of vol to outputDir as <name>_<axis>.png, scaled to size pixels.
// It returns the written paths.
func SaveMidSlices(vol *models.Volume, outputDir, name string, size int) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	v, err := NewViewer(vol, 0)
	if err != nil {
		return nil, err
	}

	var written []string
	for _, axis := range []string{"x", "y", "z"} {
		img, err := v.MidSlice(axis)
		if err != nil {
			return written, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.png", name, axis))
		if err := SaveSlice(Scale(img, size), filename); err != nil {
			return written, fmt.Errorf("failed to save %s: %w", filename, err)
		}
		written = append(written, filename)
	}
	return written, nil
}
