package visualization

import (
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"tractoprep/internal/models"
)

// gradientVolume fills a volume where each z plane holds its own value
func gradientVolume(width, height, depth, volumes int) *models.Volume {
	shape := []int{width, height, depth}
	if volumes > 1 {
		shape = append(shape, volumes)
	}
	vol := models.NewVolume(shape, nil)
	for t := 0; t < volumes; t++ {
		for z := 0; z < depth; z++ {
			for y := 0; y < height; y++ {
				for x := 0; x < width; x++ {
					idx := t*width*height*depth + z*width*height + y*width + x
					vol.Data[idx] = float64(z+1) * 10
				}
			}
		}
	}
	return vol
}

// TestNewViewer verifies that a new viewer is created with the correct parameters
func TestNewViewer(t *testing.T) {
	vol := gradientVolume(10, 8, 5, 2)

	viewer, err := NewViewer(vol, 1)
	if err != nil {
		t.Fatalf("NewViewer failed: %v", err)
	}

	if viewer.width != 10 || viewer.height != 8 || viewer.depth != 5 {
		t.Errorf("Unexpected dimensions %dx%dx%d", viewer.width, viewer.height, viewer.depth)
	}
	if len(viewer.volumeData) != 10*8*5 {
		t.Errorf("Expected one volume of data, got %d voxels", len(viewer.volumeData))
	}
	if viewer.low >= viewer.high {
		t.Errorf("Expected an increasing window, got [%f, %f]", viewer.low, viewer.high)
	}

	if _, err := NewViewer(vol, 2); err == nil {
		t.Error("Expected error for out-of-range volume")
	}
}

// TestExtractSlice verifies that slices are correctly extracted from the volume
func TestExtractSlice(t *testing.T) {
	width, height, depth := 10, 8, 5
	viewer, err := NewViewer(gradientVolume(width, height, depth, 1), 0)
	if err != nil {
		t.Fatalf("NewViewer failed: %v", err)
	}

	tests := []struct {
		axis string
		w, h int
	}{
		{"x", height, depth},
		{"y", width, depth},
		{"z", width, height},
	}

	for _, tt := range tests {
		t.Run(tt.axis, func(t *testing.T) {
			img, err := viewer.ExtractSlice(tt.axis, 0)
			if err != nil {
				t.Fatalf("Failed to extract %s slice: %v", tt.axis, err)
			}
			b := img.Bounds()
			if b.Dx() != tt.w || b.Dy() != tt.h {
				t.Errorf("Expected %dx%d slice, got %dx%d", tt.w, tt.h, b.Dx(), b.Dy())
			}
		})
	}

	// z planes are uniform, so every pixel of one axial slice has the same value
	img, _ := viewer.ExtractSlice("z", 4)
	gray := img.(*image.Gray16)
	first := gray.Gray16At(0, 0)
	if first.Y != 65535 {
		t.Errorf("Expected brightest plane to saturate, got %d", first.Y)
	}
	if gray.Gray16At(width-1, height-1) != first {
		t.Error("Expected a uniform axial slice")
	}

	if _, err := viewer.ExtractSlice("z", depth); err == nil {
		t.Error("Expected error for out-of-range position")
	}
	if _, err := viewer.ExtractSlice("w", 0); err == nil {
		t.Error("Expected error for invalid axis")
	}
}

func TestScale(t *testing.T) {
	src := image.NewGray16(image.Rect(0, 0, 20, 10))

	dst := Scale(src, 100)
	if b := dst.Bounds(); b.Dx() != 100 || b.Dy() != 50 {
		t.Errorf("Expected 100x50, got %dx%d", b.Dx(), b.Dy())
	}

	if Scale(src, 0) != image.Image(src) {
		t.Error("Expected non-positive size to leave the image untouched")
	}
}

func TestSaveMidSlices(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "qc")

	paths, err := SaveMidSlices(gradientVolume(6, 6, 4, 3), dir, "dwi", 32)
	if err != nil {
		t.Fatalf("SaveMidSlices failed: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("Expected 3 previews, got %d", len(paths))
	}

	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			t.Fatalf("Failed to open %s: %v", p, err)
		}
		img, err := png.Decode(f)
		f.Close()
		if err != nil {
			t.Fatalf("Failed to decode %s: %v", p, err)
		}
		if b := img.Bounds(); b.Dx() != 32 && b.Dy() != 32 {
			t.Errorf("Expected longer side of 32 pixels, got %dx%d", b.Dx(), b.Dy())
		}
	}

	if filepath.Base(paths[2]) != "dwi_z.png" {
		t.Errorf("Unexpected preview name %s", paths[2])
	}
}
