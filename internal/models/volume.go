package models

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Volume is an in-memory image of rank 3 (X,Y,Z) or 4 (X,Y,Z,volumes).
// Other ranks can be represented so that callers can reject them.
type Volume struct {
	// Data holds the voxels with X varying fastest, then Y, Z and the volume
	// index, matching the on-disk NIfTI ordering.
	Data []float64

	// Shape is the size of every axis.
	Shape []int

	// Affine maps voxel indices (i,j,k,1) to world coordinates.
	Affine *mat.Dense

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize struct {
		X, Y, Z float64
	}
}

// NewVolume allocates a zero-filled volume of the given shape. A nil affine
// is replaced with the identity.
func NewVolume(shape []int, affine *mat.Dense) *Volume {
	n := 1
	for _, s := range shape {
		n *= s
	}
	if affine == nil {
		affine = IdentityAffine()
	}
	v := &Volume{
		Data:   make([]float64, n),
		Shape:  append([]int(nil), shape...),
		Affine: affine,
	}
	v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z = 1, 1, 1
	return v
}

// IdentityAffine returns a fresh 4x4 identity matrix.
func IdentityAffine() *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}

// Rank returns the number of axes.
func (v *Volume) Rank() int {
	return len(v.Shape)
}

// SpatialShape returns the first three axis sizes. Missing axes count as 1.
func (v *Volume) SpatialShape() [3]int {
	out := [3]int{1, 1, 1}
	for i := 0; i < 3 && i < len(v.Shape); i++ {
		out[i] = v.Shape[i]
	}
	return out
}

// VoxelsPerVolume is the number of voxels in one 3-D volume.
func (v *Volume) VoxelsPerVolume() int {
	s := v.SpatialShape()
	return s[0] * s[1] * s[2]
}

// NumVolumes returns the length of the volume axis; a 3-D image counts as one volume.
func (v *Volume) NumVolumes() int {
	if len(v.Shape) >= 4 {
		return v.Shape[3]
	}
	return 1
}

// VolumeAt returns the voxels of volume t. The slice aliases v.Data.
func (v *Volume) VolumeAt(t int) []float64 {
	n := v.VoxelsPerVolume()
	return v.Data[t*n : (t+1)*n]
}

// ConcatVolumes stacks the inputs along the volume axis. Every input must have
// the same spatial shape; 3-D inputs contribute a single volume. The affine
// and voxel size of the result are copied from the first input.
func ConcatVolumes(vols ...*Volume) (*Volume, error) {
	if len(vols) == 0 {
		return nil, fmt.Errorf("no volumes to concatenate")
	}

	ref := vols[0].SpatialShape()
	total := 0
	for i, v := range vols {
		if v.Rank() != 3 && v.Rank() != 4 {
			return nil, fmt.Errorf("volume %d has rank %d", i, v.Rank())
		}
		if v.SpatialShape() != ref {
			return nil, fmt.Errorf("volume %d has spatial shape %v, expected %v", i, v.SpatialShape(), ref)
		}
		total += v.NumVolumes()
	}

	out := NewVolume([]int{ref[0], ref[1], ref[2], total}, mat.DenseCopyOf(vols[0].Affine))
	out.VoxelSize = vols[0].VoxelSize
	out.Data = out.Data[:0]
	for _, v := range vols {
		out.Data = append(out.Data, v.Data...)
	}
	return out, nil
}

// MeanVolume averages the volume axis voxel-wise and returns a 3-D volume with
// the same affine.
func (v *Volume) MeanVolume() *Volume {
	s := v.SpatialShape()
	out := NewVolume([]int{s[0], s[1], s[2]}, mat.DenseCopyOf(v.Affine))
	out.VoxelSize = v.VoxelSize

	n := v.NumVolumes()
	for t := 0; t < n; t++ {
		floats.Add(out.Data, v.VolumeAt(t))
	}
	floats.Scale(1/float64(n), out.Data)
	return out
}

// AnyNonZero reports whether at least one voxel is non-zero.
func (v *Volume) AnyNonZero() bool {
	for _, x := range v.Data {
		if x != 0 {
			return true
		}
	}
	return false
}
