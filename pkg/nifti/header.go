// Package nifti reads and writes single-file NIfTI-1 images (.nii and .nii.gz).
//
// Based on the official definition of the nifti1 header,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInvalidHeader is returned when the first 348 bytes are not a NIfTI-1 header.
	ErrInvalidHeader = errors.New("invalid nifti-1 header")

	// ErrUnsupportedDatatype is returned for voxel types this package cannot decode.
	ErrUnsupportedDatatype = errors.New("unsupported nifti datatype")
)

// Header defines the structure of the Nifti1 header.
//
// Type translation from nifti1 C header to golang:
//
// C     Go
// -------------
// int   int32
// float float32
// short int16
// char  int8 / byte
type Header struct {
	SizeOfHdr          int32    // Must be 348
	UnusedDataType     [10]byte // Unused
	UnusedDbName       [18]byte // Unused
	UnusedExtents      int32    // Unused
	UnusedSessionError int16    // Unused
	UnusedRegular      byte     // Unused
	DimInfo            int8     // MRI slice ordering

	Dim           [8]int16   // Data array dimensions
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	DataType      int16      // Defines data type
	BitPix        int16      // Number bits/voxel
	SliceStart    int16      // First slice index
	PixDim        [8]float32 // Grid spacing
	VoxOffset     float32    // Offset into .nii file
	SclSlope      float32    // Data scaling: slope
	SclInter      float32    // Data scaling: offset
	SliceEnd      int16      // Last slice index
	SliceCode     int8       // Slice timing order
	XYZTUnits     int8       // Units of pixdim[1..4]
	CalMax        float32    // Max display intensity
	CalMin        float32    // Min display intensity
	SliceDuration float32    // Time for 1 slice
	TOffset       float32    // Time axis shift
	UnusedGlmax   int32      // Unused
	UnusedGlmin   int32      // Unused

	Descrip [80]byte // Any text you like
	AuxFile [24]byte // Auxiliary filename

	QFormCode int16 // NIFTI_XFORM_* code
	SFormCode int16 // NIFTI_XFORM_* code

	QuaternB float32 // Quaternion b params
	QuaternC float32 // Quaternion c params
	QuaternD float32 // Quaternion d params
	QOffsetX float32 // Quaternion x shift
	QOffsetY float32 // Quaternion y shift
	QOffsetZ float32 // Quaternion z shift

	SRowX [4]float32 // 1st row affine transform
	SRowY [4]float32 // 2nd row affine transform
	SRowZ [4]float32 // 3rd row affine transform

	IntentName [16]byte // 'name' or meaning of data

	Magic [4]byte // Must be "ni1\0" or "n+1\0"
}

const (
	headerSize    = 352
	minHeaderSize = 348
)

// Datatype codes (NIFTI_TYPE_*) understood by the decoder.
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
)

var singleFileMagic = [4]byte{'n', '+', '1', 0}

// ParseHeader decodes a header and returns the byte order of the file. The
// byte order is inferred from sizeof_hdr, which must equal 348.
func ParseHeader(b []byte) (Header, binary.ByteOrder, error) {
	if len(b) < minHeaderSize {
		return Header{}, nil, fmt.Errorf("%w: %d bytes", ErrInvalidHeader, len(b))
	}

	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		var h Header
		if err := binary.Read(bytes.NewReader(b[:minHeaderSize]), order, &h); err != nil {
			return Header{}, nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
		}
		if h.SizeOfHdr != minHeaderSize {
			continue
		}
		if err := validateHeader(h); err != nil {
			return Header{}, nil, err
		}
		return h, order, nil
	}
	return Header{}, nil, fmt.Errorf("%w: sizeof_hdr is not 348 in either byte order", ErrInvalidHeader)
}

// Check https://github.com/afni/afni/blob/master/src/nifti/niftilib/nifti1_io.c#L4045-L4104
func validateHeader(h Header) error {
	switch {
	case h.Dim[0] < 1 || h.Dim[0] > 7:
		return fmt.Errorf("%w: dim[0]=%d not in range [1, 7]", ErrInvalidHeader, h.Dim[0])
	// Header and data must be stored in the same file.
	case h.Magic != singleFileMagic:
		return fmt.Errorf("%w: file magic %q is not n+1", ErrInvalidHeader, h.Magic[:3])
	}
	for i := 1; i <= int(h.Dim[0]); i++ {
		if h.Dim[i] < 1 {
			return fmt.Errorf("%w: dim[%d]=%d", ErrInvalidHeader, i, h.Dim[i])
		}
	}
	return nil
}

// Shape returns dim[1..dim[0]].
func (h Header) Shape() []int {
	n := int(h.Dim[0])
	shape := make([]int, n)
	for i := 0; i < n; i++ {
		shape[i] = int(h.Dim[i+1])
	}
	return shape
}

// NumVoxels is the product of the shape.
func (h Header) NumVoxels() int {
	n := 1
	for _, s := range h.Shape() {
		n *= s
	}
	return n
}

// DataOffset is the byte offset of the first voxel.
func (h Header) DataOffset() int {
	if h.VoxOffset < headerSize {
		return headerSize
	}
	return int(h.VoxOffset)
}

// Affine returns the voxel-to-world transform. The sform is preferred, then
// the qform; with neither the pixel spacing is used as a diagonal.
func (h Header) Affine() *mat.Dense {
	switch {
	case h.SFormCode > 0:
		a := mat.NewDense(4, 4, nil)
		for j := 0; j < 4; j++ {
			a.Set(0, j, float64(h.SRowX[j]))
			a.Set(1, j, float64(h.SRowY[j]))
			a.Set(2, j, float64(h.SRowZ[j]))
		}
		a.Set(3, 3, 1)
		return a
	case h.QFormCode > 0:
		return h.quaternAffine()
	default:
		a := mat.NewDense(4, 4, nil)
		for i := 0; i < 3; i++ {
			a.Set(i, i, pixDimOrOne(h.PixDim[i+1]))
		}
		a.Set(3, 3, 1)
		return a
	}
}

// quaternAffine follows nifti_quatern_to_mat44.
func (h Header) quaternAffine() *mat.Dense {
	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		s := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*s, c*s, d*s
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	qfac := float64(h.PixDim[0])
	if qfac == 0 {
		qfac = 1
	}
	dx := pixDimOrOne(h.PixDim[1])
	dy := pixDimOrOne(h.PixDim[2])
	dz := pixDimOrOne(h.PixDim[3]) * qfac

	return mat.NewDense(4, 4, []float64{
		(a*a + b*b - c*c - d*d) * dx, 2 * (b*c - a*d) * dy, 2 * (b*d + a*c) * dz, float64(h.QOffsetX),
		2 * (b*c + a*d) * dx, (a*a + c*c - b*b - d*d) * dy, 2 * (c*d - a*b) * dz, float64(h.QOffsetY),
		2 * (b*d - a*c) * dx, 2 * (c*d + a*b) * dy, (a*a + d*d - c*c - b*b) * dz, float64(h.QOffsetZ),
		0, 0, 0, 1,
	})
}

func pixDimOrOne(v float32) float64 {
	if v <= 0 {
		return 1
	}
	return float64(v)
}

// bytesPerVoxel returns the storage size of a datatype.
func bytesPerVoxel(dt int16) (int, error) {
	switch dt {
	case DTUint8, DTInt8:
		return 1, nil
	case DTInt16, DTUint16:
		return 2, nil
	case DTInt32, DTUint32, DTFloat32:
		return 4, nil
	case DTFloat64:
		return 8, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedDatatype, dt)
	}
}
