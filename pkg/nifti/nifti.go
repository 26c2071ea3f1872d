package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"tractoprep/internal/models"
)

var gzipMagic = []byte{0x1f, 0x8b}

// File is a NIfTI image on disk. It implements models.VolumeSource so that
// indexers can hand out records without reading voxel data up front.
type File struct {
	Path string
}

// Shape reads only the header of the file.
func (f File) Shape() ([]int, error) {
	h, _, err := ReadHeader(f.Path)
	if err != nil {
		return nil, err
	}
	return h.Shape(), nil
}

// Load reads the whole image.
func (f File) Load() (*models.Volume, error) {
	return Read(f.Path)
}

// openReader opens path and transparently inflates gzip content.
func openReader(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	br := bufio.NewReader(file)
	magic, err := br.Peek(2)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %s is too short", ErrInvalidHeader, path)
	}
	if !bytes.Equal(magic, gzipMagic) {
		return readCloser{Reader: br, closers: []io.Closer{file}}, nil
	}

	log.WithFields(log.Fields{
		"file":          path,
		"decompression": "gzip",
	}).Debug("Decompressing ...")
	zr, err := gzip.NewReader(br)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to open gzip stream %s: %w", path, err)
	}
	return readCloser{Reader: zr, closers: []io.Closer{zr, file}}, nil
}

type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (r readCloser) Close() error {
	var first error
	for _, c := range r.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ReadHeader reads and validates the header of path.
func ReadHeader(path string) (Header, binary.ByteOrder, error) {
	rc, err := openReader(path)
	if err != nil {
		return Header{}, nil, err
	}
	defer rc.Close()

	buf := make([]byte, minHeaderSize)
	if _, err := io.ReadFull(rc, buf); err != nil {
		return Header{}, nil, fmt.Errorf("%w: %s: %v", ErrInvalidHeader, path, err)
	}
	h, order, err := ParseHeader(buf)
	if err != nil {
		return Header{}, nil, fmt.Errorf("%s: %w", path, err)
	}
	return h, order, nil
}

// Read loads a NIfTI-1 file into a volume. Scaling (scl_slope/scl_inter) is
// applied to the voxel values.
func Read(path string) (*models.Volume, error) {
	rc, err := openReader(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	content, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	h, order, err := ParseHeader(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	log.WithFields(log.Fields{
		"file":      path,
		"byteOrder": order,
		"shape":     h.Shape(),
		"datatype":  h.DataType,
	}).Debug("Read nifti header")

	data, err := decodeVoxels(content, h, order)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	vol := &models.Volume{
		Data:   data,
		Shape:  h.Shape(),
		Affine: h.Affine(),
	}
	vol.VoxelSize.X = pixDimOrOne(h.PixDim[1])
	vol.VoxelSize.Y = pixDimOrOne(h.PixDim[2])
	vol.VoxelSize.Z = pixDimOrOne(h.PixDim[3])
	return vol, nil
}

func decodeVoxels(content []byte, h Header, order binary.ByteOrder) ([]float64, error) {
	size, err := bytesPerVoxel(h.DataType)
	if err != nil {
		return nil, err
	}

	n := h.NumVoxels()
	offset := h.DataOffset()
	if len(content) < offset+n*size {
		return nil, fmt.Errorf("file has %d bytes, expected at least %d", len(content), offset+n*size)
	}
	raw := content[offset : offset+n*size]

	out := make([]float64, n)
	for i := range out {
		b := raw[i*size : (i+1)*size]
		switch h.DataType {
		case DTUint8:
			out[i] = float64(b[0])
		case DTInt8:
			out[i] = float64(int8(b[0]))
		case DTInt16:
			out[i] = float64(int16(order.Uint16(b)))
		case DTUint16:
			out[i] = float64(order.Uint16(b))
		case DTInt32:
			out[i] = float64(int32(order.Uint32(b)))
		case DTUint32:
			out[i] = float64(order.Uint32(b))
		case DTFloat32:
			out[i] = float64(math.Float32frombits(order.Uint32(b)))
		case DTFloat64:
			out[i] = math.Float64frombits(order.Uint64(b))
		}
	}

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope != 0 && !(slope == 1 && inter == 0) {
		for i := range out {
			out[i] = slope*out[i] + inter
		}
	}
	return out, nil
}

// NewHeader builds a float32 single-file header describing vol.
func NewHeader(vol *models.Volume) Header {
	var h Header
	h.SizeOfHdr = minHeaderSize
	h.Dim[0] = int16(len(vol.Shape))
	for i, s := range vol.Shape {
		h.Dim[i+1] = int16(s)
	}
	for i := len(vol.Shape) + 1; i < 8; i++ {
		h.Dim[i] = 1
	}
	h.DataType = DTFloat32
	h.BitPix = 32
	h.VoxOffset = headerSize
	h.SclSlope = 1
	// mm and seconds
	h.XYZTUnits = 2 | 8

	affine := vol.Affine
	if affine == nil {
		affine = models.IdentityAffine()
	}
	h.PixDim[0] = 1
	for j := 0; j < 3; j++ {
		col := mat.Col(nil, j, affine)
		h.PixDim[j+1] = float32(math.Sqrt(col[0]*col[0] + col[1]*col[1] + col[2]*col[2]))
	}
	for i := 4; i < 8; i++ {
		h.PixDim[i] = 1
	}
	h.SFormCode = 1
	for j := 0; j < 4; j++ {
		h.SRowX[j] = float32(affine.At(0, j))
		h.SRowY[j] = float32(affine.At(1, j))
		h.SRowZ[j] = float32(affine.At(2, j))
	}
	copy(h.Descrip[:], "tractoprep")
	h.Magic = singleFileMagic
	return h
}

// Write stores vol as float32 little-endian NIfTI-1. Paths ending in .gz are
// gzip compressed.
func Write(path string, vol *models.Volume) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer file.Close()

	var w io.Writer = file
	var zw *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		zw = gzip.NewWriter(file)
		w = zw
	}
	bw := bufio.NewWriter(w)

	if err := Encode(bw, vol); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return err
		}
	}
	return file.Close()
}

// Encode writes the header, an empty extension block and the voxels of vol.
func Encode(w io.Writer, vol *models.Volume) error {
	h := NewHeader(vol)
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return err
	}
	// extension[4] = {0,0,0,0}: no extensions follow
	if _, err := w.Write(make([]byte, headerSize-minHeaderSize)); err != nil {
		return err
	}

	buf := make([]byte, 4)
	for _, v := range vol.Data {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v)))
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}
