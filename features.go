package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ===========================================================================
// REGION FEATURES
// ===========================================================================
//
// The model consumes precomputed visual features: one 2D array per image
// (regions × feature dim), exported by an object-detection backbone as a
// NumPy .npy file. This file implements just enough of the NPY format to
// read and write those arrays: v1/v2 headers, little-endian float32/float64,
// C order. Fortran order and other dtypes are rejected.
//
// ===========================================================================

var npyMagic = []byte{0x93, 'N', 'U', 'M', 'P', 'Y'}

// ReadNPY reads a 1D or 2D float array from an .npy file into a Tensor.
func ReadNPY(path string) (*Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening npy file")
	}
	defer f.Close()

	t, err := readNPY(f)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return t, nil
}

func readNPY(r io.Reader) (*Tensor, error) {
	magic := make([]byte, 8)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, errors.Wrap(err, "reading npy magic")
	}
	for i, b := range npyMagic {
		if magic[i] != b {
			return nil, errors.New("not an npy file")
		}
	}

	major := magic[6]

	var headerLen int
	switch major {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, errors.Wrap(err, "reading header length")
		}
		headerLen = int(n)
	case 2, 3:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, errors.Wrap(err, "reading header length")
		}
		headerLen = int(n)
	default:
		return nil, errors.Errorf("unsupported npy version %d", major)
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, errors.Wrap(err, "reading header")
	}

	descr, fortran, shape, err := parseNPYHeader(string(headerBytes))
	if err != nil {
		return nil, err
	}
	if fortran {
		return nil, errors.New("fortran-order npy arrays are not supported")
	}

	var elemSize int
	switch descr {
	case "<f4":
		elemSize = 4
	case "<f8":
		elemSize = 8
	default:
		return nil, errors.Errorf("unsupported npy dtype %q (need <f4 or <f8)", descr)
	}

	if len(shape) == 0 || len(shape) > 2 {
		return nil, errors.Errorf("unsupported npy rank %d", len(shape))
	}

	count := 1
	for _, d := range shape {
		count *= d
	}

	raw := make([]byte, count*elemSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, errors.Wrap(err, "reading npy data")
	}

	t := NewTensor(shape...)
	for i := 0; i < count; i++ {
		switch elemSize {
		case 4:
			bits := binary.LittleEndian.Uint32(raw[i*4:])
			t.data[i] = float64(math.Float32frombits(bits))
		case 8:
			bits := binary.LittleEndian.Uint64(raw[i*8:])
			t.data[i] = math.Float64frombits(bits)
		}
	}

	return t, nil
}

// parseNPYHeader extracts descr, fortran_order, and shape from the python
// dict literal in an npy header, e.g.
//
//	{'descr': '<f4', 'fortran_order': False, 'shape': (36, 2048), }
func parseNPYHeader(header string) (descr string, fortran bool, shape []int, err error) {
	descr, err = npyHeaderString(header, "descr")
	if err != nil {
		return "", false, nil, err
	}

	fortran = strings.Contains(header, "'fortran_order': True")

	open := strings.Index(header, "(")
	close_ := strings.Index(header, ")")
	if open < 0 || close_ < open {
		return "", false, nil, errors.New("npy header missing shape tuple")
	}

	for _, part := range strings.Split(header[open+1:close_], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, convErr := strconv.Atoi(part)
		if convErr != nil {
			return "", false, nil, errors.Wrapf(convErr, "parsing shape %q", part)
		}
		shape = append(shape, d)
	}
	if len(shape) == 0 {
		// A scalar "()" shape; treat as a single element vector.
		shape = []int{1}
	}

	return descr, fortran, shape, nil
}

func npyHeaderString(header, key string) (string, error) {
	marker := "'" + key + "':"
	idx := strings.Index(header, marker)
	if idx < 0 {
		return "", errors.Errorf("npy header missing %q", key)
	}
	rest := header[idx+len(marker):]
	start := strings.Index(rest, "'")
	if start < 0 {
		return "", errors.Errorf("npy header has malformed %q", key)
	}
	end := strings.Index(rest[start+1:], "'")
	if end < 0 {
		return "", errors.Errorf("npy header has malformed %q", key)
	}
	return rest[start+1 : start+1+end], nil
}

// WriteNPY writes a 1D or 2D tensor as a little-endian float32 .npy file,
// the dtype detector exporters use.
func WriteNPY(path string, t *Tensor) error {
	if t.Dims() > 2 {
		return errors.Errorf("WriteNPY supports rank 1 or 2, got %d", t.Dims())
	}

	shapeParts := make([]string, len(t.shape))
	for i, d := range t.shape {
		shapeParts[i] = strconv.Itoa(d)
	}
	shapeStr := strings.Join(shapeParts, ", ")
	if len(t.shape) == 1 {
		shapeStr += ","
	}

	header := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%s), }", shapeStr)

	// Pad so magic+len+header is a multiple of 64, terminated by newline.
	total := len(npyMagic) + 2 + 2 + len(header) + 1
	pad := (64 - total%64) % 64
	header += strings.Repeat(" ", pad) + "\n"

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating npy file")
	}
	defer f.Close()

	if _, err := f.Write(npyMagic); err != nil {
		return errors.Wrap(err, "writing npy magic")
	}
	if _, err := f.Write([]byte{1, 0}); err != nil {
		return errors.Wrap(err, "writing npy version")
	}
	if err := binary.Write(f, binary.LittleEndian, uint16(len(header))); err != nil {
		return errors.Wrap(err, "writing npy header length")
	}
	if _, err := f.Write([]byte(header)); err != nil {
		return errors.Wrap(err, "writing npy header")
	}

	raw := make([]byte, 4*len(t.data))
	for i, v := range t.data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(float32(v)))
	}
	if _, err := f.Write(raw); err != nil {
		return errors.Wrap(err, "writing npy data")
	}

	return nil
}

// FeatureStore serves per-image region features from a directory of
// <image_id>.npy files. Reads are cached; the cache is safe for concurrent
// use by loader workers.
type FeatureStore struct {
	dir string

	mu    sync.Mutex
	cache map[int]*Tensor
}

// NewFeatureStore opens a feature directory.
func NewFeatureStore(dir string) (*FeatureStore, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrap(err, "opening features directory")
	}
	if !info.IsDir() {
		return nil, errors.Errorf("features path %s is not a directory", dir)
	}

	return &FeatureStore{
		dir:   dir,
		cache: make(map[int]*Tensor),
	}, nil
}

// Get returns the (regions, featDim) feature tensor for an image.
func (s *FeatureStore) Get(imageID int) (*Tensor, error) {
	s.mu.Lock()
	if t, ok := s.cache[imageID]; ok {
		s.mu.Unlock()
		return t, nil
	}
	s.mu.Unlock()

	t, err := ReadNPY(s.path(imageID))
	if err != nil {
		return nil, errors.Wrapf(err, "features for image %d", imageID)
	}
	if t.Dims() == 1 {
		t = t.Reshape(1, t.Size())
	}

	s.mu.Lock()
	s.cache[imageID] = t
	s.mu.Unlock()

	return t, nil
}

// Preload warms the cache for a set of images using the given number of
// worker goroutines. The first failed read cancels the remaining work.
func (s *FeatureStore) Preload(ctx context.Context, imageIDs []int, workers int) error {
	if workers < 1 {
		workers = 1
	}

	grp, ctx := errgroup.WithContext(ctx)
	jobs := make(chan int)

	grp.Go(func() error {
		defer close(jobs)
		for _, id := range imageIDs {
			select {
			case jobs <- id:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < workers; w++ {
		grp.Go(func() error {
			for id := range jobs {
				if _, err := s.Get(id); err != nil {
					return err
				}
			}
			return nil
		})
	}

	return grp.Wait()
}

// FeatureDim reports the feature dimension by probing one image.
func (s *FeatureStore) FeatureDim(imageID int) (int, error) {
	t, err := s.Get(imageID)
	if err != nil {
		return 0, err
	}
	return t.Shape()[1], nil
}

func (s *FeatureStore) path(imageID int) string {
	return filepath.Join(s.dir, strconv.Itoa(imageID)+".npy")
}
