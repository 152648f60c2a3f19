package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNPYRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	orig := randomTensor(rng, 36, 8)

	path := filepath.Join(t.TempDir(), "feat.npy")
	require.NoError(t, WriteNPY(path, orig))

	loaded, err := ReadNPY(path)
	require.NoError(t, err)

	require.Equal(t, orig.Shape(), loaded.Shape())
	for i := range orig.data {
		// Values pass through float32 on disk.
		assert.InDelta(t, orig.data[i], loaded.data[i], 1e-6)
	}
}

func TestReadNPYFloat64(t *testing.T) {
	// Hand-built v1 file with a float64 payload.
	var buf bytes.Buffer
	header := "{'descr': '<f8', 'fortran_order': False, 'shape': (2, 2), }"
	for (10+len(header)+1)%64 != 0 {
		header += " "
	}
	header += "\n"

	buf.Write(npyMagic)
	buf.Write([]byte{1, 0})
	binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	binary.Write(&buf, binary.LittleEndian, []float64{1, 2, 3, 4})

	tensor, err := readNPY(&buf)
	require.NoError(t, err)

	require.Equal(t, []int{2, 2}, tensor.Shape())
	assert.Equal(t, []float64{1, 2, 3, 4}, tensor.data)
}

func TestReadNPYRejectsBadMagic(t *testing.T) {
	_, err := readNPY(bytes.NewReader([]byte("not an npy file at all")))
	assert.Error(t, err)
}

func TestReadNPYRejectsFortranOrder(t *testing.T) {
	var buf bytes.Buffer
	header := "{'descr': '<f4', 'fortran_order': True, 'shape': (2, 2), }\n"

	buf.Write(npyMagic)
	buf.Write([]byte{1, 0})
	binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	binary.Write(&buf, binary.LittleEndian, make([]float32, 4))

	_, err := readNPY(&buf)
	assert.Error(t, err)
}

func TestReadNPYRejectsUnsupportedDtype(t *testing.T) {
	var buf bytes.Buffer
	header := "{'descr': '<i8', 'fortran_order': False, 'shape': (2,), }\n"

	buf.Write(npyMagic)
	buf.Write([]byte{1, 0})
	binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	binary.Write(&buf, binary.LittleEndian, make([]int64, 2))

	_, err := readNPY(&buf)
	assert.Error(t, err)
}

func writeFeatureFiles(t *testing.T, dir string, dims map[int][2]int) {
	t.Helper()
	rng := rand.New(rand.NewSource(13))
	for id, shape := range dims {
		tensor := randomTensor(rng, shape[0], shape[1])
		path := filepath.Join(dir, fmt.Sprintf("%d.npy", id))
		require.NoError(t, WriteNPY(path, tensor))
	}
}

func TestFeatureStoreGet(t *testing.T) {
	dir := t.TempDir()
	writeFeatureFiles(t, dir, map[int][2]int{
		100: {36, 16},
		200: {36, 16},
	})

	store, err := NewFeatureStore(dir)
	require.NoError(t, err)

	feat, err := store.Get(100)
	require.NoError(t, err)
	assert.Equal(t, []int{36, 16}, feat.Shape())

	// Second read comes from cache and returns the same tensor.
	again, err := store.Get(100)
	require.NoError(t, err)
	assert.Same(t, feat, again)

	_, err = store.Get(999)
	assert.Error(t, err)
}

func TestFeatureStoreFeatureDim(t *testing.T) {
	dir := t.TempDir()
	writeFeatureFiles(t, dir, map[int][2]int{7: {36, 24}})

	store, err := NewFeatureStore(dir)
	require.NoError(t, err)

	dim, err := store.FeatureDim(7)
	require.NoError(t, err)
	assert.Equal(t, 24, dim)
}

func TestFeatureStorePreload(t *testing.T) {
	dir := t.TempDir()
	writeFeatureFiles(t, dir, map[int][2]int{
		1: {4, 8},
		2: {4, 8},
		3: {4, 8},
	})

	store, err := NewFeatureStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Preload(context.Background(), []int{1, 2, 3}, 2))

	for id := 1; id <= 3; id++ {
		feat, err := store.Get(id)
		require.NoError(t, err)
		assert.Equal(t, []int{4, 8}, feat.Shape())
	}
}

func TestFeatureStorePreloadPropagatesErrors(t *testing.T) {
	store, err := NewFeatureStore(t.TempDir())
	require.NoError(t, err)

	err = store.Preload(context.Background(), []int{1, 2}, 2)
	assert.Error(t, err)
}

func TestNewFeatureStoreRejectsMissingDir(t *testing.T) {
	_, err := NewFeatureStore(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
