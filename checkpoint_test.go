package main

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointRoundTrip(t *testing.T) {
	model := NewCaptioner(tinyModelConfig())
	params := model.Parameters()
	opt := DefaultAdam(params)

	// A few steps so the optimizer moments are non-trivial.
	rng := rand.New(rand.NewSource(51))
	for step := 0; step < 3; step++ {
		for _, p := range params {
			for i := range p.grad {
				p.grad[i] = rng.NormFloat64()
			}
		}
		opt.Step(params, 0.01)
	}

	meta := CheckpointMeta{Epoch: 7, Step: 321, BestScore: 0.25, BadEpochs: 2}
	path := filepath.Join(t.TempDir(), "ckpt.bin")
	require.NoError(t, SaveCheckpoint(path, model, opt, meta))

	restored := NewCaptioner(tinyModelConfig())
	restoredOpt := DefaultAdam(restored.Parameters())

	got, err := LoadCheckpoint(path, restored, restoredOpt)
	require.NoError(t, err)

	assert.Equal(t, 7, got.Epoch)
	assert.Equal(t, 321, got.Step)
	assert.Equal(t, 0.25, got.BestScore)
	assert.Equal(t, 2, got.BadEpochs)
	assert.Equal(t, opt.t, restoredOpt.t)
	assert.Equal(t, tinyModelConfig(), got.Model)

	restoredParams := restored.Parameters()
	for i := range params {
		assert.Equal(t, params[i].data, restoredParams[i].data, "parameter %d", i)
		assert.Equal(t, opt.m[i].data, restoredOpt.m[i].data, "adam m %d", i)
		assert.Equal(t, opt.v[i].data, restoredOpt.v[i].data, "adam v %d", i)
	}
}

func TestLoadCheckpointRejectsMismatchedArchitecture(t *testing.T) {
	model := NewCaptioner(tinyModelConfig())
	opt := DefaultAdam(model.Parameters())

	path := filepath.Join(t.TempDir(), "ckpt.bin")
	require.NoError(t, SaveCheckpoint(path, model, opt, CheckpointMeta{}))

	otherCfg := tinyModelConfig()
	otherCfg.DModel = 32
	other := NewCaptioner(otherCfg)
	otherOpt := DefaultAdam(other.Parameters())

	_, err := LoadCheckpoint(path, other, otherOpt)
	assert.Error(t, err)
}

func TestLoadCheckpointModel(t *testing.T) {
	model := NewCaptioner(tinyModelConfig())
	opt := DefaultAdam(model.Parameters())

	path := filepath.Join(t.TempDir(), "ckpt.bin")
	require.NoError(t, SaveCheckpoint(path, model, opt, CheckpointMeta{Epoch: 4}))

	loaded, meta, err := LoadCheckpointModel(path)
	require.NoError(t, err)

	assert.Equal(t, 4, meta.Epoch)
	assert.Equal(t, tinyModelConfig(), loaded.Config())

	origParams := model.Parameters()
	loadedParams := loaded.Parameters()
	require.Len(t, loadedParams, len(origParams))
	for i := range origParams {
		assert.Equal(t, origParams[i].data, loadedParams[i].data)
	}
}

func TestSaveCheckpointNeverLeavesTempFile(t *testing.T) {
	model := NewCaptioner(tinyModelConfig())
	opt := DefaultAdam(model.Parameters())

	dir := t.TempDir()
	path := filepath.Join(dir, "ckpt.bin")
	require.NoError(t, SaveCheckpoint(path, model, opt, CheckpointMeta{}))

	assert.FileExists(t, path)
	assert.NoFileExists(t, path+".tmp")
}
