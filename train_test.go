package main

import (
	"context"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoamSchedulerKnownValues(t *testing.T) {
	s := NewNoamScheduler(2.0, 4, 100)

	// Linear warmup region: factor · dModel^-0.5 · step · warmup^-1.5.
	assert.InDelta(t, 2.0*0.5*1.0/1000.0, s.At(1), 1e-15)
	assert.InDelta(t, 2.0*0.5*50.0/1000.0, s.At(50), 1e-15)

	// At the warmup boundary both branches agree.
	assert.InDelta(t, 2.0*0.5*0.1, s.At(100), 1e-15)

	// Decay region: factor · dModel^-0.5 · step^-0.5.
	assert.InDelta(t, 2.0*0.5/math.Sqrt(400), s.At(400), 1e-15)
}

func TestNoamSchedulerWarmupPeak(t *testing.T) {
	s := NewNoamScheduler(1.0, 512, 4000)

	peak := s.At(4000)
	assert.Greater(t, peak, s.At(3999))
	assert.Greater(t, peak, s.At(4001))
}

func TestNoamSchedulerNextAdvances(t *testing.T) {
	s := NewNoamScheduler(1.0, 8, 10)

	first := s.Next()
	second := s.Next()

	assert.Equal(t, 2, s.Step())
	assert.Greater(t, second, first)

	s.SetStep(100)
	assert.Equal(t, 100, s.Step())
	assert.InDelta(t, s.At(101), s.Next(), 1e-15)
}

func TestClipGradients(t *testing.T) {
	p := NewTensor(1, 2)
	p.grad[0] = 3
	p.grad[1] = 4

	norm := clipGradients([]*Tensor{p}, 1.0)

	assert.InDelta(t, 5.0, norm, 1e-12)
	clipped := math.Sqrt(p.grad[0]*p.grad[0] + p.grad[1]*p.grad[1])
	assert.InDelta(t, 1.0, clipped, 1e-12)
}

func TestClipGradientsBelowThresholdUntouched(t *testing.T) {
	p := NewTensor(1, 2)
	p.grad[0] = 0.3
	p.grad[1] = 0.4

	norm := clipGradients([]*Tensor{p}, 1.0)

	assert.InDelta(t, 0.5, norm, 1e-12)
	assert.Equal(t, 0.3, p.grad[0])
	assert.Equal(t, 0.4, p.grad[1])
}

func TestAdamStepMovesAgainstGradient(t *testing.T) {
	p := NewTensor(1, 2)
	p.data[0] = 1.0
	p.data[1] = -1.0
	p.grad[0] = 0.5
	p.grad[1] = -0.5

	opt := DefaultAdam([]*Tensor{p})
	opt.Step([]*Tensor{p}, 0.01)

	assert.Less(t, p.data[0], 1.0)
	assert.Greater(t, p.data[1], -1.0)
	assert.Equal(t, 1, opt.t)
}

func TestSGDStepWithWeightDecay(t *testing.T) {
	p := NewTensor(1, 1)
	p.data[0] = 2.0
	p.grad[0] = 1.0

	opt := NewSGDOptimizer(0.1)
	opt.Step([]*Tensor{p}, 0.5)

	// 2.0 - 0.5*(1.0 + 0.1*2.0)
	assert.InDelta(t, 1.4, p.data[0], 1e-12)
}

func TestTrainStepReducesLoss(t *testing.T) {
	model := NewCaptioner(tinyModelConfig())
	rng := rand.New(rand.NewSource(31))

	batch := &Batch{
		ImageIDs: []int{1, 2},
		Features: []*Tensor{randomTensor(rng, 4, 10), randomTensor(rng, 4, 10)},
		Inputs:   [][]int{{BosIdx, 4, 5}, {BosIdx, 6, 7}},
		Targets:  [][]int{{4, 5, EosIdx}, {6, 7, EosIdx}},
	}

	opt := DefaultAdam(model.Parameters())

	first := TrainStep(model, batch, opt, 0.01, 1.0)
	var last float64
	for i := 0; i < 30; i++ {
		last = TrainStep(model, batch, opt, 0.01, 1.0)
	}

	assert.Less(t, last, first)
}

func TestTrainRunsAndCheckpoints(t *testing.T) {
	ds, store, vocab := loaderFixture(t)
	saveDir := t.TempDir()

	cfg := ModelConfig{
		VocabSize: vocab.Len(),
		MaxLen:    vocab.MaxCaptionLength,
		FeatDim:   12,
		DModel:    16,
		NumHeads:  2,
		EncLayers: 1,
		DecLayers: 1,
		FFHidden:  32,
	}
	require.NoError(t, cfg.Validate())

	model := NewCaptioner(cfg)
	loader := NewLoader(ds, store, vocab, 2, 1, 1)

	log := logrus.NewEntry(logrus.New())
	err := Train(context.Background(), model, loader, ds, store, vocab, TrainingConfig{
		ExpName:  "test",
		Epochs:   2,
		Warmup:   10,
		BaseLR:   0.1,
		GradClip: 1.0,
		Patience: 0,
		SaveDir:  saveDir,
	}, log)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(saveDir, "test_last.bin"))

	// Resume picks up where the run stopped and trains the extra epoch.
	err = Train(context.Background(), model, loader, ds, store, vocab, TrainingConfig{
		ExpName:  "test",
		Epochs:   3,
		Warmup:   10,
		BaseLR:   0.1,
		GradClip: 1.0,
		SaveDir:  saveDir,
	}, log)
	require.NoError(t, err)

	restored := NewCaptioner(cfg)
	restoredOpt := DefaultAdam(restored.Parameters())
	meta, err := LoadCheckpoint(filepath.Join(saveDir, "test_last.bin"), restored, restoredOpt)
	require.NoError(t, err)
	assert.Equal(t, 3, meta.Epoch)
}
