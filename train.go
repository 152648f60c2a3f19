package main

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ===========================================================================
// TRAINING
// ===========================================================================
//
// Cross-entropy training of the captioning model: forward and backward per
// sample, gradients averaged over the batch, clipped by global norm, and
// applied with Adam under a Noam warmup schedule. After each epoch the
// model is scored on the validation split; the best BLEU-4 checkpoint and
// the last checkpoint are both kept, and training stops early when the
// score stops improving.
//
// ===========================================================================

// Optimizer applies parameter updates from accumulated gradients.
type Optimizer interface {
	Step(params []*Tensor, lr float64)
	ZeroGrad(params []*Tensor)
}

// SGDOptimizer is plain stochastic gradient descent with weight decay.
// Kept for experiments; Adam is the default.
type SGDOptimizer struct {
	weightDecay float64
}

// NewSGDOptimizer creates an SGD optimizer.
func NewSGDOptimizer(weightDecay float64) *SGDOptimizer {
	return &SGDOptimizer{weightDecay: weightDecay}
}

// Step updates parameters: param -= lr * (grad + weightDecay * param).
func (opt *SGDOptimizer) Step(params []*Tensor, lr float64) {
	for _, p := range params {
		for i := range p.data {
			p.data[i] -= lr * (p.grad[i] + opt.weightDecay*p.data[i])
		}
	}
}

// ZeroGrad clears gradients.
func (opt *SGDOptimizer) ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// AdamOptimizer implements Adam with bias correction.
//
//	m_t = β1·m + (1-β1)·g        v_t = β2·v + (1-β2)·g²
//	param -= lr · m̂ / (√v̂ + ε)
//
// β2 = 0.98 and ε = 1e-9 follow the transformer training recipe rather
// than the Adam paper defaults.
type AdamOptimizer struct {
	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64

	m []*Tensor
	v []*Tensor
	t int
}

// NewAdamOptimizer creates an Adam optimizer with moment buffers matching
// the given parameters.
func NewAdamOptimizer(params []*Tensor, beta1, beta2, epsilon, weightDecay float64) *AdamOptimizer {
	m := make([]*Tensor, len(params))
	v := make([]*Tensor, len(params))
	for i, p := range params {
		m[i] = NewTensor(p.shape...)
		v[i] = NewTensor(p.shape...)
	}

	return &AdamOptimizer{
		beta1:       beta1,
		beta2:       beta2,
		epsilon:     epsilon,
		weightDecay: weightDecay,
		m:           m,
		v:           v,
	}
}

// DefaultAdam creates the optimizer with the transformer recipe constants.
func DefaultAdam(params []*Tensor) *AdamOptimizer {
	return NewAdamOptimizer(params, 0.9, 0.98, 1e-9, 0.0)
}

// Step performs one Adam update.
func (opt *AdamOptimizer) Step(params []*Tensor, lr float64) {
	opt.t++

	bias1 := 1.0 - math.Pow(opt.beta1, float64(opt.t))
	bias2 := 1.0 - math.Pow(opt.beta2, float64(opt.t))

	for i, p := range params {
		for j := range p.data {
			grad := p.grad[j] + opt.weightDecay*p.data[j]

			opt.m[i].data[j] = opt.beta1*opt.m[i].data[j] + (1.0-opt.beta1)*grad
			opt.v[i].data[j] = opt.beta2*opt.v[i].data[j] + (1.0-opt.beta2)*grad*grad

			mHat := opt.m[i].data[j] / bias1
			vHat := opt.v[i].data[j] / bias2

			p.data[j] -= lr * mHat / (math.Sqrt(vHat) + opt.epsilon)
		}
	}
}

// ZeroGrad clears gradients.
func (opt *AdamOptimizer) ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// NoamScheduler implements the warmup learning-rate schedule from
// "Attention Is All You Need":
//
//	lr = factor · dModel^-0.5 · min(step^-0.5, step · warmup^-1.5)
//
// The rate rises linearly for warmup steps, then decays as step^-0.5.
type NoamScheduler struct {
	factor float64
	dModel int
	warmup int
	step   int
}

// NewNoamScheduler creates a scheduler. factor scales the whole curve and
// corresponds to the lr option.
func NewNoamScheduler(factor float64, dModel, warmup int) *NoamScheduler {
	if warmup < 1 {
		warmup = 1
	}
	return &NoamScheduler{factor: factor, dModel: dModel, warmup: warmup}
}

// Next advances the schedule one step and returns the learning rate.
func (s *NoamScheduler) Next() float64 {
	s.step++
	return s.At(s.step)
}

// At returns the learning rate at an arbitrary step without advancing.
func (s *NoamScheduler) At(step int) float64 {
	st := float64(step)
	w := float64(s.warmup)
	return s.factor * math.Pow(float64(s.dModel), -0.5) * math.Min(math.Pow(st, -0.5), st*math.Pow(w, -1.5))
}

// Step returns the current step count.
func (s *NoamScheduler) Step() int {
	return s.step
}

// SetStep restores the step count when resuming from a checkpoint.
func (s *NoamScheduler) SetStep(step int) {
	s.step = step
}

// clipGradients clips all gradients by global L2 norm and returns the
// pre-clip norm.
func clipGradients(params []*Tensor, maxNorm float64) float64 {
	globalNorm := 0.0
	for _, p := range params {
		for _, g := range p.grad {
			globalNorm += g * g
		}
	}
	globalNorm = math.Sqrt(globalNorm)

	if maxNorm > 0 && globalNorm > maxNorm {
		scale := maxNorm / globalNorm
		for _, p := range params {
			for i := range p.grad {
				p.grad[i] *= scale
			}
		}
	}

	return globalNorm
}

// TrainStep runs forward and backward over one batch and applies the
// optimizer. Returns the mean masked cross-entropy over the batch.
func TrainStep(model *Captioner, batch *Batch, optimizer Optimizer, lr, gradClip float64) float64 {
	params := model.Parameters()
	optimizer.ZeroGrad(params)

	totalLoss := 0.0
	for i := range batch.Inputs {
		logits, cache := model.ForwardWithCache(batch.Features[i], batch.Inputs[i])

		loss, counted := CrossEntropyLoss(logits, batch.Targets[i], PadIdx)
		if counted == 0 {
			continue
		}
		totalLoss += loss

		gradLogits := CrossEntropyBackward(logits, batch.Targets[i], PadIdx)
		model.Backward(gradLogits, cache)
	}

	n := float64(batch.Size())
	if n == 0 {
		return 0
	}

	// Gradients accumulated over the batch; average before clipping.
	for _, p := range params {
		for i := range p.grad {
			p.grad[i] /= n
		}
	}

	clipGradients(params, gradClip)
	optimizer.Step(params, lr)

	return totalLoss / n
}

// TrainingConfig holds the run parameters the training loop needs.
type TrainingConfig struct {
	ExpName  string
	Epochs   int
	Warmup   int
	BaseLR   float64
	GradClip float64
	Patience int
	SaveDir  string

	// LogEvery is the step interval for progress logging.
	LogEvery int
}

// Train runs the full training loop. It resumes from <exp>_last.bin in the
// save directory when present.
func Train(ctx context.Context, model *Captioner, trainLoader *Loader, valDS *Dataset, store *FeatureStore, vocab *Vocab, cfg TrainingConfig, log *logrus.Entry) error {
	if err := os.MkdirAll(cfg.SaveDir, 0o755); err != nil {
		return errors.Wrap(err, "creating save directory")
	}

	params := model.Parameters()
	optimizer := DefaultAdam(params)
	scheduler := NewNoamScheduler(cfg.BaseLR, model.Config().DModel, cfg.Warmup)

	// BLEU is never negative, so -1 always loses to the first epoch.
	meta := CheckpointMeta{BestScore: -1}

	lastPath := filepath.Join(cfg.SaveDir, cfg.ExpName+"_last.bin")
	bestPath := filepath.Join(cfg.SaveDir, cfg.ExpName+"_best.bin")

	if _, err := os.Stat(lastPath); err == nil {
		restored, err := LoadCheckpoint(lastPath, model, optimizer)
		if err != nil {
			return errors.Wrap(err, "resuming from checkpoint")
		}
		meta = restored
		scheduler.SetStep(meta.Step)
		log.WithFields(logrus.Fields{
			"epoch": meta.Epoch,
			"step":  meta.Step,
			"best":  meta.BestScore,
		}).Info("resumed from checkpoint")
	}

	logEvery := cfg.LogEvery
	if logEvery < 1 {
		logEvery = 50
	}

	for epoch := meta.Epoch; epoch < cfg.Epochs; epoch++ {
		epochStart := time.Now()
		epochLoss := 0.0
		epochSteps := 0

		batches, wait := trainLoader.Epoch(ctx)
		for batch := range batches {
			lr := scheduler.Next()
			loss := TrainStep(model, batch, optimizer, lr, cfg.GradClip)

			epochLoss += loss
			epochSteps++

			if scheduler.Step()%logEvery == 0 {
				log.WithFields(logrus.Fields{
					"epoch": epoch + 1,
					"step":  scheduler.Step(),
					"loss":  loss,
					"lr":    lr,
				}).Info("train step")
			}
		}
		if err := wait(); err != nil {
			return errors.Wrap(err, "loading training batches")
		}
		if epochSteps == 0 {
			return errors.New("training split produced no batches")
		}

		valLoss, err := EvaluateLoss(ctx, model, valDS, store, vocab)
		if err != nil {
			return errors.Wrap(err, "validation loss")
		}
		bleu, err := EvaluateBLEU(ctx, model, valDS, store, vocab, 0)
		if err != nil {
			return errors.Wrap(err, "validation BLEU")
		}
		score := bleu[3] // BLEU-4

		log.WithFields(logrus.Fields{
			"epoch":      epoch + 1,
			"train_loss": epochLoss / float64(epochSteps),
			"val_loss":   valLoss,
			"bleu4":      score,
			"elapsed":    time.Since(epochStart).Round(time.Second),
		}).Info("epoch complete")

		meta.Epoch = epoch + 1
		meta.Step = scheduler.Step()

		if score > meta.BestScore {
			meta.BestScore = score
			meta.BadEpochs = 0
			if err := SaveCheckpoint(bestPath, model, optimizer, meta); err != nil {
				return errors.Wrap(err, "saving best checkpoint")
			}
			log.WithField("bleu4", score).Info("new best model")
		} else {
			meta.BadEpochs++
		}

		if err := SaveCheckpoint(lastPath, model, optimizer, meta); err != nil {
			return errors.Wrap(err, "saving last checkpoint")
		}

		if cfg.Patience > 0 && meta.BadEpochs >= cfg.Patience {
			log.WithFields(logrus.Fields{
				"epochs_without_improvement": meta.BadEpochs,
				"best":                       meta.BestScore,
			}).Info("early stopping")
			break
		}
	}

	return nil
}
