package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// vocabPath is where a run stores its vocabulary, next to the checkpoints.
func vocabPath(cfg *ExperimentConfig) string {
	return filepath.Join(cfg.DirToSaveModel, cfg.ExpName+"_vocab.json")
}

// loadOrBuildVocab reuses the run's saved vocabulary when one exists, so a
// resumed run keeps identical token ids.
func loadOrBuildVocab(cfg *ExperimentConfig, log *logrus.Entry) (*Vocab, error) {
	path := vocabPath(cfg)
	if _, err := os.Stat(path); err == nil {
		vocab, err := LoadVocab(path)
		if err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{
			"path": path,
			"size": vocab.Len(),
		}).Info("loaded vocabulary")
		return vocab, nil
	}

	vocab, err := BuildVocab([]string{cfg.TrainJSONPath}, cfg.MinFreq, 0)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DirToSaveModel, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating save directory")
	}
	if err := vocab.Save(path); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"path":    path,
		"size":    vocab.Len(),
		"max_len": vocab.MaxCaptionLength,
	}).Info("built vocabulary")
	return vocab, nil
}

// interruptContext returns a context cancelled by SIGINT/SIGTERM.
func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func cmdTrain(args []string) error {
	cfg, _, err := ResolveExperimentConfig("train", args)
	if err != nil {
		return err
	}
	log := setupLogging(cfg.LogLevel, cfg.ExpName)

	switch {
	case cfg.FeaturesPath == "":
		return errors.New("features_path is required")
	case cfg.TrainJSONPath == "":
		return errors.New("train_json_path is required")
	case cfg.ValJSONPath == "":
		return errors.New("val_json_path is required")
	}

	SetGlobalComputeConfig(DetectComputeConfig())
	log.WithField("cpu", CPUSummary()).Debug("compute configured")

	ctx, cancel := interruptContext()
	defer cancel()

	trainDS, err := LoadDataset(cfg.TrainJSONPath)
	if err != nil {
		return err
	}
	valDS, err := LoadDataset(cfg.ValJSONPath)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"train": trainDS.Len(),
		"val":   valDS.Len(),
	}).Info("datasets loaded")

	vocab, err := loadOrBuildVocab(cfg, log)
	if err != nil {
		return err
	}

	store, err := NewFeatureStore(cfg.FeaturesPath)
	if err != nil {
		return err
	}
	featDim, err := store.FeatureDim(trainDS.Samples[0].ImageID)
	if err != nil {
		return errors.Wrap(err, "probing feature dimension")
	}

	mcfg := cfg.ModelConfig(vocab, featDim)
	if err := mcfg.Validate(); err != nil {
		return err
	}
	// Encoded captions must never exceed what the model can embed.
	if err := vocab.SetCaptionBudget(mcfg.MaxLen); err != nil {
		return err
	}
	model := NewCaptioner(mcfg)
	log.WithFields(logrus.Fields{
		"d_model":    mcfg.DModel,
		"heads":      mcfg.NumHeads,
		"enc_layers": mcfg.EncLayers,
		"dec_layers": mcfg.DecLayers,
		"vocab":      mcfg.VocabSize,
		"feat_dim":   mcfg.FeatDim,
	}).Info("model initialized")

	loader := NewLoader(trainDS, store, vocab, cfg.BatchSize, cfg.Workers, cfg.Seed)

	return Train(ctx, model, loader, valDS, store, vocab, TrainingConfig{
		ExpName:  cfg.ExpName,
		Epochs:   cfg.Epochs,
		Warmup:   cfg.Warmup,
		BaseLR:   cfg.LR,
		GradClip: cfg.GradClip,
		Patience: cfg.Patience,
		SaveDir:  cfg.DirToSaveModel,
	}, log)
}
