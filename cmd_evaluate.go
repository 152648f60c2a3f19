package main

import (
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// bestCheckpointPath prefers the best-scoring checkpoint and falls back to
// the most recent one.
func bestCheckpointPath(cfg *ExperimentConfig) (string, error) {
	best := filepath.Join(cfg.DirToSaveModel, cfg.ExpName+"_best.bin")
	last := filepath.Join(cfg.DirToSaveModel, cfg.ExpName+"_last.bin")
	for _, path := range []string{best, last} {
		if fileExists(path) {
			return path, nil
		}
	}
	return "", errors.Errorf("no checkpoint for experiment %q under %s", cfg.ExpName, cfg.DirToSaveModel)
}

func cmdEvaluate(args []string) error {
	cfg, _, err := ResolveExperimentConfig("evaluate", args)
	if err != nil {
		return err
	}
	log := setupLogging(cfg.LogLevel, cfg.ExpName)

	switch {
	case cfg.FeaturesPath == "":
		return errors.New("features_path is required")
	case cfg.TestJSONPath == "":
		return errors.New("test_json_path is required")
	}

	SetGlobalComputeConfig(DetectComputeConfig())

	ctx, cancel := interruptContext()
	defer cancel()

	ckptPath, err := bestCheckpointPath(cfg)
	if err != nil {
		return err
	}
	model, meta, err := LoadCheckpointModel(ckptPath)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"checkpoint": ckptPath,
		"epoch":      meta.Epoch,
		"bleu4":      meta.BestScore,
	}).Info("checkpoint loaded")

	vocab, err := LoadVocab(vocabPath(cfg))
	if err != nil {
		return err
	}
	if vocab.Len() != model.Config().VocabSize {
		return errors.Errorf("vocabulary size %d does not match checkpoint %d",
			vocab.Len(), model.Config().VocabSize)
	}
	if err := vocab.SetCaptionBudget(model.Config().MaxLen); err != nil {
		return err
	}

	testDS, err := LoadDataset(cfg.TestJSONPath)
	if err != nil {
		return err
	}
	store, err := NewFeatureStore(cfg.FeaturesPath)
	if err != nil {
		return err
	}
	if err := store.Preload(ctx, testDS.ImageIDs(), cfg.Workers); err != nil {
		return errors.Wrap(err, "preloading features")
	}

	loss, err := EvaluateLoss(ctx, model, testDS, store, vocab)
	if err != nil {
		return errors.Wrap(err, "test loss")
	}
	bleu, err := EvaluateBLEU(ctx, model, testDS, store, vocab, cfg.BeamSize)
	if err != nil {
		return errors.Wrap(err, "test BLEU")
	}

	log.WithFields(logrus.Fields{
		"samples":   testDS.Len(),
		"beam_size": cfg.BeamSize,
	}).Info("evaluation complete")

	fmt.Printf("loss:   %.4f\n", loss)
	for i, score := range bleu {
		fmt.Printf("BLEU-%d: %.4f\n", i+1, score)
	}
	return nil
}
