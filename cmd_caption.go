package main

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

// cmdCaption generates captions for the image ids given as positional
// arguments, one line per image.
func cmdCaption(args []string) error {
	cfg, fs, err := ResolveExperimentConfig("caption", args)
	if err != nil {
		return err
	}
	log := setupLogging(cfg.LogLevel, cfg.ExpName)

	if cfg.FeaturesPath == "" {
		return errors.New("features_path is required")
	}
	if fs.NArg() == 0 {
		return errors.New("at least one image id is required")
	}

	imageIDs := make([]int, 0, fs.NArg())
	for _, arg := range fs.Args() {
		id, err := strconv.Atoi(arg)
		if err != nil {
			return errors.Wrapf(err, "invalid image id %q", arg)
		}
		imageIDs = append(imageIDs, id)
	}

	SetGlobalComputeConfig(DetectComputeConfig())

	ckptPath, err := bestCheckpointPath(cfg)
	if err != nil {
		return err
	}
	model, _, err := LoadCheckpointModel(ckptPath)
	if err != nil {
		return err
	}
	vocab, err := LoadVocab(vocabPath(cfg))
	if err != nil {
		return err
	}
	store, err := NewFeatureStore(cfg.FeaturesPath)
	if err != nil {
		return err
	}

	log.WithField("checkpoint", ckptPath).Debug("model loaded")

	for _, id := range imageIDs {
		features, err := store.Get(id)
		if err != nil {
			return errors.Wrapf(err, "features for image %d", id)
		}
		tokens := model.GenerateBeam(features, cfg.BeamSize)
		fmt.Printf("%d\t%s\n", id, vocab.Decode(tokens))
	}
	return nil
}
