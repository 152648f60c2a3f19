package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// cmdVocab builds the vocabulary from the training annotations and saves
// it where training would look for it. Useful for inspecting a corpus
// before committing to a run.
func cmdVocab(args []string) error {
	cfg, _, err := ResolveExperimentConfig("vocab", args)
	if err != nil {
		return err
	}
	log := setupLogging(cfg.LogLevel, cfg.ExpName)

	if cfg.TrainJSONPath == "" {
		return errors.New("train_json_path is required")
	}

	vocab, err := BuildVocab([]string{cfg.TrainJSONPath}, cfg.MinFreq, 0)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DirToSaveModel, 0o755); err != nil {
		return errors.Wrap(err, "creating save directory")
	}
	path := vocabPath(cfg)
	if err := vocab.Save(path); err != nil {
		return err
	}
	log.WithField("path", path).Info("vocabulary saved")

	fmt.Printf("tokens:      %d\n", vocab.Len())
	fmt.Printf("max length:  %d\n", vocab.MaxCaptionLength)

	// The most frequent tokens after the specials give a quick sanity
	// check that preprocessing behaved.
	limit := UnkIdx + 1 + 10
	if limit > vocab.Len() {
		limit = vocab.Len()
	}
	for i := UnkIdx + 1; i < limit; i++ {
		tok := vocab.Itos[i]
		fmt.Printf("  %4d  %-15s %d\n", i, tok, vocab.Freqs[tok])
	}
	return nil
}
