package main

import (
	"context"
	"sort"
)

// EvaluateLoss computes the per-token masked cross-entropy of a split.
func EvaluateLoss(ctx context.Context, model *Captioner, ds *Dataset, store *FeatureStore, vocab *Vocab) (float64, error) {
	totalLoss := 0.0
	totalTokens := 0

	for _, sample := range ds.Samples {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		features, err := store.Get(sample.ImageID)
		if err != nil {
			return 0, err
		}

		encoded := vocab.Encode(sample.Tokens)
		logits := model.Forward(features, encoded[:len(encoded)-1])

		loss, counted := CrossEntropyLoss(logits, encoded[1:], PadIdx)
		totalLoss += loss * float64(counted)
		totalTokens += counted
	}

	if totalTokens == 0 {
		return 0, nil
	}
	return totalLoss / float64(totalTokens), nil
}

// EvaluateBLEU generates one caption per distinct image of a split and
// scores the corpus against all reference captions. beamSize 0 or 1 means
// greedy decoding. Returns [BLEU-1, BLEU-2, BLEU-3, BLEU-4].
func EvaluateBLEU(ctx context.Context, model *Captioner, ds *Dataset, store *FeatureStore, vocab *Vocab, beamSize int) ([bleuMaxOrder]float64, error) {
	var zero [bleuMaxOrder]float64

	imageIDs := ds.ImageIDs()
	sort.Ints(imageIDs) // deterministic evaluation order

	candidates := make([][]string, 0, len(imageIDs))
	references := make([][][]string, 0, len(imageIDs))

	for _, id := range imageIDs {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		features, err := store.Get(id)
		if err != nil {
			return zero, err
		}

		var ids []int
		if beamSize > 1 {
			ids = model.GenerateBeam(features, beamSize)
		} else {
			ids = model.GenerateGreedy(features)
		}

		candidates = append(candidates, vocab.DecodeTokens(ids))
		references = append(references, ds.References[id])
	}

	return BLEU(candidates, references), nil
}
