package main

import (
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ImageInfo describes one image entry in an annotation file.
type ImageInfo struct {
	ID       int    `json:"id"`
	FileName string `json:"file_name"`
}

// Annotation is one caption for one image.
type Annotation struct {
	ID      int    `json:"id"`
	ImageID int    `json:"image_id"`
	Caption string `json:"caption"`
}

// AnnotationFile is the COCO-style annotation JSON for one split.
type AnnotationFile struct {
	Images      []ImageInfo  `json:"images"`
	Annotations []Annotation `json:"annotations"`
}

// LoadAnnotations reads and validates an annotation JSON file.
func LoadAnnotations(path string) (*AnnotationFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening annotation file")
	}
	defer f.Close()

	var af AnnotationFile
	if err := json.NewDecoder(f).Decode(&af); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	if len(af.Annotations) == 0 {
		return nil, errors.Errorf("annotation file %s has no annotations", path)
	}

	return &af, nil
}

// Sample pairs one image with one of its captions, pre-tokenized.
type Sample struct {
	ImageID int
	Tokens  []string
}

// Dataset holds the samples of one split. Each caption is an independent
// sample; an image with five captions yields five samples.
type Dataset struct {
	Samples []Sample

	// References collects every caption of an image, keyed by image ID.
	// Used for BLEU scoring, where all ground-truth captions count.
	References map[int][][]string
}

// LoadDataset builds a Dataset from an annotation file.
func LoadDataset(jsonPath string) (*Dataset, error) {
	af, err := LoadAnnotations(jsonPath)
	if err != nil {
		return nil, err
	}

	ds := &Dataset{
		References: make(map[int][][]string),
	}

	for _, ann := range af.Annotations {
		tokens := PreprocessCaption(ann.Caption)
		if len(tokens) == 0 {
			continue
		}
		ds.Samples = append(ds.Samples, Sample{ImageID: ann.ImageID, Tokens: tokens})
		ds.References[ann.ImageID] = append(ds.References[ann.ImageID], tokens)
	}

	if len(ds.Samples) == 0 {
		return nil, errors.Errorf("annotation file %s has no usable captions", jsonPath)
	}

	return ds, nil
}

// Len returns the number of samples.
func (d *Dataset) Len() int {
	return len(d.Samples)
}

// ImageIDs returns the distinct image IDs of the split.
func (d *Dataset) ImageIDs() []int {
	ids := make([]int, 0, len(d.References))
	for id := range d.References {
		ids = append(ids, id)
	}
	return ids
}

// Batch is one training step's worth of data. Inputs are the encoded
// captions minus the final position, Targets the same sequence shifted
// left by one: standard next-token prediction.
type Batch struct {
	ImageIDs []int
	Features []*Tensor
	Inputs   [][]int
	Targets  [][]int
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.ImageIDs)
}

// Loader assembles shuffled batches for a split, fetching features with a
// pool of worker goroutines. Batch order across an epoch is not
// deterministic when workers > 1; sample membership of each batch is.
type Loader struct {
	ds      *Dataset
	store   *FeatureStore
	vocab   *Vocab
	batch   int
	workers int
	rng     *rand.Rand
}

// NewLoader creates a loader for one split.
func NewLoader(ds *Dataset, store *FeatureStore, vocab *Vocab, batchSize, workers int, seed int64) *Loader {
	if batchSize < 1 {
		panic("loader: batch size must be positive")
	}
	if workers < 1 {
		workers = 1
	}

	return &Loader{
		ds:      ds,
		store:   store,
		vocab:   vocab,
		batch:   batchSize,
		workers: workers,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Steps returns the number of batches per epoch.
func (l *Loader) Steps() int {
	return (l.ds.Len() + l.batch - 1) / l.batch
}

// Epoch streams one shuffled epoch of batches. The returned wait function
// must be called after draining the channel; it reports the first worker
// error. Cancelling ctx aborts the epoch.
func (l *Loader) Epoch(ctx context.Context) (<-chan *Batch, func() error) {
	perm := l.rng.Perm(l.ds.Len())

	grp, ctx := errgroup.WithContext(ctx)
	jobs := make(chan []int)
	out := make(chan *Batch, l.workers)

	grp.Go(func() error {
		defer close(jobs)
		for start := 0; start < len(perm); start += l.batch {
			end := start + l.batch
			if end > len(perm) {
				end = len(perm)
			}
			select {
			case jobs <- perm[start:end]:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	// Workers share grp's derived context: once one fails, the group
	// cancels and its peers stop instead of assembling the rest of the
	// epoch.
	var workerWg sync.WaitGroup
	for w := 0; w < l.workers; w++ {
		workerWg.Add(1)
		grp.Go(func() error {
			defer workerWg.Done()
			for {
				var indices []int
				var ok bool
				select {
				case indices, ok = <-jobs:
					if !ok {
						return nil
					}
				case <-ctx.Done():
					return ctx.Err()
				}

				batch, err := l.assemble(indices)
				if err != nil {
					return err
				}
				select {
				case out <- batch:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		})
	}

	go func() {
		workerWg.Wait()
		close(out)
	}()

	return out, grp.Wait
}

func (l *Loader) assemble(indices []int) (*Batch, error) {
	batch := &Batch{
		ImageIDs: make([]int, 0, len(indices)),
		Features: make([]*Tensor, 0, len(indices)),
		Inputs:   make([][]int, 0, len(indices)),
		Targets:  make([][]int, 0, len(indices)),
	}

	for _, idx := range indices {
		sample := l.ds.Samples[idx]

		features, err := l.store.Get(sample.ImageID)
		if err != nil {
			return nil, err
		}

		encoded := l.vocab.Encode(sample.Tokens)

		batch.ImageIDs = append(batch.ImageIDs, sample.ImageID)
		batch.Features = append(batch.Features, features)
		batch.Inputs = append(batch.Inputs, encoded[:len(encoded)-1])
		batch.Targets = append(batch.Targets, encoded[1:])
	}

	return batch, nil
}
