package main

import (
	"math"
	"sort"
)

// ===========================================================================
// CAPTION GENERATION
// ===========================================================================
//
// Decoding strategies over a trained model. The image is encoded once;
// each decoding step re-runs the decoder on the growing prefix. Greedy
// decoding takes the argmax at every step; beam search keeps the
// beamSize best prefixes by length-normalized log-probability.
//
// ===========================================================================

// GenerateGreedy decodes a caption by taking the most probable token at
// each step, starting from <bos>, until <eos> or the length limit.
// Returns token IDs without the leading <bos>.
func (m *Captioner) GenerateGreedy(features *Tensor) []int {
	memory := m.Encode(features)

	tokens := []int{BosIdx}
	for len(tokens) < m.config.MaxLen {
		logits := m.Decode(memory, tokens)

		last := logits.Row(logits.shape[0] - 1)
		next := 0
		best := math.Inf(-1)
		for v, l := range last.data {
			if l > best {
				best = l
				next = v
			}
		}

		tokens = append(tokens, next)
		if next == EosIdx {
			break
		}
	}

	return tokens[1:]
}

// beamHypothesis is one partial caption during beam search.
type beamHypothesis struct {
	tokens   []int
	logProb  float64
	finished bool
}

// score is the length-normalized log-probability used for ranking. The
// <bos> prefix does not count toward the length.
func (h beamHypothesis) score() float64 {
	n := len(h.tokens) - 1
	if n < 1 {
		n = 1
	}
	return h.logProb / float64(n)
}

// GenerateBeam decodes a caption with beam search. beamSize of 1 is
// equivalent to greedy decoding. Returns token IDs without <bos>.
func (m *Captioner) GenerateBeam(features *Tensor, beamSize int) []int {
	if beamSize <= 1 {
		return m.GenerateGreedy(features)
	}

	memory := m.Encode(features)

	beams := []beamHypothesis{{tokens: []int{BosIdx}}}

	for step := 1; step < m.config.MaxLen; step++ {
		candidates := make([]beamHypothesis, 0, len(beams)*beamSize)

		allFinished := true
		for _, beam := range beams {
			if beam.finished {
				candidates = append(candidates, beam)
				continue
			}
			allFinished = false

			logits := m.Decode(memory, beam.tokens)
			last := logits.shape[0] - 1

			logProbs := logSoftmaxRow(logits, last)

			// Only the top beamSize continuations of each beam can
			// survive the global cut.
			top := topIndices(logProbs, beamSize)
			for _, v := range top {
				next := beamHypothesis{
					tokens:   append(append([]int{}, beam.tokens...), v),
					logProb:  beam.logProb + logProbs[v],
					finished: v == EosIdx,
				}
				candidates = append(candidates, next)
			}
		}

		if allFinished {
			break
		}

		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].score() > candidates[j].score()
		})
		if len(candidates) > beamSize {
			candidates = candidates[:beamSize]
		}
		beams = candidates
	}

	best := beams[0]
	for _, b := range beams[1:] {
		if b.score() > best.score() {
			best = b
		}
	}

	return best.tokens[1:]
}

// logSoftmaxRow returns log-probabilities for one row of a logits tensor.
func logSoftmaxRow(logits *Tensor, row int) []float64 {
	cols := logits.shape[1]

	maxVal := logits.At(row, 0)
	for c := 1; c < cols; c++ {
		if v := logits.At(row, c); v > maxVal {
			maxVal = v
		}
	}

	sumExp := 0.0
	for c := 0; c < cols; c++ {
		sumExp += math.Exp(logits.At(row, c) - maxVal)
	}
	logSumExp := maxVal + math.Log(sumExp)

	out := make([]float64, cols)
	for c := 0; c < cols; c++ {
		out[c] = logits.At(row, c) - logSumExp
	}
	return out
}

// topIndices returns the indices of the k largest values.
func topIndices(values []float64, k int) []int {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool {
		return values[idx[i]] > values[idx[j]]
	})
	if k > len(idx) {
		k = len(idx)
	}
	return idx[:k]
}
