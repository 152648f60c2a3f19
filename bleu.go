package main

import (
	"math"
	"strings"
)

// ===========================================================================
// BLEU
// ===========================================================================
//
// Corpus-level BLEU with clipped n-gram precision and brevity penalty,
// computed against all reference captions of each image:
//
//	BLEU-k = BP · exp( (1/k) Σ_{n=1..k} log p_n )
//	BP     = 1 if c > r, else exp(1 - r/c)
//
// where p_n is the corpus-wide clipped n-gram precision, c the total
// candidate length, and r the sum of closest reference lengths.
//
// ===========================================================================

const bleuMaxOrder = 4

// BLEU computes corpus BLEU-1 through BLEU-4 for candidate captions
// against their reference sets. candidates[i] is scored against
// references[i]. Returns [BLEU-1, BLEU-2, BLEU-3, BLEU-4].
func BLEU(candidates [][]string, references [][][]string) [bleuMaxOrder]float64 {
	if len(candidates) != len(references) {
		panic("bleu: candidate and reference counts differ")
	}

	var matches, totals [bleuMaxOrder]float64
	candLen := 0
	refLen := 0

	for i, cand := range candidates {
		candLen += len(cand)
		refLen += closestRefLength(len(cand), references[i])

		for n := 1; n <= bleuMaxOrder; n++ {
			candCounts := countNgrams(cand, n)

			// Clip counts: a candidate n-gram only matches up to the
			// maximum number of times it appears in any one reference.
			maxRef := make(map[string]int)
			for _, ref := range references[i] {
				for gram, count := range countNgrams(ref, n) {
					if count > maxRef[gram] {
						maxRef[gram] = count
					}
				}
			}

			for gram, count := range candCounts {
				clipped := count
				if m := maxRef[gram]; m < clipped {
					clipped = m
				}
				matches[n-1] += float64(clipped)
				totals[n-1] += float64(count)
			}
		}
	}

	bp := 1.0
	if candLen == 0 {
		return [bleuMaxOrder]float64{}
	}
	if candLen <= refLen {
		bp = math.Exp(1.0 - float64(refLen)/float64(candLen))
	}

	var scores [bleuMaxOrder]float64
	for k := 1; k <= bleuMaxOrder; k++ {
		logSum := 0.0
		valid := true
		for n := 1; n <= k; n++ {
			if totals[n-1] == 0 || matches[n-1] == 0 {
				valid = false
				break
			}
			logSum += math.Log(matches[n-1] / totals[n-1])
		}
		if valid {
			scores[k-1] = bp * math.Exp(logSum/float64(k))
		}
	}

	return scores
}

// countNgrams counts n-grams of a token sequence, keyed by the joined
// tokens.
func countNgrams(tokens []string, n int) map[string]int {
	counts := make(map[string]int)
	for i := 0; i+n <= len(tokens); i++ {
		counts[strings.Join(tokens[i:i+n], " ")]++
	}
	return counts
}

// closestRefLength returns the reference length closest to the candidate
// length, preferring the shorter one on ties.
func closestRefLength(candLen int, refs [][]string) int {
	best := 0
	bestDiff := math.MaxInt
	for _, ref := range refs {
		diff := len(ref) - candLen
		if diff < 0 {
			diff = -diff
		}
		if diff < bestDiff || (diff == bestDiff && len(ref) < best) {
			best = len(ref)
			bestDiff = diff
		}
	}
	return best
}
