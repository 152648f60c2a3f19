package main

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func toks(s string) []string {
	return strings.Fields(s)
}

func TestBLEUPerfectMatch(t *testing.T) {
	candidates := [][]string{toks("a dog runs in the park")}
	references := [][][]string{{toks("a dog runs in the park")}}

	scores := BLEU(candidates, references)

	for n := 0; n < bleuMaxOrder; n++ {
		assert.InDelta(t, 1.0, scores[n], 1e-12, "BLEU-%d", n+1)
	}
}

func TestBLEUNoOverlap(t *testing.T) {
	candidates := [][]string{toks("x y z")}
	references := [][][]string{{toks("a b c")}}

	scores := BLEU(candidates, references)

	for n := 0; n < bleuMaxOrder; n++ {
		assert.Zero(t, scores[n])
	}
}

func TestBLEUUnigramPrecision(t *testing.T) {
	// 3 of 4 candidate unigrams appear in the reference; lengths match
	// closely enough that no brevity penalty applies.
	candidates := [][]string{toks("the cat sat down")}
	references := [][][]string{{toks("the cat sat here")}}

	scores := BLEU(candidates, references)

	assert.InDelta(t, 0.75, scores[0], 1e-12)
}

func TestBLEUClipping(t *testing.T) {
	// "the" occurs 7 times in the candidate but at most twice in a
	// reference, so clipped matches are 2 of 7.
	candidates := [][]string{toks("the the the the the the the")}
	references := [][][]string{{
		toks("the cat is on the mat"),
		toks("there is a cat on the mat"),
	}}

	scores := BLEU(candidates, references)

	assert.InDelta(t, 2.0/7.0, scores[0], 1e-12)
}

func TestBLEUBrevityPenalty(t *testing.T) {
	// Candidate matches the reference prefix exactly but is half as long.
	candidates := [][]string{toks("a b")}
	references := [][][]string{{toks("a b c d")}}

	scores := BLEU(candidates, references)

	bp := math.Exp(1.0 - 4.0/2.0)
	assert.InDelta(t, bp, scores[0], 1e-12)
	assert.InDelta(t, bp, scores[1], 1e-12)
}

func TestBLEUMultipleReferencesHelp(t *testing.T) {
	candidates := [][]string{toks("a small dog")}

	alone := BLEU(candidates, [][][]string{{toks("a big cat")}})
	withBetter := BLEU(candidates, [][][]string{{
		toks("a big cat"),
		toks("a small dog"),
	}})

	assert.Greater(t, withBetter[0], alone[0])
}

func TestBLEUCorpusLevelPooling(t *testing.T) {
	// Corpus BLEU pools n-gram counts over candidates rather than
	// averaging per-sentence scores.
	candidates := [][]string{
		toks("a b c d"),
		toks("w x y z"),
	}
	references := [][][]string{
		{toks("a b c d")},
		{toks("p q r s")},
	}

	scores := BLEU(candidates, references)

	// 4 of 8 pooled unigrams match.
	assert.InDelta(t, 0.5, scores[0], 1e-12)
}

func TestCountNgrams(t *testing.T) {
	counts := countNgrams(toks("a b a b"), 2)

	assert.Equal(t, 2, counts["a b"])
	assert.Equal(t, 1, counts["b a"])
	assert.Len(t, counts, 2)
}

func TestClosestRefLength(t *testing.T) {
	refs := [][]string{toks("a b c"), toks("a b c d e f")}

	assert.Equal(t, 3, closestRefLength(4, refs))
	assert.Equal(t, 6, closestRefLength(6, refs))

	// Ties go to the shorter reference.
	refs = [][]string{toks("a b c"), toks("a b c d e")}
	assert.Equal(t, 3, closestRefLength(4, refs))
}

func TestBLEUEmptyCandidate(t *testing.T) {
	scores := BLEU([][]string{{}}, [][][]string{{toks("a b")}})
	for n := 0; n < bleuMaxOrder; n++ {
		assert.Zero(t, scores[n])
	}
}
