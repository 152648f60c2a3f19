package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeAnnotations writes a minimal annotation file and returns its path.
func writeAnnotations(t *testing.T, captions map[int][]string) string {
	t.Helper()

	af := AnnotationFile{}
	annID := 0
	for imageID, caps := range captions {
		af.Images = append(af.Images, ImageInfo{ID: imageID, FileName: "img.jpg"})
		for _, c := range caps {
			annID++
			af.Annotations = append(af.Annotations, Annotation{
				ID:      annID,
				ImageID: imageID,
				Caption: c,
			})
		}
	}

	data, err := json.Marshal(af)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "annotations.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestPreprocessCaption(t *testing.T) {
	assert.Equal(t,
		[]string{"a", "man", "rides", "a", "horse"},
		PreprocessCaption("A man rides a horse."))
	assert.Equal(t,
		[]string{"its", "raining"},
		PreprocessCaption("It's  raining!"))
	assert.Empty(t, PreprocessCaption("...!?"))
}

func TestBuildVocabOrdering(t *testing.T) {
	path := writeAnnotations(t, map[int][]string{
		1: {"dog dog dog cat cat bird"},
	})

	vocab, err := BuildVocab([]string{path}, 1, 0)
	require.NoError(t, err)

	// Specials occupy the first four slots.
	require.GreaterOrEqual(t, vocab.Len(), 7)
	assert.Equal(t, PadToken, vocab.Itos[PadIdx])
	assert.Equal(t, BosToken, vocab.Itos[BosIdx])
	assert.Equal(t, EosToken, vocab.Itos[EosIdx])
	assert.Equal(t, UnkToken, vocab.Itos[UnkIdx])

	// Then tokens by descending frequency.
	assert.Equal(t, []string{"dog", "cat", "bird"}, vocab.Itos[4:])
}

func TestBuildVocabAlphabeticalTies(t *testing.T) {
	path := writeAnnotations(t, map[int][]string{
		1: {"zebra apple mango"},
	})

	vocab, err := BuildVocab([]string{path}, 1, 0)
	require.NoError(t, err)

	assert.Equal(t, []string{"apple", "mango", "zebra"}, vocab.Itos[4:])
}

func TestBuildVocabMinFreq(t *testing.T) {
	path := writeAnnotations(t, map[int][]string{
		1: {"common common common rare"},
	})

	vocab, err := BuildVocab([]string{path}, 2, 0)
	require.NoError(t, err)

	assert.Equal(t, UnkIdx, vocab.Lookup("rare"))
	assert.Equal(t, 4, vocab.Lookup("common"))
}

func TestBuildVocabMaxSize(t *testing.T) {
	path := writeAnnotations(t, map[int][]string{
		1: {"a a a b b c"},
	})

	vocab, err := BuildVocab([]string{path}, 1, 2)
	require.NoError(t, err)

	// Cap excludes the specials: 4 specials + 2 words.
	assert.Equal(t, 6, vocab.Len())
	assert.NotEqual(t, UnkIdx, vocab.Lookup("a"))
	assert.NotEqual(t, UnkIdx, vocab.Lookup("b"))
	assert.Equal(t, UnkIdx, vocab.Lookup("c"))
}

func TestBuildVocabMaxCaptionLength(t *testing.T) {
	path := writeAnnotations(t, map[int][]string{
		1: {"one two three", "one"},
	})

	vocab, err := BuildVocab([]string{path}, 1, 0)
	require.NoError(t, err)

	// Longest caption plus <bos> and <eos>.
	assert.Equal(t, 5, vocab.MaxCaptionLength)
}

func TestEncodePadsAndFrames(t *testing.T) {
	path := writeAnnotations(t, map[int][]string{
		1: {"big red dog runs"},
	})
	vocab, err := BuildVocab([]string{path}, 1, 0)
	require.NoError(t, err)
	require.Equal(t, 6, vocab.MaxCaptionLength)

	vec := vocab.Encode([]string{"red", "dog"})

	require.Len(t, vec, 6)
	assert.Equal(t, BosIdx, vec[0])
	assert.Equal(t, vocab.Lookup("red"), vec[1])
	assert.Equal(t, vocab.Lookup("dog"), vec[2])
	assert.Equal(t, EosIdx, vec[3])
	assert.Equal(t, PadIdx, vec[4])
	assert.Equal(t, PadIdx, vec[5])
}

func TestEncodeTruncatesLongCaptions(t *testing.T) {
	path := writeAnnotations(t, map[int][]string{
		1: {"a b"},
	})
	vocab, err := BuildVocab([]string{path}, 1, 0)
	require.NoError(t, err)
	require.Equal(t, 4, vocab.MaxCaptionLength)

	vec := vocab.Encode([]string{"a", "b", "a", "b", "a"})

	require.Len(t, vec, 4)
	assert.Equal(t, BosIdx, vec[0])
	assert.Equal(t, EosIdx, vec[3])
}

func TestSetCaptionBudgetShrinksEncoding(t *testing.T) {
	path := writeAnnotations(t, map[int][]string{
		1: {"one two three four five six seven eight"},
	})
	vocab, err := BuildVocab([]string{path}, 1, 0)
	require.NoError(t, err)
	require.Equal(t, 10, vocab.MaxCaptionLength)

	require.NoError(t, vocab.SetCaptionBudget(5))

	vec := vocab.Encode([]string{"one", "two", "three", "four", "five"})
	require.Len(t, vec, 5)
	assert.Equal(t, BosIdx, vec[0])
	assert.Equal(t, EosIdx, vec[4])

	assert.Error(t, vocab.SetCaptionBudget(1))
}

func TestDecodeStopsAtEosAndSkipsSpecials(t *testing.T) {
	path := writeAnnotations(t, map[int][]string{
		1: {"hello world again"},
	})
	vocab, err := BuildVocab([]string{path}, 1, 0)
	require.NoError(t, err)

	ids := []int{
		BosIdx,
		vocab.Lookup("hello"),
		UnkIdx,
		vocab.Lookup("world"),
		EosIdx,
		vocab.Lookup("again"),
	}

	assert.Equal(t, "hello world", vocab.Decode(ids))
	assert.Equal(t, []string{"hello", "world"}, vocab.DecodeTokens(ids))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	path := writeAnnotations(t, map[int][]string{
		1: {"a brown dog chases the ball"},
	})
	vocab, err := BuildVocab([]string{path}, 1, 0)
	require.NoError(t, err)

	tokens := []string{"brown", "dog", "chases"}
	assert.Equal(t, tokens, vocab.DecodeTokens(vocab.Encode(tokens)))
}

func TestVocabSaveLoad(t *testing.T) {
	annPath := writeAnnotations(t, map[int][]string{
		1: {"alpha beta gamma alpha"},
	})
	vocab, err := BuildVocab([]string{annPath}, 1, 0)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "vocab.json")
	require.NoError(t, vocab.Save(path))

	loaded, err := LoadVocab(path)
	require.NoError(t, err)

	assert.Equal(t, vocab.Itos, loaded.Itos)
	assert.Equal(t, vocab.MaxCaptionLength, loaded.MaxCaptionLength)
	assert.Equal(t, vocab.Lookup("alpha"), loaded.Lookup("alpha"))
}

func TestLoadVocabRejectsTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"itos":["<pad>"]}`), 0o644))

	_, err := LoadVocab(path)
	assert.Error(t, err)
}
