package main

import (
	"encoding/json"
	"os"
	"sort"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// Special tokens, in vocabulary index order.
const (
	PadToken = "<pad>"
	BosToken = "<bos>"
	EosToken = "<eos>"
	UnkToken = "<unk>"
)

// Fixed indices for the special tokens.
const (
	PadIdx = 0
	BosIdx = 1
	EosIdx = 2
	UnkIdx = 3
)

// Vocab maps caption tokens to numerical identifiers and back.
//
// The vocabulary is built from annotation files by counting token
// frequencies, keeping tokens that occur at least MinFreq times, ordered by
// frequency descending with alphabetical tie-breaking. The four special
// tokens always occupy indices 0-3 and are never counted.
type Vocab struct {
	Itos []string       `json:"itos"`
	Stoi map[string]int `json:"-"`

	// Freqs holds the training-corpus token counts the vocabulary was
	// built from. Kept for inspection and for the vocab subcommand.
	Freqs map[string]int `json:"freqs"`

	// MaxCaptionLength is the longest preprocessed caption seen at build
	// time, plus two for <bos> and <eos>. Encode pads to this length.
	MaxCaptionLength int `json:"max_caption_length"`
}

// BuildVocab builds a vocabulary from one or more annotation JSON files.
// maxSize caps the number of non-special tokens; 0 means no cap.
func BuildVocab(jsonPaths []string, minFreq, maxSize int) (*Vocab, error) {
	if minFreq < 1 {
		minFreq = 1
	}

	freqs := make(map[string]int)
	maxLen := 0

	for _, path := range jsonPaths {
		anns, err := LoadAnnotations(path)
		if err != nil {
			return nil, errors.Wrapf(err, "building vocab from %s", path)
		}
		for _, ann := range anns.Annotations {
			tokens := PreprocessCaption(ann.Caption)
			for _, tok := range tokens {
				freqs[tok]++
			}
			if len(tokens)+2 > maxLen {
				maxLen = len(tokens) + 2
			}
		}
	}

	type wordFreq struct {
		word string
		freq int
	}

	words := make([]wordFreq, 0, len(freqs))
	for w, f := range freqs {
		words = append(words, wordFreq{w, f})
	}

	// Frequency descending, ties alphabetical.
	sort.Slice(words, func(i, j int) bool {
		if words[i].freq != words[j].freq {
			return words[i].freq > words[j].freq
		}
		return words[i].word < words[j].word
	})

	itos := []string{PadToken, BosToken, EosToken, UnkToken}
	for _, wf := range words {
		if wf.freq < minFreq {
			break
		}
		if maxSize > 0 && len(itos) >= maxSize+4 {
			break
		}
		itos = append(itos, wf.word)
	}

	v := &Vocab{
		Itos:             itos,
		Freqs:            freqs,
		MaxCaptionLength: maxLen,
	}
	v.rebuildStoi()

	return v, nil
}

func (v *Vocab) rebuildStoi() {
	v.Stoi = make(map[string]int, len(v.Itos))
	for i, tok := range v.Itos {
		v.Stoi[tok] = i
	}
}

// Len returns the vocabulary size including specials.
func (v *Vocab) Len() int {
	return len(v.Itos)
}

// Lookup returns the index for a token, or UnkIdx for out-of-vocabulary
// tokens.
func (v *Vocab) Lookup(token string) int {
	if idx, ok := v.Stoi[token]; ok {
		return idx
	}
	return UnkIdx
}

// SetCaptionBudget overrides the encode length so captions fit a model
// whose maximum length differs from the training corpus's longest caption.
// The budget must leave room for <bos> and <eos>.
func (v *Vocab) SetCaptionBudget(maxLen int) error {
	if maxLen < 2 {
		return errors.Errorf("caption budget %d must be at least 2", maxLen)
	}
	v.MaxCaptionLength = maxLen
	return nil
}

// Encode turns a preprocessed caption into a fixed-length index vector:
// <bos> tokens <eos>, padded with <pad> to MaxCaptionLength. Captions
// longer than the budget are truncated so <eos> always fits.
func (v *Vocab) Encode(tokens []string) []int {
	if v.MaxCaptionLength < 2 {
		panic("vocab: MaxCaptionLength must be at least 2")
	}

	if len(tokens) > v.MaxCaptionLength-2 {
		tokens = tokens[:v.MaxCaptionLength-2]
	}

	vec := make([]int, v.MaxCaptionLength)
	for i := range vec {
		vec[i] = PadIdx
	}

	vec[0] = BosIdx
	for i, tok := range tokens {
		vec[i+1] = v.Lookup(tok)
	}
	vec[len(tokens)+1] = EosIdx

	return vec
}

// Decode turns an index vector back into a caption string. Special tokens
// are skipped and decoding stops at <eos>.
func (v *Vocab) Decode(ids []int) string {
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == EosIdx {
			break
		}
		if id < 0 || id >= len(v.Itos) || id <= UnkIdx {
			continue
		}
		words = append(words, v.Itos[id])
	}
	return strings.Join(words, " ")
}

// DecodeTokens is Decode without the final join, for metric computation.
func (v *Vocab) DecodeTokens(ids []int) []string {
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == EosIdx {
			break
		}
		if id < 0 || id >= len(v.Itos) || id <= UnkIdx {
			continue
		}
		words = append(words, v.Itos[id])
	}
	return words
}

// PreprocessCaption lowercases a raw caption, strips punctuation, and
// splits on whitespace.
func PreprocessCaption(caption string) []string {
	var b strings.Builder
	for _, r := range strings.ToLower(caption) {
		if unicode.IsPunct(r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.Fields(b.String())
}

// Save writes the vocabulary to a JSON file.
func (v *Vocab) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating vocab file")
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if err := enc.Encode(v); err != nil {
		return errors.Wrap(err, "encoding vocab")
	}
	return nil
}

// LoadVocab reads a vocabulary from a JSON file written by Save.
func LoadVocab(path string) (*Vocab, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening vocab file")
	}
	defer f.Close()

	var v Vocab
	if err := json.NewDecoder(f).Decode(&v); err != nil {
		return nil, errors.Wrap(err, "decoding vocab")
	}
	if len(v.Itos) < 4 {
		return nil, errors.Errorf("vocab file %s is missing special tokens", path)
	}
	v.rebuildStoi()

	return &v, nil
}
