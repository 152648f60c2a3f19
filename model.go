package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
)

// ===========================================================================
// CAPTIONING TRANSFORMER
// ===========================================================================
//
// Encoder-decoder transformer for image captioning. The encoder runs
// unmasked self-attention over projected region features; the decoder runs
// causal self-attention over the caption prefix plus cross-attention into
// the encoder memory, then projects to vocabulary logits.
//
//   features (regions, featDim)
//     → linear projection → encoder blocks → memory (regions, dModel)
//   caption prefix
//     → word + position embeddings → decoder blocks (self, cross, FFN)
//     → final layer norm → lm head → logits (positions, vocab)
//
// Every sublayer follows residual form x = x + LN(Sublayer(x)).
//
// ===========================================================================

// ModelConfig holds the architecture hyperparameters.
type ModelConfig struct {
	VocabSize int `json:"vocab_size"`
	MaxLen    int `json:"max_len"`    // maximum decoded caption length
	FeatDim   int `json:"feat_dim"`   // region feature dimension
	DModel    int `json:"d_model"`    // embedding dimension
	NumHeads  int `json:"num_heads"`  // attention heads
	EncLayers int `json:"enc_layers"` // encoder depth
	DecLayers int `json:"dec_layers"` // decoder depth
	FFHidden  int `json:"ff_hidden"`  // FFN hidden dimension
}

// Validate reports the first configuration error, if any.
func (c ModelConfig) Validate() error {
	switch {
	case c.VocabSize < 5:
		return errors.Errorf("vocab size %d is too small", c.VocabSize)
	case c.MaxLen < 2:
		return errors.Errorf("max caption length %d is too small", c.MaxLen)
	case c.FeatDim < 1:
		return errors.Errorf("feature dimension %d must be positive", c.FeatDim)
	case c.DModel < 1:
		return errors.Errorf("d_model %d must be positive", c.DModel)
	case c.NumHeads < 1:
		return errors.Errorf("head count %d must be positive", c.NumHeads)
	case c.DModel%c.NumHeads != 0:
		return errors.Errorf("d_model %d must be divisible by head count %d", c.DModel, c.NumHeads)
	case c.EncLayers < 1 || c.DecLayers < 1:
		return errors.Errorf("encoder/decoder depth must be positive, got %d/%d", c.EncLayers, c.DecLayers)
	case c.FFHidden < 1:
		return errors.Errorf("ff hidden %d must be positive", c.FFHidden)
	}
	return nil
}

// Attention is multi-head scaled dot-product attention. It serves both
// self-attention (query == keyval) and cross-attention (keyval is the
// encoder memory).
type Attention struct {
	dModel   int
	numHeads int
	headDim  int

	wq, wk, wv, wo *Tensor
}

// NewAttention creates an attention layer.
func NewAttention(dModel, numHeads int) *Attention {
	if dModel%numHeads != 0 {
		panic(fmt.Sprintf("model: dModel (%d) must be divisible by numHeads (%d)", dModel, numHeads))
	}

	scale := math.Sqrt(2.0 / float64(dModel))
	wq := NewTensorRand(dModel, dModel)
	wk := NewTensorRand(dModel, dModel)
	wv := NewTensorRand(dModel, dModel)
	wo := NewTensorRand(dModel, dModel)
	for i := range wq.data {
		wq.data[i] *= scale
		wk.data[i] *= scale
		wv.data[i] *= scale
		wo.data[i] *= scale
	}

	return &Attention{
		dModel:   dModel,
		numHeads: numHeads,
		headDim:  dModel / numHeads,
		wq:       wq,
		wk:       wk,
		wv:       wv,
		wo:       wo,
	}
}

// AttentionCache stores forward activations needed for backprop.
type AttentionCache struct {
	query  *Tensor
	keyval *Tensor
	q      *Tensor
	k      *Tensor
	v      *Tensor
	causal bool
}

// Forward computes attention output for a query of shape (n, dModel)
// against keys/values of shape (m, dModel). With causal set, position i
// only attends to positions ≤ i (requires n == m).
func (a *Attention) Forward(query, keyval *Tensor, causal bool) *Tensor {
	out, _ := a.forward(query, keyval, causal)
	return out
}

// ForwardWithCache is Forward but retains activations for Backward.
func (a *Attention) ForwardWithCache(query, keyval *Tensor, causal bool) (*Tensor, *AttentionCache) {
	return a.forward(query, keyval, causal)
}

func (a *Attention) forward(query, keyval *Tensor, causal bool) (*Tensor, *AttentionCache) {
	if len(query.shape) != 2 || len(keyval.shape) != 2 {
		panic("model: attention inputs must be 2D")
	}
	if causal && query.shape[0] != keyval.shape[0] {
		panic("model: causal attention requires query and keyval of equal length")
	}

	n := query.shape[0]
	m := keyval.shape[0]

	cache := &AttentionCache{
		query:  query.Clone(),
		keyval: keyval.Clone(),
		causal: causal,
	}

	cache.q = MatMul(query, a.wq)  // (n, dModel)
	cache.k = MatMul(keyval, a.wk) // (m, dModel)
	cache.v = MatMul(keyval, a.wv)

	output := NewTensor(n, a.dModel)
	scale := 1.0 / math.Sqrt(float64(a.headDim))

	for h := 0; h < a.numHeads; h++ {
		qHead := a.head(cache.q, h, n)
		kHead := a.head(cache.k, h, m)
		vHead := a.head(cache.v, h, m)

		scores := Scale(MatMul(qHead, Transpose(kHead)), scale)
		if causal {
			maskFuture(scores)
		}

		weights := Softmax(scores)
		context := MatMul(weights, vHead) // (n, headDim)

		for i := 0; i < n; i++ {
			for d := 0; d < a.headDim; d++ {
				output.Set(context.At(i, d), i, h*a.headDim+d)
			}
		}
	}

	return MatMul(output, a.wo), cache
}

// Backward propagates gradOutput (n, dModel) through the layer, returning
// gradients for the query input and the keyval input. For self-attention
// the caller adds the two, since both came from the same tensor.
//
// Per-head scores and weights are recomputed from the cached projections
// instead of being cached; they are cheap next to the projection matmuls.
func (a *Attention) Backward(gradOutput *Tensor, cache *AttentionCache) (gradQuery, gradKeyVal *Tensor) {
	n := cache.query.shape[0]
	m := cache.keyval.shape[0]
	scale := 1.0 / math.Sqrt(float64(a.headDim))

	// Backward through output projection: out = concat @ wo.
	// Reconstruct concat from the cached per-head contexts.
	concat := NewTensor(n, a.dModel)
	for h := 0; h < a.numHeads; h++ {
		qHead := a.head(cache.q, h, n)
		kHead := a.head(cache.k, h, m)
		vHead := a.head(cache.v, h, m)

		scores := Scale(MatMul(qHead, Transpose(kHead)), scale)
		if cache.causal {
			maskFuture(scores)
		}
		weights := Softmax(scores)
		context := MatMul(weights, vHead)

		for i := 0; i < n; i++ {
			for d := 0; d < a.headDim; d++ {
				concat.Set(context.At(i, d), i, h*a.headDim+d)
			}
		}
	}

	gradConcat, gradWo := MatMulBackward(concat, a.wo, gradOutput)
	a.wo.AccumulateGrad(gradWo)

	gradQ := NewTensor(n, a.dModel)
	gradK := NewTensor(m, a.dModel)
	gradV := NewTensor(m, a.dModel)

	for h := 0; h < a.numHeads; h++ {
		qHead := a.head(cache.q, h, n)
		kHead := a.head(cache.k, h, m)
		vHead := a.head(cache.v, h, m)

		gradContextHead := NewTensor(n, a.headDim)
		for i := 0; i < n; i++ {
			for d := 0; d < a.headDim; d++ {
				gradContextHead.Set(gradConcat.At(i, h*a.headDim+d), i, d)
			}
		}

		kT := Transpose(kHead)
		scores := Scale(MatMul(qHead, kT), scale)
		if cache.causal {
			maskFuture(scores)
		}
		weights := Softmax(scores)

		// context = weights @ vHead
		gradWeights, gradVHead := MatMulBackward(weights, vHead, gradContextHead)

		gradScores := SoftmaxBackward(weights, gradWeights)
		gradScores = Scale(gradScores, scale)

		// scores = qHead @ kHeadᵀ
		gradQHead, gradKT := MatMulBackward(qHead, kT, gradScores)
		gradKHead := Transpose(gradKT)

		for i := 0; i < n; i++ {
			for d := 0; d < a.headDim; d++ {
				gradQ.Set(gradQHead.At(i, d), i, h*a.headDim+d)
			}
		}
		for i := 0; i < m; i++ {
			for d := 0; d < a.headDim; d++ {
				gradK.Set(gradKHead.At(i, d), i, h*a.headDim+d)
				gradV.Set(gradVHead.At(i, d), i, h*a.headDim+d)
			}
		}
	}

	// Backward through the three projections.
	gradQuery, gradWq := MatMulBackward(cache.query, a.wq, gradQ)
	a.wq.AccumulateGrad(gradWq)

	gradKVFromK, gradWk := MatMulBackward(cache.keyval, a.wk, gradK)
	a.wk.AccumulateGrad(gradWk)

	gradKVFromV, gradWv := MatMulBackward(cache.keyval, a.wv, gradV)
	a.wv.AccumulateGrad(gradWv)

	gradKeyVal = Add(gradKVFromK, gradKVFromV)

	return gradQuery, gradKeyVal
}

// head extracts head h of a (rows, dModel) projection as (rows, headDim).
func (a *Attention) head(t *Tensor, h, rows int) *Tensor {
	out := NewTensor(rows, a.headDim)
	for i := 0; i < rows; i++ {
		for d := 0; d < a.headDim; d++ {
			out.Set(t.At(i, h*a.headDim+d), i, d)
		}
	}
	return out
}

// maskFuture sets strictly-upper-triangular score entries to -1e9 so the
// softmax sends them to ~0.
func maskFuture(scores *Tensor) {
	n := scores.shape[0]
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			scores.Set(-1e9, i, j)
		}
	}
}

// LayerNorm normalizes each row to zero mean and unit variance, then
// applies a learned affine transform.
type LayerNorm struct {
	dim   int
	eps   float64
	gamma *Tensor
	beta  *Tensor
}

// NewLayerNorm creates a layer norm initialized to the identity transform.
func NewLayerNorm(dim int) *LayerNorm {
	gamma := NewTensor(dim)
	beta := NewTensor(dim)
	for i := 0; i < dim; i++ {
		gamma.data[i] = 1.0
	}

	return &LayerNorm{
		dim:   dim,
		eps:   1e-5,
		gamma: gamma,
		beta:  beta,
	}
}

// Forward applies layer normalization to a 2D tensor row-wise.
func (ln *LayerNorm) Forward(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("model: LayerNorm input must be 2D")
	}

	rows, cols := x.shape[0], x.shape[1]
	out := NewTensor(rows, cols)

	for i := 0; i < rows; i++ {
		mean := 0.0
		for j := 0; j < cols; j++ {
			mean += x.At(i, j)
		}
		mean /= float64(cols)

		variance := 0.0
		for j := 0; j < cols; j++ {
			diff := x.At(i, j) - mean
			variance += diff * diff
		}
		variance /= float64(cols)

		std := math.Sqrt(variance + ln.eps)
		for j := 0; j < cols; j++ {
			normalized := (x.At(i, j) - mean) / std
			out.Set(normalized*ln.gamma.data[j]+ln.beta.data[j], i, j)
		}
	}

	return out
}

// FeedForward is the position-wise two-layer MLP with GELU activation.
type FeedForward struct {
	w1, b1 *Tensor
	w2, b2 *Tensor
}

// NewFeedForward creates a feed-forward layer.
func NewFeedForward(dModel, hidden int) *FeedForward {
	return &FeedForward{
		w1: NewTensorRand(dModel, hidden),
		b1: NewTensor(hidden),
		w2: NewTensorRand(hidden, dModel),
		b2: NewTensor(dModel),
	}
}

// FFCache stores feed-forward activations for backprop.
type FFCache struct {
	input         *Tensor
	preActivation *Tensor
	hidden        *Tensor
}

// Forward applies the feed-forward network to (rows, dModel).
func (ff *FeedForward) Forward(x *Tensor) *Tensor {
	out, _ := ff.forward(x)
	return out
}

// ForwardWithCache is Forward but retains activations for Backward.
func (ff *FeedForward) ForwardWithCache(x *Tensor) (*Tensor, *FFCache) {
	return ff.forward(x)
}

func (ff *FeedForward) forward(x *Tensor) (*Tensor, *FFCache) {
	cache := &FFCache{input: x.Clone()}

	hidden := addBias(MatMul(x, ff.w1), ff.b1)
	cache.preActivation = hidden.Clone()

	hidden = GELU(hidden)
	cache.hidden = hidden.Clone()

	return addBias(MatMul(hidden, ff.w2), ff.b2), cache
}

// Backward propagates gradOutput through the feed-forward network.
func (ff *FeedForward) Backward(gradOutput *Tensor, cache *FFCache) *Tensor {
	gradHidden, gradW2 := MatMulBackward(cache.hidden, ff.w2, gradOutput)
	ff.w2.AccumulateGrad(gradW2)
	accumulateBiasGrad(ff.b2, gradOutput)

	gradPre := GELUBackward(cache.preActivation, gradHidden)

	gradInput, gradW1 := MatMulBackward(cache.input, ff.w1, gradPre)
	ff.w1.AccumulateGrad(gradW1)
	accumulateBiasGrad(ff.b1, gradPre)

	return gradInput
}

// accumulateBiasGrad sums a (rows, cols) gradient over rows into a (cols,)
// bias gradient.
func accumulateBiasGrad(bias, grad *Tensor) {
	cols := bias.Size()
	for i := range grad.data {
		bias.grad[i%cols] += grad.data[i]
	}
}

// EncoderBlock is one encoder layer: self-attention and FFN, each in
// residual form x = x + LN(Sublayer(x)).
type EncoderBlock struct {
	attn *Attention
	ln1  *LayerNorm
	ff   *FeedForward
	ln2  *LayerNorm
}

// NewEncoderBlock creates an encoder block.
func NewEncoderBlock(cfg ModelConfig) *EncoderBlock {
	return &EncoderBlock{
		attn: NewAttention(cfg.DModel, cfg.NumHeads),
		ln1:  NewLayerNorm(cfg.DModel),
		ff:   NewFeedForward(cfg.DModel, cfg.FFHidden),
		ln2:  NewLayerNorm(cfg.DModel),
	}
}

// EncoderBlockCache stores one block's forward activations.
type EncoderBlockCache struct {
	attnOut   *Tensor
	attnCache *AttentionCache
	ffOut     *Tensor
	ffCache   *FFCache
}

// Forward applies the block to (regions, dModel).
func (b *EncoderBlock) Forward(x *Tensor) *Tensor {
	out, _ := b.forward(x, false)
	return out
}

// ForwardWithCache is Forward but retains activations for Backward.
func (b *EncoderBlock) ForwardWithCache(x *Tensor) (*Tensor, *EncoderBlockCache) {
	return b.forward(x, true)
}

func (b *EncoderBlock) forward(x *Tensor, keep bool) (*Tensor, *EncoderBlockCache) {
	cache := &EncoderBlockCache{}

	attnOut, attnCache := b.attn.ForwardWithCache(x, x, false)
	if keep {
		cache.attnOut = attnOut.Clone()
		cache.attnCache = attnCache
	}
	x = Add(x, b.ln1.Forward(attnOut))

	ffOut, ffCache := b.ff.ForwardWithCache(x)
	if keep {
		cache.ffOut = ffOut.Clone()
		cache.ffCache = ffCache
	}
	x = Add(x, b.ln2.Forward(ffOut))

	return x, cache
}

// Backward propagates the block-output gradient to the block input.
func (b *EncoderBlock) Backward(gradOut *Tensor, cache *EncoderBlockCache) *Tensor {
	// x2 = x1 + LN2(FF(x1))
	gradFFOut, gradGamma2, gradBeta2 := LayerNormBackward(cache.ffOut, b.ln2.gamma, gradOut, b.ln2.eps)
	b.ln2.gamma.AccumulateGrad(gradGamma2)
	b.ln2.beta.AccumulateGrad(gradBeta2)

	gradX1 := Add(gradOut, b.ff.Backward(gradFFOut, cache.ffCache))

	// x1 = x0 + LN1(Attn(x0))
	gradAttnOut, gradGamma1, gradBeta1 := LayerNormBackward(cache.attnOut, b.ln1.gamma, gradX1, b.ln1.eps)
	b.ln1.gamma.AccumulateGrad(gradGamma1)
	b.ln1.beta.AccumulateGrad(gradBeta1)

	gradQ, gradKV := b.attn.Backward(gradAttnOut, cache.attnCache)

	return Add(gradX1, Add(gradQ, gradKV))
}

// DecoderBlock is one decoder layer: causal self-attention, cross-attention
// into the encoder memory, and FFN, each in residual form.
type DecoderBlock struct {
	selfAttn  *Attention
	ln1       *LayerNorm
	crossAttn *Attention
	ln2       *LayerNorm
	ff        *FeedForward
	ln3       *LayerNorm
}

// NewDecoderBlock creates a decoder block.
func NewDecoderBlock(cfg ModelConfig) *DecoderBlock {
	return &DecoderBlock{
		selfAttn:  NewAttention(cfg.DModel, cfg.NumHeads),
		ln1:       NewLayerNorm(cfg.DModel),
		crossAttn: NewAttention(cfg.DModel, cfg.NumHeads),
		ln2:       NewLayerNorm(cfg.DModel),
		ff:        NewFeedForward(cfg.DModel, cfg.FFHidden),
		ln3:       NewLayerNorm(cfg.DModel),
	}
}

// DecoderBlockCache stores one block's forward activations.
type DecoderBlockCache struct {
	selfOut    *Tensor
	selfCache  *AttentionCache
	crossOut   *Tensor
	crossCache *AttentionCache
	ffOut      *Tensor
	ffCache    *FFCache
}

// Forward applies the block to a caption state (positions, dModel) given
// the encoder memory (regions, dModel).
func (b *DecoderBlock) Forward(x, memory *Tensor) *Tensor {
	out, _ := b.forward(x, memory, false)
	return out
}

// ForwardWithCache is Forward but retains activations for Backward.
func (b *DecoderBlock) ForwardWithCache(x, memory *Tensor) (*Tensor, *DecoderBlockCache) {
	return b.forward(x, memory, true)
}

func (b *DecoderBlock) forward(x, memory *Tensor, keep bool) (*Tensor, *DecoderBlockCache) {
	cache := &DecoderBlockCache{}

	selfOut, selfCache := b.selfAttn.ForwardWithCache(x, x, true)
	if keep {
		cache.selfOut = selfOut.Clone()
		cache.selfCache = selfCache
	}
	x = Add(x, b.ln1.Forward(selfOut))

	crossOut, crossCache := b.crossAttn.ForwardWithCache(x, memory, false)
	if keep {
		cache.crossOut = crossOut.Clone()
		cache.crossCache = crossCache
	}
	x = Add(x, b.ln2.Forward(crossOut))

	ffOut, ffCache := b.ff.ForwardWithCache(x)
	if keep {
		cache.ffOut = ffOut.Clone()
		cache.ffCache = ffCache
	}
	x = Add(x, b.ln3.Forward(ffOut))

	return x, cache
}

// Backward propagates the block-output gradient, returning gradients for
// the block input and for the encoder memory.
func (b *DecoderBlock) Backward(gradOut *Tensor, cache *DecoderBlockCache) (gradX, gradMemory *Tensor) {
	// x3 = x2 + LN3(FF(x2))
	gradFFOut, gradGamma3, gradBeta3 := LayerNormBackward(cache.ffOut, b.ln3.gamma, gradOut, b.ln3.eps)
	b.ln3.gamma.AccumulateGrad(gradGamma3)
	b.ln3.beta.AccumulateGrad(gradBeta3)

	gradX2 := Add(gradOut, b.ff.Backward(gradFFOut, cache.ffCache))

	// x2 = x1 + LN2(Cross(x1, memory))
	gradCrossOut, gradGamma2, gradBeta2 := LayerNormBackward(cache.crossOut, b.ln2.gamma, gradX2, b.ln2.eps)
	b.ln2.gamma.AccumulateGrad(gradGamma2)
	b.ln2.beta.AccumulateGrad(gradBeta2)

	gradQ, gradMem := b.crossAttn.Backward(gradCrossOut, cache.crossCache)
	gradX1 := Add(gradX2, gradQ)

	// x1 = x0 + LN1(Self(x0))
	gradSelfOut, gradGamma1, gradBeta1 := LayerNormBackward(cache.selfOut, b.ln1.gamma, gradX1, b.ln1.eps)
	b.ln1.gamma.AccumulateGrad(gradGamma1)
	b.ln1.beta.AccumulateGrad(gradBeta1)

	gradSQ, gradSKV := b.selfAttn.Backward(gradSelfOut, cache.selfCache)

	return Add(gradX1, Add(gradSQ, gradSKV)), gradMem
}

// Captioner is the full encoder-decoder captioning model.
type Captioner struct {
	config ModelConfig

	// Feature projection
	wFeat *Tensor // (featDim, dModel)
	bFeat *Tensor // (dModel,)

	encBlocks []*EncoderBlock

	// Caption embeddings
	wordEmbed *Tensor // (vocab, dModel)
	posEmbed  *Tensor // (maxLen, dModel)

	decBlocks []*DecoderBlock

	lnFinal *LayerNorm
	lmHead  *Tensor // (dModel, vocab)
}

// NewCaptioner creates a model with randomly initialized weights.
func NewCaptioner(cfg ModelConfig) *Captioner {
	if err := cfg.Validate(); err != nil {
		panic("model: " + err.Error())
	}

	encBlocks := make([]*EncoderBlock, cfg.EncLayers)
	for i := range encBlocks {
		encBlocks[i] = NewEncoderBlock(cfg)
	}
	decBlocks := make([]*DecoderBlock, cfg.DecLayers)
	for i := range decBlocks {
		decBlocks[i] = NewDecoderBlock(cfg)
	}

	return &Captioner{
		config:    cfg,
		wFeat:     NewTensorRand(cfg.FeatDim, cfg.DModel),
		bFeat:     NewTensor(cfg.DModel),
		encBlocks: encBlocks,
		wordEmbed: NewTensorRand(cfg.VocabSize, cfg.DModel),
		posEmbed:  NewTensorRand(cfg.MaxLen, cfg.DModel),
		decBlocks: decBlocks,
		lnFinal:   NewLayerNorm(cfg.DModel),
		lmHead:    NewTensorRand(cfg.DModel, cfg.VocabSize),
	}
}

// Config returns the model configuration.
func (m *Captioner) Config() ModelConfig {
	return m.config
}

// Encode runs region features (regions, featDim) through the encoder,
// producing the memory the decoder attends into.
func (m *Captioner) Encode(features *Tensor) *Tensor {
	if len(features.shape) != 2 || features.shape[1] != m.config.FeatDim {
		panic(fmt.Sprintf("model: features must be (regions, %d), got %v", m.config.FeatDim, features.shape))
	}

	x := addBias(MatMul(features, m.wFeat), m.bFeat)
	for _, block := range m.encBlocks {
		x = block.Forward(x)
	}
	return x
}

// Decode computes vocabulary logits (positions, vocab) for a caption
// prefix against a precomputed memory.
func (m *Captioner) Decode(memory *Tensor, tokenIDs []int) *Tensor {
	x := m.embed(tokenIDs)
	for _, block := range m.decBlocks {
		x = block.Forward(x, memory)
	}
	x = m.lnFinal.Forward(x)
	return MatMul(x, m.lmHead)
}

// Forward computes logits for features and a caption prefix.
func (m *Captioner) Forward(features *Tensor, tokenIDs []int) *Tensor {
	return m.Decode(m.Encode(features), tokenIDs)
}

// embed builds word + position embeddings for a token sequence.
func (m *Captioner) embed(tokenIDs []int) *Tensor {
	if len(tokenIDs) == 0 {
		panic("model: empty token sequence")
	}
	if len(tokenIDs) > m.config.MaxLen {
		panic(fmt.Sprintf("model: sequence length %d exceeds maximum %d", len(tokenIDs), m.config.MaxLen))
	}

	x := NewTensor(len(tokenIDs), m.config.DModel)
	for i, tok := range tokenIDs {
		if tok < 0 || tok >= m.config.VocabSize {
			panic(fmt.Sprintf("model: token ID %d out of vocabulary range [0,%d)", tok, m.config.VocabSize))
		}
		for d := 0; d < m.config.DModel; d++ {
			x.Set(m.wordEmbed.At(tok, d)+m.posEmbed.At(i, d), i, d)
		}
	}
	return x
}

// Parameters returns all trainable parameters in a fixed order. The order
// is the serialization order of checkpoints, so it must stay stable.
func (m *Captioner) Parameters() []*Tensor {
	params := []*Tensor{m.wFeat, m.bFeat}

	for _, b := range m.encBlocks {
		params = append(params,
			b.attn.wq, b.attn.wk, b.attn.wv, b.attn.wo,
			b.ln1.gamma, b.ln1.beta,
			b.ff.w1, b.ff.b1, b.ff.w2, b.ff.b2,
			b.ln2.gamma, b.ln2.beta,
		)
	}

	params = append(params, m.wordEmbed, m.posEmbed)

	for _, b := range m.decBlocks {
		params = append(params,
			b.selfAttn.wq, b.selfAttn.wk, b.selfAttn.wv, b.selfAttn.wo,
			b.ln1.gamma, b.ln1.beta,
			b.crossAttn.wq, b.crossAttn.wk, b.crossAttn.wv, b.crossAttn.wo,
			b.ln2.gamma, b.ln2.beta,
			b.ff.w1, b.ff.b1, b.ff.w2, b.ff.b2,
			b.ln3.gamma, b.ln3.beta,
		)
	}

	params = append(params, m.lnFinal.gamma, m.lnFinal.beta, m.lmHead)

	return params
}

// ZeroGrad clears all parameter gradients.
func (m *Captioner) ZeroGrad() {
	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}
}

// ===========================================================================
// SERIALIZATION
// ===========================================================================
//
// Binary format: a 4-byte little-endian header length, a JSON ModelConfig
// header, then every parameter tensor's raw float64 data in Parameters()
// order.
// ===========================================================================

// Save writes the model weights to a file.
func (m *Captioner) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating model file")
	}
	defer f.Close()

	header, err := json.Marshal(m.config)
	if err != nil {
		return errors.Wrap(err, "marshaling model config")
	}
	if err := binary.Write(f, binary.LittleEndian, uint32(len(header))); err != nil {
		return errors.Wrap(err, "writing header length")
	}
	if _, err := f.Write(header); err != nil {
		return errors.Wrap(err, "writing header")
	}

	if err := m.WriteTensors(f); err != nil {
		return errors.Wrap(err, "writing tensors")
	}
	return nil
}

// LoadCaptioner reads a model written by Save.
func LoadCaptioner(path string) (*Captioner, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening model file")
	}
	defer f.Close()

	var headerLen uint32
	if err := binary.Read(f, binary.LittleEndian, &headerLen); err != nil {
		return nil, errors.Wrap(err, "reading header length")
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, errors.Wrap(err, "reading header")
	}

	var cfg ModelConfig
	if err := json.Unmarshal(header, &cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshaling model config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid model config")
	}

	model := NewCaptioner(cfg)
	if err := model.ReadTensors(f); err != nil {
		return nil, errors.Wrap(err, "reading tensors")
	}

	return model, nil
}

// WriteTensors dumps all parameters in Parameters() order.
func (m *Captioner) WriteTensors(w io.Writer) error {
	for i, p := range m.Parameters() {
		if err := binary.Write(w, binary.LittleEndian, p.data); err != nil {
			return errors.Wrapf(err, "parameter %d", i)
		}
	}
	return nil
}

// ReadTensors restores all parameters in Parameters() order.
func (m *Captioner) ReadTensors(r io.Reader) error {
	for i, p := range m.Parameters() {
		if err := binary.Read(r, binary.LittleEndian, p.data); err != nil {
			return errors.Wrapf(err, "parameter %d", i)
		}
	}
	return nil
}
