package main

// ===========================================================================
// BACKPROPAGATION THROUGH THE FULL MODEL
// ===========================================================================
//
// Gradient flow, in reverse of the forward pass:
//
//   loss → logits → lm head → final LN → decoder blocks (FFN, cross, self)
//        → word/position embeddings
//   cross-attention memory gradients from every decoder block accumulate,
//   then flow back through the encoder blocks and the feature projection.
//
// Residual junctions add gradients; tensors feeding several consumers
// (the memory, the shared self-attention input) accumulate.
//
// ===========================================================================

// ForwardCache stores every activation Backward needs.
type ForwardCache struct {
	features *Tensor
	proj     *Tensor // feature projection output, encoder input

	encCaches []*EncoderBlockCache
	memory    *Tensor

	tokenIDs  []int
	decCaches []*DecoderBlockCache

	lnFinalInput *Tensor
	lnFinalOut   *Tensor
}

// ForwardWithCache runs the full forward pass retaining activations.
func (m *Captioner) ForwardWithCache(features *Tensor, tokenIDs []int) (*Tensor, *ForwardCache) {
	cache := &ForwardCache{
		features:  features.Clone(),
		tokenIDs:  tokenIDs,
		encCaches: make([]*EncoderBlockCache, len(m.encBlocks)),
		decCaches: make([]*DecoderBlockCache, len(m.decBlocks)),
	}

	// Encoder
	x := addBias(MatMul(features, m.wFeat), m.bFeat)
	cache.proj = x.Clone()
	for i, block := range m.encBlocks {
		x, cache.encCaches[i] = block.ForwardWithCache(x)
	}
	cache.memory = x.Clone()

	// Decoder
	y := m.embed(tokenIDs)
	for i, block := range m.decBlocks {
		y, cache.decCaches[i] = block.ForwardWithCache(y, x)
	}

	cache.lnFinalInput = y.Clone()
	y = m.lnFinal.Forward(y)
	cache.lnFinalOut = y.Clone()

	return MatMul(y, m.lmHead), cache
}

// Backward propagates ∂L/∂logits through the whole model, accumulating
// parameter gradients. Call ZeroGrad (via the optimizer) before the first
// sample of a step; gradients from multiple samples add up.
func (m *Captioner) Backward(gradLogits *Tensor, cache *ForwardCache) {
	// logits = lnFinalOut @ lmHead
	gradY, gradLmHead := MatMulBackward(cache.lnFinalOut, m.lmHead, gradLogits)
	m.lmHead.AccumulateGrad(gradLmHead)

	// Final layer norm
	gradY, gradGamma, gradBeta := LayerNormBackward(cache.lnFinalInput, m.lnFinal.gamma, gradY, m.lnFinal.eps)
	m.lnFinal.gamma.AccumulateGrad(gradGamma)
	m.lnFinal.beta.AccumulateGrad(gradBeta)

	// Decoder blocks in reverse; memory gradients accumulate across blocks.
	gradMemory := NewTensor(cache.memory.shape...)
	for i := len(m.decBlocks) - 1; i >= 0; i-- {
		var gradMem *Tensor
		gradY, gradMem = m.decBlocks[i].Backward(gradY, cache.decCaches[i])
		gradMemory = Add(gradMemory, gradMem)
	}

	// Embeddings
	for i, tok := range cache.tokenIDs {
		for d := 0; d < m.config.DModel; d++ {
			g := gradY.At(i, d)
			m.wordEmbed.grad[tok*m.config.DModel+d] += g
			m.posEmbed.grad[i*m.config.DModel+d] += g
		}
	}

	// Encoder blocks in reverse.
	gradX := gradMemory
	for i := len(m.encBlocks) - 1; i >= 0; i-- {
		gradX = m.encBlocks[i].Backward(gradX, cache.encCaches[i])
	}

	// Feature projection: proj = features @ wFeat + bFeat. The gradient
	// w.r.t. the raw features is discarded; they are inputs, not
	// parameters.
	_, gradWFeat := MatMulBackward(cache.features, m.wFeat, gradX)
	m.wFeat.AccumulateGrad(gradWFeat)
	accumulateBiasGrad(m.bFeat, gradX)
}
