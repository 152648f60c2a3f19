package main

import (
	"math"
)

// ===========================================================================
// BACKWARD OPERATIONS
// ===========================================================================
//
// Manual reverse-mode differentiation for every op the model uses. Each
// function receives the gradient flowing back from the loss and returns
// gradients for the op's inputs, following the chain rule.
//
// The workhorse identities:
//
//   C = A @ B        →  ∂L/∂A = ∂L/∂C @ Bᵀ,  ∂L/∂B = Aᵀ @ ∂L/∂C
//   Y = softmax(X)   →  ∂L/∂X[i] = Y[i] * (∂L/∂Y[i] - Σⱼ ∂L/∂Y[j]·Y[j])
//   residual y = x+f →  gradients add at the junction
//
// ===========================================================================

// MatMulBackward computes gradients for C = A @ B.
func MatMulBackward(a, b, gradC *Tensor) (gradA, gradB *Tensor) {
	gradA = MatMul(gradC, Transpose(b))
	gradB = MatMul(Transpose(a), gradC)
	return gradA, gradB
}

// GELUBackward computes the gradient of GELU at x given the output
// gradient gradY, using the analytic derivative of the tanh approximation.
func GELUBackward(x, gradY *Tensor) *Tensor {
	gradX := NewTensor(x.shape...)

	const (
		sqrt2OverPi = 0.7978845608028654
		coeff       = 0.044715
	)

	for i := range x.data {
		v := x.data[i]
		inner := sqrt2OverPi * (v + coeff*v*v*v)
		tanhInner := math.Tanh(inner)
		tanhDeriv := 1.0 - tanhInner*tanhInner
		innerDeriv := sqrt2OverPi * (1.0 + 3.0*coeff*v*v)
		geluDeriv := 0.5*(1.0+tanhInner) + 0.5*v*tanhDeriv*innerDeriv

		gradX.data[i] = gradY.data[i] * geluDeriv
	}

	return gradX
}

// SoftmaxBackward computes the gradient through a row-wise softmax.
// y is the softmax output from the forward pass.
func SoftmaxBackward(y, gradY *Tensor) *Tensor {
	if len(y.shape) != 2 {
		panic("SoftmaxBackward: requires 2D tensor")
	}

	rows, cols := y.shape[0], y.shape[1]
	gradX := NewTensor(y.shape...)

	for r := 0; r < rows; r++ {
		dot := 0.0
		for c := 0; c < cols; c++ {
			dot += gradY.At(r, c) * y.At(r, c)
		}
		for c := 0; c < cols; c++ {
			gradX.Set(y.At(r, c)*(gradY.At(r, c)-dot), r, c)
		}
	}

	return gradX
}

// LayerNormBackward computes gradients for y = gamma * (x - μ)/σ + beta.
// Statistics are recomputed from x rather than cached; they are cheap
// relative to the matmuls around them.
func LayerNormBackward(x, gamma, gradY *Tensor, epsilon float64) (gradX, gradGamma, gradBeta *Tensor) {
	if len(x.shape) != 2 {
		panic("LayerNormBackward: requires 2D tensor")
	}

	rows, cols := x.shape[0], x.shape[1]

	gradX = NewTensor(x.shape...)
	gradGamma = NewTensor(cols)
	gradBeta = NewTensor(cols)

	n := float64(cols)

	for r := 0; r < rows; r++ {
		mean := 0.0
		for c := 0; c < cols; c++ {
			mean += x.At(r, c)
		}
		mean /= n

		variance := 0.0
		for c := 0; c < cols; c++ {
			diff := x.At(r, c) - mean
			variance += diff * diff
		}
		variance /= n

		std := math.Sqrt(variance + epsilon)

		for c := 0; c < cols; c++ {
			xNorm := (x.At(r, c) - mean) / std
			gradGamma.data[c] += gradY.At(r, c) * xNorm
			gradBeta.data[c] += gradY.At(r, c)
		}

		sumGradY := 0.0
		sumGradYXNorm := 0.0
		for c := 0; c < cols; c++ {
			xNorm := (x.At(r, c) - mean) / std
			g := gradY.At(r, c) * gamma.data[c]
			sumGradY += g
			sumGradYXNorm += g * xNorm
		}

		for c := 0; c < cols; c++ {
			xNorm := (x.At(r, c) - mean) / std
			gradXNorm := gradY.At(r, c) * gamma.data[c]
			gradX.Set((n*gradXNorm-sumGradY-xNorm*sumGradYXNorm)/(n*std), r, c)
		}
	}

	return gradX, gradGamma, gradBeta
}

// CrossEntropyLoss computes the mean next-token cross-entropy over all
// positions whose target is not ignoreIdx. Padding positions contribute
// neither loss nor gradient.
//
// logits: (positions, vocab), targets: (positions,).
// Returns the mean loss and the number of counted positions.
func CrossEntropyLoss(logits *Tensor, targets []int, ignoreIdx int) (float64, int) {
	if len(logits.shape) != 2 {
		panic("CrossEntropyLoss: requires 2D logits")
	}

	positions := logits.shape[0]
	vocab := logits.shape[1]
	if len(targets) != positions {
		panic("CrossEntropyLoss: target length mismatch")
	}

	totalLoss := 0.0
	counted := 0

	for p := 0; p < positions; p++ {
		if targets[p] == ignoreIdx {
			continue
		}

		maxLogit := logits.At(p, 0)
		for v := 1; v < vocab; v++ {
			if l := logits.At(p, v); l > maxLogit {
				maxLogit = l
			}
		}

		sumExp := 0.0
		for v := 0; v < vocab; v++ {
			sumExp += math.Exp(logits.At(p, v) - maxLogit)
		}
		logSumExp := maxLogit + math.Log(sumExp)

		totalLoss += logSumExp - logits.At(p, targets[p])
		counted++
	}

	if counted == 0 {
		return 0, 0
	}
	return totalLoss / float64(counted), counted
}

// CrossEntropyBackward computes ∂L/∂logits for the masked mean
// cross-entropy: softmax(logits) - one_hot(target), scaled by 1/counted,
// and zero at ignored positions.
func CrossEntropyBackward(logits *Tensor, targets []int, ignoreIdx int) *Tensor {
	if len(logits.shape) != 2 {
		panic("CrossEntropyBackward: requires 2D logits")
	}

	positions := logits.shape[0]
	vocab := logits.shape[1]

	counted := 0
	for _, t := range targets {
		if t != ignoreIdx {
			counted++
		}
	}

	gradLogits := NewTensor(positions, vocab)
	if counted == 0 {
		return gradLogits
	}

	probs := Softmax(logits)
	scale := 1.0 / float64(counted)

	for p := 0; p < positions; p++ {
		if targets[p] == ignoreIdx {
			continue
		}
		for v := 0; v < vocab; v++ {
			g := probs.At(p, v)
			if v == targets[p] {
				g -= 1.0
			}
			gradLogits.Set(g*scale, p, v)
		}
	}

	return gradLogits
}
