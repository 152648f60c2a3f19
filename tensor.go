package main

import (
	"fmt"
	"math"
	"math/rand"
)

// Tensor is a multi-dimensional array of float64 values stored in row-major
// (C-contiguous) order. Every tensor carries a gradient buffer of the same
// size so parameters and activations share one representation.
//
// Tensor is not safe for concurrent mutation. Synchronization is the
// caller's responsibility.
type Tensor struct {
	data  []float64
	shape []int
	grad  []float64
}

// NewTensor creates a zero-initialized tensor with the given shape.
// Panics on an empty or non-positive shape: shape errors are programmer
// bugs, not runtime conditions to handle gracefully.
func NewTensor(shape ...int) *Tensor {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}

	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}

	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	return &Tensor{
		data:  make([]float64, size),
		shape: shapeCopy,
		grad:  make([]float64, size),
	}
}

// NewTensorRand creates a tensor with values drawn from N(0, 0.02²) using
// the Box-Muller transform. 0.02 is the usual transformer init scale.
func NewTensorRand(shape ...int) *Tensor {
	t := NewTensor(shape...)

	for i := 0; i < len(t.data); i += 2 {
		u1, u2 := rand.Float64(), rand.Float64()
		mag := 0.02 * math.Sqrt(-2*math.Log(u1))
		t.data[i] = mag * math.Cos(2*math.Pi*u2)
		if i+1 < len(t.data) {
			t.data[i+1] = mag * math.Sin(2*math.Pi*u2)
		}
	}

	return t
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	shape := make([]int, len(t.shape))
	copy(shape, t.shape)
	return shape
}

// Dims returns the tensor's rank.
func (t *Tensor) Dims() int {
	return len(t.shape)
}

// Size returns the total number of elements.
func (t *Tensor) Size() int {
	return len(t.data)
}

// At returns the element at the given indices. Panics on invalid indices.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set stores value at the given indices. Panics on invalid indices.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(indices)))
	}

	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index[%d]=%d out of bounds [0,%d)", i, indices[i], t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}

	return idx
}

// ZeroGrad clears the gradient buffer. Call before a backward pass.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// AccumulateGrad adds grad's data into the tensor's gradient buffer.
// Used when a tensor feeds multiple consumers in the forward pass.
func (t *Tensor) AccumulateGrad(grad *Tensor) {
	if !shapeEqual(t.shape, grad.shape) {
		panic("tensor: AccumulateGrad shape mismatch")
	}
	for i := range t.grad {
		t.grad[i] += grad.data[i]
	}
}

// Clone returns a deep copy, gradient included.
func (t *Tensor) Clone() *Tensor {
	clone := NewTensor(t.shape...)
	copy(clone.data, t.data)
	copy(clone.grad, t.grad)
	return clone
}

// Reshape returns a view with a different shape sharing the underlying
// data and gradient. The element count must not change.
func (t *Tensor) Reshape(newShape ...int) *Tensor {
	newSize := 1
	for _, dim := range newShape {
		newSize *= dim
	}
	if newSize != len(t.data) {
		panic(fmt.Sprintf("tensor: cannot reshape size %d to %v", len(t.data), newShape))
	}

	shapeCopy := make([]int, len(newShape))
	copy(shapeCopy, newShape)

	return &Tensor{
		data:  t.data,
		shape: shapeCopy,
		grad:  t.grad,
	}
}

// Row returns a copy of row i of a 2D tensor as a (cols,) tensor.
func (t *Tensor) Row(i int) *Tensor {
	if len(t.shape) != 2 {
		panic("tensor: Row requires 2D tensor")
	}
	cols := t.shape[1]
	out := NewTensor(cols)
	copy(out.data, t.data[i*cols:(i+1)*cols])
	return out
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, size=%d)", t.shape, len(t.data))
}

// ===========================================================================
// OPERATIONS
// ===========================================================================

// Add performs element-wise addition: out = a + b.
func Add(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot add shapes %v and %v", a.shape, b.shape))
	}

	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] + b.data[i]
	}
	return out
}

// Scale multiplies every element by a scalar.
func Scale(a *Tensor, scalar float64) *Tensor {
	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] * scalar
	}
	return out
}

// MatMul performs matrix multiplication C = A @ B for 2D tensors.
// Execution is delegated to the global compute configuration, which
// decides between single-threaded and parallel row blocks.
func MatMul(a, b *Tensor) *Tensor {
	return MatMulWithConfig(a, b, globalComputeConfig)
}

// Transpose returns A^T for a 2D tensor.
func Transpose(a *Tensor) *Tensor {
	if len(a.shape) != 2 {
		panic("tensor: Transpose requires 2D tensor")
	}

	m, n := a.shape[0], a.shape[1]
	out := NewTensor(n, m)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out.data[j*m+i] = a.data[i*n+j]
		}
	}
	return out
}

// GELU applies the Gaussian Error Linear Unit, the transformer FFN
// activation: GELU(x) ≈ 0.5x(1 + tanh(√(2/π)(x + 0.044715x³))).
func GELU(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)

	const (
		sqrt2OverPi = 0.7978845608028654
		coeff       = 0.044715
	)

	for i := range x.data {
		v := x.data[i]
		inner := sqrt2OverPi * (v + coeff*v*v*v)
		out.data[i] = 0.5 * v * (1.0 + math.Tanh(inner))
	}
	return out
}

// Softmax converts each row of a 2D tensor of logits to probabilities.
// Numerically stable: subtracts the row max before exponentiation.
func Softmax(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("tensor: Softmax requires 2D tensor")
	}

	rows, cols := x.shape[0], x.shape[1]
	out := NewTensor(rows, cols)

	for r := 0; r < rows; r++ {
		maxVal := x.At(r, 0)
		for c := 1; c < cols; c++ {
			if v := x.At(r, c); v > maxVal {
				maxVal = v
			}
		}

		sum := 0.0
		for c := 0; c < cols; c++ {
			e := math.Exp(x.At(r, c) - maxVal)
			out.Set(e, r, c)
			sum += e
		}

		for c := 0; c < cols; c++ {
			out.Set(out.At(r, c)/sum, r, c)
		}
	}

	return out
}

// addBias adds a bias vector to each row of a 2D tensor.
func addBias(x, bias *Tensor) *Tensor {
	if len(x.shape) != 2 || len(bias.shape) != 1 || x.shape[1] != bias.shape[0] {
		panic("tensor: addBias expects (rows, cols) and (cols,)")
	}

	out := x.Clone()
	rows, cols := x.shape[0], x.shape[1]
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.data[i*cols+j] += bias.data[j]
		}
	}
	return out
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
