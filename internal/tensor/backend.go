package tensor

// Backend is the set of inference operations the network layers are
// written against.
//
// Every operation allocates and returns a new tensor; inputs are never
// modified. Implementations:
//   - cpu.Backend: BLAS-backed kernels for the in-process forward pass
//   - trace.Backend: wraps another backend and records each call on a tape
type Backend interface {
	// Name returns a short identifier for logs.
	Name() string

	// Conv2D computes a 2D convolution.
	//
	// input [N, C, H, W], weight [F, C, KH, KW], optional bias [F] (may be nil).
	// Returns [N, F, outH, outW].
	Conv2D(input, weight, bias *Tensor, stride, padding int) *Tensor

	// MaxPool2D applies max pooling with a square window. Padded positions
	// never win the max.
	MaxPool2D(input *Tensor, kernelSize, stride, padding int) *Tensor

	// BatchNorm normalizes [N, C, H, W] per channel with frozen statistics:
	// (x - mean) / sqrt(var + eps) * gamma + beta.
	BatchNorm(input, gamma, beta, mean, variance *Tensor, eps float32) *Tensor

	// ReLU computes max(0, x).
	ReLU(x *Tensor) *Tensor

	// Add, Sub and Div are element-wise with NumPy broadcasting.
	Add(a, b *Tensor) *Tensor
	Sub(a, b *Tensor) *Tensor
	Div(a, b *Tensor) *Tensor

	// Clamp computes max(x, lo).
	Clamp(x *Tensor, lo float32) *Tensor

	// Pow raises x element-wise to exponent, broadcast against x.
	Pow(x, exponent *Tensor) *Tensor

	// Reciprocal computes 1/x.
	Reciprocal(x *Tensor) *Tensor

	// GlobalAvgPool2D averages [N, C, H, W] over H and W, returning [N, C, 1, 1].
	GlobalAvgPool2D(x *Tensor) *Tensor

	// Flatten reshapes to 2D, collapsing dimensions [0, axis) and [axis, rank).
	Flatten(x *Tensor, axis int) *Tensor

	// Linear computes x·Wᵀ + b for x [N, in], weight [out, in], bias [out].
	Linear(x, weight, bias *Tensor) *Tensor

	// L2Normalize divides each row of [N, D] by max(||row||₂, eps).
	L2Normalize(x *Tensor, eps float32) *Tensor
}
