// Package operators holds the reference kernels the ONNX runtime executes.
//
// The kernels are written directly from the operator definitions: plain
// loops with float64 accumulation, no BLAS and no code shared with the
// in-process backend. Agreement between the two is therefore evidence
// that the exported graph is right, not that one library agrees with
// itself.
//
// Supported operators cover the embedding network: Conv, MaxPool,
// BatchNormalization, Relu, Add, Sub, Div, Pow, Reciprocal, Clip,
// GlobalAveragePool, Flatten, Gemm, LpNormalization and Identity.
package operators
