// Package validate checks an exported ONNX artifact.
//
// Validation runs in three stages. The structural check rejects artifacts
// the runtime must not load. The cross-engine check executes the artifact
// on the reference kernels of package onnx and compares the result with
// the in-process output; a difference above tolerance makes the report
// suspect without failing the run. The sanity checks look at the
// in-process embedding alone and are informational.
package validate

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"

	"github.com/fragrancelog/embedexport/internal/onnx"
	"github.com/fragrancelog/embedexport/internal/tensor"
)

// StructuralError reports an artifact that failed to decode or failed the
// structural check. It is always fatal.
type StructuralError struct {
	Err error
}

func (e *StructuralError) Error() string {
	return "structural check failed: " + e.Err.Error()
}

func (e *StructuralError) Unwrap() error {
	return e.Err
}

// Embedder computes embeddings in process.
type Embedder interface {
	Forward(x *tensor.Tensor) *tensor.Tensor
}

// Options configures the checks.
type Options struct {
	// Tolerance bounds the max absolute cross-engine difference.
	Tolerance float64

	// NormTolerance bounds |norm - 1| and |self-similarity - norm²|.
	NormTolerance float64

	// NoiseScale is the perturbation standard deviation relative to the
	// standard deviation of the example input.
	NoiseScale float64

	// Seed drives the perturbation noise.
	Seed uint64

	Load onnx.LoadOptions
}

// DefaultOptions returns the tolerances used for the production artifact.
func DefaultOptions() Options {
	return Options{
		Tolerance:     1e-4,
		NormTolerance: 1e-5,
		NoiseScale:    0.01,
		Seed:          1,
		Load:          onnx.DefaultLoadOptions(),
	}
}

// Report holds every measured quantity.
type Report struct {
	Opset     int64
	Tolerance float64

	// MaxDiff is max |runtime - in-process| on the example input.
	MaxDiff float64

	// BatchDiff is the same measure on a batch of the example and its
	// perturbation, exercising the dynamic batch axis.
	BatchDiff float64

	Norm              float64
	SelfSimilarity    float64
	PerturbSimilarity float64

	NormOK    bool
	SelfSimOK bool
	PerturbOK bool
}

// Suspect reports whether the artifact was produced but disagrees with the
// in-process network beyond tolerance.
func (r *Report) Suspect() bool {
	return !(r.MaxDiff <= r.Tolerance) || !(r.BatchDiff <= r.Tolerance)
}

// SanityOK reports whether all informational checks passed.
func (r *Report) SanityOK() bool {
	return r.NormOK && r.SelfSimOK && r.PerturbOK
}

// Run validates artifact against the in-process network.
//
// example is the traced input and reference the in-process output for it.
// Only structural problems and execution failures return an error.
func Run(artifact []byte, net Embedder, example, reference *tensor.Tensor, opts Options) (*Report, error) {
	proto, err := onnx.Parse(artifact)
	if err != nil {
		return nil, &StructuralError{Err: err}
	}
	if err := onnx.Check(proto); err != nil {
		return nil, &StructuralError{Err: err}
	}
	rt, err := onnx.LoadFromProto(proto, opts.Load)
	if err != nil {
		return nil, &StructuralError{Err: err}
	}

	r := &Report{Opset: proto.Opset(), Tolerance: opts.Tolerance}

	got, err := rt.Forward(example)
	if err != nil {
		return nil, fmt.Errorf("artifact execution failed: %w", err)
	}
	if r.MaxDiff, err = maxAbsDiff(got, reference); err != nil {
		return nil, fmt.Errorf("cross-engine comparison: %w", err)
	}

	noisy := perturb(example, opts.NoiseScale, rand.NewSource(opts.Seed))
	noisyRef := net.Forward(noisy)

	batch, err := concat(example, noisy)
	if err != nil {
		return nil, err
	}
	batchGot, err := rt.Forward(batch)
	if err != nil {
		return nil, fmt.Errorf("artifact execution with batch %d failed: %w", batch.Dim(0), err)
	}
	batchRef, err := concat(reference, noisyRef)
	if err != nil {
		return nil, err
	}
	if r.BatchDiff, err = maxAbsDiff(batchGot, batchRef); err != nil {
		return nil, fmt.Errorf("batch comparison: %w", err)
	}

	emb := float64s(reference.Row(0))
	r.Norm = floats.Norm(emb, 2)
	r.SelfSimilarity = similarity(emb, emb)
	r.PerturbSimilarity = similarity(emb, float64s(noisyRef.Row(0)))

	r.NormOK = math.Abs(r.Norm-1) <= opts.NormTolerance
	r.SelfSimOK = math.Abs(r.SelfSimilarity-r.Norm*r.Norm) <= opts.NormTolerance
	r.PerturbOK = r.PerturbSimilarity > 0 && r.PerturbSimilarity < 1
	return r, nil
}

// maxAbsDiff returns the largest element-wise absolute difference. NaN in
// either input yields NaN.
func maxAbsDiff(a, b *tensor.Tensor) (float64, error) {
	if !a.Shape().Equal(b.Shape()) {
		return 0, fmt.Errorf("shape %v does not match %v", a.Shape(), b.Shape())
	}
	if a.NumElements() == 0 {
		return 0, nil
	}
	x, y := float64s(a.Data()), float64s(b.Data())
	for i := range x {
		if math.IsNaN(x[i]) || math.IsNaN(y[i]) {
			return math.NaN(), nil
		}
	}
	return floats.Distance(x, y, math.Inf(1)), nil
}

func float64s(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

// concat stacks tensors along axis 0.
func concat(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	sa, sb := a.Shape(), b.Shape()
	if len(sa) != len(sb) || !sa[1:].Equal(sb[1:]) {
		return nil, fmt.Errorf("cannot stack %v and %v", sa, sb)
	}
	data := make([]float32, 0, a.NumElements()+b.NumElements())
	data = append(data, a.Data()...)
	data = append(data, b.Data()...)
	shape := sa.Clone()
	shape[0] += sb[0]
	return tensor.New(data, shape)
}
