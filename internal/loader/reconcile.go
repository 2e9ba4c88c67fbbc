package loader

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/fragrancelog/embedexport/internal/nn"
	"github.com/fragrancelog/embedexport/internal/tensor"
)

// StateLoader is the model side of reconciliation.
type StateLoader interface {
	Parameter(name string) (*nn.Parameter, bool)
	ParameterNames() []string
}

// Result is the outcome of a reconciliation. Name lists are sorted.
type Result struct {
	// Loaded are model parameters that received checkpoint values.
	Loaded []string
	// Missing are model parameters absent from the mapped checkpoint.
	Missing []string
	// Unexpected are mapped checkpoint keys the model does not have.
	Unexpected []string
	// Renamed maps original checkpoint keys to the names they were loaded under,
	// for keys the mapper changed.
	Renamed map[string]string
}

// Clean reports whether the checkpoint and the model line up exactly.
func (r *Result) Clean() bool {
	return len(r.Missing) == 0 && len(r.Unexpected) == 0
}

// String summarizes the counts.
func (r *Result) String() string {
	return fmt.Sprintf("loaded=%d missing=%d unexpected=%d", len(r.Loaded), len(r.Missing), len(r.Unexpected))
}

// MismatchPolicy decides what a divergent reconciliation means for the run.
type MismatchPolicy int

// Mismatch policies.
const (
	// PolicyContinue reports missing/unexpected names and carries on.
	PolicyContinue MismatchPolicy = iota
	// PolicyAbort fails the run when either set is non-empty.
	PolicyAbort
)

// String returns the policy name.
func (p MismatchPolicy) String() string {
	switch p {
	case PolicyContinue:
		return "continue"
	case PolicyAbort:
		return "abort"
	default:
		return fmt.Sprintf("MismatchPolicy(%d)", int(p))
	}
}

// ErrIncompatible is returned by Apply under PolicyAbort.
var ErrIncompatible = errors.New("checkpoint does not match model")

// Apply enforces the policy on a result.
func (p MismatchPolicy) Apply(r *Result) error {
	if p == PolicyAbort && !r.Clean() {
		return errors.Wrapf(ErrIncompatible, "%d missing, %d unexpected (first: %s)",
			len(r.Missing), len(r.Unexpected), firstDivergent(r))
	}
	return nil
}

func firstDivergent(r *Result) string {
	var names []string
	if len(r.Missing) > 0 {
		names = append(names, "missing "+r.Missing[0])
	}
	if len(r.Unexpected) > 0 {
		names = append(names, "unexpected "+r.Unexpected[0])
	}
	return strings.Join(names, ", ")
}

// Reconcile maps every checkpoint key through mapper and copies matching
// tensors into target.
//
// Keys that map onto a model parameter are loaded. Model parameters left
// without a value are reported as Missing, mapped keys without a parameter
// as Unexpected; neither fails the call. A shape mismatch on a matching
// name does, as does two checkpoint keys mapping to the same name.
func Reconcile(target StateLoader, ckpt *Checkpoint, mapper WeightMapper) (*Result, error) {
	mapped, renamed, err := MapKeys(ckpt, mapper)
	if err != nil {
		return nil, err
	}

	res := &Result{Renamed: renamed}
	seen := make(map[string]bool, len(mapped))
	for name, t := range mapped {
		p, ok := target.Parameter(name)
		if !ok {
			res.Unexpected = append(res.Unexpected, name)
			continue
		}
		if err := p.Load(t); err != nil {
			return nil, errors.Wrap(err, "reconcile")
		}
		res.Loaded = append(res.Loaded, name)
		seen[name] = true
	}
	for _, name := range target.ParameterNames() {
		if !seen[name] {
			res.Missing = append(res.Missing, name)
		}
	}

	sort.Strings(res.Loaded)
	sort.Strings(res.Missing)
	sort.Strings(res.Unexpected)
	return res, nil
}

// MapKeys applies mapper to every checkpoint key. It returns the renamed
// mapping and, for keys whose name changed, original -> new.
func MapKeys(ckpt *Checkpoint, mapper WeightMapper) (map[string]*tensor.Tensor, map[string]string, error) {
	mapped := make(map[string]*tensor.Tensor, ckpt.Len())
	renamed := make(map[string]string)
	origin := make(map[string]string, ckpt.Len())

	for _, key := range ckpt.Keys() {
		name, err := mapper.MapName(key)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "mapping %s", key)
		}
		if prev, dup := origin[name]; dup {
			return nil, nil, errors.Errorf("keys %s and %s both map to %s", prev, key, name)
		}
		origin[name] = key
		t, _ := ckpt.Tensor(key)
		mapped[name] = t
		if name != key {
			renamed[key] = name
		}
	}
	return mapped, renamed, nil
}
