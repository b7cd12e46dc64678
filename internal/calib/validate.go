package calib

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// ValidateProblem checks the structural consistency of a calibration
// problem before any numeric work starts. It returns a ValidationError
// naming the first offending field.
func ValidateProblem(p *Problem) error {
	if p == nil {
		return ValidationError{Field: "problem", Message: "nil problem"}
	}
	if len(p.Weights) == 0 {
		return ValidationError{Field: "weights", Message: "no records"}
	}
	if p.Characteristics == nil {
		return ValidationError{Field: "characteristics", Message: "missing characteristic matrix"}
	}
	if p.Targets == nil {
		return ValidationError{Field: "targets", Message: "missing target matrix"}
	}

	n := len(p.Weights)
	xn, xk := p.Characteristics.Dims()
	tm, tk := p.Targets.Dims()

	if xn != n {
		return ValidationError{Field: "characteristics", Message: "row count must match the weight vector", Value: map[string]int{"expected": n, "actual": xn}}
	}
	if tm == 0 {
		return ValidationError{Field: "targets", Message: "no areas"}
	}
	if tk != xk {
		return ValidationError{Field: "targets", Message: "column count must match the characteristics", Value: map[string]int{"expected": xk, "actual": tk}}
	}
	if p.Mask != nil {
		mr, mc := p.Mask.Dims()
		if mr != tm || mc != tk {
			return ValidationError{Field: "mask", Message: "mask shape must match the target matrix", Value: []int{mr, mc}}
		}
	}

	for i, w := range p.Weights {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return ValidationError{Field: "weights", Message: "weights must be finite and non-negative", Value: map[string]interface{}{"record": i, "weight": w}}
		}
	}
	if err := checkFiniteMatrix("characteristics", p.Characteristics); err != nil {
		return err
	}
	return checkFiniteMatrix("targets", p.Targets)
}

func checkFiniteMatrix(field string, a *mat.Dense) error {
	r, c := a.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := a.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return ValidationError{Field: field, Message: "matrix contains a non-finite value", Value: []int{i, j}}
			}
		}
	}
	return nil
}
