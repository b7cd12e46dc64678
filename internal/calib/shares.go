package calib

import "gonum.org/v1/gonum/mat"

// PopulationShares builds the standard starting weight-share matrix: every
// record splits its weight across areas in proportion to the first target
// column, which by convention carries the area population counts. Each row
// therefore sums to 1 exactly and the loop starts from a feasible point.
func PopulationShares(p *Problem) (*mat.Dense, error) {
	n, m, _ := p.Dims()
	if n == 0 || m == 0 {
		return nil, ValidationError{Field: "problem", Message: "empty problem"}
	}

	var pop float64
	for j := 0; j < m; j++ {
		pop += p.Targets.At(j, 0)
	}
	if pop <= 0 {
		return nil, ValidationError{Field: "targets", Message: "first target column must have a positive sum", Value: pop}
	}

	shares := make([]float64, m)
	for j := 0; j < m; j++ {
		shares[j] = p.Targets.At(j, 0) / pop
	}

	q := mat.NewDense(n, m, nil)
	for i := 0; i < n; i++ {
		q.SetRow(i, shares)
	}
	return q, nil
}
