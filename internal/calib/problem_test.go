package calib

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestRandomProblemShape(t *testing.T) {
	p := RandomProblem(50, 4, 3, 123, DefaultProblemOptions())

	n, m, k := p.Dims()
	assert.Equal(t, 50, n)
	assert.Equal(t, 4, m)
	assert.Equal(t, 3, k)
	require.NoError(t, ValidateProblem(p))

	for i, w := range p.Weights {
		assert.Greater(t, w, 0.0, "weight of record %d", i)
	}
}

func TestRandomProblemTargetsConsistent(t *testing.T) {
	// The generator derives targets from a known weight split, so summing
	// the target matrix over areas must reproduce the national weighted sums.
	p := RandomProblem(40, 3, 2, 99, DefaultProblemOptions())

	national := weightedSums(p.Characteristics, p.Weights)
	for c := 0; c < 2; c++ {
		var colSum float64
		for j := 0; j < 3; j++ {
			colSum += p.Targets.At(j, c)
		}
		assert.InEpsilon(t, national[c], colSum, 1e-9)
	}
}

func TestRandomProblemDeterministic(t *testing.T) {
	a := RandomProblem(10, 2, 2, 7, DefaultProblemOptions())
	b := RandomProblem(10, 2, 2, 7, DefaultProblemOptions())
	assert.Equal(t, a.Weights, b.Weights)
	assert.True(t, mat.Equal(a.Characteristics, b.Characteristics))
	assert.True(t, mat.Equal(a.Targets, b.Targets))
}

func TestRandomProblemZeroCells(t *testing.T) {
	opts := DefaultProblemOptions()
	opts.PctZero = 0.3
	p := RandomProblem(100, 2, 3, 5, opts)

	zeros := 0
	for i := 0; i < 100; i++ {
		for c := 0; c < 3; c++ {
			if p.Characteristics.At(i, c) == 0 {
				zeros++
			}
		}
	}
	assert.Greater(t, zeros, 0)
}

func TestValidateProblem(t *testing.T) {
	valid := func() *Problem {
		return &Problem{
			Weights:         []float64{1, 2},
			Characteristics: mat.NewDense(2, 2, []float64{1, 2, 3, 4}),
			Targets:         mat.NewDense(3, 2, []float64{1, 2, 3, 4, 5, 6}),
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Problem)
		wantErr bool
	}{
		{"valid", func(p *Problem) {}, false},
		{"nil targets", func(p *Problem) { p.Targets = nil }, true},
		{"nil characteristics", func(p *Problem) { p.Characteristics = nil }, true},
		{"no records", func(p *Problem) { p.Weights = nil }, true},
		{"characteristic row mismatch", func(p *Problem) { p.Characteristics = mat.NewDense(3, 2, nil) }, true},
		{"target column mismatch", func(p *Problem) { p.Targets = mat.NewDense(3, 1, nil) }, true},
		{"negative weight", func(p *Problem) { p.Weights[1] = -1 }, true},
		{"non-finite weight", func(p *Problem) { p.Weights[0] = math.Inf(1) }, true},
		{"nan characteristic", func(p *Problem) { p.Characteristics.Set(0, 1, math.NaN()) }, true},
		{"nan target", func(p *Problem) { p.Targets.Set(2, 0, math.NaN()) }, true},
		{"mask shape mismatch", func(p *Problem) { p.Mask = AllFitted(2, 2) }, true},
		{"matching mask", func(p *Problem) { p.Mask = AllFitted(3, 2) }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(p)
			err := ValidateProblem(p)
			if tt.wantErr {
				var ve ValidationError
				assert.ErrorAs(t, err, &ve)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	assert.Error(t, ValidateProblem(nil))
}
