package calib

import "fmt"

// DropSpec maps an area row index to the characteristic column indices
// whose target cells are excluded from the fit. Entries are always explicit
// index slices; a single excluded column is a one-element slice, never a
// bare scalar, so the degenerate case cannot be misread.
type DropSpec map[int][]int

// Count returns the total number of dropped cells.
func (d DropSpec) Count() int {
	total := 0
	for _, cols := range d {
		total += len(cols)
	}
	return total
}

// Mask marks which cells of an m×k target matrix are authoritative and must
// be fitted. Immutable after construction.
type Mask struct {
	rows, cols int
	fitted     []bool
}

// BuildMask derives a mask from a drop spec. Cells not mentioned in drops
// are fitted; an empty or nil spec yields an all-true mask. Out-of-range
// indices are rejected rather than silently ignored.
func BuildMask(rows, cols int, drops DropSpec) (*Mask, error) {
	if rows <= 0 || cols <= 0 {
		return nil, ValidationError{Field: "shape", Message: "mask dimensions must be positive", Value: []int{rows, cols}}
	}
	m := &Mask{
		rows:   rows,
		cols:   cols,
		fitted: make([]bool, rows*cols),
	}
	for i := range m.fitted {
		m.fitted[i] = true
	}
	for row, colList := range drops {
		if row < 0 || row >= rows {
			return nil, ValidationError{Field: "drops", Message: fmt.Sprintf("area index %d outside 0..%d", row, rows-1), Value: row}
		}
		for _, col := range colList {
			if col < 0 || col >= cols {
				return nil, ValidationError{Field: "drops", Message: fmt.Sprintf("characteristic index %d outside 0..%d for area %d", col, cols-1, row), Value: col}
			}
			m.fitted[row*cols+col] = false
		}
	}
	return m, nil
}

// AllFitted returns a mask with every cell authoritative.
func AllFitted(rows, cols int) *Mask {
	m, _ := BuildMask(rows, cols, nil)
	return m
}

// Dims returns the mask dimensions.
func (m *Mask) Dims() (rows, cols int) { return m.rows, m.cols }

// Fitted reports whether the target cell at (row, col) participates in the
// fit and the convergence check.
func (m *Mask) Fitted(row, col int) bool {
	return m.fitted[row*m.cols+col]
}

// FittedCols returns the fitted column indices for one area row.
func (m *Mask) FittedCols(row int) []int {
	cols := make([]int, 0, m.cols)
	for c := 0; c < m.cols; c++ {
		if m.Fitted(row, c) {
			cols = append(cols, c)
		}
	}
	return cols
}

// DroppedCount returns the number of excluded cells.
func (m *Mask) DroppedCount() int {
	n := 0
	for _, f := range m.fitted {
		if !f {
			n++
		}
	}
	return n
}
