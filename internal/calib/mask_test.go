package calib

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMask(t *testing.T) {
	tests := []struct {
		name        string
		rows, cols  int
		drops       DropSpec
		wantErr     bool
		wantDropped int
	}{
		{
			name: "nil spec fits everything",
			rows: 3, cols: 4,
			wantDropped: 0,
		},
		{
			name: "single area two columns",
			rows: 5, cols: 4,
			drops:       DropSpec{2: {1, 3}},
			wantDropped: 2,
		},
		{
			name: "single column stays a slice",
			rows: 5, cols: 4,
			drops:       DropSpec{0: {2}},
			wantDropped: 1,
		},
		{
			name: "multiple areas",
			rows: 4, cols: 3,
			drops:       DropSpec{0: {0}, 3: {1, 2}},
			wantDropped: 3,
		},
		{
			name: "area index out of range",
			rows: 5, cols: 4,
			drops:   DropSpec{5: {0}},
			wantErr: true,
		},
		{
			name: "negative area index",
			rows: 5, cols: 4,
			drops:   DropSpec{-1: {0}},
			wantErr: true,
		},
		{
			name: "column index out of range",
			rows: 5, cols: 4,
			drops:   DropSpec{1: {4}},
			wantErr: true,
		},
		{
			name: "zero rows",
			rows: 0, cols: 4,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := BuildMask(tt.rows, tt.cols, tt.drops)
			if tt.wantErr {
				require.Error(t, err)
				var ve ValidationError
				assert.ErrorAs(t, err, &ve)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDropped, m.DroppedCount())
			assert.Equal(t, tt.wantDropped, tt.drops.Count())
		})
	}
}

func TestMaskFittedCells(t *testing.T) {
	m, err := BuildMask(5, 4, DropSpec{2: {1, 3}})
	require.NoError(t, err)

	rows, cols := m.Dims()
	assert.Equal(t, 5, rows)
	assert.Equal(t, 4, cols)

	assert.False(t, m.Fitted(2, 1))
	assert.False(t, m.Fitted(2, 3))
	assert.True(t, m.Fitted(2, 0))
	assert.True(t, m.Fitted(2, 2))

	// Every other area keeps all columns.
	for r := 0; r < 5; r++ {
		if r == 2 {
			assert.Equal(t, []int{0, 2}, m.FittedCols(r))
			continue
		}
		assert.Equal(t, []int{0, 1, 2, 3}, m.FittedCols(r))
	}
}

func TestAllFitted(t *testing.T) {
	m := AllFitted(3, 2)
	assert.Equal(t, 0, m.DroppedCount())
	for r := 0; r < 3; r++ {
		for c := 0; c < 2; c++ {
			assert.True(t, m.Fitted(r, c))
		}
	}
}
