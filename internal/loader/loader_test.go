package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadProblemFromCSV(t *testing.T) {
	dir := t.TempDir()
	paths := ProblemPaths{
		Weights:         writeFile(t, dir, "weights.csv", "weight\n10\n20\n30\n"),
		Characteristics: writeFile(t, dir, "x.csv", "income,age\n100,40\n120,35\n90,50\n"),
		Targets:         writeFile(t, dir, "targets.csv", "1600,430\n1700,420\n"),
	}

	p, err := NewLoader(nil).LoadProblem(context.Background(), paths)
	require.NoError(t, err)

	n, m, k := p.Dims()
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, m)
	assert.Equal(t, 2, k)
	assert.Equal(t, []float64{10, 20, 30}, p.Weights)
	assert.Equal(t, 100.0, p.Characteristics.At(0, 0))
	assert.Equal(t, 420.0, p.Targets.At(1, 1))
	assert.Nil(t, p.Mask)
}

func TestLoadProblemWithDrops(t *testing.T) {
	dir := t.TempDir()
	paths := ProblemPaths{
		Weights:         writeFile(t, dir, "weights.csv", "10\n20\n"),
		Characteristics: writeFile(t, dir, "x.csv", "100,40\n120,35\n"),
		Targets:         writeFile(t, dir, "targets.csv", "1600,430\n1700,420\n"),
		Drops:           writeFile(t, dir, "drops.yaml", "1:\n  - 0\n"),
	}

	p, err := NewLoader(nil).LoadProblem(context.Background(), paths)
	require.NoError(t, err)
	require.NotNil(t, p.Mask)
	assert.Equal(t, 1, p.Mask.DroppedCount())
	assert.False(t, p.Mask.Fitted(1, 0))
	assert.True(t, p.Mask.Fitted(1, 1))
}

func TestLoadProblemTargetsFromXLSX(t *testing.T) {
	dir := t.TempDir()
	xlsxPath := filepath.Join(dir, "targets.xlsx")

	f := excelize.NewFile()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "pop"))
	require.NoError(t, f.SetCellValue("Sheet1", "B1", "income"))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", 1600))
	require.NoError(t, f.SetCellValue("Sheet1", "B2", 430))
	require.NoError(t, f.SetCellValue("Sheet1", "A3", 1700))
	require.NoError(t, f.SetCellValue("Sheet1", "B3", 420))
	require.NoError(t, f.SaveAs(xlsxPath))
	require.NoError(t, f.Close())

	paths := ProblemPaths{
		Weights:         writeFile(t, dir, "weights.csv", "10\n20\n"),
		Characteristics: writeFile(t, dir, "x.csv", "100,40\n120,35\n"),
		Targets:         xlsxPath,
	}

	p, err := NewLoader(nil).LoadProblem(context.Background(), paths)
	require.NoError(t, err)
	assert.Equal(t, 1600.0, p.Targets.At(0, 0))
	assert.Equal(t, 420.0, p.Targets.At(1, 1))
}

func TestLoadProblemErrors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name  string
		paths ProblemPaths
	}{
		{
			name: "missing weights file",
			paths: ProblemPaths{
				Weights:         filepath.Join(dir, "nope.csv"),
				Characteristics: writeFile(t, dir, "x1.csv", "1\n"),
				Targets:         writeFile(t, dir, "t1.csv", "1\n"),
			},
		},
		{
			name: "non-numeric data row",
			paths: ProblemPaths{
				Weights:         writeFile(t, dir, "w2.csv", "10\nbroken\n"),
				Characteristics: writeFile(t, dir, "x2.csv", "1\n2\n"),
				Targets:         writeFile(t, dir, "t2.csv", "5\n"),
			},
		},
		{
			name: "dimension mismatch",
			paths: ProblemPaths{
				Weights:         writeFile(t, dir, "w3.csv", "10\n20\n"),
				Characteristics: writeFile(t, dir, "x3.csv", "1\n2\n3\n"),
				Targets:         writeFile(t, dir, "t3.csv", "5\n"),
			},
		},
		{
			name: "drop index out of range",
			paths: ProblemPaths{
				Weights:         writeFile(t, dir, "w4.csv", "10\n20\n"),
				Characteristics: writeFile(t, dir, "x4.csv", "1,2\n3,4\n"),
				Targets:         writeFile(t, dir, "t4.csv", "5,6\n7,8\n"),
				Drops:           writeFile(t, dir, "d4.yaml", "9:\n  - 0\n"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader(nil).LoadProblem(context.Background(), tt.paths)
			assert.Error(t, err)
		})
	}
}

func TestParseTableRejectsEmpty(t *testing.T) {
	_, err := parseTable([][]string{{"header", "only"}})
	assert.Error(t, err)
}
