package lra_test

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tempestra/climate-lra/internal/dataset"
	"github.com/tempestra/climate-lra/internal/lra"
)

func writeTestFile(t *testing.T, d *dataset.Dataset) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.nc")
	require.NoError(t, dataset.Write(d, path))
	return path
}

func completeDataset(steps int) *dataset.Dataset {
	times := make([]time.Time, steps)
	for i := range times {
		times[i] = time.Date(2020, 1, 1+i, 0, 0, 0, 0, time.UTC)
	}
	d := dataset.New(times)
	lat := dataset.NewField([]string{"lat"}, dataset.Zeros(2))
	lat.Data.Elements[0] = -45
	lat.Data.Elements[1] = 45
	d.Coords["lat"] = lat
	f := dataset.NewField([]string{"time", "lat"}, dataset.Zeros(steps, 2))
	for i := range f.Data.Elements {
		f.Data.Elements[i] = float64(i)
	}
	d.AddVar("2t", f)
	return d
}

func TestFileIsComplete_MissingFile(t *testing.T) {
	assert.False(t, lra.FileIsComplete(filepath.Join(t.TempDir(), "nope.nc"), nil))
}

func TestFileIsComplete_UniformCoverage(t *testing.T) {
	path := writeTestFile(t, completeDataset(3))
	assert.True(t, lra.FileIsComplete(path, nil))
}

func TestFileIsComplete_NaNMaskIsUniform(t *testing.T) {
	// A fixed land/sea mask gives every step the same valid-cell count, which
	// still counts as complete.
	d := completeDataset(3)
	f, _ := d.Var("2t")
	for step := 0; step < 3; step++ {
		f.Data.Elements[step*2] = math.NaN()
	}
	path := writeTestFile(t, d)
	assert.True(t, lra.FileIsComplete(path, nil))
}

func TestFileIsComplete_DeficientStep(t *testing.T) {
	d := completeDataset(3)
	f, _ := d.Var("2t")
	// Last step only partially written.
	f.Data.Elements[5] = math.NaN()
	path := writeTestFile(t, d)
	assert.False(t, lra.FileIsComplete(path, nil))
}

func TestFileIsComplete_AllNaN(t *testing.T) {
	d := completeDataset(2)
	f, _ := d.Var("2t")
	for i := range f.Data.Elements {
		f.Data.Elements[i] = math.NaN()
	}
	path := writeTestFile(t, d)
	assert.False(t, lra.FileIsComplete(path, nil))
}

func TestFileIsComplete_NoVariables(t *testing.T) {
	d := dataset.New([]time.Time{time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)})
	path := writeTestFile(t, d)
	assert.False(t, lra.FileIsComplete(path, nil))
}

func TestFileIsComplete_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.nc")
	require.NoError(t, os.WriteFile(path, []byte("not a netcdf file"), 0o644))
	assert.False(t, lra.FileIsComplete(path, nil))
}
