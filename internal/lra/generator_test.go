package lra_test

import (
	"context"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tempestra/climate-lra/internal/catalog"
	"github.com/tempestra/climate-lra/internal/dataset"
	"github.com/tempestra/climate-lra/internal/lra"
)

// stubSource hands back canned data and records the resume point it was asked
// for. Regrid and Timmean pass through; their correctness is covered by the
// reader tests.
type stubSource struct {
	whole  *dataset.Dataset
	chunks []*dataset.Dataset

	gotVar   string
	gotStart time.Time
}

func (s *stubSource) Retrieve(_ context.Context, varname string, startdate time.Time) (lra.Retrieval, error) {
	s.gotVar = varname
	s.gotStart = startdate
	if s.chunks != nil {
		i := 0
		return lra.Retrieval{Next: func() (*dataset.Dataset, error) {
			if i >= len(s.chunks) {
				return nil, io.EOF
			}
			d := s.chunks[i]
			i++
			return d, nil
		}}, nil
	}
	return lra.Retrieval{Whole: s.whole}, nil
}

func (s *stubSource) Regrid(d *dataset.Dataset) (*dataset.Dataset, error) { return d, nil }

func (s *stubSource) Timmean(d *dataset.Dataset) (*dataset.Dataset, error) { return d, nil }

// archiveDataset builds a dataset over the given times with values
// base+index, on a 2-point latitude axis.
func archiveDataset(varname string, times []time.Time, base float64) *dataset.Dataset {
	d := dataset.New(times)
	lat := dataset.NewField([]string{"lat"}, dataset.Zeros(2))
	lat.Data.Elements[0] = -45
	lat.Data.Elements[1] = 45
	d.Coords["lat"] = lat
	f := dataset.NewField([]string{"time", "lat"}, dataset.Zeros(len(times), 2))
	for i := range f.Data.Elements {
		f.Data.Elements[i] = base + float64(i)
	}
	d.AddVar(varname, f)
	return d
}

func monthTimes(year int, month time.Month, days int) []time.Time {
	out := make([]time.Time, days)
	for i := range out {
		out[i] = time.Date(year, month, 1+i, 0, 0, 0, 0, time.UTC)
	}
	return out
}

func testOptions(t *testing.T, vars ...string) lra.Options {
	t.Helper()
	return lra.Options{
		Model:      "IFS",
		Exp:        "historical",
		Source:     "hourly",
		Vars:       vars,
		Resolution: "r100",
		Frequency:  "monthly",
		OutDir:     t.TempDir(),
		CatalogDir: t.TempDir(),
		Workers:    1,
		Definitive: true,
	}
}

func TestOptions_Validation(t *testing.T) {
	opts := testOptions(t, "2t")
	opts.Model = ""
	_, err := lra.NewGenerator(opts, &stubSource{}, nil, nil)
	require.Error(t, err)

	opts = testOptions(t, "2t")
	opts.Workers = 4
	_, err = lra.NewGenerator(opts, &stubSource{}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tmpdir")

	opts = testOptions(t)
	_, err = lra.NewGenerator(opts, &stubSource{}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "variable")
}

func TestGenerate_WholeWritesAndConsolidates(t *testing.T) {
	times := append(monthTimes(2020, time.January, 2), monthTimes(2020, time.February, 2)...)
	src := &stubSource{whole: archiveDataset("2t", times, 0)}
	opts := testOptions(t, "2t")

	gen, err := lra.NewGenerator(opts, src, nil, nil)
	require.NoError(t, err)
	defer gen.Cleanup()

	require.NoError(t, gen.Generate(context.Background()))

	assert.Equal(t, "2t", src.gotVar)
	assert.True(t, src.gotStart.IsZero())

	// Both monthly chunks were consolidated into one yearly file.
	yearly := filepath.Join(gen.OutDir(), "2t_historical_r100_monthly_2020.nc")
	monthlies, _ := filepath.Glob(filepath.Join(gen.OutDir(), "*2020??.nc"))
	assert.Empty(t, monthlies)

	got, err := dataset.Read(yearly)
	require.NoError(t, err)
	require.Len(t, got.Time, 4)
	for i := 1; i < 4; i++ {
		assert.True(t, got.Time[i-1].Before(got.Time[i]), "time axis must be sorted")
	}
	f, ok := got.Var("2t")
	require.True(t, ok)
	assert.Equal(t, []float64{0, 1, 2, 3, 4, 5, 6, 7}, f.Data.Elements)

	// The archive is registered in the per-experiment catalog.
	catalogFile := filepath.Join(opts.CatalogDir, "IFS", "historical.yaml")
	ok, err = catalog.Has(catalogFile, "lra-r100-monthly")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGenerate_DryRunWritesNothing(t *testing.T) {
	times := monthTimes(2020, time.January, 2)
	src := &stubSource{whole: archiveDataset("2t", times, 0)}
	opts := testOptions(t, "2t")
	opts.Definitive = false

	gen, err := lra.NewGenerator(opts, src, nil, nil)
	require.NoError(t, err)

	require.NoError(t, gen.Generate(context.Background()))

	files, _ := filepath.Glob(filepath.Join(gen.OutDir(), "*.nc"))
	assert.Empty(t, files)
	_, err = os.Stat(filepath.Join(opts.CatalogDir, "IFS", "historical.yaml"))
	assert.True(t, os.IsNotExist(err))
}

func TestGenerate_SkipsCompleteMonthly(t *testing.T) {
	opts := testOptions(t, "2t")
	src := &stubSource{whole: archiveDataset("2t",
		append(monthTimes(2020, time.January, 2), monthTimes(2020, time.February, 2)...), 0)}

	gen, err := lra.NewGenerator(opts, src, nil, nil)
	require.NoError(t, err)

	// January already archived with distinctive values; February exists but
	// is a crash artifact with uneven coverage.
	jan := archiveDataset("2t", monthTimes(2020, time.January, 2), 100)
	require.NoError(t, dataset.Write(jan,
		filepath.Join(gen.OutDir(), "2t_historical_r100_monthly_202001.nc")))
	feb := archiveDataset("2t", monthTimes(2020, time.February, 2), 0)
	fv, _ := feb.Var("2t")
	fv.Data.Elements[3] = math.NaN()
	require.NoError(t, dataset.Write(feb,
		filepath.Join(gen.OutDir(), "2t_historical_r100_monthly_202002.nc")))

	require.NoError(t, gen.Generate(context.Background()))

	// January survived untouched into the consolidated year, February was
	// recomputed from the source.
	got, err := dataset.Read(filepath.Join(gen.OutDir(), "2t_historical_r100_monthly_2020.nc"))
	require.NoError(t, err)
	f, ok := got.Var("2t")
	require.True(t, ok)
	assert.Equal(t, []float64{100, 101, 102, 103, 4, 5, 6, 7}, f.Data.Elements)
}

func TestGenerate_ResumesAfterCompleteArchive(t *testing.T) {
	opts := testOptions(t, "2t")
	times := append(monthTimes(2020, time.January, 2), monthTimes(2020, time.February, 2)...)
	src := &stubSource{whole: archiveDataset("2t", times, 0)}

	gen, err := lra.NewGenerator(opts, src, nil, nil)
	require.NoError(t, err)

	archived := archiveDataset("2t", times, 50)
	yearly := filepath.Join(gen.OutDir(), "2t_historical_r100_monthly_2020.nc")
	require.NoError(t, dataset.Write(archived, yearly))
	before, err := os.ReadFile(yearly)
	require.NoError(t, err)

	require.NoError(t, gen.Generate(context.Background()))

	// The retrieval resumed after the last archived record and the archive
	// itself was not touched.
	assert.True(t, src.gotStart.Equal(times[len(times)-1]))
	after, err := os.ReadFile(yearly)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestGenerate_StreamConsolidatesOnDecember(t *testing.T) {
	opts := testOptions(t, "tprate")
	src := &stubSource{chunks: []*dataset.Dataset{
		archiveDataset("tprate", monthTimes(2020, time.November, 2), 0),
		archiveDataset("tprate", monthTimes(2020, time.December, 2), 10),
	}}

	gen, err := lra.NewGenerator(opts, src, nil, nil)
	require.NoError(t, err)

	require.NoError(t, gen.Generate(context.Background()))

	monthlies, _ := filepath.Glob(filepath.Join(gen.OutDir(), "*2020??.nc"))
	assert.Empty(t, monthlies)

	got, err := dataset.Read(filepath.Join(gen.OutDir(), "tprate_historical_r100_monthly_2020.nc"))
	require.NoError(t, err)
	require.Len(t, got.Time, 4)
	f, ok := got.Var("tprate")
	require.True(t, ok)
	assert.Equal(t, []float64{0, 1, 2, 3, 10, 11, 12, 13}, f.Data.Elements)
}

func TestGenerate_StagesThroughTmpDir(t *testing.T) {
	opts := testOptions(t, "2t")
	opts.TmpDir = t.TempDir()
	src := &stubSource{whole: archiveDataset("2t", monthTimes(2020, time.January, 2), 0)}

	gen, err := lra.NewGenerator(opts, src, nil, nil)
	require.NoError(t, err)

	require.NoError(t, gen.Generate(context.Background()))

	// The monthly file landed under its final name; nothing remains staged.
	_, err = os.Stat(filepath.Join(gen.OutDir(), "2t_historical_r100_monthly_202001.nc"))
	require.NoError(t, err)
	staged, _ := filepath.Glob(filepath.Join(opts.TmpDir, "lra_*", "*"))
	assert.Empty(t, staged)

	gen.Cleanup()
	dirs, _ := filepath.Glob(filepath.Join(opts.TmpDir, "lra_*"))
	assert.Empty(t, dirs)
}
