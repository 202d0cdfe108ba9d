package dataset

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTimes(n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i)
	}
	return out
}

// testDataset builds a dataset with n daily time steps and one time-varying
// variable "t2m" over a 2-point latitude axis, values step*10+cell.
func testDataset(n int) *Dataset {
	d := New(testTimes(n))
	lat := NewField([]string{"lat"}, Zeros(2))
	lat.Data.Elements[0] = -45
	lat.Data.Elements[1] = 45
	d.Coords["lat"] = lat

	f := NewField([]string{"time", "lat"}, Zeros(n, 2))
	for step := 0; step < n; step++ {
		for cell := 0; cell < 2; cell++ {
			f.Data.Elements[step*2+cell] = float64(step*10 + cell)
		}
	}
	f.Attrs["units"] = "K"
	d.AddVar("t2m", f)
	return d
}

func TestRename_NoShadowing(t *testing.T) {
	d := testDataset(2)
	other := NewField([]string{"time", "lat"}, Zeros(2, 2))
	d.AddVar("u10", other)

	// A swap must resolve both names against the pre-rename state.
	d.Rename(map[string]string{"t2m": "u10", "u10": "t2m"})

	got, ok := d.Var("u10")
	require.True(t, ok)
	assert.Equal(t, "K", got.Attrs.Str("units"))
	assert.Equal(t, []string{"u10", "t2m"}, d.VarNames())
}

func TestDrop(t *testing.T) {
	d := testDataset(2)
	d.AddVar("u10", NewField([]string{"time", "lat"}, Zeros(2, 2)))

	d.Drop("t2m", "missing")

	assert.False(t, d.HasVar("t2m"))
	assert.Equal(t, []string{"u10"}, d.VarNames())
}

func TestRenameCoord_RewritesDims(t *testing.T) {
	d := testDataset(2)
	d.RenameCoord("lat", "latitude")

	require.Contains(t, d.Coords, "latitude")
	assert.NotContains(t, d.Coords, "lat")
	f, _ := d.Var("t2m")
	assert.Equal(t, []string{"time", "latitude"}, f.Dims)
	assert.Equal(t, []string{"latitude"}, d.Coords["latitude"].Dims)
}

func TestSelYearAndMonth(t *testing.T) {
	times := []time.Time{
		time.Date(2019, time.December, 31, 0, 0, 0, 0, time.UTC),
		time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2020, time.February, 1, 0, 0, 0, 0, time.UTC),
	}
	d := New(times)
	f := NewField([]string{"time", "lat"}, Zeros(3, 2))
	for i := range f.Data.Elements {
		f.Data.Elements[i] = float64(i)
	}
	d.AddVar("t2m", f)

	y := d.SelYear(2020)
	require.Len(t, y.Time, 2)
	assert.Equal(t, []int{1, 2}, y.Months())

	m := y.SelMonth(2)
	require.Len(t, m.Time, 1)
	got, _ := m.Var("t2m")
	assert.Equal(t, []float64{4, 5}, got.Data.Elements)
}

func TestSelAfter(t *testing.T) {
	d := testDataset(3)
	cut := d.Time[1]

	got := d.SelAfter(cut)

	require.Len(t, got.Time, 1)
	assert.True(t, got.Time[0].After(cut))
	f, _ := got.Var("t2m")
	assert.Equal(t, []float64{20, 21}, f.Data.Elements)
}

func TestConcatTime_SortsByTimestamp(t *testing.T) {
	feb := New([]time.Time{time.Date(2020, time.February, 1, 0, 0, 0, 0, time.UTC)})
	jan := New([]time.Time{time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)})
	for i, d := range []*Dataset{feb, jan} {
		f := NewField([]string{"time", "lat"}, Zeros(1, 2))
		f.Data.Elements[0] = float64(i * 100)
		f.Data.Elements[1] = float64(i*100 + 1)
		d.AddVar("t2m", f)
	}

	merged, err := ConcatTime(feb, jan)
	require.NoError(t, err)

	require.Len(t, merged.Time, 2)
	assert.True(t, merged.Time[0].Before(merged.Time[1]))
	f, _ := merged.Var("t2m")
	// January's chunk (values 100, 101) must come first after sorting.
	assert.Equal(t, []float64{100, 101, 0, 1}, f.Data.Elements)
}

func TestConcatTime_MissingVariable(t *testing.T) {
	a := testDataset(1)
	b := New(testTimes(1))

	_, err := ConcatTime(a, b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "t2m")
}

func TestWriteRead_Roundtrip(t *testing.T) {
	d := testDataset(3)
	d.Attrs["source"] = "unit test"
	f, _ := d.Var("t2m")
	f.Attrs["paramId"] = 167
	f.Attrs["scale"] = 0.5

	path := t.TempDir() + "/t2m_200001.nc"
	require.NoError(t, Write(d, path))

	got, err := Read(path)
	require.NoError(t, err)

	require.Len(t, got.Time, 3)
	for i := range d.Time {
		assert.True(t, got.Time[i].Equal(d.Time[i]), "time step %d", i)
	}
	assert.Equal(t, "unit test", got.Attrs.Str("source"))

	require.Contains(t, got.Coords, "lat")
	assert.Equal(t, []float64{-45, 45}, got.Coords["lat"].Data.Elements)

	gf, ok := got.Var("t2m")
	require.True(t, ok)
	assert.Equal(t, []string{"time", "lat"}, gf.Dims)
	assert.Equal(t, f.Data.Elements, gf.Data.Elements)
	assert.Equal(t, "K", gf.Attrs.Str("units"))
	id, ok := gf.Attrs.Int("paramId")
	require.True(t, ok)
	assert.Equal(t, 167, id)
	scale, ok := gf.Attrs.Float("scale")
	require.True(t, ok)
	assert.Equal(t, 0.5, scale)
}

func TestWrite_RejectsUndeclaredDimension(t *testing.T) {
	d := New(testTimes(1))
	d.AddVar("bad", NewField([]string{"time", "ghost"}, Zeros(1, 4)))

	err := Write(d, t.TempDir()+"/bad.nc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestAppendHistory_Stamps(t *testing.T) {
	at := time.Date(2024, time.March, 5, 12, 0, 0, 0, time.UTC)
	SetClock(clockwork.NewFakeClockAt(at))
	defer SetClock(nil)

	d := New(nil)
	d.AppendHistory("regridded to r100 by lra generator")
	d.AppendHistory("time averaged to monthly by lra generator")

	assert.Equal(t,
		"2024-03-05T12:00:00Z: regridded to r100 by lra generator\n"+
			"2024-03-05T12:00:00Z: time averaged to monthly by lra generator",
		d.Attrs.Str("history"))
}

func TestEncodeDecodeTime(t *testing.T) {
	times := testTimes(2)
	vals := EncodeTime(times)
	assert.Equal(t, []float64{18262, 18263}, vals)

	back, err := DecodeTime(vals, TimeUnits)
	require.NoError(t, err)
	for i := range times {
		assert.True(t, back[i].Equal(times[i]))
	}

	hours, err := DecodeTime([]float64{24}, "hours since 2020-01-01 00:00:00")
	require.NoError(t, err)
	assert.True(t, hours[0].Equal(time.Date(2020, time.January, 2, 0, 0, 0, 0, time.UTC)))

	_, err = DecodeTime(vals, "fortnights since 1970-01-01")
	require.Error(t, err)
}
