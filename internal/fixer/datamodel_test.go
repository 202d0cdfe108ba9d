package fixer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tempestra/climate-lra/internal/dataset"
)

func coordDataset(coords map[string][]float64) *dataset.Dataset {
	d := dataset.New([]time.Time{time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)})
	for name, vals := range coords {
		c := dataset.NewField([]string{name}, dataset.Zeros(len(vals)))
		copy(c.Data.Elements, vals)
		d.Coords[name] = c
	}
	return d
}

func TestTranslateDataModel_RenamesCoords(t *testing.T) {
	d := coordDataset(map[string][]float64{
		"latitude":  {-45, 45},
		"longitude": {0, 90, 180, 270},
	})
	f := dataset.NewField([]string{"time", "latitude", "longitude"}, dataset.Zeros(1, 2, 4))
	d.AddVar("t2m", f)

	require.NoError(t, translateDataModel(d, "cf", "cds"))

	require.Contains(t, d.Coords, "lat")
	require.Contains(t, d.Coords, "lon")
	assert.NotContains(t, d.Coords, "latitude")
	assert.Equal(t, "degrees_north", d.Coords["lat"].Attrs.Str("units"))
	assert.Equal(t, []string{"time", "lat", "lon"}, f.Dims)
}

func TestTranslateDataModel_UnknownMapping(t *testing.T) {
	d := coordDataset(nil)
	err := translateDataModel(d, "cf", "nonexistent")
	require.Error(t, err)
}

func TestTranslateDataModel_ForecastReferenceTime(t *testing.T) {
	d := coordDataset(map[string][]float64{
		"forecast_reference_time": {18262},
	})

	require.NoError(t, translateDataModel(d, "cf", "cds"))

	// The stray coordinate folds into the dataset's own time axis instead of
	// surviving as a duplicate variable.
	assert.NotContains(t, d.Coords, "forecast_reference_time")
	assert.NotContains(t, d.Coords, "time")
}

func TestDetectKnownProvenanceQuirks(t *testing.T) {
	q := detectKnownProvenanceQuirks("2023-01-01: converted by IFSMagician v2")
	assert.True(t, q.GribScanLevels)
	assert.False(t, q.RemoteHeight)

	q = detectKnownProvenanceQuirks("retrieved through GSV interface")
	assert.True(t, q.RemoteHeight)

	q = detectKnownProvenanceQuirks("")
	assert.False(t, q.GribScanLevels)
	assert.False(t, q.RemoteHeight)
}

func TestTranslateDataModel_GribScanLevelQuirk(t *testing.T) {
	d := coordDataset(map[string][]float64{
		"level": {85000, 92500, 100000},
	})
	d.Attrs["history"] = "processed by IFSMagician"

	require.NoError(t, translateDataModel(d, "cf", "cds"))

	// Values above 1000 mean the "model levels" really are pressures.
	require.Contains(t, d.Coords, "plev")
	assert.Equal(t, "hPa", d.Coords["plev"].Attrs.Str("units"))
	assert.Equal(t, "air_pressure", d.Coords["plev"].Attrs.Str("standard_name"))
}

func TestTranslateDataModel_GribScanQuirkSkipsRealLevels(t *testing.T) {
	d := coordDataset(map[string][]float64{
		"level": {1, 2, 3},
	})
	d.Attrs["history"] = "processed by IFSMagician"

	require.NoError(t, translateDataModel(d, "cf", "cds"))

	// No relabel for genuine model levels; the mapping metadata applies.
	require.Contains(t, d.Coords, "plev")
	assert.Equal(t, "Pa", d.Coords["plev"].Attrs.Str("units"))
}

func TestTranslateDataModel_RemoteHeightQuirk(t *testing.T) {
	d := coordDataset(map[string][]float64{
		"height": {500, 850},
	})
	d.Attrs["history"] = "streamed via GSV interface"

	require.NoError(t, translateDataModel(d, "cf", "cds"))

	// "height" is not in the mapping, only the quirk relabel applies.
	require.Contains(t, d.Coords, "height")
	assert.Equal(t, "hPa", d.Coords["height"].Attrs.Str("units"))
}
