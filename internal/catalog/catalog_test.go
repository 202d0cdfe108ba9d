package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func testEntry(res string) Entry {
	return NewNetCDFEntry(
		"/data/lra/IFS/historical/"+res+"/monthly/*historical_"+res+"_monthly_????.nc",
		"LRA data "+res+" at monthly")
}

func TestUpsert_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "IFS", "historical.yaml")

	require.NoError(t, Upsert(path, "lra-r100-monthly", testEntry("r100"), false, nil))

	ok, err := Has(path, "lra-r100-monthly")
	require.NoError(t, err)
	assert.True(t, ok)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc struct {
		Sources map[string]Entry `yaml:"sources"`
	}
	require.NoError(t, yaml.Unmarshal(raw, &doc))
	if diff := cmp.Diff(testEntry("r100"), doc.Sources["lra-r100-monthly"]); diff != "" {
		t.Errorf("entry mismatch (-want +got):\n%s", diff)
	}
}

func TestUpsert_ExistingWithoutOverwriteIsUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "historical.yaml")
	require.NoError(t, Upsert(path, "lra-r100-monthly", testEntry("r100"), false, nil))

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	// Same name again without overwrite: the file must not change at all,
	// not even formatting.
	require.NoError(t, Upsert(path, "lra-r100-monthly", testEntry("r100"), false, nil))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestUpsert_OverwriteReplacesEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "historical.yaml")
	require.NoError(t, Upsert(path, "lra-r100-monthly", testEntry("r100"), false, nil))

	updated := testEntry("r100")
	updated.Description = "LRA data r100 at monthly, regenerated"
	require.NoError(t, Upsert(path, "lra-r100-monthly", updated, true, nil))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc struct {
		Sources map[string]Entry `yaml:"sources"`
	}
	require.NoError(t, yaml.Unmarshal(raw, &doc))
	require.Len(t, doc.Sources, 1)
	assert.Equal(t, "LRA data r100 at monthly, regenerated",
		doc.Sources["lra-r100-monthly"].Description)
}

func TestUpsert_PreservesOtherEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "historical.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
description: manually curated catalog
sources:
  raw-hourly:
    driver: netcdf
    args:
      urlpath: /data/raw/*.nc
`), 0o644))

	require.NoError(t, Upsert(path, "lra-r100-monthly", testEntry("r100"), false, nil))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(raw)
	assert.Contains(t, text, "manually curated catalog")
	assert.Contains(t, text, "raw-hourly")
	assert.Contains(t, text, "lra-r100-monthly")

	ok, err := Has(path, "raw-hourly")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHas_MissingFile(t *testing.T) {
	ok, err := Has(filepath.Join(t.TempDir(), "nope.yaml"), "anything")
	require.NoError(t, err)
	assert.False(t, ok)
}
