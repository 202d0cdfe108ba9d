package grib

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup_ByShortName(t *testing.T) {
	a, err := Lookup("2t")
	require.NoError(t, err)
	assert.Equal(t, 167, a.ParamID)
	assert.Equal(t, "2 metre temperature", a.Name)
	assert.Equal(t, "K", a.Units)
}

func TestLookup_ByCode(t *testing.T) {
	a, err := Lookup("228")
	require.NoError(t, err)
	assert.Equal(t, "tp", a.ShortName)
	assert.Equal(t, "m", a.Units)

	viaVar, err := Lookup("var228")
	require.NoError(t, err)
	assert.Equal(t, a, viaVar)
}

func TestLookup_Unknown(t *testing.T) {
	_, err := Lookup("definitely-not-a-param")
	require.ErrorIs(t, err, ErrUnknownParam)

	_, err = Lookup("999999")
	require.ErrorIs(t, err, ErrUnknownParam)
}

func TestIsCode(t *testing.T) {
	assert.True(t, IsCode("228"))
	assert.False(t, IsCode("var228"))
	assert.False(t, IsCode("tp"))
}
