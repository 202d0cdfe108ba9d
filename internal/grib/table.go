// Package grib resolves GRIB parameter identifiers to their canonical
// attributes (short name, long name, units), playing the role the eccodes
// definition tables play for GRIB-decoding tools. Only the ECMWF parameters
// that show up in the supported model archives are included; lookups outside
// the table fail with ErrUnknownParam, which callers treat as non-fatal.
package grib

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnknownParam reports that a parameter is not in the table.
var ErrUnknownParam = errors.New("grib: unknown parameter")

// Attributes are the canonical metadata of one GRIB parameter.
type Attributes struct {
	ParamID   int
	ShortName string
	Name      string
	Units     string
}

// table is indexed by paramId. Values follow the ECMWF parameter database.
var table = []Attributes{
	{31, "ci", "Sea ice area fraction", "(0 - 1)"},
	{34, "sst", "Sea surface temperature", "K"},
	{129, "z", "Geopotential", "m**2 s**-2"},
	{130, "t", "Temperature", "K"},
	{131, "u", "U component of wind", "m s**-1"},
	{132, "v", "V component of wind", "m s**-1"},
	{133, "q", "Specific humidity", "kg kg**-1"},
	{134, "sp", "Surface pressure", "Pa"},
	{137, "tcwv", "Total column vertically-integrated water vapour", "kg m**-2"},
	{141, "sd", "Snow depth", "m of water equivalent"},
	{142, "lsp", "Large-scale precipitation", "m"},
	{143, "cp", "Convective precipitation", "m"},
	{144, "sf", "Snowfall", "m of water equivalent"},
	{146, "sshf", "Surface sensible heat flux", "J m**-2"},
	{147, "slhf", "Surface latent heat flux", "J m**-2"},
	{151, "msl", "Mean sea level pressure", "Pa"},
	{159, "blh", "Boundary layer height", "m"},
	{164, "tcc", "Total cloud cover", "(0 - 1)"},
	{165, "10u", "10 metre U wind component", "m s**-1"},
	{166, "10v", "10 metre V wind component", "m s**-1"},
	{167, "2t", "2 metre temperature", "K"},
	{168, "2d", "2 metre dewpoint temperature", "K"},
	{169, "ssrd", "Surface short-wave (solar) radiation downwards", "J m**-2"},
	{175, "strd", "Surface long-wave (thermal) radiation downwards", "J m**-2"},
	{176, "ssr", "Surface net short-wave (solar) radiation", "J m**-2"},
	{177, "str", "Surface net long-wave (thermal) radiation", "J m**-2"},
	{178, "tsr", "Top net short-wave (solar) radiation", "J m**-2"},
	{179, "ttr", "Top net long-wave (thermal) radiation", "J m**-2"},
	{180, "ewss", "East-west surface stress", "N m**-2 s"},
	{181, "nsss", "North-south surface stress", "N m**-2 s"},
	{182, "e", "Evaporation", "m of water equivalent"},
	{228, "tp", "Total precipitation", "m"},
	{235, "skt", "Skin temperature", "K"},
}

var (
	byID   = map[int]Attributes{}
	byName = map[string]Attributes{}
)

func init() {
	for _, a := range table {
		byID[a.ParamID] = a
		byName[a.ShortName] = a
	}
}

// Lookup resolves a parameter by short name ("tp"), numeric code ("228") or
// eccodes-style var spelling ("var228").
func Lookup(key string) (Attributes, error) {
	if a, ok := byName[key]; ok {
		return a, nil
	}
	code := strings.TrimPrefix(key, "var")
	if id, err := strconv.Atoi(code); err == nil {
		if a, ok := byID[id]; ok {
			return a, nil
		}
	}
	return Attributes{}, fmt.Errorf("%w: %q", ErrUnknownParam, key)
}

// IsCode reports whether the identifier is a bare numeric GRIB code.
func IsCode(key string) bool {
	_, err := strconv.Atoi(key)
	return err == nil
}
