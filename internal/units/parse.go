package units

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/ctessum/unit"
)

// Dimensions beyond mass/length/time that conversions need to keep apart.
var (
	tempDim  unit.Dimension
	angleDim unit.Dimension
)

func init() {
	tempDim = unit.NewDimension("temp")
	angleDim = unit.NewDimension("angle")
}

// quantity is a parsed unit string: x in this unit equals
// (x + offset) * scale in SI base units. The offset is only meaningful for
// bare temperature scales; it is dropped for compound units.
type quantity struct {
	scale  float64
	offset float64
	dims   unit.Dimensions
}

// baseUnits maps recognized unit tokens to their SI representation. The table
// follows the conventions found in climate model output: CF-style unit
// strings plus the oceanographic extras (psu, Sv) that standard registries
// lack.
var baseUnits = map[string]quantity{
	// length
	"m":  {scale: 1, dims: unit.Dimensions{unit.LengthDim: 1}},
	"km": {scale: 1000, dims: unit.Dimensions{unit.LengthDim: 1}},
	"cm": {scale: 0.01, dims: unit.Dimensions{unit.LengthDim: 1}},
	"mm": {scale: 0.001, dims: unit.Dimensions{unit.LengthDim: 1}},
	// mass
	"kg": {scale: 1, dims: unit.Dimensions{unit.MassDim: 1}},
	"g":  {scale: 1e-3, dims: unit.Dimensions{unit.MassDim: 1}},
	"t":  {scale: 1000, dims: unit.Dimensions{unit.MassDim: 1}},
	// time
	"s":      {scale: 1, dims: unit.Dimensions{unit.TimeDim: 1}},
	"ms":     {scale: 1e-3, dims: unit.Dimensions{unit.TimeDim: 1}},
	"min":    {scale: 60, dims: unit.Dimensions{unit.TimeDim: 1}},
	"h":      {scale: 3600, dims: unit.Dimensions{unit.TimeDim: 1}},
	"hr":     {scale: 3600, dims: unit.Dimensions{unit.TimeDim: 1}},
	"hour":   {scale: 3600, dims: unit.Dimensions{unit.TimeDim: 1}},
	"d":      {scale: 86400, dims: unit.Dimensions{unit.TimeDim: 1}},
	"day":    {scale: 86400, dims: unit.Dimensions{unit.TimeDim: 1}},
	"days":   {scale: 86400, dims: unit.Dimensions{unit.TimeDim: 1}},
	"months": {scale: 86400 * 30.436875, dims: unit.Dimensions{unit.TimeDim: 1}},
	"year":   {scale: 86400 * 365.25, dims: unit.Dimensions{unit.TimeDim: 1}},
	// temperature
	"K":       {scale: 1, dims: unit.Dimensions{tempDim: 1}},
	"degC":    {scale: 1, offset: 273.15, dims: unit.Dimensions{tempDim: 1}},
	"celsius": {scale: 1, offset: 273.15, dims: unit.Dimensions{tempDim: 1}},
	"degF":    {scale: 5. / 9., offset: 459.67, dims: unit.Dimensions{tempDim: 1}},
	// pressure
	"Pa":   {scale: 1, dims: unit.Dimensions{unit.MassDim: 1, unit.LengthDim: -1, unit.TimeDim: -2}},
	"hPa":  {scale: 100, dims: unit.Dimensions{unit.MassDim: 1, unit.LengthDim: -1, unit.TimeDim: -2}},
	"mbar": {scale: 100, dims: unit.Dimensions{unit.MassDim: 1, unit.LengthDim: -1, unit.TimeDim: -2}},
	"bar":  {scale: 1e5, dims: unit.Dimensions{unit.MassDim: 1, unit.LengthDim: -1, unit.TimeDim: -2}},
	// energy and power
	"J": {scale: 1, dims: unit.Dimensions{unit.MassDim: 1, unit.LengthDim: 2, unit.TimeDim: -2}},
	"W": {scale: 1, dims: unit.Dimensions{unit.MassDim: 1, unit.LengthDim: 2, unit.TimeDim: -3}},
	// dimensionless and fractions
	"1":        {scale: 1, dims: unit.Dimensions{}},
	"frac":     {scale: 1, dims: unit.Dimensions{}},
	"fraction": {scale: 1, dims: unit.Dimensions{}},
	"%":        {scale: 0.01, dims: unit.Dimensions{}},
	"percent":  {scale: 0.01, dims: unit.Dimensions{}},
	"ppm":      {scale: 1e-6, dims: unit.Dimensions{}},
	// oceanographic extras
	"psu": {scale: 1e-3, dims: unit.Dimensions{}},
	"PSU": {scale: 1e-3, dims: unit.Dimensions{}},
	"Sv":  {scale: 1e6, dims: unit.Dimensions{unit.LengthDim: 3, unit.TimeDim: -1}},
	// angles
	"radian":  {scale: 1, dims: unit.Dimensions{angleDim: 1}},
	"rad":     {scale: 1, dims: unit.Dimensions{angleDim: 1}},
	"degree":  {scale: math.Pi / 180, dims: unit.Dimensions{angleDim: 1}},
	"degrees": {scale: math.Pi / 180, dims: unit.Dimensions{angleDim: 1}},
}

// tokenRe splits a unit token into its name and optional integer exponent,
// accepting the "m-2", "m2", "m**-2" and "m^2" spellings.
var tokenRe = regexp.MustCompile(`^([A-Za-z%]+)(?:\*\*|\^)?(-?\d+)?$`)

// parseUnit parses a CF-style unit string ("kg m-2 s-1", "mm/day", "degC")
// into a quantity. Unparseable strings are configuration bugs and return an
// error the caller must treat as fatal.
func parseUnit(s string) (quantity, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return quantity{}, fmt.Errorf("units: empty unit string")
	}
	q := quantity{scale: 1, dims: unit.Dimensions{}}
	sign := 1
	nTokens := 0
	// "/" flips the sign of every following exponent, as in "mm/day".
	for _, part := range strings.Split(s, "/") {
		for _, tok := range strings.Fields(part) {
			tq, exp, err := parseToken(tok)
			if err != nil {
				return quantity{}, fmt.Errorf("units: cannot parse %q: %w", s, err)
			}
			exp *= sign
			q.scale *= math.Pow(tq.scale, float64(exp))
			for dim, p := range tq.dims {
				q.dims[dim] += p * exp
				if q.dims[dim] == 0 {
					delete(q.dims, dim)
				}
			}
			if exp == 1 {
				q.offset = tq.offset
			}
			nTokens++
		}
		sign = -1
	}
	if nTokens == 0 {
		return quantity{}, fmt.Errorf("units: empty unit string %q", s)
	}
	if nTokens > 1 {
		// Offsets only make sense for bare temperature scales.
		q.offset = 0
	}
	return q, nil
}

func parseToken(tok string) (quantity, int, error) {
	// A bare number is a scale multiplier, e.g. "100 m".
	if v, err := strconv.ParseFloat(tok, 64); err == nil {
		return quantity{scale: v, dims: unit.Dimensions{}}, 1, nil
	}
	m := tokenRe.FindStringSubmatch(tok)
	if m == nil {
		return quantity{}, 0, fmt.Errorf("invalid token %q", tok)
	}
	q, ok := baseUnits[m[1]]
	if !ok {
		return quantity{}, 0, fmt.Errorf("unknown unit %q", m[1])
	}
	exp := 1
	if m[2] != "" {
		var err error
		exp, err = strconv.Atoi(m[2])
		if err != nil {
			return quantity{}, 0, fmt.Errorf("invalid exponent in %q", tok)
		}
	}
	return q, exp, nil
}

func subDims(a, b unit.Dimensions) unit.Dimensions {
	out := unit.Dimensions{}
	for dim, p := range a {
		out[dim] = p
	}
	for dim, p := range b {
		out[dim] -= p
		if out[dim] == 0 {
			delete(out, dim)
		}
	}
	return out
}

func sameDims(a, b unit.Dimensions) bool {
	if len(a) != len(b) {
		return false
	}
	for dim, p := range a {
		if b[dim] != p {
			return false
		}
	}
	return true
}
